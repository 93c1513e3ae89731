package kept

import (
	"fmt"

	"github.com/marcus/kept/internal/models"
	"github.com/marcus/kept/internal/schema"
	"github.com/marcus/kept/internal/store"
	"github.com/marcus/kept/internal/syncengine"
)

// Errors surfaced by collection operations. Remote failures never surface
// here; they show up in Status and on the entity.
var (
	ErrNotFound = syncengine.ErrNotFound
	ErrExists   = syncengine.ErrExists
	ErrClosed   = syncengine.ErrClosed
)

// Raw is an untyped collection of rows keyed by column name.
type Raw struct {
	session *Session
	schema  *schema.Schema
}

// Collection returns the untyped view of a collection by name.
func (s *Session) Collection(name string) (*Raw, error) {
	sc, err := s.engine.Registry().Lookup(name)
	if err != nil {
		return nil, err
	}
	return &Raw{session: s, schema: sc}, nil
}

// Name returns the collection name.
func (r *Raw) Name() string { return r.schema.Collection }

// Schema returns the collection schema.
func (r *Raw) Schema() *schema.Schema { return r.schema }

// List returns the visible rows, oldest first.
func (r *Raw) List() []schema.Row {
	entries := r.session.Store().List(r.schema.Collection)
	rows := make([]schema.Row, len(entries))
	for i, e := range entries {
		rows[i] = e.Row
	}
	return rows
}

// Entries returns the visible entries with their sync state.
func (r *Raw) Entries() []store.Entry {
	return r.session.Store().List(r.schema.Collection)
}

// Get returns one row.
func (r *Raw) Get(id string) (schema.Row, error) {
	e, err := r.Entry(id)
	if err != nil {
		return nil, err
	}
	return e.Row, nil
}

// Entry returns one entry with its pending flag and inline error.
func (r *Raw) Entry(id string) (store.Entry, error) {
	e, ok := r.session.Store().Get(r.schema.Collection, id)
	if !ok || e.Deleted {
		return store.Entry{}, fmt.Errorf("%s/%s: %w", r.schema.Collection, id, ErrNotFound)
	}
	return e, nil
}

// Create stores a new row; a missing id is generated.
func (r *Raw) Create(row schema.Row) (schema.Row, error) {
	return r.session.engine.Create(r.schema.Collection, row)
}

// Update applies changed columns to a row.
func (r *Raw) Update(id string, changes schema.Row) (schema.Row, error) {
	return r.session.engine.Update(r.schema.Collection, id, changes)
}

// Delete removes a row.
func (r *Raw) Delete(id string) error {
	return r.session.engine.Delete(r.schema.Collection, id)
}

// Collection is a typed view over one collection. T is a pointer to a
// models type, e.g. *models.Task.
type Collection[T models.Record] struct {
	raw *Raw
}

// For returns the typed collection for T.
func For[T models.Record](s *Session) (*Collection[T], error) {
	var zero T
	sc, err := s.engine.Registry().For(zero)
	if err != nil {
		return nil, err
	}
	return &Collection[T]{raw: &Raw{session: s, schema: sc}}, nil
}

// Raw returns the untyped view of the same collection.
func (c *Collection[T]) Raw() *Raw { return c.raw }

// List returns every visible record, oldest first.
func (c *Collection[T]) List() ([]T, error) {
	rows := c.raw.List()
	out := make([]T, 0, len(rows))
	for _, row := range rows {
		rec, err := c.decode(row)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Get returns one record.
func (c *Collection[T]) Get(id string) (T, error) {
	row, err := c.raw.Get(id)
	if err != nil {
		var zero T
		return zero, err
	}
	return c.decode(row)
}

// Error returns the inline error of the last rejected write to id, if any.
func (c *Collection[T]) Error(id string) string {
	e, ok := c.raw.session.Store().Get(c.raw.schema.Collection, id)
	if !ok {
		return ""
	}
	return e.Error
}

// Pending reports whether id has writes the remote store has not confirmed.
func (c *Collection[T]) Pending(id string) bool {
	e, ok := c.raw.session.Store().Get(c.raw.schema.Collection, id)
	return ok && e.Pending
}

// Create stores rec and returns it as stored, with id and timestamps set.
func (c *Collection[T]) Create(rec T) (T, error) {
	var zero T
	row, err := c.raw.schema.Encode(rec)
	if err != nil {
		return zero, err
	}
	if row.ID() == "" {
		delete(row, schema.ColID)
	}
	stored, err := c.raw.Create(row)
	if err != nil {
		return zero, err
	}
	return c.decode(stored)
}

// Update writes every field of rec. Only changed columns are sent.
func (c *Collection[T]) Update(rec T) (T, error) {
	var zero T
	row, err := c.raw.schema.Encode(rec)
	if err != nil {
		return zero, err
	}
	stored, err := c.raw.Update(rec.Base().ID, row)
	if err != nil {
		return zero, err
	}
	return c.decode(stored)
}

// Delete removes id.
func (c *Collection[T]) Delete(id string) error {
	return c.raw.Delete(id)
}

// Watch calls fn after every change to this collection with the record and
// whether it was removed. The returned func stops watching.
func (c *Collection[T]) Watch(fn func(rec T, removed bool)) func() {
	name := c.raw.schema.Collection
	return c.raw.session.Store().Subscribe(func(ch store.Change) {
		if ch.Collection != name && ch.Kind != store.ChangeReset {
			return
		}
		if ch.Kind == store.ChangeReset {
			var zero T
			fn(zero, true)
			return
		}
		removed := ch.Kind == store.ChangeRemove || ch.Entry.Deleted
		if ch.Entry.Row == nil {
			var zero T
			fn(zero, removed)
			return
		}
		rec, err := c.decode(ch.Entry.Row)
		if err != nil {
			return
		}
		fn(rec, removed)
	})
}

func (c *Collection[T]) decode(row schema.Row) (T, error) {
	var zero T
	rec, err := c.raw.schema.Decode(row)
	if err != nil {
		return zero, err
	}
	typed, ok := rec.(T)
	if !ok {
		return zero, fmt.Errorf("%s: decoded %T, want %T", c.raw.schema.Collection, rec, zero)
	}
	return typed, nil
}

// CollectionCount summarizes one collection for status displays.
type CollectionCount struct {
	Collection string `json:"collection"`
	Visible    int    `json:"visible"`
	Pending    int    `json:"pending"`
	Errored    int    `json:"errored"`
}

// Counts returns a summary of every collection that has entries.
func (s *Session) Counts() []CollectionCount {
	var out []CollectionCount
	for _, name := range s.engine.Registry().Collections() {
		entries := s.Store().List(name)
		if len(entries) == 0 {
			continue
		}
		c := CollectionCount{Collection: name, Visible: len(entries)}
		for _, e := range entries {
			if e.Pending {
				c.Pending++
			}
			if e.Error != "" {
				c.Errored++
			}
		}
		out = append(out, c)
	}
	return out
}
