package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/marcus/kept/internal/queue"
	"github.com/marcus/kept/internal/remote"
	"github.com/marcus/kept/internal/schema"
	"github.com/marcus/kept/internal/store"
	"github.com/marcus/kept/internal/syncerr"
)

// Reconcile pulls every collection from the remote and folds it into the
// local store. Entities with queued or in-flight mutations keep their local
// row; confirmed entities missing remotely are removed. Entities acknowledged
// or pushed while a collection was being fetched keep their newer state.
func (e *Engine) Reconcile(ctx context.Context) error {
	if e.remote == nil {
		return syncerr.New(syncerr.KindNetwork, "reconcile", ErrOffline)
	}
	e.lock()
	e.reconciling++
	e.unlock()
	defer func() {
		e.lock()
		e.reconciling--
		if e.reconciling == 0 {
			clear(e.touched)
		}
		e.unlock()
	}()

	var errs []error
	for _, c := range e.reg.Collections() {
		e.lock()
		gen := e.gen
		e.unlock()
		rows, err := e.remote.List(ctx, c, "")
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if e.noteRemoteError(err) {
				return err
			}
			errs = append(errs, err)
			continue
		}
		e.lock()
		e.mergeLocked(c, rows, gen)
		e.unlock()
	}
	if e.cache != nil {
		e.cache.Schedule()
	}
	e.kick()
	return errors.Join(errs...)
}

// noteRemoteError folds connectivity and auth failures into engine state and
// reports whether the error should stop the current pass.
func (e *Engine) noteRemoteError(err error) bool {
	e.lock()
	defer e.unlock()
	switch {
	case errors.Is(err, syncerr.KindAuth):
		e.authRequired = true
		e.publishLocked()
		return true
	case syncerr.IsUnreachable(err):
		e.setOnlineLocked(false)
		return true
	}
	return false
}

func (e *Engine) mergeLocked(collection string, rows []schema.Row, gen uint64) {
	s, err := e.reg.Lookup(collection)
	if err != nil {
		return
	}
	seen := make(map[string]bool, len(rows))
	applied := 0
	for _, raw := range rows {
		row, err := s.Normalize(raw)
		if err != nil {
			slog.Warn("skipping remote row", "collection", collection, "id", raw.ID(), "err", err)
			continue
		}
		id := row.ID()
		if id == "" {
			continue
		}
		seen[id] = true
		if e.staleLocked(collection, id, gen) {
			continue
		}
		if e.applyRemoteRowLocked(collection, row) {
			applied++
		}
	}

	removed := 0
	for _, entry := range e.store.Entries() {
		if entry.Collection != collection || seen[entry.ID] || entry.Confirmed == nil {
			continue
		}
		if e.staleLocked(collection, entry.ID, gen) {
			continue
		}
		if e.queue.HasPending(collection, entry.ID) {
			continue
		}
		e.store.Remove(collection, entry.ID)
		removed++
	}
	if applied > 0 || removed > 0 {
		slog.Debug("reconciled", "collection", collection, "rows", len(rows), "applied", applied, "removed", removed)
	}
}

// applyRemoteRowLocked folds one authoritative row into the store and
// reports whether anything changed.
func (e *Engine) applyRemoteRowLocked(collection string, row schema.Row) bool {
	id := row.ID()
	pending := e.queue.HasPending(collection, id)
	entry, ok := e.store.Get(collection, id)

	if row[schema.ColDeletedAt] != nil {
		if !ok {
			return false
		}
		if pending {
			// Queued edits would only be rejected against a deleted row.
			e.queue.CancelEntity(collection, id)
			if e.queue.HasPending(collection, id) {
				entry.Confirmed = row
				e.store.Put(entry)
				return true
			}
			if !entry.Deleted {
				err := syncerr.Scope(syncerr.New(syncerr.KindConflict, "reconcile", fmt.Errorf("%s/%s deleted on another device", collection, id)), collection, id)
				e.recordFailureLocked(mutationFor(collection, id), err)
			}
		}
		e.store.Remove(collection, id)
		return true
	}

	if !ok {
		e.store.Put(store.Entry{Collection: collection, ID: id, Row: row, Confirmed: row.Clone()})
		return true
	}
	if entry.Confirmed != nil && len(schema.Diff(entry.Confirmed, row)) == 0 {
		return false
	}
	if entry.Confirmed != nil && row.Str(schema.ColUpdatedAt) < entry.Confirmed.Str(schema.ColUpdatedAt) {
		return false
	}
	entry.Confirmed = row
	if !pending {
		entry.Row = row.Clone()
		entry.Pending = false
		entry.Deleted = false
	}
	e.store.Put(entry)
	return true
}

// ApplyRemoteChange folds one pushed change into the local store.
func (e *Engine) ApplyRemoteChange(c remote.Change) {
	s, err := e.reg.Lookup(c.Collection)
	if err != nil {
		slog.Debug("ignoring change for unknown collection", "collection", c.Collection)
		return
	}

	e.lock()
	if e.closed {
		e.unlock()
		return
	}
	e.touchLocked(c.Collection, c.ID)
	changed := false
	if c.Op == "delete" {
		if !e.queue.HasPending(c.Collection, c.ID) {
			changed = e.store.Remove(c.Collection, c.ID)
		}
	} else {
		row, err := s.Normalize(c.Row)
		if err != nil || row.ID() == "" {
			e.unlock()
			slog.Warn("skipping pushed row", "collection", c.Collection, "id", c.ID, "err", err)
			return
		}
		changed = e.applyRemoteRowLocked(c.Collection, row)
	}
	if changed {
		e.publishLocked()
	}
	e.unlock()

	if changed && e.cache != nil {
		e.cache.Schedule()
	}
}

func mutationFor(collection, id string) queue.Mutation {
	return queue.Mutation{Collection: collection, EntityID: id, Op: queue.OpUpdate}
}
