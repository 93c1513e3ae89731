package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/marcus/kept/internal/dateparse"
	"github.com/marcus/kept/internal/remote"
	"github.com/marcus/kept/internal/schema"
	"github.com/marcus/kept/internal/syncerr"
)

type call struct {
	collection string
	req        remote.MutationRequest
}

// fakeRemote is an in-memory row store with the same conflict and
// idempotency rules as the server.
type fakeRemote struct {
	mu      sync.Mutex
	rows    map[string]map[string]schema.Row
	seen    map[string]schema.Row
	calls   []call
	now     func() time.Time
	fail    func(collection string, req remote.MutationRequest) error
	gate    chan struct{}
	pingErr error
	listErr error
	// afterList runs once List has read its rows, before it returns them.
	afterList func(collection string)
}

func newFakeRemote(now func() time.Time) *fakeRemote {
	if now == nil {
		now = time.Now
	}
	return &fakeRemote{
		rows: make(map[string]map[string]schema.Row),
		seen: make(map[string]schema.Row),
		now:  now,
	}
}

func (f *fakeRemote) Apply(ctx context.Context, collection string, req remote.MutationRequest) (schema.Row, error) {
	f.mu.Lock()
	f.calls = append(f.calls, call{collection: collection, req: req})
	gate := f.gate
	fail := f.fail
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail != nil {
		if err := fail(collection, req); err != nil {
			return nil, err
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if row, ok := f.seen[req.IdempotencyKey]; ok {
		return row.Clone(), nil
	}
	s, err := schema.Default.Lookup(collection)
	if err != nil {
		return nil, syncerr.New(syncerr.KindValidation, "apply", err)
	}
	table := f.table(collection)
	stamp := dateparse.FormatTimestamp(f.now())
	existing, exists := table[req.ID]
	if exists && existing[schema.ColDeletedAt] != nil {
		exists = false
	}

	var out schema.Row
	switch req.Op {
	case "create":
		if exists {
			return nil, syncerr.Scope(&syncerr.Error{Kind: syncerr.KindConflict, Op: "apply", Err: errors.New("exists"), Current: existing.Clone()}, collection, req.ID)
		}
		out = schema.Row(req.Row).Clone()
		out[schema.ColID] = req.ID
		out[schema.ColUpdatedAt] = stamp
	case "update":
		if !exists {
			return nil, syncerr.Scope(syncerr.New(syncerr.KindConflict, "apply", errors.New("gone")), collection, req.ID)
		}
		if !req.Force && req.BaseUpdatedAt != existing.Str(schema.ColUpdatedAt) {
			return nil, syncerr.Scope(&syncerr.Error{Kind: syncerr.KindConflict, Op: "apply", Err: errors.New("stale"), Current: existing.Clone()}, collection, req.ID)
		}
		out = schema.Merge(existing, req.Row)
		out[schema.ColUpdatedAt] = stamp
	case "delete":
		if !exists {
			return nil, syncerr.Scope(syncerr.New(syncerr.KindConflict, "apply", errors.New("gone")), collection, req.ID)
		}
		if s.SoftDelete {
			out = existing.Clone()
			out[schema.ColDeletedAt] = stamp
			out[schema.ColUpdatedAt] = stamp
		} else {
			delete(table, req.ID)
			f.seen[req.IdempotencyKey] = nil
			return nil, nil
		}
	default:
		return nil, syncerr.New(syncerr.KindValidation, "apply", fmt.Errorf("unknown op %q", req.Op))
	}
	table[req.ID] = out
	f.seen[req.IdempotencyKey] = out
	return out.Clone(), nil
}

func (f *fakeRemote) List(ctx context.Context, collection, since string) ([]schema.Row, error) {
	f.mu.Lock()
	if f.listErr != nil {
		f.mu.Unlock()
		return nil, f.listErr
	}
	var out []schema.Row
	for _, row := range f.rows[collection] {
		out = append(out, row.Clone())
	}
	after := f.afterList
	f.mu.Unlock()
	if after != nil {
		after(collection)
	}
	return out, nil
}

func (f *fakeRemote) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pingErr
}

func (f *fakeRemote) Subscribe(ctx context.Context, fn func(remote.Change)) error {
	<-ctx.Done()
	return nil
}

func (f *fakeRemote) table(collection string) map[string]schema.Row {
	t, ok := f.rows[collection]
	if !ok {
		t = make(map[string]schema.Row)
		f.rows[collection] = t
	}
	return t
}

func (f *fakeRemote) row(collection, id string) (schema.Row, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rows[collection][id]
	return r.Clone(), ok
}

func (f *fakeRemote) put(collection string, row schema.Row) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.table(collection)[row.ID()] = row.Clone()
}

func (f *fakeRemote) setFail(fn func(string, remote.MutationRequest) error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fn
}

func (f *fakeRemote) callLog() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
