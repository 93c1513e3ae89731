// Package cache persists a per-user snapshot of the local store and the
// mutation journal so the app starts offline with everything it had.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/marcus/kept/internal/queue"
	"github.com/marcus/kept/internal/schema"
	"github.com/marcus/kept/internal/store"
	"github.com/marcus/kept/internal/syncerr"
)

// SnapshotVersion is the current on-disk format. Older snapshots are
// migrated on open; newer ones are discarded.
const SnapshotVersion = 2

// DefaultDebounce is how long writes settle before a flush.
const DefaultDebounce = 250 * time.Millisecond

// Snapshot is the persisted state of one user.
type Snapshot struct {
	Version int
	UserID  string
	SavedAt time.Time
	Entries []store.Entry
}

// Backend is a durable home for snapshots and the mutation journal.
type Backend interface {
	queue.Journal
	LoadSnapshot(ctx context.Context) (Snapshot, []queue.Mutation, error)
	// SaveSnapshot replaces every stored entity.
	SaveSnapshot(ctx context.Context, snap Snapshot) error
	// Clear removes the snapshot and the journal.
	Clear(ctx context.Context) error
	Close() error
}

// Rejournaler re-persists queued mutations whose journal write failed.
type Rejournaler interface {
	Unjournaled() int
	Rejournal() error
}

// Cache ties a store to a backend with debounced flushing.
type Cache struct {
	backend  Backend
	queue    Rejournaler
	store    *store.Store
	userID   string
	debounce time.Duration
	now      func() time.Time

	mu        sync.Mutex
	timer     *time.Timer
	flushing  sync.Mutex
	flushed   uint64
	closed    bool
	lastError error
}

// New creates a cache for one user's store.
func New(b Backend, st *store.Store, userID string, debounce time.Duration) *Cache {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Cache{backend: b, store: st, userID: userID, debounce: debounce, now: time.Now}
}

// Journal returns the backend's mutation journal.
func (c *Cache) Journal() queue.Journal { return c.backend }

// Track makes Flush re-journal q's mutations that failed to persist, evicting
// synced entities to make room when the backend is full.
func (c *Cache) Track(q Rejournaler) {
	c.mu.Lock()
	c.queue = q
	c.mu.Unlock()
}

// Hydrate loads the snapshot into the store and returns the journaled
// mutations for the queue. A snapshot written for another user is ignored.
func (c *Cache) Hydrate(ctx context.Context) ([]queue.Mutation, error) {
	snap, muts, err := c.backend.LoadSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snap.UserID != "" && snap.UserID != c.userID {
		slog.Warn("cache belongs to another user, discarding", "cached", snap.UserID)
		if err := c.backend.Clear(ctx); err != nil {
			return nil, err
		}
		c.store.Clear()
		return nil, nil
	}
	for i := range snap.Entries {
		e := &snap.Entries[i]
		e.Row = normalize(e.Collection, e.Row)
		e.Confirmed = normalize(e.Collection, e.Confirmed)
	}
	for i := range muts {
		muts[i].Payload = normalize(muts[i].Collection, muts[i].Payload)
	}
	c.store.Load(snap.Entries)
	c.mu.Lock()
	c.flushed = c.store.Version()
	c.mu.Unlock()
	slog.Debug("cache hydrated", "entities", len(snap.Entries), "mutations", len(muts))
	return muts, nil
}

// normalize restores canonical value types after a JSON round trip (numbers
// come back as float64).
func normalize(collection string, row schema.Row) schema.Row {
	if row == nil {
		return nil
	}
	s, err := schema.Default.Lookup(collection)
	if err != nil {
		return row
	}
	out, err := s.Normalize(row)
	if err != nil {
		slog.Warn("cached row does not match schema", "collection", collection, "id", row.ID(), "err", err)
		return row
	}
	return out
}

// Schedule requests a flush after the debounce interval. Calls within the
// interval collapse into one flush.
func (c *Cache) Schedule() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.debounce, func() {
		if err := c.Flush(context.Background()); err != nil {
			slog.Warn("cache flush", "err", err)
		}
	})
}

// Flush writes the store to the backend if it changed since the last flush,
// then re-journals tracked mutations whose journal write failed. When the
// backend is out of space, the oldest fully synced entities are left out of
// the snapshot until both fit; they are re-fetched on the next reconcile.
// Entities with unsynced writes are never evicted.
func (c *Cache) Flush(ctx context.Context) error {
	c.flushing.Lock()
	defer c.flushing.Unlock()

	version := c.store.Version()
	c.mu.Lock()
	q := c.queue
	flushed := c.flushed
	c.mu.Unlock()
	if version == flushed && (q == nil || q.Unjournaled() == 0) {
		return nil
	}

	entries := c.store.Entries()
	evicted := 0
	for {
		err := c.backend.SaveSnapshot(ctx, Snapshot{
			Version: SnapshotVersion,
			UserID:  c.userID,
			SavedAt: c.now(),
			Entries: entries,
		})
		if err == nil && q != nil {
			err = q.Rejournal()
		}
		if err == nil {
			break
		}
		if !errors.Is(err, syncerr.KindQuota) {
			c.setError(err)
			return err
		}
		var dropped int
		entries, dropped = evict(entries)
		if dropped == 0 {
			c.setError(err)
			return err
		}
		evicted += dropped
	}
	if evicted > 0 {
		slog.Warn("cache over quota, evicted synced entities", "evicted", evicted, "kept", len(entries))
	}

	c.mu.Lock()
	c.flushed = version
	c.lastError = nil
	c.mu.Unlock()
	return nil
}

// Err returns the last flush failure, nil after a successful flush.
func (c *Cache) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

func (c *Cache) setError(err error) {
	c.mu.Lock()
	c.lastError = err
	c.mu.Unlock()
}

// Discard cancels any pending flush and deletes the persisted state.
func (c *Cache) Discard(ctx context.Context) error {
	c.stopTimer()
	c.flushing.Lock()
	defer c.flushing.Unlock()
	if err := c.backend.Clear(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	c.flushed = c.store.Version()
	c.mu.Unlock()
	return nil
}

// Close flushes outstanding changes and closes the backend.
func (c *Cache) Close(ctx context.Context) error {
	c.stopTimer()
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	flushErr := c.Flush(ctx)
	if err := c.backend.Close(); err != nil {
		return err
	}
	return flushErr
}

func (c *Cache) stopTimer() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
}

// evict drops roughly a tenth (at least one) of the evictable entries,
// oldest updated_at first.
func evict(entries []store.Entry) ([]store.Entry, int) {
	var candidates []int
	for i, e := range entries {
		if !e.Pending && !e.Deleted && e.Error == "" && e.Confirmed != nil {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return entries, 0
	}
	sort.Slice(candidates, func(a, b int) bool {
		ea, eb := entries[candidates[a]], entries[candidates[b]]
		return ea.Row.Str(schema.ColUpdatedAt) < eb.Row.Str(schema.ColUpdatedAt)
	})
	n := len(candidates) / 10
	if n == 0 {
		n = 1
	}
	drop := make(map[int]bool, n)
	for _, i := range candidates[:n] {
		drop[i] = true
	}
	kept := make([]store.Entry, 0, len(entries)-n)
	for i, e := range entries {
		if !drop[i] {
			kept = append(kept, e)
		}
	}
	return kept, n
}

// QuotaError wraps a backend storage-full error.
func QuotaError(op string, err error) error {
	return syncerr.New(syncerr.KindQuota, op, err)
}
