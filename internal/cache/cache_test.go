package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/marcus/kept/internal/queue"
	"github.com/marcus/kept/internal/schema"
	"github.com/marcus/kept/internal/store"
	"github.com/marcus/kept/internal/syncerr"
)

func confirmedEntry(id, updated string) store.Entry {
	row := schema.Row{"id": id, "title": "note " + id, "updated_at": updated, "pinned": true}
	return store.Entry{Collection: "notes", ID: id, Row: row, Confirmed: row.Clone()}
}

func TestFlushAndHydrate(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	st := store.New()
	c := New(b, st, "u1", time.Millisecond)

	st.Put(confirmedEntry("a", "2026-01-01T00:00:00.000Z"))
	pending := store.Entry{Collection: "tasks", ID: "t", Row: schema.Row{"id": "t", "position": int64(2)}, Pending: true}
	st.Put(pending)
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	b.PutMutation(queue.Mutation{ID: "m1", Collection: "tasks", EntityID: "t", Op: queue.OpCreate, Payload: schema.Row{"position": float64(2)}})

	st2 := store.New()
	c2 := New(b, st2, "u1", 0)
	muts, err := c2.Hydrate(ctx)
	if err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	if st2.Len() != 2 {
		t.Fatalf("hydrated %d entries, want 2", st2.Len())
	}
	if len(muts) != 1 || muts[0].Payload["position"] != int64(2) {
		t.Errorf("mutations = %+v (payload should be normalized)", muts)
	}
	got, _ := st2.Get("tasks", "t")
	if !got.Pending || got.Row["position"] != int64(2) {
		t.Errorf("entry = %+v", got)
	}
}

func TestHydrateOtherUserDiscards(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	b.SaveSnapshot(ctx, Snapshot{Version: SnapshotVersion, UserID: "someone-else", Entries: []store.Entry{confirmedEntry("a", "")}})
	b.PutMutation(queue.Mutation{ID: "m"})

	st := store.New()
	muts, err := New(b, st, "u1", 0).Hydrate(ctx)
	if err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	if st.Len() != 0 || len(muts) != 0 {
		t.Errorf("foreign cache leaked: %d entries, %d mutations", st.Len(), len(muts))
	}
}

func TestScheduleDebounces(t *testing.T) {
	b := &countingBackend{Memory: NewMemory()}
	st := store.New()
	c := New(b, st, "u1", 30*time.Millisecond)
	for i := 0; i < 5; i++ {
		st.Put(confirmedEntry(fmt.Sprint(i), ""))
		c.Schedule()
	}
	time.Sleep(150 * time.Millisecond)
	if n := b.saves(); n != 1 {
		t.Errorf("saves = %d, want 1", n)
	}
	if err := c.Flush(context.Background()); err != nil || b.saves() != 1 {
		t.Errorf("flush without changes should be a no-op (saves=%d, err=%v)", b.saves(), err)
	}
}

func TestFlushEvictsOldestSyncedOnQuota(t *testing.T) {
	b := NewMemory()
	b.MaxEntries = 15
	st := store.New()
	for i := 0; i < 20; i++ {
		st.Put(confirmedEntry(fmt.Sprintf("n%02d", i), fmt.Sprintf("2026-01-%02dT00:00:00.000Z", i+1)))
	}
	st.Put(store.Entry{Collection: "notes", ID: "old-pending", Row: schema.Row{"id": "old-pending", "updated_at": "2000-01-01T00:00:00.000Z"}, Pending: true})

	c := New(b, st, "u1", 0)
	if err := c.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	snap, _, _ := b.LoadSnapshot(context.Background())
	if len(snap.Entries) > 15 {
		t.Fatalf("snapshot has %d entries, limit 15", len(snap.Entries))
	}
	ids := map[string]bool{}
	for _, e := range snap.Entries {
		ids[e.ID] = true
	}
	if !ids["old-pending"] {
		t.Error("pending entity was evicted")
	}
	if ids["n00"] || !ids["n19"] {
		t.Errorf("eviction should drop oldest first: %v", ids)
	}
	if st.Len() != 21 {
		t.Error("eviction must not touch the in-memory store")
	}
}

func TestFlushQuotaWithNothingEvictable(t *testing.T) {
	b := NewMemory()
	b.MaxEntries = 1
	st := store.New()
	for _, id := range []string{"a", "b"} {
		st.Put(store.Entry{Collection: "notes", ID: id, Row: schema.Row{"id": id}, Pending: true})
	}
	c := New(b, st, "u1", 0)
	err := c.Flush(context.Background())
	if !errors.Is(err, syncerr.KindQuota) {
		t.Fatalf("err = %v, want quota", err)
	}
	if c.Err() == nil {
		t.Error("Err() should report the failed flush")
	}
}

func TestFlushRejournalsMutationRejectedForQuota(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	b.MaxEntries = 9
	st := store.New()
	for i := 0; i < 9; i++ {
		st.Put(confirmedEntry(fmt.Sprintf("n%d", i), fmt.Sprintf("2026-01-0%dT00:00:00.000Z", i+1)))
	}
	c := New(b, st, "u1", 0)
	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	q := queue.New(0, c.Journal())
	c.Track(q)
	row := schema.Row{"id": "offline", "title": "written while full"}
	st.Put(store.Entry{Collection: "notes", ID: "offline", Row: row, Pending: true})
	q.Enqueue(queue.Mutation{Collection: "notes", EntityID: "offline", Op: queue.OpCreate, Payload: row}, time.Now())
	if q.Unjournaled() != 1 {
		t.Fatalf("Unjournaled = %d, want 1 with the backend full", q.Unjournaled())
	}

	if err := c.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	if q.Unjournaled() != 0 {
		t.Errorf("Unjournaled after flush = %d", q.Unjournaled())
	}

	st2 := store.New()
	muts, err := New(b, st2, "u1", 0).Hydrate(ctx)
	if err != nil {
		t.Fatalf("Hydrate: %v", err)
	}
	if len(muts) != 1 || muts[0].EntityID != "offline" {
		t.Fatalf("journaled mutations after restart = %+v", muts)
	}
	if got, ok := st2.Get("notes", "offline"); !ok || !got.Pending {
		t.Errorf("pending entity after restart = %+v, %v", got, ok)
	}
	if _, ok := st2.Get("notes", "n0"); ok {
		t.Error("oldest synced entity should have been evicted to make room")
	}
}

func TestDiscardAndClose(t *testing.T) {
	ctx := context.Background()
	b := NewMemory()
	st := store.New()
	c := New(b, st, "u1", time.Hour)
	st.Put(confirmedEntry("a", ""))
	c.Schedule()
	if err := c.Discard(ctx); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	snap, _, _ := b.LoadSnapshot(ctx)
	if len(snap.Entries) != 0 {
		t.Error("Discard left entries behind")
	}
	st.Put(confirmedEntry("b", ""))
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	snap, _, _ = b.LoadSnapshot(ctx)
	if len(snap.Entries) != 2 {
		t.Errorf("Close should flush, got %d entries", len(snap.Entries))
	}
	c.Schedule() // no-op after close
}

func TestUserDir(t *testing.T) {
	a, b := UserDir("/data", "alice"), UserDir("/data", "bob")
	if a == b || !strings.HasPrefix(a, "/data/users/") || strings.Contains(a, "alice") {
		t.Errorf("UserDir = %q, %q", a, b)
	}
	if UserDir("/data", "alice") != a {
		t.Error("UserDir is not stable")
	}
}

type countingBackend struct {
	*Memory
	n int
}

func (c *countingBackend) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	c.Memory.mu.Lock()
	c.n++
	c.Memory.mu.Unlock()
	return c.Memory.SaveSnapshot(ctx, snap)
}

func (c *countingBackend) saves() int {
	c.Memory.mu.Lock()
	defer c.Memory.mu.Unlock()
	return c.n
}
