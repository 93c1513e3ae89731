package queue

import (
	"errors"
	"testing"
	"time"

	"github.com/marcus/kept/internal/schema"
)

var t0 = time.Date(2026, 2, 18, 12, 0, 0, 0, time.UTC)

type memJournal struct {
	puts    map[string]Mutation
	deletes int
	fail    bool
}

func newMemJournal() *memJournal { return &memJournal{puts: make(map[string]Mutation)} }

func (j *memJournal) PutMutation(m Mutation) error {
	if j.fail {
		return errors.New("disk full")
	}
	j.puts[m.ID] = m
	return nil
}

func (j *memJournal) DeleteMutation(id string) error {
	if j.fail {
		return errors.New("disk full")
	}
	delete(j.puts, id)
	j.deletes++
	return nil
}

func create(id string, row schema.Row) Mutation {
	return Mutation{Collection: "tasks", EntityID: id, Op: OpCreate, Payload: row}
}

func update(id string, row schema.Row) Mutation {
	return Mutation{Collection: "tasks", EntityID: id, Op: OpUpdate, Payload: row}
}

func del(id string) Mutation {
	return Mutation{Collection: "tasks", EntityID: id, Op: OpDelete}
}

func TestCoalesceIntoUndispatchedCreate(t *testing.T) {
	j := newMemJournal()
	q := New(time.Second, j)
	first := q.Enqueue(create("a", schema.Row{"id": "a", "title": "x"}), t0)
	res := q.Enqueue(update("a", schema.Row{"title": "y"}), t0.Add(100*time.Millisecond))
	if !res.Coalesced || res.Mutation.ID != first.Mutation.ID {
		t.Fatalf("update was not merged into create: %+v", res)
	}
	if res.Mutation.Op != OpCreate || res.Mutation.Payload["title"] != "y" {
		t.Errorf("merged mutation = %+v", res.Mutation)
	}
	if total, _ := q.Depth(); total != 1 {
		t.Errorf("Depth = %d, want 1", total)
	}
	if j.puts[first.Mutation.ID].Payload["title"] != "y" {
		t.Error("journal not updated on coalesce")
	}
}

func TestNoCoalesceAfterDispatch(t *testing.T) {
	q := New(0, nil)
	m := q.Enqueue(create("a", schema.Row{"title": "x"}), t0).Mutation
	if _, ok := q.Start(m.ID, ""); !ok {
		t.Fatal("Start failed")
	}
	res := q.Enqueue(update("a", schema.Row{"title": "y"}), t0)
	if res.Coalesced {
		t.Fatal("must not merge into an in-flight mutation")
	}
	q.Retry(m.ID, "timeout", t0)
	res2 := q.Enqueue(update("a", schema.Row{"title": "z"}), t0)
	if !res2.Coalesced || res2.Mutation.ID != res.Mutation.ID {
		t.Errorf("second update should merge into the first update, got %+v", res2)
	}
	if res.Mutation.Seq != 2 {
		t.Errorf("seq = %d, want 2", res.Mutation.Seq)
	}
}

func TestReadyRespectsPerEntityFIFOAndWindow(t *testing.T) {
	q := New(400*time.Millisecond, nil)
	a1 := q.Enqueue(create("a", nil), t0).Mutation
	b1 := q.Enqueue(create("b", nil), t0.Add(10*time.Millisecond)).Mutation

	if got := q.Ready(t0.Add(100*time.Millisecond), false); len(got) != 0 {
		t.Fatalf("nothing should be ready inside the window, got %d", len(got))
	}
	got := q.Ready(t0.Add(500*time.Millisecond), false)
	if len(got) != 2 || got[0].ID != a1.ID || got[1].ID != b1.ID {
		t.Fatalf("Ready = %+v", got)
	}

	q.Start(a1.ID, "")
	a2 := q.Enqueue(update("a", schema.Row{"title": "2"}), t0.Add(time.Second)).Mutation
	got = q.Ready(t0.Add(time.Hour), true)
	if len(got) != 1 || got[0].ID != b1.ID {
		t.Fatalf("a2 must wait for a1 to finish, got %+v", got)
	}
	q.Ack(a1.ID)
	got = q.Ready(t0.Add(time.Hour), true)
	if len(got) != 2 || got[0].ID != b1.ID || got[1].ID != a2.ID {
		t.Errorf("Ready after ack = %+v", got)
	}
}

func TestRetryBackoffAndReset(t *testing.T) {
	q := New(0, nil)
	m := q.Enqueue(create("a", nil), t0).Mutation
	q.Start(m.ID, "")
	r, _ := q.Retry(m.ID, "503", t0.Add(2*time.Second))
	if r.Retries != 1 || r.Attempts != 1 || r.LastError != "503" {
		t.Errorf("after retry = %+v", r)
	}
	if got := q.Ready(t0.Add(time.Second), false); len(got) != 0 {
		t.Error("mutation dispatched before backoff elapsed")
	}
	if wake := q.NextWake(); !wake.Equal(t0.Add(2 * time.Second)) {
		t.Errorf("NextWake = %v", wake)
	}
	q.ResetRetries()
	got := q.Ready(t0.Add(time.Second), false)
	if len(got) != 1 || got[0].Retries != 0 {
		t.Errorf("after ResetRetries Ready = %+v", got)
	}
}

func TestDeleteCancelsUndispatchedCreate(t *testing.T) {
	j := newMemJournal()
	q := New(time.Second, j)
	q.Enqueue(create("a", schema.Row{"title": "x"}), t0)
	q.Enqueue(create("b", nil), t0)
	res := q.Enqueue(del("a"), t0)
	if res.Mutation.ID != "" {
		t.Errorf("no delete should be queued, got %+v", res.Mutation)
	}
	if len(res.Canceled) != 1 || res.Canceled[0].Op != OpCreate {
		t.Errorf("Canceled = %+v", res.Canceled)
	}
	if q.HasPending("tasks", "a") {
		t.Error("entity a still has queued mutations")
	}
	if len(j.puts) != 1 {
		t.Errorf("journal holds %d mutations, want 1", len(j.puts))
	}
}

func TestDeleteSupersedesPendingUpdates(t *testing.T) {
	q := New(0, nil)
	c := q.Enqueue(create("a", nil), t0).Mutation
	q.Start(c.ID, "")
	q.Enqueue(update("a", schema.Row{"title": "y"}), t0)
	res := q.Enqueue(del("a"), t0)
	if len(res.Dropped) != 1 || res.Dropped[0].Op != OpUpdate {
		t.Errorf("Dropped = %+v", res.Dropped)
	}
	snap := q.Snapshot()
	if len(snap) != 2 || snap[0].ID != c.ID || snap[1].Op != OpDelete {
		t.Fatalf("queue = %+v", snap)
	}
	if got := q.Ready(t0, true); len(got) != 0 {
		t.Error("delete must wait behind the in-flight create")
	}
}

func TestForceAndCancelEntity(t *testing.T) {
	q := New(0, nil)
	m := q.Enqueue(update("a", schema.Row{"title": "mine"}), t0).Mutation
	q.Start(m.ID, "2026-01-01T00:00:00.000Z")
	f, _ := q.Force(m.ID)
	if !f.Force || f.IdempotencyKey == m.IdempotencyKey || f.State != StatePending {
		t.Errorf("Force = %+v", f)
	}

	q.Start(m.ID, "")
	q.Enqueue(update("a", schema.Row{"title": "later"}), t0)
	canceled := q.CancelEntity("tasks", "a")
	if len(canceled) != 1 || canceled[0].Payload["title"] != "later" {
		t.Errorf("CancelEntity = %+v", canceled)
	}
	if total, inFlight := q.Depth(); total != 1 || inFlight != 1 {
		t.Errorf("Depth = %d/%d", total, inFlight)
	}
}

func TestLoadRestoresOrderAndRequeuesInFlight(t *testing.T) {
	j := newMemJournal()
	q := New(0, j)
	a := q.Enqueue(create("a", nil), t0).Mutation
	q.Start(a.ID, "")
	q.Enqueue(update("a", schema.Row{"n": int64(1)}), t0)

	var journaled []Mutation
	for _, m := range j.puts {
		journaled = append(journaled, m)
	}
	restored := New(0, nil)
	restored.Load(journaled)
	snap := restored.Snapshot()
	if len(snap) != 2 || snap[0].ID != a.ID || snap[0].State != StatePending {
		t.Fatalf("restored = %+v", snap)
	}
	next := restored.Enqueue(create("c", nil), t0).Mutation
	if next.Order <= snap[1].Order {
		t.Errorf("order did not continue: %d <= %d", next.Order, snap[1].Order)
	}
	restored.Start(snap[0].ID, "")
	restored.Ack(snap[0].ID)
	later := restored.Enqueue(del("a"), t0).Mutation
	if later.Seq != 3 {
		t.Errorf("seq after reload = %d, want 3", later.Seq)
	}
}

func TestJournalErrorsDoNotBlockQueue(t *testing.T) {
	j := newMemJournal()
	j.fail = true
	q := New(0, j)
	m := q.Enqueue(create("a", nil), t0).Mutation
	if m.ID == "" || m.IdempotencyKey == "" {
		t.Fatalf("mutation not assigned ids: %+v", m)
	}
	if total, _ := q.Depth(); total != 1 {
		t.Error("enqueue must succeed when the journal fails")
	}
}

func TestRejournalAfterJournalFailure(t *testing.T) {
	j := newMemJournal()
	j.fail = true
	q := New(0, j)
	a := q.Enqueue(create("a", schema.Row{"title": "x"}), t0).Mutation
	b := q.Enqueue(create("b", nil), t0).Mutation
	q.Enqueue(del("b"), t0)
	if n := q.Unjournaled(); n != 1 {
		t.Fatalf("Unjournaled = %d, want 1 (b was canceled)", n)
	}
	if err := q.Rejournal(); err == nil {
		t.Fatal("Rejournal should report the journal error")
	}

	j.fail = false
	if err := q.Rejournal(); err != nil {
		t.Fatalf("Rejournal: %v", err)
	}
	if q.Unjournaled() != 0 {
		t.Errorf("Unjournaled = %d after rejournal", q.Unjournaled())
	}
	if _, ok := j.puts[a.ID]; !ok {
		t.Error("mutation a missing from journal")
	}
	if _, ok := j.puts[b.ID]; ok {
		t.Error("canceled mutation b should not be journaled")
	}
}
