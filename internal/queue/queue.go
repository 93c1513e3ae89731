// Package queue is the ordered, journaled record of local writes that have
// not been acknowledged by the remote store yet.
package queue

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marcus/kept/internal/schema"
)

// Op is the kind of write a mutation carries.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// State is where a queued mutation is in its lifecycle. Acknowledged and
// rolled back mutations leave the queue, so only two states are stored.
type State string

const (
	StatePending  State = "pending"
	StateInFlight State = "in_flight"
)

// Mutation is one pending write against one entity.
type Mutation struct {
	ID             string     `json:"id"`
	Order          int64      `json:"order"`
	Collection     string     `json:"collection"`
	EntityID       string     `json:"entity_id"`
	Op             Op         `json:"op"`
	Payload        schema.Row `json:"payload,omitempty"`
	BaseUpdatedAt  string     `json:"base_updated_at,omitempty"`
	IdempotencyKey string     `json:"idempotency_key"`
	Seq            int64      `json:"seq"`
	Attempts       int        `json:"attempts"` // dispatches so far
	Retries        int        `json:"retries"`  // consecutive retryable failures
	State          State      `json:"state"`
	Force          bool       `json:"force,omitempty"`
	EnqueuedAt     time.Time  `json:"enqueued_at"`
	EditedAt       time.Time  `json:"edited_at"`
	NextAttemptAt  time.Time  `json:"next_attempt_at"`
	LastError      string     `json:"last_error,omitempty"`
}

// Key identifies the entity a mutation targets.
func (m *Mutation) Key() string { return m.Collection + "/" + m.EntityID }

func (m *Mutation) clone() Mutation {
	c := *m
	c.Payload = m.Payload.Clone()
	return c
}

// Journal persists queue changes so they survive a restart.
type Journal interface {
	PutMutation(m Mutation) error
	DeleteMutation(id string) error
}

// Result describes what Enqueue did.
type Result struct {
	// Mutation is the queued (or merged-into) mutation. Zero when the write
	// cancelled out.
	Mutation  Mutation
	Coalesced bool
	// Canceled lists never-dispatched mutations removed by a delete.
	Canceled []Mutation
	// Dropped lists pending mutations superseded by a delete.
	Dropped []Mutation
}

// Queue orders mutations globally and per entity. It is safe for concurrent
// use.
type Queue struct {
	mu        sync.Mutex
	items     []*Mutation
	seqs      map[string]int64
	nextOrder int64
	window    time.Duration
	journal   Journal
	// unjournaled holds ids whose last journal write failed.
	unjournaled map[string]bool
}

// New creates a queue. Mutations are held back until they have been idle for
// window so bursts of edits merge into one write. journal may be nil.
func New(window time.Duration, journal Journal) *Queue {
	return &Queue{
		seqs:        make(map[string]int64),
		window:      window,
		journal:     journal,
		unjournaled: make(map[string]bool),
	}
}

// Enqueue records a write. m needs Collection, EntityID, Op and Payload.
func (q *Queue) Enqueue(m Mutation, now time.Time) Result {
	q.mu.Lock()
	defer q.mu.Unlock()

	key := m.Key()
	switch m.Op {
	case OpUpdate:
		if tail := q.tail(key); tail != nil && tail.State == StatePending && tail.Attempts == 0 && tail.Op != OpDelete {
			tail.Payload = schema.Merge(tail.Payload, m.Payload)
			tail.EditedAt = now
			q.put(tail)
			return Result{Mutation: tail.clone(), Coalesced: true}
		}
	case OpDelete:
		if create := q.first(key); create != nil && create.Op == OpCreate && create.Attempts == 0 && create.State == StatePending {
			canceled := q.removeWhere(func(x *Mutation) bool { return x.Key() == key })
			return Result{Canceled: canceled}
		}
		dropped := q.removeWhere(func(x *Mutation) bool {
			return x.Key() == key && x.State == StatePending
		})
		res := Result{Dropped: dropped}
		res.Mutation = q.append(m, now)
		return res
	}
	return Result{Mutation: q.append(m, now)}
}

func (q *Queue) append(m Mutation, now time.Time) Mutation {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.IdempotencyKey == "" {
		m.IdempotencyKey = uuid.NewString()
	}
	key := m.Key()
	q.seqs[key]++
	q.nextOrder++
	m.Seq = q.seqs[key]
	m.Order = q.nextOrder
	m.State = StatePending
	m.EnqueuedAt = now
	m.EditedAt = now
	m.Payload = m.Payload.Clone()
	stored := m
	q.items = append(q.items, &stored)
	q.put(&stored)
	return stored.clone()
}

func (q *Queue) tail(key string) *Mutation {
	for i := len(q.items) - 1; i >= 0; i-- {
		if q.items[i].Key() == key {
			return q.items[i]
		}
	}
	return nil
}

func (q *Queue) first(key string) *Mutation {
	for _, m := range q.items {
		if m.Key() == key {
			return m
		}
	}
	return nil
}

func (q *Queue) find(id string) *Mutation {
	for _, m := range q.items {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func (q *Queue) removeWhere(match func(*Mutation) bool) []Mutation {
	var removed []Mutation
	kept := q.items[:0]
	for _, m := range q.items {
		if match(m) {
			removed = append(removed, m.clone())
			q.drop(m.ID)
			continue
		}
		kept = append(kept, m)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	return removed
}

// Ready returns the mutations that may be dispatched now: the head of each
// entity's queue, if it is pending, past its backoff and (unless
// ignoreWindow) past the coalescing window. Results are in enqueue order.
func (q *Queue) Ready(now time.Time, ignoreWindow bool) []Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()

	seen := make(map[string]bool)
	var out []Mutation
	for _, m := range q.items {
		key := m.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		if m.State != StatePending || now.Before(m.NextAttemptAt) {
			continue
		}
		if !ignoreWindow && now.Sub(m.EditedAt) < q.window {
			continue
		}
		out = append(out, m.clone())
	}
	return out
}

// NextWake returns when the earliest held-back head becomes ready, or the
// zero time when nothing is waiting.
func (q *Queue) NextWake() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()

	seen := make(map[string]bool)
	var wake time.Time
	for _, m := range q.items {
		key := m.Key()
		if seen[key] {
			continue
		}
		seen[key] = true
		if m.State != StatePending {
			continue
		}
		at := m.EditedAt.Add(q.window)
		if m.NextAttemptAt.After(at) {
			at = m.NextAttemptAt
		}
		if wake.IsZero() || at.Before(wake) {
			wake = at
		}
	}
	return wake
}

// Start marks a mutation in flight and records the base version it is sent
// against.
func (q *Queue) Start(id, baseUpdatedAt string) (Mutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m := q.find(id)
	if m == nil || m.State != StatePending {
		return Mutation{}, false
	}
	m.State = StateInFlight
	m.Attempts++
	m.BaseUpdatedAt = baseUpdatedAt
	q.put(m)
	return m.clone(), true
}

// Ack retires an acknowledged mutation.
func (q *Queue) Ack(id string) (Mutation, bool) {
	return q.remove(id)
}

// Fail retires a mutation the remote rejected.
func (q *Queue) Fail(id string) (Mutation, bool) {
	return q.remove(id)
}

func (q *Queue) remove(id string) (Mutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := q.removeWhere(func(m *Mutation) bool { return m.ID == id })
	if len(removed) == 0 {
		return Mutation{}, false
	}
	return removed[0], true
}

// Retry returns an in-flight mutation to pending after a transient failure.
func (q *Queue) Retry(id, lastErr string, next time.Time) (Mutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m := q.find(id)
	if m == nil {
		return Mutation{}, false
	}
	m.State = StatePending
	m.Retries++
	m.LastError = lastErr
	m.NextAttemptAt = next
	q.put(m)
	return m.clone(), true
}

// Requeue returns an in-flight mutation to pending without counting a
// failure, e.g. when the engine is shutting down mid-request.
func (q *Queue) Requeue(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if m := q.find(id); m != nil {
		m.State = StatePending
		q.put(m)
	}
}

// Force re-arms a mutation to overwrite a conflicting server row. It gets a
// fresh idempotency key because the previous attempt was not applied.
func (q *Queue) Force(id string) (Mutation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m := q.find(id)
	if m == nil {
		return Mutation{}, false
	}
	m.State = StatePending
	m.Force = true
	m.IdempotencyKey = uuid.NewString()
	m.NextAttemptAt = time.Time{}
	q.put(m)
	return m.clone(), true
}

// CancelEntity removes every mutation queued for an entity that is not in
// flight.
func (q *Queue) CancelEntity(collection, id string) []Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := collection + "/" + id
	return q.removeWhere(func(m *Mutation) bool {
		return m.Key() == key && m.State != StateInFlight
	})
}

// ResetRetries clears backoff on every pending mutation. Used when
// connectivity returns.
func (q *Queue) ResetRetries() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.items {
		if m.Retries == 0 && m.NextAttemptAt.IsZero() {
			continue
		}
		m.Retries = 0
		m.NextAttemptAt = time.Time{}
		q.put(m)
	}
}

// HasPending reports whether any mutation is queued for the entity.
func (q *Queue) HasPending(collection, id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.first(collection+"/"+id) != nil
}

// Depth returns the number of queued mutations and how many are in flight.
func (q *Queue) Depth() (total, inFlight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, m := range q.items {
		if m.State == StateInFlight {
			inFlight++
		}
	}
	return len(q.items), inFlight
}

// Snapshot returns a copy of every queued mutation in order.
func (q *Queue) Snapshot() []Mutation {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Mutation, len(q.items))
	for i, m := range q.items {
		out[i] = m.clone()
	}
	return out
}

// Load replaces the queue with journaled mutations. Mutations that were in
// flight when the process stopped are pending again; their idempotency keys
// make the resend safe.
func (q *Queue) Load(ms []Mutation) {
	q.mu.Lock()
	defer q.mu.Unlock()

	sort.Slice(ms, func(i, j int) bool { return ms[i].Order < ms[j].Order })
	q.items = q.items[:0]
	q.seqs = make(map[string]int64)
	q.unjournaled = make(map[string]bool)
	q.nextOrder = 0
	for _, m := range ms {
		c := m.clone()
		if c.State == StateInFlight {
			c.State = StatePending
		}
		if c.Seq > q.seqs[c.Key()] {
			q.seqs[c.Key()] = c.Seq
		}
		if c.Order > q.nextOrder {
			q.nextOrder = c.Order
		}
		q.items = append(q.items, &c)
	}
}

// Clear drops every mutation without touching the journal.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = nil
	q.seqs = make(map[string]int64)
	q.unjournaled = make(map[string]bool)
	q.nextOrder = 0
}

// Unjournaled returns how many queued mutations are missing from the
// journal because their last write failed.
func (q *Queue) Unjournaled() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.unjournaled)
}

// Rejournal writes mutations whose journal write failed again, in queue
// order. It stops at the first error; the rest stay marked.
func (q *Queue) Rejournal() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.journal == nil || len(q.unjournaled) == 0 {
		return nil
	}
	for _, m := range q.items {
		if !q.unjournaled[m.ID] {
			continue
		}
		if err := q.journal.PutMutation(m.clone()); err != nil {
			return err
		}
		delete(q.unjournaled, m.ID)
	}
	clear(q.unjournaled)
	return nil
}

func (q *Queue) put(m *Mutation) {
	if q.journal == nil {
		return
	}
	if err := q.journal.PutMutation(m.clone()); err != nil {
		q.unjournaled[m.ID] = true
		slog.Warn("journal mutation", "id", m.ID, "collection", m.Collection, "entity", m.EntityID, "err", err)
		return
	}
	delete(q.unjournaled, m.ID)
}

func (q *Queue) drop(id string) {
	delete(q.unjournaled, id)
	if q.journal == nil {
		return
	}
	if err := q.journal.DeleteMutation(id); err != nil {
		slog.Warn("journal delete", "id", id, "err", err)
	}
}
