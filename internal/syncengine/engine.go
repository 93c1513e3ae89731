// Package syncengine applies local writes optimistically, drains the
// mutation queue against the remote store, and folds remote state back into
// the local store.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/marcus/kept/internal/dateparse"
	"github.com/marcus/kept/internal/queue"
	"github.com/marcus/kept/internal/remote"
	"github.com/marcus/kept/internal/schema"
	"github.com/marcus/kept/internal/store"
	"github.com/marcus/kept/internal/syncerr"
	"github.com/marcus/kept/internal/syncstatus"
	"golang.org/x/sync/semaphore"
)

// Sentinel errors returned by local operations and Drain.
var (
	ErrNotFound     = errors.New("not found")
	ErrExists       = errors.New("already exists")
	ErrOffline      = errors.New("offline")
	ErrAuthRequired = errors.New("sign-in required")
	ErrClosed       = errors.New("engine closed")
)

// Config tunes dispatch.
type Config struct {
	MaxInFlight    int
	CoalesceWindow time.Duration
	RequestTimeout time.Duration
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	// MaxAttempts consecutive transient failures mark the remote offline.
	MaxAttempts   int
	ProbeInterval time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		MaxInFlight:    4,
		CoalesceWindow: 400 * time.Millisecond,
		RequestTimeout: 15 * time.Second,
		BackoffBase:    time.Second,
		BackoffMax:     time.Minute,
		MaxAttempts:    8,
		ProbeInterval:  15 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxInFlight <= 0 {
		c.MaxInFlight = d.MaxInFlight
	}
	if c.CoalesceWindow < 0 {
		c.CoalesceWindow = 0
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = d.BackoffMax
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.ProbeInterval <= 0 {
		c.ProbeInterval = d.ProbeInterval
	}
	return c
}

// Backoff returns the delay before retry number n (1-based).
func (c Config) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := c.BackoffBase
	for i := 1; i < n; i++ {
		d *= 2
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	return min(d, c.BackoffMax)
}

// Persister is notified when state worth persisting changed.
type Persister interface {
	Schedule()
}

// Options wires an engine. Remote may be nil for a local-only session.
type Options struct {
	Registry *schema.Registry
	Store    *store.Store
	Queue    *queue.Queue
	Remote   remote.Store
	Cache    Persister
	Status   *syncstatus.Publisher
	UserID   string
	Config   Config
	Now      func() time.Time
}

// Engine serializes every state change behind one mutex. Remote calls run on
// goroutines bounded by a weighted semaphore.
type Engine struct {
	cfg    Config
	reg    *schema.Registry
	store  *store.Store
	queue  *queue.Queue
	remote remote.Store
	cache  Persister
	status *syncstatus.Publisher
	userID string
	now    func() time.Time

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	wake   chan struct{}

	mu           sync.Mutex
	online       bool
	authRequired bool
	failures     []syncstatus.Failure
	inflight     map[string]context.CancelFunc
	settled      chan struct{}
	// gen counts remote-driven entity changes. While a reconcile runs,
	// touched records the gen of each entity changed since, so a list
	// fetched earlier cannot overwrite or remove it.
	gen         uint64
	reconciling int
	touched     map[string]uint64
	started     bool
	closed      bool
}

// New creates an engine. Call Start for background syncing, or Drain and
// Reconcile explicitly.
func New(opts Options) *Engine {
	cfg := opts.Config.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:      cfg,
		reg:      opts.Registry,
		store:    opts.Store,
		queue:    opts.Queue,
		remote:   opts.Remote,
		cache:    opts.Cache,
		status:   opts.Status,
		userID:   opts.UserID,
		now:      opts.Now,
		sem:      semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		ctx:      ctx,
		cancel:   cancel,
		wake:     make(chan struct{}, 1),
		online:   opts.Remote != nil,
		inflight: make(map[string]context.CancelFunc),
		settled:  make(chan struct{}),
		touched:  make(map[string]uint64),
	}
	if e.reg == nil {
		e.reg = schema.Default
	}
	if e.store == nil {
		e.store = store.New()
	}
	if e.queue == nil {
		e.queue = queue.New(cfg.CoalesceWindow, nil)
	}
	if e.status == nil {
		e.status = syncstatus.NewPublisher()
	}
	if e.now == nil {
		e.now = time.Now
	}
	e.lock()
	e.publishLocked()
	e.unlock()
	return e
}

// Store returns the local store readers render from.
func (e *Engine) Store() *store.Store { return e.store }

// Status returns the status publisher.
func (e *Engine) Status() *syncstatus.Publisher { return e.status }

// Registry returns the schema registry.
func (e *Engine) Registry() *schema.Registry { return e.reg }

// Create stores a new entity optimistically and queues it. A missing id is
// generated. The full stored row is returned.
func (e *Engine) Create(collection string, row schema.Row) (schema.Row, error) {
	s, err := e.reg.Lookup(collection)
	if err != nil {
		return nil, syncerr.New(syncerr.KindValidation, "create", err)
	}
	row, err = s.Normalize(row)
	if err != nil {
		return nil, err
	}
	id := row.ID()
	if id == "" {
		id = uuid.NewString()
	}
	stamp := dateparse.FormatTimestamp(e.now())
	row[schema.ColID] = id
	row[schema.ColUserID] = e.userID
	row[schema.ColCreatedAt] = stamp
	row[schema.ColUpdatedAt] = stamp
	if s.SoftDelete {
		row[schema.ColDeletedAt] = nil
	}
	full, err := e.complete(s, row)
	if err != nil {
		return nil, err
	}
	for _, col := range s.RequiredColumns() {
		if v, ok := full[col]; !ok || v == nil || v == "" {
			return nil, syncerr.Scope(syncerr.Newf(syncerr.KindValidation, "create", "%s is required", col), collection, id)
		}
	}

	e.lock()
	if e.closed {
		e.unlock()
		return nil, ErrClosed
	}
	if _, exists := e.store.Get(collection, id); exists {
		e.unlock()
		return nil, syncerr.Scope(syncerr.New(syncerr.KindValidation, "create", ErrExists), collection, id)
	}
	e.store.Put(store.Entry{Collection: collection, ID: id, Row: full, Pending: true})
	e.queue.Enqueue(queue.Mutation{Collection: collection, EntityID: id, Op: queue.OpCreate, Payload: full}, e.now())
	e.publishLocked()
	e.unlock()

	slog.Debug("create", "collection", collection, "id", id)
	e.changed()
	return full.Clone(), nil
}

// complete round-trips row through the domain record so every column is
// present and well-formed.
func (e *Engine) complete(s *schema.Schema, row schema.Row) (schema.Row, error) {
	rec, err := s.Decode(row)
	if err != nil {
		return nil, err
	}
	return s.Encode(rec)
}

// Update applies changes to an entity optimistically and queues the column
// diff. Metadata columns in changes are ignored. An update that changes
// nothing queues nothing.
func (e *Engine) Update(collection, id string, changes schema.Row) (schema.Row, error) {
	s, err := e.reg.Lookup(collection)
	if err != nil {
		return nil, syncerr.New(syncerr.KindValidation, "update", err)
	}
	changes, err = s.Normalize(changes)
	if err != nil {
		return nil, err
	}
	for _, col := range []string{schema.ColID, schema.ColUserID, schema.ColCreatedAt, schema.ColUpdatedAt, schema.ColDeletedAt} {
		delete(changes, col)
	}

	e.lock()
	if e.closed {
		e.unlock()
		return nil, ErrClosed
	}
	entry, ok := e.store.Get(collection, id)
	if !ok || entry.Deleted {
		e.unlock()
		return nil, notFound("update", collection, id)
	}
	next := schema.Merge(entry.Row, changes)
	diff := schema.Diff(entry.Row, next)
	if len(diff) == 0 {
		e.unlock()
		return entry.Row, nil
	}
	if _, err := s.Decode(next); err != nil {
		e.unlock()
		return nil, err
	}
	next[schema.ColUpdatedAt] = dateparse.FormatTimestamp(e.now())

	entry.Row = next
	entry.Pending = true
	entry.Error = ""
	e.store.Put(entry)
	e.queue.Enqueue(queue.Mutation{Collection: collection, EntityID: id, Op: queue.OpUpdate, Payload: diff}, e.now())
	e.publishLocked()
	e.unlock()

	slog.Debug("update", "collection", collection, "id", id, "columns", len(diff))
	e.changed()
	return next.Clone(), nil
}

// Delete removes an entity optimistically. Deleting an entity whose create
// never left the device cancels it without any network call.
func (e *Engine) Delete(collection, id string) error {
	if _, err := e.reg.Lookup(collection); err != nil {
		return syncerr.New(syncerr.KindValidation, "delete", err)
	}

	e.lock()
	if e.closed {
		e.unlock()
		return ErrClosed
	}
	entry, ok := e.store.Get(collection, id)
	if !ok {
		e.unlock()
		return notFound("delete", collection, id)
	}
	if entry.Deleted {
		e.unlock()
		return nil
	}
	res := e.queue.Enqueue(queue.Mutation{Collection: collection, EntityID: id, Op: queue.OpDelete}, e.now())
	if len(res.Canceled) > 0 {
		e.store.Remove(collection, id)
	} else {
		entry.Deleted = true
		entry.Pending = true
		e.store.Put(entry)
	}
	e.publishLocked()
	e.unlock()

	slog.Debug("delete", "collection", collection, "id", id, "canceled", len(res.Canceled))
	e.changed()
	return nil
}

// changed persists and wakes the dispatcher after a local write.
func (e *Engine) changed() {
	if e.cache != nil {
		e.cache.Schedule()
	}
	e.kick()
}

func (e *Engine) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Failures returns unacknowledged rejections, oldest first.
func (e *Engine) Failures() []syncstatus.Failure {
	e.lock()
	defer e.unlock()
	return append([]syncstatus.Failure(nil), e.failures...)
}

// Acknowledge dismisses the failures recorded for one entity and clears its
// inline error.
func (e *Engine) Acknowledge(collection, id string) int {
	e.lock()
	kept := e.failures[:0]
	n := 0
	for _, f := range e.failures {
		if f.Collection == collection && f.ID == id {
			n++
			continue
		}
		kept = append(kept, f)
	}
	e.failures = kept
	if entry, ok := e.store.Get(collection, id); ok && entry.Error != "" {
		entry.Error = ""
		e.store.Put(entry)
	}
	e.publishLocked()
	e.unlock()
	e.changed()
	return n
}

// AcknowledgeAll dismisses every failure.
func (e *Engine) AcknowledgeAll() int {
	e.lock()
	n := len(e.failures)
	for _, f := range e.failures {
		if entry, ok := e.store.Get(f.Collection, f.ID); ok && entry.Error != "" {
			entry.Error = ""
			e.store.Put(entry)
		}
	}
	e.failures = nil
	e.publishLocked()
	e.unlock()
	e.changed()
	return n
}

// RestoreFailures seeds failures persisted by the host, e.g. from a previous
// run.
func (e *Engine) RestoreFailures(fs []syncstatus.Failure) {
	e.lock()
	e.failures = append(e.failures, fs...)
	e.publishLocked()
	e.unlock()
}

// Online reports the engine's view of connectivity.
func (e *Engine) Online() bool {
	e.lock()
	defer e.unlock()
	return e.online
}

// SetOnline records a connectivity signal from the host. Coming online
// clears retry backoff and triggers a reconcile when the loop is running.
func (e *Engine) SetOnline(online bool) {
	e.lock()
	changed := e.setOnlineLocked(online)
	e.unlock()
	if changed && online {
		e.kick()
	}
}

func (e *Engine) setOnlineLocked(online bool) bool {
	if e.remote == nil {
		online = false
	}
	if e.online == online {
		return false
	}
	e.online = online
	if online {
		e.queue.ResetRetries()
		slog.Info("remote reachable")
	} else {
		slog.Info("remote unreachable, pausing sync")
	}
	e.publishLocked()
	return true
}

// Resume continues draining after an auth failure, typically once the host
// has a fresh session token.
func (e *Engine) Resume() {
	e.lock()
	was := e.authRequired
	e.authRequired = false
	e.queue.ResetRetries()
	e.publishLocked()
	e.unlock()
	if was {
		slog.Info("sync resumed")
	}
	e.kick()
}

// Reset cancels in-flight requests and forgets every queued mutation, local
// entity and failure. The caller discards the persisted cache.
func (e *Engine) Reset() {
	e.lock()
	for id, cancel := range e.inflight {
		cancel()
		delete(e.inflight, id)
	}
	e.queue.Clear()
	e.store.Clear()
	e.failures = nil
	e.authRequired = false
	e.publishLocked()
	e.signalSettledLocked()
	e.unlock()
}

// Close stops background work and waits for in-flight requests to return.
// Interrupted mutations stay queued.
func (e *Engine) Close() {
	e.lock()
	if e.closed {
		e.unlock()
		return
	}
	e.closed = true
	e.unlock()
	e.cancel()
	e.wg.Wait()
}

// lock takes the engine mutex and holds store notifications so listeners
// run only after unlock.
func (e *Engine) lock() {
	e.mu.Lock()
	e.store.Hold()
}

func (e *Engine) unlock() {
	e.mu.Unlock()
	e.store.Release()
}

func (e *Engine) publishLocked() {
	total, inFlight := e.queue.Depth()
	e.status.Update(syncstatus.Input{
		Pending:      total - inFlight,
		InFlight:     inFlight,
		Online:       e.online,
		AuthRequired: e.authRequired,
		Failures:     e.failures,
	})
}

func (e *Engine) touchLocked(collection, id string) {
	e.gen++
	if e.reconciling > 0 {
		e.touched[collection+"/"+id] = e.gen
	}
}

// staleLocked reports whether the entity changed after a fetch taken at gen.
func (e *Engine) staleLocked(collection, id string, gen uint64) bool {
	return e.touched[collection+"/"+id] > gen
}

func (e *Engine) signalSettledLocked() {
	close(e.settled)
	e.settled = make(chan struct{})
}

func (e *Engine) recordFailureLocked(m queue.Mutation, err error) {
	msg := err.Error()
	var se *syncerr.Error
	if errors.As(err, &se) && se.Err != nil {
		msg = se.Err.Error()
	}
	e.failures = append(e.failures, syncstatus.Failure{
		Collection: m.Collection,
		ID:         m.EntityID,
		Op:         string(m.Op),
		Kind:       string(syncerr.KindOf(err)),
		Message:    msg,
		At:         e.now(),
	})
}

func notFound(op, collection, id string) error {
	return syncerr.Scope(syncerr.New(syncerr.KindValidation, op, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)), collection, id)
}
