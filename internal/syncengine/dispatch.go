package syncengine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/marcus/kept/internal/dateparse"
	"github.com/marcus/kept/internal/queue"
	"github.com/marcus/kept/internal/remote"
	"github.com/marcus/kept/internal/schema"
	"github.com/marcus/kept/internal/syncerr"
)

// Start runs the background loop: dispatching ready mutations, probing
// connectivity while offline, reconciling on the first pass and whenever
// connectivity returns, and following the push channel. It returns
// immediately.
func (e *Engine) Start() {
	e.lock()
	if e.started || e.closed {
		e.unlock()
		return
	}
	e.started = true
	e.unlock()

	e.wg.Add(1)
	go e.run()
	if e.remote != nil {
		e.wg.Add(1)
		go e.follow()
	}
}

func (e *Engine) run() {
	defer e.wg.Done()
	timer := time.NewTimer(0)
	defer timer.Stop()
	// The first pass reconciles whatever changed remotely while the app was
	// closed.
	wasOnline := false

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-e.wake:
		case <-timer.C:
		}

		online := e.Online()
		if !online {
			online = e.probe()
		}
		if online && !wasOnline {
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				if err := e.Reconcile(e.ctx); err != nil && e.ctx.Err() == nil {
					slog.Warn("reconcile", "err", err)
				}
			}()
		}
		wasOnline = online
		e.dispatchReady(false)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(e.nextDelay())
	}
}

// nextDelay is how long the loop may sleep before something becomes due.
func (e *Engine) nextDelay() time.Duration {
	if !e.Online() {
		return e.cfg.ProbeInterval
	}
	wake := e.queue.NextWake()
	if wake.IsZero() {
		return e.cfg.ProbeInterval
	}
	d := wake.Sub(e.now())
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// probe pings the remote and marks it online on success.
func (e *Engine) probe() bool {
	if e.remote == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(e.ctx, e.cfg.RequestTimeout)
	defer cancel()
	if err := e.remote.Ping(ctx); err != nil {
		slog.Debug("probe failed", "err", err)
		return false
	}
	e.SetOnline(true)
	return true
}

// follow keeps the push channel open while the engine runs.
func (e *Engine) follow() {
	defer e.wg.Done()
	for e.ctx.Err() == nil {
		err := e.remote.Subscribe(e.ctx, e.ApplyRemoteChange)
		if e.ctx.Err() != nil {
			return
		}
		if errors.Is(err, syncerr.KindAuth) {
			e.lock()
			e.authRequired = true
			e.publishLocked()
			e.unlock()
		}
		slog.Debug("push channel closed", "err", err)
		select {
		case <-e.ctx.Done():
			return
		case <-time.After(e.cfg.ProbeInterval):
		}
	}
}

// dispatchReady starts every ready mutation the semaphore allows.
func (e *Engine) dispatchReady(ignoreWindow bool) int {
	e.lock()
	defer e.unlock()
	if !e.online || e.authRequired || e.closed || e.remote == nil {
		return 0
	}

	started := 0
	for _, m := range e.queue.Ready(e.now(), ignoreWindow) {
		if !e.sem.TryAcquire(1) {
			break
		}
		var base string
		if entry, ok := e.store.Get(m.Collection, m.EntityID); ok {
			base = entry.Confirmed.Str(schema.ColUpdatedAt)
		}
		sent, ok := e.queue.Start(m.ID, base)
		if !ok {
			e.sem.Release(1)
			continue
		}
		ctx, cancel := context.WithTimeout(e.ctx, e.cfg.RequestTimeout)
		e.inflight[sent.ID] = cancel
		e.wg.Add(1)
		go e.send(ctx, cancel, sent)
		started++
	}
	if started > 0 {
		e.publishLocked()
	}
	return started
}

func (e *Engine) send(ctx context.Context, cancel context.CancelFunc, m queue.Mutation) {
	defer e.wg.Done()
	slog.Debug("dispatch", "collection", m.Collection, "id", m.EntityID, "op", m.Op, "seq", m.Seq, "attempt", m.Attempts)

	row, err := e.remote.Apply(ctx, m.Collection, remote.MutationRequest{
		Op:             string(m.Op),
		ID:             m.EntityID,
		IdempotencyKey: m.IdempotencyKey,
		Seq:            m.Seq,
		BaseUpdatedAt:  m.BaseUpdatedAt,
		Force:          m.Force,
		Row:            m.Payload,
	})
	cancel()
	e.sem.Release(1)
	e.settle(m, row, err)
}

// settle folds one remote result into local state.
func (e *Engine) settle(m queue.Mutation, row schema.Row, err error) {
	e.lock()
	if _, ok := e.inflight[m.ID]; !ok {
		// Superseded by Reset.
		e.unlock()
		return
	}
	delete(e.inflight, m.ID)
	e.touchLocked(m.Collection, m.EntityID)

	switch {
	case err == nil:
		e.ackLocked(m, row)
	case errors.Is(err, context.Canceled):
		e.queue.Requeue(m.ID)
	case errors.Is(err, syncerr.KindAuth):
		e.queue.Requeue(m.ID)
		if !e.authRequired {
			slog.Warn("remote rejected credentials, pausing sync", "err", err)
		}
		e.authRequired = true
	case errors.Is(err, syncerr.KindConflict):
		e.conflictLocked(m, err)
	case syncerr.Permanent(err):
		e.rejectLocked(m, err)
	default:
		e.retryLocked(m, err)
	}

	e.publishLocked()
	e.signalSettledLocked()
	e.unlock()
	e.changed()
}

func (e *Engine) ackLocked(m queue.Mutation, row schema.Row) {
	e.queue.Ack(m.ID)
	entry, ok := e.store.Get(m.Collection, m.EntityID)
	if !ok {
		return
	}
	if m.Op == queue.OpDelete {
		e.store.Remove(m.Collection, m.EntityID)
		slog.Debug("ack", "collection", m.Collection, "id", m.EntityID, "op", m.Op)
		return
	}

	confirmed := schema.Merge(entry.Confirmed, m.Payload)
	if row != nil {
		if s, err := e.reg.Lookup(m.Collection); err == nil {
			if norm, err := s.Normalize(row); err == nil {
				confirmed = norm
			} else {
				slog.Warn("ack row does not match schema", "collection", m.Collection, "id", m.EntityID, "err", err)
			}
		}
	}
	entry.Confirmed = confirmed
	entry.Error = ""
	if !e.queue.HasPending(m.Collection, m.EntityID) {
		entry.Row = confirmed.Clone()
		entry.Pending = false
	}
	e.store.Put(entry)
	slog.Debug("ack", "collection", m.Collection, "id", m.EntityID, "op", m.Op)
}

func (e *Engine) retryLocked(m queue.Mutation, err error) {
	retries := m.Retries + 1
	next := e.now().Add(e.cfg.Backoff(retries))
	e.queue.Retry(m.ID, err.Error(), next)
	slog.Debug("retry", "collection", m.Collection, "id", m.EntityID, "retries", retries, "next", next, "err", err)
	if syncerr.IsUnreachable(err) || retries >= e.cfg.MaxAttempts {
		e.setOnlineLocked(false)
	}
}

// rejectLocked rolls an entity back to its last confirmed row after an
// authoritative rejection. Later edits to the entity that were never sent
// are dropped with it; a rejected create removes the entity.
func (e *Engine) rejectLocked(m queue.Mutation, err error) {
	e.queue.Fail(m.ID)
	dropped := e.queue.CancelEntity(m.Collection, m.EntityID)
	e.recordFailureLocked(m, err)
	slog.Warn("mutation rejected", "collection", m.Collection, "id", m.EntityID, "op", m.Op, "dropped", len(dropped), "err", err)

	entry, ok := e.store.Get(m.Collection, m.EntityID)
	if !ok {
		return
	}
	if entry.Confirmed == nil {
		e.store.Remove(m.Collection, m.EntityID)
		return
	}
	entry.Row = entry.Confirmed.Clone()
	entry.Pending = false
	entry.Deleted = false
	entry.Error = e.failures[len(e.failures)-1].Message
	e.store.Put(entry)
}

// conflictLocked resolves a stale write last-write-wins: an edit made after
// the server row's updated_at is re-sent with force; otherwise the server row
// is adopted.
func (e *Engine) conflictLocked(m queue.Mutation, err error) {
	var se *syncerr.Error
	errors.As(err, &se)
	entry, ok := e.store.Get(m.Collection, m.EntityID)

	if se == nil || se.Current == nil {
		// Gone on the server.
		if m.Op == queue.OpDelete {
			e.queue.Ack(m.ID)
			e.store.Remove(m.Collection, m.EntityID)
			return
		}
		e.queue.Fail(m.ID)
		e.queue.CancelEntity(m.Collection, m.EntityID)
		e.recordFailureLocked(m, err)
		e.store.Remove(m.Collection, m.EntityID)
		slog.Warn("entity deleted remotely, local edit dropped", "collection", m.Collection, "id", m.EntityID)
		return
	}

	s, lerr := e.reg.Lookup(m.Collection)
	if lerr != nil {
		e.rejectLocked(m, err)
		return
	}
	current, nerr := s.Normalize(se.Current)
	if nerr != nil {
		e.rejectLocked(m, nerr)
		return
	}
	serverTime, _ := dateparse.ParseTimestamp(current.Str(schema.ColUpdatedAt))

	if !m.Force && m.EditedAt.After(serverTime) {
		e.queue.Force(m.ID)
		if ok {
			entry.Confirmed = current
			e.store.Put(entry)
		}
		slog.Info("conflict, local edit is newer; overwriting", "collection", m.Collection, "id", m.EntityID)
		return
	}

	e.queue.Ack(m.ID)
	slog.Info("conflict, server row is newer; adopting", "collection", m.Collection, "id", m.EntityID)
	if !ok {
		return
	}
	entry.Confirmed = current
	if !e.queue.HasPending(m.Collection, m.EntityID) {
		entry.Row = current.Clone()
		entry.Pending = false
		entry.Deleted = current[schema.ColDeletedAt] != nil
		if entry.Deleted {
			e.store.Remove(m.Collection, m.EntityID)
			return
		}
	}
	e.store.Put(entry)
}

// Drain dispatches everything queued, ignoring the coalescing window, and
// waits until the queue is empty. It stops early when the remote is offline
// or credentials are rejected, leaving the rest queued.
func (e *Engine) Drain(ctx context.Context) error {
	for {
		e.dispatchReady(true)

		e.lock()
		total, inFlight := e.queue.Depth()
		online, auth, closed := e.online, e.authRequired, e.closed
		settled := e.settled
		e.unlock()

		if total == 0 {
			return nil
		}
		if inFlight == 0 {
			switch {
			case closed:
				return ErrClosed
			case auth:
				return syncerr.New(syncerr.KindAuth, "drain", ErrAuthRequired)
			case !online:
				return syncerr.New(syncerr.KindNetwork, "drain", ErrOffline)
			}
		}

		var timeout <-chan time.Time
		if inFlight == 0 {
			if wake := e.queue.NextWake(); !wake.IsZero() {
				timeout = time.After(max(wake.Sub(e.now()), time.Millisecond))
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-settled:
		case <-timeout:
		}
	}
}
