// Package syncstatus derives the single sync status the UI renders and
// publishes it to subscribers.
package syncstatus

import (
	"sync"
	"time"
)

// State is the user-facing sync state.
type State string

const (
	Idle    State = "idle"
	Syncing State = "syncing"
	Offline State = "offline"
	Error   State = "error"
)

// Failure is an unacknowledged authoritative rejection.
type Failure struct {
	Collection string    `json:"collection"`
	ID         string    `json:"id"`
	Op         string    `json:"op"`
	Kind       string    `json:"kind"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// Input is everything the status is derived from.
type Input struct {
	Pending      int
	InFlight     int
	Online       bool
	AuthRequired bool
	Failures     []Failure
}

// Status is the published value.
type Status struct {
	State        State     `json:"state"`
	Pending      int       `json:"pending"`
	InFlight     int       `json:"in_flight"`
	Online       bool      `json:"online"`
	AuthRequired bool      `json:"auth_required"`
	Failures     []Failure `json:"failures,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// HasUnsynced reports whether any local write has not reached the remote
// store. Destructive actions (sign-out, reset) should confirm first.
func (s Status) HasUnsynced() bool {
	return s.Pending+s.InFlight > 0
}

// Derive computes the state with precedence Error > Offline > Syncing > Idle.
func Derive(in Input) State {
	switch {
	case in.AuthRequired || len(in.Failures) > 0:
		return Error
	case !in.Online:
		return Offline
	case in.Pending+in.InFlight > 0:
		return Syncing
	default:
		return Idle
	}
}

// Publisher holds the current status and fans it out. Subscribers receive the
// latest value; intermediate values may be skipped for slow readers.
type Publisher struct {
	mu      sync.Mutex
	current Status
	subs    map[chan Status]struct{}
	now     func() time.Time
}

// NewPublisher returns a publisher starting Offline with nothing pending.
func NewPublisher() *Publisher {
	return &Publisher{
		current: Status{State: Offline},
		subs:    make(map[chan Status]struct{}),
		now:     time.Now,
	}
}

// Update recomputes the status. Subscribers are only notified when something
// visible changed.
func (p *Publisher) Update(in Input) Status {
	next := Status{
		State:        Derive(in),
		Pending:      in.Pending,
		InFlight:     in.InFlight,
		Online:       in.Online,
		AuthRequired: in.AuthRequired,
		Failures:     append([]Failure(nil), in.Failures...),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if same(p.current, next) {
		return p.current
	}
	next.UpdatedAt = p.now()
	p.current = next
	for ch := range p.subs {
		select {
		case <-ch:
		default:
		}
		ch <- next
	}
	return next
}

// Current returns the latest status.
func (p *Publisher) Current() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

// Subscribe returns a channel that immediately holds the current status and
// then every change. cancel closes the channel.
func (p *Publisher) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)
	p.mu.Lock()
	p.subs[ch] = struct{}{}
	ch <- p.current
	p.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			p.mu.Lock()
			delete(p.subs, ch)
			close(ch)
			p.mu.Unlock()
		})
	}
}

func same(a, b Status) bool {
	if a.State != b.State || a.Pending != b.Pending || a.InFlight != b.InFlight ||
		a.Online != b.Online || a.AuthRequired != b.AuthRequired || len(a.Failures) != len(b.Failures) {
		return false
	}
	for i := range a.Failures {
		if a.Failures[i] != b.Failures[i] {
			return false
		}
	}
	return true
}
