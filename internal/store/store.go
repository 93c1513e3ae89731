// Package store holds the in-memory, observable copy of every synced
// collection that readers render from.
package store

import (
	"sort"
	"sync"

	"github.com/marcus/kept/internal/schema"
)

// Entry is the local state of one entity.
type Entry struct {
	Collection string     `json:"collection"`
	ID         string     `json:"id"`
	Row        schema.Row `json:"row"`
	// Confirmed is the last row the remote store acknowledged, nil if the
	// entity has never been confirmed.
	Confirmed schema.Row `json:"confirmed"`
	Pending   bool       `json:"pending"`
	// Deleted marks a local delete that the remote has not confirmed yet.
	Deleted bool `json:"deleted"`
	// Error is the inline message of the last authoritative rejection.
	Error string `json:"error,omitempty"`
}

func (e Entry) clone() Entry {
	e.Row = e.Row.Clone()
	e.Confirmed = e.Confirmed.Clone()
	return e
}

// ChangeKind identifies what happened to the store.
type ChangeKind int

const (
	ChangePut ChangeKind = iota
	ChangeRemove
	ChangeReset // bulk load or clear
)

// Change is delivered to subscribers after each write.
type Change struct {
	Kind       ChangeKind
	Collection string
	ID         string
	Entry      Entry
}

// Store is a normalized map of collection → id → entry. Reads are safe from
// any goroutine; subscribers run after the write lock is released.
type Store struct {
	mu      sync.RWMutex
	data    map[string]map[string]*Entry
	version uint64

	subMu   sync.Mutex
	subs    map[int]func(Change)
	nextSub int
	held    int
	queued  []Change
}

// New returns an empty store.
func New() *Store {
	return &Store{
		data: make(map[string]map[string]*Entry),
		subs: make(map[int]func(Change)),
	}
}

// Get returns a copy of one entry, including locally deleted ones.
func (s *Store) Get(collection, id string) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.data[collection][id]
	if !ok {
		return Entry{}, false
	}
	return e.clone(), true
}

// List returns the visible entries of a collection ordered by creation time
// then id. Entries awaiting a delete confirmation are hidden.
func (s *Store) List(collection string) []Entry {
	s.mu.RLock()
	out := make([]Entry, 0, len(s.data[collection]))
	for _, e := range s.data[collection] {
		if e.Deleted {
			continue
		}
		out = append(out, e.clone())
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		ci, cj := out[i].Row.Str(schema.ColCreatedAt), out[j].Row.Str(schema.ColCreatedAt)
		if ci != cj {
			return ci < cj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Entries returns a copy of every entry in every collection.
func (s *Store) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, byID := range s.data {
		for _, e := range byID {
			out = append(out, e.clone())
		}
	}
	return out
}

// Failed returns entries carrying an inline error.
func (s *Store) Failed() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Entry
	for _, byID := range s.data {
		for _, e := range byID {
			if e.Error != "" {
				out = append(out, e.clone())
			}
		}
	}
	return out
}

// Len returns the number of entries across all collections.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, byID := range s.data {
		n += len(byID)
	}
	return n
}

// Version increases on every write.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Put inserts or replaces an entry.
func (s *Store) Put(e Entry) {
	e = e.clone()
	s.mu.Lock()
	byID, ok := s.data[e.Collection]
	if !ok {
		byID = make(map[string]*Entry)
		s.data[e.Collection] = byID
	}
	stored := e
	byID[e.ID] = &stored
	s.version++
	s.mu.Unlock()

	s.notify(Change{Kind: ChangePut, Collection: e.Collection, ID: e.ID, Entry: e.clone()})
}

// Remove deletes an entry. It reports whether the entry existed.
func (s *Store) Remove(collection, id string) bool {
	s.mu.Lock()
	e, ok := s.data[collection][id]
	if ok {
		delete(s.data[collection], id)
		s.version++
	}
	s.mu.Unlock()

	if ok {
		s.notify(Change{Kind: ChangeRemove, Collection: collection, ID: id, Entry: e.clone()})
	}
	return ok
}

// Load replaces the whole store with entries.
func (s *Store) Load(entries []Entry) {
	s.mu.Lock()
	s.data = make(map[string]map[string]*Entry)
	for _, e := range entries {
		byID, ok := s.data[e.Collection]
		if !ok {
			byID = make(map[string]*Entry)
			s.data[e.Collection] = byID
		}
		stored := e.clone()
		byID[e.ID] = &stored
	}
	s.version++
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeReset})
}

// Clear drops every entry.
func (s *Store) Clear() {
	s.Load(nil)
}

// Subscribe registers fn for every change. The returned function removes it.
func (s *Store) Subscribe(fn func(Change)) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()

	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

// Hold defers change notifications until the matching Release. Holds nest;
// the last Release delivers everything queued, in order.
func (s *Store) Hold() {
	s.subMu.Lock()
	s.held++
	s.subMu.Unlock()
}

// Release ends a Hold. Deferred changes are delivered on the caller's
// goroutine once no hold remains.
func (s *Store) Release() {
	s.subMu.Lock()
	if s.held > 0 {
		s.held--
	}
	if s.held > 0 || len(s.queued) == 0 {
		s.subMu.Unlock()
		return
	}
	queued := s.queued
	s.queued = nil
	s.subMu.Unlock()

	for _, c := range queued {
		s.deliver(c)
	}
}

func (s *Store) notify(c Change) {
	s.subMu.Lock()
	if s.held > 0 {
		s.queued = append(s.queued, c)
		s.subMu.Unlock()
		return
	}
	s.subMu.Unlock()
	s.deliver(c)
}

func (s *Store) deliver(c Change) {
	s.subMu.Lock()
	fns := make([]func(Change), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}
