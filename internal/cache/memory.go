package cache

import (
	"context"
	"fmt"
	"sync"

	"github.com/marcus/kept/internal/queue"
	"github.com/marcus/kept/internal/store"
)

// Memory is a non-durable backend for ephemeral sessions and tests.
type Memory struct {
	// MaxEntries caps stored entities plus journaled mutations; writes past
	// it fail with a quota error. Zero means unlimited.
	MaxEntries int

	mu        sync.Mutex
	snap      Snapshot
	mutations map[string]queue.Mutation
}

var _ Backend = (*Memory)(nil)

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{mutations: make(map[string]queue.Mutation)}
}

func (m *Memory) PutMutation(mu queue.Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mutations[mu.ID]; !ok && m.full(len(m.snap.Entries)+len(m.mutations)+1) {
		return QuotaError("journal mutation", fmt.Errorf("limit %d reached", m.MaxEntries))
	}
	m.mutations[mu.ID] = mu
	return nil
}

func (m *Memory) DeleteMutation(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.mutations, id)
	return nil
}

func (m *Memory) LoadSnapshot(ctx context.Context) (Snapshot, []queue.Mutation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snap
	snap.Entries = append([]store.Entry(nil), m.snap.Entries...)
	muts := make([]queue.Mutation, 0, len(m.mutations))
	for _, mu := range m.mutations {
		muts = append(muts, mu)
	}
	return snap, muts, nil
}

func (m *Memory) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full(len(snap.Entries) + len(m.mutations)) {
		return QuotaError("save snapshot", fmt.Errorf("%d entries exceed limit %d", len(snap.Entries), m.MaxEntries))
	}
	m.snap = snap
	m.snap.Entries = append([]store.Entry(nil), snap.Entries...)
	return nil
}

func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = Snapshot{}
	m.mutations = make(map[string]queue.Mutation)
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) full(n int) bool {
	return m.MaxEntries > 0 && n > m.MaxEntries
}
