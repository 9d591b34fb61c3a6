// Package store provides in-memory Store implementations.
package store

import (
	"context"
	"sort"
	"sync"

	"github.com/warp/tuition-engine/generic"
)

// =============================================================================
// MEMORY STORE - In-memory payment ledger (for testing/dev)
// =============================================================================

type Memory struct {
	mu          sync.RWMutex
	payments    map[generic.StudentID][]generic.Payment
	idempotency map[string]bool
}

func NewMemory() *Memory {
	return &Memory{
		payments:    make(map[generic.StudentID][]generic.Payment),
		idempotency: make(map[string]bool),
	}
}

// Append adds a single payment. Append-only.
func (m *Memory) Append(_ context.Context, p generic.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.IdempotencyKey != "" && m.idempotency[p.IdempotencyKey] {
		return generic.ErrDuplicateIdempotencyKey
	}
	m.appendLocked(p)
	return nil
}

// AppendBatch adds multiple payments atomically.
func (m *Memory) AppendBatch(_ context.Context, ps []generic.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendBatchLocked(ps)
}

func (m *Memory) appendBatchLocked(ps []generic.Payment) error {
	// Check all idempotency keys first (atomic check)
	seen := make(map[string]bool, len(ps))
	for _, p := range ps {
		if p.IdempotencyKey == "" {
			continue
		}
		if m.idempotency[p.IdempotencyKey] || seen[p.IdempotencyKey] {
			return generic.ErrDuplicateIdempotencyKey
		}
		seen[p.IdempotencyKey] = true
	}
	for _, p := range ps {
		m.appendLocked(p)
	}
	return nil
}

func (m *Memory) appendLocked(p generic.Payment) {
	ps := m.payments[p.StudentID]

	// Keep PostedAt order; equal timestamps keep insertion order.
	i := sort.Search(len(ps), func(i int) bool {
		return ps[i].PostedAt.After(p.PostedAt)
	})
	ps = append(ps, generic.Payment{})
	copy(ps[i+1:], ps[i:])
	ps[i] = p
	m.payments[p.StudentID] = ps

	if p.IdempotencyKey != "" {
		m.idempotency[p.IdempotencyKey] = true
	}
}

func (m *Memory) Load(_ context.Context, studentID generic.StudentID) ([]generic.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadLocked(studentID), nil
}

func (m *Memory) loadLocked(studentID generic.StudentID) []generic.Payment {
	result := make([]generic.Payment, len(m.payments[studentID]))
	copy(result, m.payments[studentID])
	return result
}

func (m *Memory) LoadTerm(_ context.Context, studentID generic.StudentID, term generic.Term) ([]generic.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loadTermLocked(studentID, term), nil
}

func (m *Memory) loadTermLocked(studentID generic.StudentID, term generic.Term) []generic.Payment {
	var result []generic.Payment
	for _, p := range m.payments[studentID] {
		if p.Term.Equal(term) {
			result = append(result, p)
		}
	}
	return result
}

func (m *Memory) Exists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[idempotencyKey], nil
}
