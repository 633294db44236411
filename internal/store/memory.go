package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Machines backend for tests and single-run
// bootstrap. All methods hand out deep copies so callers never share state
// with the store.
type Memory struct {
	mu       sync.RWMutex
	machines map[string]*MachineData
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{machines: make(map[string]*MachineData)}
}

// Get returns a copy of the machine document, or ErrNotFound.
func (s *Memory) Get(_ context.Context, id string) (*MachineData, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.machines[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

// Put stores a copy of the document.
func (s *Memory) Put(_ context.Context, m *MachineData) error {
	m.UpdatedAt = time.Now().UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.machines[m.ID] = m.Clone()
	return nil
}

// Mutate applies fn to a copy under the write lock and stores the result.
func (s *Memory) Mutate(_ context.Context, id string, fn func(*MachineData) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.machines[id]
	if !ok {
		return ErrNotFound
	}
	next := m.Clone()
	if err := fn(next); err != nil {
		return err
	}
	next.UpdatedAt = time.Now().UTC()
	s.machines[id] = next
	return nil
}

// FindKey scans all machines for an active API key equal to rawKey.
func (s *Memory) FindKey(_ context.Context, rawKey string) (*MachineData, *APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, m := range s.machines {
		if m.KeyByValue(rawKey) != nil {
			c := m.Clone()
			return c, c.KeyByValue(rawKey), nil
		}
	}
	return nil, nil, ErrKeyNotFound
}

// Close is a no-op.
func (s *Memory) Close() error { return nil }
