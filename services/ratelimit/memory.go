package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the process-local CounterStore: one lock per key serializes
// the four-window operation. It backs single-node deployments and tests; the
// Redis store is the shared-cache equivalent.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

type memoryEntry struct {
	mu     sync.Mutex
	states map[Window]*windowState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memoryEntry)}
}

func (s *MemoryStore) entry(key string) *memoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		e = &memoryEntry{states: map[Window]*windowState{
			WindowBurst:  {},
			WindowMinute: {},
			WindowHour:   {},
			WindowDay:    {},
		}}
		s.entries[key] = e
	}
	return e
}

func (s *MemoryStore) Acquire(ctx context.Context, key string, now time.Time, ceilings Ceilings) (AcquireResult, error) {
	if err := ctx.Err(); err != nil {
		return AcquireResult{}, err
	}

	e := s.entry(key)
	e.mu.Lock()
	defer e.mu.Unlock()
	return applyWindows(e.states, now, ceilings), nil
}
