package store

import (
	"context"
	"sync"
	"time"

	"github.com/nhalm/storekit/clock"
)

// DefaultSweepInterval is how often Memory purges elapsed windows.
const DefaultSweepInterval = time.Minute

type memoryEntry struct {
	count   int64
	resetAt time.Time
}

// Memory is an in-memory implementation of Store using a map with mutex protection.
//
// WARNING: counters are process-local. Behind several instances each one keeps
// its own table, so a client can exceed the intended limit by spreading requests
// across instances. Use Redis for horizontally scaled deployments.
//
// Elapsed windows are purged opportunistically from Increment, at most once per
// sweep interval, so no background goroutine is needed.
type Memory struct {
	mu            sync.Mutex
	entries       map[string]*memoryEntry
	clock         clock.Clock
	sweepInterval time.Duration
	nextSweep     time.Time
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// MemoryWithClock sets the time source. Defaults to the real clock.
func MemoryWithClock(c clock.Clock) MemoryOption {
	return func(m *Memory) {
		m.clock = clock.OrReal(c)
	}
}

// MemoryWithSweepInterval sets the minimum interval between sweeps of elapsed
// windows. A non-positive interval sweeps on every Increment.
func MemoryWithSweepInterval(d time.Duration) MemoryOption {
	return func(m *Memory) {
		m.sweepInterval = d
	}
}

// NewMemory creates an empty in-memory store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries:       make(map[string]*memoryEntry),
		clock:         clock.Real(),
		sweepInterval: DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.nextSweep = m.clock.Now().Add(m.sweepInterval)
	return m
}

// Increment increments the counter for key and returns the new count and the
// time left in the window. A key with no entry, or whose window has reached its
// reset time, starts a fresh window with count 1.
//
// The context is accepted for interface compatibility; in-memory operations
// complete immediately.
func (m *Memory) Increment(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if !now.Before(m.nextSweep) {
		m.sweepLocked(now)
		m.nextSweep = now.Add(m.sweepInterval)
	}

	entry, exists := m.entries[key]
	if !exists || !now.Before(entry.resetAt) {
		m.entries[key] = &memoryEntry{
			count:   1,
			resetAt: now.Add(window),
		}
		return 1, window, nil
	}

	entry.count++
	return entry.count, entry.resetAt.Sub(now), nil
}

// Get retrieves the current count for key without incrementing.
func (m *Memory) Get(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.entries[key]
	if !exists || !m.clock.Now().Before(entry.resetAt) {
		return 0, nil
	}
	return entry.count, nil
}

// Reset removes the counter for key.
func (m *Memory) Reset(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// Len returns the number of tracked keys, including elapsed windows that have
// not been swept yet.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Close drops all counters.
func (m *Memory) Close() error {
	m.mu.Lock()
	m.entries = make(map[string]*memoryEntry)
	m.mu.Unlock()
	return nil
}

func (m *Memory) sweepLocked(now time.Time) {
	for key, entry := range m.entries {
		if !now.Before(entry.resetAt) {
			delete(m.entries, key)
		}
	}
}
