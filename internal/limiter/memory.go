package limiter

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	fails        int
	windowStart  time.Time
	blockedUntil time.Time
}

// Memory is an in-process limiter with the same window and lockout rules as PG.
type Memory struct {
	mu       sync.Mutex
	entries  map[string]*memEntry
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
	pruned   time.Time
}

// NewMemory constructs an in-process limiter.
func NewMemory(window time.Duration, maxFails int, blockFor time.Duration) *Memory {
	return &Memory{
		entries:  map[string]*memEntry{},
		window:   window,
		maxFails: maxFails,
		blockFor: blockFor,
		now:      time.Now,
	}
}

func memKey(subject string, scopeHash []byte) string { return subject + "\x00" + string(scopeHash) }

// lapsed reports whether an entry no longer affects any decision.
func (m *Memory) lapsed(e *memEntry, now time.Time) bool {
	return now.Sub(e.windowStart) > m.window && !e.blockedUntil.After(now)
}

// prune drops lapsed entries at most once per window. Must be called with mu held.
func (m *Memory) prune(now time.Time) {
	if now.Sub(m.pruned) < m.window {
		return
	}
	m.pruned = now
	for k, e := range m.entries {
		if m.lapsed(e, now) {
			delete(m.entries, k)
		}
	}
}

// Allow reports whether a callback is currently allowed.
func (m *Memory) Allow(_ context.Context, subject string, scopeHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.prune(now)
	k := memKey(subject, scopeHash)
	e, ok := m.entries[k]
	if !ok {
		return true, 0, nil
	}
	if e.blockedUntil.After(now) {
		return false, e.blockedUntil.Sub(now), nil
	}
	if m.lapsed(e, now) {
		delete(m.entries, k)
	}
	return true, 0, nil
}

// Success forgets the pair.
func (m *Memory) Success(_ context.Context, subject string, scopeHash []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, memKey(subject, scopeHash))
	return nil
}

// Failure records a failed attempt.
func (m *Memory) Failure(_ context.Context, subject string, scopeHash []byte) (bool, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.prune(now)
	k := memKey(subject, scopeHash)
	e, ok := m.entries[k]
	if !ok || now.Sub(e.windowStart) > m.window {
		e = &memEntry{windowStart: now}
		m.entries[k] = e
	}
	e.fails++
	if e.fails < m.maxFails {
		return false, 0, nil
	}
	e.blockedUntil = now.Add(m.blockFor)
	return true, m.blockFor, nil
}
