package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process fixed-window limiter for single-node runs and
// tests.
type Memory struct {
	mu      sync.Mutex
	windows map[string]window
	now     func() time.Time
}

type window struct {
	count   int
	expires time.Time
}

// NewMemory returns an empty limiter.
func NewMemory() *Memory {
	return &Memory{windows: make(map[string]window), now: time.Now}
}

// Allow implements Allower.
func (m *Memory) Allow(_ context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	w := m.windows[key]
	if !now.Before(w.expires) {
		w = window{expires: now.Add(rule.Window)}
	}
	w.count++
	m.windows[key] = w
	return w.count <= rule.Limit, nil
}

// Reset forgets every window.
func (m *Memory) Reset() {
	m.mu.Lock()
	m.windows = make(map[string]window)
	m.mu.Unlock()
}
