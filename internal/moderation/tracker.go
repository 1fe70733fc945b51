package moderation

import (
	"context"
	"sync"
)

const (
	// WarningsPerBlock is the warning count that converts into a block.
	WarningsPerBlock = 3
	// BlocksToBan is the block count at which a user is banned.
	BlocksToBan = 2
)

// Tracker owns per-user ModerationState. Warn is an atomic
// increment-and-read: it adds one warning and, when the count reaches
// WarningsPerBlock, resets warnings to zero and adds one block, returning
// the resulting counters. rolled is true when this call produced a block.
type Tracker interface {
	Warn(ctx context.Context, userID string) (state State, rolled bool, err error)
	Get(ctx context.Context, userID string) (State, error)
	Reset(ctx context.Context, userID string) error
}

// MemoryTracker keeps counters in process memory. Each user has its own
// mutex; the map lock is held only to find or create that entry.
type MemoryTracker struct {
	mu    sync.Mutex
	users map[string]*userState
}

type userState struct {
	mu    sync.Mutex
	state State
}

// NewMemoryTracker returns an empty in-memory tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{users: make(map[string]*userState)}
}

func (t *MemoryTracker) entry(userID string) *userState {
	t.mu.Lock()
	defer t.mu.Unlock()
	u, ok := t.users[userID]
	if !ok {
		u = &userState{}
		t.users[userID] = u
	}
	return u
}

// Warn implements Tracker.
func (t *MemoryTracker) Warn(_ context.Context, userID string) (State, bool, error) {
	u := t.entry(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	u.state.Warnings++
	rolled := false
	if u.state.Warnings >= WarningsPerBlock {
		u.state.Warnings = 0
		u.state.Blocks++
		rolled = true
	}
	return u.state, rolled, nil
}

// Get implements Tracker.
func (t *MemoryTracker) Get(_ context.Context, userID string) (State, error) {
	u := t.entry(userID)
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state, nil
}

// Reset implements Tracker.
func (t *MemoryTracker) Reset(_ context.Context, userID string) error {
	u := t.entry(userID)
	u.mu.Lock()
	u.state = State{}
	u.mu.Unlock()
	return nil
}
