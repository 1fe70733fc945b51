package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/whisper/anygle/internal/common"
)

// MemoryRegistry is an in-process Registry.
type MemoryRegistry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewMemoryRegistry returns an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{sessions: make(map[string]*Session)}
}

// Create implements Registry.
func (r *MemoryRegistry) Create(_ context.Context, id string) (*Session, error) {
	now := time.Now().Unix()
	sess := &Session{ID: id, State: StateConnected, CreatedAt: now, LastActive: now}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[id] = sess
	cp := *sess
	return &cp, nil
}

// Get implements Registry.
func (r *MemoryRegistry) Get(_ context.Context, id string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, nil
	}
	cp := *sess
	return &cp, nil
}

func (r *MemoryRegistry) update(id string, fn func(*Session) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	if !ok {
		return errors.Wrapf(common.ErrNotFound, "session %s", id)
	}
	if err := fn(sess); err != nil {
		return err
	}
	sess.LastActive = time.Now().Unix()
	return nil
}

// Transition implements Registry.
func (r *MemoryRegistry) Transition(_ context.Context, id string, to State) error {
	return r.update(id, func(s *Session) error {
		if !CanTransition(s.State, to) {
			return &TransitionError{From: s.State, To: to}
		}
		s.State = to
		return nil
	})
}

// SetPreferences implements Registry.
func (r *MemoryRegistry) SetPreferences(_ context.Context, id string, p Preferences) error {
	return r.update(id, func(s *Session) error {
		s.AgeCategory = p.AgeCategory
		s.Mode = p.Mode
		s.QueueType = p.QueueType
		s.Interests = strings.Join(p.Interests, ",")
		return nil
	})
}

// SetRoom implements Registry.
func (r *MemoryRegistry) SetRoom(_ context.Context, id, roomID string) error {
	return r.update(id, func(s *Session) error {
		s.RoomID = roomID
		s.State = StatePaired
		return nil
	})
}

// ClearRoom implements Registry.
func (r *MemoryRegistry) ClearRoom(_ context.Context, id string, to State) error {
	return r.update(id, func(s *Session) error {
		s.RoomID = ""
		s.State = to
		return nil
	})
}

// Delete implements Registry.
func (r *MemoryRegistry) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

// Count implements Registry.
func (r *MemoryRegistry) Count(_ context.Context) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(len(r.sessions)), nil
}
