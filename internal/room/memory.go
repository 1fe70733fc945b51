package room

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/whisper/anygle/internal/common"
)

// MemoryStore keeps rooms in process memory. Each room has its own mutex;
// the index locks are held only for map access.
type MemoryStore struct {
	mu    sync.RWMutex
	rooms map[string]*memRoom

	idxMu   sync.Mutex
	members map[string]string // userID -> active room id
}

type memRoom struct {
	mu       sync.Mutex
	room     Room
	messages []Message
	tally    Tally
}

// NewMemoryStore returns an empty in-memory room store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:   make(map[string]*memRoom),
		members: make(map[string]string),
	}
}

func (s *MemoryStore) lookup(id string) (*memRoom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rooms[id]
	if !ok {
		return nil, errors.Wrapf(common.ErrNotFound, "room %s", id)
	}
	return r, nil
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, r *Room) error {
	s.mu.Lock()
	if _, exists := s.rooms[r.ID]; exists {
		s.mu.Unlock()
		return errors.Errorf("room: %s already exists", r.ID)
	}
	s.rooms[r.ID] = &memRoom{room: *r}
	s.mu.Unlock()

	s.idxMu.Lock()
	s.members[r.MemberA] = r.ID
	s.members[r.MemberB] = r.ID
	s.idxMu.Unlock()
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id string) (*Room, error) {
	r, err := s.lookup(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := r.room
	return &cp, nil
}

// End implements Store.
func (s *MemoryStore) End(_ context.Context, id, endedBy string, reason EndReason) (bool, error) {
	r, err := s.lookup(id)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	if r.room.Status != StatusActive {
		r.mu.Unlock()
		return false, nil
	}
	r.room.Status = StatusEnded
	r.room.EndedBy = endedBy
	r.room.EndReason = reason
	r.room.EndedAt = time.Now()
	a, b := r.room.MemberA, r.room.MemberB
	r.mu.Unlock()

	s.idxMu.Lock()
	for _, m := range []string{a, b} {
		if s.members[m] == id {
			delete(s.members, m)
		}
	}
	s.idxMu.Unlock()
	return true, nil
}

// AppendMessage implements Store.
func (s *MemoryStore) AppendMessage(_ context.Context, m Message) (Tally, error) {
	r, err := s.lookup(m.RoomID)
	if err != nil {
		return Tally{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messages = append(r.messages, m)
	r.tally.Total++
	if m.Flagged() {
		r.tally.Flagged++
	}
	return r.tally, nil
}

// Messages implements Store.
func (s *MemoryStore) Messages(_ context.Context, roomID string, limit int) ([]Message, error) {
	r, err := s.lookup(roomID)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	msgs := r.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// ActiveRoomFor implements Store.
func (s *MemoryStore) ActiveRoomFor(_ context.Context, userID string) (string, error) {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	return s.members[userID], nil
}

// ActiveCount implements Store.
func (s *MemoryStore) ActiveCount(_ context.Context) (int64, error) {
	s.mu.RLock()
	rooms := make([]*memRoom, 0, len(s.rooms))
	for _, r := range s.rooms {
		rooms = append(rooms, r)
	}
	s.mu.RUnlock()

	var n int64
	for _, r := range rooms {
		r.mu.Lock()
		if r.room.Status == StatusActive {
			n++
		}
		r.mu.Unlock()
	}
	return n, nil
}
