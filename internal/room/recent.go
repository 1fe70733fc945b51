package room

import "sync"

// RecentWindow is the number of recent messages kept per room as report
// evidence.
const RecentWindow = 10

// Recent keeps the last RecentWindow messages of each room a local session
// has seen, sent or received. It is goroutine-safe.
type Recent struct {
	mu    sync.RWMutex
	rooms map[string]*ring
}

type ring struct {
	items []Message
	pos   int
	count int
}

// NewRecent creates an empty window.
func NewRecent() *Recent {
	return &Recent{rooms: make(map[string]*ring)}
}

// Add appends m to its room's ring, overwriting the oldest entry when full.
func (r *Recent) Add(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rb, ok := r.rooms[m.RoomID]
	if !ok {
		rb = &ring{items: make([]Message, RecentWindow)}
		r.rooms[m.RoomID] = rb
	}
	rb.items[rb.pos] = m
	rb.pos = (rb.pos + 1) % RecentWindow
	if rb.count < RecentWindow {
		rb.count++
	}
}

// Get returns the room's window oldest first. Unknown rooms yield an empty
// slice.
func (r *Recent) Get(roomID string) []Message {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rb, ok := r.rooms[roomID]
	if !ok {
		return []Message{}
	}
	out := make([]Message, rb.count)
	start := (rb.pos - rb.count + RecentWindow) % RecentWindow
	for i := 0; i < rb.count; i++ {
		out[i] = rb.items[(start+i)%RecentWindow]
	}
	return out
}

// Remove drops a room's window.
func (r *Recent) Remove(roomID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.rooms, roomID)
}
