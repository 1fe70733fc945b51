// Package session tracks each live connection: its anonymous identity, its
// chosen preferences, the room it is in and where it sits in the connection
// state machine. Sessions are stored in Redis so any process can see
// whether a user is still connected; a memory registry serves tests.
package session

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// State is a position in the per-connection state machine:
//
//	connected -> join_requested -> (searching <-> paired) -> closed
type State string

const (
	StateConnected     State = "connected"
	StateJoinRequested State = "join_requested"
	StateSearching     State = "searching"
	StatePaired        State = "paired"
	StateClosed        State = "closed"
)

// transitions lists the allowed moves. Any state may close. A session
// falls back to connected when its join is rejected, when it times out of
// the queue or when its partner leaves.
var transitions = map[State][]State{
	StateConnected:     {StateJoinRequested},
	StateJoinRequested: {StateSearching, StateConnected},
	StateSearching:     {StatePaired, StateSearching, StateJoinRequested, StateConnected},
	StatePaired:        {StateSearching, StateJoinRequested, StateConnected},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	if from == StateClosed {
		return false
	}
	if to == StateClosed {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Status is the coarse identity status exposed to other components.
func (s State) Status() string {
	switch s {
	case StateSearching:
		return "queued"
	case StatePaired:
		return "paired"
	}
	return "idle"
}

// TransitionError rejects a move the state machine does not allow.
type TransitionError struct {
	From, To State
}

func (e *TransitionError) Error() string {
	return "session: invalid transition " + string(e.From) + " -> " + string(e.To)
}

// IsTransitionError reports whether err is a rejected transition.
func IsTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}

// Session is the stored state of one connection.
type Session struct {
	ID          string `redis:"id"`
	State       State  `redis:"state"`
	RoomID      string `redis:"room_id"`    // empty if not in a room
	Server      string `redis:"server"`     // which WS server instance
	AgeCategory string `redis:"age"`        // teen | adult
	Mode        string `redis:"mode"`       // text | voice | video
	QueueType   string `redis:"queue_type"` // moderated | unmoderated
	Interests   string `redis:"interests"`  // comma-separated
	CreatedAt   int64  `redis:"created_at"`
	LastActive  int64  `redis:"last_active"`
}

// InterestList splits the stored interests.
func (s *Session) InterestList() []string {
	if s.Interests == "" {
		return nil
	}
	return strings.Split(s.Interests, ",")
}

// Preferences are the matching choices made by the last join.
func (s *Session) Preferences() Preferences {
	return Preferences{
		AgeCategory: s.AgeCategory,
		Mode:        s.Mode,
		QueueType:   s.QueueType,
		Interests:   s.InterestList(),
	}
}

// Preferences are the choices carried by a join request, after profile
// merge and validation.
type Preferences struct {
	AgeCategory string
	Mode        string
	QueueType   string
	Interests   []string
}

// Registry stores sessions. Get returns nil for an unknown id.
type Registry interface {
	Create(ctx context.Context, id string) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	// Transition moves the session to state, returning a *TransitionError
	// when the move is not allowed.
	Transition(ctx context.Context, id string, to State) error
	SetPreferences(ctx context.Context, id string, p Preferences) error
	// SetRoom records the room and moves the session to paired.
	SetRoom(ctx context.Context, id, roomID string) error
	// ClearRoom forgets the room and moves the session to state.
	ClearRoom(ctx context.Context, id string, to State) error
	Delete(ctx context.Context, id string) error
	// Count is the number of live sessions.
	Count(ctx context.Context) (int64, error)
}
