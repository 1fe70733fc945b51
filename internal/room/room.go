// Package room holds the two-member conversation created by the matching
// engine and the ordered message log the relay appends to it.
package room

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Status is the lifecycle state of a Room. Ended is terminal.
type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

// EndReason records why a Room ended.
type EndReason string

const (
	ReasonSkipped    EndReason = "skipped"
	ReasonReported   EndReason = "reported"
	ReasonDisconnect EndReason = "disconnect"
	ReasonModeration EndReason = "moderation"
)

// Room pairs exactly two users for one conversation.
type Room struct {
	ID              string    `json:"id"`
	MemberA         string    `json:"member_a"`
	MemberB         string    `json:"member_b"`
	Mode            string    `json:"mode"`
	QueueType       string    `json:"queue_type"`
	SharedInterests []string  `json:"shared_interests,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	Status          Status    `json:"status"`
	EndedBy         string    `json:"ended_by,omitempty"`
	EndReason       EndReason `json:"end_reason,omitempty"`
	EndedAt         time.Time `json:"ended_at,omitempty"`
}

// New returns an active room with a fresh id.
func New(memberA, memberB, mode, queueType string, shared []string) *Room {
	return &Room{
		ID:              uuid.New().String(),
		MemberA:         memberA,
		MemberB:         memberB,
		Mode:            mode,
		QueueType:       queueType,
		SharedInterests: shared,
		CreatedAt:       time.Now(),
		Status:          StatusActive,
	}
}

// Partner returns the other member, or "" if userID is not a member.
func (r *Room) Partner(userID string) string {
	switch userID {
	case r.MemberA:
		return r.MemberB
	case r.MemberB:
		return r.MemberA
	}
	return ""
}

// IsMember reports whether userID belongs to the room.
func (r *Room) IsMember(userID string) bool {
	return userID == r.MemberA || userID == r.MemberB
}

// Active reports whether the room has not ended.
func (r *Room) Active() bool {
	return r.Status == StatusActive
}

// Message is one chat line in a room. It is immutable after append except
// for a reviewer override of ModerationStatus in the audit store.
type Message struct {
	ID               string    `json:"id"`
	RoomID           string    `json:"room_id"`
	SenderID         string    `json:"sender_id"`
	Content          string    `json:"content"`
	SentAt           time.Time `json:"sent_at"`
	ModerationStatus string    `json:"moderation_status"`
	Severity         string    `json:"severity,omitempty"`
	Flags            []string  `json:"flags,omitempty"`
	ToxicityScore    float64   `json:"toxicity_score"`
	Delivered        bool      `json:"delivered"`
}

// NewMessageID returns a lexically sortable message id.
func NewMessageID() string {
	return ulid.Make().String()
}

// Flagged reports whether the scoring pass marked the message.
func (m Message) Flagged() bool {
	return m.ModerationStatus == "flagged" || m.ModerationStatus == "blocked"
}

// Tally counts the messages of a room for the chat-level block check.
type Tally struct {
	Total   int
	Flagged int
}

// Store owns Rooms and their Messages.
type Store interface {
	// Create stores an active room and indexes both members.
	Create(ctx context.Context, r *Room) error
	// Get returns common.ErrNotFound for an unknown id.
	Get(ctx context.Context, id string) (*Room, error)
	// End moves an active room to ended. It reports true only for the call
	// that performed the transition.
	End(ctx context.Context, id, endedBy string, reason EndReason) (bool, error)
	// AppendMessage adds m to the room log and returns the updated tally.
	AppendMessage(ctx context.Context, m Message) (Tally, error)
	// Messages returns up to limit of the most recent messages, oldest first.
	Messages(ctx context.Context, roomID string, limit int) ([]Message, error)
	// ActiveRoomFor returns the id of userID's active room or "".
	ActiveRoomFor(ctx context.Context, userID string) (string, error)
	ActiveCount(ctx context.Context) (int64, error)
}
