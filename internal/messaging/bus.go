package messaging

import (
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/whisper/anygle/internal/protocol"
)

// Subjects shared by the anygle services.
const (
	SubjectUser         = "user"                  // + .<user_id>, events addressed to one user
	SubjectAuditMessage = "audit.message"         // persisted chat messages
	SubjectAuditReport  = "audit.report"          // persisted reports
	SubjectEscalation   = "moderation.escalation" // reviewer escalations
)

// UserSubject returns the subject a user's connection listens on.
func UserSubject(userID string) string {
	return SubjectUser + "." + userID
}

// Bus is a subject-addressed publish/subscribe transport. Recipients may be
// attached to a different process than the sender.
type Bus interface {
	Publish(subject string, data []byte) error
	// Subscribe registers handler for subject. The returned function
	// removes the subscription.
	Subscribe(subject string, handler func(data []byte)) (func() error, error)
	Close()
}

// Event is a server message addressed to a single user.
type Event struct {
	Type   string          `json:"type"`
	From   string          `json:"from,omitempty"`
	RoomID string          `json:"roomId,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// NewEvent wraps msg, sent by from within roomID.
func NewEvent(from, roomID string, msg protocol.ServerMessage) (Event, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return Event{}, errors.Wrapf(err, "messaging: marshal %s", msg.ServerType())
	}
	return Event{Type: msg.ServerType(), From: from, RoomID: roomID, Data: data}, nil
}

// Message decodes the wrapped server message.
func (e Event) Message() (protocol.ServerMessage, error) {
	return protocol.DecodeServer(e.Type, e.Data)
}

// SendToUser publishes msg on the recipient's user subject.
func SendToUser(bus Bus, userID, from, roomID string, msg protocol.ServerMessage) error {
	ev, err := NewEvent(from, roomID, msg)
	if err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "messaging: marshal event")
	}
	if err := bus.Publish(UserSubject(userID), data); err != nil {
		return errors.Wrapf(err, "messaging: publish to %s", userID)
	}
	return nil
}

// SubscribeUser delivers decoded events for userID to handler. Frames that
// do not decode are dropped.
func SubscribeUser(bus Bus, userID string, handler func(Event)) (func() error, error) {
	return bus.Subscribe(UserSubject(userID), func(data []byte) {
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			return
		}
		handler(ev)
	})
}
