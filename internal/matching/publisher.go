package matching

import (
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/whisper/anygle/internal/messaging"
	"github.com/whisper/anygle/internal/protocol"
	"github.com/whisper/anygle/internal/room"
)

// Notifier delivers engine events to users, wherever they are connected.
type Notifier interface {
	Matched(r *room.Room, a, b Entry, initiatorID string) error
	LeftQueue(userID, reason string) error
}

// BusNotifier publishes engine events on each user's bus subject.
type BusNotifier struct {
	bus messaging.Bus
}

// NewBusNotifier creates a notifier over bus.
func NewBusNotifier(bus messaging.Bus) *BusNotifier {
	return &BusNotifier{bus: bus}
}

// Matched sends each member a matched event describing the other.
func (n *BusNotifier) Matched(r *room.Room, a, b Entry, initiatorID string) error {
	toA := protocol.MatchedMsg{
		RoomID:           r.ID,
		PartnerID:        b.UserID,
		IsInitiator:      initiatorID == a.UserID,
		Mode:             r.Mode,
		SharedInterests:  r.SharedInterests,
		PartnerInterests: b.Interests,
	}
	if err := messaging.SendToUser(n.bus, a.UserID, "", r.ID, toA); err != nil {
		return errors.Wrapf(err, "matching: notify %s", a.UserID)
	}

	toB := protocol.MatchedMsg{
		RoomID:           r.ID,
		PartnerID:        a.UserID,
		IsInitiator:      initiatorID == b.UserID,
		Mode:             r.Mode,
		SharedInterests:  r.SharedInterests,
		PartnerInterests: a.Interests,
	}
	if err := messaging.SendToUser(n.bus, b.UserID, "", r.ID, toB); err != nil {
		return errors.Wrapf(err, "matching: notify %s", b.UserID)
	}

	jww.INFO.Printf("[matcher] match published: room=%s a=%s b=%s shared=%v initiator=%s",
		r.ID, a.UserID, b.UserID, r.SharedInterests, initiatorID)
	return nil
}

// LeftQueue tells a user they were removed from the queue.
func (n *BusNotifier) LeftQueue(userID, reason string) error {
	return messaging.SendToUser(n.bus, userID, "", "", protocol.LeftQueueMsg{Reason: reason})
}
