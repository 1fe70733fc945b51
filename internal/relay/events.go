package relay

import (
	"context"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"github.com/whisper/anygle/internal/messaging"
	"github.com/whisper/anygle/internal/protocol"
	"github.com/whisper/anygle/internal/room"
	"github.com/whisper/anygle/internal/session"
)

// onEvent handles an event published to the session's user subject.
// Partner events that do not belong to the current room are stale and
// dropped.
func (r *Relay) onEvent(c *client, ev messaging.Event) {
	msg, err := ev.Message()
	if err != nil {
		jww.WARN.Printf("[relay] bad event for %s: %v", c.id, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	ctx, cancel := r.opContext(context.Background())
	defer cancel()

	switch m := msg.(type) {
	case protocol.MatchedMsg:
		r.onMatched(ctx, c, m.RoomID, m)

	case protocol.LeftQueueMsg:
		r.onLeftQueue(ctx, c, m)

	case protocol.PartnerSkippedMsg, protocol.PartnerDisconnectedMsg:
		if !c.fromPartner(ev) {
			return
		}
		r.recent.Remove(c.roomID)
		c.roomID, c.partnerID = "", ""
		if err := r.Sessions.ClearRoom(ctx, c.id, session.StateConnected); err != nil {
			jww.WARN.Printf("[relay] clear room %s: %v", c.id, err)
		}
		c.state = session.StateConnected
		_ = c.conn.Send(msg)

	case protocol.ServerChatMsg:
		if !c.fromPartner(ev) {
			return
		}
		r.recent.Add(room.Message{
			ID:               m.ID,
			RoomID:           m.RoomID,
			SenderID:         m.SenderID,
			Content:          m.Content,
			SentAt:           time.UnixMilli(m.SentAt),
			ModerationStatus: m.ModerationStatus,
			Severity:         m.Severity,
			Flags:            m.Flags,
			Delivered:        true,
		})
		_ = c.conn.Send(m)

	default:
		if !c.fromPartner(ev) {
			return
		}
		if err := c.conn.Send(msg); err != nil {
			jww.DEBUG.Printf("[relay] deliver %s to %s: %v", ev.Type, c.id, err)
		}
	}
}

func (c *client) fromPartner(ev messaging.Event) bool {
	return c.paired() && ev.RoomID == c.roomID && ev.From == c.partnerID
}
