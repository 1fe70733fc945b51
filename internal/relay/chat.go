package relay

import (
	"context"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/whisper/anygle/internal/audit"
	"github.com/whisper/anygle/internal/common"
	"github.com/whisper/anygle/internal/messaging"
	"github.com/whisper/anygle/internal/metrics"
	"github.com/whisper/anygle/internal/moderation"
	"github.com/whisper/anygle/internal/protocol"
	"github.com/whisper/anygle/internal/ratelimit"
	"github.com/whisper/anygle/internal/room"
	"github.com/whisper/anygle/internal/session"
)

const moderationEndNotice = "This chat has been ended for violating community guidelines."

// handleChat moderates a chat line and forwards it when allowed. It
// returns common.ErrNotPaired for a session without a room.
func (r *Relay) handleChat(ctx context.Context, c *client, m protocol.ChatMsg) error {
	if !c.paired() {
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return common.ErrNotPaired
	}
	if err := m.Validate(); err != nil {
		r.sendError(c, protocol.CodeValidation, err.Error())
		return nil
	}
	if !r.allow(ctx, c, ratelimit.RuleMessage) {
		r.sendError(c, protocol.CodeRateLimited, "slow down")
		return nil
	}

	r.inflight.Add(1)
	defer r.inflight.Done()
	start := time.Now()
	defer func() { metrics.MessageLatency.Observe(time.Since(start).Seconds()) }()

	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	d, err := r.Moderation.Moderate(opCtx, m.Content, c.id, c.profile())
	if err != nil {
		jww.ERROR.Printf("[relay] moderate %s: %v", c.id, err)
		if errors.Is(err, common.ErrStoreUnavailable) {
			r.sendError(c, protocol.CodeServiceUnavailable, "message could not be checked, try again")
		}
		metrics.MessagesTotal.WithLabelValues("dropped").Inc()
		return nil
	}

	msg := room.Message{
		ID:               room.NewMessageID(),
		RoomID:           c.roomID,
		SenderID:         c.id,
		Content:          m.Content,
		SentAt:           time.Now(),
		ModerationStatus: string(d.Score.Status),
		Severity:         string(d.Severity),
		Flags:            d.Score.Flags,
		ToxicityScore:    d.Score.Value,
		Delivered:        d.Allowed,
	}
	tally, appendErr := r.Rooms.AppendMessage(opCtx, msg)
	if appendErr != nil {
		jww.WARN.Printf("[relay] append message room=%s: %v", msg.RoomID, appendErr)
	}
	r.recent.Add(msg)
	if r.Persister != nil {
		if err := r.Persister.PersistMessage(opCtx, msg); err != nil {
			jww.WARN.Printf("[relay] persist message %s: %v", msg.ID, err)
		}
	}
	if r.Escalator != nil && d.Score.NeedsReview() {
		esc := moderation.Escalation{
			MessageID: msg.ID,
			RoomID:    msg.RoomID,
			UserID:    c.id,
			Excerpt:   excerpt(msg.Content),
			Flags:     d.Score.Flags,
			Score:     d.Score.Value,
			At:        msg.SentAt.UnixMilli(),
		}
		if err := r.Escalator.Escalate(opCtx, esc); err != nil {
			jww.ERROR.Printf("[relay] escalate %s: %v", msg.ID, err)
		}
	}

	if d.Allowed {
		wire := chatWire(msg)
		if err := messaging.SendToUser(r.Bus, c.partnerID, c.id, msg.RoomID, wire); err != nil {
			jww.WARN.Printf("[relay] forward to %s: %v", c.partnerID, err)
		}
		_ = c.conn.Send(wire)
	}

	switch d.Action {
	case moderation.ActionBan:
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		r.sendError(c, protocol.CodeBanned, d.Reason)
		return errClose
	case moderation.ActionBlock:
		metrics.MessagesTotal.WithLabelValues("blocked").Inc()
		_ = c.conn.Send(protocol.ModerationWarningMsg{Message: d.Reason, Severity: string(d.Severity)})
	case moderation.ActionWarn:
		metrics.MessagesTotal.WithLabelValues("warned").Inc()
		_ = c.conn.Send(protocol.ModerationWarningMsg{Message: d.Reason, Severity: string(d.Severity)})
	default:
		metrics.MessagesTotal.WithLabelValues("relayed").Inc()
		if msg.Flagged() {
			// Relayed, but the audit pass flagged it.
			_ = c.conn.Send(protocol.ModerationWarningMsg{
				Message:  moderation.SafetyMessage(d.Score.Flags),
				Severity: string(moderation.SeverityLow),
			})
		}
	}

	if appendErr == nil && moderation.ShouldBlockChat(tally.Total, tally.Flagged) {
		r.endForModeration(opCtx, c)
	}
	return nil
}

// endForModeration closes a room whose history is too toxic. Both members
// return to connected.
func (r *Relay) endForModeration(ctx context.Context, c *client) {
	jww.WARN.Printf("[relay] ending room %s for moderation", c.roomID)
	r.endRoom(ctx, c, c.roomID, c.partnerID, room.ReasonModeration, protocol.PartnerSkippedMsg{})
	if err := r.Sessions.ClearRoom(ctx, c.id, session.StateConnected); err != nil {
		jww.WARN.Printf("[relay] clear room %s: %v", c.id, err)
	}
	c.state = session.StateConnected
	_ = c.conn.Send(protocol.ModerationWarningMsg{Message: moderationEndNotice, Severity: string(moderation.SeverityHigh)})
}

func chatWire(m room.Message) protocol.ServerChatMsg {
	return protocol.ServerChatMsg{
		ID:               m.ID,
		RoomID:           m.RoomID,
		SenderID:         m.SenderID,
		Content:          m.Content,
		SentAt:           m.SentAt.UnixMilli(),
		ModerationStatus: m.ModerationStatus,
		Severity:         m.Severity,
		Flags:            m.Flags,
	}
}

func excerpt(s string) string {
	const n = 200
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// forwardIndicator relays typing and toggle state verbatim.
func (r *Relay) forwardIndicator(ctx context.Context, c *client, msg protocol.ServerMessage) error {
	if !c.paired() {
		return common.ErrNotPaired
	}
	if !r.allow(ctx, c, ratelimit.RuleSignal) {
		return nil
	}
	metrics.SignalsTotal.WithLabelValues(msg.ServerType()).Inc()
	if err := messaging.SendToUser(r.Bus, c.partnerID, c.id, c.roomID, msg); err != nil {
		jww.DEBUG.Printf("[relay] forward %s to %s: %v", msg.ServerType(), c.partnerID, err)
	}
	return nil
}

// handleSignal relays a WebRTC payload without inspecting it.
func (r *Relay) handleSignal(ctx context.Context, c *client, m protocol.SignalMsg) error {
	if !c.paired() {
		return common.ErrNotPaired
	}
	if err := m.Validate(); err != nil {
		r.sendError(c, protocol.CodeValidation, err.Error())
		return nil
	}
	return r.forwardIndicator(ctx, c, protocol.ServerSignalMsg{Kind: m.Kind, Payload: m.Payload})
}

// handleReport records a report against the partner, ends the room and
// puts the reporter back in the queue.
func (r *Relay) handleReport(ctx context.Context, c *client, m protocol.ReportMsg) error {
	if !c.paired() {
		return common.ErrNotPaired
	}
	if err := m.Validate(); err != nil {
		r.sendError(c, protocol.CodeValidation, err.Error())
		return nil
	}

	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	roomID, reported := c.roomID, c.partnerID
	evidence, err := r.Rooms.Messages(opCtx, roomID, room.RecentWindow)
	if err != nil {
		jww.WARN.Printf("[relay] load evidence room=%s: %v", roomID, err)
		evidence = r.recent.Get(roomID)
	}

	if r.Persister != nil {
		rep := audit.Report{
			RoomID:     roomID,
			ReporterID: c.id,
			ReportedID: reported,
			Reason:     m.Reason,
			MessageID:  m.MessageID,
			Messages:   audit.Snapshot(evidence, c.id),
		}
		if err := r.Persister.PersistReport(opCtx, rep); err != nil {
			jww.WARN.Printf("[relay] persist report room=%s: %v", roomID, err)
		}
	}
	if r.Reports != nil {
		banned, d, err := r.Reports.ReportAndCheck(opCtx, reported, m.Reason)
		switch {
		case err != nil:
			jww.WARN.Printf("[relay] record report against %s: %v", reported, err)
		case banned:
			jww.WARN.Printf("[relay] %s auto-banned after reports (%s)", reported, d)
		}
	}

	jww.INFO.Printf("[relay] %s reported %s reason=%s", c.id, reported, m.Reason)
	r.leaveAndSearch(opCtx, c, room.ReasonReported)
	return nil
}
