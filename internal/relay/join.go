package relay

import (
	"context"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/whisper/anygle/internal/ban"
	"github.com/whisper/anygle/internal/common"
	"github.com/whisper/anygle/internal/identity"
	"github.com/whisper/anygle/internal/matching"
	"github.com/whisper/anygle/internal/messaging"
	"github.com/whisper/anygle/internal/protocol"
	"github.com/whisper/anygle/internal/ratelimit"
	"github.com/whisper/anygle/internal/room"
	"github.com/whisper/anygle/internal/session"
)

func (r *Relay) handleJoin(ctx context.Context, c *client, m protocol.JoinMsg) error {
	if c.paired() {
		r.sendError(c, protocol.CodeInvalidState, "already in a room, skip first")
		return nil
	}
	if err := m.Validate(); err != nil {
		r.sendError(c, protocol.CodeValidation, err.Error())
		return nil
	}
	if !r.allow(ctx, c, ratelimit.RuleJoin) {
		r.sendError(c, protocol.CodeRateLimited, "too many join requests")
		return nil
	}

	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	if r.matchPending(opCtx, c) {
		r.sendError(c, protocol.CodeInvalidState, "match in progress")
		return nil
	}

	r.stopSearching(c)
	r.setState(opCtx, c, session.StateJoinRequested)

	if err := ban.Admit(opCtx, r.Bans, c.id); err != nil {
		if errors.Is(err, common.ErrBanned) {
			jww.WARN.Printf("[relay] join refused: %v", err)
			r.sendError(c, protocol.CodeBanned, "you have been banned")
			return errClose
		}
		jww.ERROR.Printf("[relay] ban check %s: %v", c.id, err)
		r.sendError(c, protocol.CodeServiceUnavailable, "service temporarily unavailable")
		r.setState(opCtx, c, session.StateConnected)
		return nil
	}

	prefs := session.Preferences{
		AgeCategory: r.ageCategory(opCtx, c, m),
		Mode:        m.Mode,
		QueueType:   m.QueueType,
		Interests:   m.Interests,
	}
	if err := r.Sessions.SetPreferences(opCtx, c.id, prefs); err != nil {
		jww.WARN.Printf("[relay] store preferences %s: %v", c.id, err)
	}
	c.prefs = prefs
	c.joined = true

	if err := r.Moderation.ResetUser(opCtx, c.id); err != nil {
		jww.WARN.Printf("[relay] reset moderation %s: %v", c.id, err)
	}
	r.enterQueue(opCtx, c)
	return nil
}

// matchPending reports whether the user's queue entry was claimed into a
// room whose matched event has not been handled yet.
func (r *Relay) matchPending(ctx context.Context, c *client) bool {
	if c.state != session.StateSearching {
		return false
	}
	entry, err := r.Engine.Queue().Lookup(ctx, c.id)
	if err != nil || entry != nil {
		return false
	}
	roomID, err := r.Rooms.ActiveRoomFor(ctx, c.id)
	if err != nil {
		jww.WARN.Printf("[relay] active room lookup %s: %v", c.id, err)
		return false
	}
	return roomID != ""
}

// ageCategory merges the join payload with the external profile. A known
// profile age always wins over the client's claim.
func (r *Relay) ageCategory(ctx context.Context, c *client, m protocol.JoinMsg) string {
	if r.Profiles != nil {
		prof, err := r.Profiles.GetProfile(ctx, c.id)
		switch {
		case err == nil && prof.AgeCategory != "":
			return prof.AgeCategory
		case err != nil && !errors.Is(err, common.ErrNotFound):
			jww.WARN.Printf("[relay] profile lookup %s: %v", c.id, err)
		}
	}
	if c.ident.Profile.AgeCategory != "" {
		return c.ident.Profile.AgeCategory
	}
	return m.AgeCategory
}

// enterQueue enqueues the session with its current preferences and tries
// an immediate pairing. On success the matched event arrives on the bus.
func (r *Relay) enterQueue(ctx context.Context, c *client) {
	r.setState(ctx, c, session.StateSearching)

	entry := matching.Entry{
		UserID:      c.id,
		AgeCategory: c.prefs.AgeCategory,
		Mode:        c.prefs.Mode,
		QueueType:   c.prefs.QueueType,
		Interests:   c.prefs.Interests,
	}
	rm, stored, err := r.Engine.Join(ctx, entry)
	if err != nil {
		jww.ERROR.Printf("[relay] enqueue %s: %v", c.id, err)
		r.sendError(c, protocol.CodeServiceUnavailable, "matching temporarily unavailable")
		r.setState(ctx, c, session.StateConnected)
		return
	}
	if rm != nil {
		return
	}

	r.sendPosition(ctx, c, stored.Key())
	r.startSearching(c, stored.Key())
}

func (r *Relay) sendPosition(ctx context.Context, c *client, key matching.PartitionKey) {
	pos, err := r.Engine.Queue().Position(ctx, key, c.id)
	if err != nil {
		jww.DEBUG.Printf("[relay] queue position %s: %v", c.id, err)
		return
	}
	if pos <= 0 {
		return
	}
	_ = c.conn.Send(protocol.SearchingMsg{
		Position:             int(pos),
		EstimatedWaitSeconds: protocol.EstimatedWait(int(pos)),
	})
}

// startSearching sends periodic position updates until stopSearching.
func (r *Relay) startSearching(c *client, key matching.PartitionKey) {
	r.stopSearching(c)
	if r.cfg.QueueUpdateInterval <= 0 {
		return
	}
	stop := make(chan struct{})
	c.stopSearch = stop

	go func() {
		ticker := time.NewTicker(r.cfg.QueueUpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
			c.mu.Lock()
			if c.stopSearch != stop || c.state != session.StateSearching {
				c.mu.Unlock()
				return
			}
			ctx, cancel := r.opContext(context.Background())
			r.sendPosition(ctx, c, key)
			cancel()
			c.mu.Unlock()
		}
	}()
}

func (r *Relay) stopSearching(c *client) {
	if c.stopSearch != nil {
		close(c.stopSearch)
		c.stopSearch = nil
	}
}

// handleSkip ends the current room and searches again with the same
// preferences. While searching it retries matching immediately.
func (r *Relay) handleSkip(ctx context.Context, c *client) error {
	if !r.allow(ctx, c, ratelimit.RuleJoin) {
		r.sendError(c, protocol.CodeRateLimited, "too many skip requests")
		return nil
	}
	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	switch {
	case c.paired():
		r.leaveAndSearch(opCtx, c, room.ReasonSkipped)
	case c.state == session.StateSearching:
		rm, err := r.Engine.TryMatch(opCtx, c.id)
		if err != nil {
			jww.WARN.Printf("[relay] retry match %s: %v", c.id, err)
		}
		if rm == nil {
			r.sendPosition(opCtx, c, matching.PartitionKey{
				AgeCategory: c.prefs.AgeCategory, Mode: c.prefs.Mode, QueueType: c.prefs.QueueType,
			})
		}
	default:
		r.sendError(c, protocol.CodeInvalidState, "not in a room or queue")
	}
	return nil
}

// leaveAndSearch ends the active room with reason, notifies the partner
// with partner_skipped and re-enters the queue.
func (r *Relay) leaveAndSearch(ctx context.Context, c *client, reason room.EndReason) {
	r.endRoom(ctx, c, c.roomID, c.partnerID, reason, protocol.PartnerSkippedMsg{})
	if err := r.Sessions.ClearRoom(ctx, c.id, session.StateSearching); err != nil {
		jww.WARN.Printf("[relay] clear room %s: %v", c.id, err)
	}
	c.state = session.StateSearching
	if err := r.Moderation.ResetUser(ctx, c.id); err != nil {
		jww.WARN.Printf("[relay] reset moderation %s: %v", c.id, err)
	}
	r.enterQueue(ctx, c)
}

// onMatched binds the session to a new room. A room that already ended,
// or whose partner session no longer exists, is dropped and the user keeps
// searching.
func (r *Relay) onMatched(ctx context.Context, c *client, roomID string, m protocol.MatchedMsg) {
	if c.paired() {
		if roomID != c.roomID {
			r.dropExtraRoom(ctx, c, roomID, m.PartnerID)
		}
		return
	}

	rm, err := r.Rooms.Get(ctx, roomID)
	switch {
	case errors.Is(err, common.ErrNotFound), err == nil && !rm.Active():
		jww.INFO.Printf("[relay] room %s ended before %s bound to it, searching again", roomID, c.id)
		r.requeueOrIdle(ctx, c)
		return
	case err != nil:
		jww.WARN.Printf("[relay] load room %s: %v", roomID, err)
	}

	partner, err := r.Sessions.Get(ctx, m.PartnerID)
	if err != nil {
		jww.WARN.Printf("[relay] partner session %s: %v", m.PartnerID, err)
	}
	if err == nil && partner == nil {
		jww.INFO.Printf("[relay] partner %s vanished before room %s, searching again", m.PartnerID, roomID)
		if _, err := r.Rooms.End(ctx, roomID, m.PartnerID, room.ReasonDisconnect); err != nil {
			jww.WARN.Printf("[relay] end orphan room %s: %v", roomID, err)
		}
		r.requeueOrIdle(ctx, c)
		return
	}

	r.stopSearching(c)
	c.roomID = roomID
	c.partnerID = m.PartnerID
	if err := r.Sessions.SetRoom(ctx, c.id, roomID); err != nil {
		jww.WARN.Printf("[relay] set room %s: %v", c.id, err)
	}
	c.state = session.StatePaired
	if err := r.Moderation.ResetUser(ctx, c.id); err != nil {
		jww.WARN.Printf("[relay] reset moderation %s: %v", c.id, err)
	}
	_ = c.conn.Send(m)
}

// dropExtraRoom ends a room opened for c while c was bound to another one.
// The other member gets partner_skipped, and any queue entry c still holds
// is removed.
func (r *Relay) dropExtraRoom(ctx context.Context, c *client, roomID, partnerID string) {
	jww.WARN.Printf("[relay] %s matched into %s while in %s, ending it", c.id, roomID, c.roomID)
	ended, err := r.Rooms.End(ctx, roomID, c.id, room.ReasonSkipped)
	if err != nil {
		jww.WARN.Printf("[relay] end extra room %s: %v", roomID, err)
	}
	if ended {
		if err := messaging.SendToUser(r.Bus, partnerID, c.id, roomID, protocol.PartnerSkippedMsg{}); err != nil {
			jww.WARN.Printf("[relay] notify %s of extra room %s: %v", partnerID, roomID, err)
		}
	}
	if err := r.Engine.Leave(ctx, c.id); err != nil {
		jww.WARN.Printf("[relay] leave queue %s: %v", c.id, err)
	}
}

// requeueOrIdle puts a joined session back in the queue, otherwise back to
// connected.
func (r *Relay) requeueOrIdle(ctx context.Context, c *client) {
	if c.joined {
		r.enterQueue(ctx, c)
		return
	}
	if c.state != session.StateConnected {
		r.setState(ctx, c, session.StateConnected)
	}
}

// onLeftQueue handles a stale-queue eviction.
func (r *Relay) onLeftQueue(ctx context.Context, c *client, m protocol.LeftQueueMsg) {
	if c.state != session.StateSearching {
		return
	}
	r.stopSearching(c)
	r.setState(ctx, c, session.StateConnected)
	_ = c.conn.Send(m)
}

// profile is the moderation profile of the session.
func (c *client) profile() identity.Profile {
	return identity.Profile{AgeCategory: c.prefs.AgeCategory, Interests: c.prefs.Interests}
}
