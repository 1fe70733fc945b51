// Package relay owns the per-connection lifecycle: it turns client frames
// into queue, room and moderation operations, and delivers partner events
// that arrive on the bus. A relay never assumes the partner is attached
// to the same process.
package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/whisper/anygle/internal/audit"
	"github.com/whisper/anygle/internal/ban"
	"github.com/whisper/anygle/internal/common"
	"github.com/whisper/anygle/internal/identity"
	"github.com/whisper/anygle/internal/matching"
	"github.com/whisper/anygle/internal/messaging"
	"github.com/whisper/anygle/internal/metrics"
	"github.com/whisper/anygle/internal/moderation"
	"github.com/whisper/anygle/internal/protocol"
	"github.com/whisper/anygle/internal/ratelimit"
	"github.com/whisper/anygle/internal/room"
	"github.com/whisper/anygle/internal/session"
)

// ErrDraining is returned by Connect once Shutdown has started.
var ErrDraining = errors.New("relay: shutting down")

// Conn is the transport half of a session. Send must be safe for
// concurrent use.
type Conn interface {
	Send(msg protocol.ServerMessage) error
	Close() error
}

// Persister receives the durable audit record of allowed traffic.
type Persister interface {
	PersistMessage(ctx context.Context, m room.Message) error
	PersistReport(ctx context.Context, r audit.Report) error
}

// Escalator forwards blocked minor-safety messages to human review.
type Escalator interface {
	Escalate(ctx context.Context, e moderation.Escalation) error
}

// Deps are the collaborators of a Relay. Persister, Escalator, Bans,
// Reports, Profiles and Limiter are optional.
type Deps struct {
	Sessions   session.Registry
	Engine     *matching.Engine
	Rooms      room.Store
	Moderation *moderation.Pipeline
	Bus        messaging.Bus

	Persister Persister
	Escalator Escalator
	Bans      ban.Checker
	Reports   ban.Reporter
	Profiles  identity.ProfileSource
	Limiter   ratelimit.Allower
}

// Config tunes a Relay.
type Config struct {
	// QueueUpdateInterval is how often a searching client gets its queue
	// position. Zero disables the updates.
	QueueUpdateInterval time.Duration
	// OpTimeout bounds each store call made on behalf of a frame.
	OpTimeout time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{QueueUpdateInterval: time.Second, OpTimeout: 3 * time.Second}
}

// Relay routes frames and events for every session attached to this
// process.
type Relay struct {
	Deps
	cfg    Config
	recent *room.Recent

	mu      sync.RWMutex
	clients map[string]*client

	inflight sync.WaitGroup
	draining atomic.Bool
}

// New builds a Relay.
func New(deps Deps, cfg Config) *Relay {
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = DefaultConfig().OpTimeout
	}
	return &Relay{
		Deps:    deps,
		cfg:     cfg,
		recent:  room.NewRecent(),
		clients: make(map[string]*client),
	}
}

// client is the local state of one session. mu serializes frame handling
// and bus event handling for the session.
type client struct {
	id    string
	ident identity.Identity
	conn  Conn

	mu        sync.Mutex
	state     session.State
	prefs     session.Preferences
	joined    bool
	roomID    string
	partnerID string
	closed    bool

	unsub      func() error
	stopSearch chan struct{}
}

func (c *client) paired() bool { return c.roomID != "" }

func (r *Relay) get(userID string) *client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clients[userID]
}

// Count is the number of sessions attached to this process.
func (r *Relay) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (r *Relay) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.cfg.OpTimeout)
}

// Connect registers a session for ident and sends connected{userId}. A
// session already attached under the same id is disconnected first.
func (r *Relay) Connect(ctx context.Context, ident identity.Identity, conn Conn) error {
	if r.draining.Load() {
		return ErrDraining
	}
	if old := r.get(ident.UserID); old != nil {
		jww.INFO.Printf("[relay] replacing session %s", ident.UserID)
		r.Disconnect(ctx, ident.UserID)
		_ = old.conn.Close()
	}

	opCtx, cancel := r.opContext(ctx)
	defer cancel()
	if _, err := r.Sessions.Create(opCtx, ident.UserID); err != nil {
		return errors.Wrap(err, "relay: create session")
	}

	c := &client{id: ident.UserID, ident: ident, conn: conn, state: session.StateConnected}
	unsub, err := messaging.SubscribeUser(r.Bus, c.id, func(ev messaging.Event) {
		r.onEvent(c, ev)
	})
	if err != nil {
		_ = r.Sessions.Delete(opCtx, c.id)
		return errors.Wrap(err, "relay: subscribe")
	}
	c.unsub = unsub

	r.mu.Lock()
	r.clients[c.id] = c
	r.mu.Unlock()
	metrics.ConnectionsTotal.Inc()

	jww.INFO.Printf("[relay] connected user=%s verified=%v", c.id, ident.Verified)
	return conn.Send(protocol.ConnectedMsg{UserID: c.id})
}

// errClose asks Handle to close the connection after releasing the
// session lock.
var errClose = errors.New("relay: close connection")

// Handle processes one decoded client frame. It returns common.ErrNotFound
// when no session is attached under userID.
func (r *Relay) Handle(ctx context.Context, userID string, msg protocol.ClientMessage) error {
	c := r.get(userID)
	if c == nil {
		return common.ErrNotFound
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	err := r.dispatch(ctx, c, msg)
	c.mu.Unlock()

	if errors.Is(err, errClose) {
		r.Disconnect(ctx, userID)
		_ = c.conn.Close()
		return nil
	}
	return err
}

// dispatch routes msg. Room-only frames from a session without a room are
// dropped.
func (r *Relay) dispatch(ctx context.Context, c *client, msg protocol.ClientMessage) error {
	err := r.route(ctx, c, msg)
	if errors.Is(err, common.ErrNotPaired) {
		jww.DEBUG.Printf("[relay] dropped %s from %s: %v", msg.ClientType(), c.id, err)
		return nil
	}
	return err
}

func (r *Relay) route(ctx context.Context, c *client, msg protocol.ClientMessage) error {
	switch m := msg.(type) {
	case protocol.JoinMsg:
		return r.handleJoin(ctx, c, m)
	case protocol.ChatMsg:
		return r.handleChat(ctx, c, m)
	case protocol.TypingMsg:
		return r.forwardIndicator(ctx, c, protocol.PartnerTypingMsg{IsTyping: m.IsTyping})
	case protocol.VideoToggleMsg:
		return r.forwardIndicator(ctx, c, protocol.PartnerVideoToggleMsg{Enabled: m.Enabled})
	case protocol.AudioToggleMsg:
		return r.forwardIndicator(ctx, c, protocol.PartnerAudioToggleMsg{Enabled: m.Enabled})
	case protocol.SignalMsg:
		return r.handleSignal(ctx, c, m)
	case protocol.SkipMsg:
		return r.handleSkip(ctx, c)
	case protocol.ReportMsg:
		return r.handleReport(ctx, c, m)
	case protocol.PingMsg:
		return c.conn.Send(protocol.PongMsg{Timestamp: time.Now().UnixMilli()})
	default:
		r.sendError(c, protocol.CodeUnknownType, "unsupported message type "+msg.ClientType())
	}
	return nil
}

// Disconnect tears down the session: queue membership, any active room
// (the partner receives exactly one partner_disconnected) and the registry
// entry. It is idempotent.
func (r *Relay) Disconnect(ctx context.Context, userID string) {
	c := r.get(userID)
	if c == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.state = session.StateClosed
	r.stopSearching(c)
	if c.unsub != nil {
		if err := c.unsub(); err != nil {
			jww.WARN.Printf("[relay] unsubscribe %s: %v", c.id, err)
		}
	}

	opCtx, cancel := r.opContext(ctx)
	defer cancel()

	if err := r.Engine.Leave(opCtx, c.id); err != nil {
		jww.WARN.Printf("[relay] leave queue %s: %v", c.id, err)
	}

	// The room may exist before its matched event reached this session.
	roomID := c.roomID
	if roomID == "" {
		var err error
		if roomID, err = r.Rooms.ActiveRoomFor(opCtx, c.id); err != nil {
			jww.WARN.Printf("[relay] active room for %s: %v", c.id, err)
		}
	}
	if roomID != "" {
		r.endRoom(opCtx, c, roomID, c.partnerID, room.ReasonDisconnect, protocol.PartnerDisconnectedMsg{})
	}

	if err := r.Moderation.ResetUser(opCtx, c.id); err != nil {
		jww.WARN.Printf("[relay] reset moderation %s: %v", c.id, err)
	}
	if err := r.Sessions.Delete(opCtx, c.id); err != nil {
		jww.WARN.Printf("[relay] delete session %s: %v", c.id, err)
	}

	r.mu.Lock()
	if r.clients[c.id] == c {
		delete(r.clients, c.id)
	}
	r.mu.Unlock()
	metrics.ConnectionsTotal.Dec()
	jww.INFO.Printf("[relay] disconnected user=%s", c.id)
}

// endRoom ends roomID and, when this call performed the transition, sends
// notice to the partner. partnerID may be empty when only the room id is
// known.
func (r *Relay) endRoom(ctx context.Context, c *client, roomID, partnerID string, reason room.EndReason, notice protocol.ServerMessage) bool {
	if partnerID == "" {
		rm, err := r.Rooms.Get(ctx, roomID)
		if err != nil {
			jww.WARN.Printf("[relay] load room %s: %v", roomID, err)
			return false
		}
		partnerID = rm.Partner(c.id)
	}

	ended, err := r.Rooms.End(ctx, roomID, c.id, reason)
	if err != nil {
		jww.WARN.Printf("[relay] end room %s: %v", roomID, err)
		return false
	}
	if c.roomID == roomID {
		c.roomID, c.partnerID = "", ""
	}
	r.recent.Remove(roomID)
	if !ended {
		return false
	}

	if partnerID != "" {
		if err := messaging.SendToUser(r.Bus, partnerID, c.id, roomID, notice); err != nil {
			jww.WARN.Printf("[relay] notify %s of room end: %v", partnerID, err)
		}
	}
	jww.INFO.Printf("[relay] room %s ended by %s reason=%s", roomID, c.id, reason)
	return true
}

// Shutdown stops accepting sessions, waits for in-flight moderation
// decisions (bounded by ctx) and disconnects everyone. It never waits on
// matching.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.draining.Store(true)

	done := make(chan struct{})
	go func() {
		r.inflight.Wait()
		close(done)
	}()
	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Wrap(ctx.Err(), "relay: drain")
	}

	r.mu.RLock()
	clients := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	for _, c := range clients {
		r.Disconnect(context.Background(), c.id)
		_ = c.conn.Close()
	}
	jww.INFO.Printf("[relay] shut down, %d sessions closed", len(clients))
	return err
}

func (r *Relay) sendError(c *client, code, message string) {
	if err := c.conn.Send(protocol.ErrorMsg{Code: code, Message: message}); err != nil {
		jww.DEBUG.Printf("[relay] send error to %s: %v", c.id, err)
	}
}

// setState moves the session in the registry and mirrors it locally.
func (r *Relay) setState(ctx context.Context, c *client, to session.State) {
	if err := r.Sessions.Transition(ctx, c.id, to); err != nil {
		jww.WARN.Printf("[relay] session %s %s -> %s: %v", c.id, c.state, to, err)
		if session.IsTransitionError(err) {
			return
		}
	}
	c.state = to
}

func (r *Relay) allow(ctx context.Context, c *client, rule ratelimit.Rule) bool {
	if r.Limiter == nil {
		return true
	}
	ok, err := r.Limiter.Allow(ctx, c.id, rule)
	if err != nil {
		jww.DEBUG.Printf("[relay] rate limit %s: %v", c.id, err)
	}
	return ok
}
