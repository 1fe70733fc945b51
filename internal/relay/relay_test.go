package relay

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whisper/anygle/internal/audit"
	"github.com/whisper/anygle/internal/ban"
	"github.com/whisper/anygle/internal/common"
	"github.com/whisper/anygle/internal/identity"
	"github.com/whisper/anygle/internal/matching"
	"github.com/whisper/anygle/internal/messaging"
	"github.com/whisper/anygle/internal/moderation"
	"github.com/whisper/anygle/internal/protocol"
	"github.com/whisper/anygle/internal/room"
	"github.com/whisper/anygle/internal/session"
)

const wait = 2 * time.Second

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeConn struct {
	mu     sync.Mutex
	msgs   []protocol.ServerMessage
	closed bool
}

func (f *fakeConn) Send(m protocol.ServerMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, m)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeConn) all(typ string) []protocol.ServerMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []protocol.ServerMessage
	for _, m := range f.msgs {
		if m.ServerType() == typ {
			out = append(out, m)
		}
	}
	return out
}

// waitFor blocks until a message of typ arrived and returns the latest.
func (f *fakeConn) waitFor(t *testing.T, typ string) protocol.ServerMessage {
	t.Helper()
	require.Eventually(t, func() bool { return len(f.all(typ)) > 0 }, wait, 5*time.Millisecond, "no %s message", typ)
	got := f.all(typ)
	return got[len(got)-1]
}

type recordingPersister struct {
	mu       sync.Mutex
	messages []room.Message
	reports  []audit.Report
}

func (p *recordingPersister) PersistMessage(_ context.Context, m room.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, m)
	return nil
}

func (p *recordingPersister) PersistReport(_ context.Context, r audit.Report) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, r)
	return nil
}

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	relay    *Relay
	bus      *messaging.LocalBus
	sessions *session.MemoryRegistry
	rooms    *room.MemoryStore
	queue    *matching.MemoryStore
	bans     *ban.Memory
	persist  *recordingPersister
	conns    map[string]*fakeConn
}

// newHarness runs moderation with production defaults.
func newHarness(t *testing.T) *harness {
	t.Helper()
	return buildHarness(t, false)
}

// newCountingHarness counts low-severity warnings toward a block.
func newCountingHarness(t *testing.T) *harness {
	t.Helper()
	return buildHarness(t, true)
}

func buildHarness(t *testing.T, countLow bool) *harness {
	t.Helper()
	bus := messaging.NewLocalBus()
	t.Cleanup(bus.Close)

	h := &harness{
		bus:      bus,
		sessions: session.NewMemoryRegistry(),
		rooms:    room.NewMemoryStore(),
		queue:    matching.NewMemoryStore(),
		bans:     ban.NewMemory(),
		persist:  &recordingPersister{},
		conns:    make(map[string]*fakeConn),
	}
	engine := matching.NewEngine(h.queue, h.rooms, matching.NewBusNotifier(bus), matching.Config{})
	h.relay = New(Deps{
		Sessions:   h.sessions,
		Engine:     engine,
		Rooms:      h.rooms,
		Moderation: moderation.NewPipeline(moderation.NewMemoryTracker(), h.bans, countLow),
		Bus:        bus,
		Persister:  h.persist,
		Bans:       h.bans,
		Reports:    h.bans,
	}, Config{})
	return h
}

func (h *harness) connect(t *testing.T, id string) *fakeConn {
	t.Helper()
	conn := &fakeConn{}
	require.NoError(t, h.relay.Connect(context.Background(), identity.Identity{UserID: id}, conn))
	h.conns[id] = conn
	return conn
}

func (h *harness) send(t *testing.T, id string, msg protocol.ClientMessage) {
	t.Helper()
	require.NoError(t, h.relay.Handle(context.Background(), id, msg))
}

func adultText(interests ...string) protocol.JoinMsg {
	return protocol.JoinMsg{
		AgeCategory: protocol.AgeAdult,
		Mode:        protocol.ModeText,
		QueueType:   protocol.QueueModerated,
		Interests:   interests,
	}
}

// pair connects a and b, joins both and waits until both were matched.
func (h *harness) pair(t *testing.T, a, b string) string {
	t.Helper()
	ca, cb := h.connect(t, a), h.connect(t, b)
	h.send(t, a, adultText())
	h.send(t, b, adultText())
	ma := ca.waitFor(t, protocol.TypeMatched).(protocol.MatchedMsg)
	mb := cb.waitFor(t, protocol.TypeMatched).(protocol.MatchedMsg)
	require.Equal(t, ma.RoomID, mb.RoomID)
	return ma.RoomID
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestConnectSendsConnected(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "u1")

	got := conn.waitFor(t, protocol.TypeConnected).(protocol.ConnectedMsg)
	assert.Equal(t, "u1", got.UserID)

	sess, err := h.sessions.Get(context.Background(), "u1")
	require.NoError(t, err)
	require.NotNil(t, sess)
	assert.Equal(t, session.StateConnected, sess.State)
	assert.Equal(t, 1, h.relay.Count())
}

func TestJoinPairsBySharedInterest(t *testing.T) {
	h := newHarness(t)
	cx, cy := h.connect(t, "x"), h.connect(t, "y")

	h.send(t, "x", adultText("gaming", "music"))
	searching := cx.waitFor(t, protocol.TypeSearching).(protocol.SearchingMsg)
	assert.Equal(t, 1, searching.Position)
	assert.Equal(t, 2, searching.EstimatedWaitSeconds)

	h.send(t, "y", adultText("music", "movies"))

	mx := cx.waitFor(t, protocol.TypeMatched).(protocol.MatchedMsg)
	my := cy.waitFor(t, protocol.TypeMatched).(protocol.MatchedMsg)
	assert.Equal(t, mx.RoomID, my.RoomID)
	assert.Equal(t, "y", mx.PartnerID)
	assert.Equal(t, "x", my.PartnerID)
	assert.Equal(t, []string{"music"}, mx.SharedInterests)
	assert.Equal(t, protocol.ModeText, mx.Mode)
	assert.True(t, my.IsInitiator)
	assert.False(t, mx.IsInitiator)
	assert.Empty(t, cy.all(protocol.TypeSearching), "an immediate match skips searching")

	sess, _ := h.sessions.Get(context.Background(), "x")
	assert.Equal(t, session.StatePaired, sess.State)
	assert.Equal(t, mx.RoomID, sess.RoomID)
}

func TestJoinValidationError(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "u1")

	h.send(t, "u1", protocol.JoinMsg{AgeCategory: protocol.AgeAdult, Mode: "smoke", QueueType: protocol.QueueModerated})

	e := conn.waitFor(t, protocol.TypeError).(protocol.ErrorMsg)
	assert.Equal(t, protocol.CodeValidation, e.Code)
	entry, err := h.queue.Lookup(context.Background(), "u1")
	require.NoError(t, err)
	assert.Nil(t, entry)
	sess, _ := h.sessions.Get(context.Background(), "u1")
	assert.Equal(t, session.StateConnected, sess.State)
}

func TestBannedJoinClosesConnection(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.bans.Ban(context.Background(), "bad", "Multiple violations"))
	conn := h.connect(t, "bad")

	h.send(t, "bad", adultText())

	e := conn.waitFor(t, protocol.TypeError).(protocol.ErrorMsg)
	assert.Equal(t, protocol.CodeBanned, e.Code)
	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, h.relay.Count())
	entry, _ := h.queue.Lookup(context.Background(), "bad")
	assert.Nil(t, entry)
}

func TestProfileAgeWins(t *testing.T) {
	h := newHarness(t)
	profiles := identity.NewStaticProfiles()
	profiles.Set("kid", identity.Profile{AgeCategory: protocol.AgeTeen})
	h.relay.Profiles = profiles
	h.connect(t, "kid")

	h.send(t, "kid", adultText())

	entry, err := h.queue.Lookup(context.Background(), "kid")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, protocol.AgeTeen, entry.AgeCategory)
}

func TestChatRelayedToPartner(t *testing.T) {
	h := newHarness(t)
	roomID := h.pair(t, "a", "b")

	h.send(t, "a", protocol.ChatMsg{Content: "hello there"})

	got := h.conns["b"].waitFor(t, protocol.TypeMessage).(protocol.ServerChatMsg)
	assert.Equal(t, "hello there", got.Content)
	assert.Equal(t, "a", got.SenderID)
	assert.Equal(t, roomID, got.RoomID)
	assert.Equal(t, string(moderation.StatusApproved), got.ModerationStatus)

	echo := h.conns["a"].waitFor(t, protocol.TypeMessage).(protocol.ServerChatMsg)
	assert.Equal(t, got.ID, echo.ID)

	msgs, err := h.rooms.Messages(context.Background(), roomID, 10)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Delivered)

	h.persist.mu.Lock()
	assert.Len(t, h.persist.messages, 1)
	h.persist.mu.Unlock()
}

func TestChatNotPairedIgnored(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "lonely")

	h.send(t, "lonely", protocol.ChatMsg{Content: "anyone?"})
	h.send(t, "lonely", protocol.TypingMsg{IsTyping: true})
	h.send(t, "lonely", protocol.SignalMsg{Kind: protocol.TypeOffer, Payload: json.RawMessage(`{}`)})

	conn.mu.Lock()
	require.Len(t, conn.msgs, 1, "only connected is sent")
	assert.Equal(t, protocol.TypeConnected, conn.msgs[0].ServerType())
	conn.mu.Unlock()

	c := h.relay.get("lonely")
	require.NotNil(t, c)
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx := context.Background()
	for _, msg := range []protocol.ClientMessage{
		protocol.ChatMsg{Content: "anyone?"},
		protocol.TypingMsg{IsTyping: true},
		protocol.SignalMsg{Kind: protocol.TypeOffer, Payload: json.RawMessage(`{}`)},
		protocol.ReportMsg{Reason: "spam"},
	} {
		assert.ErrorIs(t, h.relay.route(ctx, c, msg), common.ErrNotPaired, msg.ClientType())
	}
}

func TestLowSeverityWarnsButRelays(t *testing.T) {
	h := newHarness(t)
	h.pair(t, "a", "b")

	h.send(t, "a", protocol.ChatMsg{Content: "you're stupid"})

	w := h.conns["a"].waitFor(t, protocol.TypeModerationWarning).(protocol.ModerationWarningMsg)
	assert.Equal(t, "low", w.Severity)
	got := h.conns["b"].waitFor(t, protocol.TypeMessage).(protocol.ServerChatMsg)
	assert.Equal(t, "you're stupid", got.Content)
}

func TestLowSeverityNeverBlocksByDefault(t *testing.T) {
	h := newHarness(t)
	h.pair(t, "a", "b")

	n := moderation.WarningsPerBlock + 1
	for i := 0; i < n; i++ {
		h.send(t, "a", protocol.ChatMsg{Content: "you're stupid"})
	}

	require.Eventually(t, func() bool {
		return len(h.conns["b"].all(protocol.TypeMessage)) == n
	}, wait, 5*time.Millisecond)
	for _, m := range h.conns["a"].all(protocol.TypeModerationWarning) {
		assert.Equal(t, "low", m.(protocol.ModerationWarningMsg).Severity)
	}
	assert.Len(t, h.conns["a"].all(protocol.TypeModerationWarning), n)
}

func TestLowSeverityAccruesWhenCounted(t *testing.T) {
	h := newCountingHarness(t)
	h.pair(t, "a", "b")

	n := moderation.WarningsPerBlock + 1
	for i := 0; i < n; i++ {
		h.send(t, "a", protocol.ChatMsg{Content: "you're stupid"})
	}

	require.Eventually(t, func() bool {
		return len(h.conns["b"].all(protocol.TypeMessage)) == n-1
	}, wait, 5*time.Millisecond)
	warnings := h.conns["a"].all(protocol.TypeModerationWarning)
	require.Len(t, warnings, n)
	block := warnings[moderation.WarningsPerBlock-1].(protocol.ModerationWarningMsg)
	assert.Equal(t, "high", block.Severity)
	assert.Equal(t, "Too many warnings", block.Message)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.conns["b"].all(protocol.TypeMessage), n-1)
}

func TestHighSeverityBlocked(t *testing.T) {
	h := newHarness(t)
	h.pair(t, "a", "b")

	h.send(t, "a", protocol.ChatMsg{Content: "i will find you"})
	h.send(t, "a", protocol.ChatMsg{Content: "hello there"})

	h.conns["a"].waitFor(t, protocol.TypeModerationWarning)
	got := h.conns["b"].waitFor(t, protocol.TypeMessage).(protocol.ServerChatMsg)
	assert.Equal(t, "hello there", got.Content)
	assert.Len(t, h.conns["b"].all(protocol.TypeMessage), 1, "the blocked message never reaches the partner")
}

func TestZeroToleranceBansAndDisconnects(t *testing.T) {
	h := newHarness(t)
	h.pair(t, "a", "b")

	h.send(t, "a", protocol.ChatMsg{Content: "i am 14 years old send nudes"})

	e := h.conns["a"].waitFor(t, protocol.TypeError).(protocol.ErrorMsg)
	assert.Equal(t, protocol.CodeBanned, e.Code)
	assert.True(t, h.conns["a"].isClosed())
	h.conns["b"].waitFor(t, protocol.TypePartnerDisconnected)
	assert.Empty(t, h.conns["b"].all(protocol.TypeMessage))

	banned, err := h.bans.IsBanned(context.Background(), "a")
	require.NoError(t, err)
	assert.True(t, banned)
}

func TestDisconnectNotifiesPartnerOnce(t *testing.T) {
	h := newHarness(t)
	roomID := h.pair(t, "a", "b")

	h.relay.Disconnect(context.Background(), "a")
	h.relay.Disconnect(context.Background(), "a")

	h.conns["b"].waitFor(t, protocol.TypePartnerDisconnected)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, h.conns["b"].all(protocol.TypePartnerDisconnected), 1)

	rm, err := h.rooms.Get(context.Background(), roomID)
	require.NoError(t, err)
	assert.Equal(t, room.StatusEnded, rm.Status)
	assert.Equal(t, room.ReasonDisconnect, rm.EndReason)
	assert.Equal(t, "a", rm.EndedBy)

	sess, _ := h.sessions.Get(context.Background(), "a")
	assert.Nil(t, sess)
	require.Eventually(t, func() bool {
		s, _ := h.sessions.Get(context.Background(), "b")
		return s != nil && s.State == session.StateConnected && s.RoomID == ""
	}, wait, 5*time.Millisecond)
}

func TestDisconnectWhileSearchingLeavesQueue(t *testing.T) {
	h := newHarness(t)
	h.connect(t, "a")
	h.send(t, "a", adultText())

	h.relay.Disconnect(context.Background(), "a")

	entry, err := h.queue.Lookup(context.Background(), "a")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestSkipNotifiesPartnerAndRequeues(t *testing.T) {
	h := newHarness(t)
	roomID := h.pair(t, "a", "b")

	h.send(t, "a", protocol.SkipMsg{})

	h.conns["b"].waitFor(t, protocol.TypePartnerSkipped)
	h.conns["a"].waitFor(t, protocol.TypeSearching)

	rm, err := h.rooms.Get(context.Background(), roomID)
	require.NoError(t, err)
	assert.Equal(t, room.ReasonSkipped, rm.EndReason)

	entry, err := h.queue.Lookup(context.Background(), "a")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, protocol.ModeText, entry.Mode)

	// The partner can join again and is paired with the skipper in a new
	// room.
	h.send(t, "b", adultText())
	require.Eventually(t, func() bool {
		return len(h.conns["a"].all(protocol.TypeMatched)) == 2
	}, wait, 5*time.Millisecond)
	again := h.conns["a"].waitFor(t, protocol.TypeMatched).(protocol.MatchedMsg)
	assert.NotEqual(t, roomID, again.RoomID)
}

func TestSkipWhileIdle(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "a")

	h.send(t, "a", protocol.SkipMsg{})

	e := conn.waitFor(t, protocol.TypeError).(protocol.ErrorMsg)
	assert.Equal(t, protocol.CodeInvalidState, e.Code)
}

func TestReportPersistsEvidenceAndEndsRoom(t *testing.T) {
	h := newHarness(t)
	roomID := h.pair(t, "a", "b")

	h.send(t, "a", protocol.ChatMsg{Content: "hi"})
	h.conns["b"].waitFor(t, protocol.TypeMessage)
	h.send(t, "b", protocol.ChatMsg{Content: "hey"})
	h.conns["a"].waitFor(t, protocol.TypeMessage)
	require.Eventually(t, func() bool { return len(h.conns["a"].all(protocol.TypeMessage)) == 2 }, wait, 5*time.Millisecond)

	h.send(t, "a", protocol.ReportMsg{Reason: "harassment"})

	h.conns["b"].waitFor(t, protocol.TypePartnerSkipped)
	h.conns["a"].waitFor(t, protocol.TypeSearching)

	h.persist.mu.Lock()
	require.Len(t, h.persist.reports, 1)
	rep := h.persist.reports[0]
	h.persist.mu.Unlock()
	assert.Equal(t, roomID, rep.RoomID)
	assert.Equal(t, "a", rep.ReporterID)
	assert.Equal(t, "b", rep.ReportedID)
	assert.Equal(t, "harassment", rep.Reason)
	require.Len(t, rep.Messages, 2)
	assert.Equal(t, "reporter", rep.Messages[0].From)
	assert.Equal(t, "hi", rep.Messages[0].Text)
	assert.Equal(t, "reported", rep.Messages[1].From)

	rm, err := h.rooms.Get(context.Background(), roomID)
	require.NoError(t, err)
	assert.Equal(t, room.ReasonReported, rm.EndReason)
}

func TestReportWithoutReasonDefaultsToOther(t *testing.T) {
	h := newHarness(t)
	h.pair(t, "a", "b")

	h.send(t, "a", protocol.ReportMsg{})

	h.conns["b"].waitFor(t, protocol.TypePartnerSkipped)
	h.persist.mu.Lock()
	defer h.persist.mu.Unlock()
	require.Len(t, h.persist.reports, 1)
	assert.Equal(t, "other", h.persist.reports[0].Reason)
}

func TestSignalsAndIndicatorsForwarded(t *testing.T) {
	h := newHarness(t)
	h.pair(t, "a", "b")

	offer := json.RawMessage(`{"sdp":"v=0","type":"offer"}`)
	h.send(t, "a", protocol.SignalMsg{Kind: protocol.TypeOffer, Payload: offer})
	h.send(t, "a", protocol.TypingMsg{IsTyping: true})
	h.send(t, "a", protocol.VideoToggleMsg{Enabled: false})

	sig := h.conns["b"].waitFor(t, protocol.TypeOffer).(protocol.ServerSignalMsg)
	assert.JSONEq(t, string(offer), string(sig.Payload))
	typing := h.conns["b"].waitFor(t, protocol.TypePartnerTyping).(protocol.PartnerTypingMsg)
	assert.True(t, typing.IsTyping)
	video := h.conns["b"].waitFor(t, protocol.TypePartnerVideoToggle).(protocol.PartnerVideoToggleMsg)
	assert.False(t, video.Enabled)
	assert.Empty(t, h.conns["a"].all(protocol.TypeOffer), "signals are not echoed")
}

func TestPingPong(t *testing.T) {
	h := newHarness(t)
	conn := h.connect(t, "u1")

	before := time.Now().UnixMilli()
	h.send(t, "u1", protocol.PingMsg{})

	pong := conn.waitFor(t, protocol.TypePong).(protocol.PongMsg)
	assert.GreaterOrEqual(t, pong.Timestamp, before)
}

func TestHandleUnknownUser(t *testing.T) {
	h := newHarness(t)
	err := h.relay.Handle(context.Background(), "ghost", protocol.PingMsg{})
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestJoinWhilePairedRejected(t *testing.T) {
	h := newHarness(t)
	h.pair(t, "a", "b")

	h.send(t, "a", adultText())

	e := h.conns["a"].waitFor(t, protocol.TypeError).(protocol.ErrorMsg)
	assert.Equal(t, protocol.CodeInvalidState, e.Code)
}

func TestMatchedWithVanishedPartner(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conn := h.connect(t, "a")
	h.send(t, "a", adultText())
	conn.waitFor(t, protocol.TypeSearching)

	// A room whose other member has no session left.
	ghost := room.New("a", "gone", protocol.ModeText, protocol.QueueModerated, nil)
	require.NoError(t, h.rooms.Create(ctx, ghost))
	require.NoError(t, messaging.SendToUser(h.bus, "a", "", ghost.ID, protocol.MatchedMsg{
		RoomID:    ghost.ID,
		PartnerID: "gone",
		Mode:      protocol.ModeText,
	}))

	require.Eventually(t, func() bool {
		rm, err := h.rooms.Get(ctx, ghost.ID)
		return err == nil && !rm.Active()
	}, wait, 5*time.Millisecond)
	assert.Empty(t, conn.all(protocol.TypeMatched))

	entry, err := h.queue.Lookup(ctx, "a")
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

func TestMatchedWhilePairedEndsExtraRoom(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := h.pair(t, "a", "b")
	cc := h.connect(t, "c")
	h.send(t, "c", adultText())
	cc.waitFor(t, protocol.TypeSearching)

	// a second room claimed for a and c while a is bound to the first
	_, err := h.queue.Leave(ctx, "c")
	require.NoError(t, err)
	extra := room.New("a", "c", protocol.ModeText, protocol.QueueModerated, nil)
	require.NoError(t, h.rooms.Create(ctx, extra))
	for _, ev := range []struct{ to, partner string }{{"a", "c"}, {"c", "a"}} {
		require.NoError(t, messaging.SendToUser(h.bus, ev.to, "", extra.ID, protocol.MatchedMsg{
			RoomID:    extra.ID,
			PartnerID: ev.partner,
			Mode:      protocol.ModeText,
		}))
	}

	require.Eventually(t, func() bool {
		rm, err := h.rooms.Get(ctx, extra.ID)
		return err == nil && !rm.Active()
	}, wait, 5*time.Millisecond)

	// c is either told about the skip or silently searching again.
	require.Eventually(t, func() bool {
		sess, _ := h.sessions.Get(ctx, "c")
		if sess == nil || sess.State == session.StatePaired {
			return false
		}
		entry, _ := h.queue.Lookup(ctx, "c")
		return entry != nil || len(cc.all(protocol.TypePartnerSkipped)) > 0
	}, wait, 5*time.Millisecond)

	sess, err := h.sessions.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, session.StatePaired, sess.State)
	assert.Equal(t, first, sess.RoomID)
	assert.Len(t, h.conns["a"].all(protocol.TypeMatched), 1)
	assert.Empty(t, h.conns["b"].all(protocol.TypePartnerSkipped))
	entry, err := h.queue.Lookup(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, entry)

	h.send(t, "a", protocol.ChatMsg{Content: "still here"})
	got := h.conns["b"].waitFor(t, protocol.TypeMessage).(protocol.ServerChatMsg)
	assert.Equal(t, first, got.RoomID)
}

func TestMatchedIntoEndedRoomKeepsSearching(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conn := h.connect(t, "a")
	h.connect(t, "b")
	h.send(t, "a", adultText())
	conn.waitFor(t, protocol.TypeSearching)

	_, err := h.queue.Leave(ctx, "a")
	require.NoError(t, err)
	ended := room.New("a", "b", protocol.ModeText, protocol.QueueModerated, nil)
	require.NoError(t, h.rooms.Create(ctx, ended))
	_, err = h.rooms.End(ctx, ended.ID, "b", room.ReasonSkipped)
	require.NoError(t, err)
	require.NoError(t, messaging.SendToUser(h.bus, "a", "", ended.ID, protocol.MatchedMsg{
		RoomID:    ended.ID,
		PartnerID: "b",
		Mode:      protocol.ModeText,
	}))

	require.Eventually(t, func() bool {
		entry, _ := h.queue.Lookup(ctx, "a")
		return entry != nil
	}, wait, 5*time.Millisecond)
	assert.Empty(t, conn.all(protocol.TypeMatched))
	sess, _ := h.sessions.Get(ctx, "a")
	assert.Equal(t, session.StateSearching, sess.State)
	assert.Empty(t, sess.RoomID)
}

func TestJoinDuringPendingMatchRejected(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conn := h.connect(t, "c")
	h.send(t, "c", adultText())
	conn.waitFor(t, protocol.TypeSearching)

	// The entry was claimed into a room and the matched event is in flight.
	_, err := h.queue.Leave(ctx, "c")
	require.NoError(t, err)
	require.NoError(t, h.rooms.Create(ctx, room.New("c", "d", protocol.ModeText, protocol.QueueModerated, nil)))

	h.send(t, "c", adultText())

	e := conn.waitFor(t, protocol.TypeError).(protocol.ErrorMsg)
	assert.Equal(t, protocol.CodeInvalidState, e.Code)
	assert.Equal(t, "match in progress", e.Message)
	entry, err := h.queue.Lookup(ctx, "c")
	require.NoError(t, err)
	assert.Nil(t, entry, "the rejected join must not enqueue again")
}

func TestJoinAfterEvictionAccepted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conn := h.connect(t, "c")
	h.send(t, "c", adultText())
	conn.waitFor(t, protocol.TypeSearching)

	// Evicted without a room, left_queue not yet handled.
	_, err := h.queue.Leave(ctx, "c")
	require.NoError(t, err)

	h.send(t, "c", adultText())

	assert.Empty(t, conn.all(protocol.TypeError))
	entry, err := h.queue.Lookup(ctx, "c")
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

func TestConnectReplacesExistingSession(t *testing.T) {
	h := newHarness(t)
	first := h.connect(t, "u1")
	second := h.connect(t, "u1")

	assert.True(t, first.isClosed())
	assert.False(t, second.isClosed())
	assert.Equal(t, 1, h.relay.Count())
}

func TestShutdownClosesSessions(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect(t, "a"), h.connect(t, "b")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.relay.Shutdown(ctx))

	assert.True(t, a.isClosed())
	assert.True(t, b.isClosed())
	assert.Equal(t, 0, h.relay.Count())
	assert.ErrorIs(t, h.relay.Connect(ctx, identity.Identity{UserID: "late"}, &fakeConn{}), ErrDraining)
}
