package ws

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/whisper/anygle/internal/identity"
	"github.com/whisper/anygle/internal/protocol"
	"github.com/whisper/anygle/internal/ratelimit"
	"github.com/whisper/anygle/internal/relay"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeHandler struct {
	mu           sync.Mutex
	idents       []identity.Identity
	conns        map[string]relay.Conn
	handled      []protocol.ClientMessage
	disconnected []string
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{conns: make(map[string]relay.Conn)}
}

func (h *fakeHandler) Connect(_ context.Context, ident identity.Identity, conn relay.Conn) error {
	h.mu.Lock()
	h.idents = append(h.idents, ident)
	h.conns[ident.UserID] = conn
	h.mu.Unlock()
	return conn.Send(protocol.ConnectedMsg{UserID: ident.UserID})
}

func (h *fakeHandler) Handle(_ context.Context, userID string, msg protocol.ClientMessage) error {
	h.mu.Lock()
	h.handled = append(h.handled, msg)
	conn := h.conns[userID]
	h.mu.Unlock()
	if _, ok := msg.(protocol.PingMsg); ok {
		return conn.Send(protocol.PongMsg{Timestamp: 42})
	}
	return nil
}

func (h *fakeHandler) Disconnect(_ context.Context, userID string) {
	h.mu.Lock()
	h.disconnected = append(h.disconnected, userID)
	h.mu.Unlock()
}

func (h *fakeHandler) disconnects() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.disconnected...)
}

// client wraps a dialed socket; bytes the server sent with the handshake
// response may sit in the dialer's buffered reader.
type client struct {
	net.Conn
	r io.Reader
}

func (c *client) Read(p []byte) (int, error) { return c.r.Read(p) }

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

func newTestServer(t *testing.T, config ServerConfig, opts Options) (*Server, *fakeHandler, *httptest.Server) {
	t.Helper()
	h := newFakeHandler()
	s := NewServer(config, h, opts)
	require.NoError(t, s.Run())
	srv := httptest.NewServer(s.Router())
	t.Cleanup(func() {
		srv.Close()
		_ = s.Shutdown(context.Background())
	})
	return s, h, srv
}

func testConfig() ServerConfig {
	cfg := DefaultServerConfig()
	cfg.Heartbeat = HeartbeatConfig{}
	return cfg
}

func dial(t *testing.T, srv *httptest.Server, query string) *client {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws" + query
	conn, br, _, err := ws.Dial(context.Background(), url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	c := &client{Conn: conn, r: conn}
	if br != nil {
		c.r = br
	}
	return c
}

func readFrame(t *testing.T, c *client) ([]byte, ws.OpCode) {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	data, op, err := wsutil.ReadServerData(c)
	require.NoError(t, err)
	return data, op
}

func readJSON(t *testing.T, c *client) (string, json.RawMessage) {
	t.Helper()
	data, op := readFrame(t, c)
	require.Equal(t, ws.OpText, op)
	var env struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &env))
	return env.Type, env.Data
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestUpgradeSendsConnected(t *testing.T) {
	s, h, srv := newTestServer(t, testConfig(), Options{})
	c := dial(t, srv, "")

	typ, data := readJSON(t, c)
	assert.Equal(t, protocol.TypeConnected, typ)
	var msg protocol.ConnectedMsg
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.NotEmpty(t, msg.UserID)

	h.mu.Lock()
	require.Len(t, h.idents, 1)
	assert.False(t, h.idents[0].Verified)
	h.mu.Unlock()
	assert.Equal(t, 1, s.Connections().Count())
}

func TestTextFrameDispatched(t *testing.T) {
	_, h, srv := newTestServer(t, testConfig(), Options{})
	c := dial(t, srv, "")
	readJSON(t, c)

	require.NoError(t, wsutil.WriteClientText(c, []byte(`{"type":"ping"}`)))

	typ, data := readJSON(t, c)
	assert.Equal(t, protocol.TypePong, typ)
	assert.JSONEq(t, `{"timestamp":42}`, string(data))
	h.mu.Lock()
	assert.Len(t, h.handled, 1)
	h.mu.Unlock()
}

func TestBinaryFrameSwitchesCodec(t *testing.T) {
	_, _, srv := newTestServer(t, testConfig(), Options{})
	c := dial(t, srv, "")
	readJSON(t, c)

	frame, err := msgpack.Marshal(map[string]interface{}{"type": protocol.TypePing})
	require.NoError(t, err)
	require.NoError(t, wsutil.WriteClientBinary(c, frame))

	data, op := readFrame(t, c)
	require.Equal(t, ws.OpBinary, op)
	var env map[string]interface{}
	require.NoError(t, msgpack.Unmarshal(data, &env))
	assert.Equal(t, protocol.TypePong, env["type"])

	// A later text frame switches replies back to JSON.
	require.NoError(t, wsutil.WriteClientText(c, []byte(`{"type":"ping"}`)))
	typ, _ := readJSON(t, c)
	assert.Equal(t, protocol.TypePong, typ)
}

func TestMsgpackRequestedOnUpgrade(t *testing.T) {
	_, _, srv := newTestServer(t, testConfig(), Options{})
	c := dial(t, srv, "?codec=msgpack")

	data, op := readFrame(t, c)
	require.Equal(t, ws.OpBinary, op)
	var env map[string]interface{}
	require.NoError(t, msgpack.Unmarshal(data, &env))
	assert.Equal(t, protocol.TypeConnected, env["type"])
}

func TestUnknownTypeKeepsConnection(t *testing.T) {
	s, h, srv := newTestServer(t, testConfig(), Options{})
	c := dial(t, srv, "")
	readJSON(t, c)

	require.NoError(t, wsutil.WriteClientText(c, []byte(`{"type":"teleport"}`)))
	typ, data := readJSON(t, c)
	assert.Equal(t, protocol.TypeError, typ)
	var e protocol.ErrorMsg
	require.NoError(t, json.Unmarshal(data, &e))
	assert.Equal(t, protocol.CodeUnknownType, e.Code)

	assert.Equal(t, 1, s.Connections().Count())
	assert.Empty(t, h.disconnects())
}

func TestMalformedFrameClosesConnection(t *testing.T) {
	s, h, srv := newTestServer(t, testConfig(), Options{})
	c := dial(t, srv, "")
	readJSON(t, c)

	require.NoError(t, wsutil.WriteClientText(c, []byte(`{not json`)))
	typ, _ := readJSON(t, c)
	assert.Equal(t, protocol.TypeError, typ)

	require.Eventually(t, func() bool { return len(h.disconnects()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, s.Connections().Count())
}

func TestClientCloseDisconnects(t *testing.T) {
	s, h, srv := newTestServer(t, testConfig(), Options{})
	c := dial(t, srv, "")
	readJSON(t, c)

	require.NoError(t, c.Conn.Close())

	require.Eventually(t, func() bool { return len(h.disconnects()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, s.Connections().Count())
}

func TestServerSideCloseDisconnects(t *testing.T) {
	s, h, srv := newTestServer(t, testConfig(), Options{})
	c := dial(t, srv, "")
	typ, data := readJSON(t, c)
	require.Equal(t, protocol.TypeConnected, typ)
	var msg protocol.ConnectedMsg
	require.NoError(t, json.Unmarshal(data, &msg))

	h.mu.Lock()
	conn := h.conns[msg.UserID]
	h.mu.Unlock()
	require.NoError(t, conn.Close())

	assert.Equal(t, []string{msg.UserID}, h.disconnects())
	assert.Equal(t, 0, s.Connections().Count())
}

func TestTokenIdentity(t *testing.T) {
	tokens := identity.NewTokens("secret", "anygle", time.Hour)
	raw, err := tokens.Issue("user-7", identity.Profile{AgeCategory: protocol.AgeTeen})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.RequireToken = true
	_, h, srv := newTestServer(t, cfg, Options{Tokens: tokens})
	c := dial(t, srv, "?token="+raw)
	readJSON(t, c)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.Len(t, h.idents, 1)
	assert.Equal(t, "user-7", h.idents[0].UserID)
	assert.True(t, h.idents[0].Verified)
	assert.Equal(t, protocol.AgeTeen, h.idents[0].Profile.AgeCategory)
}

func TestRequireTokenRejectsAnonymous(t *testing.T) {
	cfg := testConfig()
	cfg.RequireToken = true
	s, h, _ := newTestServer(t, cfg, Options{Tokens: identity.NewTokens("secret", "anygle", time.Hour)})

	for _, target := range []string{"/ws", "/ws?token=garbage"} {
		w := httptest.NewRecorder()
		s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code, target)
	}
	assert.Empty(t, h.idents)
}

func TestConnectRateLimited(t *testing.T) {
	_, _, srv := newTestServer(t, testConfig(), Options{Limiter: ratelimit.NewMemory()})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	for i := 0; i < ratelimit.RuleConnect.Limit; i++ {
		dial(t, srv, "")
	}
	_, _, _, err := ws.Dial(context.Background(), url)
	require.Error(t, err)
	var status ws.StatusError
	if assert.ErrorAs(t, err, &status) {
		assert.Equal(t, http.StatusTooManyRequests, int(status))
	}
}

func TestHealth(t *testing.T) {
	s, _, _ := newTestServer(t, testConfig(), Options{})

	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 0, body["connections"])
}

func TestHeartbeatEvictsIdle(t *testing.T) {
	h := newFakeHandler()
	s := NewServer(testConfig(), h, Options{})
	server, peer := net.Pipe()
	defer peer.Close()

	c := newConnection("idle", server, protocol.JSON, 0)
	c.remove = s.RemoveConnection
	s.conns.Add(c)

	cfg := HeartbeatConfig{Interval: time.Second, Timeout: time.Second}
	evicted := s.checkConnections(time.Now().Add(time.Minute), cfg)

	assert.Equal(t, 1, evicted)
	assert.Equal(t, []string{"idle"}, h.disconnects())
	assert.Equal(t, 0, s.conns.Count())
}

func TestReplacedConnectionIsStale(t *testing.T) {
	h := newFakeHandler()
	s := NewServer(testConfig(), h, Options{})
	a1, p1 := net.Pipe()
	a2, p2 := net.Pipe()
	defer p1.Close()
	defer p2.Close()

	old := newConnection("u1", a1, protocol.JSON, 0)
	old.remove = s.RemoveConnection
	s.conns.Add(old)
	fresh := newConnection("u1", a2, protocol.JSON, 0)
	fresh.remove = s.RemoveConnection
	s.conns.Add(fresh)

	require.NoError(t, old.Close())
	assert.Empty(t, h.disconnects(), "closing a replaced connection must not end the new session")
	assert.Same(t, fresh, s.conns.Get("u1"))

	require.NoError(t, fresh.Close())
	assert.Equal(t, []string{"u1"}, h.disconnects())
}
