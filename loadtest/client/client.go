// Package client is a WebSocket load test client for the anygle relay. It
// dials with gobwas/ws (the library the server uses), speaks the JSON
// envelope of internal/protocol, and tracks per-connection counters.
package client

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/pkg/errors"

	"github.com/whisper/anygle/internal/protocol"
)

// Metrics are the per-connection counters.
type Metrics struct {
	ConnectLatency   time.Duration
	MessagesReceived int64
	MessagesSent     int64
	Errors           int64
}

// conn pairs the socket with the reader returned by the dialer, which may
// hold bytes buffered past the handshake.
type conn struct {
	net.Conn
	r io.Reader
}

func (c *conn) Read(p []byte) (int, error) { return c.r.Read(p) }

// Client is one simulated user.
type Client struct {
	conn *conn

	wmu sync.Mutex

	hmu      sync.RWMutex
	handlers map[string]func(protocol.ServerMessage)

	userID    atomic.Value
	connected chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	connectLatency time.Duration
	received       atomic.Int64
	sent           atomic.Int64
	errors         atomic.Int64
}

// Dial connects to url and starts reading. The server's connected event is
// observed in the background; use WaitConnected to block on it.
func Dial(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	nc, br, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, errors.Wrap(err, "dial")
	}

	c := &Client{
		conn:           &conn{Conn: nc, r: nc},
		handlers:       make(map[string]func(protocol.ServerMessage)),
		connected:      make(chan struct{}),
		done:           make(chan struct{}),
		connectLatency: time.Since(start),
	}
	if br != nil {
		c.conn.r = br
	}

	go c.readLoop()
	return c, nil
}

// Send writes msg in a JSON envelope. It is safe for concurrent use.
func (c *Client) Send(msg protocol.ClientMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal")
	}
	frame, err := json.Marshal(struct {
		Type string          `json:"type"`
		Data json.RawMessage `json:"data"`
	}{msg.ClientType(), data})
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, frame); err != nil {
		c.errors.Add(1)
		return errors.Wrap(err, "write")
	}
	c.sent.Add(1)
	return nil
}

// On registers the handler for one server message type, replacing any
// previous one. Handlers run on the read goroutine.
func (c *Client) On(msgType string, fn func(protocol.ServerMessage)) {
	c.hmu.Lock()
	c.handlers[msgType] = fn
	c.hmu.Unlock()
}

// WaitConnected blocks until the server has sent connected.
func (c *Client) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-c.done:
		return errors.New("connection closed before connected")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the read loop ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// UserID returns the id assigned by the server, or "" before connected.
func (c *Client) UserID() string {
	id, _ := c.userID.Load().(string)
	return id
}

// Metrics returns a snapshot of the counters.
func (c *Client) Metrics() Metrics {
	return Metrics{
		ConnectLatency:   c.connectLatency,
		MessagesReceived: c.received.Load(),
		MessagesSent:     c.sent.Load(),
		Errors:           c.errors.Load(),
	}
}

// Close closes the socket. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		data, op, err := wsutil.ReadServerData(c.conn)
		if err != nil {
			if !closedErr(err) {
				c.errors.Add(1)
			}
			return
		}
		if op != ws.OpText {
			continue
		}
		c.received.Add(1)

		var env struct {
			Type string          `json:"type"`
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			c.errors.Add(1)
			continue
		}
		msg, err := protocol.DecodeServer(env.Type, env.Data)
		if err != nil {
			c.errors.Add(1)
			continue
		}

		if m, ok := msg.(protocol.ConnectedMsg); ok && c.UserID() == "" {
			c.userID.Store(m.UserID)
			close(c.connected)
		}

		c.hmu.RLock()
		fn := c.handlers[env.Type]
		c.hmu.RUnlock()
		if fn != nil {
			fn(msg)
		}
	}
}

func closedErr(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	var closed wsutil.ClosedError
	return errors.As(err, &closed)
}
