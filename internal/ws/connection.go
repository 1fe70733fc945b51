package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/pkg/errors"

	"github.com/whisper/anygle/internal/protocol"
)

// Connection is one upgraded client socket bound to an identity. It
// implements relay.Conn.
type Connection struct {
	ID        string   // user id the connection is bound to
	Conn      net.Conn // underlying TCP connection
	Fd        int      // file descriptor for epoll lookups, -1 without epoll
	RemoteIP  string
	CreatedAt time.Time

	lastSeen     atomic.Int64 // unix nanos of the last frame read
	processing   int32        // atomic flag: 0 = idle, 1 = being read
	writeTimeout time.Duration

	writeMu sync.Mutex // serializes frames and guards codec
	codec   protocol.Codec

	closeOnce sync.Once
	remove    func(*Connection)
}

func newConnection(id string, conn net.Conn, codec protocol.Codec, writeTimeout time.Duration) *Connection {
	c := &Connection{
		ID:           id,
		Conn:         conn,
		Fd:           socketFD(conn),
		CreatedAt:    time.Now(),
		writeTimeout: writeTimeout,
		codec:        codec,
	}
	c.touch()
	return c
}

func (c *Connection) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen is when the client last sent any frame.
func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// useCodec switches the reply codec to match the frame the client sent.
func (c *Connection) useCodec(codec protocol.Codec) {
	c.writeMu.Lock()
	c.codec = codec
	c.writeMu.Unlock()
}

// Codec returns the codec replies are currently encoded with.
func (c *Connection) Codec() protocol.Codec {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.codec
}

// Send encodes msg with the connection's current codec and writes it as a
// text or binary frame.
func (c *Connection) Send(msg protocol.ServerMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	data, err := c.codec.Encode(msg)
	if err != nil {
		return err
	}
	op := ws.OpText
	if c.codec.Binary() {
		op = ws.OpBinary
	}
	return c.write(op, data)
}

// writePing sends a protocol-level ping frame.
func (c *Connection) writePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeFrame(ws.NewPingFrame(nil))
}

// writePong answers a client ping with the same payload.
func (c *Connection) writePong(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.writeFrame(ws.NewPongFrame(payload))
}

// write must be called with writeMu held.
func (c *Connection) write(op ws.OpCode, data []byte) error {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return errors.Wrapf(wsutil.WriteServerMessage(c.Conn, op, data), "ws: write to %s", c.ID)
}

func (c *Connection) writeFrame(f ws.Frame) error {
	if c.writeTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.Conn.SetWriteDeadline(time.Time{})
	}
	return errors.Wrapf(ws.WriteFrame(c.Conn, f), "ws: write control frame to %s", c.ID)
}

// Close detaches the connection from the server and closes the socket. It
// is safe to call more than once.
func (c *Connection) Close() error {
	if c.remove != nil {
		c.remove(c)
		return nil
	}
	return c.closeSocket()
}

func (c *Connection) closeSocket() error {
	var err error
	c.closeOnce.Do(func() { err = c.Conn.Close() })
	return err
}

// ConnectionManager indexes live connections by user id and by fd.
type ConnectionManager struct {
	mu   sync.RWMutex
	byID map[string]*Connection
	byFd map[int]*Connection
}

// NewConnectionManager creates an empty ConnectionManager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID: make(map[string]*Connection),
		byFd: make(map[int]*Connection),
	}
}

// Add registers conn, replacing any connection already bound to its id.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	if conn.Fd >= 0 {
		cm.byFd[conn.Fd] = conn
	}
	cm.mu.Unlock()
}

// Remove drops conn from both indexes. It returns true only when conn was
// still the connection bound to its id, so a replaced connection never
// reports its id as gone.
func (cm *ConnectionManager) Remove(conn *Connection) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	if conn.Fd >= 0 && cm.byFd[conn.Fd] == conn {
		delete(cm.byFd, conn.Fd)
	}
	if cm.byID[conn.ID] != conn {
		return false
	}
	delete(cm.byID, conn.ID)
	return true
}

// Get returns the connection bound to id, or nil.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byID[id]
}

// GetByConn returns the connection registered for c's fd, or nil.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.byFd[fd]
}

// Count returns the number of bound connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.byID)
}

// All returns a snapshot of the bound connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
