// Package ws is the WebSocket transport: it upgrades HTTP requests on gin
// routes, binds each socket to an identity, reads frames through epoll and
// hands decoded messages to the relay.
package ws

import (
	"context"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"github.com/whisper/anygle/internal/identity"
	"github.com/whisper/anygle/internal/metrics"
	"github.com/whisper/anygle/internal/protocol"
	"github.com/whisper/anygle/internal/ratelimit"
	"github.com/whisper/anygle/internal/relay"
)

// Handler receives connection lifecycle events and decoded frames.
// *relay.Relay implements it.
type Handler interface {
	Connect(ctx context.Context, ident identity.Identity, conn relay.Conn) error
	Handle(ctx context.Context, userID string, msg protocol.ClientMessage) error
	Disconnect(ctx context.Context, userID string)
}

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	MaxFrameSize   int64         // larger data frames close the connection
	ReadTimeout    time.Duration // timeout for reading a ready frame
	WriteTimeout   time.Duration // timeout for each outbound frame
	RequireToken   bool          // reject upgrades without a valid token
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		MaxFrameSize:   64 << 10,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Options are the optional collaborators of a Server.
type Options struct {
	Tokens  *identity.Tokens  // verifies ?token= on upgrade
	Limiter ratelimit.Allower // per-IP connection attempts
	Stats   gin.HandlerFunc   // mounted on GET /stats when set
}

// Server accepts WebSocket connections and feeds their frames to a
// Handler. Readiness comes from epoll on Linux, and a bounded worker pool
// reads ready sockets.
type Server struct {
	config     ServerConfig
	handler    Handler
	opts       Options
	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{}
	router     *gin.Engine
	httpServer *http.Server
	done       chan struct{}
	stopOnce   sync.Once
	startedAt  time.Time
}

// NewServer builds a Server and its routes. Call Run (or Start) before
// accepting upgrades.
func NewServer(config ServerConfig, handler Handler, opts Options) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	s := &Server{
		config:     config,
		handler:    handler,
		opts:       opts,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/ws", s.handleUpgrade)
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))
	if opts.Stats != nil {
		r.GET("/stats", opts.Stats)
	}
	s.router = r
	return s
}

// Router exposes the HTTP routes, for tests and for embedding.
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Run starts the read machinery without listening: the epoll event loop
// and the heartbeat.
func (s *Server) Run() error {
	epoll, err := NewEpoll()
	if err != nil {
		return errors.Wrap(err, "ws: create epoll")
	}
	s.epoll = epoll
	s.startedAt = time.Now()

	go s.startEventLoop()
	s.startHeartbeat(s.config.Heartbeat)
	return nil
}

// Start runs the server and blocks serving HTTP on ListenAddr.
func (s *Server) Start() error {
	if err := s.Run(); err != nil {
		return err
	}
	s.httpServer = &http.Server{
		Addr:              s.config.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	jww.INFO.Printf("[ws] listening on %s (workers=%d, max_conns=%d, epoll=%v)",
		s.config.ListenAddr, s.config.WorkerPoolSize, s.config.MaxConnections, nativeEpoll)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "ws: http server")
	}
	return nil
}

func (s *Server) handleUpgrade(c *gin.Context) {
	if s.epoll == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "not ready"})
		return
	}
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "too many connections"})
		return
	}

	ip := c.ClientIP()
	if s.opts.Limiter != nil {
		ok, err := s.opts.Limiter.Allow(c.Request.Context(), ip, ratelimit.RuleConnect)
		if err != nil {
			jww.DEBUG.Printf("[ws] connect limit %s: %v", ip, err)
		}
		if !ok {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many connection attempts"})
			return
		}
	}

	ident, err := s.identify(c)
	if err != nil {
		jww.INFO.Printf("[ws] rejected upgrade from %s: %v", ip, err)
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing token"})
		return
	}

	netConn, _, _, err := ws.UpgradeHTTP(c.Request, c.Writer)
	if err != nil {
		jww.WARN.Printf("[ws] upgrade failed from %s: %v", ip, err)
		return
	}

	codec := protocol.JSON
	if c.Query("codec") == protocol.MsgPack.Name() {
		codec = protocol.MsgPack
	}
	conn := newConnection(ident.UserID, netConn, codec, s.config.WriteTimeout)
	conn.RemoteIP = ip
	conn.remove = s.RemoveConnection

	// Registered before Connect so a replaced connection for the same user
	// is recognised as stale when it closes.
	s.conns.Add(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.handler.Connect(ctx, ident, conn); err != nil {
		jww.WARN.Printf("[ws] connect user=%s: %v", ident.UserID, err)
		_ = conn.Send(protocol.ErrorMsg{Code: protocol.CodeServiceUnavailable, Message: "server unavailable"})
		s.conns.Remove(conn)
		_ = conn.closeSocket()
		return
	}

	if nativeEpoll {
		if err := s.epoll.Add(netConn); err != nil {
			jww.ERROR.Printf("[ws] %v", err)
			s.RemoveConnection(conn)
			return
		}
	} else {
		go s.readLoop(conn)
	}
	jww.INFO.Printf("[ws] new connection user=%s fd=%d codec=%s (total=%d)", conn.ID, conn.Fd, codec.Name(), s.conns.Count())
}

// identify resolves the identity for an upgrade request. Browsers cannot
// set headers on a WebSocket handshake, so the token may come in the
// query string.
func (s *Server) identify(c *gin.Context) (identity.Identity, error) {
	raw := c.Query("token")
	if raw == "" {
		if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
			raw = strings.TrimPrefix(h, "Bearer ")
		}
	}
	if raw == "" || s.opts.Tokens == nil {
		if s.config.RequireToken {
			return identity.Identity{}, identity.ErrInvalidToken
		}
		return identity.Anonymous(), nil
	}
	return s.opts.Tokens.Verify(raw)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": s.conns.Count(),
		"uptime":      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

// startEventLoop hands every ready socket to a worker, bounded by the
// worker pool.
func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if !isEINTR(err) {
				jww.WARN.Printf("[ws] epoll wait: %v", err)
			}
			continue
		}

		for _, netConn := range conns {
			c := s.conns.GetByConn(netConn)
			if c == nil {
				continue
			}
			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(c)
			}()
		}
	}
}

// readLoop is the per-connection reader used where epoll is unavailable.
func (s *Server) readLoop(c *Connection) {
	for s.handleConn(c) {
	}
}

// handleConn reads one frame from c. It returns false once the connection
// was removed.
func (s *Server) handleConn(c *Connection) bool {
	// Level-triggered epoll may report the same socket twice.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return true
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if nativeEpoll && s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer c.Conn.SetReadDeadline(time.Time{})
	}

	header, reader, err := wsutil.NextReader(c.Conn, ws.StateServerSide)
	if err != nil {
		// A timeout on a stale readiness report is not fatal.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return true
		}
		s.RemoveConnection(c)
		return false
	}
	c.touch()

	if s.config.MaxFrameSize > 0 && header.Length > s.config.MaxFrameSize {
		jww.INFO.Printf("[ws] frame of %d bytes from user=%s exceeds limit", header.Length, c.ID)
		s.RemoveConnection(c)
		return false
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c)
			return false
		}
	}

	switch header.OpCode {
	case ws.OpClose:
		s.RemoveConnection(c)
		return false
	case ws.OpPing:
		if err := c.writePong(data); err != nil {
			s.RemoveConnection(c)
			return false
		}
		return true
	case ws.OpPong, ws.OpContinuation:
		return true
	case ws.OpBinary:
		return s.dispatch(c, protocol.MsgPack, data)
	default:
		return s.dispatch(c, protocol.JSON, data)
	}
}

// RemoveConnection closes c and, unless c was replaced by a newer
// connection for the same user, reports the user as disconnected.
func (s *Server) RemoveConnection(c *Connection) {
	c.closeOnce.Do(func() {
		if s.epoll != nil && nativeEpoll {
			if err := s.epoll.Remove(c.Conn); err != nil {
				jww.DEBUG.Printf("[ws] %v", err)
			}
		}
		_ = c.Conn.Close()
	})

	if !s.conns.Remove(c) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.handler.Disconnect(ctx, c.ID)
	jww.INFO.Printf("[ws] connection closed user=%s (total=%d)", c.ID, s.conns.Count())
}

// Connections returns the live connection index.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops listening, closes every connection and releases epoll.
// The relay should be drained first so in-flight messages are answered.
func (s *Server) Shutdown(ctx context.Context) error {
	jww.INFO.Printf("[ws] shutting down")
	s.stopOnce.Do(func() { close(s.done) })

	var err error
	if s.httpServer != nil {
		err = errors.Wrap(s.httpServer.Shutdown(ctx), "ws: http shutdown")
	}
	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}
	if s.epoll != nil {
		_ = s.epoll.Close()
	}
	jww.INFO.Printf("[ws] stopped")
	return err
}
