// Package ws handles WebSocket connection management for the chat server:
// authenticating and upgrading HTTP connections, maintaining the per-node
// connection registry, and dispatching incoming events to the appropriate
// handlers.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/joblink/chat/internal/auth"
	"github.com/joblink/chat/internal/metrics"
	"github.com/joblink/chat/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
}

// DefaultServerConfig returns a ServerConfig with sensible production
// defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Server is the WebSocket half of the chat server, built on gobwas/ws and
// Linux epoll. It authenticates the handshake token, registers the upgraded
// connection with an epoll instance for I/O readiness notifications, and
// dispatches ready connections to a bounded worker pool for frame reading.
//
// Presence is driven from here: the OnConnect and OnDisconnect callbacks
// fire exactly once per connection lifetime so the application layer can
// update the shared online set and its fan-out subscriptions.
type Server struct {
	config       ServerConfig
	verifier     *auth.Verifier
	epoll        *Epoll
	conns        *ConnectionManager
	sessions     *session.Store // Redis-backed connection registry
	workerPool   chan struct{}  // semaphore limiting concurrent read workers
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(conn *Connection)
	onDisconnect func(conn *Connection)
	bufPool      sync.Pool
	done         chan struct{}
	startedAt    time.Time
}

// NewServer creates a Server with the given configuration, token verifier,
// and session registry. The onMessage function is called from a worker
// goroutine whenever a complete WebSocket text frame is received; the data
// slice is backed by a pooled buffer and is only valid for the duration of
// the call.
func NewServer(config ServerConfig, verifier *auth.Verifier, sessions *session.Store, onMessage func(conn *Connection, data []byte)) *Server {
	return &Server{
		config:     config,
		verifier:   verifier,
		conns:      NewConnectionManager(),
		sessions:   sessions,
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
		bufPool: sync.Pool{
			New: func() interface{} {
				buf := make([]byte, 4096)
				return &buf
			},
		},
	}
}

// SetOnConnect registers a callback invoked after a connection has been
// authenticated and registered.
func (s *Server) SetOnConnect(fn func(conn *Connection)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked when a connection is removed
// (read error, heartbeat timeout, or graceful close). It is called before
// the session registry entry is deleted, so the handler can inspect state.
func (s *Server) SetOnDisconnect(fn func(conn *Connection)) {
	s.onDisconnect = fn
}

// Start initializes the epoll instance and begins the event loop and
// heartbeat in background goroutines. The HTTP side is mounted by the
// caller via Handler.
func (s *Server) Start() error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s.startedAt = time.Now()

	go s.startEventLoop()
	StartHeartbeat(s, DefaultHeartbeatConfig())

	log.Printf("ws: server started (workers=%d, max_conns=%d)",
		s.config.WorkerPoolSize, s.config.MaxConnections)
	return nil
}

// Handler returns the HTTP handler that upgrades requests to WebSocket
// connections. Mount it on the application's router at /ws.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

// handleUpgrade authenticates and upgrades an HTTP request to a WebSocket
// connection. The session token travels in the "token" query parameter the
// same way the REST layer carries it as a bearer header; a missing or
// invalid token rejects the handshake before the upgrade.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	identity, err := s.verifier.Verify(token)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		log.Printf("ws: upgrade failed user=%s: %v", identity.UserID, err)
		return
	}

	c := &Connection{
		UserID:    identity.UserID,
		Name:      identity.Name,
		Conn:      conn,
		Fd:        socketFD(conn),
		CreatedAt: time.Now(),
	}
	c.Touch()

	// Register the connection; a prior connection for the same user on
	// this node is displaced and closed.
	if prev := s.conns.Add(c); prev != nil {
		_ = s.epoll.Remove(prev.Conn)
		prev.Close()
		log.Printf("ws: displaced older connection user=%s", identity.UserID)
	}
	if err := s.epoll.Add(conn); err != nil {
		log.Printf("ws: epoll add failed user=%s: %v", identity.UserID, err)
		s.conns.Remove(c)
		return
	}

	// Record the connection in the shared registry.
	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessions.Create(ctx, identity.UserID, identity.Name); err != nil {
			log.Printf("ws: failed to register session for %s: %v", identity.UserID, err)
		}
	}

	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))

	if s.onConnect != nil {
		s.onConnect(c)
	}

	log.Printf("ws: new connection user=%s fd=%d (total=%d)", identity.UserID, c.Fd, s.conns.Count())
}

// HealthHandler responds with the server's health status as JSON, including
// the current connection count and uptime.
func (s *Server) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		resp := struct {
			Status      string `json:"status"`
			Connections int    `json:"connections"`
			Uptime      string `json:"uptime"`
		}{
			Status:      "ok",
			Connections: s.conns.Count(),
			Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
		}

		_ = json.NewEncoder(w).Encode(resp)
	})
}

// startEventLoop runs the epoll wait loop. For each batch of ready
// connections, it dispatches each to a worker goroutine (bounded by the
// worker pool semaphore) that reads and processes the WebSocket frame.
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
				// EINTR is expected during signal handling.
				if isEINTR(err) {
					continue
				}
				log.Printf("ws: epoll wait error: %v", err)
				continue
			}
		}

		for _, conn := range conns {
			conn := conn // capture for goroutine

			// Acquire a worker slot (blocks if pool is full).
			s.workerPool <- struct{}{}

			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single WebSocket frame from a ready connection using
// wsutil.NextReader so that control frames (ping, pong) are handled without
// blocking on a data frame that may never arrive. If the read fails the
// connection is removed from epoll and the connection manager.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(netConn, ws.StateServerSide)
	if err != nil {
		// A read timeout means no data was available (stale epoll
		// dispatch). Don't kill the connection — the heartbeat handles
		// dead connections.
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}

	// Clear read deadline after successful frame read.
	_ = netConn.SetReadDeadline(time.Time{})

	// Any frame proves the connection is alive.
	c.Touch()

	// Handle control frames without removing the connection.
	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c)
		}
		// Pong/ping: connection is alive, nothing else to do.
		return
	}

	// Read the data frame payload into a pooled buffer. The slice is reused
	// once onMessage returns; the dispatcher decodes it before then.
	bufp := s.bufPool.Get().(*[]byte)
	defer s.bufPool.Put(bufp)
	var data []byte
	if header.Length <= int64(cap(*bufp)) {
		data = (*bufp)[:header.Length]
	} else {
		data = make([]byte, header.Length)
	}
	if header.Length > 0 {
		_, err = io.ReadFull(reader, data)
		if err != nil {
			s.RemoveConnection(c)
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection removes a connection from both epoll and the connection
// manager, and closes the underlying network connection. It is exported so
// that the heartbeat monitor can evict dead connections.
func (s *Server) RemoveConnection(c *Connection) {
	_ = s.epoll.Remove(c.Conn)

	// Guard: only proceed if the connection was actually in the manager.
	// This prevents double cleanup when multiple goroutines race to remove
	// the same connection (e.g., read error + heartbeat timeout), and
	// keeps a displaced connection's teardown from firing disconnect
	// handling for the user's newer connection.
	if !s.conns.Remove(c) {
		return
	}

	if s.onDisconnect != nil {
		s.onDisconnect(c)
	}

	if s.sessions != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := s.sessions.Delete(ctx, c.UserID); err != nil {
			log.Printf("ws: failed to delete session for %s: %v", c.UserID, err)
		}
	}

	metrics.ConnectionsTotal.Set(float64(s.conns.Count()))
	log.Printf("ws: connection closed user=%s (total=%d)", c.UserID, s.conns.Count())
}

// SendToUser writes a WebSocket text frame to the given user's connection on
// this node. It is goroutine-safe thanks to the per-connection write mutex.
func (s *Server) SendToUser(userID string, data []byte) error {
	c := s.conns.Get(userID)
	if c == nil {
		return fmt.Errorf("ws: user %s not connected to this node", userID)
	}

	if s.config.WriteTimeout > 0 {
		_ = c.Conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	}

	err := c.WriteMessage(data)

	// Clear write deadline so it doesn't affect future writes (e.g.,
	// heartbeat pings).
	_ = c.Conn.SetWriteDeadline(time.Time{})

	return err
}

// Connections returns the ConnectionManager for external access to
// connection state (e.g., by the heartbeat or the presence broadcaster).
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Sessions returns the shared session registry.
func (s *Server) Sessions() *session.Store {
	return s.sessions
}

// Shutdown performs a graceful shutdown: it signals the event loop to exit,
// closes all active connections (firing disconnect handling for each), and
// cleans up the epoll instance.
func (s *Server) Shutdown() error {
	log.Println("ws: shutting down server...")

	close(s.done)

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}

	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	log.Printf("ws: server stopped, all connections closed")
	return nil
}

// isEINTR checks if the error is a syscall interrupted error (EINTR),
// which is expected during signal handling and should be retried.
func isEINTR(err error) bool {
	if err == nil {
		return false
	}
	return err.Error() == "interrupted system call" ||
		err.Error() == "errno 4"
}
