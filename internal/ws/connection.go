package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Connection represents a single authenticated WebSocket connection with its
// associated identity and a write mutex for serializing outbound frames.
type Connection struct {
	UserID     string     // authenticated user ID from the handshake token
	Name       string     // display name from the token
	Conn       net.Conn   // underlying TCP connection
	Fd         int        // file descriptor for epoll lookups
	CreatedAt  time.Time  // when the connection was established
	lastPing   int64      // unix nanos of the last client activity, accessed atomically
	writeMu    sync.Mutex // serializes writes to this connection
	processing int32      // atomic flag: 0 = idle, 1 = being read by handleConn
}

// Touch records client activity now. Safe to call from any goroutine; the
// heartbeat sweeper reads the timestamp concurrently with the frame workers.
func (c *Connection) Touch() {
	atomic.StoreInt64(&c.lastPing, time.Now().UnixNano())
}

// LastActive returns the time of the last activity observed from the client.
func (c *Connection) LastActive() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastPing))
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// WritePing sends a WebSocket protocol-level ping frame (opcode 0x9) on the
// connection. The write mutex ensures this does not interleave with other
// outbound frames.
func (c *Connection) WritePing() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteFrame(c.Conn, ws.NewPingFrame(nil))
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps user IDs and file
// descriptors to their respective Connection objects. It supports O(1)
// lookups by both user ID and fd. A user has at most one connection per
// node; a newer connection for the same user displaces the older one.
type ConnectionManager struct {
	mu     sync.RWMutex
	byUser map[string]*Connection // user_id -> Connection
	byFd   map[int]*Connection    // fd -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byUser: make(map[string]*Connection),
		byFd:   make(map[int]*Connection),
	}
}

// Add registers a new connection in both lookup maps. If the user already
// had a connection on this node, the displaced connection is returned so the
// caller can close it; otherwise nil.
func (cm *ConnectionManager) Add(conn *Connection) *Connection {
	cm.mu.Lock()
	prev := cm.byUser[conn.UserID]
	if prev != nil {
		delete(cm.byFd, prev.Fd)
	}
	cm.byUser[conn.UserID] = conn
	cm.byFd[conn.Fd] = conn
	cm.mu.Unlock()
	return prev
}

// Remove removes a specific connection, closes the underlying network
// connection, and removes it from both lookup maps. Returns true if the
// connection was found and removed, false if it was already gone or the
// user's registered connection is a newer one.
func (cm *ConnectionManager) Remove(conn *Connection) bool {
	cm.mu.Lock()
	current, ok := cm.byUser[conn.UserID]
	if ok && current == conn {
		delete(cm.byUser, conn.UserID)
		delete(cm.byFd, conn.Fd)
	} else {
		ok = false
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given user ID, or nil if the user is
// not connected to this node.
func (cm *ConnectionManager) Get(userID string) *Connection {
	cm.mu.RLock()
	conn := cm.byUser[userID]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. On platforms without usable fds (the goroutine
// fallback reports -1) it falls back to scanning by identity. Returns nil
// if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	if fd := socketFD(c); fd >= 0 {
		return cm.GetByFd(fd)
	}

	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for _, conn := range cm.byUser {
		if conn.Conn == c {
			return conn
		}
	}
	return nil
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byUser)
	cm.mu.RUnlock()
	return n
}

// Broadcast sends a message to all connected clients. Errors on individual
// connections are silently ignored — failed connections will be cleaned up
// by the event loop when the next read fails.
func (cm *ConnectionManager) Broadcast(msg []byte) {
	for _, conn := range cm.All() {
		_ = conn.WriteMessage(msg)
	}
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byUser))
	for _, conn := range cm.byUser {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
