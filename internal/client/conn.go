// Package client implements the real-time chat core of the JobLink web
// client: one persistent WebSocket connection per authenticated session,
// presence tracking, message reconciliation between REST history and live
// pushes, typing indicators, and conversation-list synchronization.
//
// The package is transport-only plus in-memory state; rendering is the
// caller's problem. All inbound events are dispatched from a single read
// goroutine, so handler callbacks observe state changes in arrival order.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/joblink/chat/internal/protocol"
)

// Session is the authenticated identity the chat core operates under. It is
// owned by the auth layer; the chat core only reads it.
type Session struct {
	UserID string
	Token  string
}

// Valid reports whether the session carries both an identity and a credential.
func (s Session) Valid() bool {
	return s.UserID != "" && s.Token != ""
}

// Status is the connection lifecycle state.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
)

// Reconnect backoff tuning. Delays double per attempt from the base up to
// the cap, with ±20% jitter so reconnecting clients don't stampede.
const (
	reconnectBase = 1 * time.Second
	reconnectCap  = 30 * time.Second
)

// EventHandler receives the raw JSON of an inbound event for flexible
// decoding. Handlers run on the read goroutine and must not block for
// extended periods.
type EventHandler func(raw json.RawMessage)

// Conn owns the persistent duplex connection for one session. It dials with
// the session token attached, dispatches inbound events to registered
// handlers, exposes a fire-and-forget Emit, and transparently reconnects
// with exponential backoff when an established connection drops.
//
// A Conn is tied to at most one live socket at a time. Dialing again (new
// login) tears down the previous socket first so handlers are never
// double-subscribed.
type Conn struct {
	wsURL string

	mu         sync.Mutex
	sess       Session
	netConn    net.Conn
	status     Status
	handlers   map[string]EventHandler
	statusFn   func(Status, error)
	statusQ    []statusEvent
	delivering bool
	closed     bool
	gen        int // bumped on every dial/close; stale goroutines check it and exit
}

type statusEvent struct {
	status Status
	err    error
}

// NewConn creates a connection manager for the given WebSocket URL
// (e.g. "ws://host:8080/ws"). No connection is made until Dial.
func NewConn(wsURL string) *Conn {
	return &Conn{
		wsURL:    wsURL,
		status:   StatusDisconnected,
		handlers: make(map[string]EventHandler),
	}
}

// OnStatus registers a callback invoked on every status transition. The err
// argument is non-nil for transitions into StatusError.
func (c *Conn) OnStatus(fn func(status Status, err error)) {
	c.mu.Lock()
	c.statusFn = fn
	c.mu.Unlock()
}

// On registers a handler for a server event type. Only one handler per type
// is supported; registering a second handler for the same type replaces the
// first.
func (c *Conn) On(eventType string, handler EventHandler) {
	c.mu.Lock()
	c.handlers[eventType] = handler
	c.mu.Unlock()
}

// Off removes the handler for an event type.
func (c *Conn) Off(eventType string) {
	c.mu.Lock()
	delete(c.handlers, eventType)
	c.mu.Unlock()
}

// Status returns the current connection status.
func (c *Conn) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Dial opens the live channel authenticated with the session's token. It
// returns ErrInvalidSession without touching the network if the session is
// incomplete. Any previous connection is torn down first.
//
// An initial dial failure is returned to the caller (status StatusError)
// and is not retried automatically; once a connection has been established,
// drops are redialed in the background with capped exponential backoff.
func (c *Conn) Dial(ctx context.Context, sess Session) error {
	if !sess.Valid() {
		return ErrInvalidSession
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("%w: connection manager is closed", ErrConnection)
	}
	// Tear down any prior socket so a re-login never leaks the old
	// connection or double-delivers events.
	if c.netConn != nil {
		c.netConn.Close()
		c.netConn = nil
	}
	c.gen++
	gen := c.gen
	c.sess = sess
	c.setStatusLocked(StatusConnecting, nil)
	c.mu.Unlock()

	netConn, err := c.dialSocket(ctx, sess)
	if err != nil {
		c.mu.Lock()
		if gen == c.gen && !c.closed {
			c.setStatusLocked(StatusError, err)
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.closed || gen != c.gen {
		// Closed or re-dialed while the handshake was in flight.
		c.mu.Unlock()
		netConn.Close()
		return fmt.Errorf("%w: connection superseded", ErrConnection)
	}
	c.netConn = netConn
	c.setStatusLocked(StatusConnected, nil)
	c.mu.Unlock()

	go c.readLoop(gen, netConn)
	return nil
}

// Emit sends an event over the live channel. It returns ErrNotConnected when
// the channel is down; the event is not queued.
func (c *Conn) Emit(eventType string, payload interface{}) error {
	data, err := protocol.NewMessage(eventType, payload)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != StatusConnected || c.netConn == nil {
		return ErrNotConnected
	}
	if err := wsutil.WriteClientMessage(c.netConn, ws.OpText, data); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrConnection, eventType, err)
	}
	return nil
}

// Close shuts the connection down and cancels any pending reconnect. It is
// idempotent; the status transitions to StatusDisconnected exactly once.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.gen++
	var err error
	if c.netConn != nil {
		err = c.netConn.Close()
		c.netConn = nil
	}
	c.setStatusLocked(StatusDisconnected, nil)
	c.mu.Unlock()
	return err
}

// dialSocket performs the WebSocket handshake with the session token in the
// query string, mirroring how the REST layer sends it as a bearer header.
func (c *Conn) dialSocket(ctx context.Context, sess Session) (net.Conn, error) {
	u, err := url.Parse(c.wsURL)
	if err != nil {
		return nil, fmt.Errorf("%w: bad url %q: %v", ErrConnection, c.wsURL, err)
	}
	q := u.Query()
	q.Set("token", sess.Token)
	u.RawQuery = q.Encode()

	netConn, _, _, err := ws.Dial(ctx, u.String())
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnection, c.wsURL, err)
	}
	return netConn, nil
}

// readLoop reads frames until the socket dies, dispatching each event to its
// registered handler. On an unexpected drop it hands off to the reconnect
// loop; on intentional teardown (Close or a newer Dial) it just exits.
func (c *Conn) readLoop(gen int, netConn net.Conn) {
	for {
		data, err := wsutil.ReadServerText(netConn)
		if err != nil {
			c.mu.Lock()
			if c.closed || gen != c.gen {
				c.mu.Unlock()
				return
			}
			c.gen++
			rgen := c.gen
			sess := c.sess
			c.netConn = nil
			c.setStatusLocked(StatusDisconnected, nil)
			c.mu.Unlock()

			netConn.Close()
			log.Printf("client: connection lost: %v, reconnecting", err)
			go c.reconnectLoop(rgen, sess)
			return
		}

		var env struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &env); err != nil || env.Type == "" {
			continue
		}

		c.mu.Lock()
		handler := c.handlers[env.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

// reconnectLoop redials a dropped connection with capped exponential backoff.
// It stops when the dial succeeds, the manager is closed, or a newer Dial
// supersedes it.
func (c *Conn) reconnectLoop(gen int, sess Session) {
	for attempt := 0; ; attempt++ {
		time.Sleep(reconnectDelay(attempt))

		c.mu.Lock()
		if c.closed || gen != c.gen {
			c.mu.Unlock()
			return
		}
		c.setStatusLocked(StatusConnecting, nil)
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		netConn, err := c.dialSocket(ctx, sess)
		cancel()

		c.mu.Lock()
		if c.closed || gen != c.gen {
			c.mu.Unlock()
			if err == nil {
				netConn.Close()
			}
			return
		}
		if err != nil {
			c.setStatusLocked(StatusError, err)
			c.mu.Unlock()
			log.Printf("client: reconnect attempt %d failed: %v", attempt+1, err)
			continue
		}
		c.netConn = netConn
		c.setStatusLocked(StatusConnected, nil)
		c.mu.Unlock()

		go c.readLoop(gen, netConn)
		return
	}
}

// setStatusLocked updates the status and queues the transition for the
// status callback. Callers must hold c.mu. Transitions are delivered by a
// single goroutine in the order they occurred, so a caller never observes
// connecting after connected from the same dial.
func (c *Conn) setStatusLocked(status Status, err error) {
	if c.status == status && err == nil {
		return
	}
	c.status = status
	c.statusQ = append(c.statusQ, statusEvent{status, err})
	if !c.delivering {
		c.delivering = true
		go c.deliverStatus()
	}
}

// deliverStatus drains the queued transitions one at a time, invoking the
// callback outside the lock.
func (c *Conn) deliverStatus() {
	for {
		c.mu.Lock()
		if len(c.statusQ) == 0 {
			c.delivering = false
			c.mu.Unlock()
			return
		}
		ev := c.statusQ[0]
		c.statusQ = c.statusQ[1:]
		fn := c.statusFn
		c.mu.Unlock()

		if fn != nil {
			fn(ev.status, ev.err)
		}
	}
}

// reconnectDelay returns the backoff delay for the given attempt: the base
// doubled per attempt, capped, with ±20% jitter.
func reconnectDelay(attempt int) time.Duration {
	d := reconnectBase << uint(attempt)
	if d > reconnectCap || d <= 0 {
		d = reconnectCap
	}
	jitter := time.Duration(rand.Int63n(int64(d) / 5))
	if rand.Intn(2) == 0 {
		return d - jitter
	}
	return d + jitter
}
