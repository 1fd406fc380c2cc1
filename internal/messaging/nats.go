// Package messaging provides a NATS client wrapper for pub/sub fan-out
// between chat server instances. Events are published as ready-to-send wire
// bytes (the protocol envelope JSON), so the receiving node writes them to
// its WebSocket connections verbatim.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used across chat server instances.
const (
	// SubjectUser + .<user_id> carries events addressed to a single user
	// (receive_message, user_typing, new_conversation). Whichever node
	// holds that user's connection delivers them.
	SubjectUser = "chat.user"

	// SubjectPresence carries the complete online set after every change.
	// Every node rebroadcasts it to all of its connections.
	SubjectPresence = "chat.presence"
)

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "joblink-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// PublishToUser publishes wire bytes addressed to a single user.
func (c *NATSClient) PublishToUser(userID string, data []byte) error {
	return c.Publish(SubjectUser+"."+userID, data)
}

// SubscribeUser subscribes to a user's event subject. The node hosting that
// user's connection subscribes on connect and unsubscribes on disconnect.
// Resubscribing for the same user replaces the previous subscription; a
// same-node reconnect displaces the old WebSocket without a disconnect
// callback, so the stale subscription must be torn down here or it would
// keep delivering every event twice.
func (c *NATSClient) SubscribeUser(userID string, handler func(data []byte)) error {
	subject := SubjectUser + "." + userID
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	if prev := c.swapSub(subject, sub); prev != nil {
		if err := prev.Unsubscribe(); err != nil {
			log.Printf("[nats] unsubscribe stale %s: %v", subject, err)
		}
	}
	return nil
}

// UnsubscribeUser removes a user's event subscription.
func (c *NATSClient) UnsubscribeUser(userID string) error {
	return c.unsubscribe(SubjectUser + "." + userID)
}

// PublishPresence publishes the online_users wire bytes to all nodes.
func (c *NATSClient) PublishPresence(data []byte) error {
	return c.Publish(SubjectPresence, data)
}

// SubscribePresence subscribes to presence broadcasts.
func (c *NATSClient) SubscribePresence(handler func(data []byte)) error {
	sub, err := c.conn.Subscribe(SubjectPresence, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", SubjectPresence, err)
	}

	if prev := c.swapSub(SubjectPresence, sub); prev != nil {
		if err := prev.Unsubscribe(); err != nil {
			log.Printf("[nats] unsubscribe stale %s: %v", SubjectPresence, err)
		}
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}

// swapSub records sub for subject and returns the subscription it replaced,
// if any.
func (c *NATSClient) swapSub(subject string, sub *nats.Subscription) *nats.Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.subs[subject]
	c.subs[subject] = sub
	return prev
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
