package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"github.com/joblink/chat/internal/protocol"
)

// Events is the sink the chat core notifies as its state changes. All fields
// are optional. Callbacks fire from the connection's read goroutine (or the
// calling goroutine for local operations) and must not block.
type Events struct {
	// OnStatus fires on every connection status transition.
	OnStatus func(status Status, err error)

	// OnConversations fires whenever the conversation list changes, with
	// the new display-ordered snapshot.
	OnConversations func(conversations []protocol.Conversation)

	// OnMessages fires whenever the active conversation's sequence
	// changes, with the new snapshot.
	OnMessages func(conversationID string, messages []protocol.Message)

	// OnPresence fires with the full online set on every broadcast.
	OnPresence func(online []string)

	// OnTyping fires on idle<->typing transitions for peers in the active
	// conversation.
	OnTyping func(conversationID, userID string, typing bool)
}

// Config carries everything a Chat needs. Session is owned by the auth
// collaborator; the chat core only reads it.
type Config struct {
	APIBaseURL string // e.g. "http://localhost:8080"
	WSURL      string // e.g. "ws://localhost:8080/ws"
	Session    Session
	Events     Events
}

// Chat is the explicitly constructed service object tying the chat core
// together: connection manager, presence tracker, message reconciler, typing
// state and conversation list. It has an explicit Open/Close lifecycle; no
// ambient globals.
type Chat struct {
	sess     Session
	rest     *RESTClient
	conn     *Conn
	presence *PresenceTracker
	typing   *TypingTracker
	rec      *Reconciler
	convs    *ConversationList
	events   Events
}

// New builds a Chat for the given configuration. It returns
// ErrInvalidSession if the session is incomplete; nothing touches the
// network until Open.
func New(cfg Config) (*Chat, error) {
	if !cfg.Session.Valid() {
		return nil, ErrInvalidSession
	}

	rest := NewRESTClient(cfg.APIBaseURL, cfg.Session.Token)
	c := &Chat{
		sess:     cfg.Session,
		rest:     rest,
		conn:     NewConn(cfg.WSURL),
		presence: NewPresenceTracker(),
		typing:   NewTypingTracker(),
		rec:      NewReconciler(rest),
		convs:    NewConversationList(),
		events:   cfg.Events,
	}

	if fn := cfg.Events.OnStatus; fn != nil {
		c.conn.OnStatus(fn)
	}
	if fn := cfg.Events.OnTyping; fn != nil {
		c.typing.OnChange(fn)
	}
	c.registerHandlers()
	return c, nil
}

// Open loads the conversation list over REST and dials the live channel.
// A dial failure is returned but leaves the REST-loaded state usable: the
// caller shows a degraded-mode banner and the rest of the app keeps working.
func (c *Chat) Open(ctx context.Context) error {
	convs, err := c.rest.ListConversations(ctx)
	if err != nil {
		return fmt.Errorf("client: load conversations: %w", err)
	}
	c.convs.Replace(convs)
	c.fireConversations()

	if err := c.conn.Dial(ctx, c.sess); err != nil {
		return err
	}
	return nil
}

// Close releases the live channel and cancels all pending typing timers. It
// is idempotent and safe to call from any goroutine.
func (c *Chat) Close() error {
	c.typing.Close()
	return c.conn.Close()
}

// SetActiveConversation opens a conversation: the previous sequence is
// dropped, history is fetched, and the unread marker is cleared best-effort.
// Switching again while the fetch is in flight makes the old fetch a no-op.
func (c *Chat) SetActiveConversation(ctx context.Context, conversationID string) error {
	c.rec.SetActive(conversationID)
	if conversationID == "" {
		return nil
	}

	if err := c.rec.LoadHistory(ctx, conversationID); err != nil {
		return err
	}
	if c.rec.Active() == conversationID {
		c.fireMessages(conversationID)
	}

	if err := c.rest.MarkRead(ctx, conversationID); err != nil {
		log.Printf("client: mark read %s: %v", conversationID, err)
	}
	return nil
}

// RetryHistory refetches the active conversation's history after a failed
// load.
func (c *Chat) RetryHistory(ctx context.Context) error {
	active := c.rec.Active()
	if active == "" {
		return nil
	}
	if err := c.rec.LoadHistory(ctx, active); err != nil {
		return err
	}
	c.fireMessages(active)
	return nil
}

// Send delivers a message to the active conversation: REST persist first,
// then the live emit carrying the canonical server-assigned message. On REST
// failure nothing is emitted or appended and the error (wrapping
// ErrMessageSend) propagates, so the caller keeps the typed text for
// resubmission. A failed emit after a successful persist only degrades the
// real-time path and is logged, not returned.
func (c *Chat) Send(ctx context.Context, text string) (protocol.Message, error) {
	active := c.rec.Active()
	if active == "" {
		return protocol.Message{}, fmt.Errorf("%w: no active conversation", ErrMessageSend)
	}

	msg, err := c.rest.SendMessage(ctx, active, text)
	if err != nil {
		return protocol.Message{}, err
	}

	if err := c.conn.Emit(protocol.TypeSendMessage, protocol.SendMessageMsg{
		ConversationID: active,
		Message:        msg,
	}); err != nil {
		log.Printf("client: live emit after send failed (message %s is persisted): %v", msg.ID, err)
	}

	// Local update happens immediately from the REST response; if the
	// server echoes the message back, the reconciler dedupes it by ID.
	if c.rec.AppendLive(msg) {
		c.fireMessages(active)
	}
	if c.convs.Touch(msg) {
		c.fireConversations()
	}
	return msg, nil
}

// NotifyTyping signals that the user is typing in the active conversation,
// throttled to one emit per conversation per interval. Call it on every
// keystroke; the throttle makes that cheap.
func (c *Chat) NotifyTyping() {
	active := c.rec.Active()
	if active == "" || !c.typing.AllowEmit(active) {
		return
	}
	err := c.conn.Emit(protocol.TypeTyping, protocol.TypingMsg{
		ConversationID: active,
		UserID:         c.sess.UserID,
	})
	if err != nil && !errors.Is(err, ErrNotConnected) {
		log.Printf("client: typing emit: %v", err)
	}
}

// CreateConversation starts a conversation with another user and adds it to
// the front of the list.
func (c *Chat) CreateConversation(ctx context.Context, userID string) (protocol.Conversation, error) {
	conv, err := c.rest.CreateConversation(ctx, userID)
	if err != nil {
		return protocol.Conversation{}, err
	}
	if c.convs.Prepend(conv) {
		c.fireConversations()
	}
	return conv, nil
}

// Conversations returns the current display-ordered conversation snapshot.
func (c *Chat) Conversations() []protocol.Conversation {
	return c.convs.Snapshot()
}

// Messages returns the active conversation's message snapshot.
func (c *Chat) Messages() []protocol.Message {
	return c.rec.Messages()
}

// ActiveConversation returns the open conversation ID, or "".
func (c *Chat) ActiveConversation() string {
	return c.rec.Active()
}

// IsOnline reports whether a user is in the most recent presence broadcast.
func (c *Chat) IsOnline(userID string) bool {
	return c.presence.IsOnline(userID)
}

// PeerIsTyping reports whether a peer is currently typing in a conversation.
func (c *Chat) PeerIsTyping(conversationID, userID string) bool {
	return c.typing.IsTyping(conversationID, userID)
}

// ConnectionStatus returns the live channel's current status.
func (c *Chat) ConnectionStatus() Status {
	return c.conn.Status()
}

// registerHandlers subscribes the inbound event routes. Handlers run on the
// read goroutine, one at a time, so the mutations they perform are observed
// in arrival order.
func (c *Chat) registerHandlers() {
	c.conn.On(protocol.TypeOnlineUsers, func(raw json.RawMessage) {
		var m protocol.OnlineUsersMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			log.Printf("client: bad online_users payload: %v", err)
			return
		}
		c.presence.Replace(m.Users)
		if fn := c.events.OnPresence; fn != nil {
			fn(m.Users)
		}
	})

	c.conn.On(protocol.TypeReceiveMessage, func(raw json.RawMessage) {
		var m protocol.ReceiveMessageMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			log.Printf("client: bad receive_message payload: %v", err)
			return
		}
		// A delivered message implies the sender stopped typing.
		c.typing.Clear(m.Message.ConversationID, m.Message.SenderID)

		if c.rec.AppendLive(m.Message) {
			c.fireMessages(m.Message.ConversationID)
		}
		if c.convs.Touch(m.Message) {
			c.fireConversations()
		}
	})

	c.conn.On(protocol.TypeUserTyping, func(raw json.RawMessage) {
		var m protocol.UserTypingMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			log.Printf("client: bad user_typing payload: %v", err)
			return
		}
		// Only peers in the open conversation get an indicator; our own
		// events echoed back are ignored.
		if m.UserID == c.sess.UserID || m.ConversationID != c.rec.Active() {
			return
		}
		c.typing.PeerTyping(m.ConversationID, m.UserID)
	})

	c.conn.On(protocol.TypeNewConversation, func(raw json.RawMessage) {
		var m protocol.NewConversationMsg
		if err := json.Unmarshal(raw, &m); err != nil {
			log.Printf("client: bad new_conversation payload: %v", err)
			return
		}
		if c.convs.Prepend(m.Conversation) {
			c.fireConversations()
		}
	})
}

func (c *Chat) fireConversations() {
	if fn := c.events.OnConversations; fn != nil {
		fn(c.convs.Snapshot())
	}
}

func (c *Chat) fireMessages(conversationID string) {
	if fn := c.events.OnMessages; fn != nil {
		fn(conversationID, c.rec.Messages())
	}
}
