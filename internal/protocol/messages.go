// Package protocol defines the WebSocket event types and structures used for
// communication between the chat client and server. All events are serialized
// as JSON and follow a consistent envelope format with a type discriminator.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeSendMessage = "send_message"
	TypeTyping      = "typing"
	TypePing        = "ping"
)

// Server -> Client event types.
const (
	TypeOnlineUsers     = "online_users"
	TypeReceiveMessage  = "receive_message"
	TypeUserTyping      = "user_typing"
	TypeNewConversation = "new_conversation"
	TypeError           = "error"
	TypePong            = "pong"
)

// ---------------------------------------------------------------------------
// Data model shared by the wire protocol and the REST layer
// ---------------------------------------------------------------------------

// Participant identifies the other user in a conversation as shown in the
// conversation list.
type Participant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// Conversation is a channel between the current user and one other
// participant. LastMessageTs is a unix timestamp in milliseconds; the
// conversation list is ordered by it, most recent first.
type Conversation struct {
	ID            string      `json:"id"`
	Participant   Participant `json:"participant"`
	LastMessage   string      `json:"last_message,omitempty"`
	LastMessageTs int64       `json:"last_message_ts,omitempty"`
	Unread        int         `json:"unread,omitempty"`
}

// Message is a single chat message. Messages are immutable once created; the
// ID and Ts fields are assigned by the server when the message is persisted.
type Message struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	SenderID       string `json:"sender_id"`
	Text           string `json:"text"`
	Ts             int64  `json:"ts"`
}

// ---------------------------------------------------------------------------
// Envelope — used for initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON implements the json.Unmarshaler interface. It captures the
// full raw bytes and extracts only the "type" field so that the rest of the
// payload can be decoded later into the appropriate concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	// Capture the full raw message for deferred parsing.
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	// Extract only the type field.
	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// SendMessageMsg is emitted by the client after the REST layer has persisted
// a message, carrying the canonical server-assigned message for real-time
// fan-out to the other participant.
type SendMessageMsg struct {
	Type           string  `json:"type"`
	ConversationID string  `json:"conversation_id"`
	Message        Message `json:"message"`
}

// TypingMsg signals that the user is typing in a conversation. There is no
// stop-typing event; receivers expire the indicator on a timer.
type TypingMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// OnlineUsersMsg carries the complete set of currently online user IDs. It is
// a full replacement, never a delta.
type OnlineUsersMsg struct {
	Type  string   `json:"type"`
	Users []string `json:"users"`
}

// ReceiveMessageMsg delivers a message to the conversation's other
// participant in real time.
type ReceiveMessageMsg struct {
	Type    string  `json:"type"`
	Message Message `json:"message"`
}

// UserTypingMsg relays a peer's typing indicator.
type UserTypingMsg struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// NewConversationMsg announces a conversation that was just created with the
// receiving user as a participant.
type NewConversationMsg struct {
	Type         string       `json:"type"`
	Conversation Conversation `json:"conversation"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// It returns the event type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only event types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client event type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewMessage creates a JSON-encoded byte slice for an event. The msgType is
// injected into the payload under the "type" key. The payload should be one
// of the *Msg structs; this function marshals it to JSON, injects the type
// field, and returns the final bytes.
func NewMessage(msgType string, payload interface{}) ([]byte, error) {
	// Marshal the payload struct to a generic map so we can ensure the "type"
	// field is present and correct.
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal event: %w", err)
	}
	return out, nil
}
