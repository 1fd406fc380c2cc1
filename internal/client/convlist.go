package client

import (
	"sync"

	"github.com/joblink/chat/internal/protocol"
)

// ConversationList keeps the recency-ordered conversation list in sync as
// messages and conversations arrive. Unlike the message reconciler it is
// always live: every received message updates it, whichever conversation is
// open.
type ConversationList struct {
	mu    sync.Mutex
	items []protocol.Conversation
}

// NewConversationList creates an empty list.
func NewConversationList() *ConversationList {
	return &ConversationList{}
}

// Replace installs a freshly fetched list, assumed already ordered by
// recency.
func (l *ConversationList) Replace(items []protocol.Conversation) {
	next := make([]protocol.Conversation, len(items))
	copy(next, items)

	l.mu.Lock()
	l.items = next
	l.mu.Unlock()
}

// Touch updates a conversation's last-message fields from a delivered or
// sent message and moves it to the front of the list. A message for an
// unknown conversation is ignored; creation is announced separately via
// new_conversation. Returns whether the list changed.
func (l *ConversationList) Touch(msg protocol.Message) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.items {
		if l.items[i].ID != msg.ConversationID {
			continue
		}
		conv := l.items[i]
		conv.LastMessage = msg.Text
		conv.LastMessageTs = msg.Ts
		// Most recent first; the rest of the order is untouched.
		copy(l.items[1:i+1], l.items[0:i])
		l.items[0] = conv
		return true
	}
	return false
}

// Prepend inserts a newly created conversation at the front. A conversation
// whose ID is already present is ignored.
func (l *ConversationList) Prepend(conv protocol.Conversation) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.items {
		if l.items[i].ID == conv.ID {
			return false
		}
	}
	l.items = append([]protocol.Conversation{conv}, l.items...)
	return true
}

// Get returns the conversation with the given ID and whether it exists.
func (l *ConversationList) Get(conversationID string) (protocol.Conversation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := range l.items {
		if l.items[i].ID == conversationID {
			return l.items[i], true
		}
	}
	return protocol.Conversation{}, false
}

// Snapshot returns a copy of the list in display order.
func (l *ConversationList) Snapshot() []protocol.Conversation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]protocol.Conversation, len(l.items))
	copy(out, l.items)
	return out
}

// Len returns the number of conversations.
func (l *ConversationList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}
