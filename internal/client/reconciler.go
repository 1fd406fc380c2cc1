package client

import (
	"context"
	"sync"

	"github.com/joblink/chat/internal/protocol"
)

// Reconciler merges REST-fetched message history with live-pushed messages
// for the one conversation that is currently open. The invariant it
// maintains: the in-memory sequence is the fetched history as a prefix, then
// live arrivals in arrival order, with no duplicates (messages are dedup'd by
// server-assigned ID, which also absorbs the sender's own echo).
//
// Every activation bumps a generation counter. A history fetch resolving
// after the user has switched away carries a stale generation and is
// discarded, so a slow fetch can never overwrite the newer conversation.
type Reconciler struct {
	rest *RESTClient

	mu      sync.Mutex
	active  string
	gen     int
	loaded  bool
	msgs    []protocol.Message
	seen    map[string]struct{}
	pending []protocol.Message // live arrivals buffered until history lands
}

// NewReconciler creates a reconciler that loads history through the given
// REST client.
func NewReconciler(rest *RESTClient) *Reconciler {
	return &Reconciler{rest: rest, seen: make(map[string]struct{})}
}

// SetActive switches the open conversation and resets the in-memory
// sequence. Pass the empty string to deactivate. Any in-flight history fetch
// for the previous conversation becomes stale.
func (r *Reconciler) SetActive(conversationID string) {
	r.mu.Lock()
	r.active = conversationID
	r.gen++
	r.loaded = false
	r.msgs = nil
	r.pending = nil
	r.seen = make(map[string]struct{})
	r.mu.Unlock()
}

// Active returns the currently open conversation ID, or "" if none.
func (r *Reconciler) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Loaded reports whether history for the active conversation has landed.
// Until it has, the view shows a pending state.
func (r *Reconciler) Loaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// LoadHistory fetches the message history for a conversation and installs it
// as the sequence prefix. Live messages that arrived while the fetch was in
// flight are appended after it, minus any the history already contains.
//
// If the conversation is no longer active when the fetch resolves, the
// result is discarded and LoadHistory returns nil. A fetch failure for the
// still-active conversation is returned (wrapping ErrHistoryFetch) so the
// caller can offer a retry.
func (r *Reconciler) LoadHistory(ctx context.Context, conversationID string) error {
	r.mu.Lock()
	if r.active != conversationID {
		r.mu.Unlock()
		return nil
	}
	gen := r.gen
	r.mu.Unlock()

	history, err := r.rest.ListMessages(ctx, conversationID)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gen != gen {
		// User switched away while the fetch was in flight.
		return nil
	}
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(history))
	msgs := make([]protocol.Message, 0, len(history)+len(r.pending))
	for _, m := range history {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		msgs = append(msgs, m)
	}
	for _, m := range r.pending {
		if _, dup := seen[m.ID]; dup {
			continue
		}
		seen[m.ID] = struct{}{}
		msgs = append(msgs, m)
	}

	r.msgs = msgs
	r.seen = seen
	r.pending = nil
	r.loaded = true
	return nil
}

// AppendLive appends a live-pushed message if it belongs to the active
// conversation. Messages for other conversations are not stored here (the
// conversation list still consumes them); duplicates by ID are dropped.
// Returns whether the active sequence changed.
func (r *Reconciler) AppendLive(msg protocol.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if msg.ConversationID != r.active {
		return false
	}
	if _, dup := r.seen[msg.ID]; dup {
		return false
	}
	r.seen[msg.ID] = struct{}{}

	if !r.loaded {
		// History is still in flight; hold the message until it lands so
		// the fetched prefix stays in front.
		r.pending = append(r.pending, msg)
		return false
	}
	r.msgs = append(r.msgs, msg)
	return true
}

// Messages returns a snapshot of the active conversation's sequence.
func (r *Reconciler) Messages() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Message, len(r.msgs))
	copy(out, r.msgs)
	return out
}
