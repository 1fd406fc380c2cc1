package client

import (
	"sync"
	"time"
)

// Typing indicator timing. The expiry matches the server-less contract: there
// is no stop-typing event, so an indicator only ends by timeout or by the
// peer's actual message arriving. Outbound notifications are throttled so a
// fast typist doesn't flood the channel with one event per keystroke.
const (
	DefaultTypingExpiry = 3 * time.Second
	DefaultEmitInterval = 1500 * time.Millisecond
)

type typingKey struct {
	conversationID string
	userID         string
}

// typingState is one pair's pending expiry. The deadline is authoritative:
// a timer firing concurrently with a renewal re-checks it before clearing,
// since Reset on an already-fired timer cannot recall the in-flight callback.
type typingState struct {
	timer    *time.Timer
	deadline time.Time
}

// TypingTracker holds the transient per-(conversation, peer) typing state.
// Each peer event resets that pair's expiry timer — a debounce, not an
// accumulating set of timers.
type TypingTracker struct {
	expiry       time.Duration
	emitInterval time.Duration

	mu       sync.Mutex
	timers   map[typingKey]*typingState
	lastEmit map[string]time.Time // conversationID -> last outbound notify
	onChange func(conversationID, userID string, typing bool)
	closed   bool
}

// NewTypingTracker creates a tracker with the default expiry and outbound
// throttle interval.
func NewTypingTracker() *TypingTracker {
	return NewTypingTrackerWithTiming(DefaultTypingExpiry, DefaultEmitInterval)
}

// NewTypingTrackerWithTiming creates a tracker with explicit timing,
// primarily for tests that cannot wait out the real expiry.
func NewTypingTrackerWithTiming(expiry, emitInterval time.Duration) *TypingTracker {
	return &TypingTracker{
		expiry:       expiry,
		emitInterval: emitInterval,
		timers:       make(map[typingKey]*typingState),
		lastEmit:     make(map[string]time.Time),
	}
}

// OnChange registers a callback fired on every idle<->typing transition.
// It runs without the tracker lock held.
func (t *TypingTracker) OnChange(fn func(conversationID, userID string, typing bool)) {
	t.mu.Lock()
	t.onChange = fn
	t.mu.Unlock()
}

// PeerTyping records a typing event from a peer. A new pair transitions
// idle -> typing; a known pair has its expiry timer reset, extending the
// indicator from now rather than from the first event.
func (t *TypingTracker) PeerTyping(conversationID, userID string) {
	key := typingKey{conversationID, userID}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	deadline := time.Now().Add(t.expiry)
	if st, ok := t.timers[key]; ok {
		st.deadline = deadline
		st.timer.Reset(t.expiry)
		t.mu.Unlock()
		return
	}
	t.timers[key] = &typingState{
		timer:    time.AfterFunc(t.expiry, func() { t.expire(key) }),
		deadline: deadline,
	}
	fn := t.onChange
	t.mu.Unlock()

	if fn != nil {
		fn(conversationID, userID, true)
	}
}

// Clear drops the typing state for a pair immediately. Called when an actual
// message from that user arrives: a delivered message implies typing ended.
func (t *TypingTracker) Clear(conversationID, userID string) {
	key := typingKey{conversationID, userID}

	t.mu.Lock()
	st, ok := t.timers[key]
	if ok {
		st.timer.Stop()
		delete(t.timers, key)
	}
	fn := t.onChange
	t.mu.Unlock()

	if ok && fn != nil {
		fn(conversationID, userID, false)
	}
}

// IsTyping reports whether the pair is currently in the typing state.
func (t *TypingTracker) IsTyping(conversationID, userID string) bool {
	t.mu.Lock()
	_, ok := t.timers[typingKey{conversationID, userID}]
	t.mu.Unlock()
	return ok
}

// AllowEmit reports whether a local typing notification for the conversation
// may be sent now, and if so records the emission. At most one outbound
// notify per conversation per throttle interval.
func (t *TypingTracker) AllowEmit(conversationID string) bool {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	if last, ok := t.lastEmit[conversationID]; ok && now.Sub(last) < t.emitInterval {
		return false
	}
	t.lastEmit[conversationID] = now
	return true
}

// Close stops every pending expiry timer. The tracker accepts no further
// events afterwards.
func (t *TypingTracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	for key, st := range t.timers {
		st.timer.Stop()
		delete(t.timers, key)
	}
}

// expire is the timer callback removing a pair after the expiry elapses with
// no renewal. A renewal that landed while this firing was in flight pushed
// the deadline forward; in that case re-arm for the remainder and keep the
// pair.
func (t *TypingTracker) expire(key typingKey) {
	t.mu.Lock()
	st, ok := t.timers[key]
	if ok {
		if remaining := time.Until(st.deadline); remaining > 0 {
			st.timer.Reset(remaining)
			t.mu.Unlock()
			return
		}
		delete(t.timers, key)
	}
	fn := t.onChange
	closed := t.closed
	t.mu.Unlock()

	if ok && !closed && fn != nil {
		fn(key.conversationID, key.userID, false)
	}
}
