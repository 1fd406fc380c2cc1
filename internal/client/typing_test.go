package client

import (
	"sync"
	"testing"
	"time"
)

func TestTypingTracker_ExpiresAfterTimeout(t *testing.T) {
	tracker := NewTypingTrackerWithTiming(30*time.Millisecond, time.Millisecond)
	defer tracker.Close()

	tracker.PeerTyping("conv-1", "u-2")
	if !tracker.IsTyping("conv-1", "u-2") {
		t.Fatal("expected typing state after event")
	}

	time.Sleep(80 * time.Millisecond)
	if tracker.IsTyping("conv-1", "u-2") {
		t.Error("expected typing state to expire")
	}
}

func TestTypingTracker_RepeatedEventsExtend(t *testing.T) {
	tracker := NewTypingTrackerWithTiming(50*time.Millisecond, time.Millisecond)
	defer tracker.Close()

	tracker.PeerTyping("conv-1", "u-2")

	// Keep renewing past the original expiry; the indicator must survive.
	for i := 0; i < 4; i++ {
		time.Sleep(25 * time.Millisecond)
		tracker.PeerTyping("conv-1", "u-2")
	}
	if !tracker.IsTyping("conv-1", "u-2") {
		t.Error("expected typing state to persist while events keep arriving")
	}

	time.Sleep(100 * time.Millisecond)
	if tracker.IsTyping("conv-1", "u-2") {
		t.Error("expected typing state to expire after events stop")
	}
}

func TestTypingTracker_ClearOnMessage(t *testing.T) {
	tracker := NewTypingTrackerWithTiming(time.Minute, time.Millisecond)
	defer tracker.Close()

	tracker.PeerTyping("conv-1", "u-2")
	tracker.Clear("conv-1", "u-2")

	if tracker.IsTyping("conv-1", "u-2") {
		t.Error("expected typing state cleared")
	}
}

func TestTypingTracker_PairsAreIndependent(t *testing.T) {
	tracker := NewTypingTrackerWithTiming(time.Minute, time.Millisecond)
	defer tracker.Close()

	tracker.PeerTyping("conv-1", "u-2")
	tracker.PeerTyping("conv-2", "u-2")
	tracker.PeerTyping("conv-1", "u-3")

	tracker.Clear("conv-1", "u-2")

	if tracker.IsTyping("conv-1", "u-2") {
		t.Error("cleared pair should be idle")
	}
	if !tracker.IsTyping("conv-2", "u-2") {
		t.Error("same user in another conversation should still be typing")
	}
	if !tracker.IsTyping("conv-1", "u-3") {
		t.Error("another user in the same conversation should still be typing")
	}
}

func TestTypingTracker_OnChangeTransitions(t *testing.T) {
	tracker := NewTypingTrackerWithTiming(30*time.Millisecond, time.Millisecond)
	defer tracker.Close()

	var mu sync.Mutex
	var events []bool
	tracker.OnChange(func(conversationID, userID string, typing bool) {
		mu.Lock()
		events = append(events, typing)
		mu.Unlock()
	})

	tracker.PeerTyping("conv-1", "u-2")
	// A renewal is not a transition and must not fire the callback.
	tracker.PeerTyping("conv-1", "u-2")

	time.Sleep(80 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 {
		t.Fatalf("expected 2 transitions, got %d: %v", len(events), events)
	}
	if !events[0] || events[1] {
		t.Errorf("expected [true false], got %v", events)
	}
}

func TestTypingTracker_LateExpiryHonorsRenewedDeadline(t *testing.T) {
	tracker := NewTypingTrackerWithTiming(time.Hour, time.Millisecond)
	defer tracker.Close()

	var mu sync.Mutex
	var cleared bool
	tracker.OnChange(func(conversationID, userID string, typing bool) {
		mu.Lock()
		if !typing {
			cleared = true
		}
		mu.Unlock()
	})

	tracker.PeerTyping("conv-1", "u-2")
	key := typingKey{"conv-1", "u-2"}

	// A timer callback that was already in flight when a renewal landed
	// sees a deadline pushed into the future and must keep the pair.
	tracker.mu.Lock()
	tracker.timers[key].deadline = time.Now().Add(time.Hour)
	tracker.mu.Unlock()
	tracker.expire(key)

	if !tracker.IsTyping("conv-1", "u-2") {
		t.Fatal("expired callback must not clear a pair whose deadline was renewed")
	}
	mu.Lock()
	if cleared {
		t.Error("renewed pair must not fire an idle transition")
	}
	mu.Unlock()

	// With the deadline actually in the past the callback clears as usual.
	tracker.mu.Lock()
	tracker.timers[key].deadline = time.Now().Add(-time.Millisecond)
	tracker.mu.Unlock()
	tracker.expire(key)

	if tracker.IsTyping("conv-1", "u-2") {
		t.Error("expected pair cleared once the deadline passed")
	}
}

func TestTypingTracker_AllowEmitThrottles(t *testing.T) {
	tracker := NewTypingTrackerWithTiming(time.Minute, 50*time.Millisecond)
	defer tracker.Close()

	if !tracker.AllowEmit("conv-1") {
		t.Fatal("first emit should be allowed")
	}
	if tracker.AllowEmit("conv-1") {
		t.Error("second emit inside the interval should be throttled")
	}

	// A different conversation has its own throttle window.
	if !tracker.AllowEmit("conv-2") {
		t.Error("emit for another conversation should be allowed")
	}

	time.Sleep(60 * time.Millisecond)
	if !tracker.AllowEmit("conv-1") {
		t.Error("emit after the interval should be allowed")
	}
}

func TestTypingTracker_CloseStopsEverything(t *testing.T) {
	tracker := NewTypingTrackerWithTiming(time.Minute, time.Millisecond)

	tracker.PeerTyping("conv-1", "u-2")
	tracker.Close()

	if tracker.IsTyping("conv-1", "u-2") {
		t.Error("expected no typing state after close")
	}

	tracker.PeerTyping("conv-1", "u-3")
	if tracker.IsTyping("conv-1", "u-3") {
		t.Error("closed tracker must not accept events")
	}
	if tracker.AllowEmit("conv-1") {
		t.Error("closed tracker must not allow emits")
	}
}
