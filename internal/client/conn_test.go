package client

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSession_Valid(t *testing.T) {
	tests := []struct {
		name string
		sess Session
		want bool
	}{
		{"complete", Session{UserID: "u-1", Token: "tok"}, true},
		{"missing token", Session{UserID: "u-1"}, false},
		{"missing user", Session{Token: "tok"}, false},
		{"empty", Session{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sess.Valid(); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDial_InvalidSession(t *testing.T) {
	c := NewConn("ws://localhost:0/ws")

	err := c.Dial(context.Background(), Session{UserID: "u-1"})
	if !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
	if c.Status() != StatusDisconnected {
		t.Errorf("invalid session must not change status, got %q", c.Status())
	}
}

func TestDial_InitialFailureNotRetried(t *testing.T) {
	// Nothing listens here; the dial fails immediately.
	c := NewConn("ws://127.0.0.1:1/ws")
	defer c.Close()

	err := c.Dial(context.Background(), Session{UserID: "u-1", Token: "tok"})
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
	if c.Status() != StatusError {
		t.Errorf("expected StatusError, got %q", c.Status())
	}
}

func TestEmit_NotConnected(t *testing.T) {
	c := NewConn("ws://localhost:0/ws")

	err := c.Emit("typing", map[string]string{"conversation_id": "c-1"})
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestClose_Idempotent(t *testing.T) {
	c := NewConn("ws://localhost:0/ws")

	if err := c.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if c.Status() != StatusDisconnected {
		t.Errorf("expected StatusDisconnected, got %q", c.Status())
	}
}

func TestReconnectDelay_Bounds(t *testing.T) {
	for attempt := 0; attempt < 12; attempt++ {
		for i := 0; i < 50; i++ {
			d := reconnectDelay(attempt)
			min := reconnectBase * 4 / 5
			max := reconnectCap * 6 / 5
			if d < min || d > max {
				t.Fatalf("attempt %d: delay %s outside [%s, %s]", attempt, d, min, max)
			}
		}
	}
}

func TestReconnectDelay_Caps(t *testing.T) {
	// Far past the doubling range the delay must hover around the cap.
	for i := 0; i < 50; i++ {
		d := reconnectDelay(40)
		if d < reconnectCap*4/5 || d > reconnectCap*6/5 {
			t.Fatalf("delay %s not within 20%% of the cap", d)
		}
	}
}

func TestOnStatus_DeliversTransitionsInOrder(t *testing.T) {
	c := NewConn("ws://127.0.0.1:1/ws")

	statusCh := make(chan Status, 8)
	c.OnStatus(func(status Status, err error) {
		statusCh <- status
	})

	_ = c.Dial(context.Background(), Session{UserID: "u-1", Token: "tok"})

	// Delivery is asynchronous but sequenced: connecting must arrive
	// before the error from the failed dial.
	var got []Status
	deadline := time.After(5 * time.Second)
	for len(got) < 2 {
		select {
		case s := <-statusCh:
			got = append(got, s)
		case <-deadline:
			t.Fatalf("timed out waiting for transitions, saw %v", got)
		}
	}
	if got[0] != StatusConnecting || got[1] != StatusError {
		t.Fatalf("transitions = %v, want [%s %s]", got, StatusConnecting, StatusError)
	}
}
