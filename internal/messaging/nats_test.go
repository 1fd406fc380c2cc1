package messaging

import (
	"testing"

	"github.com/nats-io/nats.go"
)

// A user reconnecting to the same node subscribes again before the old
// connection's teardown runs. The replacement must hand back the stale
// subscription so exactly one stays registered per subject.
func TestSwapSubReplacesExisting(t *testing.T) {
	c := &NATSClient{subs: make(map[string]*nats.Subscription)}
	subject := SubjectUser + ".u-1"

	first := &nats.Subscription{Subject: subject}
	if prev := c.swapSub(subject, first); prev != nil {
		t.Fatalf("first swap returned %v, want nil", prev)
	}

	second := &nats.Subscription{Subject: subject}
	prev := c.swapSub(subject, second)
	if prev != first {
		t.Fatalf("second swap returned %v, want the first subscription", prev)
	}
	if got := c.subs[subject]; got != second {
		t.Fatalf("subs[%s] = %v, want the second subscription", subject, got)
	}
	if len(c.subs) != 1 {
		t.Fatalf("len(subs) = %d, want 1", len(c.subs))
	}
}

func TestSwapSubIndependentSubjects(t *testing.T) {
	c := &NATSClient{subs: make(map[string]*nats.Subscription)}

	a := &nats.Subscription{Subject: SubjectUser + ".a"}
	b := &nats.Subscription{Subject: SubjectUser + ".b"}
	c.swapSub(a.Subject, a)
	if prev := c.swapSub(b.Subject, b); prev != nil {
		t.Fatalf("swap for a different subject returned %v, want nil", prev)
	}
	if len(c.subs) != 2 {
		t.Fatalf("len(subs) = %d, want 2", len(c.subs))
	}
}
