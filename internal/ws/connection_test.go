package ws

import (
	"net"
	"sync"
	"testing"
	"time"
)

func testConn(t *testing.T, userID string, fd int) *Connection {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	c := &Connection{
		UserID:    userID,
		Name:      "Test " + userID,
		Conn:      server,
		Fd:        fd,
		CreatedAt: time.Now(),
	}
	c.Touch()
	return c
}

// Frame workers record activity while the heartbeat sweeper reads it; both
// sides must be safe to run concurrently.
func TestConnection_ActivityTimestampConcurrent(t *testing.T) {
	conn := testConn(t, "u-1", 10)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				conn.Touch()
				_ = conn.LastActive()
			}
		}()
	}
	wg.Wait()

	if conn.LastActive().IsZero() {
		t.Error("expected a recorded activity timestamp")
	}
}

func TestConnectionManager_AddAndGet(t *testing.T) {
	cm := NewConnectionManager()

	conn := testConn(t, "u-1", 10)
	if prev := cm.Add(conn); prev != nil {
		t.Fatalf("expected no displaced connection, got %v", prev)
	}

	if got := cm.Get("u-1"); got != conn {
		t.Error("Get by user ID returned wrong connection")
	}
	if got := cm.GetByFd(10); got != conn {
		t.Error("Get by fd returned wrong connection")
	}
	if cm.Count() != 1 {
		t.Errorf("expected count 1, got %d", cm.Count())
	}
}

func TestConnectionManager_NewConnectionDisplacesOld(t *testing.T) {
	cm := NewConnectionManager()

	old := testConn(t, "u-1", 10)
	cm.Add(old)

	// Same user reconnects (e.g. page refresh) before the old socket died.
	replacement := testConn(t, "u-1", 11)
	displaced := cm.Add(replacement)

	if displaced != old {
		t.Fatal("expected the old connection to be displaced")
	}
	if cm.Count() != 1 {
		t.Errorf("expected count 1 after displacement, got %d", cm.Count())
	}
	if cm.Get("u-1") != replacement {
		t.Error("user should map to the replacement connection")
	}
	if cm.GetByFd(10) != nil {
		t.Error("displaced connection's fd should be gone")
	}
	if cm.GetByFd(11) != replacement {
		t.Error("replacement's fd lookup failed")
	}
}

func TestConnectionManager_RemoveGuardsAgainstStale(t *testing.T) {
	cm := NewConnectionManager()

	old := testConn(t, "u-1", 10)
	cm.Add(old)

	replacement := testConn(t, "u-1", 11)
	cm.Add(replacement)

	// Removing the displaced connection must not evict the replacement.
	if cm.Remove(old) {
		t.Error("removing a displaced connection should report false")
	}
	if cm.Get("u-1") != replacement {
		t.Fatal("replacement connection was wrongly removed")
	}

	if !cm.Remove(replacement) {
		t.Error("removing the current connection should report true")
	}
	if cm.Get("u-1") != nil {
		t.Error("user should be gone after removal")
	}
	if cm.Count() != 0 {
		t.Errorf("expected count 0, got %d", cm.Count())
	}
}

func TestConnectionManager_RemoveUnknown(t *testing.T) {
	cm := NewConnectionManager()

	conn := testConn(t, "u-1", 10)
	if cm.Remove(conn) {
		t.Error("removing an unregistered connection should report false")
	}
}

func TestConnectionManager_All(t *testing.T) {
	cm := NewConnectionManager()
	cm.Add(testConn(t, "u-1", 10))
	cm.Add(testConn(t, "u-2", 11))
	cm.Add(testConn(t, "u-3", 12))

	all := cm.All()
	if len(all) != 3 {
		t.Fatalf("expected 3 connections, got %d", len(all))
	}

	seen := make(map[string]bool)
	for _, c := range all {
		seen[c.UserID] = true
	}
	for _, id := range []string{"u-1", "u-2", "u-3"} {
		if !seen[id] {
			t.Errorf("missing connection for %s", id)
		}
	}
}
