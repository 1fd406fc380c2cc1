package ws

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/joblink/chat/internal/protocol"
)

// drainedConn returns a Connection whose peer end discards everything
// written, so response frames never block the dispatcher.
func drainedConn(t *testing.T) *Connection {
	t.Helper()
	server, client := net.Pipe()
	go io.Copy(io.Discard, client)
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return &Connection{UserID: "u-1", Conn: server, CreatedAt: time.Now()}
}

func TestDispatch_RoutesToHandler(t *testing.T) {
	d := NewMessageDispatcher(nil)

	var gotType string
	var gotMsg interface{}
	d.Register(protocol.TypeTyping, func(conn *Connection, msg interface{}) {
		gotType = protocol.TypeTyping
		gotMsg = msg
	})

	conn := drainedConn(t)
	d.Dispatch(conn, []byte(`{"type":"typing","conversation_id":"c-1","user_id":"u-1"}`))

	if gotType != protocol.TypeTyping {
		t.Fatal("handler was not invoked")
	}
	tm, ok := gotMsg.(protocol.TypingMsg)
	if !ok {
		t.Fatalf("expected TypingMsg, got %T", gotMsg)
	}
	if tm.ConversationID != "c-1" {
		t.Errorf("expected conversation_id %q, got %q", "c-1", tm.ConversationID)
	}
}

func TestDispatch_PingIsBuiltIn(t *testing.T) {
	d := NewMessageDispatcher(nil)
	conn := drainedConn(t)

	before := conn.LastActive()
	d.Dispatch(conn, []byte(`{"type":"ping"}`))

	if conn.LastActive().Before(before) {
		t.Error("ping should refresh the activity timestamp")
	}
}

func TestDispatch_MalformedAndUnknown(t *testing.T) {
	d := NewMessageDispatcher(nil)

	invoked := false
	d.Register(protocol.TypeTyping, func(conn *Connection, msg interface{}) {
		invoked = true
	})

	conn := drainedConn(t)
	d.Dispatch(conn, []byte(`not json`))
	d.Dispatch(conn, []byte(`{"type":"no_such_event"}`))

	if invoked {
		t.Error("handler must not fire for malformed or unknown events")
	}
}
