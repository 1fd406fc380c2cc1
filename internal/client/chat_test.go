package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/joblink/chat/internal/protocol"
)

// apiStub is a minimal in-memory REST backend for facade tests.
type apiStub struct {
	mu       sync.Mutex
	convs    []protocol.Conversation
	messages map[string][]protocol.Message
	nextID   int
	failSend bool
}

func (s *apiStub) handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")

		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/chat/conversations":
			json.NewEncoder(w).Encode(map[string]interface{}{"conversations": s.convs})

		case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/messages"):
			convID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/chat/conversations/"), "/messages")
			json.NewEncoder(w).Encode(map[string]interface{}{"messages": s.messages[convID]})

		case r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/messages"):
			if s.failSend {
				http.Error(w, `{"error":"unavailable"}`, http.StatusServiceUnavailable)
				return
			}
			convID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/chat/conversations/"), "/messages")
			var body struct {
				Message string `json:"message"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			s.nextID++
			msg := protocol.Message{
				ID:             fmt.Sprintf("srv-%d", s.nextID),
				ConversationID: convID,
				SenderID:       "u-1",
				Text:           body.Message,
				Ts:             int64(1700000000000 + s.nextID),
			}
			s.messages[convID] = append(s.messages[convID], msg)
			json.NewEncoder(w).Encode(map[string]interface{}{"message": msg})

		case r.Method == http.MethodPut && strings.HasSuffix(r.URL.Path, "/read"):
			w.WriteHeader(http.StatusNoContent)

		default:
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
		}
	})
}

func newTestChat(t *testing.T, stub *apiStub, events Events) *Chat {
	t.Helper()
	srv := httptest.NewServer(stub.handler())
	t.Cleanup(srv.Close)

	c, err := New(Config{
		APIBaseURL: srv.URL,
		WSURL:      "ws://127.0.0.1:1/ws",
		Session:    Session{UserID: "u-1", Token: "tok"},
		Events:     events,
	})
	if err != nil {
		t.Fatalf("new chat: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestNew_InvalidSession(t *testing.T) {
	_, err := New(Config{Session: Session{UserID: "u-1"}})
	if !errors.Is(err, ErrInvalidSession) {
		t.Fatalf("expected ErrInvalidSession, got %v", err)
	}
}

func TestOpen_DialFailureLeavesRESTStateUsable(t *testing.T) {
	stub := &apiStub{
		convs: []protocol.Conversation{
			{ID: "c-1", Participant: protocol.Participant{ID: "u-2", Name: "Sam"}},
		},
		messages: map[string][]protocol.Message{},
	}
	c := newTestChat(t, stub, Events{})

	// Nothing listens on the ws address, so the dial fails.
	err := c.Open(context.Background())
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}

	// The REST-loaded list survives the dial failure.
	convs := c.Conversations()
	if len(convs) != 1 || convs[0].ID != "c-1" {
		t.Errorf("expected loaded conversation list, got %v", convs)
	}
}

func TestSend_PersistsAndUpdatesState(t *testing.T) {
	stub := &apiStub{
		convs: []protocol.Conversation{
			{ID: "c-1", Participant: protocol.Participant{ID: "u-2"}},
			{ID: "c-2", Participant: protocol.Participant{ID: "u-3"}},
		},
		messages: map[string][]protocol.Message{"c-2": {}},
	}

	var mu sync.Mutex
	var messageEvents, convEvents int
	c := newTestChat(t, stub, Events{
		OnMessages: func(conversationID string, messages []protocol.Message) {
			mu.Lock()
			messageEvents++
			mu.Unlock()
		},
		OnConversations: func(conversations []protocol.Conversation) {
			mu.Lock()
			convEvents++
			mu.Unlock()
		},
	})
	_ = c.Open(context.Background()) // ws dial fails, REST stays up

	if err := c.SetActiveConversation(context.Background(), "c-2"); err != nil {
		t.Fatalf("set active: %v", err)
	}

	// The live channel is down; Send still persists and updates locally.
	msg, err := c.Send(context.Background(), "hello from the client")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if msg.ID == "" || msg.Ts == 0 {
		t.Errorf("expected server-assigned fields, got %+v", msg)
	}

	got := c.Messages()
	if len(got) != 1 || got[0].Text != "hello from the client" {
		t.Errorf("expected sent message in sequence, got %v", got)
	}

	// The touched conversation moved to the front.
	convs := c.Conversations()
	if convs[0].ID != "c-2" {
		t.Errorf("expected c-2 first, got %v", convs)
	}
	if convs[0].LastMessage != "hello from the client" {
		t.Errorf("expected last message updated, got %q", convs[0].LastMessage)
	}

	mu.Lock()
	defer mu.Unlock()
	if messageEvents == 0 {
		t.Error("expected OnMessages to fire")
	}
	if convEvents == 0 {
		t.Error("expected OnConversations to fire")
	}
}

func TestSend_RESTFailureMutatesNothing(t *testing.T) {
	stub := &apiStub{
		convs:    []protocol.Conversation{{ID: "c-1", Participant: protocol.Participant{ID: "u-2"}}},
		messages: map[string][]protocol.Message{"c-1": {}},
	}
	c := newTestChat(t, stub, Events{})
	_ = c.Open(context.Background())

	if err := c.SetActiveConversation(context.Background(), "c-1"); err != nil {
		t.Fatalf("set active: %v", err)
	}

	stub.mu.Lock()
	stub.failSend = true
	stub.mu.Unlock()

	_, err := c.Send(context.Background(), "doomed")
	if !errors.Is(err, ErrMessageSend) {
		t.Fatalf("expected ErrMessageSend, got %v", err)
	}

	if got := c.Messages(); len(got) != 0 {
		t.Errorf("failed send must not appear in the sequence, got %v", got)
	}
	if convs := c.Conversations(); convs[0].LastMessage != "" {
		t.Errorf("failed send must not touch the conversation, got %+v", convs[0])
	}
}

func TestSend_NoActiveConversation(t *testing.T) {
	stub := &apiStub{messages: map[string][]protocol.Message{}}
	c := newTestChat(t, stub, Events{})

	_, err := c.Send(context.Background(), "hello")
	if !errors.Is(err, ErrMessageSend) {
		t.Fatalf("expected ErrMessageSend, got %v", err)
	}
}
