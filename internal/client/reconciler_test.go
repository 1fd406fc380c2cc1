package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/joblink/chat/internal/protocol"
)

func historyServer(t *testing.T, messages map[string][]protocol.Message) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// /api/chat/conversations/<id>/messages
		convID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/chat/conversations/"), "/messages")
		msgs, ok := messages[convID]
		if !ok {
			http.Error(w, `{"error":"conversation not found"}`, http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"messages": msgs})
	}))
}

func msg(id, convID, text string, ts int64) protocol.Message {
	return protocol.Message{ID: id, ConversationID: convID, SenderID: "peer", Text: text, Ts: ts}
}

func TestReconciler_LoadHistory(t *testing.T) {
	srv := historyServer(t, map[string][]protocol.Message{
		"conv-1": {msg("m-1", "conv-1", "first", 1), msg("m-2", "conv-1", "second", 2)},
	})
	defer srv.Close()

	r := NewReconciler(NewRESTClient(srv.URL, "tok"))
	r.SetActive("conv-1")

	if r.Loaded() {
		t.Fatal("history should not be loaded yet")
	}
	if err := r.LoadHistory(context.Background(), "conv-1"); err != nil {
		t.Fatalf("load history: %v", err)
	}
	if !r.Loaded() {
		t.Fatal("expected loaded state")
	}

	got := r.Messages()
	if len(got) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(got))
	}
	if got[0].ID != "m-1" || got[1].ID != "m-2" {
		t.Errorf("unexpected order: %v", got)
	}
}

func TestReconciler_LiveBeforeHistoryLands(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"messages": []protocol.Message{
				msg("m-1", "conv-1", "old", 1),
				msg("m-2", "conv-1", "also in flight", 2),
			},
		})
	}))
	defer srv.Close()

	r := NewReconciler(NewRESTClient(srv.URL, "tok"))
	r.SetActive("conv-1")

	done := make(chan error, 1)
	go func() { done <- r.LoadHistory(context.Background(), "conv-1") }()

	// Live messages arriving mid-fetch are buffered, including one the
	// history itself will contain.
	r.AppendLive(msg("m-2", "conv-1", "also in flight", 2))
	r.AppendLive(msg("m-3", "conv-1", "new", 3))

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("load history: %v", err)
	}

	got := r.Messages()
	if len(got) != 3 {
		t.Fatalf("expected 3 messages, got %d: %v", len(got), got)
	}
	// History is the prefix; the buffered live arrival that history already
	// contained is absorbed, the genuinely new one follows.
	for i, want := range []string{"m-1", "m-2", "m-3"} {
		if got[i].ID != want {
			t.Errorf("position %d: expected %q, got %q", i, want, got[i].ID)
		}
	}
}

func TestReconciler_StaleFetchDiscarded(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"messages": []protocol.Message{msg("m-1", "conv-1", "stale", 1)},
		})
	}))
	defer srv.Close()

	r := NewReconciler(NewRESTClient(srv.URL, "tok"))
	r.SetActive("conv-1")

	done := make(chan error, 1)
	go func() { done <- r.LoadHistory(context.Background(), "conv-1") }()

	// User switches away while the fetch is in flight.
	r.SetActive("conv-2")

	close(release)
	if err := <-done; err != nil {
		t.Fatalf("stale fetch should resolve silently, got %v", err)
	}

	if r.Loaded() {
		t.Error("stale fetch must not mark the new conversation loaded")
	}
	if got := r.Messages(); len(got) != 0 {
		t.Errorf("stale history leaked into the new conversation: %v", got)
	}
}

func TestReconciler_AppendLiveDedupes(t *testing.T) {
	srv := historyServer(t, map[string][]protocol.Message{"conv-1": {}})
	defer srv.Close()

	r := NewReconciler(NewRESTClient(srv.URL, "tok"))
	r.SetActive("conv-1")
	if err := r.LoadHistory(context.Background(), "conv-1"); err != nil {
		t.Fatalf("load history: %v", err)
	}

	if !r.AppendLive(msg("m-1", "conv-1", "hi", 1)) {
		t.Fatal("first append should change the sequence")
	}
	// The sender's own echo arrives with the same server-assigned ID.
	if r.AppendLive(msg("m-1", "conv-1", "hi", 1)) {
		t.Error("duplicate ID must be dropped")
	}
	if got := r.Messages(); len(got) != 1 {
		t.Errorf("expected 1 message, got %d", len(got))
	}
}

func TestReconciler_IgnoresOtherConversations(t *testing.T) {
	srv := historyServer(t, map[string][]protocol.Message{"conv-1": {}})
	defer srv.Close()

	r := NewReconciler(NewRESTClient(srv.URL, "tok"))
	r.SetActive("conv-1")
	if err := r.LoadHistory(context.Background(), "conv-1"); err != nil {
		t.Fatalf("load history: %v", err)
	}

	if r.AppendLive(msg("m-1", "conv-9", "elsewhere", 1)) {
		t.Error("message for another conversation must not change the sequence")
	}
	if got := r.Messages(); len(got) != 0 {
		t.Errorf("expected empty sequence, got %v", got)
	}
}

func TestReconciler_FetchFailureIsRetryable(t *testing.T) {
	fail := true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail {
			http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"messages": []protocol.Message{msg("m-1", "conv-1", "hi", 1)},
		})
	}))
	defer srv.Close()

	r := NewReconciler(NewRESTClient(srv.URL, "tok"))
	r.SetActive("conv-1")

	err := r.LoadHistory(context.Background(), "conv-1")
	if !errors.Is(err, ErrHistoryFetch) {
		t.Fatalf("expected ErrHistoryFetch, got %v", err)
	}
	if r.Loaded() {
		t.Fatal("failed fetch must not mark history loaded")
	}

	// Live messages keep buffering across the failure.
	r.AppendLive(msg("m-2", "conv-1", "while broken", 2))

	fail = false
	if err := r.LoadHistory(context.Background(), "conv-1"); err != nil {
		t.Fatalf("retry: %v", err)
	}

	got := r.Messages()
	if len(got) != 2 {
		t.Fatalf("expected 2 messages after retry, got %d: %v", len(got), got)
	}
	if got[0].ID != "m-1" || got[1].ID != "m-2" {
		t.Errorf("unexpected order after retry: %v", got)
	}
}
