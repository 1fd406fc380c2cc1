// Package api implements the REST half of the chat contract: conversation
// listing, message history, and sends. A send is persisted here first and
// only then fanned out over NATS to the recipient's WebSocket node, so the
// live channel never announces anything that isn't durable.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/joblink/chat/internal/auth"
	"github.com/joblink/chat/internal/messaging"
	"github.com/joblink/chat/internal/metrics"
	"github.com/joblink/chat/internal/presence"
	"github.com/joblink/chat/internal/protocol"
	"github.com/joblink/chat/internal/ratelimit"
	"github.com/joblink/chat/internal/store"
)

type ctxKey int

const identityKey ctxKey = 0

// Handler serves the chat REST API.
type Handler struct {
	verifier *auth.Verifier
	store    *store.Store
	nats     *messaging.NATSClient
	presence *presence.Store
	limiter  *ratelimit.Limiter
}

// NewHandler creates the REST handler with its collaborators.
func NewHandler(verifier *auth.Verifier, st *store.Store, nats *messaging.NATSClient, pres *presence.Store, limiter *ratelimit.Limiter) *Handler {
	return &Handler{
		verifier: verifier,
		store:    st,
		nats:     nats,
		presence: pres,
		limiter:  limiter,
	}
}

// Routes registers the chat API on the given router. All routes require a
// bearer token.
func (h *Handler) Routes(r *mux.Router) {
	chat := r.PathPrefix("/api/chat").Subrouter()
	chat.Use(h.requireAuth)

	chat.HandleFunc("/conversations", h.listConversations).Methods(http.MethodGet)
	chat.HandleFunc("/conversations", h.createConversation).Methods(http.MethodPost)
	chat.HandleFunc("/conversations/{id}/messages", h.listMessages).Methods(http.MethodGet)
	chat.HandleFunc("/conversations/{id}/messages", h.sendMessage).Methods(http.MethodPost)
	chat.HandleFunc("/conversations/{id}/read", h.markRead).Methods(http.MethodPut)
	chat.HandleFunc("/online-users", h.onlineUsers).Methods(http.MethodGet)
}

// requireAuth validates the bearer token and stashes the identity in the
// request context.
func (h *Handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		identity, err := h.verifier.Verify(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), identityKey, identity)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func callerIdentity(r *http.Request) auth.Identity {
	identity, _ := r.Context().Value(identityKey).(auth.Identity)
	return identity
}

func (h *Handler) listConversations(w http.ResponseWriter, r *http.Request) {
	caller := callerIdentity(r)

	convs, err := h.store.ListConversations(r.Context(), caller.UserID)
	if err != nil {
		log.Printf("api: list conversations user=%s: %v", caller.UserID, err)
		writeError(w, http.StatusInternalServerError, "failed to load conversations")
		return
	}
	if convs == nil {
		convs = []protocol.Conversation{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"conversations": convs})
}

func (h *Handler) createConversation(w http.ResponseWriter, r *http.Request) {
	caller := callerIdentity(r)

	var req struct {
		UserID string `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	convID, created, err := h.store.CreateConversation(r.Context(), caller.UserID, req.UserID)
	if err != nil {
		log.Printf("api: create conversation user=%s other=%s: %v", caller.UserID, req.UserID, err)
		writeError(w, http.StatusBadRequest, "could not create conversation")
		return
	}

	conv, err := h.store.ConversationFor(r.Context(), convID, caller.UserID)
	if err != nil {
		log.Printf("api: load created conversation %s: %v", convID, err)
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	// Announce the conversation to the other participant wherever they
	// are connected. Only a genuinely new conversation is announced.
	if created {
		h.notifyNewConversation(r.Context(), convID, req.UserID)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"conversation": conv})
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	caller := callerIdentity(r)
	convID := mux.Vars(r)["id"]

	msgs, err := h.store.ListMessages(r.Context(), convID, caller.UserID)
	if err != nil {
		metrics.HistoryFetches.WithLabelValues("error").Inc()
		writeStoreError(w, err, "failed to load messages")
		return
	}
	if msgs == nil {
		msgs = []protocol.Message{}
	}

	metrics.HistoryFetches.WithLabelValues("ok").Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	caller := callerIdentity(r)
	convID := mux.Vars(r)["id"]

	allowed, _ := h.limiter.Allow(r.Context(), caller.UserID, ratelimit.RuleMessage)
	if !allowed {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusTooManyRequests, "sending too fast, slow down")
		return
	}

	var req struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := ValidateMessage(req.Message); err != nil {
		metrics.MessagesTotal.WithLabelValues("rejected").Inc()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg, err := h.store.InsertMessage(r.Context(), convID, caller.UserID, req.Message)
	if err != nil {
		writeStoreError(w, err, "failed to send message")
		return
	}
	metrics.MessagesTotal.WithLabelValues("sent").Inc()

	// Fan the persisted message out to the other participant. The sender
	// updates its own state from this REST response; it is not echoed.
	h.deliverMessage(r.Context(), msg, caller.UserID)

	writeJSON(w, http.StatusOK, map[string]interface{}{"message": msg})
}

func (h *Handler) markRead(w http.ResponseWriter, r *http.Request) {
	caller := callerIdentity(r)
	convID := mux.Vars(r)["id"]

	if err := h.store.MarkRead(r.Context(), convID, caller.UserID); err != nil {
		writeStoreError(w, err, "failed to mark read")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) onlineUsers(w http.ResponseWriter, r *http.Request) {
	users, err := h.presence.Online(r.Context())
	if err != nil {
		log.Printf("api: online users: %v", err)
		writeError(w, http.StatusInternalServerError, "failed to load online users")
		return
	}
	if users == nil {
		users = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"users": users})
}

// deliverMessage publishes a receive_message event to the recipient's user
// subject. Publish failures degrade the real-time path only; the message is
// already durable.
func (h *Handler) deliverMessage(ctx context.Context, msg protocol.Message, senderID string) {
	a, b, err := h.store.Participants(ctx, msg.ConversationID)
	if err != nil {
		log.Printf("api: participants for fanout %s: %v", msg.ConversationID, err)
		return
	}
	recipient := a
	if senderID == a {
		recipient = b
	}

	data, err := protocol.NewMessage(protocol.TypeReceiveMessage, protocol.ReceiveMessageMsg{Message: msg})
	if err != nil {
		log.Printf("api: build receive_message: %v", err)
		return
	}
	if err := h.nats.PublishToUser(recipient, data); err != nil {
		log.Printf("api: fanout message %s to %s: %v", msg.ID, recipient, err)
	}
}

// notifyNewConversation publishes a new_conversation event to the other
// participant, rendered from their point of view.
func (h *Handler) notifyNewConversation(ctx context.Context, convID, recipientID string) {
	conv, err := h.store.ConversationFor(ctx, convID, recipientID)
	if err != nil {
		log.Printf("api: load conversation %s for %s: %v", convID, recipientID, err)
		return
	}

	data, err := protocol.NewMessage(protocol.TypeNewConversation, protocol.NewConversationMsg{Conversation: conv})
	if err != nil {
		log.Printf("api: build new_conversation: %v", err)
		return
	}
	if err := h.nats.PublishToUser(recipientID, data); err != nil {
		log.Printf("api: announce conversation %s to %s: %v", convID, recipientID, err)
	}
}

// writeStoreError maps store errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error, fallback string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, store.ErrNotParticipant):
		writeError(w, http.StatusForbidden, "not a participant of this conversation")
	default:
		log.Printf("api: %s: %v", fallback, err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
