package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/joblink/chat/internal/protocol"
)

// RESTClient is the HTTP half of the chat core. Message history and sends go
// through it; the live channel only carries real-time notifications on top of
// what REST has already persisted.
type RESTClient struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewRESTClient creates a REST client for the given API base URL (no trailing
// slash) authenticated with the session's bearer token.
func NewRESTClient(baseURL, token string) *RESTClient {
	return &RESTClient{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// ListConversations fetches the user's conversation list, ordered by recency.
func (r *RESTClient) ListConversations(ctx context.Context) ([]protocol.Conversation, error) {
	var resp struct {
		Conversations []protocol.Conversation `json:"conversations"`
	}
	if err := r.do(ctx, http.MethodGet, "/api/chat/conversations", nil, &resp); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	return resp.Conversations, nil
}

// ListMessages fetches the full message history for a conversation in
// ascending timestamp order. Failures wrap ErrHistoryFetch.
func (r *RESTClient) ListMessages(ctx context.Context, conversationID string) ([]protocol.Message, error) {
	var resp struct {
		Messages []protocol.Message `json:"messages"`
	}
	path := "/api/chat/conversations/" + conversationID + "/messages"
	if err := r.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("%w: conversation %s: %v", ErrHistoryFetch, conversationID, err)
	}
	return resp.Messages, nil
}

// SendMessage persists a message and returns the canonical copy with the
// server-assigned ID and timestamp. Failures wrap ErrMessageSend.
func (r *RESTClient) SendMessage(ctx context.Context, conversationID, text string) (protocol.Message, error) {
	body := struct {
		Message string `json:"message"`
	}{Message: text}

	var resp struct {
		Message protocol.Message `json:"message"`
	}
	path := "/api/chat/conversations/" + conversationID + "/messages"
	if err := r.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return protocol.Message{}, fmt.Errorf("%w: conversation %s: %v", ErrMessageSend, conversationID, err)
	}
	return resp.Message, nil
}

// CreateConversation starts a conversation with another user and returns it.
// The server notifies the other participant with a new_conversation event.
func (r *RESTClient) CreateConversation(ctx context.Context, userID string) (protocol.Conversation, error) {
	body := struct {
		UserID string `json:"user_id"`
	}{UserID: userID}

	var resp struct {
		Conversation protocol.Conversation `json:"conversation"`
	}
	if err := r.do(ctx, http.MethodPost, "/api/chat/conversations", body, &resp); err != nil {
		return protocol.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return resp.Conversation, nil
}

// MarkRead clears the unread counter for a conversation. Best effort; the
// caller typically ignores the error.
func (r *RESTClient) MarkRead(ctx context.Context, conversationID string) error {
	path := "/api/chat/conversations/" + conversationID + "/read"
	if err := r.do(ctx, http.MethodPut, path, nil, nil); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// OnlineUsers fetches the current online set over REST. Normally the live
// channel keeps the presence tracker current; this is the fallback when the
// channel is down.
func (r *RESTClient) OnlineUsers(ctx context.Context) ([]string, error) {
	var resp struct {
		Users []string `json:"users"`
	}
	if err := r.do(ctx, http.MethodGet, "/api/chat/online-users", nil, &resp); err != nil {
		return nil, fmt.Errorf("online users: %w", err)
	}
	return resp.Users, nil
}

// do performs a single JSON request/response round trip. A non-2xx status is
// an error carrying the status code and any error body the server sent.
func (r *RESTClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+r.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Surface the server's error body if it sent one, capped so a
		// misbehaving server cannot blow up the error message.
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(data))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
