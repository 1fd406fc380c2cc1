// Package store provides PostgreSQL-backed persistence for conversations and
// messages. The live channel only ever notifies about state this package has
// already made durable: a message is inserted here first, then fanned out.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/joblink/chat/internal/protocol"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotParticipant is returned when a user operates on a conversation they
// are not part of.
var ErrNotParticipant = errors.New("store: user is not a conversation participant")

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("store: not found")

// Store manages chat persistence in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects to PostgreSQL, verifies the connection, and applies any
// pending schema migrations.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	if err := runMigrations(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// runMigrations applies the embedded SQL migrations.
func runMigrations(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: load migrations: %w", err)
	}
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("store: migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// ListConversations returns the user's conversations most recent first, each
// with the other participant's profile and the viewer's unread count.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]protocol.Conversation, error) {
	const query = `
		SELECT c.id, u.id, u.name, u.avatar, c.last_message, c.last_message_ts,
		       CASE WHEN c.user_a = $1 THEN c.unread_a ELSE c.unread_b END
		FROM conversations c
		JOIN users u ON u.id = CASE WHEN c.user_a = $1 THEN c.user_b ELSE c.user_a END
		WHERE c.user_a = $1 OR c.user_b = $1
		ORDER BY c.last_message_ts DESC, c.created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: list conversations: %w", err)
	}
	defer rows.Close()

	var out []protocol.Conversation
	for rows.Next() {
		var c protocol.Conversation
		if err := rows.Scan(&c.ID, &c.Participant.ID, &c.Participant.Name, &c.Participant.Avatar,
			&c.LastMessage, &c.LastMessageTs, &c.Unread); err != nil {
			return nil, fmt.Errorf("store: scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ConversationFor returns a single conversation as seen by the given viewer
// (the participant field is the other user).
func (s *Store) ConversationFor(ctx context.Context, conversationID, viewerID string) (protocol.Conversation, error) {
	const query = `
		SELECT c.id, u.id, u.name, u.avatar, c.last_message, c.last_message_ts,
		       CASE WHEN c.user_a = $2 THEN c.unread_a ELSE c.unread_b END
		FROM conversations c
		JOIN users u ON u.id = CASE WHEN c.user_a = $2 THEN c.user_b ELSE c.user_a END
		WHERE c.id = $1 AND (c.user_a = $2 OR c.user_b = $2)`

	var c protocol.Conversation
	err := s.db.QueryRowContext(ctx, query, conversationID, viewerID).Scan(
		&c.ID, &c.Participant.ID, &c.Participant.Name, &c.Participant.Avatar,
		&c.LastMessage, &c.LastMessageTs, &c.Unread)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Conversation{}, ErrNotFound
	}
	if err != nil {
		return protocol.Conversation{}, fmt.Errorf("store: conversation %s: %w", conversationID, err)
	}
	return c, nil
}

// Participants returns both user IDs of a conversation.
func (s *Store) Participants(ctx context.Context, conversationID string) (string, string, error) {
	const query = `SELECT user_a, user_b FROM conversations WHERE id = $1`

	var a, b string
	err := s.db.QueryRowContext(ctx, query, conversationID).Scan(&a, &b)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("store: participants %s: %w", conversationID, err)
	}
	return a, b, nil
}

// ListMessages returns a conversation's full history in ascending timestamp
// order, after verifying the viewer is a participant.
func (s *Store) ListMessages(ctx context.Context, conversationID, viewerID string) ([]protocol.Message, error) {
	if err := s.requireParticipant(ctx, conversationID, viewerID); err != nil {
		return nil, err
	}

	const query = `
		SELECT id, conversation_id, sender_id, text, ts
		FROM messages
		WHERE conversation_id = $1
		ORDER BY ts ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("store: list messages: %w", err)
	}
	defer rows.Close()

	var out []protocol.Message
	for rows.Next() {
		var m protocol.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.Text, &m.Ts); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// InsertMessage persists a message with a server-assigned ID and timestamp,
// bumps the conversation's last-message fields, and increments the other
// participant's unread counter. The returned message is the canonical copy
// the sender emits over the live channel.
func (s *Store) InsertMessage(ctx context.Context, conversationID, senderID, text string) (protocol.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return protocol.Message{}, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	var userA, userB string
	err = tx.QueryRowContext(ctx,
		`SELECT user_a, user_b FROM conversations WHERE id = $1 FOR UPDATE`,
		conversationID).Scan(&userA, &userB)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Message{}, ErrNotFound
	}
	if err != nil {
		return protocol.Message{}, fmt.Errorf("store: lock conversation: %w", err)
	}
	if senderID != userA && senderID != userB {
		return protocol.Message{}, ErrNotParticipant
	}

	msg := protocol.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Text:           text,
		Ts:             time.Now().UnixMilli(),
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, sender_id, text, ts) VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Text, msg.Ts); err != nil {
		return protocol.Message{}, fmt.Errorf("store: insert message: %w", err)
	}

	unreadCol := "unread_b"
	if senderID == userB {
		unreadCol = "unread_a"
	}
	query := fmt.Sprintf(
		`UPDATE conversations SET last_message = $1, last_message_ts = $2, %s = %s + 1 WHERE id = $3`,
		unreadCol, unreadCol)
	if _, err := tx.ExecContext(ctx, query, msg.Text, msg.Ts, conversationID); err != nil {
		return protocol.Message{}, fmt.Errorf("store: update conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return protocol.Message{}, fmt.Errorf("store: commit: %w", err)
	}
	return msg, nil
}

// CreateConversation creates (or returns the existing) conversation between
// two users. Participants are stored in a canonical order so the pair is
// unique regardless of who initiated.
func (s *Store) CreateConversation(ctx context.Context, userID, otherID string) (string, bool, error) {
	if userID == otherID {
		return "", false, fmt.Errorf("store: cannot start a conversation with yourself")
	}
	a, b := userID, otherID
	if b < a {
		a, b = b, a
	}

	const existing = `SELECT id FROM conversations WHERE user_a = $1 AND user_b = $2`
	var id string
	err := s.db.QueryRowContext(ctx, existing, a, b).Scan(&id)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", false, fmt.Errorf("store: lookup conversation: %w", err)
	}

	id = uuid.New().String()
	const insert = `
		INSERT INTO conversations (id, user_a, user_b)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_a, user_b) DO UPDATE SET user_a = conversations.user_a
		RETURNING id`
	if err := s.db.QueryRowContext(ctx, insert, id, a, b).Scan(&id); err != nil {
		return "", false, fmt.Errorf("store: create conversation: %w", err)
	}
	return id, true, nil
}

// MarkRead clears the viewer's unread counter for a conversation.
func (s *Store) MarkRead(ctx context.Context, conversationID, viewerID string) error {
	const query = `
		UPDATE conversations
		SET unread_a = CASE WHEN user_a = $2 THEN 0 ELSE unread_a END,
		    unread_b = CASE WHEN user_b = $2 THEN 0 ELSE unread_b END
		WHERE id = $1 AND (user_a = $2 OR user_b = $2)`

	res, err := s.db.ExecContext(ctx, query, conversationID, viewerID)
	if err != nil {
		return fmt.Errorf("store: mark read: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertUser mirrors a platform user's profile into the chat schema. The
// marketplace backend calls this when profiles change; seeds and tests use
// it directly.
func (s *Store) UpsertUser(ctx context.Context, id, name, avatar string) error {
	// A blank avatar keeps whatever is already stored; connects only carry
	// the token's identity, not the full profile.
	const query = `
		INSERT INTO users (id, name, avatar) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    avatar = COALESCE(NULLIF(EXCLUDED.avatar, ''), users.avatar)`

	if _, err := s.db.ExecContext(ctx, query, id, name, avatar); err != nil {
		return fmt.Errorf("store: upsert user: %w", err)
	}
	return nil
}

// requireParticipant verifies the viewer belongs to the conversation.
func (s *Store) requireParticipant(ctx context.Context, conversationID, viewerID string) error {
	a, b, err := s.Participants(ctx, conversationID)
	if err != nil {
		return err
	}
	if viewerID != a && viewerID != b {
		return ErrNotParticipant
	}
	return nil
}
