// Package session tracks which chat server instance holds each user's live
// connection. The registry is Redis-backed so that REST handlers and other
// server nodes can route events to the right place, and entries expire on
// their own if a node dies without cleaning up.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for all session hashes.
	SessionPrefix = "chat:session:"

	// SessionTTL is the time-to-live for session keys in Redis. The
	// heartbeat refreshes it while the connection is alive.
	SessionTTL = 1 * time.Hour
)

// Session is a user's live-connection record.
type Session struct {
	UserID      string `redis:"user_id"`
	Name        string `redis:"name"`
	Server      string `redis:"server"`       // which chat server instance
	ConnectedAt int64  `redis:"connected_at"` // unix timestamp
	LastActive  int64  `redis:"last_active"`  // unix timestamp
}

// Store manages session state in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this server instance
}

// NewStore creates a session store connected to Redis.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	// Verify connection.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create registers a user's live connection on this server with a fresh TTL.
// A reconnect overwrites the previous record, so the registry always points
// at the most recent connection.
func (s *Store) Create(ctx context.Context, userID, name string) error {
	key := SessionPrefix + userID
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_id":      userID,
		"name":         name,
		"server":       s.serverName,
		"connected_at": now,
		"last_active":  now,
	})
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a user's session. Returns nil if the user has no live
// connection anywhere.
func (s *Store) Get(ctx context.Context, userID string) (*Session, error) {
	key := SessionPrefix + userID
	var sess Session
	if err := s.client.HGetAll(ctx, key).Scan(&sess); err != nil {
		return nil, err
	}
	if sess.UserID == "" {
		return nil, nil // not found
	}
	return &sess, nil
}

// Touch refreshes the last-active timestamp and the TTL. Called from the
// heartbeat and on every inbound frame.
func (s *Store) Touch(ctx context.Context, userID string) error {
	key := SessionPrefix + userID
	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Delete removes a user's session. Only removes it if the record still
// belongs to this server, so a node cleaning up an old connection cannot
// clobber the user's newer connection on another node.
func (s *Store) Delete(ctx context.Context, userID string) error {
	key := SessionPrefix + userID

	server, err := s.client.HGet(ctx, key, "server").Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if server != s.serverName {
		return nil
	}
	return s.client.Del(ctx, key).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
