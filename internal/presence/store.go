// Package presence maintains the shared set of online user IDs in Redis.
// Every connect and disconnect mutates the set and triggers a wholesale
// online_users broadcast; clients always receive the complete set, never a
// delta.
package presence

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// OnlineKey is the Redis set holding the IDs of all online users across all
// chat server instances.
const OnlineKey = "chat:online"

// Store manages the online set in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a presence store backed by the given Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Add marks a user online. Returns the complete online set after the change.
func (s *Store) Add(ctx context.Context, userID string) ([]string, error) {
	pipe := s.client.Pipeline()
	pipe.SAdd(ctx, OnlineKey, userID)
	members := pipe.SMembers(ctx, OnlineKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return members.Val(), nil
}

// Remove marks a user offline. Returns the complete online set after the
// change.
func (s *Store) Remove(ctx context.Context, userID string) ([]string, error) {
	pipe := s.client.Pipeline()
	pipe.SRem(ctx, OnlineKey, userID)
	members := pipe.SMembers(ctx, OnlineKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return members.Val(), nil
}

// Online returns the complete current online set.
func (s *Store) Online(ctx context.Context) ([]string, error) {
	return s.client.SMembers(ctx, OnlineKey).Result()
}

// IsOnline reports whether a single user is in the online set.
func (s *Store) IsOnline(ctx context.Context, userID string) (bool, error) {
	return s.client.SIsMember(ctx, OnlineKey, userID).Result()
}
