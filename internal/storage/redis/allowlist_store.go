package redis

import (
	"context"

	"github.com/redis/go-redis/v9"
)

type allowListStore struct {
	client *redis.Client
}

// IsChannelAllowed reports whether a channel is on the child's allow-list
func (s *allowListStore) IsChannelAllowed(ctx context.Context, childID, channelID string) (bool, error) {
	return s.client.SIsMember(ctx, allowListKey(childID), channelID).Result()
}

// AllowChannel adds a channel to the child's allow-list
func (s *allowListStore) AllowChannel(ctx context.Context, childID, channelID string) error {
	return s.client.SAdd(ctx, allowListKey(childID), channelID).Err()
}

// List returns the child's allowed channels
func (s *allowListStore) List(ctx context.Context, childID string) ([]string, error) {
	return s.client.SMembers(ctx, allowListKey(childID)).Result()
}
