package redisstore

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"github.com/capitalize-ai/chatsync/internal/store"
)

// FlagStore implements store.FlagStore with one key per flag under
// chat:flag:<key>, shared by every instance on the same Redis.
type FlagStore struct {
	client *redis.Client
}

var _ store.FlagStore = (*FlagStore)(nil)

// NewFlagStore wraps an existing client.
func NewFlagStore(client *redis.Client) *FlagStore {
	return &FlagStore{client: client}
}

func flagKey(key string) string {
	return keyPrefix + ":flag:" + key
}

// IsSet implements store.FlagStore.
func (f *FlagStore) IsSet(ctx context.Context, key string) (bool, error) {
	n, err := f.client.Exists(ctx, flagKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: exists %s: %w", key, err)
	}
	return n == 1, nil
}

// Set implements store.FlagStore.
func (f *FlagStore) Set(ctx context.Context, key string) error {
	if err := f.client.Set(ctx, flagKey(key), "1", 0).Err(); err != nil {
		return fmt.Errorf("redis: set %s: %w", key, err)
	}
	return nil
}
