// Package directory persists users' presence fields.
package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	keyPrefix          = "presence:"
	fieldIsOnline      = "is_online"
	fieldLastHeartbeat = "last_heartbeat"
)

// redisClient defines the subset of go-redis the directory needs.
type redisClient interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) ([]redis.Cmder, error)
}

// RedisDirectory keeps one hash per user:
// presence:<user> -> {is_online: 0|1, last_heartbeat: <unix seconds>}.
// An offline user has no last_heartbeat field.
type RedisDirectory struct {
	client redisClient
	now    func() time.Time
	logger zerolog.Logger
}

// NewRedisDirectory is the constructor for the RedisDirectory.
func NewRedisDirectory(client redisClient, logger zerolog.Logger) (*RedisDirectory, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	return &RedisDirectory{
		client: client,
		now:    time.Now,
		logger: logger.With().Str("component", "RedisDirectory").Logger(),
	}, nil
}

func (d *RedisDirectory) SetOnline(ctx context.Context, userID string, online bool) error {
	key := keyPrefix + userID
	if online {
		err := d.client.HSet(ctx, key, fieldIsOnline, 1, fieldLastHeartbeat, d.now().Unix()).Err()
		if err != nil {
			return fmt.Errorf("failed to mark %s online: %w", userID, err)
		}
		return nil
	}

	// MULTI/EXEC so readers never see is_online=0 with a stale heartbeat.
	_, err := d.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fieldIsOnline, 0)
		pipe.HDel(ctx, key, fieldLastHeartbeat)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark %s offline: %w", userID, err)
	}
	return nil
}
