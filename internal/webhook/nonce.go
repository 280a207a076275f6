package webhook

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceStore records nonces; Remember reports false for a replay.
type NonceStore interface {
	Remember(ctx context.Context, nonce, jobID string, receivedAt time.Time) (bool, error)
}

// RedisNonceStore keeps nonces only as long as a replay could still pass
// the timestamp check.
type RedisNonceStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisNonceStore expires nonces after twice the timestamp tolerance.
func NewRedisNonceStore(client *redis.Client, tolerance time.Duration) *RedisNonceStore {
	return &RedisNonceStore{client: client, ttl: 2 * tolerance, prefix: "enhancement:nonce:"}
}

func (s *RedisNonceStore) Remember(ctx context.Context, nonce, jobID string, _ time.Time) (bool, error) {
	return s.client.SetNX(ctx, s.prefix+nonce, jobID, s.ttl).Result()
}
