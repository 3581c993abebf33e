package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"membership-reconciler/pkg/utils"
)

// RedisDeduper claims order ids in Redis with a TTL.
type RedisDeduper struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisDeduper(rdb redis.UniversalClient, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisDeduper{rdb: rdb, ttl: ttl}
}

func orderKey(orderID string) string { return "order:" + orderID }

func (d *RedisDeduper) Claim(ctx context.Context, orderID string) (string, bool, error) {
	token := uuid.NewString()
	ok, err := utils.ClaimOnce(ctx, d.rdb, orderKey(orderID), token, d.ttl)
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (d *RedisDeduper) Release(ctx context.Context, orderID, token string) error {
	return utils.ReleaseClaim(ctx, d.rdb, orderKey(orderID), token)
}
