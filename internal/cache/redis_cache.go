package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	rdb *redis.Client
	ttl time.Duration
}

var (
	_ ReceiptCache = (*RedisCache)(nil)
	_ ReceiptCache = (*MemoryCache)(nil)
)

func NewRedisCache(rdb *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: ttl}
}

type receiptValue struct {
	Handle   string    `json:"handle"`
	IssuedAt time.Time `json:"issuedAt"`
}

func receiptKey(reference string) string {
	return "receipt:" + reference
}

func (c *RedisCache) GetReceipt(ctx context.Context, reference string) (string, bool, error) {
	raw, err := c.rdb.Get(ctx, receiptKey(reference)).Bytes()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	var v receiptValue
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", false, err
	}
	return v.Handle, v.Handle != "", nil
}

// StoreReceipt keeps the first handle written for a reference; later writes
// leave it untouched.
func (c *RedisCache) StoreReceipt(ctx context.Context, reference, handle string) error {
	b, err := json.Marshal(receiptValue{
		Handle:   handle,
		IssuedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	return c.rdb.SetNX(ctx, receiptKey(reference), b, c.ttl).Err()
}
