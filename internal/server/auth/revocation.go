package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// Revoker tracks tokens invalidated by logout until Verify would reject them
// anyway, which is expiry plus the verification leeway.
type Revoker interface {
	Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

const blacklistPrefix = "jwt:blacklist:"

// RedisRevoker stores revoked token IDs in Redis with a TTL covering the
// token's remaining life and the leeway.
type RedisRevoker struct {
	client *redis.Client
}

func NewRedisRevoker(client *redis.Client) *RedisRevoker {
	return &RedisRevoker{client: client}
}

func (r *RedisRevoker) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt.Add(defaultLeeway))
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, blacklistPrefix+tokenID, 1, ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

func (r *RedisRevoker) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := r.client.Exists(ctx, blacklistPrefix+tokenID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return n > 0, nil
}

// MemoryRevoker keeps revoked token IDs in process memory. Entries live for
// the token lifetime plus the leeway, never longer.
// Revocations do not survive a restart and are not shared between replicas.
type MemoryRevoker struct {
	revoked *expirable.LRU[string, time.Time]
	now     func() time.Time
}

func NewMemoryRevoker(size int, tokenTTL time.Duration) *MemoryRevoker {
	return &MemoryRevoker{
		revoked: expirable.NewLRU[string, time.Time](size, nil, tokenTTL+defaultLeeway),
		now:     time.Now,
	}
}

func (r *MemoryRevoker) Revoke(ctx context.Context, tokenID string, expiresAt time.Time) error {
	until := expiresAt.Add(defaultLeeway)
	if !until.After(r.now()) {
		return nil
	}
	r.revoked.Add(tokenID, until)
	return nil
}

func (r *MemoryRevoker) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	until, ok := r.revoked.Get(tokenID)
	return ok && until.After(r.now()), nil
}
