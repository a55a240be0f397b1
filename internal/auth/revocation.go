package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cory-johannsen/parley/internal/config"
)

// RevocationList records logged-out token IDs until their natural expiry.
type RevocationList interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

const revokedKeyPrefix = "parley:revoked:"

// NewRedisClient builds a redis client from cfg.
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// RedisRevocations stores revoked token IDs as expiring redis keys, so every
// server instance sharing the redis sees a logout.
type RedisRevocations struct {
	client *redis.Client
}

// NewRedisRevocations wraps client.
func NewRedisRevocations(client *redis.Client) *RedisRevocations {
	return &RedisRevocations{client: client}
}

// Revoke stores tokenID for ttl.
func (r *RedisRevocations) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	if err := r.client.Set(ctx, revokedKeyPrefix+tokenID, 1, ttl).Err(); err != nil {
		return fmt.Errorf("revoking token %s: %w", tokenID, err)
	}
	return nil
}

// IsRevoked reports whether tokenID is still on the list.
func (r *RedisRevocations) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := r.client.Exists(ctx, revokedKeyPrefix+tokenID).Result()
	if err != nil {
		return false, fmt.Errorf("checking token %s: %w", tokenID, err)
	}
	return n > 0, nil
}

// Ping checks the redis connection.
func (r *RedisRevocations) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// MemoryRevocations is a process-local RevocationList used when redis is
// disabled.
type MemoryRevocations struct {
	mu      sync.Mutex
	expires map[string]time.Time
	now     func() time.Time
}

// NewMemoryRevocations creates an empty list.
func NewMemoryRevocations() *MemoryRevocations {
	return &MemoryRevocations{expires: make(map[string]time.Time), now: time.Now}
}

// Revoke records tokenID until now+ttl.
func (m *MemoryRevocations) Revoke(_ context.Context, tokenID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, exp := range m.expires {
		if !exp.After(now) {
			delete(m.expires, id)
		}
	}
	m.expires[tokenID] = now.Add(ttl)
	return nil
}

// IsRevoked reports whether tokenID is revoked and not yet expired.
func (m *MemoryRevocations) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	exp, ok := m.expires[tokenID]
	return ok && exp.After(m.now()), nil
}
