package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/sentinel/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisRevocationRegistry keeps revoked token ids and session ids as Redis keys that
// expire with the last access token they could match.
type RedisRevocationRegistry struct {
	redis  redis.UniversalClient
	prefix string
	now    func() time.Time
}

func NewRedisRevocationRegistry(client redis.UniversalClient, prefix string) *RedisRevocationRegistry {
	return &RedisRevocationRegistry{redis: client, prefix: prefix, now: time.Now}
}

func (r *RedisRevocationRegistry) jtiKey(jti string) string { return r.prefix + "jti:" + jti }
func (r *RedisRevocationRegistry) sidKey(sid string) string { return r.prefix + "sid:" + sid }

func (r *RedisRevocationRegistry) RevokeToken(ctx context.Context, jti, userID string, expiresAt time.Time, reason string) error {
	return r.set(ctx, r.jtiKey(jti), expiresAt, reason)
}

func (r *RedisRevocationRegistry) RevokeSession(ctx context.Context, sessionID, userID string, until time.Time, reason string) error {
	return r.set(ctx, r.sidKey(sessionID), until, reason)
}

func (r *RedisRevocationRegistry) set(ctx context.Context, key string, until time.Time, reason string) error {
	ttl := until.Sub(r.now())
	if ttl <= 0 {
		return nil
	}
	// Round up so the key never lapses before the token does.
	ttl = ttl.Truncate(time.Millisecond) + time.Millisecond
	if err := r.redis.Set(ctx, key, reason, ttl).Err(); err != nil {
		return fmt.Errorf("%w: revocation registry: %v", models.ErrServiceUnavailable, err)
	}
	return nil
}

// ConsumeToken revokes jti with SET NX. Only the first caller gets true.
func (r *RedisRevocationRegistry) ConsumeToken(ctx context.Context, jti, userID string, expiresAt time.Time, reason string) (bool, error) {
	ttl := expiresAt.Sub(r.now())
	if ttl <= 0 {
		return false, nil
	}
	ttl = ttl.Truncate(time.Millisecond) + time.Millisecond
	won, err := r.redis.SetNX(ctx, r.jtiKey(jti), reason, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: revocation registry: %v", models.ErrServiceUnavailable, err)
	}
	return won, nil
}

// IsRevoked checks the token id and session id in one round trip.
func (r *RedisRevocationRegistry) IsRevoked(ctx context.Context, jti, sessionID string) (bool, error) {
	keys := []string{r.jtiKey(jti)}
	if sessionID != "" {
		keys = append(keys, r.sidKey(sessionID))
	}
	n, err := r.redis.Exists(ctx, keys...).Result()
	if err != nil {
		return false, fmt.Errorf("%w: revocation registry: %v", models.ErrServiceUnavailable, err)
	}
	return n > 0, nil
}
