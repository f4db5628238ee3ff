// Package cache keeps short-lived lookups of remote identities out of the
// request path.
package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/deemkeen/stegograph/logger"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultTTL = 24 * time.Hour

// HandleCache maps @user@domain handles to actor IRIs.
type HandleCache interface {
	Get(ctx context.Context, handle string) (string, bool)
	Set(ctx context.Context, handle, iri string)
}

// Redis stores handle lookups in Redis. Cache errors never fail a lookup.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

// Dial connects to addr and checks the connection.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

func key(handle string) string {
	return "webfinger:" + strings.ToLower(strings.TrimPrefix(handle, "@"))
}

func (r *Redis) Get(ctx context.Context, handle string) (string, bool) {
	iri, err := r.client.Get(ctx, key(handle)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false
	}
	if err != nil {
		logger.Warn("Cache: redis get failed", zap.String("handle", handle), zap.Error(err))
		return "", false
	}
	return iri, true
}

func (r *Redis) Set(ctx context.Context, handle, iri string) {
	if err := r.client.Set(ctx, key(handle), iri, r.ttl).Err(); err != nil {
		logger.Warn("Cache: redis set failed", zap.String("handle", handle), zap.Error(err))
	}
}

// Nop is used when no Redis address is configured.
type Nop struct{}

func (Nop) Get(context.Context, string) (string, bool) { return "", false }

func (Nop) Set(context.Context, string, string) {}
