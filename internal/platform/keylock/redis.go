package keylock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// releaseScript deletes the key only when it still carries our token, so an
// expired lock that was taken over by another holder is left alone.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisConfig tunes the Redis locker.
type RedisConfig struct {
	Prefix     string
	TTL        time.Duration
	RetryEvery time.Duration
}

// DefaultRedisConfig returns settings suited to short booking sections.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Prefix:     "pats:lock:",
		TTL:        15 * time.Second,
		RetryEvery: 25 * time.Millisecond,
	}
}

// Redis is a Locker shared by every instance pointed at the same Redis.
type Redis struct {
	client redis.UniversalClient
	cfg    RedisConfig
	logger zerolog.Logger
}

func NewRedis(client redis.UniversalClient, cfg RedisConfig, logger zerolog.Logger) *Redis {
	def := DefaultRedisConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.RetryEvery <= 0 {
		cfg.RetryEvery = def.RetryEvery
	}
	return &Redis{client: client, cfg: cfg, logger: logger.With().Str("component", "keylock").Logger()}
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *Redis) Lock(ctx context.Context, key string) (Unlock, error) {
	ticker := time.NewTicker(r.cfg.RetryEvery)
	defer ticker.Stop()
	for {
		unlock, err := r.TryLock(ctx, key)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, ErrNotAcquired) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (r *Redis) TryLock(ctx context.Context, key string) (Unlock, error) {
	k := r.cfg.Prefix + key
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, k, token, r.cfg.TTL).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrNotAcquired
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(ctx, r.client, []string{k}, token).Err(); err != nil {
				r.logger.Warn().Err(err).Str("key", key).Msg("failed to release lock")
			}
		})
	}, nil
}
