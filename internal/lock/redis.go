package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	defaultTTL        = 10 * time.Second
	defaultWait       = 5 * time.Second
	defaultRetryDelay = 25 * time.Millisecond
	keyPrefix         = "identity:lock:"
)

// unlockScript deletes the key only while it still holds the caller's token.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a distributed Locker built on SET NX PX. Locks expire after TTL so
// a crashed holder cannot block an identifier forever.
type Redis struct {
	client     redis.UniversalClient
	ttl        time.Duration
	wait       time.Duration
	retryDelay time.Duration
	log        *zap.Logger
}

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithTTL sets how long a lock lives without being released.
func WithTTL(ttl time.Duration) RedisOption {
	return func(r *Redis) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithWait bounds how long Acquire retries before giving up.
func WithWait(wait time.Duration) RedisOption {
	return func(r *Redis) {
		if wait > 0 {
			r.wait = wait
		}
	}
}

// WithRetryDelay sets the pause between SET NX attempts.
func WithRetryDelay(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.retryDelay = d
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(log *zap.Logger) RedisOption {
	return func(r *Redis) {
		if log != nil {
			r.log = log
		}
	}
}

// NewRedis creates a locker on an existing client.
func NewRedis(client redis.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		client:     client,
		ttl:        defaultTTL,
		wait:       defaultWait,
		retryDelay: defaultRetryDelay,
		log:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRedisClient parses a redis:// URL and verifies the connection.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func (r *Redis) Acquire(ctx context.Context, keys ...string) (Release, error) {
	keys = normalize(keys)
	token := uuid.NewString()

	ctx, cancel := context.WithTimeout(ctx, r.wait)
	defer cancel()

	held := make([]string, 0, len(keys))
	for _, key := range keys {
		if err := r.lock(ctx, keyPrefix+key, token); err != nil {
			r.unlockAll(held, token)
			return nil, err
		}
		held = append(held, keyPrefix+key)
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.unlockAll(held, token) })
	}, nil
}

func (r *Redis) lock(ctx context.Context, key, token string) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s", ErrTimeout, key)
			}
			return ctx.Err()
		case <-timer.C:
		}

		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			return fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return nil
		}
		timer.Reset(r.retryDelay)
	}
}

func (r *Redis) unlockAll(keys []string, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := len(keys) - 1; i >= 0; i-- {
		if err := unlockScript.Run(ctx, r.client, []string{keys[i]}, token).Err(); err != nil {
			r.log.Warn("failed to release lock", zap.String("key", keys[i]), zap.Error(err))
		}
	}
}
