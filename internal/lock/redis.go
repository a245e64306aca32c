package lock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisOptions describes how to reach Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisClient builds a client from options.
func NewRedisClient(opts RedisOptions) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
}

// Redis is a Locker backed by SET NX PX. Each lock carries a random token
// and is only deleted by the holder of that token, so an expired lock that
// was taken over by another worker is never released by the old holder.
type Redis struct {
	client    redis.Cmdable
	prefix    string
	opTimeout time.Duration
	logger    *slog.Logger
}

// NewRedis creates a Redis locker; keys are prefix + name.
func NewRedis(client redis.Cmdable, prefix string, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, prefix: prefix, opTimeout: 2 * time.Second, logger: logger}
}

func (r *Redis) key(name string) string {
	return r.prefix + name
}

func (r *Redis) TryAcquire(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	token := uuid.NewString()
	opCtx, cancel := context.WithTimeout(ctx, r.opTimeout)
	defer cancel()

	ok, err := r.client.SetNX(opCtx, r.key(name), token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, false, nil
	}

	var once sync.Once
	release := func() {
		once.Do(func() {
			// The caller's context may already be cancelled when the batch ends.
			relCtx, cancel := context.WithTimeout(context.Background(), r.opTimeout)
			defer cancel()
			if err := releaseScript.Run(relCtx, r.client, []string{r.key(name)}, token).Err(); err != nil {
				r.logger.Warn("release lock failed", "lock", name, "error", err)
			}
		})
	}
	return release, true, nil
}

var releaseScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
