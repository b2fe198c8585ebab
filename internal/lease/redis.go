package lease

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultPoll = 100 * time.Millisecond

// releaseScript deletes the key only if this holder still owns it, so an
// expired lease taken over by another worker is never released by mistake.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// renewScript extends the key's expiry only while this holder owns it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

// Redis implements Locker with SET NX PX. A held lease is renewed every third
// of its TTL until released, so the TTL only bounds how long a crashed
// worker's lease outlives it.
type Redis struct {
	client    redis.UniversalClient
	namespace string
	ttl       time.Duration
	poll      time.Duration
	logger    *slog.Logger
}

// NewRedis constructs a Redis locker.
func NewRedis(client redis.UniversalClient, namespace string, ttl time.Duration, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{client: client, namespace: namespace, ttl: ttl, poll: defaultPoll, logger: logger}
}

// Acquire polls until the lease is held or ctx is done.
func (r *Redis) Acquire(ctx context.Context, key string) (func(), error) {
	full := r.namespace + key
	token := uuid.NewString()
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, full, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire lease %s: %w", full, err)
		}
		if ok {
			stop, done := make(chan struct{}), make(chan struct{})
			go r.renew(full, token, stop, done)
			var once sync.Once
			return func() {
				once.Do(func() {
					close(stop)
					<-done
					r.release(full, token)
				})
			}, nil
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (r *Redis) renew(full, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	interval := r.ttl / 3
	if interval <= 0 {
		<-stop
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		n, err := renewScript.Run(ctx, r.client, []string{full}, token, r.ttl.Milliseconds()).Int()
		cancel()
		switch {
		case err != nil:
			r.logger.Warn("renew lease failed", "key", full, "error", err)
		case n == 0:
			r.logger.Error("lease lost before release", "key", full)
			<-stop
			return
		}
	}
}

func (r *Redis) release(full, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, r.client, []string{full}, token).Err(); err != nil {
		r.logger.Warn("release lease failed", "key", full, "error", err)
	}
}
