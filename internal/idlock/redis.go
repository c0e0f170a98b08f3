package idlock

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/amillerrr/clip-pipeline/pkg/models"
)

const (
	keyPrefix       = "clip:lock:"
	DefaultTTL      = 2 * time.Minute
	DefaultPollWait = 200 * time.Millisecond
)

// unlockScript deletes the key only if this holder still owns it.
var unlockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the key only if this holder still owns it.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Redis is a Locker shared by every process using the same Redis server.
// A held key is renewed every TTL/3; keys of a crashed holder expire after TTL.
type Redis struct {
	rdb  redis.UniversalClient
	ttl  time.Duration
	poll time.Duration
	log  *slog.Logger
}

// NewRedis creates a Redis-backed Locker.
func NewRedis(rdb redis.UniversalClient, ttl time.Duration, log *slog.Logger) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Redis{rdb: rdb, ttl: ttl, poll: DefaultPollWait, log: log}
}

func (r *Redis) acquire(ctx context.Context, key string) (func(), bool, error) {
	token := uuid.NewString()
	name := keyPrefix + key

	ok, err := r.rdb.SetNX(ctx, name, token, r.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redis lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}

	// Renewal and release must work after the caller's context is done.
	bg := context.WithoutCancel(ctx)
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.renew(bg, key, name, token, stop)
	}()

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			close(stop)
			<-done
			if err := unlockScript.Run(bg, r.rdb, []string{name}, token).Err(); err != nil {
				r.log.Warn("Failed to release redis lock", "key", key, "error", err)
			}
		})
	}
	return unlock, true, nil
}

// renew extends the key until stop closes or the key is lost.
func (r *Redis) renew(ctx context.Context, key, name, token string, stop <-chan struct{}) {
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}

		n, err := renewScript.Run(ctx, r.rdb, []string{name}, token, r.ttl.Milliseconds()).Int()
		if err != nil {
			r.log.Warn("Failed to renew redis lock", "key", key, "error", err)
			continue
		}
		if n == 0 {
			r.log.Error("Lost redis lock while holding it", "key", key)
			return
		}
	}
}

// Lock implements Locker by polling SETNX until it succeeds.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		unlock, ok, err := r.acquire(ctx, key)
		if err != nil {
			return nil, err
		}
		if ok {
			return unlock, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s: %v", models.ErrLockTimeout, key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// TryLock implements Locker.
func (r *Redis) TryLock(ctx context.Context, key string) (func(), error) {
	unlock, ok, err := r.acquire(ctx, key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrLocked, key)
	}
	return unlock, nil
}
