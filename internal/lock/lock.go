// Package lock serializes token refreshes per connection.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// ErrNotAcquired is returned when a distributed lock could not be taken in time.
var ErrNotAcquired = errors.New("lock: not acquired")

// Guard runs fn while holding whatever exclusion the implementation provides for key.
type Guard interface {
	Do(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Modes accepted by New.
const (
	ModeNone     = "none"
	ModeCoalesce = "coalesce"
	ModeRedis    = "redis"
)

// New returns the guard for mode. client is only used by ModeRedis and
// timeout bounds a coalesced call.
func New(mode string, client redis.Cmdable, timeout time.Duration, logger *zap.Logger) (Guard, error) {
	switch mode {
	case "", ModeNone:
		return Noop{}, nil
	case ModeCoalesce:
		return NewCoalescing(timeout), nil
	case ModeRedis:
		if client == nil {
			return nil, fmt.Errorf("lock: redis mode requires a redis client")
		}
		return NewRedis(client, logger), nil
	}
	return nil, fmt.Errorf("lock: unknown mode %q", mode)
}

// Noop provides no exclusion; concurrent refreshes race and the last write wins.
type Noop struct{}

func (Noop) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// Coalescing shares one in-flight call among concurrent callers of the same
// key inside this process. Joiners receive the leader's result. The shared
// call is detached from every caller's cancellation and bounded by timeout;
// a caller whose own context ends stops waiting without affecting the others.
type Coalescing struct {
	group   singleflight.Group
	timeout time.Duration
}

const defaultSharedCallTimeout = 30 * time.Second

// NewCoalescing creates a coalescing guard. A non-positive timeout uses 30s.
func NewCoalescing(timeout time.Duration) *Coalescing {
	if timeout <= 0 {
		timeout = defaultSharedCallTimeout
	}
	return &Coalescing{timeout: timeout}
}

func (c *Coalescing) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(shared, c.timeout)
		defer cancel()
		return nil, fn(callCtx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// Redis is an advisory lock shared by every replica.
type Redis struct {
	client  redis.Cmdable
	release *redis.Script
	prefix  string
	ttl     time.Duration
	wait    time.Duration
	retry   time.Duration
	logger  *zap.Logger
}

// NewRedis creates a lock whose keys expire after 30s so a crashed holder
// cannot wedge a connection.
func NewRedis(client redis.Cmdable, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.L()
	}
	return &Redis{
		client:  client,
		release: redis.NewScript(releaseScript),
		prefix:  "oauth:refresh:lock:",
		ttl:     30 * time.Second,
		wait:    15 * time.Second,
		retry:   50 * time.Millisecond,
		logger:  logger.Named("lock"),
	}
}

func (r *Redis) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	lockKey := r.prefix + key
	token := uuid.NewString()

	if err := r.acquire(ctx, lockKey, token); err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := r.release.Run(releaseCtx, r.client, []string{lockKey}, token).Err(); err != nil {
			r.logger.Warn("failed to release lock", zap.String("key", lockKey), zap.Error(err))
		}
	}()

	return fn(ctx)
}

func (r *Redis) acquire(ctx context.Context, key, token string) error {
	deadline := time.NewTimer(r.wait)
	defer deadline.Stop()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return fmt.Errorf("lock: acquire %s: %w", key, err)
		}
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return ErrNotAcquired
		case <-time.After(r.retry):
		}
	}
}
