package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	goredislib "github.com/redis/go-redis/v9"
)

// DefaultExpiry bounds how long a crashed holder can block a group.
const DefaultExpiry = 5 * time.Minute

// ErrNotHeld is returned by Unlock when the lock expired before release.
var ErrNotHeld = errors.New("lock was not held or already expired")

// Redis is a Locker backed by redsync, for deployments where several
// processes may trigger cycles for the same group.
type Redis struct {
	rs     *redsync.Redsync
	expiry time.Duration
	prefix string
}

// RedisOption configures a Redis locker.
type RedisOption func(*Redis)

// WithExpiry sets the lock expiry.
func WithExpiry(d time.Duration) RedisOption {
	return func(r *Redis) {
		r.expiry = d
	}
}

// WithPrefix namespaces every key.
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

// NewRedis returns a locker using client.
func NewRedis(client goredislib.UniversalClient, opts ...RedisOption) *Redis {
	r := &Redis{
		rs:     redsync.New(goredis.NewPool(client)),
		expiry: DefaultExpiry,
		prefix: "settler:lock:",
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TryLock implements Locker. Contention maps to ErrHeld.
func (r *Redis) TryLock(ctx context.Context, key string) (Unlock, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	name := r.prefix + key

	mutex := r.rs.NewMutex(name, redsync.WithExpiry(r.expiry))
	if err := mutex.TryLockContext(ctx); err != nil {
		var taken redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return nil, fmt.Errorf("%s: %w", name, ErrHeld)
		}
		return nil, fmt.Errorf("acquire lock %s: %w", name, err)
	}
	slog.Debug("lock acquired", "lock_key", name)

	return func(ctx context.Context) error {
		ok, err := mutex.UnlockContext(ctx)
		if err != nil {
			return fmt.Errorf("release lock %s: %w", name, err)
		}
		if !ok {
			return fmt.Errorf("release lock %s: %w", name, ErrNotHeld)
		}
		slog.Debug("lock released", "lock_key", name)
		return nil
	}, nil
}
