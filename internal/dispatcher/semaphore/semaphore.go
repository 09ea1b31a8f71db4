// Package semaphore bounds in-flight judge requests with expiring leases kept in Redis.
//
// Leases live in a sorted set scored by acquisition time in milliseconds. A lease that is
// never released stops counting once it is older than the lease timeout, so a crashed
// worker cannot leak capacity for longer than that.
package semaphore

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"judgedispatch/internal/common/cache"
	appErr "judgedispatch/pkg/errors"

	"github.com/google/uuid"
)

const keyPrefix = "judge:semaphore:"

// acquireScript admits a lease when fewer than limit leases fall in [now-timeout, now+1s].
// KEYS[1] lease set; ARGV: now ms, timeout ms, limit, lease id.
var acquireScript = cache.NewScript(`
local now = tonumber(ARGV[1])
local timeout = tonumber(ARGV[2])
local count = redis.call('ZCOUNT', KEYS[1], now - timeout, now + 1000)
if count < tonumber(ARGV[3]) then
	redis.call('ZADD', KEYS[1], now, ARGV[4])
	redis.call('PEXPIRE', KEYS[1], timeout * 2)
	return 1
end
return 0
`)

// Store is the Redis surface the semaphore needs.
type Store interface {
	cache.ScriptOps
	cache.ZSetOps
}

// Config controls one admission pool. Waiters block until admitted unless NonBlocking is set.
type Config struct {
	Name          string        `yaml:"name"`
	Limit         int           `yaml:"limit"`
	LeaseTimeout  time.Duration `yaml:"leaseTimeout"`
	RetryInterval time.Duration `yaml:"retryInterval"`
	NonBlocking   bool          `yaml:"nonBlocking"`
}

// Lease is one admitted slot. Release it when the judge request finishes.
type Lease struct {
	ID         string
	AcquiredAt time.Time
}

// Semaphore is a distributed counting semaphore shared by every dispatcher process.
type Semaphore struct {
	store    Store
	key      string
	limit    atomic.Int64
	timeout  time.Duration
	retry    time.Duration
	blocking bool
	now      func() time.Time
}

// Option customizes a Semaphore.
type Option func(*Semaphore)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Semaphore) {
		s.now = now
	}
}

// New creates a semaphore over store.
func New(store Store, cfg Config, opts ...Option) (*Semaphore, error) {
	if store == nil {
		return nil, appErr.ValidationError("store", "required")
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = 60 * time.Second
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 200 * time.Millisecond
	}
	s := &Semaphore{
		store:    store,
		key:      keyPrefix + cfg.Name,
		timeout:  cfg.LeaseTimeout,
		retry:    cfg.RetryInterval,
		blocking: !cfg.NonBlocking,
		now:      time.Now,
	}
	s.limit.Store(int64(cfg.Limit))
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// SetLimit changes the number of leases the pool admits.
func (s *Semaphore) SetLimit(limit int) {
	if limit < 0 {
		limit = 0
	}
	s.limit.Store(int64(limit))
}

// Limit returns the current admission limit.
func (s *Semaphore) Limit() int {
	return int(s.limit.Load())
}

// Acquire admits one lease. A blocking pool waits up to waitBudget, or until ctx is done
// when waitBudget is not positive. A full pool yields NoNodeAvailable once the wait is over;
// an unreachable store yields it without waiting.
func (s *Semaphore) Acquire(ctx context.Context, waitBudget time.Duration) (*Lease, error) {
	bounded := waitBudget > 0
	deadline := s.now().Add(waitBudget)
	lease := &Lease{ID: uuid.NewString()}
	for {
		now := s.now()
		admitted, err := s.tryAcquire(ctx, lease.ID, now)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, appErr.Wrapf(err, appErr.NoNodeAvailable, "admission store unavailable")
		}
		if admitted {
			lease.AcquiredAt = now
			return lease, nil
		}

		wait := s.retry
		if bounded {
			remaining := deadline.Sub(s.now())
			if remaining < wait {
				wait = remaining
			}
		}
		if !s.blocking || wait <= 0 {
			return nil, appErr.Newf(appErr.NoNodeAvailable, "admission limit %d reached for %s", s.Limit(), s.key)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		if err := s.Cleanup(ctx); err != nil {
			return nil, appErr.Wrapf(err, appErr.NoNodeAvailable, "admission store unavailable")
		}
	}
}

func (s *Semaphore) tryAcquire(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := s.store.RunScript(ctx, acquireScript, []string{s.key},
		now.UnixMilli(), s.timeout.Milliseconds(), s.limit.Load(), id)
	if err != nil {
		return false, err
	}
	admitted, _ := result.(int64)
	return admitted == 1, nil
}

// Release returns the lease to the pool. Releasing an expired or unknown lease is a no-op.
func (s *Semaphore) Release(ctx context.Context, lease *Lease) error {
	if lease == nil {
		return nil
	}
	if err := s.store.ZRem(ctx, s.key, lease.ID); err != nil {
		return appErr.Wrapf(err, appErr.CacheError, "release lease %s failed", lease.ID)
	}
	return nil
}

// Cleanup purges leases older than the lease timeout.
func (s *Semaphore) Cleanup(ctx context.Context) error {
	cutoff := s.now().Add(-s.timeout).UnixMilli()
	_, err := s.store.ZRemRangeByScore(ctx, s.key, "-inf", "("+strconv.FormatInt(cutoff, 10))
	return err
}

// InUse counts leases that still count against the limit.
func (s *Semaphore) InUse(ctx context.Context) (int, error) {
	now := s.now()
	min := strconv.FormatInt(now.Add(-s.timeout).UnixMilli(), 10)
	max := strconv.FormatInt(now.UnixMilli()+1000, 10)
	n, err := s.store.ZCount(ctx, s.key, min, max)
	if err != nil {
		return 0, appErr.Wrapf(err, appErr.CacheError, "count leases failed")
	}
	return int(n), nil
}
