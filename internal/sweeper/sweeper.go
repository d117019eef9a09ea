// Package sweeper periodically expires discounts and codes past their end.
package sweeper

import (
	"context"
	"time"

	"github.com/bsm/redislock"
	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron"
	"go.uber.org/zap"
)

const lockKey = "kart:sweeper:lock"

// Repository flips overdue rows. Both methods return the number of rows changed.
type Repository interface {
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
	DeactivateExpiredCodes(ctx context.Context, now time.Time) (int64, error)
}

// Invalidator drops cached catalog state after a sweep changed something.
type Invalidator interface {
	Invalidate(ctx context.Context) error
}

// Locker guards a sweep so that one replica runs it at a time. TryLock returns
// ok=false when another holder has the lock.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// RedisLocker implements Locker with bsm/redislock.
type RedisLocker struct {
	client *redislock.Client
}

// NewRedisLocker creates a RedisLocker on top of a go-redis client.
func NewRedisLocker(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb)}
}

func (l *RedisLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, bool, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "obtain lock")
	}
	return lock.Release, true, nil
}

// LocalLocker always grants the lock. It is used when Redis is not configured
// and a single replica runs.
type LocalLocker struct{}

func (LocalLocker) TryLock(context.Context, string, time.Duration) (func(context.Context) error, bool, error) {
	return func(context.Context) error { return nil }, true, nil
}

// Result summarizes a sweep.
type Result struct {
	Skipped          bool
	ExpiredDiscounts int64
	ExpiredCodes     int64
}

// Sweeper runs the expiry job.
type Sweeper struct {
	repo    Repository
	cache   Invalidator
	locker  Locker
	lg      *zap.Logger
	lockTTL time.Duration
	now     func() time.Time
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLockTTL bounds how long a crashed replica can hold the sweep lock.
func WithLockTTL(ttl time.Duration) Option {
	return func(s *Sweeper) {
		if ttl > 0 {
			s.lockTTL = ttl
		}
	}
}

// New creates a Sweeper. cache may be nil.
func New(repo Repository, cache Invalidator, locker Locker, lg *zap.Logger, opts ...Option) *Sweeper {
	if locker == nil {
		locker = LocalLocker{}
	}
	s := &Sweeper{
		repo:    repo,
		cache:   cache,
		locker:  locker,
		lg:      lg,
		lockTTL: 30 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep runs one pass. A pass is skipped when another replica holds the lock.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	release, ok, err := s.locker.TryLock(ctx, lockKey, s.lockTTL)
	if err != nil {
		return Result{}, err
	}
	if !ok {
		return Result{Skipped: true}, nil
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.lg.Warn("Release sweeper lock", zap.Error(err))
		}
	}()

	now := s.now()
	var res Result
	if res.ExpiredDiscounts, err = s.repo.ExpireOverdue(ctx, now); err != nil {
		return res, errors.Wrap(err, "expire discounts")
	}
	if res.ExpiredCodes, err = s.repo.DeactivateExpiredCodes(ctx, now); err != nil {
		return res, errors.Wrap(err, "expire codes")
	}
	if s.cache != nil && res.ExpiredDiscounts+res.ExpiredCodes > 0 {
		if err := s.cache.Invalidate(ctx); err != nil {
			return res, errors.Wrap(err, "invalidate cache")
		}
	}
	return res, nil
}

// Run schedules Sweep with a cron spec (e.g. "@every 1m") until ctx is done.
func (s *Sweeper) Run(ctx context.Context, spec string) error {
	c := cron.New()
	if err := c.AddFunc(spec, func() {
		res, err := s.Sweep(ctx)
		if err != nil {
			s.lg.Error("Sweep failed", zap.Error(err))
			return
		}
		if res.ExpiredDiscounts+res.ExpiredCodes > 0 {
			s.lg.Info("Sweep expired discounts",
				zap.Int64("discounts", res.ExpiredDiscounts),
				zap.Int64("codes", res.ExpiredCodes),
			)
		}
	}); err != nil {
		return errors.Wrapf(err, "schedule %q", spec)
	}

	s.lg.Info("Sweeper started", zap.String("spec", spec))
	c.Start()
	<-ctx.Done()
	c.Stop()
	return nil
}
