// Package scheduler runs the periodic cache maintenance jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/JustinTDCT/cinevault-enricher/internal/logger"
)

const (
	DefaultGCSchedule      = "@daily"
	DefaultRefreshSchedule = "@every 1h"

	lockPrefix = "cinevault-enricher:lock:"
)

// Locker makes a job run on one instance at a time.
type Locker interface {
	// TryLock returns a release func and true when the lock was taken.
	TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error)
}

// RedisLocker takes locks with SET NX on the shared Redis.
type RedisLocker struct {
	rdb redis.UniversalClient
}

func NewRedisLocker(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(), bool, error) {
	key := lockPrefix + name
	token := uuid.NewString()
	ok, err := l.rdb.SetNX(ctx, key, token, ttl).Result()
	if err != nil || !ok {
		return func() {}, false, err
	}
	release := func() {
		// Only drop the lock if it is still ours.
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if cur, err := l.rdb.Get(ctx, key).Result(); err == nil && cur == token {
			l.rdb.Del(ctx, key)
		}
	}
	return release, true, nil
}

type Schedules struct {
	GC      string
	Refresh string
	// LockTTL bounds how long a crashed run keeps others out.
	LockTTL time.Duration
}

// Scheduler fires the GC sweep and the stale refresh on cron schedules.
type Scheduler struct {
	cron      *cron.Cron
	collector *Collector
	refresher *Refresher
	locker    Locker
	lockTTL   time.Duration
	log       *logger.Logger
}

// New registers both jobs. A nil locker runs every job locally; a nil
// collector or refresher leaves that job out.
func New(s Schedules, collector *Collector, refresher *Refresher, locker Locker, log *logger.Logger) (*Scheduler, error) {
	log = logger.OrNop(log).Named("scheduler")
	if s.GC == "" {
		s.GC = DefaultGCSchedule
	}
	if s.Refresh == "" {
		s.Refresh = DefaultRefreshSchedule
	}
	if s.LockTTL <= 0 {
		s.LockTTL = 30 * time.Minute
	}

	cl := cronLogger{log}
	sch := &Scheduler{
		cron:      cron.New(cron.WithLocation(time.UTC), cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		collector: collector,
		refresher: refresher,
		locker:    locker,
		lockTTL:   s.LockTTL,
		log:       log,
	}

	if collector != nil {
		if _, err := sch.cron.AddFunc(s.GC, func() { sch.runLocked("gc", sch.RunGC) }); err != nil {
			return nil, fmt.Errorf("gc schedule %q: %w", s.GC, err)
		}
	}
	if refresher != nil {
		if _, err := sch.cron.AddFunc(s.Refresh, func() { sch.runLocked("refresh", sch.RunRefresh) }); err != nil {
			return nil, fmt.Errorf("refresh schedule %q: %w", s.Refresh, err)
		}
	}
	return sch, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
	s.log.Info("scheduler started", "jobs", len(s.cron.Entries()))
}

// Stop prevents new runs and waits for running ones, up to ctx.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out", "error", ctx.Err())
	}
}

var errNotConfigured = errors.New("job not configured")

// RunGC performs one sweep now.
func (s *Scheduler) RunGC(ctx context.Context) error {
	if s.collector == nil {
		return errNotConfigured
	}
	_, err := s.collector.Sweep(ctx)
	return err
}

// RunRefresh queues one batch of stale refreshes now.
func (s *Scheduler) RunRefresh(ctx context.Context) error {
	if s.refresher == nil {
		return errNotConfigured
	}
	_, err := s.refresher.Run(ctx)
	return err
}

func (s *Scheduler) runLocked(name string, job func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.lockTTL)
	defer cancel()

	if s.locker != nil {
		release, ok, err := s.locker.TryLock(ctx, name, s.lockTTL)
		if err != nil {
			s.log.Error("take job lock", "job", name, "error", err)
			return
		}
		if !ok {
			s.log.Debug("job running elsewhere, skipping", "job", name)
			return
		}
		defer release()
	}

	start := time.Now()
	if err := job(ctx); err != nil {
		s.log.Error("scheduled job failed", "job", name, "error", err)
		return
	}
	s.log.Debug("scheduled job finished", "job", name, "elapsed", time.Since(start))
}

// cronLogger adapts the zap wrapper to cron's logger.
type cronLogger struct {
	log *logger.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, append(keysAndValues, "error", err)...)
}
