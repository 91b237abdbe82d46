// Package cron drives the scheduler loop on an in-process cadence.
//
// A deployment either calls the HTTP trigger from an external scheduler or
// sets a cadence here. Each firing runs one RunOnce under the
// workflow_scheduler lease so that only one instance ticks at a time.
package cron

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/djlord-it/flowtick/internal/scheduler"
)

// LockName is the lease held while a cadence tick runs.
const LockName = "workflow_scheduler"

var ErrAlreadyStarted = errors.New("cron runner already started")

type Job interface {
	RunOnce(ctx context.Context) (scheduler.Report, error)
}

type Locker interface {
	WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) (bool, error)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCadence validates a cadence expression. Both five-field expressions
// and descriptors such as "@every 30s" or "@hourly" are accepted.
func ParseCadence(spec string) (cron.Schedule, error) {
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, errors.Wrapf(err, "parse cadence %q", spec)
	}
	return sched, nil
}

type Runner struct {
	spec     string
	schedule cron.Schedule
	job      Job
	locker   Locker
	logger   *zap.SugaredLogger

	mu     sync.Mutex
	c      *cron.Cron
	cancel context.CancelFunc
}

// NewRunner returns a runner for spec. The spec is parsed eagerly so a bad
// cadence fails at startup rather than when Start is called.
func NewRunner(spec string, job Job) (*Runner, error) {
	sched, err := ParseCadence(spec)
	if err != nil {
		return nil, err
	}
	return &Runner{
		spec:     spec,
		schedule: sched,
		job:      job,
		logger:   zap.NewNop().Sugar(),
	}, nil
}

func (r *Runner) WithLocker(l Locker) *Runner {
	r.locker = l
	return r
}

func (r *Runner) WithLogger(logger *zap.SugaredLogger) *Runner {
	r.logger = logger
	return r
}

// Next returns the next firing after t.
func (r *Runner) Next(t time.Time) time.Time {
	return r.schedule.Next(t)
}

// Start schedules ticks until Stop is called or ctx is cancelled. Ticks that
// would overlap a still-running tick are skipped.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.c != nil {
		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	logger := cronLogger{r.logger}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	c.Schedule(r.schedule, cron.FuncJob(func() {
		if _, err := r.Tick(runCtx); err != nil {
			r.logger.Errorw("scheduler tick failed", "error", err)
		}
	}))
	c.Start()

	r.c = c
	r.cancel = cancel
	r.logger.Infow("scheduler cadence started", "cadence", r.spec)
	return nil
}

// Stop halts the cadence and waits for a running tick to finish or ctx to
// expire, whichever comes first.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	c, cancel := r.c, r.cancel
	r.c, r.cancel = nil, nil
	r.mu.Unlock()
	if c == nil {
		return nil
	}

	done := c.Stop()
	defer cancel()
	select {
	case <-done.Done():
		r.logger.Infow("scheduler cadence stopped")
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "wait for running tick")
	}
}

// Tick runs a single scheduler invocation, under the lease when a locker is
// configured. It reports false when another instance holds the lease.
func (r *Runner) Tick(ctx context.Context) (bool, error) {
	run := func(ctx context.Context) error {
		report, err := r.job.RunOnce(ctx)
		if err != nil {
			return err
		}
		if report.Triggered > 0 || len(report.Results) > 0 {
			r.logger.Infow("scheduler tick complete", "triggered", report.Triggered, "results", len(report.Results))
		}
		return nil
	}

	if r.locker == nil {
		return true, run(ctx)
	}
	ran, err := r.locker.WithLock(ctx, LockName, run)
	if err != nil {
		return ran, err
	}
	if !ran {
		r.logger.Debugw("tick skipped, lease held by another instance", "lock", LockName)
	}
	return ran, nil
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	l *zap.SugaredLogger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Errorw(msg, append(keysAndValues, "error", err)...)
}
