// Package poller refreshes executions whose status callback never arrived.
//
// An execution is stale when it is still running and has not been updated
// for longer than Threshold. Each cycle asks the engine for the current
// status of a batch of stale executions and reconciles the answer. Reconcile
// is monotone, so a poll racing a callback cannot regress a terminal status.
package poller

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/djlord-it/flowtick/internal/domain"
	"github.com/djlord-it/flowtick/internal/engine"
	"github.com/djlord-it/flowtick/internal/tracker"
)

// LockName guards polling so concurrent instances do not poll the same executions.
const LockName = "status_poller"

// ErrUnknownEngineStatus is returned when the engine reports a status that
// does not map onto a tracked state.
var ErrUnknownEngineStatus = errors.New("engine reported an unknown status")

type Tracker interface {
	ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]domain.ExecutionRecord, error)
	Get(ctx context.Context, executionID string) (domain.ExecutionRecord, error)
	Reconcile(ctx context.Context, workflowID, executionID string, status domain.ExecutionStatus, result json.RawMessage) (tracker.ReconcileResult, error)
}

type StatusSource interface {
	GetStatus(ctx context.Context, executionID string) (engine.Status, error)
}

type Locker interface {
	WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) (bool, error)
}

// MetricsSink defines the interface for recording poller metrics.
type MetricsSink interface {
	PollCycle(checked, updated, failed int)
}

type Config struct {
	// Interval is how often the poller runs. Default: 5 minutes.
	Interval time.Duration
	// Threshold is how long a running execution may go without an update
	// before it is polled. Default: 10 minutes.
	Threshold time.Duration
	// BatchSize is the maximum number of executions polled per cycle. Default: 100.
	BatchSize int
}

func DefaultConfig() Config {
	return Config{
		Interval:  5 * time.Minute,
		Threshold: 10 * time.Minute,
		BatchSize: 100,
	}
}

// CycleResult counts the work done by one cycle.
type CycleResult struct {
	Checked int
	Updated int
	Failed  int
}

type Poller struct {
	config  Config
	tracker Tracker
	source  StatusSource
	locker  Locker      // optional, nil = no cross-instance guard
	metrics MetricsSink // optional, nil = disabled
	logger  *zap.SugaredLogger
}

func New(config Config, tracker Tracker, source StatusSource) *Poller {
	def := DefaultConfig()
	if config.Interval <= 0 {
		config.Interval = def.Interval
	}
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	return &Poller{
		config:  config,
		tracker: tracker,
		source:  source,
		logger:  zap.NewNop().Sugar(),
	}
}

// WithLocker runs each cycle under the status_poller lease.
func (p *Poller) WithLocker(l Locker) *Poller {
	p.locker = l
	return p
}

func (p *Poller) WithMetrics(sink MetricsSink) *Poller {
	p.metrics = sink
	return p
}

func (p *Poller) WithLogger(logger *zap.SugaredLogger) *Poller {
	p.logger = logger
	return p
}

// Run polls every Interval until ctx is cancelled. The first cycle runs immediately.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.config.Interval)
	defer ticker.Stop()

	p.logger.Infow("poller started",
		"interval", p.config.Interval, "threshold", p.config.Threshold, "batch", p.config.BatchSize)

	p.guardedCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Infow("poller stopped")
			return
		case <-ticker.C:
			p.guardedCycle(ctx)
		}
	}
}

func (p *Poller) guardedCycle(ctx context.Context) {
	if p.locker == nil {
		if _, err := p.RunCycle(ctx); err != nil {
			p.logger.Errorw("poll cycle failed", "error", err)
		}
		return
	}
	ran, err := p.locker.WithLock(ctx, LockName, func(ctx context.Context) error {
		_, err := p.RunCycle(ctx)
		return err
	})
	if err != nil {
		p.logger.Errorw("poll cycle failed", "error", err)
		return
	}
	if !ran {
		p.logger.Debugw("poll skipped, lease held by another instance", "lock", LockName)
	}
}

// RunCycle polls one batch of stale executions. Per-execution failures are
// counted and logged; only a failure to list executions returns an error.
func (p *Poller) RunCycle(ctx context.Context) (CycleResult, error) {
	stale, err := p.tracker.ListStale(ctx, p.config.Threshold, p.config.BatchSize)
	if err != nil {
		return CycleResult{}, errors.Wrap(err, "list stale executions")
	}

	var res CycleResult
	for _, rec := range stale {
		if ctx.Err() != nil {
			p.logger.Warnw("poll cycle interrupted", "processed", res.Checked, "total", len(stale))
			break
		}
		res.Checked++
		applied, err := p.poll(ctx, rec)
		if err != nil {
			res.Failed++
			p.logger.Warnw("status poll failed", "execution_id", rec.ExecutionID, "workflow_id", rec.WorkflowID, "error", err)
			continue
		}
		if applied {
			res.Updated++
		}
	}

	if p.metrics != nil {
		p.metrics.PollCycle(res.Checked, res.Updated, res.Failed)
	}
	if res.Checked > 0 {
		p.logger.Infow("poll cycle complete", "checked", res.Checked, "updated", res.Updated, "failed", res.Failed)
	}
	return res, nil
}

// Refresh polls a single execution and returns the record after reconciling.
func (p *Poller) Refresh(ctx context.Context, executionID string) (domain.ExecutionRecord, error) {
	rec, err := p.tracker.Get(ctx, executionID)
	if err != nil {
		return domain.ExecutionRecord{}, err
	}
	if _, err := p.poll(ctx, rec); err != nil {
		return rec, err
	}
	return p.tracker.Get(ctx, executionID)
}

func (p *Poller) poll(ctx context.Context, rec domain.ExecutionRecord) (bool, error) {
	st, err := p.source.GetStatus(ctx, rec.ExecutionID)
	if err != nil {
		return false, err
	}
	status, ok := domain.ParseExecutionStatus(st.Status)
	if !ok {
		return false, errors.WithDetailf(ErrUnknownEngineStatus, "execution %s reported %q", rec.ExecutionID, st.Status)
	}
	rr, err := p.tracker.Reconcile(ctx, rec.WorkflowID, rec.ExecutionID, status, st.Data)
	if err != nil {
		return false, err
	}
	return rr.Applied && status.IsTerminal(), nil
}
