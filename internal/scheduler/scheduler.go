// Package scheduler runs one scheduling invocation: it finds due schedules,
// triggers each on the workflow engine, records the execution, and moves the
// schedule to its next due time.
//
// Concurrent invocations are safe. Each schedule is claimed with a
// compare-and-swap on next_execution before it is triggered, so only one
// invocation can trigger a given due time. A claim pushes next_execution
// ClaimTTL into the future; if the process dies after claiming, the schedule
// becomes due again once the claim expires.
package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/djlord-it/flowtick/internal/domain"
	"github.com/djlord-it/flowtick/internal/observability"
)

// Outcome values reported per schedule.
const (
	OutcomeTriggered = "triggered"
	OutcomeError     = "error"
)

type Store interface {
	ListDueSchedules(ctx context.Context, now time.Time, limit, offset int) ([]domain.Schedule, error)
	// ClaimSchedule moves next_execution from expected to claimUntil and
	// reports false when the value no longer matches.
	ClaimSchedule(ctx context.Context, id uuid.UUID, expected, claimUntil, now time.Time) (bool, error)
	CompleteSchedule(ctx context.Context, id uuid.UUID, claimUntil, executedAt, next time.Time) (bool, error)
	ReleaseSchedule(ctx context.Context, id uuid.UUID, claimUntil, restore time.Time, reason string, maxFailures int, now time.Time) (released, deactivated bool, err error)
}

// Engine starts workflow runs.
type Engine interface {
	Trigger(ctx context.Context, workflowID string, params json.RawMessage) (string, error)
}

// Recorder stores execution records.
type Recorder interface {
	Record(ctx context.Context, workflowID, executionID string, status domain.ExecutionStatus, input json.RawMessage) error
}

// Enqueuer defers triggers to a task queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, workflowID string, params json.RawMessage, scheduleID *uuid.UUID) (string, error)
}

// MetricsSink defines the interface for recording scheduler metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	TickStarted()
	TickCompleted(duration time.Duration, triggered, failed int)
	TriggerCompleted(outcome string, duration time.Duration)
	ClaimLost()
}

// AnalyticsSink counts trigger outcomes per workflow.
type AnalyticsSink interface {
	RecordTrigger(ctx context.Context, workflowID, outcome string)
}

type Config struct {
	// BatchSize is the number of due schedules read per page.
	BatchSize int
	// MaxBatches bounds the pages read by one invocation.
	MaxBatches int
	// ClaimTTL is how long a claimed schedule stays hidden from other
	// invocations. It must exceed TriggerTimeout.
	ClaimTTL       time.Duration
	TriggerTimeout time.Duration
	// MaxConsecutiveFailures deactivates a schedule once its failure count
	// reaches it. Zero keeps failing schedules active forever.
	MaxConsecutiveFailures int
	// WriteTimeout bounds the bookkeeping writes after a trigger, which run
	// even if the invocation's context is cancelled.
	WriteTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		BatchSize:      100,
		MaxBatches:     10,
		ClaimTTL:       5 * time.Minute,
		TriggerTimeout: 45 * time.Second,
		WriteTimeout:   10 * time.Second,
	}
}

// Outcome is the result for one due schedule.
type Outcome struct {
	ScheduleID  uuid.UUID `json:"-"`
	WorkflowID  string    `json:"workflowId"`
	Status      string    `json:"status"`
	ExecutionID string    `json:"executionId,omitempty"`
	Error       string    `json:"error,omitempty"`
}

// Report summarizes one invocation. Schedules lost to a concurrent
// invocation are not listed.
type Report struct {
	Triggered int       `json:"triggered"`
	Results   []Outcome `json:"results"`
}

type Loop struct {
	config    Config
	store     Store
	engine    Engine
	recorder  Recorder
	queue     Enqueuer      // optional, nil = trigger directly
	metrics   MetricsSink   // optional, nil = disabled
	analytics AnalyticsSink // optional, nil = disabled
	logger    *zap.SugaredLogger
	clock     func() time.Time
}

func New(config Config, store Store, engine Engine, recorder Recorder) *Loop {
	def := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = def.BatchSize
	}
	if config.MaxBatches <= 0 {
		config.MaxBatches = def.MaxBatches
	}
	if config.ClaimTTL <= 0 {
		config.ClaimTTL = def.ClaimTTL
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	return &Loop{
		config:   config,
		store:    store,
		engine:   engine,
		recorder: recorder,
		logger:   zap.NewNop().Sugar(),
		clock:    time.Now,
	}
}

// WithQueue makes the loop enqueue tasks instead of calling the engine.
// The task id is reported as the execution id and no execution record is
// written; the worker that runs the task owns that.
func (l *Loop) WithQueue(q Enqueuer) *Loop {
	l.queue = q
	return l
}

func (l *Loop) WithMetrics(sink MetricsSink) *Loop {
	l.metrics = sink
	return l
}

func (l *Loop) WithAnalytics(sink AnalyticsSink) *Loop {
	l.analytics = sink
	return l
}

func (l *Loop) WithLogger(logger *zap.SugaredLogger) *Loop {
	l.logger = logger
	return l
}

func (l *Loop) WithClock(clock func() time.Time) *Loop {
	l.clock = clock
	return l
}

// RunOnce processes every schedule due at the start of the call. Per-schedule
// failures are reported in the result and never abort the run; only a failure
// to read schedules returns an error.
func (l *Loop) RunOnce(ctx context.Context) (Report, error) {
	start := l.clock()
	now := start.UTC().Truncate(time.Microsecond)

	ctx, span := observability.StartSpan(ctx, "scheduler.run_once")
	defer span.End()

	if l.metrics != nil {
		l.metrics.TickStarted()
	}

	report := Report{Results: []Outcome{}}
	seen := make(map[uuid.UUID]bool)
	offset := 0
	failed := 0

	for batch := 0; batch < l.config.MaxBatches; batch++ {
		schedules, err := l.store.ListDueSchedules(ctx, now, l.config.BatchSize, offset)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "list due schedules")
			return report, errors.Wrap(err, "list due schedules")
		}

		for _, sch := range schedules {
			if seen[sch.ID] {
				// Failed earlier in this run and still due; skip past it.
				offset++
				continue
			}
			seen[sch.ID] = true

			outcome, stillDue := l.process(ctx, sch)
			if stillDue {
				offset++
			}
			if outcome == nil {
				continue
			}
			report.Results = append(report.Results, *outcome)
			if outcome.Status == OutcomeTriggered {
				report.Triggered++
			} else {
				failed++
			}
		}

		if len(schedules) < l.config.BatchSize {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("scheduler.triggered", report.Triggered),
		attribute.Int("scheduler.failed", failed),
	)
	if l.metrics != nil {
		l.metrics.TickCompleted(l.clock().Sub(start), report.Triggered, failed)
	}
	if len(report.Results) > 0 {
		l.logger.Infow("scheduler run complete", "triggered", report.Triggered, "failed", failed)
	}
	return report, nil
}

// process claims, triggers, and settles one schedule. It returns a nil
// outcome when another invocation owns the schedule, and reports whether the
// schedule is still due afterwards.
func (l *Loop) process(ctx context.Context, sch domain.Schedule) (*Outcome, bool) {
	log := l.logger.With("schedule_id", sch.ID, "workflow_id", sch.WorkflowID)
	outcome := &Outcome{ScheduleID: sch.ID, WorkflowID: sch.WorkflowID}

	// The claim window starts when this item is claimed, not when the run
	// started: a long batch must not hand later items an already expired claim.
	claimedAt := l.clock().UTC().Truncate(time.Microsecond)
	claimUntil := claimedAt.Add(l.config.ClaimTTL)
	claimed, err := l.store.ClaimSchedule(ctx, sch.ID, sch.NextExecution, claimUntil, claimedAt)
	if err != nil {
		log.Errorw("claim failed", "error", err)
		outcome.Status = OutcomeError
		outcome.Error = err.Error()
		l.recordOutcome(ctx, sch.WorkflowID, OutcomeError, 0)
		return outcome, true
	}
	if !claimed {
		log.Debugw("schedule claimed by another invocation")
		if l.metrics != nil {
			l.metrics.ClaimLost()
		}
		return nil, false
	}

	started := l.clock()
	executionID, trigErr := l.dispatch(ctx, sch)
	elapsed := l.clock().Sub(started)

	// The trigger already happened (or definitively failed); settle the
	// schedule even if the caller has gone away.
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.config.WriteTimeout)
	defer cancel()

	if trigErr != nil {
		outcome.Status = OutcomeError
		outcome.Error = trigErr.Error()
		l.recordOutcome(ctx, sch.WorkflowID, OutcomeError, elapsed)

		released, deactivated, err := l.store.ReleaseSchedule(writeCtx, sch.ID, claimUntil, sch.NextExecution,
			trigErr.Error(), l.config.MaxConsecutiveFailures, claimedAt)
		switch {
		case err != nil:
			// The claim expires on its own after ClaimTTL.
			log.Errorw("release claim failed", "error", err, "trigger_error", trigErr)
			return outcome, false
		case !released:
			log.Warnw("claim expired before release", "trigger_error", trigErr)
			return outcome, false
		case deactivated:
			log.Warnw("schedule deactivated after repeated failures",
				"failure_count", sch.FailureCount+1, "error", trigErr)
			return outcome, false
		}
		log.Warnw("trigger failed, schedule stays due", "error", trigErr, "failure_count", sch.FailureCount+1)
		return outcome, true
	}

	outcome.Status = OutcomeTriggered
	outcome.ExecutionID = executionID
	l.recordOutcome(ctx, sch.WorkflowID, OutcomeTriggered, elapsed)
	log = log.With("execution_id", executionID)

	if l.queue == nil {
		err := l.recorder.Record(writeCtx, sch.WorkflowID, executionID, domain.ExecutionStatusRunning, sch.Parameters)
		switch {
		case errors.Is(err, domain.ErrDuplicateExecution):
			log.Warnw("execution already recorded", "error", err)
		case err != nil:
			// The run exists on the engine; its callback will create the record.
			log.Errorw("record execution failed", "error", err)
		}
	}

	completed, err := l.store.CompleteSchedule(writeCtx, sch.ID, claimUntil, claimedAt, sch.NextAfter(claimedAt))
	switch {
	case err != nil:
		log.Errorw("complete schedule failed, schedule will be retried after claim expiry", "error", err)
	case !completed:
		log.Warnw("claim expired before completion")
	default:
		log.Infow("schedule triggered")
	}
	return outcome, false
}

func (l *Loop) dispatch(ctx context.Context, sch domain.Schedule) (string, error) {
	if l.config.TriggerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.config.TriggerTimeout)
		defer cancel()
	}
	if l.queue != nil {
		id := sch.ID
		return l.queue.Enqueue(ctx, sch.WorkflowID, sch.Parameters, &id)
	}
	return l.engine.Trigger(ctx, sch.WorkflowID, sch.Parameters)
}

func (l *Loop) recordOutcome(ctx context.Context, workflowID, outcome string, d time.Duration) {
	if l.metrics != nil {
		l.metrics.TriggerCompleted(outcome, d)
	}
	if l.analytics != nil {
		l.analytics.RecordTrigger(ctx, workflowID, outcome)
	}
}

// TriggerNow starts workflowID immediately and records it as running. It
// does not touch any schedule.
func (l *Loop) TriggerNow(ctx context.Context, workflowID string, params json.RawMessage) (Outcome, error) {
	if workflowID == "" {
		return Outcome{}, errors.New("trigger: empty workflow id")
	}

	started := l.clock()
	executionID, err := l.engine.Trigger(ctx, workflowID, params)
	if err != nil {
		l.recordOutcome(ctx, workflowID, OutcomeError, l.clock().Sub(started))
		return Outcome{WorkflowID: workflowID, Status: OutcomeError, Error: err.Error()}, err
	}
	l.recordOutcome(ctx, workflowID, OutcomeTriggered, l.clock().Sub(started))

	if err := l.recorder.Record(ctx, workflowID, executionID, domain.ExecutionStatusRunning, params); err != nil {
		return Outcome{WorkflowID: workflowID, Status: OutcomeTriggered, ExecutionID: executionID},
			errors.Wrapf(err, "record execution %s", executionID)
	}
	l.logger.Infow("workflow triggered manually", "workflow_id", workflowID, "execution_id", executionID)
	return Outcome{WorkflowID: workflowID, Status: OutcomeTriggered, ExecutionID: executionID}, nil
}
