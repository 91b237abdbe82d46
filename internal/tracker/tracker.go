// Package tracker keeps one execution record per engine-issued execution id
// and enforces that its status only moves forward.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"reflect"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/flowtick/internal/domain"
)

// Store persists execution records.
type Store interface {
	// InsertExecution inserts rec and reports false when the execution id exists.
	InsertExecution(ctx context.Context, rec domain.ExecutionRecord) (bool, error)
	GetExecution(ctx context.Context, executionID string) (domain.ExecutionRecord, error)
	// FillExecutionInput sets the input on a row of the same workflow that has none.
	FillExecutionInput(ctx context.Context, executionID, workflowID string, input json.RawMessage) (bool, error)
	// UpsertExecutionStatus inserts or advances a running row in one statement
	// and reports false when the stored row is terminal.
	UpsertExecutionStatus(ctx context.Context, rec domain.ExecutionRecord) (bool, error)
	ListStaleExecutions(ctx context.Context, olderThan time.Time, limit int) ([]domain.ExecutionRecord, error)
}

// MetricsSink records reconcile outcomes. Implementations must not block.
type MetricsSink interface {
	ReconcileOutcome(status string, applied bool)
}

type Tracker struct {
	store   Store
	clock   func() time.Time
	metrics MetricsSink // optional, nil = disabled
	logger  *zap.SugaredLogger
}

func New(store Store) *Tracker {
	return &Tracker{
		store:  store,
		clock:  time.Now,
		logger: zap.NewNop().Sugar(),
	}
}

func (t *Tracker) WithClock(clock func() time.Time) *Tracker {
	t.clock = clock
	return t
}

func (t *Tracker) WithMetrics(sink MetricsSink) *Tracker {
	t.metrics = sink
	return t
}

func (t *Tracker) WithLogger(logger *zap.SugaredLogger) *Tracker {
	t.logger = logger
	return t
}

// Record stores the trigger of executionID. Recording the same execution
// twice with an equal payload is a no-op. A row created earlier by a status
// callback gets its input filled in. Any other conflict returns
// domain.ErrDuplicateExecution.
func (t *Tracker) Record(ctx context.Context, workflowID, executionID string, status domain.ExecutionStatus, input json.RawMessage) error {
	if executionID == "" {
		return errors.New("record execution: empty execution id")
	}
	if !status.Valid() {
		return errors.Newf("record execution %s: invalid status %q", executionID, status)
	}

	now := t.clock().UTC()
	rec := domain.ExecutionRecord{
		ID:          uuid.New(),
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		Status:      status,
		Input:       input,
		ExecutedAt:  now,
		UpdatedAt:   now,
	}

	inserted, err := t.store.InsertExecution(ctx, rec)
	if err != nil {
		return err
	}
	if inserted {
		return nil
	}

	existing, err := t.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if existing.WorkflowID != workflowID {
		return errors.WithDetailf(domain.ErrDuplicateExecution,
			"execution %s belongs to workflow %s", executionID, existing.WorkflowID)
	}
	if isNullJSON(existing.Input) && !isNullJSON(input) {
		filled, err := t.store.FillExecutionInput(ctx, executionID, workflowID, input)
		if err != nil {
			return err
		}
		if filled {
			t.logger.Debugw("execution input filled after callback", "execution_id", executionID, "workflow_id", workflowID)
			return nil
		}
		// A concurrent Record won the fill; compare against what it wrote.
		if existing, err = t.store.GetExecution(ctx, executionID); err != nil {
			return err
		}
	}
	if !jsonEqual(existing.Input, input) {
		return errors.WithDetailf(domain.ErrDuplicateExecution,
			"execution %s recorded with a different input", executionID)
	}
	return nil
}

// ReconcileResult describes the effect of one Reconcile call.
type ReconcileResult struct {
	Applied bool
	Status  domain.ExecutionStatus
}

// Reconcile applies an observed status. Unknown executions are created;
// terminal records, and records owned by another workflow, are left
// untouched and the call reports Applied=false.
func (t *Tracker) Reconcile(ctx context.Context, workflowID, executionID string, status domain.ExecutionStatus, result json.RawMessage) (ReconcileResult, error) {
	if executionID == "" {
		return ReconcileResult{}, errors.New("reconcile execution: empty execution id")
	}
	if !status.Valid() {
		return ReconcileResult{}, errors.Newf("reconcile execution %s: invalid status %q", executionID, status)
	}
	if isNullJSON(result) {
		result = nil
	}

	now := t.clock().UTC()
	applied, err := t.store.UpsertExecutionStatus(ctx, domain.ExecutionRecord{
		ID:          uuid.New(),
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		Status:      status,
		Result:      result,
		ExecutedAt:  now,
		UpdatedAt:   now,
	})
	if err != nil {
		return ReconcileResult{}, err
	}
	if t.metrics != nil {
		t.metrics.ReconcileOutcome(string(status), applied)
	}
	if !applied {
		t.logger.Debugw("status not applied: execution is terminal or owned by another workflow",
			"workflow_id", workflowID, "execution_id", executionID, "status", status)
	}
	return ReconcileResult{Applied: applied, Status: status}, nil
}

// Get returns domain.ErrExecutionNotFound when executionID is unknown.
func (t *Tracker) Get(ctx context.Context, executionID string) (domain.ExecutionRecord, error) {
	return t.store.GetExecution(ctx, executionID)
}

// ListStale returns running executions whose last update is older than olderThan.
func (t *Tracker) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]domain.ExecutionRecord, error) {
	return t.store.ListStaleExecutions(ctx, t.clock().UTC().Add(-olderThan), limit)
}

func isNullJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// jsonEqual compares two payloads structurally, so key order and whitespace
// (jsonb normalizes both) do not matter.
func jsonEqual(a, b json.RawMessage) bool {
	if isNullJSON(a) || isNullJSON(b) {
		return isNullJSON(a) == isNullJSON(b)
	}
	var va, vb any
	if err := json.Unmarshal(a, &va); err != nil {
		return bytes.Equal(a, b)
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}
