// Package postgres implements the flowtick stores on PostgreSQL. Every
// mutation is a single conditional statement, so concurrent invocations
// serialize on row locks rather than on application-level coordination.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/djlord-it/flowtick/internal/api"
	"github.com/djlord-it/flowtick/internal/domain"
	"github.com/djlord-it/flowtick/internal/lock"
	"github.com/djlord-it/flowtick/internal/queue"
	"github.com/djlord-it/flowtick/internal/scheduler"
	"github.com/djlord-it/flowtick/internal/tracker"
)

const uniqueViolation = "23505"

// Store implements the scheduler, tracker, lock, and queue stores.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return domain.NewStorageError("ping", s.db.PingContext(ctx))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (domain.Schedule, error) {
	var (
		sch          domain.Schedule
		params       []byte
		lastExec     sql.NullTime
		intervalSecs int64
		lastErr      sql.NullString
	)
	err := row.Scan(
		&sch.ID,
		&sch.WorkflowID,
		&params,
		&sch.NextExecution,
		&lastExec,
		&intervalSecs,
		&sch.Priority,
		&sch.IsActive,
		&sch.FailureCount,
		&lastErr,
	)
	if err != nil {
		return domain.Schedule{}, err
	}
	sch.Parameters = json.RawMessage(params)
	if lastExec.Valid {
		t := lastExec.Time
		sch.LastExecution = &t
	}
	sch.Interval = time.Duration(intervalSecs) * time.Second
	sch.LastError = lastErr.String
	return sch, nil
}

func (s *Store) querySchedules(ctx context.Context, op, query string, args ...any) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.NewStorageError(op, err)
	}
	defer rows.Close()

	var result []domain.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, domain.NewStorageError(op, err)
		}
		result = append(result, sch)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError(op, err)
	}
	return result, nil
}

// ListDueSchedules returns active schedules due at now, highest priority and
// most overdue first.
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time, limit, offset int) ([]domain.Schedule, error) {
	return s.querySchedules(ctx, "list due schedules", queryListDueSchedules, now, limit, offset)
}

// ListSchedules returns all schedules, active or not, in due order.
func (s *Store) ListSchedules(ctx context.Context, limit, offset int) ([]domain.Schedule, error) {
	return s.querySchedules(ctx, "list schedules", queryListSchedules, limit, offset)
}

func (s *Store) GetSchedule(ctx context.Context, id uuid.UUID) (domain.Schedule, error) {
	sch, err := scanSchedule(s.db.QueryRowContext(ctx, queryGetSchedule, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Schedule{}, domain.ErrScheduleNotFound
	}
	if err != nil {
		return domain.Schedule{}, domain.NewStorageError("get schedule", err)
	}
	return sch, nil
}

// ClaimSchedule moves next_execution from expected to claimUntil. It reports
// false when another invocation already moved it.
func (s *Store) ClaimSchedule(ctx context.Context, id uuid.UUID, expected, claimUntil, now time.Time) (bool, error) {
	return s.execAffected(ctx, "claim schedule", queryClaimSchedule, id, expected, claimUntil, now)
}

// CompleteSchedule records a successful run and sets the next due time. It
// reports false when the claim was lost.
func (s *Store) CompleteSchedule(ctx context.Context, id uuid.UUID, claimUntil, executedAt, next time.Time) (bool, error) {
	return s.execAffected(ctx, "complete schedule", queryCompleteSchedule, id, claimUntil, executedAt, next)
}

// ReleaseSchedule restores next_execution after a failed trigger and counts
// the failure. With maxFailures > 0 the schedule is deactivated once the count
// reaches it.
func (s *Store) ReleaseSchedule(ctx context.Context, id uuid.UUID, claimUntil, restore time.Time, reason string, maxFailures int, now time.Time) (released, deactivated bool, err error) {
	var active bool
	err = s.db.QueryRowContext(ctx, queryReleaseSchedule, id, claimUntil, restore, reason, maxFailures, now).Scan(&active)
	if errors.Is(err, sql.ErrNoRows) {
		return false, false, nil
	}
	if err != nil {
		return false, false, domain.NewStorageError("release schedule", err)
	}
	return true, !active, nil
}

func (s *Store) DeactivateSchedule(ctx context.Context, id uuid.UUID, now time.Time) error {
	ok, err := s.execAffected(ctx, "deactivate schedule", queryDeactivateSchedule, id, now)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrScheduleNotFound
	}
	return nil
}

func scanExecution(row rowScanner) (domain.ExecutionRecord, error) {
	var (
		rec    domain.ExecutionRecord
		status string
		input  []byte
		result []byte
	)
	err := row.Scan(
		&rec.ID,
		&rec.WorkflowID,
		&rec.ExecutionID,
		&status,
		&input,
		&result,
		&rec.ExecutedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return domain.ExecutionRecord{}, err
	}
	rec.Status = domain.ExecutionStatus(status)
	if input != nil {
		rec.Input = json.RawMessage(input)
	}
	if result != nil {
		rec.Result = json.RawMessage(result)
	}
	return rec, nil
}

// InsertExecution inserts rec unless its execution id already exists.
func (s *Store) InsertExecution(ctx context.Context, rec domain.ExecutionRecord) (bool, error) {
	return s.execAffected(ctx, "insert execution", queryInsertExecution,
		rec.ID,
		rec.WorkflowID,
		rec.ExecutionID,
		string(rec.Status),
		nullJSON(rec.Input),
		nullJSON(rec.Result),
		rec.ExecutedAt,
		rec.UpdatedAt,
	)
}

// GetExecution returns domain.ErrExecutionNotFound when no row matches.
func (s *Store) GetExecution(ctx context.Context, executionID string) (domain.ExecutionRecord, error) {
	rec, err := scanExecution(s.db.QueryRowContext(ctx, queryGetExecution, executionID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ExecutionRecord{}, domain.ErrExecutionNotFound
	}
	if err != nil {
		return domain.ExecutionRecord{}, domain.NewStorageError("get execution", err)
	}
	return rec, nil
}

// FillExecutionInput sets the input of a row created before its trigger was
// recorded. It only touches rows of the same workflow with no input yet.
func (s *Store) FillExecutionInput(ctx context.Context, executionID, workflowID string, input json.RawMessage) (bool, error) {
	return s.execAffected(ctx, "fill execution input", queryFillExecutionInput, executionID, workflowID, nullJSON(input))
}

// UpsertExecutionStatus creates the row or advances a running one. It reports
// false when the stored row is already terminal.
func (s *Store) UpsertExecutionStatus(ctx context.Context, rec domain.ExecutionRecord) (bool, error) {
	return s.execAffected(ctx, "upsert execution status", queryUpsertExecutionStatus,
		rec.ID,
		rec.WorkflowID,
		rec.ExecutionID,
		string(rec.Status),
		nullJSON(rec.Result),
		rec.UpdatedAt,
	)
}

// ListStaleExecutions returns running executions not updated since before olderThan, oldest first.
func (s *Store) ListStaleExecutions(ctx context.Context, olderThan time.Time, limit int) ([]domain.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, queryListStaleExecutions, olderThan, limit)
	if err != nil {
		return nil, domain.NewStorageError("list stale executions", err)
	}
	defer rows.Close()

	var result []domain.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, domain.NewStorageError("list stale executions", err)
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("list stale executions", err)
	}
	return result, nil
}

func (s *Store) execAffected(ctx context.Context, op, query string, args ...any) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, domain.NewStorageError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, domain.NewStorageError(op, err)
	}
	return n > 0, nil
}

// nullJSON maps an empty payload to SQL NULL.
func nullJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

// isUniqueViolation reports whether err is a PostgreSQL unique constraint violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

var (
	_ scheduler.Store = (*Store)(nil)
	_ tracker.Store   = (*Store)(nil)
	_ lock.Store      = (*Store)(nil)
	_ queue.Store     = (*Store)(nil)
	_ api.Store       = (*Store)(nil)
)
