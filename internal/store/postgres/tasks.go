package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/djlord-it/flowtick/internal/domain"
)

func (s *Store) InsertTask(ctx context.Context, task domain.Task) error {
	params := task.Parameters
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	_, err := s.db.ExecContext(ctx, queryInsertTask,
		task.ID,
		task.WorkflowID,
		[]byte(params),
		task.ScheduleID,
		string(task.Status),
		task.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.Wrapf(domain.ErrDuplicateTask, "task %s", task.ID)
		}
		return domain.NewStorageError("insert task", err)
	}
	return nil
}

// ClaimTask moves the oldest pending task to processing. Concurrent claimers
// skip rows locked by each other. It returns nil when nothing is pending.
func (s *Store) ClaimTask(ctx context.Context, now time.Time) (*domain.Task, error) {
	var (
		task       domain.Task
		params     []byte
		scheduleID uuid.NullUUID
		status     string
		claimedAt  sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, queryClaimTask, now).Scan(
		&task.ID,
		&task.WorkflowID,
		&params,
		&scheduleID,
		&status,
		&task.CreatedAt,
		&claimedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewStorageError("claim task", err)
	}
	task.Parameters = json.RawMessage(params)
	task.Status = domain.TaskStatus(status)
	if scheduleID.Valid {
		id := scheduleID.UUID
		task.ScheduleID = &id
	}
	if claimedAt.Valid {
		t := claimedAt.Time
		task.ClaimedAt = &t
	}
	return &task, nil
}

// CompleteTask finishes a processing task. It reports false when the task is
// not in processing.
func (s *Store) CompleteTask(ctx context.Context, id string, status domain.TaskStatus, errMsg string, now time.Time) (bool, error) {
	var msg sql.NullString
	if errMsg != "" {
		msg = sql.NullString{String: errMsg, Valid: true}
	}
	return s.execAffected(ctx, "complete task", queryCompleteTask, id, string(status), msg, now)
}
