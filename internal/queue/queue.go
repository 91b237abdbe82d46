// Package queue defers workflow triggers as persisted tasks. It only provides
// the enqueue side and the claim/complete seam a worker would use; no worker
// runs in this process.
package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/flowtick/internal/domain"
)

type Store interface {
	InsertTask(ctx context.Context, task domain.Task) error
	// ClaimTask moves the oldest pending task to processing, or returns nil.
	ClaimTask(ctx context.Context, now time.Time) (*domain.Task, error)
	CompleteTask(ctx context.Context, id string, status domain.TaskStatus, errMsg string, now time.Time) (bool, error)
}

// ErrTaskNotProcessing is returned by Complete for a task that was never
// claimed or is already finished.
var ErrTaskNotProcessing = errors.New("task is not processing")

type Queue struct {
	store  Store
	clock  func() time.Time
	newID  func() string
	logger *zap.SugaredLogger
}

func New(store Store) *Queue {
	return &Queue{
		store:  store,
		clock:  time.Now,
		newID:  func() string { return uuid.NewString() },
		logger: zap.NewNop().Sugar(),
	}
}

func (q *Queue) WithClock(clock func() time.Time) *Queue {
	q.clock = clock
	return q
}

func (q *Queue) WithLogger(logger *zap.SugaredLogger) *Queue {
	q.logger = logger
	return q
}

// Enqueue persists a pending task and returns its id. It is safe for
// concurrent use; ids are random UUIDs.
func (q *Queue) Enqueue(ctx context.Context, workflowID string, params json.RawMessage, scheduleID *uuid.UUID) (string, error) {
	if workflowID == "" {
		return "", errors.New("enqueue: empty workflow id")
	}
	task := domain.Task{
		ID:         q.newID(),
		WorkflowID: workflowID,
		Parameters: params,
		ScheduleID: scheduleID,
		Status:     domain.TaskStatusPending,
		CreatedAt:  q.clock().UTC(),
	}
	if err := q.store.InsertTask(ctx, task); err != nil {
		return "", errors.Wrapf(err, "enqueue workflow %s", workflowID)
	}
	q.logger.Debugw("task enqueued", "task_id", task.ID, "workflow_id", workflowID)
	return task.ID, nil
}

// Claim hands the oldest pending task to the caller, or returns nil when the
// queue is empty. Concurrent claimers never receive the same task.
func (q *Queue) Claim(ctx context.Context) (*domain.Task, error) {
	task, err := q.store.ClaimTask(ctx, q.clock().UTC())
	if err != nil {
		return nil, errors.Wrap(err, "claim task")
	}
	return task, nil
}

// Complete finishes a claimed task: completed when runErr is nil, failed
// otherwise.
func (q *Queue) Complete(ctx context.Context, taskID string, runErr error) error {
	status, msg := domain.TaskStatusCompleted, ""
	if runErr != nil {
		status, msg = domain.TaskStatusFailed, runErr.Error()
	}
	ok, err := q.store.CompleteTask(ctx, taskID, status, msg, q.clock().UTC())
	if err != nil {
		return errors.Wrapf(err, "complete task %s", taskID)
	}
	if !ok {
		return errors.Wrapf(ErrTaskNotProcessing, "task %s", taskID)
	}
	return nil
}
