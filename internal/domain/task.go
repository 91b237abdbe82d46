package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Task is a deferred workflow trigger waiting for a worker.
type Task struct {
	ID         string
	WorkflowID string
	Parameters json.RawMessage
	ScheduleID *uuid.UUID

	Status       TaskStatus
	ErrorMessage string

	CreatedAt   time.Time
	ClaimedAt   *time.Time
	CompletedAt *time.Time
}
