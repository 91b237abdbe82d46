package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Schedule is a recurring rule for triggering one workflow.
type Schedule struct {
	ID uuid.UUID

	WorkflowID string
	Parameters json.RawMessage

	NextExecution time.Time
	LastExecution *time.Time
	Interval      time.Duration
	Priority      int
	IsActive      bool

	FailureCount int
	LastError    string
}

// NextAfter returns when the schedule is due again after a trigger at executedAt.
// The interval is always measured from the actual execution time.
func (s Schedule) NextAfter(executedAt time.Time) time.Time {
	return executedAt.Add(s.Interval)
}
