package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusError     ExecutionStatus = "error"
)

// IsTerminal reports whether no further transition is allowed.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusError:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether moving from s to next is forward progress.
// running -> anything is allowed; terminal states never change.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	return s == ExecutionStatusRunning && next.Valid()
}

func (s ExecutionStatus) Valid() bool {
	return s == ExecutionStatusRunning || s.IsTerminal()
}

// statusAliases maps engine-reported values onto the tracked states.
var statusAliases = map[string]ExecutionStatus{
	"running":   ExecutionStatusRunning,
	"new":       ExecutionStatusRunning,
	"waiting":   ExecutionStatusRunning,
	"completed": ExecutionStatusCompleted,
	"success":   ExecutionStatusCompleted,
	"succeeded": ExecutionStatusCompleted,
	"failed":    ExecutionStatusFailed,
	"canceled":  ExecutionStatusFailed,
	"cancelled": ExecutionStatusFailed,
	"error":     ExecutionStatusError,
	"crashed":   ExecutionStatusError,
}

// ParseExecutionStatus normalizes an engine status string.
func ParseExecutionStatus(raw string) (ExecutionStatus, bool) {
	s, ok := statusAliases[strings.ToLower(strings.TrimSpace(raw))]
	return s, ok
}

// ExecutionRecord tracks one trigger attempt, keyed by the engine-issued ExecutionID.
type ExecutionRecord struct {
	ID          uuid.UUID
	WorkflowID  string
	ExecutionID string

	Status ExecutionStatus
	Input  json.RawMessage
	Result json.RawMessage

	ExecutedAt time.Time
	UpdatedAt  time.Time
}
