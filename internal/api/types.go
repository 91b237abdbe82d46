package api

import (
	"encoding/json"
	"time"

	"github.com/djlord-it/flowtick/internal/domain"
	"github.com/djlord-it/flowtick/internal/scheduler"
)

// TriggerResponse is the body of a scheduler invocation.
type TriggerResponse struct {
	Success   bool                `json:"success"`
	Triggered int                 `json:"triggered"`
	Results   []scheduler.Outcome `json:"results"`
}

type CallbackResponse struct {
	Success  bool `json:"success"`
	Received int  `json:"received"`
	Applied  int  `json:"applied"`
	Ignored  int  `json:"ignored"`
}

// ExecuteRequest starts a workflow outside its schedule. Data is passed to
// the engine as the run's input; it must be a JSON object when present.
type ExecuteRequest struct {
	Data json.RawMessage `json:"data,omitempty"`
}

type ExecuteResponse struct {
	Success     bool   `json:"success"`
	WorkflowID  string `json:"workflowId"`
	ExecutionID string `json:"executionId"`
}

type ScheduleResponse struct {
	ID              string          `json:"id"`
	WorkflowID      string          `json:"workflowId"`
	Parameters      json.RawMessage `json:"parameters,omitempty"`
	NextExecution   string          `json:"nextExecution"`
	LastExecution   string          `json:"lastExecution,omitempty"`
	IntervalSeconds int64           `json:"intervalSeconds"`
	Priority        int             `json:"priority"`
	IsActive        bool            `json:"isActive"`
	FailureCount    int             `json:"failureCount"`
	LastError       string          `json:"lastError,omitempty"`
}

type ListSchedulesResponse struct {
	Schedules []ScheduleResponse `json:"schedules"`
}

type ExecutionResponse struct {
	ID          string          `json:"id"`
	WorkflowID  string          `json:"workflowId"`
	ExecutionID string          `json:"executionId"`
	Status      string          `json:"status"`
	Input       json.RawMessage `json:"input,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	ExecutedAt  string          `json:"executedAt"`
	UpdatedAt   string          `json:"updatedAt"`
}

type StatsResponse struct {
	WorkflowID string           `json:"workflowId"`
	From       string           `json:"from"`
	To         string           `json:"to"`
	Counts     map[string]int64 `json:"counts"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func toScheduleResponse(s domain.Schedule) ScheduleResponse {
	resp := ScheduleResponse{
		ID:              s.ID.String(),
		WorkflowID:      s.WorkflowID,
		Parameters:      s.Parameters,
		NextExecution:   formatTime(s.NextExecution),
		IntervalSeconds: int64(s.Interval / time.Second),
		Priority:        s.Priority,
		IsActive:        s.IsActive,
		FailureCount:    s.FailureCount,
		LastError:       s.LastError,
	}
	if s.LastExecution != nil {
		resp.LastExecution = formatTime(*s.LastExecution)
	}
	return resp
}

func toExecutionResponse(rec domain.ExecutionRecord) ExecutionResponse {
	return ExecutionResponse{
		ID:          rec.ID.String(),
		WorkflowID:  rec.WorkflowID,
		ExecutionID: rec.ExecutionID,
		Status:      string(rec.Status),
		Input:       rec.Input,
		Result:      rec.Result,
		ExecutedAt:  formatTime(rec.ExecutedAt),
		UpdatedAt:   formatTime(rec.UpdatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
