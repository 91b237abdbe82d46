package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/flowtick/internal/domain"
)

// MemStore is an in-memory stand-in for the postgres store. Each method
// applies the same predicate as its SQL statement under a single mutex, which
// gives the same atomicity the row lock gives in the database.
type MemStore struct {
	mu         sync.Mutex
	schedules  map[uuid.UUID]domain.Schedule
	executions map[string]domain.ExecutionRecord
	tasks      map[string]domain.Task
	taskOrder  []string

	// Err, when set, is returned by every method.
	Err error
	// ClaimHook runs inside ClaimSchedule before the compare-and-swap.
	ClaimHook func(id uuid.UUID)

	Claims   int
	Releases int
}

func NewMemStore() *MemStore {
	return &MemStore{
		schedules:  make(map[uuid.UUID]domain.Schedule),
		executions: make(map[string]domain.ExecutionRecord),
		tasks:      make(map[string]domain.Task),
	}
}

// PutSchedule stores a copy of s.
func (m *MemStore) PutSchedule(s domain.Schedule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[s.ID] = s
}

// Schedule returns the stored schedule with the given id.
func (m *MemStore) Schedule(id uuid.UUID) domain.Schedule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.schedules[id]
}

// PutExecution stores rec as is.
func (m *MemStore) PutExecution(rec domain.ExecutionRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[rec.ExecutionID] = rec
}

// Executions returns all stored executions ordered by execution id.
func (m *MemStore) Executions() []domain.ExecutionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ExecutionRecord, 0, len(m.executions))
	for _, r := range m.executions {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutionID < out[j].ExecutionID })
	return out
}

// Tasks returns all stored tasks in insertion order.
func (m *MemStore) Tasks() []domain.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Task, 0, len(m.taskOrder))
	for _, id := range m.taskOrder {
		out = append(out, m.tasks[id])
	}
	return out
}

func (m *MemStore) sortedSchedules(filter func(domain.Schedule) bool) []domain.Schedule {
	var out []domain.Schedule
	for _, s := range m.schedules {
		if filter(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.NextExecution.Equal(b.NextExecution) {
			return a.NextExecution.Before(b.NextExecution)
		}
		return a.ID.String() < b.ID.String()
	})
	return out
}

func page[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (m *MemStore) ListDueSchedules(_ context.Context, now time.Time, limit, offset int) ([]domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	due := m.sortedSchedules(func(s domain.Schedule) bool {
		return s.IsActive && !s.NextExecution.After(now)
	})
	return page(due, limit, offset), nil
}

func (m *MemStore) ListSchedules(_ context.Context, limit, offset int) ([]domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	all := m.sortedSchedules(func(domain.Schedule) bool { return true })
	return page(all, limit, offset), nil
}

func (m *MemStore) GetSchedule(_ context.Context, id uuid.UUID) (domain.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return domain.Schedule{}, m.Err
	}
	s, ok := m.schedules[id]
	if !ok {
		return domain.Schedule{}, domain.ErrScheduleNotFound
	}
	return s, nil
}

func (m *MemStore) ClaimSchedule(_ context.Context, id uuid.UUID, expected, claimUntil, _ time.Time) (bool, error) {
	if m.ClaimHook != nil {
		m.ClaimHook(id)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	s, ok := m.schedules[id]
	if !ok || !s.IsActive || !s.NextExecution.Equal(expected) {
		return false, nil
	}
	s.NextExecution = claimUntil
	m.schedules[id] = s
	m.Claims++
	return true, nil
}

func (m *MemStore) CompleteSchedule(_ context.Context, id uuid.UUID, claimUntil, executedAt, next time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	s, ok := m.schedules[id]
	if !ok || !s.NextExecution.Equal(claimUntil) {
		return false, nil
	}
	at := executedAt
	s.LastExecution = &at
	s.NextExecution = next
	s.FailureCount = 0
	s.LastError = ""
	m.schedules[id] = s
	return true, nil
}

func (m *MemStore) ReleaseSchedule(_ context.Context, id uuid.UUID, claimUntil, restore time.Time, reason string, maxFailures int, _ time.Time) (bool, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, false, m.Err
	}
	s, ok := m.schedules[id]
	if !ok || !s.NextExecution.Equal(claimUntil) {
		return false, false, nil
	}
	s.NextExecution = restore
	s.FailureCount++
	s.LastError = reason
	if maxFailures > 0 && s.FailureCount >= maxFailures {
		s.IsActive = false
	}
	m.schedules[id] = s
	m.Releases++
	return true, !s.IsActive, nil
}

func (m *MemStore) DeactivateSchedule(_ context.Context, id uuid.UUID, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	s, ok := m.schedules[id]
	if !ok {
		return domain.ErrScheduleNotFound
	}
	s.IsActive = false
	m.schedules[id] = s
	return nil
}

func (m *MemStore) InsertExecution(_ context.Context, rec domain.ExecutionRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	if _, ok := m.executions[rec.ExecutionID]; ok {
		return false, nil
	}
	m.executions[rec.ExecutionID] = rec
	return true, nil
}

func (m *MemStore) GetExecution(_ context.Context, executionID string) (domain.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return domain.ExecutionRecord{}, m.Err
	}
	rec, ok := m.executions[executionID]
	if !ok {
		return domain.ExecutionRecord{}, domain.ErrExecutionNotFound
	}
	return rec, nil
}

func (m *MemStore) FillExecutionInput(_ context.Context, executionID, workflowID string, input json.RawMessage) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	rec, ok := m.executions[executionID]
	if !ok || rec.WorkflowID != workflowID || len(rec.Input) != 0 {
		return false, nil
	}
	rec.Input = input
	m.executions[executionID] = rec
	return true, nil
}

func (m *MemStore) UpsertExecutionStatus(_ context.Context, rec domain.ExecutionRecord) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	existing, ok := m.executions[rec.ExecutionID]
	if !ok {
		rec.Input = nil
		rec.ExecutedAt = rec.UpdatedAt
		m.executions[rec.ExecutionID] = rec
		return true, nil
	}
	if existing.Status != domain.ExecutionStatusRunning || existing.WorkflowID != rec.WorkflowID {
		return false, nil
	}
	existing.Status = rec.Status
	if len(bytes.TrimSpace(rec.Result)) != 0 {
		existing.Result = rec.Result
	}
	existing.UpdatedAt = rec.UpdatedAt
	m.executions[rec.ExecutionID] = existing
	return true, nil
}

func (m *MemStore) ListStaleExecutions(_ context.Context, olderThan time.Time, limit int) ([]domain.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	var out []domain.ExecutionRecord
	for _, r := range m.executions {
		if r.Status == domain.ExecutionStatusRunning && r.UpdatedAt.Before(olderThan) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return page(out, limit, 0), nil
}

func (m *MemStore) InsertTask(_ context.Context, task domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if _, ok := m.tasks[task.ID]; ok {
		return domain.ErrDuplicateTask
	}
	m.tasks[task.ID] = task
	m.taskOrder = append(m.taskOrder, task.ID)
	return nil
}

func (m *MemStore) ClaimTask(_ context.Context, now time.Time) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return nil, m.Err
	}
	for _, id := range m.taskOrder {
		t := m.tasks[id]
		if t.Status != domain.TaskStatusPending {
			continue
		}
		at := now
		t.Status = domain.TaskStatusProcessing
		t.ClaimedAt = &at
		m.tasks[id] = t
		return &t, nil
	}
	return nil, nil
}

func (m *MemStore) CompleteTask(_ context.Context, id string, status domain.TaskStatus, errMsg string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return false, m.Err
	}
	t, ok := m.tasks[id]
	if !ok || t.Status != domain.TaskStatusProcessing {
		return false, nil
	}
	at := now
	t.Status = status
	t.ErrorMessage = errMsg
	t.CompletedAt = &at
	m.tasks[id] = t
	return true, nil
}
