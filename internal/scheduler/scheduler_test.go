package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/djlord-it/flowtick/internal/domain"
	"github.com/djlord-it/flowtick/internal/testutil"
	"github.com/djlord-it/flowtick/internal/tracker"
)

var baseTime = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

// fakeEngine returns "ex-<workflow>-<n>" ids unless a workflow is set to fail.
type fakeEngine struct {
	mu      sync.Mutex
	calls   []string
	fail    map[string]error
	ids     map[string]string
	block   bool
	counter int
	// onTrigger runs inside Trigger, outside the lock.
	onTrigger func(workflowID string)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{fail: map[string]error{}, ids: map[string]string{}}
}

func (e *fakeEngine) Trigger(ctx context.Context, workflowID string, _ json.RawMessage) (string, error) {
	e.mu.Lock()
	e.calls = append(e.calls, workflowID)
	e.counter++
	n := e.counter
	block := e.block
	failErr := e.fail[workflowID]
	id, fixed := e.ids[workflowID]
	hook := e.onTrigger
	e.mu.Unlock()

	if hook != nil {
		hook(workflowID)
	}

	if block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if failErr != nil {
		return "", failErr
	}
	if fixed {
		return id, nil
	}
	return fmt.Sprintf("ex-%s-%d", workflowID, n), nil
}

func (e *fakeEngine) callsFor(workflowID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, c := range e.calls {
		if c == workflowID {
			n++
		}
	}
	return n
}

func (e *fakeEngine) allCalls() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.calls...)
}

type fakeQueue struct {
	mu    sync.Mutex
	tasks []string
}

func (q *fakeQueue) Enqueue(_ context.Context, workflowID string, _ json.RawMessage, scheduleID *uuid.UUID) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if scheduleID == nil {
		return "", errors.New("missing schedule id")
	}
	q.tasks = append(q.tasks, workflowID)
	return fmt.Sprintf("task-%d", len(q.tasks)), nil
}

type fakeMetrics struct {
	mu        sync.Mutex
	ticks     int
	completed int
	outcomes  map[string]int
	claimLost int
}

func (m *fakeMetrics) TickStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks++
}

func (m *fakeMetrics) TickCompleted(time.Duration, int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed++
}

func (m *fakeMetrics) TriggerCompleted(outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = map[string]int{}
	}
	m.outcomes[outcome]++
}

func (m *fakeMetrics) ClaimLost() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.claimLost++
}

type harness struct {
	store  *testutil.MemStore
	engine *fakeEngine
	clock  *testutil.FakeClock
	loop   *Loop
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	store := testutil.NewMemStore()
	engine := newFakeEngine()
	clock := testutil.NewFakeClock(baseTime)
	rec := tracker.New(store).WithClock(clock.Now)
	loop := New(cfg, store, engine, rec).WithClock(clock.Now)
	return &harness{store: store, engine: engine, clock: clock, loop: loop}
}

func (h *harness) addSchedule(workflowID string, next time.Time, interval time.Duration, params string) domain.Schedule {
	s := domain.Schedule{
		ID:            uuid.New(),
		WorkflowID:    workflowID,
		Parameters:    json.RawMessage(params),
		NextExecution: next,
		Interval:      interval,
		IsActive:      true,
	}
	h.store.PutSchedule(s)
	return s
}

func TestRunOnce_TriggersDueSchedule(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.engine.ids["wf1"] = "ex1"
	sch := h.addSchedule("wf1", baseTime.Add(-time.Minute), time.Hour, `{"a":1}`)

	report, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Triggered)
	require.Len(t, report.Results, 1)
	assert.Equal(t, Outcome{ScheduleID: sch.ID, WorkflowID: "wf1", Status: OutcomeTriggered, ExecutionID: "ex1"}, report.Results[0])

	execs := h.store.Executions()
	require.Len(t, execs, 1)
	assert.Equal(t, "ex1", execs[0].ExecutionID)
	assert.Equal(t, domain.ExecutionStatusRunning, execs[0].Status)
	assert.JSONEq(t, `{"a":1}`, string(execs[0].Input))

	got := h.store.Schedule(sch.ID)
	require.NotNil(t, got.LastExecution)
	assert.Equal(t, baseTime, *got.LastExecution)
	assert.Equal(t, baseTime.Add(time.Hour), got.NextExecution, "next run is measured from the actual execution")
	assert.Equal(t, 0, got.FailureCount)
}

func TestRunOnce_ReportJSONShape(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.engine.ids["wf1"] = "ex1"
	h.engine.fail["wf2"] = errors.New("engine unavailable")
	h.addSchedule("wf1", baseTime.Add(-2*time.Minute), time.Hour, `{}`)
	h.addSchedule("wf2", baseTime.Add(-time.Minute), time.Hour, `{}`)

	report, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)

	body, err := json.Marshal(report)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"triggered": 1,
		"results": [
			{"workflowId":"wf1","status":"triggered","executionId":"ex1"},
			{"workflowId":"wf2","status":"error","error":"engine unavailable"}
		]
	}`, string(body))
}

func TestRunOnce_NothingDue(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.addSchedule("future", baseTime.Add(time.Minute), time.Hour, `{}`)
	inactive := h.addSchedule("inactive", baseTime.Add(-time.Hour), time.Hour, `{}`)
	inactive.IsActive = false
	h.store.PutSchedule(inactive)

	report, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Triggered)
	assert.Empty(t, report.Results)
	assert.NotNil(t, report.Results, "results serialize as an empty list")
	assert.Empty(t, h.engine.allCalls())
}

func TestRunOnce_TimeoutLeavesScheduleDue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TriggerTimeout = 20 * time.Millisecond
	h := newHarness(t, cfg)
	h.engine.block = true
	sch := h.addSchedule("wf1", baseTime.Add(-time.Minute), time.Hour, `{}`)

	report, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Results, 1)
	assert.Equal(t, OutcomeError, report.Results[0].Status)
	assert.NotEmpty(t, report.Results[0].Error)
	assert.Equal(t, 0, report.Triggered)

	got := h.store.Schedule(sch.ID)
	assert.Equal(t, sch.NextExecution, got.NextExecution)
	assert.Nil(t, got.LastExecution)
	assert.Equal(t, 1, got.FailureCount)
	assert.True(t, got.IsActive)
	assert.Empty(t, h.store.Executions())
}

func TestRunOnce_FailedScheduleRetriedNextInvocation(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.engine.fail["wf1"] = errors.New("503")
	sch := h.addSchedule("wf1", baseTime.Add(-time.Minute), time.Hour, `{}`)

	_, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)

	delete(h.engine.fail, "wf1")
	h.clock.Advance(time.Minute)
	report, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Triggered)

	got := h.store.Schedule(sch.ID)
	assert.Equal(t, 0, got.FailureCount)
	assert.Empty(t, got.LastError)
	assert.Equal(t, baseTime.Add(time.Minute+time.Hour), got.NextExecution)
}

func TestRunOnce_OneTriggerPerScheduleAcrossPages(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.MaxBatches = 10
	h := newHarness(t, cfg)

	for i := 0; i < 5; i++ {
		wf := fmt.Sprintf("wf%d", i)
		if i%2 == 0 {
			h.engine.fail[wf] = errors.New("boom")
		}
		h.addSchedule(wf, baseTime.Add(-time.Duration(10-i)*time.Minute), time.Hour, `{}`)
	}

	report, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Len(t, report.Results, 5)
	assert.Equal(t, 2, report.Triggered)
	for i := 0; i < 5; i++ {
		assert.Equal(t, 1, h.engine.callsFor(fmt.Sprintf("wf%d", i)), "wf%d", i)
	}
}

func TestRunOnce_MaxBatchesBoundsWork(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BatchSize = 2
	cfg.MaxBatches = 2
	h := newHarness(t, cfg)
	for i := 0; i < 7; i++ {
		h.addSchedule(fmt.Sprintf("wf%d", i), baseTime.Add(-time.Duration(10-i)*time.Minute), time.Hour, `{}`)
	}

	report, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, report.Triggered)

	report, err = h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, report.Triggered)
}

func TestRunOnce_PriorityOrder(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.addSchedule("low", baseTime.Add(-time.Hour), time.Hour, `{}`)
	high := h.addSchedule("high", baseTime.Add(-time.Minute), time.Hour, `{}`)
	high.Priority = 10
	h.store.PutSchedule(high)

	_, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"high", "low"}, h.engine.allCalls())
}

func TestRunOnce_ConcurrentInvocationsTriggerOnce(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	const schedules = 25
	for i := 0; i < schedules; i++ {
		h.addSchedule(fmt.Sprintf("wf%d", i), baseTime.Add(-time.Minute), time.Hour, `{}`)
	}

	const invocations = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total int
	)
	for i := 0; i < invocations; i++ {
		loop := New(DefaultConfig(), h.store, h.engine, tracker.New(h.store).WithClock(h.clock.Now)).WithClock(h.clock.Now)
		wg.Add(1)
		go func() {
			defer wg.Done()
			report, err := loop.RunOnce(context.Background())
			assert.NoError(t, err)
			mu.Lock()
			total += report.Triggered
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, schedules, total)
	for i := 0; i < schedules; i++ {
		assert.Equal(t, 1, h.engine.callsFor(fmt.Sprintf("wf%d", i)))
	}
	assert.Len(t, h.store.Executions(), schedules)
}

func TestRunOnce_SlowBatchDoesNotExpireLaterClaims(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClaimTTL = 5 * time.Minute
	h := newHarness(t, cfg)
	h.addSchedule("wfA", baseTime.Add(-2*time.Minute), time.Hour, `{}`)
	wfB := h.addSchedule("wfB", baseTime.Add(-time.Minute), time.Hour, `{}`)

	overlapping := New(cfg, h.store, h.engine, tracker.New(h.store).WithClock(h.clock.Now)).WithClock(h.clock.Now)
	var (
		second    Report
		secondErr error
		started   bool
	)
	h.engine.onTrigger = func(workflowID string) {
		switch workflowID {
		case "wfA":
			// The first trigger outlasts the claim TTL.
			h.clock.Advance(6 * time.Minute)
		case "wfB":
			if !started {
				started = true
				second, secondErr = overlapping.RunOnce(context.Background())
			}
		}
	}

	report, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	require.NoError(t, secondErr)
	require.True(t, started)

	assert.Equal(t, 2, report.Triggered)
	assert.Empty(t, second.Results, "in-flight wfB must not look due to an overlapping run")
	assert.Equal(t, 1, h.engine.callsFor("wfB"))

	got := h.store.Schedule(wfB.ID)
	require.NotNil(t, got.LastExecution)
	claimedAt := baseTime.Add(6 * time.Minute)
	assert.Equal(t, claimedAt, *got.LastExecution)
	assert.Equal(t, claimedAt.Add(time.Hour), got.NextExecution)
}

func TestRunOnce_LostClaimIsNotReported(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	metrics := &fakeMetrics{}
	h.loop.WithMetrics(metrics)
	sch := h.addSchedule("wf1", baseTime.Add(-time.Minute), time.Hour, `{}`)

	// Another invocation claims the schedule between our read and our claim.
	h.store.ClaimHook = func(id uuid.UUID) {
		h.store.ClaimHook = nil
		s := h.store.Schedule(id)
		s.NextExecution = baseTime.Add(5 * time.Minute)
		h.store.PutSchedule(s)
	}

	report, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report.Results)
	assert.Empty(t, h.engine.allCalls())
	assert.Equal(t, 1, metrics.claimLost)
	assert.Equal(t, baseTime.Add(5*time.Minute), h.store.Schedule(sch.ID).NextExecution)
}

func TestRunOnce_ExpiredClaimIsRetriggered(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClaimTTL = 5 * time.Minute
	h := newHarness(t, cfg)
	sch := h.addSchedule("wf1", baseTime.Add(-time.Minute), time.Hour, `{}`)

	// A crashed invocation claimed the schedule and never completed it.
	ok, err := h.store.ClaimSchedule(context.Background(), sch.ID, sch.NextExecution, baseTime.Add(cfg.ClaimTTL), baseTime)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Triggered)

	h.clock.Advance(cfg.ClaimTTL)
	report, err = h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Triggered)
}

func TestRunOnce_DeactivatesAfterMaxFailures(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConsecutiveFailures = 2
	h := newHarness(t, cfg)
	h.engine.fail["wf1"] = errors.New("400 bad request")
	sch := h.addSchedule("wf1", baseTime.Add(-time.Minute), time.Hour, `{}`)

	_, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.True(t, h.store.Schedule(sch.ID).IsActive)

	_, err = h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	got := h.store.Schedule(sch.ID)
	assert.False(t, got.IsActive)
	assert.Equal(t, 2, got.FailureCount)
	assert.Equal(t, "400 bad request", got.LastError)

	_, err = h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, h.engine.callsFor("wf1"))
}

func TestRunOnce_DuplicateExecutionIsLoggedAndSkipped(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	h := newHarness(t, DefaultConfig())
	h.loop.WithLogger(zap.New(core).Sugar())
	h.engine.ids["wf1"] = "same"
	h.engine.ids["wf2"] = "same"
	h.addSchedule("wf1", baseTime.Add(-2*time.Minute), time.Hour, `{"a":1}`)
	wf2 := h.addSchedule("wf2", baseTime.Add(-time.Minute), time.Hour, `{"a":2}`)

	report, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Triggered)
	assert.Equal(t, 1, logs.FilterMessage("execution already recorded").Len())

	assert.Equal(t, baseTime.Add(time.Hour), h.store.Schedule(wf2.ID).NextExecution)
	execs := h.store.Executions()
	require.Len(t, execs, 1)
	assert.Equal(t, "wf1", execs[0].WorkflowID)
}

func TestRunOnce_QueueMode(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	q := &fakeQueue{}
	h.loop.WithQueue(q)
	sch := h.addSchedule("wf1", baseTime.Add(-time.Minute), time.Hour, `{}`)

	report, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Results, 1)
	assert.Equal(t, "task-1", report.Results[0].ExecutionID)
	assert.Empty(t, h.engine.allCalls())
	assert.Empty(t, h.store.Executions())
	assert.Equal(t, []string{"wf1"}, q.tasks)
	assert.Equal(t, baseTime.Add(time.Hour), h.store.Schedule(sch.ID).NextExecution)
}

func TestRunOnce_ListErrorAborts(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.store.Err = domain.NewStorageError("list due schedules", errors.New("connection refused"))

	_, err := h.loop.RunOnce(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsStorageError(err))
}

func TestRunOnce_RecordsMetrics(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	metrics := &fakeMetrics{}
	h.loop.WithMetrics(metrics)
	h.engine.fail["bad"] = errors.New("nope")
	h.addSchedule("good", baseTime.Add(-time.Minute), time.Hour, `{}`)
	h.addSchedule("bad", baseTime.Add(-time.Minute), time.Hour, `{}`)

	_, err := h.loop.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, metrics.ticks)
	assert.Equal(t, 1, metrics.completed)
	assert.Equal(t, map[string]int{OutcomeTriggered: 1, OutcomeError: 1}, metrics.outcomes)
}

func TestTriggerNow(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.engine.ids["wf1"] = "manual-1"

	out, err := h.loop.TriggerNow(context.Background(), "wf1", json.RawMessage(`{"x":true}`))
	require.NoError(t, err)
	assert.Equal(t, "manual-1", out.ExecutionID)
	assert.Equal(t, OutcomeTriggered, out.Status)

	execs := h.store.Executions()
	require.Len(t, execs, 1)
	assert.Equal(t, domain.ExecutionStatusRunning, execs[0].Status)
	assert.JSONEq(t, `{"x":true}`, string(execs[0].Input))
}

func TestTriggerNow_EngineError(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	h.engine.fail["wf1"] = errors.New("engine down")

	out, err := h.loop.TriggerNow(context.Background(), "wf1", nil)
	require.Error(t, err)
	assert.Equal(t, OutcomeError, out.Status)
	assert.Empty(t, h.store.Executions())
}
