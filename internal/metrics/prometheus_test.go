package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newTestSink(t *testing.T) (*PrometheusSink, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewPrometheusSink(reg, nil), reg
}

func findMetric(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) *dto.Metric {
	t.Helper()
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if matchLabels(m.GetLabel(), labels) {
				return m
			}
		}
	}
	return nil
}

func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	m := findMetric(t, reg, name, labels)
	if m == nil || m.GetCounter() == nil {
		return 0
	}
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	m := findMetric(t, reg, name, nil)
	if m == nil || m.GetGauge() == nil {
		return 0
	}
	return m.GetGauge().GetValue()
}

func histogramCount(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) uint64 {
	t.Helper()
	m := findMetric(t, reg, name, labels)
	if m == nil || m.GetHistogram() == nil {
		return 0
	}
	return m.GetHistogram().GetSampleCount()
}

func matchLabels(pairs []*dto.LabelPair, want map[string]string) bool {
	if len(pairs) != len(want) {
		return false
	}
	for _, p := range pairs {
		if v, ok := want[p.GetName()]; !ok || v != p.GetValue() {
			return false
		}
	}
	return true
}

func TestPrometheusSink_SchedulerMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.TickStarted()
	sink.TickStarted()
	sink.TriggerCompleted("triggered", 50*time.Millisecond)
	sink.TriggerCompleted("triggered", 70*time.Millisecond)
	sink.TriggerCompleted("error", 0)
	sink.ClaimLost()
	sink.TickCompleted(time.Second, 2, 1)

	if got := counterValue(t, reg, "flowtick_scheduler_runs_total", nil); got != 2 {
		t.Errorf("runs_total = %v, want 2", got)
	}
	if got := counterValue(t, reg, "flowtick_scheduler_schedules_total", map[string]string{"outcome": "triggered"}); got != 2 {
		t.Errorf("schedules_total{triggered} = %v, want 2", got)
	}
	if got := counterValue(t, reg, "flowtick_scheduler_schedules_total", map[string]string{"outcome": "error"}); got != 1 {
		t.Errorf("schedules_total{error} = %v, want 1", got)
	}
	if got := histogramCount(t, reg, "flowtick_scheduler_trigger_duration_seconds", nil); got != 2 {
		t.Errorf("trigger_duration samples = %d, want 2", got)
	}
	if got := counterValue(t, reg, "flowtick_scheduler_claims_lost_total", nil); got != 1 {
		t.Errorf("claims_lost_total = %v, want 1", got)
	}
	if got := gaugeValue(t, reg, "flowtick_scheduler_last_run_triggered"); got != 2 {
		t.Errorf("last_run_triggered = %v, want 2", got)
	}
	if got := gaugeValue(t, reg, "flowtick_scheduler_last_run_failed"); got != 1 {
		t.Errorf("last_run_failed = %v, want 1", got)
	}
}

func TestPrometheusSink_EngineMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.EngineCallCompleted("trigger", 200, nil, 100*time.Millisecond)
	sink.EngineCallCompleted("trigger", 503, nil, 100*time.Millisecond)
	sink.EngineCallCompleted("get_status", 0, errors.Wrap(context.DeadlineExceeded, "x"), time.Second)

	cases := []struct {
		labels map[string]string
		want   float64
	}{
		{map[string]string{"op": "trigger", "status_class": StatusClass2xx}, 1},
		{map[string]string{"op": "trigger", "status_class": StatusClass5xx}, 1},
		{map[string]string{"op": "get_status", "status_class": StatusClassTimeout}, 1},
	}
	for _, c := range cases {
		if got := counterValue(t, reg, "flowtick_engine_calls_total", c.labels); got != c.want {
			t.Errorf("engine_calls_total%v = %v, want %v", c.labels, got, c.want)
		}
	}
	if got := histogramCount(t, reg, "flowtick_engine_call_duration_seconds", map[string]string{"op": "trigger"}); got != 2 {
		t.Errorf("engine_call_duration{trigger} samples = %d, want 2", got)
	}
}

func TestPrometheusSink_ExecutionAndLockMetrics(t *testing.T) {
	sink, reg := newTestSink(t)

	sink.ReconcileOutcome("completed", true)
	sink.ReconcileOutcome("completed", false)
	sink.CallbackReceived("applied")
	sink.PollCycle(5, 2, 1)
	sink.PollCycle(1, 0, 0)
	sink.LockAttempt("migration_lock", true)
	sink.LockAttempt("migration_lock", false)
	sink.LockAttempt("migration_lock", false)

	if got := counterValue(t, reg, "flowtick_executions_reconciled_total", map[string]string{"status": "completed", "applied": "false"}); got != 1 {
		t.Errorf("reconciled{completed,false} = %v, want 1", got)
	}
	if got := counterValue(t, reg, "flowtick_callbacks_total", map[string]string{"outcome": "applied"}); got != 1 {
		t.Errorf("callbacks_total{applied} = %v, want 1", got)
	}
	if got := counterValue(t, reg, "flowtick_poller_checked_total", nil); got != 6 {
		t.Errorf("poller_checked_total = %v, want 6", got)
	}
	if got := counterValue(t, reg, "flowtick_poller_updated_total", nil); got != 2 {
		t.Errorf("poller_updated_total = %v, want 2", got)
	}
	if got := counterValue(t, reg, "flowtick_lock_attempts_total", map[string]string{"lock": "migration_lock", "acquired": "false"}); got != 2 {
		t.Errorf("lock_attempts{false} = %v, want 2", got)
	}
}

func TestPrometheusSink_DuplicateRegistrationIsLogged(t *testing.T) {
	reg := prometheus.NewRegistry()
	_ = NewPrometheusSink(reg, nil)

	core, logs := observer.New(zapcore.WarnLevel)
	second := NewPrometheusSink(reg, zap.New(core).Sugar())

	if logs.Len() == 0 {
		t.Fatal("expected registration warnings for the second sink")
	}
	// The unregistered sink must still accept observations.
	second.TickStarted()
	second.LockAttempt("x", true)
}
