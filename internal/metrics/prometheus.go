package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// PrometheusSink implements Sink using Prometheus client library.
// All methods are non-blocking and fire-and-forget.
// Registration errors are logged but never propagated.
type PrometheusSink struct {
	logger *zap.SugaredLogger

	// Scheduler metrics
	runsTotal        prometheus.Counter
	runDuration      prometheus.Histogram
	schedulesTotal   *prometheus.CounterVec
	triggerDuration  prometheus.Histogram
	claimsLostTotal  prometheus.Counter
	lastRunTriggered prometheus.Gauge
	lastRunFailed    prometheus.Gauge

	// Engine metrics
	engineCallsTotal *prometheus.CounterVec
	engineDuration   *prometheus.HistogramVec

	// Execution metrics
	reconcileTotal *prometheus.CounterVec
	callbacksTotal *prometheus.CounterVec
	pollChecked    prometheus.Counter
	pollUpdated    prometheus.Counter
	pollFailed     prometheus.Counter

	// Lock metrics
	lockAttemptsTotal *prometheus.CounterVec
}

// NewPrometheusSink creates a new Prometheus metrics sink.
// Metrics that fail to register still accept observations; they are just not exported.
func NewPrometheusSink(reg prometheus.Registerer, logger *zap.SugaredLogger) *PrometheusSink {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &PrometheusSink{logger: logger}
	s.initSchedulerMetrics(reg)
	s.initEngineMetrics(reg)
	s.initExecutionMetrics(reg)
	s.initLockMetrics(reg)
	return s
}

func (s *PrometheusSink) initSchedulerMetrics(reg prometheus.Registerer) {
	s.runsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowtick_scheduler_runs_total",
		Help: "Total number of scheduler invocations.",
	})
	s.runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowtick_scheduler_run_duration_seconds",
		Help:    "Duration of each scheduler invocation in seconds.",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
	})
	s.schedulesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowtick_scheduler_schedules_total",
		Help: "Due schedules processed, by outcome.",
	}, []string{"outcome"})
	s.triggerDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "flowtick_scheduler_trigger_duration_seconds",
		Help:    "Latency of a single trigger or enqueue in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	})
	s.claimsLostTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowtick_scheduler_claims_lost_total",
		Help: "Schedules skipped because a concurrent invocation claimed them first.",
	})
	s.lastRunTriggered = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowtick_scheduler_last_run_triggered",
		Help: "Schedules triggered by the most recent invocation.",
	})
	s.lastRunFailed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowtick_scheduler_last_run_failed",
		Help: "Schedules that failed in the most recent invocation.",
	})

	s.register(reg, s.runsTotal, "flowtick_scheduler_runs_total")
	s.register(reg, s.runDuration, "flowtick_scheduler_run_duration_seconds")
	s.register(reg, s.schedulesTotal, "flowtick_scheduler_schedules_total")
	s.register(reg, s.triggerDuration, "flowtick_scheduler_trigger_duration_seconds")
	s.register(reg, s.claimsLostTotal, "flowtick_scheduler_claims_lost_total")
	s.register(reg, s.lastRunTriggered, "flowtick_scheduler_last_run_triggered")
	s.register(reg, s.lastRunFailed, "flowtick_scheduler_last_run_failed")
}

func (s *PrometheusSink) initEngineMetrics(reg prometheus.Registerer) {
	s.engineCallsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowtick_engine_calls_total",
		Help: "Calls to the workflow engine, by operation and status class.",
	}, []string{"op", "status_class"})
	s.engineDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "flowtick_engine_call_duration_seconds",
		Help:    "Workflow engine call latency in seconds.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"op"})

	s.register(reg, s.engineCallsTotal, "flowtick_engine_calls_total")
	s.register(reg, s.engineDuration, "flowtick_engine_call_duration_seconds")
}

func (s *PrometheusSink) initExecutionMetrics(reg prometheus.Registerer) {
	s.reconcileTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowtick_executions_reconciled_total",
		Help: "Status reconciliations, by reported status and whether they changed the record.",
	}, []string{"status", "applied"})
	s.callbacksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowtick_callbacks_total",
		Help: "Inbound status callbacks, by outcome.",
	}, []string{"outcome"})
	s.pollChecked = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowtick_poller_checked_total",
		Help: "Stale executions polled.",
	})
	s.pollUpdated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowtick_poller_updated_total",
		Help: "Polled executions that reached a terminal status.",
	})
	s.pollFailed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowtick_poller_failed_total",
		Help: "Status polls that failed.",
	})

	s.register(reg, s.reconcileTotal, "flowtick_executions_reconciled_total")
	s.register(reg, s.callbacksTotal, "flowtick_callbacks_total")
	s.register(reg, s.pollChecked, "flowtick_poller_checked_total")
	s.register(reg, s.pollUpdated, "flowtick_poller_updated_total")
	s.register(reg, s.pollFailed, "flowtick_poller_failed_total")
}

func (s *PrometheusSink) initLockMetrics(reg prometheus.Registerer) {
	s.lockAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "flowtick_lock_attempts_total",
		Help: "Lease acquisition attempts, by lock name and result.",
	}, []string{"lock", "acquired"})

	s.register(reg, s.lockAttemptsTotal, "flowtick_lock_attempts_total")
}

// register attempts to register a collector, logging any errors without propagating them.
func (s *PrometheusSink) register(reg prometheus.Registerer, c prometheus.Collector, name string) {
	if err := reg.Register(c); err != nil {
		s.logger.Warnw("metrics: failed to register collector", "metric", name, "error", err)
	}
}

// Scheduler metrics implementation

func (s *PrometheusSink) TickStarted() {
	s.runsTotal.Inc()
}

func (s *PrometheusSink) TickCompleted(duration time.Duration, triggered, failed int) {
	s.runDuration.Observe(duration.Seconds())
	s.lastRunTriggered.Set(float64(triggered))
	s.lastRunFailed.Set(float64(failed))
}

func (s *PrometheusSink) TriggerCompleted(outcome string, duration time.Duration) {
	s.schedulesTotal.WithLabelValues(outcome).Inc()
	if duration > 0 {
		s.triggerDuration.Observe(duration.Seconds())
	}
}

func (s *PrometheusSink) ClaimLost() {
	s.claimsLostTotal.Inc()
}

// Engine metrics implementation

func (s *PrometheusSink) EngineCallCompleted(op string, statusCode int, err error, duration time.Duration) {
	s.engineCallsTotal.WithLabelValues(op, ClassifyStatus(statusCode, err)).Inc()
	s.engineDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// Execution metrics implementation

func (s *PrometheusSink) ReconcileOutcome(status string, applied bool) {
	s.reconcileTotal.WithLabelValues(status, strconv.FormatBool(applied)).Inc()
}

func (s *PrometheusSink) CallbackReceived(outcome string) {
	s.callbacksTotal.WithLabelValues(outcome).Inc()
}

func (s *PrometheusSink) PollCycle(checked, updated, failed int) {
	s.pollChecked.Add(float64(checked))
	s.pollUpdated.Add(float64(updated))
	s.pollFailed.Add(float64(failed))
}

// Lock metrics implementation

func (s *PrometheusSink) LockAttempt(name string, acquired bool) {
	s.lockAttemptsTotal.WithLabelValues(name, strconv.FormatBool(acquired)).Inc()
}
