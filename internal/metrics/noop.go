package metrics

import "time"

// NoopSink is a no-op implementation of Sink.
// Used when metrics are disabled to avoid nil checks.
type NoopSink struct{}

func NewNoopSink() *NoopSink {
	return &NoopSink{}
}

func (n *NoopSink) TickStarted()                                          {}
func (n *NoopSink) TickCompleted(time.Duration, int, int)                 {}
func (n *NoopSink) TriggerCompleted(string, time.Duration)                {}
func (n *NoopSink) ClaimLost()                                            {}
func (n *NoopSink) EngineCallCompleted(string, int, error, time.Duration) {}
func (n *NoopSink) ReconcileOutcome(string, bool)                         {}
func (n *NoopSink) CallbackReceived(string)                               {}
func (n *NoopSink) PollCycle(int, int, int)                               {}
func (n *NoopSink) LockAttempt(string, bool)                              {}

var (
	_ Sink = (*NoopSink)(nil)
	_ Sink = (*PrometheusSink)(nil)
)
