package metrics

import (
	"context"
	"net"
	"time"

	"github.com/cockroachdb/errors"
)

// Sink defines the interface for recording metrics.
// All methods are fire-and-forget: implementations MUST NOT block or propagate errors.
type Sink interface {
	// Scheduler metrics
	TickStarted()
	TickCompleted(duration time.Duration, triggered, failed int)
	TriggerCompleted(outcome string, duration time.Duration)
	ClaimLost()

	// Engine client metrics
	EngineCallCompleted(op string, statusCode int, err error, duration time.Duration)

	// Execution tracking metrics
	ReconcileOutcome(status string, applied bool)
	CallbackReceived(outcome string)
	PollCycle(checked, updated, failed int)

	// Lock metrics
	LockAttempt(name string, acquired bool)
}

// StatusClass constants for EngineCallCompleted.
const (
	StatusClass2xx             = "2xx"
	StatusClass4xx             = "4xx"
	StatusClass5xx             = "5xx"
	StatusClassTimeout         = "timeout"
	StatusClassConnectionError = "connection_error"
	StatusClassOtherError      = "other_error"
)

// ClassifyStatus maps an engine call result to a status class. A response
// status takes precedence over the error it was wrapped in.
func ClassifyStatus(statusCode int, err error) string {
	if statusCode == 0 && err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return StatusClassTimeout
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return StatusClassTimeout
		}
		var opErr *net.OpError
		var dnsErr *net.DNSError
		if errors.As(err, &opErr) || errors.As(err, &dnsErr) {
			return StatusClassConnectionError
		}
		return StatusClassOtherError
	}

	switch {
	case statusCode >= 200 && statusCode < 300:
		if err != nil {
			return StatusClassOtherError
		}
		return StatusClass2xx
	case statusCode >= 400 && statusCode < 500:
		return StatusClass4xx
	case statusCode >= 500:
		return StatusClass5xx
	default:
		return StatusClassOtherError
	}
}
