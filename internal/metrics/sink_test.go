package metrics

import (
	"context"
	"net"
	"testing"

	"github.com/cockroachdb/errors"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		err        error
		want       string
	}{
		// Success codes
		{"200 OK", 200, nil, StatusClass2xx},
		{"201 Created", 201, nil, StatusClass2xx},
		{"299 boundary", 299, nil, StatusClass2xx},
		{"200 with undecodable body", 200, errors.New("decode response"), StatusClassOtherError},

		// Client errors
		{"400 Bad Request", 400, nil, StatusClass4xx},
		{"404 Not Found", 404, nil, StatusClass4xx},
		{"429 Rate Limit", 429, nil, StatusClass4xx},

		// Server errors
		{"500 Internal Server Error", 500, nil, StatusClass5xx},
		{"503 Service Unavailable", 503, errors.New("wrapped"), StatusClass5xx},

		// Edge cases
		{"302 redirect", 302, nil, StatusClassOtherError},

		// Timeouts
		{"context deadline", 0, errors.Wrap(context.DeadlineExceeded, "engine trigger"), StatusClassTimeout},
		{"net timeout", 0, &net.OpError{Op: "read", Err: timeoutErr{}}, StatusClassTimeout},

		// Connection errors
		{"dial refused", 0, &net.OpError{Op: "dial", Err: errors.New("connect: connection refused")}, StatusClassConnectionError},
		{"dns", 0, &net.DNSError{Err: "no such host", Name: "engine.invalid"}, StatusClassConnectionError},

		// Other errors
		{"generic error", 0, errors.New("unknown error"), StatusClassOtherError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyStatus(tt.statusCode, tt.err)
			if got != tt.want {
				t.Errorf("ClassifyStatus(%d, %v) = %q, want %q", tt.statusCode, tt.err, got, tt.want)
			}
		})
	}
}
