// Package engine is the boundary adapter for the external workflow engine.
//
// Each call is one HTTP round trip bounded by a timeout. Failures are returned
// to the caller and never retried here; the scheduler retries by leaving the
// schedule due for the next invocation.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/djlord-it/flowtick/internal/circuitbreaker"
	"github.com/djlord-it/flowtick/internal/domain"
	"github.com/djlord-it/flowtick/internal/observability"
)

const (
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 1 << 20
	maxErrorBodySize = 4 << 10
)

// Operation names, used for metrics and error messages.
const (
	OpTrigger   = "trigger"
	OpGetStatus = "get_status"
)

// MetricsSink records one sample per engine call. Implementations must not block.
type MetricsSink interface {
	EngineCallCompleted(op string, statusCode int, err error, duration time.Duration)
}

// ExternalEngineError is a non-2xx response, a transport failure, or a timeout.
// StatusCode is zero when no response was received.
type ExternalEngineError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *ExternalEngineError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("engine %s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("engine %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

func (e *ExternalEngineError) Unwrap() error { return e.Err }

// Timeout reports whether the call ran out of time.
func (e *ExternalEngineError) Timeout() bool {
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// Config holds the engine connection settings. BaseURL and APIKey are required.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration

	// RateLimit is the sustained calls per second; zero disables throttling.
	RateLimit float64
	RateBurst int

	HTTPClient *http.Client
}

// Status is the engine's view of one execution.
type Status struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
}

type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	http    *http.Client
	limiter *rate.Limiter
	breaker *circuitbreaker.CircuitBreaker // optional, nil = disabled
	metrics MetricsSink                    // optional, nil = disabled
}

// New validates cfg and returns a client. Missing credentials are a
// *domain.ConfigurationError so misconfiguration fails at startup.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, &domain.ConfigurationError{Field: "ENGINE_BASE_URL", Message: "required"}
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, &domain.ConfigurationError{Field: "ENGINE_API_KEY", Message: "required"}
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &domain.ConfigurationError{Field: "ENGINE_BASE_URL", Message: "must be an absolute http(s) URL"}
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: timeout,
		http:    httpClient,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c, nil
}

// WithBreaker attaches a per-workflow circuit breaker to Trigger.
func (c *Client) WithBreaker(cb *circuitbreaker.CircuitBreaker) *Client {
	c.breaker = cb
	return c
}

// WithMetrics attaches a metrics sink to the client.
func (c *Client) WithMetrics(sink MetricsSink) *Client {
	c.metrics = sink
	return c
}

type triggerRequest struct {
	Data json.RawMessage `json:"data"`
}

type triggerResponse struct {
	ExecutionID json.RawMessage `json:"executionId"`
}

// Trigger starts a run of workflowID and returns the engine-issued execution id.
func (c *Client) Trigger(ctx context.Context, workflowID string, params json.RawMessage) (executionID string, err error) {
	ctx, span := observability.StartSpan(ctx, "engine.trigger", attribute.String("workflow.id", workflowID))
	defer func() { endSpan(span, err) }()

	if c.breaker != nil {
		if err := c.breaker.Allow(workflowID); err != nil {
			return "", errors.Wrapf(err, "workflow %s", workflowID)
		}
		defer func() {
			if err != nil {
				c.breaker.RecordFailure(workflowID)
			} else {
				c.breaker.RecordSuccess(workflowID)
			}
		}()
	}

	if len(bytes.TrimSpace(params)) == 0 || bytes.Equal(bytes.TrimSpace(params), []byte("null")) {
		params = json.RawMessage(`{}`)
	}
	body, err := json.Marshal(triggerRequest{Data: params})
	if err != nil {
		return "", errors.Wrap(err, "marshal trigger body")
	}

	endpoint := fmt.Sprintf("%s/workflows/%s/execute?apiKey=%s",
		c.baseURL, url.PathEscape(workflowID), url.QueryEscape(c.apiKey))

	var resp triggerResponse
	if err := c.do(ctx, OpTrigger, http.MethodPost, endpoint, body, &resp); err != nil {
		return "", err
	}

	executionID = decodeID(resp.ExecutionID)
	if executionID == "" {
		return "", &ExternalEngineError{Op: OpTrigger, StatusCode: http.StatusOK, Err: errors.New("response missing executionId")}
	}
	return executionID, nil
}

// GetStatus fetches the engine's current status for executionID.
func (c *Client) GetStatus(ctx context.Context, executionID string) (st Status, err error) {
	ctx, span := observability.StartSpan(ctx, "engine.get_status", attribute.String("execution.id", executionID))
	defer func() { endSpan(span, err) }()

	endpoint := fmt.Sprintf("%s/executions/%s?apiKey=%s",
		c.baseURL, url.PathEscape(executionID), url.QueryEscape(c.apiKey))

	if err := c.do(ctx, OpGetStatus, http.MethodGet, endpoint, nil, &st); err != nil {
		return Status{}, err
	}
	if st.Status == "" {
		return Status{}, &ExternalEngineError{Op: OpGetStatus, StatusCode: http.StatusOK, Err: errors.New("response missing status")}
	}
	return st, nil
}

// do performs one bounded round trip and decodes a 2xx JSON body into out.
func (c *Client) do(ctx context.Context, op, method, endpoint string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	statusCode, err := c.roundTrip(ctx, op, method, endpoint, body, out)
	if c.metrics != nil {
		c.metrics.EngineCallCompleted(op, statusCode, err, time.Since(start))
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, op, method, endpoint string, body []byte, out any) (int, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, &ExternalEngineError{Op: op, Err: errors.Wrap(err, "rate limit wait")}
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return 0, &ExternalEngineError{Op: op, Err: errors.Wrap(err, "create request")}
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Prefer the context error so callers can tell a timeout apart.
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = errors.WithSecondaryError(ctxErr, err)
		}
		return 0, &ExternalEngineError{Op: op, Err: redactKey(err, c.apiKey)}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return resp.StatusCode, &ExternalEngineError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(errBody)),
		}
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return resp.StatusCode, &ExternalEngineError{Op: op, StatusCode: resp.StatusCode, Err: errors.Wrap(err, "decode response")}
	}
	return resp.StatusCode, nil
}

// decodeID accepts either a JSON string or a JSON number.
func decodeID(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

// redactKey keeps the API key out of error strings; url.Error embeds the full URL.
func redactKey(err error, key string) error {
	if key == "" || !strings.Contains(err.Error(), url.QueryEscape(key)) {
		return err
	}
	var ctxErr error
	if errors.Is(err, context.DeadlineExceeded) {
		ctxErr = context.DeadlineExceeded
	} else if errors.Is(err, context.Canceled) {
		ctxErr = context.Canceled
	}
	msg := strings.ReplaceAll(err.Error(), url.QueryEscape(key), "***")
	if ctxErr != nil {
		return errors.Wrap(ctxErr, msg)
	}
	return errors.New(msg)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
