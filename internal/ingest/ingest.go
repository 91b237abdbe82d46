// Package ingest accepts status callbacks pushed by the workflow engine and
// reconciles them into execution records. Callbacks may arrive out of order,
// more than once, or before the trigger that produced them was recorded.
package ingest

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/djlord-it/flowtick/internal/domain"
	"github.com/djlord-it/flowtick/internal/tracker"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Flowtick-Signature"

var (
	ErrMalformedPayload = errors.New("malformed status payload")
	ErrInvalidSignature = errors.New("invalid callback signature")
)

// Reconciler applies observed execution statuses.
type Reconciler interface {
	Reconcile(ctx context.Context, workflowID, executionID string, status domain.ExecutionStatus, result json.RawMessage) (tracker.ReconcileResult, error)
}

// MetricsSink records callback outcomes. Implementations must not block.
type MetricsSink interface {
	CallbackReceived(outcome string)
}

// Callback outcomes.
const (
	OutcomeApplied   = "applied"
	OutcomeIgnored   = "ignored"
	OutcomeMalformed = "malformed"
	OutcomeRejected  = "rejected"
	OutcomeFailed    = "failed"
)

// Result counts the payloads in one callback body.
type Result struct {
	Received int
	Applied  int
	Ignored  int
}

type Ingestor struct {
	reconciler Reconciler
	secret     []byte
	metrics    MetricsSink // optional, nil = disabled
	logger     *zap.SugaredLogger
}

func New(reconciler Reconciler) *Ingestor {
	return &Ingestor{
		reconciler: reconciler,
		logger:     zap.NewNop().Sugar(),
	}
}

// WithSecret enables signature verification. Bodies without a valid
// signature are rejected with ErrInvalidSignature.
func (i *Ingestor) WithSecret(secret string) *Ingestor {
	if secret == "" {
		i.secret = nil
	} else {
		i.secret = []byte(secret)
	}
	return i
}

func (i *Ingestor) WithMetrics(sink MetricsSink) *Ingestor {
	i.metrics = sink
	return i
}

func (i *Ingestor) WithLogger(logger *zap.SugaredLogger) *Ingestor {
	i.logger = logger
	return i
}

type payload struct {
	WorkflowID  json.RawMessage `json:"workflowId"`
	ExecutionID json.RawMessage `json:"executionId"`
	Status      string          `json:"status"`
}

type statusUpdate struct {
	workflowID  string
	executionID string
	status      domain.ExecutionStatus
	result      json.RawMessage
}

// Ingest verifies and decodes body, which holds one status object or an
// array of them, and reconciles each. The whole object is kept as the
// result payload. Decoding is all-or-nothing: nothing is written when any
// element is malformed.
func (i *Ingestor) Ingest(ctx context.Context, body []byte, signature string) (Result, error) {
	if i.secret != nil && !VerifySignature(i.secret, body, signature) {
		i.record(OutcomeRejected)
		return Result{}, ErrInvalidSignature
	}

	updates, err := decode(body)
	if err != nil {
		i.record(OutcomeMalformed)
		i.logger.Warnw("malformed status callback", "error", err)
		return Result{}, err
	}

	res := Result{Received: len(updates)}
	for _, u := range updates {
		rr, err := i.reconciler.Reconcile(ctx, u.workflowID, u.executionID, u.status, u.result)
		if err != nil {
			i.record(OutcomeFailed)
			return res, errors.Wrapf(err, "reconcile execution %s", u.executionID)
		}
		if rr.Applied {
			res.Applied++
			i.record(OutcomeApplied)
		} else {
			res.Ignored++
			i.record(OutcomeIgnored)
		}
		i.logger.Infow("status callback",
			"workflow_id", u.workflowID,
			"execution_id", u.executionID,
			"status", u.status,
			"applied", rr.Applied,
		)
	}
	return res, nil
}

func (i *Ingestor) record(outcome string) {
	if i.metrics != nil {
		i.metrics.CallbackReceived(outcome)
	}
}

func decode(body []byte) ([]statusUpdate, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, errors.WithDetail(ErrMalformedPayload, "empty body")
	}

	var raws []json.RawMessage
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return nil, errors.Mark(errors.Wrap(err, "decode callback array"), ErrMalformedPayload)
		}
		if len(raws) == 0 {
			return nil, errors.WithDetail(ErrMalformedPayload, "empty array")
		}
	} else {
		raws = []json.RawMessage{trimmed}
	}

	updates := make([]statusUpdate, 0, len(raws))
	for idx, raw := range raws {
		u, err := decodeOne(raw)
		if err != nil {
			return nil, errors.Wrapf(err, "item %d", idx)
		}
		updates = append(updates, u)
	}
	return updates, nil
}

func decodeOne(raw json.RawMessage) (statusUpdate, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return statusUpdate{}, errors.Mark(errors.Wrap(err, "decode callback"), ErrMalformedPayload)
	}
	workflowID := scalarString(p.WorkflowID)
	executionID := scalarString(p.ExecutionID)
	if workflowID == "" || executionID == "" {
		return statusUpdate{}, errors.WithDetail(ErrMalformedPayload, "workflowId and executionId are required")
	}
	status, ok := domain.ParseExecutionStatus(p.Status)
	if !ok {
		return statusUpdate{}, errors.WithDetailf(ErrMalformedPayload, "unknown status %q", p.Status)
	}
	return statusUpdate{
		workflowID:  workflowID,
		executionID: executionID,
		status:      status,
		result:      raw,
	}, nil
}

// scalarString accepts a JSON string or number. Engines disagree on the type
// of their identifiers.
func scalarString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err == nil {
		return n.String()
	}
	return ""
}

// ComputeSignature returns the hex HMAC-SHA256 of body under secret.
func ComputeSignature(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares signature to the expected HMAC in constant time.
// A "sha256=" prefix is accepted.
func VerifySignature(secret, body []byte, signature string) bool {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if signature == "" {
		return false
	}
	expected := ComputeSignature(secret, body)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}
