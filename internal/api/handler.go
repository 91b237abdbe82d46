// Package api exposes the scheduler trigger, the engine status callback,
// and a small operational surface over HTTP.
package api

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/djlord-it/flowtick/internal/domain"
	"github.com/djlord-it/flowtick/internal/engine"
	"github.com/djlord-it/flowtick/internal/ingest"
	"github.com/djlord-it/flowtick/internal/scheduler"
)

// Pagination defaults and limits.
const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

// Routes.
const (
	PathCronTrigger   = "/api/cron/workflow-scheduler"
	PathEngineWebhook = "/api/engine-webhooks"
)

type Store interface {
	ListSchedules(ctx context.Context, limit, offset int) ([]domain.Schedule, error)
	GetSchedule(ctx context.Context, id uuid.UUID) (domain.Schedule, error)
	DeactivateSchedule(ctx context.Context, id uuid.UUID, now time.Time) error
}

type Scheduler interface {
	RunOnce(ctx context.Context) (scheduler.Report, error)
	TriggerNow(ctx context.Context, workflowID string, params json.RawMessage) (scheduler.Outcome, error)
}

type Ingestor interface {
	Ingest(ctx context.Context, body []byte, signature string) (ingest.Result, error)
}

type ExecutionReader interface {
	Get(ctx context.Context, executionID string) (domain.ExecutionRecord, error)
}

// Refresher polls the engine for one execution's status.
type Refresher interface {
	Refresh(ctx context.Context, executionID string) (domain.ExecutionRecord, error)
}

// StatsSource reads per-workflow trigger outcome counters.
type StatsSource interface {
	Counts(ctx context.Context, workflowID string, outcomes []string, from, to time.Time) (map[string]int64, error)
}

// HealthChecker provides component health for the verbose /health endpoint.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

func (f HealthCheckFunc) Ping(ctx context.Context) error { return f(ctx) }

type namedCheck struct {
	name    string
	checker HealthChecker
}

type Handler struct {
	store      Store
	scheduler  Scheduler
	ingestor   Ingestor
	executions ExecutionReader

	refresher  Refresher
	stats      StatsSource
	cronSecret string
	checks     []namedCheck
	logger     *zap.SugaredLogger
	clock      func() time.Time
}

func NewHandler(store Store, sched Scheduler, ingestor Ingestor, executions ExecutionReader) *Handler {
	return &Handler{
		store:      store,
		scheduler:  sched,
		ingestor:   ingestor,
		executions: executions,
		logger:     zap.NewNop().Sugar(),
		clock:      time.Now,
	}
}

func (h *Handler) WithRefresher(r Refresher) *Handler {
	h.refresher = r
	return h
}

func (h *Handler) WithStats(s StatsSource) *Handler {
	h.stats = s
	return h
}

// WithCronSecret requires "Authorization: Bearer <secret>" on the scheduler trigger.
func (h *Handler) WithCronSecret(secret string) *Handler {
	h.cronSecret = secret
	return h
}

// WithHealthCheck adds a component to the verbose /health response.
func (h *Handler) WithHealthCheck(name string, c HealthChecker) *Handler {
	h.checks = append(h.checks, namedCheck{name: name, checker: c})
	return h
}

func (h *Handler) WithLogger(logger *zap.SugaredLogger) *Handler {
	h.logger = logger
	return h
}

func (h *Handler) WithClock(clock func() time.Time) *Handler {
	h.clock = clock
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	parts := strings.Split(strings.Trim(path, "/"), "/")

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)

	case path == PathCronTrigger && r.Method == http.MethodGet:
		h.runScheduler(w, r)

	case path == PathEngineWebhook && r.Method == http.MethodPost:
		h.engineWebhook(w, r)

	case path == "/api/schedules" && r.Method == http.MethodGet:
		h.listSchedules(w, r)

	case match(parts, "api", "schedules", "*") && r.Method == http.MethodGet:
		h.getSchedule(w, r, parts[2])

	case match(parts, "api", "schedules", "*", "deactivate") && r.Method == http.MethodPost:
		h.deactivateSchedule(w, r, parts[2])

	case match(parts, "api", "executions", "*") && r.Method == http.MethodGet:
		h.getExecution(w, r, parts[2])

	case match(parts, "api", "executions", "*", "refresh") && r.Method == http.MethodPost:
		h.refreshExecution(w, r, parts[2])

	case match(parts, "api", "workflows", "*", "execute") && r.Method == http.MethodPost:
		h.executeWorkflow(w, r, parts[2])

	case match(parts, "api", "workflows", "*", "stats") && r.Method == http.MethodGet:
		h.workflowStats(w, r, parts[2])

	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

// match reports whether parts has the same shape as pattern, where "*"
// matches any non-empty segment.
func match(parts []string, pattern ...string) bool {
	if len(parts) != len(pattern) {
		return false
	}
	for i, p := range pattern {
		if parts[i] == "" || (p != "*" && parts[i] != p) {
			return false
		}
	}
	return true
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || len(h.checks) == 0 {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string, len(h.checks)),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	for _, c := range h.checks {
		if err := c.checker.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components[c.name] = "unhealthy: " + err.Error()
		} else {
			resp.Components[c.name] = "healthy"
		}
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, resp)
}

func (h *Handler) runScheduler(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret != "" && !bearerMatches(r, h.cronSecret) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	report, err := h.scheduler.RunOnce(r.Context())
	if err != nil {
		h.logger.Errorw("scheduler invocation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to process scheduled workflows")
		return
	}

	results := report.Results
	if results == nil {
		results = []scheduler.Outcome{}
	}
	writeJSON(w, http.StatusOK, TriggerResponse{
		Success:   true,
		Triggered: report.Triggered,
		Results:   results,
	})
}

// maxRequestBodySize is the maximum allowed request body size (1MB).
const maxRequestBodySize = 1 << 20

// readBody reads a size-limited request body. It writes the error response
// itself and reports false when the body cannot be used.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return nil, false
	}
	return body, true
}

func (h *Handler) engineWebhook(w http.ResponseWriter, r *http.Request) {
	body, ok := readBody(w, r)
	if !ok {
		return
	}

	res, err := h.ingestor.Ingest(r.Context(), body, r.Header.Get(ingest.SignatureHeader))
	if err != nil {
		if errors.Is(err, ingest.ErrInvalidSignature) {
			writeError(w, http.StatusUnauthorized, "invalid signature")
			return
		}
		h.logger.Errorw("engine webhook failed", "error", err)
		writeError(w, http.StatusInternalServerError, webhookFailure(err))
		return
	}

	writeJSON(w, http.StatusOK, CallbackResponse{
		Success:  true,
		Received: res.Received,
		Applied:  res.Applied,
		Ignored:  res.Ignored,
	})
}

// webhookFailure classifies an ingest error for the response body. Payload
// problems are echoed back; storage details stay in the log.
func webhookFailure(err error) string {
	switch {
	case errors.Is(err, ingest.ErrMalformedPayload):
		msg := "malformed payload: " + err.Error()
		if d := errors.FlattenDetails(err); d != "" {
			msg += " (" + strings.ReplaceAll(d, "\n--\n", "; ") + ")"
		}
		return msg
	case domain.IsStorageError(err):
		return "storage failure: status not recorded"
	default:
		return "failed to process webhook"
	}
}

func (h *Handler) listSchedules(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	schedules, err := h.store.ListSchedules(r.Context(), limit, offset)
	if err != nil {
		h.logger.Errorw("list schedules failed", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}

	resp := ListSchedulesResponse{Schedules: make([]ScheduleResponse, len(schedules))}
	for i, s := range schedules {
		resp.Schedules[i] = toScheduleResponse(s)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getSchedule(w http.ResponseWriter, r *http.Request, rawID string) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	s, err := h.store.GetSchedule(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		h.logger.Errorw("get schedule failed", "schedule_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get schedule")
		return
	}
	writeJSON(w, http.StatusOK, toScheduleResponse(s))
}

func (h *Handler) deactivateSchedule(w http.ResponseWriter, r *http.Request, rawID string) {
	id, err := uuid.Parse(rawID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}

	if err := h.store.DeactivateSchedule(r.Context(), id, h.clock().UTC()); err != nil {
		if errors.Is(err, domain.ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		h.logger.Errorw("deactivate schedule failed", "schedule_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to deactivate schedule")
		return
	}

	h.logger.Infow("schedule deactivated", "schedule_id", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getExecution(w http.ResponseWriter, r *http.Request, executionID string) {
	rec, err := h.executions.Get(r.Context(), executionID)
	if err != nil {
		h.writeExecutionError(w, executionID, "get execution", err)
		return
	}
	writeJSON(w, http.StatusOK, toExecutionResponse(rec))
}

func (h *Handler) refreshExecution(w http.ResponseWriter, r *http.Request, executionID string) {
	if h.refresher == nil {
		writeError(w, http.StatusNotImplemented, "status polling not configured")
		return
	}

	rec, err := h.refresher.Refresh(r.Context(), executionID)
	if err != nil {
		h.writeExecutionError(w, executionID, "refresh execution", err)
		return
	}
	writeJSON(w, http.StatusOK, toExecutionResponse(rec))
}

func (h *Handler) writeExecutionError(w http.ResponseWriter, executionID, op string, err error) {
	var engineErr *engine.ExternalEngineError
	switch {
	case errors.Is(err, domain.ErrExecutionNotFound):
		writeError(w, http.StatusNotFound, "execution not found")
	case errors.As(err, &engineErr):
		h.logger.Warnw(op+" failed", "execution_id", executionID, "error", err)
		writeError(w, http.StatusBadGateway, engineErr.Error())
	default:
		h.logger.Errorw(op+" failed", "execution_id", executionID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to "+op)
	}
}

func (h *Handler) executeWorkflow(w http.ResponseWriter, r *http.Request, workflowID string) {
	if err := validateWorkflowID(workflowID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	body, ok := readBody(w, r)
	if !ok {
		return
	}
	var req ExecuteRequest
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	if err := validateExecuteRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	out, err := h.scheduler.TriggerNow(r.Context(), workflowID, req.Data)
	if err != nil {
		if out.Status == scheduler.OutcomeTriggered {
			// The engine accepted the run; the status callback will create the record.
			h.logger.Warnw("manual trigger not recorded", "workflow_id", workflowID, "execution_id", out.ExecutionID, "error", err)
		} else {
			var engineErr *engine.ExternalEngineError
			if errors.As(err, &engineErr) {
				writeError(w, http.StatusBadGateway, engineErr.Error())
				return
			}
			h.logger.Errorw("manual trigger failed", "workflow_id", workflowID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to execute workflow")
			return
		}
	}

	writeJSON(w, http.StatusOK, ExecuteResponse{
		Success:     true,
		WorkflowID:  workflowID,
		ExecutionID: out.ExecutionID,
	})
}

func (h *Handler) workflowStats(w http.ResponseWriter, r *http.Request, workflowID string) {
	if h.stats == nil {
		writeError(w, http.StatusNotImplemented, "analytics not configured")
		return
	}
	if err := validateWorkflowID(workflowID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	window, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	to := h.clock().UTC()
	from := to.Add(-window)
	counts, err := h.stats.Counts(r.Context(), workflowID,
		[]string{scheduler.OutcomeTriggered, scheduler.OutcomeError}, from, to)
	if err != nil {
		h.logger.Errorw("read workflow stats failed", "workflow_id", workflowID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to read workflow stats")
		return
	}

	writeJSON(w, http.StatusOK, StatsResponse{
		WorkflowID: workflowID,
		From:       formatTime(from),
		To:         formatTime(to),
		Counts:     counts,
	})
}

func bearerMatches(r *http.Request, secret string) bool {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimPrefix(auth, prefix)), []byte(secret)) == 1
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.S().Warnw("json encode failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

// parsePagination extracts and validates limit/offset query parameters.
// Returns DefaultLimit if limit is not specified, and 0 for offset if not specified.
// Returns an error if limit exceeds MaxLimit or if values are negative/invalid.
func parsePagination(r *http.Request) (limit, offset int, err error) {
	limit = DefaultLimit
	offset = 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		limit, err = strconv.Atoi(limitStr)
		if err != nil {
			return 0, 0, err
		}
		if limit < 0 {
			return 0, 0, strconv.ErrRange
		}
		if limit > MaxLimit {
			return 0, 0, &limitExceededError{max: MaxLimit}
		}
		if limit == 0 {
			limit = DefaultLimit
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		offset, err = strconv.Atoi(offsetStr)
		if err != nil {
			return 0, 0, err
		}
		if offset < 0 {
			return 0, 0, strconv.ErrRange
		}
	}

	return limit, offset, nil
}

type limitExceededError struct {
	max int
}

func (e *limitExceededError) Error() string {
	return "limit exceeds maximum of " + strconv.Itoa(e.max)
}
