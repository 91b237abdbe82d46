package api

import (
	"bytes"
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode"
)

const (
	maxWorkflowIDLength = 256

	defaultStatsWindow = 24 * time.Hour
	maxStatsWindow     = 30 * 24 * time.Hour
)

func validateWorkflowID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("workflow id is required")
	}
	if len(id) > maxWorkflowIDLength {
		return fmt.Errorf("workflow id exceeds %d characters", maxWorkflowIDLength)
	}
	if strings.IndexFunc(id, unicode.IsControl) >= 0 {
		return fmt.Errorf("workflow id contains control characters")
	}
	return nil
}

func validateExecuteRequest(req ExecuteRequest) error {
	data := bytes.TrimSpace(req.Data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] != '{' {
		return fmt.Errorf("data must be a JSON object")
	}
	return nil
}

// parseWindow reads the ?window= duration for stats queries.
func parseWindow(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("window")
	if raw == "" {
		return defaultStatsWindow, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid window: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("window must be positive")
	}
	if d > maxStatsWindow {
		return 0, fmt.Errorf("window exceeds maximum of %s", maxStatsWindow)
	}
	return d, nil
}
