// fake-engine stands in for the workflow engine in local and load tests.
// It accepts triggers, issues numeric execution ids, answers status polls,
// and optionally posts completion callbacks back to flowtick.
package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

type execution struct {
	WorkflowID  string          `json:"workflowId"`
	ExecutionID string          `json:"executionId"`
	Status      string          `json:"status"`
	Data        json.RawMessage `json:"data,omitempty"`
	StartedAt   string          `json:"startedAt"`
}

type stats struct {
	Triggers    int64            `json:"triggers"`
	Callbacks   int64            `json:"callbacks"`
	PerWorkflow map[string]int64 `json:"per_workflow"`
	Since       string           `json:"since"`
}

var (
	mu          sync.Mutex
	nextID      int64
	executions  = map[string]*execution{}
	perWorkflow = map[string]int64{}
	triggers    int64
	callbacks   int64
	since       time.Time

	apiKey         string
	callbackURL    string
	callbackSecret string
	callbackDelay  time.Duration
	failWorkflows  = map[string]bool{}
)

func main() {
	since = time.Now().UTC()

	addr := ":5678"
	if v := os.Getenv("ADDR"); v != "" {
		addr = v
	}
	apiKey = os.Getenv("API_KEY")
	callbackURL = os.Getenv("CALLBACK_URL")
	callbackSecret = os.Getenv("CALLBACK_SECRET")
	callbackDelay = 2 * time.Second
	if v := os.Getenv("CALLBACK_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("invalid CALLBACK_DELAY: %v", err)
		}
		callbackDelay = d
	}
	for _, id := range strings.Split(os.Getenv("FAIL_WORKFLOWS"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			failWorkflows[id] = true
		}
	}

	http.HandleFunc("POST /workflows/{id}/execute", executeHandler)
	http.HandleFunc("GET /executions/{id}", executionHandler)
	http.HandleFunc("GET /stats", statsHandler)
	http.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	http.HandleFunc("POST /reset", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		executions = map[string]*execution{}
		perWorkflow = map[string]int64{}
		triggers = 0
		callbacks = 0
		since = time.Now().UTC()
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "reset")
	})

	log.Printf("fake-engine listening on %s (callbacks=%q delay=%s)", addr, callbackURL, callbackDelay)
	log.Fatal(http.ListenAndServe(addr, nil))
}

func authorized(r *http.Request) bool {
	return apiKey == "" || r.URL.Query().Get("apiKey") == apiKey
}

func executeHandler(w http.ResponseWriter, r *http.Request) {
	if !authorized(r) {
		http.Error(w, `{"message":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	workflowID := r.PathValue("id")
	if failWorkflows[workflowID] {
		http.Error(w, `{"message":"workflow failed to start"}`, http.StatusInternalServerError)
		return
	}

	var body struct {
		Data json.RawMessage `json:"data"`
	}
	raw, _ := io.ReadAll(r.Body)
	defer r.Body.Close()
	if err := json.Unmarshal(raw, &body); err != nil {
		http.Error(w, `{"message":"invalid body"}`, http.StatusBadRequest)
		return
	}

	mu.Lock()
	nextID++
	exec := &execution{
		WorkflowID:  workflowID,
		ExecutionID: strconv.FormatInt(nextID, 10),
		Status:      "running",
		StartedAt:   time.Now().UTC().Format(time.RFC3339Nano),
	}
	executions[exec.ExecutionID] = exec
	perWorkflow[workflowID]++
	triggers++
	id := nextID
	mu.Unlock()

	log.Printf("trigger #%d: workflow=%s data=%s", id, workflowID, string(body.Data))

	go finish(exec.ExecutionID, body.Data)

	w.Header().Set("Content-Type", "application/json")
	// Numeric ids, as some engines issue them.
	fmt.Fprintf(w, `{"executionId":%d}`, id)
}

// finish completes the execution after the callback delay and reports it.
func finish(executionID string, input json.RawMessage) {
	time.Sleep(callbackDelay)

	mu.Lock()
	exec := executions[executionID]
	if exec == nil {
		mu.Unlock()
		return
	}
	exec.Status = "success"
	exec.Data = json.RawMessage(fmt.Sprintf(`{"input":%s,"finishedAt":%q}`, orEmpty(input), time.Now().UTC().Format(time.RFC3339)))
	payload, _ := json.Marshal(exec)
	mu.Unlock()

	if callbackURL == "" {
		return
	}
	req, err := http.NewRequest(http.MethodPost, callbackURL, bytes.NewReader(payload))
	if err != nil {
		log.Printf("callback %s: %v", executionID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	if callbackSecret != "" {
		mac := hmac.New(sha256.New, []byte(callbackSecret))
		mac.Write(payload)
		req.Header.Set("X-Flowtick-Signature", hex.EncodeToString(mac.Sum(nil)))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		log.Printf("callback %s: %v", executionID, err)
		return
	}
	resp.Body.Close()

	mu.Lock()
	callbacks++
	mu.Unlock()
	log.Printf("callback %s: %s", executionID, resp.Status)
}

func orEmpty(raw json.RawMessage) string {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "{}"
	}
	return string(raw)
}

func executionHandler(w http.ResponseWriter, r *http.Request) {
	if !authorized(r) {
		http.Error(w, `{"message":"unauthorized"}`, http.StatusUnauthorized)
		return
	}
	mu.Lock()
	exec, ok := executions[r.PathValue("id")]
	var out []byte
	if ok {
		out, _ = json.Marshal(struct {
			Status string          `json:"status"`
			Data   json.RawMessage `json:"data,omitempty"`
		}{exec.Status, exec.Data})
	}
	mu.Unlock()

	if !ok {
		http.Error(w, `{"message":"execution not found"}`, http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(out)
}

func statsHandler(w http.ResponseWriter, _ *http.Request) {
	mu.Lock()
	s := stats{
		Triggers:    triggers,
		Callbacks:   callbacks,
		PerWorkflow: make(map[string]int64, len(perWorkflow)),
		Since:       since.Format(time.RFC3339),
	}
	for k, v := range perWorkflow {
		s.PerWorkflow[k] = v
	}
	mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s)
}
