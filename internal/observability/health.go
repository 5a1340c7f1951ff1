package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Build-time variables injected via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// HealthResponse is the JSON response for the liveness endpoint.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// ReadinessResponse is the JSON response for the readiness endpoint.
type ReadinessResponse struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks"`
}

// CheckResult is the result of a single readiness check.
type CheckResult struct {
	Status    string `json:"status"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// HealthChecker can verify its own health.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckFunc adapts a ping function to HealthChecker.
type CheckFunc func(ctx context.Context) error

// HealthCheck calls f.
func (f CheckFunc) HealthCheck(ctx context.Context) error {
	return f(ctx)
}

// ReadinessChecks lists what /ready verifies. DefinitionsLoaded is always
// consulted; nil checkers are skipped.
type ReadinessChecks struct {
	DefinitionsLoaded func() bool

	Store       HealthChecker
	Lock        HealthChecker
	Idempotency HealthChecker
}

func (c ReadinessChecks) checkers() map[string]HealthChecker {
	out := make(map[string]HealthChecker, 3)
	for name, checker := range map[string]HealthChecker{
		"store":       c.Store,
		"lock":        c.Lock,
		"idempotency": c.Idempotency,
	} {
		if checker != nil {
			out[name] = checker
		}
	}
	return out
}

const checkTimeout = 2 * time.Second

// HandleHealth reports liveness and the build.
func HandleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeHealthJSON(w, http.StatusOK, HealthResponse{
			Status:  "ok",
			Version: Version,
			Commit:  Commit,
		})
	}
}

// HandleReady runs the dependency checks concurrently and answers 503 unless
// every one passes.
func HandleReady(checks ReadinessChecks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		results := map[string]CheckResult{"definitions": definitionsCheck(checks.DefinitionsLoaded)}
		var mu sync.Mutex
		var g errgroup.Group
		for name, checker := range checks.checkers() {
			g.Go(func() error {
				result := runCheck(r.Context(), checker)
				mu.Lock()
				results[name] = result
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		resp := ReadinessResponse{Status: "ready", Checks: results}
		status := http.StatusOK
		for _, result := range results {
			if result.Status != "ok" {
				resp.Status = "not_ready"
				status = http.StatusServiceUnavailable
				break
			}
		}
		writeHealthJSON(w, status, resp)
	}
}

func definitionsCheck(loaded func() bool) CheckResult {
	if loaded != nil && loaded() {
		return CheckResult{Status: "ok"}
	}
	return CheckResult{Status: "error", Error: "no definitions loaded"}
}

// runCheck executes a health check with a per-check timeout.
func runCheck(parent context.Context, checker HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(parent, checkTimeout)
	defer cancel()

	start := time.Now()
	err := checker.HealthCheck(ctx)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		return CheckResult{Status: "error", LatencyMs: latency, Error: err.Error()}
	}
	return CheckResult{Status: "ok", LatencyMs: latency}
}

func writeHealthJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
