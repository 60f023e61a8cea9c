// Package health serves liveness and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds a single dependency probe.
const checkTimeout = 2 * time.Second

// Check probes one dependency.
type Check func(ctx context.Context) error

// Handler serves /health/live and /health/ready.
type Handler struct {
	checks map[string]Check
}

// NewHandler creates a health handler with the given readiness checks.
func NewHandler(checks map[string]Check) *Handler {
	return &Handler{checks: checks}
}

// status is the JSON health response.
type status struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Live reports process liveness. It never consults dependencies: a gateway
// with a flapping store should be restarted by its limiter policy, not its
// orchestrator.
func (h *Handler) Live(w http.ResponseWriter, _ *http.Request) {
	writeStatus(w, http.StatusOK, status{Status: "ok"})
}

// Ready reports whether the gateway can serve traffic. All registered
// checks must pass.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	result := status{Status: "ok", Checks: make(map[string]string, len(h.checks))}
	code := http.StatusOK

	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			result.Checks[name] = err.Error()
			result.Status = "degraded"
			code = http.StatusServiceUnavailable
		} else {
			result.Checks[name] = "ok"
		}
	}

	writeStatus(w, code, result)
}

func writeStatus(w http.ResponseWriter, code int, s status) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(s)
}
