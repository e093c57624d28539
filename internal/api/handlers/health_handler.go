package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"
)

// Check reports the health of one dependency of a driver
type Check func(ctx context.Context) error

// HealthHandler serves liveness, readiness and counters of a running driver
type HealthHandler struct {
	checks  map[string]Check
	stats   func() interface{}
	timeout time.Duration
}

// NewHealthHandler creates a handler; stats may be nil
func NewHealthHandler(checks map[string]Check, stats func() interface{}) *HealthHandler {
	return &HealthHandler{checks: checks, stats: stats, timeout: 2 * time.Second}
}

// Live handles GET /healthz
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready handles GET /readyz. Every check must pass within the timeout.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := http.StatusOK
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			status = http.StatusServiceUnavailable
			results[name] = err.Error()
			continue
		}
		results[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "unavailable"
	}
	respondWithJSON(w, status, map[string]interface{}{"status": overall, "checks": results})
}

// Stats handles GET /stats
func (h *HealthHandler) Stats(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		respondWithError(w, http.StatusNotFound, "no counters for this driver")
		return
	}
	respondWithJSON(w, http.StatusOK, h.stats())
}

func respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, map[string]string{
		"error": message,
	})
}
