package routes

import (
	"net/http"

	"github.com/opyter/cromqc/internal/api/handlers"
	"github.com/opyter/cromqc/internal/api/middleware"
)

// Router holds the ops endpoints of a driver
type Router struct {
	mux    *http.ServeMux
	health *handlers.HealthHandler
}

// NewRouter creates a new router
func NewRouter(health *handlers.HealthHandler) *Router {
	return &Router{
		mux:    http.NewServeMux(),
		health: health,
	}
}

// SetupRoutes registers the ops endpoints and wraps them in middleware
func (r *Router) SetupRoutes() http.Handler {
	r.mux.HandleFunc("GET /healthz", r.health.Live)
	r.mux.HandleFunc("GET /readyz", r.health.Ready)
	r.mux.HandleFunc("GET /stats", r.health.Stats)

	var handler http.Handler = r.mux
	handler = middleware.ObservabilityMiddleware(handler)
	handler = middleware.LoggingMiddleware(handler)
	return handler
}
