package handlers

import (
	"context"
	"net/http"
	"time"

	pkghttp "github.com/BradenHooton/sentinel/pkg/http"
)

// HealthCheck pings one dependency
type HealthCheck func(ctx context.Context) error

// HealthHandler reports the state of the backing stores
type HealthHandler struct {
	checks map[string]HealthCheck
}

// NewHealthHandler creates a HealthHandler over named checks, e.g. "database" and "redis"
func NewHealthHandler(checks map[string]HealthCheck) *HealthHandler {
	return &HealthHandler{checks: checks}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := map[string]string{"status": "healthy"}
	status := http.StatusOK
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			resp[name] = "down"
			resp["status"] = "unhealthy"
			status = http.StatusServiceUnavailable
			continue
		}
		resp[name] = "up"
	}

	pkghttp.WriteJSON(w, status, resp)
}
