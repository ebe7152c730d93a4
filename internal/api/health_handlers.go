package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/onnwee/feedrank/internal/health"
)

// HealthHandlers provides liveness and readiness endpoints.
type HealthHandlers struct {
	// Both checkers are optional; an unconfigured dependency is reported
	// as not in use rather than unhealthy.
	dbChecker    health.Checker
	redisChecker health.Checker
	timeout      time.Duration
}

// HealthHandlersConfig configures the health check handlers.
type HealthHandlersConfig struct {
	DBChecker    health.Checker
	RedisChecker health.Checker
	// Timeout bounds all readiness checks together. Defaults to 5s.
	Timeout time.Duration
}

// NewHealthHandlers creates a new health check handler.
func NewHealthHandlers(config HealthHandlersConfig) *HealthHandlers {
	if config.Timeout <= 0 {
		config.Timeout = 5 * time.Second
	}
	return &HealthHandlers{
		dbChecker:    config.DBChecker,
		redisChecker: config.RedisChecker,
		timeout:      config.Timeout,
	}
}

// Check results reported per dependency.
const (
	checkOK       = "ok"
	checkError    = "error"
	checkDisabled = "disabled"
)

// HealthResponse represents the JSON response for health checks.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Health handles GET /health (liveness probe).
// Returns 200 whenever the process can serve requests.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	writeJSON(w, r, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Checks:    map[string]string{"runtime": checkOK},
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready (readiness probe).
// Returns 503 if the data store or Redis is configured but unreachable.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	checks := map[string]string{
		"database": runCheck(ctx, "database", h.dbChecker),
		"redis":    runCheck(ctx, "redis", h.redisChecker),
	}

	status, code := "healthy", http.StatusOK
	for _, result := range checks {
		if result == checkError {
			status, code = "unhealthy", http.StatusServiceUnavailable
			break
		}
	}

	writeJSON(w, r, code, HealthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func runCheck(ctx context.Context, name string, c health.Checker) string {
	if c == nil {
		return checkDisabled
	}
	if err := c.HealthCheck(ctx); err != nil {
		slog.WarnContext(ctx, "health check failed", "dependency", name, "error", err)
		return checkError
	}
	return checkOK
}
