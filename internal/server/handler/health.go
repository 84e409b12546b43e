package handler

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"time"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ChainLister reports the chains currently loaded in the pool registry.
type ChainLister interface {
	Chains() []string
}

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	redis  Pinger
	chains ChainLister
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler. Either dependency may be nil.
func NewHealthHandler(redis Pinger, chains ChainLister, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{redis: redis, chains: chains, logger: logger}
}

// HealthCheck reports liveness, Redis reachability and the loaded chains.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}

	if h.redis != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.redis.Ping(ctx); err != nil {
			h.logger.WarnContext(r.Context(), "handler: health redis ping failed",
				slog.String("error", err.Error()),
			)
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["redis"] = err.Error()
		} else {
			body["redis"] = "ok"
		}
	}

	if h.chains != nil {
		chains := h.chains.Chains()
		sort.Strings(chains)
		body["chains"] = chains
	}

	writeJSON(w, status, body)
}
