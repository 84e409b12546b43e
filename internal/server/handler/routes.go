package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/routecache/internal/domain"
)

// RouteService defines the methods that the route handler requires from the
// service layer.
type RouteService interface {
	GetRoutes(ctx context.Context, chain, inputID, outputID string, maxHops int) ([]domain.Route, error)
}

// RouteHandler serves route queries.
type RouteHandler struct {
	routes  RouteService
	maxHops int
	logger  *slog.Logger
}

// NewRouteHandler creates a RouteHandler. maxHops is the hop ceiling: it is
// used when a request omits max_hops and caps larger requests.
func NewRouteHandler(routes RouteService, maxHops int, logger *slog.Logger) *RouteHandler {
	return &RouteHandler{
		routes:  routes,
		maxHops: maxHops,
		logger:  logger,
	}
}

type poolView struct {
	ID     string `json:"id"`
	TokenA string `json:"token_a"`
	TokenB string `json:"token_b"`
	Fee    uint32 `json:"fee"`
}

type routeView struct {
	Input  domain.Token `json:"input"`
	Output domain.Token `json:"output"`
	Hops   int          `json:"hops"`
	Pools  []poolView   `json:"pools"`
}

type routesResponse struct {
	Chain   string      `json:"chain"`
	Input   string      `json:"input"`
	Output  string      `json:"output"`
	MaxHops int         `json:"max_hops"`
	Routes  []routeView `json:"routes"`
}

// GetRoutes returns the candidate routes between two tokens.
// GET /api/routes?chain=1&in=0x...&out=0x...&max_hops=2
func (h *RouteHandler) GetRoutes(w http.ResponseWriter, r *http.Request) {
	chain := queryString(r, "chain")
	in := queryString(r, "in")
	out := queryString(r, "out")
	if chain == "" || in == "" || out == "" {
		writeError(w, http.StatusBadRequest, "chain, in and out are required")
		return
	}
	maxHops, ok := queryInt(r, "max_hops", h.maxHops)
	if !ok {
		writeError(w, http.StatusBadRequest, "max_hops must be an integer")
		return
	}
	maxHops = h.clampHops(maxHops)

	routes, err := h.routes.GetRoutes(r.Context(), chain, in, out, maxHops)
	if err != nil {
		status, msg := routeErrorStatus(err)
		if status >= http.StatusInternalServerError {
			h.logger.ErrorContext(r.Context(), "handler: get routes failed",
				slog.String("chain", chain),
				slog.String("in", in),
				slog.String("out", out),
				slog.String("error", err.Error()),
			)
		}
		writeError(w, status, msg)
		return
	}

	resp := routesResponse{
		Chain:   chain,
		Input:   domain.NormalizeID(in),
		Output:  domain.NormalizeID(out),
		MaxHops: maxHops,
		Routes:  make([]routeView, 0, len(routes)),
	}
	for _, rt := range routes {
		view := routeView{
			Input:  rt.Input,
			Output: rt.Output,
			Hops:   rt.Hops(),
			Pools:  make([]poolView, 0, len(rt.Pools)),
		}
		for _, p := range rt.Pools {
			view.Pools = append(view.Pools, poolView{
				ID:     p.ID,
				TokenA: p.TokenA.ID,
				TokenB: p.TokenB.ID,
				Fee:    p.Fee,
			})
		}
		resp.Routes = append(resp.Routes, view)
	}
	writeJSON(w, http.StatusOK, resp)
}

// clampHops mirrors the service so the response reports the hop limit that
// was actually searched.
func (h *RouteHandler) clampHops(n int) int {
	if n < 1 {
		return 1
	}
	if h.maxHops > 0 && n > h.maxHops {
		return h.maxHops
	}
	return n
}

func routeErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrInvalidTokenPair):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrNoRouteFound):
		return http.StatusNotFound, "no route found"
	case errors.Is(err, domain.ErrBootstrap):
		return http.StatusServiceUnavailable, "pool registry unavailable"
	case errors.Is(err, domain.ErrComputeFailure):
		return http.StatusServiceUnavailable, "route computation failed"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}
