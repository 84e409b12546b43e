package server

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/alanyoungcy/routecache/internal/domain"
	"github.com/alanyoungcy/routecache/internal/server/handler"
)

type noRoutes struct{}

func (noRoutes) GetRoutes(ctx context.Context, chain, in, out string, maxHops int) ([]domain.Route, error) {
	return nil, domain.ErrNoRouteFound
}

type denyAll struct{}

func (denyAll) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	return false, nil
}

func newTestServer(limiter domain.RateLimiter, rateLimit int) *Server {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(
		Config{Port: 0, RateLimit: rateLimit, RateWindow: time.Second},
		Handlers{
			Health: handler.NewHealthHandler(nil, nil, logger),
			Routes: handler.NewRouteHandler(noRoutes{}, 3, logger),
			Metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, "# metrics\n")
			}),
		},
		limiter,
		logger,
	)
}

func serve(s *Server, method, target string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(method, target, nil))
	return rec
}

func TestServerRoutes(t *testing.T) {
	s := newTestServer(nil, 0)

	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/api/health").Code)
	assert.Equal(t, http.StatusNotFound, serve(s, http.MethodGet, "/api/routes?chain=1&in=a&out=b").Code)
	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/metrics").Code)
	assert.Equal(t, http.StatusMethodNotAllowed, serve(s, http.MethodPost, "/api/routes").Code)
	assert.Equal(t, http.StatusNotFound, serve(s, http.MethodGet, "/api/unknown").Code)
}

func TestServerRateLimitsRoutesOnly(t *testing.T) {
	s := newTestServer(denyAll{}, 5)

	assert.Equal(t, http.StatusTooManyRequests, serve(s, http.MethodGet, "/api/routes?chain=1&in=a&out=b").Code)
	assert.Equal(t, http.StatusOK, serve(s, http.MethodGet, "/api/health").Code)
}

func TestServerShutdownBeforeStart(t *testing.T) {
	s := newTestServer(nil, 0)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, s.Shutdown(ctx))
}
