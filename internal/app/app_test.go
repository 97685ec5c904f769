package app

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/observability"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/internal/stock"
	_ "github.com/odyssey-erp/stockledger/testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	sc := cfg.StockConfig()
	require.Equal(t, stock.AllocationCheckClosing, sc.AllocationCheck)
	require.Equal(t, 3, sc.ConflictRetries)
	require.False(t, cfg.IsProduction())
}

func TestLoadConfigRejectsUnknownAllocationMode(t *testing.T) {
	t.Setenv("STOCK_ALLOCATION_CHECK", "generous")
	_, err := LoadConfig()
	require.Error(t, err)

	t.Setenv("STOCK_ALLOCATION_CHECK", "available")
	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, stock.AllocationCheckAvailable, cfg.StockConfig().AllocationCheck)
}

func TestActorMiddleware(t *testing.T) {
	var seen string
	h := ActorMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = shared.ActorFromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(ActorHeader, "  clerk-9 ")
	h.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, "clerk-9", seen)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, "", seen)
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestRouterHealthAndMetrics(t *testing.T) {
	healthy := true
	router := NewRouter(RouterParams{
		Config:  &Config{AppRequestTimeout: 0, StockAllocationCheck: "closing"},
		Metrics: observability.NewMetrics(),
		Health: map[string]Pinger{"postgres": pingFunc(func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("down")
		})},
	})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Equal(t, "nosniff", rr.Header().Get("X-Content-Type-Options"))

	healthy = false
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.Contains(t, rr.Body.String(), "postgres")

	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), "stockledger_http_requests_total")
}

func TestTestModeFlag(t *testing.T) {
	require.True(t, InTestMode())

	t.Setenv(testModeEnv, "0")
	RefreshTestMode()
	require.False(t, InTestMode())

	t.Setenv(testModeEnv, "1")
	RefreshTestMode()
	require.True(t, InTestMode())
}
