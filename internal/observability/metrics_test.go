package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsHandlerExposesJobMetrics(t *testing.T) {
	metrics := NewMetrics()
	jobs := jobmetrics.NewMetrics(metrics.Registerer())
	_ = jobs.Track("stock:reconcile").End(nil)

	body := scrape(t, metrics)
	if !strings.Contains(body, "stockledger_jobs_total") {
		t.Fatalf("expected body to contain stockledger_jobs_total, got: %s", body)
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/test")

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	body := scrape(t, metrics)
	if !strings.Contains(body, "http_requests_total{code=\"418\",route=\"/test\"} 1") {
		t.Fatalf("expected metrics to record request, got: %s", body)
	}
	if !strings.Contains(body, "http_request_duration_seconds_bucket{route=\"/test\"") {
		t.Fatalf("expected duration histogram to be present, got: %s", body)
	}
}

func TestObserveStockMutation(t *testing.T) {
	metrics := NewMetrics()
	metrics.ObserveStockMutation("allocate", "success")
	metrics.ObserveStockMutation("allocate", "success")
	metrics.ObserveStockMutation("allocate", "insufficient_stock")

	body := scrape(t, metrics)
	if !strings.Contains(body, `stockledger_stock_mutations_total{operation="allocate",outcome="success"} 2`) {
		t.Fatalf("expected success count, got: %s", body)
	}
	if !strings.Contains(body, `stockledger_stock_mutations_total{operation="allocate",outcome="insufficient_stock"} 1`) {
		t.Fatalf("expected failure count, got: %s", body)
	}

	var nilMetrics *Metrics
	nilMetrics.ObserveStockMutation("allocate", "success")
}
