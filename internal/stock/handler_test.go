package stock

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/platform/cache"
	"github.com/odyssey-erp/stockledger/internal/shared"
	_ "github.com/odyssey-erp/stockledger/testing"
)

type memoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]bool
}

func (m *memoryIdempotency) CheckAndInsert(_ context.Context, key, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.keys == nil {
		m.keys = make(map[string]bool)
	}
	if m.keys[key] {
		return shared.ErrIdempotencyConflict
	}
	m.keys[key] = true
	return nil
}

func (m *memoryIdempotency) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.keys, key)
	return nil
}

type recordingEnqueuer struct{ products []string }

func (e *recordingEnqueuer) EnqueueReconcile(_ context.Context, product string) error {
	e.products = append(e.products, product)
	return nil
}

func newTestRouter(t *testing.T, cfg ServiceConfig) (http.Handler, *Handler, *memoryRepo) {
	t.Helper()
	svc, repo := newTestService(cfg)
	reports := NewReports(svc, cache.NewCache(nil, time.Minute))
	h := NewHandler(nil, svc, reports, 72*time.Hour)
	r := chi.NewRouter()
	r.Route("/stock", h.MountRoutes)
	return r, h, repo
}

func doJSON(t *testing.T, router http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder, dest any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), dest))
}

func TestHandlerPurchaseAllocateDeliverFlow(t *testing.T) {
	router, _, repo := newTestRouter(t, ServiceConfig{})

	rr := doJSON(t, router, http.MethodPost, "/stock/", `{"product":"rice","unit":"kg","expiryDate":"2025-06-01T00:00:00Z","openingStock":"100"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = doJSON(t, router, http.MethodPost, "/stock/rice/purchases", `{"quantity":200,"reference":"PO-1"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var sum Summary
	decodeBody(t, rr, &sum)
	requireQty(t, 300, sum.ClosingStock, "closingStock")

	rr = doJSON(t, router, http.MethodPost, "/stock/rice/allocations", `{"allocations":[{"agentId":"A1","agentName":"Alice","quantity":"120"}]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var batch batchResponse
	decodeBody(t, rr, &batch)
	require.Equal(t, 1, batch.Succeeded)

	rr = doJSON(t, router, http.MethodPost, "/stock/rice/agents/A1/deliveries", `{"quantity":"50"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = doJSON(t, router, http.MethodPost, "/stock/rice/agents/A1/deliveries", `{"quantity":"999"}`)
	require.Equal(t, http.StatusConflict, rr.Code)
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))

	rr = doJSON(t, router, http.MethodGet, "/stock/rice/summary", "")
	require.Equal(t, http.StatusOK, rr.Code)
	decodeBody(t, rr, &sum)
	requireQty(t, 70, sum.StockInHand, "stockInHand")
	requireQty(t, 50, sum.StockDelivered, "stockDelivered")
	require.Len(t, repo.records["rice"].Movements, 4)
}

func TestHandlerErrorMapping(t *testing.T) {
	router, _, _ := newTestRouter(t, ServiceConfig{})
	rr := doJSON(t, router, http.MethodPost, "/stock/ghost/sales", `{"quantity":"1"}`)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/stock/rice/purchases", `{"quantity":"-1"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/stock/rice/purchases", `{"quantity":"1","colour":"red"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/stock/rice/purchases", `{"quantity":"1","unit":"tonne"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/stock/rice/purchases", `{"quantity":"5"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = doJSON(t, router, http.MethodPost, "/stock/rice/agents/nobody/deliveries", `{"quantity":"1"}`)
	require.Equal(t, http.StatusNotFound, rr.Code)

	rr = doJSON(t, router, http.MethodGet, "/stock/reports/expiring?within=soon", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlerAgentReturnAboveStockGivenIsConflict(t *testing.T) {
	router, _, _ := newTestRouter(t, ServiceConfig{})
	rr := doJSON(t, router, http.MethodPost, "/stock/rice/purchases", `{"quantity":"100"}`)
	require.Equal(t, http.StatusOK, rr.Code)
	rr = doJSON(t, router, http.MethodPost, "/stock/rice/allocations", `{"allocations":[{"agentId":"A1","agentName":"Alice","quantity":"10"}]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	rr = doJSON(t, router, http.MethodPost, "/stock/rice/agents/A1/sales-returns", `{"quantity":"5"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = doJSON(t, router, http.MethodPost, "/stock/rice/agents/A1/returns", `{"quantity":"15"}`)
	require.Equal(t, http.StatusConflict, rr.Code, rr.Body.String())
	require.Equal(t, "application/problem+json", rr.Header().Get("Content-Type"))

	rr = doJSON(t, router, http.MethodPost, "/stock/rice/purchases", `{"quantity":"1","unit":"kg"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlerBatchPartialFailure(t *testing.T) {
	router, _, _ := newTestRouter(t, ServiceConfig{AllocationCheck: AllocationCheckAvailable})
	rr := doJSON(t, router, http.MethodPost, "/stock/rice/purchases", `{"quantity":"100"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/stock/rice/allocations", `{"allocations":[
		{"agentId":"A1","agentName":"Alice","quantity":"80"},
		{"agentId":"A2","agentName":"Bob","quantity":"30"}]}`)
	require.Equal(t, http.StatusMultiStatus, rr.Code)
	var batch batchResponse
	decodeBody(t, rr, &batch)
	require.Equal(t, 1, batch.Succeeded)
	require.Equal(t, 1, batch.Failed)
	require.Equal(t, AllocationFailed, batch.Results[1].Status)
	require.Equal(t, "insufficient_stock", batch.Results[1].Code)
}

func TestHandlerPlanUsesAvailableStock(t *testing.T) {
	router, _, _ := newTestRouter(t, ServiceConfig{})
	rr := doJSON(t, router, http.MethodPost, "/stock/rice/purchases", `{"quantity":"90"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, router, http.MethodPost, "/stock/rice/allocations/plan", `{"strategy":"equal","agents":[{"agentId":"A1"},{"agentId":"A2"},{"agentId":"A3"},{"agentId":"A4"}]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var resp struct {
		Proposal struct {
			Lines []struct {
				AgentID  string `json:"agentId"`
				Quantity string `json:"quantity"`
			} `json:"lines"`
			Total string `json:"total"`
		} `json:"proposal"`
		Valid bool `json:"valid"`
	}
	decodeBody(t, rr, &resp)
	require.True(t, resp.Valid)
	require.Len(t, resp.Proposal.Lines, 4)
	require.Equal(t, "22", resp.Proposal.Lines[0].Quantity)
	require.Equal(t, "88", resp.Proposal.Total)

	rr = doJSON(t, router, http.MethodPost, "/stock/rice/allocations/plan", `{"strategy":"pattern","agents":[{"agentId":"A1"}]}`)
	require.Equal(t, http.StatusOK, rr.Code)
	decodeBody(t, rr, &resp)
	require.False(t, resp.Valid)

	rr = doJSON(t, router, http.MethodPost, "/stock/rice/allocations/plan", `{"strategy":"lottery","agents":[{"agentId":"A1"}]}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestHandlerIdempotencyKey(t *testing.T) {
	router, h, repo := newTestRouter(t, ServiceConfig{})
	h.SetIdempotencyStore(&memoryIdempotency{})

	rr := doJSON(t, router, http.MethodPost, "/stock/rice/purchases", `{"quantity":"10"}`, IdempotencyHeader, "abc")
	require.Equal(t, http.StatusOK, rr.Code)
	rr = doJSON(t, router, http.MethodPost, "/stock/rice/purchases", `{"quantity":"10"}`, IdempotencyHeader, "abc")
	require.Equal(t, http.StatusConflict, rr.Code)
	requireQty(t, 10, repo.records["rice"].TotalPurchases, "totalPurchases")

	// A failed request releases its key.
	rr = doJSON(t, router, http.MethodPost, "/stock/rice/sales", `{"quantity":"0"}`, IdempotencyHeader, "def")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	rr = doJSON(t, router, http.MethodPost, "/stock/rice/sales", `{"quantity":"4"}`, IdempotencyHeader, "def")
	require.Equal(t, http.StatusOK, rr.Code)
}

func TestHandlerReconcileAsync(t *testing.T) {
	router, h, _ := newTestRouter(t, ServiceConfig{})
	enq := &recordingEnqueuer{}
	h.SetEnqueuer(enq)

	rr := doJSON(t, router, http.MethodPost, "/stock/rice/reconcile?async=1", "")
	require.Equal(t, http.StatusAccepted, rr.Code)
	require.Equal(t, []string{"rice"}, enq.products)

	rr = doJSON(t, router, http.MethodPost, "/stock/rice/reconcile", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHandlerSettingsAndListing(t *testing.T) {
	router, _, _ := newTestRouter(t, ServiceConfig{})
	rr := doJSON(t, router, http.MethodPost, "/stock/milk/purchases", `{"quantity":"3","unit":"packets"}`)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = doJSON(t, router, http.MethodPatch, "/stock/milk/settings", `{"minimumStock":"5"}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var sum Summary
	decodeBody(t, rr, &sum)
	require.True(t, sum.IsLowStock)

	rr = doJSON(t, router, http.MethodGet, "/stock/reports/alerts", "")
	require.Equal(t, http.StatusOK, rr.Code)
	var alerts Alerts
	decodeBody(t, rr, &alerts)
	require.Len(t, alerts.LowStock, 1)
	require.Empty(t, alerts.Expiring)
	require.Equal(t, "72h0m0s", alerts.Within)

	rr = doJSON(t, router, http.MethodGet, "/stock/?perPage=5", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, strings.Contains(rr.Body.String(), `"product":"milk"`))

	rr = doJSON(t, router, http.MethodGet, "/stock/milk/movements", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.True(t, strings.Contains(rr.Body.String(), `"type":"purchase"`))
}
