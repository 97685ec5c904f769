package stock

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/allocation"
	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// IdempotencyHeader carries the client supplied request key.
const IdempotencyHeader = "Idempotency-Key"

// IdempotencyPort guards mutating requests against resubmission.
type IdempotencyPort interface {
	CheckAndInsert(ctx context.Context, key, module string) error
	Delete(ctx context.Context, key string) error
}

// ReconcileEnqueuer schedules background reconciliation.
type ReconcileEnqueuer interface {
	EnqueueReconcile(ctx context.Context, product string) error
}

// Handler wires HTTP endpoints for the stock ledger.
type Handler struct {
	logger      *slog.Logger
	service     *Service
	reports     *Reports
	idempotency IdempotencyPort
	enqueuer    ReconcileEnqueuer
	alertWindow time.Duration
	validate    *validator.Validate
}

// NewHandler constructs the stock handler.
func NewHandler(logger *slog.Logger, service *Service, reports *Reports, alertWindow time.Duration) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if alertWindow <= 0 {
		alertWindow = 72 * time.Hour
	}
	return &Handler{logger: logger, service: service, reports: reports, alertWindow: alertWindow, validate: validator.New()}
}

// SetIdempotencyStore enables Idempotency-Key handling.
func (h *Handler) SetIdempotencyStore(store IdempotencyPort) { h.idempotency = store }

// SetEnqueuer enables asynchronous reconciliation.
func (h *Handler) SetEnqueuer(enqueuer ReconcileEnqueuer) { h.enqueuer = enqueuer }

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.handleList)
	r.Post("/", h.idempotent(h.handleCreate))
	r.Route("/reports", func(r chi.Router) {
		r.Get("/low-stock", h.handleLowStock)
		r.Get("/expiring", h.handleExpiring)
		r.Get("/alerts", h.handleAlerts)
	})
	r.Route("/{product}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Get("/summary", h.handleSummary)
		r.Get("/movements", h.handleMovements)
		r.Patch("/settings", h.handleSettings)
		r.Post("/purchases", h.idempotent(h.handlePurchase))
		r.Post("/sales", h.idempotent(h.handleSale))
		r.Post("/purchase-returns", h.idempotent(h.handlePurchaseReturn))
		r.Post("/sale-returns", h.idempotent(h.handleSaleReturn))
		r.Post("/adjustments", h.idempotent(h.handleAdjustment))
		r.Post("/allocations", h.idempotent(h.handleAllocateBatch))
		r.Post("/allocations/plan", h.handlePlan)
		r.Post("/reconcile", h.handleReconcile)
		r.Route("/agents/{agentID}", func(r chi.Router) {
			r.Post("/deliveries", h.idempotent(h.handleDelivery))
			r.Post("/sales-returns", h.idempotent(h.handleSalesReturn))
			r.Post("/returns", h.idempotent(h.handleAgentReturn))
		})
	})
}

type quantityRequest struct {
	Quantity       decimal.Decimal `json:"quantity"`
	Unit           string          `json:"unit" validate:"omitempty,oneof=packets packs kg"`
	Reference      string          `json:"reference" validate:"max=256"`
	ReferenceID    string          `json:"referenceId" validate:"max=128"`
	ReferenceModel string          `json:"referenceModel" validate:"max=64"`
	Notes          string          `json:"notes" validate:"max=1024"`
}

func (q quantityRequest) entry() Entry {
	return Entry{Reference: q.Reference, ReferenceID: q.ReferenceID, ReferenceModel: q.ReferenceModel, Notes: q.Notes}
}

type createRequest struct {
	Product      string          `json:"product" validate:"required,max=128"`
	Unit         string          `json:"unit" validate:"required,oneof=packets packs kg"`
	ExpiryDate   time.Time       `json:"expiryDate"`
	OpeningStock decimal.Decimal `json:"openingStock"`
	MinimumStock decimal.Decimal `json:"minimumStock"`
}

type settingsRequest struct {
	MinimumStock *decimal.Decimal `json:"minimumStock"`
	ExpiryDate   *time.Time       `json:"expiryDate"`
	IsActive     *bool            `json:"isActive"`
}

type batchRequest struct {
	Allocations []AllocationItem `json:"allocations" validate:"required,min=1,max=200,dive"`
	Reference   string           `json:"reference" validate:"max=256"`
	Notes       string           `json:"notes" validate:"max=1024"`
}

type planRequest struct {
	Strategy string             `json:"strategy" validate:"required,oneof=equal pattern proportional"`
	Agents   []allocation.Agent `json:"agents" validate:"required,min=1,max=200"`
	Places   int32              `json:"places" validate:"min=0,max=4"`
}

type batchResponse struct {
	Product   string             `json:"product"`
	Results   []AllocationResult `json:"results"`
	Succeeded int                `json:"succeeded"`
	Failed    int                `json:"failed"`
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("perPage"))
	includeInactive, _ := strconv.ParseBool(q.Get("includeInactive"))
	items, p, err := h.service.List(r.Context(), includeInactive, page, perPage)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items, "pagination": p})
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.service.CreateStock(r.Context(), CreateInput{
		Product:      req.Product,
		Unit:         req.Unit,
		ExpiryDate:   req.ExpiryDate,
		OpeningStock: req.OpeningStock,
		MinimumStock: req.MinimumStock,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, rec)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.Get(r.Context(), chi.URLParam(r, "product"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.service.Summary(r.Context(), chi.URLParam(r, "product"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, sum)
}

func (h *Handler) handleMovements(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("perPage"))
	items, p, err := h.service.Movements(r.Context(), chi.URLParam(r, "product"), page, perPage)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": items, "pagination": p})
}

func (h *Handler) handleSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := h.service.UpdateSettings(r.Context(), chi.URLParam(r, "product"), SettingsInput{
		MinimumStock: req.MinimumStock,
		ExpiryDate:   req.ExpiryDate,
		IsActive:     req.IsActive,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec.Summarize(h.service.clock()))
}

func (h *Handler) handlePurchase(w http.ResponseWriter, r *http.Request) {
	h.quantityMutation(w, r, func(ctx context.Context, product string, req quantityRequest) (Record, error) {
		return h.service.RecordPurchase(ctx, product, req.Quantity, req.Unit, req.entry())
	})
}

func (h *Handler) handleSale(w http.ResponseWriter, r *http.Request) {
	h.quantityMutation(w, r, func(ctx context.Context, product string, req quantityRequest) (Record, error) {
		return h.service.RecordSale(ctx, product, req.Quantity, req.entry())
	})
}

func (h *Handler) handlePurchaseReturn(w http.ResponseWriter, r *http.Request) {
	h.quantityMutation(w, r, func(ctx context.Context, product string, req quantityRequest) (Record, error) {
		return h.service.ApplyPurchaseReturn(ctx, product, req.Quantity, req.entry())
	})
}

func (h *Handler) handleSaleReturn(w http.ResponseWriter, r *http.Request) {
	h.quantityMutation(w, r, func(ctx context.Context, product string, req quantityRequest) (Record, error) {
		return h.service.ApplySaleReturn(ctx, product, req.Quantity, req.entry())
	})
}

func (h *Handler) handleAdjustment(w http.ResponseWriter, r *http.Request) {
	h.quantityMutation(w, r, func(ctx context.Context, product string, req quantityRequest) (Record, error) {
		return h.service.AdjustOpeningStock(ctx, product, req.Quantity, req.entry())
	})
}

func (h *Handler) handleDelivery(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	h.quantityMutation(w, r, func(ctx context.Context, product string, req quantityRequest) (Record, error) {
		return h.service.UpdateAgentDelivery(ctx, product, agentID, req.Quantity, req.entry())
	})
}

func (h *Handler) handleSalesReturn(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	h.quantityMutation(w, r, func(ctx context.Context, product string, req quantityRequest) (Record, error) {
		return h.service.HandleSalesReturn(ctx, product, agentID, req.Quantity, req.entry())
	})
}

func (h *Handler) handleAgentReturn(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	h.quantityMutation(w, r, func(ctx context.Context, product string, req quantityRequest) (Record, error) {
		return h.service.ReturnFromAgent(ctx, product, agentID, req.Quantity, req.entry())
	})
}

func (h *Handler) quantityMutation(w http.ResponseWriter, r *http.Request, fn func(context.Context, string, quantityRequest) (Record, error)) {
	var req quantityRequest
	if !h.decode(w, r, &req) {
		return
	}
	rec, err := fn(r.Context(), chi.URLParam(r, "product"), req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, rec.Summarize(h.service.clock()))
}

func (h *Handler) handleAllocateBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !h.decode(w, r, &req) {
		return
	}
	product := chi.URLParam(r, "product")
	results, err := h.service.AllocateBatch(r.Context(), product, req.Allocations, Entry{Reference: req.Reference, Notes: req.Notes})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	resp := batchResponse{Product: product, Results: results}
	for _, res := range results {
		if res.Status == AllocationSucceeded {
			resp.Succeeded++
		} else {
			resp.Failed++
		}
	}
	status := http.StatusOK
	if resp.Succeeded > 0 && resp.Failed > 0 {
		status = http.StatusMultiStatus
	}
	httpx.JSON(w, status, resp)
}

func (h *Handler) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if !h.decode(w, r, &req) {
		return
	}
	strategy, err := allocation.ParseStrategy(req.Strategy)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	rec, err := h.service.Get(r.Context(), chi.URLParam(r, "product"))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	proposal, err := allocation.Plan(strategy, rec.StockAvailable, req.Agents, allocation.Options{Places: req.Places})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	resp := map[string]any{"proposal": proposal, "valid": true}
	if err := allocation.Validate(proposal.Lines, rec.StockAvailable); err != nil {
		resp["valid"] = false
		resp["reason"] = err.Error()
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	product := chi.URLParam(r, "product")
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async && h.enqueuer != nil {
		key, err := NormalizeProduct(product)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		if err := h.enqueuer.EnqueueReconcile(r.Context(), key); err != nil {
			h.respondError(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusAccepted, map[string]any{"product": key, "queued": true})
		return
	}
	drifts, err := h.service.ReconcileInHand(r.Context(), product, Entry{Reference: "reconcile"})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if drifts == nil {
		drifts = []InHandDrift{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"product": product, "repaired": drifts})
}

func (h *Handler) handleLowStock(w http.ResponseWriter, r *http.Request) {
	rows, err := h.reports.LowStock(r.Context())
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": rows})
}

func (h *Handler) handleExpiring(w http.ResponseWriter, r *http.Request) {
	within, ok := h.window(w, r)
	if !ok {
		return
	}
	rows, err := h.reports.Expiring(r.Context(), within)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"items": rows, "within": within.String()})
}

func (h *Handler) handleAlerts(w http.ResponseWriter, r *http.Request) {
	within, ok := h.window(w, r)
	if !ok {
		return
	}
	alerts, err := h.reports.Alerts(r.Context(), within)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, alerts)
}

func (h *Handler) window(w http.ResponseWriter, r *http.Request) (time.Duration, bool) {
	raw := r.URL.Query().Get("within")
	if raw == "" {
		return h.alertWindow, true
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "within must be a non-negative duration such as 72h")
		return 0, false
	}
	return d, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dest any) bool {
	if err := httpx.DecodeJSON(r, dest); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validate.Struct(dest); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+" "+fe.Tag())
			}
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", strings.Join(fields, "; "))
			return false
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

// idempotent rejects a replayed Idempotency-Key and releases the key when the
// wrapped handler fails so the client can retry.
func (h *Handler) idempotent(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimSpace(r.Header.Get(IdempotencyHeader))
		if key == "" || h.idempotency == nil {
			next(w, r)
			return
		}
		scoped := "stock:" + r.Method + ":" + r.URL.Path + ":" + key
		if err := h.idempotency.CheckAndInsert(r.Context(), scoped, "stock"); err != nil {
			if errors.Is(err, shared.ErrIdempotencyConflict) {
				httpx.Problem(w, http.StatusConflict, "Duplicate Request", "request with this Idempotency-Key was already processed")
				return
			}
			h.respondError(w, r, err)
			return
		}
		rec := &statusCapture{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		if rec.status >= http.StatusBadRequest {
			if err := h.idempotency.Delete(context.WithoutCancel(r.Context()), scoped); err != nil {
				h.logger.Warn("release idempotency key", slog.String("key", scoped), slog.Any("error", err))
			}
		}
	}
}

type statusCapture struct {
	http.ResponseWriter
	status int
}

func (c *statusCapture) WriteHeader(status int) {
	c.status = status
	c.ResponseWriter.WriteHeader(status)
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := ErrorCode(err)
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, allocation.ErrInvalidStrategy), errors.Is(err, allocation.ErrNoAgents):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrAgentNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrInsufficientInHand),
		errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrInactive), errors.Is(err, ErrVersionConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, shared.ErrLockNotObtained):
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "stock record is busy, retry shortly")
	case errors.Is(err, context.DeadlineExceeded):
		httpx.Problem(w, http.StatusGatewayTimeout, "Timeout", "")
	default:
		h.logger.Error("stock request failed", slog.String("path", r.URL.Path), slog.String("code", code), slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}
