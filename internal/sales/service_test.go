package sales

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/internal/stock"
)

type memoryRepo struct {
	rows   map[int64]Sale
	nextID int64
}

type memoryTx struct{ repo *memoryRepo }

func newMemoryRepo() *memoryRepo { return &memoryRepo{rows: make(map[int64]Sale)} }

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) GetSale(_ context.Context, id int64) (Sale, error) {
	s, ok := r.rows[id]
	if !ok {
		return Sale{}, ErrNotFound
	}
	return s, nil
}

func (r *memoryRepo) ListSales(_ context.Context, req ListSalesRequest) ([]Sale, int, error) {
	var out []Sale
	for id := r.nextID; id > 0; id-- {
		s, ok := r.rows[id]
		if !ok {
			continue
		}
		if req.Customer != "" && s.Customer != req.Customer {
			continue
		}
		if req.Product != "" && s.Product != req.Product {
			continue
		}
		out = append(out, s)
	}
	return out, len(out), nil
}

func (r *memoryRepo) SetStockSynced(_ context.Context, id int64, synced bool) error {
	s := r.rows[id]
	s.StockSynced = synced
	r.rows[id] = s
	return nil
}

func (tx *memoryTx) CreateSale(_ context.Context, sale Sale) (int64, error) {
	for _, existing := range tx.repo.rows {
		if existing.InvoiceNo == sale.InvoiceNo {
			return 0, ErrDuplicateInvoice
		}
	}
	tx.repo.nextID++
	sale.ID = tx.repo.nextID
	tx.repo.rows[sale.ID] = sale
	return sale.ID, nil
}

func (tx *memoryTx) GetSaleForUpdate(ctx context.Context, id int64) (Sale, error) {
	return tx.repo.GetSale(ctx, id)
}

func (tx *memoryTx) UpdateSaleStatus(_ context.Context, id int64, status Status, at time.Time) error {
	s, ok := tx.repo.rows[id]
	if !ok {
		return ErrNotFound
	}
	s.Status = status
	s.UpdatedAt = at
	tx.repo.rows[id] = s
	return nil
}

type fakeStock struct {
	err     error
	sales   []stock.Entry
	returns []decimal.Decimal
}

func (f *fakeStock) RecordSale(_ context.Context, product string, qty decimal.Decimal, ref stock.Entry) (stock.Record, error) {
	if f.err != nil {
		return stock.Record{}, f.err
	}
	f.sales = append(f.sales, ref)
	return stock.Record{Product: product, TotalSales: qty}, nil
}

func (f *fakeStock) ApplySaleReturn(_ context.Context, product string, qty decimal.Decimal, ref stock.Entry) (stock.Record, error) {
	if f.err != nil {
		return stock.Record{}, f.err
	}
	f.returns = append(f.returns, qty)
	return stock.Record{Product: product}, nil
}

func newTestService(st StockService) (*Service, *memoryRepo) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil)
	if st != nil {
		svc.SetStockService(st)
	}
	return svc, repo
}

func TestCreateSaleRecordsOnLedger(t *testing.T) {
	st := &fakeStock{}
	svc, repo := newTestService(st)

	res, err := svc.CreateSale(context.Background(), CreateSaleRequest{
		InvoiceNo: "INV-7",
		Customer:  "Warung Sari",
		Product:   "rice",
		Quantity:  decimal.NewFromInt(4),
		UnitPrice: decimal.RequireFromString("12.50"),
	}, "cashier")
	require.NoError(t, err)
	require.True(t, res.StockUpdated)
	require.True(t, res.Total.Equal(decimal.NewFromInt(50)))
	require.True(t, repo.rows[res.Sale.ID].StockSynced)
	require.Len(t, st.sales, 1)
	require.Equal(t, "INV-7", st.sales[0].Reference)
	require.Equal(t, "sale", st.sales[0].ReferenceModel)
	require.Equal(t, "cashier", st.sales[0].CreatedBy)
}

func TestCreateSaleSurvivesLedgerFailure(t *testing.T) {
	svc, repo := newTestService(&fakeStock{err: stock.ErrInsufficientStock})

	res, err := svc.CreateSale(context.Background(), CreateSaleRequest{Customer: "Sari", Product: "rice", Quantity: decimal.NewFromInt(4)}, "")
	require.NoError(t, err)
	require.False(t, res.StockUpdated)
	require.Equal(t, "insufficient_stock", res.StockError)
	require.Len(t, repo.rows, 1)
	require.True(t, strings.HasPrefix(res.Sale.InvoiceNo, "INV-"))
}

func TestCreateSaleWithoutLedger(t *testing.T) {
	svc, _ := newTestService(nil)
	res, err := svc.CreateSale(context.Background(), CreateSaleRequest{Customer: "Sari", Product: "rice", Quantity: decimal.NewFromInt(1)}, "")
	require.NoError(t, err)
	require.False(t, res.StockUpdated)
	require.Equal(t, "unavailable", res.StockError)
}

func TestCreateSaleValidation(t *testing.T) {
	svc, _ := newTestService(&fakeStock{})
	ctx := context.Background()
	_, err := svc.CreateSale(ctx, CreateSaleRequest{Customer: "Sari", Product: "rice"}, "")
	require.ErrorIs(t, err, ErrValidation)
	_, err = svc.CreateSale(ctx, CreateSaleRequest{Customer: "Sari", Product: " ", Quantity: decimal.NewFromInt(1)}, "")
	require.ErrorIs(t, err, ErrValidation)
	_, err = svc.CreateSale(ctx, CreateSaleRequest{Customer: "Sari", Product: "rice", Quantity: decimal.NewFromInt(1), UnitPrice: decimal.NewFromInt(-1)}, "")
	require.ErrorIs(t, err, ErrValidation)
}

func TestCreateSaleDuplicateInvoice(t *testing.T) {
	svc, _ := newTestService(&fakeStock{})
	ctx := context.Background()
	req := CreateSaleRequest{InvoiceNo: "INV-1", Customer: "Sari", Product: "rice", Quantity: decimal.NewFromInt(1)}
	_, err := svc.CreateSale(ctx, req, "")
	require.NoError(t, err)
	_, err = svc.CreateSale(ctx, req, "")
	require.ErrorIs(t, err, ErrDuplicateInvoice)
}

func TestCreateSaleUsesContextActor(t *testing.T) {
	st := &fakeStock{}
	svc, _ := newTestService(st)
	ctx := shared.ContextWithActor(context.Background(), "agent-portal")
	res, err := svc.CreateSale(ctx, CreateSaleRequest{Customer: "Sari", Product: "rice", Quantity: decimal.NewFromInt(1)}, "")
	require.NoError(t, err)
	require.Equal(t, "agent-portal", res.Sale.CreatedBy)
	require.Equal(t, "agent-portal", st.sales[0].CreatedBy)
}

func TestReverseSaleReturnsStock(t *testing.T) {
	st := &fakeStock{}
	svc, repo := newTestService(st)
	ctx := context.Background()
	created, err := svc.CreateSale(ctx, CreateSaleRequest{Customer: "Sari", Product: "rice", Quantity: decimal.NewFromInt(6)}, "")
	require.NoError(t, err)

	res, err := svc.ReverseSale(ctx, created.Sale.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReversed, res.Sale.Status)
	require.True(t, res.StockUpdated)
	require.Len(t, st.returns, 1)
	require.True(t, st.returns[0].Equal(decimal.NewFromInt(6)))
	require.False(t, repo.rows[created.Sale.ID].StockSynced)

	_, err = svc.ReverseSale(ctx, created.Sale.ID)
	require.ErrorIs(t, err, ErrInvalidStatus)
	_, err = svc.ReverseSale(ctx, 42)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReverseSaleSkipsLedgerWhenNeverSynced(t *testing.T) {
	st := &fakeStock{err: errors.New("ledger down")}
	svc, _ := newTestService(st)
	ctx := context.Background()
	created, err := svc.CreateSale(ctx, CreateSaleRequest{Customer: "Sari", Product: "rice", Quantity: decimal.NewFromInt(6)}, "")
	require.NoError(t, err)

	st.err = nil
	res, err := svc.ReverseSale(ctx, created.Sale.ID)
	require.NoError(t, err)
	require.False(t, res.StockUpdated)
	require.Empty(t, st.returns)
}

func TestSalesHandler(t *testing.T) {
	svc, _ := newTestService(&fakeStock{})
	router := chi.NewRouter()
	router.Route("/sales", NewHandler(nil, svc).MountRoutes)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		var req *http.Request
		if body == "" {
			req = httptest.NewRequest(method, path, nil)
		} else {
			req = httptest.NewRequest(method, path, strings.NewReader(body))
		}
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	rr := do(http.MethodPost, "/sales/", `{"invoiceNo":"INV-9","customer":"Sari","product":"rice","quantity":"3","unitPrice":"10"}`)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Contains(t, rr.Body.String(), `"stockUpdated":true`)

	rr = do(http.MethodGet, "/sales/1", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"total":"30"`)

	rr = do(http.MethodGet, "/sales/?customer=Sari", "")
	require.Equal(t, http.StatusOK, rr.Code)
	require.Contains(t, rr.Body.String(), `"INV-9"`)

	rr = do(http.MethodPost, "/sales/1/reverse", "")
	require.Equal(t, http.StatusOK, rr.Code)
	rr = do(http.MethodPost, "/sales/1/reverse", "")
	require.Equal(t, http.StatusConflict, rr.Code)

	rr = do(http.MethodPost, "/sales/", `{"product":"rice","quantity":"3"}`)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	rr = do(http.MethodGet, "/sales/x", "")
	require.Equal(t, http.StatusBadRequest, rr.Code)
	rr = do(http.MethodGet, "/sales/77", "")
	require.Equal(t, http.StatusNotFound, rr.Code)
}
