package purchases

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

	"github.com/odyssey-erp/stockledger/internal/stock"
)

type memoryRepo struct {
	rows   map[int64]Purchase
	nextID int64
}

type memoryTx struct{ repo *memoryRepo }

func newMemoryRepo() *memoryRepo { return &memoryRepo{rows: make(map[int64]Purchase)} }

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return fn(ctx, &memoryTx{repo: r})
}

func (r *memoryRepo) Get(_ context.Context, id int64) (Purchase, error) {
	p, ok := r.rows[id]
	if !ok {
		return Purchase{}, ErrNotFound
	}
	return p, nil
}

func (r *memoryRepo) List(_ context.Context, filter ListFilter) ([]Purchase, int, error) {
	var out []Purchase
	for id := r.nextID; id > 0; id-- {
		if p, ok := r.rows[id]; ok && (filter.Product == "" || p.Product == filter.Product) {
			out = append(out, p)
		}
	}
	return out, len(out), nil
}

func (r *memoryRepo) MarkStockSynced(_ context.Context, id int64, synced bool) error {
	p := r.rows[id]
	p.StockSynced = synced
	r.rows[id] = p
	return nil
}

func (tx *memoryTx) Insert(_ context.Context, p Purchase) (int64, error) {
	for _, existing := range tx.repo.rows {
		if existing.Number == p.Number {
			return 0, ErrDuplicateNumber
		}
	}
	tx.repo.nextID++
	p.ID = tx.repo.nextID
	tx.repo.rows[p.ID] = p
	return p.ID, nil
}

func (tx *memoryTx) GetForUpdate(ctx context.Context, id int64) (Purchase, error) {
	return tx.repo.Get(ctx, id)
}

func (tx *memoryTx) UpdateStatus(_ context.Context, id int64, status Status, at time.Time) error {
	p, ok := tx.repo.rows[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = at
	tx.repo.rows[id] = p
	return nil
}

type fakeStock struct {
	err       error
	purchases []stock.Entry
	returns   []decimal.Decimal
}

func (f *fakeStock) RecordPurchase(_ context.Context, product string, qty decimal.Decimal, unit string, ref stock.Entry) (stock.Record, error) {
	if f.err != nil {
		return stock.Record{}, f.err
	}
	f.purchases = append(f.purchases, ref)
	return stock.Record{Product: product, TotalPurchases: qty, Unit: stock.Unit(unit)}, nil
}

func (f *fakeStock) ApplyPurchaseReturn(_ context.Context, product string, qty decimal.Decimal, ref stock.Entry) (stock.Record, error) {
	if f.err != nil {
		return stock.Record{}, f.err
	}
	f.returns = append(f.returns, qty)
	return stock.Record{Product: product}, nil
}

func TestCreateFeedsStockLedger(t *testing.T) {
	repo := newMemoryRepo()
	st := &fakeStock{}
	svc := NewService(repo, st, nil, nil)

	res, err := svc.Create(context.Background(), CreateInput{Number: "PO-1", Vendor: "Acme", Product: "rice", Quantity: decimal.NewFromInt(200)})
	require.NoError(t, err)
	require.True(t, res.StockUpdated)
	require.True(t, res.Purchase.StockSynced)
	require.Equal(t, "packets", res.Purchase.Unit)
	require.True(t, repo.rows[res.Purchase.ID].StockSynced)
	require.Len(t, st.purchases, 1)
	require.Equal(t, "PO-1", st.purchases[0].Reference)
	require.Equal(t, "purchase", st.purchases[0].ReferenceModel)
	require.NotEmpty(t, st.purchases[0].ReferenceID)
}

func TestCreateKeepsPurchaseWhenStockFails(t *testing.T) {
	repo := newMemoryRepo()
	svc := NewService(repo, &fakeStock{err: stock.ErrInactive}, nil, nil)

	res, err := svc.Create(context.Background(), CreateInput{Vendor: "Acme", Product: "rice", Quantity: decimal.NewFromInt(5), Unit: "kg"})
	require.NoError(t, err)
	require.False(t, res.StockUpdated)
	require.Equal(t, "inactive", res.StockError)
	require.Len(t, repo.rows, 1)
	require.False(t, repo.rows[res.Purchase.ID].StockSynced)
	require.True(t, strings.HasPrefix(res.Purchase.Number, "PUR-"))
}

func TestCreateValidation(t *testing.T) {
	svc := NewService(newMemoryRepo(), &fakeStock{}, nil, nil)
	ctx := context.Background()
	_, err := svc.Create(ctx, CreateInput{Vendor: "Acme", Product: "rice"})
	require.ErrorIs(t, err, ErrValidation)
	_, err = svc.Create(ctx, CreateInput{Vendor: "Acme", Product: "rice", Quantity: decimal.NewFromInt(1), Unit: "crate"})
	require.ErrorIs(t, err, ErrValidation)
	_, err = svc.Create(ctx, CreateInput{Product: "rice", Quantity: decimal.NewFromInt(1)})
	require.ErrorIs(t, err, ErrValidation)
}

func TestReverseAppliesPurchaseReturn(t *testing.T) {
	repo := newMemoryRepo()
	st := &fakeStock{}
	svc := NewService(repo, st, nil, nil)
	ctx := context.Background()
	created, err := svc.Create(ctx, CreateInput{Vendor: "Acme", Product: "rice", Quantity: decimal.NewFromInt(30)})
	require.NoError(t, err)

	res, err := svc.Reverse(ctx, created.Purchase.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReversed, res.Purchase.Status)
	require.True(t, res.StockUpdated)
	require.Len(t, st.returns, 1)
	require.True(t, st.returns[0].Equal(decimal.NewFromInt(30)))
	require.False(t, repo.rows[created.Purchase.ID].StockSynced)

	_, err = svc.Reverse(ctx, created.Purchase.ID)
	require.ErrorIs(t, err, ErrInvalidStatus)
	_, err = svc.Reverse(ctx, 99)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReverseSkipsLedgerWhenNeverSynced(t *testing.T) {
	repo := newMemoryRepo()
	st := &fakeStock{err: errors.New("ledger down")}
	svc := NewService(repo, st, nil, nil)
	ctx := context.Background()
	created, err := svc.Create(ctx, CreateInput{Vendor: "Acme", Product: "rice", Quantity: decimal.NewFromInt(30)})
	require.NoError(t, err)
	require.False(t, created.StockUpdated)

	st.err = nil
	res, err := svc.Reverse(ctx, created.Purchase.ID)
	require.NoError(t, err)
	require.Equal(t, StatusReversed, res.Purchase.Status)
	require.Empty(t, st.returns)
}

func TestHandlerCreateAndReverse(t *testing.T) {
	svc := NewService(newMemoryRepo(), &fakeStock{}, nil, nil)
	router := chi.NewRouter()
	router.Route("/purchases", NewHandler(nil, svc).MountRoutes)

	req := httptest.NewRequest(http.MethodPost, "/purchases/", strings.NewReader(`{"vendor":"Acme","product":"rice","quantity":"12","unit":"kg"}`))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	require.Contains(t, rr.Body.String(), `"stockUpdated":true`)

	req = httptest.NewRequest(http.MethodPost, "/purchases/1/reverse", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	req = httptest.NewRequest(http.MethodPost, "/purchases/1/reverse", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusConflict, rr.Code)

	req = httptest.NewRequest(http.MethodGet, "/purchases/abc", nil)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)

	req = httptest.NewRequest(http.MethodPost, "/purchases/", strings.NewReader(`{"vendor":"Acme","product":"rice","quantity":"12","unit":"crate"}`))
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
}
