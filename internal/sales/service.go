package sales

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/internal/stock"
)

// RepositoryPort abstracts sale persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetSale(ctx context.Context, id int64) (Sale, error)
	ListSales(ctx context.Context, req ListSalesRequest) ([]Sale, int, error)
	SetStockSynced(ctx context.Context, id int64, synced bool) error
}

// TxRepository exposes transactional sale persistence.
type TxRepository interface {
	CreateSale(ctx context.Context, sale Sale) (int64, error)
	GetSaleForUpdate(ctx context.Context, id int64) (Sale, error)
	UpdateSaleStatus(ctx context.Context, id int64, status Status, at time.Time) error
}

// StockService defines the ledger operations sales rely on.
type StockService interface {
	RecordSale(ctx context.Context, product string, qty decimal.Decimal, ref stock.Entry) (stock.Record, error)
	ApplySaleReturn(ctx context.Context, product string, qty decimal.Decimal, ref stock.Entry) (stock.Record, error)
}

// Service provides business logic for sales operations.
type Service struct {
	repo   RepositoryPort
	stock  StockService
	logger *slog.Logger
	clock  func() time.Time
}

// NewService constructs a sales service.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, clock: func() time.Time { return time.Now().UTC() }}
}

// SetStockService sets the stock ledger used for best-effort updates.
func (s *Service) SetStockService(st StockService) {
	s.stock = st
}

// CreateSale persists an invoiced sale, then records it on the ledger.
func (s *Service) CreateSale(ctx context.Context, req CreateSaleRequest, createdBy string) (SaleResult, error) {
	customer := strings.TrimSpace(req.Customer)
	product := strings.TrimSpace(req.Product)
	if customer == "" || product == "" {
		return SaleResult{}, fmt.Errorf("%w: customer and product required", ErrValidation)
	}
	if !req.Quantity.IsPositive() {
		return SaleResult{}, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if req.UnitPrice.IsNegative() {
		return SaleResult{}, fmt.Errorf("%w: unit price must not be negative", ErrValidation)
	}
	if createdBy == "" {
		createdBy = shared.ActorFromContext(ctx)
	}
	now := s.clock()
	invoice := strings.TrimSpace(req.InvoiceNo)
	if invoice == "" {
		invoice = fmt.Sprintf("INV-%d", now.UnixNano())
	}
	sale := Sale{
		InvoiceNo: invoice,
		Customer:  customer,
		Product:   product,
		Quantity:  req.Quantity,
		UnitPrice: req.UnitPrice,
		Status:    StatusInvoiced,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateSale(ctx, sale)
		if err != nil {
			return fmt.Errorf("create sale: %w", err)
		}
		sale.ID = id
		return nil
	})
	if err != nil {
		return SaleResult{}, err
	}

	result := SaleResult{Sale: sale, Total: sale.Total()}
	if s.stock == nil {
		result.StockError = "unavailable"
		return result, nil
	}
	_, err = s.stock.RecordSale(ctx, sale.Product, sale.Quantity, ledgerEntry(sale, "sale"))
	s.syncOutcome(ctx, &result, err)
	return result, nil
}

// ReverseSale marks the sale reversed and returns the quantity to the ledger.
func (s *Service) ReverseSale(ctx context.Context, id int64) (SaleResult, error) {
	var sale Sale
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetSaleForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current.Status != StatusInvoiced {
			return fmt.Errorf("%w: sale %s is %s", ErrInvalidStatus, current.InvoiceNo, current.Status)
		}
		now := s.clock()
		if err := tx.UpdateSaleStatus(ctx, id, StatusReversed, now); err != nil {
			return err
		}
		current.Status = StatusReversed
		current.UpdatedAt = now
		sale = current
		return nil
	})
	if err != nil {
		return SaleResult{}, err
	}

	result := SaleResult{Sale: sale, Total: sale.Total()}
	if !sale.StockSynced || s.stock == nil {
		return result, nil
	}
	_, err = s.stock.ApplySaleReturn(ctx, sale.Product, sale.Quantity, ledgerEntry(sale, "sale_reversal"))
	s.syncOutcome(ctx, &result, err)
	return result, nil
}

// GetSale retrieves a sale by id.
func (s *Service) GetSale(ctx context.Context, id int64) (Sale, error) {
	return s.repo.GetSale(ctx, id)
}

// ListSales lists sales newest first.
func (s *Service) ListSales(ctx context.Context, req ListSalesRequest) ([]Sale, int, error) {
	return s.repo.ListSales(ctx, req)
}

func (s *Service) syncOutcome(ctx context.Context, result *SaleResult, err error) {
	if err != nil {
		// Don't fail the sale if the stock update fails.
		s.logger.Warn("sale stock update failed",
			slog.String("invoice", result.Sale.InvoiceNo),
			slog.String("product", result.Sale.Product),
			slog.Any("error", err))
		result.StockError = stock.ErrorCode(err)
		return
	}
	result.StockUpdated = true
	synced := result.Sale.Status == StatusInvoiced
	if err := s.repo.SetStockSynced(ctx, result.Sale.ID, synced); err != nil {
		s.logger.Warn("sale stock sync flag", slog.Int64("id", result.Sale.ID), slog.Any("error", err))
		return
	}
	result.Sale.StockSynced = synced
}

func ledgerEntry(sale Sale, model string) stock.Entry {
	return stock.Entry{
		Reference:      sale.InvoiceNo,
		ReferenceID:    uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s:%d", model, sale.ID))).String(),
		ReferenceModel: model,
		Notes:          "customer " + sale.Customer,
		CreatedBy:      sale.CreatedBy,
	}
}
