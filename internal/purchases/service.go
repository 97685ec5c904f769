package purchases

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

// RepositoryPort describes repository operations used by Service.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, id int64) (Purchase, error)
	List(ctx context.Context, filter ListFilter) ([]Purchase, int, error)
	MarkStockSynced(ctx context.Context, id int64, synced bool) error
}

// TxRepository exposes transactional purchase persistence.
type TxRepository interface {
	Insert(ctx context.Context, p Purchase) (int64, error)
	GetForUpdate(ctx context.Context, id int64) (Purchase, error)
	UpdateStatus(ctx context.Context, id int64, status Status, at time.Time) error
}

// StockPort exposes the stock ledger operations purchases feed.
type StockPort interface {
	RecordPurchase(ctx context.Context, product string, qty decimal.Decimal, unit string, ref stock.Entry) (stock.Record, error)
	ApplyPurchaseReturn(ctx context.Context, product string, qty decimal.Decimal, ref stock.Entry) (stock.Record, error)
}

// AuditPort reused from shared.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// Service orchestrates purchase recording and reversal.
type Service struct {
	repo   RepositoryPort
	stock  StockPort
	audit  AuditPort
	logger *slog.Logger
	clock  func() time.Time
}

// NewService constructs the purchase service.
func NewService(repo RepositoryPort, stock StockPort, audit AuditPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, stock: stock, audit: audit, logger: logger, clock: func() time.Time { return time.Now().UTC() }}
}

// Create persists the purchase, then feeds the stock ledger best-effort.
func (s *Service) Create(ctx context.Context, input CreateInput) (Result, error) {
	input.Vendor = strings.TrimSpace(input.Vendor)
	input.Product = strings.TrimSpace(input.Product)
	if input.Vendor == "" || input.Product == "" {
		return Result{}, fmt.Errorf("%w: vendor and product required", ErrValidation)
	}
	if !input.Quantity.IsPositive() {
		return Result{}, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if input.UnitCost.IsNegative() {
		return Result{}, fmt.Errorf("%w: unit cost must not be negative", ErrValidation)
	}
	unit, err := stock.ParseUnit(input.Unit)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if input.CreatedBy == "" {
		input.CreatedBy = shared.ActorFromContext(ctx)
	}
	now := s.clock()
	p := Purchase{
		Number:    defaultString(input.Number, generateNumber("PUR", now)),
		Vendor:    input.Vendor,
		Product:   input.Product,
		Quantity:  input.Quantity,
		Unit:      string(unit),
		UnitCost:  input.UnitCost,
		Status:    StatusRecorded,
		CreatedBy: input.CreatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.Insert(ctx, p)
		if err != nil {
			return err
		}
		p.ID = id
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	s.recordAudit(ctx, "PURCHASE_CREATE", p, map[string]any{"number": p.Number, "quantity": p.Quantity.String()})

	res := Result{Purchase: p}
	_, err = s.stock.RecordPurchase(ctx, p.Product, p.Quantity, p.Unit, s.reference(p, "purchase"))
	s.applyStockOutcome(ctx, &res, "record purchase", err)
	return res, nil
}

// Reverse marks a recorded purchase reversed, then reverses the stock best-effort.
func (s *Service) Reverse(ctx context.Context, id int64) (Result, error) {
	var p Purchase
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if current.Status != StatusRecorded {
			return fmt.Errorf("%w: purchase %s is %s", ErrInvalidStatus, current.Number, current.Status)
		}
		now := s.clock()
		if err := tx.UpdateStatus(ctx, id, StatusReversed, now); err != nil {
			return err
		}
		current.Status = StatusReversed
		current.UpdatedAt = now
		p = current
		return nil
	})
	if err != nil {
		return Result{}, err
	}
	s.recordAudit(ctx, "PURCHASE_REVERSE", p, map[string]any{"number": p.Number})

	res := Result{Purchase: p}
	if !p.StockSynced {
		// The ledger never saw this purchase; nothing to reverse.
		return res, nil
	}
	_, err = s.stock.ApplyPurchaseReturn(ctx, p.Product, p.Quantity, s.reference(p, "purchase_reversal"))
	s.applyStockOutcome(ctx, &res, "reverse purchase", err)
	return res, nil
}

// Get returns one purchase.
func (s *Service) Get(ctx context.Context, id int64) (Purchase, error) {
	return s.repo.Get(ctx, id)
}

// List returns purchases newest first.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Purchase, int, error) {
	return s.repo.List(ctx, filter)
}

func (s *Service) applyStockOutcome(ctx context.Context, res *Result, action string, err error) {
	if err != nil {
		s.logger.Warn("stock update failed, purchase kept",
			slog.String("action", action),
			slog.String("number", res.Purchase.Number),
			slog.String("product", res.Purchase.Product),
			slog.Any("error", err))
		res.StockError = stock.ErrorCode(err)
		return
	}
	res.StockUpdated = true
	synced := res.Purchase.Status == StatusRecorded
	if err := s.repo.MarkStockSynced(ctx, res.Purchase.ID, synced); err != nil {
		s.logger.Warn("mark purchase stock sync", slog.Int64("id", res.Purchase.ID), slog.Any("error", err))
		return
	}
	res.Purchase.StockSynced = synced
}

func (s *Service) reference(p Purchase, model string) stock.Entry {
	return stock.Entry{
		Reference:      p.Number,
		ReferenceID:    uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s:%d", model, p.ID))).String(),
		ReferenceModel: model,
		Notes:          "vendor " + p.Vendor,
		CreatedBy:      p.CreatedBy,
	}
}

func (s *Service) recordAudit(ctx context.Context, action string, p Purchase, meta map[string]any) {
	if s.audit == nil {
		return
	}
	if err := s.audit.Record(ctx, shared.AuditLog{Actor: p.CreatedBy, Action: action, Entity: "purchase", EntityID: fmt.Sprintf("%d", p.ID), Meta: meta}); err != nil {
		s.logger.Warn("purchase audit failed", slog.Int64("id", p.ID), slog.Any("error", err))
	}
}

func generateNumber(prefix string, at time.Time) string {
	return fmt.Sprintf("%s-%d", prefix, at.UnixNano())
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return strings.TrimSpace(value)
}
