package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

const maxProductKeyLength = 128

// Repository abstracts stock record persistence.
type Repository interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	Get(ctx context.Context, product string) (Record, error)
	List(ctx context.Context, filter ListFilter) ([]Record, int, error)
	ListLowStock(ctx context.Context) ([]Record, error)
	ListExpiring(ctx context.Context, before time.Time) ([]Record, error)
}

// TxRepository exposes the operations used inside a mutation transaction.
type TxRepository interface {
	GetForUpdate(ctx context.Context, product string) (Record, error)
	Insert(ctx context.Context, rec *Record) error
	Update(ctx context.Context, rec *Record) error
}

// AuditPort abstracts audit logging functionality.
type AuditPort interface {
	Record(ctx context.Context, log shared.AuditLog) error
}

// MutationObserver receives one observation per attempted mutation.
type MutationObserver interface {
	ObserveStockMutation(operation, outcome string)
}

// Invalidator drops derived read models after a successful write.
type Invalidator interface {
	Bump(ctx context.Context) error
}

// ServiceConfig groups optional settings.
type ServiceConfig struct {
	AllocationCheck         AllocationCheck
	EnforceSaleAvailability bool
	ConflictRetries         int
}

// Service coordinates stock ledger mutations.
type Service struct {
	repo    Repository
	locker  shared.Locker
	audit   AuditPort
	cfg     ServiceConfig
	cache   Invalidator
	metrics MutationObserver
	logger  *slog.Logger
	clock   func() time.Time
}

// NewService builds Service. A nil locker falls back to an in-process mutex.
func NewService(repo Repository, locker shared.Locker, audit AuditPort, cfg ServiceConfig) *Service {
	if locker == nil {
		locker = shared.NewKeyedMutex()
	}
	if !cfg.AllocationCheck.IsValid() {
		cfg.AllocationCheck = AllocationCheckClosing
	}
	if cfg.ConflictRetries < 0 {
		cfg.ConflictRetries = 0
	}
	return &Service{
		repo:   repo,
		locker: locker,
		audit:  audit,
		cfg:    cfg,
		logger: slog.Default(),
		clock:  func() time.Time { return time.Now().UTC() },
	}
}

// SetCache wires the report cache invalidated after each write.
func (s *Service) SetCache(cache Invalidator) { s.cache = cache }

// SetMetrics wires mutation counters.
func (s *Service) SetMetrics(m MutationObserver) { s.metrics = m }

// SetLogger overrides the service logger.
func (s *Service) SetLogger(logger *slog.Logger) {
	if logger != nil {
		s.logger = logger
	}
}

// Config returns the effective configuration.
func (s *Service) Config() ServiceConfig { return s.cfg }

// RecordPurchase books an inbound purchase, creating the record on first use.
// A blank unit accepts the record's unit; any other unit must match it.
func (s *Service) RecordPurchase(ctx context.Context, product string, qty decimal.Decimal, unit string, ref Entry) (Record, error) {
	u, err := ParseUnit(unit)
	if err != nil {
		return Record{}, err
	}
	explicit := strings.TrimSpace(unit) != ""
	return s.mutate(ctx, product, "record_purchase", loadOrCreate(u), func(rec *Record, e Entry) error {
		if explicit && rec.Unit != u {
			return fmt.Errorf("%w: unit %s does not match record unit %s", ErrValidation, u, rec.Unit)
		}
		return rec.ApplyPurchase(qty, e)
	}, ref)
}

// RecordSale books an outbound sale against an existing record.
func (s *Service) RecordSale(ctx context.Context, product string, qty decimal.Decimal, ref Entry) (Record, error) {
	return s.mutate(ctx, product, "record_sale", loadExisting, func(rec *Record, e Entry) error {
		return rec.ApplySale(qty, s.cfg.EnforceSaleAvailability, e)
	}, ref)
}

// ApplyPurchaseReturn reverses part of a recorded purchase.
func (s *Service) ApplyPurchaseReturn(ctx context.Context, product string, qty decimal.Decimal, ref Entry) (Record, error) {
	return s.mutate(ctx, product, "purchase_return", loadExisting, func(rec *Record, e Entry) error {
		return rec.ApplyPurchaseReturn(qty, e)
	}, ref)
}

// ApplySaleReturn reverses part of a recorded sale.
func (s *Service) ApplySaleReturn(ctx context.Context, product string, qty decimal.Decimal, ref Entry) (Record, error) {
	return s.mutate(ctx, product, "sale_return", loadExisting, func(rec *Record, e Entry) error {
		return rec.ApplySaleReturn(qty, e)
	}, ref)
}

// AllocateToAgent hands stock from the main pool to an agent.
func (s *Service) AllocateToAgent(ctx context.Context, product, agentID, agentName string, qty decimal.Decimal, ref Entry) (Record, error) {
	return s.mutate(ctx, product, "allocate", loadActive, func(rec *Record, e Entry) error {
		return rec.Allocate(strings.TrimSpace(agentID), strings.TrimSpace(agentName), qty, s.cfg.AllocationCheck, e)
	}, ref)
}

// AllocateBatch runs one independent allocation per item. Earlier successes
// stay committed when a later item fails.
func (s *Service) AllocateBatch(ctx context.Context, product string, items []AllocationItem, ref Entry) ([]AllocationResult, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: at least one allocation required", ErrValidation)
	}
	results := make([]AllocationResult, 0, len(items))
	for _, item := range items {
		res := AllocationResult{AgentID: item.AgentID, Quantity: item.Quantity, Status: AllocationSucceeded}
		if _, err := s.AllocateToAgent(ctx, product, item.AgentID, item.AgentName, item.Quantity, ref); err != nil {
			if ctx.Err() != nil {
				return results, ctx.Err()
			}
			res.Status = AllocationFailed
			res.Code = ErrorCode(err)
			res.Reason = err.Error()
		}
		results = append(results, res)
	}
	return results, nil
}

// UpdateAgentDelivery records stock an agent delivered to customers. A
// delivery whose ReferenceID was already posted for the agent is a no-op.
func (s *Service) UpdateAgentDelivery(ctx context.Context, product, agentID string, qty decimal.Decimal, ref Entry) (Record, error) {
	return s.mutate(ctx, product, "agent_delivery", loadActive, func(rec *Record, e Entry) error {
		if e.ReferenceID != "" && rec.HasMovement(MovementAgentDelivery, agentID, e.ReferenceID) {
			return errUnchanged
		}
		return rec.Deliver(agentID, qty, e)
	}, ref)
}

// HandleSalesReturn books goods a customer returned to an agent.
func (s *Service) HandleSalesReturn(ctx context.Context, product, agentID string, qty decimal.Decimal, ref Entry) (Record, error) {
	return s.mutate(ctx, product, "agent_sales_return", loadExisting, func(rec *Record, e Entry) error {
		return rec.AcceptSalesReturn(agentID, qty, e)
	}, ref)
}

// ReturnFromAgent moves unsold stock from an agent back to the main pool.
func (s *Service) ReturnFromAgent(ctx context.Context, product, agentID string, qty decimal.Decimal, ref Entry) (Record, error) {
	return s.mutate(ctx, product, "agent_return", loadActive, func(rec *Record, e Entry) error {
		return rec.ReturnToStore(agentID, qty, e)
	}, ref)
}

// AdjustOpeningStock applies a signed manual correction to opening stock.
func (s *Service) AdjustOpeningStock(ctx context.Context, product string, delta decimal.Decimal, ref Entry) (Record, error) {
	return s.mutate(ctx, product, "adjust_opening", loadActive, func(rec *Record, e Entry) error {
		return rec.AdjustOpening(delta, e)
	}, ref)
}

// ReconcileInHand repairs drifted agent in-hand quantities. Nothing is written
// when every agent is consistent.
func (s *Service) ReconcileInHand(ctx context.Context, product string, ref Entry) ([]InHandDrift, error) {
	var drifts []InHandDrift
	_, err := s.mutate(ctx, product, "reconcile_in_hand", loadExisting, func(rec *Record, e Entry) error {
		var err error
		drifts, err = rec.ReconcileInHand(e)
		if err != nil {
			return err
		}
		if len(drifts) == 0 {
			return errUnchanged
		}
		return nil
	}, ref)
	if err != nil {
		return nil, err
	}
	return drifts, nil
}

// CreateStock explicitly creates a record. Unit and expiry are mandatory.
func (s *Service) CreateStock(ctx context.Context, input CreateInput) (Record, error) {
	if strings.TrimSpace(input.Unit) == "" {
		return Record{}, fmt.Errorf("%w: unit required", ErrValidation)
	}
	unit, err := ParseUnit(input.Unit)
	if err != nil {
		return Record{}, err
	}
	if input.ExpiryDate.IsZero() {
		return Record{}, fmt.Errorf("%w: expiry date required", ErrValidation)
	}
	if input.OpeningStock.IsNegative() || input.MinimumStock.IsNegative() {
		return Record{}, fmt.Errorf("%w: opening and minimum stock must not be negative", ErrValidation)
	}
	expiry := input.ExpiryDate.UTC()
	seed := func(rec *Record) {
		rec.Unit = unit
		rec.ExpiryDate = &expiry
		rec.MinimumStock = input.MinimumStock
	}
	ref := Entry{CreatedBy: input.CreatedBy, Notes: "opening stock"}
	return s.mutate(ctx, input.Product, "create", loadAbsent(seed), func(rec *Record, e Entry) error {
		if input.OpeningStock.IsPositive() {
			return rec.AdjustOpening(input.OpeningStock, e)
		}
		return nil
	}, ref)
}

// UpdateSettings edits thresholds, expiry and the active flag. No movement is
// appended because the ledger counters are untouched.
func (s *Service) UpdateSettings(ctx context.Context, product string, input SettingsInput) (Record, error) {
	if input.MinimumStock == nil && input.ExpiryDate == nil && input.IsActive == nil {
		return Record{}, fmt.Errorf("%w: no settings supplied", ErrValidation)
	}
	if input.MinimumStock != nil && input.MinimumStock.IsNegative() {
		return Record{}, fmt.Errorf("%w: minimum stock must not be negative", ErrValidation)
	}
	if input.ExpiryDate != nil && input.ExpiryDate.IsZero() {
		return Record{}, fmt.Errorf("%w: expiry date must be set", ErrValidation)
	}
	return s.mutate(ctx, product, "update_settings", loadExisting, func(rec *Record, _ Entry) error {
		if input.MinimumStock != nil {
			rec.MinimumStock = *input.MinimumStock
		}
		if input.ExpiryDate != nil {
			exp := input.ExpiryDate.UTC()
			rec.ExpiryDate = &exp
		}
		if input.IsActive != nil {
			rec.IsActive = *input.IsActive
		}
		return nil
	}, Entry{CreatedBy: input.UpdatedBy})
}

// Get returns the current record.
func (s *Service) Get(ctx context.Context, product string) (Record, error) {
	key, err := NormalizeProduct(product)
	if err != nil {
		return Record{}, err
	}
	return s.repo.Get(ctx, key)
}

// Summary projects the record evaluated at the service clock.
func (s *Service) Summary(ctx context.Context, product string) (Summary, error) {
	rec, err := s.Get(ctx, product)
	if err != nil {
		return Summary{}, err
	}
	return rec.Summarize(s.clock()), nil
}

// Movements returns one page of the movement log, oldest first.
func (s *Service) Movements(ctx context.Context, product string, page, perPage int) ([]Movement, shared.Pagination, error) {
	rec, err := s.Get(ctx, product)
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	p := shared.NewPagination(page, perPage, len(rec.Movements))
	start, end := p.Window(len(rec.Movements))
	return rec.Movements[start:end], p, nil
}

// List returns summaries ordered by product.
func (s *Service) List(ctx context.Context, includeInactive bool, page, perPage int) ([]Summary, shared.Pagination, error) {
	p := shared.NewPagination(page, perPage, 0)
	records, total, err := s.repo.List(ctx, ListFilter{IncludeInactive: includeInactive, Limit: p.PerPage, Offset: p.Offset()})
	if err != nil {
		return nil, shared.Pagination{}, err
	}
	return s.summarize(records), shared.NewPagination(p.Page, p.PerPage, total), nil
}

// LowStock lists active records at or below their minimum.
func (s *Service) LowStock(ctx context.Context) ([]Summary, error) {
	records, err := s.repo.ListLowStock(ctx)
	if err != nil {
		return nil, err
	}
	return s.summarize(records), nil
}

// Expiring lists active records whose expiry falls before now+within,
// including those already expired.
func (s *Service) Expiring(ctx context.Context, within time.Duration) ([]Summary, error) {
	if within < 0 {
		return nil, fmt.Errorf("%w: window must not be negative", ErrValidation)
	}
	records, err := s.repo.ListExpiring(ctx, s.clock().Add(within))
	if err != nil {
		return nil, err
	}
	return s.summarize(records), nil
}

func (s *Service) summarize(records []Record) []Summary {
	now := s.clock()
	out := make([]Summary, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.Summarize(now))
	}
	return out
}

// NormalizeProduct trims and validates a product key.
func NormalizeProduct(product string) (string, error) {
	key := strings.TrimSpace(product)
	if key == "" {
		return "", fmt.Errorf("%w: product required", ErrValidation)
	}
	if len(key) > maxProductKeyLength {
		return "", fmt.Errorf("%w: product key longer than %d characters", ErrValidation, maxProductKeyLength)
	}
	return key, nil
}

// errUnchanged lets a mutation report success without a write.
var errUnchanged = errors.New("stock: unchanged")

type loadMode struct {
	create     bool
	mustActive bool
	unit       Unit
	seed       func(*Record)
}

var (
	loadExisting = loadMode{}
	loadActive   = loadMode{mustActive: true}
)

func loadOrCreate(unit Unit) loadMode {
	return loadMode{create: true, unit: unit}
}

func loadAbsent(seed func(*Record)) loadMode {
	return loadMode{create: true, seed: seed}
}

// mutate runs fn as one serialised read-validate-mutate-persist cycle. The
// cycle is re-run from fresh state on a version conflict.
func (s *Service) mutate(ctx context.Context, product, op string, mode loadMode, fn func(*Record, Entry) error, ref Entry) (Record, error) {
	key, err := NormalizeProduct(product)
	if err != nil {
		s.observe(op, err)
		return Record{}, err
	}
	if ref.CreatedBy == "" {
		ref.CreatedBy = shared.ActorFromContext(ctx)
	}

	release, err := s.locker.Acquire(ctx, shared.StockLockKey(key))
	if err != nil {
		s.observe(op, err)
		return Record{}, err
	}
	defer release()

	var out Record
	for attempt := 0; ; attempt++ {
		out, err = s.attempt(ctx, key, mode, fn, ref)
		if attempt < s.cfg.ConflictRetries && errors.Is(err, ErrVersionConflict) {
			s.logger.Warn("stock version conflict, retrying", slog.String("product", key), slog.String("operation", op), slog.Int("attempt", attempt+1))
			continue
		}
		break
	}
	if errors.Is(err, errUnchanged) {
		s.observe(op, nil)
		return out, nil
	}
	s.observe(op, err)
	if err != nil {
		return Record{}, err
	}

	if s.cache != nil {
		if err := s.cache.Bump(ctx); err != nil {
			s.logger.Warn("stock cache invalidation failed", slog.String("product", key), slog.Any("error", err))
		}
	}
	if s.audit != nil {
		meta := map[string]any{"version": out.Version, "closing_stock": out.ClosingStock.String(), "stock_available": out.StockAvailable.String()}
		if n := len(out.Movements); n > 0 {
			last := out.Movements[n-1]
			meta["movement_id"] = last.ID
			meta["movement_type"] = string(last.Type)
			meta["quantity"] = last.Quantity.String()
		}
		if err := s.audit.Record(ctx, shared.AuditLog{
			Actor:    ref.CreatedBy,
			Action:   fmt.Sprintf("stock:%s", op),
			Entity:   "stock_record",
			EntityID: key,
			Meta:     meta,
			At:       out.UpdatedAt,
		}); err != nil {
			s.logger.Warn("stock audit failed", slog.String("product", key), slog.Any("error", err))
		}
	}
	s.logger.Debug("stock mutation applied", slog.String("product", key), slog.String("operation", op), slog.Int64("version", out.Version))
	return out, nil
}

func (s *Service) attempt(ctx context.Context, key string, mode loadMode, fn func(*Record, Entry) error, ref Entry) (Record, error) {
	var out Record
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		now := s.clock()
		rec, err := tx.GetForUpdate(ctx, key)
		isNew := false
		switch {
		case errors.Is(err, ErrNotFound):
			if !mode.create {
				return fmt.Errorf("%w: %s", ErrNotFound, key)
			}
			unit := mode.unit
			if unit == "" {
				unit = UnitPackets
			}
			rec = NewRecord(key, unit, now)
			if mode.seed != nil {
				mode.seed(&rec)
			}
			isNew = true
		case err != nil:
			return err
		case mode.seed != nil:
			return fmt.Errorf("%w: %s", ErrAlreadyExists, key)
		}
		if mode.mustActive && !rec.IsActive {
			return fmt.Errorf("%w: %s", ErrInactive, key)
		}

		entry := ref
		entry.At = now
		if err := fn(&rec, entry); err != nil {
			if errors.Is(err, errUnchanged) {
				out = rec
			}
			return err
		}
		rec.Recompute()
		if err := rec.CheckInvariants(); err != nil {
			return err
		}
		rec.UpdatedAt = now
		if isNew {
			if err := tx.Insert(ctx, &rec); err != nil {
				if errors.Is(err, ErrAlreadyExists) && mode.seed == nil {
					// Lost a find-or-create race; re-read the winner.
					return ErrVersionConflict
				}
				return err
			}
		} else if err := tx.Update(ctx, &rec); err != nil {
			return err
		}
		out = rec
		return nil
	})
	return out, err
}

func (s *Service) observe(op string, err error) {
	if s.metrics == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = ErrorCode(err)
	}
	s.metrics.ObserveStockMutation(op, outcome)
}
