package stock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// PgRepository persists stock records as JSONB documents in PostgreSQL.
type PgRepository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs PgRepository.
func NewRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type txRepo struct {
	q queryer
}

// WithTx executes the callback inside a repeatable-read transaction.
func (r *PgRepository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	err := db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{q: tx})
	})
	return mapConflict(err)
}

// Get loads one record without locking.
func (r *PgRepository) Get(ctx context.Context, product string) (Record, error) {
	return scanRecord(r.pool.QueryRow(ctx, `SELECT doc, version FROM stock_records WHERE product = $1`, product))
}

// List returns records ordered by product together with the total count.
func (r *PgRepository) List(ctx context.Context, filter ListFilter) ([]Record, int, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM stock_records WHERE is_active OR $1`, filter.IncludeInactive).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT doc, version FROM stock_records WHERE is_active OR $1 ORDER BY product LIMIT $2 OFFSET $3`,
		filter.IncludeInactive, limit, filter.Offset)
	if err != nil {
		return nil, 0, err
	}
	records, err := collectRecords(rows)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// ListLowStock returns active records whose closing stock is at or below the minimum.
func (r *PgRepository) ListLowStock(ctx context.Context) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `SELECT doc, version FROM stock_records WHERE is_active AND closing_stock <= minimum_stock ORDER BY closing_stock, product`)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

// ListExpiring returns active records expiring before the cutoff.
func (r *PgRepository) ListExpiring(ctx context.Context, before time.Time) ([]Record, error) {
	rows, err := r.pool.Query(ctx, `SELECT doc, version FROM stock_records WHERE is_active AND expiry_date IS NOT NULL AND expiry_date < $1 ORDER BY expiry_date, product`, before)
	if err != nil {
		return nil, err
	}
	return collectRecords(rows)
}

func (r *txRepo) GetForUpdate(ctx context.Context, product string) (Record, error) {
	rec, err := scanRecord(r.q.QueryRow(ctx, `SELECT doc, version FROM stock_records WHERE product = $1 FOR UPDATE`, product))
	return rec, mapConflict(err)
}

func (r *txRepo) Insert(ctx context.Context, rec *Record) error {
	next := *rec
	next.Version = 1
	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("stock: encode record: %w", err)
	}
	_, err = r.q.Exec(ctx, `INSERT INTO stock_records (product, version, is_active, closing_stock, minimum_stock, expiry_date, doc, created_at, updated_at)
VALUES ($1, 1, $2, $3, $4, $5, $6, $7, $8)`,
		next.Product, next.IsActive, next.ClosingStock, next.MinimumStock, next.ExpiryDate, doc, next.CreatedAt, next.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, rec.Product)
		}
		return mapConflict(err)
	}
	rec.Version = 1
	return nil
}

func (r *txRepo) Update(ctx context.Context, rec *Record) error {
	next := *rec
	next.Version = rec.Version + 1
	doc, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("stock: encode record: %w", err)
	}
	tag, err := r.q.Exec(ctx, `UPDATE stock_records
SET version = $2, is_active = $3, closing_stock = $4, minimum_stock = $5, expiry_date = $6, doc = $7, updated_at = $8
WHERE product = $1 AND version = $9`,
		next.Product, next.Version, next.IsActive, next.ClosingStock, next.MinimumStock, next.ExpiryDate, doc, next.UpdatedAt, rec.Version)
	if err != nil {
		return mapConflict(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s at version %d", ErrVersionConflict, rec.Product, rec.Version)
	}
	rec.Version = next.Version
	return nil
}

// mapConflict turns serialization failures and deadlocks into ErrVersionConflict
// so the service re-runs the cycle from a fresh snapshot.
func mapConflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("%w: %s", ErrVersionConflict, pgErr.Message)
	}
	return err
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		doc     []byte
		version int64
	)
	if err := row.Scan(&doc, &version); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, err
	}
	return decodeRecord(doc, version)
}

func collectRecords(rows pgx.Rows) ([]Record, error) {
	defer rows.Close()
	var out []Record
	for rows.Next() {
		var (
			doc     []byte
			version int64
		)
		if err := rows.Scan(&doc, &version); err != nil {
			return nil, err
		}
		rec, err := decodeRecord(doc, version)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func decodeRecord(doc []byte, version int64) (Record, error) {
	var rec Record
	if err := json.Unmarshal(doc, &rec); err != nil {
		return Record{}, fmt.Errorf("stock: decode record: %w", err)
	}
	rec.Version = version
	if rec.AgentStocks == nil {
		rec.AgentStocks = []AgentStock{}
	}
	if rec.Movements == nil {
		rec.Movements = []Movement{}
	}
	return rec, nil
}
