package purchases

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// Repository persists purchases in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

const purchaseColumns = `id, number, vendor, product, quantity, unit, unit_cost, status, stock_synced, created_by, created_at, updated_at`

// WithTx wraps the callback in a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// Get loads one purchase.
func (r *Repository) Get(ctx context.Context, id int64) (Purchase, error) {
	return scanPurchase(r.pool.QueryRow(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id))
}

// List returns purchases newest first with the total count.
func (r *Repository) List(ctx context.Context, filter ListFilter) ([]Purchase, int, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	where := `($1 = '' OR product = $1) AND ($2 = '' OR status = $2)`
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM purchases WHERE `+where, filter.Product, string(filter.Status)).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.pool.Query(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE `+where+` ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4`,
		filter.Product, string(filter.Status), limit, filter.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var out []Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

// MarkStockSynced records whether the ledger reflects the purchase.
func (r *Repository) MarkStockSynced(ctx context.Context, id int64, synced bool) error {
	_, err := r.pool.Exec(ctx, `UPDATE purchases SET stock_synced = $2, updated_at = NOW() WHERE id = $1`, id, synced)
	return err
}

func (r *txRepo) Insert(ctx context.Context, p Purchase) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO purchases (number, vendor, product, quantity, unit, unit_cost, status, stock_synced, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $9, $10) RETURNING id`,
		p.Number, p.Vendor, p.Product, p.Quantity, p.Unit, p.UnitCost, string(p.Status), p.CreatedBy, p.CreatedAt, p.UpdatedAt).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateNumber, p.Number)
		}
		return 0, err
	}
	return id, nil
}

func (r *txRepo) GetForUpdate(ctx context.Context, id int64) (Purchase, error) {
	return scanPurchase(r.tx.QueryRow(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1 FOR UPDATE`, id))
}

func (r *txRepo) UpdateStatus(ctx context.Context, id int64, status Status, at time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE purchases SET status = $2, updated_at = $3 WHERE id = $1`, id, string(status), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPurchase(row pgx.Row) (Purchase, error) {
	var (
		p      Purchase
		status string
	)
	err := row.Scan(&p.ID, &p.Number, &p.Vendor, &p.Product, &p.Quantity, &p.Unit, &p.UnitCost, &status, &p.StockSynced, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Purchase{}, ErrNotFound
		}
		return Purchase{}, err
	}
	p.Status = Status(status)
	return p, nil
}
