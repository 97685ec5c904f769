package sales

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for sales.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type txRepo struct {
	tx pgx.Tx
}

const saleColumns = `id, invoice_no, customer, product, quantity, unit_price, status, stock_synced, created_by, created_at, updated_at`

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// GetSale retrieves a sale by id.
func (r *Repository) GetSale(ctx context.Context, id int64) (Sale, error) {
	return scanSale(r.pool.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1`, id))
}

// ListSales lists sales with optional filters.
func (r *Repository) ListSales(ctx context.Context, req ListSalesRequest) ([]Sale, int, error) {
	var (
		conditions []string
		args       []any
	)
	if req.Customer != "" {
		args = append(args, req.Customer)
		conditions = append(conditions, fmt.Sprintf("customer = $%d", len(args)))
	}
	if req.Product != "" {
		args = append(args, req.Product)
		conditions = append(conditions, fmt.Sprintf("product = $%d", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM sales`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sales: %w", err)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, req.Offset)
	query := fmt.Sprintf(`SELECT %s FROM sales%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, saleColumns, where, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sales: %w", err)
	}
	defer rows.Close()
	var out []Sale
	for rows.Next() {
		sale, err := scanSale(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, sale)
	}
	return out, total, rows.Err()
}

// SetStockSynced records whether the ledger reflects the sale.
func (r *Repository) SetStockSynced(ctx context.Context, id int64, synced bool) error {
	_, err := r.pool.Exec(ctx, `UPDATE sales SET stock_synced = $2, updated_at = NOW() WHERE id = $1`, id, synced)
	return err
}

func (r *txRepo) CreateSale(ctx context.Context, sale Sale) (int64, error) {
	var id int64
	err := r.tx.QueryRow(ctx, `INSERT INTO sales (invoice_no, customer, product, quantity, unit_price, status, stock_synced, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7, $8, $9) RETURNING id`,
		sale.InvoiceNo, sale.Customer, sale.Product, sale.Quantity, sale.UnitPrice, string(sale.Status), sale.CreatedBy, sale.CreatedAt, sale.UpdatedAt).Scan(&id)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return 0, fmt.Errorf("%w: %s", ErrDuplicateInvoice, sale.InvoiceNo)
		}
		return 0, err
	}
	return id, nil
}

func (r *txRepo) GetSaleForUpdate(ctx context.Context, id int64) (Sale, error) {
	return scanSale(r.tx.QueryRow(ctx, `SELECT `+saleColumns+` FROM sales WHERE id = $1 FOR UPDATE`, id))
}

func (r *txRepo) UpdateSaleStatus(ctx context.Context, id int64, status Status, at time.Time) error {
	tag, err := r.tx.Exec(ctx, `UPDATE sales SET status = $2, updated_at = $3 WHERE id = $1`, id, string(status), at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSale(row pgx.Row) (Sale, error) {
	var (
		sale   Sale
		status string
	)
	err := row.Scan(&sale.ID, &sale.InvoiceNo, &sale.Customer, &sale.Product, &sale.Quantity, &sale.UnitPrice, &status, &sale.StockSynced, &sale.CreatedBy, &sale.CreatedAt, &sale.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Sale{}, ErrNotFound
		}
		return Sale{}, err
	}
	sale.Status = Status(status)
	return sale, nil
}
