package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/stockledger/internal/platform/db"
)

// Repository provides PostgreSQL backed persistence for delivery tasks.
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

const taskColumns = `id, product, agent_id, agent_name, quantity, customer, status, notes, created_by, delivered_at, created_at, updated_at`

// WithTx wraps callback in repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepo{tx: tx})
	})
}

// GetTask retrieves a task by id.
func (r *Repository) GetTask(ctx context.Context, id int64) (Task, error) {
	return scanTask(r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM delivery_tasks WHERE id = $1`, id))
}

// ListTasks lists tasks with optional agent and status filters.
func (r *Repository) ListTasks(ctx context.Context, req ListTasksRequest) ([]Task, int, error) {
	var (
		conditions []string
		args       []any
	)
	if req.AgentID != "" {
		args = append(args, req.AgentID)
		conditions = append(conditions, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	if req.Status != "" {
		args = append(args, string(req.Status))
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)))
	}
	where := ""
	if len(conditions) > 0 {
		where = " WHERE " + strings.Join(conditions, " AND ")
	}

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM delivery_tasks`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count delivery tasks: %w", err)
	}

	limit := req.Limit
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit, req.Offset)
	query := fmt.Sprintf(`SELECT %s FROM delivery_tasks%s ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d`, taskColumns, where, len(args)-1, len(args))
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list delivery tasks: %w", err)
	}
	defer rows.Close()
	var out []Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, task)
	}
	return out, total, rows.Err()
}

func (t *txRepo) CreateTask(ctx context.Context, task Task) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `INSERT INTO delivery_tasks (product, agent_id, agent_name, quantity, customer, status, notes, created_by, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		task.Product, task.AgentID, task.AgentName, task.Quantity, task.Customer, string(task.Status), task.Notes, task.CreatedBy, task.CreatedAt, task.UpdatedAt).Scan(&id)
	return id, err
}

func (t *txRepo) GetTaskForUpdate(ctx context.Context, id int64) (Task, error) {
	return scanTask(t.tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM delivery_tasks WHERE id = $1 FOR UPDATE`, id))
}

func (t *txRepo) UpdateTaskStatus(ctx context.Context, id int64, status TaskStatus, notes string, deliveredAt *time.Time, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `UPDATE delivery_tasks SET status = $2, notes = $3, delivered_at = COALESCE($4, delivered_at), updated_at = $5 WHERE id = $1`,
		id, string(status), notes, deliveredAt, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func scanTask(row pgx.Row) (Task, error) {
	var (
		task   Task
		status string
	)
	err := row.Scan(&task.ID, &task.Product, &task.AgentID, &task.AgentName, &task.Quantity, &task.Customer, &status, &task.Notes, &task.CreatedBy, &task.DeliveredAt, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrTaskNotFound
		}
		return Task{}, err
	}
	task.Status = TaskStatus(status)
	return task, nil
}
