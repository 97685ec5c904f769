package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

// StockService defines the ledger operation delivery completion relies on.
type StockService interface {
	PostDelivery(ctx context.Context, input DeliveryPosting) error
}

// DeliveryPosting is what a completed task reports to the ledger.
type DeliveryPosting struct {
	Product     string
	AgentID     string
	Quantity    decimal.Decimal
	Reference   string
	ReferenceID string
	Notes       string
	ActorID     string
}

// RepositoryPort abstracts task persistence.
type RepositoryPort interface {
	WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error
	GetTask(ctx context.Context, id int64) (Task, error)
	ListTasks(ctx context.Context, req ListTasksRequest) ([]Task, int, error)
}

// TxRepository exposes transactional task persistence.
type TxRepository interface {
	CreateTask(ctx context.Context, task Task) (int64, error)
	GetTaskForUpdate(ctx context.Context, id int64) (Task, error)
	UpdateTaskStatus(ctx context.Context, id int64, status TaskStatus, notes string, deliveredAt *time.Time, at time.Time) error
}

// Service provides business logic for delivery operations.
type Service struct {
	repo   RepositoryPort
	stock  StockService
	logger *slog.Logger
	clock  func() time.Time
}

// NewService constructs a delivery service.
func NewService(repo RepositoryPort, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, logger: logger, clock: func() time.Time { return time.Now().UTC() }}
}

// SetStockService sets the stock service for ledger integration.
func (s *Service) SetStockService(st StockService) {
	s.stock = st
}

// CreateTask creates a pending delivery task. The ledger is not touched until completion.
func (s *Service) CreateTask(ctx context.Context, req CreateTaskRequest, createdBy string) (Task, error) {
	product := strings.TrimSpace(req.Product)
	agentID := strings.TrimSpace(req.AgentID)
	if product == "" || agentID == "" {
		return Task{}, fmt.Errorf("%w: product and agentId required", ErrValidation)
	}
	if !req.Quantity.IsPositive() {
		return Task{}, fmt.Errorf("%w: quantity must be positive", ErrValidation)
	}
	if createdBy == "" {
		createdBy = shared.ActorFromContext(ctx)
	}
	now := s.clock()
	task := Task{
		Product:   product,
		AgentID:   agentID,
		AgentName: strings.TrimSpace(req.AgentName),
		Quantity:  req.Quantity,
		Customer:  strings.TrimSpace(req.Customer),
		Status:    TaskStatusPending,
		Notes:     strings.TrimSpace(req.Notes),
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		id, err := tx.CreateTask(ctx, task)
		if err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		task.ID = id
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

// CompleteTask marks the task delivered and posts the delivery to the agent
// sub-ledger in the same task transaction. Ledger errors are returned and leave
// the task pending.
func (s *Service) CompleteTask(ctx context.Context, id int64, req CompleteTaskRequest) (Task, error) {
	if s.stock == nil {
		return Task{}, fmt.Errorf("stock service not initialized")
	}
	var task Task
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetTaskForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !current.Status.CanComplete() {
			return fmt.Errorf("%w: %s", ErrCannotComplete, current.Status)
		}
		notes := current.Notes
		if n := strings.TrimSpace(req.Notes); n != "" {
			notes = n
		}
		actor := shared.ActorFromContext(ctx)
		if actor == "" {
			actor = current.CreatedBy
		}
		now := s.clock()
		if err := tx.UpdateTaskStatus(ctx, id, TaskStatusDelivered, notes, &now, now); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		// The ledger skips a ReferenceID it already holds, so a retry after a
		// failed task commit does not post twice.
		if err := s.stock.PostDelivery(ctx, DeliveryPosting{
			Product:     current.Product,
			AgentID:     current.AgentID,
			Quantity:    current.Quantity,
			Reference:   taskReference(current),
			ReferenceID: taskReferenceID(current.ID),
			Notes:       notes,
			ActorID:     actor,
		}); err != nil {
			return err
		}
		current.Status = TaskStatusDelivered
		current.Notes = notes
		current.DeliveredAt = &now
		current.UpdatedAt = now
		task = current
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	s.logger.Info("delivery task completed",
		slog.Int64("task_id", task.ID),
		slog.String("product", task.Product),
		slog.String("agent_id", task.AgentID),
		slog.String("quantity", task.Quantity.String()))
	return task, nil
}

// CancelTask marks a pending task cancelled.
func (s *Service) CancelTask(ctx context.Context, id int64, req CancelTaskRequest) (Task, error) {
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return Task{}, fmt.Errorf("%w: reason required", ErrValidation)
	}
	var task Task
	err := s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		current, err := tx.GetTaskForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !current.Status.CanCancel() {
			return fmt.Errorf("%w: %s", ErrCannotCancel, current.Status)
		}
		now := s.clock()
		if err := tx.UpdateTaskStatus(ctx, id, TaskStatusCancelled, reason, nil, now); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		current.Status = TaskStatusCancelled
		current.Notes = reason
		current.UpdatedAt = now
		task = current
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return task, nil
}

// GetTask retrieves a task by id.
func (s *Service) GetTask(ctx context.Context, id int64) (Task, error) {
	return s.repo.GetTask(ctx, id)
}

// ListTasks lists tasks newest first.
func (s *Service) ListTasks(ctx context.Context, req ListTasksRequest) ([]Task, int, error) {
	if req.Status != "" && !req.Status.IsValid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrValidation, req.Status)
	}
	return s.repo.ListTasks(ctx, req)
}

func taskReference(t Task) string {
	if t.Customer != "" {
		return fmt.Sprintf("DLV-%d %s", t.ID, t.Customer)
	}
	return fmt.Sprintf("DLV-%d", t.ID)
}

func taskReferenceID(id int64) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("delivery_task:%d", id))).String()
}
