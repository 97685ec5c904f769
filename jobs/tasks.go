package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskStockReconcile repairs agent in-hand drift for one or all products.
	TaskStockReconcile = "stock:reconcile"
	// TaskStockAlerts scans for low-stock and expiring products.
	TaskStockAlerts = "stock:alerts"
	// TaskIdempotencyCleanup prunes expired idempotency keys.
	TaskIdempotencyCleanup = "idempotency:cleanup"

	allProducts = "all"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// StockReconcilePayload scopes a reconcile run. Product "all" walks every active record.
type StockReconcilePayload struct {
	Product string `json:"product"`
}

// StockAlertsPayload configures the expiry window of an alert scan.
type StockAlertsPayload struct {
	Within string `json:"within"`
}

// IdempotencyCleanupPayload sets how old a key must be before it is pruned.
type IdempotencyCleanupPayload struct {
	OlderThan string `json:"older_than"`
}

// NewStockReconcileTask constructs an Asynq task for in-hand reconciliation.
func NewStockReconcileTask(product string) (*asynq.Task, error) {
	if product == "" {
		product = allProducts
	}
	body, err := json.Marshal(StockReconcilePayload{Product: product})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockReconcile, body, asynq.Queue(QueueDefault)), nil
}

// NewStockAlertsTask constructs an Asynq task for the alert scan.
func NewStockAlertsTask(within time.Duration) (*asynq.Task, error) {
	payload := StockAlertsPayload{}
	if within > 0 {
		payload.Within = within.String()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskStockAlerts, body, asynq.Queue(QueueDefault)), nil
}

// NewIdempotencyCleanupTask constructs an Asynq task pruning idempotency keys.
func NewIdempotencyCleanupTask(olderThan time.Duration) (*asynq.Task, error) {
	payload := IdempotencyCleanupPayload{}
	if olderThan > 0 {
		payload.OlderThan = olderThan.String()
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskIdempotencyCleanup, body, asynq.Queue(QueueDefault), asynq.MaxRetry(1)), nil
}
