package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/odyssey-erp/stockledger/internal/jobs"
	"github.com/odyssey-erp/stockledger/internal/shared"
	"github.com/odyssey-erp/stockledger/internal/stock"
)

const reconcilePageSize = 100

// ReconcileService describes the ledger operations the reconcile job drives.
type ReconcileService interface {
	ReconcileInHand(ctx context.Context, product string, ref stock.Entry) ([]stock.InHandDrift, error)
	List(ctx context.Context, includeInactive bool, page, perPage int) ([]stock.Summary, shared.Pagination, error)
}

// StockReconcileJob repairs agent in-hand drift.
type StockReconcileJob struct {
	Service ReconcileService
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewStockReconcileJob constructs the job handler.
func NewStockReconcileJob(service ReconcileService, logger *slog.Logger, metrics *jobmetrics.Metrics) *StockReconcileJob {
	return &StockReconcileJob{
		Service: service,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the reconcile job.
func (j *StockReconcileJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("stock reconcile: dependencies not configured")
	}
	var payload StockReconcilePayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.Product == "" {
		payload.Product = allProducts
	}

	tracker := j.metrics().Track(TaskStockReconcile)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	products, err := j.resolveProducts(ctx, payload.Product)
	if err != nil {
		resultErr = err
		j.log().Error("resolve products", slog.String("product", payload.Product), slog.Any("error", err))
		return resultErr
	}

	start := j.now()
	ref := stock.Entry{
		Reference:      "scheduled reconcile",
		ReferenceModel: "job",
		CreatedBy:      "system",
	}
	var (
		repaired int
		failures []error
	)
	for _, product := range products {
		drifts, err := j.Service.ReconcileInHand(ctx, product, ref)
		if err != nil {
			if errors.Is(err, stock.ErrNotFound) && payload.Product != allProducts {
				j.log().Warn("product not found", slog.String("product", product))
				resultErr = fmt.Errorf("%w: %v", asynq.SkipRetry, err)
				return resultErr
			}
			j.log().Error("reconcile product", slog.String("product", product), slog.Any("error", err))
			failures = append(failures, fmt.Errorf("%s: %w", product, err))
			continue
		}
		for _, d := range drifts {
			j.log().Warn("agent in-hand repaired",
				slog.String("product", product),
				slog.String("agent_id", d.AgentID),
				slog.String("recorded", d.Recorded.String()),
				slog.String("expected", d.Expected.String()))
		}
		repaired += len(drifts)
	}
	j.metrics().AddAlerts("in_hand_drift", repaired)

	resultErr = errors.Join(failures...)
	j.log().Info("reconciled stock records",
		slog.Int("products", len(products)),
		slog.Int("repaired", repaired),
		slog.Int("failed", len(failures)),
		slog.Duration("duration", time.Since(start)))
	return resultErr
}

func (j *StockReconcileJob) resolveProducts(ctx context.Context, product string) ([]string, error) {
	if product != "" && product != allProducts {
		return []string{product}, nil
	}
	var out []string
	for page := 1; ; page++ {
		items, p, err := j.Service.List(ctx, false, page, reconcilePageSize)
		if err != nil {
			return nil, err
		}
		for _, item := range items {
			out = append(out, item.Product)
		}
		if page >= p.TotalPages || len(items) == 0 {
			return out, nil
		}
	}
}

func (j *StockReconcileJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *StockReconcileJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskStockReconcile))
	}
	return slog.Default().With(slog.String("job", TaskStockReconcile))
}

func (j *StockReconcileJob) now() time.Time {
	if j != nil && j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
