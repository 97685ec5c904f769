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
	"github.com/odyssey-erp/stockledger/internal/stock"
)

// AlertSource loads low-stock and expiring records together.
type AlertSource interface {
	Alerts(ctx context.Context, within time.Duration) (stock.Alerts, error)
}

// StockAlertsJob logs and counts stock that needs attention.
type StockAlertsJob struct {
	Source        AlertSource
	Logger        *slog.Logger
	Metrics       *jobmetrics.Metrics
	DefaultWithin time.Duration
}

// NewStockAlertsJob constructs the alert scan handler.
func NewStockAlertsJob(source AlertSource, within time.Duration, logger *slog.Logger, metrics *jobmetrics.Metrics) *StockAlertsJob {
	if within <= 0 {
		within = 72 * time.Hour
	}
	return &StockAlertsJob{Source: source, Logger: logger, Metrics: metrics, DefaultWithin: within}
}

// Handle executes the alert scan.
func (j *StockAlertsJob) Handle(ctx context.Context, task *asynq.Task) error {
	if j == nil || j.Source == nil {
		return errors.New("stock alerts: dependencies not configured")
	}
	var payload StockAlertsPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	within := j.DefaultWithin
	if payload.Within != "" {
		d, err := time.ParseDuration(payload.Within)
		if err != nil || d < 0 {
			return fmt.Errorf("%w: invalid window %q", asynq.SkipRetry, payload.Within)
		}
		within = d
	}

	tracker := j.metrics().Track(TaskStockAlerts)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	alerts, err := j.Source.Alerts(ctx, within)
	if err != nil {
		resultErr = err
		j.log().Error("load alerts", slog.Any("error", err))
		return resultErr
	}

	for _, s := range alerts.LowStock {
		j.log().Warn("low stock",
			slog.String("product", s.Product),
			slog.String("closing", s.ClosingStock.String()),
			slog.String("minimum", s.MinimumStock.String()))
	}
	for _, s := range alerts.Expiring {
		attrs := []any{slog.String("product", s.Product), slog.Bool("expired", s.IsExpired)}
		if s.ExpiryDate != nil {
			attrs = append(attrs, slog.Time("expiry_date", *s.ExpiryDate))
		}
		j.log().Warn("stock expiring", attrs...)
	}
	j.metrics().AddAlerts("low_stock", len(alerts.LowStock))
	j.metrics().AddAlerts("expiring", len(alerts.Expiring))

	j.log().Info("stock alert scan finished",
		slog.Int("low_stock", len(alerts.LowStock)),
		slog.Int("expiring", len(alerts.Expiring)),
		slog.String("within", alerts.Within))
	return resultErr
}

func (j *StockAlertsJob) metrics() *jobmetrics.Metrics {
	if j != nil && j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}

func (j *StockAlertsJob) log() *slog.Logger {
	if j != nil && j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskStockAlerts))
	}
	return slog.Default().With(slog.String("job", TaskStockAlerts))
}
