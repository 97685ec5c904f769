package stock

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/stockledger/internal/platform/cache"
)

// ReportSource exposes the read operations backing reports.
type ReportSource interface {
	LowStock(ctx context.Context) ([]Summary, error)
	Expiring(ctx context.Context, within time.Duration) ([]Summary, error)
}

// Alerts bundles low stock and expiry results.
type Alerts struct {
	LowStock    []Summary `json:"lowStock"`
	Expiring    []Summary `json:"expiring"`
	Within      string    `json:"within"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Reports serves cached read-only stock reports.
type Reports struct {
	source ReportSource
	cache  *cache.Cache
	group  singleflight.Group
	clock  func() time.Time
}

// NewReports wires a source with the versioned cache. A nil cache disables caching.
func NewReports(source ReportSource, c *cache.Cache) *Reports {
	return &Reports{source: source, cache: c, clock: func() time.Time { return time.Now().UTC() }}
}

// LowStock returns records at or below their minimum.
func (r *Reports) LowStock(ctx context.Context) ([]Summary, error) {
	var out []Summary
	err := r.cached(ctx, &out, func(ctx context.Context) (any, error) {
		return r.source.LowStock(ctx)
	}, "stock", "report", "low")
	return out, err
}

// Expiring returns records expiring within the window.
func (r *Reports) Expiring(ctx context.Context, within time.Duration) ([]Summary, error) {
	var out []Summary
	err := r.cached(ctx, &out, func(ctx context.Context) (any, error) {
		return r.source.Expiring(ctx, within)
	}, "stock", "report", "expiring", within.String())
	return out, err
}

// Alerts loads both reports concurrently.
func (r *Reports) Alerts(ctx context.Context, within time.Duration) (Alerts, error) {
	alerts := Alerts{Within: within.String(), GeneratedAt: r.clock()}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rows, err := r.LowStock(gctx)
		alerts.LowStock = rows
		return err
	})
	g.Go(func() error {
		rows, err := r.Expiring(gctx, within)
		alerts.Expiring = rows
		return err
	})
	if err := g.Wait(); err != nil {
		return Alerts{}, err
	}
	return alerts, nil
}

func (r *Reports) cached(ctx context.Context, dest *[]Summary, loader func(context.Context) (any, error), parts ...string) error {
	key, err := r.cache.BuildKey(ctx, parts...)
	if err != nil {
		return err
	}
	ch := r.group.DoChan(key, func() (any, error) {
		var rows []Summary
		if err := r.cache.FetchJSON(ctx, key, &rows, loader); err != nil {
			return nil, err
		}
		return rows, nil
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		rows, _ := res.Val.([]Summary)
		if rows == nil {
			rows = []Summary{}
		}
		*dest = rows
		return nil
	}
}
