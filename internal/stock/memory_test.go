package stock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

type memoryRepo struct {
	mu      sync.Mutex
	records map[string]Record
	// beforeUpdate runs inside Update before the version check.
	beforeUpdate func(product string)
	updates      int
}

type memoryTx struct {
	repo   *memoryRepo
	staged map[string]Record
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{records: make(map[string]Record)}
}

func (r *memoryRepo) WithTx(ctx context.Context, fn func(context.Context, TxRepository) error) error {
	tx := &memoryTx{repo: r, staged: make(map[string]Record)}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, rec := range tx.staged {
		r.records[k] = rec
	}
	return nil
}

func (r *memoryRepo) Get(_ context.Context, product string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[product]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *memoryRepo) snapshot(include func(Record) bool) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Record
	for _, rec := range r.records {
		if include(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Product < out[j].Product })
	return out
}

func (r *memoryRepo) List(_ context.Context, filter ListFilter) ([]Record, int, error) {
	all := r.snapshot(func(rec Record) bool { return rec.IsActive || filter.IncludeInactive })
	start := min(filter.Offset, len(all))
	end := len(all)
	if filter.Limit > 0 {
		end = min(start+filter.Limit, len(all))
	}
	return all[start:end], len(all), nil
}

func (r *memoryRepo) ListLowStock(context.Context) ([]Record, error) {
	return r.snapshot(func(rec Record) bool { return rec.IsActive && rec.IsLowStock() }), nil
}

func (r *memoryRepo) ListExpiring(_ context.Context, before time.Time) ([]Record, error) {
	return r.snapshot(func(rec Record) bool {
		return rec.IsActive && rec.ExpiryDate != nil && rec.ExpiryDate.Before(before)
	}), nil
}

// set stores rec directly, bypassing the service.
func (r *memoryRepo) set(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.Product] = rec.Clone()
}

func (tx *memoryTx) GetForUpdate(_ context.Context, product string) (Record, error) {
	if rec, ok := tx.staged[product]; ok {
		return rec.Clone(), nil
	}
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	rec, ok := tx.repo.records[product]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (tx *memoryTx) Insert(_ context.Context, rec *Record) error {
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	if _, ok := tx.repo.records[rec.Product]; ok {
		return ErrAlreadyExists
	}
	rec.Version = 1
	tx.staged[rec.Product] = rec.Clone()
	return nil
}

func (tx *memoryTx) Update(_ context.Context, rec *Record) error {
	if hook := tx.repo.beforeUpdate; hook != nil {
		hook(rec.Product)
	}
	tx.repo.mu.Lock()
	defer tx.repo.mu.Unlock()
	current, ok := tx.repo.records[rec.Product]
	if !ok || current.Version != rec.Version {
		return ErrVersionConflict
	}
	rec.Version++
	tx.repo.updates++
	tx.staged[rec.Product] = rec.Clone()
	return nil
}

type memoryAudit struct {
	mu   sync.Mutex
	logs []shared.AuditLog
}

func (a *memoryAudit) Record(_ context.Context, log shared.AuditLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logs = append(a.logs, log)
	return nil
}

type countingMetrics struct {
	mu     sync.Mutex
	counts map[string]int
}

func (m *countingMetrics) ObserveStockMutation(operation, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]int)
	}
	m.counts[operation+"/"+outcome]++
}

var fixedNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestService(cfg ServiceConfig) (*Service, *memoryRepo) {
	repo := newMemoryRepo()
	svc := NewService(repo, nil, nil, cfg)
	svc.clock = func() time.Time { return fixedNow }
	return svc, repo
}
