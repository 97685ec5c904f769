package purchases

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status enumerates purchase lifecycle states.
type Status string

const (
	StatusRecorded Status = "RECORDED"
	StatusReversed Status = "REVERSED"
)

var (
	// ErrValidation indicates malformed input.
	ErrValidation = errors.New("purchases: validation failed")
	// ErrNotFound indicates the purchase does not exist.
	ErrNotFound = errors.New("purchases: not found")
	// ErrInvalidStatus indicates the purchase cannot transition.
	ErrInvalidStatus = errors.New("purchases: invalid status transition")
	// ErrDuplicateNumber indicates the purchase number is taken.
	ErrDuplicateNumber = errors.New("purchases: duplicate number")
)

// Purchase is one vendor purchase of a single product.
type Purchase struct {
	ID          int64           `json:"id"`
	Number      string          `json:"number"`
	Vendor      string          `json:"vendor"`
	Product     string          `json:"product"`
	Quantity    decimal.Decimal `json:"quantity"`
	Unit        string          `json:"unit"`
	UnitCost    decimal.Decimal `json:"unitCost"`
	Status      Status          `json:"status"`
	StockSynced bool            `json:"stockSynced"`
	CreatedBy   string          `json:"createdBy"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// CreateInput describes a new purchase.
type CreateInput struct {
	Number    string          `json:"number" validate:"max=64"`
	Vendor    string          `json:"vendor" validate:"required,max=256"`
	Product   string          `json:"product" validate:"required,max=128"`
	Quantity  decimal.Decimal `json:"quantity"`
	Unit      string          `json:"unit" validate:"omitempty,oneof=packets packs kg"`
	UnitCost  decimal.Decimal `json:"unitCost"`
	CreatedBy string          `json:"-"`
}

// Result reports a purchase together with the outcome of the stock update.
// Stock failures never undo the purchase.
type Result struct {
	Purchase     Purchase `json:"purchase"`
	StockUpdated bool     `json:"stockUpdated"`
	StockError   string   `json:"stockError,omitempty"`
}

// ListFilter narrows purchase listings.
type ListFilter struct {
	Product string
	Status  Status
	Limit   int
	Offset  int
}
