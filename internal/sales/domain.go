package sales

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Status enumerates sale lifecycle states.
type Status string

const (
	StatusInvoiced Status = "INVOICED"
	StatusReversed Status = "REVERSED"
)

var (
	ErrValidation       = errors.New("sales: validation failed")
	ErrNotFound         = errors.New("sales: not found")
	ErrInvalidStatus    = errors.New("sales: invalid status transition")
	ErrDuplicateInvoice = errors.New("sales: duplicate invoice number")
)

// Sale is one invoiced sale of a single product.
type Sale struct {
	ID          int64           `json:"id"`
	InvoiceNo   string          `json:"invoiceNo"`
	Customer    string          `json:"customer"`
	Product     string          `json:"product"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	Status      Status          `json:"status"`
	StockSynced bool            `json:"stockSynced"`
	CreatedBy   string          `json:"createdBy"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// Total returns quantity times unit price.
func (s Sale) Total() decimal.Decimal {
	return s.Quantity.Mul(s.UnitPrice)
}

// CreateSaleRequest describes a new sale.
type CreateSaleRequest struct {
	InvoiceNo string          `json:"invoiceNo" validate:"max=64"`
	Customer  string          `json:"customer" validate:"required,max=256"`
	Product   string          `json:"product" validate:"required,max=128"`
	Quantity  decimal.Decimal `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
}

// SaleResult carries the sale and whether the ledger accepted it.
type SaleResult struct {
	Sale         Sale            `json:"sale"`
	Total        decimal.Decimal `json:"total"`
	StockUpdated bool            `json:"stockUpdated"`
	StockError   string          `json:"stockError,omitempty"`
}

// ListSalesRequest narrows listings.
type ListSalesRequest struct {
	Customer string
	Product  string
	Limit    int
	Offset   int
}
