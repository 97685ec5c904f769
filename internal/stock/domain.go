package stock

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Unit enumerates supported units of measure.
type Unit string

const (
	UnitPackets Unit = "packets"
	UnitPacks   Unit = "packs"
	UnitKg      Unit = "kg"
)

// IsValid reports whether u is a known unit.
func (u Unit) IsValid() bool {
	switch u {
	case UnitPackets, UnitPacks, UnitKg:
		return true
	default:
		return false
	}
}

// ParseUnit normalises s, defaulting to packets when empty.
func ParseUnit(s string) (Unit, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return UnitPackets, nil
	}
	u := Unit(s)
	if !u.IsValid() {
		return "", fmt.Errorf("%w: unknown unit %q", ErrValidation, s)
	}
	return u, nil
}

// MovementType enumerates movement log entries.
type MovementType string

const (
	MovementPurchase        MovementType = "purchase"
	MovementSale            MovementType = "sale"
	MovementPurchaseReturn  MovementType = "purchase_return"
	MovementSaleReturn      MovementType = "sale_return"
	MovementAgentAllocation MovementType = "agent_allocation"
	MovementAgentDelivery   MovementType = "agent_delivery"
	MovementAgentReturn     MovementType = "agent_return"
	MovementAdjustment      MovementType = "manual_adjustment"
)

// AllocationCheck selects the ceiling used when allocating to agents.
type AllocationCheck string

const (
	// AllocationCheckClosing validates against closing stock only, so stock
	// already given to other agents can be allocated again.
	AllocationCheckClosing AllocationCheck = "closing"
	// AllocationCheckAvailable validates against closing stock minus stock given.
	AllocationCheckAvailable AllocationCheck = "available"
)

// IsValid reports whether c is a known mode.
func (c AllocationCheck) IsValid() bool {
	return c == AllocationCheckClosing || c == AllocationCheckAvailable
}

// Movement is an immutable audit entry appended by every ledger mutation.
type Movement struct {
	ID             string          `json:"id"`
	Type           MovementType    `json:"type"`
	Quantity       decimal.Decimal `json:"quantity"`
	AgentID        string          `json:"agentId,omitempty"`
	Reference      string          `json:"reference,omitempty"`
	ReferenceID    string          `json:"referenceId,omitempty"`
	ReferenceModel string          `json:"referenceModel,omitempty"`
	Notes          string          `json:"notes,omitempty"`
	CreatedBy      string          `json:"createdBy,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Entry carries provenance for a mutation.
type Entry struct {
	Reference      string
	ReferenceID    string
	ReferenceModel string
	Notes          string
	CreatedBy      string
	At             time.Time
}

// AgentStock is the per-agent sub-ledger nested in a Record.
type AgentStock struct {
	AgentID              string          `json:"agentId"`
	AgentName            string          `json:"agentName"`
	StockAllocated       decimal.Decimal `json:"stockAllocated"`
	StockDelivered       decimal.Decimal `json:"stockDelivered"`
	StockReturned        decimal.Decimal `json:"stockReturned"`
	StockReturnedToStore decimal.Decimal `json:"stockReturnedToStore"`
	StockInHand          decimal.Decimal `json:"stockInHand"`
}

// ExpectedInHand derives in-hand quantity from the cumulative counters.
func (a AgentStock) ExpectedInHand() decimal.Decimal {
	return a.StockAllocated.Sub(a.StockDelivered).Add(a.StockReturned).Sub(a.StockReturnedToStore)
}

// Record is the per-product stock ledger.
type Record struct {
	Product        string          `json:"product"`
	OpeningStock   decimal.Decimal `json:"openingStock"`
	TotalPurchases decimal.Decimal `json:"totalPurchases"`
	TotalSales     decimal.Decimal `json:"totalSales"`
	ClosingStock   decimal.Decimal `json:"closingStock"`
	StockGiven     decimal.Decimal `json:"stockGiven"`
	StockDelivered decimal.Decimal `json:"stockDelivered"`
	SalesReturns   decimal.Decimal `json:"salesReturns"`
	StockAvailable decimal.Decimal `json:"stockAvailable"`
	Unit           Unit            `json:"unit"`
	ExpiryDate     *time.Time      `json:"expiryDate,omitempty"`
	MinimumStock   decimal.Decimal `json:"minimumStock"`
	AgentStocks    []AgentStock    `json:"agentStocks"`
	Movements      []Movement      `json:"movements"`
	IsActive       bool            `json:"isActive"`
	Version        int64           `json:"version"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// NewRecord builds an empty active record for product.
func NewRecord(product string, unit Unit, at time.Time) Record {
	return Record{
		Product:     product,
		Unit:        unit,
		AgentStocks: []AgentStock{},
		Movements:   []Movement{},
		IsActive:    true,
		CreatedAt:   at,
		UpdatedAt:   at,
	}
}

// IsExpired reports whether the expiry date has passed at now.
func (r Record) IsExpired(now time.Time) bool {
	return r.ExpiryDate != nil && now.After(*r.ExpiryDate)
}

// IsLowStock reports whether closing stock is at or below the minimum.
func (r Record) IsLowStock() bool {
	return r.ClosingStock.LessThanOrEqual(r.MinimumStock)
}

// TotalInHand sums stock currently held by agents.
func (r Record) TotalInHand() decimal.Decimal {
	total := decimal.Zero
	for _, a := range r.AgentStocks {
		total = total.Add(a.StockInHand)
	}
	return total
}

// Agent returns the sub-ledger for agentID.
func (r *Record) Agent(agentID string) (*AgentStock, bool) {
	for i := range r.AgentStocks {
		if r.AgentStocks[i].AgentID == agentID {
			return &r.AgentStocks[i], true
		}
	}
	return nil, false
}

// HasMovement reports whether a movement of typ for agentID carries referenceID.
func (r Record) HasMovement(typ MovementType, agentID, referenceID string) bool {
	for i := len(r.Movements) - 1; i >= 0; i-- {
		m := r.Movements[i]
		if m.Type == typ && m.AgentID == agentID && m.ReferenceID == referenceID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to mutate independently.
func (r Record) Clone() Record {
	out := r
	if r.ExpiryDate != nil {
		exp := *r.ExpiryDate
		out.ExpiryDate = &exp
	}
	out.AgentStocks = append(make([]AgentStock, 0, len(r.AgentStocks)), r.AgentStocks...)
	out.Movements = append(make([]Movement, 0, len(r.Movements)), r.Movements...)
	return out
}

// Summary is the read model exposed to reporting.
type Summary struct {
	Product        string          `json:"product"`
	Unit           Unit            `json:"unit"`
	OpeningStock   decimal.Decimal `json:"openingStock"`
	TotalPurchases decimal.Decimal `json:"totalPurchases"`
	TotalSales     decimal.Decimal `json:"totalSales"`
	ClosingStock   decimal.Decimal `json:"closingStock"`
	StockGiven     decimal.Decimal `json:"stockGiven"`
	StockDelivered decimal.Decimal `json:"stockDelivered"`
	SalesReturns   decimal.Decimal `json:"salesReturns"`
	StockAvailable decimal.Decimal `json:"stockAvailable"`
	StockInHand    decimal.Decimal `json:"stockInHand"`
	MinimumStock   decimal.Decimal `json:"minimumStock"`
	ExpiryDate     *time.Time      `json:"expiryDate,omitempty"`
	IsExpired      bool            `json:"isExpired"`
	IsLowStock     bool            `json:"isLowStock"`
	IsActive       bool            `json:"isActive"`
	AgentCount     int             `json:"agentCount"`
	MovementCount  int             `json:"movementCount"`
	Version        int64           `json:"version"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Summarize projects r into a Summary evaluated at now.
func (r Record) Summarize(now time.Time) Summary {
	return Summary{
		Product:        r.Product,
		Unit:           r.Unit,
		OpeningStock:   r.OpeningStock,
		TotalPurchases: r.TotalPurchases,
		TotalSales:     r.TotalSales,
		ClosingStock:   r.ClosingStock,
		StockGiven:     r.StockGiven,
		StockDelivered: r.StockDelivered,
		SalesReturns:   r.SalesReturns,
		StockAvailable: r.StockAvailable,
		StockInHand:    r.TotalInHand(),
		MinimumStock:   r.MinimumStock,
		ExpiryDate:     r.ExpiryDate,
		IsExpired:      r.IsExpired(now),
		IsLowStock:     r.IsLowStock(),
		IsActive:       r.IsActive,
		AgentCount:     len(r.AgentStocks),
		MovementCount:  len(r.Movements),
		Version:        r.Version,
		UpdatedAt:      r.UpdatedAt,
	}
}

// CreateInput describes an explicit stock record creation.
type CreateInput struct {
	Product      string
	Unit         string
	ExpiryDate   time.Time
	OpeningStock decimal.Decimal
	MinimumStock decimal.Decimal
	CreatedBy    string
}

// SettingsInput edits non-ledger attributes. Nil fields are left unchanged.
type SettingsInput struct {
	MinimumStock *decimal.Decimal
	ExpiryDate   *time.Time
	IsActive     *bool
	UpdatedBy    string
}

// AllocationItem is one agent line of a batch allocation.
type AllocationItem struct {
	AgentID   string          `json:"agentId"`
	AgentName string          `json:"agentName"`
	Quantity  decimal.Decimal `json:"quantity"`
}

// AllocationStatus reports the outcome of one batch item.
type AllocationStatus string

const (
	AllocationSucceeded AllocationStatus = "success"
	AllocationFailed    AllocationStatus = "failed"
)

// AllocationResult is the per-agent outcome of a batch allocation.
type AllocationResult struct {
	AgentID  string           `json:"agentId"`
	Quantity decimal.Decimal  `json:"quantity"`
	Status   AllocationStatus `json:"status"`
	Code     string           `json:"code,omitempty"`
	Reason   string           `json:"reason,omitempty"`
}

// InHandDrift describes one agent repaired by ReconcileInHand.
type InHandDrift struct {
	AgentID  string          `json:"agentId"`
	Recorded decimal.Decimal `json:"recorded"`
	Expected decimal.Decimal `json:"expected"`
}

// ListFilter filters record listings.
type ListFilter struct {
	IncludeInactive bool
	Limit           int
	Offset          int
}
