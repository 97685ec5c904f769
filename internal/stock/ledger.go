package stock

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Mutations on Record validate every precondition before touching a counter,
// so a rejected call leaves the record unchanged. Each accepted call mutates
// its counters, recomputes derived fields and appends exactly one movement.

// Recompute refreshes derived fields from the cumulative counters.
func (r *Record) Recompute() {
	r.ClosingStock = r.OpeningStock.Add(r.TotalPurchases).Sub(r.TotalSales)
	r.StockAvailable = r.ClosingStock.Sub(r.StockGiven)
}

// CheckInvariants verifies counters are non-negative and derived fields agree.
func (r *Record) CheckInvariants() error {
	counters := []struct {
		name  string
		value decimal.Decimal
	}{
		{"openingStock", r.OpeningStock},
		{"totalPurchases", r.TotalPurchases},
		{"totalSales", r.TotalSales},
		{"stockGiven", r.StockGiven},
		{"stockDelivered", r.StockDelivered},
		{"salesReturns", r.SalesReturns},
	}
	for _, c := range counters {
		if c.value.IsNegative() {
			return fmt.Errorf("%w: %s is negative (%s)", ErrInvariant, c.name, c.value)
		}
	}
	if !r.ClosingStock.Equal(r.OpeningStock.Add(r.TotalPurchases).Sub(r.TotalSales)) {
		return fmt.Errorf("%w: closingStock out of sync", ErrInvariant)
	}
	if !r.StockAvailable.Equal(r.ClosingStock.Sub(r.StockGiven)) {
		return fmt.Errorf("%w: stockAvailable out of sync", ErrInvariant)
	}
	for _, a := range r.AgentStocks {
		if a.StockInHand.IsNegative() {
			return fmt.Errorf("%w: agent %s stockInHand is negative", ErrInvariant, a.AgentID)
		}
	}
	return nil
}

// ApplyPurchase records an inbound purchase.
func (r *Record) ApplyPurchase(qty decimal.Decimal, e Entry) error {
	if err := requirePositive(qty); err != nil {
		return err
	}
	r.TotalPurchases = r.TotalPurchases.Add(qty)
	r.Recompute()
	r.appendMovement(MovementPurchase, qty, "", e)
	return nil
}

// ApplySale records an outbound sale. When enforceAvailable is set the sale
// must fit within stockAvailable.
func (r *Record) ApplySale(qty decimal.Decimal, enforceAvailable bool, e Entry) error {
	if err := requirePositive(qty); err != nil {
		return err
	}
	if enforceAvailable && qty.GreaterThan(r.StockAvailable) {
		return fmt.Errorf("%w: sale %s exceeds available %s", ErrInsufficientStock, qty, r.StockAvailable)
	}
	r.TotalSales = r.TotalSales.Add(qty)
	r.Recompute()
	r.appendMovement(MovementSale, qty, "", e)
	return nil
}

// ApplyPurchaseReturn reverses part of the recorded purchases.
func (r *Record) ApplyPurchaseReturn(qty decimal.Decimal, e Entry) error {
	if err := requirePositive(qty); err != nil {
		return err
	}
	if qty.GreaterThan(r.TotalPurchases) {
		return fmt.Errorf("%w: return %s exceeds recorded purchases %s", ErrValidation, qty, r.TotalPurchases)
	}
	r.TotalPurchases = r.TotalPurchases.Sub(qty)
	r.Recompute()
	r.appendMovement(MovementPurchaseReturn, qty, "", e)
	return nil
}

// ApplySaleReturn reverses part of the recorded sales.
func (r *Record) ApplySaleReturn(qty decimal.Decimal, e Entry) error {
	if err := requirePositive(qty); err != nil {
		return err
	}
	if qty.GreaterThan(r.TotalSales) {
		return fmt.Errorf("%w: return %s exceeds recorded sales %s", ErrValidation, qty, r.TotalSales)
	}
	r.TotalSales = r.TotalSales.Sub(qty)
	r.Recompute()
	r.appendMovement(MovementSaleReturn, qty, "", e)
	return nil
}

// Allocate hands qty to an agent, creating the sub-ledger on first use.
func (r *Record) Allocate(agentID, agentName string, qty decimal.Decimal, check AllocationCheck, e Entry) error {
	if agentID == "" {
		return fmt.Errorf("%w: agent id required", ErrValidation)
	}
	if err := requirePositive(qty); err != nil {
		return err
	}
	ceiling := r.ClosingStock
	if check == AllocationCheckAvailable {
		ceiling = r.StockAvailable
	}
	if qty.GreaterThan(ceiling) {
		return fmt.Errorf("%w: allocation %s exceeds %s stock %s", ErrInsufficientStock, qty, check, ceiling)
	}
	agent, ok := r.Agent(agentID)
	if !ok {
		r.AgentStocks = append(r.AgentStocks, AgentStock{AgentID: agentID, AgentName: agentName})
		agent = &r.AgentStocks[len(r.AgentStocks)-1]
	} else if agentName != "" {
		agent.AgentName = agentName
	}
	agent.StockAllocated = agent.StockAllocated.Add(qty)
	agent.StockInHand = agent.StockInHand.Add(qty)
	r.StockGiven = r.StockGiven.Add(qty)
	r.Recompute()
	if e.Reference == "" {
		e.Reference = agent.AgentName
	}
	r.appendMovement(MovementAgentAllocation, qty, agentID, e)
	return nil
}

// Deliver marks qty of the agent's in-hand stock as delivered to customers.
// Stock given is untouched: delivered stock does not return to the pool.
func (r *Record) Deliver(agentID string, qty decimal.Decimal, e Entry) error {
	agent, ok := r.Agent(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if err := requirePositive(qty); err != nil {
		return err
	}
	if qty.GreaterThan(agent.StockInHand) {
		return fmt.Errorf("%w: delivery %s exceeds in hand %s", ErrInsufficientInHand, qty, agent.StockInHand)
	}
	agent.StockDelivered = agent.StockDelivered.Add(qty)
	agent.StockInHand = agent.StockInHand.Sub(qty)
	r.StockDelivered = r.StockDelivered.Add(qty)
	r.Recompute()
	r.appendMovement(MovementAgentDelivery, qty, agentID, e)
	return nil
}

// AcceptSalesReturn books goods a customer handed back to the agent.
func (r *Record) AcceptSalesReturn(agentID string, qty decimal.Decimal, e Entry) error {
	agent, ok := r.Agent(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if err := requirePositive(qty); err != nil {
		return err
	}
	agent.StockReturned = agent.StockReturned.Add(qty)
	agent.StockInHand = agent.StockInHand.Add(qty)
	r.SalesReturns = r.SalesReturns.Add(qty)
	r.Recompute()
	r.appendMovement(MovementSaleReturn, qty, agentID, e)
	return nil
}

// ReturnToStore moves qty from the agent back into the main pool.
func (r *Record) ReturnToStore(agentID string, qty decimal.Decimal, e Entry) error {
	agent, ok := r.Agent(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if err := requirePositive(qty); err != nil {
		return err
	}
	if qty.GreaterThan(agent.StockInHand) {
		return fmt.Errorf("%w: return %s exceeds in hand %s", ErrInsufficientInHand, qty, agent.StockInHand)
	}
	if qty.GreaterThan(r.StockGiven) {
		return fmt.Errorf("%w: return %s exceeds stock given %s", ErrInsufficientStock, qty, r.StockGiven)
	}
	agent.StockInHand = agent.StockInHand.Sub(qty)
	agent.StockReturnedToStore = agent.StockReturnedToStore.Add(qty)
	r.StockGiven = r.StockGiven.Sub(qty)
	r.Recompute()
	r.appendMovement(MovementAgentReturn, qty, agentID, e)
	return nil
}

// AdjustOpening corrects the opening stock by a signed delta.
func (r *Record) AdjustOpening(delta decimal.Decimal, e Entry) error {
	if delta.IsZero() {
		return fmt.Errorf("%w: adjustment must be non zero", ErrValidation)
	}
	next := r.OpeningStock.Add(delta)
	if next.IsNegative() {
		return fmt.Errorf("%w: opening stock would become %s", ErrValidation, next)
	}
	r.OpeningStock = next
	r.Recompute()
	r.appendMovement(MovementAdjustment, delta, "", e)
	return nil
}

// ReconcileInHand repairs agents whose incrementally maintained in-hand
// quantity drifted from their cumulative counters. One adjustment movement is
// appended per repaired agent.
func (r *Record) ReconcileInHand(e Entry) ([]InHandDrift, error) {
	var drifts []InHandDrift
	for i := range r.AgentStocks {
		expected := r.AgentStocks[i].ExpectedInHand()
		if expected.IsNegative() {
			return nil, fmt.Errorf("%w: agent %s counters imply negative in hand %s", ErrInvariant, r.AgentStocks[i].AgentID, expected)
		}
		if !expected.Equal(r.AgentStocks[i].StockInHand) {
			drifts = append(drifts, InHandDrift{AgentID: r.AgentStocks[i].AgentID, Recorded: r.AgentStocks[i].StockInHand, Expected: expected})
		}
	}
	for _, d := range drifts {
		agent, _ := r.Agent(d.AgentID)
		agent.StockInHand = d.Expected
		entry := e
		entry.Notes = fmt.Sprintf("in-hand reconciled from %s to %s", d.Recorded, d.Expected)
		r.appendMovement(MovementAdjustment, d.Expected.Sub(d.Recorded), d.AgentID, entry)
	}
	r.Recompute()
	return drifts, nil
}

func (r *Record) appendMovement(typ MovementType, qty decimal.Decimal, agentID string, e Entry) {
	at := e.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	r.Movements = append(r.Movements, Movement{
		ID:             uuid.NewString(),
		Type:           typ,
		Quantity:       qty,
		AgentID:        agentID,
		Reference:      e.Reference,
		ReferenceID:    e.ReferenceID,
		ReferenceModel: e.ReferenceModel,
		Notes:          e.Notes,
		CreatedBy:      e.CreatedBy,
		CreatedAt:      at,
	})
}

func requirePositive(qty decimal.Decimal) error {
	if !qty.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive, got %s", ErrValidation, qty)
	}
	return nil
}
