package delivery

import (
	"context"
	"fmt"

	"github.com/odyssey-erp/stockledger/internal/stock"
)

// StockAdapter adapts the stock.Service to the StockService interface
// required by the delivery service.
type StockAdapter struct {
	service *stock.Service
}

// NewStockAdapter creates a new stock adapter.
func NewStockAdapter(service *stock.Service) *StockAdapter {
	return &StockAdapter{service: service}
}

// PostDelivery records delivered quantity on the agent sub-ledger.
func (a *StockAdapter) PostDelivery(ctx context.Context, input DeliveryPosting) error {
	if a.service == nil {
		return fmt.Errorf("stock service not initialized")
	}
	_, err := a.service.UpdateAgentDelivery(ctx, input.Product, input.AgentID, input.Quantity, stock.Entry{
		Reference:      input.Reference,
		ReferenceID:    input.ReferenceID,
		ReferenceModel: "delivery_task",
		Notes:          input.Notes,
		CreatedBy:      input.ActorID,
	})
	if err != nil {
		return fmt.Errorf("post agent delivery: %w", err)
	}
	return nil
}
