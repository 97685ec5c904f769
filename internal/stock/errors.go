package stock

import (
	"errors"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

var (
	// ErrValidation indicates malformed or missing input.
	ErrValidation = errors.New("stock: validation failed")
	// ErrNotFound indicates the stock record does not exist.
	ErrNotFound = errors.New("stock: record not found")
	// ErrAlreadyExists indicates a record for the product already exists.
	ErrAlreadyExists = errors.New("stock: record already exists")
	// ErrAgentNotFound indicates the agent has no sub-ledger on the record.
	ErrAgentNotFound = errors.New("stock: agent not found")
	// ErrInsufficientStock indicates the requested quantity exceeds the allocation ceiling.
	ErrInsufficientStock = errors.New("stock: insufficient stock")
	// ErrInsufficientInHand indicates the agent holds less than requested.
	ErrInsufficientInHand = errors.New("stock: insufficient stock in hand")
	// ErrInactive indicates the record is soft deleted.
	ErrInactive = errors.New("stock: record inactive")
	// ErrVersionConflict indicates a concurrent writer updated the record first.
	ErrVersionConflict = errors.New("stock: version conflict")
	// ErrInvariant indicates a mutation would leave the ledger inconsistent.
	ErrInvariant = errors.New("stock: invariant violated")
)

// ErrorCode returns a stable machine readable code for err.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrAgentNotFound):
		return "agent_not_found"
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrInsufficientInHand):
		return "insufficient_in_hand"
	case errors.Is(err, ErrInactive):
		return "inactive"
	case errors.Is(err, ErrVersionConflict):
		return "version_conflict"
	case errors.Is(err, shared.ErrLockNotObtained):
		return "locked"
	default:
		return "internal"
	}
}
