package delivery

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// TaskStatus represents the lifecycle of a delivery task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "PENDING"
	TaskStatusDelivered TaskStatus = "DELIVERED"
	TaskStatusCancelled TaskStatus = "CANCELLED"
)

// IsValid checks if the status is valid.
func (s TaskStatus) IsValid() bool {
	switch s {
	case TaskStatusPending, TaskStatusDelivered, TaskStatusCancelled:
		return true
	default:
		return false
	}
}

// CanComplete checks if a task can be marked delivered.
func (s TaskStatus) CanComplete() bool {
	return s == TaskStatusPending
}

// CanCancel checks if a task can be cancelled.
func (s TaskStatus) CanCancel() bool {
	return s == TaskStatusPending
}

// Common errors
var (
	ErrTaskNotFound   = errors.New("delivery task not found")
	ErrCannotComplete = errors.New("cannot complete delivery task in current status")
	ErrCannotCancel   = errors.New("cannot cancel delivery task in current status")
	ErrValidation     = errors.New("delivery: validation failed")
)

// Task is a unit of goods an agent carries to a customer.
type Task struct {
	ID          int64           `json:"id"`
	Product     string          `json:"product"`
	AgentID     string          `json:"agentId"`
	AgentName   string          `json:"agentName"`
	Quantity    decimal.Decimal `json:"quantity"`
	Customer    string          `json:"customer"`
	Status      TaskStatus      `json:"status"`
	Notes       string          `json:"notes,omitempty"`
	CreatedBy   string          `json:"createdBy"`
	DeliveredAt *time.Time      `json:"deliveredAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// CreateTaskRequest represents request to create a delivery task.
type CreateTaskRequest struct {
	Product   string          `json:"product" validate:"required,max=128"`
	AgentID   string          `json:"agentId" validate:"required,max=64"`
	AgentName string          `json:"agentName" validate:"max=256"`
	Quantity  decimal.Decimal `json:"quantity"`
	Customer  string          `json:"customer" validate:"max=256"`
	Notes     string          `json:"notes" validate:"max=1024"`
}

// CompleteTaskRequest carries optional completion notes.
type CompleteTaskRequest struct {
	Notes string `json:"notes" validate:"max=1024"`
}

// CancelTaskRequest carries the cancellation reason.
type CancelTaskRequest struct {
	Reason string `json:"reason" validate:"required,max=1024"`
}

// ListTasksRequest narrows task listings.
type ListTasksRequest struct {
	AgentID string
	Status  TaskStatus
	Limit   int
	Offset  int
}
