package domain

import "time"

type OrderStatus string

const (
	StatusPending    OrderStatus = "pending"
	StatusPaid       OrderStatus = "paid"
	StatusAssigned   OrderStatus = "assigned"
	StatusArrived    OrderStatus = "arrived"
	StatusInProgress OrderStatus = "in_progress"
	StatusCompleted  OrderStatus = "completed"
	StatusCancelled  OrderStatus = "cancelled"
	StatusRefunding  OrderStatus = "refunding"
	StatusRefunded   OrderStatus = "refunded"

	// StatusFailedAssignment never persists on an order. It labels the
	// assigned -> paid edge taken by the reclaim sweep in the event log.
	StatusFailedAssignment OrderStatus = "failed_assignment"
)

// HoldsEscort reports whether an order in this status must carry an
// assigned escort.
func (s OrderStatus) HoldsEscort() bool {
	switch s {
	case StatusAssigned, StatusArrived, StatusInProgress, StatusCompleted:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave this status.
func (s OrderStatus) Terminal() bool {
	return s == StatusCancelled || s == StatusRefunded
}

func (s OrderStatus) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusAssigned, StatusArrived, StatusInProgress,
		StatusCompleted, StatusCancelled, StatusRefunding, StatusRefunded:
		return true
	}
	return false
}

type Order struct {
	ID               string          `json:"id"`
	Status           OrderStatus     `json:"status"`
	AmountCents      int64           `json:"amount_cents"`
	CreatedAt        time.Time       `json:"created_at"`
	AssignedEscortID string          `json:"assigned_escort_id,omitempty"`
	AssignedAt       *time.Time      `json:"assigned_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	Version          int64           `json:"version"`
	Snapshot         *StrategyConfig `json:"settlement_snapshot,omitempty"`
}

// OrderEvent is one row of an order's transition history.
type OrderEvent struct {
	ID         int64       `json:"id"`
	OrderID    string      `json:"order_id"`
	FromStatus OrderStatus `json:"from_status"`
	ToStatus   OrderStatus `json:"to_status"`
	Actor      string      `json:"actor,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Version    int64       `json:"version"`
	At         time.Time   `json:"at"`
}
