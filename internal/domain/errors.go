package domain

import (
	"errors"
	"fmt"
)

// ─── Sentinel Errors ────────────────────────────────────────────────────────

var (
	// Order state errors
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order transition")
	ErrConflict          = errors.New("order was modified concurrently")
	ErrAlreadyAssigned   = errors.New("already taken, pick another order")
	ErrNotAssignee       = errors.New("caller is not the assigned escort")

	// Settlement errors
	ErrStrategyResolution = errors.New("commission strategy failed")
	ErrNotSettleable      = errors.New("order is not in a settleable state")
	ErrWalletUnavailable  = errors.New("wallet request failed")

	// Storage errors
	ErrLedgerWrite = errors.New("ledger store write failed")

	// Input errors
	ErrInvalidInput = errors.New("invalid input")
)

// TransitionError reports a move that is not in the transition table. It
// carries the order's true status so clients can resynchronise.
type TransitionError struct {
	OrderID string
	From    OrderStatus
	To      OrderStatus
	Current OrderStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("order %s: cannot move %s -> %s (current status %s)",
		e.OrderID, e.From, e.To, e.Current)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// ConflictError reports a version mismatch on a conditional write.
type ConflictError struct {
	OrderID         string
	ExpectedVersion int64
	Current         *Order
}

func (e *ConflictError) Error() string {
	if e.Current == nil {
		return fmt.Sprintf("order %s: version %d is stale", e.OrderID, e.ExpectedVersion)
	}
	return fmt.Sprintf("order %s: version %d is stale (current version %d, status %s)",
		e.OrderID, e.ExpectedVersion, e.Current.Version, e.Current.Status)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// AlreadyAssignedError is the losing outcome of a claim race.
type AlreadyAssignedError struct {
	OrderID string
	Current *Order
}

func (e *AlreadyAssignedError) Error() string { return ErrAlreadyAssigned.Error() }

func (e *AlreadyAssignedError) Is(target error) bool { return target == ErrAlreadyAssigned }
