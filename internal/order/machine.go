// Package order implements the order state machine: the legal status
// transitions, their guards and their side effects.
package order

import (
	"fmt"

	"github.com/carelink/escortd/internal/domain"
	"github.com/carelink/escortd/internal/repository"
)

// transitions lists every legal edge. Anything else is rejected.
var transitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.StatusPending:    {domain.StatusPaid, domain.StatusCancelled},
	domain.StatusPaid:       {domain.StatusAssigned, domain.StatusCancelled},
	domain.StatusAssigned:   {domain.StatusArrived, domain.StatusCancelled, domain.StatusPaid},
	domain.StatusArrived:    {domain.StatusInProgress, domain.StatusCancelled},
	domain.StatusInProgress: {domain.StatusCompleted},
	domain.StatusCompleted:  {domain.StatusRefunding},
	domain.StatusRefunding:  {domain.StatusRefunded},
}

// Allowed reports whether from -> to is in the transition table.
func Allowed(from, to domain.OrderStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sources returns every status from which to is reachable in one step.
func Sources(to domain.OrderStatus) []domain.OrderStatus {
	var out []domain.OrderStatus
	for _, from := range []domain.OrderStatus{
		domain.StatusPending, domain.StatusPaid, domain.StatusAssigned, domain.StatusArrived,
		domain.StatusInProgress, domain.StatusCompleted, domain.StatusRefunding,
	} {
		if Allowed(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Check rejects a transition with any source status the table does not
// allow. Every write in this package and in the grab coordinator goes
// through it.
func Check(t repository.Transition) error {
	for _, from := range t.From {
		if !Allowed(from, t.To) {
			return fmt.Errorf("%w: %s -> %s is not a legal edge", domain.ErrInvalidTransition, from, t.To)
		}
	}
	return nil
}

// escortSteps are the moves only the assigned escort may make.
var escortSteps = map[domain.OrderStatus]domain.OrderStatus{
	domain.StatusArrived:    domain.StatusAssigned,
	domain.StatusInProgress: domain.StatusArrived,
	domain.StatusCompleted:  domain.StatusInProgress,
}

// Cancellable are the statuses a user or admin may cancel from.
var Cancellable = Sources(domain.StatusCancelled)
