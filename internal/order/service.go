package order

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/escortd/internal/domain"
	"github.com/carelink/escortd/internal/logger"
	"github.com/carelink/escortd/internal/metrics"
	"github.com/carelink/escortd/internal/repository"
)

// Settlement is the part of the settlement orchestrator the state machine
// drives: completion enqueues a settlement, a refund reverses it.
type Settlement interface {
	Enqueue(ctx context.Context, orderID string) error
	// Reverse cancels the order's commission lines and reports whether every
	// line is now cancelled.
	Reverse(ctx context.Context, orderID string) (bool, error)
}

// SnapshotFunc returns the commission policy in force right now.
type SnapshotFunc func() domain.StrategyConfig

type Service struct {
	orders     *repository.OrderRepo
	settlement Settlement
	snapshot   SnapshotFunc
	log        *logger.Logger
	now        func() time.Time
}

func NewService(orders *repository.OrderRepo, settlement Settlement, snapshot SnapshotFunc, log *logger.Logger) *Service {
	return &Service{
		orders:     orders,
		settlement: settlement,
		snapshot:   snapshot,
		log:        log.With("component", "order"),
		now:        time.Now,
	}
}

// Create registers a new unpaid order.
func (s *Service) Create(ctx context.Context, amountCents int64) (*domain.Order, error) {
	if amountCents <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidInput)
	}
	o := &domain.Order{
		ID:          uuid.NewString(),
		Status:      domain.StatusPending,
		AmountCents: amountCents,
		CreatedAt:   s.now(),
		Version:     1,
	}
	if err := s.orders.Insert(ctx, o); err != nil {
		return nil, err
	}
	s.log.Info("order created", "order_id", o.ID, "amount_cents", amountCents)
	return o, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Order, error) {
	return s.orders.GetByID(ctx, id)
}

// MarkPaid is the payment-capture callback: pending -> paid.
func (s *Service) MarkPaid(ctx context.Context, id string) (*domain.Order, error) {
	return s.apply(ctx, repository.Transition{
		OrderID: id,
		From:    []domain.OrderStatus{domain.StatusPending},
		To:      domain.StatusPaid,
		Actor:   "payment",
	})
}

// Advance moves an order one step along the service path on behalf of its
// assigned escort. Completing goes through Complete.
func (s *Service) Advance(ctx context.Context, id, escortID string, next domain.OrderStatus, expectedVersion int64) (*domain.Order, error) {
	if next == domain.StatusCompleted {
		return s.Complete(ctx, id, escortID, expectedVersion)
	}
	from, ok := escortSteps[next]
	if !ok {
		return nil, s.rejectUnknown(ctx, id, next)
	}
	if escortID == "" {
		return nil, fmt.Errorf("%w: escort id is required", domain.ErrInvalidInput)
	}
	return s.apply(ctx, repository.Transition{
		OrderID:         id,
		From:            []domain.OrderStatus{from},
		To:              next,
		ExpectedVersion: expectedVersion,
		RequireEscort:   escortID,
		Actor:           escortID,
	})
}

// Complete marks the service finished, captures the commission policy on
// the order and enqueues settlement. Repeating it for an order the same
// escort already completed re-enqueues settlement, which is idempotent.
func (s *Service) Complete(ctx context.Context, id, escortID string, expectedVersion int64) (*domain.Order, error) {
	if escortID == "" {
		return nil, fmt.Errorf("%w: escort id is required", domain.ErrInvalidInput)
	}
	snap := s.snapshot()
	o, err := s.apply(ctx, repository.Transition{
		OrderID:         id,
		From:            []domain.OrderStatus{domain.StatusInProgress},
		To:              domain.StatusCompleted,
		ExpectedVersion: expectedVersion,
		RequireEscort:   escortID,
		Snapshot:        &snap,
		Actor:           escortID,
	})
	if err != nil {
		var te *domain.TransitionError
		if !errors.As(err, &te) || te.Current != domain.StatusCompleted {
			return nil, err
		}
		cur, gerr := s.orders.GetByID(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		if cur.AssignedEscortID != escortID {
			return nil, err
		}
		o = cur
	}

	if err := s.settlement.Enqueue(ctx, o.ID); err != nil {
		// The order stays completed; reconciliation settles it later.
		s.log.Error("enqueue settlement failed", "order_id", o.ID, "error", err)
	}
	return o, nil
}

// Cancel moves an order that has not started service to cancelled.
func (s *Service) Cancel(ctx context.Context, id, actor, reason string, expectedVersion int64) (*domain.Order, error) {
	return s.apply(ctx, repository.Transition{
		OrderID:         id,
		From:            Cancellable,
		To:              domain.StatusCancelled,
		ExpectedVersion: expectedVersion,
		Actor:           actor,
		Reason:          reason,
	})
}

// Refund runs the refund workflow: completed -> refunding, reversal of the
// order's commission lines, then refunding -> refunded once every line is
// cancelled. A failed reversal leaves the order in refunding; calling Refund
// again resumes it.
func (s *Service) Refund(ctx context.Context, id, actor, reason string) (*domain.Order, error) {
	o, err := s.apply(ctx, repository.Transition{
		OrderID: id,
		From:    []domain.OrderStatus{domain.StatusCompleted},
		To:      domain.StatusRefunding,
		Actor:   actor,
		Reason:  reason,
	})
	if err != nil {
		var te *domain.TransitionError
		if !errors.As(err, &te) || te.Current != domain.StatusRefunding {
			return nil, err
		}
		if o, err = s.orders.GetByID(ctx, id); err != nil {
			return nil, err
		}
	}

	done, err := s.settlement.Reverse(ctx, id)
	if err != nil {
		s.log.Error("refund reversal failed", "order_id", id, "error", err)
		return o, err
	}
	if !done {
		s.log.Warn("refund reversal incomplete", "order_id", id)
		return o, nil
	}

	return s.apply(ctx, repository.Transition{
		OrderID: id,
		From:    []domain.OrderStatus{domain.StatusRefunding},
		To:      domain.StatusRefunded,
		Actor:   actor,
		Reason:  reason,
	})
}

func (s *Service) Events(ctx context.Context, id string) ([]domain.OrderEvent, error) {
	if _, err := s.orders.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.orders.ListEvents(ctx, id)
}

func (s *Service) apply(ctx context.Context, t repository.Transition) (*domain.Order, error) {
	if err := Check(t); err != nil {
		return nil, err
	}
	t.At = s.now()
	res, err := s.orders.Apply(ctx, t)
	if err != nil {
		return nil, err
	}
	if !res.OK {
		return nil, Rejection(t, res.Order)
	}
	o := res.Order
	metrics.Transitions.WithLabelValues(string(res.Prev), string(t.To)).Inc()
	s.log.Info("order transition",
		"order_id", o.ID, "from", res.Prev, "to", o.Status, "version", o.Version, "actor", t.Actor)
	return o, nil
}

func (s *Service) rejectUnknown(ctx context.Context, id string, next domain.OrderStatus) error {
	cur, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return err
	}
	return &domain.TransitionError{OrderID: id, From: cur.Status, To: next, Current: cur.Status}
}

// Rejection explains why t did not apply to cur, the order as stored after
// the failed conditional write.
func Rejection(t repository.Transition, cur *domain.Order) error {
	switch {
	case !slices.Contains(t.From, cur.Status):
		return &domain.TransitionError{OrderID: cur.ID, From: cur.Status, To: t.To, Current: cur.Status}
	case t.ExpectedVersion > 0 && cur.Version != t.ExpectedVersion:
		return &domain.ConflictError{OrderID: cur.ID, ExpectedVersion: t.ExpectedVersion, Current: cur}
	case t.RequireEscort != "" && cur.AssignedEscortID != t.RequireEscort:
		return fmt.Errorf("%w: order %s", domain.ErrNotAssignee, cur.ID)
	}
	return &domain.ConflictError{OrderID: cur.ID, ExpectedVersion: t.ExpectedVersion, Current: cur}
}
