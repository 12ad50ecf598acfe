// Package grab resolves concurrent claims on pool orders and returns
// abandoned claims to the pool.
package grab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carelink/escortd/internal/domain"
	"github.com/carelink/escortd/internal/logger"
	"github.com/carelink/escortd/internal/metrics"
	"github.com/carelink/escortd/internal/order"
	"github.com/carelink/escortd/internal/repository"
)

const sweepBatch = 200

type Coordinator struct {
	orders  *repository.OrderRepo
	timeout time.Duration
	log     *logger.Logger
	now     func() time.Time
}

func NewCoordinator(orders *repository.OrderRepo, claimTimeout time.Duration, log *logger.Logger) *Coordinator {
	return &Coordinator{
		orders:  orders,
		timeout: claimTimeout,
		log:     log.With("component", "grab"),
		now:     time.Now,
	}
}

// Claim assigns a paid order to escortID with a single conditional write.
// Exactly one of any number of concurrent claims wins; the rest get an
// *domain.AlreadyAssignedError. A non-zero expectedVersion must also match.
func (c *Coordinator) Claim(ctx context.Context, orderID, escortID string, expectedVersion int64) (*domain.Order, error) {
	if escortID == "" {
		return nil, fmt.Errorf("%w: escort id is required", domain.ErrInvalidInput)
	}
	t := repository.Transition{
		OrderID:           orderID,
		From:              []domain.OrderStatus{domain.StatusPaid},
		To:                domain.StatusAssigned,
		ExpectedVersion:   expectedVersion,
		RequireUnassigned: true,
		AssignEscort:      escortID,
		At:                c.now(),
		Actor:             escortID,
	}
	if err := order.Check(t); err != nil {
		return nil, err
	}
	res, err := c.orders.Apply(ctx, t)
	if err != nil {
		metrics.Claims.WithLabelValues("error").Inc()
		return nil, err
	}
	if res.OK {
		metrics.Claims.WithLabelValues("won").Inc()
		metrics.Transitions.WithLabelValues(string(res.Prev), string(t.To)).Inc()
		c.log.Info("order claimed", "order_id", orderID, "escort_id", escortID, "version", res.Order.Version)
		return res.Order, nil
	}

	cur := res.Order
	if cur.Status.HoldsEscort() {
		metrics.Claims.WithLabelValues("already_assigned").Inc()
		c.log.Debug("claim lost", "order_id", orderID, "escort_id", escortID, "winner", cur.AssignedEscortID)
		return nil, &domain.AlreadyAssignedError{OrderID: orderID, Current: cur}
	}

	err = order.Rejection(t, cur)
	if errors.Is(err, domain.ErrConflict) {
		metrics.Claims.WithLabelValues("conflict").Inc()
	} else {
		metrics.Claims.WithLabelValues("invalid").Inc()
	}
	return nil, err
}

// Reclaim returns every order assigned longer than the claim timeout to
// the pool. Each revert is conditional on the version the sweep observed,
// so an escort who moved the order on in the meantime wins.
func (c *Coordinator) Reclaim(ctx context.Context) (int, error) {
	cutoff := c.now().Add(-c.timeout)
	stale, err := c.orders.ListAssignedBefore(ctx, cutoff, sweepBatch)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, o := range stale {
		t := repository.Transition{
			OrderID:         o.ID,
			From:            []domain.OrderStatus{domain.StatusAssigned},
			To:              domain.StatusPaid,
			ExpectedVersion: o.Version,
			AssignedBefore:  &cutoff,
			At:              c.now(),
			Actor:           "sweeper",
			Reason:          "claim timeout",
			EventLabel:      domain.StatusFailedAssignment,
		}
		if err := order.Check(t); err != nil {
			return reclaimed, err
		}
		res, err := c.orders.Apply(ctx, t)
		if err != nil {
			return reclaimed, err
		}
		if !res.OK {
			c.log.Debug("reclaim lost race", "order_id", o.ID, "status", res.Order.Status)
			continue
		}
		reclaimed++
		metrics.Reclaimed.Inc()
		metrics.Transitions.WithLabelValues(string(domain.StatusAssigned), string(domain.StatusPaid)).Inc()
		c.log.Info("claim timed out, order back in pool",
			"order_id", o.ID, "escort_id", o.AssignedEscortID, "version", res.Order.Version)
	}
	return reclaimed, nil
}

// Run sweeps every interval until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.log.Info("reclaim sweeper started", "interval", interval.String(), "claim_timeout", c.timeout.String())
	for {
		select {
		case <-ctx.Done():
			c.log.Info("reclaim sweeper stopped")
			return nil
		case <-ticker.C:
			if n, err := c.Reclaim(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.log.Error("reclaim sweep failed", "error", err)
			} else if n > 0 {
				c.log.Info("reclaim sweep finished", "reclaimed", n)
			}
		}
	}
}

// Pool lists claimable orders, oldest first.
func (c *Coordinator) Pool(ctx context.Context, page, limit int) ([]domain.Order, int, error) {
	return c.orders.List(ctx, repository.OrderFilter{
		Status: string(domain.StatusPaid),
		Page:   page,
		Limit:  limit,
		Oldest: true,
	})
}
