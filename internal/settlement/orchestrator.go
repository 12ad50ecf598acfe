// Package settlement turns completed orders into distribution records and
// wallet credits, and reverses them on refund.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/carelink/escortd/internal/commission"
	"github.com/carelink/escortd/internal/domain"
	"github.com/carelink/escortd/internal/logger"
	"github.com/carelink/escortd/internal/metrics"
	"github.com/carelink/escortd/internal/repository"
	"github.com/carelink/escortd/internal/wallet"
)

// UplineSource is the referral-chain lookup.
type UplineSource interface {
	GetUpline(ctx context.Context, escortID string, maxDepth int) ([]domain.ReferralEdge, error)
}

// Report summarises one Settle call.
type Report struct {
	OrderID    string                      `json:"order_id"`
	Created    bool                        `json:"created"`
	Settlement *domain.Settlement          `json:"settlement"`
	Records    []domain.DistributionRecord `json:"records"`
	Skipped    []commission.Skip           `json:"skipped,omitempty"`
	Credited   int                         `json:"credited"`
	Failed     int                         `json:"failed"`
}

type Orchestrator struct {
	orders    *repository.OrderRepo
	dist      *repository.DistributionRepo
	referrals UplineSource
	calc      *commission.Calculator
	wallet    wallet.Client
	queue     Queue
	log       *logger.Logger
	now       func() time.Time
}

func NewOrchestrator(
	orders *repository.OrderRepo,
	dist *repository.DistributionRepo,
	referrals UplineSource,
	calc *commission.Calculator,
	w wallet.Client,
	queue Queue,
	log *logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		orders:    orders,
		dist:      dist,
		referrals: referrals,
		calc:      calc,
		wallet:    w,
		queue:     queue,
		log:       log.With("component", "settlement"),
		now:       time.Now,
	}
}

// Enqueue schedules settlement of a completed order.
func (o *Orchestrator) Enqueue(ctx context.Context, orderID string) error {
	return o.queue.Enqueue(ctx, orderID)
}

// Run consumes the queue until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context, workers int) error {
	o.log.Info("settlement workers started", "workers", workers)
	return o.queue.Consume(ctx, workers, func(ctx context.Context, orderID string) {
		if _, err := o.Settle(ctx, orderID); err != nil {
			o.log.Error("settlement failed", "order_id", orderID, "error", err)
		}
	})
}

// Settle materializes the order's commission lines exactly once, then
// credits every line still pending. Calling it again for a settled order
// only retries pending credits.
func (o *Orchestrator) Settle(ctx context.Context, orderID string) (*Report, error) {
	start := time.Now()
	defer func() { metrics.SettlementDuration.Observe(time.Since(start).Seconds()) }()

	rep := &Report{OrderID: orderID}

	existing, err := o.dist.GetSettlement(ctx, orderID)
	switch {
	case err == nil:
		rep.Settlement = existing
	case errors.Is(err, repository.ErrNoSettlement):
		if err := o.materialize(ctx, orderID, rep); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: read settlement: %w", domain.ErrLedgerWrite, err)
	}

	records, err := o.dist.ListByOrder(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("%w: list records: %w", domain.ErrLedgerWrite, err)
	}
	for i := range records {
		if records[i].Status != domain.DistributionPending {
			continue
		}
		if o.creditLine(ctx, &records[i]) {
			rep.Credited++
		} else {
			rep.Failed++
		}
	}

	if rep.Records, err = o.dist.ListByOrder(ctx, orderID); err != nil {
		return nil, fmt.Errorf("%w: list records: %w", domain.ErrLedgerWrite, err)
	}
	o.log.Info("order settled",
		"order_id", orderID, "created", rep.Created, "lines", len(rep.Records),
		"credited", rep.Credited, "failed", rep.Failed)
	return rep, nil
}

func (o *Orchestrator) materialize(ctx context.Context, orderID string, rep *Report) error {
	ord, err := o.orders.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if ord.Status != domain.StatusCompleted {
		return fmt.Errorf("%w: order %s is %s", domain.ErrNotSettleable, orderID, ord.Status)
	}
	if ord.Snapshot == nil {
		return fmt.Errorf("%w: order %s has no commission snapshot", domain.ErrNotSettleable, orderID)
	}

	upline, err := o.referrals.GetUpline(ctx, ord.AssignedEscortID, domain.MaxReferralDepth)
	if err != nil {
		return fmt.Errorf("%w: upline of %s: %w", domain.ErrLedgerWrite, ord.AssignedEscortID, err)
	}

	res := o.calc.Calculate(ord, upline, *ord.Snapshot, o.now())
	created, err := o.dist.Materialize(ctx, &res.Settlement, res.Records)
	if err != nil {
		return err
	}
	rep.Created = created
	rep.Skipped = res.Skipped

	if !created {
		// Another worker got there first.
		s, err := o.dist.GetSettlement(ctx, orderID)
		if err != nil {
			return fmt.Errorf("%w: read settlement: %w", domain.ErrLedgerWrite, err)
		}
		rep.Settlement = s
		return nil
	}
	rep.Settlement = &res.Settlement
	return nil
}

// creditLine credits one pending line and marks it settled. If the line
// was cancelled while the credit was in flight the credit is reversed.
func (o *Orchestrator) creditLine(ctx context.Context, rec *domain.DistributionRecord) bool {
	err := o.wallet.Credit(ctx, rec.ID, rec.BeneficiaryEscortID, rec.OrderID, rec.AmountCents)
	if err != nil {
		o.log.Error("wallet credit failed",
			"order_id", rec.OrderID, "record_id", rec.ID, "escort_id", rec.BeneficiaryEscortID, "error", err)
		return false
	}

	ok, err := o.dist.MarkStatus(ctx, rec.ID, domain.DistributionPending, domain.DistributionSettled, o.now())
	if err != nil {
		o.log.Error("mark settled failed", "record_id", rec.ID, "error", err)
		return false
	}
	if ok {
		return true
	}

	cur, err := o.dist.GetRecord(ctx, rec.ID)
	if err != nil {
		o.log.Error("reread record failed", "record_id", rec.ID, "error", err)
		return false
	}
	if cur.Status == domain.DistributionCancelled {
		o.log.Warn("line cancelled during credit, compensating", "order_id", rec.OrderID, "record_id", rec.ID)
		if err := o.wallet.Debit(ctx, wallet.ReversalKey(rec.ID), rec.BeneficiaryEscortID, rec.OrderID, rec.AmountCents); err != nil {
			o.log.Error("compensating debit failed", "record_id", rec.ID, "error", err)
		}
		return false
	}
	return cur.Status == domain.DistributionSettled
}

// Reverse cancels every line of the order, debiting settled ones first.
// It reports whether all lines are now cancelled; an order with no lines
// is trivially reversed.
func (o *Orchestrator) Reverse(ctx context.Context, orderID string) (bool, error) {
	records, err := o.dist.ListByOrder(ctx, orderID)
	if err != nil {
		return false, fmt.Errorf("%w: list records: %w", domain.ErrLedgerWrite, err)
	}

	done := true
	for i := range records {
		rec := &records[i]
		if rec.Status == domain.DistributionPending {
			ok, err := o.dist.MarkStatus(ctx, rec.ID, domain.DistributionPending, domain.DistributionCancelled, o.now())
			if err != nil {
				return false, err
			}
			if ok {
				continue
			}
			// Settled under us; reverse it as a settled line.
			if rec, err = o.dist.GetRecord(ctx, rec.ID); err != nil {
				return false, err
			}
		}
		if rec.Status != domain.DistributionSettled {
			continue
		}

		if err := o.wallet.Debit(ctx, wallet.ReversalKey(rec.ID), rec.BeneficiaryEscortID, rec.OrderID, rec.AmountCents); err != nil {
			o.log.Error("reversal debit failed", "order_id", orderID, "record_id", rec.ID, "error", err)
			done = false
			continue
		}
		if _, err := o.dist.MarkStatus(ctx, rec.ID, domain.DistributionSettled, domain.DistributionCancelled, o.now()); err != nil {
			return false, err
		}
	}

	o.log.Info("settlement reversed", "order_id", orderID, "lines", len(records), "complete", done)
	return done, nil
}

// RetryPending re-issues credits for lines still pending at cutoff.
func (o *Orchestrator) RetryPending(ctx context.Context, cutoff time.Time) (int, error) {
	pending, err := o.dist.ListPending(ctx, cutoff, 0)
	if err != nil {
		return 0, err
	}
	credited := 0
	for i := range pending {
		if o.creditLine(ctx, &pending[i]) {
			credited++
		}
	}
	if len(pending) > 0 {
		o.log.Info("pending credits retried", "pending", len(pending), "credited", credited)
	}
	return credited, nil
}

// Records lists the distribution records of an order.
func (o *Orchestrator) Records(ctx context.Context, orderID string) ([]domain.DistributionRecord, error) {
	if _, err := o.orders.GetByID(ctx, orderID); err != nil {
		return nil, err
	}
	return o.dist.ListByOrder(ctx, orderID)
}
