// Package reconciliation audits settlements against orders and repairs
// what it can: unsettled completed orders are settled and pending credits
// retried before anything is reported.
package reconciliation

import (
	"context"
	"fmt"
	"time"

	"github.com/carelink/escortd/internal/domain"
	"github.com/carelink/escortd/internal/logger"
	"github.com/carelink/escortd/internal/money"
	"github.com/carelink/escortd/internal/repository"
	"github.com/carelink/escortd/internal/settlement"
)

// Result summarises a full reconciliation run.
type Result struct {
	Resettled          int `json:"resettled"`
	Recredited         int `json:"recredited"`
	MissingSettlements int `json:"missing_settlements"`
	AmountMismatches   int `json:"amount_mismatches"`
	StalePending       int `json:"stale_pending"`
	TotalDiscrepancies int `json:"total_discrepancies"`
}

// Settler is the part of the settlement orchestrator reconciliation drives.
type Settler interface {
	Settle(ctx context.Context, orderID string) (*settlement.Report, error)
	RetryPending(ctx context.Context, cutoff time.Time) (int, error)
}

// Service performs settlement reconciliation.
type Service struct {
	orders   *repository.OrderRepo
	dist     *repository.DistributionRepo
	discRepo *repository.DiscrepancyRepo
	settler  Settler
	window   time.Duration
	log      *logger.Logger
	now      func() time.Time
}

// NewService creates a reconciliation service. Orders and lines older than
// window that are still unsettled are reported.
func NewService(
	orders *repository.OrderRepo,
	dist *repository.DistributionRepo,
	discRepo *repository.DiscrepancyRepo,
	settler Settler,
	window time.Duration,
	log *logger.Logger,
) *Service {
	return &Service{
		orders:   orders,
		dist:     dist,
		discRepo: discRepo,
		settler:  settler,
		window:   window,
		log:      log.With("component", "reconciliation"),
		now:      time.Now,
	}
}

// RunFullReconciliation clears previous discrepancies, runs the repair
// steps and then all detection steps from scratch.
func (s *Service) RunFullReconciliation(ctx context.Context) (*Result, error) {
	if err := s.discRepo.ClearAll(ctx); err != nil {
		return nil, fmt.Errorf("clear discrepancies: %w", err)
	}

	resettled, err := s.SettleMissing(ctx)
	if err != nil {
		return nil, fmt.Errorf("settle missing: %w", err)
	}

	recredited, err := s.settler.RetryPending(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("retry pending: %w", err)
	}

	missing, err := s.DetectMissingSettlements(ctx)
	if err != nil {
		return nil, fmt.Errorf("detect missing: %w", err)
	}

	mismatches, err := s.DetectAmountMismatches(ctx)
	if err != nil {
		return nil, fmt.Errorf("detect mismatches: %w", err)
	}

	stale, err := s.DetectStalePending(ctx)
	if err != nil {
		return nil, fmt.Errorf("detect stale: %w", err)
	}

	result := &Result{
		Resettled:          resettled,
		Recredited:         recredited,
		MissingSettlements: missing,
		AmountMismatches:   mismatches,
		StalePending:       stale,
		TotalDiscrepancies: missing + mismatches + stale,
	}

	s.log.Info("reconciliation finished",
		"resettled", resettled, "recredited", recredited,
		"missing", missing, "mismatches", mismatches, "stale", stale)

	return result, nil
}

// Run reconciles every interval until ctx is cancelled.
func (s *Service) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.log.Info("reconciliation loop started", "interval", interval.String(), "window", s.window.String())
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.RunFullReconciliation(ctx); err != nil && ctx.Err() == nil {
				s.log.Error("reconciliation failed", "error", err)
			}
		}
	}
}

// SettleMissing settles every completed order that has no settlement yet.
func (s *Service) SettleMissing(ctx context.Context) (int, error) {
	orders, err := s.orders.ListCompletedWithoutSettlement(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("query: %w", err)
	}

	settled := 0
	for _, o := range orders {
		if _, err := s.settler.Settle(ctx, o.ID); err != nil {
			s.log.Warn("settle during reconciliation failed", "order_id", o.ID, "error", err)
			continue
		}
		settled++
	}
	return settled, nil
}

// DetectMissingSettlements finds orders completed longer than the window
// ago that still have no settlement.
func (s *Service) DetectMissingSettlements(ctx context.Context) (int, error) {
	now := s.now()
	orders, err := s.orders.ListCompletedWithoutSettlement(ctx, now.Add(-s.window))
	if err != nil {
		return 0, fmt.Errorf("query: %w", err)
	}

	var discs []domain.Discrepancy
	for _, o := range orders {
		discs = append(discs, domain.Discrepancy{
			ID:              fmt.Sprintf("DISC-MS-%s", o.ID),
			Type:            domain.DiscrepancyMissingSettlement,
			OrderID:         o.ID,
			ExpectedCents:   o.AmountCents,
			ActualCents:     0,
			DifferenceCents: o.AmountCents,
			Severity:        severityByAmount(o.AmountCents),
			Description: fmt.Sprintf(
				"Order %s (%s) completed but never settled",
				o.ID, money.FormatCents(o.AmountCents),
			),
			DetectedAt: now,
		})
	}
	return s.insert(ctx, discs, domain.DiscrepancyMissingSettlement)
}

// DetectAmountMismatches checks that every settlement's lines plus its
// residual add up to the order amount.
func (s *Service) DetectAmountMismatches(ctx context.Context) (int, error) {
	now := s.now()
	totals, err := s.dist.ListSettlementTotals(ctx)
	if err != nil {
		return 0, fmt.Errorf("query: %w", err)
	}

	var discs []domain.Discrepancy
	for _, t := range totals {
		actual := t.DistributedCents + t.ResidualCents
		if actual == t.OrderAmount {
			continue
		}
		diff := actual - t.OrderAmount
		discs = append(discs, domain.Discrepancy{
			ID:              fmt.Sprintf("DISC-AM-%s", t.OrderID),
			Type:            domain.DiscrepancyAmountMismatch,
			OrderID:         t.OrderID,
			ExpectedCents:   t.OrderAmount,
			ActualCents:     actual,
			DifferenceCents: diff,
			Severity:        mismatchSeverity(diff),
			Description: fmt.Sprintf(
				"Settlement of %s splits %s + residual %s against order amount %s",
				t.OrderID, money.FormatCents(t.DistributedCents),
				money.FormatCents(t.ResidualCents), money.FormatCents(t.OrderAmount),
			),
			DetectedAt: now,
		})
	}
	return s.insert(ctx, discs, domain.DiscrepancyAmountMismatch)
}

// DetectStalePending flags commission lines still waiting for a wallet
// credit after the window.
func (s *Service) DetectStalePending(ctx context.Context) (int, error) {
	now := s.now()
	pending, err := s.dist.ListPending(ctx, now.Add(-s.window), 0)
	if err != nil {
		return 0, fmt.Errorf("query: %w", err)
	}

	var discs []domain.Discrepancy
	for _, r := range pending {
		discs = append(discs, domain.Discrepancy{
			ID:              fmt.Sprintf("DISC-SP-%s", r.ID),
			Type:            domain.DiscrepancyStalePending,
			OrderID:         r.OrderID,
			RecordID:        r.ID,
			ExpectedCents:   r.AmountCents,
			ActualCents:     0,
			DifferenceCents: r.AmountCents,
			Severity:        severityByAmount(r.AmountCents),
			Description: fmt.Sprintf(
				"Commission of %s to %s for order %s still uncredited since %s",
				money.FormatCents(r.AmountCents), r.BeneficiaryEscortID, r.OrderID,
				r.CreatedAt.Format(time.RFC3339),
			),
			DetectedAt: now,
		})
	}
	return s.insert(ctx, discs, domain.DiscrepancyStalePending)
}

func (s *Service) insert(ctx context.Context, discs []domain.Discrepancy, kind domain.DiscrepancyType) (int, error) {
	if len(discs) == 0 {
		return 0, nil
	}
	n, err := s.discRepo.BulkInsert(ctx, discs)
	if err != nil {
		return 0, fmt.Errorf("insert discrepancies: %w", err)
	}
	s.log.Warn("discrepancies detected", "type", kind, "count", n)
	return n, nil
}

// --- helpers ---

func severityByAmount(cents int64) domain.Severity {
	switch {
	case cents > 50000:
		return domain.SeverityHigh
	case cents > 10000:
		return domain.SeverityMedium
	default:
		return domain.SeverityLow
	}
}

func mismatchSeverity(diffCents int64) domain.Severity {
	if diffCents < 0 {
		diffCents = -diffCents
	}
	if diffCents > 50000 {
		return domain.SeverityCritical
	}
	return domain.SeverityHigh
}
