// Package commission turns a completed order and its servicing escort's
// referral chain into per-level commission lines.
package commission

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/escortd/internal/domain"
	"github.com/carelink/escortd/internal/logger"
	"github.com/carelink/escortd/internal/metrics"
	"github.com/carelink/escortd/internal/money"
	"github.com/carelink/escortd/internal/strategy"
)

// recordNamespace seeds deterministic distribution record ids so that a
// recomputed settlement yields the same ids.
var recordNamespace = uuid.MustParse("6f2b8a4e-3c1d-5e7f-9a0b-1c2d3e4f5a6b")

// RecordID is the id of the commission line for orderID at depth.
func RecordID(orderID string, depth int) string {
	return uuid.NewSHA1(recordNamespace, []byte(orderID+"|"+strconv.Itoa(depth))).String()
}

// Skip explains why an ancestor produced no line.
type Skip struct {
	RelationLevel int    `json:"relation_level"`
	EscortID      string `json:"escort_id,omitempty"`
	Reason        string `json:"reason"`
}

// Result is a fully computed settlement. DistributedCents+ResidualCents
// always equals the order amount.
type Result struct {
	Settlement domain.Settlement
	Records    []domain.DistributionRecord
	Skipped    []Skip
}

type Calculator struct {
	registry *strategy.Registry
	log      *logger.Logger
}

func NewCalculator(registry *strategy.Registry, log *logger.Logger) *Calculator {
	return &Calculator{registry: registry, log: log.With("component", "commission")}
}

// Calculate evaluates each ancestor in ascending depth order against the
// snapshot's strategy. The upline is truncated at the first missing or
// corrupt edge. Lines whose strategy fails are skipped; the calculation as
// a whole never fails.
func (c *Calculator) Calculate(order *domain.Order, upline []domain.ReferralEdge, snap domain.StrategyConfig, at time.Time) Result {
	s := c.registry.Resolve(snap.Name)
	res := Result{
		Settlement: domain.Settlement{
			OrderID:     order.ID,
			Strategy:    s.Name(),
			AmountCents: order.AmountCents,
			CreatedAt:   at,
		},
	}

	chain, cut := validChain(order.AssignedEscortID, upline)
	if cut != nil {
		c.log.Warn("referral chain truncated",
			"order_id", order.ID, "relation_level", cut.RelationLevel, "reason", cut.Reason)
		res.Skipped = append(res.Skipped, *cut)
	}

	var distributed int64
	for _, edge := range chain {
		d, err := evaluate(s, edge.ReferrerLevel, edge.Depth, snap)
		if err != nil {
			c.log.Warn("commission line failed",
				"order_id", order.ID, "relation_level", edge.Depth, "strategy", s.Name(), "error", err)
			metrics.SettlementLines.WithLabelValues("failed").Inc()
			res.Skipped = append(res.Skipped, Skip{RelationLevel: edge.Depth, EscortID: edge.ReferrerID, Reason: err.Error()})
			continue
		}
		if !d.ShouldDistribute {
			metrics.SettlementLines.WithLabelValues("skipped").Inc()
			res.Skipped = append(res.Skipped, Skip{RelationLevel: edge.Depth, EscortID: edge.ReferrerID, Reason: d.SkipReason})
			continue
		}

		amount, err := lineAmount(order.AmountCents, distributed, d.Rate)
		if err != nil {
			c.log.Warn("malformed commission line",
				"order_id", order.ID, "relation_level", edge.Depth, "rate", d.Rate.String(), "error", err)
			metrics.SettlementLines.WithLabelValues("failed").Inc()
			res.Skipped = append(res.Skipped, Skip{RelationLevel: edge.Depth, EscortID: edge.ReferrerID, Reason: err.Error()})
			continue
		}

		distributed += amount
		metrics.SettlementLines.WithLabelValues("distributed").Inc()
		res.Records = append(res.Records, domain.DistributionRecord{
			ID:                  RecordID(order.ID, edge.Depth),
			OrderID:             order.ID,
			BeneficiaryEscortID: edge.ReferrerID,
			BeneficiaryLevel:    edge.ReferrerLevel,
			RelationLevel:       edge.Depth,
			Rate:                d.Rate,
			AmountCents:         amount,
			Status:              domain.DistributionPending,
			CreatedAt:           at,
		})
	}

	res.Settlement.DistributedCents = distributed
	res.Settlement.ResidualCents = order.AmountCents - distributed
	return res
}

// evaluate shields the caller from a panicking strategy.
func evaluate(s strategy.Strategy, level domain.BeneficiaryLevel, depth int, snap domain.StrategyConfig) (d strategy.Decision, err error) {
	defer func() {
		if r := recover(); r != nil {
			d = strategy.Decision{}
			err = fmt.Errorf("%w: %s panicked: %v", domain.ErrStrategyResolution, s.Name(), r)
		}
	}()
	return s.CalculateRate(level, depth, snap)
}

func lineAmount(orderAmount, distributed int64, rate money.BasisPoints) (int64, error) {
	if !rate.Valid() {
		return 0, fmt.Errorf("%w: rate %s%% outside 0..100", domain.ErrStrategyResolution, rate)
	}
	amount, err := money.Share(orderAmount, rate)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", domain.ErrStrategyResolution, err)
	}
	if amount > orderAmount-distributed {
		return 0, fmt.Errorf("%w: line of %d exceeds undistributed %d",
			domain.ErrStrategyResolution, amount, orderAmount-distributed)
	}
	return amount, nil
}

// validChain keeps the prefix of upline that forms an unbroken, acyclic
// walk from depth 1 with known beneficiary levels.
func validChain(escortID string, upline []domain.ReferralEdge) ([]domain.ReferralEdge, *Skip) {
	seen := map[string]bool{escortID: true}
	for i, e := range upline {
		depth := i + 1
		if depth > domain.MaxReferralDepth {
			return upline[:i], nil
		}
		var reason string
		switch {
		case e.Depth != depth:
			reason = fmt.Sprintf("missing edge at depth %d", depth)
		case e.ReferrerID == "":
			reason = "empty referrer"
		case seen[e.ReferrerID]:
			reason = "referral cycle at " + e.ReferrerID
		case !e.ReferrerLevel.Valid():
			reason = fmt.Sprintf("unknown beneficiary level %d for %s", e.ReferrerLevel, e.ReferrerID)
		}
		if reason != "" {
			return upline[:i], &Skip{RelationLevel: depth, EscortID: e.ReferrerID, Reason: reason}
		}
		seen[e.ReferrerID] = true
	}
	return upline, nil
}
