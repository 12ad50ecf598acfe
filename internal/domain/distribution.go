package domain

import (
	"time"

	"github.com/carelink/escortd/internal/money"
)

type DistributionStatus string

const (
	DistributionPending   DistributionStatus = "pending"
	DistributionSettled   DistributionStatus = "settled"
	DistributionCancelled DistributionStatus = "cancelled"
)

// RateConfig is the per-level commission rate table.
type RateConfig struct {
	L1     money.BasisPoints `json:"l1_commission_rate" toml:"l1_rate"`
	L2     money.BasisPoints `json:"l2_commission_rate" toml:"l2_rate"`
	L3     money.BasisPoints `json:"l3_commission_rate" toml:"l3_rate"`
	Direct money.BasisPoints `json:"direct_rate,omitempty" toml:"direct_rate"`
}

// ForLevel returns the configured rate for a beneficiary level.
func (rc RateConfig) ForLevel(level BeneficiaryLevel) (money.BasisPoints, bool) {
	switch level {
	case LevelCityPartner:
		return rc.L1, true
	case LevelTeamLead:
		return rc.L2, true
	case LevelEscort:
		return rc.L3, true
	}
	return 0, false
}

// RateMatrix maps beneficiary level and relation depth to a rate. It backs
// the custom strategy.
type RateMatrix map[BeneficiaryLevel]map[int]money.BasisPoints

// StrategyConfig is the commission policy captured on an order when it
// completes. Settlement only ever reads this snapshot.
type StrategyConfig struct {
	Name   string     `json:"name"`
	Rates  RateConfig `json:"rates"`
	Custom RateMatrix `json:"custom,omitempty"`
}

type DistributionRecord struct {
	ID                  string             `json:"id"`
	OrderID             string             `json:"order_id"`
	BeneficiaryEscortID string             `json:"beneficiary_escort_id"`
	BeneficiaryLevel    BeneficiaryLevel   `json:"beneficiary_level"`
	RelationLevel       int                `json:"relation_level"`
	Rate                money.BasisPoints  `json:"rate"`
	AmountCents         int64              `json:"amount_cents"`
	Status              DistributionStatus `json:"status"`
	CreatedAt           time.Time          `json:"created_at"`
	SettledAt           *time.Time         `json:"settled_at,omitempty"`
	CancelledAt         *time.Time         `json:"cancelled_at,omitempty"`
}

// Settlement is the per-order header written together with its
// distribution records. Its presence marks an order as settled-once.
type Settlement struct {
	OrderID          string    `json:"order_id"`
	Strategy         string    `json:"strategy"`
	AmountCents      int64     `json:"amount_cents"`
	DistributedCents int64     `json:"distributed_cents"`
	ResidualCents    int64     `json:"platform_residual_cents"`
	CreatedAt        time.Time `json:"created_at"`
}
