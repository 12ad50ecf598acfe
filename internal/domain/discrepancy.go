package domain

import "time"

type DiscrepancyType string

const (
	DiscrepancyMissingSettlement DiscrepancyType = "MISSING_SETTLEMENT"
	DiscrepancyAmountMismatch    DiscrepancyType = "AMOUNT_MISMATCH"
	DiscrepancyStalePending      DiscrepancyType = "STALE_PENDING"
)

type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

type Discrepancy struct {
	ID              string          `json:"id"`
	Type            DiscrepancyType `json:"type"`
	OrderID         string          `json:"order_id"`
	RecordID        string          `json:"record_id,omitempty"`
	ExpectedCents   int64           `json:"expected_cents"`
	ActualCents     int64           `json:"actual_cents"`
	DifferenceCents int64           `json:"difference_cents"`
	Severity        Severity        `json:"severity"`
	Description     string          `json:"description"`
	DetectedAt      time.Time       `json:"detected_at"`
}
