package domain

import "time"

type WalletEntryKind string

const (
	WalletCredit WalletEntryKind = "CREDIT"
	WalletDebit  WalletEntryKind = "DEBIT"
)

// WalletTransaction is a single movement on an escort's wallet. The
// idempotency key makes repeated requests collapse to one row.
type WalletTransaction struct {
	ID             string          `json:"id"`
	IdempotencyKey string          `json:"idempotency_key"`
	EscortID       string          `json:"escort_id"`
	OrderID        string          `json:"order_id"`
	Kind           WalletEntryKind `json:"kind"`
	AmountCents    int64           `json:"amount_cents"`
	CreatedAt      time.Time       `json:"created_at"`
}
