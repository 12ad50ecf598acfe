// Package wallet is the escort wallet collaborator. Settlement talks to it
// through Client; Ledger is the SQLite-backed implementation.
package wallet

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/escortd/internal/domain"
	"github.com/carelink/escortd/internal/metrics"
	"github.com/carelink/escortd/internal/repository"
)

// Client moves money on escort wallets. Both calls are idempotent on key:
// repeating a request with the same key has no further effect.
type Client interface {
	Credit(ctx context.Context, key, escortID, orderID string, amountCents int64) error
	Debit(ctx context.Context, key, escortID, orderID string, amountCents int64) error
}

// ReversalKey is the idempotency key of the debit that undoes the credit
// issued under key.
func ReversalKey(key string) string {
	return "reversal:" + key
}

type Ledger struct {
	repo *repository.WalletRepo
	now  func() time.Time
}

func NewLedger(repo *repository.WalletRepo) *Ledger {
	return &Ledger{repo: repo, now: time.Now}
}

func (l *Ledger) Credit(ctx context.Context, key, escortID, orderID string, amountCents int64) error {
	return l.post(ctx, domain.WalletCredit, key, escortID, orderID, amountCents)
}

func (l *Ledger) Debit(ctx context.Context, key, escortID, orderID string, amountCents int64) error {
	return l.post(ctx, domain.WalletDebit, key, escortID, orderID, amountCents)
}

func (l *Ledger) Balance(ctx context.Context, escortID string) (int64, error) {
	return l.repo.Balance(ctx, escortID)
}

func (l *Ledger) Transactions(ctx context.Context, escortID string) ([]domain.WalletTransaction, error) {
	return l.repo.ListByEscort(ctx, escortID)
}

func (l *Ledger) post(ctx context.Context, kind domain.WalletEntryKind, key, escortID, orderID string, amountCents int64) error {
	label := string(kind)
	if key == "" || escortID == "" || amountCents < 0 {
		metrics.WalletRequests.WithLabelValues(label, "rejected").Inc()
		return fmt.Errorf("%w: wallet %s needs key, escort and a non-negative amount", domain.ErrInvalidInput, kind)
	}

	_, err := l.repo.Insert(ctx, &domain.WalletTransaction{
		ID:             uuid.NewString(),
		IdempotencyKey: key,
		EscortID:       escortID,
		OrderID:        orderID,
		Kind:           kind,
		AmountCents:    amountCents,
		CreatedAt:      l.now(),
	})
	if err != nil {
		metrics.WalletRequests.WithLabelValues(label, "error").Inc()
		return fmt.Errorf("%w: %w", domain.ErrWalletUnavailable, err)
	}
	metrics.WalletRequests.WithLabelValues(label, "ok").Inc()
	return nil
}
