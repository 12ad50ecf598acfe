package wallet

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/carelink/escortd/internal/domain"
	"github.com/carelink/escortd/internal/repository"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	db, err := repository.InitDB(filepath.Join(t.TempDir(), "wallet.db"))
	if err != nil {
		t.Fatalf("InitDB() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewLedger(repository.NewWalletRepo(db))
}

func TestLedger_CreditIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	for i := 0; i < 3; i++ {
		if err := l.Credit(ctx, "rec-1", "B", "o1", 500); err != nil {
			t.Fatalf("Credit() #%d error: %v", i, err)
		}
	}
	bal, err := l.Balance(ctx, "B")
	if err != nil {
		t.Fatalf("Balance() error: %v", err)
	}
	if bal != 500 {
		t.Errorf("Balance() = %d, want 500", bal)
	}
}

func TestLedger_ReversalDebit(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)

	l.Credit(ctx, "rec-1", "B", "o1", 500)
	l.Debit(ctx, ReversalKey("rec-1"), "B", "o1", 500)
	l.Debit(ctx, ReversalKey("rec-1"), "B", "o1", 500)

	bal, _ := l.Balance(ctx, "B")
	if bal != 0 {
		t.Errorf("Balance() = %d, want 0", bal)
	}
	txs, _ := l.Transactions(ctx, "B")
	if len(txs) != 2 {
		t.Errorf("len(Transactions) = %d, want 2", len(txs))
	}
}

func TestLedger_RejectsBadRequests(t *testing.T) {
	l := newTestLedger(t)
	err := l.Credit(context.Background(), "", "B", "o1", 500)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("Credit(no key) error = %v, want ErrInvalidInput", err)
	}
	err = l.Debit(context.Background(), "k", "B", "o1", -1)
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("Debit(negative) error = %v, want ErrInvalidInput", err)
	}
}
