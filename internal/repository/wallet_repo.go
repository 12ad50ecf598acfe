package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/carelink/escortd/internal/domain"
)

type WalletRepo struct {
	db *sql.DB
}

func NewWalletRepo(db *sql.DB) *WalletRepo {
	return &WalletRepo{db: db}
}

// Insert stores a wallet movement. A second insert with the same
// idempotency key is a no-op and reports false.
func (r *WalletRepo) Insert(ctx context.Context, t *domain.WalletTransaction) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO wallet_transactions
		(id, idempotency_key, escort_id, order_id, kind, amount_cents, created_at)
		VALUES (?,?,?,?,?,?,?)`,
		t.ID, t.IdempotencyKey, t.EscortID, t.OrderID, string(t.Kind), t.AmountCents,
		formatTime(t.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("%w: insert wallet transaction: %w", domain.ErrLedgerWrite, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// Balance is credits minus debits for an escort.
func (r *WalletRepo) Balance(ctx context.Context, escortID string) (int64, error) {
	var balance int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(CASE WHEN kind = ? THEN amount_cents ELSE -amount_cents END), 0)
		FROM wallet_transactions WHERE escort_id = ?
	`, string(domain.WalletCredit), escortID).Scan(&balance)
	return balance, err
}

func (r *WalletRepo) ListByEscort(ctx context.Context, escortID string) ([]domain.WalletTransaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, idempotency_key, escort_id, order_id, kind, amount_cents, created_at
		FROM wallet_transactions WHERE escort_id = ? ORDER BY created_at, id
	`, escortID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.WalletTransaction
	for rows.Next() {
		var t domain.WalletTransaction
		var kind, createdAt string
		if err := rows.Scan(&t.ID, &t.IdempotencyKey, &t.EscortID, &t.OrderID, &kind, &t.AmountCents, &createdAt); err != nil {
			return nil, err
		}
		t.Kind = domain.WalletEntryKind(kind)
		t.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, t)
	}
	return out, rows.Err()
}
