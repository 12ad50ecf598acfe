package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carelink/escortd/internal/domain"
	"github.com/carelink/escortd/internal/money"
)

const distributionColumns = `id, order_id, beneficiary_escort_id, beneficiary_level,
	relation_level, rate_bps, amount_cents, status, created_at, settled_at, cancelled_at`

// ErrNoSettlement is returned when an order has not been settled.
var ErrNoSettlement = errors.New("settlement not found")

type DistributionRepo struct {
	db *sql.DB
}

func NewDistributionRepo(db *sql.DB) *DistributionRepo {
	return &DistributionRepo{db: db}
}

// Materialize writes a settlement header and its distribution records in
// one transaction. It only writes while the order is still completed, and
// reports created=false when the order was already settled.
func (r *DistributionRepo) Materialize(ctx context.Context, s *domain.Settlement, records []domain.DistributionRecord) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: begin: %w", domain.ErrLedgerWrite, err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRowContext(ctx, "SELECT status FROM orders WHERE id = ?", s.OrderID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, s.OrderID)
	}
	if err != nil {
		return false, fmt.Errorf("%w: read order: %w", domain.ErrLedgerWrite, err)
	}
	if domain.OrderStatus(status) != domain.StatusCompleted {
		return false, fmt.Errorf("%w: order %s is %s", domain.ErrNotSettleable, s.OrderID, status)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO settlements
		(order_id, strategy, amount_cents, distributed_cents, residual_cents, created_at)
		VALUES (?,?,?,?,?,?)`,
		s.OrderID, s.Strategy, s.AmountCents, s.DistributedCents, s.ResidualCents,
		formatTime(s.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("%w: insert settlement: %w", domain.ErrLedgerWrite, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO distribution_records (`+distributionColumns+`)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return false, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for i := range records {
		rec := &records[i]
		if _, err := stmt.ExecContext(ctx,
			rec.ID, rec.OrderID, rec.BeneficiaryEscortID, int(rec.BeneficiaryLevel),
			rec.RelationLevel, int64(rec.Rate), rec.AmountCents, string(rec.Status),
			formatTime(rec.CreatedAt), formatNullableTime(rec.SettledAt),
			formatNullableTime(rec.CancelledAt),
		); err != nil {
			return false, fmt.Errorf("%w: insert record %d: %w", domain.ErrLedgerWrite, i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: commit: %w", domain.ErrLedgerWrite, err)
	}
	return true, nil
}

func (r *DistributionRepo) GetSettlement(ctx context.Context, orderID string) (*domain.Settlement, error) {
	var s domain.Settlement
	var createdAt string
	err := r.db.QueryRowContext(ctx, `
		SELECT order_id, strategy, amount_cents, distributed_cents, residual_cents, created_at
		FROM settlements WHERE order_id = ?
	`, orderID).Scan(&s.OrderID, &s.Strategy, &s.AmountCents, &s.DistributedCents, &s.ResidualCents, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNoSettlement, orderID)
	}
	if err != nil {
		return nil, err
	}
	s.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &s, nil
}

func (r *DistributionRepo) ListByOrder(ctx context.Context, orderID string) ([]domain.DistributionRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+distributionColumns+" FROM distribution_records WHERE order_id = ? ORDER BY relation_level",
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanDistributionRecords(rows)
}

func (r *DistributionRepo) GetRecord(ctx context.Context, id string) (*domain.DistributionRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+distributionColumns+" FROM distribution_records WHERE id = ?", id,
	)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	records, err := scanDistributionRecords(rows)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("distribution record %s not found", id)
	}
	return &records[0], nil
}

// ListPending returns pending records created before cutoff.
func (r *DistributionRepo) ListPending(ctx context.Context, cutoff time.Time, limit int) ([]domain.DistributionRecord, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+distributionColumns+` FROM distribution_records
		WHERE status = ? AND created_at <= ? ORDER BY created_at LIMIT ?`,
		string(domain.DistributionPending), formatTime(cutoff), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanDistributionRecords(rows)
}

// MarkStatus moves a record from one status to another. It reports false
// when the record was no longer in the expected status.
func (r *DistributionRepo) MarkStatus(ctx context.Context, id string, from, to domain.DistributionStatus, at time.Time) (bool, error) {
	var column string
	switch to {
	case domain.DistributionSettled:
		column = "settled_at"
	case domain.DistributionCancelled:
		column = "cancelled_at"
	default:
		return false, fmt.Errorf("%w: cannot move record to %s", domain.ErrInvalidInput, to)
	}

	res, err := r.db.ExecContext(ctx,
		"UPDATE distribution_records SET status = ?, "+column+" = ? WHERE id = ? AND status = ?",
		string(to), formatTime(at), id, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("%w: update record %s: %w", domain.ErrLedgerWrite, id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: rows affected: %w", domain.ErrLedgerWrite, err)
	}
	return n == 1, nil
}

type DistributionFilter struct {
	Status      string
	Beneficiary string
	OrderID     string
	From        *time.Time
	To          *time.Time
	Page        int
	Limit       int
}

func (r *DistributionRepo) List(ctx context.Context, f DistributionFilter) ([]domain.DistributionRecord, int, error) {
	where, args := buildDistributionWhere(f)

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM distribution_records"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	offset := (f.Page - 1) * f.Limit

	q := "SELECT " + distributionColumns + " FROM distribution_records" + where +
		" ORDER BY created_at DESC, order_id, relation_level LIMIT ? OFFSET ?"
	args = append(args, f.Limit, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	records, err := scanDistributionRecords(rows)
	return records, total, err
}

// SettlementTotal is the reconciliation view of one settled order.
type SettlementTotal struct {
	OrderID          string
	OrderAmount      int64
	ResidualCents    int64
	DistributedCents int64
}

// ListSettlementTotals sums every settlement's records (any status) next to
// its order amount and recorded residual.
func (r *DistributionRepo) ListSettlementTotals(ctx context.Context) ([]SettlementTotal, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT s.order_id, o.amount_cents, s.residual_cents, COALESCE(SUM(d.amount_cents), 0)
		FROM settlements s
		JOIN orders o ON o.id = s.order_id
		LEFT JOIN distribution_records d ON d.order_id = s.order_id
		GROUP BY s.order_id, o.amount_cents, s.residual_cents
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SettlementTotal
	for rows.Next() {
		var st SettlementTotal
		if err := rows.Scan(&st.OrderID, &st.OrderAmount, &st.ResidualCents, &st.DistributedCents); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// --- helpers ---

func buildDistributionWhere(f DistributionFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.Beneficiary != "" {
		clauses = append(clauses, "beneficiary_escort_id = ?")
		args = append(args, f.Beneficiary)
	}
	if f.OrderID != "" {
		clauses = append(clauses, "order_id = ?")
		args = append(args, f.OrderID)
	}
	if f.From != nil {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, formatTime(*f.To))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanDistributionRecords(rows *sql.Rows) ([]domain.DistributionRecord, error) {
	var records []domain.DistributionRecord
	for rows.Next() {
		var rec domain.DistributionRecord
		var level int
		var rate int64
		var status, createdAt string
		var settledAt, cancelledAt sql.NullString

		if err := rows.Scan(
			&rec.ID, &rec.OrderID, &rec.BeneficiaryEscortID, &level,
			&rec.RelationLevel, &rate, &rec.AmountCents, &status, &createdAt,
			&settledAt, &cancelledAt,
		); err != nil {
			return nil, err
		}
		rec.BeneficiaryLevel = domain.BeneficiaryLevel(level)
		rec.Rate = money.BasisPoints(rate)
		rec.Status = domain.DistributionStatus(status)
		rec.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		rec.SettledAt = parseNullableTime(settledAt)
		rec.CancelledAt = parseNullableTime(cancelledAt)
		records = append(records, rec)
	}
	return records, rows.Err()
}
