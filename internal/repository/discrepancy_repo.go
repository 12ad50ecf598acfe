package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/carelink/escortd/internal/domain"
)

const discrepancyColumns = `id, type, order_id, record_id, expected_cents, actual_cents,
	difference_cents, severity, description, detected_at`

type DiscrepancyRepo struct {
	db *sql.DB
}

func NewDiscrepancyRepo(db *sql.DB) *DiscrepancyRepo {
	return &DiscrepancyRepo{db: db}
}

func (r *DiscrepancyRepo) BulkInsert(ctx context.Context, discs []domain.Discrepancy) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO discrepancies (`+discrepancyColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range discs {
		d := &discs[i]
		res, err := stmt.ExecContext(ctx,
			d.ID, string(d.Type), d.OrderID, nullableString(d.RecordID),
			d.ExpectedCents, d.ActualCents, d.DifferenceCents,
			string(d.Severity), d.Description, formatTime(d.DetectedAt),
		)
		if err != nil {
			return inserted, fmt.Errorf("insert discrepancy %d: %w", i, err)
		}
		ra, _ := res.RowsAffected()
		inserted += int(ra)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return inserted, nil
}

// GetByOrderID returns all discrepancies related to an order.
func (r *DiscrepancyRepo) GetByOrderID(ctx context.Context, orderID string) ([]domain.Discrepancy, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+discrepancyColumns+" FROM discrepancies WHERE order_id = ? ORDER BY detected_at DESC", orderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanDiscrepancies(rows)
}

type DiscrepancyFilter struct {
	Type     string
	Severity string
	From     *time.Time
	To       *time.Time
	Page     int
	Limit    int
}

func (r *DiscrepancyRepo) List(ctx context.Context, f DiscrepancyFilter) ([]domain.Discrepancy, int, error) {
	where, args := buildDiscrepancyWhere(f)

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM discrepancies"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	offset := (f.Page - 1) * f.Limit

	q := "SELECT " + discrepancyColumns + " FROM discrepancies" + where + " ORDER BY detected_at DESC LIMIT ? OFFSET ?"
	args = append(args, f.Limit, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	discs, err := scanDiscrepancies(rows)
	return discs, total, err
}

type DiscrepancySummary struct {
	TotalCount  int            `json:"total_count"`
	TotalImpact int64          `json:"total_impact_cents"`
	ByType      map[string]int `json:"by_type"`
	BySeverity  map[string]int `json:"by_severity"`
}

func (r *DiscrepancyRepo) GetSummary(ctx context.Context) (*DiscrepancySummary, error) {
	s := &DiscrepancySummary{
		ByType:     make(map[string]int),
		BySeverity: make(map[string]int),
	}

	if err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*), COALESCE(SUM(ABS(difference_cents)),0) FROM discrepancies",
	).Scan(&s.TotalCount, &s.TotalImpact); err != nil {
		return nil, err
	}

	if err := scanGroupCount(ctx, r.db, "type", s.ByType); err != nil {
		return nil, err
	}
	if err := scanGroupCount(ctx, r.db, "severity", s.BySeverity); err != nil {
		return nil, err
	}
	return s, nil
}

// ClearAll removes all discrepancies before a fresh audit run.
func (r *DiscrepancyRepo) ClearAll(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM discrepancies")
	return err
}

// --- helpers ---

func buildDiscrepancyWhere(f DiscrepancyFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, f.Type)
	}
	if f.Severity != "" {
		clauses = append(clauses, "severity = ?")
		args = append(args, f.Severity)
	}
	if f.From != nil {
		clauses = append(clauses, "detected_at >= ?")
		args = append(args, formatTime(*f.From))
	}
	if f.To != nil {
		clauses = append(clauses, "detected_at <= ?")
		args = append(args, formatTime(*f.To))
	}

	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func scanGroupCount(ctx context.Context, db *sql.DB, col string, m map[string]int) error {
	rows, err := db.QueryContext(ctx,
		"SELECT "+col+", COUNT(*) FROM discrepancies GROUP BY "+col,
	)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		var v int
		if err := rows.Scan(&k, &v); err != nil {
			return err
		}
		m[k] = v
	}
	return rows.Err()
}

func scanDiscrepancies(rows *sql.Rows) ([]domain.Discrepancy, error) {
	var discs []domain.Discrepancy
	for rows.Next() {
		var d domain.Discrepancy
		var dtype, sev, detectedAt string
		var recordID sql.NullString

		err := rows.Scan(
			&d.ID, &dtype, &d.OrderID, &recordID,
			&d.ExpectedCents, &d.ActualCents, &d.DifferenceCents,
			&sev, &d.Description, &detectedAt,
		)
		if err != nil {
			return nil, err
		}

		d.Type = domain.DiscrepancyType(dtype)
		d.Severity = domain.Severity(sev)
		d.DetectedAt, _ = time.Parse(time.RFC3339, detectedAt)
		d.RecordID = recordID.String
		discs = append(discs, d)
	}
	return discs, rows.Err()
}
