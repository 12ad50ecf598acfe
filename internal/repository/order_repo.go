package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carelink/escortd/internal/domain"
)

const orderColumns = `id, status, amount_cents, created_at, assigned_escort_id,
	assigned_at, completed_at, version, snapshot`

type OrderRepo struct {
	db *sql.DB
}

func NewOrderRepo(db *sql.DB) *OrderRepo {
	return &OrderRepo{db: db}
}

func (r *OrderRepo) Insert(ctx context.Context, o *domain.Order) error {
	if o.Version == 0 {
		o.Version = 1
	}
	snap, err := encodeSnapshot(o.Snapshot)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO orders (`+orderColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		o.ID, string(o.Status), o.AmountCents, formatTime(o.CreatedAt),
		nullableString(o.AssignedEscortID), formatNullableTime(o.AssignedAt),
		formatNullableTime(o.CompletedAt), o.Version, snap,
	)
	if err != nil {
		return fmt.Errorf("%w: insert order: %w", domain.ErrLedgerWrite, err)
	}
	return nil
}

// BulkInsert inserts orders, skipping ids that already exist.
func (r *OrderRepo) BulkInsert(ctx context.Context, orders []domain.Order) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin: %w", domain.ErrLedgerWrite, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR IGNORE INTO orders (`+orderColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return 0, fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	inserted := 0
	for i := range orders {
		o := &orders[i]
		if o.Version == 0 {
			o.Version = 1
		}
		snap, err := encodeSnapshot(o.Snapshot)
		if err != nil {
			return inserted, err
		}
		res, err := stmt.ExecContext(ctx,
			o.ID, string(o.Status), o.AmountCents, formatTime(o.CreatedAt),
			nullableString(o.AssignedEscortID), formatNullableTime(o.AssignedAt),
			formatNullableTime(o.CompletedAt), o.Version, snap,
		)
		if err != nil {
			return inserted, fmt.Errorf("%w: insert order %d: %w", domain.ErrLedgerWrite, i, err)
		}
		ra, _ := res.RowsAffected()
		inserted += int(ra)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit: %w", domain.ErrLedgerWrite, err)
	}
	return inserted, nil
}

func (r *OrderRepo) Count(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM orders").Scan(&count)
	return count, err
}

func (r *OrderRepo) GetByID(ctx context.Context, id string) (*domain.Order, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+orderColumns+" FROM orders WHERE id = ?", id)
	o, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, id)
	}
	return o, err
}

// Transition is one conditional write against an order row. The write
// applies only if the stored row still matches every guard; otherwise
// nothing changes.
type Transition struct {
	OrderID string
	From    []domain.OrderStatus
	To      domain.OrderStatus

	// ExpectedVersion guards against stale callers. Zero skips the check.
	ExpectedVersion int64
	// RequireEscort must equal the stored assigned escort when set.
	RequireEscort string
	// RequireUnassigned demands a NULL assigned escort.
	RequireUnassigned bool
	// AssignedBefore limits the write to rows assigned before this instant.
	AssignedBefore *time.Time

	// AssignEscort becomes the assigned escort, stamped with At.
	AssignEscort string
	Snapshot     *domain.StrategyConfig

	At     time.Time
	Actor  string
	Reason string
	// EventLabel overrides the to_status recorded in the event log.
	EventLabel domain.OrderStatus
}

// Applied is the outcome of a conditional write. Order is the stored row
// after the attempt, whether or not it applied.
type Applied struct {
	Order *domain.Order
	Prev  domain.OrderStatus
	OK    bool
}

// Apply performs t atomically together with its audit event. When a guard
// does not match nothing is written and the result carries the current row.
func (r *OrderRepo) Apply(ctx context.Context, t Transition) (Applied, error) {
	if len(t.From) == 0 {
		return Applied{}, fmt.Errorf("%w: transition without source status", domain.ErrInvalidInput)
	}
	if t.To.HoldsEscort() && t.AssignEscort == "" && t.RequireUnassigned {
		return Applied{}, fmt.Errorf("%w: %s requires an escort", domain.ErrInvalidInput, t.To)
	}
	if t.At.IsZero() {
		t.At = time.Now()
	}

	set := []string{"status = ?", "version = version + 1"}
	args := []any{string(t.To)}

	switch {
	case t.AssignEscort != "":
		set = append(set, "assigned_escort_id = ?", "assigned_at = ?")
		args = append(args, t.AssignEscort, formatTime(t.At))
	case !t.To.HoldsEscort():
		set = append(set, "assigned_escort_id = NULL", "assigned_at = NULL")
	}
	if t.To == domain.StatusCompleted {
		set = append(set, "completed_at = ?")
		args = append(args, formatTime(t.At))
	}
	if t.Snapshot != nil {
		raw, err := encodeSnapshot(t.Snapshot)
		if err != nil {
			return Applied{}, err
		}
		set = append(set, "snapshot = ?")
		args = append(args, raw)
	}

	where := []string{"id = ?"}
	args = append(args, t.OrderID)

	placeholders := make([]string, len(t.From))
	for i, s := range t.From {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	where = append(where, "status IN ("+strings.Join(placeholders, ",")+")")

	if t.ExpectedVersion > 0 {
		where = append(where, "version = ?")
		args = append(args, t.ExpectedVersion)
	}
	if t.RequireEscort != "" {
		where = append(where, "assigned_escort_id = ?")
		args = append(args, t.RequireEscort)
	}
	if t.RequireUnassigned {
		where = append(where, "assigned_escort_id IS NULL")
	}
	if t.To.HoldsEscort() && t.AssignEscort == "" {
		// The escort is carried over, so there must be one.
		where = append(where, "assigned_escort_id IS NOT NULL")
	}
	if t.AssignedBefore != nil {
		where = append(where, "assigned_at < ?")
		args = append(args, formatTime(*t.AssignedBefore))
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Applied{}, fmt.Errorf("%w: begin: %w", domain.ErrLedgerWrite, err)
	}
	defer tx.Rollback()

	var prev string
	if err := tx.QueryRowContext(ctx, "SELECT status FROM orders WHERE id = ?", t.OrderID).Scan(&prev); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Applied{}, fmt.Errorf("%w: %s", domain.ErrOrderNotFound, t.OrderID)
		}
		return Applied{}, fmt.Errorf("%w: read order: %w", domain.ErrLedgerWrite, err)
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE orders SET "+strings.Join(set, ", ")+" WHERE "+strings.Join(where, " AND "),
		args...,
	)
	if err != nil {
		return Applied{}, fmt.Errorf("%w: update order: %w", domain.ErrLedgerWrite, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Applied{}, fmt.Errorf("%w: rows affected: %w", domain.ErrLedgerWrite, err)
	}

	if n == 0 {
		cur, err := scanOrder(tx.QueryRowContext(ctx,
			"SELECT "+orderColumns+" FROM orders WHERE id = ?", t.OrderID))
		if err != nil {
			return Applied{}, fmt.Errorf("%w: reread order: %w", domain.ErrLedgerWrite, err)
		}
		return Applied{Order: cur, Prev: domain.OrderStatus(prev)}, nil
	}

	updated, err := scanOrder(tx.QueryRowContext(ctx,
		"SELECT "+orderColumns+" FROM orders WHERE id = ?", t.OrderID))
	if err != nil {
		return Applied{}, fmt.Errorf("%w: reread order: %w", domain.ErrLedgerWrite, err)
	}

	label := t.To
	if t.EventLabel != "" {
		label = t.EventLabel
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO order_events (order_id, from_status, to_status, actor, reason, version, at)
		VALUES (?,?,?,?,?,?,?)`,
		t.OrderID, prev, string(label), nullableString(t.Actor), nullableString(t.Reason),
		updated.Version, formatTime(t.At),
	); err != nil {
		return Applied{}, fmt.Errorf("%w: insert event: %w", domain.ErrLedgerWrite, err)
	}

	if err := tx.Commit(); err != nil {
		return Applied{}, fmt.Errorf("%w: commit: %w", domain.ErrLedgerWrite, err)
	}
	return Applied{Order: updated, Prev: domain.OrderStatus(prev), OK: true}, nil
}

// ListAssignedBefore returns assigned orders whose claim is older than cutoff.
func (r *OrderRepo) ListAssignedBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders
		WHERE status = ? AND assigned_at < ?
		ORDER BY assigned_at LIMIT ?`,
		string(domain.StatusAssigned), formatTime(cutoff), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

type OrderFilter struct {
	Status string
	Escort string
	From   *time.Time
	To     *time.Time
	Page   int
	Limit  int
	// Oldest sorts ascending by creation time; the claim pool uses it.
	Oldest bool
}

func (r *OrderRepo) List(ctx context.Context, f OrderFilter) ([]domain.Order, int, error) {
	where, args := buildOrderWhere(f)

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM orders"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count: %w", err)
	}

	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Page <= 0 {
		f.Page = 1
	}
	offset := (f.Page - 1) * f.Limit

	order := " ORDER BY created_at DESC"
	if f.Oldest {
		order = " ORDER BY created_at ASC"
	}
	q := "SELECT " + orderColumns + " FROM orders" + where + order + " LIMIT ? OFFSET ?"
	args = append(args, f.Limit, offset)

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	orders, err := scanOrders(rows)
	return orders, total, err
}

// ListCompletedWithoutSettlement returns orders completed before cutoff that
// have no settlement header.
func (r *OrderRepo) ListCompletedWithoutSettlement(ctx context.Context, cutoff time.Time) ([]domain.Order, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT o.id, o.status, o.amount_cents, o.created_at, o.assigned_escort_id,
			o.assigned_at, o.completed_at, o.version, o.snapshot
		FROM orders o
		LEFT JOIN settlements s ON s.order_id = o.id
		WHERE o.status = ?
		  AND o.completed_at < ?
		  AND s.order_id IS NULL
		ORDER BY o.completed_at
	`, string(domain.StatusCompleted), formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (r *OrderRepo) ListEvents(ctx context.Context, orderID string) ([]domain.OrderEvent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, order_id, from_status, to_status, actor, reason, version, at
		FROM order_events WHERE order_id = ? ORDER BY id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	var events []domain.OrderEvent
	for rows.Next() {
		var ev domain.OrderEvent
		var from, to, at string
		var actor, reason sql.NullString
		if err := rows.Scan(&ev.ID, &ev.OrderID, &from, &to, &actor, &reason, &ev.Version, &at); err != nil {
			return nil, err
		}
		ev.FromStatus = domain.OrderStatus(from)
		ev.ToStatus = domain.OrderStatus(to)
		ev.Actor = actor.String
		ev.Reason = reason.String
		ev.At, _ = time.Parse(time.RFC3339, at)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// StatusCounts returns the number of orders per status.
func (r *OrderRepo) StatusCounts(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM orders GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, rows.Err()
}

// --- helpers ---

func buildOrderWhere(f OrderFilter) (string, []any) {
	var clauses []string
	var args []any

	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, f.Status)
	}
	if f.Escort != "" {
		clauses = append(clauses, "assigned_escort_id = ?")
		args = append(args, f.Escort)
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

func encodeSnapshot(sc *domain.StrategyConfig) (any, error) {
	if sc == nil {
		return nil, nil
	}
	raw, err := json.Marshal(sc)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	return string(raw), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (*domain.Order, error) {
	var o domain.Order
	var status, createdAt string
	var escort, assignedAt, completedAt, snapshot sql.NullString

	err := row.Scan(
		&o.ID, &status, &o.AmountCents, &createdAt, &escort,
		&assignedAt, &completedAt, &o.Version, &snapshot,
	)
	if err != nil {
		return nil, err
	}

	o.Status = domain.OrderStatus(status)
	o.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	o.AssignedEscortID = escort.String
	o.AssignedAt = parseNullableTime(assignedAt)
	o.CompletedAt = parseNullableTime(completedAt)

	if snapshot.Valid && snapshot.String != "" {
		var sc domain.StrategyConfig
		if err := json.Unmarshal([]byte(snapshot.String), &sc); err != nil {
			return nil, fmt.Errorf("decode snapshot for %s: %w", o.ID, err)
		}
		o.Snapshot = &sc
	}

	return &o, nil
}

func scanOrders(rows *sql.Rows) ([]domain.Order, error) {
	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}
