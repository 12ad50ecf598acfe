package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/carelink/escortd/internal/domain"
)

type ReferralRepo struct {
	db *sql.DB
}

func NewReferralRepo(db *sql.DB) *ReferralRepo {
	return &ReferralRepo{db: db}
}

// ImportExistsByHash checks whether a snapshot with the given file hash has
// already been imported.
func (r *ReferralRepo) ImportExistsByHash(ctx context.Context, hash string) (bool, error) {
	var count int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM referral_imports WHERE file_hash = ?", hash,
	).Scan(&count)
	return count > 0, err
}

// ReferralLink is one direct edge of a snapshot: escort -> its referrer.
type ReferralLink struct {
	EscortID   string
	ReferrerID string
}

// Import records a snapshot and upserts its escorts and direct edges in one
// transaction. An escort listed in escorts with no entry in links is a root
// in this snapshot, so any edge stored for it earlier is removed. It reports
// false if the snapshot hash was already imported.
func (r *ReferralRepo) Import(ctx context.Context, imp *domain.ReferralImport, escorts []domain.Escort, links []ReferralLink) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: begin: %w", domain.ErrLedgerWrite, err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO referral_imports
		(id, source, file_hash, edge_count, escort_count, imported_at)
		VALUES (?,?,?,?,?,?)`,
		imp.ID, imp.Source, imp.FileHash, imp.EdgeCount, imp.EscortCount, formatTime(imp.ImportedAt),
	)
	if err != nil {
		return false, fmt.Errorf("%w: insert import: %w", domain.ErrLedgerWrite, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, nil
	}

	if err := upsertEscorts(ctx, tx, escorts, imp.ImportedAt); err != nil {
		return false, err
	}
	if err := upsertLinks(ctx, tx, links, imp.ImportedAt); err != nil {
		return false, err
	}
	if err := detachRoots(ctx, tx, escorts, links); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: commit: %w", domain.ErrLedgerWrite, err)
	}
	return true, nil
}

// UpsertEscorts stores beneficiary levels without an import header.
func (r *ReferralRepo) UpsertEscorts(ctx context.Context, escorts []domain.Escort) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", domain.ErrLedgerWrite, err)
	}
	defer tx.Rollback()
	if err := upsertEscorts(ctx, tx, escorts, time.Now()); err != nil {
		return err
	}
	return tx.Commit()
}

// UpsertLinks stores direct referral edges without an import header.
func (r *ReferralRepo) UpsertLinks(ctx context.Context, links []ReferralLink) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin: %w", domain.ErrLedgerWrite, err)
	}
	defer tx.Rollback()
	if err := upsertLinks(ctx, tx, links, time.Now()); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *ReferralRepo) GetEscort(ctx context.Context, id string) (*domain.Escort, error) {
	var e domain.Escort
	var level int
	var updatedAt string
	err := r.db.QueryRowContext(ctx,
		"SELECT id, level, updated_at FROM escorts WHERE id = ?", id,
	).Scan(&e.ID, &level, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("escort %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	e.Level = domain.BeneficiaryLevel(level)
	e.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &e, nil
}

// GetUpline walks direct edges upward from escortID, returning at most
// maxDepth ancestors ordered by depth. An ancestor without an escorts row
// comes back with level 0.
func (r *ReferralRepo) GetUpline(ctx context.Context, escortID string, maxDepth int) ([]domain.ReferralEdge, error) {
	if maxDepth <= 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx, `
		WITH RECURSIVE up(referrer_id, depth) AS (
			SELECT referrer_id, 1 FROM referral_edges WHERE escort_id = ?
			UNION ALL
			SELECT e.referrer_id, up.depth + 1
			FROM referral_edges e JOIN up ON e.escort_id = up.referrer_id
			WHERE up.depth < ?
		)
		SELECT up.referrer_id, up.depth, COALESCE(es.level, 0)
		FROM up LEFT JOIN escorts es ON es.id = up.referrer_id
		ORDER BY up.depth
	`, escortID, maxDepth)
	if err != nil {
		return nil, fmt.Errorf("query upline: %w", err)
	}
	defer rows.Close()

	var edges []domain.ReferralEdge
	for rows.Next() {
		e := domain.ReferralEdge{EscortID: escortID}
		var level int
		if err := rows.Scan(&e.ReferrerID, &e.Depth, &level); err != nil {
			return nil, err
		}
		e.ReferrerLevel = domain.BeneficiaryLevel(level)
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func upsertEscorts(ctx context.Context, tx *sql.Tx, escorts []domain.Escort, at time.Time) error {
	if len(escorts) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO escorts (id, level, updated_at) VALUES (?,?,?)
		ON CONFLICT(id) DO UPDATE SET level = excluded.level, updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare escorts: %w", err)
	}
	defer stmt.Close()

	for i := range escorts {
		e := &escorts[i]
		if _, err := stmt.ExecContext(ctx, e.ID, int(e.Level), formatTime(at)); err != nil {
			return fmt.Errorf("%w: upsert escort %s: %w", domain.ErrLedgerWrite, e.ID, err)
		}
	}
	return nil
}

func upsertLinks(ctx context.Context, tx *sql.Tx, links []ReferralLink, at time.Time) error {
	if len(links) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO referral_edges (escort_id, referrer_id, updated_at) VALUES (?,?,?)
		ON CONFLICT(escort_id) DO UPDATE SET referrer_id = excluded.referrer_id, updated_at = excluded.updated_at
	`)
	if err != nil {
		return fmt.Errorf("prepare edges: %w", err)
	}
	defer stmt.Close()

	for i := range links {
		l := &links[i]
		if _, err := stmt.ExecContext(ctx, l.EscortID, l.ReferrerID, formatTime(at)); err != nil {
			return fmt.Errorf("%w: upsert edge %s: %w", domain.ErrLedgerWrite, l.EscortID, err)
		}
	}
	return nil
}

// detachRoots deletes the stored edge of every escort that has no referrer
// in the snapshot being imported.
func detachRoots(ctx context.Context, tx *sql.Tx, escorts []domain.Escort, links []ReferralLink) error {
	linked := make(map[string]bool, len(links))
	for _, l := range links {
		linked[l.EscortID] = true
	}

	var stmt *sql.Stmt
	for i := range escorts {
		id := escorts[i].ID
		if linked[id] {
			continue
		}
		if stmt == nil {
			var err error
			stmt, err = tx.PrepareContext(ctx, "DELETE FROM referral_edges WHERE escort_id = ?")
			if err != nil {
				return fmt.Errorf("prepare detach: %w", err)
			}
			defer stmt.Close()
		}
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("%w: detach escort %s: %w", domain.ErrLedgerWrite, id, err)
		}
	}
	return nil
}
