// Package ingestion imports referral-graph snapshots pushed by the
// referral subsystem.
package ingestion

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carelink/escortd/internal/domain"
	"github.com/carelink/escortd/internal/logger"
	"github.com/carelink/escortd/internal/repository"
)

// Entry is one escort of a snapshot: its beneficiary level and direct
// referrer.
type Entry struct {
	EscortID   string `json:"id"`
	ReferrerID string `json:"referrer_id"`
	Level      int    `json:"level"`
}

// ImportResult is returned from a successful import.
type ImportResult struct {
	ImportID  string `json:"import_id"`
	Escorts   int    `json:"escorts"`
	Edges     int    `json:"edges"`
	Duplicate bool   `json:"duplicate"`
}

// Service handles referral snapshot imports.
type Service struct {
	referrals *repository.ReferralRepo
	log       *logger.Logger
}

func NewService(referrals *repository.ReferralRepo, log *logger.Logger) *Service {
	return &Service{referrals: referrals, log: log.With("component", "ingestion")}
}

// Import parses a snapshot and stores it. Re-importing identical bytes is
// a no-op.
//
// format must be one of: csv, json, or empty to detect from content.
func (s *Service) Import(ctx context.Context, data []byte, format, source string) (*ImportResult, error) {
	hash := fmt.Sprintf("%x", sha256.Sum256(data))
	exists, err := s.referrals.ImportExistsByHash(ctx, hash)
	if err != nil {
		return nil, fmt.Errorf("check hash: %w", err)
	}
	if exists {
		return &ImportResult{ImportID: "already-imported", Duplicate: true}, nil
	}

	if format == "" {
		format = detectFormat(data)
	}

	var entries []Entry
	switch format {
	case "csv":
		entries, err = ParseReferralCSV(data)
	case "json":
		entries, err = ParseReferralJSON(data)
	default:
		return nil, fmt.Errorf("%w: unsupported format: %s", domain.ErrInvalidInput, format)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrInvalidInput, format, err)
	}

	escorts, links, err := buildGraph(entries)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	if source == "" {
		source = "upload"
	}
	imp := &domain.ReferralImport{
		ID:          uuid.NewString(),
		Source:      source,
		FileHash:    hash,
		EdgeCount:   len(links),
		EscortCount: len(escorts),
		ImportedAt:  time.Now(),
	}
	created, err := s.referrals.Import(ctx, imp, escorts, links)
	if err != nil {
		return nil, fmt.Errorf("store import: %w", err)
	}
	if !created {
		return &ImportResult{ImportID: "already-imported", Duplicate: true}, nil
	}

	s.log.Info("referral snapshot imported",
		"import_id", imp.ID, "source", source, "escorts", len(escorts), "edges", len(links))

	return &ImportResult{ImportID: imp.ID, Escorts: len(escorts), Edges: len(links)}, nil
}

// Upline exposes the referral-chain lookup for display.
func (s *Service) Upline(ctx context.Context, escortID string) ([]domain.ReferralEdge, error) {
	return s.referrals.GetUpline(ctx, escortID, domain.MaxReferralDepth)
}

func detectFormat(data []byte) string {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return "json"
	}
	return "csv"
}

// buildGraph validates entries and splits them into escort levels and
// direct edges. The snapshot must form a forest.
func buildGraph(entries []Entry) ([]domain.Escort, []repository.ReferralLink, error) {
	parent := make(map[string]string, len(entries))
	escorts := make([]domain.Escort, 0, len(entries))
	var links []repository.ReferralLink

	for i, e := range entries {
		id := strings.TrimSpace(e.EscortID)
		ref := strings.TrimSpace(e.ReferrerID)
		level := domain.BeneficiaryLevel(e.Level)

		switch {
		case id == "":
			return nil, nil, fmt.Errorf("entry %d: empty escort id", i)
		case !level.Valid():
			return nil, nil, fmt.Errorf("entry %d (%s): level %d outside 1..3", i, id, e.Level)
		case ref == id:
			return nil, nil, fmt.Errorf("entry %d (%s): escort refers itself", i, id)
		}
		if _, dup := parent[id]; dup {
			return nil, nil, fmt.Errorf("entry %d: duplicate escort %s", i, id)
		}

		parent[id] = ref
		escorts = append(escorts, domain.Escort{ID: id, Level: level})
		if ref != "" {
			links = append(links, repository.ReferralLink{EscortID: id, ReferrerID: ref})
		}
	}

	for id := range parent {
		seen := map[string]bool{id: true}
		for cur := parent[id]; cur != ""; cur = parent[cur] {
			if seen[cur] {
				return nil, nil, fmt.Errorf("referral cycle through %s", cur)
			}
			seen[cur] = true
		}
	}

	return escorts, links, nil
}
