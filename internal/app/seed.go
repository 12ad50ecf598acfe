package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/carelink/escortd/internal/ingestion"
)

// SeedFile is the demo fixture: a referral snapshot plus orders to open.
type SeedFile struct {
	Referrals json.RawMessage `json:"referrals"`
	Orders    []SeedOrder     `json:"orders"`
}

type SeedOrder struct {
	AmountCents int64 `json:"amount_cents"`
	Paid        bool  `json:"paid"`
}

type SeedResult struct {
	Import *ingestion.ImportResult `json:"import"`
	Orders int                     `json:"orders"`
	Paid   int                     `json:"paid"`
}

// Seed imports the fixture's referral graph and, when the order table is
// empty, opens its orders.
func (a *App) Seed(ctx context.Context, data []byte) (*SeedResult, error) {
	var file SeedFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unmarshal seed: %w", err)
	}

	res := &SeedResult{}
	if len(file.Referrals) > 0 {
		imp, err := a.Ingestion.Import(ctx, file.Referrals, "json", "seed")
		if err != nil {
			return nil, fmt.Errorf("import referrals: %w", err)
		}
		res.Import = imp
	}

	count, err := a.OrderRepo.Count(ctx)
	if err != nil {
		return nil, fmt.Errorf("count orders: %w", err)
	}
	if count > 0 {
		a.Log.Info("database already has orders, skipping order seed", "count", count)
		return res, nil
	}

	for i, so := range file.Orders {
		o, err := a.Orders.Create(ctx, so.AmountCents)
		if err != nil {
			return nil, fmt.Errorf("order %d: %w", i, err)
		}
		res.Orders++
		if !so.Paid {
			continue
		}
		if _, err := a.Orders.MarkPaid(ctx, o.ID); err != nil {
			return nil, fmt.Errorf("order %d: mark paid: %w", i, err)
		}
		res.Paid++
	}

	a.Log.Info("seed loaded", "orders", res.Orders, "paid", res.Paid)
	return res, nil
}

// ReadSeedFile reads path, falling back to the usual testdata locations
// when path is empty.
func ReadSeedFile(path string) ([]byte, error) {
	if path != "" {
		return os.ReadFile(path)
	}

	candidates := []string{
		filepath.Join("testdata", "seed.json"),
	}
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		candidates = append(candidates,
			filepath.Join(dir, "testdata", "seed.json"),
			filepath.Join(dir, "..", "..", "testdata", "seed.json"),
		)
	}

	var loadErr error
	for _, p := range candidates {
		data, err := os.ReadFile(p)
		if err == nil {
			return data, nil
		}
		loadErr = err
	}
	return nil, fmt.Errorf("could not find seed.json in any candidate path: %w", loadErr)
}
