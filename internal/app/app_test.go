package app

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/carelink/escortd/internal/config"
	"github.com/carelink/escortd/internal/domain"
	"github.com/carelink/escortd/internal/logger"
)

const testSeed = `{
  "referrals": {
    "generated_at": "2026-03-01T00:00:00Z",
    "escorts": [
      {"id": "C", "referrer_id": "", "level": 1},
      {"id": "B", "referrer_id": "C", "level": 3},
      {"id": "A", "referrer_id": "B", "level": 3}
    ]
  },
  "orders": [
    {"amount_cents": 10000, "paid": true},
    {"amount_cents": 4500, "paid": false}
  ]
}`

func newTestApp(t *testing.T) *App {
	t.Helper()
	cfg := config.Default()
	cfg.Database.Path = filepath.Join(t.TempDir(), "app.db")
	a, err := New(cfg, logger.Nop())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestSeed(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)

	res, err := a.Seed(ctx, []byte(testSeed))
	if err != nil {
		t.Fatalf("Seed() error: %v", err)
	}
	if res.Orders != 2 || res.Paid != 1 {
		t.Errorf("Seed() = %d orders, %d paid, want 2, 1", res.Orders, res.Paid)
	}
	if res.Import == nil || res.Import.Escorts != 3 {
		t.Errorf("Import = %+v, want 3 escorts", res.Import)
	}

	// A second seed neither duplicates the graph nor the orders.
	res, err = a.Seed(ctx, []byte(testSeed))
	if err != nil {
		t.Fatalf("second Seed() error: %v", err)
	}
	if res.Orders != 0 || !res.Import.Duplicate {
		t.Errorf("second Seed() = %+v, want no orders and a duplicate import", res)
	}
}

func TestOrderLifecycleSettlesCommission(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t)
	if _, err := a.Seed(ctx, []byte(testSeed)); err != nil {
		t.Fatalf("Seed() error: %v", err)
	}

	pool, _, err := a.Grab.Pool(ctx, 1, 10)
	if err != nil || len(pool) != 1 {
		t.Fatalf("Pool() = %d orders, %v, want 1", len(pool), err)
	}
	o := pool[0]

	o2, err := a.Grab.Claim(ctx, o.ID, "A", o.Version)
	if err != nil {
		t.Fatalf("Claim() error: %v", err)
	}
	o2, err = a.Orders.Advance(ctx, o.ID, "A", domain.StatusArrived, o2.Version)
	if err != nil {
		t.Fatalf("Advance(arrived) error: %v", err)
	}
	o2, err = a.Orders.Advance(ctx, o.ID, "A", domain.StatusInProgress, o2.Version)
	if err != nil {
		t.Fatalf("Advance(in_progress) error: %v", err)
	}
	o2, err = a.Orders.Complete(ctx, o.ID, "A", o2.Version)
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if o2.Snapshot == nil || o2.Snapshot.Name != "standard" {
		t.Fatalf("Snapshot = %+v, want standard", o2.Snapshot)
	}

	rep, err := a.Settlement.Settle(ctx, o.ID)
	if err != nil {
		t.Fatalf("Settle() error: %v", err)
	}
	if rep.Settlement.ResidualCents != 8500 || rep.Credited != 2 {
		t.Errorf("Settle() residual %d credited %d, want 8500, 2", rep.Settlement.ResidualCents, rep.Credited)
	}

	for escort, want := range map[string]int64{"A": 0, "B": 500, "C": 1000} {
		got, err := a.Wallet.Balance(ctx, escort)
		if err != nil {
			t.Fatalf("Balance(%s) error: %v", escort, err)
		}
		if got != want {
			t.Errorf("Balance(%s) = %d, want %d", escort, got, want)
		}
	}

	// Refund reverses every line and finishes in refunded.
	o2, err = a.Orders.Refund(ctx, o.ID, "admin", "customer complaint")
	if err != nil {
		t.Fatalf("Refund() error: %v", err)
	}
	if o2.Status != domain.StatusRefunded {
		t.Errorf("Status = %s, want refunded", o2.Status)
	}
	for _, escort := range []string{"B", "C"} {
		if got, _ := a.Wallet.Balance(ctx, escort); got != 0 {
			t.Errorf("Balance(%s) after refund = %d, want 0", escort, got)
		}
	}
}
