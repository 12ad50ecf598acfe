package repository

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/carelink/escortd/internal/domain"
	"github.com/carelink/escortd/internal/money"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := InitDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("InitDB() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedOrder(t *testing.T, repo *OrderRepo, id string, status domain.OrderStatus, amount int64) *domain.Order {
	t.Helper()
	o := &domain.Order{
		ID:          id,
		Status:      status,
		AmountCents: amount,
		CreatedAt:   time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC),
	}
	if err := repo.Insert(context.Background(), o); err != nil {
		t.Fatalf("Insert(%s) error: %v", id, err)
	}
	return o
}

// ─── Orders ─────────────────────────────────────────────────────────────────

func TestOrderRepo_GetByID_NotFound(t *testing.T) {
	repo := NewOrderRepo(newTestDB(t))
	_, err := repo.GetByID(context.Background(), "missing")
	if !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("GetByID(missing) error = %v, want ErrOrderNotFound", err)
	}
}

func TestOrderRepo_Apply_ClaimSetsEscortAndEvent(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepo(newTestDB(t))
	seedOrder(t, repo, "o1", domain.StatusPaid, 10000)

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	res, err := repo.Apply(ctx, Transition{
		OrderID:           "o1",
		From:              []domain.OrderStatus{domain.StatusPaid},
		To:                domain.StatusAssigned,
		RequireUnassigned: true,
		AssignEscort:      "e1",
		At:                at,
		Actor:             "e1",
	})
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if !res.OK {
		t.Fatal("Apply() OK = false, want true")
	}
	if res.Prev != domain.StatusPaid {
		t.Errorf("Prev = %s, want paid", res.Prev)
	}
	o := res.Order
	if o.Status != domain.StatusAssigned || o.AssignedEscortID != "e1" {
		t.Errorf("order = %s/%q, want assigned/e1", o.Status, o.AssignedEscortID)
	}
	if o.Version != 2 {
		t.Errorf("Version = %d, want 2", o.Version)
	}
	if o.AssignedAt == nil || !o.AssignedAt.Equal(at) {
		t.Errorf("AssignedAt = %v, want %v", o.AssignedAt, at)
	}

	events, err := repo.ListEvents(ctx, "o1")
	if err != nil {
		t.Fatalf("ListEvents() error: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	if events[0].FromStatus != domain.StatusPaid || events[0].ToStatus != domain.StatusAssigned {
		t.Errorf("event = %s -> %s, want paid -> assigned", events[0].FromStatus, events[0].ToStatus)
	}
}

func TestOrderRepo_Apply_GuardMissLeavesRowUntouched(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepo(newTestDB(t))
	seedOrder(t, repo, "o1", domain.StatusPaid, 10000)

	res, err := repo.Apply(ctx, Transition{
		OrderID:         "o1",
		From:            []domain.OrderStatus{domain.StatusPaid},
		To:              domain.StatusCancelled,
		ExpectedVersion: 7,
	})
	if err != nil {
		t.Fatalf("Apply() error: %v", err)
	}
	if res.OK {
		t.Fatal("Apply() with stale version applied")
	}
	cur := res.Order
	if cur.Version != 1 || cur.Status != domain.StatusPaid {
		t.Errorf("current = %s v%d, want paid v1", cur.Status, cur.Version)
	}

	events, _ := repo.ListEvents(ctx, "o1")
	if len(events) != 0 {
		t.Errorf("len(events) = %d, want 0 after a missed guard", len(events))
	}
}

func TestOrderRepo_Apply_ConcurrentClaimsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepo(newTestDB(t))
	seedOrder(t, repo, "o1", domain.StatusPaid, 10000)

	const n = 16
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := repo.Apply(ctx, Transition{
				OrderID:           "o1",
				From:              []domain.OrderStatus{domain.StatusPaid},
				To:                domain.StatusAssigned,
				RequireUnassigned: true,
				AssignEscort:      string(rune('a' + i)),
			})
			if err != nil {
				t.Errorf("Apply() error: %v", err)
				return
			}
			if res.OK {
				wins.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := wins.Load(); got != 1 {
		t.Fatalf("winners = %d, want 1", got)
	}
	o, _ := repo.GetByID(ctx, "o1")
	if o.Version != 2 {
		t.Errorf("Version = %d, want 2", o.Version)
	}
}

func TestOrderRepo_Apply_ClearsEscortWhenLeavingHeldStates(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepo(newTestDB(t))
	seedOrder(t, repo, "o1", domain.StatusPaid, 10000)

	assignedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	repo.Apply(ctx, Transition{
		OrderID: "o1", From: []domain.OrderStatus{domain.StatusPaid}, To: domain.StatusAssigned,
		AssignEscort: "e1", At: assignedAt,
	})

	cutoff := assignedAt.Add(time.Minute)
	res, err := repo.Apply(ctx, Transition{
		OrderID:        "o1",
		From:           []domain.OrderStatus{domain.StatusAssigned},
		To:             domain.StatusPaid,
		AssignedBefore: &cutoff,
		EventLabel:     domain.StatusFailedAssignment,
	})
	if err != nil || !res.OK {
		t.Fatalf("Apply(reclaim) = %v, %v", res.OK, err)
	}
	o := res.Order
	if o.AssignedEscortID != "" || o.AssignedAt != nil {
		t.Errorf("escort = %q at %v, want cleared", o.AssignedEscortID, o.AssignedAt)
	}

	events, _ := repo.ListEvents(ctx, "o1")
	last := events[len(events)-1]
	if last.ToStatus != domain.StatusFailedAssignment {
		t.Errorf("last event to = %s, want failed_assignment", last.ToStatus)
	}
}

func TestOrderRepo_Apply_HeldStatusNeedsEscort(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepo(newTestDB(t))
	seedOrder(t, repo, "o1", domain.StatusPaid, 10000)

	_, err := repo.Apply(ctx, Transition{
		OrderID: "o1", From: []domain.OrderStatus{domain.StatusPaid}, To: domain.StatusAssigned,
		RequireUnassigned: true,
	})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("Apply(assign nobody) error = %v, want ErrInvalidInput", err)
	}

	// A row that somehow lost its escort cannot move between held states.
	seedOrder(t, repo, "o2", domain.StatusAssigned, 10000)
	res, err := repo.Apply(ctx, Transition{
		OrderID: "o2", From: []domain.OrderStatus{domain.StatusAssigned}, To: domain.StatusArrived,
	})
	if err != nil {
		t.Fatalf("Apply(arrive) error: %v", err)
	}
	if res.OK {
		t.Fatal("Apply(arrive) applied to an order without an escort")
	}

	o, _ := repo.GetByID(ctx, "o1")
	if o.Status != domain.StatusPaid || o.AssignedEscortID != "" {
		t.Errorf("o1 = %s escort %q, want paid with no escort", o.Status, o.AssignedEscortID)
	}
}

func TestOrderRepo_ListAssignedBefore(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepo(newTestDB(t))
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"old", "new"} {
		seedOrder(t, repo, id, domain.StatusPaid, 5000)
		repo.Apply(ctx, Transition{
			OrderID: id, From: []domain.OrderStatus{domain.StatusPaid}, To: domain.StatusAssigned,
			AssignEscort: "e1", At: base.Add(time.Duration(i) * time.Hour),
		})
	}

	got, err := repo.ListAssignedBefore(ctx, base.Add(30*time.Minute), 0)
	if err != nil {
		t.Fatalf("ListAssignedBefore() error: %v", err)
	}
	if len(got) != 1 || got[0].ID != "old" {
		t.Errorf("ListAssignedBefore() = %v, want [old]", got)
	}
}

func TestOrderRepo_SnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := NewOrderRepo(newTestDB(t))
	assignedAt := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	if err := repo.Insert(ctx, &domain.Order{
		ID: "o1", Status: domain.StatusInProgress, AmountCents: 10000, CreatedAt: assignedAt,
		AssignedEscortID: "e1", AssignedAt: &assignedAt,
	}); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}

	snap := &domain.StrategyConfig{
		Name:  "standard",
		Rates: domain.RateConfig{L1: money.Percent(10), L2: money.Percent(8), L3: money.Percent(5)},
	}
	if res, err := repo.Apply(ctx, Transition{
		OrderID: "o1", From: []domain.OrderStatus{domain.StatusInProgress}, To: domain.StatusCompleted,
		Snapshot: snap,
	}); err != nil || !res.OK {
		t.Fatalf("Apply(complete) = %+v, %v", res, err)
	}

	o, err := repo.GetByID(ctx, "o1")
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if o.Snapshot == nil || o.Snapshot.Rates.L2 != money.Percent(8) {
		t.Errorf("Snapshot = %+v, want standard with L2 8%%", o.Snapshot)
	}
	if o.CompletedAt == nil {
		t.Error("CompletedAt = nil, want set")
	}
}

// ─── Distributions ──────────────────────────────────────────────────────────

func testSettlement(orderID string, at time.Time) (*domain.Settlement, []domain.DistributionRecord) {
	s := &domain.Settlement{
		OrderID: orderID, Strategy: "standard", AmountCents: 10000,
		DistributedCents: 1500, ResidualCents: 8500, CreatedAt: at,
	}
	recs := []domain.DistributionRecord{
		{ID: orderID + "-1", OrderID: orderID, BeneficiaryEscortID: "B", BeneficiaryLevel: domain.LevelEscort,
			RelationLevel: 1, Rate: money.Percent(5), AmountCents: 500, Status: domain.DistributionPending, CreatedAt: at},
		{ID: orderID + "-2", OrderID: orderID, BeneficiaryEscortID: "C", BeneficiaryLevel: domain.LevelCityPartner,
			RelationLevel: 2, Rate: money.Percent(10), AmountCents: 1000, Status: domain.DistributionPending, CreatedAt: at},
	}
	return s, recs
}

func TestDistributionRepo_MaterializeOnce(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	orders := NewOrderRepo(db)
	dist := NewDistributionRepo(db)
	seedOrder(t, orders, "o1", domain.StatusCompleted, 10000)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s, recs := testSettlement("o1", at)

	created, err := dist.Materialize(ctx, s, recs)
	if err != nil || !created {
		t.Fatalf("Materialize() = %v, %v, want true, nil", created, err)
	}
	created, err = dist.Materialize(ctx, s, recs)
	if err != nil {
		t.Fatalf("second Materialize() error: %v", err)
	}
	if created {
		t.Error("second Materialize() created = true, want false")
	}

	got, _ := dist.ListByOrder(ctx, "o1")
	if len(got) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(got))
	}
	if got[0].AmountCents != 500 || got[1].AmountCents != 1000 {
		t.Errorf("amounts = %d, %d, want 500, 1000", got[0].AmountCents, got[1].AmountCents)
	}
}

func TestDistributionRepo_MaterializeRequiresCompleted(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedOrder(t, NewOrderRepo(db), "o1", domain.StatusRefunding, 10000)

	s, recs := testSettlement("o1", time.Now())
	_, err := NewDistributionRepo(db).Materialize(ctx, s, recs)
	if !errors.Is(err, domain.ErrNotSettleable) {
		t.Fatalf("Materialize() error = %v, want ErrNotSettleable", err)
	}
}

func TestDistributionRepo_MarkStatusIsConditional(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedOrder(t, NewOrderRepo(db), "o1", domain.StatusCompleted, 10000)
	dist := NewDistributionRepo(db)
	s, recs := testSettlement("o1", time.Now())
	dist.Materialize(ctx, s, recs)

	ok, err := dist.MarkStatus(ctx, "o1-1", domain.DistributionPending, domain.DistributionCancelled, time.Now())
	if err != nil || !ok {
		t.Fatalf("MarkStatus(cancel) = %v, %v", ok, err)
	}
	ok, err = dist.MarkStatus(ctx, "o1-1", domain.DistributionPending, domain.DistributionSettled, time.Now())
	if err != nil {
		t.Fatalf("MarkStatus(settle) error: %v", err)
	}
	if ok {
		t.Error("settling a cancelled record should not apply")
	}

	totals, err := dist.ListSettlementTotals(ctx)
	if err != nil {
		t.Fatalf("ListSettlementTotals() error: %v", err)
	}
	if len(totals) != 1 || totals[0].DistributedCents+totals[0].ResidualCents != totals[0].OrderAmount {
		t.Errorf("totals = %+v, want distributed + residual == amount", totals)
	}
}

// ─── Referrals ──────────────────────────────────────────────────────────────

func TestReferralRepo_GetUpline(t *testing.T) {
	ctx := context.Background()
	repo := NewReferralRepo(newTestDB(t))

	escorts := []domain.Escort{
		{ID: "A", Level: domain.LevelEscort},
		{ID: "B", Level: domain.LevelEscort},
		{ID: "C", Level: domain.LevelCityPartner},
		{ID: "D", Level: domain.LevelTeamLead},
		{ID: "E", Level: domain.LevelCityPartner},
	}
	links := []ReferralLink{
		{EscortID: "A", ReferrerID: "B"},
		{EscortID: "B", ReferrerID: "C"},
		{EscortID: "C", ReferrerID: "D"},
		{EscortID: "D", ReferrerID: "E"},
	}
	imp := &domain.ReferralImport{ID: "i1", Source: "test", FileHash: "h1", EdgeCount: 4, EscortCount: 5, ImportedAt: time.Now()}
	if ok, err := repo.Import(ctx, imp, escorts, links); err != nil || !ok {
		t.Fatalf("Import() = %v, %v", ok, err)
	}

	up, err := repo.GetUpline(ctx, "A", domain.MaxReferralDepth)
	if err != nil {
		t.Fatalf("GetUpline() error: %v", err)
	}
	want := []struct {
		id    string
		level domain.BeneficiaryLevel
	}{{"B", domain.LevelEscort}, {"C", domain.LevelCityPartner}, {"D", domain.LevelTeamLead}}
	if len(up) != len(want) {
		t.Fatalf("len(upline) = %d, want %d", len(up), len(want))
	}
	for i, w := range want {
		if up[i].ReferrerID != w.id || up[i].ReferrerLevel != w.level || up[i].Depth != i+1 {
			t.Errorf("upline[%d] = %+v, want %s level %d depth %d", i, up[i], w.id, w.level, i+1)
		}
	}

	// Re-importing the same snapshot is a no-op.
	if ok, err := repo.Import(ctx, imp, escorts, links); err != nil || ok {
		t.Errorf("duplicate Import() = %v, %v, want false, nil", ok, err)
	}
}

func TestReferralRepo_GetUpline_UnknownAncestorLevel(t *testing.T) {
	ctx := context.Background()
	repo := NewReferralRepo(newTestDB(t))
	repo.UpsertLinks(ctx, []ReferralLink{{EscortID: "A", ReferrerID: "ghost"}})

	up, err := repo.GetUpline(ctx, "A", 3)
	if err != nil {
		t.Fatalf("GetUpline() error: %v", err)
	}
	if len(up) != 1 || up[0].ReferrerLevel != 0 {
		t.Errorf("upline = %+v, want one edge with level 0", up)
	}
}

// ─── Wallet ─────────────────────────────────────────────────────────────────

func TestWalletRepo_IdempotentInsertAndBalance(t *testing.T) {
	ctx := context.Background()
	repo := NewWalletRepo(newTestDB(t))
	now := time.Now()

	credit := &domain.WalletTransaction{ID: "w1", IdempotencyKey: "r1", EscortID: "B", OrderID: "o1",
		Kind: domain.WalletCredit, AmountCents: 500, CreatedAt: now}
	if ok, err := repo.Insert(ctx, credit); err != nil || !ok {
		t.Fatalf("Insert(credit) = %v, %v", ok, err)
	}
	dup := *credit
	dup.ID = "w2"
	if ok, err := repo.Insert(ctx, &dup); err != nil || ok {
		t.Errorf("Insert(duplicate key) = %v, %v, want false, nil", ok, err)
	}
	debit := &domain.WalletTransaction{ID: "w3", IdempotencyKey: "reversal:r1", EscortID: "B", OrderID: "o1",
		Kind: domain.WalletDebit, AmountCents: 200, CreatedAt: now}
	repo.Insert(ctx, debit)

	bal, err := repo.Balance(ctx, "B")
	if err != nil {
		t.Fatalf("Balance() error: %v", err)
	}
	if bal != 300 {
		t.Errorf("Balance() = %d, want 300", bal)
	}
}

// ─── Discrepancies ──────────────────────────────────────────────────────────

func TestDiscrepancyRepo_SummaryAndClear(t *testing.T) {
	ctx := context.Background()
	repo := NewDiscrepancyRepo(newTestDB(t))
	now := time.Now()

	n, err := repo.BulkInsert(ctx, []domain.Discrepancy{
		{ID: "d1", Type: domain.DiscrepancyMissingSettlement, OrderID: "o1", ExpectedCents: 10000,
			DifferenceCents: 10000, Severity: domain.SeverityHigh, Description: "x", DetectedAt: now},
		{ID: "d2", Type: domain.DiscrepancyStalePending, OrderID: "o2", RecordID: "r1", ExpectedCents: 500,
			DifferenceCents: -500, Severity: domain.SeverityLow, Description: "y", DetectedAt: now},
	})
	if err != nil || n != 2 {
		t.Fatalf("BulkInsert() = %d, %v", n, err)
	}

	s, err := repo.GetSummary(ctx)
	if err != nil {
		t.Fatalf("GetSummary() error: %v", err)
	}
	if s.TotalCount != 2 || s.TotalImpact != 10500 {
		t.Errorf("summary = %d / %d, want 2 / 10500", s.TotalCount, s.TotalImpact)
	}
	if s.ByType[string(domain.DiscrepancyStalePending)] != 1 {
		t.Errorf("ByType = %v", s.ByType)
	}

	list, total, _ := repo.List(ctx, DiscrepancyFilter{Type: string(domain.DiscrepancyStalePending)})
	if total != 1 || list[0].RecordID != "r1" {
		t.Errorf("List(stale) = %v (%d)", list, total)
	}

	if err := repo.ClearAll(ctx); err != nil {
		t.Fatalf("ClearAll() error: %v", err)
	}
	s, _ = repo.GetSummary(ctx)
	if s.TotalCount != 0 {
		t.Errorf("TotalCount after ClearAll = %d, want 0", s.TotalCount)
	}
}
