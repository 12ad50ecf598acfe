package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/carelink/escortd/internal/money"
)

func TestOrderStatus_HoldsEscort(t *testing.T) {
	tests := []struct {
		status OrderStatus
		want   bool
	}{
		{StatusPending, false},
		{StatusPaid, false},
		{StatusAssigned, true},
		{StatusArrived, true},
		{StatusInProgress, true},
		{StatusCompleted, true},
		{StatusCancelled, false},
		{StatusRefunding, false},
		{StatusRefunded, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			if got := tt.status.HoldsEscort(); got != tt.want {
				t.Errorf("%s.HoldsEscort() = %v, want %v", tt.status, got, tt.want)
			}
		})
	}
}

func TestOrderStatus_FailedAssignmentIsNotPersistable(t *testing.T) {
	if StatusFailedAssignment.Valid() {
		t.Error("failed_assignment must not be a storable order status")
	}
	if !StatusRefunded.Terminal() || !StatusCancelled.Terminal() {
		t.Error("cancelled and refunded should be terminal")
	}
	if StatusCompleted.Terminal() {
		t.Error("completed can still be refunded, so it is not terminal")
	}
}

func TestErrorTaxonomy(t *testing.T) {
	current := &Order{ID: "o1", Status: StatusAssigned, Version: 3}

	var err error = &TransitionError{OrderID: "o1", From: StatusPaid, To: StatusArrived, Current: StatusAssigned}
	wrapped := fmt.Errorf("advance: %w", err)
	if !errors.Is(wrapped, ErrInvalidTransition) {
		t.Error("TransitionError should match ErrInvalidTransition")
	}
	var te *TransitionError
	if !errors.As(wrapped, &te) || te.Current != StatusAssigned {
		t.Errorf("errors.As(TransitionError) current = %v, want %s", te, StatusAssigned)
	}

	if !errors.Is(&ConflictError{OrderID: "o1", ExpectedVersion: 2, Current: current}, ErrConflict) {
		t.Error("ConflictError should match ErrConflict")
	}
	if !errors.Is(&AlreadyAssignedError{OrderID: "o1", Current: current}, ErrAlreadyAssigned) {
		t.Error("AlreadyAssignedError should match ErrAlreadyAssigned")
	}
	if errors.Is(&AlreadyAssignedError{}, ErrConflict) {
		t.Error("AlreadyAssignedError must not match ErrConflict")
	}
}

func TestRateConfig_ForLevel(t *testing.T) {
	rc := RateConfig{L1: money.Percent(10), L2: money.Percent(8), L3: money.Percent(5)}
	tests := []struct {
		level BeneficiaryLevel
		want  money.BasisPoints
		ok    bool
	}{
		{LevelCityPartner, money.Percent(10), true},
		{LevelTeamLead, money.Percent(8), true},
		{LevelEscort, money.Percent(5), true},
		{BeneficiaryLevel(7), 0, false},
	}
	for _, tt := range tests {
		got, ok := rc.ForLevel(tt.level)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ForLevel(%d) = (%s, %v), want (%s, %v)", tt.level, got, ok, tt.want, tt.ok)
		}
	}
}

func TestStrategyConfig_SnapshotJSON(t *testing.T) {
	in := StrategyConfig{
		Name:  "custom",
		Rates: RateConfig{L1: 1250, L2: money.Percent(8), L3: money.Percent(5)},
		Custom: RateMatrix{
			LevelCityPartner: {1: money.Percent(12), 2: money.Percent(6)},
		},
	}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}

	var out StrategyConfig
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("Unmarshal(%s) error: %v", data, err)
	}
	if out.Rates.L1 != 1250 {
		t.Errorf("Rates.L1 = %d, want 1250", out.Rates.L1)
	}
	if out.Custom[LevelCityPartner][2] != money.Percent(6) {
		t.Errorf("Custom[1][2] = %s, want 6", out.Custom[LevelCityPartner][2])
	}
}
