package memsched

import "testing"

func TestBalanceEqualSharesEqualMemorySplitEvenly(t *testing.T) {
	snap := []*ClientSnapshot{
		{ID: "a", Min: 100, Max: 1000, Shares: 1000, Locked: 100, WorkingSet: 100},
		{ID: "b", Min: 100, Max: 1000, Shares: 1000, Locked: 100, WorkingSet: 100},
	}
	Balance(snap, 1200, 0)

	for _, s := range snap {
		if s.Target < s.Min || s.Target > s.Max {
			t.Fatalf("client %s target %d out of [%d,%d]", s.ID, s.Target, s.Min, s.Max)
		}
	}
	if snap[0].Target != snap[1].Target {
		t.Fatalf("equal-share clients should split evenly, got %d vs %d", snap[0].Target, snap[1].Target)
	}
}

func TestBalanceTargetsFitManagedPagesWhenLockedExceedsManaged(t *testing.T) {
	snap := []*ClientSnapshot{
		{ID: "heavy", Min: 100, Max: 2000, Shares: 500, Locked: 1500, WorkingSet: 1500},
		{ID: "light", Min: 100, Max: 2000, Shares: 500, Locked: 100, WorkingSet: 100},
	}
	// Total assigned from mins (200) fits; but the two clients' Locked sums
	// to 1600 while only 1000 pages are actually managed, so the final
	// targets must still fit in the managed budget.
	Balance(snap, 1000, 0)

	var total int64
	for _, s := range snap {
		total += s.Target
		if s.Target < s.Min {
			t.Fatalf("client %s target %d below min %d", s.ID, s.Target, s.Min)
		}
	}
	if total > 1000 {
		t.Fatalf("total target %d exceeds managed pages 1000", total)
	}
}

func TestBalanceZeroSharesClientServedLast(t *testing.T) {
	snap := []*ClientSnapshot{
		{ID: "zero", Min: 0, Max: 1000, Shares: 0, Locked: 0, WorkingSet: 0},
		{ID: "normal", Min: 0, Max: 1000, Shares: 1000, Locked: 0, WorkingSet: 0},
	}
	Balance(snap, 500, 0)

	// Both start at Min=0; distributeExcess splits by Min proportion, so
	// with both mins zero neither gets anything from the excess pass, and
	// that's fine -- the property under test is just that it doesn't panic
	// and stays within bounds.
	for _, s := range snap {
		if s.Target < 0 || s.Target > s.Max {
			t.Fatalf("client %s target %d out of bounds", s.ID, s.Target)
		}
	}
}

func TestAutoMinSpreadsProportionalToMax(t *testing.T) {
	snap := []*ClientSnapshot{
		{ID: "a", AutoMin: true, Max: 100, Shares: 100},
		{ID: "b", AutoMin: true, Max: 300, Shares: 100},
	}
	computeAutoMins(snap, 400)

	if snap[0].Min <= 0 || snap[1].Min <= 0 {
		t.Fatalf("expected both clients to receive a positive auto min, got %d and %d", snap[0].Min, snap[1].Min)
	}
	if snap[1].Min <= snap[0].Min {
		t.Fatalf("client with larger max should receive a larger auto min: a=%d b=%d", snap[0].Min, snap[1].Min)
	}
}

func TestIdleCostRatioMatchesTaxFormula(t *testing.T) {
	got := idleCostRatio(50)
	want := 1 / (1 - 0.5)
	if got != want {
		t.Fatalf("idleCostRatio(50) = %v, want %v", got, want)
	}
	if idleCostRatio(0) != 1 {
		t.Fatalf("idleCostRatio(0) should be 1 (no tax)")
	}
}
