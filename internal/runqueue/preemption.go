package runqueue

import "github.com/grafana/vmsched/internal/timebase"

// CanPreempt implements the preemption test from spec.md §4.D: "a vsmp V
// can preempt pcpu P if, comparing V's vtime to P's cached preemption
// vtime (with P's bonus applied), V has smaller adjusted vtime using the
// main compare when V is not ahead and the extra compare when V is ahead."
//
// extraCompare is supplied by the caller (internal/dispatch), since the
// extra compare requires walking group paths via internal/grouptree, which
// this package does not depend on.
func CanPreempt(challengerAhead bool, challengerMain timebase.Vtime, snap PreemptionSnapshot, extraCompare func() int64) bool {
	if !snap.Valid {
		// No snapshot yet recorded for the incumbent: treat as preemptible,
		// matching a cold pcpu (freshly idle or just invalidated).
		return true
	}
	if !challengerAhead {
		return timebase.MainCompare(challengerMain, snap.Bonus, snap.Main) < 0
	}
	if extraCompare == nil {
		return false
	}
	return extraCompare() < 0
}

// WholePackagePreemptible reports whether both logical cpus of an HT pair
// are individually preemptible, required for whole-package preemption
// (spec.md §4.D: "Whole-package preemption (HT) requires preempting both
// logical cpus").
func WholePackagePreemptible(local, partner bool) bool {
	return local && partner
}
