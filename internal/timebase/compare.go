package timebase

// MainCompare implements the "main" vtime compare from spec.md §4.A: a
// plain signed subtraction of (vtime.main - bonusInVtime). It returns a
// value <0 if a is ahead of (should run before) b, 0 if equal, >0 if behind.
func MainCompare(aMain Vtime, bonusInVtime Vtime, bMain Vtime) int64 {
	return int64((aMain - bonusInVtime) - bMain)
}

// CyclesToBonusVtime converts a cycle-denominated preemption bonus into the
// vtime units of the group whose stride is passed in, per spec.md §4.A
// ("A bonus expressed in cycles is converted to vtime using the group's own
// stride").
func CyclesToBonusVtime(stride Vtime, bonusCycles Cycles) Vtime {
	return TCToVtime(stride, bonusCycles)
}
