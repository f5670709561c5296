package timebase

// Resettable is implemented by anything whose vtime fields must be shifted
// down by the global reset adjustment: cells, vsmps, per-vcpu wait-meter
// vtStart fields, and groups (spec.md §4.A). Values equal to VtimeMax must
// be left untouched by the implementation.
type Resettable interface {
	ResetVtime(adjust Vtime)
}

// GlobalReset subtracts adjust from every target's vtime fields. Callers
// are responsible for taking all cell locks (in ascending id order) and the
// group-tree lock before calling this, per spec.md §4.A: "The reset takes
// all cell locks in ascending order."
func GlobalReset(adjust Vtime, targets ...Resettable) {
	for _, t := range targets {
		t.ResetVtime(adjust)
	}
}

// AdjustPreservingMax subtracts adjust from v unless v is VtimeMax, in
// which case it is returned unchanged. Every Resettable implementation in
// this module is expected to route its field updates through this helper.
func AdjustPreservingMax(v Vtime, adjust Vtime) Vtime {
	if v == VtimeMax {
		return v
	}
	return v - adjust
}

// ShouldReset reports whether a cell's vtime has crossed the configurable
// reset threshold, expressed as spec.md's CpuVtimeResetLg (log2 of the
// threshold).
func ShouldReset(cellVtime Vtime, thresholdLg uint) bool {
	if thresholdLg == 0 || thresholdLg >= 63 {
		return false
	}
	return cellVtime >= Vtime(int64(1)<<thresholdLg)
}
