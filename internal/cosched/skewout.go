package cosched

// StrictSkewOut implements the strict-mode skew-out condition (spec.md
// §4.F): "sum of all intraSkew over sibling vcpus exceeds
// skewSampleThreshold". threshold <= 0 disables strict skew-out, per
// spec.md §6's CpuSkewSampleThreshold ("0 ⇒ disabled").
func StrictSkewOut(sumIntraSkew, threshold int) bool {
	if threshold <= 0 {
		return false
	}
	return sumIntraSkew > threshold
}

// NeedsCosched reports whether an individual sibling vcpu "needs
// coscheduling": either the strict flag is already set for its vsmp, or
// its own intraSkew exceeds the configured per-vcpu threshold (spec.md
// §4.F relaxed mode).
func NeedsCosched(strictFlagSet bool, intraSkew, intraskewThreshold int) bool {
	if strictFlagSet {
		return true
	}
	return intraSkew > intraskewThreshold
}

// RelaxedSkewOut implements the relaxed-mode condition (spec.md §4.F):
// "any sibling that needs coscheduling is not running". needsCosched and
// running are parallel slices, one entry per sibling vcpu.
func RelaxedSkewOut(needsCosched, running []bool) bool {
	n := len(needsCosched)
	if len(running) < n {
		n = len(running)
	}
	for i := 0; i < n; i++ {
		if needsCosched[i] && !running[i] {
			return true
		}
	}
	return false
}

// HTMixedPackageSkewOut implements the HT mixed-package condition
// (spec.md §4.F): "at least one vcpu has a whole package and another has a
// half package, and the half-package vcpu needs coscheduling".
func HTMixedPackageSkewOut(anyWholePackage, anyHalfPackage, halfPackageNeedsCosched bool) bool {
	return anyWholePackage && anyHalfPackage && halfPackageNeedsCosched
}

// SkewOut evaluates every skew-out condition for one vsmp sample and
// reports whether the vsmp should be descheduled (spec.md §4.F: "When a
// vsmp in CO_RUN skews out and is allowed to deschedule, it enters
// CO_STOP").
func SkewOut(relaxed bool, sumIntraSkew, skewThreshold int, needsCosched, running []bool, anyWholePackage, anyHalfPackage, halfPackageNeedsCosched bool) bool {
	if !relaxed && StrictSkewOut(sumIntraSkew, skewThreshold) {
		return true
	}
	if relaxed && RelaxedSkewOut(needsCosched, running) {
		return true
	}
	return HTMixedPackageSkewOut(anyWholePackage, anyHalfPackage, halfPackageNeedsCosched)
}
