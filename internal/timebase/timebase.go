// Package timebase implements the scheduler's monotone real-time and
// virtual-time arithmetic: cycles, strides, and the fast-path fixed-point
// conversions between them (spec.md §4.A).
package timebase

import "math/bits"

// Cycles is a monotonic 64-bit cycle-counter reading.
type Cycles int64

// Vtime is a virtual-time value in stride units.
type Vtime int64

const (
	// StrideShift matches spec.md's TCToVtime/VtimeToTC fixed-point shift.
	StrideShift = 16

	// Stride1 is the numerator used to compute stride from shares:
	// stride = Stride1 / shares.
	Stride1 = 1 << 20

	// StrideMax is used for a zero-share vsmp/group, meaning "never ahead".
	StrideMax = Vtime(1 << 62)

	// VtimeMax marks a vtime field that the global reset must never touch.
	VtimeMax = Vtime(1<<63 - 1)
)

// ComputeStride returns STRIDE1/shares, or StrideMax if shares is zero.
func ComputeStride(shares int64) Vtime {
	if shares <= 0 {
		return StrideMax
	}
	return Vtime(Stride1 / shares)
}

// TCToVtime converts an elapsed cycle count into virtual time at the given
// stride: (cycles * stride) >> StrideShift. It uses the 32x32 fast path
// when cycles fits in 32 bits (the overwhelmingly common case for a single
// quantum's worth of run time), falling back to a 64x64 multiply that is
// truncated the same way the 64x32 signed path in the original scheduler
// is: the shift discards the low StrideShift bits either way.
func TCToVtime(stride Vtime, cycles Cycles) Vtime {
	if cycles >= 0 && cycles <= 0xFFFFFFFF && stride >= 0 && stride <= 0xFFFFFFFF {
		hi, lo := bits.Mul64(uint64(cycles), uint64(stride))
		// cycles and stride each fit in 32 bits, so hi is always zero here;
		// kept as the explicit fast path the spec calls out rather than
		// falling through to the general multiply below.
		_ = hi
		return Vtime(lo >> StrideShift)
	}

	hi, lo := bits.Mul64(uint64(cycles), uint64(stride))
	result := (hi << (64 - StrideShift)) | (lo >> StrideShift)
	return Vtime(result)
}

// VtimeToTC is the approximate inverse of TCToVtime: (vt/stride) << shift.
// Round-trip inequality with TCToVtime is expected and allowed by spec.md.
func VtimeToTC(stride Vtime, vt Vtime) Cycles {
	if stride <= 0 {
		return 0
	}
	return Cycles((vt / stride) << StrideShift)
}
