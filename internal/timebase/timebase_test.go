package timebase

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeStride(t *testing.T) {
	require.Equal(t, StrideMax, ComputeStride(0))
	require.Equal(t, Vtime(Stride1/1000), ComputeStride(1000))
}

func TestTCToVtimeFastPath(t *testing.T) {
	stride := ComputeStride(1000)
	vt := TCToVtime(stride, 1_000_000)
	require.Greater(t, int64(vt), int64(0))
}

func TestTCToVtimeMonotoneInCycles(t *testing.T) {
	stride := ComputeStride(500)
	a := TCToVtime(stride, 100)
	b := TCToVtime(stride, 200)
	require.LessOrEqual(t, int64(a), int64(b))
}

func TestVtimeRoundTripApproximate(t *testing.T) {
	stride := ComputeStride(7)
	cycles := Cycles(1 << 20)
	vt := TCToVtime(stride, cycles)
	back := VtimeToTC(stride, vt)
	// Round-trip inequality is explicitly allowed by spec.md §4.A; only
	// assert we land in the right order of magnitude.
	require.InDelta(t, int64(cycles), int64(back), float64(cycles))
}

func TestAdjustPreservingMax(t *testing.T) {
	require.Equal(t, VtimeMax, AdjustPreservingMax(VtimeMax, 100))
	require.Equal(t, Vtime(50), AdjustPreservingMax(Vtime(150), 100))
}

func TestShouldReset(t *testing.T) {
	require.False(t, ShouldReset(Vtime(1<<10), 20))
	require.True(t, ShouldReset(Vtime(1<<21), 20))
}

type fakeResettable struct {
	v       Vtime
	applied Vtime
}

func (f *fakeResettable) ResetVtime(adjust Vtime) {
	f.v = AdjustPreservingMax(f.v, adjust)
	f.applied = adjust
}

func TestGlobalReset(t *testing.T) {
	a := &fakeResettable{v: 1000}
	b := &fakeResettable{v: VtimeMax}

	GlobalReset(100, a, b)

	require.Equal(t, Vtime(900), a.v)
	require.Equal(t, VtimeMax, b.v)
}
