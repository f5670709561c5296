package cosched

import (
	"container/heap"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/vmsched/internal/vcpu"
	"github.com/grafana/vmsched/internal/worldtable"
)

func TestPriorityQueueOrdersBySkewDescending(t *testing.T) {
	pq := NewPriorityQueue()
	heap.Push(pq, &Item{VsmpID: "a", Skew: 5})
	heap.Push(pq, &Item{VsmpID: "b", Skew: 20})
	heap.Push(pq, &Item{VsmpID: "c", Skew: 10})

	first := heap.Pop(pq).(*Item)
	require.Equal(t, "b", first.VsmpID)
	second := heap.Pop(pq).(*Item)
	require.Equal(t, "c", second.VsmpID)
}

func TestStrictSkewOutDisabledAtZero(t *testing.T) {
	require.False(t, StrictSkewOut(1000, 0))
	require.True(t, StrictSkewOut(1000, 500))
	require.False(t, StrictSkewOut(100, 500))
}

func TestRelaxedSkewOut(t *testing.T) {
	require.True(t, RelaxedSkewOut([]bool{true, false}, []bool{false, true}))
	require.False(t, RelaxedSkewOut([]bool{true, false}, []bool{true, true}))
}

func TestHTMixedPackageSkewOut(t *testing.T) {
	require.True(t, HTMixedPackageSkewOut(true, true, true))
	require.False(t, HTMixedPackageSkewOut(true, true, false))
	require.False(t, HTMixedPackageSkewOut(true, false, true))
}

func TestSampleVsmpAccumulatesSkew(t *testing.T) {
	tbl := worldtable.New()
	leader, err := tbl.AddWorld("vcpu-0", "vsmp-1", 0)
	require.NoError(t, err)
	_, err = tbl.AddWorld("vcpu-1", "vsmp-1", 0)
	require.NoError(t, err)
	require.NoError(t, leader.Dispatch(0, 0)) // vcpu-0 RUN, vcpu-1 READY (neither RUN nor WAIT_IDLE)

	sum, err := SampleVsmp(tbl, "vsmp-1", nil)
	require.NoError(t, err)
	require.Equal(t, 2, sum) // only vcpu-1 penalized

	v1, err := tbl.GetVcpu("vcpu-1")
	require.NoError(t, err)
	require.Equal(t, 2, v1.IntraSkew)
	require.Equal(t, vcpu.StateReady, v1.RunState)
}
