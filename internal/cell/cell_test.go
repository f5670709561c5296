package cell

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/vmsched/internal/timebase"
	"github.com/grafana/vmsched/internal/worldtable"
)

func TestPartitionFallsBackToSingleCell(t *testing.T) {
	tbl := Partition(Topology{NumPcpus: 6, HTPackageSize: 4, NumaNodeSize: 0}, 4, nil)
	require.Len(t, tbl.All(), 1)
	require.Len(t, tbl.All()[0].PcpuIDs, 6)
}

func TestPartitionEvenSplit(t *testing.T) {
	tbl := Partition(Topology{NumPcpus: 16, HTPackageSize: 2, NumaNodeSize: 8}, 8, nil)
	cells := tbl.All()
	require.Len(t, cells, 2)
	for _, c := range cells {
		require.Len(t, c.PcpuIDs, 8)
	}
}

func TestLockTwoOrdersAscending(t *testing.T) {
	tbl := NewTable([]*Cell{New(0, []int{0}, nil), New(1, []int{1}, nil)})
	_, _, unlock, err := tbl.LockTwo(1, 0)
	require.NoError(t, err)
	unlock()
}

func TestAdvanceNowClampsBackwardSkew(t *testing.T) {
	c := New(0, []int{0}, nil)
	c.AdvanceNow(100)
	c.AdvanceNow(50)
	require.Equal(t, timebase.Cycles(100), c.Now)
	require.Equal(t, timebase.Cycles(50), c.LostCycles)
}

func TestCanMigrateVsmpBlockedWhileRunning(t *testing.T) {
	tbl := worldtable.New()
	leader, err := tbl.AddWorld("vcpu-0", "vsmp-1", 0)
	require.NoError(t, err)
	require.NoError(t, leader.Dispatch(0, 0))

	ok, err := CanMigrateVsmp(tbl, "vsmp-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, leader.Preempt(10))
	ok, err = CanMigrateVsmp(tbl, "vsmp-1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMigrateVsmpMovesOwnership(t *testing.T) {
	wt := worldtable.New()
	leader, err := wt.AddWorld("vcpu-0", "vsmp-1", 0)
	require.NoError(t, err)
	require.NoError(t, leader.Dispatch(0, 0))
	require.NoError(t, leader.Preempt(10))

	src := New(0, []int{0}, nil)
	dst := New(1, []int{1}, nil)
	src.AddVsmp("vsmp-1")
	require.NoError(t, src.Pcpus[0].Queues.Enqueue(0, "vcpu-0"))

	require.NoError(t, MigrateVsmp(wt, src, dst, "vsmp-1", 1))
	require.False(t, src.HasVsmp("vsmp-1"))
	require.True(t, dst.HasVsmp("vsmp-1"))
	require.Equal(t, 1, leader.Pcpu)
}
