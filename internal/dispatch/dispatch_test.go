package dispatch

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/vmsched/internal/cell"
	"github.com/grafana/vmsched/internal/grouptree"
	"github.com/grafana/vmsched/internal/htquarantine"
	"github.com/grafana/vmsched/internal/runqueue"
	"github.com/grafana/vmsched/internal/timebase"
	"github.com/grafana/vmsched/internal/vcpu"
	"github.com/grafana/vmsched/internal/worldtable"
)

// fakeClock is a manually-advanced timebase.Clock for deterministic tests.
type fakeClock struct{ now timebase.Cycles }

func (f *fakeClock) GetCycles() timebase.Cycles { return f.now }

func newFixture(t *testing.T, numPcpus int) (*Dispatcher, *cell.Table, *grouptree.Tree, *worldtable.Table, *fakeClock) {
	t.Helper()
	tree := grouptree.New(1_000_000, 1_000_000)
	worlds := worldtable.New()

	pcpuIDs := make([]int, numPcpus)
	for i := range pcpuIDs {
		pcpuIDs[i] = i
	}
	c := cell.New(0, pcpuIDs, nil)
	cells := cell.NewTable([]*cell.Cell{c})

	q := htquarantine.New(htquarantine.Config{MachineClearThresh: 1e9})
	clock := &fakeClock{now: 1000}

	cfg := Config{}
	d := New(cells, tree, worlds, q, clock, cfg, rand.New(rand.NewSource(42)), nil)
	return d, cells, tree, worlds, clock
}

func addVsmp(t *testing.T, tree *grouptree.Tree, worlds *worldtable.Table, id string, shares int64, now timebase.Cycles) {
	t.Helper()
	require.NoError(t, tree.AddVsmp(id, grouptree.RootID,
		grouptree.Alloc{Min: 0, Max: 100, Shares: shares},
		grouptree.Alloc{Min: 0, Max: 100, Shares: shares}))
	n, err := tree.LookupGroup(id)
	require.NoError(t, err)
	n.CPU.Stride = timebase.ComputeStride(shares)
	_, err = worlds.AddWorld(id+"-v0", id, now)
	require.NoError(t, err)
}

func TestChooseHandoffSlotWins(t *testing.T) {
	d, cells, tree, worlds, clock := newFixture(t, 2)
	addVsmp(t, tree, worlds, "vsA", 1000, clock.now)

	c, err := cells.Get(0)
	require.NoError(t, err)
	c.Pcpus[0].HandoffVcpuID = "vsA-v0"

	ch, err := d.Choose(0, 0, "")
	require.NoError(t, err)
	require.Equal(t, "vsA-v0", ch.VcpuID)
}

func TestChooseLocalMainQueueMinVtimeWins(t *testing.T) {
	d, cells, tree, worlds, clock := newFixture(t, 1)
	addVsmp(t, tree, worlds, "vsA", 1000, clock.now)
	addVsmp(t, tree, worlds, "vsB", 1000, clock.now)

	vA, err := worlds.GetVcpu("vsA-v0")
	require.NoError(t, err)
	vB, err := worlds.GetVcpu("vsB-v0")
	require.NoError(t, err)

	c, err := cells.Get(0)
	require.NoError(t, err)
	require.NoError(t, c.Pcpus[0].Queues.Enqueue(runqueue.QueueMain, vA.ID))
	require.NoError(t, c.Pcpus[0].Queues.Enqueue(runqueue.QueueMain, vB.ID))

	nA, err := tree.LookupGroup("vsA")
	require.NoError(t, err)
	nA.CPU.Vtime = 500
	nB, err := tree.LookupGroup("vsB")
	require.NoError(t, err)
	nB.CPU.Vtime = 100

	ch, err := d.Choose(0, 0, "")
	require.NoError(t, err)
	require.Equal(t, "vsB-v0", ch.VcpuID)
}

func TestChooseNoCandidatesRunsIdle(t *testing.T) {
	d, _, _, _, _ := newFixture(t, 1)
	ch, err := d.Choose(0, 0, "")
	require.NoError(t, err)
	require.True(t, ch.Idle)
	require.Equal(t, "", ch.VcpuID)
}

func TestChooseStayingPutWhenWinnerAlreadyRunning(t *testing.T) {
	d, cells, tree, worlds, clock := newFixture(t, 1)
	addVsmp(t, tree, worlds, "vsA", 1000, clock.now)
	vA, err := worlds.GetVcpu("vsA-v0")
	require.NoError(t, err)

	c, err := cells.Get(0)
	require.NoError(t, err)
	require.NoError(t, vA.Dispatch(0, clock.now))
	c.Pcpus[0].Running = vA.ID

	ch, err := d.Choose(0, 0, "")
	require.NoError(t, err)
	require.Equal(t, vA.ID, ch.VcpuID)
	require.False(t, ch.PcpuMigrated)
}

func TestChooseHTIncompatiblePreemptsPartner(t *testing.T) {
	d, cells, tree, worlds, clock := newFixture(t, 2)
	addVsmp(t, tree, worlds, "vsA", 1000, clock.now)
	addVsmp(t, tree, worlds, "vsB", 1000, clock.now)

	c, err := cells.Get(0)
	require.NoError(t, err)
	c.Pcpus[0].HTPartner = 1
	c.Pcpus[1].HTPartner = 0

	sA, err := worlds.GetVsmp("vsA")
	require.NoError(t, err)
	sA.HTSharing = vcpu.HTShareNone

	vB, err := worlds.GetVcpu("vsB-v0")
	require.NoError(t, err)
	require.NoError(t, vB.Dispatch(1, clock.now))
	c.Pcpus[1].Running = vB.ID

	vA, err := worlds.GetVcpu("vsA-v0")
	require.NoError(t, err)
	require.NoError(t, c.Pcpus[0].Queues.Enqueue(runqueue.QueueMain, vA.ID))

	_, err = d.Choose(0, 0, "")
	require.NoError(t, err)

	require.Equal(t, "", c.Pcpus[1].Running)
}
