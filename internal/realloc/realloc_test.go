package realloc

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/grafana/vmsched/internal/cell"
	"github.com/grafana/vmsched/internal/grouptree"
	"github.com/grafana/vmsched/internal/runqueue"
)

func buildTestTree(t *testing.T) *grouptree.Tree {
	t.Helper()
	tr := grouptree.New(1000, 1000)
	require.NoError(t, tr.AddGroup("g1", "group-1", grouptree.RootID,
		grouptree.Alloc{Min: 0, Max: 100, Shares: 1000}, grouptree.Alloc{Min: 0, Max: 100, Shares: 1000},
		100, 100))
	require.NoError(t, tr.AddVsmp("vm1", "g1",
		grouptree.Alloc{Min: 0, Max: 100, Shares: 1000}, grouptree.Alloc{Min: 0, Max: 100, Shares: 1000}))
	require.NoError(t, tr.AddVsmp("vm2", "g1",
		grouptree.Alloc{Min: 0, Max: 100, Shares: 3000}, grouptree.Alloc{Min: 0, Max: 100, Shares: 1000}))
	return tr
}

func TestBalanceDistributesSharesByRatio(t *testing.T) {
	tr := buildTestTree(t)
	snap := Take(tr)
	Balance(snap, 1_000_000)

	vm1 := snap.Nodes["vm1"]
	vm2 := snap.Nodes["vm2"]
	require.Greater(t, vm2.BaseShares, vm1.BaseShares)

	root := snap.Nodes[grouptree.RootID]
	require.Equal(t, int64(1_000_000), root.BaseShares)
}

func TestReallocateCommitsAndIsIdempotent(t *testing.T) {
	tr := buildTestTree(t)
	r := New(Config{RootBaseShares: 1_000_000}, tr, nil, nil)
	r.cfg.RegisterFlagsAndApplyDefaults("")

	require.NoError(t, r.Reallocate())

	vm1, err := tr.LookupGroup("vm1")
	require.NoError(t, err)
	firstShares := vm1.CPU.Shares
	require.Greater(t, firstShares, int64(0))

	require.NoError(t, r.Reallocate())
	vm1, err = tr.LookupGroup("vm1")
	require.NoError(t, err)
	require.Equal(t, firstShares, vm1.CPU.Shares)
}

func TestReallocateBusyWhileInProgress(t *testing.T) {
	tr := buildTestTree(t)
	r := New(Config{RootBaseShares: 1_000_000}, tr, nil, nil)
	r.inProgress.Store(true)

	err := r.Reallocate()
	require.Error(t, err)
}

// TestReallocateLocksAndUnlocksEveryCell checks spec.md §4.H step 1/2/4:
// Reallocate must hold every cell lock for the snapshot and the commit,
// but must not still be holding them once it returns (Balance, step 3,
// runs lock-free).
func TestReallocateLocksAndUnlocksEveryCell(t *testing.T) {
	tr := buildTestTree(t)
	m := runqueue.NewMetrics(prometheus.NewRegistry())
	cells := cell.NewTable([]*cell.Cell{
		cell.New(0, []int{0, 1}, m),
		cell.New(1, []int{2, 3}, m),
	})
	r := New(Config{RootBaseShares: 1_000_000}, tr, cells, nil)

	require.NoError(t, r.Reallocate())

	for _, c := range cells.All() {
		require.True(t, c.TryLock(), "cell %d should be unlocked once Reallocate returns", c.ID)
		c.Unlock()
	}
}

// TestReallocateSetsVsmpCount checks that VsmpCount is sourced from the
// snapshot's own tree shape (countVsmps) and committed back onto the live
// tree's CPU.VsmpCount, not left hardcoded 0/1 by node kind.
func TestReallocateSetsVsmpCount(t *testing.T) {
	tr := buildTestTree(t)
	r := New(Config{RootBaseShares: 1_000_000}, tr, nil, nil)

	require.NoError(t, r.Reallocate())

	g1, err := tr.LookupGroup("g1")
	require.NoError(t, err)
	require.Equal(t, 2, g1.CPU.VsmpCount)

	vm1, err := tr.LookupGroup("vm1")
	require.NoError(t, err)
	require.Equal(t, 1, vm1.CPU.VsmpCount)

	root, err := tr.LookupGroup(grouptree.RootID)
	require.NoError(t, err)
	require.Equal(t, 2, root.CPU.VsmpCount)
}
