package grouptree

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/vmsched/internal/errs"
)

func TestNewTreeHasRoot(t *testing.T) {
	tr := New(1000, 1000)
	root := tr.RootGroup()
	require.Equal(t, RootID, root.ID)
	require.Equal(t, KindGroup, root.Kind)
}

func TestAddGroupAndVsmp(t *testing.T) {
	tr := New(1000, 1000)

	err := tr.AddGroup("g1", "group-1", RootID,
		Alloc{Min: 10, Max: 50, Shares: 100}, Alloc{Min: 0, Max: 50, Shares: 100},
		50, 50)
	require.NoError(t, err)

	err = tr.AddVsmp("vm1", "g1",
		Alloc{Min: 5, Max: 20, Shares: 100}, Alloc{Min: 0, Max: 20, Shares: 100})
	require.NoError(t, err)

	root := tr.RootGroup()
	require.Equal(t, int64(15), root.CPU.EMin)
	require.Equal(t, int64(70), root.CPU.EMax)

	g1, err := tr.LookupGroup("g1")
	require.NoError(t, err)
	require.Equal(t, int64(5), g1.CPU.EMin)

	children, err := tr.Children("g1")
	require.NoError(t, err)
	require.Len(t, children, 1)
	require.Equal(t, "vm1", children[0].ID)
}

func TestAdmissionFailsWhenMinLimitExceeded(t *testing.T) {
	tr := New(1000, 1000)

	err := tr.AddGroup("g1", "group-1", RootID,
		Alloc{Min: 10, Max: 50, Shares: 100}, Alloc{Min: 0, Max: 50, Shares: 100},
		20, 20)
	require.NoError(t, err)

	err = tr.AddVsmp("vm1", "g1",
		Alloc{Min: 15, Max: 15, Shares: 100}, Alloc{Min: 0, Max: 15, Shares: 100})
	require.NoError(t, err)

	// g1's minLimit is 20; vm1 already reserved 15, so a second vsmp
	// requesting min=10 must be refused.
	err = tr.AddVsmp("vm2", "g1",
		Alloc{Min: 10, Max: 10, Shares: 100}, Alloc{Min: 0, Max: 10, Shares: 100})
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrAdmitFailed))
}

func TestRemoveNodeUnreservesAncestors(t *testing.T) {
	tr := New(1000, 1000)

	require.NoError(t, tr.AddGroup("g1", "group-1", RootID,
		Alloc{Min: 10, Max: 50, Shares: 100}, Alloc{Min: 0, Max: 50, Shares: 100},
		50, 50))
	require.NoError(t, tr.AddVsmp("vm1", "g1",
		Alloc{Min: 5, Max: 20, Shares: 100}, Alloc{Min: 0, Max: 20, Shares: 100}))

	require.NoError(t, tr.RemoveNode("vm1"))

	g1, err := tr.LookupGroup("g1")
	require.NoError(t, err)
	require.Equal(t, int64(0), g1.CPU.EMin)
	require.Equal(t, int64(0), g1.CPU.EMax)

	children, err := tr.Children("g1")
	require.NoError(t, err)
	require.Empty(t, children)
}

func TestRemoveNodeUnreservesAncestorsForEmptyGroup(t *testing.T) {
	tr := New(1000, 1000)

	require.NoError(t, tr.AddGroup("g1", "group-1", RootID,
		Alloc{Min: 10, Max: 50, Shares: 100}, Alloc{Min: 0, Max: 50, Shares: 100},
		50, 50))

	root, err := tr.LookupGroup(RootID)
	require.NoError(t, err)
	require.Equal(t, int64(10), root.CPU.EMin)
	require.Equal(t, int64(50), root.CPU.EMax)
	require.Equal(t, int64(0), root.Mem.EMin)
	require.Equal(t, int64(50), root.Mem.EMax)

	require.NoError(t, tr.RemoveNode("g1"))

	root, err = tr.LookupGroup(RootID)
	require.NoError(t, err)
	require.Equal(t, int64(0), root.CPU.EMin)
	require.Equal(t, int64(0), root.CPU.EMax)
	require.Equal(t, int64(0), root.Mem.EMin)
	require.Equal(t, int64(0), root.Mem.EMax)

	// The capacity must be usable again, not leaked.
	require.NoError(t, tr.AddGroup("g2", "group-2", RootID,
		Alloc{Min: 10, Max: 50, Shares: 100}, Alloc{Min: 0, Max: 50, Shares: 100},
		50, 50))
}

func TestRemoveNonEmptyGroupFails(t *testing.T) {
	tr := New(1000, 1000)
	require.NoError(t, tr.AddGroup("g1", "group-1", RootID,
		Alloc{Min: 10, Max: 50, Shares: 100}, Alloc{Min: 0, Max: 50, Shares: 100},
		50, 50))
	require.NoError(t, tr.AddVsmp("vm1", "g1",
		Alloc{Min: 5, Max: 20, Shares: 100}, Alloc{Min: 0, Max: 20, Shares: 100}))

	err := tr.RemoveNode("g1")
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrBadParam))
}

func TestPathToRoot(t *testing.T) {
	tr := New(1000, 1000)
	require.NoError(t, tr.AddGroup("g1", "group-1", RootID,
		Alloc{Min: 10, Max: 50, Shares: 100}, Alloc{Min: 0, Max: 50, Shares: 100},
		50, 50))
	require.NoError(t, tr.AddVsmp("vm1", "g1",
		Alloc{Min: 5, Max: 20, Shares: 100}, Alloc{Min: 0, Max: 20, Shares: 100}))

	path := tr.PathToRoot("vm1")
	require.Equal(t, []string{"vm1", "g1", RootID}, path)
}

func TestCPUBaseVtimeVersionedRead(t *testing.T) {
	var b CPUBase
	b.ResetVtime(0)
	b.vtimeSeq.WriteBegin()
	b.Vtime = 42
	b.VtimeLimit = 100
	b.vtimeSeq.WriteEnd()

	vt, lim := b.ReadVtime()
	require.Equal(t, int64(42), int64(vt))
	require.Equal(t, int64(100), int64(lim))
}
