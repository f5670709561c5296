package admission

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/vmsched/internal/errs"
	"github.com/grafana/vmsched/internal/grouptree"
)

func newTestTree(t *testing.T) *grouptree.Tree {
	t.Helper()
	tree := grouptree.New(1000, 1000)
	require.NoError(t, tree.AddGroup("g1", "g1", grouptree.RootID,
		grouptree.Alloc{Min: 0, Max: 50, Shares: 100},
		grouptree.Alloc{Min: 0, Max: 50, Shares: 100},
		50, 50))
	return tree
}

func TestAdmitGroupAndVsmpSucceedWithinHeadroom(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, AdmitVsmp(tree, "vs1", "g1",
		grouptree.Alloc{Min: 0, Max: 20, Shares: 50},
		grouptree.Alloc{Min: 0, Max: 20, Shares: 50}))
}

func TestAdmitVsmpFailsPastParentHardMax(t *testing.T) {
	tree := newTestTree(t)
	err := AdmitVsmp(tree, "vs1", "g1",
		grouptree.Alloc{Min: 0, Max: 60, Shares: 50},
		grouptree.Alloc{Min: 0, Max: 10, Shares: 50})
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrAdmitFailed))
}

func TestReserveOverheadSucceedsWithinHeadroomAndAccumulates(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, Reserve(tree, "g1", 30, nil, 0))

	minRoom, maxRoom, err := tree.MemHeadroom("g1")
	require.NoError(t, err)
	require.Equal(t, int64(20), minRoom)
	require.Equal(t, int64(20), maxRoom)

	root, err := tree.LookupGroup(grouptree.RootID)
	require.NoError(t, err)
	require.Equal(t, int64(30), root.Mem.EMin)
}

func TestReserveOverheadFailsWithoutReclaimFallback(t *testing.T) {
	tree := newTestTree(t)
	err := Reserve(tree, "g1", 60, nil, 0)
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrNoMemory))
}

func TestReserveOverheadSucceedsUsingReclaimableAllowance(t *testing.T) {
	tree := newTestTree(t)
	reclaimable := func(groupID string) int64 { return 100 }
	require.NoError(t, Reserve(tree, "g1", 60, reclaimable, 20))
}

func TestUnreserveOverheadReleasesRoom(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, Reserve(tree, "g1", 30, nil, 0))
	require.NoError(t, Unreserve(tree, "g1", 30))

	minRoom, maxRoom, err := tree.MemHeadroom("g1")
	require.NoError(t, err)
	require.Equal(t, int64(50), minRoom)
	require.Equal(t, int64(50), maxRoom)
}

func TestAdmitResumeRequiresExtraReserve(t *testing.T) {
	tree := newTestTree(t)
	require.NoError(t, AdmitResume(tree, "g1", 40, 5))

	err := AdmitResume(tree, "g1", 4, 10)
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrNoMemory))
}
