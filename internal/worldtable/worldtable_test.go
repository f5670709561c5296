package worldtable

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/vmsched/internal/errs"
	"github.com/grafana/vmsched/internal/vcpu"
)

func TestAddWorldLeaderThenMember(t *testing.T) {
	tbl := New()

	leader, err := tbl.AddWorld("vcpu-0", "vsmp-1", 0)
	require.NoError(t, err)
	require.Equal(t, vcpu.StateReady, leader.RunState)

	s, err := tbl.GetVsmp("vsmp-1")
	require.NoError(t, err)
	require.Equal(t, "vcpu-0", s.LeaderID())
	require.False(t, s.IsMP())

	_, err = tbl.AddWorld("vcpu-1", "vsmp-1", 0)
	require.NoError(t, err)

	s, err = tbl.GetVsmp("vsmp-1")
	require.NoError(t, err)
	require.True(t, s.IsMP())
	require.Len(t, s.VcpuIDs, 2)
}

func TestAddWorldDuplicateRejected(t *testing.T) {
	tbl := New()
	_, err := tbl.AddWorld("vcpu-0", "vsmp-1", 0)
	require.NoError(t, err)
	_, err = tbl.AddWorld("vcpu-0", "vsmp-1", 0)
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrBadParam))
}

func TestRemoveWorldLastVcpuDeletesVsmp(t *testing.T) {
	tbl := New()
	_, err := tbl.AddWorld("vcpu-0", "vsmp-1", 0)
	require.NoError(t, err)

	require.NoError(t, tbl.RemoveWorld("vcpu-0", 10))

	_, err = tbl.GetVsmp("vsmp-1")
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrNotFound))

	_, err = tbl.GetVcpu("vcpu-0")
	require.Error(t, err)
}

func TestRunStateCountsMatchLiteralList(t *testing.T) {
	tbl := New()
	leader, err := tbl.AddWorld("vcpu-0", "vsmp-1", 0)
	require.NoError(t, err)
	other, err := tbl.AddWorld("vcpu-1", "vsmp-1", 0)
	require.NoError(t, err)

	require.NoError(t, leader.Dispatch(0, 10))
	require.NoError(t, other.Dispatch(1, 10))

	s, err := tbl.GetVsmp("vsmp-1")
	require.NoError(t, err)
	require.Equal(t, 2, s.NRun)

	n, err := tbl.CountRunState("vsmp-1", vcpu.StateRun)
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, s.NRun, n)

	require.NoError(t, leader.Preempt(20))
	s, _ = tbl.GetVsmp("vsmp-1")
	require.Equal(t, 1, s.NRun)
}

func TestRemoveWorldWithRemainingMemberKeepsVsmp(t *testing.T) {
	tbl := New()
	_, err := tbl.AddWorld("vcpu-0", "vsmp-1", 0)
	require.NoError(t, err)
	_, err = tbl.AddWorld("vcpu-1", "vsmp-1", 0)
	require.NoError(t, err)

	require.NoError(t, tbl.RemoveWorld("vcpu-1", 10))

	s, err := tbl.GetVsmp("vsmp-1")
	require.NoError(t, err)
	require.Len(t, s.VcpuIDs, 1)
}
