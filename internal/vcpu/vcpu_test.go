package vcpu

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/vmsched/internal/errs"
)

func TestVcpuLifecycle(t *testing.T) {
	v := NewVcpu("vcpu-1", "vsmp-1")
	require.Equal(t, StateNew, v.RunState)

	require.NoError(t, v.Add(0))
	require.Equal(t, StateReady, v.RunState)

	require.NoError(t, v.Dispatch(0, 100))
	require.Equal(t, StateRun, v.RunState)
	require.Equal(t, 0, v.Pcpu)

	require.NoError(t, v.Preempt(200))
	require.Equal(t, StateReady, v.RunState)
	require.Equal(t, int64(100), int64(v.ChargeCyclesTotal))

	require.NoError(t, v.Dispatch(1, 200))
	require.NoError(t, v.Wait(42, WaitSemaphore, 300))
	require.Equal(t, StateWait, v.RunState)
	require.Equal(t, WaitSemaphore, v.WaitState)

	require.NoError(t, v.Wakeup(350))
	require.Equal(t, StateReady, v.RunState)
	require.Equal(t, WaitNone, v.WaitState)

	require.NoError(t, v.Remove(400))
	require.Equal(t, StateZombie, v.RunState)
}

func TestVcpuInvalidTransitionRejected(t *testing.T) {
	v := NewVcpu("vcpu-1", "vsmp-1")
	err := v.Dispatch(0, 0)
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrBadParam))
}

func TestVcpuBusyWaitRoundTrip(t *testing.T) {
	v := NewVcpu("vcpu-1", "vsmp-1")
	require.NoError(t, v.Add(0))
	require.NoError(t, v.Dispatch(0, 0))
	require.NoError(t, v.Wait(1, WaitIdle, 10))
	require.NoError(t, v.EnterBusyWait(10))
	require.Equal(t, StateBusyWait, v.RunState)
	require.NoError(t, v.ResumeFromBusyWait(true, 20))
	require.Equal(t, StateRun, v.RunState)
}

func TestVsmpCoStopInvariants(t *testing.T) {
	s := NewVsmp("vsmp-1", "vcpu-0")
	s.AddVcpu("vcpu-1")
	require.True(t, s.IsMP())

	s.DisableCoDeschedule = 1
	err := s.EnterCoStop()
	require.Error(t, err)
	require.True(t, errors.Is(err, errs.ErrBusy))

	s.DisableCoDeschedule = 0
	require.NoError(t, s.EnterCoStop())
	require.Equal(t, CoStopState, s.CoRunState)

	s.NWait, s.NIdle = 1, 0
	err = s.LeaveCoStop(false)
	require.Error(t, err)

	s.NWait, s.NIdle = 0, 0
	require.NoError(t, s.LeaveCoStop(false))
	require.Equal(t, CoReady, s.CoRunState)
}

func TestVsmpUniprocessorCoNone(t *testing.T) {
	s := NewVsmp("vsmp-1", "vcpu-0")
	require.False(t, s.IsMP())
	err := s.EnterCoStop()
	require.Error(t, err)
}
