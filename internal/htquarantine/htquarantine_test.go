package htquarantine

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/grafana/vmsched/internal/runqueue"
	"github.com/grafana/vmsched/internal/vcpu"
)

func TestSampleVcpuUpdatesEWMAs(t *testing.T) {
	v := vcpu.NewVcpu("vcpu-1", "vsmp-1")
	SampleVcpu(v, 100, 1_000_000)
	require.InDelta(t, 100*slowAlpha, v.MachineClearSlowEWMA, 1e-9)
	require.InDelta(t, 100*fastAlpha, v.MachineClearFastEWMA, 1e-9)
}

func TestEvaluateQuarantinesAndRestores(t *testing.T) {
	q := New(Config{MachineClearThresh: 50})
	s := vcpu.NewVsmp("vsmp-1", "vcpu-0")
	s.MaxHTConstraint = vcpu.HTShareAny
	s.AddVcpu("vcpu-1")

	v0 := vcpu.NewVcpu("vcpu-0", "vsmp-1")
	v1 := vcpu.NewVcpu("vcpu-1", "vsmp-1")
	v1.MachineClearFastEWMA = 75

	changed := q.Evaluate(s, []*vcpu.Vcpu{v0, v1})
	require.True(t, changed)
	require.True(t, q.IsQuarantined("vsmp-1"))
	require.Equal(t, vcpu.HTShareNone, s.HTSharing)

	v1.MachineClearFastEWMA = 10
	v1.MachineClearSlowEWMA = 5
	changed = q.Evaluate(s, []*vcpu.Vcpu{v0, v1})
	require.True(t, changed)
	require.False(t, q.IsQuarantined("vsmp-1"))
	require.Equal(t, vcpu.HTShareAny, s.HTSharing)
}

func TestInvalidateSnapshotsClearsPartner(t *testing.T) {
	p0 := runqueue.NewPcpu(0, nil)
	p1 := runqueue.NewPcpu(1, nil)
	p0.HTPartner = 1
	p1.HTPartner = 0
	p0.Snapshot.Valid = true
	p1.Snapshot.Valid = true

	pcpus := map[int]*runqueue.Pcpu{0: p0, 1: p1}
	InvalidateSnapshots(pcpus, 0)

	require.False(t, p0.Snapshot.Valid)
	require.False(t, p1.Snapshot.Valid)
}
