package runqueue

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/grafana/vmsched/internal/timebase"
)

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := NewPcpuQueues(0, nil)
	require.NoError(t, q.Enqueue(QueueMain, "vcpu-1"))
	require.NoError(t, q.Enqueue(QueueMain, "vcpu-2"))

	id, ok := q.Dequeue(QueueMain)
	require.True(t, ok)
	require.Equal(t, "vcpu-1", id)
	require.Equal(t, 1, q.Len(QueueMain))
}

func TestRemoveFromAnyQueue(t *testing.T) {
	q := NewPcpuQueues(0, nil)
	require.NoError(t, q.Enqueue(QueueExtra, "vcpu-1"))
	require.True(t, q.Remove("vcpu-1"))
	require.Equal(t, 0, q.Len(QueueExtra))
	require.False(t, q.Remove("vcpu-1"))
}

func TestClassify(t *testing.T) {
	require.Equal(t, QueueLimbo, Classify(true, true))
	require.Equal(t, QueueExtra, Classify(true, false))
	require.Equal(t, QueueMain, Classify(false, false))
}

func TestReclassifyMovesMismatchedMembers(t *testing.T) {
	q := NewPcpuQueues(0, nil)
	require.NoError(t, q.Enqueue(QueueExtra, "vcpu-1"))
	require.NoError(t, q.Enqueue(QueueExtra, "vcpu-2"))
	require.NoError(t, q.Enqueue(QueueLimbo, "vcpu-3"))

	belongs := map[string]Queue{
		"vcpu-1": QueueMain,  // fell behind entitlement
		"vcpu-2": QueueExtra, // still correctly classified
		"vcpu-3": QueueExtra, // no longer max-limited
	}
	q.Reclassify(func(id string) Queue { return belongs[id] })

	require.Equal(t, 1, q.Len(QueueMain))
	require.Equal(t, 2, q.Len(QueueExtra))
	require.Equal(t, 0, q.Len(QueueLimbo))
}

func TestAheadOfEntitlement(t *testing.T) {
	require.True(t, AheadOfEntitlement(1000, 0, 100, 10))
	require.False(t, AheadOfEntitlement(5, 0, 100, 10))
}

func TestExtraEligible(t *testing.T) {
	require.True(t, ExtraEligible(50, 100))
	require.False(t, ExtraEligible(150, 100))
}

func TestCanPreemptColdSnapshot(t *testing.T) {
	require.True(t, CanPreempt(false, 10, PreemptionSnapshot{}, nil))
}

func TestCanPreemptMainCompare(t *testing.T) {
	snap := PreemptionSnapshot{Valid: true, Main: 100, Bonus: 0}
	require.True(t, CanPreempt(false, 50, snap, nil))
	require.False(t, CanPreempt(false, 150, snap, nil))
}

func TestCanPreemptExtraCompareDelegates(t *testing.T) {
	snap := PreemptionSnapshot{Valid: true, Main: 100}
	calls := 0
	extra := func() int64 {
		calls++
		return -1
	}
	require.True(t, CanPreempt(true, 0, snap, extra))
	require.Equal(t, 1, calls)
}

func TestPcpuGroupVtimeCacheInvalidation(t *testing.T) {
	p := NewPcpu(0, NewMetrics(prometheus.NewRegistry()))
	p.CacheGroupVtime("g1", timebase.Vtime(10), timebase.Vtime(20), timebase.Vtime(30))

	line, ok := p.LookupGroupVtime("g1")
	require.True(t, ok)
	require.Equal(t, timebase.Vtime(10), line.Vtime)

	p.InvalidateGroupVtimeCache()
	_, ok = p.LookupGroupVtime("g1")
	require.False(t, ok)
}
