// Package runqueue implements the per-pcpu main/extra/limbo run queues and
// the ahead-of-entitlement / preemption predicates (spec.md §4.D). The
// three-queue FIFO shape is grounded on the teacher's
// pkg/scheduler/queue.RequestQueue fair-dequeue idiom, simplified because
// here dequeue always happens synchronously under the owning cell's lock
// (internal/cell) rather than via goroutine listeners.
package runqueue

import (
	"github.com/grafana/vmsched/internal/errs"
	"github.com/grafana/vmsched/internal/timebase"
)

// Queue names one of a pcpu's three run queues (spec.md §4.D).
type Queue int

const (
	// QueueMain holds vcpus whose vsmp is not ahead of its main-vtime
	// entitlement.
	QueueMain Queue = iota
	// QueueExtra holds vcpus whose vsmp is ahead of entitlement and
	// currently eligible for extra time.
	QueueExtra
	// QueueLimbo holds vcpus whose vsmp is currently max-limited.
	QueueLimbo
)

func (q Queue) String() string {
	switch q {
	case QueueMain:
		return "main"
	case QueueExtra:
		return "extra"
	case QueueLimbo:
		return "limbo"
	default:
		return "unknown"
	}
}

// PcpuQueues holds one physical cpu's three FIFOs. Membership is by vcpu
// id, consistent with the arena-of-ids design note (spec.md §9) rather
// than embedding pointers.
type PcpuQueues struct {
	PcpuID int

	main  []string
	extra []string
	limbo []string

	metrics *Metrics
}

// NewPcpuQueues constructs empty queues for pcpuID, wired to shared metrics
// (nil is accepted for tests that don't care about observability).
func NewPcpuQueues(pcpuID int, m *Metrics) *PcpuQueues {
	return &PcpuQueues{PcpuID: pcpuID, metrics: m}
}

func (q *PcpuQueues) slice(which Queue) *[]string {
	switch which {
	case QueueMain:
		return &q.main
	case QueueExtra:
		return &q.extra
	case QueueLimbo:
		return &q.limbo
	default:
		return nil
	}
}

// Enqueue appends vcpuID to the tail of queue `which`.
func (q *PcpuQueues) Enqueue(which Queue, vcpuID string) error {
	s := q.slice(which)
	if s == nil {
		return errs.ErrBadParam
	}
	*s = append(*s, vcpuID)
	if q.metrics != nil {
		q.metrics.setLen(q.PcpuID, which, len(*s))
	}
	return nil
}

// Dequeue pops the head of queue `which`, reporting false if it was empty.
func (q *PcpuQueues) Dequeue(which Queue) (string, bool) {
	s := q.slice(which)
	if s == nil || len(*s) == 0 {
		return "", false
	}
	id := (*s)[0]
	*s = (*s)[1:]
	if q.metrics != nil {
		q.metrics.setLen(q.PcpuID, which, len(*s))
	}
	return id, true
}

// Peek returns the head of queue `which` without removing it.
func (q *PcpuQueues) Peek(which Queue) (string, bool) {
	s := q.slice(which)
	if s == nil || len(*s) == 0 {
		return "", false
	}
	return (*s)[0], true
}

// Len reports the current length of queue `which`.
func (q *PcpuQueues) Len(which Queue) int {
	s := q.slice(which)
	if s == nil {
		return 0
	}
	return len(*s)
}

// All returns a copy of queue `which`'s membership, front first, for the
// dispatcher's local-queue scan (spec.md §4.E step 7).
func (q *PcpuQueues) All(which Queue) []string {
	s := q.slice(which)
	if s == nil {
		return nil
	}
	out := make([]string, len(*s))
	copy(out, *s)
	return out
}

// Remove deletes vcpuID from wherever it currently sits (any of the three
// queues), used when a vcpu is dispatched, migrated, or removed out from
// under its queued position.
func (q *PcpuQueues) Remove(vcpuID string) bool {
	for _, which := range []Queue{QueueMain, QueueExtra, QueueLimbo} {
		s := q.slice(which)
		for i, id := range *s {
			if id == vcpuID {
				*s = append((*s)[:i], (*s)[i+1:]...)
				if q.metrics != nil {
					q.metrics.setLen(q.PcpuID, which, len(*s))
				}
				return true
			}
		}
	}
	return false
}

// Classify implements the main/extra/limbo selection rule a vcpu uses to
// pick its queue (spec.md §4.D): limbo takes priority (max-limited),
// otherwise extra if ahead of entitlement, otherwise main.
func Classify(ahead, maxed bool) Queue {
	switch {
	case maxed:
		return QueueLimbo
	case ahead:
		return QueueExtra
	default:
		return QueueMain
	}
}

// Reclassify walks the extra and limbo queues once (spec.md §4.D: "On each
// dispatch the extra and limbo queues are walked once and members that no
// longer belong are moved to their correct queue"), calling belongs(id) to
// get each member's current classification and re-homing any mismatch.
// The main queue is never walked here: a main-queue vcpu only leaves main
// by being dispatched.
func (q *PcpuQueues) Reclassify(belongs func(vcpuID string) Queue) {
	for _, which := range []Queue{QueueExtra, QueueLimbo} {
		s := q.slice(which)
		kept := (*s)[:0:0]
		for _, id := range *s {
			want := belongs(id)
			if want == which {
				kept = append(kept, id)
				continue
			}
			if err := q.Enqueue(want, id); err != nil {
				kept = append(kept, id)
			}
		}
		*s = kept
		if q.metrics != nil {
			q.metrics.setLen(q.PcpuID, which, len(*s))
		}
	}
}

// AheadOfEntitlement implements the ahead-ness test: a vsmp is ahead when
// its main vtime has outrun cell vtime by more than boundLag scaled down by
// the local quantum (spec.md §4.D: "(vsmp.vtime.main − cell.vtime) >
// boundLag / local quantum").
func AheadOfEntitlement(vsmpMain, cellVtime, boundLag, localQuantum timebase.Vtime) bool {
	if localQuantum <= 0 {
		return false
	}
	return int64(vsmpMain-cellVtime) > int64(boundLag)/int64(localQuantum)
}

// ExtraEligible reports whether a vsmp that is ahead of entitlement may
// still draw extra time, i.e. it has not yet hit its max-enforcement vtime
// limit.
func ExtraEligible(vsmpMain, vtimeLimit timebase.Vtime) bool {
	return vsmpMain < vtimeLimit
}
