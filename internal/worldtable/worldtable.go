// Package worldtable is the arena owning every Vcpu and Vsmp, keyed by id
// (spec.md §9 design note: "arena-of-vcpus keyed by id... queues hold
// integer ids (indices), not pointers"). It implements AddWorld/RemoveWorld
// (spec.md §3 Lifecycle) and keeps the vsmp aggregate run-state counts
// (nRun, nWait, nIdle) consistent with the literal vcpu list (invariant 1).
package worldtable

import (
	"fmt"
	"sync"

	"github.com/grafana/vmsched/internal/errs"
	"github.com/grafana/vmsched/internal/timebase"
	"github.com/grafana/vmsched/internal/vcpu"
)

// Table is the process-wide vcpu/vsmp arena. Mutation is serialized by mtx;
// the owning cell (internal/cell) additionally holds its own lock while a
// vsmp is assigned to it, per spec.md Ownership.
type Table struct {
	mtx   sync.RWMutex
	vcpus map[string]*vcpu.Vcpu
	vsmps map[string]*vcpu.Vsmp
}

// New returns an empty world table.
func New() *Table {
	return &Table{
		vcpus: make(map[string]*vcpu.Vcpu),
		vsmps: make(map[string]*vcpu.Vsmp),
	}
}

// AddWorld creates a new vcpu in NEW->READY. If vsmpID does not yet exist,
// this vcpu becomes its leader (vcpu 0) and a new Vsmp record is created;
// otherwise the vcpu joins the existing vsmp as a non-leader member
// (spec.md §3 Lifecycle: "leader first... subsequent vcpus inherit the
// vsmp").
func (t *Table) AddWorld(vcpuID, vsmpID string, now timebase.Cycles) (*vcpu.Vcpu, error) {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if _, exists := t.vcpus[vcpuID]; exists {
		return nil, fmt.Errorf("vcpu %q already exists: %w", vcpuID, errs.ErrBadParam)
	}

	v := vcpu.NewVcpu(vcpuID, vsmpID)
	if err := v.Add(now); err != nil {
		return nil, err
	}

	s, ok := t.vsmps[vsmpID]
	if !ok {
		s = vcpu.NewVsmp(vsmpID, vcpuID)
		t.vsmps[vsmpID] = s
	} else {
		s.AddVcpu(vcpuID)
	}
	t.vcpus[vcpuID] = v
	t.bumpCounts(s, vcpu.StateNew, v.RunState)
	s.RecomputeCoRunState()

	return v, nil
}

// RemoveWorld transitions vcpuID to ZOMBIE and deletes it from the table.
// If this was the vsmp's last vcpu, the vsmp record is also deleted
// (spec.md §3 Lifecycle: "vsmp disappears when its last vcpu is removed").
func (t *Table) RemoveWorld(vcpuID string, now timebase.Cycles) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	v, ok := t.vcpus[vcpuID]
	if !ok {
		return fmt.Errorf("remove world %q: %w", vcpuID, errs.ErrNotFound)
	}
	s := t.vsmps[v.VsmpID]

	prevState := v.RunState
	if err := v.Remove(now); err != nil {
		return err
	}
	if s != nil {
		t.bumpCounts(s, prevState, vcpu.StateZombie)
		s.RemoveVcpu(vcpuID)
		s.RecomputeCoRunState()
	}

	delete(t.vcpus, vcpuID)
	if s != nil && s.Empty() {
		delete(t.vsmps, s.ID)
	}
	return nil
}

// bumpCounts maintains invariant 1 (Σ indicator(runState=RUN) = vsmp.nRun,
// similarly for nWait/nIdle) as a vcpu's run state changes. "Idle" here
// means WaitIdle specifically is tracked via SetWaitState; this only
// tracks the RUN/WAIT/other-ready buckets that participate in CO_STOP
// entry/exit gating.
func (t *Table) bumpCounts(s *vcpu.Vsmp, from, to vcpu.RunState) {
	dec := func(st vcpu.RunState) {
		switch st {
		case vcpu.StateRun:
			s.NRun--
		case vcpu.StateWait, vcpu.StateBusyWait:
			s.NWait--
		}
	}
	inc := func(st vcpu.RunState) {
		switch st {
		case vcpu.StateRun:
			s.NRun++
		case vcpu.StateWait, vcpu.StateBusyWait:
			s.NWait++
		}
	}
	if from != vcpu.StateNew {
		dec(from)
	}
	if to != vcpu.StateZombie {
		inc(to)
	}
}

// NoteWaitStateChange updates the vsmp's nIdle counter when a vcpu's
// WaitState becomes or stops being WaitIdle, since nIdle is keyed on
// WaitState rather than RunState (spec.md §4.F CanLeaveCoStop: "nWait ==
// nIdle").
func (t *Table) NoteWaitStateChange(vcpuID string, becameIdle, wasIdle bool) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	v, ok := t.vcpus[vcpuID]
	if !ok {
		return fmt.Errorf("note wait state %q: %w", vcpuID, errs.ErrNotFound)
	}
	s, ok := t.vsmps[v.VsmpID]
	if !ok {
		return fmt.Errorf("vsmp %q for vcpu %q: %w", v.VsmpID, vcpuID, errs.ErrNotFound)
	}
	if wasIdle && !becameIdle {
		s.NIdle--
	} else if becameIdle && !wasIdle {
		s.NIdle++
	}
	return nil
}

// GetVcpu returns the vcpu record for id.
func (t *Table) GetVcpu(id string) (*vcpu.Vcpu, error) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	v, ok := t.vcpus[id]
	if !ok {
		return nil, fmt.Errorf("get vcpu %q: %w", id, errs.ErrNotFound)
	}
	return v, nil
}

// GetVsmp returns the vsmp record for id.
func (t *Table) GetVsmp(id string) (*vcpu.Vsmp, error) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	s, ok := t.vsmps[id]
	if !ok {
		return nil, fmt.Errorf("get vsmp %q: %w", id, errs.ErrNotFound)
	}
	return s, nil
}

// ForEachVcpuInVsmp calls fn for every vcpu belonging to vsmpID.
func (t *Table) ForEachVcpuInVsmp(vsmpID string, fn func(*vcpu.Vcpu)) error {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	s, ok := t.vsmps[vsmpID]
	if !ok {
		return fmt.Errorf("vsmp %q: %w", vsmpID, errs.ErrNotFound)
	}
	for _, id := range s.VcpuIDs {
		if v, ok := t.vcpus[id]; ok {
			fn(v)
		}
	}
	return nil
}

// CountRunState returns the literal count of vcpus in vsmpID currently in
// state st, used by property tests to check invariant 1 against the
// maintained counters.
func (t *Table) CountRunState(vsmpID string, st vcpu.RunState) (int, error) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	s, ok := t.vsmps[vsmpID]
	if !ok {
		return 0, fmt.Errorf("vsmp %q: %w", vsmpID, errs.ErrNotFound)
	}
	n := 0
	for _, id := range s.VcpuIDs {
		if v, ok := t.vcpus[id]; ok && v.RunState == st {
			n++
		}
	}
	return n, nil
}
