// Package vcpu implements the per-vcpu and per-vsmp state machines
// (spec.md §3 Data Model, §4.C). Vcpu and Vsmp are plain structs held in an
// arena keyed by id (internal/worldtable), per the design note "Per-vcpu
// linked lists embedded in host World struct -> arena-of-vcpus keyed by id".
package vcpu

import (
	"fmt"

	"github.com/grafana/vmsched/internal/errs"
	"github.com/grafana/vmsched/internal/timebase"
)

// RunState is a vcpu's scheduling state (spec.md §4.C).
type RunState int

const (
	StateNew RunState = iota
	StateReady
	StateReadyCorun
	StateReadyCostop
	StateRun
	StateWait
	StateBusyWait
	StateZombie
)

func (s RunState) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateReady:
		return "READY"
	case StateReadyCorun:
		return "READY_CORUN"
	case StateReadyCostop:
		return "READY_COSTOP"
	case StateRun:
		return "RUN"
	case StateWait:
		return "WAIT"
	case StateBusyWait:
		return "BUSY_WAIT"
	case StateZombie:
		return "ZOMBIE"
	default:
		return "UNKNOWN"
	}
}

// WaitState classifies why a vcpu in StateWait is blocked.
type WaitState int

const (
	WaitNone WaitState = iota
	WaitIdle
	WaitRPC
	WaitSemaphore
	WaitLock
	WaitMem
	WaitNet
	WaitSCSI
	WaitDriver
	WaitSleep
)

// Meter accumulates count/elapsed-cycles statistics for one run- or
// wait-state bucket (spec.md §3: "per-state meters (count, elapsed-cycles,
// optional vtime-start, optional histogram)").
type Meter struct {
	Count          int64
	ElapsedCycles  timebase.Cycles
	VtimeStart     timebase.Vtime
	HasVtimeStart  bool
	HistogramBuckets []int64 // coarse log2(cycles) histogram, optional
}

// Enter records entry into this meter's bucket at the given real time.
func (m *Meter) Enter() {
	m.Count++
}

// Leave adds now-start to ElapsedCycles and bucket the duration into a
// coarse log2 histogram, matching "optional histogram" in spec.md §3.
func (m *Meter) Leave(start, now timebase.Cycles) {
	d := now - start
	if d < 0 {
		d = 0
	}
	m.ElapsedCycles += d

	bucket := 0
	for v := int64(d); v > 1; v >>= 1 {
		bucket++
	}
	if bucket >= len(m.HistogramBuckets) {
		grown := make([]int64, bucket+1)
		copy(grown, m.HistogramBuckets)
		m.HistogramBuckets = grown
	}
	m.HistogramBuckets[bucket]++
}

// Vcpu is the per-world scheduling record (spec.md §3 "Vcpu (per world)").
type Vcpu struct {
	ID       string
	VsmpID   string
	Pcpu     int // -1 if not currently assigned
	LastPcpu int

	RunState  RunState
	WaitState WaitState
	WaitEvent int64

	AffinityMask     uint64
	ActionWakeupMask uint64

	RunMeters  map[RunState]*Meter
	WaitMeters map[WaitState]*Meter
	LimboMeter *Meter
	WakeupLatencyMeter *Meter

	ChargeCyclesTotal timebase.Cycles
	SysCyclesTotal    timebase.Cycles
	SysOverlapTotal   timebase.Cycles
	PerPcpuRunCycles  map[int]timebase.Cycles

	ChargeStart timebase.Cycles

	// HT interference moving averages, consumed by internal/htquarantine.
	MachineClearSlowEWMA float64
	MachineClearFastEWMA float64

	IntraSkew int
}

// NewVcpu constructs a vcpu in StateNew, owned by vsmpID.
func NewVcpu(id, vsmpID string) *Vcpu {
	v := &Vcpu{
		ID:               id,
		VsmpID:           vsmpID,
		Pcpu:             -1,
		LastPcpu:         -1,
		RunState:         StateNew,
		RunMeters:        make(map[RunState]*Meter),
		WaitMeters:       make(map[WaitState]*Meter),
		LimboMeter:       &Meter{},
		WakeupLatencyMeter: &Meter{},
		PerPcpuRunCycles: make(map[int]timebase.Cycles),
	}
	for _, s := range []RunState{StateReady, StateReadyCorun, StateReadyCostop, StateRun, StateWait, StateBusyWait} {
		v.RunMeters[s] = &Meter{}
	}
	for _, s := range []WaitState{WaitNone, WaitIdle, WaitRPC, WaitSemaphore, WaitLock, WaitMem, WaitNet, WaitSCSI, WaitDriver, WaitSleep} {
		v.WaitMeters[s] = &Meter{}
	}
	return v
}

// runStateMeter returns the meter bucket for a run state, defaulting to an
// always-present zero meter if the state wasn't pre-seeded.
func (v *Vcpu) runStateMeter(s RunState) *Meter {
	m, ok := v.RunMeters[s]
	if !ok {
		m = &Meter{}
		v.RunMeters[s] = m
	}
	return m
}

// transition moves the vcpu to state `to`, recording enter/leave on the
// relevant meters. now is the current cell cycle count used for the
// elapsed-cycles accounting of the state being left.
func (v *Vcpu) transition(to RunState, now timebase.Cycles) {
	from := v.RunState
	if m, ok := v.RunMeters[from]; ok {
		m.Leave(v.ChargeStart, now)
	}
	v.RunState = to
	v.ChargeStart = now
	v.runStateMeter(to).Enter()
}

// Add implements the NEW -> READY transition (spec.md §4.C).
func (v *Vcpu) Add(now timebase.Cycles) error {
	if v.RunState != StateNew {
		return fmt.Errorf("vcpu %s: Add from %s: %w", v.ID, v.RunState, errs.ErrBadParam)
	}
	v.transition(StateReady, now)
	return nil
}

// Dispatch implements READY|READY_CORUN -> RUN, assigning the vcpu to pcpu.
func (v *Vcpu) Dispatch(pcpu int, now timebase.Cycles) error {
	if v.RunState != StateReady && v.RunState != StateReadyCorun {
		return fmt.Errorf("vcpu %s: Dispatch from %s: %w", v.ID, v.RunState, errs.ErrBadParam)
	}
	v.LastPcpu = v.Pcpu
	v.Pcpu = pcpu
	v.transition(StateRun, now)
	return nil
}

// Preempt implements RUN -> READY.
func (v *Vcpu) Preempt(now timebase.Cycles) error {
	if v.RunState != StateRun {
		return fmt.Errorf("vcpu %s: Preempt from %s: %w", v.ID, v.RunState, errs.ErrBadParam)
	}
	v.ChargeCyclesTotal += now - v.ChargeStart
	v.transition(StateReady, now)
	return nil
}

// Wait implements RUN -> WAIT, recording the wait reason.
func (v *Vcpu) Wait(event int64, waitState WaitState, now timebase.Cycles) error {
	if v.RunState != StateRun {
		return fmt.Errorf("vcpu %s: Wait from %s: %w", v.ID, v.RunState, errs.ErrBadParam)
	}
	v.ChargeCyclesTotal += now - v.ChargeStart
	v.WaitEvent = event
	v.WaitState = waitState
	if m, ok := v.WaitMeters[waitState]; ok {
		m.Enter()
		if !m.HasVtimeStart {
			m.HasVtimeStart = true
		}
	}
	v.transition(StateWait, now)
	return nil
}

// Wakeup implements WAIT -> READY, crediting the wait-state real-time meter.
func (v *Vcpu) Wakeup(now timebase.Cycles) error {
	if v.RunState != StateWait && v.RunState != StateBusyWait {
		return fmt.Errorf("vcpu %s: Wakeup from %s: %w", v.ID, v.RunState, errs.ErrBadParam)
	}
	if m, ok := v.WaitMeters[v.WaitState]; ok {
		m.Leave(v.ChargeStart, now)
	}
	v.WaitState = WaitNone
	v.transition(StateReady, now)
	return nil
}

// EnterBusyWait implements WAIT -> BUSY_WAIT ("can-busy-wait" spec.md §4.C).
func (v *Vcpu) EnterBusyWait(now timebase.Cycles) error {
	if v.RunState != StateWait {
		return fmt.Errorf("vcpu %s: EnterBusyWait from %s: %w", v.ID, v.RunState, errs.ErrBadParam)
	}
	v.transition(StateBusyWait, now)
	return nil
}

// ResumeFromBusyWait implements BUSY_WAIT -> RUN or WAIT.
func (v *Vcpu) ResumeFromBusyWait(toRun bool, now timebase.Cycles) error {
	if v.RunState != StateBusyWait {
		return fmt.Errorf("vcpu %s: ResumeFromBusyWait from %s: %w", v.ID, v.RunState, errs.ErrBadParam)
	}
	if toRun {
		v.transition(StateRun, now)
	} else {
		v.transition(StateWait, now)
	}
	return nil
}

// CoStop implements RUN|READY -> READY_COSTOP.
func (v *Vcpu) CoStop(now timebase.Cycles) error {
	if v.RunState != StateRun && v.RunState != StateReady {
		return fmt.Errorf("vcpu %s: CoStop from %s: %w", v.ID, v.RunState, errs.ErrBadParam)
	}
	if v.RunState == StateRun {
		v.ChargeCyclesTotal += now - v.ChargeStart
	}
	v.transition(StateReadyCostop, now)
	return nil
}

// CoSchedulePeer implements READY -> READY_CORUN.
func (v *Vcpu) CoSchedulePeer(now timebase.Cycles) error {
	if v.RunState != StateReady {
		return fmt.Errorf("vcpu %s: CoSchedulePeer from %s: %w", v.ID, v.RunState, errs.ErrBadParam)
	}
	v.transition(StateReadyCorun, now)
	return nil
}

// CoStart implements READY_COSTOP -> READY.
func (v *Vcpu) CoStart(now timebase.Cycles) error {
	if v.RunState != StateReadyCostop {
		return fmt.Errorf("vcpu %s: CoStart from %s: %w", v.ID, v.RunState, errs.ErrBadParam)
	}
	v.transition(StateReady, now)
	return nil
}

// Remove implements Any -> ZOMBIE.
func (v *Vcpu) Remove(now timebase.Cycles) error {
	if v.RunState == StateZombie {
		return fmt.Errorf("vcpu %s: already zombie: %w", v.ID, errs.ErrBadParam)
	}
	if v.RunState == StateRun {
		v.ChargeCyclesTotal += now - v.ChargeStart
	}
	v.transition(StateZombie, now)
	return nil
}

// IsQueueable reports whether v currently belongs on a pcpu run queue
// (spec.md invariant 2).
func (v *Vcpu) IsQueueable() bool {
	return v.RunState == StateReady || v.RunState == StateReadyCorun
}
