package vcpu

import (
	"fmt"

	"github.com/grafana/vmsched/internal/errs"
)

// CoRunState is the whole-vsmp coscheduling state (spec.md §3, §4.C).
type CoRunState int

const (
	CoNone CoRunState = iota
	CoReady
	CoRun
	CoStopState
)

func (s CoRunState) String() string {
	switch s {
	case CoNone:
		return "CO_NONE"
	case CoReady:
		return "CO_READY"
	case CoRun:
		return "CO_RUN"
	case CoStopState:
		return "CO_STOP"
	default:
		return "UNKNOWN"
	}
}

// HTSharing controls whether a vsmp's vcpus may share a physical core with
// vcpus of other vsmps (spec.md §3 "htSharing").
type HTSharing int

const (
	HTShareAny HTSharing = iota
	HTShareInternal
	HTShareNone
)

// Vsmp is the per-guest aggregate record (spec.md §3 "Vsmp (one per guest)").
// Its CPU vtime/stride/base fields live in the owning grouptree.Node (the
// vsmp is itself a tree leaf); Vsmp here holds only the runtime
// coscheduling and skew state that the group tree has no use for.
type Vsmp struct {
	ID       string
	VcpuIDs  []string // index 0 is the leader

	CoRunState          CoRunState
	NRun, NWait, NIdle  int
	DisableCoDeschedule int

	HTSharing       HTSharing
	MaxHTConstraint HTSharing

	QuantumExpire int64 // absolute cycle deadline of the current quantum

	SkewSum      int // aggregate intraSkew across member vcpus, strict-mode test
	NumaHomeNode int
	JointAffinity bool

	Cell string // owning cell id, spec.md Ownership: "each vsmp is owned by exactly one cell"
}

// NewVsmp constructs a vsmp with a single member vcpu (the leader).
func NewVsmp(id, leaderVcpuID string) *Vsmp {
	return &Vsmp{
		ID:         id,
		VcpuIDs:    []string{leaderVcpuID},
		CoRunState: CoNone,
	}
}

// IsMP reports whether the vsmp has more than one vcpu (spec.md §4.C:
// "CO_NONE: uniprocessor (single vcpu) vsmp; state unused").
func (s *Vsmp) IsMP() bool {
	return len(s.VcpuIDs) > 1
}

// LeaderID returns vcpu 0's id.
func (s *Vsmp) LeaderID() string {
	if len(s.VcpuIDs) == 0 {
		return ""
	}
	return s.VcpuIDs[0]
}

// AddVcpu appends a non-leader vcpu to the vsmp.
func (s *Vsmp) AddVcpu(id string) {
	s.VcpuIDs = append(s.VcpuIDs, id)
}

// RemoveVcpu removes id from the vsmp's member list.
func (s *Vsmp) RemoveVcpu(id string) {
	for i, v := range s.VcpuIDs {
		if v == id {
			s.VcpuIDs = append(s.VcpuIDs[:i], s.VcpuIDs[i+1:]...)
			return
		}
	}
}

// Empty reports whether the vsmp has no remaining vcpus (it should be torn
// down once true, per spec.md §3 Lifecycle: "vsmp disappears when its last
// vcpu is removed").
func (s *Vsmp) Empty() bool {
	return len(s.VcpuIDs) == 0
}

// CanEnterCoStop reports the entry guard for CO_STOP (spec.md §4.F:
// "Entry to CO_STOP requires disableCoDeschedule == 0").
func (s *Vsmp) CanEnterCoStop() bool {
	return s.DisableCoDeschedule == 0
}

// EnterCoStop transitions an MP vsmp into CO_STOP.
func (s *Vsmp) EnterCoStop() error {
	if !s.IsMP() {
		return fmt.Errorf("vsmp %s: CoStop on uniprocessor vsmp: %w", s.ID, errs.ErrBadParam)
	}
	if !s.CanEnterCoStop() {
		return fmt.Errorf("vsmp %s: CoStop blocked (disableCoDeschedule=%d): %w", s.ID, s.DisableCoDeschedule, errs.ErrBusy)
	}
	s.CoRunState = CoStopState
	return nil
}

// CanLeaveCoStop reports the exit guard for CO_STOP (spec.md §4.F: "CO_STOP
// -> CO_RUN/CO_READY once nWait == nIdle").
func (s *Vsmp) CanLeaveCoStop() bool {
	return s.NWait == s.NIdle
}

// LeaveCoStop transitions CO_STOP -> CO_RUN (if any vcpu is about to run)
// or CO_READY.
func (s *Vsmp) LeaveCoStop(anyRunning bool) error {
	if s.CoRunState != CoStopState {
		return fmt.Errorf("vsmp %s: LeaveCoStop from %s: %w", s.ID, s.CoRunState, errs.ErrBadParam)
	}
	if !s.CanLeaveCoStop() {
		return fmt.Errorf("vsmp %s: LeaveCoStop with non-idle waiters: %w", s.ID, errs.ErrBusy)
	}
	if anyRunning {
		s.CoRunState = CoRun
	} else {
		s.CoRunState = CoReady
	}
	return nil
}

// RecomputeCoRunState derives CoRunState from nRun for an MP vsmp not
// currently in CO_STOP (CO_RUN when any vcpu runs, else CO_READY).
func (s *Vsmp) RecomputeCoRunState() {
	if !s.IsMP() || s.CoRunState == CoStopState {
		return
	}
	if s.NRun > 0 {
		s.CoRunState = CoRun
	} else {
		s.CoRunState = CoReady
	}
}
