package dispatch

import (
	"fmt"
	"math/rand"

	"github.com/grafana/vmsched/internal/cell"
	"github.com/grafana/vmsched/internal/errs"
	"github.com/grafana/vmsched/internal/grouptree"
	"github.com/grafana/vmsched/internal/htquarantine"
	"github.com/grafana/vmsched/internal/runqueue"
	"github.com/grafana/vmsched/internal/timebase"
	"github.com/grafana/vmsched/internal/vcpu"
	"github.com/grafana/vmsched/internal/worldtable"
)

// Choice is the dispatcher's decision for one reschedule (spec.md §4.E): the
// selected vcpu (VcpuID == "" means run idle), which migration classes fired,
// and the sibling vcpus that must be co-scheduled alongside it.
type Choice struct {
	VcpuID             string
	Idle               bool
	PcpuMigrated       bool
	CellMigrated       bool
	RunnerMoved        bool
	CoScheduleSiblings []string
}

// Dispatcher implements the per-reschedule vcpu selection algorithm,
// grounded on the teacher's BackendScheduler driver loop
// (modules/backendscheduler/backendscheduler.go): a component holding
// references to every other subsystem, invoked once per scheduling event
// rather than once per ticker period.
type Dispatcher struct {
	cells      *cell.Table
	tree       *grouptree.Tree
	worlds     *worldtable.Table
	quarantine *htquarantine.Quarantine
	clock      timebase.Clock
	cfg        Config
	rng        *rand.Rand
	metrics    *Metrics
}

// New constructs a Dispatcher over the given subsystems. rng may be nil, in
// which case a deterministically-seeded generator is used (tests pass their
// own for reproducibility). m may be nil to skip metrics.
func New(cells *cell.Table, tree *grouptree.Tree, worlds *worldtable.Table, q *htquarantine.Quarantine, clock timebase.Clock, cfg Config, rng *rand.Rand, m *Metrics) *Dispatcher {
	cfg.RegisterFlagsAndApplyDefaults()
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}
	return &Dispatcher{cells: cells, tree: tree, worlds: worlds, quarantine: q, clock: clock, cfg: cfg, rng: rng, metrics: m}
}

// Choose runs the full 13-step algorithm (spec.md §4.E) for pcpuID in
// cellID, with an optional directed-yield target (empty string if none).
// The caller must not already hold cellID's lock; Choose acquires it and
// releases it (and any remote cell it opportunistically locked) before
// returning.
func (d *Dispatcher) Choose(cellID, pcpuID int, yieldTarget string) (*Choice, error) {
	ch, err := d.choose(cellID, pcpuID, yieldTarget)
	if err == nil {
		d.metrics.observe(ch)
	}
	return ch, err
}

func (d *Dispatcher) choose(cellID, pcpuID int, yieldTarget string) (*Choice, error) {
	c, err := d.cells.Get(cellID)
	if err != nil {
		return nil, err
	}
	c.Lock()
	defer c.Unlock()

	p, ok := c.Pcpus[pcpuID]
	if !ok {
		return nil, fmt.Errorf("pcpu %d not in cell %d: %w", pcpuID, cellID, errs.ErrNotFound)
	}
	now := d.clock.GetCycles()
	c.AdvanceNow(now)

	// Step 1: handoff slot.
	if p.HandoffVcpuID != "" {
		picked := p.HandoffVcpuID
		p.HandoffVcpuID = ""
		return d.commit(c, p, picked, now, false, false, false)
	}

	// Step 2: directed yield.
	if yieldTarget != "" {
		if ok, err := d.yieldAcceptable(c, p, yieldTarget); err == nil && ok {
			p.Queues.Remove(yieldTarget)
			return d.commit(c, p, yieldTarget, now, false, false, false)
		}
	}

	// Step 3: migration gates.
	gates := d.computeGates(p, now)

	// Step 4: invalidate group-vtime cache; invalidate preemption snapshots.
	p.InvalidateGroupVtimeCache()
	if gates.Pcpu || gates.Cell {
		for _, otherID := range c.PcpuIDs {
			if other, ok := c.Pcpus[otherID]; ok {
				other.InvalidateSnapshot()
			}
		}
	} else if p.HTPartner >= 0 {
		if partner, ok := c.Pcpus[p.HTPartner]; ok {
			partner.InvalidateSnapshot()
		}
	}

	// Step 5: try to move the current runner off-package on HT to relieve
	// intra-package contention, if beneficial and allowed.
	runnerMoved := false
	if gates.Runner && p.HTPartner >= 0 && p.Running != "" {
		d.tryMoveRunner(c, p, now)
		runnerMoved = p.Running == ""
	}

	// Step 6: idle baseline. A synthetic candidate with vcpuID "" stands in
	// for idle so the betterThan ordering (which otherwise only compares
	// real candidates pairwise) also has to beat idle's threshold, not just
	// whichever real candidate scanned first.
	idleBonus := d.idlePenalty(c, p)
	best := &candidate{vcpuID: "", main: idleBonus}

	// Step 7: local main queue.
	best = d.scanQueue(c, p, runqueue.QueueMain, best, idleBonus, false)

	// Step 8/9: remote scan (same cell, then cross-cell).
	if gates.Pcpu {
		for _, otherID := range c.PcpuIDs {
			if otherID == pcpuID {
				continue
			}
			other := c.Pcpus[otherID]
			best = d.scanPcpuQueue(c, other, runqueue.QueueMain, best, idleBonus)
		}
	} else if p.HTPartner >= 0 {
		if partner, ok := c.Pcpus[p.HTPartner]; ok {
			best = d.scanPcpuQueue(c, partner, runqueue.QueueMain, best, idleBonus)
		}
	}
	if gates.Cell && len(d.cells.All()) > 1 {
		best = d.scanRemoteCell(c, p, runqueue.QueueMain, best, idleBonus)
	}

	// Step 10: extra queues, only if no main candidate was found.
	if best.vcpuID == "" {
		best = d.scanQueue(c, p, runqueue.QueueExtra, best, idleBonus, true)
		if gates.Pcpu {
			for _, otherID := range c.PcpuIDs {
				if otherID == pcpuID {
					continue
				}
				other := c.Pcpus[otherID]
				best = d.scanPcpuQueue(c, other, runqueue.QueueExtra, best, idleBonus)
			}
		}
		if gates.Cell && len(d.cells.All()) > 1 {
			best = d.scanRemoteCell(c, p, runqueue.QueueExtra, best, idleBonus)
		}
	}

	// Step 11: migration timers.
	if gates.Pcpu {
		p.LastPcpuMigrateCycle = now
	}
	if gates.Cell {
		p.LastCellMigrateCycle = now
	}
	if gates.Runner {
		p.LastRunnerMoveCycle = now
	}

	if best.vcpuID == "" {
		return d.commit(c, p, "", now, false, false, runnerMoved)
	}

	// Step 12: staying put.
	if best.vcpuID == p.Running {
		return &Choice{VcpuID: best.vcpuID}, nil
	}

	crossCell := best.cellID != cellID
	migratedPcpu := !crossCell && best.pcpuID != pcpuID
	if crossCell {
		if err := d.migrateCrossCell(best, c, pcpuID, now); err != nil {
			// Migration lost the race (remote vsmp became unmovable); fall
			// back to running idle rather than erroring the whole pass.
			return d.commit(c, p, "", now, false, false, runnerMoved)
		}
	} else if migratedPcpu {
		if other, ok := c.Pcpus[best.pcpuID]; ok {
			other.Queues.Remove(best.vcpuID)
		}
	} else {
		p.Queues.Remove(best.vcpuID)
	}

	return d.commit(c, p, best.vcpuID, now, migratedPcpu, crossCell, runnerMoved)
}

// commit implements step 13: deschedule the old runner, dispatch the new
// one, and co-schedule its required siblings if it is an MP vsmp entering
// CO_READY/CO_RUN.
func (d *Dispatcher) commit(c *cell.Cell, p *runqueue.Pcpu, winner string, now timebase.Cycles, pcpuMigrated, cellMigrated, runnerMoved bool) (*Choice, error) {
	if p.Running != "" && p.Running != winner {
		if old, err := d.worlds.GetVcpu(p.Running); err == nil && old.RunState == vcpu.StateRun {
			_ = old.Preempt(now)
		}
	}

	ch := &Choice{PcpuMigrated: pcpuMigrated, CellMigrated: cellMigrated, RunnerMoved: runnerMoved}
	if winner == "" {
		p.Running = ""
		ch.Idle = true
		return ch, nil
	}

	v, err := d.worlds.GetVcpu(winner)
	if err != nil {
		return nil, err
	}
	if v.RunState == vcpu.StateReady || v.RunState == vcpu.StateReadyCorun {
		if err := v.Dispatch(p.ID, now); err != nil {
			return nil, err
		}
	}
	p.Running = winner
	ch.VcpuID = winner

	if s, err := d.worlds.GetVsmp(v.VsmpID); err == nil {
		s.RecomputeCoRunState()
		if s.IsMP() && s.CoRunState != vcpu.CoStopState {
			siblings, err := coSchedule(c, d.worlds, p.ID, s.ID)
			if err == nil {
				ch.CoScheduleSiblings = siblings
			}
		}
		d.enforceHTSharing(c, p, s)
	}
	return ch, nil
}

// enforceHTSharing implements the step 7 coexistence rule: if the new
// runner's vsmp may not share a physical core with whatever its HT
// partner is currently running (htIncompatible, including vsmps the
// quarantine tracker has forced to HT_SHARE_NONE), the partner's runner is
// preempted back to READY so the next dispatch pass on that pcpu picks a
// compatible winner.
func (d *Dispatcher) enforceHTSharing(c *cell.Cell, p *runqueue.Pcpu, winner *vcpu.Vsmp) {
	if p.HTPartner < 0 {
		return
	}
	partner, ok := c.Pcpus[p.HTPartner]
	if !ok || partner.Running == "" {
		return
	}
	pv, err := d.worlds.GetVcpu(partner.Running)
	if err != nil || pv.RunState != vcpu.StateRun {
		return
	}
	ps, err := d.worlds.GetVsmp(pv.VsmpID)
	if err != nil {
		return
	}
	if d.quarantine != nil && (d.quarantine.IsQuarantined(winner.ID) || d.quarantine.IsQuarantined(ps.ID)) {
		winner.HTSharing = vcpu.HTShareNone
	}
	if !htIncompatible(winner, ps) {
		return
	}
	if err := pv.Preempt(d.clock.GetCycles()); err == nil {
		_ = partner.Queues.Enqueue(runqueue.QueueMain, pv.ID)
		partner.Running = ""
	}
}

// yieldAcceptable implements step 2's acceptance guard for a directed-yield
// target: runnable, affinity-compatible with p, its vsmp not in CO_STOP, and
// not past its max (spec.md §4.E step 2). The target's cell and group are
// not checked against p's.
func (d *Dispatcher) yieldAcceptable(c *cell.Cell, p *runqueue.Pcpu, vcpuID string) (bool, error) {
	v, err := d.worlds.GetVcpu(vcpuID)
	if err != nil {
		return false, err
	}
	if !v.IsQueueable() {
		return false, nil
	}
	if v.AffinityMask != 0 && v.AffinityMask&(1<<uint(p.ID)) == 0 {
		return false, nil
	}
	s, err := d.worlds.GetVsmp(v.VsmpID)
	if err != nil {
		return false, err
	}
	if s.IsMP() && s.CoRunState == vcpu.CoStopState {
		return false, nil
	}
	n, err := d.tree.LookupGroup(v.VsmpID)
	if err != nil {
		return false, err
	}
	vtime, vtimeLimit := n.CPU.ReadVtime()
	return runqueue.ExtraEligible(vtime, vtimeLimit) || vtimeLimit == 0, nil
}

// idlePartnerBonus discounts the threshold a candidate must clear when this
// pcpu's HT partner is also idle: keeping a whole idle package intact is
// worth slightly more than letting one logical cpu pick up marginal work
// (spec.md §9 Open Question, recorded in DESIGN.md as
// partner-bonus-then-interrupt-rate-penalty).
const idlePartnerBonus = timebase.Vtime(2)

// interruptPenaltyShift scales a pcpu's cumulative halted cycles
// (Pcpu.HaltedCyclesTotal, counted only once the pcpu has any used cycles)
// into the vtime units idlePenalty returns: the term added is
// HaltedCyclesTotal >> interruptPenaltyShift, so a pcpu that has spent more
// time halted gets a larger idle threshold.
const interruptPenaltyShift = 4

// idlePenalty computes the threshold, in vtime units, that a real candidate
// must beat to displace the idle vcpu on p (spec.md §4.E step 6: "the idle
// vcpu's computed idle vtime as a baseline choice, potentially penalized by
// interrupt-rate on this pcpu and partner"). Per the recorded Open Question
// decision (DESIGN.md), the partner bonus is applied first, then the
// interrupt-rate term is added on top.
func (d *Dispatcher) idlePenalty(c *cell.Cell, p *runqueue.Pcpu) timebase.Vtime {
	bonus := timebase.Vtime(0)
	if p.HTPartner >= 0 {
		if partner, ok := c.Pcpus[p.HTPartner]; ok && partner.Running == "" {
			bonus += idlePartnerBonus
		}
	}
	if p.UsedCycles > 0 {
		bonus += timebase.Vtime(p.HaltedCyclesTotal) >> interruptPenaltyShift
	}
	return bonus
}
