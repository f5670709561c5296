package dispatch

import (
	"github.com/grafana/vmsched/internal/cell"
	"github.com/grafana/vmsched/internal/runqueue"
	"github.com/grafana/vmsched/internal/timebase"
)

// buildCandidate resolves a queued vcpu id into a comparable candidate,
// reading its vsmp's group vtime through the owning pcpu's group-vtime
// cache when warm (spec.md §3 Pcpu: the cache exists precisely so repeated
// scans needn't re-walk the tree every time), falling back to a live
// grouptree.Tree read on a cache miss.
func (d *Dispatcher) buildCandidate(p *runqueue.Pcpu, cellID int, cellVtime timebase.Vtime, vcpuID string) (*candidate, bool) {
	v, err := d.worlds.GetVcpu(vcpuID)
	if err != nil || !v.IsQueueable() {
		return nil, false
	}
	n, err := d.tree.LookupGroup(v.VsmpID)
	if err != nil {
		return nil, false
	}

	vtime, vtimeLimit := n.CPU.ReadVtime()
	stride := n.CPU.Stride
	if line, ok := p.LookupGroupVtime(v.VsmpID); ok {
		vtime, stride, vtimeLimit = line.Vtime, line.Stride, line.VtimeLimit
	} else {
		p.CacheGroupVtime(v.VsmpID, vtime, stride, vtimeLimit)
	}

	ahead := runqueue.AheadOfEntitlement(vtime, cellVtime, timebase.Vtime(d.cfg.BoundLagQuanta), timebase.Vtime(d.cfg.Quantum))
	if ahead && !runqueue.ExtraEligible(vtime, vtimeLimit) && vtimeLimit != 0 {
		return nil, false
	}

	return &candidate{
		vcpuID:    vcpuID,
		vsmpID:    v.VsmpID,
		groupID:   v.VsmpID,
		pcpuID:    p.ID,
		cellID:    cellID,
		ahead:     ahead,
		main:      vtime,
		stride:    stride,
		groupPath: d.tree.PathToRoot(v.VsmpID),
	}, true
}

// scanQueue scans `which` queue on p (the local pcpu), updating best with
// any strictly-better eligible candidate whose ahead-of-entitlement class
// matches extraPass. HT-sharing coexistence is not checked here; commit
// preempts an incompatible HT partner afterwards (enforceHTSharing).
func (d *Dispatcher) scanQueue(c *cell.Cell, p *runqueue.Pcpu, which runqueue.Queue, best *candidate, bonus timebase.Vtime, extraPass bool) *candidate {
	for _, vcpuID := range p.Queues.All(which) {
		cand, ok := d.buildCandidate(p, c.ID, c.Vtime, vcpuID)
		if !ok {
			continue
		}
		if cand.ahead != extraPass {
			continue
		}
		if betterThan(d.tree, cand, best, bonus) {
			best = cand
		}
	}
	return best
}

// scanPcpuQueue scans a remote (same-cell) pcpu's queue for a better
// candidate than best (spec.md §4.E step 8).
func (d *Dispatcher) scanPcpuQueue(c *cell.Cell, p *runqueue.Pcpu, which runqueue.Queue, best *candidate, bonus timebase.Vtime) *candidate {
	for _, vcpuID := range p.Queues.All(which) {
		cand, ok := d.buildCandidate(p, c.ID, c.Vtime, vcpuID)
		if !ok {
			continue
		}
		if betterThan(d.tree, cand, best, bonus) {
			best = cand
		}
	}
	return best
}

// scanRemoteCell opportunistically try-locks one random other cell and
// scans its pcpus for a better candidate, keeping the pick only if its vsmp
// can actually migrate (spec.md §4.E step 9).
func (d *Dispatcher) scanRemoteCell(local *cell.Cell, localPcpu *runqueue.Pcpu, which runqueue.Queue, best *candidate, bonus timebase.Vtime) *candidate {
	cells := d.cells.All()
	if len(cells) < 2 {
		return best
	}
	idx := d.rng.Intn(len(cells))
	remote := cells[idx]
	if remote.ID == local.ID {
		return best
	}
	if !remote.TryLock() {
		return best
	}
	defer remote.Unlock()

	for _, pid := range remote.PcpuIDs {
		p, ok := remote.Pcpus[pid]
		if !ok {
			continue
		}
		for _, vcpuID := range p.Queues.All(which) {
			cand, ok := d.buildCandidate(p, remote.ID, remote.Vtime, vcpuID)
			if !ok {
				continue
			}
			if !betterThan(d.tree, cand, best, bonus) {
				continue
			}
			if movable, err := cell.CanMigrateVsmp(d.worlds, cand.vsmpID); err != nil || !movable {
				continue
			}
			best = cand
		}
	}
	return best
}

// tryMoveRunner implements step 5: hand the currently-running vcpu to the
// first other pcpu in the cell that has no runner and an empty handoff
// slot, leaving p with no runner. The runner's vsmp movability is not
// checked, and no preemptibility comparison is made beyond the target
// being idle.
func (d *Dispatcher) tryMoveRunner(c *cell.Cell, p *runqueue.Pcpu, now timebase.Cycles) {
	if p.Running == "" {
		return
	}
	v, err := d.worlds.GetVcpu(p.Running)
	if err != nil {
		return
	}
	for _, pid := range c.PcpuIDs {
		if pid == p.ID {
			continue
		}
		other, ok := c.Pcpus[pid]
		if !ok || other.Running != "" || other.HandoffVcpuID != "" {
			continue
		}
		if err := v.Preempt(now); err != nil {
			return
		}
		if err := c.Pcpus[p.ID].Queues.Enqueue(runqueue.QueueMain, v.ID); err == nil {
			c.Pcpus[p.ID].Queues.Remove(v.ID)
		}
		other.HandoffVcpuID = v.ID
		p.Running = ""
		return
	}
}
