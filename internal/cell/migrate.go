package cell

import (
	"fmt"

	"github.com/grafana/vmsched/internal/errs"
	"github.com/grafana/vmsched/internal/runqueue"
	"github.com/grafana/vmsched/internal/vcpu"
	"github.com/grafana/vmsched/internal/worldtable"
)

// CanMigrateVsmp reports whether a vsmp may be moved to a different cell:
// none of its vcpus may currently be RUN or READY_CORUN (spec.md §4.G:
// "checks CanMigrateVsmp (no vcpu of that vsmp currently RUN or in
// READY_CORUN)").
func CanMigrateVsmp(tbl *worldtable.Table, vsmpID string) (bool, error) {
	ok := true
	err := tbl.ForEachVcpuInVsmp(vsmpID, func(v *vcpu.Vcpu) {
		if v.RunState == vcpu.StateRun || v.RunState == vcpu.StateReadyCorun {
			ok = false
		}
	})
	if err != nil {
		return false, err
	}
	return ok, nil
}

// MigrateVsmp moves vsmpID from src to dst, requeueing its READY vcpus
// onto dst's local pcpu queues. Callers must already hold both cells'
// locks in ascending id order (use Table.LockTwo) and must have confirmed
// CanMigrateVsmp (spec.md §4.G).
func MigrateVsmp(tbl *worldtable.Table, src, dst *Cell, vsmpID string, localPcpu int) error {
	if !src.HasVsmp(vsmpID) {
		return fmt.Errorf("migrate vsmp %q: not owned by source cell %d: %w", vsmpID, src.ID, errs.ErrBadParam)
	}
	if _, ok := dst.Pcpus[localPcpu]; !ok {
		return fmt.Errorf("migrate vsmp %q: pcpu %d not in destination cell %d: %w", vsmpID, localPcpu, dst.ID, errs.ErrBadParam)
	}

	canMove, err := CanMigrateVsmp(tbl, vsmpID)
	if err != nil {
		return err
	}
	if !canMove {
		return fmt.Errorf("migrate vsmp %q: a vcpu is RUN or READY_CORUN: %w", vsmpID, errs.ErrBusy)
	}

	src.RemoveVsmp(vsmpID)
	dst.AddVsmp(vsmpID)

	// Sync real time and vtime to the max of the two cells (spec.md §5:
	// "a cross-cell migration syncs both now and vtime to the max of the
	// two").
	if dst.Now < src.Now {
		dst.Now = src.Now
	}
	if dst.Vtime < src.Vtime {
		dst.Vtime = src.Vtime
	}

	return tbl.ForEachVcpuInVsmp(vsmpID, func(v *vcpu.Vcpu) {
		if v.IsQueueable() {
			if v.Pcpu >= 0 {
				if p, ok := src.Pcpus[v.Pcpu]; ok {
					p.Queues.Remove(v.ID)
				}
			}
			// A freshly migrated vcpu is conservatively requeued onto main
			// and reclassified at the next dispatch pass
			// (internal/runqueue.PcpuQueues.Reclassify).
			_ = dst.Pcpus[localPcpu].Queues.Enqueue(runqueue.QueueMain, v.ID)
			v.LastPcpu = v.Pcpu
			v.Pcpu = localPcpu
		}
	})
}
