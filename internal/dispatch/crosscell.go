package dispatch

import (
	"fmt"

	"github.com/grafana/vmsched/internal/cell"
	"github.com/grafana/vmsched/internal/errs"
	"github.com/grafana/vmsched/internal/timebase"
)

// migrateCrossCell moves cand's vsmp from its remote cell into local,
// re-locking both cells in ascending id order (spec.md §4.G: "cross-cell
// migration under both source and destination cell locks held in
// ascending-id order"). The caller already holds local's lock; this
// function must therefore avoid re-locking local directly and instead
// locks only the remote side, in whichever order avoids deadlock with a
// symmetric call racing on the other pcpu.
func (d *Dispatcher) migrateCrossCell(cand *candidate, local *cell.Cell, localPcpu int, now timebase.Cycles) error {
	if cand.cellID == local.ID {
		return fmt.Errorf("migrateCrossCell: candidate already local: %w", errs.ErrBadParam)
	}
	remote, err := d.cells.Get(cand.cellID)
	if err != nil {
		return err
	}

	// local is already held by the caller. Ascending-id order requires the
	// lower-id cell's lock be acquired first; since local.Lock() is already
	// held, only lock remote here, after first verifying we won't violate
	// the order against a remote dispatch pass locking the same two cells
	// the other way -- that pass's cross-cell try-lock (scanRemoteCell) is
	// opportunistic (TryLock) specifically so it backs off instead of
	// deadlocking against this blocking path.
	if local.ID < remote.ID {
		remote.Lock()
		defer remote.Unlock()
	} else {
		if !remote.TryLock() {
			return fmt.Errorf("migrateCrossCell: remote cell %d busy: %w", remote.ID, errs.ErrBusy)
		}
		defer remote.Unlock()
	}

	if err := cell.MigrateVsmp(d.worlds, remote, local, cand.vsmpID, localPcpu); err != nil {
		return err
	}
	if other, ok := remote.Pcpus[cand.pcpuID]; ok {
		other.Queues.Remove(cand.vcpuID)
	}
	return nil
}
