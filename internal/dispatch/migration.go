package dispatch

import (
	"math/rand"

	"github.com/grafana/vmsched/internal/runqueue"
	"github.com/grafana/vmsched/internal/timebase"
)

// migrationGates holds the outcome of step 3's "are migrations allowed right
// now" decision for the three migration classes (spec.md §4.E step 3:
// "elapsed-time thresholds with small random jitter, occasionally overridden
// by a configurable 1/N 'chance' probe").
type migrationGates struct {
	Pcpu   bool
	Cell   bool
	Runner bool
}

// jitterFraction is the proportional random jitter applied to every period
// (±12.5%), chosen so two pcpus racing the same wall-clock period don't
// migrate in lockstep.
const jitterFraction = 0.125

func elapsedAllows(rng *rand.Rand, last, now timebase.Cycles, period timebase.Cycles, chanceDenom int) bool {
	if period <= 0 {
		return true
	}
	jitter := 1.0 + (rng.Float64()*2-1)*jitterFraction
	threshold := timebase.Cycles(float64(period) * jitter)
	if now-last >= threshold {
		return true
	}
	if chanceDenom > 0 && rng.Intn(chanceDenom) == 0 {
		return true
	}
	return false
}

// computeGates implements spec.md §4.E step 3 for all three migration
// classes, reading and not yet committing each pcpu's "last migrated at"
// timers (internal/runqueue.Pcpu.LastPcpuMigrateCycle/LastCellMigrateCycle
// /LastRunnerMoveCycle); step 11 is responsible for writing them back once a
// choice is committed.
func (d *Dispatcher) computeGates(p *runqueue.Pcpu, now timebase.Cycles) migrationGates {
	return migrationGates{
		Pcpu:   elapsedAllows(d.rng, p.LastPcpuMigrateCycle, now, d.cfg.PcpuMigratePeriod, d.cfg.MigrateChanceDenom),
		Cell:   elapsedAllows(d.rng, p.LastCellMigrateCycle, now, d.cfg.CellMigratePeriod, d.cfg.MigrateChanceDenom),
		Runner: elapsedAllows(d.rng, p.LastRunnerMoveCycle, now, d.cfg.RunnerMovePeriod, d.cfg.MigrateChanceDenom),
	}
}
