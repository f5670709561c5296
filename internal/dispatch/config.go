// Package dispatch implements the per-reschedule vcpu selection algorithm,
// Choose (spec.md §4.E), tying together the run queues (internal/runqueue),
// group tree (internal/grouptree), cells (internal/cell), co-scheduling
// (internal/cosched), and HT quarantine (internal/htquarantine).
package dispatch

import "github.com/grafana/vmsched/internal/timebase"

// Config holds the dispatcher's runtime-mutable knobs (spec.md §6).
//
// Quantum and BoundLagQuanta are expressed in the same vtime units as
// grouptree.CPUBase.Vtime, not in cycles: runqueue.AheadOfEntitlement's
// "boundLag / local quantum" ratio only produces a meaningful threshold
// when both operands already live in vtime space, so Quantum here is the
// dispatcher's normalization unit (how many vtime units one quantum is
// considered "worth") rather than a cycle count.
type Config struct {
	Quantum            int64           `yaml:"quantum_vtime_units"`
	BoundLagQuanta     int64           `yaml:"bound_lag_vtime_units"`
	PcpuMigratePeriod  timebase.Cycles `yaml:"pcpu_migrate_period_cycles"`
	CellMigratePeriod  timebase.Cycles `yaml:"cell_migrate_period_cycles"`
	RunnerMovePeriod   timebase.Cycles `yaml:"runner_move_period_cycles"`
	MigrateChanceDenom int             `yaml:"migrate_chance_denominator"`
}

// RegisterFlagsAndApplyDefaults applies the documented defaults.
func (c *Config) RegisterFlagsAndApplyDefaults() {
	if c.Quantum == 0 {
		c.Quantum = 1
	}
	if c.BoundLagQuanta == 0 {
		c.BoundLagQuanta = 1000
	}
	if c.MigrateChanceDenom == 0 {
		c.MigrateChanceDenom = 1000
	}
}
