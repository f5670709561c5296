// Package htquarantine detects microarchitectural interference between
// hyperthread siblings and forces affected vsmps into HT_SHARE_NONE
// (spec.md §4.I).
package htquarantine

import (
	"math"

	"github.com/grafana/vmsched/internal/runqueue"
	"github.com/grafana/vmsched/internal/timebase"
	"github.com/grafana/vmsched/internal/vcpu"
)

// Config holds the quarantine's runtime-mutable knobs (spec.md §6:
// CpuMachineClearThresh).
type Config struct {
	MachineClearThresh float64       `yaml:"machine_clear_thresh"`
	SampleBudget       timebase.Cycles `yaml:"sample_budget_cycles"`
}

// RegisterFlagsAndApplyDefaults applies spec.md §4.I's default sample
// budget ("≈1 ms of run time").
func (c *Config) RegisterFlagsAndApplyDefaults(oneMillisecondInCycles timebase.Cycles) {
	if c.SampleBudget <= 0 {
		c.SampleBudget = oneMillisecondInCycles
	}
}

const (
	slowAlpha = 0.05
	fastAlpha = 0.33
)

// SampleVcpu folds one machine_clear_any reading into v's slow (5%) and
// fast (33%) exponentially-weighted averages (spec.md §4.I: "Each vcpu
// maintains two exponentially-weighted averages (slow 5%/sample, fast
// 33%/sample)").
func SampleVcpu(v *vcpu.Vcpu, machineClears uint8, elapsed timebase.Cycles) {
	rate := perMillionCycles(machineClears, elapsed)
	v.MachineClearSlowEWMA = ewma(v.MachineClearSlowEWMA, rate, slowAlpha)
	v.MachineClearFastEWMA = ewma(v.MachineClearFastEWMA, rate, fastAlpha)
}

func perMillionCycles(count uint8, elapsed timebase.Cycles) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(count) * 1_000_000 / float64(elapsed)
}

func ewma(prev, sample, alpha float64) float64 {
	return alpha*sample + (1-alpha)*prev
}

// Quarantine tracks per-vsmp quarantine state.
type Quarantine struct {
	cfg         Config
	quarantined map[string]bool
}

// New constructs a Quarantine tracker.
func New(cfg Config) *Quarantine {
	return &Quarantine{cfg: cfg, quarantined: make(map[string]bool)}
}

// IsQuarantined reports whether vsmpID is currently quarantined.
func (q *Quarantine) IsQuarantined(vsmpID string) bool {
	return q.quarantined[vsmpID]
}

// Evaluate recomputes quarantine state for vsmp given its member vcpus'
// current EWMAs, applying spec.md §4.I's rule: "A vsmp is quarantined
// (forced to HT_SHARE_NONE) when the max of (slow, fast) per-million-cycles
// rate of any member vcpu exceeds a configurable threshold; it leaves
// quarantine when the rate drops." It returns true if the quarantine state
// changed, in which case the caller must invalidate preemption snapshots
// on the affected vcpus' local and HT-partner pcpus (spec.md §4.I: "The
// quarantine state invalidates preemption snapshots on both local and
// partner pcpus").
func (q *Quarantine) Evaluate(vsmp *vcpu.Vsmp, members []*vcpu.Vcpu) bool {
	maxRate := 0.0
	for _, v := range members {
		maxRate = math.Max(maxRate, math.Max(v.MachineClearSlowEWMA, v.MachineClearFastEWMA))
	}

	shouldQuarantine := maxRate > q.cfg.MachineClearThresh
	was := q.quarantined[vsmp.ID]
	if shouldQuarantine == was {
		return false
	}
	q.quarantined[vsmp.ID] = shouldQuarantine

	if shouldQuarantine {
		vsmp.HTSharing = vcpu.HTShareNone
	} else {
		vsmp.HTSharing = vsmp.MaxHTConstraint
	}
	return true
}

// InvalidateSnapshots clears the preemption snapshot on a pcpu and its HT
// partner, if any.
func InvalidateSnapshots(pcpus map[int]*runqueue.Pcpu, pcpuID int) {
	p, ok := pcpus[pcpuID]
	if !ok {
		return
	}
	p.InvalidateSnapshot()
	if p.HTPartner >= 0 {
		if partner, ok := pcpus[p.HTPartner]; ok {
			partner.InvalidateSnapshot()
		}
	}
}
