package dispatch

import (
	"github.com/grafana/vmsched/internal/cell"
	"github.com/grafana/vmsched/internal/vcpu"
	"github.com/grafana/vmsched/internal/worldtable"
)

// coSchedule places an MP vsmp's remaining READY siblings onto specific
// pcpus by setting each target pcpu's handoff slot, in two passes: first
// each sibling whose LastPcpu is an idle pcpu of this cell with a free
// handoff slot (no migration, to preserve cache warmth), then the rest onto
// any other idle pcpu of this cell with a free handoff slot (spec.md §4.E
// "CoSchedule"). A placement never reserves or fills the target pcpu's HT
// partner slot.
//
// c is the cell owning leaderPcpu; callers must already hold its lock. This
// is a single-cell placement: a sibling that needs a cross-cell migration
// is left for a later dispatch pass to pick up via its own cell's scan,
// since coSchedule itself does not take a second cell's lock.
func coSchedule(c *cell.Cell, worlds *worldtable.Table, leaderPcpu int, vsmpID string) ([]string, error) {
	s, err := worlds.GetVsmp(vsmpID)
	if err != nil {
		return nil, err
	}
	if !s.IsMP() {
		return nil, nil
	}

	var placed []string
	remaining := make(map[string]bool)
	err = worlds.ForEachVcpuInVsmp(vsmpID, func(v *vcpu.Vcpu) {
		if v.Pcpu == leaderPcpu || !v.IsQueueable() {
			return
		}
		remaining[v.ID] = true
	})
	if err != nil {
		return nil, err
	}
	if len(remaining) == 0 {
		return nil, nil
	}

	// Pass 1: no-migration -- only the vcpu's own LastPcpu is tried, and
	// only if it is in this cell, idle, and has a free handoff slot.
	for vcpuID := range remaining {
		v, err := vcpuIDToVcpu(worlds, vcpuID)
		if err != nil {
			continue
		}
		if target, ok := c.Pcpus[v.LastPcpu]; ok && target.Running == "" && target.HandoffVcpuID == "" {
			target.HandoffVcpuID = vcpuID
			placed = append(placed, vcpuID)
			delete(remaining, vcpuID)
		}
	}

	// Pass 2: migration allowed -- place onto any other idle pcpu in this
	// cell with a free handoff slot.
	for _, pid := range c.PcpuIDs {
		if len(remaining) == 0 {
			break
		}
		p := c.Pcpus[pid]
		if p.Running != "" || p.HandoffVcpuID != "" {
			continue
		}
		for vcpuID := range remaining {
			p.HandoffVcpuID = vcpuID
			placed = append(placed, vcpuID)
			delete(remaining, vcpuID)
			break
		}
	}

	return placed, nil
}

func vcpuIDToVcpu(worlds *worldtable.Table, id string) (*vcpu.Vcpu, error) {
	return worlds.GetVcpu(id)
}
