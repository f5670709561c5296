package dispatch

import (
	"github.com/grafana/vmsched/internal/grouptree"
	"github.com/grafana/vmsched/internal/timebase"
	"github.com/grafana/vmsched/internal/vcpu"
)

// candidate is one eligible vcpu discovered during a queue scan, carrying
// the comparison state the dispatcher needs to pick the minimum-adjusted
// vtime winner across local, remote, and cross-cell scans.
type candidate struct {
	vcpuID    string
	vsmpID    string
	groupID   string
	pcpuID    int
	cellID    int
	ahead     bool
	main      timebase.Vtime
	stride    timebase.Vtime
	groupPath []string
}

// vtimeOf reads a group node's CPU vtime/stride via its lock-free versioned
// read (pkg/seqlock, through grouptree.CPUBase.ReadVtime), matching the
// group-vtime cache's source of truth (spec.md §3 Pcpu).
func vtimeOf(tree *grouptree.Tree, groupID string) (vtime, stride timebase.Vtime, err error) {
	n, err := tree.LookupGroup(groupID)
	if err != nil {
		return 0, 0, err
	}
	vtime, _ = n.CPU.ReadVtime()
	return vtime, n.CPU.Stride, nil
}

// extraCompare implements the extra-queue compare from spec.md §4.A: two
// vsmps that are both "ahead of entitlement" are ordered by their group
// path's divergence point, innermost group first, falling back to a main
// compare at the shared ancestor. It returns <0 if a should run before b.
func extraCompare(tree *grouptree.Tree, aPath, bPath []string, aMain, bMain timebase.Vtime, bonus timebase.Vtime) int64 {
	divergeA, divergeB := diverge(aPath, bPath)
	if divergeA == "" || divergeB == "" {
		return timebase.MainCompare(aMain, bonus, bMain)
	}
	aVtime, _, errA := vtimeOf(tree, divergeA)
	bVtime, _, errB := vtimeOf(tree, divergeB)
	if errA != nil || errB != nil {
		return timebase.MainCompare(aMain, bonus, bMain)
	}
	return timebase.MainCompare(aVtime, 0, bVtime)
}

// diverge walks two root-to-leaf paths (as returned reversed, leaf-to-root,
// by grouptree.Tree.PathToRoot) and returns the first ancestor each path
// visits below their common ancestor -- the two siblings whose own vtime
// actually decides the comparison.
func diverge(aPath, bPath []string) (string, string) {
	aSet := make(map[string]int, len(aPath))
	for i, id := range aPath {
		aSet[id] = i
	}
	for j, id := range bPath {
		if i, ok := aSet[id]; ok {
			aBelow := ""
			if i > 0 {
				aBelow = aPath[i-1]
			}
			bBelow := ""
			if j > 0 {
				bBelow = bPath[j-1]
			}
			return aBelow, bBelow
		}
	}
	return "", ""
}

// betterThan reports whether c is a strictly better dispatch candidate than
// best, comparing main-vs-main or (when both are ahead of entitlement)
// delegating to extraCompare. best.vcpuID == "" marks the synthetic idle
// baseline (step 6): it carries only a main-vtime threshold to beat and is
// exempt from the main-vs-extra ordering rule below, since idle is neither.
func betterThan(tree *grouptree.Tree, c, best *candidate, bonus timebase.Vtime) bool {
	if best == nil || best.vcpuID == "" {
		threshold := timebase.Vtime(0)
		if best != nil {
			threshold = best.main
		}
		return timebase.MainCompare(c.main, bonus, threshold) < 0
	}
	if c.ahead != best.ahead {
		// A main-eligible candidate always beats one that is merely drawing
		// extra time (spec.md §4.D queue classification order).
		return !c.ahead
	}
	if !c.ahead {
		return timebase.MainCompare(c.main, bonus, best.main) < 0
	}
	return extraCompare(tree, c.groupPath, best.groupPath, c.main, best.main, bonus) < 0
}

// htIncompatible reports whether two vsmps may not share a physical core,
// per their htSharing settings (spec.md §3 "htSharing"): HT_SHARE_NONE
// never shares; HT_SHARE_INTERNAL only shares with its own vsmp.
func htIncompatible(a, b *vcpu.Vsmp) bool {
	if a.HTSharing == vcpu.HTShareNone || b.HTSharing == vcpu.HTShareNone {
		return a.ID != b.ID
	}
	if a.HTSharing == vcpu.HTShareInternal || b.HTSharing == vcpu.HTShareInternal {
		return a.ID != b.ID
	}
	return false
}
