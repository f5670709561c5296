package realloc

import "github.com/grafana/vmsched/internal/grouptree"

// chunkFractions are the decreasing parcel sizes Balance hands out on each
// pass over a group's members, expressed as a fraction of the group's
// total base shares (spec.md §4.H: "in decreasing chunk sizes (1%, 0.5%,
// 0.25%, 0.05%)").
var chunkFractions = []float64{0.01, 0.005, 0.0025, 0.0005}

// Balance recomputes base.min/max/emin/emax/shares for every node in snap,
// starting at the root (spec.md §4.B, §4.H). It is pure: it mutates only
// snap's NodeSnapshots, never the live tree.
func Balance(snap *Snapshot, rootBaseShares int64) {
	root, ok := snap.Nodes[snap.RootID]
	if !ok {
		return
	}
	root.BaseShares = rootBaseShares
	balanceGroup(snap, root)
	aggregate(snap, snap.RootID)
}

// balanceGroup distributes node's BaseShares among its children the way
// the teacher's compactor.compact bookmark-merge loop works: repeatedly
// find the extreme (there: lowest record id; here: lowest
// base.shares/alloc.shares ratio) candidate and advance it, in a
// `for !allDone(...)`-shaped loop (friggdb/compactor.go), recursing into
// group members afterward.
func balanceGroup(snap *Snapshot, node *NodeSnapshot) {
	if node.Kind != grouptree.KindGroup || len(node.Members) == 0 {
		return
	}

	var used int64
	for _, id := range node.Members {
		c := snap.Nodes[id]
		floor := c.CPUAlloc.Min
		if floor > node.BaseShares {
			floor = node.BaseShares
		}
		c.BaseShares = floor
		used += c.BaseShares
	}
	remaining := node.BaseShares - used
	if remaining < 0 {
		remaining = 0
	}

	for _, frac := range chunkFractions {
		chunk := int64(float64(node.BaseShares) * frac)
		if chunk <= 0 {
			chunk = 1
		}
		for remaining > 0 {
			target := pickMinRatioChild(snap, node.Members)
			if target == nil {
				break
			}
			give := chunk
			if give > remaining {
				give = remaining
			}
			room := target.CPUAlloc.Max - target.BaseShares
			if room < give {
				give = room
			}
			if give <= 0 {
				break
			}
			target.BaseShares += give
			remaining -= give
		}
	}

	for _, id := range node.Members {
		balanceGroup(snap, snap.Nodes[id])
	}
}

// pickMinRatioChild returns the member with the smallest
// base.shares/alloc.shares ratio that still has headroom under its max,
// or nil if every member is maxed out.
func pickMinRatioChild(snap *Snapshot, members []string) *NodeSnapshot {
	var best *NodeSnapshot
	bestRatio := 0.0
	for _, id := range members {
		c := snap.Nodes[id]
		if c.BaseShares >= c.CPUAlloc.Max {
			continue
		}
		shares := c.CPUAlloc.Shares
		var ratio float64
		if shares <= 0 {
			ratio = 1e18 // zero-share node: served last, never starves others
		} else {
			ratio = float64(c.BaseShares) / float64(shares)
		}
		if best == nil || ratio < bestRatio {
			best = c
			bestRatio = ratio
		}
	}
	return best
}

// aggregate computes base.min/max/emin/emax bottom-up (spec.md §4.B):
//
//	base.min  = Σ child base.min  (leaf = alloc.min)
//	base.max  = Σ child base.max  (leaf = alloc.max)
//	base.emin = max(own alloc.min, Σ child base.emin)
//	base.emax = max(own hardMax,   Σ child base.emax)
func aggregate(snap *Snapshot, id string) (min, max, emin, emax int64) {
	n := snap.Nodes[id]
	if n.Kind == grouptree.KindVsmp {
		n.BaseMin = n.CPUAlloc.Min
		n.BaseMax = n.CPUAlloc.Max
		n.BaseEMin = n.CPUAlloc.Min
		n.BaseEMax = n.HardMax
		return n.BaseMin, n.BaseMax, n.BaseEMin, n.BaseEMax
	}

	var sumMin, sumMax, sumEMin, sumEMax int64
	for _, id := range n.Members {
		cmin, cmax, cemin, cemax := aggregate(snap, id)
		sumMin += cmin
		sumMax += cmax
		sumEMin += cemin
		sumEMax += cemax
	}
	n.BaseMin = sumMin
	n.BaseMax = sumMax
	n.BaseEMin = maxInt64(n.CPUAlloc.Min, sumEMin)
	n.BaseEMax = maxInt64(n.HardMax, sumEMax)
	return n.BaseMin, n.BaseMax, n.BaseEMin, n.BaseEMax
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
