// Package realloc implements the reallocator (spec.md §4.H): the sole
// writer of group-tree base shares. It snapshots the tree, computes new
// base allocations with Balance, and commits them back only if the live
// tree still matches the snapshot.
package realloc

import (
	"github.com/grafana/vmsched/internal/grouptree"
)

// NodeSnapshot is a point-in-time copy of one grouptree.Node's external
// alloc plus the base quantities Balance computes (spec.md §4.H step 1:
// "snapshot the entire group/vsmp tree into a flat array, copying external
// allocs, vsmp vcpu counts").
type NodeSnapshot struct {
	ID       string
	ParentID string
	Kind     grouptree.NodeKind
	Members  []string

	CPUAlloc grouptree.Alloc
	MinLimit int64
	HardMax  int64

	VsmpCount int

	// Populated by Balance.
	BaseMin, BaseMax, BaseEMin, BaseEMax, BaseShares int64
}

// Snapshot is the flat array (map, for lookup convenience) Balance operates
// over.
type Snapshot struct {
	RootID string
	Nodes  map[string]*NodeSnapshot
}

// Take copies tree under its read lock. The full lock-order guarantee
// spec.md §4.H step 1 requires ("under all cell locks + tree lock") is
// the caller's responsibility: Reallocator.Reallocate holds every cell
// lock (via its cell.Table) around this call, since base shares also
// affect per-cell dispatch state invalidation. A caller with no cell
// table to protect (e.g. a test exercising Balance in isolation) may
// call this under the tree lock alone.
func Take(tree *grouptree.Tree) *Snapshot {
	snap := &Snapshot{RootID: grouptree.RootID, Nodes: make(map[string]*NodeSnapshot)}
	tree.ForAllGroupsDo(func(n *grouptree.Node) {
		snap.Nodes[n.ID] = &NodeSnapshot{
			ID:       n.ID,
			ParentID: n.ParentID,
			Kind:     n.Kind,
			Members:  append([]string(nil), n.Members...),
			CPUAlloc: n.CPUAlloc,
			MinLimit: n.MinLimit,
			HardMax:  n.HardMax,
		}
	})
	// VsmpCount is the number of vsmp leaves under each node (spec.md §91:
	// CPU base's "vsmpCount"), sourced from the snapshot's own tree shape
	// rather than hardcoded 0/1 by kind, so a group's count reflects its
	// actual live membership at snapshot time.
	countVsmps(snap, snap.RootID)
	return snap
}

func countVsmps(snap *Snapshot, id string) int {
	n, ok := snap.Nodes[id]
	if !ok {
		return 0
	}
	if n.Kind == grouptree.KindVsmp {
		n.VsmpCount = 1
		return 1
	}
	total := 0
	for _, childID := range n.Members {
		total += countVsmps(snap, childID)
	}
	n.VsmpCount = total
	return total
}

// stillConsistent reports whether the live tree's external allocs still
// match the snapshot taken earlier (spec.md §4.H step 4: "if the snapshot
// is still consistent with the live tree (every external alloc
// unchanged)").
func stillConsistent(snap *Snapshot, tree *grouptree.Tree) bool {
	consistent := true
	tree.ForAllGroupsDo(func(n *grouptree.Node) {
		s, ok := snap.Nodes[n.ID]
		if !ok || s.CPUAlloc != n.CPUAlloc || s.MinLimit != n.MinLimit || s.HardMax != n.HardMax {
			consistent = false
		}
	})
	if len(snap.Nodes) != treeSize(tree) {
		consistent = false
	}
	return consistent
}

func treeSize(tree *grouptree.Tree) int {
	n := 0
	tree.ForAllGroupsDo(func(*grouptree.Node) { n++ })
	return n
}
