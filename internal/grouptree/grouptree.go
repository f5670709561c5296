// Package grouptree implements the hierarchical resource-group tree
// (spec.md §3 "Group", §4.B). Every node is either a vsmp-leaf or an
// internal group; external (administrator) min/max/shares translate into
// internal "base" allocations that the reallocator (internal/realloc)
// recomputes periodically.
package grouptree

import (
	"fmt"
	"sync"

	"github.com/grafana/vmsched/internal/errs"
	"github.com/grafana/vmsched/internal/timebase"
	"github.com/grafana/vmsched/pkg/seqlock"
)

// Units is the unit an external alloc is expressed in.
type Units int

const (
	UnitsPercent Units = iota
	UnitsMHz
	UnitsBShares
)

// RootID names the tree's singleton root group.
const RootID = "root"

// Alloc is an external (administrator-declared) min/max/shares triple, for
// either the CPU or the memory dimension.
type Alloc struct {
	Min    int64
	Max    int64
	Shares int64
	Units  Units
	// AutoMin marks a memory alloc with no explicit min (§4.J step 2).
	AutoMin bool
}

// CPUBase is the internal, reallocator-owned CPU share state (spec.md §3).
type CPUBase struct {
	Min, Max, EMin, EMax, Shares int64
	Vtime, VtimeLimit            timebase.Vtime
	Stride, StrideLimit          timebase.Vtime
	VsmpCount                    int

	vtimeSeq seqlock.SeqLock
}

// ResetVtime implements timebase.Resettable.
func (b *CPUBase) ResetVtime(adjust timebase.Vtime) {
	b.vtimeSeq.WriteBegin()
	b.Vtime = timebase.AdjustPreservingMax(b.Vtime, adjust)
	b.VtimeLimit = timebase.AdjustPreservingMax(b.VtimeLimit, adjust)
	b.vtimeSeq.WriteEnd()
}

// ReadVtime performs a lock-free versioned-atomic read of Vtime/VtimeLimit,
// retrying (per pkg/seqlock) if a concurrent writer raced it.
func (b *CPUBase) ReadVtime() (vtime, vtimeLimit timebase.Vtime) {
	seqlock.Retry("grouptree.CPUBase.ReadVtime", func() bool {
		seq := b.vtimeSeq.ReadBegin()
		vtime, vtimeLimit = b.Vtime, b.VtimeLimit
		return !b.vtimeSeq.ReadRetry(seq)
	})
	return
}

// MemBase is the internal, reallocator-owned memory share state.
type MemBase struct {
	BaseMin, BaseMax, EMin, EMax, BaseShares int64
}

// NodeKind distinguishes a vsmp-leaf from an internal group.
type NodeKind int

const (
	KindVsmp NodeKind = iota
	KindGroup
)

// Node is a tree element: either Vsmp{id} or Group{members, cpu, mem}, per
// the tagged-sum design in spec.md §9.
type Node struct {
	ID       string
	Name     string
	ParentID string
	Kind     NodeKind
	Members  []string // only meaningful for KindGroup

	// External, administrator-declared allocations.
	CPUAlloc Alloc
	MemAlloc Alloc

	// minLimit/hardMax: for a vsmp leaf these equal alloc.min/alloc.max by
	// construction (spec.md §4.B); for a group they are set explicitly at
	// creation and bound the aggregate of its children.
	MinLimit int64
	HardMax  int64

	CPU CPUBase
	Mem MemBase
}

// Tree is the global resource-group tree, owned under a single tree lock
// (spec.md §3 Ownership: "Groups are owned by the global tree under a
// separate tree lock").
type Tree struct {
	mtx   sync.RWMutex
	nodes map[string]*Node
}

// New constructs a tree with a singleton root group of the given CPU/mem
// shares capacity.
func New(rootCPUShares, rootMemShares int64) *Tree {
	t := &Tree{nodes: make(map[string]*Node)}
	t.nodes[RootID] = &Node{
		ID:       RootID,
		Name:     RootID,
		Kind:     KindGroup,
		CPUAlloc: Alloc{Min: 100, Max: 100, Shares: rootCPUShares, Units: UnitsPercent},
		MemAlloc: Alloc{Min: 0, Max: 100, Shares: rootMemShares, Units: UnitsPercent},
		MinLimit: 100,
		HardMax:  100,
	}
	t.nodes[RootID].CPU.Shares = rootCPUShares
	t.nodes[RootID].Mem.BaseShares = rootMemShares
	return t
}

// Lock/Unlock expose the tree lock directly for callers (the reallocator)
// that must hold it alongside every cell lock, per the fixed lock order in
// spec.md §5 ("EventQueue -> cell locks ascending -> group-tree lock").
func (t *Tree) Lock()    { t.mtx.Lock() }
func (t *Tree) Unlock()  { t.mtx.Unlock() }
func (t *Tree) RLock()   { t.mtx.RLock() }
func (t *Tree) RUnlock() { t.mtx.RUnlock() }

// LookupGroup returns the node with the given id, or ErrNotFound.
func (t *Tree) LookupGroup(id string) (*Node, error) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("lookup %q: %w", id, errs.ErrNotFound)
	}
	return n, nil
}

// RootGroup returns the tree's root node.
func (t *Tree) RootGroup() *Node {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	return t.nodes[RootID]
}

// NodeParent returns id's parent node, or ErrNotFound if id is unknown, or
// nil (no error) if id is the root.
func (t *Tree) NodeParent(id string) (*Node, error) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("node parent %q: %w", id, errs.ErrNotFound)
	}
	if n.ParentID == "" {
		return nil, nil
	}
	return t.nodes[n.ParentID], nil
}

// ForAllGroupsDo calls fn for every node currently in the tree. fn must not
// mutate the tree.
func (t *Tree) ForAllGroupsDo(fn func(*Node)) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	for _, n := range t.nodes {
		fn(n)
	}
}

// admitChain walks from parentID to the root, checking at every ancestor
// that requiredMin/requiredMax (the new emin/emax this node would add) fit
// within that ancestor's unreserved minLimit/hardMax. Implements spec.md
// §4.B Admission and §4.K (the CPU and memory dimensions share this walk;
// callers pass whichever requiredMin/requiredMax pair applies).
func (t *Tree) admitChain(parentID string, requiredMin, requiredMax int64, emin, emax func(*Node) (int64, int64)) error {
	for id := parentID; id != ""; {
		n, ok := t.nodes[id]
		if !ok {
			return fmt.Errorf("admission walk: ancestor %q: %w", id, errs.ErrNotFound)
		}

		reservedMin, reservedMax := emin(n), emax(n)
		if requiredMin > n.MinLimit-reservedMin {
			return fmt.Errorf("group %q: min %d exceeds unreserved minLimit %d-%d: %w",
				id, requiredMin, n.MinLimit, reservedMin, errs.ErrAdmitFailed)
		}
		if requiredMax > n.HardMax-reservedMax {
			return fmt.Errorf("group %q: max %d exceeds unreserved hardMax %d-%d: %w",
				id, requiredMax, n.HardMax, reservedMax, errs.ErrAdmitFailed)
		}

		n = t.nodes[id]
		id = n.ParentID
	}
	return nil
}

func cpuEMin(n *Node) (int64, int64) { return n.CPU.EMin, n.CPU.EMax }
func memEMin(n *Node) (int64, int64) { return n.Mem.EMin, n.Mem.EMax }

// MemHeadroom returns the unreserved memory minLimit and hardMax across
// groupID and every ancestor up to the root -- the same chain admitChain
// walks -- as the tightest (minimum) headroom along that chain (spec.md §3
// "Admission (Reserve/Unreserve): overhead memory requests are checked
// against unreserved memory"), for the admission package to add its own
// reclaimable-autoMin accounting on top of.
func (t *Tree) MemHeadroom(groupID string) (minRoom, maxRoom int64, err error) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	if _, ok := t.nodes[groupID]; !ok {
		return 0, 0, fmt.Errorf("mem headroom %q: %w", groupID, errs.ErrNotFound)
	}
	minRoom, maxRoom = int64(1)<<62, int64(1)<<62
	for id := groupID; id != ""; {
		n := t.nodes[id]
		if r := n.MinLimit - n.Mem.EMin; r < minRoom {
			minRoom = r
		}
		if r := n.HardMax - n.Mem.EMax; r < maxRoom {
			maxRoom = r
		}
		id = n.ParentID
	}
	return minRoom, maxRoom, nil
}

// ReserveOverhead implements spec.md §3's "success increments the client's
// overhead and the containing group's min and max" (`IncClientGroupSize`):
// it admission-checks pages against groupID's own unreserved memory
// headroom (the caller has already folded in any reclaimable-autoMin
// allowance) and, on success, reserves pages on groupID and every ancestor
// for both the min and max dimensions, since overhead memory is locked and
// not swappable.
func (t *Tree) ReserveOverhead(groupID string, pages int64) error {
	return t.ReserveOverheadWithAllowance(groupID, pages, 0)
}

// ReserveOverheadWithAllowance is ReserveOverhead, but the admission check
// requires only pages-allowance of real unreserved headroom: the
// difference is covered by the caller's reclaimable-autoMin-bounded-by-
// swap allowance (spec.md §3: "checked against unreserved memory plus
// reclaimable autoMin memory"). The full pages amount is still reserved on
// success, since that memory is now committed to this client regardless of
// which source covers it.
func (t *Tree) ReserveOverheadWithAllowance(groupID string, pages, allowance int64) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	required := pages - allowance
	if required < 0 {
		required = 0
	}
	if err := t.admitChain(groupID, required, required, memEMin, memEMin); err != nil {
		return err
	}
	t.reserveAncestors(groupID, 0, 0, pages, pages)
	return nil
}

// UnreserveOverhead is ReserveOverhead's inverse, releasing pages previously
// reserved on groupID and its ancestors.
func (t *Tree) UnreserveOverhead(groupID string, pages int64) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if _, ok := t.nodes[groupID]; !ok {
		return fmt.Errorf("unreserve overhead %q: %w", groupID, errs.ErrNotFound)
	}
	t.reserveAncestors(groupID, 0, 0, -pages, -pages)
	return nil
}

// AddGroup creates a new internal group under parentID, admission-checking
// both the CPU and memory dimensions, and incrementally reserves emin/emax
// on every ancestor (spec.md §4.K: "success increments the client's
// overhead and the containing group's min and max").
func (t *Tree) AddGroup(id, name, parentID string, cpuAlloc, memAlloc Alloc, minLimit, hardMax int64) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if _, exists := t.nodes[id]; exists {
		return fmt.Errorf("group %q already exists: %w", id, errs.ErrBadParam)
	}
	parent, ok := t.nodes[parentID]
	if !ok {
		return fmt.Errorf("parent %q: %w", parentID, errs.ErrNotFound)
	}

	if err := t.admitChain(parentID, cpuAlloc.Min, hardMax, cpuEMin, cpuEMin); err != nil {
		return err
	}
	if err := t.admitChain(parentID, memAlloc.Min, memAlloc.Max, memEMin, memEMin); err != nil {
		return err
	}

	n := &Node{
		ID:       id,
		Name:     name,
		ParentID: parentID,
		Kind:     KindGroup,
		CPUAlloc: cpuAlloc,
		MemAlloc: memAlloc,
		MinLimit: minLimit,
		HardMax:  hardMax,
	}
	t.nodes[id] = n
	parent.Members = append(parent.Members, id)

	t.reserveAncestors(parentID, cpuAlloc.Min, hardMax, memAlloc.Min, memAlloc.Max)

	return nil
}

// AddVsmp creates a new vsmp-leaf under parentID. For a leaf, minLimit=min
// and hardMax=max by construction (spec.md §4.B).
func (t *Tree) AddVsmp(id, parentID string, cpuAlloc, memAlloc Alloc) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	if _, exists := t.nodes[id]; exists {
		return fmt.Errorf("vsmp %q already exists: %w", id, errs.ErrBadParam)
	}
	parent, ok := t.nodes[parentID]
	if !ok {
		return fmt.Errorf("parent %q: %w", parentID, errs.ErrNotFound)
	}

	if err := t.admitChain(parentID, cpuAlloc.Min, cpuAlloc.Max, cpuEMin, cpuEMin); err != nil {
		return err
	}
	if err := t.admitChain(parentID, memAlloc.Min, memAlloc.Max, memEMin, memEMin); err != nil {
		return err
	}

	n := &Node{
		ID:       id,
		ParentID: parentID,
		Kind:     KindVsmp,
		CPUAlloc: cpuAlloc,
		MemAlloc: memAlloc,
		MinLimit: cpuAlloc.Min,
		HardMax:  cpuAlloc.Max,
	}
	n.CPU.Shares = cpuAlloc.Shares
	n.CPU.Min = cpuAlloc.Min
	n.CPU.Max = cpuAlloc.Max
	n.Mem.BaseShares = memAlloc.Shares
	t.nodes[id] = n
	parent.Members = append(parent.Members, id)

	t.reserveAncestors(parentID, cpuAlloc.Min, cpuAlloc.Max, memAlloc.Min, memAlloc.Max)

	return nil
}

// reserveAncestors bumps EMin/EMax on every ancestor of parentID by the
// newly admitted child's min/max, maintaining invariant 6 ("For any group,
// Σ children.base.emin ≤ G.alloc.minLimit") incrementally between full
// reallocator recomputations.
func (t *Tree) reserveAncestors(parentID string, cpuMin, cpuMax, memMin, memMax int64) {
	for id := parentID; id != ""; {
		n := t.nodes[id]
		n.CPU.EMin += cpuMin
		n.CPU.EMax += cpuMax
		n.Mem.EMin += memMin
		n.Mem.EMax += memMax
		id = n.ParentID
	}
}

// RemoveNode destroys a group or vsmp, unreserving its ancestors. Per
// spec.md §3 Lifecycle, a group may only be destroyed when empty.
func (t *Tree) RemoveNode(id string) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()

	n, ok := t.nodes[id]
	if !ok {
		return fmt.Errorf("remove %q: %w", id, errs.ErrNotFound)
	}
	if n.Kind == KindGroup && len(n.Members) != 0 {
		return fmt.Errorf("group %q not empty: %w", id, errs.ErrBadParam)
	}
	if id == RootID {
		return fmt.Errorf("cannot remove root: %w", errs.ErrBadParam)
	}

	// Unreserve what was actually reserved on the ancestor chain at
	// creation time (reserveAncestors's arguments in AddGroup/AddVsmp),
	// not n.CPU.Min/n.Mem.EMin: those reallocator-owned fields are only
	// populated for a vsmp leaf (AddVsmp), never for a group node itself
	// (AddGroup only bumps its ancestors' EMin/EMax). n.HardMax equals
	// the cpuMax that was reserved in both cases (cpuAlloc.Max for a
	// vsmp, hardMax for a group), so this is correct for either kind.
	t.reserveAncestors(n.ParentID, -n.CPUAlloc.Min, -n.HardMax, -n.MemAlloc.Min, -n.MemAlloc.Max)

	parent := t.nodes[n.ParentID]
	for i, m := range parent.Members {
		if m == id {
			parent.Members = append(parent.Members[:i], parent.Members[i+1:]...)
			break
		}
	}
	delete(t.nodes, id)
	return nil
}

// Children returns the direct child nodes of id.
func (t *Tree) Children(id string) ([]*Node, error) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return nil, fmt.Errorf("children of %q: %w", id, errs.ErrNotFound)
	}
	out := make([]*Node, 0, len(n.Members))
	for _, m := range n.Members {
		out = append(out, t.nodes[m])
	}
	return out, nil
}

// PathToRoot returns the sequence of node ids from id up to (and including)
// the root, used by the dispatcher's extra-vtime compare (spec.md §4.A) to
// find the divergence point between two vsmps' group paths.
func (t *Tree) PathToRoot(id string) []string {
	t.mtx.RLock()
	defer t.mtx.RUnlock()

	var path []string
	for cur := id; cur != ""; {
		n, ok := t.nodes[cur]
		if !ok {
			break
		}
		path = append(path, cur)
		cur = n.ParentID
	}
	return path
}
