// Package admission implements admission control for the memory dimension
// (spec.md §4.K): reservation accounting across nested groups, and the
// extra reserve required when a VM resumes from a suspended state.
package admission

import (
	"github.com/pkg/errors"

	"github.com/grafana/vmsched/internal/errs"
	"github.com/grafana/vmsched/internal/grouptree"
)

// ReclaimableFunc reports how many pages of autoMin memory could be
// reclaimed from groupID's subtree without violating any client's min,
// bounded by available swap (spec.md §3: "checked against unreserved
// memory plus reclaimable autoMin memory (bounded by available swap)").
// The caller supplies this since reclaimability depends on live
// memsched.Client state that this package does not own.
type ReclaimableFunc func(groupID string) int64

// Reserve implements spec.md §3's "Admission (Reserve/Unreserve)" for an
// overhead memory request against an existing client's group: it checks
// requestedPages against groupID's unreserved memory headroom plus
// whatever reclaim headroom fn reports (capped by availableSwapPages), and
// on success reserves requestedPages on groupID and every ancestor via
// grouptree.Tree.ReserveOverhead. Returns ErrNoMemory, wrapped with the
// group id, on refusal.
func Reserve(tree *grouptree.Tree, groupID string, requestedPages int64, fn ReclaimableFunc, availableSwapPages int64) error {
	var allowance int64
	if fn != nil {
		allowance = fn(groupID)
		if allowance > availableSwapPages {
			allowance = availableSwapPages
		}
		if allowance < 0 {
			allowance = 0
		}
	}

	if err := tree.ReserveOverheadWithAllowance(groupID, requestedPages, allowance); err != nil {
		if errors.Is(err, errs.ErrAdmitFailed) {
			return errors.Wrapf(errs.ErrNoMemory, "admission: group %q wants %d overhead pages (allowance %d): %v", groupID, requestedPages, allowance, err)
		}
		return errors.Wrapf(err, "admission: reserve overhead for %q", groupID)
	}
	return nil
}

// Unreserve releases a previous Reserve's pages.
func Unreserve(tree *grouptree.Tree, groupID string, pages int64) error {
	if err := tree.UnreserveOverhead(groupID, pages); err != nil {
		return errors.Wrapf(err, "admission: unreserve overhead for %q", groupID)
	}
	return nil
}

// AdmitGroup admission-checks and creates a new group under parentID,
// wrapping grouptree.Tree.AddGroup (spec.md §4.K: "For a new group under a
// parent: require parent.minLimit - Σ siblings.base.emin ≥ requestedMin
// and parent.max - Σ siblings.base.emax ≥ requestedMax, ascending through
// all affected ancestors").
func AdmitGroup(tree *grouptree.Tree, id, name, parentID string, cpuAlloc, memAlloc grouptree.Alloc, minLimit, hardMax int64) error {
	if err := tree.AddGroup(id, name, parentID, cpuAlloc, memAlloc, minLimit, hardMax); err != nil {
		return errors.Wrapf(err, "admission: create group %q under %q", id, parentID)
	}
	return nil
}

// AdmitVsmp admission-checks and creates a new vsmp leaf under parentID
// ("For a new client in a group, do the same with the client's min and
// max"), wrapping grouptree.Tree.AddVsmp.
func AdmitVsmp(tree *grouptree.Tree, id, parentID string, cpuAlloc, memAlloc grouptree.Alloc) error {
	if err := tree.AddVsmp(id, parentID, cpuAlloc, memAlloc); err != nil {
		return errors.Wrapf(err, "admission: create vsmp %q under %q", id, parentID)
	}
	return nil
}

// AdmitResume implements spec.md §4.K's VM-resume rule: "require an extra
// reserve (≈2MB or configured value) because some locked pages may not be
// immediately swappable." lockedPages is the VM's locked working set at
// suspend time; extraReservePages is the configured cushion (spec.md §4.J
// Config's ResumeExtraReserve, expressed in pages here). Returns
// ErrNoMemory, wrapped, on refusal; on success the extra reserve is folded
// into groupID's overhead reservation the same way Reserve does.
func AdmitResume(tree *grouptree.Tree, groupID string, lockedPages, extraReservePages int64) error {
	if err := Reserve(tree, groupID, lockedPages+extraReservePages, nil, 0); err != nil {
		return errors.Wrapf(err, "admission: resume %q (locked=%d extra=%d)", groupID, lockedPages, extraReservePages)
	}
	return nil
}
