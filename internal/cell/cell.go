// Package cell implements scheduler cell partitioning: the locking domains
// that group pcpus for a single host (spec.md §3 "Cell", §4.G). Cross-cell
// operations always acquire cell locks in ascending cell id order.
package cell

import (
	"fmt"
	"sort"
	"sync"

	"github.com/grafana/vmsched/internal/errs"
	"github.com/grafana/vmsched/internal/runqueue"
	"github.com/grafana/vmsched/internal/timebase"
)

// Cell is a disjoint partition of pcpus forming one locking domain
// (spec.md §3 "Cell"). Cell size must be a multiple of the HT package
// size; on NUMA hardware it must not cross nodes (enforced by the
// Partition constructor, not by Cell itself).
type Cell struct {
	ID      int
	PcpuIDs []int

	mtx sync.Mutex

	Pcpus map[int]*runqueue.Pcpu

	// VsmpIDs tracks the vsmps currently assigned to this cell (spec.md §3:
	// "vsmps currently assigned to the cell").
	VsmpIDs map[string]struct{}

	Now         timebase.Cycles
	Vtime       timebase.Vtime
	LostCycles  timebase.Cycles

	VtimeResetLg uint
}

// New constructs an empty cell over the given pcpu ids.
func New(id int, pcpuIDs []int, m *runqueue.Metrics) *Cell {
	c := &Cell{
		ID:      id,
		PcpuIDs: append([]int(nil), pcpuIDs...),
		Pcpus:   make(map[int]*runqueue.Pcpu, len(pcpuIDs)),
		VsmpIDs: make(map[string]struct{}),
	}
	for _, pid := range pcpuIDs {
		c.Pcpus[pid] = runqueue.NewPcpu(pid, m)
	}
	return c
}

// Lock/Unlock expose the cell's own lock; callers needing several cells
// must acquire them in ascending id order (spec.md §3 Ownership, §5
// Ordering guarantees).
func (c *Cell) Lock()   { c.mtx.Lock() }
func (c *Cell) Unlock() { c.mtx.Unlock() }

// TryLock attempts the cell's lock without blocking, for the dispatcher's
// opportunistic cross-cell scan (spec.md §4.E: "it may try-lock one random
// remote cell").
func (c *Cell) TryLock() bool { return c.mtx.TryLock() }

// AdvanceNow updates the cell's real-time clock, clamping and accounting
// for backward motion into LostCycles (spec.md §4.A: "if the raw counter
// goes backward across pcpus within a cell, the cell clamps now and
// accumulates the delta into lostCycles").
func (c *Cell) AdvanceNow(raw timebase.Cycles) {
	if raw < c.Now {
		c.LostCycles += c.Now - raw
		return
	}
	c.Now = raw
}

// ResetVtime implements timebase.Resettable for the cell's own vtime.
func (c *Cell) ResetVtime(adjust timebase.Vtime) {
	c.Vtime = timebase.AdjustPreservingMax(c.Vtime, adjust)
}

// HasVsmp reports whether vsmpID is currently assigned to this cell.
func (c *Cell) HasVsmp(vsmpID string) bool {
	_, ok := c.VsmpIDs[vsmpID]
	return ok
}

// AddVsmp records vsmpID as belonging to this cell.
func (c *Cell) AddVsmp(vsmpID string) { c.VsmpIDs[vsmpID] = struct{}{} }

// RemoveVsmp removes vsmpID from this cell's membership.
func (c *Cell) RemoveVsmp(vsmpID string) { delete(c.VsmpIDs, vsmpID) }

// Table owns every cell and provides the ascending-lock-order helpers
// (spec.md §4.G: "cross-cell operations acquire locks in ascending cell
// id; LockAll walks cells in ascending order").
type Table struct {
	cells []*Cell // sorted by ID ascending
	byID  map[int]*Cell
}

// NewTable builds a cell table from already-constructed cells.
func NewTable(cells []*Cell) *Table {
	t := &Table{byID: make(map[int]*Cell, len(cells))}
	for _, c := range cells {
		t.byID[c.ID] = c
	}
	t.cells = append([]*Cell(nil), cells...)
	sort.Slice(t.cells, func(i, j int) bool { return t.cells[i].ID < t.cells[j].ID })
	return t
}

// Get returns the cell with the given id.
func (t *Table) Get(id int) (*Cell, error) {
	c, ok := t.byID[id]
	if !ok {
		return nil, fmt.Errorf("cell %d: %w", id, errs.ErrNotFound)
	}
	return c, nil
}

// All returns every cell, ascending by id.
func (t *Table) All() []*Cell { return t.cells }

// LockAll acquires every cell's lock in ascending id order and returns an
// unlock function that releases them in reverse order.
func (t *Table) LockAll() func() {
	for _, c := range t.cells {
		c.Lock()
	}
	return func() {
		for i := len(t.cells) - 1; i >= 0; i-- {
			t.cells[i].Unlock()
		}
	}
}

// LockTwo acquires two distinct cells' locks in ascending id order, the
// pattern every cross-cell migration must follow (spec.md §3 Lifecycle:
// "cross-cell migration under both source and destination cell locks held
// in ascending-id order").
func (t *Table) LockTwo(aID, bID int) (a, b *Cell, unlock func(), err error) {
	a, err = t.Get(aID)
	if err != nil {
		return nil, nil, nil, err
	}
	b, err = t.Get(bID)
	if err != nil {
		return nil, nil, nil, err
	}
	if aID == bID {
		a.Lock()
		return a, b, a.Unlock, nil
	}
	first, second := a, b
	if bID < aID {
		first, second = b, a
	}
	first.Lock()
	second.Lock()
	return a, b, func() {
		second.Unlock()
		first.Unlock()
	}, nil
}
