package cell

import "github.com/grafana/vmsched/internal/runqueue"

// Topology describes the host's pcpu layout as seen by the partitioner
// (spec.md §4.G).
type Topology struct {
	NumPcpus       int
	HTPackageSize  int // logical cpus per physical package (1 if no HT)
	NumaNodeSize   int // pcpus per NUMA node (0 or NumPcpus if flat/unknown)
}

// Partition builds a Table of cells sized as close to desiredCellSize as
// the topology constraints allow (spec.md §4.G): cell size must be a
// multiple of the HT package size, must evenly divide the total pcpu
// count, and must not split a NUMA node. On failure to satisfy all three,
// it falls back to a single cell containing every pcpu.
func Partition(topo Topology, desiredCellSize int, m *runqueue.Metrics) *Table {
	size := viableCellSize(topo, desiredCellSize)
	if size <= 0 {
		return NewTable([]*Cell{New(0, allPcpus(topo.NumPcpus), m)})
	}

	var cells []*Cell
	id := 0
	for start := 0; start < topo.NumPcpus; start += size {
		end := start + size
		if end > topo.NumPcpus {
			end = topo.NumPcpus
		}
		cells = append(cells, New(id, pcpuRange(start, end), m))
		id++
	}
	wirePartners(cells, topo.HTPackageSize)
	return NewTable(cells)
}

func viableCellSize(topo Topology, desired int) int {
	if topo.NumPcpus <= 0 || desired <= 0 {
		return 0
	}
	htSize := topo.HTPackageSize
	if htSize <= 0 {
		htSize = 1
	}

	size := roundToMultiple(desired, htSize)
	if size <= 0 {
		return 0
	}

	for size <= topo.NumPcpus {
		if topo.NumPcpus%size == 0 && !splitsNumaNode(topo, size) {
			return size
		}
		size += htSize
	}
	return 0
}

func roundToMultiple(v, m int) int {
	if m <= 0 {
		return v
	}
	if v%m == 0 {
		return v
	}
	return ((v / m) + 1) * m
}

func splitsNumaNode(topo Topology, cellSize int) bool {
	if topo.NumaNodeSize <= 0 || topo.NumaNodeSize >= topo.NumPcpus {
		return false
	}
	if topo.NumaNodeSize%cellSize != 0 && cellSize%topo.NumaNodeSize != 0 {
		return true
	}
	return false
}

func allPcpus(n int) []int {
	return pcpuRange(0, n)
}

func pcpuRange(start, end int) []int {
	out := make([]int, 0, end-start)
	for i := start; i < end; i++ {
		out = append(out, i)
	}
	return out
}

// wirePartners sets each pcpu's HTPartner to its sibling logical cpu
// within the same package, assuming packages are laid out as consecutive
// blocks of htPackageSize ids (pcpu i's partner is the other id(s) in its
// block; only pairs are wired, matching "whole-package vs. half-package"
// sharing for 2-way HT, the common case this module targets).
func wirePartners(cells []*Cell, htPackageSize int) {
	if htPackageSize != 2 {
		return
	}
	for _, c := range cells {
		for _, pid := range c.PcpuIDs {
			partner := pid ^ 1
			if p, ok := c.Pcpus[partner]; ok {
				c.Pcpus[pid].HTPartner = p.ID
			}
		}
	}
}
