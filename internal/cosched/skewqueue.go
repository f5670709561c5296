// Package cosched implements whole-vsmp co-scheduling: skew sampling,
// skew-out policy (strict/relaxed/HT-mixed-package), and the CoStop/CoStart
// driving logic (spec.md §4.F).
package cosched

import "container/heap"

// Item is one entry in a skew-ordered PriorityQueue, mirroring the
// teacher's tenantselector.PriorityQueue/Item shape (modules/backendscheduler
// /work/tenantselector, container/heap-based) repurposed to order vsmps by
// accumulated skew instead of tenant backlog weight.
type Item struct {
	VsmpID string
	Skew   int
	index  int
}

// PriorityQueue orders Items by descending Skew: the worst skew offender
// (best costop candidate) is always at the head.
type PriorityQueue []*Item

func (pq PriorityQueue) Len() int { return len(pq) }

func (pq PriorityQueue) Less(i, j int) bool {
	return pq[i].Skew > pq[j].Skew
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *PriorityQueue) Push(x any) {
	item := x.(*Item)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *PriorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*pq = old[:n-1]
	return item
}

// NewPriorityQueue returns an initialized, empty skew queue.
func NewPriorityQueue() *PriorityQueue {
	pq := make(PriorityQueue, 0)
	heap.Init(&pq)
	return &pq
}

// Update re-homes an Item already in the queue after its Skew changes.
func (pq *PriorityQueue) Update(item *Item, skew int) {
	item.Skew = skew
	heap.Fix(pq, item.index)
}
