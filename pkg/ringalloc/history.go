// Package ringalloc provides small fixed-depth ring buffers used to keep a
// bounded history of recent samples, generalized from the teacher's
// generic evicting-queue idiom (pkg/util/evicting_queue.go).
package ringalloc

// History is a fixed-depth ring of int64 samples. It never allocates past
// its configured depth: once full, each Add overwrites the oldest slot.
type History struct {
	slots []int64
	next  int
	count int
}

// NewHistory constructs a History with room for depth samples. depth <= 0
// is clamped to 1.
func NewHistory(depth int) *History {
	if depth <= 0 {
		depth = 1
	}
	return &History{slots: make([]int64, depth)}
}

// Add records a new sample, evicting the oldest if the ring is full.
func (h *History) Add(sample int64) {
	h.slots[h.next] = sample
	h.next = (h.next + 1) % len(h.slots)
	if h.count < len(h.slots) {
		h.count++
	}
}

// Max returns the largest recorded sample still in the ring, or 0 if
// empty. Working-set estimation takes the max across estimates to stay
// conservative (spec.md §4.J step 1).
func (h *History) Max() int64 {
	var max int64
	for i := 0; i < h.count; i++ {
		if h.slots[i] > max {
			max = h.slots[i]
		}
	}
	return max
}

// Len reports how many samples are currently held (<= depth).
func (h *History) Len() int { return h.count }
