package memsched

import (
	"fmt"
	"sync"

	"github.com/grafana/vmsched/internal/errs"
	"github.com/grafana/vmsched/internal/timebase"
	"github.com/grafana/vmsched/pkg/ringalloc"
)

// Client is the memory scheduler's per-guest record (spec.md §4.J step 1
// snapshot fields, and §3's balloon/swap/affinity fields). It is a
// separate record from vcpu.Vsmp: the CPU-side state lives in the vsmp and
// its owning grouptree.Node, while a memory Client tracks the guest's page
// accounting and shares the same grouptree.Node id as its group-tree leaf
// (the tree's Mem fields hold the reallocator-owned base/emin/emax; Client
// holds everything the reallocator never touches).
type Client struct {
	ID      string
	GroupID string // grouptree.Node id this client's memory alloc lives under

	GuestOS GuestOS

	// Snapshot fields (spec.md §4.J step 1), all in pages.
	Locked, Cow, Zero, Shared, Swapped, Overhead int64
	BalloonSize                                  int64

	BalloonMax    int64
	BalloonTarget int64
	SwapTarget    int64

	// Affinity (spec.md §3).
	ColorAffinity int
	NodeAffinity  int
	HardAffinity  bool

	// AdjustedMin scales down when the client is marked non-responsive
	// (spec.md §4.J "Non-responsive clients").
	AdjustedMin   int64
	NonResponsive bool
	lastSwapAck   timebase.Cycles
	swapPending   bool

	history *ringalloc.History
}

// NewClient constructs a Client with a working-set sample history of the
// configured depth.
func NewClient(id, groupID string, sampleHistory int) *Client {
	return &Client{ID: id, GroupID: groupID, history: ringalloc.NewHistory(sampleHistory)}
}

// RecordSample records one working-set sample (pages touched this period).
func (c *Client) RecordSample(pages int64) {
	c.history.Add(pages)
}

// WorkingSet returns the conservative (max-across-history) working-set
// estimate (spec.md §4.J step 1: "take the max across estimates to be
// conservative").
func (c *Client) WorkingSet() int64 {
	return c.history.Max()
}

// RequestSwapAck records that a swap request was posted to this client at
// now, for non-responsive-window tracking.
func (c *Client) RequestSwapAck(now timebase.Cycles) {
	c.lastSwapAck = now
	c.swapPending = true
}

// AckSwap records that the client acknowledged its outstanding swap
// request.
func (c *Client) AckSwap() {
	c.swapPending = false
	c.NonResponsive = false
}

// CheckNonResponsive marks the client non-responsive if its outstanding
// swap request has gone unacknowledged past window (spec.md §4.J: "if a
// client has not acknowledged a swap request within a fixed window
// (≈15s), it is marked non-responsive").
func (c *Client) CheckNonResponsive(now timebase.Cycles, window timebase.Cycles) bool {
	if c.swapPending && now-c.lastSwapAck > window {
		c.NonResponsive = true
	}
	return c.NonResponsive
}

// Table is the memory scheduler's client registry, guarded by a single
// RWMutex the way internal/worldtable guards the vcpu/vsmp arena (plain
// keyed map, no third-party library surface for a simple registry).
type Table struct {
	mtx     sync.RWMutex
	clients map[string]*Client
}

// NewTable constructs an empty client table.
func NewTable() *Table {
	return &Table{clients: make(map[string]*Client)}
}

// Add registers a new client, or ErrBadParam if the id is already present.
func (t *Table) Add(c *Client) error {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	if _, exists := t.clients[c.ID]; exists {
		return fmt.Errorf("memsched client %q already exists: %w", c.ID, errs.ErrBadParam)
	}
	t.clients[c.ID] = c
	return nil
}

// Remove deregisters a client.
func (t *Table) Remove(id string) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	delete(t.clients, id)
}

// Get returns the client with the given id.
func (t *Table) Get(id string) (*Client, error) {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	c, ok := t.clients[id]
	if !ok {
		return nil, fmt.Errorf("memsched client %q: %w", id, errs.ErrNotFound)
	}
	return c, nil
}

// All returns every registered client.
func (t *Table) All() []*Client {
	t.mtx.RLock()
	defer t.mtx.RUnlock()
	out := make([]*Client, 0, len(t.clients))
	for _, c := range t.clients {
		out = append(out, c)
	}
	return out
}
