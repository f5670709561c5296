// Package memsched implements the memory scheduler (spec.md §4.J):
// proportional-share target computation, working-set sampling, free-state
// machine, and the balloon/swap commit policy.
package memsched

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/grafana/vmsched/internal/grouptree"
	"github.com/grafana/vmsched/internal/timebase"
	utillog "github.com/grafana/vmsched/pkg/util/log"
)

// WorkingSetSampler reads a client's current touched-page count from the
// guest's shared area (spec.md §4.J step 1). The actual page-sampling
// driver is out of scope (spec.md §2 Non-goals): this is the narrow
// interface the scheduler consumes.
type WorkingSetSampler interface {
	SampleTouchedPages(clientID string) (int64, error)
}

// MemScheduler is the per-host memory-scheduler worker (spec.md §4.J),
// grounded the same way internal/realloc.Reallocator and
// internal/cosched.Sampler are: a dskit services.Service wrapping a
// time.Ticker-driven run loop, following BackendScheduler's shape.
type MemScheduler struct {
	services.Service

	cfg          Config
	clients      *Table
	tree         *grouptree.Tree
	managedPages int64

	sampler WorkingSetSampler
	balloon BalloonDriver
	swap    SwapDriver
	clock   timebase.Clock

	pool  *WorkerPool
	state *FreeStateTracker

	// fastRealloc is buffered 1, signaled by the free-state tracker's LOW
	// callback to force an immediate out-of-band balance pass (spec.md
	// §4.J: "Transitions to LOW trigger an immediate fast reallocation").
	fastRealloc chan struct{}

	cycles          prometheus.Counter
	nonResponsive   prometheus.Counter
	freeStateMetric prometheus.Gauge
}

// New constructs a MemScheduler. managedPages is the host's total
// manageable page count, used both for autoMins (step 2) and the
// free-state hysteresis thresholds.
func New(cfg Config, managedPages int64, clients *Table, tree *grouptree.Tree, sampler WorkingSetSampler, balloon BalloonDriver, swap SwapDriver, clock timebase.Clock, pool *WorkerPool, reg prometheus.Registerer) *MemScheduler {
	cfg.RegisterFlagsAndApplyDefaults()

	m := &MemScheduler{
		cfg:          cfg,
		clients:      clients,
		tree:         tree,
		managedPages: managedPages,
		sampler:      sampler,
		balloon:      balloon,
		swap:         swap,
		clock:        clock,
		pool:         pool,
		state:        NewFreeStateTracker(cfg, managedPages),
		fastRealloc:  make(chan struct{}, 1),
		cycles: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "vmsched",
			Name:      "mem_balance_cycles_total",
			Help:      "Total number of memory-scheduler balance cycles run.",
		}),
		nonResponsive: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "vmsched",
			Name:      "mem_non_responsive_clients_total",
			Help:      "Total number of clients newly marked non-responsive to a swap request.",
		}),
		freeStateMetric: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "vmsched",
			Name:      "mem_free_state",
			Help:      "Current free-memory state (0=HIGH,1=SOFT,2=HARD,3=LOW).",
		}),
	}
	m.state.SetCallbacks(m.onLow, m.onLeaveLow)
	m.Service = services.NewBasicService(m.starting, m.running, m.stopping)
	return m
}

func (m *MemScheduler) starting(_ context.Context) error { return nil }

func (m *MemScheduler) stopping(_ error) error { return nil }

func (m *MemScheduler) running(ctx context.Context) error {
	level.Info(utillog.Logger).Log("msg", "memory scheduler running", "period", m.cfg.BalancePeriod)

	ticker := time.NewTicker(m.cfg.BalancePeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.runCycle()
		case <-m.fastRealloc:
			m.runCycle()
		}
	}
}

// UpdateFreeState feeds a fresh free-pages reading into the free-state
// tracker, firing LOW-transition side effects as needed (spec.md §4.J
// "driven by a callback from the page allocator").
func (m *MemScheduler) UpdateFreeState(freePages int64) FreeState {
	state := m.state.Update(freePages)
	m.freeStateMetric.Set(float64(state))
	return state
}

func (m *MemScheduler) onLow() {
	select {
	case m.fastRealloc <- struct{}{}:
	default:
	}
}

func (m *MemScheduler) onLeaveLow() {
	// Wakes any world blocked on MemoryIsLowWait; the actual wait-queue
	// wakeup is part of internal/runqueue's suspension-point plumbing,
	// outside this package's scope (spec.md §4.J only requires the
	// trigger point exist here).
}

// runCycle samples every client's working set, runs one Balance pass, and
// commits the resulting targets.
func (m *MemScheduler) runCycle() {
	clients := m.clients.All()
	if len(clients) == 0 {
		return
	}

	now := m.clock.GetCycles()

	if m.sampler != nil && m.pool != nil {
		_ = m.pool.RunAll(clients, func(c *Client) error {
			pages, err := m.sampler.SampleTouchedPages(c.ID)
			if err != nil {
				return err
			}
			c.RecordSample(pages)
			return nil
		})
	}

	nodes := make(map[string]*grouptree.Node, len(clients))
	for _, c := range clients {
		if c.CheckNonResponsive(now, m.cfg.NonResponsiveWindow) {
			m.nonResponsive.Inc()
		}
		n, err := m.tree.LookupGroup(c.GroupID)
		if err != nil {
			continue
		}
		nodes[c.ID] = n
	}

	updateAdjustedMins(clients, nodes)

	snap := make([]*ClientSnapshot, 0, len(clients))
	byID := make(map[string]*Client, len(clients))
	for _, c := range clients {
		n, ok := nodes[c.ID]
		if !ok {
			continue
		}
		min := n.Mem.BaseMin
		if c.AdjustedMin > 0 && c.AdjustedMin < min {
			min = c.AdjustedMin
		}
		snap = append(snap, &ClientSnapshot{
			ID:         c.ID,
			Min:        min,
			Max:        n.Mem.BaseMax,
			Shares:     n.Mem.BaseShares,
			AutoMin:    n.MemAlloc.AutoMin,
			Locked:     c.Locked,
			WorkingSet: c.WorkingSet(),
		})
		byID[c.ID] = c
	}
	excludeNonResponsiveLocked(snap, clients)

	Balance(snap, m.managedPages, m.cfg.IdleTaxPercent)

	state := m.state.State()
	for _, s := range snap {
		c := byID[s.ID]
		_ = Commit(c, s.Target, s.Max, state, m.cfg, m.balloon, m.swap, now)
	}

	m.cycles.Inc()
}

// updateAdjustedMins implements the scaling half of spec.md §4.J
// "Non-responsive clients": once a client is marked non-responsive, its
// min is scaled down measured against the combined weight of its
// responsive peers, rather than against the whole group as BaseMin was
// originally sized for. A client weighs little against a heavy
// responsive cohort and shrinks close to zero, freeing room for
// Balance's step 5/6 passes to hand to them; with no responsive peers
// at all there is nothing to scale against, so AdjustedMin reverts to
// BaseMin (no special treatment). A client that recovers responsiveness
// has its AdjustedMin cleared the same cycle.
func updateAdjustedMins(clients []*Client, nodes map[string]*grouptree.Node) {
	var responsiveShares int64
	for _, c := range clients {
		if c.NonResponsive {
			continue
		}
		if n, ok := nodes[c.ID]; ok {
			responsiveShares += n.Mem.BaseShares
		}
	}
	for _, c := range clients {
		if !c.NonResponsive {
			c.AdjustedMin = 0
			continue
		}
		n, ok := nodes[c.ID]
		if !ok {
			continue
		}
		denom := n.Mem.BaseShares + responsiveShares
		if denom <= 0 {
			c.AdjustedMin = n.Mem.BaseMin
			continue
		}
		c.AdjustedMin = n.Mem.BaseMin * n.Mem.BaseShares / denom
	}
}

// excludeNonResponsiveLocked implements the other half of spec.md §4.J
// "Non-responsive clients": exclude a non-responsive client's locked
// pages from reclaimable/available memory recomputation by pinning its
// target floor at its current locked size, so the current period (not
// the next) already reflects the exclusion (this ordering is required
// for the "available never goes negative" invariant, recorded in
// DESIGN.md).
func excludeNonResponsiveLocked(snap []*ClientSnapshot, clients []*Client) {
	byID := make(map[string]*Client, len(clients))
	for _, c := range clients {
		byID[c.ID] = c
	}
	for _, s := range snap {
		if c := byID[s.ID]; c != nil && c.NonResponsive {
			s.Min = c.Locked
			s.Max = c.Locked
		}
	}
}
