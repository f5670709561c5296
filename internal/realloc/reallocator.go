package realloc

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/grafana/vmsched/internal/cell"
	"github.com/grafana/vmsched/internal/errs"
	"github.com/grafana/vmsched/internal/grouptree"
	utillog "github.com/grafana/vmsched/pkg/util/log"
)

// Config holds the reallocator's runtime-mutable knobs.
type Config struct {
	Period         time.Duration `yaml:"period"`
	RootBaseShares int64         `yaml:"root_base_shares"`
}

func (c *Config) RegisterFlagsAndApplyDefaults(prefix string) {
	if c.Period <= 0 {
		c.Period = 100 * time.Millisecond
	}
	if c.RootBaseShares <= 0 {
		c.RootBaseShares = 1 << 20
	}
}

// Reallocator is the sole writer of base allocations (spec.md §4.H,
// §5: "The reallocator is the sole writer of base shares; multiple
// writers are prevented by a reallocInProgress flag"). It runs as a dskit
// service, grounded the same way internal/cosched.Sampler is: a ticker
// inside services.Service's running(ctx), following the teacher's
// BackendScheduler shape.
type Reallocator struct {
	services.Service

	cfg   Config
	tree  *grouptree.Tree
	cells *cell.Table

	inProgress atomic.Bool

	// reallocRequested is buffered 1: a pending on-demand request
	// coalesces with any other pending request, matching the "periodic
	// and on demand (reallocNeeded)" trigger in spec.md §4.H without
	// needing an unbounded channel.
	reallocRequested chan struct{}

	cycles     prometheus.Counter
	busyRetries prometheus.Counter
}

// New constructs a Reallocator over tree. cells is the cell table whose
// locks Reallocate must hold for the snapshot (spec.md §4.H step 1:
// "under all cell locks + tree lock"); it may be nil in tests that don't
// exercise per-cell state, in which case Reallocate skips the cell-lock
// step entirely.
func New(cfg Config, tree *grouptree.Tree, cells *cell.Table, reg prometheus.Registerer) *Reallocator {
	r := &Reallocator{
		cfg:              cfg,
		tree:             tree,
		cells:            cells,
		reallocRequested: make(chan struct{}, 1),
		cycles: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "vmsched",
			Name:      "reallocate_cycles_total",
			Help:      "Total number of reallocation cycles run.",
		}),
		busyRetries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "vmsched",
			Name:      "reallocate_busy_retries_total",
			Help:      "Total number of reallocation cycles that failed to commit due to a concurrent tree change.",
		}),
	}
	r.Service = services.NewBasicService(r.starting, r.running, r.stopping)
	return r
}

func (r *Reallocator) starting(_ context.Context) error { return nil }

func (r *Reallocator) stopping(_ error) error { return nil }

func (r *Reallocator) running(ctx context.Context) error {
	level.Info(utillog.Logger).Log("msg", "reallocator running", "period", r.cfg.Period)

	ticker := time.NewTicker(r.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.runCycle()
		case <-r.reallocRequested:
			r.runCycle()
		}
	}
}

// RequestRealloc marks the tree dirty for an on-demand reallocation
// (spec.md §4.H: "runs periodically and on demand (reallocNeeded)").
func (r *Reallocator) RequestRealloc() {
	select {
	case r.reallocRequested <- struct{}{}:
	default:
	}
}

func (r *Reallocator) runCycle() {
	if err := r.Reallocate(); err != nil {
		level.Warn(utillog.Logger).Log("msg", "reallocation cycle failed", "err", err)
	}
}

// Reallocate runs one full snapshot -> Balance -> commit cycle, returning
// ErrBusy if the tree changed underneath the snapshot (the caller may
// retry; runCycle leaves that to the next tick).
func (r *Reallocator) Reallocate() error {
	if !r.inProgress.CompareAndSwap(false, true) {
		return fmt.Errorf("reallocation already in progress: %w", errs.ErrBusy)
	}
	defer r.inProgress.Store(false)

	// spec.md §4.H step 1 requires the snapshot be taken under every cell
	// lock plus the tree lock, since base shares also gate per-cell
	// dispatch state: a cell mid-dispatch over a vsmp whose base is about
	// to move must not observe a torn read. Step 2 releases both before
	// the (lock-free) Balance pass runs.
	if r.cells != nil {
		unlockCells := r.cells.LockAll()
		r.tree.RLock()
		snap := Take(r.tree)
		r.tree.RUnlock()
		unlockCells()
		return r.balanceAndCommit(snap)
	}

	r.tree.RLock()
	snap := Take(r.tree)
	r.tree.RUnlock()
	return r.balanceAndCommit(snap)
}

// balanceAndCommit runs step 3 (Balance, unlocked) then reacquires every
// lock for step 4 (consistency check + commit), per spec.md §4.H.
func (r *Reallocator) balanceAndCommit(snap *Snapshot) error {
	Balance(snap, r.cfg.RootBaseShares)

	if r.cells != nil {
		unlockCells := r.cells.LockAll()
		defer unlockCells()
	}

	r.tree.Lock()
	defer r.tree.Unlock()

	if !stillConsistent(snap, r.tree) {
		r.busyRetries.Inc()
		return fmt.Errorf("tree changed during reallocation: %w", errs.ErrBusy)
	}

	commitLocked(snap, r.tree)
	r.cycles.Inc()
	return nil
}

// commitLocked writes snap's computed base values into the live tree.
// Callers must already hold the tree's write lock.
func commitLocked(snap *Snapshot, tree *grouptree.Tree) {
	tree.ForAllGroupsDo(func(n *grouptree.Node) {
		s, ok := snap.Nodes[n.ID]
		if !ok {
			return
		}
		n.CPU.Min = s.BaseMin
		n.CPU.Max = s.BaseMax
		n.CPU.EMin = s.BaseEMin
		n.CPU.EMax = s.BaseEMax
		n.CPU.Shares = s.BaseShares
		n.CPU.VsmpCount = s.VsmpCount
	})
}
