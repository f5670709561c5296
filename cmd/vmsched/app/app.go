// Package app wires every scheduler-core component into the vmsched
// binary, grounded on cmd/tempo/app/app.go's App{cfg, Server,
// ModuleManager, serviceMap, deps} shape. Tempo's App additionally owns
// rings, memberlist, multitenancy middleware, and per-tenant overrides --
// all sharding/multitenancy concerns with no analogue on a single host's
// scheduler core, so none of it is carried here (DESIGN.md: "Dropped
// teacher go.mod dependencies").
package app

import (
	"context"
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"
	"github.com/grafana/dskit/signals"

	"github.com/grafana/vmsched/internal/cell"
	"github.com/grafana/vmsched/internal/config"
	"github.com/grafana/vmsched/internal/cosched"
	"github.com/grafana/vmsched/internal/dispatch"
	"github.com/grafana/vmsched/internal/grouptree"
	"github.com/grafana/vmsched/internal/httpserver"
	"github.com/grafana/vmsched/internal/htquarantine"
	"github.com/grafana/vmsched/internal/memsched"
	"github.com/grafana/vmsched/internal/realloc"
	"github.com/grafana/vmsched/internal/runqueue"
	"github.com/grafana/vmsched/internal/timebase"
	"github.com/grafana/vmsched/internal/worldtable"
	utillog "github.com/grafana/vmsched/pkg/util/log"
)

// App is the root datastructure, the scheduler-core analogue of Tempo's
// App.
type App struct {
	cfg config.Config

	Server *httpserver.Server
	Clock  timebase.Clock

	Worlds       *worldtable.Table
	Cells        *cell.Table
	Tree         *grouptree.Tree
	Quarantine   *htquarantine.Quarantine
	Sampler      *cosched.Sampler
	Reallocator  *realloc.Reallocator
	MemClients   *memsched.Table
	MemPool      *memsched.WorkerPool
	MemScheduler *memsched.MemScheduler
	Dispatcher   *dispatch.Dispatcher

	ModuleManager *modules.Manager
	serviceMap    map[string]services.Service
	deps          map[string][]string
}

// New constructs an App from cfg. It does not start anything; Run does.
func New(cfg config.Config) (*App, error) {
	if cfg.ManagedPcpus <= 0 || cfg.CellSize <= 0 || cfg.ManagedPcpus%cfg.CellSize != 0 {
		return nil, fmt.Errorf("managed_pcpus (%d) must be a positive multiple of cell_size (%d)", cfg.ManagedPcpus, cfg.CellSize)
	}

	a := &App{
		cfg:    cfg,
		Server: httpserver.New(cfg.Server),
		Clock:  timebase.NewSystemClock(),
	}

	if err := a.setupModuleManager(); err != nil {
		return nil, fmt.Errorf("failed to setup module manager: %w", err)
	}

	return a, nil
}

func partitionCells(managedPcpus, cellSize int, m *runqueue.Metrics) []*cell.Cell {
	cells := make([]*cell.Cell, 0, managedPcpus/cellSize)
	for id := 0; id*cellSize < managedPcpus; id++ {
		pcpuIDs := make([]int, 0, cellSize)
		for p := id * cellSize; p < (id+1)*cellSize && p < managedPcpus; p++ {
			pcpuIDs = append(pcpuIDs, p)
		}
		cells = append(cells, cell.New(id, pcpuIDs, m))
	}
	return cells
}

// Run starts every module for cfg.Target and blocks until a signal or
// service failure stops the manager, following
// cmd/tempo/app/app.go's Run exactly (service manager + listener +
// signal handler), minus the gRPC health service and ring machinery
// Tempo's Run also wires.
func (a *App) Run() error {
	if !a.ModuleManager.IsUserVisibleModule(a.cfg.Target) {
		level.Warn(utillog.Logger).Log("msg", "selected target is an internal module, is this intended?", "target", a.cfg.Target)
	}

	serviceMap, err := a.ModuleManager.InitModuleServices(a.cfg.Target)
	if err != nil {
		return fmt.Errorf("failed to init module services: %w", err)
	}
	a.serviceMap = serviceMap

	var servs []services.Service
	for _, s := range serviceMap {
		servs = append(servs, s)
	}

	sm, err := services.NewManager(servs...)
	if err != nil {
		return fmt.Errorf("failed to start service manager: %w", err)
	}

	a.registerAdminHandlers(sm)

	healthy := func() { level.Info(utillog.Logger).Log("msg", "vmsched started") }
	stopped := func() { level.Info(utillog.Logger).Log("msg", "vmsched stopped") }
	serviceFailed := func(service services.Service) {
		sm.StopAsync()
		for m, s := range serviceMap {
			if s == service {
				level.Error(utillog.Logger).Log("msg", "module failed", "module", m, "err", service.FailureCase())
				return
			}
		}
		level.Error(utillog.Logger).Log("msg", "module failed", "module", "unknown", "err", service.FailureCase())
	}
	sm.AddListener(services.NewManagerListener(healthy, stopped, serviceFailed))

	handler := signals.NewHandler(utillog.Logger)
	go func() {
		handler.Loop()
		sm.StopAsync()
	}()

	if err := sm.StartAsync(context.Background()); err != nil {
		return fmt.Errorf("failed to start service manager: %w", err)
	}

	return sm.AwaitStopped(context.Background())
}
