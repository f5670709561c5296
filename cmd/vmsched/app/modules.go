package app

import (
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/modules"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/grafana/vmsched/internal/cell"
	"github.com/grafana/vmsched/internal/cosched"
	"github.com/grafana/vmsched/internal/dispatch"
	"github.com/grafana/vmsched/internal/grouptree"
	"github.com/grafana/vmsched/internal/htquarantine"
	"github.com/grafana/vmsched/internal/memsched"
	"github.com/grafana/vmsched/internal/realloc"
	"github.com/grafana/vmsched/internal/runqueue"
	"github.com/grafana/vmsched/internal/worldtable"
	utillog "github.com/grafana/vmsched/pkg/util/log"
)

// The modules that make up vmsched, grounded on cmd/tempo/app/modules.go's
// module-name-constants-plus-deps-map shape. Tempo's module set (rings,
// memberlist, distributor/ingester/compactor/querier/frontend) is a
// distributed trace pipeline; a single host's scheduler core has no
// sharding or ingest stages, so the set below is 8 scheduler-core modules
// plus the admin HTTP server.
const (
	Server       string = "server"
	WorldTable   string = "world-table"
	Cells        string = "cells"
	GroupTree    string = "group-tree"
	HTQuarantine string = "ht-quarantine"
	Cosched      string = "cosched"
	Realloc      string = "realloc"
	MemScheduler string = "mem-scheduler"
	Dispatcher   string = "dispatcher"

	// SingleBinary runs every module in one process, the only target
	// this scheduler ships (spec.md describes one host's scheduler core).
	SingleBinary string = "all"
)

func (a *App) initServer() (services.Service, error) {
	servicesToWaitFor := func() []services.Service {
		var svs []services.Service
		for m, s := range a.serviceMap {
			if m != Server {
				svs = append(svs, s)
			}
		}
		return svs
	}
	return a.Server.NewService(servicesToWaitFor), nil
}

func (a *App) initWorldTable() (services.Service, error) {
	a.Worlds = worldtable.New()
	return services.NewIdleService(nil, nil), nil
}

func (a *App) initCells() (services.Service, error) {
	m := runqueue.NewMetrics(prometheus.DefaultRegisterer)
	cells := partitionCells(a.cfg.ManagedPcpus, a.cfg.CellSize, m)
	a.Cells = cell.NewTable(cells)
	return services.NewIdleService(nil, nil), nil
}

func (a *App) initGroupTree() (services.Service, error) {
	a.Tree = grouptree.New(a.cfg.RootCPUShares, a.cfg.RootMemShares)
	return services.NewIdleService(nil, nil), nil
}

func (a *App) initHTQuarantine() (services.Service, error) {
	a.Quarantine = htquarantine.New(a.cfg.HTQuarantine)
	return services.NewIdleService(nil, nil), nil
}

func (a *App) initCosched() (services.Service, error) {
	sampler := cosched.NewSampler(a.cfg.Cosched, a.Worlds)
	sampler.Deschedule = func(vsmpID string) {
		vsmp, err := a.Worlds.GetVsmp(vsmpID)
		if err != nil {
			return
		}
		if !vsmp.CanEnterCoStop() {
			return
		}
		if err := vsmp.EnterCoStop(); err != nil {
			level.Warn(utillog.Logger).Log("msg", "cosched: EnterCoStop failed", "vsmp", vsmpID, "err", err)
		}
	}
	a.Sampler = sampler
	return sampler, nil
}

func (a *App) initRealloc() (services.Service, error) {
	a.Reallocator = realloc.New(a.cfg.Realloc, a.Tree, a.Cells, prometheus.DefaultRegisterer)
	return a.Reallocator, nil
}

func (a *App) initMemScheduler() (services.Service, error) {
	a.MemClients = memsched.NewTable()
	a.MemPool = memsched.NewWorkerPool(a.cfg.MemSchedWorkerPool, prometheus.DefaultRegisterer)
	a.MemScheduler = memsched.New(
		a.cfg.MemSched,
		a.cfg.ManagedMemoryPages,
		a.MemClients,
		a.Tree,
		fakeWorkingSetSampler{},
		fakeBalloonDriver{},
		fakeSwapDriver{enabled: true},
		a.Clock,
		a.MemPool,
		prometheus.DefaultRegisterer,
	)
	return a.MemScheduler, nil
}

func (a *App) initDispatcher() (services.Service, error) {
	m := dispatch.NewMetrics(prometheus.DefaultRegisterer)
	a.Dispatcher = dispatch.New(a.Cells, a.Tree, a.Worlds, a.Quarantine, a.Clock, a.cfg.Dispatch, nil, m)
	return services.NewIdleService(nil, nil), nil
}

func (a *App) setupModuleManager() error {
	mm := modules.NewManager(utillog.Logger)

	mm.RegisterModule(Server, a.initServer, modules.UserInvisibleModule)
	mm.RegisterModule(WorldTable, a.initWorldTable, modules.UserInvisibleModule)
	mm.RegisterModule(Cells, a.initCells, modules.UserInvisibleModule)
	mm.RegisterModule(GroupTree, a.initGroupTree, modules.UserInvisibleModule)
	mm.RegisterModule(HTQuarantine, a.initHTQuarantine, modules.UserInvisibleModule)
	mm.RegisterModule(Cosched, a.initCosched, modules.UserInvisibleModule)
	mm.RegisterModule(Realloc, a.initRealloc, modules.UserInvisibleModule)
	mm.RegisterModule(MemScheduler, a.initMemScheduler, modules.UserInvisibleModule)
	mm.RegisterModule(Dispatcher, a.initDispatcher, modules.UserInvisibleModule)

	mm.RegisterModule(SingleBinary, nil)

	deps := map[string][]string{
		Cosched:      {WorldTable},
		Realloc:      {GroupTree, Cells},
		MemScheduler: {GroupTree},
		Dispatcher:   {Cells, GroupTree, WorldTable, HTQuarantine, Cosched},

		SingleBinary: {Server, Realloc, MemScheduler, Dispatcher},
	}

	for mod, targets := range deps {
		if err := mm.AddDependency(mod, targets...); err != nil {
			return err
		}
	}

	a.ModuleManager = mm
	a.deps = deps

	return nil
}

func (a *App) isModuleActive(m string) bool {
	if a.cfg.Target == m {
		return true
	}
	return a.recursiveIsModuleActive(a.cfg.Target, m)
}

func (a *App) recursiveIsModuleActive(target, m string) bool {
	targetDeps, ok := a.deps[target]
	if !ok {
		return false
	}
	for _, dep := range targetDeps {
		if dep == m {
			return true
		}
		if a.recursiveIsModuleActive(dep, m) {
			return true
		}
	}
	return false
}
