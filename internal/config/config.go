// Package config aggregates every component's Config into the single root
// Config the vmsched binary loads, the same flat yaml-tag aggregation
// cmd/tempo/app/config.go uses for Tempo's much larger module set.
package config

import (
	"flag"
	"fmt"

	"github.com/grafana/vmsched/internal/cosched"
	"github.com/grafana/vmsched/internal/dispatch"
	"github.com/grafana/vmsched/internal/httpserver"
	"github.com/grafana/vmsched/internal/htquarantine"
	"github.com/grafana/vmsched/internal/memsched"
	"github.com/grafana/vmsched/internal/realloc"
	"github.com/grafana/vmsched/internal/timebase"
	utillog "github.com/grafana/vmsched/pkg/util/log"
)

// Target names the module the binary runs as. Single-binary is the only
// target this scheduler ships (spec.md describes one host's scheduler
// core, not a distributed fleet), but the field and constant are kept in
// the teacher's shape since cmd/vmsched/app's module manager dispatches
// on it the same way cmd/tempo/app's does.
const SingleBinary = "all"

// Config is the root config for the vmsched binary.
type Config struct {
	Target        string        `yaml:"target,omitempty"`
	HTTPAPIPrefix string        `yaml:"http_api_prefix,omitempty"`
	LogLevel      utillog.Level `yaml:"log_level,omitempty"`

	// ManagedPcpus is the number of pcpus the host exposes to the
	// scheduler (spec.md §3 "pcpu"); cells partition this set.
	ManagedPcpus int `yaml:"managed_pcpus"`
	// CellSize is how many pcpus each cell.Cell owns (spec.md §4.G); must
	// divide ManagedPcpus evenly and be a multiple of the HT package size.
	CellSize int `yaml:"cell_size"`

	// ManagedMemoryPages is the host's total memory under scheduler
	// control, in pages (spec.md §3 "Memory scheduler").
	ManagedMemoryPages int64 `yaml:"managed_memory_pages"`
	// RootCPUShares and RootMemShares seed grouptree.New's root node.
	RootCPUShares int64 `yaml:"root_cpu_shares"`
	RootMemShares int64 `yaml:"root_mem_shares"`

	Server       httpserver.Config   `yaml:"server,omitempty"`
	Cosched      cosched.Config      `yaml:"cosched,omitempty"`
	Realloc      realloc.Config      `yaml:"realloc,omitempty"`
	HTQuarantine htquarantine.Config `yaml:"ht_quarantine,omitempty"`
	Dispatch     dispatch.Config     `yaml:"dispatch,omitempty"`

	MemSched           memsched.Config           `yaml:"mem_sched,omitempty"`
	MemSchedWorkerPool memsched.WorkerPoolConfig `yaml:"mem_sched_workers,omitempty"`
}

// NewDefaultConfig returns a Config with every default applied, the same
// "register into a throwaway FlagSet" idiom app.NewDefaultConfig uses to
// answer /status/config?mode=defaults without a live flag.CommandLine.
func NewDefaultConfig() *Config {
	c := &Config{}
	fs := flag.NewFlagSet("", flag.PanicOnError)
	c.RegisterFlagsAndApplyDefaults("", fs)
	return c
}

// RegisterFlagsAndApplyDefaults registers every component's flags under
// prefix and applies defaults, delegating to each sub-config the way
// app.Config.RegisterFlagsAndApplyDefaults delegates to Distributor,
// Ingester, and the rest.
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	c.Target = SingleBinary
	f.StringVar(&c.Target, "target", SingleBinary, "target module")
	f.StringVar(&c.HTTPAPIPrefix, "http-api-prefix", "", "string prefix for all http api endpoints")
	f.Var(&c.LogLevel, "log.level", "Only log messages with the given severity or above. Valid levels: [debug, info, warn, error]")

	if c.ManagedPcpus <= 0 {
		c.ManagedPcpus = 8
	}
	f.IntVar(&c.ManagedPcpus, "managed-pcpus", c.ManagedPcpus, "number of pcpus under scheduler control")
	if c.CellSize <= 0 {
		c.CellSize = 2
	}
	f.IntVar(&c.CellSize, "cell-size", c.CellSize, "pcpus per scheduler cell; must divide managed-pcpus evenly")

	if c.ManagedMemoryPages <= 0 {
		c.ManagedMemoryPages = 1 << 22 // 16GiB at 4KiB pages
	}
	f.Int64Var(&c.ManagedMemoryPages, "managed-memory-pages", c.ManagedMemoryPages, "host memory under scheduler control, in pages")
	if c.RootCPUShares <= 0 {
		c.RootCPUShares = 1 << 20
	}
	if c.RootMemShares <= 0 {
		c.RootMemShares = 1 << 20
	}

	c.Server.RegisterFlagsAndApplyDefaults(prefix, f)
	c.Cosched.RegisterFlagsAndApplyDefaults(prefix)
	c.Realloc.RegisterFlagsAndApplyDefaults(prefix)
	// htquarantine's sample budget is expressed in cycles, not wall time,
	// so it needs the same TCToVtime-adjacent conversion the dispatcher
	// uses elsewhere: ~1ms of SystemClock's nanosecond-denominated Cycles.
	c.HTQuarantine.RegisterFlagsAndApplyDefaults(timebase.Cycles(1_000_000))
	c.Dispatch.RegisterFlagsAndApplyDefaults()
	c.MemSched.RegisterFlagsAndApplyDefaults()
	c.MemSchedWorkerPool.RegisterFlagsAndApplyDefaults()
}

// CheckConfig validates values RegisterFlagsAndApplyDefaults can't fully
// cover on its own (cross-field invariants), returning accumulated
// warnings the way app.Config.CheckConfig does for Tempo.
func (c *Config) CheckConfig() []ConfigWarning {
	var warnings []ConfigWarning

	if c.CellSize <= 0 || c.ManagedPcpus%c.CellSize != 0 {
		warnings = append(warnings, ConfigWarning{
			Message: fmt.Sprintf("cell_size (%d) does not evenly divide managed_pcpus (%d)", c.CellSize, c.ManagedPcpus),
			Explain: "every cell must own an equal, whole share of the host's pcpus",
		})
	}

	if c.MemSched.NonResponsiveWindow <= 0 {
		warnings = append(warnings, ConfigWarning{
			Message: "mem_sched.mem_non_responsive_window_cycles is zero",
			Explain: "a client would be marked non-responsive on its very first missed swap ack",
		})
	}

	if c.MemSchedWorkerPool.MaxWorkers <= 0 {
		warnings = append(warnings, ConfigWarning{
			Message: "mem_sched_workers.max_workers is zero",
			Explain: "the memory scheduler would never sample or commit any client",
		})
	}

	if float64(c.RootMemShares) <= 0 {
		warnings = append(warnings, ConfigWarning{
			Message: "root_mem_shares is zero",
			Explain: "every group's memory base allocation is proportional to this",
		})
	}

	return warnings
}

// ConfigWarning bundles a message and explanation, mirroring
// cmd/tempo/app/config.go's ConfigWarning.
type ConfigWarning struct {
	Message string
	Explain string
}
