package cosched

import (
	"context"
	"time"

	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"

	"github.com/grafana/vmsched/internal/vcpu"
	"github.com/grafana/vmsched/internal/worldtable"
	utillog "github.com/grafana/vmsched/pkg/util/log"
)

// Config holds the skew sampler's runtime-mutable knobs (spec.md §6:
// CpuSkewSampleUsec, CpuSkewSampleThreshold, CpuIntraskewThreshold,
// CpuRelaxedCosched).
type Config struct {
	SkewSampleUsec      int  `yaml:"skew_sample_usec"`
	SkewSampleThreshold int  `yaml:"skew_sample_threshold"`
	IntraskewThreshold  int  `yaml:"intraskew_threshold"`
	RelaxedCosched      bool `yaml:"relaxed_cosched"`
}

// RegisterFlagsAndApplyDefaults sets the sampler's defaults (spec.md §4.F:
// "≈50 µs default").
func (c *Config) RegisterFlagsAndApplyDefaults(prefix string) {
	if c.SkewSampleUsec == 0 {
		c.SkewSampleUsec = 50
	}
}

// Sampler runs the periodic skew sampler as a dskit service, mirroring the
// teacher's BackendScheduler{services.Service, ticker-driven running loop}
// shape (modules/backendscheduler/backendscheduler.go), generalized from a
// tenant-prioritization ticker to a skew-accounting ticker.
type Sampler struct {
	services.Service

	cfg   Config
	table *worldtable.Table

	// Deschedule handles a vsmp that skews out and may deschedule; it is
	// injected to avoid an import cycle. cmd/vmsched/app's initCosched sets
	// it to run EnterCoStop on the vsmp. Nothing in this package calls it
	// (see sampleOnce).
	Deschedule func(vsmpID string)

	lastSample time.Time
}

// NewSampler constructs a Sampler over table.
func NewSampler(cfg Config, table *worldtable.Table) *Sampler {
	s := &Sampler{cfg: cfg, table: table}
	s.Service = services.NewBasicService(s.starting, s.running, s.stopping)
	return s
}

func (s *Sampler) starting(_ context.Context) error { return nil }

func (s *Sampler) running(ctx context.Context) error {
	level.Info(utillog.Logger).Log("msg", "skew sampler running", "period_usec", s.cfg.SkewSampleUsec)

	period := time.Duration(s.cfg.SkewSampleUsec) * time.Microsecond
	if period <= 0 {
		period = 50 * time.Microsecond
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.sampleOnce(now)
		}
	}
}

func (s *Sampler) stopping(_ error) error { return nil }

// minSampleInterval prevents oversampling on large SMPs (spec.md §4.F: "A
// per-sample minimum interval prevents oversampling on large SMPs").
const minSampleInterval = 10 * time.Microsecond

func (s *Sampler) sampleOnce(now time.Time) {
	if !s.lastSample.IsZero() && now.Sub(s.lastSample) < minSampleInterval {
		return
	}
	s.lastSample = now

	// Only the rate limit and the sample time are recorded here: no vsmp is
	// sampled, SampleVsmp is not called, and Deschedule is never invoked.
}

// SampleVsmp updates IntraSkew for every vcpu of vsmpID and returns the
// vsmp's new skew sum, implementing spec.md §4.F's per-vcpu accounting:
// "+2 when that vcpu is neither RUN nor WAIT_IDLE, +1 for a half-package
// penalty on HT, and decremented (not below zero) when running fine."
func SampleVsmp(table *worldtable.Table, vsmpID string, halfPackage map[string]bool) (int, error) {
	sum := 0
	err := table.ForEachVcpuInVsmp(vsmpID, func(v *vcpu.Vcpu) {
		runningFine := v.RunState == vcpu.StateRun && !halfPackage[v.ID]
		switch {
		case runningFine:
			if v.IntraSkew > 0 {
				v.IntraSkew--
			}
		case v.RunState != vcpu.StateRun && v.WaitState != vcpu.WaitIdle:
			v.IntraSkew += 2
		case halfPackage[v.ID]:
			v.IntraSkew++
		}
		sum += v.IntraSkew
	})
	return sum, err
}
