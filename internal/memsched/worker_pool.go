package memsched

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/atomic"

	"github.com/grafana/vmsched/internal/errs"
)

// JobFunc samples or commits one client, run concurrently across the
// worker pool. Generalized from the teacher's friggdb/pool.JobFunc(payload
// interface{}) (proto.Message, error) -- this scheduler has no RPC result
// to gather back, only a per-client error.
type JobFunc func(c *Client) error

type job struct {
	client *Client
	fn     JobFunc
	wg     *sync.WaitGroup
	errs   chan error
}

// WorkerPool runs per-client memsched work (working-set sampling, target
// commit) concurrently across a fixed worker count, the same
// channel-backed shape as friggdb/pool.Pool.
type WorkerPool struct {
	cfg  WorkerPoolConfig
	size *atomic.Int32

	workQueue chan *job

	queueLen prometheus.Gauge
	queueMax prometheus.Gauge
}

// WorkerPoolConfig mirrors friggdb/pool.Config's flat shape.
type WorkerPoolConfig struct {
	MaxWorkers int `yaml:"max_workers"`
	QueueDepth int `yaml:"queue_depth"`
}

// RegisterFlagsAndApplyDefaults applies the documented defaults.
func (c *WorkerPoolConfig) RegisterFlagsAndApplyDefaults() {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 8
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 1024
	}
}

// NewWorkerPool starts cfg.MaxWorkers goroutines draining a shared job
// queue of depth cfg.QueueDepth.
func NewWorkerPool(cfg WorkerPoolConfig, reg prometheus.Registerer) *WorkerPool {
	cfg.RegisterFlagsAndApplyDefaults()

	p := &WorkerPool{
		cfg:       cfg,
		size:      atomic.NewInt32(0),
		workQueue: make(chan *job, cfg.QueueDepth),
		queueLen: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "vmsched",
			Name:      "mem_worker_queue_length",
			Help:      "Current length of the memory scheduler's per-client work queue.",
		}),
		queueMax: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "vmsched",
			Name:      "mem_worker_queue_max",
			Help:      "Configured maximum depth of the memory scheduler's per-client work queue.",
		}),
	}
	p.queueMax.Set(float64(cfg.QueueDepth))

	for i := 0; i < cfg.MaxWorkers; i++ {
		go p.worker()
	}
	return p
}

// RunAll runs fn against every client in clients, waiting for all of them
// to complete, and returns the first error encountered (if any).
func (p *WorkerPool) RunAll(clients []*Client, fn JobFunc) error {
	if int(p.size.Load())+len(clients) > p.cfg.QueueDepth {
		return fmt.Errorf("memsched worker pool has no room for %d jobs: %w", len(clients), errs.ErrBusy)
	}

	wg := &sync.WaitGroup{}
	errCh := make(chan error, len(clients))
	wg.Add(len(clients))

	for _, c := range clients {
		j := &job{client: c, fn: fn, wg: wg, errs: errCh}
		select {
		case p.workQueue <- j:
			p.size.Inc()
			p.queueLen.Set(float64(p.size.Load()))
		default:
			wg.Done()
			return fmt.Errorf("memsched worker pool queue full: %w", errs.ErrBusy)
		}
	}

	wg.Wait()
	close(errCh)

	var first error
	for err := range errCh {
		if first == nil {
			first = err
		}
	}
	return first
}

func (p *WorkerPool) worker() {
	for j := range p.workQueue {
		p.size.Dec()
		p.queueLen.Set(float64(p.size.Load()))

		if err := j.fn(j.client); err != nil {
			j.errs <- err
		}
		j.wg.Done()
	}
}

// Shutdown stops accepting new work; in-flight jobs finish normally.
func (p *WorkerPool) Shutdown() {
	close(p.workQueue)
}
