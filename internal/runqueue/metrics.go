package runqueue

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is shared across every pcpu's PcpuQueues, mirroring the teacher's
// NewRequestQueue(maxLen, gaugeVec, discardedCounterVec) constructor shape
// (pkg/scheduler/queue), with "user" relabeled to "pcpu"/"queue".
type Metrics struct {
	queueLength *prometheus.GaugeVec
}

// NewMetrics registers the run-queue length gauge under reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		queueLength: promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "vmsched",
			Name:      "runqueue_length",
			Help:      "Current number of vcpus queued per pcpu and queue kind.",
		}, []string{"pcpu", "queue"}),
	}
}

func (m *Metrics) setLen(pcpuID int, which Queue, n int) {
	m.queueLength.WithLabelValues(strconv.Itoa(pcpuID), which.String()).Set(float64(n))
}
