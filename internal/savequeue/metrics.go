package savequeue

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the scheduler's collectors. A nil *Metrics records nothing.
type Metrics struct {
	writes    *prometheus.CounterVec
	coalesced prometheus.Counter
	depth     prometheus.Gauge
	duration  prometheus.Histogram
}

// NewMetrics registers the scheduler collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		writes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "filesync_save_writes_total",
				Help: "Dispatched writes by outcome",
			},
			[]string{"outcome"},
		),
		coalesced: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "filesync_save_coalesced_total",
				Help: "Queued writes replaced by a newer edit before dispatch",
			},
		),
		depth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "filesync_save_queue_depth",
				Help: "Entries waiting for their quiet period or for dispatch",
			},
		),
		duration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "filesync_save_write_duration_seconds",
				Help:    "Time spent in the file service write call",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
}

func (m *Metrics) countWrite(o Outcome) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(string(o)).Inc()
}

func (m *Metrics) coalesce() {
	if m == nil {
		return
	}
	m.coalesced.Inc()
}

func (m *Metrics) setDepth(n int) {
	if m == nil {
		return
	}
	m.depth.Set(float64(n))
}

func (m *Metrics) observeDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.duration.Observe(d.Seconds())
}
