package syncengine

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	resultSynced = "synced"
	resultFailed = "failed"
)

// Metrics exposes sync engine counters. A nil *Metrics records nothing.
type Metrics struct {
	items        *prometheus.CounterVec
	passDuration prometheus.Histogram
	queueDepth   *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	return &Metrics{
		items: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shule_sync_items_total",
				Help: "Queue items pushed to the remote store by table and result",
			},
			[]string{"table", "result"}, // synced|failed
		),
		passDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shule_sync_pass_duration_seconds",
			Help:    "Duration of sync passes",
			Buckets: prometheus.DefBuckets,
		}),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "shule_sync_queue_depth",
				Help: "Pending queue items by table",
			},
			[]string{"table"},
		),
	}
}

func (m *Metrics) MustRegister(r prometheus.Registerer) {
	r.MustRegister(m.items, m.passDuration, m.queueDepth)
}

func (m *Metrics) itemSynced(table string) {
	if m != nil {
		m.items.WithLabelValues(table, resultSynced).Inc()
	}
}

func (m *Metrics) itemFailed(table string) {
	if m != nil {
		m.items.WithLabelValues(table, resultFailed).Inc()
	}
}

func (m *Metrics) passDone(d time.Duration) {
	if m != nil {
		m.passDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) setQueueDepth(depths map[string]int) {
	if m == nil {
		return
	}
	m.queueDepth.Reset()
	for table, n := range depths {
		m.queueDepth.WithLabelValues(table).Set(float64(n))
	}
}
