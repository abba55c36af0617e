package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "monitor"

// Metrics holds pipeline counters registered on one registry.
type Metrics struct {
	reported    *prometheus.CounterVec
	evicted     prometheus.Counter
	flushes     *prometheus.CounterVec
	delivered   prometheus.Counter
	filtered    prometheus.Counter
	merged      prometheus.Counter
	queueLength prometheus.GaugeFunc
	flushTime   prometheus.Histogram
}

// NewMetrics creates and registers pipeline metrics.
// Params: reg target registry (nil skips registration); queueLen reports current queue length.
// Returns: metrics set or registration error.
func NewMetrics(reg prometheus.Registerer, queueLen func() int) (*Metrics, error) {
	m := &Metrics{
		reported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_reported_total",
			Help:      "Reported events by enqueue status.",
		}, []string{"status"}),
		evicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_evicted_total",
			Help:      "Events dropped from the queue head by the size bound.",
		}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "flushes_total",
			Help:      "Flush attempts by result.",
		}, []string{"result"}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_delivered_total",
			Help:      "Events transmitted in accepted batches.",
		}),
		filtered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_filtered_total",
			Help:      "Events dropped by custom transforms.",
		}),
		merged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "events_merged_total",
			Help:      "Error events absorbed into similarity group representatives.",
		}),
		queueLength: prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "queue_length",
			Help:      "Events currently awaiting delivery.",
		}, func() float64 {
			if queueLen == nil {
				return 0
			}
			return float64(queueLen())
		}),
		flushTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "flush_duration_seconds",
			Help:      "Duration of flushes that reached the transport.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	if reg == nil {
		return m, nil
	}
	for _, collector := range []prometheus.Collector{
		m.reported, m.evicted, m.flushes, m.delivered, m.filtered, m.merged, m.queueLength, m.flushTime,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return m, nil
}
