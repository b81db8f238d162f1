package queue

import (
	"github.com/prometheus/client_golang/prometheus"
)

type collectors struct {
	enqueued      *prometheus.CounterVec
	deduplicated  *prometheus.CounterVec
	flushedItems  *prometheus.CounterVec
	failedItems   *prometheus.CounterVec
	flushes       *prometheus.CounterVec
	depth         *prometheus.GaugeVec
	flushDuration *prometheus.HistogramVec
}

func newCollectors(reg prometheus.Registerer) *collectors {
	c := &collectors{
		enqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbcache",
			Subsystem: "queue",
			Name:      "enqueued_total",
			Help:      "Items admitted into the queue",
		}, []string{"queue"}),
		deduplicated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbcache",
			Subsystem: "queue",
			Name:      "deduplicated_total",
			Help:      "Enqueue calls ignored because an equal item was already queued",
		}, []string{"queue"}),
		flushedItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbcache",
			Subsystem: "queue",
			Name:      "flushed_items_total",
			Help:      "Items handed to the handler by a flush",
		}, []string{"queue"}),
		failedItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbcache",
			Subsystem: "queue",
			Name:      "failed_items_total",
			Help:      "Items whose handler failed and were dropped",
		}, []string{"queue"}),
		flushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbcache",
			Subsystem: "queue",
			Name:      "flushes_total",
			Help:      "Flushes by trigger",
		}, []string{"queue", "reason"}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "dbcache",
			Subsystem: "queue",
			Name:      "depth",
			Help:      "Items waiting in the queue, excluding the staged batch",
		}, []string{"queue"}),
		flushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "dbcache",
			Subsystem: "queue",
			Name:      "flush_duration_seconds",
			Help:      "Time spent applying one staged batch",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"queue"}),
	}
	c.enqueued = register(reg, c.enqueued)
	c.deduplicated = register(reg, c.deduplicated)
	c.flushedItems = register(reg, c.flushedItems)
	c.failedItems = register(reg, c.failedItems)
	c.flushes = register(reg, c.flushes)
	c.depth = register(reg, c.depth)
	c.flushDuration = register(reg, c.flushDuration)
	return c
}

// register adds c to reg, returning the already registered collector when
// another queue on the same registry got there first.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}

type queueMetrics struct {
	name          string
	enqueued      prometheus.Counter
	deduplicated  prometheus.Counter
	flushedItems  prometheus.Counter
	failedItems   prometheus.Counter
	depth         prometheus.Gauge
	flushDuration prometheus.Observer
	flushes       *prometheus.CounterVec
}

func newQueueMetrics(reg prometheus.Registerer, name string) *queueMetrics {
	c := newCollectors(reg)
	return &queueMetrics{
		name:          name,
		enqueued:      c.enqueued.WithLabelValues(name),
		deduplicated:  c.deduplicated.WithLabelValues(name),
		flushedItems:  c.flushedItems.WithLabelValues(name),
		failedItems:   c.failedItems.WithLabelValues(name),
		depth:         c.depth.WithLabelValues(name),
		flushDuration: c.flushDuration.WithLabelValues(name),
		flushes:       c.flushes,
	}
}

func (m *queueMetrics) flushed(reason FlushReason) {
	m.flushes.WithLabelValues(m.name, string(reason)).Inc()
}
