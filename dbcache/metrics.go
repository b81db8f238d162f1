package dbcache

import (
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
)

type cacheMetrics struct {
	requests        *prometheus.CounterVec
	circuitState    prometheus.Gauge
	circuitRejected prometheus.Counter
}

func newCacheMetrics(reg prometheus.Registerer) *cacheMetrics {
	return &cacheMetrics{
		requests: register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dbcache",
			Subsystem: "cache",
			Name:      "requests_total",
			Help:      "Cache operations by outcome",
		}, []string{"op", "result"})),
		circuitState: register(reg, prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dbcache",
			Subsystem: "store",
			Name:      "circuit_state",
			Help:      "Store write circuit breaker state: 0 closed, 1 half-open, 2 open",
		})),
		circuitRejected: register(reg, prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dbcache",
			Subsystem: "store",
			Name:      "circuit_rejected_total",
			Help:      "Store writes dropped without an attempt because the circuit was open",
		})),
	}
}

// register adds c to reg, reusing the collector a previous Cache registered.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if reg == nil {
		return c
	}
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
		panic(err)
	}
	return c
}
