package api

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"bookcache/datastore"
)

// Metrics holds the server's prometheus collectors. Each server owns
// its registry, so several instances can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	RequestsTotal   prometheus.Counter
	RequestDuration prometheus.Histogram
	ActiveRequests  prometheus.Gauge
	ErrorsTotal     prometheus.Counter
	StoreOperations *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		RequestsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "bookcache_api_requests_total",
			Help: "Total HTTP requests served.",
		}),
		RequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name: "bookcache_api_request_duration_seconds",
			Help: "HTTP request duration.",
		}),
		ActiveRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "bookcache_api_active_requests",
			Help: "Requests currently in flight.",
		}),
		ErrorsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "bookcache_api_errors_total",
			Help: "Total error responses sent.",
		}),
		StoreOperations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "bookcache_store_operations_total",
			Help: "Committed datastore mutations by type.",
		}, []string{"operation"}),
	}
}

// Observe returns an event handler that counts committed datastore
// mutations, for subscription under the server's id.
func (m *Metrics) Observe() datastore.EventHandler {
	return func(evt datastore.Event) {
		m.StoreOperations.WithLabelValues(evt.Type.String()).Inc()
	}
}
