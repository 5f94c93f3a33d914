package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the hub's Prometheus metrics.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "localstore").
	Namespace string

	// Subsystem is the metrics subsystem (default: "hub").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for request duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry receives the metrics and backs the /metrics endpoint.
	// Default: a new registry per server.
	Registry *prometheus.Registry
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "localstore",
		Subsystem: "hub",
		Buckets:   prometheus.DefBuckets,
	}
}

type metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	writesTotal     prometheus.Counter
	eventsBroadcast prometheus.Counter
	watchers        prometheus.Gauge
	storageErrors   *prometheus.CounterVec
}

func newMetrics(config MetricsConfig) *metrics {
	factory := promauto.With(config.Registry)

	return &metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "requests_total",
			Help:        "Total number of hub requests by route and status code",
			ConstLabels: config.ConstLabels,
		}, []string{"route", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "request_duration_seconds",
			Help:        "Hub request duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"route"}),

		writesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "writes_total",
			Help:        "Total number of entry writes stored",
			ConstLabels: config.ConstLabels,
		}),

		eventsBroadcast: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "events_broadcast_total",
			Help:        "Total number of change frames queued to watchers",
			ConstLabels: config.ConstLabels,
		}),

		watchers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "watchers",
			Help:        "Number of connected watch streams",
			ConstLabels: config.ConstLabels,
		}),

		storageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "storage_errors_total",
			Help:        "Total storage backend failures by operation",
			ConstLabels: config.ConstLabels,
		}, []string{"op"}),
	}
}
