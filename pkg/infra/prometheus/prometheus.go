package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var registry = prometheus.NewRegistry()

var registerer = prometheus.WrapRegistererWith(nil, registry)

var (
	// Every metric carries the owner label
	commonLabels = []string{"owner"}

	// Histogram buckets in milliseconds, from fast API responses up to
	// timeout territory
	latencyBuckets = []float64{
		5, 10, 25,
		50, 100, 250,
		500, 1000, 2500,
		5000, 10000, 30000,
	}

	RequestsTotal = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratefence_requests_total",
			Help: "Total number of outbound requests attempted",
		},
		append(commonLabels, "method", "status"),
	)

	RequestsBlocked = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratefence_requests_blocked_total",
			Help: "Requests refused locally because a limit had no headroom",
		},
		append(commonLabels, "limit"),
	)

	LimitExceeded = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratefence_limit_exceeded_total",
			Help: "Limits flagged as exceeded after a response",
		},
		append(commonLabels, "limit", "source"), // source is "response" or "threshold"
	)

	LimitUtilization = promauto.With(registerer).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ratefence_limit_utilization_ratio",
			Help: "Hits over allowed hits per limit, observed at the last check",
		},
		append(commonLabels, "limit"),
	)

	RequestLatency = promauto.With(registerer).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ratefence_request_latency_ms",
			Help:    "Outbound request latency in milliseconds",
			Buckets: latencyBuckets,
		},
		commonLabels,
	)

	StoreErrors = promauto.With(registerer).NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratefence_store_errors_total",
			Help: "Rate limit store operations that failed",
		},
		append(commonLabels, "op"), // op is "hydrate" or "commit"
	)
)

type MetricsConfig struct {
	EnableLatency     bool // Request latency histogram
	EnableUtilization bool // Per-limit utilization gauge (higher cardinality)
}

func DefaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		EnableLatency:     true,
		EnableUtilization: false, // Disabled by default (high cardinality)
	}
}

var Config MetricsConfig

func Initialize(cfg MetricsConfig) {
	Config = cfg
	registry.MustRegister(
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	prometheus.DefaultRegisterer = registry
	prometheus.DefaultGatherer = registry
}
