package metrics

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusMetrics wraps the prometheus collectors for lunar metrics.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	executionsTotal   *prometheus.CounterVec
	executionDuration prometheus.Histogram
	capsulesLive      prometheus.Gauge
	executorsLive     prometheus.Gauge
}

// Default histogram buckets for execution duration (in milliseconds).
var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

var promMetrics atomic.Pointer[PrometheusMetrics]

// InitPrometheus initializes the Prometheus metrics subsystem. Without it,
// recording is a no-op and only the in-process counters are maintained.
func InitPrometheus(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &PrometheusMetrics{
		registry: registry,

		executionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Total number of script executions by outcome",
			},
			[]string{"status"},
		),

		executionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_ms",
				Help:      "Script execution duration in milliseconds",
				Buckets:   buckets,
			},
		),

		capsulesLive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "capsules_live",
				Help:      "Host objects currently referenced from inside a VM",
			},
		),

		executorsLive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "executors_live",
				Help:      "Executor instances currently open",
			},
		),
	}

	registry.MustRegister(
		pm.executionsTotal,
		pm.executionDuration,
		pm.capsulesLive,
		pm.executorsLive,
	)

	promMetrics.Store(pm)
}

// Handler returns the HTTP handler serving the Prometheus registry, or nil
// when InitPrometheus has not run.
func Handler() http.Handler {
	pm := promMetrics.Load()
	if pm == nil {
		return nil
	}
	return promhttp.HandlerFor(pm.registry, promhttp.HandlerOpts{})
}

func promRecordExecution(status string, d time.Duration) {
	if pm := promMetrics.Load(); pm != nil {
		pm.executionsTotal.WithLabelValues(status).Inc()
		pm.executionDuration.Observe(float64(d.Milliseconds()))
	}
}

func promCapsulesLive(delta float64) {
	if pm := promMetrics.Load(); pm != nil {
		pm.capsulesLive.Add(delta)
	}
}

func promExecutorsLive(delta float64) {
	if pm := promMetrics.Load(); pm != nil {
		pm.executorsLive.Add(delta)
	}
}
