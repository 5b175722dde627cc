package monitoring

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/yanolja/relay/failure"
)

// PrometheusConfig represents Prometheus configuration
type PrometheusConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Path      string `yaml:"path"`
	Namespace string `yaml:"namespace"`
	Subsystem string `yaml:"subsystem"`
}

// PrometheusMonitor records gateway events as Prometheus metrics on its own
// registry.
type PrometheusMonitor struct {
	config   PrometheusConfig
	registry *prometheus.Registry
	logger   *zap.SugaredLogger

	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	cacheLookups    *prometheus.CounterVec
}

func NewPrometheusMonitor(config PrometheusConfig, logger *zap.SugaredLogger) (*PrometheusMonitor, error) {
	if config.Namespace == "" {
		config.Namespace = "relay"
	}
	if config.Path == "" {
		config.Path = "/metrics"
	}

	p := &PrometheusMonitor{
		config:   config,
		registry: prometheus.NewRegistry(),
		logger:   logger,
	}

	p.attemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "provider_attempts_total",
			Help:      "Provider invocations by outcome",
		},
		[]string{"provider", "model", "status", "error_kind"},
	)
	p.attemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "provider_attempt_duration_seconds",
			Help:      "Provider invocation latency in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "status"},
	)
	p.requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "requests_total",
			Help:      "Processed inputs by how they were served",
		},
		[]string{"task_type", "outcome", "error_kind"},
	)
	p.requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "request_duration_seconds",
			Help:      "End-to-end processing time in seconds, retries included",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"task_type", "outcome"},
	)
	p.cacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: config.Subsystem,
			Name:      "cache_lookups_total",
			Help:      "Result cache lookups by result",
		},
		[]string{"task_type", "result"},
	)

	collectorsToRegister := []prometheus.Collector{
		p.attemptsTotal,
		p.attemptDuration,
		p.requestsTotal,
		p.requestDuration,
		p.cacheLookups,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, collector := range collectorsToRegister {
		if err := p.registry.Register(collector); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *PrometheusMonitor) RecordAttempt(provider string, model string, success bool, kind failure.Kind, latency time.Duration) {
	status := statusLabel(success)
	p.attemptsTotal.WithLabelValues(provider, model, status, string(kind)).Inc()
	p.attemptDuration.WithLabelValues(provider, status).Observe(latency.Seconds())
}

func (p *PrometheusMonitor) RecordRequest(taskType string, outcome Outcome, kind failure.Kind, latency time.Duration) {
	p.requestsTotal.WithLabelValues(taskType, string(outcome), string(kind)).Inc()
	p.requestDuration.WithLabelValues(taskType, string(outcome)).Observe(latency.Seconds())
}

func (p *PrometheusMonitor) RecordCacheLookup(taskType string, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	p.cacheLookups.WithLabelValues(taskType, result).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusMonitor) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

func (p *PrometheusMonitor) Path() string {
	return p.config.Path
}

func (p *PrometheusMonitor) Registry() *prometheus.Registry {
	return p.registry
}
