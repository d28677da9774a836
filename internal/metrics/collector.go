// Package metrics provides internal Prometheus metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector records orchestration metrics. A nil *Collector is valid and
// records nothing, so callers never need to guard their calls.
type Collector struct {
	// HTTP metrics
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// Session metrics
	sessionsTotal    *prometheus.CounterVec
	sessionDuration  *prometheus.HistogramVec
	sessionsActive   prometheus.Gauge
	sessionsDegraded prometheus.Counter

	// Stage metrics
	stagesTotal   *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec

	// Handoff and agent metrics
	handoffsTotal         *prometheus.CounterVec
	handoffContextTokens  prometheus.Histogram
	agentInvocationsTotal *prometheus.CounterVec
	agentInvokeDuration   *prometheus.HistogramVec
	agentRetriesTotal     *prometheus.CounterVec

	// Trace archive metrics
	archiveWritesTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a Collector registered against reg. A nil reg uses the
// default registerer; tests pass their own registry to avoid duplicate
// registration panics.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)
	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.sessionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Total number of orchestration sessions",
		},
		[]string{"strategy", "status"},
	)
	c.sessionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "End-to-end session duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"strategy"},
	)
	c.sessionsActive = factory.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently running",
		},
	)
	c.sessionsDegraded = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_degraded_total",
			Help:      "Sessions that completed through the fallback pipeline or with partial output",
		},
	)

	c.stagesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stages_total",
			Help:      "Total number of pipeline stage executions",
		},
		[]string{"stage", "status"},
	)
	c.stageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Pipeline stage duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	c.handoffsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Total number of A2A handoffs",
		},
		[]string{"status"},
	)
	c.handoffContextTokens = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handoff_context_tokens",
			Help:      "Estimated token size of handoff context payloads",
			Buckets:   prometheus.ExponentialBuckets(16, 2, 12),
		},
	)
	c.agentInvocationsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_invocations_total",
			Help:      "Total number of agent invocations",
		},
		[]string{"agent_id", "status"},
	)
	c.agentInvokeDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_invocation_duration_seconds",
			Help:      "Agent invocation duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"agent_id"},
	)
	c.agentRetriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_retries_total",
			Help:      "Total number of agent invocation retries",
		},
		[]string{"agent_id"},
	)

	c.archiveWritesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trace_archive_writes_total",
			Help:      "Total number of trace archive writes",
		},
		[]string{"status"},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))
	return c
}

// RecordHTTPRequest records one HTTP request.
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if c == nil {
		return
	}
	c.httpRequestsTotal.WithLabelValues(method, path, statusClass(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// SessionStarted marks one session as running.
func (c *Collector) SessionStarted() {
	if c == nil {
		return
	}
	c.sessionsActive.Inc()
}

// SessionFinished records a terminal session.
func (c *Collector) SessionFinished(strategy, status string, duration time.Duration, degraded bool) {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
	c.sessionsTotal.WithLabelValues(strategy, status).Inc()
	c.sessionDuration.WithLabelValues(strategy).Observe(duration.Seconds())
	if degraded {
		c.sessionsDegraded.Inc()
	}
}

// RecordStage records one pipeline stage execution.
func (c *Collector) RecordStage(stage string, success bool, duration time.Duration) {
	if c == nil {
		return
	}
	c.stagesTotal.WithLabelValues(stage, successLabel(success)).Inc()
	c.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordHandoff records one finalized handoff.
func (c *Collector) RecordHandoff(status string, contextTokens int) {
	if c == nil {
		return
	}
	c.handoffsTotal.WithLabelValues(status).Inc()
	if contextTokens > 0 {
		c.handoffContextTokens.Observe(float64(contextTokens))
	}
}

// RecordAgentInvocation records one agent invocation outcome.
func (c *Collector) RecordAgentInvocation(agentID string, success bool, duration time.Duration) {
	if c == nil {
		return
	}
	c.agentInvocationsTotal.WithLabelValues(agentID, successLabel(success)).Inc()
	c.agentInvokeDuration.WithLabelValues(agentID).Observe(duration.Seconds())
}

// RecordAgentRetry records one retry of an agent invocation.
func (c *Collector) RecordAgentRetry(agentID string) {
	if c == nil {
		return
	}
	c.agentRetriesTotal.WithLabelValues(agentID).Inc()
}

// RecordArchiveWrite records one trace archive write attempt.
func (c *Collector) RecordArchiveWrite(success bool) {
	if c == nil {
		return
	}
	c.archiveWritesTotal.WithLabelValues(successLabel(success)).Inc()
}

func statusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

func successLabel(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
