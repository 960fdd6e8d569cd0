// Package metrics exposes esignd's Prometheus metrics.
//
// Business metrics are derived from the audit stream: Recorder wraps the audit
// trail so every event is counted by type and severity, and signature and
// verification outcomes get their own counters. The HTTP layer reports request
// counts and latencies through ObserveRequest.
package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"esignd/internal/domain"
)

const namespace = "esignd"

// Metrics holds every collector esignd registers.
type Metrics struct {
	registry *prometheus.Registry

	AuditEvents   *prometheus.CounterVec
	Signatures    *prometheus.CounterVec
	Verifications *prometheus.CounterVec
	Certificates  *prometheus.CounterVec
	Workflows     *prometheus.CounterVec
	HTTPRequests  *prometheus.CounterVec
	HTTPDuration  *prometheus.HistogramVec
	ComponentUp   *prometheus.GaugeVec
	ConfigReloads prometheus.Counter
}

// New creates the collectors on a fresh registry. When withRuntime is set the
// Go runtime and process collectors are registered too.
func New(withRuntime bool) *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.AuditEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "audit",
		Name:      "events_total",
		Help:      "Audit events recorded, by type and severity.",
	}, []string{"type", "severity"})

	m.Signatures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signature",
		Name:      "sign_total",
		Help:      "Signing attempts, by outcome.",
	}, []string{"outcome"})

	m.Verifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "signature",
		Name:      "verify_total",
		Help:      "Signature verifications, by result and reason.",
	}, []string{"valid", "reason"})

	m.Certificates = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "certificate",
		Name:      "operations_total",
		Help:      "Certificate lifecycle operations, by operation.",
	}, []string{"operation"})

	m.Workflows = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "workflow",
		Name:      "transitions_total",
		Help:      "Workflow state transitions, by event.",
	}, []string{"event"})

	m.HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests, by method, route and status.",
	}, []string{"method", "route", "status"})

	m.HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route"})

	m.ComponentUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "component_up",
		Help:      "1 when the last health check of a component passed.",
	}, []string{"component"})

	m.ConfigReloads = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "config_reloads_total",
		Help:      "Configuration reloads applied.",
	})

	m.registry.MustRegister(
		m.AuditEvents,
		m.Signatures,
		m.Verifications,
		m.Certificates,
		m.Workflows,
		m.HTTPRequests,
		m.HTTPDuration,
		m.ComponentUp,
		m.ConfigReloads,
	)
	if withRuntime {
		m.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// SetComponentUp reports a health check outcome.
func (m *Metrics) SetComponentUp(component string, up bool) {
	v := 0.0
	if up {
		v = 1
	}
	m.ComponentUp.WithLabelValues(component).Set(v)
}

// Recorder counts events before passing them to next.
func (m *Metrics) Recorder(next domain.Recorder) domain.Recorder {
	return &recorder{m: m, next: next}
}

type recorder struct {
	m    *Metrics
	next domain.Recorder
}

func (r *recorder) Record(ctx context.Context, e *domain.AuditEvent) {
	r.m.observe(e)
	r.next.Record(ctx, e)
}

func (m *Metrics) observe(e *domain.AuditEvent) {
	if e == nil {
		return
	}
	sev := e.Severity
	if sev == "" {
		sev = domain.SeverityInfo
	}
	m.AuditEvents.WithLabelValues(string(e.Type), string(sev)).Inc()

	switch e.Type {
	case domain.EventSignatureCreated:
		m.Signatures.WithLabelValues("created").Inc()
	case domain.EventSignatureFailed:
		m.Signatures.WithLabelValues("failed").Inc()
	case domain.EventSignatureVerified:
		m.Verifications.WithLabelValues(e.Metadata["result"], e.Metadata["reason"]).Inc()
	case domain.EventCertificateIssued:
		m.Certificates.WithLabelValues("issued").Inc()
	case domain.EventCertificateRevoked:
		m.Certificates.WithLabelValues("revoked").Inc()
	case domain.EventCertificateValidated, domain.EventCertificateFailed:
		m.Certificates.WithLabelValues(string(e.Type)).Inc()
	case domain.EventWorkflowStarted, domain.EventWorkflowSigned, domain.EventWorkflowRejected, domain.EventWorkflowCompleted:
		m.Workflows.WithLabelValues(string(e.Type)).Inc()
	}
}
