// Package metrics provides Prometheus instrumentation for the security core.
// Label values are operation names and coarse outcomes only; no user IDs,
// key IDs, or record content.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry     *prometheus.Registry
	registryOnce sync.Once
	registryMu   sync.Mutex
)

// GetRegistry returns the process-wide metrics registry.
func GetRegistry() *prometheus.Registry {
	registryOnce.Do(func() {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
	return registry
}

// ResetRegistry replaces the registry. Tests only.
func ResetRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registryOnce = sync.Once{}
}

// Handler serves the registry over HTTP for scraping.
func Handler() http.Handler {
	return promhttp.HandlerFor(GetRegistry(), promhttp.HandlerOpts{})
}

// CoreMetrics instruments the security core's hot paths.
type CoreMetrics struct {
	KeyOperations   *prometheus.CounterVec
	KeysByState     *prometheus.GaugeVec
	AuditEvents     *prometheus.CounterVec
	ChainSeals      prometheus.Counter
	AccessDecisions *prometheus.CounterVec
	DecisionLatency prometheus.Histogram
	FieldOperations *prometheus.CounterVec
	Classifications *prometheus.CounterVec
}

// NewCoreMetrics creates and registers the core metric set.
func NewCoreMetrics() *CoreMetrics {
	m := &CoreMetrics{
		KeyOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "castellan",
				Name:      "keys_operations_total",
				Help:      "Key lifecycle operations by operation and result",
			},
			[]string{"operation", "result"},
		),
		KeysByState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "castellan",
				Name:      "keys_by_state",
				Help:      "Managed keys by lifecycle state",
			},
			[]string{"state"},
		),
		AuditEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "castellan",
				Name:      "audit_events_total",
				Help:      "Audit events appended by type and severity",
			},
			[]string{"type", "severity"},
		),
		ChainSeals: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "castellan",
				Name:      "audit_chain_seals_total",
				Help:      "Audit chains sealed at capacity",
			},
		),
		AccessDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "castellan",
				Name:      "access_decisions_total",
				Help:      "Permission check decisions by outcome",
			},
			[]string{"granted"},
		),
		DecisionLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "castellan",
				Name:      "access_decision_duration_seconds",
				Help:      "Permission check latency in seconds",
				Buckets:   prometheus.DefBuckets,
			},
		),
		FieldOperations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "castellan",
				Name:      "field_crypt_operations_total",
				Help:      "Field encrypt/decrypt operations by direction and result",
			},
			[]string{"direction", "result"},
		),
		Classifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "castellan",
				Name:      "classifications_total",
				Help:      "Record classifications by resulting level",
			},
			[]string{"classification"},
		),
	}

	reg := GetRegistry()
	reg.MustRegister(
		m.KeyOperations,
		m.KeysByState,
		m.AuditEvents,
		m.ChainSeals,
		m.AccessDecisions,
		m.DecisionLatency,
		m.FieldOperations,
		m.Classifications,
	)
	return m
}
