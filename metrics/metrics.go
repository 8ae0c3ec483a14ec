// Package metrics exposes engine measurements to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "codejail"

// Metrics records admissions, executions and operator alerts. It satisfies
// sandbox.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	AdmissionsRejected *prometheus.CounterVec
	Executions         *prometheus.CounterVec
	ExecutionDuration  *prometheus.HistogramVec
	InFlight           prometheus.Gauge
	Alerts             *prometheus.CounterVec
}

// New registers the engine metrics, plus the Go and process collectors, on
// a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		AdmissionsRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admissions_rejected_total",
				Help:      "Requests rejected by a concurrency ceiling",
			},
			[]string{"scope"},
		),
		Executions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Finished executions by termination reason",
			},
			[]string{"reason"},
		),
		ExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Wall-clock duration of executions",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
			},
			[]string{"reason"},
		),
		InFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "executions_in_flight",
				Help:      "Executions currently admitted",
			},
		),
		Alerts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operator_alerts_total",
				Help:      "Teardown and infrastructure faults raised to operators",
			},
			[]string{"kind"},
		),
	}
}

func (m *Metrics) AdmissionRejected(scope string) {
	m.AdmissionsRejected.WithLabelValues(scope).Inc()
}

func (m *Metrics) ExecutionStarted() {
	m.InFlight.Inc()
}

func (m *Metrics) ExecutionFinished(reason string, duration time.Duration) {
	m.InFlight.Dec()
	m.Executions.WithLabelValues(reason).Inc()
	m.ExecutionDuration.WithLabelValues(reason).Observe(duration.Seconds())
}

func (m *Metrics) AlertRaised(kind string) {
	m.Alerts.WithLabelValues(kind).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
