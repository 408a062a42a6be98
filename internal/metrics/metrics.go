// Package metrics exposes Prometheus instrumentation for the audit pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors for the audit pipeline.
type Metrics struct {
	// WORM write outcomes.
	WormWrites *prometheus.CounterVec

	// Per-job processing latency, labeled by terminal outcome.
	JobDuration *prometheus.HistogramVec

	// Current ledger tail as observed by this process.
	LedgerSequence prometheus.Gauge

	// Jobs queued or in flight.
	QueueDepth prometheus.Gauge

	// Jobs whose processing exceeded the SLA budget.
	SLABreaches prometheus.Counter

	// Jobs parked after exhausted retries or malformed payloads. Every
	// increment is a compliance incident.
	DeadLetters *prometheus.CounterVec

	// Stalled claims recovered by the sweeper.
	StalledRecovered prometheus.Counter

	// Chain verification outcomes.
	VerificationRuns *prometheus.CounterVec

	registry *prometheus.Registry
}

// New creates a Metrics instance with its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		WormWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_worm_writes_total",
				Help: "Total WORM snapshot writes by status",
			},
			[]string{"status"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "audit_job_duration_seconds",
				Help:    "End-to-end log job processing latency in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .15, .25, .5, 1, 2.5, 5},
			},
			[]string{"outcome"},
		),
		LedgerSequence: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "audit_ledger_sequence_number",
				Help: "Last ledger sequence number appended by this process",
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "audit_queue_depth",
				Help: "Log jobs waiting or in flight",
			},
		),
		SLABreaches: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "audit_sla_breaches_total",
				Help: "Jobs whose total processing time exceeded the SLA budget",
			},
		),
		DeadLetters: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_dead_letters_total",
				Help: "Jobs dead-lettered by reason; every increment is a compliance incident",
			},
			[]string{"reason"},
		),
		StalledRecovered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "audit_stalled_jobs_recovered_total",
				Help: "Stalled job claims returned to the queue",
			},
		),
		VerificationRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_chain_verifications_total",
				Help: "Chain verification runs by result",
			},
			[]string{"result"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.WormWrites,
		m.JobDuration,
		m.LedgerSequence,
		m.QueueDepth,
		m.SLABreaches,
		m.DeadLetters,
		m.StalledRecovered,
		m.VerificationRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns the /metrics scrape handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
