// Package metrics holds the Prometheus instruments for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the pipeline.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Ingest metrics
	CapturesIngested *prometheus.CounterVec
	IngestLatency    prometheus.Histogram

	// Visit metrics
	VisitsFinalized *prometheus.CounterVec

	// Alert metrics
	AlertTransitions *prometheus.CounterVec

	// Extractor metrics
	ExtractorRequests *prometheus.CounterVec

	// Identities enrolled, by how
	Enrollments *prometheus.CounterVec
}

// New registers the pipeline metrics on reg. Pass prometheus.DefaultRegisterer
// in the daemon and a fresh prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		// Captures by outcome: identified, unidentified, rejected
		CapturesIngested: f.NewCounterVec(prometheus.CounterOpts{
			Name: "feederwatch_captures_ingested_total",
			Help: "Total number of captures ingested by outcome",
		}, []string{"outcome"}),

		IngestLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "feederwatch_ingest_duration_seconds",
			Help:    "Capture ingest latency in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),

		VisitsFinalized: f.NewCounterVec(prometheus.CounterOpts{
			Name: "feederwatch_visits_finalized_total",
			Help: "Total number of finalized visits by attribution kind",
		}, []string{"feeder", "kind"}),

		AlertTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "feederwatch_alert_transitions_total",
			Help: "Total number of alert state transitions",
		}, []string{"to", "severity"}),

		ExtractorRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "feederwatch_extractor_requests_total",
			Help: "Total number of feature extraction requests by result",
		}, []string{"result"}), // result: ok, cached, error

		Enrollments: f.NewCounterVec(prometheus.CounterOpts{
			Name: "feederwatch_identities_enrolled_total",
			Help: "Total number of identities enrolled",
		}, []string{"mode"}), // mode: auto, manual, merged
	}
}

// RecordCapture records one ingested capture.
func (m *Metrics) RecordCapture(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.CapturesIngested.WithLabelValues(outcome).Inc()
	m.IngestLatency.Observe(seconds)
}

// RecordVisit records one finalized visit.
func (m *Metrics) RecordVisit(feederID, kind string) {
	if m == nil {
		return
	}
	m.VisitsFinalized.WithLabelValues(feederID, kind).Inc()
}

// RecordAlertTransition records an alert entering state `to`.
func (m *Metrics) RecordAlertTransition(to, severity string) {
	if m == nil {
		return
	}
	m.AlertTransitions.WithLabelValues(to, severity).Inc()
}

// RecordExtraction records one extractor call.
func (m *Metrics) RecordExtraction(result string) {
	if m == nil {
		return
	}
	m.ExtractorRequests.WithLabelValues(result).Inc()
}

// RecordEnrollment records one identity creation or merge.
func (m *Metrics) RecordEnrollment(mode string) {
	if m == nil {
		return
	}
	m.Enrollments.WithLabelValues(mode).Inc()
}
