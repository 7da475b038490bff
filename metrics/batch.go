// Package metrics provides Prometheus collectors for the ingestion pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "curator"

// Item outcomes
const (
	OutcomeProcessed = "processed"
	OutcomeSkipped   = "skipped"
	OutcomeError     = "error"
)

// BatchMetrics contains Prometheus metrics for batch runs, derivation and the
// error ledger. All methods are safe on a nil receiver.
type BatchMetrics struct {
	registry *prometheus.Registry

	itemsTotal          *prometheus.CounterVec
	runsTotal           *prometheus.CounterVec
	itemDuration        *prometheus.HistogramVec
	derivedImagesTotal  *prometheus.CounterVec
	ledgerRecordsTotal  *prometheus.CounterVec
	activeRuns          prometheus.Gauge
	annotationCallTotal *prometheus.CounterVec

	collectors []prometheus.Collector
}

// NewBatchMetrics creates the collectors and registers them with registry.
func NewBatchMetrics(registry *prometheus.Registry) (*BatchMetrics, error) {
	m := &BatchMetrics{registry: registry}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *BatchMetrics) initMetrics() {
	m.itemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "items_total",
			Help:      "Items handled by batch runs, by outcome",
		},
		[]string{"outcome"},
	)
	m.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "runs_total",
			Help:      "Finished batch runs, by terminal state",
		},
		[]string{"state"},
	)
	m.itemDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "item_duration_seconds",
			Help:      "Time spent on one item, by outcome",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"outcome"},
	)
	m.derivedImagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "normalizer",
			Name:      "derived_images_total",
			Help:      "Derived images created, by resolution and whether upscaling ran",
		},
		[]string{"resolution", "upscaled"},
	)
	m.ledgerRecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "records_total",
			Help:      "Error records written, by operation and error kind",
		},
		[]string{"operation", "kind"},
	)
	m.activeRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "batch",
			Name:      "active_runs",
			Help:      "Batch runs currently in progress",
		},
	)
	m.annotationCallTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "annotation",
			Name:      "model_results_total",
			Help:      "Per-model annotation results, by model and status",
		},
		[]string{"model", "status"},
	)

	m.collectors = []prometheus.Collector{
		m.itemsTotal,
		m.runsTotal,
		m.itemDuration,
		m.derivedImagesTotal,
		m.ledgerRecordsTotal,
		m.activeRuns,
		m.annotationCallTotal,
	}
}

// Describe implements prometheus.Collector
func (m *BatchMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, collector := range m.collectors {
		collector.Describe(ch)
	}
}

// Collect implements prometheus.Collector
func (m *BatchMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, collector := range m.collectors {
		collector.Collect(ch)
	}
}

// RecordItem counts one finished item and its duration in seconds.
func (m *BatchMetrics) RecordItem(outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.itemsTotal.WithLabelValues(outcome).Inc()
	m.itemDuration.WithLabelValues(outcome).Observe(seconds)
}

// RunStarted increments the active run gauge.
func (m *BatchMetrics) RunStarted() {
	if m == nil {
		return
	}
	m.activeRuns.Inc()
}

// RunFinished records a terminal state and decrements the active run gauge.
func (m *BatchMetrics) RunFinished(state string) {
	if m == nil {
		return
	}
	m.activeRuns.Dec()
	m.runsTotal.WithLabelValues(state).Inc()
}

// RecordDerived counts a newly materialized derived image.
func (m *BatchMetrics) RecordDerived(resolution string, upscaled bool) {
	if m == nil {
		return
	}
	label := "false"
	if upscaled {
		label = "true"
	}
	m.derivedImagesTotal.WithLabelValues(resolution, label).Inc()
}

// RecordLedger counts an error record write.
func (m *BatchMetrics) RecordLedger(operation, kind string) {
	if m == nil {
		return
	}
	m.ledgerRecordsTotal.WithLabelValues(operation, kind).Inc()
}

// RecordAnnotation counts one model result for one image.
func (m *BatchMetrics) RecordAnnotation(model string, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "error"
	}
	m.annotationCallTotal.WithLabelValues(model, status).Inc()
}
