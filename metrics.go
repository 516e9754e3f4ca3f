package auditry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the audit pipeline. A nil *Metrics
// records nothing.
type Metrics struct {
	EntriesWritten      *prometheus.CounterVec
	EntriesSkipped      *prometheus.CounterVec
	WriteFailures       *prometheus.CounterVec
	EnrichmentFailures  *prometheus.CounterVec
	PrefetchFailures    *prometheus.CounterVec
	PipelineDuration    *prometheus.HistogramVec
	DeferredQueueLength prometheus.Histogram
}

// NewMetrics registers the pipeline metrics with reg. A nil reg uses the
// default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		EntriesWritten: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auditry_entries_written_total",
			Help: "Audit entries persisted, by write strategy",
		}, []string{"strategy"}),
		EntriesSkipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auditry_entries_skipped_total",
			Help: "Audit batches not written, by reason",
		}, []string{"reason"}),
		WriteFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auditry_write_failures_total",
			Help: "Failed audit writes, by write strategy",
		}, []string{"strategy"}),
		EnrichmentFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auditry_enrichment_failures_total",
			Help: "Failed enrichment calls, by kind (actor, entity, aggregate)",
		}, []string{"kind"}),
		PrefetchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "auditry_prefetch_failures_total",
			Help: "Failed before-state lookups, by model",
		}, []string{"model"}),
		PipelineDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "auditry_pipeline_duration_seconds",
			Help:    "Duration of audited operations including the mutation",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"action"}),
		DeferredQueueLength: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "auditry_deferred_queue_length",
			Help:    "Deferred writes drained per committed transaction",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		}),
	}
}

func (m *Metrics) written(s Strategy, n int) {
	if m == nil {
		return
	}
	m.EntriesWritten.WithLabelValues(s.String()).Add(float64(n))
}

func (m *Metrics) skipped(reason string) {
	if m == nil {
		return
	}
	m.EntriesSkipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) writeFailed(s Strategy) {
	if m == nil {
		return
	}
	m.WriteFailures.WithLabelValues(s.String()).Inc()
}

func (m *Metrics) enrichmentFailed(kind string) {
	if m == nil {
		return
	}
	m.EnrichmentFailures.WithLabelValues(kind).Inc()
}

func (m *Metrics) prefetchFailed(model string) {
	if m == nil {
		return
	}
	m.PrefetchFailures.WithLabelValues(model).Inc()
}

// observe records the duration of an operation started at start.
func (m *Metrics) observe(action string, start time.Time) {
	if m == nil {
		return
	}
	m.PipelineDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
}

func (m *Metrics) drained(n int) {
	if m == nil {
		return
	}
	m.DeferredQueueLength.Observe(float64(n))
}
