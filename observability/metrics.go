package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "osm2sim"

// Metrics holds the Prometheus counters, histograms, and gauges for the pipeline.
type Metrics struct {
	RecordsProcessed *prometheus.CounterVec // labels: source, outcome={matched,unmatched,clipped}
	TripsGenerated   prometheus.Counter
	FailedCells      prometheus.Counter
	StageDuration    *prometheus.HistogramVec // labels: stage
	SourceStatus     *prometheus.CounterVec   // labels: source, status
	RunsTotal        *prometheus.CounterVec   // labels: status
	PipelineRunning  prometheus.Gauge
}

func newMetrics() *Metrics {
	return &Metrics{
		RecordsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_processed_total",
			Help:      "External records processed by conflation, by source and outcome.",
		}, []string{"source", "outcome"}),
		TripsGenerated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "trips_generated_total",
			Help:      "Total synthetic trips generated.",
		}),
		FailedCells: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "synthesis_failed_cells_total",
			Help:      "Population cells skipped because of missing destinations.",
		}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"stage"}),
		SourceStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_runs_total",
			Help:      "Finished source runs by source and final status.",
		}, []string{"source", "status"}),
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished pipeline runs by final status.",
		}, []string{"status"}),
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 while a pipeline run is active, 0 otherwise.",
		}),
	}
}

// NewMetrics creates metrics and registers them with given registerer (default registry when nil).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := newMetrics()
	reg.MustRegister(
		m.RecordsProcessed,
		m.TripsGenerated,
		m.FailedCells,
		m.StageDuration,
		m.SourceStatus,
		m.RunsTotal,
		m.PipelineRunning,
	)
	return m
}

// NewMetricsForTesting creates Metrics which are not registered anywhere, so
// tests can create as many as they need.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}
