// Package metrics holds the Prometheus instrumentation shared across the
// service. Collectors are registered on a dedicated registry so tests can
// create isolated instances.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the service exports.
type Metrics struct {
	registry *prometheus.Registry

	// Poller metrics, labelled by source kind (jira, confluence, mail, git).
	PollCycles   *prometheus.CounterVec
	PollFailures *prometheus.CounterVec
	ItemsQueued  *prometheus.CounterVec

	// Work queue depth by state.
	QueueDepth *prometheus.GaugeVec

	// Indexing pipeline metrics.
	FilesIndexed  prometheus.Counter
	FilesFailed   prometheus.Counter
	FilesSkipped  prometheus.Counter
	VectorsStored prometheus.Counter
	RunDuration   prometheus.Histogram

	// LLM call metrics, labelled by capability and endpoint.
	LLMCalls    *prometheus.CounterVec
	LLMFailures *prometheus.CounterVec
	LLMTokens   *prometheus.CounterVec

	// Plan lifecycle metrics, labelled by terminal status.
	PlansFinished *prometheus.CounterVec
}

// New creates the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,
		PollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jervis_poll_cycles_total",
			Help: "Completed poll cycles by source kind.",
		}, []string{"source"}),
		PollFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jervis_poll_failures_total",
			Help: "Failed poll cycles by source kind.",
		}, []string{"source"}),
		ItemsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jervis_items_queued_total",
			Help: "Work items enqueued for ingestion by source kind.",
		}, []string{"source"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "jervis_queue_depth",
			Help: "Work queue depth by state.",
		}, []string{"state"}),
		FilesIndexed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jervis_pipeline_files_indexed_total",
			Help: "Files fully indexed by the pipeline.",
		}),
		FilesFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jervis_pipeline_files_failed_total",
			Help: "Files that failed during indexing.",
		}),
		FilesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jervis_pipeline_files_skipped_total",
			Help: "Files skipped because they were already indexed.",
		}),
		VectorsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jervis_pipeline_vectors_stored_total",
			Help: "Vectors upserted into the vector store.",
		}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "jervis_pipeline_run_duration_seconds",
			Help:    "Duration of full pipeline runs.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
		LLMCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jervis_llm_calls_total",
			Help: "LLM completions by capability and endpoint.",
		}, []string{"capability", "endpoint"}),
		LLMFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jervis_llm_failures_total",
			Help: "Failed LLM completions by capability and endpoint.",
		}, []string{"capability", "endpoint"}),
		LLMTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jervis_llm_tokens_total",
			Help: "Tokens consumed by capability and direction.",
		}, []string{"capability", "direction"}),
		PlansFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jervis_plans_finished_total",
			Help: "Plans that reached a terminal status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		m.PollCycles, m.PollFailures, m.ItemsQueued, m.QueueDepth,
		m.FilesIndexed, m.FilesFailed, m.FilesSkipped, m.VectorsStored, m.RunDuration,
		m.LLMCalls, m.LLMFailures, m.LLMTokens, m.PlansFinished,
	)
	return m
}

// Handler serves the registry in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
