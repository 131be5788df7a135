package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// JobsTotal counts completed work items by terminal outcome.
var JobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "postengine",
		Subsystem: "jobs",
		Name:      "total",
		Help:      "Total number of generation-pipeline jobs by terminal outcome.",
	},
	[]string{"outcome"}, // published, failed, deferred
)

// LLMCallsTotal counts LLM driver calls by result.
var LLMCallsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "postengine",
		Subsystem: "llm",
		Name:      "calls_total",
		Help:      "Total number of LLM driver calls by result.",
	},
	[]string{"result"}, // ok, error
)

// LLMTokensTotal sums token usage reported by the LLM driver.
var LLMTokensTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "postengine",
		Subsystem: "llm",
		Name:      "tokens_total",
		Help:      "Total LLM token usage reported by the driver.",
	},
	[]string{"kind"}, // total
)

// CacheResultsTotal counts semantic cache lookups by result.
var CacheResultsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "postengine",
		Subsystem: "cache",
		Name:      "results_total",
		Help:      "Total semantic cache lookups by result.",
	},
	[]string{"result"}, // hit, miss
)

// BucketRemaining tracks tokens remaining per bucket namespace, sampled on
// each admission decision. Namespace excludes the tenant id so cardinality
// stays bounded across large tenant populations; the health endpoint
// reports only the bucket keys it was configured with.
var BucketRemaining = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "postengine",
		Subsystem: "bucket",
		Name:      "remaining",
		Help:      "Most recently observed token count for a bucket namespace.",
	},
	[]string{"namespace"}, // llm:sec, llm:day (tenant and global), post:day
)

// WorkerUtilization reports the fraction of the worker pool currently busy.
var WorkerUtilization = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "postengine",
		Subsystem: "engine",
		Name:      "worker_utilization",
		Help:      "Fraction of worker pool slots currently processing a job.",
	},
)

// PipelineStepDuration tracks per-step latency in the generation pipeline.
var PipelineStepDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "postengine",
		Subsystem: "pipeline",
		Name:      "step_duration_seconds",
		Help:      "Generation pipeline step duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	},
	[]string{"step"},
)

// All returns every postengine-specific collector for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		JobsTotal,
		LLMCallsTotal,
		LLMTokensTotal,
		CacheResultsTotal,
		BucketRemaining,
		WorkerUtilization,
		PipelineStepDuration,
	}
}

// NewMetricsRegistry creates a Prometheus registry with Go/process
// collectors plus the postengine collectors.
func NewMetricsRegistry(extra ...prometheus.Collector) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	for _, c := range extra {
		reg.MustRegister(c)
	}
	return reg
}
