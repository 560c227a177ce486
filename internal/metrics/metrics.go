package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"

	DirectionInput  = "input"
	DirectionOutput = "output"
)

// Metrics holds the pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	registry    *prometheus.Registry
	runs        *prometheus.CounterVec
	stages      *prometheus.HistogramVec
	tokens      *prometheus.CounterVec
	disconnects prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rag_pipeline_runs_total",
			Help: "Pipeline runs by terminal outcome.",
		}, []string{"outcome"}),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "rag_stage_duration_seconds",
			Help:    "Latency of each pipeline stage.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, []string{"stage"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "rag_tokens_total",
			Help: "Tokens reported by the generation provider.",
		}, []string{"direction"}),
		disconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "rag_stream_disconnects_total",
			Help: "Streams whose peer went away before the terminal event.",
		}),
	}
	m.registry.MustRegister(
		m.runs, m.stages, m.tokens, m.disconnects,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stages.WithLabelValues(stage).Observe(d.Seconds())
}

func (m *Metrics) RunFinished(outcome string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AddTokens(input, output int) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(DirectionInput).Add(float64(input))
	m.tokens.WithLabelValues(DirectionOutput).Add(float64(output))
}

func (m *Metrics) StreamDisconnected() {
	if m == nil {
		return
	}
	m.disconnects.Inc()
}
