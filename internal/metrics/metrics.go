// Package metrics exposes Prometheus collectors for generation sessions.
//
// Collectors are registered on the Registerer passed to New rather than the
// global default, so independent sessions (and tests) never collide. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run outcomes.
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeError     = "error"
)

type Metrics struct {
	runs            *prometheus.CounterVec
	promptTokens    prometheus.Counter
	generatedTokens prometheus.Counter
	ttft            prometheus.Histogram
	tokensPerSecond prometheus.Histogram
	layerLatency    *prometheus.HistogramVec
	postLatency     prometheus.Histogram
	layerLoads      prometheus.Counter
	imageCache      *prometheus.CounterVec
}

// New registers the collectors on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		runs: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_runs_total",
			Help: "Generation runs by outcome",
		}, []string{"outcome"}),
		promptTokens: f.NewCounter(prometheus.CounterOpts{
			Name: "tessera_prompt_tokens_total",
			Help: "Prompt tokens consumed",
		}),
		generatedTokens: f.NewCounter(prometheus.CounterOpts{
			Name: "tessera_generated_tokens_total",
			Help: "Tokens generated",
		}),
		ttft: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tessera_time_to_first_token_seconds",
			Help:    "Time from Run to the first sampled token",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}),
		tokensPerSecond: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tessera_tokens_per_second",
			Help:    "Decode throughput per run",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100, 200, 500},
		}),
		layerLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tessera_layer_latency_seconds",
			Help:    "Latency of one layer call, including dynamic load and release",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"layer", "profile"}),
		postLatency: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tessera_post_latency_seconds",
			Help:    "Latency of the post processor and sampler",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
		layerLoads: f.NewCounter(prometheus.CounterOpts{
			Name: "tessera_layer_loads_total",
			Help: "Layer weight loads",
		}),
		imageCache: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_image_cache_total",
			Help: "Image embedding cache lookups",
		}, []string{"result"}),
	}
}

// ObserveLayer records one layer call.
func (m *Metrics) ObserveLayer(layer int, profile string, d time.Duration) {
	if m == nil {
		return
	}
	m.layerLatency.WithLabelValues(strconv.Itoa(layer), profile).Observe(d.Seconds())
}

func (m *Metrics) ObservePost(d time.Duration) {
	if m == nil {
		return
	}
	m.postLatency.Observe(d.Seconds())
}

func (m *Metrics) LayerLoaded() {
	if m == nil {
		return
	}
	m.layerLoads.Inc()
}

// ObserveFirstToken records time to first token.
func (m *Metrics) ObserveFirstToken(d time.Duration) {
	if m == nil {
		return
	}
	m.ttft.Observe(d.Seconds())
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(outcome string, prompt, generated int, tps float64) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(outcome).Inc()
	m.promptTokens.Add(float64(prompt))
	m.generatedTokens.Add(float64(generated))
	if tps > 0 {
		m.tokensPerSecond.Observe(tps)
	}
}

func (m *Metrics) ImageCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.imageCache.WithLabelValues(result).Inc()
}
