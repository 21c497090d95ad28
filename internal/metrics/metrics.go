// Package metrics exposes engine counters on a private Prometheus registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vladm3105/tradegent/pkg/common"
	"github.com/vladm3105/tradegent/pkg/embed"
	"github.com/vladm3105/tradegent/pkg/graph"
	"github.com/vladm3105/tradegent/pkg/pipeline"
	"github.com/vladm3105/tradegent/pkg/query"
)

const DefaultNamespace = "tradegent"

// Collector implements the observer hooks of the engine packages.
type Collector struct {
	registry *prometheus.Registry

	embedRequests    *prometheus.CounterVec
	embedFallbacks   *prometheus.CounterVec
	gateDecisions    *prometheus.CounterVec
	fieldFailures    prometheus.Counter
	pipelineDuration *prometheus.HistogramVec
	contextLegs      *prometheus.CounterVec
	partialContexts  prometheus.Counter
	queueMessages    *prometheus.CounterVec
}

var (
	_ embed.Observer     = (*Collector)(nil)
	_ graph.GateObserver = (*Collector)(nil)
	_ pipeline.Observer  = (*Collector)(nil)
	_ query.Tracer       = (*Collector)(nil)
)

// New registers every collector on a fresh registry, together with the Go
// runtime and process collectors.
func New(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Collector{
		registry: reg,

		embedRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embed_requests_total",
			Help:      "Embedding provider calls by outcome.",
		}, []string{"provider", "outcome"}),
		embedFallbacks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "embed_fallbacks_total",
			Help:      "Falls through from one embedding provider to the next.",
		}, []string{"from", "to"}),
		gateDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_decisions_total",
			Help:      "Commit gate decisions by element kind and confidence band.",
		}, []string{"kind", "band"}),
		fieldFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "extract_field_failures_total",
			Help:      "Document fields skipped because the model output was malformed.",
		}),
		pipelineDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pipeline_duration_seconds",
			Help:      "Per-document pipeline duration.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"stage", "status"}),
		contextLegs: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_legs_total",
			Help:      "Context builder legs by outcome.",
		}, []string{"leg", "outcome"}),
		partialContexts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "context_partial_total",
			Help:      "Hybrid contexts returned with at least one missing leg.",
		}),
		queueMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "queue_messages_total",
			Help:      "Queue deliveries by queue and outcome.",
		}, []string{"queue", "outcome"}),
	}
}

func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func (c *Collector) EmbedRequest(provider, outcome string) {
	c.embedRequests.WithLabelValues(provider, outcome).Inc()
}

func (c *Collector) EmbedFallback(from, to string) {
	c.embedFallbacks.WithLabelValues(from, to).Inc()
}

func (c *Collector) GateDecision(kind string, band graph.Band) {
	c.gateDecisions.WithLabelValues(kind, string(band)).Inc()
}

func (c *Collector) PipelineDone(stage string, status common.Status, elapsed time.Duration) {
	c.pipelineDuration.WithLabelValues(stage, string(status)).Observe(elapsed.Seconds())
}

func (c *Collector) ExtractFieldsFailed(count int) {
	if count > 0 {
		c.fieldFailures.Add(float64(count))
	}
}

// Record counts context legs and partial contexts.
func (c *Collector) Record(event query.TraceEvent) {
	switch event.Kind {
	case query.TraceEventLeg:
		outcome := "ok"
		if event.Error != "" {
			outcome = "error"
		}
		c.contextLegs.WithLabelValues(event.Leg, outcome).Inc()
	case query.TraceEventContext:
		if event.Partial {
			c.partialContexts.Inc()
		}
	}
}

// QueueMessage counts one delivery outcome: ack, retry or dead_letter.
func (c *Collector) QueueMessage(queue, outcome string) {
	c.queueMessages.WithLabelValues(queue, outcome).Inc()
}
