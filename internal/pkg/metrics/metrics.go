// Package metrics holds the Prometheus collectors of the billing engine. All
// methods are safe on a nil *Collector so components can run without metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hangarledger"

// Collector owns a private registry and the engine's metric vectors.
type Collector struct {
	registry *prometheus.Registry

	WebhooksReceived  *prometheus.CounterVec
	EventsProcessed   *prometheus.CounterVec
	EventsExhausted   *prometheus.CounterVec
	EventDuration     *prometheus.HistogramVec
	SweepsCompleted   *prometheus.CounterVec
	SweepMissingFound *prometheus.CounterVec
	LedgerOperations  *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec
}

// New registers every collector on a fresh registry.
func New() *Collector {
	reg := prometheus.NewRegistry()
	c := &Collector{
		registry: reg,
		WebhooksReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhooks_received_total",
			Help:      "Inbound gateway notifications by object type and outcome",
		}, []string{"object_type", "outcome"}),
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_processed_total",
			Help:      "Webhook events run through the processor by object type and status",
		}, []string{"object_type", "status"}),
		EventsExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_exhausted_total",
			Help:      "Webhook events that failed terminally and need an operator",
		}, []string{"object_type", "kind"}),
		EventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_processing_seconds",
			Help:      "Time spent processing one webhook event",
			Buckets:   prometheus.DefBuckets,
		}, []string{"object_type"}),
		SweepsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_sweeps_total",
			Help:      "Reconciliation sweeps by scope and status",
		}, []string{"scope", "status"}),
		SweepMissingFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_missing_objects_total",
			Help:      "Remote objects the sweep found without a local projection",
		}, []string{"object_type"}),
		LedgerOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_operations_total",
			Help:      "Rental invoice state machine operations by outcome",
		}, []string{"operation", "status"}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobqueue_depth",
			Help:      "Jobs per queue list",
		}, []string{"queue"}),
	}
	reg.MustRegister(
		c.WebhooksReceived,
		c.EventsProcessed,
		c.EventsExhausted,
		c.EventDuration,
		c.SweepsCompleted,
		c.SweepMissingFound,
		c.LedgerOperations,
		c.QueueDepth,
		prometheus.NewGoCollector(),
	)
	return c
}

// Handler exposes the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

func (c *Collector) WebhookReceived(objectType, outcome string) {
	if c == nil {
		return
	}
	c.WebhooksReceived.WithLabelValues(objectType, outcome).Inc()
}

func (c *Collector) EventProcessed(objectType, status string, took time.Duration) {
	if c == nil {
		return
	}
	c.EventsProcessed.WithLabelValues(objectType, status).Inc()
	c.EventDuration.WithLabelValues(objectType).Observe(took.Seconds())
}

func (c *Collector) EventExhausted(objectType, kind string) {
	if c == nil {
		return
	}
	c.EventsExhausted.WithLabelValues(objectType, kind).Inc()
}

func (c *Collector) SweepCompleted(scope, status string, missing map[string]int) {
	if c == nil {
		return
	}
	c.SweepsCompleted.WithLabelValues(scope, status).Inc()
	for objectType, n := range missing {
		c.SweepMissingFound.WithLabelValues(objectType).Add(float64(n))
	}
}

func (c *Collector) LedgerOperation(operation string, err error) {
	if c == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.LedgerOperations.WithLabelValues(operation, status).Inc()
}

func (c *Collector) SetQueueDepth(queue string, depth int64) {
	if c == nil {
		return
	}
	c.QueueDepth.WithLabelValues(queue).Set(float64(depth))
}
