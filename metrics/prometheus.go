package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/executor"
)

// DefaultNamespace prefixes every collector name.
const DefaultNamespace = "orchestrator"

// Recorder exports executor events as Prometheus collectors.
type Recorder struct {
	gatherer prometheus.Gatherer

	submitted     *prometheus.CounterVec
	claimed       *prometheus.CounterVec
	claimLag      prometheus.Histogram
	stepOutcomes  *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	deadLettered  *prometheus.CounterVec
	finished      *prometheus.CounterVec
	claimsReaped  prometheus.Counter
	lastClaimSize *prometheus.GaugeVec
}

var _ executor.Metrics = (*Recorder)(nil)

// Option customizes a Recorder.
type Option func(*options)

type options struct {
	namespace string
	registry  *prometheus.Registry
}

// WithNamespace overrides DefaultNamespace.
func WithNamespace(ns string) Option {
	return func(o *options) {
		if ns = strings.TrimSpace(ns); ns != "" {
			o.namespace = ns
		}
	}
}

// WithRegistry registers collectors on reg instead of a fresh registry.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(o *options) {
		if reg != nil {
			o.registry = reg
		}
	}
}

// NewRecorder creates and registers the engine collectors.
func NewRecorder(opts ...Option) *Recorder {
	o := options{namespace: DefaultNamespace}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}
	factory := promauto.With(o.registry)

	return &Recorder{
		gatherer: o.registry,
		submitted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "executions_submitted_total",
			Help:      "Executions created by Submit",
		}, []string{"definition"}),
		claimed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "steps_claimed_total",
			Help:      "Step attempts claimed by workers",
		}, []string{"worker"}),
		claimLag: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: o.namespace,
			Name:      "claim_lag_seconds",
			Help:      "Delay between an attempt becoming due and being claimed",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		stepOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "step_outcomes_total",
			Help:      "Driven step attempts by outcome and error class",
		}, []string{"step", "outcome", "error_class"}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: o.namespace,
			Name:      "step_duration_seconds",
			Help:      "Handler duration of driven step attempts",
			Buckets:   prometheus.DefBuckets,
		}, []string{"step"}),
		deadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "dead_lettered_total",
			Help:      "Step attempts moved to the dead-letter queue",
		}, []string{"reason"}),
		finished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "executions_finished_total",
			Help:      "Executions reaching a terminal status",
		}, []string{"status"}),
		claimsReaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: o.namespace,
			Name:      "claims_reaped_total",
			Help:      "Running attempts failed after their lease expired",
		}),
		lastClaimSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: o.namespace,
			Name:      "last_claim_size",
			Help:      "Attempts claimed in the latest cycle of each worker",
		}, []string{"worker"}),
	}
}

func (r *Recorder) RecordSubmitted(definitionKey string) {
	r.submitted.WithLabelValues(definitionKey).Inc()
}

func (r *Recorder) RecordClaimed(workerID string, count int) {
	r.lastClaimSize.WithLabelValues(workerID).Set(float64(count))
	if count > 0 {
		r.claimed.WithLabelValues(workerID).Add(float64(count))
	}
}

func (r *Recorder) RecordClaimLag(lag time.Duration) {
	r.claimLag.Observe(lag.Seconds())
}

func (r *Recorder) RecordStepOutcome(stepKey string, outcome executor.Outcome, class orchestrator.ErrorClass, duration time.Duration) {
	r.stepOutcomes.WithLabelValues(stepKey, string(outcome), string(class)).Inc()
	if duration > 0 {
		r.stepDuration.WithLabelValues(stepKey).Observe(duration.Seconds())
	}
}

func (r *Recorder) RecordDeadLettered(reason orchestrator.DLQReason) {
	r.deadLettered.WithLabelValues(string(reason)).Inc()
}

func (r *Recorder) RecordExecutionFinished(status orchestrator.ExecutionStatus) {
	r.finished.WithLabelValues(string(status)).Inc()
}

func (r *Recorder) RecordClaimsReaped(count int) {
	if count > 0 {
		r.claimsReaped.Add(float64(count))
	}
}

// Gatherer exposes the registry the collectors live in.
func (r *Recorder) Gatherer() prometheus.Gatherer {
	return r.gatherer
}

// Handler serves the recorder's registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
