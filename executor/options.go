package executor

import (
	"time"

	"github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/audit"
	"github.com/goliatone/go-orchestrator/runner"
)

// Option customizes an Executor.
type Option func(*Executor)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator overrides how execution, step and DLQ ids are minted.
func WithIDGenerator(fn func() string) Option {
	return func(e *Executor) {
		if fn != nil {
			e.newID = fn
		}
	}
}

func WithLogger(logger orchestrator.Logger) Option {
	return func(e *Executor) {
		e.logger = orchestrator.NormalizeLogger(logger)
	}
}

func WithMetrics(metrics Metrics) Option {
	return func(e *Executor) {
		if metrics != nil {
			e.metrics = metrics
		}
	}
}

// WithAuditSink receives every audit event after its transaction commits.
func WithAuditSink(sink audit.Sink) Option {
	return func(e *Executor) {
		if sink != nil {
			e.audit = sink
		}
	}
}

// WithRetryPolicy replaces the engine wide retry matrix.
func WithRetryPolicy(policy runner.RetryPolicy) Option {
	return func(e *Executor) {
		e.policy = runner.NewRetryPolicy(policy.Rules, policy.Backoff)
	}
}

// WithDefaultTimeout bounds handler calls for steps that declare no timeout.
func WithDefaultTimeout(timeout time.Duration) Option {
	return func(e *Executor) {
		if timeout > 0 {
			e.defaultTimeout = timeout
		}
	}
}

// WithDeferDelay sets how long an attempt waits when another live attempt
// holds its fingerprint.
func WithDeferDelay(delay time.Duration) Option {
	return func(e *Executor) {
		if delay > 0 {
			e.deferDelay = delay
		}
	}
}

// WithLeaseGrace sets how long a started attempt's lease outlives its handler
// timeout, leaving room to record the outcome.
func WithLeaseGrace(grace time.Duration) Option {
	return func(e *Executor) {
		if grace > 0 {
			e.leaseGrace = grace
		}
	}
}

// WithReapLimit caps how many expired claims one reap pass handles.
func WithReapLimit(limit int) Option {
	return func(e *Executor) {
		if limit > 0 {
			e.reapLimit = limit
		}
	}
}
