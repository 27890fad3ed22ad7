package runner

import (
	"time"

	"github.com/goliatone/go-orchestrator"
)

// DefaultRules is the engine wide retry matrix.
func DefaultRules() map[orchestrator.ErrorClass]orchestrator.RetryRule {
	return map[orchestrator.ErrorClass]orchestrator.RetryRule{
		orchestrator.ErrorTransient: {MaxAttempts: 3, BaseBackoff: time.Second},
		orchestrator.ErrorConflict:  {MaxAttempts: 5, BaseBackoff: 200 * time.Millisecond},
		orchestrator.ErrorRateLimit: {MaxAttempts: 5, BaseBackoff: 5 * time.Second},
		orchestrator.ErrorPermanent: {MaxAttempts: 0},
		orchestrator.ErrorUnknown:   {MaxAttempts: 0},
	}
}

// Decision is the outcome of applying the retry matrix to one failure.
type Decision struct {
	Retry       bool
	Delay       time.Duration
	Reason      orchestrator.DLQReason
	MaxAttempts int
}

// RetryPolicy is a pure function of (error class, attempt number).
type RetryPolicy struct {
	Rules   map[orchestrator.ErrorClass]orchestrator.RetryRule
	Backoff BackoffStrategy
}

// NewRetryPolicy starts from base (DefaultRules when nil) and layers the
// given overrides in order, later ones winning per class.
func NewRetryPolicy(base map[orchestrator.ErrorClass]orchestrator.RetryRule, backoff BackoffStrategy) RetryPolicy {
	if base == nil {
		base = DefaultRules()
	}
	if backoff == nil {
		backoff = DefaultBackoff()
	}
	rules := make(map[orchestrator.ErrorClass]orchestrator.RetryRule, len(base))
	for class, rule := range base {
		rules[class] = rule
	}
	return RetryPolicy{Rules: rules, Backoff: backoff}
}

// WithOverrides returns a copy with the given per-class rules applied.
func (p RetryPolicy) WithOverrides(overrides ...map[orchestrator.ErrorClass]orchestrator.RetryRule) RetryPolicy {
	out := NewRetryPolicy(p.Rules, p.Backoff)
	for _, set := range overrides {
		for class, rule := range set {
			out.Rules[class] = rule
		}
	}
	return out
}

// ForStep layers the definition level rules, then the step level ones.
func (p RetryPolicy) ForStep(def *orchestrator.Definition, step orchestrator.StepDefinition) RetryPolicy {
	var defRules map[orchestrator.ErrorClass]orchestrator.RetryRule
	if def != nil {
		defRules = def.Retry
	}
	return p.WithOverrides(defRules, step.Retry)
}

// Decide applies the matrix to the failed attempt. Permanent and unknown
// failures are never retried regardless of configured rules.
func (p RetryPolicy) Decide(class orchestrator.ErrorClass, attempt int) Decision {
	switch class {
	case orchestrator.ErrorPermanent:
		return Decision{Reason: orchestrator.ReasonPermanentError}
	case orchestrator.ErrorTransient, orchestrator.ErrorConflict, orchestrator.ErrorRateLimit:
	default:
		return Decision{Reason: orchestrator.ReasonUnclassifiedError}
	}

	rule := p.Rules[class]
	if attempt < rule.MaxAttempts {
		backoff := p.Backoff
		if backoff == nil {
			backoff = DefaultBackoff()
		}
		return Decision{
			Retry:       true,
			Delay:       backoff.Delay(attempt, rule.BaseBackoff),
			MaxAttempts: rule.MaxAttempts,
		}
	}
	return Decision{Reason: orchestrator.ReasonRetriesExhausted, MaxAttempts: rule.MaxAttempts}
}
