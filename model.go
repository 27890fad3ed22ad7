package orchestrator

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// ExecutionStatus is the lifecycle state of one workflow run.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCanceled  ExecutionStatus = "canceled"
)

// IsTerminal reports whether no further step may start for the execution.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionSucceeded, ExecutionFailed, ExecutionCanceled:
		return true
	default:
		return false
	}
}

// StepStatus is the state of one step attempt.
type StepStatus string

const (
	StepPending      StepStatus = "pending"
	StepRunning      StepStatus = "running"
	StepSucceeded    StepStatus = "succeeded"
	StepRetrying     StepStatus = "retrying"
	StepDeadLettered StepStatus = "dead_lettered"
)

// IsTerminal reports whether the attempt reached a per-attempt terminal state.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepSucceeded, StepRetrying, StepDeadLettered:
		return true
	default:
		return false
	}
}

// IdempotencyStrategy selects how a step fingerprint is derived.
type IdempotencyStrategy string

const (
	IdempotencyKey          IdempotencyStrategy = "idempotency_key"
	IdempotencyNaturalKey   IdempotencyStrategy = "natural_key"
	IdempotencyDedupeWindow IdempotencyStrategy = "dedupe_window"
	IdempotencyNone         IdempotencyStrategy = "none"
)

// NormalizeIdempotencyStrategy lowercases the value and maps empty to none.
func NormalizeIdempotencyStrategy(s IdempotencyStrategy) IdempotencyStrategy {
	v := IdempotencyStrategy(strings.ToLower(strings.TrimSpace(string(s))))
	if v == "" {
		return IdempotencyNone
	}
	return v
}

// ErrorClass drives the retry matrix.
type ErrorClass string

const (
	ErrorTransient ErrorClass = "transient"
	ErrorConflict  ErrorClass = "conflict"
	ErrorRateLimit ErrorClass = "rate_limit"
	ErrorPermanent ErrorClass = "permanent"
	ErrorUnknown   ErrorClass = "unknown"
)

// ErrorClasses lists every classification in matrix order.
var ErrorClasses = []ErrorClass{ErrorTransient, ErrorConflict, ErrorRateLimit, ErrorPermanent, ErrorUnknown}

// Retryable reports whether the class may be retried at all.
func (c ErrorClass) Retryable() bool {
	switch c {
	case ErrorTransient, ErrorConflict, ErrorRateLimit:
		return true
	default:
		return false
	}
}

// Valid reports whether c is one of the five known classes.
func (c ErrorClass) Valid() bool {
	for _, known := range ErrorClasses {
		if c == known {
			return true
		}
	}
	return false
}

// DLQReason explains why a step attempt was dead-lettered.
type DLQReason string

const (
	ReasonRetriesExhausted  DLQReason = "retries_exhausted"
	ReasonPermanentError    DLQReason = "permanent_error"
	ReasonUnclassifiedError DLQReason = "unclassified_error"
)

// DLQStatus is the lifecycle of a dead-letter entry.
type DLQStatus string

const (
	DLQActive   DLQStatus = "active"
	DLQResolved DLQStatus = "resolved"
	DLQArchived DLQStatus = "archived"
)

// RetryRule bounds attempts for one error class. MaxAttempts counts every
// attempt, the first one included.
type RetryRule struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts" validate:"min=0"`
	BaseBackoff time.Duration `json:"base_backoff" yaml:"base_backoff" validate:"min=0"`
}

// StepDefinition is one node of a definition graph.
type StepDefinition struct {
	Key          string                   `json:"key" yaml:"key" validate:"required"`
	DependsOn    []string                 `json:"depends_on,omitempty" yaml:"depends_on"`
	Handler      string                   `json:"handler" yaml:"handler" validate:"required"`
	Idempotency  IdempotencyStrategy      `json:"idempotency" yaml:"idempotency" validate:"omitempty,oneof=idempotency_key natural_key dedupe_window none"`
	NaturalKey   []string                 `json:"natural_key,omitempty" yaml:"natural_key"`
	DedupeWindow time.Duration            `json:"dedupe_window,omitempty" yaml:"dedupe_window" validate:"min=0"`
	Optional     bool                     `json:"optional,omitempty" yaml:"optional"`
	Timeout      time.Duration            `json:"timeout,omitempty" yaml:"timeout" validate:"min=0"`
	Retry        map[ErrorClass]RetryRule `json:"retry,omitempty" yaml:"retry"`
}

// Definition is an immutable, versioned step graph.
type Definition struct {
	FirmID      string                   `json:"firm_id" yaml:"firm_id"`
	Key         string                   `json:"key" yaml:"key" validate:"required"`
	Version     int                      `json:"version" yaml:"version" validate:"min=1"`
	Description string                   `json:"description,omitempty" yaml:"description"`
	Steps       []StepDefinition         `json:"steps" yaml:"steps" validate:"required,min=1,dive"`
	Retry       map[ErrorClass]RetryRule `json:"retry,omitempty" yaml:"retry"`
	CreatedAt   time.Time                `json:"created_at" yaml:"-"`
}

// Digest hashes the content of the definition. CreatedAt is left out so the
// same document loaded by another process yields the same digest.
func (d *Definition) Digest() (string, error) {
	if d == nil {
		return "", nil
	}
	cp := d.Clone()
	cp.CreatedAt = time.Time{}
	body, err := json.Marshal(cp)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:]), nil
}

// Step returns the named step definition.
func (d *Definition) Step(key string) (StepDefinition, bool) {
	if d == nil {
		return StepDefinition{}, false
	}
	for _, step := range d.Steps {
		if step.Key == key {
			return step, true
		}
	}
	return StepDefinition{}, false
}

// RootSteps returns the steps without dependencies, in declaration order.
func (d *Definition) RootSteps() []StepDefinition {
	if d == nil {
		return nil
	}
	var out []StepDefinition
	for _, step := range d.Steps {
		if len(step.DependsOn) == 0 {
			out = append(out, step)
		}
	}
	return out
}

// Clone returns a deep copy.
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Retry = cloneRules(d.Retry)
	cp.Steps = make([]StepDefinition, len(d.Steps))
	for i, step := range d.Steps {
		s := step
		s.DependsOn = append([]string(nil), step.DependsOn...)
		s.NaturalKey = append([]string(nil), step.NaturalKey...)
		s.Retry = cloneRules(step.Retry)
		cp.Steps[i] = s
	}
	return &cp
}

// Execution is one run of a definition against an input payload.
type Execution struct {
	ID                  string            `json:"id"`
	FirmID              string            `json:"firm_id"`
	DefinitionKey       string            `json:"definition_key"`
	DefinitionVersion   int               `json:"definition_version"`
	CorrelationID       string            `json:"correlation_id"`
	IdempotencyKey      string            `json:"idempotency_key,omitempty"`
	StepIdempotencyKeys map[string]string `json:"step_idempotency_keys,omitempty"`
	Status              ExecutionStatus   `json:"status"`
	Input               json.RawMessage   `json:"input"`
	SubmittedBy         string            `json:"submitted_by,omitempty"`
	CanceledBy          string            `json:"canceled_by,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	StartedAt           *time.Time        `json:"started_at,omitempty"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
}

// Clone returns a deep copy.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Input = cloneRaw(e.Input)
	cp.StartedAt = cloneTime(e.StartedAt)
	cp.CompletedAt = cloneTime(e.CompletedAt)
	if len(e.StepIdempotencyKeys) > 0 {
		cp.StepIdempotencyKeys = make(map[string]string, len(e.StepIdempotencyKeys))
		for k, v := range e.StepIdempotencyKeys {
			cp.StepIdempotencyKeys[k] = v
		}
	}
	return &cp
}

// StepExecution is one attempt of one step within an execution.
type StepExecution struct {
	ID               string          `json:"id"`
	ExecutionID      string          `json:"execution_id"`
	FirmID           string          `json:"firm_id"`
	StepKey          string          `json:"step_key"`
	Attempt          int             `json:"attempt"`
	Status           StepStatus      `json:"status"`
	Fingerprint      string          `json:"fingerprint,omitempty"`
	ErrorClass       ErrorClass      `json:"error_class,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	ScheduledAt      time.Time       `json:"scheduled_at"`
	ClaimedBy        string          `json:"claimed_by,omitempty"`
	ClaimedUntil     time.Time       `json:"claimed_until,omitempty"`
	DeduplicatedFrom string          `json:"deduplicated_from,omitempty"`
	ReprocessedFrom  string          `json:"reprocessed_from,omitempty"`
	CorrelationID    string          `json:"correlation_id"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// Clone returns a deep copy.
func (s *StepExecution) Clone() *StepExecution {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Result = cloneRaw(s.Result)
	cp.StartedAt = cloneTime(s.StartedAt)
	cp.CompletedAt = cloneTime(s.CompletedAt)
	return &cp
}

// DLQEntry records one dead-lettered step attempt.
type DLQEntry struct {
	ID                string          `json:"id"`
	StepExecutionID   string          `json:"step_execution_id"`
	ExecutionID       string          `json:"execution_id"`
	FirmID            string          `json:"firm_id"`
	StepKey           string          `json:"step_key"`
	Attempt           int             `json:"attempt"`
	Reason            DLQReason       `json:"reason"`
	ErrorClass        ErrorClass      `json:"error_class"`
	ErrorMessage      string          `json:"error_message,omitempty"`
	Fingerprint       string          `json:"fingerprint,omitempty"`
	PayloadSnapshot   json.RawMessage `json:"payload_snapshot"`
	Status            DLQStatus       `json:"status"`
	CorrelationID     string          `json:"correlation_id"`
	EnqueuedAt        time.Time       `json:"enqueued_at"`
	ReprocessedAt     *time.Time      `json:"reprocessed_at,omitempty"`
	ReprocessedBy     string          `json:"reprocessed_by,omitempty"`
	ReprocessedStepID string          `json:"reprocessed_step_id,omitempty"`
	ArchivedAt        *time.Time      `json:"archived_at,omitempty"`
	ArchivedBy        string          `json:"archived_by,omitempty"`
	ArchiveNote       string          `json:"archive_note,omitempty"`
}

// Clone returns a deep copy.
func (e *DLQEntry) Clone() *DLQEntry {
	if e == nil {
		return nil
	}
	cp := *e
	cp.PayloadSnapshot = cloneRaw(e.PayloadSnapshot)
	cp.ReprocessedAt = cloneTime(e.ReprocessedAt)
	cp.ArchivedAt = cloneTime(e.ArchivedAt)
	return &cp
}

func cloneRules(in map[ErrorClass]RetryRule) map[ErrorClass]RetryRule {
	if len(in) == 0 {
		return nil
	}
	out := make(map[ErrorClass]RetryRule, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if in == nil {
		return nil
	}
	return append(json.RawMessage(nil), in...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}

// TimePtr returns a pointer to the UTC value of t.
func TimePtr(t time.Time) *time.Time {
	ts := t.UTC()
	return &ts
}
