package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-orchestrator"
)

const (
	ActionExecutionSubmitted = "execution.submitted"
	ActionExecutionCanceled  = "execution.canceled"
	ActionExecutionSucceeded = "execution.succeeded"
	ActionExecutionFailed    = "execution.failed"
	ActionExecutionReopened  = "execution.reopened"
	ActionStepSucceeded      = "step.succeeded"
	ActionStepDeduplicated   = "step.deduplicated"
	ActionStepRetryScheduled = "step.retry_scheduled"
	ActionStepDeadLettered   = "step.dead_lettered"
	ActionStepClaimExpired   = "step.claim_expired"
	ActionDLQReprocessed     = "dlq.reprocessed"
	ActionDLQArchived        = "dlq.archived"
)

const (
	ResourceExecution     = "execution"
	ResourceStepExecution = "step_execution"
	ResourceDLQEntry      = "dlq_entry"
)

// Event is one immutable audit record.
type Event struct {
	ID            string         `json:"id"`
	OccurredAt    time.Time      `json:"occurred_at"`
	FirmID        string         `json:"firm_id"`
	Actor         string         `json:"actor"`
	Action        string         `json:"action"`
	ResourceType  string         `json:"resource_type"`
	ResourceID    string         `json:"resource_id"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Payload       map[string]any `json:"payload,omitempty"`
}

func (e Event) Validate() error {
	if e.OccurredAt.IsZero() {
		return errors.New("OccurredAt is required")
	}
	if strings.TrimSpace(e.Actor) == "" {
		return errors.New("Actor is required")
	}
	if strings.TrimSpace(e.Action) == "" {
		return errors.New("Action is required")
	}
	if strings.TrimSpace(e.ResourceType) == "" {
		return errors.New("ResourceType is required")
	}
	if strings.TrimSpace(e.ResourceID) == "" {
		return errors.New("ResourceID is required")
	}
	return nil
}

// Normalize fills ID, OccurredAt and Actor defaults.
func Normalize(e Event, now time.Time) Event {
	if strings.TrimSpace(e.ID) == "" {
		e.ID = uuid.NewString()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	e.OccurredAt = e.OccurredAt.UTC()
	if strings.TrimSpace(e.Actor) == "" {
		e.Actor = orchestrator.SystemActorID
	}
	return e
}

// IntegritySHA256 hashes the identifying fields and payload of an event so
// tampering with a stored row can be detected.
func IntegritySHA256(e Event) (string, error) {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	h := sha256.New()
	for _, part := range []string{
		e.ID,
		e.OccurredAt.UTC().Format(time.RFC3339Nano),
		e.FirmID,
		e.Actor,
		e.Action,
		e.ResourceType,
		e.ResourceID,
		e.CorrelationID,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	h.Write(payloadJSON)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Sink receives audit events.
type Sink interface {
	Record(ctx context.Context, event Event) error
}

// SinkFunc adapts a function into a Sink.
type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Record(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NoopSink drops every event.
type NoopSink struct{}

func (NoopSink) Record(context.Context, Event) error { return nil }

// MemorySink keeps events in memory, mostly for tests.
type MemorySink struct {
	mu     sync.RWMutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

func (s *MemorySink) Record(_ context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of the recorded events in order.
func (s *MemorySink) Events() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Event(nil), s.events...)
}

// ByAction returns the recorded events with the given action.
func (s *MemorySink) ByAction(action string) []Event {
	var out []Event
	for _, e := range s.Events() {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

// LoggerSink writes events as structured log lines.
type LoggerSink struct {
	logger orchestrator.Logger
}

func NewLoggerSink(logger orchestrator.Logger) *LoggerSink {
	return &LoggerSink{logger: orchestrator.NormalizeLogger(logger)}
}

func (s *LoggerSink) Record(_ context.Context, event Event) error {
	fields := map[string]any{
		"audit_id":      event.ID,
		"firm_id":       event.FirmID,
		"actor":         event.Actor,
		"resource_type": event.ResourceType,
		"resource_id":   event.ResourceID,
	}
	if event.CorrelationID != "" {
		fields["correlation_id"] = event.CorrelationID
	}
	orchestrator.WithLoggerFields(s.logger, fields).Info("audit %s", event.Action)
	return nil
}

// MultiSink fans an event out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Record(ctx context.Context, event Event) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
