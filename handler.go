package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// StepInput is everything a handler sees for one attempt.
type StepInput struct {
	ExecutionID   string
	FirmID        string
	DefinitionKey string
	StepKey       string
	Attempt       int
	Fingerprint   string
	CorrelationID string
	Input         json.RawMessage
	// Dependencies holds the results of the step's direct dependencies.
	Dependencies map[string]json.RawMessage
}

// StepHandler runs the business logic of a step. Failures should be wrapped
// with Transient, Conflict, RateLimited or Permanent; anything else is
// treated as unknown and dead-lettered.
type StepHandler interface {
	Execute(ctx context.Context, in StepInput) (json.RawMessage, error)
}

// StepHandlerFunc is an adapter that lets you use a function as a StepHandler
type StepHandlerFunc func(ctx context.Context, in StepInput) (json.RawMessage, error)

// Execute calls the underlying function
func (f StepHandlerFunc) Execute(ctx context.Context, in StepInput) (json.RawMessage, error) {
	return f(ctx, in)
}

// HandlerResolver looks handlers up by reference.
type HandlerResolver interface {
	Resolve(ref string) (StepHandler, bool)
}

// HandlerRegistry is a concurrency safe HandlerResolver.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]StepHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]StepHandler)}
}

// Register binds ref to handler. Re-registering a ref is an error.
func (r *HandlerRegistry) Register(ref string, handler StepHandler) error {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return fmt.Errorf("handler reference required")
	}
	if handler == nil {
		return fmt.Errorf("handler %q is nil", ref)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[ref]; exists {
		return fmt.Errorf("handler %q already registered", ref)
	}
	r.handlers[ref] = handler
	return nil
}

// MustRegister panics when Register fails.
func (r *HandlerRegistry) MustRegister(ref string, handler StepHandler) {
	if err := r.Register(ref, handler); err != nil {
		panic(err)
	}
}

func (r *HandlerRegistry) Resolve(ref string) (StepHandler, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[strings.TrimSpace(ref)]
	return h, ok
}

// Refs returns the registered references in sorted order.
func (r *HandlerRegistry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for ref := range r.handlers {
		out = append(out, ref)
	}
	sort.Strings(out)
	return out
}

// DefinitionSource is the read side of the definition registry used by the
// executor and the DLQ manager.
type DefinitionSource interface {
	Get(ctx context.Context, firmID, key string, version int) (*Definition, error)
	MarkReferenced(ctx context.Context, firmID, key string, version int) error
}
