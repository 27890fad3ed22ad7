package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/audit"
	"github.com/goliatone/go-orchestrator/runner"
	"github.com/goliatone/go-orchestrator/store"
)

var requestValidator = validator.New(validator.WithRequiredStructEnabled())

// Executor submits executions and drives claimed step attempts. It keeps no
// state between attempts; the store is the only source of truth.
type Executor struct {
	store       store.Store
	definitions orchestrator.DefinitionSource
	handlers    orchestrator.HandlerResolver
	policy      runner.RetryPolicy
	audit       audit.Sink
	logger      orchestrator.Logger
	metrics     Metrics
	now         func() time.Time
	newID       func() string

	defaultTimeout time.Duration
	deferDelay     time.Duration
	leaseGrace     time.Duration
	reapLimit      int
}

// New builds an Executor over a store, a definition source and the handlers
// step definitions refer to.
func New(st store.Store, definitions orchestrator.DefinitionSource, handlers orchestrator.HandlerResolver, opts ...Option) *Executor {
	e := &Executor{
		store:          st,
		definitions:    definitions,
		handlers:       handlers,
		policy:         runner.NewRetryPolicy(nil, nil),
		audit:          audit.NoopSink{},
		logger:         orchestrator.NormalizeLogger(nil),
		metrics:        noopMetrics{},
		now:            func() time.Time { return time.Now().UTC() },
		newID:          uuid.NewString,
		defaultTimeout: 30 * time.Second,
		deferDelay:     2 * time.Second,
		leaseGrace:     5 * time.Second,
		reapLimit:      100,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// Store exposes the backing store.
func (e *Executor) Store() store.Store { return e.store }

// SubmitRequest starts one execution of a registered definition.
type SubmitRequest struct {
	FirmID         string          `json:"firm_id" validate:"required"`
	DefinitionKey  string          `json:"definition_key" validate:"required"`
	Version        int             `json:"version" validate:"min=1"`
	Input          json.RawMessage `json:"input"`
	CorrelationID  string          `json:"correlation_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	// StepIdempotencyKeys supplies keys for steps using the idempotency_key
	// strategy. Steps without an entry fall back to IdempotencyKey.
	StepIdempotencyKeys map[string]string `json:"step_idempotency_keys"`
	SubmittedBy         string            `json:"submitted_by"`
}

// Submit creates an execution with one pending attempt per root step. A
// repeated (firm, definition, idempotency key) returns the existing execution.
func (e *Executor) Submit(ctx context.Context, req SubmitRequest) (*orchestrator.Execution, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	req.FirmID = strings.TrimSpace(req.FirmID)
	req.DefinitionKey = strings.TrimSpace(req.DefinitionKey)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)

	if err := requestValidator.Struct(req); err != nil {
		return nil, orchestrator.NewError(orchestrator.ErrInvalidRequest, err.Error(), err, nil)
	}
	if len(req.Input) == 0 {
		req.Input = json.RawMessage(`{}`)
	}
	if !json.Valid(req.Input) {
		return nil, orchestrator.NewError(orchestrator.ErrInvalidRequest, "input must be valid JSON", nil, nil)
	}

	meta := map[string]any{
		"firm_id":        req.FirmID,
		"definition_key": req.DefinitionKey,
		"version":        req.Version,
	}
	def, err := e.definitions.Get(ctx, req.FirmID, req.DefinitionKey, req.Version)
	if err != nil {
		if orchestrator.HasCode(err, orchestrator.ErrCodeDefinitionNotFound) {
			return nil, orchestrator.NewError(orchestrator.ErrUnknownDefinition,
				fmt.Sprintf("definition %s v%d is not registered", req.DefinitionKey, req.Version), err, meta)
		}
		return nil, err
	}

	now := e.now()
	exec := &orchestrator.Execution{
		ID:                  e.newID(),
		FirmID:              req.FirmID,
		DefinitionKey:       def.Key,
		DefinitionVersion:   def.Version,
		CorrelationID:       strings.TrimSpace(req.CorrelationID),
		IdempotencyKey:      req.IdempotencyKey,
		StepIdempotencyKeys: req.StepIdempotencyKeys,
		Status:              orchestrator.ExecutionPending,
		Input:               req.Input,
		SubmittedBy:         req.SubmittedBy,
		CreatedAt:           now,
	}
	if exec.CorrelationID == "" {
		exec.CorrelationID = exec.ID
	}

	// every natural key must resolve now, not when a late step is reached
	for _, step := range def.Steps {
		if _, err := Fingerprint(step, exec); err != nil {
			return nil, orchestrator.NewError(orchestrator.ErrInvalidRequest, err.Error(), err, meta)
		}
	}

	roots := make([]*orchestrator.StepExecution, 0, len(def.Steps))
	for _, step := range def.RootSteps() {
		row, err := e.newAttempt(exec, step, 1, now)
		if err != nil {
			return nil, err
		}
		roots = append(roots, row)
	}

	if err := e.definitions.MarkReferenced(ctx, def.FirmID, def.Key, def.Version); err != nil {
		return nil, err
	}
	pin, err := definitionPin(def, now)
	if err != nil {
		return nil, err
	}

	var (
		out     *orchestrator.Execution
		created bool
	)
	err = e.store.RunInTransaction(ctx, func(tx store.Tx) error {
		if exec.IdempotencyKey != "" {
			found, err := tx.FindExecution(ctx, exec.FirmID, exec.DefinitionKey, exec.IdempotencyKey)
			if err == nil {
				out = found
				return nil
			}
			if !errors.Is(err, store.ErrNotFound) {
				return err
			}
		}
		stored, err := tx.PinDefinition(ctx, pin)
		if err != nil {
			return err
		}
		if stored.Digest != pin.Digest {
			return orchestrator.NewError(orchestrator.ErrDefinitionFrozen,
				fmt.Sprintf("definition %s v%d differs from the version pinned at %s",
					def.Key, def.Version, stored.PinnedAt.Format(time.RFC3339)), nil, meta)
		}
		if err := tx.InsertExecution(ctx, exec); err != nil {
			return err
		}
		for _, row := range roots {
			if err := tx.InsertStep(ctx, row); err != nil {
				return err
			}
		}
		out, created = exec, true
		return nil
	})
	if errors.Is(err, store.ErrDuplicate) && exec.IdempotencyKey != "" {
		// lost a concurrent race on the idempotency key
		created = false
		err = e.store.RunInTransaction(ctx, func(tx store.Tx) error {
			found, err := tx.FindExecution(ctx, exec.FirmID, exec.DefinitionKey, exec.IdempotencyKey)
			out = found
			return err
		})
	}
	if err != nil {
		return nil, fmt.Errorf("submit %s: %w", req.DefinitionKey, err)
	}

	logger := orchestrator.WithLoggerFields(e.logger.WithContext(ctx), map[string]any{
		"execution_id":   out.ID,
		"correlation_id": out.CorrelationID,
		"firm_id":        out.FirmID,
		"definition_key": out.DefinitionKey,
	})
	if !created {
		logger.Debug("submit matched existing execution for idempotency key %s", exec.IdempotencyKey)
		return out, nil
	}

	logger.Info("execution submitted with %d root steps", len(roots))
	e.metrics.RecordSubmitted(out.DefinitionKey)
	e.record(ctx, audit.Event{
		FirmID:        out.FirmID,
		Actor:         out.SubmittedBy,
		Action:        audit.ActionExecutionSubmitted,
		ResourceType:  audit.ResourceExecution,
		ResourceID:    out.ID,
		CorrelationID: out.CorrelationID,
		Payload: map[string]any{
			"definition_key":     out.DefinitionKey,
			"definition_version": out.DefinitionVersion,
			"root_steps":         len(roots),
		},
	})
	return out.Clone(), nil
}

func definitionPin(def *orchestrator.Definition, now time.Time) (store.DefinitionPin, error) {
	digest, err := def.Digest()
	if err != nil {
		return store.DefinitionPin{}, fmt.Errorf("digest definition %s: %w", def.Key, err)
	}
	body, err := json.Marshal(def)
	if err != nil {
		return store.DefinitionPin{}, fmt.Errorf("encode definition %s: %w", def.Key, err)
	}
	return store.DefinitionPin{
		FirmID:   def.FirmID,
		Key:      def.Key,
		Version:  def.Version,
		Digest:   digest,
		Body:     body,
		PinnedAt: now,
	}, nil
}

// Cancel moves a pending or running execution to canceled. Running attempts
// may finish but no longer unblock other steps.
func (e *Executor) Cancel(ctx context.Context, executionID string, actor orchestrator.Actor) (*orchestrator.Execution, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(actor.ID) == "" {
		actor = orchestrator.SystemActor()
	}

	var out *orchestrator.Execution
	err := e.store.RunInTransaction(ctx, func(tx store.Tx) error {
		exec, err := tx.LockExecution(ctx, executionID)
		if err != nil {
			return e.executionError(executionID, err)
		}
		if actor.FirmID != "" && actor.FirmID != exec.FirmID {
			return orchestrator.NewError(orchestrator.ErrPermissionDenied, "actor does not belong to the execution firm", nil,
				map[string]any{"execution_id": exec.ID, "actor": actor.ID})
		}
		if exec.Status.IsTerminal() {
			return orchestrator.NewError(orchestrator.ErrInvalidState,
				fmt.Sprintf("execution %s is already %s", exec.ID, exec.Status), nil,
				map[string]any{"execution_id": exec.ID, "status": string(exec.Status)})
		}
		prev := exec.Status
		exec.Status = orchestrator.ExecutionCanceled
		exec.CanceledBy = actor.ID
		exec.CompletedAt = orchestrator.TimePtr(e.now())
		if err := tx.UpdateExecution(ctx, exec, prev); err != nil {
			return err
		}
		out = exec
		return nil
	})
	if err != nil {
		return nil, err
	}

	orchestrator.WithLoggerFields(e.logger.WithContext(ctx), map[string]any{
		"execution_id":   out.ID,
		"correlation_id": out.CorrelationID,
	}).Info("execution canceled by %s", actor.ID)
	e.metrics.RecordExecutionFinished(out.Status)
	e.record(ctx, audit.Event{
		FirmID:        out.FirmID,
		Actor:         actor.ID,
		Action:        audit.ActionExecutionCanceled,
		ResourceType:  audit.ResourceExecution,
		ResourceID:    out.ID,
		CorrelationID: out.CorrelationID,
	})
	return out, nil
}

// StepNotStarted is reported for steps whose dependencies have not let them
// start yet. No attempt row exists for them.
const StepNotStarted orchestrator.StepStatus = "not_started"

// StepView is the latest attempt of one step.
type StepView struct {
	StepKey          string                  `json:"step_key"`
	StepExecutionID  string                  `json:"step_execution_id,omitempty"`
	Attempt          int                     `json:"attempt"`
	Status           orchestrator.StepStatus `json:"status"`
	ErrorClass       orchestrator.ErrorClass `json:"error_class,omitempty"`
	ErrorMessage     string                  `json:"error_message,omitempty"`
	DeduplicatedFrom string                  `json:"deduplicated_from,omitempty"`
	ScheduledAt      time.Time               `json:"scheduled_at"`
	CompletedAt      *time.Time              `json:"completed_at,omitempty"`
	// WaitingOn lists the unsettled dependencies of a step not started yet.
	WaitingOn []string `json:"waiting_on,omitempty"`
}

// StatusView is the polling answer for one execution.
type StatusView struct {
	ExecutionID       string                       `json:"execution_id"`
	FirmID            string                       `json:"firm_id"`
	DefinitionKey     string                       `json:"definition_key"`
	DefinitionVersion int                          `json:"definition_version"`
	CorrelationID     string                       `json:"correlation_id"`
	Status            orchestrator.ExecutionStatus `json:"status"`
	CreatedAt         time.Time                    `json:"created_at"`
	StartedAt         *time.Time                   `json:"started_at,omitempty"`
	CompletedAt       *time.Time                   `json:"completed_at,omitempty"`
	Steps             []StepView                   `json:"steps"`
}

// GetStatus reports the execution status and the latest attempt of each
// step, in definition order. Steps without an attempt are StepNotStarted.
func (e *Executor) GetStatus(ctx context.Context, executionID string) (*StatusView, error) {
	if err := e.validate(); err != nil {
		return nil, err
	}
	exec, err := e.store.LoadExecution(ctx, executionID)
	if err != nil {
		return nil, e.executionError(executionID, err)
	}
	steps, err := e.store.ListSteps(ctx, exec.ID)
	if err != nil {
		return nil, err
	}

	view := &StatusView{
		ExecutionID:       exec.ID,
		FirmID:            exec.FirmID,
		DefinitionKey:     exec.DefinitionKey,
		DefinitionVersion: exec.DefinitionVersion,
		CorrelationID:     exec.CorrelationID,
		Status:            exec.Status,
		CreatedAt:         exec.CreatedAt,
		StartedAt:         exec.StartedAt,
		CompletedAt:       exec.CompletedAt,
	}
	latest := orchestrator.LatestAttempts(steps)
	seen := make(map[string]bool, len(latest))

	def, err := e.definitions.Get(ctx, exec.FirmID, exec.DefinitionKey, exec.DefinitionVersion)
	if err != nil {
		e.logger.WithContext(ctx).Debug("status of %s without definition: %v", exec.ID, err)
		def = nil
	}
	if def != nil {
		for _, stepDef := range def.Steps {
			seen[stepDef.Key] = true
			if l := latest[stepDef.Key]; l != nil {
				view.Steps = append(view.Steps, attemptView(l))
				continue
			}
			view.Steps = append(view.Steps, StepView{
				StepKey:   stepDef.Key,
				Status:    StepNotStarted,
				WaitingOn: waitingOn(def, stepDef, latest),
			})
		}
	}
	for _, step := range steps {
		if seen[step.StepKey] {
			continue
		}
		seen[step.StepKey] = true
		view.Steps = append(view.Steps, attemptView(latest[step.StepKey]))
	}
	return view, nil
}

func attemptView(l *orchestrator.StepExecution) StepView {
	return StepView{
		StepKey:          l.StepKey,
		StepExecutionID:  l.ID,
		Attempt:          l.Attempt,
		Status:           l.Status,
		ErrorClass:       l.ErrorClass,
		ErrorMessage:     l.ErrorMessage,
		DeduplicatedFrom: l.DeduplicatedFrom,
		ScheduledAt:      l.ScheduledAt,
		CompletedAt:      l.CompletedAt,
	}
}

func waitingOn(def *orchestrator.Definition, step orchestrator.StepDefinition, latest map[string]*orchestrator.StepExecution) []string {
	var out []string
	for _, dep := range step.DependsOn {
		depDef, _ := def.Step(dep)
		if !orchestrator.StepSettled(depDef, latest[dep]) {
			out = append(out, dep)
		}
	}
	return out
}

func (e *Executor) newAttempt(exec *orchestrator.Execution, step orchestrator.StepDefinition, attempt int, at time.Time) (*orchestrator.StepExecution, error) {
	fp, err := Fingerprint(step, exec)
	if err != nil {
		return nil, err
	}
	return &orchestrator.StepExecution{
		ID:            e.newID(),
		ExecutionID:   exec.ID,
		FirmID:        exec.FirmID,
		StepKey:       step.Key,
		Attempt:       attempt,
		Status:        orchestrator.StepPending,
		Fingerprint:   fp,
		ScheduledAt:   at,
		CorrelationID: exec.CorrelationID,
		CreatedAt:     at,
	}, nil
}

func (e *Executor) executionError(id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return orchestrator.NewError(orchestrator.ErrExecutionNotFound,
			fmt.Sprintf("execution %s not found", id), err, map[string]any{"execution_id": id})
	}
	return err
}

// record forwards an audit event; sink failures never undo committed work.
func (e *Executor) record(ctx context.Context, event audit.Event) {
	event = audit.Normalize(event, e.now())
	if err := e.audit.Record(ctx, event); err != nil {
		e.logger.WithContext(ctx).Warn("audit %s for %s failed: %v", event.Action, event.ResourceID, err)
	}
}

func (e *Executor) validate() error {
	if e == nil || e.store == nil {
		return fmt.Errorf("executor store not configured")
	}
	if e.definitions == nil {
		return fmt.Errorf("executor definition source not configured")
	}
	return nil
}
