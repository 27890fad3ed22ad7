package dlq

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/audit"
	"github.com/goliatone/go-orchestrator/store"
)

// Filter narrows List within one firm. No Statuses means active entries.
type Filter struct {
	ExecutionID string
	StepKey     string
	Reason      orchestrator.DLQReason
	Statuses    []orchestrator.DLQStatus
	Limit       int
}

// ReprocessResult reports a reprocessed entry.
type ReprocessResult struct {
	Entry       *orchestrator.DLQEntry `json:"entry"`
	StepID      string                 `json:"step_id"`
	Attempt     int                    `json:"attempt"`
	ExecutionID string                 `json:"execution_id"`
	Reopened    bool                   `json:"reopened"`
}

// Manager exposes operator actions over dead-lettered step attempts.
type Manager struct {
	store       store.Store
	definitions orchestrator.DefinitionSource
	authorizer  orchestrator.Authorizer
	audit       audit.Sink
	logger      orchestrator.Logger
	now         func() time.Time
	newID       func() string
}

// Option customizes a Manager.
type Option func(*Manager)

func WithAuthorizer(authorizer orchestrator.Authorizer) Option {
	return func(m *Manager) {
		if authorizer != nil {
			m.authorizer = authorizer
		}
	}
}

func WithAuditSink(sink audit.Sink) Option {
	return func(m *Manager) {
		if sink != nil {
			m.audit = sink
		}
	}
}

func WithLogger(logger orchestrator.Logger) Option {
	return func(m *Manager) {
		m.logger = orchestrator.NormalizeLogger(logger)
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(m *Manager) {
		if fn != nil {
			m.newID = fn
		}
	}
}

// NewManager builds a Manager. Definitions are needed to tell required from
// optional steps when a reprocess may reopen a failed execution.
func NewManager(st store.Store, definitions orchestrator.DefinitionSource, opts ...Option) *Manager {
	m := &Manager{
		store:       st,
		definitions: definitions,
		authorizer:  orchestrator.PermissionAuthorizer{},
		audit:       audit.NoopSink{},
		logger:      orchestrator.NormalizeLogger(nil),
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// List returns the firm's entries, oldest first.
func (m *Manager) List(ctx context.Context, actor orchestrator.Actor, firmID string, filter Filter) ([]*orchestrator.DLQEntry, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	firmID = strings.TrimSpace(firmID)
	if firmID == "" {
		return nil, orchestrator.NewError(orchestrator.ErrInvalidRequest, "firm id required", nil, nil)
	}
	if err := m.authorizer.Authorize(actor, orchestrator.PermViewDLQ, firmID); err != nil {
		return nil, err
	}
	return m.store.ListDLQ(ctx, store.DLQFilter{
		FirmID:      firmID,
		ExecutionID: filter.ExecutionID,
		StepKey:     filter.StepKey,
		Reason:      filter.Reason,
		Statuses:    filter.Statuses,
		Limit:       filter.Limit,
	})
}

// Get returns one entry when the actor may view its firm.
func (m *Manager) Get(ctx context.Context, entryID string, actor orchestrator.Actor) (*orchestrator.DLQEntry, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	entry, err := m.store.LoadDLQ(ctx, entryID)
	if err != nil {
		return nil, entryError(entryID, err)
	}
	if err := m.authorizer.Authorize(actor, orchestrator.PermViewDLQ, entry.FirmID); err != nil {
		return nil, err
	}
	return entry, nil
}

// Reprocess schedules a fresh attempt of the dead-lettered step with the
// original fingerprint and resolves the entry. A failed execution is
// reopened when no other required step remains dead-lettered. Entries of
// succeeded or canceled executions are rejected.
func (m *Manager) Reprocess(ctx context.Context, entryID string, actor orchestrator.Actor) (*ReprocessResult, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}

	var (
		out       *ReprocessResult
		exec      *orchestrator.Execution
		reopened  bool
		prevState orchestrator.ExecutionStatus
	)
	err := m.store.RunInTransaction(ctx, func(tx store.Tx) error {
		out, exec, reopened = nil, nil, false
		now := m.now()

		entry, err := tx.LoadDLQ(ctx, entryID)
		if err != nil {
			return entryError(entryID, err)
		}
		if err := m.authorizer.Authorize(actor, orchestrator.PermReprocessDLQ, entry.FirmID); err != nil {
			return err
		}
		if entry.Status != orchestrator.DLQActive {
			return invalidState(entry, fmt.Sprintf("dlq entry %s is %s", entry.ID, entry.Status))
		}

		exec, err = tx.LockExecution(ctx, entry.ExecutionID)
		if err != nil {
			return fmt.Errorf("load execution %s: %w", entry.ExecutionID, err)
		}
		switch exec.Status {
		case orchestrator.ExecutionCanceled, orchestrator.ExecutionSucceeded:
			// only failed executions reopen; archive entries of finished ones
			return invalidState(entry, fmt.Sprintf("execution %s is %s", exec.ID, exec.Status))
		}

		steps, err := tx.ListSteps(ctx, exec.ID)
		if err != nil {
			return err
		}
		latest := orchestrator.LatestAttempts(steps)
		last := latest[entry.StepKey]
		if last == nil || last.ID != entry.StepExecutionID {
			return invalidState(entry, fmt.Sprintf("dlq entry %s is not the latest attempt of %s", entry.ID, entry.StepKey))
		}

		next := &orchestrator.StepExecution{
			ID:              m.newID(),
			ExecutionID:     exec.ID,
			FirmID:          exec.FirmID,
			StepKey:         entry.StepKey,
			Attempt:         last.Attempt + 1,
			Status:          orchestrator.StepPending,
			Fingerprint:     entry.Fingerprint,
			ScheduledAt:     now,
			ReprocessedFrom: entry.StepExecutionID,
			CorrelationID:   last.CorrelationID,
			CreatedAt:       now,
		}
		if err := tx.InsertStep(ctx, next); err != nil {
			return err
		}

		resolved := entry.Clone()
		resolved.Status = orchestrator.DLQResolved
		resolved.ReprocessedAt = orchestrator.TimePtr(now)
		resolved.ReprocessedBy = actor.ID
		resolved.ReprocessedStepID = next.ID
		if err := tx.UpdateDLQ(ctx, resolved, orchestrator.DLQActive); err != nil {
			return staleEntry(entry, err)
		}

		if exec.Status == orchestrator.ExecutionFailed {
			def, err := m.definitions.Get(ctx, exec.FirmID, exec.DefinitionKey, exec.DefinitionVersion)
			if err != nil {
				return fmt.Errorf("load definition for execution %s: %w", exec.ID, err)
			}
			latest[next.StepKey] = next
			if !blockedByRequired(def, latest) {
				prevState = exec.Status
				reopen := exec.Clone()
				reopen.Status = orchestrator.ExecutionRunning
				reopen.CompletedAt = nil
				if err := tx.UpdateExecution(ctx, reopen, exec.Status); err != nil {
					return err
				}
				exec, reopened = reopen, true
			}
		}

		out = &ReprocessResult{
			Entry:       resolved,
			StepID:      next.ID,
			Attempt:     next.Attempt,
			ExecutionID: exec.ID,
			Reopened:    reopened,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger := orchestrator.WithLoggerFields(m.logger.WithContext(ctx), map[string]any{
		"execution_id":   out.ExecutionID,
		"step_key":       out.Entry.StepKey,
		"attempt":        out.Attempt,
		"correlation_id": out.Entry.CorrelationID,
	})
	logger.Info("dlq entry %s reprocessed by %s", out.Entry.ID, actor.ID)
	m.record(ctx, audit.Event{
		FirmID:        out.Entry.FirmID,
		Actor:         actor.ID,
		Action:        audit.ActionDLQReprocessed,
		ResourceType:  audit.ResourceDLQEntry,
		ResourceID:    out.Entry.ID,
		CorrelationID: out.Entry.CorrelationID,
		Payload: map[string]any{
			"step_execution_id":   out.Entry.StepExecutionID,
			"reprocessed_step_id": out.StepID,
			"attempt":             out.Attempt,
		},
	})
	if reopened {
		logger.Info("execution reopened from %s", prevState)
		m.record(ctx, audit.Event{
			FirmID:        exec.FirmID,
			Actor:         actor.ID,
			Action:        audit.ActionExecutionReopened,
			ResourceType:  audit.ResourceExecution,
			ResourceID:    exec.ID,
			CorrelationID: exec.CorrelationID,
			Payload:       map[string]any{"from": string(prevState), "dlq_entry_id": out.Entry.ID},
		})
	}
	return out, nil
}

// Archive closes an active entry without reprocessing it.
func (m *Manager) Archive(ctx context.Context, entryID string, actor orchestrator.Actor, note string) (*orchestrator.DLQEntry, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}

	var out *orchestrator.DLQEntry
	err := m.store.RunInTransaction(ctx, func(tx store.Tx) error {
		entry, err := tx.LoadDLQ(ctx, entryID)
		if err != nil {
			return entryError(entryID, err)
		}
		if err := m.authorizer.Authorize(actor, orchestrator.PermReprocessDLQ, entry.FirmID); err != nil {
			return err
		}
		if entry.Status != orchestrator.DLQActive {
			return invalidState(entry, fmt.Sprintf("dlq entry %s is %s", entry.ID, entry.Status))
		}
		archived := entry.Clone()
		archived.Status = orchestrator.DLQArchived
		archived.ArchivedAt = orchestrator.TimePtr(m.now())
		archived.ArchivedBy = actor.ID
		archived.ArchiveNote = orchestrator.SanitizeMessage(note)
		if err := tx.UpdateDLQ(ctx, archived, orchestrator.DLQActive); err != nil {
			return staleEntry(entry, err)
		}
		out = archived
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.WithContext(ctx).Info("dlq entry %s archived by %s", out.ID, actor.ID)
	m.record(ctx, audit.Event{
		FirmID:        out.FirmID,
		Actor:         actor.ID,
		Action:        audit.ActionDLQArchived,
		ResourceType:  audit.ResourceDLQEntry,
		ResourceID:    out.ID,
		CorrelationID: out.CorrelationID,
		Payload:       map[string]any{"note": out.ArchiveNote},
	})
	return out, nil
}

// blockedByRequired reports whether a required step's latest attempt is
// still dead-lettered.
func blockedByRequired(def *orchestrator.Definition, latest map[string]*orchestrator.StepExecution) bool {
	for _, step := range def.Steps {
		if step.Optional {
			continue
		}
		if l := latest[step.Key]; l != nil && l.Status == orchestrator.StepDeadLettered {
			return true
		}
	}
	return false
}

func (m *Manager) record(ctx context.Context, event audit.Event) {
	event = audit.Normalize(event, m.now())
	if err := m.audit.Record(ctx, event); err != nil {
		m.logger.WithContext(ctx).Warn("audit %s for %s failed: %v", event.Action, event.ResourceID, err)
	}
}

func (m *Manager) validate() error {
	if m == nil || m.store == nil {
		return fmt.Errorf("dlq manager store not configured")
	}
	if m.definitions == nil {
		return fmt.Errorf("dlq manager definition source not configured")
	}
	return nil
}

func entryError(id string, err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return orchestrator.NewError(orchestrator.ErrDLQEntryNotFound,
			fmt.Sprintf("dlq entry %s not found", id), err, map[string]any{"dlq_entry_id": id})
	}
	return err
}

func invalidState(entry *orchestrator.DLQEntry, message string) error {
	return orchestrator.NewError(orchestrator.ErrInvalidState, message, nil, map[string]any{
		"dlq_entry_id": entry.ID,
		"status":       string(entry.Status),
		"execution_id": entry.ExecutionID,
	})
}

func staleEntry(entry *orchestrator.DLQEntry, err error) error {
	if errors.Is(err, store.ErrStale) {
		return invalidState(entry, fmt.Sprintf("dlq entry %s changed concurrently", entry.ID))
	}
	return err
}
