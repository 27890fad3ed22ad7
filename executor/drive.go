package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/audit"
	"github.com/goliatone/go-orchestrator/runner"
	"github.com/goliatone/go-orchestrator/store"
)

// Outcome classifies what one Drive call did with a claimed attempt.
type Outcome string

const (
	OutcomeSucceeded      Outcome = "succeeded"
	OutcomeDeduplicated   Outcome = "deduplicated"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeDeadLettered   Outcome = "dead_lettered"
	// OutcomeDeferred means another live attempt holds the fingerprint; the
	// claim was released without consuming an attempt.
	OutcomeDeferred Outcome = "deferred"
	// OutcomeReleased means the execution was canceled or failed after the
	// claim; the attempt went back to pending untouched.
	OutcomeReleased Outcome = "released"
)

// DriveResult reports one driven attempt.
type DriveResult struct {
	StepExecutionID string
	ExecutionID     string
	StepKey         string
	Attempt         int
	Outcome         Outcome
	ErrorClass      orchestrator.ErrorClass
	Error           string
	RetryAt         time.Time
	NextStepID      string
	DLQEntryID      string
	Result          json.RawMessage
	ExecutionStatus orchestrator.ExecutionStatus
	Duration        time.Duration
}

type attempt struct {
	exec      *orchestrator.Execution
	def       *orchestrator.Definition
	stepDef   orchestrator.StepDefinition
	step      *orchestrator.StepExecution
	workerID  string
	deps      map[string]json.RawMessage
	dedupFrom string
	cached    json.RawMessage
	logger    orchestrator.Logger
}

// Drive runs the per-attempt algorithm on a step claimed by step.ClaimedBy:
// fingerprint reservation, handler invocation outside any transaction, then
// a compare-and-set completion that schedules retries, dead-letters or
// unblocks dependents.
func (e *Executor) Drive(ctx context.Context, step *orchestrator.StepExecution) (DriveResult, error) {
	if err := e.validate(); err != nil {
		return DriveResult{}, err
	}
	if step == nil {
		return DriveResult{}, orchestrator.NewError(orchestrator.ErrInvalidRequest, "step execution required", nil, nil)
	}
	result := DriveResult{
		StepExecutionID: step.ID,
		ExecutionID:     step.ExecutionID,
		StepKey:         step.StepKey,
		Attempt:         step.Attempt,
	}
	if step.ClaimedBy == "" {
		return result, orchestrator.NewError(orchestrator.ErrInvalidState, "step execution is not claimed", nil,
			map[string]any{"step_execution_id": step.ID})
	}

	at, err := e.load(ctx, step, step.ClaimedBy)
	if err != nil {
		return result, err
	}
	outcome, err := e.reserve(ctx, at)
	if err != nil {
		return result, err
	}
	switch outcome {
	case OutcomeDeferred, OutcomeReleased:
		result.Outcome = outcome
		result.ExecutionStatus = at.exec.Status
		at.logger.Debug("attempt %s without invoking handler", outcome)
		e.metrics.RecordStepOutcome(step.StepKey, outcome, "", 0)
		return result, nil
	case OutcomeDeduplicated:
		return e.succeed(ctx, at, at.cached, 0)
	}

	var handler orchestrator.StepHandler
	if e.handlers != nil {
		if h, ok := e.handlers.Resolve(at.stepDef.Handler); ok {
			handler = h
		}
	}
	in := orchestrator.StepInput{
		ExecutionID:   at.exec.ID,
		FirmID:        at.exec.FirmID,
		DefinitionKey: at.exec.DefinitionKey,
		StepKey:       at.step.StepKey,
		Attempt:       at.step.Attempt,
		Fingerprint:   at.step.Fingerprint,
		CorrelationID: at.step.CorrelationID,
		Input:         at.exec.Input,
		Dependencies:  at.deps,
	}

	timeout := e.stepTimeout(at)
	started := time.Now()
	at.logger.Debug("invoking handler %s with timeout %s", at.stepDef.Handler, timeout)
	out, runErr := runner.Invoke(ctx, handler, in, timeout)
	elapsed := time.Since(started)

	// the outcome is recorded even when the worker is shutting down
	settleCtx := context.WithoutCancel(ctx)
	if runErr == nil {
		return e.succeed(settleCtx, at, out, elapsed)
	}
	return e.fail(settleCtx, at, runErr, elapsed)
}

// ReapExpiredClaims fails running attempts whose lease ended as transient
// "claim lease expired" through the normal retry matrix.
func (e *Executor) ReapExpiredClaims(ctx context.Context) (int, error) {
	if err := e.validate(); err != nil {
		return 0, err
	}
	expired, err := e.store.ListExpiredClaims(ctx, e.now(), e.reapLimit)
	if err != nil {
		return 0, err
	}

	reaped := 0
	var errs []error
	for _, step := range expired {
		at, err := e.load(ctx, step, step.ClaimedBy)
		if err != nil {
			if !orchestrator.HasCode(err, orchestrator.ErrCodeClaimLost) {
				errs = append(errs, err)
			}
			continue
		}
		started := step.StartedAt != nil
		if started {
			at.logger.Warn("claim held by %s expired at %s", step.ClaimedBy, step.ClaimedUntil.Format(time.RFC3339))
			_, err = e.fail(ctx, at, orchestrator.Transient(errors.New("claim lease expired")), 0)
		} else {
			at.logger.Info("claim held by %s expired before the attempt started, releasing", step.ClaimedBy)
			err = e.release(ctx, at)
		}
		if err != nil {
			if !orchestrator.HasCode(err, orchestrator.ErrCodeClaimLost) {
				errs = append(errs, err)
			}
			continue
		}
		reaped++
		e.record(ctx, audit.Event{
			FirmID:        step.FirmID,
			Action:        audit.ActionStepClaimExpired,
			ResourceType:  audit.ResourceStepExecution,
			ResourceID:    step.ID,
			CorrelationID: step.CorrelationID,
			Payload: map[string]any{
				"worker_id": step.ClaimedBy,
				"attempt":   step.Attempt,
				"started":   started,
			},
		})
	}
	e.metrics.RecordClaimsReaped(reaped)
	return reaped, errors.Join(errs...)
}

// release hands an expired claim that never started back to pending at the
// same attempt. A claim that started meanwhile is left to its worker.
func (e *Executor) release(ctx context.Context, at *attempt) error {
	return e.store.RunInTransaction(ctx, func(tx store.Tx) error {
		cur, err := tx.LoadStep(ctx, at.step.ID)
		if err != nil {
			return err
		}
		if cur.Status != orchestrator.StepRunning || cur.ClaimedBy != at.workerID || cur.StartedAt != nil {
			return claimLost(cur, at.workerID)
		}
		at.step = cur
		return e.unclaim(ctx, tx, at, cur.ScheduledAt)
	})
}

func (e *Executor) load(ctx context.Context, step *orchestrator.StepExecution, workerID string) (*attempt, error) {
	exec, err := e.store.LoadExecution(ctx, step.ExecutionID)
	if err != nil {
		return nil, e.executionError(step.ExecutionID, err)
	}
	def, err := e.definitions.Get(ctx, exec.FirmID, exec.DefinitionKey, exec.DefinitionVersion)
	if err != nil {
		return nil, fmt.Errorf("load definition for execution %s: %w", exec.ID, err)
	}
	stepDef, ok := def.Step(step.StepKey)
	if !ok {
		stepDef = orchestrator.StepDefinition{Key: step.StepKey}
	}
	return &attempt{
		exec:     exec,
		def:      def,
		stepDef:  stepDef,
		step:     step.Clone(),
		workerID: workerID,
		logger: orchestrator.WithLoggerFields(e.logger.WithContext(ctx), map[string]any{
			"execution_id":   step.ExecutionID,
			"step_key":       step.StepKey,
			"attempt":        step.Attempt,
			"correlation_id": step.CorrelationID,
			"worker_id":      workerID,
		}),
	}, nil
}

// reserve verifies the claim and takes the fingerprint. An empty outcome
// means the handler should run.
func (e *Executor) reserve(ctx context.Context, at *attempt) (Outcome, error) {
	var outcome Outcome
	err := e.store.RunInTransaction(ctx, func(tx store.Tx) error {
		outcome = ""
		now := e.now()
		exec, err := tx.LockExecution(ctx, at.exec.ID)
		if err != nil {
			return err
		}
		cur, err := tx.LoadStep(ctx, at.step.ID)
		if err != nil {
			return err
		}
		if cur.Status != orchestrator.StepRunning || cur.ClaimedBy != at.workerID {
			return claimLost(cur, at.workerID)
		}
		at.exec, at.step = exec, cur

		if exec.Status == orchestrator.ExecutionCanceled || exec.Status == orchestrator.ExecutionFailed {
			outcome = OutcomeReleased
			return e.unclaim(ctx, tx, at, cur.ScheduledAt)
		}

		if cur, err = e.start(ctx, tx, at, cur, now); err != nil {
			return err
		}

		steps, err := tx.ListSteps(ctx, exec.ID)
		if err != nil {
			return err
		}
		latest := orchestrator.LatestAttempts(steps)
		at.deps = make(map[string]json.RawMessage, len(at.stepDef.DependsOn))
		for _, dep := range at.stepDef.DependsOn {
			if l := latest[dep]; l != nil && l.Status == orchestrator.StepSucceeded {
				at.deps[dep] = l.Result
			}
		}

		if cur.Fingerprint == "" {
			return nil
		}
		claim := store.FingerprintRecord{
			FirmID:          cur.FirmID,
			Fingerprint:     cur.Fingerprint,
			State:           store.FingerprintInFlight,
			StepExecutionID: cur.ID,
			ExecutionID:     cur.ExecutionID,
			StepKey:         cur.StepKey,
			LeaseUntil:      cur.ClaimedUntil,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		rec, err := tx.LoadFingerprint(ctx, cur.FirmID, cur.Fingerprint)
		if errors.Is(err, store.ErrNotFound) {
			err = tx.ReserveFingerprint(ctx, claim)
			if err == nil {
				return nil
			}
			if !errors.Is(err, store.ErrDuplicate) {
				return err
			}
			rec, err = tx.LoadFingerprint(ctx, cur.FirmID, cur.Fingerprint)
		}
		if err != nil {
			return err
		}

		switch {
		case rec.State == store.FingerprintSucceeded:
			outcome = OutcomeDeduplicated
			at.dedupFrom = rec.StepExecutionID
			at.cached = rec.Result
			return nil
		case rec.StepExecutionID == cur.ID:
			return nil
		case rec.LeaseUntil.After(now):
			outcome = OutcomeDeferred
			return e.unclaim(ctx, tx, at, now.Add(e.deferDelay))
		}

		err = tx.TakeOverFingerprint(ctx, claim, rec.StepExecutionID)
		if errors.Is(err, store.ErrStale) {
			outcome = OutcomeDeferred
			return e.unclaim(ctx, tx, at, now.Add(e.deferDelay))
		}
		if err == nil {
			at.logger.Warn("took over fingerprint from expired attempt %s", rec.StepExecutionID)
		}
		return err
	})
	return outcome, err
}

// start stamps the attempt as started and renews its lease to cover the
// handler timeout plus the settle grace. Claim time spent queued behind other
// attempts in the same batch is not charged to the step.
func (e *Executor) start(ctx context.Context, tx store.Tx, at *attempt, cur *orchestrator.StepExecution, now time.Time) (*orchestrator.StepExecution, error) {
	next := cur.Clone()
	next.StartedAt = orchestrator.TimePtr(now)
	next.ClaimedUntil = now.Add(e.stepTimeout(at) + e.leaseGrace)
	if err := tx.TransitionStep(ctx, next, orchestrator.StepRunning, at.workerID); err != nil {
		if errors.Is(err, store.ErrStale) {
			return nil, claimLost(cur, at.workerID)
		}
		return nil, err
	}
	at.step = next
	return next, nil
}

// unclaim puts a running attempt back to pending without consuming it.
func (e *Executor) unclaim(ctx context.Context, tx store.Tx, at *attempt, scheduledAt time.Time) error {
	next := at.step.Clone()
	next.Status = orchestrator.StepPending
	next.ClaimedBy = ""
	next.ClaimedUntil = time.Time{}
	next.StartedAt = nil
	next.ScheduledAt = scheduledAt
	if err := tx.TransitionStep(ctx, next, orchestrator.StepRunning, at.workerID); err != nil {
		if errors.Is(err, store.ErrStale) {
			return claimLost(at.step, at.workerID)
		}
		return err
	}
	at.step = next
	return nil
}

func (e *Executor) succeed(ctx context.Context, at *attempt, out json.RawMessage, elapsed time.Duration) (DriveResult, error) {
	result := e.baseResult(at)
	result.Outcome = OutcomeSucceeded
	if at.dedupFrom != "" {
		result.Outcome = OutcomeDeduplicated
	}
	result.Duration = elapsed

	var (
		spawned []*orchestrator.StepExecution
		prev    orchestrator.ExecutionStatus
		status  orchestrator.ExecutionStatus
	)
	err := e.store.RunInTransaction(ctx, func(tx store.Tx) error {
		spawned = nil
		now := e.now()
		exec, err := tx.LockExecution(ctx, at.exec.ID)
		if err != nil {
			return err
		}
		cur, err := tx.LoadStep(ctx, at.step.ID)
		if err != nil {
			return err
		}
		next := cur.Clone()
		next.Status = orchestrator.StepSucceeded
		next.Result = out
		next.ErrorClass = ""
		next.ErrorMessage = ""
		next.DeduplicatedFrom = at.dedupFrom
		next.CompletedAt = orchestrator.TimePtr(now)
		if err := tx.TransitionStep(ctx, next, orchestrator.StepRunning, at.workerID); err != nil {
			if errors.Is(err, store.ErrStale) {
				return claimLost(cur, at.workerID)
			}
			return err
		}

		if at.dedupFrom == "" && cur.Fingerprint != "" {
			err := tx.CompleteFingerprint(ctx, cur.FirmID, cur.Fingerprint, cur.ID, out, now)
			if errors.Is(err, store.ErrStale) {
				at.logger.Warn("fingerprint was taken over before completion; result kept on the attempt only")
			} else if err != nil {
				return err
			}
		}

		spawned, prev, status, err = e.advance(ctx, tx, at, exec, now, true)
		return err
	})
	if err != nil {
		return result, err
	}

	result.Result = out
	result.ExecutionStatus = status
	if at.dedupFrom != "" {
		at.logger.Info("step short-circuited by fingerprint held by %s", at.dedupFrom)
	} else {
		at.logger.Info("step succeeded in %s", elapsed)
	}
	e.metrics.RecordStepOutcome(at.step.StepKey, result.Outcome, "", elapsed)

	action := audit.ActionStepSucceeded
	payload := map[string]any{"attempt": at.step.Attempt, "spawned": len(spawned)}
	if at.dedupFrom != "" {
		action = audit.ActionStepDeduplicated
		payload["deduplicated_from"] = at.dedupFrom
	}
	e.record(ctx, e.stepEvent(at, action, payload))
	e.finishExecution(ctx, at, prev, status)
	return result, nil
}

func (e *Executor) fail(ctx context.Context, at *attempt, cause error, elapsed time.Duration) (DriveResult, error) {
	result := e.baseResult(at)
	result.Duration = elapsed

	class := orchestrator.Classify(cause)
	decision := e.policy.ForStep(at.def, at.stepDef).Decide(class, at.step.Attempt)
	message := orchestrator.SanitizeMessage(cause.Error())
	result.ErrorClass = class
	result.Error = message
	var panicked *orchestrator.PanicError
	if errors.As(cause, &panicked) {
		at.logger.Error("handler %s panicked: %v\n%s", at.stepDef.Handler, panicked.Value, panicked.Stack)
	}

	var (
		retry  *orchestrator.StepExecution
		entry  *orchestrator.DLQEntry
		prev   orchestrator.ExecutionStatus
		status orchestrator.ExecutionStatus
	)
	err := e.store.RunInTransaction(ctx, func(tx store.Tx) error {
		retry, entry = nil, nil
		now := e.now()
		exec, err := tx.LockExecution(ctx, at.exec.ID)
		if err != nil {
			return err
		}
		cur, err := tx.LoadStep(ctx, at.step.ID)
		if err != nil {
			return err
		}
		next := cur.Clone()
		next.ErrorClass = class
		next.ErrorMessage = message
		next.CompletedAt = orchestrator.TimePtr(now)
		next.Status = orchestrator.StepDeadLettered
		if decision.Retry {
			next.Status = orchestrator.StepRetrying
		}
		if err := tx.TransitionStep(ctx, next, orchestrator.StepRunning, at.workerID); err != nil {
			if errors.Is(err, store.ErrStale) {
				return claimLost(cur, at.workerID)
			}
			return err
		}
		if cur.Fingerprint != "" {
			if err := tx.ReleaseFingerprint(ctx, cur.FirmID, cur.Fingerprint, cur.ID); err != nil {
				return err
			}
		}

		if decision.Retry {
			prev, status = exec.Status, exec.Status
			if exec.Status == orchestrator.ExecutionCanceled {
				return nil
			}
			retry = &orchestrator.StepExecution{
				ID:            e.newID(),
				ExecutionID:   cur.ExecutionID,
				FirmID:        cur.FirmID,
				StepKey:       cur.StepKey,
				Attempt:       cur.Attempt + 1,
				Status:        orchestrator.StepPending,
				Fingerprint:   cur.Fingerprint,
				ScheduledAt:   now.Add(decision.Delay),
				CorrelationID: cur.CorrelationID,
				CreatedAt:     now,
			}
			return tx.InsertStep(ctx, retry)
		}

		snapshot, err := json.Marshal(map[string]any{
			"input":        rawOrNull(exec.Input),
			"dependencies": at.deps,
			"step_key":     cur.StepKey,
			"attempt":      cur.Attempt,
			"fingerprint":  cur.Fingerprint,
		})
		if err != nil {
			return err
		}
		entry = &orchestrator.DLQEntry{
			ID:              e.newID(),
			StepExecutionID: cur.ID,
			ExecutionID:     cur.ExecutionID,
			FirmID:          cur.FirmID,
			StepKey:         cur.StepKey,
			Attempt:         cur.Attempt,
			Reason:          decision.Reason,
			ErrorClass:      class,
			ErrorMessage:    message,
			Fingerprint:     cur.Fingerprint,
			PayloadSnapshot: snapshot,
			Status:          orchestrator.DLQActive,
			CorrelationID:   cur.CorrelationID,
			EnqueuedAt:      now,
		}
		if err := tx.InsertDLQ(ctx, entry); err != nil {
			return err
		}
		_, prev, status, err = e.advance(ctx, tx, at, exec, now, at.stepDef.Optional)
		return err
	})
	if err != nil {
		return result, err
	}
	result.ExecutionStatus = status

	if retry != nil || decision.Retry {
		result.Outcome = OutcomeRetryScheduled
		payload := map[string]any{"attempt": at.step.Attempt, "error_class": string(class), "max_attempts": decision.MaxAttempts}
		if retry != nil {
			result.NextStepID = retry.ID
			result.RetryAt = retry.ScheduledAt
			payload["next_step_execution_id"] = retry.ID
			payload["retry_at"] = retry.ScheduledAt.Format(time.RFC3339Nano)
		}
		at.logger.Warn("step failed as %s, retry scheduled in %s: %s", class, decision.Delay, message)
		e.metrics.RecordStepOutcome(at.step.StepKey, OutcomeRetryScheduled, class, elapsed)
		e.record(ctx, e.stepEvent(at, audit.ActionStepRetryScheduled, payload))
		return result, nil
	}

	result.Outcome = OutcomeDeadLettered
	result.DLQEntryID = entry.ID
	at.logger.Error("step dead-lettered (%s, %s): %s", entry.Reason, class, message)
	e.metrics.RecordStepOutcome(at.step.StepKey, OutcomeDeadLettered, class, elapsed)
	e.metrics.RecordDeadLettered(entry.Reason)
	e.record(ctx, e.stepEvent(at, audit.ActionStepDeadLettered, map[string]any{
		"attempt":      at.step.Attempt,
		"error_class":  string(class),
		"reason":       string(entry.Reason),
		"dlq_entry_id": entry.ID,
		"optional":     at.stepDef.Optional,
	}))
	e.finishExecution(ctx, at, prev, status)
	return result, nil
}

// advance spawns the dependents that became ready and derives the execution
// status. A failed execution stays failed until a DLQ reprocess reopens it.
func (e *Executor) advance(
	ctx context.Context,
	tx store.Tx,
	at *attempt,
	exec *orchestrator.Execution,
	now time.Time,
	unblock bool,
) ([]*orchestrator.StepExecution, orchestrator.ExecutionStatus, orchestrator.ExecutionStatus, error) {
	prev := exec.Status
	steps, err := tx.ListSteps(ctx, exec.ID)
	if err != nil {
		return nil, prev, prev, err
	}

	var spawned []*orchestrator.StepExecution
	if unblock && !exec.Status.IsTerminal() {
		for _, stepDef := range orchestrator.ReadySteps(at.def, orchestrator.LatestAttempts(steps)) {
			row, err := e.newAttempt(exec, stepDef, 1, now)
			if err != nil {
				return nil, prev, prev, err
			}
			if err := tx.InsertStep(ctx, row); err != nil {
				return nil, prev, prev, err
			}
			spawned = append(spawned, row)
		}
		steps = append(steps, spawned...)
	}

	status := orchestrator.DeriveExecutionStatus(at.def, steps, exec.Status)
	if prev == orchestrator.ExecutionFailed {
		status = orchestrator.ExecutionFailed
	}
	if status == prev {
		return spawned, prev, status, nil
	}
	next := exec.Clone()
	next.Status = status
	if next.StartedAt == nil {
		next.StartedAt = orchestrator.TimePtr(now)
	}
	if status.IsTerminal() {
		next.CompletedAt = orchestrator.TimePtr(now)
	}
	if err := tx.UpdateExecution(ctx, next, prev); err != nil {
		return nil, prev, prev, err
	}
	return spawned, prev, status, nil
}

func (e *Executor) finishExecution(ctx context.Context, at *attempt, prev, status orchestrator.ExecutionStatus) {
	if prev == status || !status.IsTerminal() {
		return
	}
	action := audit.ActionExecutionSucceeded
	if status == orchestrator.ExecutionFailed {
		action = audit.ActionExecutionFailed
	}
	at.logger.Info("execution %s", status)
	e.metrics.RecordExecutionFinished(status)
	e.record(ctx, audit.Event{
		FirmID:        at.exec.FirmID,
		Action:        action,
		ResourceType:  audit.ResourceExecution,
		ResourceID:    at.exec.ID,
		CorrelationID: at.exec.CorrelationID,
		Payload:       map[string]any{"step_key": at.step.StepKey},
	})
}

func (e *Executor) stepTimeout(at *attempt) time.Duration {
	if at.stepDef.Timeout > 0 {
		return at.stepDef.Timeout
	}
	return e.defaultTimeout
}

func (e *Executor) baseResult(at *attempt) DriveResult {
	return DriveResult{
		StepExecutionID: at.step.ID,
		ExecutionID:     at.step.ExecutionID,
		StepKey:         at.step.StepKey,
		Attempt:         at.step.Attempt,
	}
}

func (e *Executor) stepEvent(at *attempt, action string, payload map[string]any) audit.Event {
	return audit.Event{
		FirmID:        at.step.FirmID,
		Action:        action,
		ResourceType:  audit.ResourceStepExecution,
		ResourceID:    at.step.ID,
		CorrelationID: at.step.CorrelationID,
		Payload:       payload,
	}
}

func claimLost(step *orchestrator.StepExecution, workerID string) error {
	return orchestrator.NewError(orchestrator.ErrClaimLost,
		fmt.Sprintf("step execution %s is no longer claimed by %s", step.ID, workerID), nil,
		map[string]any{
			"step_execution_id": step.ID,
			"status":            string(step.Status),
			"claimed_by":        step.ClaimedBy,
			"worker_id":         workerID,
		})
}

func rawOrNull(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("null")
	}
	return raw
}
