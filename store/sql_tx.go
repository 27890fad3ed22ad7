package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/audit"
)

const (
	executionColumns = `id, firm_id, definition_key, definition_version, correlation_id, idempotency_key,
		step_idempotency_keys, status, input, submitted_by, canceled_by, created_at, started_at, completed_at`
	stepColumns = `id, execution_id, firm_id, step_key, attempt, status, fingerprint, error_class, error_message,
		result, scheduled_at, claimed_by, claimed_until, deduplicated_from, reprocessed_from, correlation_id,
		created_at, started_at, completed_at`
	fingerprintColumns = `firm_id, fingerprint, state, step_execution_id, execution_id, step_key, result,
		lease_until, created_at, updated_at`
	dlqColumns = `id, step_execution_id, execution_id, firm_id, step_key, attempt, reason, error_class,
		error_message, fingerprint, payload_snapshot, status, correlation_id, enqueued_at, reprocessed_at,
		reprocessed_by, reprocessed_step_id, archived_at, archived_by, archive_note`
)

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlRowScanner interface {
	Scan(dest ...any) error
}

// sqlTx implements Tx over a *sql.Tx. Reads outside a transaction reuse it
// over the *sql.DB with locking disabled.
type sqlTx struct {
	q       queryer
	d       Dialect
	t       tables
	locking bool
}

var _ Tx = (*sqlTx)(nil)

func (tx *sqlTx) lock() string {
	if !tx.locking {
		return ""
	}
	return tx.d.rowLock()
}

func (tx *sqlTx) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := tx.q.ExecContext(ctx, tx.d.rebind(query), args...)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicate
		}
		return 0, err
	}
	return res.RowsAffected()
}

func (tx *sqlTx) exists(ctx context.Context, table, column, value string) (bool, error) {
	var n int
	err := tx.q.QueryRowContext(ctx, tx.d.rebind(fmt.Sprintf(`SELECT COUNT(1) FROM %s WHERE %s = ?`, table, column)), value).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// staleOrMissing resolves a CAS update that matched no row.
func (tx *sqlTx) staleOrMissing(ctx context.Context, table, id string) error {
	ok, err := tx.exists(ctx, table, "id", id)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}
	return ErrStale
}

func (tx *sqlTx) InsertExecution(ctx context.Context, exec *orchestrator.Execution) error {
	if exec == nil || strings.TrimSpace(exec.ID) == "" {
		return errors.New("execution id required")
	}
	keys, err := encodeJSON(exec.StepIdempotencyKeys)
	if err != nil {
		return err
	}
	affected, err := tx.exec(ctx, fmt.Sprintf(`INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`, tx.t.executions, executionColumns),
		exec.ID, exec.FirmID, exec.DefinitionKey, exec.DefinitionVersion, exec.CorrelationID, exec.IdempotencyKey,
		keys, string(exec.Status), string(exec.Input), exec.SubmittedBy, exec.CanceledBy,
		toNanos(exec.CreatedAt), ptrNanos(exec.StartedAt), ptrNanos(exec.CompletedAt),
	)
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrDuplicate
	}
	return nil
}

func (tx *sqlTx) LockExecution(ctx context.Context, id string) (*orchestrator.Execution, error) {
	row := tx.q.QueryRowContext(ctx, tx.d.rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?%s`,
		executionColumns, tx.t.executions, tx.lock())), strings.TrimSpace(id))
	return scanExecution(row)
}

func (tx *sqlTx) FindExecution(ctx context.Context, firmID, definitionKey, idempotencyKey string) (*orchestrator.Execution, error) {
	if idempotencyKey == "" {
		return nil, ErrNotFound
	}
	row := tx.q.QueryRowContext(ctx, tx.d.rebind(fmt.Sprintf(`SELECT %s FROM %s
		WHERE firm_id = ? AND definition_key = ? AND idempotency_key = ?`,
		executionColumns, tx.t.executions)), firmID, definitionKey, idempotencyKey)
	return scanExecution(row)
}

func (tx *sqlTx) UpdateExecution(ctx context.Context, exec *orchestrator.Execution, expected orchestrator.ExecutionStatus) error {
	if exec == nil {
		return errors.New("execution required")
	}
	affected, err := tx.exec(ctx, fmt.Sprintf(`UPDATE %s
		SET status = ?, canceled_by = ?, started_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`, tx.t.executions),
		string(exec.Status), exec.CanceledBy, ptrNanos(exec.StartedAt), ptrNanos(exec.CompletedAt),
		exec.ID, string(expected),
	)
	if err != nil {
		return err
	}
	if affected == 0 {
		return tx.staleOrMissing(ctx, tx.t.executions, exec.ID)
	}
	return nil
}

func (tx *sqlTx) InsertStep(ctx context.Context, step *orchestrator.StepExecution) error {
	if step == nil || strings.TrimSpace(step.ID) == "" {
		return errors.New("step execution id required")
	}
	affected, err := tx.exec(ctx, fmt.Sprintf(`INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`, tx.t.steps, stepColumns),
		step.ID, step.ExecutionID, step.FirmID, step.StepKey, step.Attempt, string(step.Status),
		step.Fingerprint, string(step.ErrorClass), step.ErrorMessage, string(step.Result),
		toNanos(step.ScheduledAt), step.ClaimedBy, toNanos(step.ClaimedUntil), step.DeduplicatedFrom,
		step.ReprocessedFrom, step.CorrelationID, toNanos(step.CreatedAt), ptrNanos(step.StartedAt),
		ptrNanos(step.CompletedAt),
	)
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrDuplicate
	}
	return nil
}

func (tx *sqlTx) LoadStep(ctx context.Context, id string) (*orchestrator.StepExecution, error) {
	row := tx.q.QueryRowContext(ctx, tx.d.rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?%s`,
		stepColumns, tx.t.steps, tx.lock())), strings.TrimSpace(id))
	return scanStep(row)
}

func (tx *sqlTx) ListSteps(ctx context.Context, executionID string) ([]*orchestrator.StepExecution, error) {
	q := tx.d.rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE execution_id = ?
		ORDER BY created_at ASC, step_key ASC, attempt ASC`, stepColumns, tx.t.steps))
	return tx.querySteps(ctx, q, executionID)
}

func (tx *sqlTx) querySteps(ctx context.Context, query string, args ...any) ([]*orchestrator.StepExecution, error) {
	rows, err := tx.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()
	var out []*orchestrator.StepExecution
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

func (tx *sqlTx) TransitionStep(ctx context.Context, step *orchestrator.StepExecution, from orchestrator.StepStatus, claimedBy string) error {
	if step == nil {
		return errors.New("step execution required")
	}
	query := fmt.Sprintf(`UPDATE %s
		SET status = ?, error_class = ?, error_message = ?, result = ?, scheduled_at = ?,
			claimed_by = ?, claimed_until = ?, deduplicated_from = ?, started_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`, tx.t.steps)
	args := []any{
		string(step.Status), string(step.ErrorClass), step.ErrorMessage, string(step.Result),
		toNanos(step.ScheduledAt), step.ClaimedBy, toNanos(step.ClaimedUntil), step.DeduplicatedFrom,
		ptrNanos(step.StartedAt), ptrNanos(step.CompletedAt),
		step.ID, string(from),
	}
	if claimedBy != "" {
		query += " AND claimed_by = ?"
		args = append(args, claimedBy)
	}
	affected, err := tx.exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if affected == 0 {
		return tx.staleOrMissing(ctx, tx.t.steps, step.ID)
	}
	return nil
}

func (tx *sqlTx) PinDefinition(ctx context.Context, pin DefinitionPin) (*DefinitionPin, error) {
	if _, err := tx.exec(ctx, fmt.Sprintf(`INSERT INTO %s (firm_id, definition_key, version, digest, body, pinned_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`, tx.t.definitions),
		pin.FirmID, pin.Key, pin.Version, pin.Digest, string(pin.Body), toNanos(pin.PinnedAt),
	); err != nil {
		return nil, err
	}
	return tx.loadPin(ctx, pin.FirmID, pin.Key, pin.Version)
}

func (tx *sqlTx) loadPin(ctx context.Context, firmID, key string, version int) (*DefinitionPin, error) {
	var (
		pin      DefinitionPin
		body     string
		pinnedAt int64
	)
	err := tx.q.QueryRowContext(ctx, tx.d.rebind(fmt.Sprintf(`SELECT firm_id, definition_key, version, digest, body, pinned_at
		FROM %s WHERE firm_id = ? AND definition_key = ? AND version = ?`, tx.t.definitions)),
		firmID, key, version,
	).Scan(&pin.FirmID, &pin.Key, &pin.Version, &pin.Digest, &body, &pinnedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	pin.Body = rawOrNil(body)
	pin.PinnedAt = fromNanos(pinnedAt)
	return &pin, nil
}

func (tx *sqlTx) LoadFingerprint(ctx context.Context, firmID, fingerprint string) (*FingerprintRecord, error) {
	row := tx.q.QueryRowContext(ctx, tx.d.rebind(fmt.Sprintf(`SELECT %s FROM %s
		WHERE firm_id = ? AND fingerprint = ?%s`, fingerprintColumns, tx.t.fingerprints, tx.lock())), firmID, fingerprint)
	return scanFingerprint(row)
}

func (tx *sqlTx) ReserveFingerprint(ctx context.Context, rec FingerprintRecord) error {
	affected, err := tx.exec(ctx, fmt.Sprintf(`INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`, tx.t.fingerprints, fingerprintColumns),
		rec.FirmID, rec.Fingerprint, string(rec.State), rec.StepExecutionID, rec.ExecutionID, rec.StepKey,
		string(rec.Result), toNanos(rec.LeaseUntil), toNanos(rec.CreatedAt), toNanos(rec.UpdatedAt),
	)
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrDuplicate
	}
	return nil
}

func (tx *sqlTx) TakeOverFingerprint(ctx context.Context, rec FingerprintRecord, previousHolder string) error {
	affected, err := tx.exec(ctx, fmt.Sprintf(`UPDATE %s
		SET state = ?, step_execution_id = ?, execution_id = ?, step_key = ?, result = ?, lease_until = ?, updated_at = ?
		WHERE firm_id = ? AND fingerprint = ? AND state = ? AND step_execution_id = ?`, tx.t.fingerprints),
		string(rec.State), rec.StepExecutionID, rec.ExecutionID, rec.StepKey, string(rec.Result),
		toNanos(rec.LeaseUntil), toNanos(rec.UpdatedAt),
		rec.FirmID, rec.Fingerprint, string(FingerprintInFlight), previousHolder,
	)
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrStale
	}
	return nil
}

func (tx *sqlTx) CompleteFingerprint(ctx context.Context, firmID, fingerprint, holder string, result json.RawMessage, at time.Time) error {
	affected, err := tx.exec(ctx, fmt.Sprintf(`UPDATE %s
		SET state = ?, result = ?, lease_until = 0, updated_at = ?
		WHERE firm_id = ? AND fingerprint = ? AND state = ? AND step_execution_id = ?`, tx.t.fingerprints),
		string(FingerprintSucceeded), string(result), toNanos(at),
		firmID, fingerprint, string(FingerprintInFlight), holder,
	)
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrStale
	}
	return nil
}

func (tx *sqlTx) ReleaseFingerprint(ctx context.Context, firmID, fingerprint, holder string) error {
	_, err := tx.exec(ctx, fmt.Sprintf(`DELETE FROM %s
		WHERE firm_id = ? AND fingerprint = ? AND state = ? AND step_execution_id = ?`, tx.t.fingerprints),
		firmID, fingerprint, string(FingerprintInFlight), holder,
	)
	return err
}

func (tx *sqlTx) InsertDLQ(ctx context.Context, entry *orchestrator.DLQEntry) error {
	if entry == nil || strings.TrimSpace(entry.ID) == "" {
		return errors.New("dlq entry id required")
	}
	affected, err := tx.exec(ctx, fmt.Sprintf(`INSERT INTO %s (%s)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING`, tx.t.dlq, dlqColumns),
		entry.ID, entry.StepExecutionID, entry.ExecutionID, entry.FirmID, entry.StepKey, entry.Attempt,
		string(entry.Reason), string(entry.ErrorClass), entry.ErrorMessage, entry.Fingerprint,
		string(entry.PayloadSnapshot), string(entry.Status), entry.CorrelationID, toNanos(entry.EnqueuedAt),
		ptrNanos(entry.ReprocessedAt), entry.ReprocessedBy, entry.ReprocessedStepID,
		ptrNanos(entry.ArchivedAt), entry.ArchivedBy, entry.ArchiveNote,
	)
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrDuplicate
	}
	return nil
}

func (tx *sqlTx) LoadDLQ(ctx context.Context, id string) (*orchestrator.DLQEntry, error) {
	row := tx.q.QueryRowContext(ctx, tx.d.rebind(fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?%s`,
		dlqColumns, tx.t.dlq, tx.lock())), strings.TrimSpace(id))
	return scanDLQ(row)
}

func (tx *sqlTx) UpdateDLQ(ctx context.Context, entry *orchestrator.DLQEntry, expected orchestrator.DLQStatus) error {
	if entry == nil {
		return errors.New("dlq entry required")
	}
	affected, err := tx.exec(ctx, fmt.Sprintf(`UPDATE %s
		SET status = ?, reprocessed_at = ?, reprocessed_by = ?, reprocessed_step_id = ?,
			archived_at = ?, archived_by = ?, archive_note = ?
		WHERE id = ? AND status = ?`, tx.t.dlq),
		string(entry.Status), ptrNanos(entry.ReprocessedAt), entry.ReprocessedBy, entry.ReprocessedStepID,
		ptrNanos(entry.ArchivedAt), entry.ArchivedBy, entry.ArchiveNote,
		entry.ID, string(expected),
	)
	if err != nil {
		return err
	}
	if affected == 0 {
		return tx.staleOrMissing(ctx, tx.t.dlq, entry.ID)
	}
	return nil
}

func (tx *sqlTx) AppendAudit(ctx context.Context, event audit.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	payload, err := encodeJSON(event.Payload)
	if err != nil {
		return err
	}
	integrity, err := audit.IntegritySHA256(event)
	if err != nil {
		return err
	}
	_, err = tx.exec(ctx, fmt.Sprintf(`INSERT INTO %s
		(id, occurred_at, firm_id, actor, action, resource_type, resource_id, correlation_id, payload, integrity_sha256)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, tx.t.audit),
		event.ID, toNanos(event.OccurredAt), event.FirmID, event.Actor, event.Action,
		event.ResourceType, event.ResourceID, event.CorrelationID, payload, integrity,
	)
	return err
}

func scanExecution(row sqlRowScanner) (*orchestrator.Execution, error) {
	var (
		exec                            orchestrator.Execution
		status, keys, input             string
		createdAt, startedAt, completed int64
	)
	err := row.Scan(
		&exec.ID, &exec.FirmID, &exec.DefinitionKey, &exec.DefinitionVersion, &exec.CorrelationID,
		&exec.IdempotencyKey, &keys, &status, &input, &exec.SubmittedBy, &exec.CanceledBy,
		&createdAt, &startedAt, &completed,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if keys != "" {
		if err := json.Unmarshal([]byte(keys), &exec.StepIdempotencyKeys); err != nil {
			return nil, fmt.Errorf("decode step idempotency keys: %w", err)
		}
	}
	exec.Status = orchestrator.ExecutionStatus(status)
	exec.Input = rawOrNil(input)
	exec.CreatedAt = fromNanos(createdAt)
	exec.StartedAt = ptrFromNanos(startedAt)
	exec.CompletedAt = ptrFromNanos(completed)
	return &exec, nil
}

func scanStep(row sqlRowScanner) (*orchestrator.StepExecution, error) {
	var (
		step                                 orchestrator.StepExecution
		status, errClass, result             string
		scheduledAt, claimedUntil, createdAt int64
		startedAt, completedAt               int64
	)
	err := row.Scan(
		&step.ID, &step.ExecutionID, &step.FirmID, &step.StepKey, &step.Attempt, &status, &step.Fingerprint,
		&errClass, &step.ErrorMessage, &result, &scheduledAt, &step.ClaimedBy, &claimedUntil,
		&step.DeduplicatedFrom, &step.ReprocessedFrom, &step.CorrelationID, &createdAt, &startedAt, &completedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	step.Status = orchestrator.StepStatus(status)
	step.ErrorClass = orchestrator.ErrorClass(errClass)
	step.Result = rawOrNil(result)
	step.ScheduledAt = fromNanos(scheduledAt)
	step.ClaimedUntil = fromNanos(claimedUntil)
	step.CreatedAt = fromNanos(createdAt)
	step.StartedAt = ptrFromNanos(startedAt)
	step.CompletedAt = ptrFromNanos(completedAt)
	return &step, nil
}

func scanFingerprint(row sqlRowScanner) (*FingerprintRecord, error) {
	var (
		rec                              FingerprintRecord
		state, result                    string
		leaseUntil, createdAt, updatedAt int64
	)
	err := row.Scan(
		&rec.FirmID, &rec.Fingerprint, &state, &rec.StepExecutionID, &rec.ExecutionID, &rec.StepKey,
		&result, &leaseUntil, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec.State = FingerprintState(state)
	rec.Result = rawOrNil(result)
	rec.LeaseUntil = fromNanos(leaseUntil)
	rec.CreatedAt = fromNanos(createdAt)
	rec.UpdatedAt = fromNanos(updatedAt)
	return &rec, nil
}

func scanDLQ(row sqlRowScanner) (*orchestrator.DLQEntry, error) {
	var (
		entry                               orchestrator.DLQEntry
		reason, errClass, payload, status   string
		enqueuedAt, reprocessedAt, archived int64
	)
	err := row.Scan(
		&entry.ID, &entry.StepExecutionID, &entry.ExecutionID, &entry.FirmID, &entry.StepKey, &entry.Attempt,
		&reason, &errClass, &entry.ErrorMessage, &entry.Fingerprint, &payload, &status, &entry.CorrelationID,
		&enqueuedAt, &reprocessedAt, &entry.ReprocessedBy, &entry.ReprocessedStepID, &archived,
		&entry.ArchivedBy, &entry.ArchiveNote,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	entry.Reason = orchestrator.DLQReason(reason)
	entry.ErrorClass = orchestrator.ErrorClass(errClass)
	entry.PayloadSnapshot = rawOrNil(payload)
	entry.Status = orchestrator.DLQStatus(status)
	entry.EnqueuedAt = fromNanos(enqueuedAt)
	entry.ReprocessedAt = ptrFromNanos(reprocessedAt)
	entry.ArchivedAt = ptrFromNanos(archived)
	return &entry, nil
}

func scanAudit(row sqlRowScanner) (audit.Event, error) {
	var (
		e          audit.Event
		occurredAt int64
		payload    string
	)
	err := row.Scan(&e.ID, &occurredAt, &e.FirmID, &e.Actor, &e.Action, &e.ResourceType, &e.ResourceID,
		&e.CorrelationID, &payload)
	if err != nil {
		return e, err
	}
	e.OccurredAt = fromNanos(occurredAt)
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
			return e, fmt.Errorf("decode audit payload: %w", err)
		}
	}
	return e, nil
}

func encodeJSON(v any) (string, error) {
	switch t := v.(type) {
	case map[string]string:
		if len(t) == 0 {
			return "", nil
		}
	case map[string]any:
		if len(t) == 0 {
			return "", nil
		}
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func rawOrNil(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	return json.RawMessage(s)
}
