package store

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/audit"
)

type fingerprintKey struct {
	firmID      string
	fingerprint string
}

type pinKey struct {
	firmID  string
	key     string
	version int
}

type memoryState struct {
	executions   map[string]*orchestrator.Execution
	steps        map[string]*orchestrator.StepExecution
	fingerprints map[fingerprintKey]*FingerprintRecord
	dlq          map[string]*orchestrator.DLQEntry
	pins         map[pinKey]DefinitionPin
	audit        []audit.Event
}

// MemoryStore is a thread-safe in-memory Store. Transactions run against a
// copy of the state which replaces the live state on commit.
type MemoryStore struct {
	mu           sync.RWMutex
	state        *memoryState
	defaultLease time.Duration
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memoryState{
			executions:   make(map[string]*orchestrator.Execution),
			steps:        make(map[string]*orchestrator.StepExecution),
			fingerprints: make(map[fingerprintKey]*FingerprintRecord),
			dlq:          make(map[string]*orchestrator.DLQEntry),
			pins:         make(map[pinKey]DefinitionPin),
		},
		defaultLease: 30 * time.Second,
	}
}

// RunInTransaction applies mutations atomically with rollback on error.
func (s *MemoryStore) RunInTransaction(ctx context.Context, fn func(Tx) error) error {
	if s == nil {
		return errors.New("in-memory store not configured")
	}
	if fn == nil {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memoryTx{state: s.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.state
	return nil
}

func (s *MemoryStore) ClaimPending(ctx context.Context, req ClaimRequest) ([]*orchestrator.StepExecution, error) {
	req, err := normalizeClaim(req, s.defaultLease)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]*orchestrator.StepExecution, 0)
	for _, step := range s.state.steps {
		if step.Status != orchestrator.StepPending || step.ScheduledAt.After(req.Now) {
			continue
		}
		exec := s.state.executions[step.ExecutionID]
		if exec == nil || !claimableExecution(exec.Status) {
			continue
		}
		candidates = append(candidates, step)
	}
	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].ScheduledAt.Equal(candidates[j].ScheduledAt) {
			return candidates[i].ScheduledAt.Before(candidates[j].ScheduledAt)
		}
		return candidates[i].ID < candidates[j].ID
	})
	if len(candidates) > req.Limit {
		candidates = candidates[:req.Limit]
	}

	claimed := make([]*orchestrator.StepExecution, 0, len(candidates))
	for _, step := range candidates {
		step.Status = orchestrator.StepRunning
		step.ClaimedBy = req.WorkerID
		step.ClaimedUntil = req.LeaseUntil
		exec := s.state.executions[step.ExecutionID]
		if exec.Status == orchestrator.ExecutionPending {
			exec.Status = orchestrator.ExecutionRunning
			exec.StartedAt = orchestrator.TimePtr(req.Now)
		}
		claimed = append(claimed, step.Clone())
	}
	return claimed, nil
}

func (s *MemoryStore) ListExpiredClaims(ctx context.Context, now time.Time, limit int) ([]*orchestrator.StepExecution, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*orchestrator.StepExecution
	for _, step := range s.state.steps {
		if step.Status == orchestrator.StepRunning && step.ClaimedUntil.Before(now) {
			out = append(out, step.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ClaimedUntil.Equal(out[j].ClaimedUntil) {
			return out[i].ClaimedUntil.Before(out[j].ClaimedUntil)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) LoadExecution(ctx context.Context, id string) (*orchestrator.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memoryTx{state: s.state}).loadExecution(id)
}

func (s *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*orchestrator.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*orchestrator.Execution
	for _, exec := range s.state.executions {
		if filter.FirmID != "" && exec.FirmID != filter.FirmID {
			continue
		}
		if filter.DefinitionKey != "" && exec.DefinitionKey != filter.DefinitionKey {
			continue
		}
		if !executionStatusMatch(filter.Statuses, exec.Status) {
			continue
		}
		out = append(out, exec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListSteps(ctx context.Context, executionID string) ([]*orchestrator.StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memoryTx{state: s.state}).ListSteps(ctx, executionID)
}

func (s *MemoryStore) LoadDLQ(ctx context.Context, id string) (*orchestrator.DLQEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return (&memoryTx{state: s.state}).LoadDLQ(ctx, id)
}

func (s *MemoryStore) LoadDefinitionPin(_ context.Context, firmID, key string, version int) (*DefinitionPin, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pin, ok := s.state.pins[pinKey{firmID, key, version}]
	if !ok {
		return nil, ErrNotFound
	}
	pin.Body = cloneRaw(pin.Body)
	return &pin, nil
}

func (s *MemoryStore) ListDLQ(_ context.Context, filter DLQFilter) ([]*orchestrator.DLQEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*orchestrator.DLQEntry
	for _, entry := range s.state.dlq {
		if filter.FirmID != "" && entry.FirmID != filter.FirmID {
			continue
		}
		if filter.ExecutionID != "" && entry.ExecutionID != filter.ExecutionID {
			continue
		}
		if filter.StepKey != "" && entry.StepKey != filter.StepKey {
			continue
		}
		if filter.Reason != "" && entry.Reason != filter.Reason {
			continue
		}
		if !dlqStatusMatch(filter.Statuses, entry.Status) {
			continue
		}
		out = append(out, entry.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EnqueuedAt.Equal(out[j].EnqueuedAt) {
			return out[i].EnqueuedAt.Before(out[j].EnqueuedAt)
		}
		return out[i].ID < out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListAudit(_ context.Context, filter AuditFilter) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []audit.Event
	for _, e := range s.state.audit {
		if filter.FirmID != "" && e.FirmID != filter.FirmID {
			continue
		}
		if filter.ResourceType != "" && e.ResourceType != filter.ResourceType {
			continue
		}
		if filter.ResourceID != "" && e.ResourceID != filter.ResourceID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		out = append(out, cloneEvent(e))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

type memoryTx struct {
	state *memoryState
}

func (tx *memoryTx) InsertExecution(_ context.Context, exec *orchestrator.Execution) error {
	if exec == nil || strings.TrimSpace(exec.ID) == "" {
		return errors.New("execution id required")
	}
	if _, exists := tx.state.executions[exec.ID]; exists {
		return ErrDuplicate
	}
	if exec.IdempotencyKey != "" {
		if found, _ := tx.FindExecution(context.Background(), exec.FirmID, exec.DefinitionKey, exec.IdempotencyKey); found != nil {
			return ErrDuplicate
		}
	}
	tx.state.executions[exec.ID] = exec.Clone()
	return nil
}

func (tx *memoryTx) LockExecution(_ context.Context, id string) (*orchestrator.Execution, error) {
	return tx.loadExecution(id)
}

func (tx *memoryTx) loadExecution(id string) (*orchestrator.Execution, error) {
	exec, ok := tx.state.executions[strings.TrimSpace(id)]
	if !ok {
		return nil, ErrNotFound
	}
	return exec.Clone(), nil
}

func (tx *memoryTx) FindExecution(_ context.Context, firmID, definitionKey, idempotencyKey string) (*orchestrator.Execution, error) {
	if idempotencyKey == "" {
		return nil, ErrNotFound
	}
	for _, exec := range tx.state.executions {
		if exec.FirmID == firmID && exec.DefinitionKey == definitionKey && exec.IdempotencyKey == idempotencyKey {
			return exec.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (tx *memoryTx) UpdateExecution(_ context.Context, exec *orchestrator.Execution, expected orchestrator.ExecutionStatus) error {
	if exec == nil {
		return errors.New("execution required")
	}
	cur, ok := tx.state.executions[exec.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expected {
		return ErrStale
	}
	cur.Status = exec.Status
	cur.CanceledBy = exec.CanceledBy
	cur.StartedAt = cloneTimePtr(exec.StartedAt)
	cur.CompletedAt = cloneTimePtr(exec.CompletedAt)
	return nil
}

func (tx *memoryTx) InsertStep(_ context.Context, step *orchestrator.StepExecution) error {
	if step == nil || strings.TrimSpace(step.ID) == "" {
		return errors.New("step execution id required")
	}
	if _, exists := tx.state.steps[step.ID]; exists {
		return ErrDuplicate
	}
	for _, cur := range tx.state.steps {
		if cur.ExecutionID == step.ExecutionID && cur.StepKey == step.StepKey && cur.Attempt == step.Attempt {
			return ErrDuplicate
		}
	}
	tx.state.steps[step.ID] = step.Clone()
	return nil
}

func (tx *memoryTx) LoadStep(_ context.Context, id string) (*orchestrator.StepExecution, error) {
	step, ok := tx.state.steps[strings.TrimSpace(id)]
	if !ok {
		return nil, ErrNotFound
	}
	return step.Clone(), nil
}

func (tx *memoryTx) ListSteps(_ context.Context, executionID string) ([]*orchestrator.StepExecution, error) {
	var out []*orchestrator.StepExecution
	for _, step := range tx.state.steps {
		if step.ExecutionID == executionID {
			out = append(out, step.Clone())
		}
	}
	sortSteps(out)
	return out, nil
}

func (tx *memoryTx) TransitionStep(_ context.Context, step *orchestrator.StepExecution, from orchestrator.StepStatus, claimedBy string) error {
	if step == nil {
		return errors.New("step execution required")
	}
	cur, ok := tx.state.steps[step.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != from || (claimedBy != "" && cur.ClaimedBy != claimedBy) {
		return ErrStale
	}
	cur.Status = step.Status
	cur.ErrorClass = step.ErrorClass
	cur.ErrorMessage = step.ErrorMessage
	cur.Result = cloneRaw(step.Result)
	cur.ScheduledAt = step.ScheduledAt
	cur.ClaimedBy = step.ClaimedBy
	cur.ClaimedUntil = step.ClaimedUntil
	cur.DeduplicatedFrom = step.DeduplicatedFrom
	cur.StartedAt = cloneTimePtr(step.StartedAt)
	cur.CompletedAt = cloneTimePtr(step.CompletedAt)
	return nil
}

func (tx *memoryTx) PinDefinition(_ context.Context, pin DefinitionPin) (*DefinitionPin, error) {
	k := pinKey{pin.FirmID, pin.Key, pin.Version}
	if cur, ok := tx.state.pins[k]; ok {
		cur.Body = cloneRaw(cur.Body)
		return &cur, nil
	}
	pin.Body = cloneRaw(pin.Body)
	tx.state.pins[k] = pin
	pin.Body = cloneRaw(pin.Body)
	return &pin, nil
}

func (tx *memoryTx) LoadFingerprint(_ context.Context, firmID, fingerprint string) (*FingerprintRecord, error) {
	rec, ok := tx.state.fingerprints[fingerprintKey{firmID, fingerprint}]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

func (tx *memoryTx) ReserveFingerprint(_ context.Context, rec FingerprintRecord) error {
	key := fingerprintKey{rec.FirmID, rec.Fingerprint}
	if _, exists := tx.state.fingerprints[key]; exists {
		return ErrDuplicate
	}
	tx.state.fingerprints[key] = rec.clone()
	return nil
}

func (tx *memoryTx) TakeOverFingerprint(_ context.Context, rec FingerprintRecord, previousHolder string) error {
	key := fingerprintKey{rec.FirmID, rec.Fingerprint}
	cur, ok := tx.state.fingerprints[key]
	if !ok || cur.State != FingerprintInFlight || cur.StepExecutionID != previousHolder {
		return ErrStale
	}
	next := rec.clone()
	next.CreatedAt = cur.CreatedAt
	tx.state.fingerprints[key] = next
	return nil
}

func (tx *memoryTx) CompleteFingerprint(_ context.Context, firmID, fingerprint, holder string, result json.RawMessage, at time.Time) error {
	cur, ok := tx.state.fingerprints[fingerprintKey{firmID, fingerprint}]
	if !ok || cur.State != FingerprintInFlight || cur.StepExecutionID != holder {
		return ErrStale
	}
	cur.State = FingerprintSucceeded
	cur.Result = cloneRaw(result)
	cur.LeaseUntil = time.Time{}
	cur.UpdatedAt = at.UTC()
	return nil
}

func (tx *memoryTx) ReleaseFingerprint(_ context.Context, firmID, fingerprint, holder string) error {
	key := fingerprintKey{firmID, fingerprint}
	if cur, ok := tx.state.fingerprints[key]; ok && cur.State == FingerprintInFlight && cur.StepExecutionID == holder {
		delete(tx.state.fingerprints, key)
	}
	return nil
}

func (tx *memoryTx) InsertDLQ(_ context.Context, entry *orchestrator.DLQEntry) error {
	if entry == nil || strings.TrimSpace(entry.ID) == "" {
		return errors.New("dlq entry id required")
	}
	if _, exists := tx.state.dlq[entry.ID]; exists {
		return ErrDuplicate
	}
	for _, cur := range tx.state.dlq {
		if cur.StepExecutionID == entry.StepExecutionID {
			return ErrDuplicate
		}
	}
	tx.state.dlq[entry.ID] = entry.Clone()
	return nil
}

func (tx *memoryTx) LoadDLQ(_ context.Context, id string) (*orchestrator.DLQEntry, error) {
	entry, ok := tx.state.dlq[strings.TrimSpace(id)]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.Clone(), nil
}

func (tx *memoryTx) UpdateDLQ(_ context.Context, entry *orchestrator.DLQEntry, expected orchestrator.DLQStatus) error {
	if entry == nil {
		return errors.New("dlq entry required")
	}
	cur, ok := tx.state.dlq[entry.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != expected {
		return ErrStale
	}
	cur.Status = entry.Status
	cur.ReprocessedAt = cloneTimePtr(entry.ReprocessedAt)
	cur.ReprocessedBy = entry.ReprocessedBy
	cur.ReprocessedStepID = entry.ReprocessedStepID
	cur.ArchivedAt = cloneTimePtr(entry.ArchivedAt)
	cur.ArchivedBy = entry.ArchivedBy
	cur.ArchiveNote = entry.ArchiveNote
	return nil
}

func (tx *memoryTx) AppendAudit(_ context.Context, event audit.Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	tx.state.audit = append(tx.state.audit, cloneEvent(event))
	return nil
}

func (s *memoryState) clone() *memoryState {
	out := &memoryState{
		executions:   make(map[string]*orchestrator.Execution, len(s.executions)),
		steps:        make(map[string]*orchestrator.StepExecution, len(s.steps)),
		fingerprints: make(map[fingerprintKey]*FingerprintRecord, len(s.fingerprints)),
		dlq:          make(map[string]*orchestrator.DLQEntry, len(s.dlq)),
		pins:         make(map[pinKey]DefinitionPin, len(s.pins)),
		audit:        append([]audit.Event(nil), s.audit...),
	}
	for k, v := range s.pins {
		out.pins[k] = v
	}
	for k, v := range s.executions {
		out.executions[k] = v.Clone()
	}
	for k, v := range s.steps {
		out.steps[k] = v.Clone()
	}
	for k, v := range s.fingerprints {
		out.fingerprints[k] = v.clone()
	}
	for k, v := range s.dlq {
		out.dlq[k] = v.Clone()
	}
	return out
}

func (r FingerprintRecord) clone() *FingerprintRecord {
	cp := r
	cp.Result = cloneRaw(r.Result)
	return &cp
}

func sortSteps(steps []*orchestrator.StepExecution) {
	sort.Slice(steps, func(i, j int) bool {
		if !steps[i].CreatedAt.Equal(steps[j].CreatedAt) {
			return steps[i].CreatedAt.Before(steps[j].CreatedAt)
		}
		if steps[i].StepKey != steps[j].StepKey {
			return steps[i].StepKey < steps[j].StepKey
		}
		return steps[i].Attempt < steps[j].Attempt
	})
}

func cloneEvent(e audit.Event) audit.Event {
	if e.Payload != nil {
		payload := make(map[string]any, len(e.Payload))
		for k, v := range e.Payload {
			payload[k] = v
		}
		e.Payload = payload
	}
	return e
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if in == nil {
		return nil
	}
	return append(json.RawMessage(nil), in...)
}

func cloneTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	ts := *t
	return &ts
}
