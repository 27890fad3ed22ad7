package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/audit"
)

var (
	// ErrNotFound is returned when a keyed lookup matches no row.
	ErrNotFound = errors.New("store: record not found")
	// ErrDuplicate is returned when an insert hits a uniqueness constraint.
	ErrDuplicate = errors.New("store: duplicate record")
	// ErrStale is returned when a compare-and-set update matched no row.
	ErrStale = errors.New("store: stale write")
)

// FingerprintState is the lifecycle of an idempotency reservation.
type FingerprintState string

const (
	FingerprintInFlight  FingerprintState = "in_flight"
	FingerprintSucceeded FingerprintState = "succeeded"
)

// FingerprintRecord reserves a step fingerprint within a firm. The holder is
// the step attempt currently executing it, or the one that completed it.
type FingerprintRecord struct {
	FirmID          string
	Fingerprint     string
	State           FingerprintState
	StepExecutionID string
	ExecutionID     string
	StepKey         string
	Result          json.RawMessage
	LeaseUntil      time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DefinitionPin records what a definition version looked like when the first
// execution referenced it. A pinned version may not change afterwards.
type DefinitionPin struct {
	FirmID   string
	Key      string
	Version  int
	Digest   string
	Body     json.RawMessage
	PinnedAt time.Time
}

// ClaimRequest describes one claim round of a worker.
type ClaimRequest struct {
	WorkerID   string
	Limit      int
	Now        time.Time
	LeaseUntil time.Time
}

// DLQFilter narrows ListDLQ. Empty fields match everything; no Statuses
// means active entries only.
type DLQFilter struct {
	FirmID      string
	ExecutionID string
	StepKey     string
	Reason      orchestrator.DLQReason
	Statuses    []orchestrator.DLQStatus
	Limit       int
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	FirmID        string
	DefinitionKey string
	Statuses      []orchestrator.ExecutionStatus
	Limit         int
}

// AuditFilter narrows ListAudit.
type AuditFilter struct {
	FirmID       string
	ResourceType string
	ResourceID   string
	Action       string
	Limit        int
}

// Tx is the transactional boundary every engine mutation goes through.
type Tx interface {
	InsertExecution(ctx context.Context, exec *orchestrator.Execution) error
	// LockExecution loads an execution and holds it until the transaction ends.
	LockExecution(ctx context.Context, id string) (*orchestrator.Execution, error)
	FindExecution(ctx context.Context, firmID, definitionKey, idempotencyKey string) (*orchestrator.Execution, error)
	UpdateExecution(ctx context.Context, exec *orchestrator.Execution, expected orchestrator.ExecutionStatus) error

	InsertStep(ctx context.Context, step *orchestrator.StepExecution) error
	LoadStep(ctx context.Context, id string) (*orchestrator.StepExecution, error)
	ListSteps(ctx context.Context, executionID string) ([]*orchestrator.StepExecution, error)
	// TransitionStep writes the mutable fields of step when the stored row is
	// still in status from and, when claimedBy is set, claimed by it.
	TransitionStep(ctx context.Context, step *orchestrator.StepExecution, from orchestrator.StepStatus, claimedBy string) error

	LoadFingerprint(ctx context.Context, firmID, fingerprint string) (*FingerprintRecord, error)
	ReserveFingerprint(ctx context.Context, rec FingerprintRecord) error
	TakeOverFingerprint(ctx context.Context, rec FingerprintRecord, previousHolder string) error
	CompleteFingerprint(ctx context.Context, firmID, fingerprint, holder string, result json.RawMessage, at time.Time) error
	ReleaseFingerprint(ctx context.Context, firmID, fingerprint, holder string) error

	// PinDefinition stores pin unless the version is already pinned, and
	// returns the stored pin either way.
	PinDefinition(ctx context.Context, pin DefinitionPin) (*DefinitionPin, error)

	InsertDLQ(ctx context.Context, entry *orchestrator.DLQEntry) error
	LoadDLQ(ctx context.Context, id string) (*orchestrator.DLQEntry, error)
	UpdateDLQ(ctx context.Context, entry *orchestrator.DLQEntry, expected orchestrator.DLQStatus) error

	AppendAudit(ctx context.Context, event audit.Event) error
}

// Store is the durable source of truth for engine state.
type Store interface {
	RunInTransaction(ctx context.Context, fn func(Tx) error) error

	// ClaimPending flips claimable pending steps to running with a lease.
	// A step is claimable when its schedule elapsed and its execution is
	// pending or running. Claimed steps keep a nil StartedAt until the
	// attempt actually starts.
	ClaimPending(ctx context.Context, req ClaimRequest) ([]*orchestrator.StepExecution, error)
	// ListExpiredClaims returns running steps whose lease ended before now.
	ListExpiredClaims(ctx context.Context, now time.Time, limit int) ([]*orchestrator.StepExecution, error)

	LoadExecution(ctx context.Context, id string) (*orchestrator.Execution, error)
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*orchestrator.Execution, error)
	ListSteps(ctx context.Context, executionID string) ([]*orchestrator.StepExecution, error)
	LoadDLQ(ctx context.Context, id string) (*orchestrator.DLQEntry, error)
	LoadDefinitionPin(ctx context.Context, firmID, key string, version int) (*DefinitionPin, error)
	ListDLQ(ctx context.Context, filter DLQFilter) ([]*orchestrator.DLQEntry, error)
	ListAudit(ctx context.Context, filter AuditFilter) ([]audit.Event, error)

	Close() error
}

func normalizeClaim(req ClaimRequest, defaultLease time.Duration) (ClaimRequest, error) {
	if req.WorkerID == "" {
		return req, errors.New("worker id required")
	}
	if req.Limit <= 0 {
		req.Limit = 10
	}
	if req.Now.IsZero() {
		req.Now = time.Now()
	}
	req.Now = req.Now.UTC()
	if req.LeaseUntil.IsZero() {
		req.LeaseUntil = req.Now.Add(defaultLease)
	}
	req.LeaseUntil = req.LeaseUntil.UTC()
	return req, nil
}

func dlqStatusMatch(statuses []orchestrator.DLQStatus, status orchestrator.DLQStatus) bool {
	if len(statuses) == 0 {
		return status == orchestrator.DLQActive
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func executionStatusMatch(statuses []orchestrator.ExecutionStatus, status orchestrator.ExecutionStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func claimableExecution(status orchestrator.ExecutionStatus) bool {
	return status == orchestrator.ExecutionPending || status == orchestrator.ExecutionRunning
}
