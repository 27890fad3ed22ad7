package executor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/store"
)

func TestWorkerRunAndStop(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t,
		map[string]orchestrator.StepHandler{"send_invoice": succeeding(&calls, `{"sent":true}`)},
		singleStep("billing", "send_invoice", orchestrator.IdempotencyNone),
	)
	for i := 0; i < 5; i++ {
		h.submit(SubmitRequest{DefinitionKey: "billing"})
	}

	worker := NewWorker(h.exec,
		WithWorkerID("bg"),
		WithConcurrency(2),
		WithBatchSize(2),
		WithPollInterval(5*time.Millisecond),
	)
	assert.Equal(t, WorkerStateIdle, worker.Status().State)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		return calls.Load() == 5
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return worker.Status().State == WorkerStateRunning
	}, time.Second, 5*time.Millisecond)

	health := worker.Health(context.Background())
	assert.True(t, health.Healthy)

	require.NoError(t, worker.Stop(context.Background()))
	require.NoError(t, <-runErr)

	status := worker.Status()
	assert.Equal(t, WorkerStateStopped, status.State)
	assert.Equal(t, "bg", status.WorkerID)
	assert.Zero(t, status.ConsecutiveFailures)

	health = worker.Health(context.Background())
	assert.False(t, health.Healthy)
	assert.Equal(t, "worker stopped", health.Reason)

	execs, err := h.store.ListExecutions(context.Background(), store.ExecutionFilter{FirmID: "firm-1"})
	require.NoError(t, err)
	require.Len(t, execs, 5)
	for _, exec := range execs {
		assert.Equal(t, orchestrator.ExecutionSucceeded, exec.Status)
	}
}

func TestWorkerRejectsSecondRun(t *testing.T) {
	h := newHarness(t, nil)
	worker := NewWorker(h.exec, WithPollInterval(5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		return worker.Status().State == WorkerStateRunning
	}, time.Second, 5*time.Millisecond)
	assert.Error(t, worker.Run(ctx))

	cancel()
	require.NoError(t, <-runErr)
}

func TestWorkerStopWhenIdle(t *testing.T) {
	h := newHarness(t, nil)
	worker := NewWorker(h.exec)
	require.NoError(t, worker.Stop(context.Background()))
	assert.Equal(t, WorkerStateStopped, worker.Status().State)
}

func TestWorkerRequiresExecutor(t *testing.T) {
	_, err := NewWorker(nil).RunOnce(context.Background())
	assert.Error(t, err)
}

func TestRunOnceReportsCycle(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t,
		map[string]orchestrator.StepHandler{"sync": failing(&calls, orchestrator.Transient, "upstream 503")},
		singleStep("ledger", "sync", orchestrator.IdempotencyNone),
	)
	h.submit(SubmitRequest{DefinitionKey: "ledger"})
	h.clock.Advance(time.Minute)

	report, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "worker-a", report.WorkerID)
	assert.Equal(t, 1, report.Claimed)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, time.Minute, report.Lag)
	require.Len(t, report.Results, 1)
	assert.Equal(t, OutcomeRetryScheduled, report.Results[0].Outcome)
	assert.Equal(t, orchestrator.ErrorTransient, report.Results[0].ErrorClass)
	assert.NotEmpty(t, report.Results[0].NextStepID)

	status := h.worker.Status()
	assert.Equal(t, 1, status.LastClaimed)
	assert.Equal(t, time.Minute, status.LastLag)
}

func TestClaimIsExclusive(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t,
		map[string]orchestrator.StepHandler{"send_invoice": succeeding(&calls, `{}`)},
		singleStep("billing", "send_invoice", orchestrator.IdempotencyNone),
	)
	h.submit(SubmitRequest{DefinitionKey: "billing"})

	var (
		wg      sync.WaitGroup
		claimed atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			worker := NewWorker(h.exec, WithWorkerID("w"+string(rune('a'+i))))
			report, err := worker.RunOnce(context.Background())
			if assert.NoError(t, err) {
				claimed.Add(int32(report.Claimed))
			}
		}(i)
	}
	wg.Wait()

	assert.EqualValues(t, 1, claimed.Load())
	assert.EqualValues(t, 1, calls.Load())
}

type failingStore struct {
	store.Store
}

func (failingStore) ClaimPending(context.Context, store.ClaimRequest) ([]*orchestrator.StepExecution, error) {
	return nil, errors.New("database is locked")
}

func TestWorkerHealthReportsFailures(t *testing.T) {
	exec := New(failingStore{Store: store.NewMemoryStore()}, staticDefinitions{}, nil)
	worker := NewWorker(exec)

	_, err := worker.RunOnce(context.Background())
	require.Error(t, err)

	health := worker.Health(context.Background())
	assert.False(t, health.Healthy)
	assert.Equal(t, 1, health.Status.ConsecutiveFailures)
	assert.Contains(t, health.Status.LastError, "database is locked")
}

type staticDefinitions struct{}

func (staticDefinitions) Get(context.Context, string, string, int) (*orchestrator.Definition, error) {
	return nil, orchestrator.ErrDefinitionNotFound
}

func (staticDefinitions) MarkReferenced(context.Context, string, string, int) error { return nil }
