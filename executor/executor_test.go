package executor

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/audit"
	"github.com/goliatone/go-orchestrator/definition"
	"github.com/goliatone/go-orchestrator/runner"
	"github.com/goliatone/go-orchestrator/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 6, 3, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	t        *testing.T
	store    *store.MemoryStore
	registry *definition.Registry
	sink     *audit.MemorySink
	clock    *testClock
	exec     *Executor
	worker   *Worker
}

func newHarness(t *testing.T, handlers map[string]orchestrator.StepHandler, defs ...*orchestrator.Definition) *harness {
	t.Helper()
	resolver := orchestrator.NewHandlerRegistry()
	for ref, h := range handlers {
		require.NoError(t, resolver.Register(ref, h))
	}
	registry := definition.NewRegistry(definition.WithHandlerResolver(resolver))
	for _, def := range defs {
		require.NoError(t, registry.Register(context.Background(), def))
	}

	h := &harness{
		t:        t,
		store:    store.NewMemoryStore(),
		registry: registry,
		sink:     audit.NewMemorySink(),
		clock:    newTestClock(),
	}
	h.exec = New(h.store, registry, resolver,
		WithClock(h.clock.Now),
		WithAuditSink(h.sink),
		WithLogger(orchestrator.NopLogger{}),
		WithRetryPolicy(runner.NewRetryPolicy(nil, runner.NoDelayStrategy{})),
	)
	h.worker = NewWorker(h.exec, WithWorkerID("worker-a"))
	return h
}

func (h *harness) submit(req SubmitRequest) *orchestrator.Execution {
	h.t.Helper()
	if req.FirmID == "" {
		req.FirmID = "firm-1"
	}
	if req.Version == 0 {
		req.Version = 1
	}
	exec, err := h.exec.Submit(context.Background(), req)
	require.NoError(h.t, err)
	return exec
}

// drain runs worker cycles until nothing is claimable.
func (h *harness) drain() {
	h.t.Helper()
	for i := 0; i < 50; i++ {
		report, err := h.worker.RunOnce(context.Background())
		require.NoError(h.t, err)
		if report.Claimed == 0 {
			return
		}
	}
	h.t.Fatalf("worker did not drain after 50 cycles")
}

func (h *harness) steps(executionID string) []*orchestrator.StepExecution {
	h.t.Helper()
	steps, err := h.store.ListSteps(context.Background(), executionID)
	require.NoError(h.t, err)
	return steps
}

func (h *harness) stepsFor(executionID, key string) []*orchestrator.StepExecution {
	var out []*orchestrator.StepExecution
	for _, s := range h.steps(executionID) {
		if s.StepKey == key {
			out = append(out, s)
		}
	}
	return out
}

func (h *harness) status(executionID string) orchestrator.ExecutionStatus {
	h.t.Helper()
	exec, err := h.store.LoadExecution(context.Background(), executionID)
	require.NoError(h.t, err)
	return exec.Status
}

// markStarted records that the claim holder began the attempt, as Drive does
// before invoking the handler.
func (h *harness) markStarted(step *orchestrator.StepExecution, at time.Time) {
	h.t.Helper()
	started := step.Clone()
	started.StartedAt = orchestrator.TimePtr(at)
	require.NoError(h.t, h.store.RunInTransaction(context.Background(), func(tx store.Tx) error {
		return tx.TransitionStep(context.Background(), started, orchestrator.StepRunning, step.ClaimedBy)
	}))
}

func singleStep(defKey, stepKey string, strategy orchestrator.IdempotencyStrategy, naturalKey ...string) *orchestrator.Definition {
	return &orchestrator.Definition{
		Key:     defKey,
		Version: 1,
		Steps: []orchestrator.StepDefinition{
			{Key: stepKey, Handler: stepKey, Idempotency: strategy, NaturalKey: naturalKey},
		},
	}
}

func failing(calls *atomic.Int32, wrap func(error) error, msg string) orchestrator.StepHandler {
	return orchestrator.StepHandlerFunc(func(context.Context, orchestrator.StepInput) (json.RawMessage, error) {
		calls.Add(1)
		return nil, wrap(errors.New(msg))
	})
}

func succeeding(calls *atomic.Int32, result string) orchestrator.StepHandler {
	return orchestrator.StepHandlerFunc(func(context.Context, orchestrator.StepInput) (json.RawMessage, error) {
		calls.Add(1)
		return json.RawMessage(result), nil
	})
}

func TestTransientFailuresDeadLetterAfterThreeAttempts(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t,
		map[string]orchestrator.StepHandler{"send_invoice": failing(&calls, orchestrator.Transient, "smtp relay unavailable")},
		singleStep("billing", "send_invoice", orchestrator.IdempotencyKey),
	)
	exec := h.submit(SubmitRequest{DefinitionKey: "billing", IdempotencyKey: "inv-1001", Input: json.RawMessage(`{"invoice":"1001"}`)})

	h.drain()

	steps := h.stepsFor(exec.ID, "send_invoice")
	require.Len(t, steps, 3)
	assert.Equal(t, orchestrator.StepRetrying, steps[0].Status)
	assert.Equal(t, orchestrator.StepRetrying, steps[1].Status)
	assert.Equal(t, orchestrator.StepDeadLettered, steps[2].Status)
	for i, s := range steps {
		assert.Equal(t, i+1, s.Attempt)
		assert.Equal(t, steps[0].Fingerprint, s.Fingerprint)
		assert.Equal(t, orchestrator.ErrorTransient, s.ErrorClass)
	}
	assert.EqualValues(t, 3, calls.Load())
	assert.Equal(t, orchestrator.ExecutionFailed, h.status(exec.ID))

	entries, err := h.store.ListDLQ(context.Background(), store.DLQFilter{FirmID: "firm-1"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, orchestrator.ReasonRetriesExhausted, entries[0].Reason)
	assert.Equal(t, 3, entries[0].Attempt)
	assert.Equal(t, steps[2].ID, entries[0].StepExecutionID)

	var snapshot map[string]any
	require.NoError(t, json.Unmarshal(entries[0].PayloadSnapshot, &snapshot))
	assert.Equal(t, map[string]any{"invoice": "1001"}, snapshot["input"])

	assert.Len(t, h.sink.ByAction(audit.ActionStepRetryScheduled), 2)
	assert.Len(t, h.sink.ByAction(audit.ActionStepDeadLettered), 1)
	assert.Len(t, h.sink.ByAction(audit.ActionExecutionFailed), 1)

	// nothing is retried behind the dead letter's back
	report, err := h.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Claimed)
	assert.Len(t, h.stepsFor(exec.ID, "send_invoice"), 3)
}

func TestRetryBoundPerErrorClass(t *testing.T) {
	cases := []struct {
		name     string
		wrap     func(error) error
		attempts int
	}{
		{name: "conflict", wrap: orchestrator.Conflict, attempts: 5},
		{name: "rate_limit", wrap: orchestrator.RateLimited, attempts: 5},
		{name: "permanent", wrap: orchestrator.Permanent, attempts: 1},
		{name: "unknown", wrap: func(err error) error { return err }, attempts: 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var calls atomic.Int32
			h := newHarness(t,
				map[string]orchestrator.StepHandler{"sync": failing(&calls, tc.wrap, "boom")},
				singleStep("ledger", "sync", orchestrator.IdempotencyNone),
			)
			exec := h.submit(SubmitRequest{DefinitionKey: "ledger"})
			h.drain()

			steps := h.stepsFor(exec.ID, "sync")
			require.Len(t, steps, tc.attempts)
			assert.Equal(t, orchestrator.StepDeadLettered, steps[len(steps)-1].Status)
			assert.EqualValues(t, tc.attempts, calls.Load())
		})
	}
}

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t,
		map[string]orchestrator.StepHandler{"validate_contract": failing(&calls, orchestrator.Permanent, "contract end date precedes start")},
		singleStep("contracts", "validate_contract", orchestrator.IdempotencyNone),
	)
	exec := h.submit(SubmitRequest{DefinitionKey: "contracts"})
	h.drain()

	steps := h.stepsFor(exec.ID, "validate_contract")
	require.Len(t, steps, 1)
	assert.Equal(t, orchestrator.StepDeadLettered, steps[0].Status)
	assert.Equal(t, orchestrator.ErrorPermanent, steps[0].ErrorClass)
	assert.EqualValues(t, 1, calls.Load())

	entries, err := h.store.ListDLQ(context.Background(), store.DLQFilter{ExecutionID: exec.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, orchestrator.ReasonPermanentError, entries[0].Reason)
	assert.Equal(t, orchestrator.ExecutionFailed, h.status(exec.ID))
}

func TestUnknownFailureIsUnclassified(t *testing.T) {
	h := newHarness(t,
		map[string]orchestrator.StepHandler{"explode": orchestrator.StepHandlerFunc(func(context.Context, orchestrator.StepInput) (json.RawMessage, error) {
			panic("nil map write")
		})},
		singleStep("panics", "explode", orchestrator.IdempotencyNone),
	)
	exec := h.submit(SubmitRequest{DefinitionKey: "panics"})
	h.drain()

	steps := h.stepsFor(exec.ID, "explode")
	require.Len(t, steps, 1)
	assert.Equal(t, orchestrator.ErrorUnknown, steps[0].ErrorClass)

	entries, err := h.store.ListDLQ(context.Background(), store.DLQFilter{ExecutionID: exec.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, orchestrator.ReasonUnclassifiedError, entries[0].Reason)
}

func TestErrorMessagesAreSanitized(t *testing.T) {
	h := newHarness(t,
		map[string]orchestrator.StepHandler{"email": orchestrator.StepHandlerFunc(func(context.Context, orchestrator.StepInput) (json.RawMessage, error) {
			return nil, orchestrator.Permanent(errors.New("mailbox jane.doe@example.com rejected"))
		})},
		singleStep("notify", "email", orchestrator.IdempotencyNone),
	)
	exec := h.submit(SubmitRequest{DefinitionKey: "notify"})
	h.drain()

	steps := h.stepsFor(exec.ID, "email")
	require.Len(t, steps, 1)
	assert.NotContains(t, steps[0].ErrorMessage, "jane.doe@example.com")
	assert.Contains(t, steps[0].ErrorMessage, "[REDACTED]")
}

func TestTimeoutIsTransient(t *testing.T) {
	def := singleStep("slow", "wait", orchestrator.IdempotencyNone)
	def.Steps[0].Timeout = 20 * time.Millisecond
	def.Steps[0].Retry = map[orchestrator.ErrorClass]orchestrator.RetryRule{
		orchestrator.ErrorTransient: {MaxAttempts: 2},
	}
	h := newHarness(t,
		map[string]orchestrator.StepHandler{"wait": orchestrator.StepHandlerFunc(func(ctx context.Context, _ orchestrator.StepInput) (json.RawMessage, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		})},
		def,
	)
	exec := h.submit(SubmitRequest{DefinitionKey: "slow"})
	h.drain()

	steps := h.stepsFor(exec.ID, "wait")
	require.Len(t, steps, 2)
	assert.Equal(t, orchestrator.ErrorTransient, steps[0].ErrorClass)
	assert.Equal(t, orchestrator.StepRetrying, steps[0].Status)
	assert.Equal(t, orchestrator.StepDeadLettered, steps[1].Status)
}

func closeBooks() *orchestrator.Definition {
	return &orchestrator.Definition{
		Key:     "close_books",
		Version: 1,
		Steps: []orchestrator.StepDefinition{
			{Key: "fetch", Handler: "fetch"},
			{Key: "reconcile", Handler: "reconcile", DependsOn: []string{"fetch"}},
			{Key: "notify", Handler: "notify", DependsOn: []string{"fetch"}, Optional: true},
			{Key: "post", Handler: "post", DependsOn: []string{"reconcile", "notify"}},
		},
	}
}

func TestDependentsRunAfterTheirDependencies(t *testing.T) {
	var calls atomic.Int32
	var postDeps map[string]json.RawMessage
	h := newHarness(t, map[string]orchestrator.StepHandler{
		"fetch":     succeeding(&calls, `{"rows":3}`),
		"reconcile": succeeding(&calls, `{"matched":3}`),
		"notify":    failing(&calls, orchestrator.Permanent, "no channel configured"),
		"post": orchestrator.StepHandlerFunc(func(_ context.Context, in orchestrator.StepInput) (json.RawMessage, error) {
			postDeps = in.Dependencies
			return json.RawMessage(`{"posted":true}`), nil
		}),
	}, closeBooks())

	exec := h.submit(SubmitRequest{DefinitionKey: "close_books"})
	require.Len(t, h.steps(exec.ID), 1)

	h.drain()

	assert.Equal(t, orchestrator.ExecutionSucceeded, h.status(exec.ID))
	post := h.stepsFor(exec.ID, "post")
	require.Len(t, post, 1)
	assert.Equal(t, orchestrator.StepSucceeded, post[0].Status)
	require.Contains(t, postDeps, "reconcile")
	assert.JSONEq(t, `{"matched":3}`, string(postDeps["reconcile"]))
	assert.NotContains(t, postDeps, "notify")

	assert.Len(t, h.sink.ByAction(audit.ActionExecutionSucceeded), 1)
	assert.Len(t, h.sink.ByAction(audit.ActionStepDeadLettered), 1)
}

func TestRequiredFailureHaltsInPlace(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, map[string]orchestrator.StepHandler{
		"fetch":     succeeding(&calls, `{}`),
		"reconcile": failing(&calls, orchestrator.Permanent, "ledger locked"),
		"notify":    succeeding(&calls, `{}`),
		"post":      succeeding(&calls, `{}`),
	}, closeBooks())

	exec := h.submit(SubmitRequest{DefinitionKey: "close_books"})
	h.drain()

	assert.Equal(t, orchestrator.ExecutionFailed, h.status(exec.ID))
	assert.Empty(t, h.stepsFor(exec.ID, "post"))
	fetch := h.stepsFor(exec.ID, "fetch")
	require.Len(t, fetch, 1)
	assert.Equal(t, orchestrator.StepSucceeded, fetch[0].Status)
}

func TestSequentialNaturalKeyDeduplicates(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t,
		map[string]orchestrator.StepHandler{"charge_card": succeeding(&calls, `{"charge":"ch_1"}`)},
		singleStep("payments", "charge_card", orchestrator.IdempotencyNaturalKey, "charge.id"),
	)
	input := json.RawMessage(`{"charge":{"id":"c-77","amount":1200}}`)

	first := h.submit(SubmitRequest{DefinitionKey: "payments", Input: input})
	h.drain()
	second := h.submit(SubmitRequest{DefinitionKey: "payments", Input: input})
	h.drain()

	require.NotEqual(t, first.ID, second.ID)
	assert.EqualValues(t, 1, calls.Load())

	a := h.stepsFor(first.ID, "charge_card")
	b := h.stepsFor(second.ID, "charge_card")
	require.Len(t, a, 1)
	require.Len(t, b, 1)
	assert.Equal(t, a[0].Fingerprint, b[0].Fingerprint)
	assert.Empty(t, a[0].DeduplicatedFrom)
	assert.Equal(t, a[0].ID, b[0].DeduplicatedFrom)
	assert.JSONEq(t, `{"charge":"ch_1"}`, string(b[0].Result))
	assert.Equal(t, orchestrator.ExecutionSucceeded, h.status(second.ID))
	assert.Len(t, h.sink.ByAction(audit.ActionStepDeduplicated), 1)
}

func TestConcurrentNaturalKeyInvokesHandlerOnce(t *testing.T) {
	var calls atomic.Int32
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	h := newHarness(t,
		map[string]orchestrator.StepHandler{"charge_card": orchestrator.StepHandlerFunc(func(context.Context, orchestrator.StepInput) (json.RawMessage, error) {
			calls.Add(1)
			entered <- struct{}{}
			<-release
			return json.RawMessage(`{"charge":"ch_9"}`), nil
		})},
		singleStep("payments", "charge_card", orchestrator.IdempotencyNaturalKey, "charge.id"),
	)
	input := json.RawMessage(`{"charge":{"id":"c-9"}}`)
	first := h.submit(SubmitRequest{DefinitionKey: "payments", Input: input})
	second := h.submit(SubmitRequest{DefinitionKey: "payments", Input: input})

	a := NewWorker(h.exec, WithWorkerID("a"), WithBatchSize(1))
	b := NewWorker(h.exec, WithWorkerID("b"), WithBatchSize(1))

	done := make(chan CycleReport, 1)
	go func() {
		report, err := a.RunOnce(context.Background())
		assert.NoError(t, err)
		done <- report
	}()
	<-entered

	report, err := b.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, OutcomeDeferred, report.Results[0].Outcome)

	close(release)
	firstReport := <-done
	require.Len(t, firstReport.Results, 1)
	assert.Equal(t, OutcomeSucceeded, firstReport.Results[0].Outcome)

	h.clock.Advance(3 * time.Second)
	report, err = b.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	assert.Equal(t, OutcomeDeduplicated, report.Results[0].Outcome)
	assert.JSONEq(t, `{"charge":"ch_9"}`, string(report.Results[0].Result))

	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, orchestrator.ExecutionSucceeded, h.status(first.ID))
	assert.Equal(t, orchestrator.ExecutionSucceeded, h.status(second.ID))

	var executed int
	for _, id := range []string{first.ID, second.ID} {
		for _, s := range h.steps(id) {
			if s.Status == orchestrator.StepSucceeded && s.DeduplicatedFrom == "" {
				executed++
			}
		}
	}
	assert.Equal(t, 1, executed)
}

func TestSubmitIsIdempotent(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t,
		map[string]orchestrator.StepHandler{"send_invoice": succeeding(&calls, `{}`)},
		singleStep("billing", "send_invoice", orchestrator.IdempotencyKey),
	)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		ids = map[string]bool{}
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			exec, err := h.exec.Submit(context.Background(), SubmitRequest{
				FirmID: "firm-1", DefinitionKey: "billing", Version: 1, IdempotencyKey: "inv-2002",
			})
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			ids[exec.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	require.Len(t, ids, 1)

	execs, err := h.store.ListExecutions(context.Background(), store.ExecutionFilter{FirmID: "firm-1"})
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Len(t, h.steps(execs[0].ID), 1)
	assert.Len(t, h.sink.ByAction(audit.ActionExecutionSubmitted), 1)

	h.drain()
	assert.EqualValues(t, 1, calls.Load())

	// another firm with the same key gets its own execution
	other := h.submit(SubmitRequest{FirmID: "firm-2", DefinitionKey: "billing", IdempotencyKey: "inv-2002"})
	assert.NotEqual(t, execs[0].ID, other.ID)
}

func TestSubmitValidation(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t,
		map[string]orchestrator.StepHandler{"charge_card": succeeding(&calls, `{}`)},
		singleStep("payments", "charge_card", orchestrator.IdempotencyNaturalKey, "charge.id"),
	)
	ctx := context.Background()

	_, err := h.exec.Submit(ctx, SubmitRequest{FirmID: "firm-1", DefinitionKey: "nope", Version: 1})
	assert.Equal(t, orchestrator.ErrCodeUnknownDefinition, orchestrator.ErrorCode(err))

	_, err = h.exec.Submit(ctx, SubmitRequest{DefinitionKey: "payments", Version: 1})
	assert.Equal(t, orchestrator.ErrCodeInvalidRequest, orchestrator.ErrorCode(err))

	_, err = h.exec.Submit(ctx, SubmitRequest{FirmID: "firm-1", DefinitionKey: "payments", Version: 1, Input: json.RawMessage(`{"charge":`)})
	assert.Equal(t, orchestrator.ErrCodeInvalidRequest, orchestrator.ErrorCode(err))

	_, err = h.exec.Submit(ctx, SubmitRequest{FirmID: "firm-1", DefinitionKey: "payments", Version: 1, Input: json.RawMessage(`{"amount":5}`)})
	assert.Equal(t, orchestrator.ErrCodeInvalidRequest, orchestrator.ErrorCode(err))

	assert.False(t, h.registry.Referenced("firm-1", "payments", 1))
	h.submit(SubmitRequest{DefinitionKey: "payments", Input: json.RawMessage(`{"charge":{"id":"c-1"}}`)})
	assert.True(t, h.registry.Referenced("firm-1", "payments", 1))
}

func TestCancelContainment(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t,
		map[string]orchestrator.StepHandler{"send_invoice": succeeding(&calls, `{}`)},
		singleStep("billing", "send_invoice", orchestrator.IdempotencyNone),
	)
	ctx := context.Background()
	exec := h.submit(SubmitRequest{DefinitionKey: "billing"})

	canceled, err := h.exec.Cancel(ctx, exec.ID, orchestrator.Actor{ID: "ops-1"})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExecutionCanceled, canceled.Status)
	assert.Equal(t, "ops-1", canceled.CanceledBy)

	report, err := h.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Claimed)
	assert.Zero(t, calls.Load())
	for _, s := range h.steps(exec.ID) {
		assert.NotEqual(t, orchestrator.StepRunning, s.Status)
	}

	_, err = h.exec.Cancel(ctx, exec.ID, orchestrator.Actor{ID: "ops-1"})
	assert.Equal(t, orchestrator.ErrCodeInvalidState, orchestrator.ErrorCode(err))

	_, err = h.exec.Cancel(ctx, "missing", orchestrator.Actor{ID: "ops-1"})
	assert.Equal(t, orchestrator.ErrCodeExecutionNotFound, orchestrator.ErrorCode(err))

	assert.Len(t, h.sink.ByAction(audit.ActionExecutionCanceled), 1)
}

func TestCancelAfterClaimReleasesAttempt(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t,
		map[string]orchestrator.StepHandler{"send_invoice": succeeding(&calls, `{}`)},
		singleStep("billing", "send_invoice", orchestrator.IdempotencyNone),
	)
	ctx := context.Background()
	exec := h.submit(SubmitRequest{DefinitionKey: "billing"})

	claimed, err := h.store.ClaimPending(ctx, store.ClaimRequest{WorkerID: "w1", Now: h.clock.Now()})
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	_, err = h.exec.Cancel(ctx, exec.ID, orchestrator.Actor{})
	require.NoError(t, err)

	res, err := h.exec.Drive(ctx, claimed[0])
	require.NoError(t, err)
	assert.Equal(t, OutcomeReleased, res.Outcome)
	assert.Zero(t, calls.Load())

	steps := h.steps(exec.ID)
	require.Len(t, steps, 1)
	assert.Equal(t, orchestrator.StepPending, steps[0].Status)
	assert.Empty(t, steps[0].ClaimedBy)
}

func TestRunningStepFinishesAfterCancelWithoutUnblocking(t *testing.T) {
	var calls atomic.Int32
	var h *harness
	h = newHarness(t, map[string]orchestrator.StepHandler{
		"fetch": orchestrator.StepHandlerFunc(func(ctx context.Context, in orchestrator.StepInput) (json.RawMessage, error) {
			calls.Add(1)
			_, err := h.exec.Cancel(ctx, in.ExecutionID, orchestrator.Actor{ID: "ops-2"})
			return json.RawMessage(`{}`), err
		}),
		"reconcile": succeeding(&calls, `{}`),
		"notify":    succeeding(&calls, `{}`),
		"post":      succeeding(&calls, `{}`),
	}, closeBooks())

	exec := h.submit(SubmitRequest{DefinitionKey: "close_books"})
	h.drain()

	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, orchestrator.ExecutionCanceled, h.status(exec.ID))
	steps := h.steps(exec.ID)
	require.Len(t, steps, 1)
	assert.Equal(t, orchestrator.StepSucceeded, steps[0].Status)
}

func TestReapExpiredClaims(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t,
		map[string]orchestrator.StepHandler{"send_invoice": succeeding(&calls, `{}`)},
		singleStep("billing", "send_invoice", orchestrator.IdempotencyKey),
	)
	ctx := context.Background()
	exec := h.submit(SubmitRequest{DefinitionKey: "billing", IdempotencyKey: "inv-7"})

	now := h.clock.Now()
	claimed, err := h.store.ClaimPending(ctx, store.ClaimRequest{WorkerID: "crashed", Now: now, LeaseUntil: now.Add(time.Second)})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	h.markStarted(claimed[0], now)

	n, err := h.exec.ReapExpiredClaims(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(2 * time.Second)
	n, err = h.exec.ReapExpiredClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	steps := h.stepsFor(exec.ID, "send_invoice")
	require.Len(t, steps, 2)
	assert.Equal(t, orchestrator.StepRetrying, steps[0].Status)
	assert.Contains(t, steps[0].ErrorMessage, "claim lease expired")
	assert.Equal(t, orchestrator.StepPending, steps[1].Status)
	assert.Equal(t, 2, steps[1].Attempt)
	assert.Len(t, h.sink.ByAction(audit.ActionStepClaimExpired), 1)

	// the crashed worker coming back loses its claim
	_, err = h.exec.Drive(ctx, claimed[0])
	assert.Equal(t, orchestrator.ErrCodeClaimLost, orchestrator.ErrorCode(err))

	h.drain()
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, orchestrator.ExecutionSucceeded, h.status(exec.ID))
}

func TestReapReleasesClaimsThatNeverStarted(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t,
		map[string]orchestrator.StepHandler{"send_invoice": succeeding(&calls, `{}`)},
		singleStep("billing", "send_invoice", orchestrator.IdempotencyKey),
	)
	ctx := context.Background()
	exec := h.submit(SubmitRequest{DefinitionKey: "billing", IdempotencyKey: "inv-8"})

	now := h.clock.Now()
	claimed, err := h.store.ClaimPending(ctx, store.ClaimRequest{WorkerID: "queued", Now: now, LeaseUntil: now.Add(time.Second)})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Nil(t, claimed[0].StartedAt)

	h.clock.Advance(2 * time.Second)
	n, err := h.exec.ReapExpiredClaims(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	steps := h.stepsFor(exec.ID, "send_invoice")
	require.Len(t, steps, 1)
	assert.Equal(t, orchestrator.StepPending, steps[0].Status)
	assert.Equal(t, 1, steps[0].Attempt)
	assert.Empty(t, steps[0].ClaimedBy)
	assert.Empty(t, steps[0].ErrorClass)

	events := h.sink.ByAction(audit.ActionStepClaimExpired)
	require.Len(t, events, 1)
	assert.Equal(t, false, events[0].Payload["started"])

	_, err = h.exec.Drive(ctx, claimed[0])
	assert.Equal(t, orchestrator.ErrCodeClaimLost, orchestrator.ErrorCode(err))

	h.drain()
	assert.EqualValues(t, 1, calls.Load())
	assert.Equal(t, orchestrator.ExecutionSucceeded, h.status(exec.ID))
}

func TestBatchedClaimsGetFullStepTimeout(t *testing.T) {
	var (
		calls     atomic.Int32
		mu        sync.Mutex
		remaining []time.Duration
	)
	var h *harness
	slow := orchestrator.StepHandlerFunc(func(ctx context.Context, _ orchestrator.StepInput) (json.RawMessage, error) {
		calls.Add(1)
		if deadline, ok := ctx.Deadline(); ok {
			mu.Lock()
			remaining = append(remaining, time.Until(deadline))
			mu.Unlock()
		}
		// each handler uses most of the batch lease
		h.clock.Advance(100 * time.Millisecond)
		return json.RawMessage(`{}`), nil
	})
	def := singleStep("export", "export_ledger", orchestrator.IdempotencyNone)
	def.Steps[0].Timeout = time.Second
	h = newHarness(t, map[string]orchestrator.StepHandler{"export_ledger": slow}, def)
	worker := NewWorker(h.exec, WithWorkerID("worker-b"), WithBatchSize(3), WithLease(150*time.Millisecond))

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, h.submit(SubmitRequest{DefinitionKey: "export"}).ID)
	}

	report, err := worker.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, report.Claimed)
	for _, res := range report.Results {
		assert.Equal(t, OutcomeSucceeded, res.Outcome, res.Error)
		assert.Equal(t, 1, res.Attempt)
	}
	assert.EqualValues(t, 3, calls.Load())

	require.Len(t, remaining, 3)
	for _, left := range remaining {
		assert.Greater(t, left, 500*time.Millisecond)
	}
	for _, id := range ids {
		steps := h.steps(id)
		require.Len(t, steps, 1)
		assert.Equal(t, orchestrator.StepSucceeded, steps[0].Status)
		require.NotNil(t, steps[0].StartedAt)
		assert.Equal(t, time.Second+5*time.Second, steps[0].ClaimedUntil.Sub(*steps[0].StartedAt))
	}
}

func TestPinnedDefinitionSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "engine.db")
	openStore := func() *store.SQLStore {
		st, err := store.OpenSQLite(ctx, store.Config{DSN: path, AutoMigrate: true})
		require.NoError(t, err)
		return st
	}

	var posts, notifies atomic.Int32
	resolver := orchestrator.NewHandlerRegistry()
	require.NoError(t, resolver.Register("ledger.post", succeeding(&posts, `{"posted":true}`)))
	require.NoError(t, resolver.Register("ledger.notify", succeeding(&notifies, `{}`)))
	original := &orchestrator.Definition{
		Key:     "close_period",
		Version: 1,
		Steps:   []orchestrator.StepDefinition{{Key: "post", Handler: "ledger.post"}},
	}

	st := openStore()
	reg := definition.NewRegistry(definition.WithHandlerResolver(resolver), definition.WithPins(st))
	require.NoError(t, reg.Register(ctx, original))
	submitted, err := New(st, reg, resolver, WithLogger(orchestrator.NopLogger{})).
		Submit(ctx, SubmitRequest{FirmID: "firm-1", DefinitionKey: "close_period", Version: 1})
	require.NoError(t, err)
	require.NoError(t, st.Close())

	// the next process loads an edited document under the same version
	st = openStore()
	t.Cleanup(func() { _ = st.Close() })
	edited := original.Clone()
	edited.Steps = append(edited.Steps, orchestrator.StepDefinition{
		Key: "notify", Handler: "ledger.notify", DependsOn: []string{"post"},
	})
	reg = definition.NewRegistry(definition.WithHandlerResolver(resolver), definition.WithPins(st))
	err = reg.Register(ctx, edited)
	assert.Equal(t, orchestrator.ErrCodeDefinitionFrozen, orchestrator.ErrorCode(err))

	require.NoError(t, reg.Register(ctx, original))
	assert.True(t, reg.Referenced("firm-1", "close_period", 1))

	exec := New(st, reg, resolver, WithLogger(orchestrator.NopLogger{}))
	worker := NewWorker(exec, WithWorkerID("restarted"))
	for i := 0; i < 10; i++ {
		report, err := worker.RunOnce(ctx)
		require.NoError(t, err)
		if report.Claimed == 0 {
			break
		}
	}

	view, err := exec.GetStatus(ctx, submitted.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExecutionSucceeded, view.Status)
	require.Len(t, view.Steps, 1)
	assert.Equal(t, "post", view.Steps[0].StepKey)
	assert.EqualValues(t, 1, posts.Load())
	assert.Zero(t, notifies.Load())
}

func TestSubmitRejectsDefinitionChangedAfterPinning(t *testing.T) {
	var calls atomic.Int32
	handlers := map[string]orchestrator.StepHandler{
		"send_invoice": succeeding(&calls, `{}`),
		"archive":      succeeding(&calls, `{}`),
	}
	h := newHarness(t, handlers, singleStep("billing", "send_invoice", orchestrator.IdempotencyNone))
	h.submit(SubmitRequest{DefinitionKey: "billing"})

	// another process registered a different document as the same version
	resolver := orchestrator.NewHandlerRegistry()
	for ref, handler := range handlers {
		require.NoError(t, resolver.Register(ref, handler))
	}
	edited := singleStep("billing", "send_invoice", orchestrator.IdempotencyNone)
	edited.Steps = append(edited.Steps, orchestrator.StepDefinition{Key: "archive", Handler: "archive", DependsOn: []string{"send_invoice"}})
	other := definition.NewRegistry(definition.WithHandlerResolver(resolver))
	require.NoError(t, other.Register(context.Background(), edited))

	_, err := New(h.store, other, resolver, WithLogger(orchestrator.NopLogger{})).
		Submit(context.Background(), SubmitRequest{FirmID: "firm-1", DefinitionKey: "billing", Version: 1})
	assert.Equal(t, orchestrator.ErrCodeDefinitionFrozen, orchestrator.ErrorCode(err))

	executions, err := h.store.ListExecutions(context.Background(), store.ExecutionFilter{FirmID: "firm-1"})
	require.NoError(t, err)
	assert.Len(t, executions, 1)
}

func TestGetStatusListsStepsNotStarted(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t, map[string]orchestrator.StepHandler{
		"fetch":     succeeding(&calls, `{}`),
		"reconcile": succeeding(&calls, `{}`),
		"notify":    succeeding(&calls, `{}`),
		"post":      succeeding(&calls, `{}`),
	}, closeBooks())
	ctx := context.Background()
	exec := h.submit(SubmitRequest{DefinitionKey: "close_books"})

	view, err := h.exec.GetStatus(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, view.Steps, 4)
	assert.Equal(t, "fetch", view.Steps[0].StepKey)
	assert.Equal(t, orchestrator.StepPending, view.Steps[0].Status)
	assert.NotEmpty(t, view.Steps[0].StepExecutionID)
	for _, step := range view.Steps[1:] {
		assert.Equal(t, StepNotStarted, step.Status, step.StepKey)
		assert.Empty(t, step.StepExecutionID)
		assert.Zero(t, step.Attempt)
	}
	assert.Equal(t, []string{"fetch"}, view.Steps[1].WaitingOn)
	assert.Equal(t, []string{"reconcile", "notify"}, view.Steps[3].WaitingOn)

	_, err = h.worker.RunOnce(ctx)
	require.NoError(t, err)

	view, err = h.exec.GetStatus(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, view.Steps, 4)
	assert.Equal(t, orchestrator.StepSucceeded, view.Steps[0].Status)
	assert.Equal(t, orchestrator.StepPending, view.Steps[1].Status)
	assert.Equal(t, orchestrator.StepPending, view.Steps[2].Status)
	assert.Equal(t, StepNotStarted, view.Steps[3].Status)
	assert.Equal(t, []string{"reconcile", "notify"}, view.Steps[3].WaitingOn)
}

func TestDriveRequiresClaim(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.exec.Drive(context.Background(), &orchestrator.StepExecution{ID: "s1"})
	assert.Equal(t, orchestrator.ErrCodeInvalidState, orchestrator.ErrorCode(err))
}

func TestGetStatusReportsLatestAttempts(t *testing.T) {
	var calls atomic.Int32
	h := newHarness(t,
		map[string]orchestrator.StepHandler{"sync": failing(&calls, orchestrator.Conflict, "version mismatch")},
		singleStep("ledger", "sync", orchestrator.IdempotencyNone),
	)
	exec := h.submit(SubmitRequest{DefinitionKey: "ledger", CorrelationID: "req-42"})

	view, err := h.exec.GetStatus(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExecutionPending, view.Status)
	assert.Equal(t, "req-42", view.CorrelationID)
	require.Len(t, view.Steps, 1)
	assert.Equal(t, orchestrator.StepPending, view.Steps[0].Status)

	h.drain()
	view, err = h.exec.GetStatus(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExecutionFailed, view.Status)
	require.Len(t, view.Steps, 1)
	assert.Equal(t, 5, view.Steps[0].Attempt)
	assert.Equal(t, orchestrator.StepDeadLettered, view.Steps[0].Status)
	assert.Equal(t, orchestrator.ErrorConflict, view.Steps[0].ErrorClass)

	_, err = h.exec.GetStatus(context.Background(), "missing")
	assert.Equal(t, orchestrator.ErrCodeExecutionNotFound, orchestrator.ErrorCode(err))
}

func TestFingerprintScopes(t *testing.T) {
	exec := &orchestrator.Execution{
		ID:        "e1",
		FirmID:    "firm-1",
		Input:     json.RawMessage(`{"invoice":{"id":"1001"},"customer":"c1"}`),
		CreatedAt: time.Date(2024, 6, 3, 8, 10, 0, 0, time.UTC),
	}
	natural := orchestrator.StepDefinition{Key: "send", Idempotency: orchestrator.IdempotencyNaturalKey, NaturalKey: []string{"invoice.id"}}

	fp1, err := Fingerprint(natural, exec)
	require.NoError(t, err)
	require.NotEmpty(t, fp1)

	otherFirm := exec.Clone()
	otherFirm.FirmID = "firm-2"
	fp2, err := Fingerprint(natural, otherFirm)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp2)

	renamed := natural
	renamed.Key = "resend"
	fp3, err := Fingerprint(renamed, exec)
	require.NoError(t, err)
	assert.NotEqual(t, fp1, fp3)

	none, err := Fingerprint(orchestrator.StepDefinition{Key: "x"}, exec)
	require.NoError(t, err)
	assert.Empty(t, none)

	window := orchestrator.StepDefinition{Key: "digest", Idempotency: orchestrator.IdempotencyDedupeWindow, NaturalKey: []string{"customer"}, DedupeWindow: time.Hour}
	w1, err := Fingerprint(window, exec)
	require.NoError(t, err)
	sameHour := exec.Clone()
	sameHour.CreatedAt = exec.CreatedAt.Add(30 * time.Minute)
	w2, err := Fingerprint(window, sameHour)
	require.NoError(t, err)
	nextHour := exec.Clone()
	nextHour.CreatedAt = exec.CreatedAt.Add(time.Hour)
	w3, err := Fingerprint(window, nextHour)
	require.NoError(t, err)
	assert.Equal(t, w1, w2)
	assert.NotEqual(t, w1, w3)

	keyed := orchestrator.StepDefinition{Key: "send", Idempotency: orchestrator.IdempotencyKey}
	exec.StepIdempotencyKeys = map[string]string{"send": "inv-1001"}
	k1, err := Fingerprint(keyed, exec)
	require.NoError(t, err)
	exec2 := exec.Clone()
	exec2.ID = "e2"
	k2, err := Fingerprint(keyed, exec2)
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	_, err = Fingerprint(orchestrator.StepDefinition{Key: "x", Idempotency: orchestrator.IdempotencyNaturalKey, NaturalKey: []string{"missing.path"}}, exec)
	assert.Error(t, err)
}

func TestNaturalKeyValuesCanonical(t *testing.T) {
	a, err := NaturalKeyValues(json.RawMessage(`{"e":{"b":2,"a":1}}`), []string{"e"})
	require.NoError(t, err)
	b, err := NaturalKeyValues(json.RawMessage(`{"e":{"a":1, "b":2}}`), []string{"e"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, `{"a":1,"b":2}`, string(a[0]))
}
