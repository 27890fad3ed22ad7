package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/audit"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func eachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	t.Helper()
	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := OpenSQLite(context.Background(), Config{DSN: ":memory:", AutoMigrate: true})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
	t.Run("sqlite_file", func(t *testing.T) {
		s, err := OpenSQLite(context.Background(), Config{DSN: filepath.Join(t.TempDir(), "engine.db"), AutoMigrate: true})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func seedExecution(t *testing.T, s Store, id string, steps ...*orchestrator.StepExecution) *orchestrator.Execution {
	t.Helper()
	exec := &orchestrator.Execution{
		ID:                  id,
		FirmID:              "firm-1",
		DefinitionKey:       "month_end_close",
		DefinitionVersion:   1,
		CorrelationID:       "corr-" + id,
		IdempotencyKey:      "idem-" + id,
		StepIdempotencyKeys: map[string]string{"fetch": "k1"},
		Status:              orchestrator.ExecutionPending,
		Input:               json.RawMessage(`{"period":"2024-02"}`),
		SubmittedBy:         "user-1",
		CreatedAt:           base,
	}
	err := s.RunInTransaction(context.Background(), func(tx Tx) error {
		if err := tx.InsertExecution(context.Background(), exec); err != nil {
			return err
		}
		for _, step := range steps {
			if err := tx.InsertStep(context.Background(), step); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	return exec
}

func pendingStep(id, execID, key string, attempt int, scheduled time.Time) *orchestrator.StepExecution {
	return &orchestrator.StepExecution{
		ID:            id,
		ExecutionID:   execID,
		FirmID:        "firm-1",
		StepKey:       key,
		Attempt:       attempt,
		Status:        orchestrator.StepPending,
		Fingerprint:   "fp-" + key,
		ScheduledAt:   scheduled,
		CorrelationID: "corr-" + execID,
		CreatedAt:     base,
	}
}

func TestExecutionInsertFindAndDuplicate(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedExecution(t, s, "exec-1")

		var found *orchestrator.Execution
		err := s.RunInTransaction(ctx, func(tx Tx) error {
			var err error
			found, err = tx.FindExecution(ctx, "firm-1", "month_end_close", "idem-exec-1")
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, "exec-1", found.ID)
		assert.Equal(t, "k1", found.StepIdempotencyKeys["fetch"])
		assert.JSONEq(t, `{"period":"2024-02"}`, string(found.Input))
		assert.True(t, found.CreatedAt.Equal(base))
		assert.Nil(t, found.StartedAt)

		dup := &orchestrator.Execution{
			ID:             "exec-2",
			FirmID:         "firm-1",
			DefinitionKey:  "month_end_close",
			IdempotencyKey: "idem-exec-1",
			Status:         orchestrator.ExecutionPending,
			CreatedAt:      base,
		}
		err = s.RunInTransaction(ctx, func(tx Tx) error {
			return tx.InsertExecution(ctx, dup)
		})
		assert.ErrorIs(t, err, ErrDuplicate)

		_, err = s.LoadExecution(ctx, "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestTransactionRollbackDiscardsWrites(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		err := s.RunInTransaction(ctx, func(tx Tx) error {
			if err := tx.InsertExecution(ctx, &orchestrator.Execution{
				ID: "exec-1", FirmID: "firm-1", DefinitionKey: "d", Status: orchestrator.ExecutionPending, CreatedAt: base,
			}); err != nil {
				return err
			}
			return errors.New("boom")
		})
		require.Error(t, err)

		_, err = s.LoadExecution(ctx, "exec-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestUpdateExecutionCompareAndSet(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		exec := seedExecution(t, s, "exec-1")

		exec.Status = orchestrator.ExecutionCanceled
		exec.CanceledBy = "user-2"
		exec.CompletedAt = orchestrator.TimePtr(base.Add(time.Minute))
		err := s.RunInTransaction(ctx, func(tx Tx) error {
			return tx.UpdateExecution(ctx, exec, orchestrator.ExecutionRunning)
		})
		assert.ErrorIs(t, err, ErrStale)

		err = s.RunInTransaction(ctx, func(tx Tx) error {
			return tx.UpdateExecution(ctx, exec, orchestrator.ExecutionPending)
		})
		require.NoError(t, err)

		got, err := s.LoadExecution(ctx, "exec-1")
		require.NoError(t, err)
		assert.Equal(t, orchestrator.ExecutionCanceled, got.Status)
		assert.Equal(t, "user-2", got.CanceledBy)
		require.NotNil(t, got.CompletedAt)
		assert.True(t, got.CompletedAt.Equal(base.Add(time.Minute)))
	})
}

func TestStepUniquePerAttempt(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedExecution(t, s, "exec-1", pendingStep("s1", "exec-1", "fetch", 1, base))

		err := s.RunInTransaction(ctx, func(tx Tx) error {
			return tx.InsertStep(ctx, pendingStep("s2", "exec-1", "fetch", 1, base))
		})
		assert.ErrorIs(t, err, ErrDuplicate)

		err = s.RunInTransaction(ctx, func(tx Tx) error {
			return tx.InsertStep(ctx, pendingStep("s2", "exec-1", "fetch", 2, base))
		})
		require.NoError(t, err)

		steps, err := s.ListSteps(ctx, "exec-1")
		require.NoError(t, err)
		require.Len(t, steps, 2)
		assert.Equal(t, 1, steps[0].Attempt)
		assert.Equal(t, 2, steps[1].Attempt)
	})
}

func TestClaimPendingLeasesDueSteps(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedExecution(t, s, "exec-1",
			pendingStep("s1", "exec-1", "fetch", 1, base),
			pendingStep("s2", "exec-1", "later", 1, base.Add(time.Hour)),
		)

		now := base.Add(time.Second)
		claimed, err := s.ClaimPending(ctx, ClaimRequest{WorkerID: "w1", Limit: 5, Now: now, LeaseUntil: now.Add(30 * time.Second)})
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		assert.Equal(t, "s1", claimed[0].ID)
		assert.Equal(t, orchestrator.StepRunning, claimed[0].Status)
		assert.Equal(t, "w1", claimed[0].ClaimedBy)
		assert.True(t, claimed[0].ClaimedUntil.Equal(now.Add(30*time.Second)))
		assert.Nil(t, claimed[0].StartedAt)

		exec, err := s.LoadExecution(ctx, "exec-1")
		require.NoError(t, err)
		assert.Equal(t, orchestrator.ExecutionRunning, exec.Status)
		require.NotNil(t, exec.StartedAt)

		again, err := s.ClaimPending(ctx, ClaimRequest{WorkerID: "w2", Limit: 5, Now: now})
		require.NoError(t, err)
		assert.Empty(t, again)

		_, err = s.ClaimPending(ctx, ClaimRequest{Limit: 5, Now: now})
		assert.Error(t, err)
	})
}

func TestConcurrentClaimsAreExclusive(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedExecution(t, s, "exec-1", pendingStep("s1", "exec-1", "fetch", 1, base))

		const workers = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			winners []string
		)
		errs := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				claimed, err := s.ClaimPending(ctx, ClaimRequest{WorkerID: id, Limit: 5, Now: base, LeaseUntil: base.Add(time.Minute)})
				if err != nil {
					errs <- err
					return
				}
				if len(claimed) > 0 {
					mu.Lock()
					winners = append(winners, id)
					mu.Unlock()
				}
			}(fmt.Sprintf("w%d", i))
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}
		require.Len(t, winners, 1)

		var got *orchestrator.StepExecution
		require.NoError(t, s.RunInTransaction(ctx, func(tx Tx) error {
			var err error
			got, err = tx.LoadStep(ctx, "s1")
			return err
		}))
		assert.Equal(t, winners[0], got.ClaimedBy)

		// completions race through the compare-and-set; only the holder lands
		results := make(chan error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				done := got.Clone()
				done.Status = orchestrator.StepSucceeded
				done.CompletedAt = orchestrator.TimePtr(base.Add(time.Second))
				results <- s.RunInTransaction(ctx, func(tx Tx) error {
					return tx.TransitionStep(ctx, done, orchestrator.StepRunning, id)
				})
			}(fmt.Sprintf("w%d", i))
		}
		wg.Wait()
		close(results)
		var landed, stale int
		for err := range results {
			switch {
			case err == nil:
				landed++
			case errors.Is(err, ErrStale):
				stale++
			default:
				t.Fatalf("unexpected completion error: %v", err)
			}
		}
		assert.Equal(t, 1, landed)
		assert.Equal(t, workers-1, stale)
	})
}

func TestSQLiteClaimsAcrossHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "engine.db")
	first, err := OpenSQLite(ctx, Config{DSN: path, AutoMigrate: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Close() })
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("exec-%d", i)
		seedExecution(t, first, id, pendingStep("s-"+id, id, "fetch", 1, base))
	}

	// each handle stands in for a separate worker process
	handles := []Store{first}
	for i := 0; i < 3; i++ {
		h, err := OpenSQLite(ctx, Config{DSN: path})
		require.NoError(t, err)
		t.Cleanup(func() { _ = h.Close() })
		handles = append(handles, h)
	}

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		owner = make(map[string]string)
	)
	errs := make(chan error, len(handles)*3)
	for i, h := range handles {
		wg.Add(1)
		go func(worker string, h Store) {
			defer wg.Done()
			claimed, err := h.ClaimPending(ctx, ClaimRequest{WorkerID: worker, Limit: 2, Now: base, LeaseUntil: base.Add(time.Minute)})
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, step := range claimed {
				if prev, dup := owner[step.ID]; dup {
					errs <- fmt.Errorf("step %s claimed by %s and %s", step.ID, prev, worker)
				}
				owner[step.ID] = worker
			}
		}(fmt.Sprintf("w%d", i), h)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.Len(t, owner, 5)
}

func TestClaimPendingSkipsTerminalExecutions(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		exec := seedExecution(t, s, "exec-1", pendingStep("s1", "exec-1", "fetch", 1, base))
		exec.Status = orchestrator.ExecutionCanceled
		require.NoError(t, s.RunInTransaction(ctx, func(tx Tx) error {
			return tx.UpdateExecution(ctx, exec, orchestrator.ExecutionPending)
		}))

		claimed, err := s.ClaimPending(ctx, ClaimRequest{WorkerID: "w1", Now: base.Add(time.Minute)})
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})
}

func TestTransitionStepRequiresClaimHolder(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedExecution(t, s, "exec-1", pendingStep("s1", "exec-1", "fetch", 1, base))
		claimed, err := s.ClaimPending(ctx, ClaimRequest{WorkerID: "w1", Now: base})
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		step := claimed[0]
		step.Status = orchestrator.StepSucceeded
		step.Result = json.RawMessage(`{"ok":true}`)
		step.CompletedAt = orchestrator.TimePtr(base.Add(time.Second))

		err = s.RunInTransaction(ctx, func(tx Tx) error {
			return tx.TransitionStep(ctx, step, orchestrator.StepRunning, "w2")
		})
		assert.ErrorIs(t, err, ErrStale)

		err = s.RunInTransaction(ctx, func(tx Tx) error {
			return tx.TransitionStep(ctx, step, orchestrator.StepRunning, "w1")
		})
		require.NoError(t, err)

		err = s.RunInTransaction(ctx, func(tx Tx) error {
			missing := step.Clone()
			missing.ID = "nope"
			return tx.TransitionStep(ctx, missing, orchestrator.StepRunning, "")
		})
		assert.ErrorIs(t, err, ErrNotFound)

		var got *orchestrator.StepExecution
		require.NoError(t, s.RunInTransaction(ctx, func(tx Tx) error {
			got, err = tx.LoadStep(ctx, "s1")
			return err
		}))
		assert.Equal(t, orchestrator.StepSucceeded, got.Status)
		assert.JSONEq(t, `{"ok":true}`, string(got.Result))
	})
}

func TestListExpiredClaims(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedExecution(t, s, "exec-1", pendingStep("s1", "exec-1", "fetch", 1, base))
		_, err := s.ClaimPending(ctx, ClaimRequest{WorkerID: "w1", Now: base, LeaseUntil: base.Add(10 * time.Second)})
		require.NoError(t, err)

		expired, err := s.ListExpiredClaims(ctx, base.Add(5*time.Second), 10)
		require.NoError(t, err)
		assert.Empty(t, expired)

		expired, err = s.ListExpiredClaims(ctx, base.Add(11*time.Second), 10)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "s1", expired[0].ID)
	})
}

func TestFingerprintLifecycle(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		rec := FingerprintRecord{
			FirmID:          "firm-1",
			Fingerprint:     "fp",
			State:           FingerprintInFlight,
			StepExecutionID: "s1",
			ExecutionID:     "exec-1",
			StepKey:         "fetch",
			LeaseUntil:      base.Add(time.Minute),
			CreatedAt:       base,
			UpdatedAt:       base,
		}
		run := func(fn func(tx Tx) error) error { return s.RunInTransaction(ctx, fn) }

		require.NoError(t, run(func(tx Tx) error { return tx.ReserveFingerprint(ctx, rec) }))
		assert.ErrorIs(t, run(func(tx Tx) error { return tx.ReserveFingerprint(ctx, rec) }), ErrDuplicate)

		other := rec
		other.FirmID = "firm-2"
		require.NoError(t, run(func(tx Tx) error { return tx.ReserveFingerprint(ctx, other) }))

		next := rec
		next.StepExecutionID = "s2"
		assert.ErrorIs(t, run(func(tx Tx) error { return tx.TakeOverFingerprint(ctx, next, "zz") }), ErrStale)
		require.NoError(t, run(func(tx Tx) error { return tx.TakeOverFingerprint(ctx, next, "s1") }))

		assert.ErrorIs(t, run(func(tx Tx) error {
			return tx.CompleteFingerprint(ctx, "firm-1", "fp", "s1", nil, base)
		}), ErrStale)
		require.NoError(t, run(func(tx Tx) error {
			return tx.CompleteFingerprint(ctx, "firm-1", "fp", "s2", json.RawMessage(`{"n":1}`), base.Add(time.Second))
		}))

		var got *FingerprintRecord
		require.NoError(t, run(func(tx Tx) error {
			var err error
			got, err = tx.LoadFingerprint(ctx, "firm-1", "fp")
			return err
		}))
		assert.Equal(t, FingerprintSucceeded, got.State)
		assert.Equal(t, "s2", got.StepExecutionID)
		assert.JSONEq(t, `{"n":1}`, string(got.Result))

		// release only drops in-flight reservations owned by the holder
		require.NoError(t, run(func(tx Tx) error { return tx.ReleaseFingerprint(ctx, "firm-1", "fp", "s2") }))
		require.NoError(t, run(func(tx Tx) error {
			_, err := tx.LoadFingerprint(ctx, "firm-1", "fp")
			return err
		}))

		require.NoError(t, run(func(tx Tx) error { return tx.ReleaseFingerprint(ctx, "firm-2", "fp", "s1") }))
		assert.ErrorIs(t, run(func(tx Tx) error {
			_, err := tx.LoadFingerprint(ctx, "firm-2", "fp")
			return err
		}), ErrNotFound)
	})
}

func TestDLQInsertListAndUpdate(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		entry := &orchestrator.DLQEntry{
			ID:              "d1",
			StepExecutionID: "s1",
			ExecutionID:     "exec-1",
			FirmID:          "firm-1",
			StepKey:         "fetch",
			Attempt:         3,
			Reason:          orchestrator.ReasonRetriesExhausted,
			ErrorClass:      orchestrator.ErrorTransient,
			ErrorMessage:    "timeout",
			PayloadSnapshot: json.RawMessage(`{"input":{}}`),
			Status:          orchestrator.DLQActive,
			CorrelationID:   "corr",
			EnqueuedAt:      base,
		}
		require.NoError(t, s.RunInTransaction(ctx, func(tx Tx) error { return tx.InsertDLQ(ctx, entry) }))

		dup := entry.Clone()
		dup.ID = "d2"
		assert.ErrorIs(t, s.RunInTransaction(ctx, func(tx Tx) error { return tx.InsertDLQ(ctx, dup) }), ErrDuplicate)

		list, err := s.ListDLQ(ctx, DLQFilter{FirmID: "firm-1"})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, orchestrator.ReasonRetriesExhausted, list[0].Reason)

		list, err = s.ListDLQ(ctx, DLQFilter{FirmID: "firm-2"})
		require.NoError(t, err)
		assert.Empty(t, list)

		entry.Status = orchestrator.DLQArchived
		entry.ArchivedBy = "ops"
		entry.ArchivedAt = orchestrator.TimePtr(base.Add(time.Hour))
		entry.ArchiveNote = "handled manually"
		assert.ErrorIs(t, s.RunInTransaction(ctx, func(tx Tx) error {
			return tx.UpdateDLQ(ctx, entry, orchestrator.DLQResolved)
		}), ErrStale)
		require.NoError(t, s.RunInTransaction(ctx, func(tx Tx) error {
			return tx.UpdateDLQ(ctx, entry, orchestrator.DLQActive)
		}))

		list, err = s.ListDLQ(ctx, DLQFilter{FirmID: "firm-1"})
		require.NoError(t, err)
		assert.Empty(t, list)

		list, err = s.ListDLQ(ctx, DLQFilter{FirmID: "firm-1", Statuses: []orchestrator.DLQStatus{orchestrator.DLQArchived}})
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, "handled manually", list[0].ArchiveNote)
	})
}

func TestAuditSinkPersistsInOrder(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sink := NewAuditSink(s)
		for i := 0; i < 3; i++ {
			require.NoError(t, sink.Record(ctx, audit.Event{
				FirmID:       "firm-1",
				Action:       audit.ActionStepSucceeded,
				ResourceType: audit.ResourceStepExecution,
				ResourceID:   fmt.Sprintf("s%d", i),
				Payload:      map[string]any{"attempt": "1"},
			}))
		}
		require.Error(t, sink.Record(ctx, audit.Event{FirmID: "firm-1"}))

		events, err := s.ListAudit(ctx, AuditFilter{FirmID: "firm-1"})
		require.NoError(t, err)
		require.Len(t, events, 3)
		assert.Equal(t, "s0", events[0].ResourceID)
		assert.Equal(t, "s2", events[2].ResourceID)
		assert.Equal(t, orchestrator.SystemActorID, events[0].Actor)
		assert.Equal(t, "1", events[0].Payload["attempt"])

		events, err = s.ListAudit(ctx, AuditFilter{ResourceID: "s1"})
		require.NoError(t, err)
		assert.Len(t, events, 1)
	})
}

func TestListExecutionsFilters(t *testing.T) {
	eachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		seedExecution(t, s, "exec-1")
		seedExecution(t, s, "exec-2")

		all, err := s.ListExecutions(ctx, ExecutionFilter{FirmID: "firm-1"})
		require.NoError(t, err)
		assert.Len(t, all, 2)

		running, err := s.ListExecutions(ctx, ExecutionFilter{Statuses: []orchestrator.ExecutionStatus{orchestrator.ExecutionRunning}})
		require.NoError(t, err)
		assert.Empty(t, running)

		limited, err := s.ListExecutions(ctx, ExecutionFilter{Limit: 1})
		require.NoError(t, err)
		require.Len(t, limited, 1)
		assert.Equal(t, "exec-1", limited[0].ID)
	})
}

func TestDialectRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE x = ? AND y IN (?, ?)"
	assert.Equal(t, q, DialectSQLite.rebind(q))
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y IN ($2, $3)", DialectPostgres.rebind(q))

	d, err := ParseDialect("pgx")
	require.NoError(t, err)
	assert.Equal(t, DialectPostgres, d)
	_, err = ParseDialect("mysql")
	assert.Error(t, err)
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "40001"}))
	assert.True(t, isUniqueViolation(sqlite3.Error{Code: sqlite3.ErrConstraint}))
	assert.False(t, isUniqueViolation(errors.New("boom")))
	assert.False(t, isUniqueViolation(nil))
}

func TestOpenDefaultsToMemory(t *testing.T) {
	s, err := Open(context.Background(), DefaultConfig())
	require.NoError(t, err)
	_, ok := s.(*MemoryStore)
	assert.True(t, ok)

	_, err = OpenPostgres(context.Background(), Config{Driver: "postgres"})
	assert.Error(t, err)
}
