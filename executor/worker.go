package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/store"
)

// WorkerState tracks the lifecycle of the background runner.
type WorkerState string

const (
	WorkerStateIdle     WorkerState = "idle"
	WorkerStateRunning  WorkerState = "running"
	WorkerStateStopping WorkerState = "stopping"
	WorkerStateStopped  WorkerState = "stopped"
)

// WorkerStatus captures the latest runtime state and cycle counters.
type WorkerStatus struct {
	WorkerID            string
	State               WorkerState
	LastRunAt           time.Time
	LastSuccessAt       time.Time
	LastError           string
	ConsecutiveFailures int
	LastClaimed         int
	LastProcessed       int
	LastLag             time.Duration
}

// WorkerHealth reports health derived from runtime status.
type WorkerHealth struct {
	Healthy bool
	Reason  string
	Status  WorkerStatus
}

// CycleReport summarizes one claim and drive cycle.
type CycleReport struct {
	WorkerID   string
	Claimed    int
	Processed  int
	Lag        time.Duration
	StartedAt  time.Time
	FinishedAt time.Time
	Results    []DriveResult
}

// Worker polls the store for claimable attempts and drives them.
type Worker struct {
	executor    *Executor
	workerID    string
	concurrency int
	batch       int
	lease       time.Duration
	interval    time.Duration
	logger      orchestrator.Logger
	metrics     Metrics
	now         func() time.Time

	stateMu sync.RWMutex
	status  WorkerStatus

	runMu     sync.Mutex
	runCancel context.CancelFunc
	runDone   chan struct{}
	running   bool
}

// WorkerOption customizes a Worker.
type WorkerOption func(*Worker)

// WithWorkerID sets the claim identity. Concurrent loops append -N.
func WithWorkerID(id string) WorkerOption {
	return func(w *Worker) {
		if id = strings.TrimSpace(id); id != "" {
			w.workerID = id
		}
	}
}

// WithConcurrency sets how many claim loops Run starts.
func WithConcurrency(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithBatchSize sets the max attempts claimed per cycle.
func WithBatchSize(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.batch = n
		}
	}
}

// WithLease sets how long a claim stays valid.
func WithLease(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.lease = d
		}
	}
}

// WithPollInterval sets the idle cadence of Run.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.interval = d
		}
	}
}

func WithWorkerLogger(logger orchestrator.Logger) WorkerOption {
	return func(w *Worker) {
		w.logger = orchestrator.NormalizeLogger(logger)
	}
}

func WithWorkerMetrics(metrics Metrics) WorkerOption {
	return func(w *Worker) {
		if metrics != nil {
			w.metrics = metrics
		}
	}
}

func WithWorkerClock(now func() time.Time) WorkerOption {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWorker builds a worker around an executor. Logger, metrics and clock
// default to the executor's.
func NewWorker(exec *Executor, opts ...WorkerOption) *Worker {
	w := &Worker{
		executor:    exec,
		workerID:    "orchestrator-worker-1",
		concurrency: 1,
		batch:       10,
		lease:       30 * time.Second,
		interval:    500 * time.Millisecond,
	}
	if exec != nil {
		w.logger = exec.logger
		w.metrics = exec.metrics
		w.now = exec.now
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	w.logger = orchestrator.NormalizeLogger(w.logger)
	if w.metrics == nil {
		w.metrics = noopMetrics{}
	}
	if w.now == nil {
		w.now = func() time.Time { return time.Now().UTC() }
	}
	w.status = WorkerStatus{WorkerID: w.workerID, State: WorkerStateIdle}
	return w
}

// Run starts the claim loops until ctx is canceled or Stop is called.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.validate(); err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	w.runMu.Lock()
	if w.running {
		w.runMu.Unlock()
		return fmt.Errorf("worker already running")
	}
	runCtx, cancel := context.WithCancel(ctx)
	runDone := make(chan struct{})
	w.runCancel = cancel
	w.runDone = runDone
	w.running = true
	w.runMu.Unlock()

	w.setState(WorkerStateRunning)
	logger := orchestrator.WithLoggerFields(w.logger.WithContext(runCtx), map[string]any{"worker_id": w.workerID})
	logger.Info("worker started with %d loops", w.concurrency)

	defer func() {
		w.setState(WorkerStateStopped)
		logger.Info("worker stopped")
		w.runMu.Lock()
		w.running = false
		w.runCancel = nil
		w.runDone = nil
		close(runDone)
		w.runMu.Unlock()
	}()

	group, groupCtx := errgroup.WithContext(runCtx)
	for i := 0; i < w.concurrency; i++ {
		id := w.workerID
		if w.concurrency > 1 {
			id = fmt.Sprintf("%s-%d", w.workerID, i+1)
		}
		group.Go(func() error {
			return w.loop(groupCtx, id)
		})
	}
	return group.Wait()
}

func (w *Worker) loop(ctx context.Context, workerID string) error {
	logger := orchestrator.WithLoggerFields(w.logger.WithContext(ctx), map[string]any{"worker_id": workerID})
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		report, err := w.cycle(ctx, workerID)
		if err != nil && ctx.Err() == nil {
			logger.Warn("worker cycle failed: %v", err)
		}
		// keep draining while there is work
		if err == nil && report.Claimed > 0 && report.Claimed == w.batch {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// RunOnce executes one claim and drive cycle under the base worker ID.
func (w *Worker) RunOnce(ctx context.Context) (CycleReport, error) {
	if err := w.validate(); err != nil {
		return CycleReport{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return w.cycle(ctx, w.workerID)
}

func (w *Worker) cycle(ctx context.Context, workerID string) (CycleReport, error) {
	now := w.now().UTC()
	report := CycleReport{WorkerID: workerID, StartedAt: now}

	claimed, err := w.executor.store.ClaimPending(ctx, store.ClaimRequest{
		WorkerID:   workerID,
		Limit:      w.batch,
		Now:        now,
		LeaseUntil: now.Add(w.lease),
	})
	if err != nil {
		report.FinishedAt = w.now().UTC()
		w.recordCycle(ctx, report, err)
		return report, err
	}
	report.Claimed = len(claimed)
	w.metrics.RecordClaimed(workerID, len(claimed))
	if lag, ok := claimLag(claimed, now); ok {
		report.Lag = lag
		w.metrics.RecordClaimLag(lag)
	}

	var errs []error
	for _, step := range claimed {
		res, err := w.executor.Drive(ctx, step)
		report.Results = append(report.Results, res)
		if err != nil {
			if orchestrator.HasCode(err, orchestrator.ErrCodeClaimLost) {
				w.logger.WithContext(ctx).Debug("claim on %s lost before completion", step.ID)
				continue
			}
			errs = append(errs, err)
			continue
		}
		report.Processed++
	}

	report.FinishedAt = w.now().UTC()
	cycleErr := errors.Join(errs...)
	w.recordCycle(ctx, report, cycleErr)
	return report, cycleErr
}

// Stop cancels the loops and waits for in-flight attempts to settle.
func (w *Worker) Stop(ctx context.Context) error {
	if w == nil {
		return fmt.Errorf("worker not configured")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	w.runMu.Lock()
	cancel := w.runCancel
	done := w.runDone
	running := w.running
	w.runMu.Unlock()

	if !running || cancel == nil || done == nil {
		w.setState(WorkerStateStopped)
		return nil
	}

	w.setState(WorkerStateStopping)
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns a copy of the latest runtime status.
func (w *Worker) Status() WorkerStatus {
	if w == nil {
		return WorkerStatus{State: WorkerStateStopped}
	}
	w.stateMu.RLock()
	defer w.stateMu.RUnlock()
	return w.status
}

// Health derives a health summary from Status.
func (w *Worker) Health(context.Context) WorkerHealth {
	status := w.Status()
	health := WorkerHealth{Healthy: true, Status: status}
	if status.ConsecutiveFailures > 0 {
		health.Healthy = false
		health.Reason = "worker cycle failures detected"
	} else if status.State == WorkerStateStopped && !status.LastRunAt.IsZero() {
		health.Healthy = false
		health.Reason = "worker stopped"
	}
	return health
}

func (w *Worker) validate() error {
	if w == nil || w.executor == nil {
		return fmt.Errorf("worker not configured")
	}
	return w.executor.validate()
}

func (w *Worker) setState(state WorkerState) {
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	w.status.State = state
}

func (w *Worker) recordCycle(ctx context.Context, report CycleReport, err error) {
	if err != nil && ctx.Err() != nil {
		// interrupted by shutdown
		return
	}
	w.stateMu.Lock()
	defer w.stateMu.Unlock()
	w.status.LastRunAt = report.FinishedAt
	w.status.LastClaimed = report.Claimed
	w.status.LastProcessed = report.Processed
	w.status.LastLag = report.Lag
	if err != nil {
		w.status.LastError = err.Error()
		w.status.ConsecutiveFailures++
		return
	}
	w.status.LastError = ""
	w.status.ConsecutiveFailures = 0
	w.status.LastSuccessAt = report.FinishedAt
}

func claimLag(steps []*orchestrator.StepExecution, now time.Time) (time.Duration, bool) {
	var oldest time.Time
	for _, step := range steps {
		if oldest.IsZero() || step.ScheduledAt.Before(oldest) {
			oldest = step.ScheduledAt
		}
	}
	if oldest.IsZero() || oldest.After(now) {
		return 0, false
	}
	return now.Sub(oldest), true
}
