package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/goliatone/go-orchestrator"
	"github.com/goliatone/go-orchestrator/cron"
	"github.com/goliatone/go-orchestrator/definition"
	"github.com/goliatone/go-orchestrator/dlq"
	"github.com/goliatone/go-orchestrator/executor"
)

type ActorFlags struct {
	As          string   `name:"as" default:"cli" help:"Actor ID recorded in audit events."`
	ActorFirm   string   `name:"actor-firm" help:"Restrict the actor to one firm. Empty acts on every firm."`
	Permissions []string `name:"perm" default:"can_view_dlq,can_reprocess_dlq" help:"Permissions held by the actor."`
}

func (f ActorFlags) actor() orchestrator.Actor {
	perms := make([]orchestrator.Permission, 0, len(f.Permissions))
	for _, p := range f.Permissions {
		if p = strings.TrimSpace(p); p != "" {
			perms = append(perms, orchestrator.Permission(p))
		}
	}
	return orchestrator.Actor{ID: f.As, FirmID: f.ActorFirm, Permissions: perms}
}

type serveCmd struct {
	ShutdownTimeout time.Duration `default:"15s" help:"How long to wait for in-flight attempts on shutdown."`
}

func (c *serveCmd) Run(a *app) error {
	rt, err := a.runtime()
	if err != nil {
		return err
	}
	defer rt.Close()

	logger := rt.logger.WithContext(a.ctx)
	worker := rt.worker()

	scheduler := cron.NewScheduler(
		cron.WithLogger(rt.logger),
		cron.WithLogLevel(cron.ParseLogLevel(rt.cfg.Logging.Level)),
		cron.WithParser(cron.ParseParser(rt.cfg.Maintenance.CronParser)),
	)
	if m := rt.cfg.Maintenance; m.Enabled {
		if _, err := cron.ScheduleReaper(scheduler, rt.executor, m.ReapExpression, m.ReapTimeout); err != nil {
			return err
		}
		if m.StartupReap {
			if _, err := cron.ScheduleStartupReap(scheduler, rt.executor, 0, m.ReapTimeout); err != nil {
				return err
			}
		}
	}
	if err := scheduler.Start(a.ctx); err != nil {
		return err
	}

	var srv *http.Server
	if rt.cfg.Metrics.Enabled {
		srv = &http.Server{
			Addr:              rt.cfg.Metrics.Addr,
			Handler:           observabilityMux(rt, worker, scheduler),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed: %v", err)
			}
		}()
		logger.Info("metrics listening on %s%s", rt.cfg.Metrics.Addr, rt.cfg.Metrics.Path)
	}

	runErr := worker.Run(a.ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.ShutdownTimeout)
	defer cancel()
	stopErr := errors.Join(worker.Stop(shutdownCtx), scheduler.Stop(shutdownCtx))
	if srv != nil {
		stopErr = errors.Join(stopErr, srv.Shutdown(shutdownCtx))
	}
	logger.Info("orchestrator stopped")
	return errors.Join(runErr, stopErr)
}

type healthReport struct {
	Healthy     bool                  `json:"healthy"`
	Worker      executor.WorkerHealth `json:"worker"`
	Maintenance []cron.JobStatus      `json:"maintenance"`
}

func observabilityMux(rt *runtime, worker *executor.Worker, scheduler *cron.Scheduler) *http.ServeMux {
	path := rt.cfg.Metrics.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, rt.recorder.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		health := worker.Health(r.Context())
		report := healthReport{Healthy: health.Healthy, Worker: health, Maintenance: scheduler.Jobs()}
		w.Header().Set("Content-Type", "application/json")
		if !report.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
	return mux
}

type submitCmd struct {
	Definition     string            `arg:"" help:"Definition key."`
	Firm           string            `required:"" help:"Firm the execution belongs to."`
	Version        int               `help:"Definition version. Zero selects the latest visible version."`
	Input          string            `default:"{}" help:"JSON input document."`
	InputFile      string            `type:"existingfile" help:"Read the JSON input document from a file."`
	IdempotencyKey string            `help:"Submission idempotency key."`
	CorrelationID  string            `help:"Correlation ID carried by every attempt."`
	StepKeys       map[string]string `name:"step-key" help:"Per step idempotency keys as step=key."`
	As             string            `default:"cli" help:"Submitter recorded on the execution."`
	Drain          bool              `help:"Drive the execution in process until it is terminal."`
	DrainTimeout   time.Duration     `default:"1m" help:"Upper bound for --drain."`
}

func (c *submitCmd) Run(a *app) error {
	input := []byte(c.Input)
	if c.InputFile != "" {
		data, err := os.ReadFile(c.InputFile)
		if err != nil {
			return err
		}
		input = data
	}
	if !json.Valid(input) {
		return orchestrator.NewError(orchestrator.ErrInvalidRequest, "input is not valid JSON", nil, nil)
	}

	rt, err := a.runtime()
	if err != nil {
		return err
	}
	defer rt.Close()

	version := c.Version
	if version == 0 {
		def, err := rt.definitions.Latest(a.ctx, c.Firm, c.Definition)
		if err != nil {
			return err
		}
		version = def.Version
	}

	exec, err := rt.executor.Submit(a.ctx, executor.SubmitRequest{
		FirmID:              c.Firm,
		DefinitionKey:       c.Definition,
		Version:             version,
		Input:               json.RawMessage(input),
		CorrelationID:       c.CorrelationID,
		IdempotencyKey:      c.IdempotencyKey,
		StepIdempotencyKeys: c.StepKeys,
		SubmittedBy:         c.As,
	})
	if err != nil {
		return err
	}
	if !c.Drain {
		return a.print(exec)
	}
	view, err := drain(a.ctx, rt, exec.ID, c.DrainTimeout)
	if err != nil {
		return err
	}
	return a.print(view)
}

// drain runs worker cycles until the execution is terminal or timeout.
func drain(ctx context.Context, rt *runtime, executionID string, timeout time.Duration) (*executor.StatusView, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	worker := rt.worker()
	poll := rt.cfg.Worker.PollInterval
	for {
		report, err := worker.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			rt.logger.Warn("drain cycle failed: %v", err)
		}
		view, err := rt.executor.GetStatus(ctx, executionID)
		if err != nil {
			return nil, err
		}
		if view.Status.IsTerminal() {
			return view, nil
		}
		if report.Claimed > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return view, fmt.Errorf("execution %s still %s: %w", executionID, view.Status, ctx.Err())
		case <-time.After(poll):
		}
	}
}

type statusCmd struct {
	ExecutionID string `arg:"" help:"Execution ID."`
}

func (c *statusCmd) Run(a *app) error {
	rt, err := a.runtime()
	if err != nil {
		return err
	}
	defer rt.Close()

	view, err := rt.executor.GetStatus(a.ctx, c.ExecutionID)
	if err != nil {
		return err
	}
	return a.print(view)
}

type cancelCmd struct {
	ExecutionID string `arg:"" help:"Execution ID."`
	ActorFlags  `embed:""`
}

func (c *cancelCmd) Run(a *app) error {
	rt, err := a.runtime()
	if err != nil {
		return err
	}
	defer rt.Close()

	exec, err := rt.executor.Cancel(a.ctx, c.ExecutionID, c.actor())
	if err != nil {
		return err
	}
	return a.print(exec)
}

type dlqCmd struct {
	List      dlqListCmd      `cmd:"" help:"List dead-letter entries of a firm."`
	Reprocess dlqReprocessCmd `cmd:"" help:"Schedule a fresh attempt for a dead-letter entry."`
	Archive   dlqArchiveCmd   `cmd:"" help:"Archive a dead-letter entry without reprocessing."`
}

type dlqListCmd struct {
	Firm        string   `required:"" help:"Firm whose entries are listed."`
	ExecutionID string   `name:"execution" help:"Only entries of this execution."`
	StepKey     string   `name:"step" help:"Only entries of this step key."`
	Reason      string   `help:"Only entries with this reason (retries_exhausted, permanent_error, unclassified_error)."`
	Statuses    []string `name:"status" help:"Entry statuses to include. Defaults to active."`
	Limit       int      `default:"50" help:"Maximum number of entries."`
	ActorFlags  `embed:""`
}

func (c *dlqListCmd) Run(a *app) error {
	rt, err := a.runtime()
	if err != nil {
		return err
	}
	defer rt.Close()

	filter := dlq.Filter{
		ExecutionID: c.ExecutionID,
		StepKey:     c.StepKey,
		Reason:      orchestrator.DLQReason(c.Reason),
		Limit:       c.Limit,
	}
	for _, s := range c.Statuses {
		filter.Statuses = append(filter.Statuses, orchestrator.DLQStatus(strings.TrimSpace(s)))
	}
	entries, err := rt.dlq.List(a.ctx, c.actor(), c.Firm, filter)
	if err != nil {
		return err
	}
	if entries == nil {
		entries = []*orchestrator.DLQEntry{}
	}
	return a.print(entries)
}

type dlqReprocessCmd struct {
	EntryID    string `arg:"" help:"Dead-letter entry ID."`
	ActorFlags `embed:""`
}

func (c *dlqReprocessCmd) Run(a *app) error {
	rt, err := a.runtime()
	if err != nil {
		return err
	}
	defer rt.Close()

	result, err := rt.dlq.Reprocess(a.ctx, c.EntryID, c.actor())
	if err != nil {
		return err
	}
	return a.print(result)
}

type dlqArchiveCmd struct {
	EntryID    string `arg:"" help:"Dead-letter entry ID."`
	Note       string `help:"Why the entry is archived."`
	ActorFlags `embed:""`
}

func (c *dlqArchiveCmd) Run(a *app) error {
	rt, err := a.runtime()
	if err != nil {
		return err
	}
	defer rt.Close()

	entry, err := rt.dlq.Archive(a.ctx, c.EntryID, c.actor(), c.Note)
	if err != nil {
		return err
	}
	return a.print(entry)
}

type definitionsCmd struct {
	Validate definitionsValidateCmd `cmd:"" help:"Validate definition files or directories."`
}

type definitionsValidateCmd struct {
	Paths        []string `arg:"" type:"path" help:"Definition files or directories."`
	SkipHandlers bool     `help:"Do not check handler references against the builtin handlers."`
}

type validationReport struct {
	Path    string `json:"path"`
	Key     string `json:"key,omitempty"`
	FirmID  string `json:"firm_id,omitempty"`
	Version int    `json:"version,omitempty"`
	Steps   int    `json:"steps,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (c *definitionsValidateCmd) Run(a *app) error {
	var resolver orchestrator.HandlerResolver
	if !c.SkipHandlers {
		resolver = builtinHandlers()
	}
	reg := definition.NewRegistry(definition.WithHandlerResolver(resolver))

	var reports []validationReport
	failed := 0
	for _, path := range c.Paths {
		defs, err := loadPath(path)
		if err != nil {
			reports = append(reports, validationReport{Path: path, Error: err.Error()})
			failed++
			continue
		}
		for _, def := range defs {
			report := validationReport{Path: path, Key: def.Key, FirmID: def.FirmID, Version: def.Version, Steps: len(def.Steps)}
			if err := reg.Register(a.ctx, def); err != nil {
				report.Error = err.Error()
				failed++
			}
			reports = append(reports, report)
		}
	}
	if err := a.print(reports); err != nil {
		return err
	}
	if failed > 0 {
		return orchestrator.NewError(orchestrator.ErrInvalidDefinition,
			fmt.Sprintf("%d definition problem(s) found", failed), nil, nil)
	}
	return nil
}

func loadPath(path string) ([]*orchestrator.Definition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return definition.LoadDir(path)
	}
	return definition.LoadFile(path)
}
