package cron

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"

	"github.com/goliatone/go-orchestrator"
)

// JobFunc is one maintenance run.
type JobFunc func(ctx context.Context) error

// JobConfig describes a scheduled job.
type JobConfig struct {
	Name       string
	Expression string
	// Timeout bounds one run. Zero means no bound.
	Timeout time.Duration
}

// Scheduler runs maintenance jobs on cron expressions. Overlapping runs of
// the same job are skipped.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	location     *time.Location
	errorHandler func(error)

	logger   orchestrator.Logger
	parser   Parser
	logLevel LogLevel

	runCtx    context.Context
	runCancel context.CancelFunc

	lastID int64
	jobs   map[int64]*job
}

// NewScheduler creates a new scheduler instance with the provided options.
func NewScheduler(opts ...Option) *Scheduler {
	s := &Scheduler{
		location: time.UTC,
		parser:   DefaultParser,
		logLevel: LogLevelError,
		logger:   orchestrator.NormalizeLogger(nil),
		jobs:     make(map[int64]*job),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = orchestrator.NormalizeLogger(s.logger)
	if s.errorHandler == nil {
		s.errorHandler = func(err error) {
			s.logger.Error("scheduled job failed: %v", err)
		}
	}
	s.runCtx, s.runCancel = context.WithCancel(context.Background())
	s.cron = rcron.New(s.build()...)
	return s
}

// ScheduleCron schedules a recurring job by cron expression. A failed run
// is reported and the job keeps its schedule.
func (s *Scheduler) ScheduleCron(cfg JobConfig, fn JobFunc) (Handle, error) {
	if strings.TrimSpace(cfg.Expression) == "" {
		return nil, fmt.Errorf("cron expression cannot be empty")
	}
	if fn == nil {
		return nil, fmt.Errorf("job %q has no function", cfg.Name)
	}

	j := s.track(cfg.Name, true)
	entryID, err := s.cron.AddFunc(cfg.Expression, func() { s.execute(j, cfg, fn) })
	if err != nil {
		s.forget(j.id)
		return nil, fmt.Errorf("schedule job %q: %w", jobName(cfg), err)
	}
	s.mu.Lock()
	j.entryID = entryID
	s.mu.Unlock()
	return j, nil
}

// ScheduleAfter schedules one run after delay.
func (s *Scheduler) ScheduleAfter(delay time.Duration, cfg JobConfig, fn JobFunc) (Handle, error) {
	return s.ScheduleAt(time.Now().Add(max(delay, 0)), cfg, fn)
}

// ScheduleAt schedules one run at a specific time.
func (s *Scheduler) ScheduleAt(at time.Time, cfg JobConfig, fn JobFunc) (Handle, error) {
	if fn == nil {
		return nil, fmt.Errorf("job %q has no function", cfg.Name)
	}

	j := s.track(cfg.Name, false)
	go func() {
		timer := time.NewTimer(max(time.Until(at), 0))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-j.Done():
			return
		}
		s.execute(j, cfg, fn)
		s.forget(j.id)
	}()
	return j, nil
}

// Jobs reports every tracked job ordered by ID.
func (s *Scheduler) Jobs() []JobStatus {
	s.mu.Lock()
	out := make([]JobStatus, 0, len(s.jobs))
	entries := make(map[int64]rcron.EntryID, len(s.jobs))
	for id, j := range s.jobs {
		out = append(out, j.Snapshot())
		entries[id] = j.entryID
	}
	s.mu.Unlock()

	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	for i := range out {
		if entryID := entries[out[i].ID]; entryID > 0 {
			out[i].NextRunAt = s.cron.Entry(entryID).Next
		}
	}
	return out
}

// Start begins executing scheduled jobs.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop halts the scheduler, cancels running jobs and waits for them until
// ctx ends.
func (s *Scheduler) Stop(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	done := s.cron.Stop()
	s.runCancel()

	s.mu.Lock()
	tracked := s.jobs
	s.jobs = make(map[int64]*job)
	entries := make([]rcron.EntryID, 0, len(tracked))
	for _, j := range tracked {
		if j.entryID > 0 {
			entries = append(entries, j.entryID)
		}
	}
	s.mu.Unlock()

	for _, entryID := range entries {
		s.cron.Remove(entryID)
	}
	for _, j := range tracked {
		j.terminate(ScheduleStatusStopped)
	}

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) execute(j *job, cfg JobConfig, fn JobFunc) {
	started := time.Now()
	if !j.begin(started) {
		return
	}
	err := s.run(cfg, fn)
	took := time.Since(started)
	if err != nil {
		s.errorHandler(err)
	} else if s.logLevel >= LogLevelDebug {
		s.logger.Debug("job %s finished in %s", jobName(cfg), took)
	}
	j.finish(took, err)
}

func (s *Scheduler) run(cfg JobConfig, fn JobFunc) (err error) {
	ctx := s.runCtx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}
	defer orchestrator.RecoverPanic(&err)

	if err = fn(ctx); err != nil {
		return fmt.Errorf("job %s: %w", jobName(cfg), err)
	}
	return nil
}

func (s *Scheduler) track(name string, recurring bool) *job {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastID++
	j := &job{
		scheduler: s,
		id:        s.lastID,
		name:      name,
		recurring: recurring,
		status:    ScheduleStatusScheduled,
		done:      make(chan struct{}),
	}
	s.jobs[j.id] = j
	return j
}

// forget drops a job from tracking and from the cron table.
func (s *Scheduler) forget(id int64) {
	s.mu.Lock()
	var entryID rcron.EntryID
	if j, ok := s.jobs[id]; ok {
		entryID = j.entryID
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	if entryID > 0 {
		s.cron.Remove(entryID)
	}
}

func jobName(cfg JobConfig) string {
	if name := strings.TrimSpace(cfg.Name); name != "" {
		return name
	}
	return cfg.Expression
}

// build converts scheduler options to rcron options.
func (s *Scheduler) build() []rcron.Option {
	opts := make([]rcron.Option, 0, 4)

	if s.location != nil {
		opts = append(opts, rcron.WithLocation(s.location))
	}

	if p := s.parser.scheduleParser(); p != nil {
		opts = append(opts, rcron.WithParser(p))
	}

	cronLogger := &loggerAdapter{logger: s.logger, level: s.logLevel}
	opts = append(opts,
		rcron.WithLogger(cronLogger),
		rcron.WithChain(
			rcron.Recover(&errorHandlerAdapter{handler: s.errorHandler}),
			rcron.SkipIfStillRunning(cronLogger),
		),
	)
	return opts
}

// ParseExpression parses expression with the default five field parser,
// which also accepts descriptors such as @every.
func ParseExpression(expression string) (rcron.Schedule, error) {
	return DefaultParser.Parse(expression)
}

// Parse checks expression the way a scheduler built WithParser(p) reads it.
func (p Parser) Parse(expression string) (rcron.Schedule, error) {
	if strings.TrimSpace(expression) == "" {
		return nil, fmt.Errorf("cron expression cannot be empty")
	}
	if sp := p.scheduleParser(); sp != nil {
		return sp.Parse(expression)
	}
	return rcron.ParseStandard(expression)
}

// scheduleParser is nil for DefaultParser, leaving rcron's own default.
func (p Parser) scheduleParser() rcron.ScheduleParser {
	switch p {
	case StandardParser:
		return rcron.NewParser(rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)
	case SecondsParser:
		return rcron.NewParser(rcron.Second | rcron.Minute | rcron.Hour | rcron.Dom | rcron.Month | rcron.Dow | rcron.Descriptor)
	}
	return nil
}
