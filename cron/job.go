package cron

import (
	"sync"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// ScheduleStatus reports a schedule handle state.
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusRunning   ScheduleStatus = "running"
	ScheduleStatusIdle      ScheduleStatus = "idle"
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusCanceled  ScheduleStatus = "canceled"
	ScheduleStatusFailed    ScheduleStatus = "failed"
	ScheduleStatusStopped   ScheduleStatus = "stopped"
)

// Handle controls one scheduled job.
type Handle interface {
	Cancel()
	Name() string
	Status() ScheduleStatus
	Err() error
	Done() <-chan struct{}
	ID() int64
	Snapshot() JobStatus
}

// JobStatus is a point in time view of a scheduled job.
type JobStatus struct {
	ID           int64          `json:"id"`
	Name         string         `json:"name"`
	Status       ScheduleStatus `json:"status"`
	Runs         int            `json:"runs"`
	Failures     int            `json:"failures"`
	LastRunAt    time.Time      `json:"last_run_at"`
	LastDuration time.Duration  `json:"last_duration"`
	LastError    string         `json:"last_error,omitempty"`
	NextRunAt    time.Time      `json:"next_run_at"`
}

// job is the Handle of both recurring and one shot runs. A recurring job
// stays schedulable after a failed run; only cancel or stop end it.
type job struct {
	scheduler *Scheduler
	id        int64
	name      string
	recurring bool
	entryID   rcron.EntryID
	done      chan struct{}

	mu       sync.RWMutex
	status   ScheduleStatus
	err      error
	closed   bool
	runs     int
	failures int
	lastRun  time.Time
	lastTook time.Duration
}

func (j *job) Cancel() {
	if j == nil {
		return
	}
	if j.scheduler != nil {
		j.scheduler.forget(j.id)
	}
	j.terminate(ScheduleStatusCanceled)
}

func (j *job) Name() string {
	if j == nil {
		return ""
	}
	return j.name
}

func (j *job) ID() int64 {
	if j == nil {
		return 0
	}
	return j.id
}

func (j *job) Status() ScheduleStatus {
	if j == nil {
		return ScheduleStatusStopped
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// Err returns the error of the latest failed run.
func (j *job) Err() error {
	if j == nil {
		return nil
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.err
}

func (j *job) Done() <-chan struct{} {
	if j == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return j.done
}

func (j *job) Snapshot() JobStatus {
	if j == nil {
		return JobStatus{Status: ScheduleStatusStopped}
	}
	j.mu.RLock()
	defer j.mu.RUnlock()
	out := JobStatus{
		ID:           j.id,
		Name:         j.name,
		Status:       j.status,
		Runs:         j.runs,
		Failures:     j.failures,
		LastRunAt:    j.lastRun,
		LastDuration: j.lastTook,
	}
	if j.err != nil {
		out.LastError = j.err.Error()
	}
	return out
}

// begin marks a run as started. It reports false once the job has ended.
func (j *job) begin(at time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return false
	}
	j.status = ScheduleStatusRunning
	j.lastRun = at
	return true
}

// finish records a run outcome. One shot jobs end here.
func (j *job) finish(took time.Duration, err error) {
	j.mu.Lock()
	j.runs++
	j.lastTook = took
	j.err = err
	if err != nil {
		j.failures++
	}
	if j.closed {
		j.mu.Unlock()
		return
	}
	switch {
	case err != nil:
		j.status = ScheduleStatusFailed
	case j.recurring:
		j.status = ScheduleStatusIdle
	default:
		j.status = ScheduleStatusCompleted
	}
	end := !j.recurring
	if end {
		j.closed = true
	}
	j.mu.Unlock()

	if end {
		close(j.done)
	}
}

// terminate ends the job with status unless it already ended.
func (j *job) terminate(status ScheduleStatus) {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	j.status = status
	j.mu.Unlock()
	close(j.done)
}
