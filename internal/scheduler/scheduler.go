// Package scheduler runs the loop's timer triggers on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/alekspetrov/conveyor/internal/logging"
)

// Job is one scheduled trigger.
type Job struct {
	Name     string
	Schedule string // cron spec or descriptor ("@every 5m"); empty disables the job
	Timeout  time.Duration
	Run      func(ctx context.Context) error
}

// JobStatus holds scheduler status information for one job.
type JobStatus struct {
	Name     string    `json:"name"`
	Schedule string    `json:"schedule"`
	NextRun  time.Time `json:"next_run"`
	LastRun  time.Time `json:"last_run"`
	LastErr  string    `json:"last_error,omitempty"`
	Runs     int64     `json:"runs"`
}

type entry struct {
	job     Job
	id      cron.EntryID
	lastErr error
	runs    int64
}

// Scheduler manages the cron jobs. A job still running when its next tick
// arrives is skipped for that tick.
type Scheduler struct {
	cron    *cron.Cron
	mu      sync.Mutex
	running bool
	jobs    map[string]*entry
	logger  *slog.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler evaluating specs in loc (UTC when nil).
func New(loc *time.Location) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	logger := logging.WithComponent("scheduler")
	cl := cronLogger{logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(
			cron.WithLocation(loc),
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		jobs:   make(map[string]*entry),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers a job. Jobs with an empty schedule are accepted and never run
// on a timer, but remain available to RunNow.
func (s *Scheduler) Add(job Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.Name == "" || job.Run == nil {
		return fmt.Errorf("job needs a name and a func")
	}
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("job %q already registered", job.Name)
	}

	e := &entry{job: job}
	if job.Schedule != "" {
		id, err := s.cron.AddFunc(job.Schedule, func() { _ = s.run(s.ctx, e) })
		if err != nil {
			return fmt.Errorf("invalid schedule for %s: %w", job.Name, err)
		}
		e.id = id
	}
	s.jobs[job.Name] = e
	return nil
}

// Start begins the scheduler
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.cron.Start()
	s.running = true

	for _, st := range s.statusLocked() {
		if st.Schedule == "" {
			s.logger.Info("Job disabled", slog.String("job", st.Name))
			continue
		}
		s.logger.Info("Job scheduled",
			slog.String("job", st.Name),
			slog.String("schedule", st.Schedule),
			slog.Time("next_run", st.NextRun))
	}
}

// Stop stops the scheduler, cancels running jobs and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// IsRunning returns whether the scheduler is active
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunNow runs a job immediately in the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown job %q", name)
	}
	return s.run(ctx, e)
}

func (s *Scheduler) run(ctx context.Context, e *entry) error {
	ctx = logging.ContextWithCorrelationID(ctx, uuid.NewString())
	ctx = logging.ContextWithComponent(ctx, e.job.Name)
	if e.job.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.job.Timeout)
		defer cancel()
	}

	log := logging.WithContext(ctx)
	start := time.Now()
	err := e.job.Run(ctx)

	s.mu.Lock()
	e.runs++
	e.lastErr = err
	s.mu.Unlock()

	if err != nil {
		log.Warn("Job failed", slog.Duration("duration", time.Since(start)), slog.Any("error", err))
		return err
	}
	log.Debug("Job finished", slog.Duration("duration", time.Since(start)))
	return nil
}

// Status returns the jobs sorted by name.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Scheduler) statusLocked() []JobStatus {
	out := make([]JobStatus, 0, len(s.jobs))
	for name, e := range s.jobs {
		st := JobStatus{Name: name, Schedule: e.job.Schedule, Runs: e.runs}
		if e.lastErr != nil {
			st.LastErr = e.lastErr.Error()
		}
		if e.id != 0 && s.running {
			ce := s.cron.Entry(e.id)
			st.NextRun = ce.Next
			st.LastRun = ce.Prev
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append(keysAndValues, "error", err)...)
}
