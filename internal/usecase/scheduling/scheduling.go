// Package scheduling runs periodic maintenance: reaping idle chat sessions
// and pruning the evaluation log.
package scheduling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"basecamp/internal/infra/metrics"
)

// jobTimeout bounds one run of a job.
const jobTimeout = 5 * time.Minute

// Job is one recurring task. Schedule is a five-field cron expression, a
// descriptor such as "@daily" or "@every 5m", or a plain Go duration.
type Job struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

type entry struct {
	id  cron.EntryID
	run func(ctx context.Context) error
}

// Scheduler runs jobs on their schedules. A run that would overlap the
// previous run of the same job is skipped and a panicking job is recovered.
type Scheduler struct {
	cron    *cron.Cron
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	jobs   map[string]entry
	base   context.Context // nil while stopped
	cancel context.CancelFunc
}

func NewScheduler(logger *slog.Logger, m *metrics.Metrics) *Scheduler {
	cl := cronLogger{logger}
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger:  logger,
		metrics: m,
		jobs:    make(map[string]entry),
	}
}

// Add schedules job. Names are unique.
func (s *Scheduler) Add(job Job) error {
	if job.Run == nil {
		return fmt.Errorf("scheduler: job %q has no run func", job.Name)
	}
	sched, err := parseSchedule(job.Schedule)
	if err != nil {
		return fmt.Errorf("scheduler: job %q: %w", job.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[job.Name]; dup {
		return fmt.Errorf("scheduler: job %q already exists", job.Name)
	}
	name, run := job.Name, job.Run
	id := s.cron.Schedule(sched, cron.FuncJob(func() {
		s.mu.Lock()
		base := s.base
		s.mu.Unlock()
		if base == nil {
			return
		}
		if err := s.exec(base, name, run); err != nil {
			s.logger.Warn("maintenance job failed", "job", name, "error", err)
		}
	}))
	s.jobs[name] = entry{id: id, run: run}
	s.logger.Info("maintenance job scheduled", "job", name, "schedule", job.Schedule)
	return nil
}

// RunNow runs the named job once, off schedule, and returns its error.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("scheduler: unknown job %q", name)
	}
	return s.exec(ctx, name, e.run)
}

func (s *Scheduler) exec(ctx context.Context, name string, run func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	start := time.Now()
	err := run(ctx)
	s.metrics.RecordMaintenanceRun(name, err)
	s.logger.Debug("maintenance job ran", "job", name, "duration", time.Since(start), "ok", err == nil)
	return err
}

// NextRun reports when the named job runs next. It is false for unknown
// jobs and before the scheduler has started.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	e, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, false
	}
	next := s.cron.Entry(e.id).Next
	return next, !next.IsZero()
}

// Start runs scheduled jobs until ctx ends or Stop is called. Starting a
// running scheduler does nothing.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base != nil {
		return nil
	}
	s.base, s.cancel = context.WithCancel(ctx)
	s.cron.Start()
	return nil
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	if s.base == nil {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	s.base, s.cancel = nil, nil
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	return nil
}

func parseSchedule(spec string) (cron.Schedule, error) {
	if spec == "" {
		return nil, errors.New("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if sched, err := parser.Parse(spec); err == nil {
		return sched, nil
	}
	d, err := time.ParseDuration(spec)
	if err != nil {
		return nil, fmt.Errorf("%q is neither a cron expression nor a duration", spec)
	}
	if d <= 0 {
		return nil, fmt.Errorf("interval %q must be positive", spec)
	}
	return interval(d), nil
}

// interval fires every d. cron.Every rounds to whole seconds; this does not.
type interval time.Duration

func (d interval) Next(t time.Time) time.Time { return t.Add(time.Duration(d)) }

// cronLogger routes the cron library's own messages into slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, kv ...any) {
	c.l.Debug("cron: "+msg, kv...)
}

func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error("cron: "+msg, append(kv, "error", err)...)
}
