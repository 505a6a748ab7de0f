// Package scheduler runs the engine's clock.
//
// On the configured cron schedule it publishes a time_changed event that
// automations can trigger on. Other components register housekeeping jobs
// on the same cron instance with AddJob.
package scheduler

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nerrad567/homecore/internal/event"
)

// DefaultSchedule emits time_changed once a minute.
const DefaultSchedule = "@every 1m"

var (
	// ErrInvalidSchedule is returned for a spec cron cannot parse.
	ErrInvalidSchedule = errors.New("scheduler: invalid schedule")

	// ErrDuplicateJob is returned when a job name is already registered.
	ErrDuplicateJob = errors.New("scheduler: duplicate job")
)

// Logger is the logging surface the scheduler needs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// cronLogger adapts Logger to cron's logger.
type cronLogger struct{ l Logger }

func (c cronLogger) Info(msg string, kv ...any) { c.l.Debug("cron: "+msg, kv...) }
func (c cronLogger) Error(err error, msg string, kv ...any) {
	c.l.Error("cron: "+msg, append(kv, "error", err)...)
}

// Config configures a Scheduler.
type Config struct {
	// Schedule is the cron spec for time_changed. Empty disables the clock
	// but still allows AddJob.
	Schedule string

	Bus      event.Publisher
	Location *time.Location
	Logger   Logger
}

// Scheduler owns one cron instance.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Scheduler struct {
	cron   *cron.Cron
	bus    event.Publisher
	loc    *time.Location
	logger Logger

	mu      sync.Mutex
	jobs    map[string]cron.EntryID
	running bool
}

// New validates the schedule and builds a stopped scheduler.
func New(cfg Config) (*Scheduler, error) {
	s := &Scheduler{
		bus:    cfg.Bus,
		loc:    cfg.Location,
		logger: cfg.Logger,
		jobs:   make(map[string]cron.EntryID),
	}
	if s.logger == nil {
		s.logger = noopLogger{}
	}
	if s.loc == nil {
		s.loc = time.Local
	}

	cl := cronLogger{l: s.logger}
	s.cron = cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	if cfg.Schedule != "" {
		if err := s.AddJob(string(event.TypeTimeChanged), cfg.Schedule, func() { s.Tick(time.Now()) }); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// AddJob registers fn under name on a cron spec.
func (s *Scheduler) AddJob(name, spec string, fn func()) error {
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrInvalidSchedule, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.jobs[name]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, name)
	}
	s.jobs[name] = s.cron.Schedule(schedule, cron.FuncJob(fn))
	s.logger.Debug("scheduled job", "job", name, "spec", spec)
	return nil
}

// RemoveJob unregisters a job. Unknown names are ignored.
func (s *Scheduler) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.jobs[name]; ok {
		s.cron.Remove(id)
		delete(s.jobs, name)
	}
}

// Jobs returns the registered job names.
func (s *Scheduler) Jobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	return out
}

// Next returns when a job runs next. It is zero before Start.
func (s *Scheduler) Next(name string) time.Time {
	s.mu.Lock()
	id, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}
	}
	return s.cron.Entry(id).Next
}

// Tick publishes time_changed for now.
func (s *Scheduler) Tick(now time.Time) {
	if s.bus == nil {
		return
	}
	now = now.In(s.loc)
	s.bus.Publish(event.New(event.TypeTimeChanged, event.TimeChangedData{
		Now:     now,
		Hour:    now.Hour(),
		Minute:  now.Minute(),
		Weekday: strings.ToLower(now.Weekday().String()),
	}, event.NewContext()))
}

// Start runs the cron loop in the background.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
}

// Stop halts the loop and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}
