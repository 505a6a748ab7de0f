package history

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/homecore/internal/event"
)

const (
	defaultWriteTimeout = 5 * time.Second
	recorderQueueSize   = 1024
)

// Logger is the logging surface history needs.
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

// RecorderDeps configures a Recorder.
type RecorderDeps struct {
	Repo Repository
	Bus  *event.Bus

	// Retention is the number of events Prune keeps.
	Retention int

	// Exclude lists event types that are not persisted. Nil excludes
	// time_changed.
	Exclude []event.Type

	WriteTimeout time.Duration
	Logger       Logger
}

// Recorder persists bus events.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Events are written from one bus subscriber goroutine.
type Recorder struct {
	repo      Repository
	bus       *event.Bus
	retention int
	exclude   map[event.Type]struct{}
	timeout   time.Duration
	logger    Logger

	mu  sync.Mutex
	sub *event.Subscription

	written atomic.Int64
	failed  atomic.Int64
}

// NewRecorder creates a stopped recorder.
func NewRecorder(deps RecorderDeps) *Recorder {
	r := &Recorder{
		repo:      deps.Repo,
		bus:       deps.Bus,
		retention: deps.Retention,
		exclude:   make(map[event.Type]struct{}),
		timeout:   deps.WriteTimeout,
		logger:    deps.Logger,
	}
	if r.logger == nil {
		r.logger = noopLogger{}
	}
	if r.timeout <= 0 {
		r.timeout = defaultWriteTimeout
	}
	exclude := deps.Exclude
	if exclude == nil {
		exclude = []event.Type{event.TypeTimeChanged}
	}
	for _, t := range exclude {
		r.exclude[t] = struct{}{}
	}
	return r
}

// Start subscribes to the bus.
func (r *Recorder) Start() error {
	if r.repo == nil || r.bus == nil {
		return errors.New("history: recorder needs a repository and a bus")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sub != nil {
		return nil
	}
	r.sub = r.bus.Subscribe("history", r.wants, r.record, event.WithQueueSize(recorderQueueSize))
	r.logger.Info("event recorder started", "retention", r.retention)
	return nil
}

// Close unsubscribes. Events still queued are discarded.
func (r *Recorder) Close() {
	r.mu.Lock()
	sub := r.sub
	r.sub = nil
	r.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

func (r *Recorder) wants(e event.Event) bool {
	_, skip := r.exclude[e.Type]
	return !skip
}

func (r *Recorder) record(e event.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	if err := r.repo.Insert(ctx, e); err != nil {
		r.failed.Add(1)
		r.logger.Warn("persisting event failed", "event_id", e.ID, "type", e.Type, "error", err)
		return
	}
	r.written.Add(1)
}

// Prune trims the table to the retention count.
func (r *Recorder) Prune(ctx context.Context) error {
	n, err := r.repo.Prune(ctx, r.retention)
	if err != nil {
		return err
	}
	if n > 0 {
		r.logger.Debug("pruned persisted events", "removed", n, "retention", r.retention)
	}
	return nil
}

// Query reads persisted events.
func (r *Recorder) Query(ctx context.Context, q Query) ([]Record, error) {
	return r.repo.Query(ctx, q)
}

// RecorderStats counts writes since Start.
type RecorderStats struct {
	Written int64 `json:"written"`
	Failed  int64 `json:"failed"`
}

// Stats returns the write counters.
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{Written: r.written.Load(), Failed: r.failed.Load()}
}
