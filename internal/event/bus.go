package event

import (
	"sort"
	"sync"
	"sync/atomic"
)

// DefaultQueueSize is the per-subscriber queue length when none is configured.
const DefaultQueueSize = 256

// Handler receives events for one subscriber. It runs on the subscriber's
// own goroutine, one event at a time.
type Handler func(Event)

// Logger is the logging surface the bus needs.
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

// Publisher is the publish side of the bus. Producers depend on this
// rather than on *Bus.
type Publisher interface {
	Publish(e Event)
}

// BusConfig configures a Bus.
type BusConfig struct {
	// QueueSize is the default per-subscriber queue length.
	QueueSize int

	Logger Logger
}

// Bus is an in-process publish/subscribe hub.
//
// Thread Safety:
//   - All methods are safe for concurrent use from multiple goroutines.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	queueSize int
	logger    Logger
}

// NewBus creates an empty bus.
func NewBus(cfg BusConfig) *Bus {
	size := cfg.QueueSize
	if size <= 0 {
		size = DefaultQueueSize
	}
	var logger Logger = noopLogger{}
	if cfg.Logger != nil {
		logger = cfg.Logger
	}
	return &Bus{
		subs:      make(map[uint64]*Subscription),
		queueSize: size,
		logger:    logger,
	}
}

// SubscribeOption customises one subscription.
type SubscribeOption func(*Subscription)

// WithQueueSize overrides the bus default queue length for one subscriber.
func WithQueueSize(n int) SubscribeOption {
	return func(s *Subscription) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// Subscribe registers handler for events matching filter and starts the
// subscriber's dispatch goroutine. Subscribing to a closed bus returns a
// subscription that never receives.
func (b *Bus) Subscribe(name string, filter Filter, handler Handler, opts ...SubscribeOption) *Subscription {
	s := &Subscription{
		name:     name,
		filter:   filter,
		handler:  handler,
		capacity: b.queueSize,
		bus:      b,
		logger:   b.logger,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = make([]Event, s.capacity)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		s.closeOnce.Do(func() { close(s.done) })
		close(s.stopped)
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	b.mu.Unlock()

	go s.run()
	return s
}

// Publish enqueues e for every subscriber whose filter matches, then
// returns. It never blocks on a subscriber.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.matches(e) {
			s.enqueue(e)
		}
	}
}

// SubscriberStats describes one subscriber's queue.
type SubscriberStats struct {
	Name      string `json:"name"`
	Queued    int    `json:"queued"`
	Capacity  int    `json:"capacity"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
	Panics    uint64 `json:"panics"`
}

// Stats returns per-subscriber statistics sorted by name.
func (b *Bus) Stats() []SubscriberStats {
	b.mu.RLock()
	out := make([]SubscriberStats, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, s.Stats())
	}
	b.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Close stops every subscriber. Events still queued are discarded.
// Publishing after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscription, 0, len(b.subs))
	for id, s := range b.subs {
		subs = append(subs, s)
		delete(b.subs, id)
	}
	b.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
}

func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	delete(b.subs, id)
	b.mu.Unlock()
}

// Subscription is one registered subscriber with its bounded queue.
type Subscription struct {
	id      uint64
	name    string
	filter  Filter
	handler Handler
	bus     *Bus
	logger  Logger

	// queue is a ring buffer of capacity events.
	mu       sync.Mutex
	queue    []Event
	head     int
	count    int
	capacity int

	notify    chan struct{}
	done      chan struct{}
	stopped   chan struct{}
	closeOnce sync.Once

	delivered atomic.Uint64
	dropped   atomic.Uint64
	panics    atomic.Uint64
}

// Name returns the subscriber name given at Subscribe.
func (s *Subscription) Name() string {
	return s.name
}

// Close unregisters the subscriber and waits for its goroutine to exit.
// It must not be called from inside the subscriber's own handler.
func (s *Subscription) Close() {
	s.bus.remove(s.id)
	s.stop()
}

func (s *Subscription) stop() {
	s.closeOnce.Do(func() { close(s.done) })
	<-s.stopped
}

// Stats returns a snapshot of the subscriber's counters.
func (s *Subscription) Stats() SubscriberStats {
	s.mu.Lock()
	queued := s.count
	s.mu.Unlock()

	return SubscriberStats{
		Name:      s.name,
		Queued:    queued,
		Capacity:  s.capacity,
		Delivered: s.delivered.Load(),
		Dropped:   s.dropped.Load(),
		Panics:    s.panics.Load(),
	}
}

// matches evaluates the filter, treating a panicking filter as no match.
func (s *Subscription) matches(e Event) (ok bool) {
	if s.filter == nil {
		return true
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event filter panic recovered", "subscriber", s.name, "event_type", e.Type, "panic", r)
			ok = false
		}
	}()
	return s.filter(e)
}

// enqueue appends e, dropping the oldest queued event when full.
func (s *Subscription) enqueue(e Event) {
	var droppedType Type
	dropped := false

	s.mu.Lock()
	if s.count == s.capacity {
		droppedType = s.queue[s.head].Type
		s.queue[s.head] = Event{}
		s.head = (s.head + 1) % s.capacity
		s.count--
		dropped = true
	}
	s.queue[(s.head+s.count)%s.capacity] = e
	s.count++
	s.mu.Unlock()

	if dropped {
		n := s.dropped.Add(1)
		s.logger.Warn("subscriber queue full, dropped oldest event",
			"subscriber", s.name,
			"dropped_type", droppedType,
			"dropped_total", n,
		)
	}

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pop removes the oldest queued event.
func (s *Subscription) pop() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return Event{}, false
	}
	e := s.queue[s.head]
	s.queue[s.head] = Event{}
	s.head = (s.head + 1) % s.capacity
	s.count--
	return e, true
}

func (s *Subscription) run() {
	defer close(s.stopped)
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		for {
			select {
			case <-s.done:
				return
			default:
			}
			e, ok := s.pop()
			if !ok {
				break
			}
			s.deliver(e)
		}
	}
}

// deliver invokes the handler with panic recovery.
func (s *Subscription) deliver(e Event) {
	defer func() {
		if r := recover(); r != nil {
			s.panics.Add(1)
			s.logger.Error("event subscriber panic recovered",
				"subscriber", s.name,
				"event_type", e.Type,
				"event_id", e.ID,
				"panic", r,
			)
		}
	}()
	s.handler(e)
	s.delivered.Add(1)
}
