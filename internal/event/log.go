package event

import (
	"sync"
	"time"
)

// Log keeps the most recent events in a fixed-size ring.
type Log struct {
	mu    sync.RWMutex
	ring  []Event
	next  int
	count int
}

// NewLog creates a log holding up to size events. A size below 1 yields a
// log that keeps nothing.
func NewLog(size int) *Log {
	if size < 0 {
		size = 0
	}
	return &Log{ring: make([]Event, size)}
}

// Attach subscribes the log to every event on bus.
func (l *Log) Attach(bus *Bus) *Subscription {
	return bus.Subscribe("event_log", nil, l.Append)
}

// Append records e, overwriting the oldest entry when full.
func (l *Log) Append(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.ring) == 0 {
		return
	}
	l.ring[l.next] = e
	l.next = (l.next + 1) % len(l.ring)
	if l.count < len(l.ring) {
		l.count++
	}
}

// Len returns the number of retained events.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.count
}

// Recent returns up to limit of the newest events, oldest first.
// A limit of zero or less returns everything retained.
func (l *Log) Recent(limit int) []Event {
	l.mu.RLock()
	defer l.mu.RUnlock()

	n := l.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Event, n)
	start := (l.next - n + len(l.ring)) % max(len(l.ring), 1)
	for i := 0; i < n; i++ {
		out[i] = l.ring[(start+i)%len(l.ring)]
	}
	return out
}

// Since returns retained events fired strictly after t, oldest first.
func (l *Log) Since(t time.Time) []Event {
	all := l.Recent(0)
	for i, e := range all {
		if e.TimeFired.After(t) {
			return all[i:]
		}
	}
	return nil
}
