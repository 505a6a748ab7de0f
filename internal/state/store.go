package state

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/homecore/internal/event"
)

// Logger is the logging surface the store needs.
type Logger interface {
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}

// DeviceIndex maps devices to the entities they expose.
type DeviceIndex interface {
	EntityIDsForDevice(deviceID string) []string
}

// Config configures a Store.
type Config struct {
	// Publisher receives state_changed events. Nil disables publishing.
	Publisher event.Publisher

	// Index resolves ForDevice queries. It can also be set later with
	// SetDeviceIndex.
	Index DeviceIndex

	Logger Logger

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// Store is the in-memory state table.
//
// Thread Safety:
//   - The map lock guards lookup and insertion of entries only.
//   - Each entity has its own mutex serialising writes to that entity.
//     Remove marks the entry under that mutex so writers retry on a fresh one.
//   - Reads never take the entity mutex; they load an immutable snapshot.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry

	index atomic.Pointer[indexHolder]

	bus    event.Publisher
	logger Logger
	now    func() time.Time
}

type indexHolder struct {
	DeviceIndex
}

type entry struct {
	mu      sync.Mutex
	current atomic.Pointer[State]
	removed bool // guarded by mu
}

// New creates an empty store.
func New(cfg Config) *Store {
	s := &Store{
		entries: make(map[string]*entry),
		bus:     cfg.Publisher,
		logger:  cfg.Logger,
		now:     cfg.Clock,
	}
	if s.logger == nil {
		s.logger = noopLogger{}
	}
	if s.now == nil {
		s.now = time.Now
	}
	if cfg.Index != nil {
		s.SetDeviceIndex(cfg.Index)
	}
	return s
}

// SetDeviceIndex installs the index used by ForDevice.
func (s *Store) SetDeviceIndex(idx DeviceIndex) {
	s.index.Store(&indexHolder{idx})
}

// Get returns a copy of the current state of entityID.
func (s *Store) Get(entityID string) (State, error) {
	s.mu.RLock()
	e, ok := s.entries[entityID]
	s.mu.RUnlock()
	if !ok {
		return State{}, fmt.Errorf("%w: %s", ErrNotFound, entityID)
	}
	cur := e.current.Load()
	if cur == nil {
		return State{}, fmt.Errorf("%w: %s", ErrNotFound, entityID)
	}
	return cur.Clone(), nil
}

// Set records a new value and attributes for entityID.
//
// It returns the previous state (nil on first write) and whether anything
// observable changed. LastUpdated always advances; LastChanged advances
// only when the main value changes. When changed, a state_changed event is
// published before Set returns, in the same order as writes to this entity.
func (s *Store) Set(entityID string, value any, attrs map[string]any, ctx event.Context) (*State, bool) {
	if ctx.IsZero() {
		ctx = event.NewContext()
	}
	for {
		if old, changed, ok := s.write(s.entryFor(entityID), entityID, value, attrs, ctx); ok {
			return old, changed
		}
	}
}

// write applies one update to e. It returns ok false when e was removed
// from the table after the caller looked it up.
func (s *Store) write(e *entry, entityID string, value any, attrs map[string]any, ctx event.Context) (*State, bool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return nil, false, false
	}

	now := s.now().UTC()
	prev := e.current.Load()

	next := &State{
		EntityID:    entityID,
		State:       deepCopyValue(value),
		Attributes:  deepCopyMap(attrs),
		LastChanged: now,
		LastUpdated: now,
		Context:     ctx,
	}
	if next.Attributes == nil {
		next.Attributes = map[string]any{}
	}

	changed := true
	if prev != nil {
		valueSame := Equal(prev.State, next.State)
		if valueSame {
			next.LastChanged = prev.LastChanged
		}
		changed = !valueSame || !MapsEqual(prev.Attributes, next.Attributes)
	}

	e.current.Store(next)

	var old *State
	if prev != nil {
		c := prev.Clone()
		old = &c
	}

	if changed && s.bus != nil {
		newCopy := next.Clone()
		var oldCopy *State
		if old != nil {
			oc := old.Clone()
			oldCopy = &oc
		}
		s.bus.Publish(event.New(event.TypeStateChanged, ChangedData{
			EntityID: entityID,
			OldState: oldCopy,
			NewState: &newCopy,
		}, ctx))
	}

	if changed {
		s.logger.Debug("state changed", "entity_id", entityID, "state", next.State)
	}
	return old, changed, true
}

// All returns every recorded state, sorted by entity ID.
func (s *Store) All() []State {
	s.mu.RLock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.RUnlock()

	out := make([]State, 0, len(entries))
	for _, e := range entries {
		if cur := e.current.Load(); cur != nil {
			out = append(out, cur.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// ForDevice returns the recorded states of every entity exposed by
// deviceID. Entities with no recorded state are skipped.
func (s *Store) ForDevice(deviceID string) []State {
	h := s.index.Load()
	if h == nil || h.DeviceIndex == nil {
		return []State{}
	}
	ids := h.EntityIDsForDevice(deviceID)
	out := make([]State, 0, len(ids))
	for _, id := range ids {
		st, err := s.Get(id)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EntityID < out[j].EntityID })
	return out
}

// Remove forgets the state of entityID. It reports whether a state existed.
func (s *Store) Remove(entityID string) bool {
	s.mu.Lock()
	e, ok := s.entries[entityID]
	delete(s.entries, entityID)
	s.mu.Unlock()
	if !ok {
		return false
	}

	// A Set that looked e up before the delete must not write to it.
	e.mu.Lock()
	e.removed = true
	e.mu.Unlock()
	return true
}

// Len returns the number of entities with recorded state.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) entryFor(entityID string) *entry {
	s.mu.RLock()
	e, ok := s.entries[entityID]
	s.mu.RUnlock()
	if ok {
		return e
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok = s.entries[entityID]; ok {
		return e
	}
	e = &entry{}
	s.entries[entityID] = e
	return e
}
