package automation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/homecore/internal/event"
	"github.com/nerrad567/homecore/internal/service"
	"github.com/nerrad567/homecore/internal/state"
)

// Engine defaults.
const (
	DefaultWorkers       = 8
	DefaultActionTimeout = 30 * time.Second

	// persistTimeout bounds the last_triggered write after a run.
	persistTimeout = 5 * time.Second
)

// Logger is the logging surface the engine needs.
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

// StateLookup reads current entity state.
type StateLookup interface {
	Get(entityID string) (state.State, error)
}

// Dispatcher executes service calls.
type Dispatcher interface {
	Invoke(ctx context.Context, req service.Request) (service.Result, error)
}

// Deps holds the engine's collaborators.
type Deps struct {
	Repo       Repository
	States     StateLookup
	Dispatcher Dispatcher
	Bus        *event.Bus
	Logger     Logger

	// Workers bounds concurrently executing runs.
	Workers int

	// ActionTimeout bounds one blocking action.
	ActionTimeout time.Duration
}

// compiled is one loaded automation. The definition is immutable once
// installed in a snapshot; only lastTriggered changes.
type compiled struct {
	def           Automation
	lastTriggered atomic.Pointer[time.Time]
}

// snapshot is the immutable rule set built by Reload.
type snapshot struct {
	byID     map[string]*compiled
	byEntity map[string][]*compiled
	byEvent  map[event.Type][]*compiled
	skipped  int
}

func emptySnapshot() *snapshot {
	return &snapshot{
		byID:     map[string]*compiled{},
		byEntity: map[string][]*compiled{},
		byEvent:  map[event.Type][]*compiled{},
	}
}

// wants reports whether any loaded automation could react to e.
func (s *snapshot) wants(e event.Event) bool {
	if _, ok := s.byEvent[e.Type]; ok {
		return true
	}
	if e.Type != event.TypeStateChanged {
		return false
	}
	data, ok := e.Data.(state.ChangedData)
	if !ok {
		return false
	}
	_, ok = s.byEntity[data.EntityID]
	return ok
}

// candidates returns the automations indexed for e, each at most once,
// in index order.
func (s *snapshot) candidates(e event.Event) []*compiled {
	var out []*compiled
	seen := map[string]struct{}{}
	add := func(list []*compiled) {
		for _, c := range list {
			if _, dup := seen[c.def.ID]; dup {
				continue
			}
			seen[c.def.ID] = struct{}{}
			out = append(out, c)
		}
	}
	if e.Type == event.TypeStateChanged {
		if data, ok := e.Data.(state.ChangedData); ok {
			add(s.byEntity[data.EntityID])
		}
	}
	add(s.byEvent[e.Type])
	return out
}

// RunResult describes one automation run.
type RunResult struct {
	AutomationID string `json:"automation_id"`
	ContextID    string `json:"context_id"`
	Attempted    int    `json:"attempted"`
	Aborted      bool   `json:"aborted"`
}

// Engine evaluates automations against bus events.
//
// Evaluation of triggers and conditions runs on the engine's bus
// subscriber goroutine. Each firing executes on its own goroutine; at most
// Workers runs execute at once.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Reload swaps the rule snapshot atomically; runs in flight keep the
//     snapshot they started with.
type Engine struct {
	repo          Repository
	states        StateLookup
	dispatcher    Dispatcher
	bus           *event.Bus
	logger        Logger
	actionTimeout time.Duration

	snap     atomic.Pointer[snapshot]
	reloadMu sync.Mutex

	sem chan struct{}
	wg  sync.WaitGroup

	mu     sync.Mutex
	sub    *event.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	runs    atomic.Uint64
	aborted atomic.Uint64
}

// NewEngine creates an engine with an empty rule set. Call Start to load
// automations and begin reacting to events.
func NewEngine(deps Deps) *Engine {
	workers := deps.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	timeout := deps.ActionTimeout
	if timeout <= 0 {
		timeout = DefaultActionTimeout
	}
	var logger Logger = noopLogger{}
	if deps.Logger != nil {
		logger = deps.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		repo:          deps.Repo,
		states:        deps.States,
		dispatcher:    deps.Dispatcher,
		bus:           deps.Bus,
		logger:        logger,
		actionTimeout: timeout,
		sem:           make(chan struct{}, workers),
		ctx:           ctx,
		cancel:        cancel,
	}
	e.snap.Store(emptySnapshot())
	return e
}

// Start loads automations and subscribes to the bus. A failed initial
// load is returned; the engine then stays subscribed with an empty rule
// set so a later Reload can recover.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrEngineClosed
	}
	if e.sub == nil && e.bus != nil {
		e.sub = e.bus.Subscribe("automation", e.filter, e.handle)
	}
	e.mu.Unlock()

	return e.Reload(ctx)
}

// Close unsubscribes from the bus, cancels running actions and waits for
// every run to finish.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	sub := e.sub
	e.sub = nil
	e.mu.Unlock()

	if sub != nil {
		sub.Close()
	}
	e.cancel()
	e.wg.Wait()
}

// Reload rebuilds the rule snapshot from the repository. Disabled
// automations are not loaded; invalid ones are skipped with a warning.
func (e *Engine) Reload(ctx context.Context) error {
	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	list, err := e.repo.List(ctx)
	if err != nil {
		return fmt.Errorf("loading automations: %w", err)
	}

	next := emptySnapshot()
	for i := range list {
		a := list[i]
		if err := Validate(&a); err != nil {
			next.skipped++
			e.logger.Warn("skipping invalid automation", "automation_id", a.ID, "alias", a.Alias, "error", err)
			continue
		}
		if !a.Enabled {
			continue
		}

		c := &compiled{def: a}
		if a.LastTriggered != nil {
			t := *a.LastTriggered
			c.lastTriggered.Store(&t)
		}
		next.byID[a.ID] = c
		indexed := map[string]struct{}{}
		for _, t := range a.Triggers {
			var key string
			switch t.Kind {
			case TriggerState:
				key = "s:" + t.State.EntityID
				if _, dup := indexed[key]; !dup {
					next.byEntity[t.State.EntityID] = append(next.byEntity[t.State.EntityID], c)
				}
			case TriggerEvent:
				key = "e:" + string(t.Event.EventType)
				if _, dup := indexed[key]; !dup {
					next.byEvent[t.Event.EventType] = append(next.byEvent[t.Event.EventType], c)
				}
			}
			indexed[key] = struct{}{}
		}
	}

	e.snap.Store(next)
	e.logger.Info("automations loaded", "loaded", len(next.byID), "skipped", next.skipped)
	return nil
}

// Stats returns the engine counters.
func (e *Engine) Stats() Stats {
	s := e.snap.Load()
	return Stats{
		Loaded:  len(s.byID),
		Skipped: s.skipped,
		Runs:    e.runs.Load(),
		Aborted: e.aborted.Load(),
	}
}

// List returns every stored automation, including disabled ones. The
// last_triggered of loaded automations reflects runs not yet persisted.
func (e *Engine) List(ctx context.Context) ([]Automation, error) {
	list, err := e.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	s := e.snap.Load()
	for i := range list {
		if c, ok := s.byID[list[i].ID]; ok {
			if t := c.lastTriggered.Load(); t != nil {
				list[i].LastTriggered = t
			}
		}
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].Alias < list[j].Alias })
	return list, nil
}

// Get returns one stored automation.
func (e *Engine) Get(ctx context.Context, id string) (*Automation, error) {
	return e.repo.Get(ctx, id)
}

// Create validates and stores a new automation, then reloads.
func (e *Engine) Create(ctx context.Context, a *Automation) error {
	if err := Validate(a); err != nil {
		return err
	}
	if err := e.repo.Create(ctx, a); err != nil {
		return err
	}
	return e.Reload(ctx)
}

// Update validates and stores a changed automation, then reloads.
func (e *Engine) Update(ctx context.Context, a *Automation) error {
	if err := Validate(a); err != nil {
		return err
	}
	if err := e.repo.Update(ctx, a); err != nil {
		return err
	}
	return e.Reload(ctx)
}

// Delete removes an automation, then reloads.
func (e *Engine) Delete(ctx context.Context, id string) error {
	if err := e.repo.Delete(ctx, id); err != nil {
		return err
	}
	return e.Reload(ctx)
}

// Trigger runs an automation's actions immediately, skipping triggers and
// conditions. It waits for the run to finish. Automations that are stored
// but not loaded (disabled) may be triggered too.
func (e *Engine) Trigger(ctx context.Context, id string) (RunResult, error) {
	if err := e.acquire(ctx); err != nil {
		return RunResult{}, err
	}
	e.wg.Add(1)
	defer e.wg.Done()
	defer e.release()

	c, ok := e.snap.Load().byID[id]
	if !ok {
		a, err := e.repo.Get(ctx, id)
		if err != nil {
			return RunResult{}, err
		}
		if err := Validate(a); err != nil {
			return RunResult{}, err
		}
		c = &compiled{def: *a}
	}

	// Actions run under the engine context, not ctx.
	return e.run(c, event.Event{Context: event.NewContext()}), nil
}

func (e *Engine) filter(ev event.Event) bool {
	return e.snap.Load().wants(ev)
}

// handle evaluates one event on the subscriber goroutine.
func (e *Engine) handle(ev event.Event) {
	s := e.snap.Load()
	for _, c := range s.candidates(ev) {
		if !c.matches(ev) {
			continue
		}
		if !e.conditionsHold(c.def.Conditions) {
			e.logger.Debug("automation conditions not met", "automation_id", c.def.ID, "event_id", ev.ID)
			continue
		}
		e.fire(c, ev)
	}
}

// fire schedules a run, waiting for a free worker.
func (e *Engine) fire(c *compiled, ev event.Event) {
	if err := e.acquire(e.ctx); err != nil {
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer e.release()
		e.run(c, ev)
	}()
}

func (e *Engine) acquire(ctx context.Context) error {
	select {
	case <-e.ctx.Done():
		return ErrEngineClosed
	default:
	}
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-e.ctx.Done():
		return ErrEngineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) release() {
	<-e.sem
}

// run executes the actions of c in order.
func (e *Engine) run(c *compiled, trigger event.Event) (result RunResult) {
	def := &c.def
	runCtx := trigger.Context.Child()
	result = RunResult{AutomationID: def.ID, ContextID: runCtx.ID}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("automation run panic recovered", "automation_id", def.ID, "panic", r)
			result.Aborted = true
		}
		e.finish(c, runCtx, &result)
	}()

	res := newResolver(trigger.Data, e.states)
	for i, act := range def.Actions {
		if e.ctx.Err() != nil {
			result.Aborted = true
			return result
		}

		req := service.Request{
			Service:  act.Service,
			Targets:  act.TargetIDs(),
			Params:   res.params(act.Params),
			Blocking: act.Blocking,
			Context:  runCtx,
		}

		ctx, cancel := context.WithTimeout(e.ctx, e.actionTimeout)
		out, err := e.dispatcher.Invoke(ctx, req)
		cancel()

		if err != nil {
			if act.Blocking {
				e.logger.Warn("automation aborted: blocking action rejected",
					"automation_id", def.ID, "action", i, "service", act.Service, "error", err)
				result.Aborted = true
				return result
			}
			e.logger.Warn("automation action rejected",
				"automation_id", def.ID, "action", i, "service", act.Service, "error", err)
			continue
		}
		result.Attempted++

		if act.Blocking && out.HardFailure() {
			e.logger.Warn("automation aborted: blocking action failed",
				"automation_id", def.ID, "action", i, "service", act.Service, "status", out.Status)
			result.Aborted = true
			return result
		}
	}
	return result
}

// finish records the run outcome.
func (e *Engine) finish(c *compiled, runCtx event.Context, result *RunResult) {
	if result.Attempted > 0 {
		now := time.Now().UTC()
		c.lastTriggered.Store(&now)

		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		err := e.repo.UpdateLastTriggered(ctx, c.def.ID, now)
		cancel()
		if err != nil && !errors.Is(err, ErrAutomationNotFound) {
			e.logger.Error("recording last_triggered failed", "automation_id", c.def.ID, "error", err)
		}
	}

	if e.bus != nil {
		e.bus.Publish(event.New(event.TypeAutomationTriggered, event.AutomationTriggeredData{
			AutomationID: c.def.ID,
			Alias:        c.def.Alias,
			Attempted:    result.Attempted,
			Aborted:      result.Aborted,
		}, runCtx))
	}

	if result.Aborted {
		e.aborted.Add(1)
	}
	e.runs.Add(1)
}

// matches reports whether any trigger of c fires for ev.
func (c *compiled) matches(ev event.Event) bool {
	for _, t := range c.def.Triggers {
		switch t.Kind {
		case TriggerState:
			if ev.Type != event.TypeStateChanged {
				continue
			}
			data, ok := ev.Data.(state.ChangedData)
			if ok && t.State.matches(data) {
				return true
			}
		case TriggerEvent:
			if ev.Type == t.Event.EventType {
				return true
			}
		}
	}
	return false
}

// matches applies the state trigger rule: the compared value changed, and
// the optional from/to constraints hold.
func (t *StateTrigger) matches(data state.ChangedData) bool {
	if data.EntityID != t.EntityID {
		return false
	}
	field := t.Attribute
	if field == "" {
		field = state.FieldState
	}
	oldVal := fieldOf(data.OldState, field)
	newVal := fieldOf(data.NewState, field)

	if state.Equal(oldVal, newVal) {
		return false
	}
	if t.From != nil && !state.Equal(oldVal, t.From) {
		return false
	}
	if t.To != nil && !state.Equal(newVal, t.To) {
		return false
	}
	return true
}

func fieldOf(s *state.State, field string) any {
	if s == nil {
		return nil
	}
	v, _ := s.Field(field)
	return v
}

// conditionsHold evaluates conditions in order, stopping at the first
// that fails.
func (e *Engine) conditionsHold(conds []Condition) bool {
	for _, c := range conds {
		if !e.evaluate(c) {
			return false
		}
	}
	return true
}

func (e *Engine) evaluate(c Condition) bool {
	if e.states == nil {
		return false
	}
	st, err := e.states.Get(c.Entity)
	if err != nil {
		return false
	}
	v, ok := st.Field(c.Field)
	if !ok {
		return false
	}

	switch c.Op {
	case OpEquals:
		return state.Equal(v, c.Operand)
	case OpNotEquals:
		return !state.Equal(v, c.Operand)
	case OpGreater, OpLess:
		have, ok := state.ParseNumber(v)
		if !ok {
			return false
		}
		want, ok := state.ToFloat64(c.Operand)
		if !ok {
			return false
		}
		if c.Op == OpGreater {
			return have > want
		}
		return have < want
	default:
		return false
	}
}
