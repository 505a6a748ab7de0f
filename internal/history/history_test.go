package history

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/homecore/internal/event"
	"github.com/nerrad567/homecore/internal/infrastructure/database"
	"github.com/nerrad567/homecore/internal/state"
	_ "github.com/nerrad567/homecore/migrations"
)

func setupRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	db, err := database.OpenInMemory(context.Background())
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewSQLiteRepository(db.DB)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// ─── Repository ─────────────────────────────────────────────────────

func TestRepository_InsertAndQuery(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	root := event.NewContext()
	first := event.New(event.TypeCallService, map[string]any{"service": "light.turn_on"}, root)
	second := event.New(event.TypeServiceResult, map[string]any{"status": "success"}, root.Child())
	third := event.New(event.TypeCallService, map[string]any{"service": "light.turn_off"}, event.Context{})
	for _, e := range []event.Event{first, second, third} {
		if err := repo.Insert(ctx, e); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}
	if err := repo.Insert(ctx, first); err != nil {
		t.Fatalf("duplicate Insert() error = %v", err)
	}

	if n, err := repo.Count(ctx); err != nil || n != 3 {
		t.Fatalf("Count() = %d, %v; want 3", n, err)
	}

	all, err := repo.Query(ctx, Query{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(all) != 3 || all[0].ID != first.ID || all[2].ID != third.ID {
		t.Fatalf("Query() order = %+v", all)
	}
	if all[1].ParentID != root.ID || all[1].ContextID == "" {
		t.Errorf("context not round-tripped: %+v", all[1])
	}
	if !all[0].TimeFired.Equal(first.TimeFired) {
		t.Errorf("TimeFired = %v, want %v", all[0].TimeFired, first.TimeFired)
	}
	var data map[string]any
	if err := json.Unmarshal(all[0].Data, &data); err != nil || data["service"] != "light.turn_on" {
		t.Errorf("Data = %s (%v)", all[0].Data, err)
	}

	calls, err := repo.Query(ctx, Query{Types: []event.Type{event.TypeCallService}, Limit: 1})
	if err != nil {
		t.Fatalf("Query(types) error = %v", err)
	}
	if len(calls) != 1 || calls[0].ID != third.ID {
		t.Errorf("Query(types, limit 1) = %+v, want newest call_service", calls)
	}
}

func TestRepository_InsertUnencodable(t *testing.T) {
	repo := setupRepo(t)
	e := event.New("weird", make(chan int), event.Context{})
	if err := repo.Insert(context.Background(), e); !errors.Is(err, ErrUnencodable) {
		t.Errorf("Insert() error = %v, want ErrUnencodable", err)
	}
}

func TestRepository_Prune(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	var ids []string
	for i := range 10 {
		e := event.New("tick", i, event.Context{})
		ids = append(ids, e.ID)
		if err := repo.Insert(ctx, e); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	removed, err := repo.Prune(ctx, 4)
	if err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	if removed != 6 {
		t.Errorf("removed = %d, want 6", removed)
	}
	left, err := repo.Query(ctx, Query{Limit: 100})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(left) != 4 || left[0].ID != ids[6] || left[3].ID != ids[9] {
		t.Errorf("remaining = %+v, want the newest four", left)
	}

	if removed, _ := repo.Prune(ctx, 4); removed != 0 {
		t.Errorf("second Prune() removed %d", removed)
	}
}

// ─── Recorder ───────────────────────────────────────────────────────

func TestRecorder_PersistsBusEvents(t *testing.T) {
	repo := setupRepo(t)
	bus := event.NewBus(event.BusConfig{})
	t.Cleanup(bus.Close)

	rec := NewRecorder(RecorderDeps{Repo: repo, Bus: bus, Retention: 2})
	if err := rec.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(rec.Close)

	bus.Publish(event.New(event.TypeTimeChanged, event.TimeChangedData{Hour: 1}, event.Context{}))
	for i := range 3 {
		bus.Publish(event.New(event.TypeCallService, map[string]any{"n": i}, event.Context{}))
	}

	waitFor(t, time.Second, func() bool { return rec.Stats().Written == 3 })

	ctx := context.Background()
	if err := rec.Prune(ctx); err != nil {
		t.Fatalf("Prune() error = %v", err)
	}
	got, err := rec.Query(ctx, Query{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("records = %d, want 2 after prune", len(got))
	}
	for _, r := range got {
		if r.Type == event.TypeTimeChanged {
			t.Error("time_changed should be excluded by default")
		}
	}
}

type failingRepo struct{ Repository }

func (failingRepo) Insert(context.Context, event.Event) error { return errors.New("disk full") }

func TestRecorder_CountsFailures(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	t.Cleanup(bus.Close)

	rec := NewRecorder(RecorderDeps{Repo: failingRepo{}, Bus: bus, Exclude: []event.Type{}})
	if err := rec.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(rec.Close)

	bus.Publish(event.New(event.TypeTimeChanged, nil, event.Context{}))
	waitFor(t, time.Second, func() bool { return rec.Stats().Failed == 1 })
	if rec.Stats().Written != 0 {
		t.Errorf("Written = %d, want 0", rec.Stats().Written)
	}
}

func TestRecorder_StartRequiresDeps(t *testing.T) {
	if err := NewRecorder(RecorderDeps{}).Start(); err == nil {
		t.Error("Start() without repo and bus should fail")
	}
}

// ─── Telemetry ──────────────────────────────────────────────────────

type point struct {
	entityID string
	domain   string
	fields   map[string]float64
}

type recordingWriter struct {
	mu     sync.Mutex
	points []point
}

func (w *recordingWriter) WriteEntityValues(entityID, domain string, fields map[string]float64, _ time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.points = append(w.points, point{entityID, domain, fields})
}

func (w *recordingWriter) getPoints() []point {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]point(nil), w.points...)
}

func TestNumericFields(t *testing.T) {
	tests := []struct {
		name  string
		state any
		attrs map[string]any
		want  map[string]float64
	}{
		{"number", 21.5, map[string]any{"battery": 80, "unit": "°C"}, map[string]float64{"state": 21.5, "battery": 80}},
		{"binary", "on", map[string]any{"brightness": 40.0}, map[string]float64{"state": 1, "brightness": 40}},
		{"not home", "not_home", nil, map[string]float64{"state": 0}},
		{"text", "heating", map[string]any{"mode": "eco"}, map[string]float64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NumericFields(&state.State{State: tt.state, Attributes: tt.attrs})
			if len(got) != len(tt.want) {
				t.Fatalf("fields = %v, want %v", got, tt.want)
			}
			for k, v := range tt.want {
				if got[k] != v {
					t.Errorf("fields[%s] = %v, want %v", k, got[k], v)
				}
			}
		})
	}
}

func TestTelemetry_WritesStateChanges(t *testing.T) {
	bus := event.NewBus(event.BusConfig{})
	t.Cleanup(bus.Close)
	writer := &recordingWriter{}

	tel := NewTelemetry(TelemetryDeps{Writer: writer, Bus: bus})
	if err := tel.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(tel.Close)

	store := state.New(state.Config{Publisher: bus})
	store.Set("sensor.kitchen_temp", 21.5, map[string]any{"battery": 90}, event.Context{})
	store.Set("climate.hall", "heating", nil, event.Context{})
	store.Set("light.hall", "on", nil, event.Context{})

	waitFor(t, time.Second, func() bool { return len(writer.getPoints()) == 2 })
	points := writer.getPoints()
	if points[0].entityID != "sensor.kitchen_temp" || points[0].domain != "sensor" || points[0].fields["battery"] != 90 {
		t.Errorf("first point = %+v", points[0])
	}
	if points[1].entityID != "light.hall" || points[1].fields["state"] != 1 {
		t.Errorf("second point = %+v", points[1])
	}
}

func TestTelemetry_StartRequiresDeps(t *testing.T) {
	if err := NewTelemetry(TelemetryDeps{}).Start(); err == nil {
		t.Error("Start() without writer and bus should fail")
	}
}
