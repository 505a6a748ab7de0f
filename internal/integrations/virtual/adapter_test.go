package virtual

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/homecore/internal/device"
	"github.com/nerrad567/homecore/internal/event"
	"github.com/nerrad567/homecore/internal/infrastructure/database"
	"github.com/nerrad567/homecore/internal/integration"
	"github.com/nerrad567/homecore/internal/service"
	"github.com/nerrad567/homecore/internal/state"
	_ "github.com/nerrad567/homecore/migrations"
)

func newAdapter(t *testing.T, entities string) *Adapter {
	t.Helper()
	a, err := New(context.Background(), integration.FactoryDeps{
		Name:   Name,
		Config: map[string]any{"entities": entities},
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return a.(*Adapter)
}

func readReport(t *testing.T, out <-chan []byte) report {
	t.Helper()
	select {
	case raw := <-out:
		var r report
		if err := json.Unmarshal(raw, &r); err != nil {
			t.Fatalf("unmarshal %s: %v", raw, err)
		}
		return r
	case <-time.After(time.Second):
		t.Fatal("no report emitted")
		return report{}
	}
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

// ─── Adapter ────────────────────────────────────────────────────────

func TestNew_Config(t *testing.T) {
	tests := []struct {
		name     string
		entities string
		wantErr  bool
	}{
		{"single", "light.hall", false},
		{"several with spaces", " light.hall , switch.fan ", false},
		{"empty", "", true},
		{"invalid id", "hall", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), integration.FactoryDeps{Config: map[string]any{"entities": tt.entities}})
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, integration.ErrInvalidConfig) {
				t.Errorf("error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestServices_FollowConfiguredDomains(t *testing.T) {
	a := newAdapter(t, "light.hall,input_number.target")

	names := map[string]integration.ServiceSpec{}
	for _, s := range a.Services() {
		names[s.Name()] = s
	}
	for _, want := range []string{"light.turn_on", "light.turn_off", "input_number.set_value"} {
		if _, ok := names[want]; !ok {
			t.Errorf("missing service %s", want)
		}
	}
	if _, ok := names["switch.turn_on"]; ok {
		t.Error("switch services offered without a switch entity")
	}
	if _, ok := names["input_number.set_value"].RequiredParams["value"]; !ok {
		t.Error("set_value must require value")
	}
}

func TestDiscover(t *testing.T) {
	a := newAdapter(t, "switch.fan,light.hall_ceiling")

	res, err := a.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(res.Devices) != 2 || len(res.Entities) != 2 {
		t.Fatalf("Discover() = %d devices, %d entities", len(res.Devices), len(res.Entities))
	}
	e := res.Entities[0]
	if e.EntityID != "light.hall_ceiling" || e.Type != device.EntityTypeLight || e.Name != "Hall Ceiling" {
		t.Errorf("entity = %+v", e)
	}
	if e.DeviceID != res.Devices[0].ID {
		t.Errorf("entity device = %s, want %s", e.DeviceID, res.Devices[0].ID)
	}
}

func TestInvokeService(t *testing.T) {
	a := newAdapter(t, "switch.fan,light.hall,input_number.target")
	out := make(chan []byte, 16)
	if err := a.Connect(context.Background(), out); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	for range 3 {
		readReport(t, out)
	}

	tests := []struct {
		name      string
		call      integration.ServiceCall
		wantState any
		wantAttr  any
		wantErr   bool
	}{
		{"switch on", integration.ServiceCall{Service: "switch.turn_on", ExternalID: "switch.fan"}, "on", nil, false},
		{"switch toggle", integration.ServiceCall{Service: "switch.toggle", ExternalID: "switch.fan"}, "off", nil, false},
		{"light brightness", integration.ServiceCall{Service: "light.turn_on", ExternalID: "light.hall", Params: map[string]any{"brightness": 40}}, "on", float64(40), false},
		{"brightness out of range", integration.ServiceCall{Service: "light.turn_on", ExternalID: "light.hall", Params: map[string]any{"brightness": 140}}, nil, nil, true},
		{"set value", integration.ServiceCall{Service: "input_number.set_value", ExternalID: "input_number.target", Params: map[string]any{"value": 21.5}}, 21.5, nil, false},
		{"unknown entity", integration.ServiceCall{Service: "switch.turn_on", ExternalID: "switch.attic"}, nil, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := a.InvokeService(context.Background(), tt.call)
			if (err != nil) != tt.wantErr {
				t.Fatalf("InvokeService() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			r := readReport(t, out)
			if r.Entity != tt.call.ExternalID || r.State != tt.wantState {
				t.Errorf("report = %+v, want state %v", r, tt.wantState)
			}
			if tt.wantAttr != nil && r.Attributes["brightness"] != tt.wantAttr {
				t.Errorf("brightness = %v, want %v", r.Attributes["brightness"], tt.wantAttr)
			}
		})
	}

	if err := a.InvokeService(context.Background(), integration.ServiceCall{Service: "switch.turn_on", ExternalID: "switch.attic"}); !errors.Is(err, ErrUnknownEntity) {
		t.Errorf("error = %v, want ErrUnknownEntity", err)
	}
}

func TestInvokeService_EchoesCallContext(t *testing.T) {
	a := newAdapter(t, "switch.fan")
	out := make(chan []byte, 4)
	if err := a.Connect(context.Background(), out); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if r := readReport(t, out); !r.Context.IsZero() {
		t.Errorf("initial report context = %+v, want zero", r.Context)
	}

	cause := event.NewContext().Child()
	if err := a.InvokeService(context.Background(), integration.ServiceCall{
		Service:    "switch.turn_on",
		ExternalID: "switch.fan",
		Context:    cause,
	}); err != nil {
		t.Fatalf("InvokeService() error = %v", err)
	}

	select {
	case raw := <-out:
		msgs, err := a.Translate(raw)
		if err != nil {
			t.Fatalf("Translate() error = %v", err)
		}
		if got := msgs[0].State.Context; got != cause {
			t.Errorf("report context = %+v, want %+v", got, cause)
		}
	case <-time.After(time.Second):
		t.Fatal("no report emitted")
	}
}

func TestInvokeService_BeforeConnect(t *testing.T) {
	a := newAdapter(t, "switch.fan")
	err := a.InvokeService(context.Background(), integration.ServiceCall{Service: "switch.turn_on", ExternalID: "switch.fan"})
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("error = %v, want ErrNotConnected", err)
	}
}

func TestTranslate(t *testing.T) {
	a := newAdapter(t, "light.hall")

	msgs, err := a.Translate([]byte(`{"entity":"light.hall","state":"on","attributes":{"brightness":10}}`))
	if err != nil {
		t.Fatalf("Translate() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].State == nil {
		t.Fatalf("Translate() = %+v", msgs)
	}
	if r := msgs[0].State; r.ExternalID != "light.hall" || r.State != "on" || r.Attributes["brightness"] != float64(10) {
		t.Errorf("report = %+v", r)
	}

	for _, bad := range []string{`not json`, `{"state":"on"}`} {
		if _, err := a.Translate([]byte(bad)); err == nil {
			t.Errorf("Translate(%s) should fail", bad)
		}
	}
}

// ─── End to end ─────────────────────────────────────────────────────

func TestVirtual_FullLoop(t *testing.T) {
	ctx := context.Background()

	db, err := database.OpenInMemory(ctx)
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	bus := event.NewBus(event.BusConfig{})
	t.Cleanup(bus.Close)

	devices := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	if err := devices.RefreshCache(ctx); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}
	states := state.New(state.Config{Publisher: bus, Index: devices})
	configs := integration.NewSQLiteConfigRepository(db.DB)

	reg := integration.NewRegistry(integration.Deps{
		Configs:          configs,
		Devices:          devices,
		States:           states,
		Bus:              bus,
		CallTimeout:      time.Second,
		DiscoveryTimeout: time.Second,
		FlushInterval:    10 * time.Millisecond,
	})
	t.Cleanup(reg.Close)

	if err := reg.RegisterDescriptor(Descriptor()); err != nil {
		t.Fatalf("RegisterDescriptor() error = %v", err)
	}
	if err := configs.Save(ctx, &integration.Config{
		IntegrationName: Name,
		UserConfig:      map[string]any{"entities": "light.hall"},
		Enabled:         true,
	}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := reg.Load(ctx, Name); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := reg.Discover(Name); err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	waitFor(t, time.Second, func() bool {
		return reg.DiscoveryStatus(Name).Status == integration.DiscoveryCompleted
	})

	dispatcher := service.New(service.Deps{Catalog: reg, Entities: devices, Bus: bus})
	cause := event.NewContext()
	res, err := dispatcher.Invoke(ctx, service.Request{
		Service:  "light.turn_on",
		Targets:  []string{"light.hall"},
		Params:   map[string]any{"brightness": 60},
		Blocking: true,
		Context:  cause,
	})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.Status != service.StatusSuccess {
		t.Fatalf("status = %s, want success", res.Status)
	}

	waitFor(t, time.Second, func() bool {
		st, err := states.Get("light.hall")
		return err == nil && st.State == "on" && st.Attributes["brightness"] == float64(60)
	})
	st, _ := states.Get("light.hall")
	if st.Context != cause {
		t.Errorf("state context = %+v, want the call context %+v", st.Context, cause)
	}
}
