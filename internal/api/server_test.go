package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/homecore/internal/automation"
	"github.com/nerrad567/homecore/internal/device"
	"github.com/nerrad567/homecore/internal/event"
	"github.com/nerrad567/homecore/internal/history"
	"github.com/nerrad567/homecore/internal/infrastructure/config"
	"github.com/nerrad567/homecore/internal/infrastructure/database"
	"github.com/nerrad567/homecore/internal/infrastructure/logging"
	"github.com/nerrad567/homecore/internal/integration"
	"github.com/nerrad567/homecore/internal/service"
	"github.com/nerrad567/homecore/internal/state"
	_ "github.com/nerrad567/homecore/migrations"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

// ─── Fakes ──────────────────────────────────────────────────────────

// fakeIntegrations is a test implementation of IntegrationService.
type fakeIntegrations struct {
	mu          sync.Mutex
	descriptors []integration.Descriptor
	services    []integration.CatalogEntry
	loaded      map[string]bool
	discovering map[string]bool
	loadErr     error
	loads       []string
	unloads     []string
}

func newFakeIntegrations() *fakeIntegrations {
	return &fakeIntegrations{
		descriptors: []integration.Descriptor{{
			Name:        "virtual",
			DisplayName: "Virtual",
			ConfigSchema: map[string]integration.ConfigField{
				"entities": {Label: "Entities", Type: integration.ConfigFieldText, Required: true},
			},
		}},
		services: []integration.CatalogEntry{{
			Integration: "virtual",
			Spec: integration.ServiceSpec{
				Domain:         "light",
				Service:        "turn_on",
				Description:    "Turn a light on",
				OptionalParams: map[string]integration.ParamSpec{"brightness": {Type: integration.ParamNumber}},
				AllowedTargets: integration.TargetSpec{Types: []integration.TargetType{integration.TargetEntity}},
			},
		}},
		loaded:      map[string]bool{},
		discovering: map[string]bool{},
	}
}

func (f *fakeIntegrations) Instances() []integration.InstanceInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]integration.InstanceInfo, 0, len(f.loaded))
	for name := range f.loaded {
		out = append(out, integration.InstanceInfo{Name: name, Descriptor: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (f *fakeIntegrations) Descriptors() []integration.Descriptor { return f.descriptors }

func (f *fakeIntegrations) Services() []integration.CatalogEntry { return f.services }

func (f *fakeIntegrations) Load(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads = append(f.loads, name)
	if f.loadErr != nil {
		return f.loadErr
	}
	f.loaded[name] = true
	return nil
}

func (f *fakeIntegrations) Unload(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloads = append(f.unloads, name)
	if !f.loaded[name] {
		return fmt.Errorf("%w: %s", integration.ErrNotLoaded, name)
	}
	delete(f.loaded, name)
	return nil
}

func (f *fakeIntegrations) Discover(name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loaded[name] {
		return fmt.Errorf("%w: %s", integration.ErrNotLoaded, name)
	}
	if f.discovering[name] {
		return fmt.Errorf("%w: %s", integration.ErrDiscoveryInProgress, name)
	}
	f.discovering[name] = true
	return nil
}

func (f *fakeIntegrations) DiscoveryStatus(name string) integration.DiscoveryStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.discovering[name] {
		return integration.DiscoveryStatus{Integration: name, Status: integration.DiscoveryRunning}
	}
	return integration.DiscoveryStatus{Integration: name, Status: integration.DiscoveryIdle}
}

func (f *fakeIntegrations) getLoads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.loads...)
}

func (f *fakeIntegrations) getUnloads() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unloads...)
}

// fakeInvoker is a test implementation of ServiceInvoker.
type fakeInvoker struct {
	mu       sync.Mutex
	result   service.Result
	err      error
	requests []service.Request
}

func (f *fakeInvoker) Invoke(_ context.Context, req service.Request) (service.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return service.Result{}, f.err
	}
	res := f.result
	res.Service = req.Service
	return res, nil
}

func (f *fakeInvoker) getRequests() []service.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]service.Request(nil), f.requests...)
}

// fakeAutomations is an in-memory AutomationService.
type fakeAutomations struct {
	mu      sync.Mutex
	items   map[string]automation.Automation
	reloads int
}

func newFakeAutomations() *fakeAutomations {
	return &fakeAutomations{items: map[string]automation.Automation{}}
}

func (f *fakeAutomations) List(_ context.Context) ([]automation.Automation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]automation.Automation, 0, len(f.items))
	for _, a := range f.items {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Alias < out[j].Alias })
	return out, nil
}

func (f *fakeAutomations) Get(_ context.Context, id string) (*automation.Automation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.items[id]
	if !ok {
		return nil, automation.ErrAutomationNotFound
	}
	return &a, nil
}

func (f *fakeAutomations) Create(_ context.Context, a *automation.Automation) error {
	if err := automation.Validate(a); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	a.ID = automation.GenerateID()
	f.items[a.ID] = *a
	return nil
}

func (f *fakeAutomations) Update(_ context.Context, a *automation.Automation) error {
	if err := automation.Validate(a); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[a.ID]; !ok {
		return automation.ErrAutomationNotFound
	}
	f.items[a.ID] = *a
	return nil
}

func (f *fakeAutomations) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.items[id]; !ok {
		return automation.ErrAutomationNotFound
	}
	delete(f.items, id)
	return nil
}

func (f *fakeAutomations) Reload(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return nil
}

func (f *fakeAutomations) Trigger(_ context.Context, id string) (automation.RunResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	a, ok := f.items[id]
	if !ok {
		return automation.RunResult{}, automation.ErrAutomationNotFound
	}
	return automation.RunResult{AutomationID: id, ContextID: "ctx-1", Attempted: len(a.Actions)}, nil
}

func (f *fakeAutomations) Stats() automation.Stats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return automation.Stats{Loaded: len(f.items)}
}

func (f *fakeAutomations) getReloads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reloads
}

// ─── Harness ────────────────────────────────────────────────────────

type apiHarness struct {
	srv          *Server
	router       http.Handler
	states       *state.Store
	devices      *device.Registry
	configs      *integration.SQLiteConfigRepository
	integrations *fakeIntegrations
	invoker      *fakeInvoker
	automations  *fakeAutomations
	events       *event.Log
	history      *history.SQLiteRepository
}

func testLogger() *logging.Logger {
	return logging.New(config.LoggingConfig{Level: "error", Format: "text", Output: "stdout"}, "test")
}

// setupAPI builds a server over a real device registry, state store and
// config repository, with fakes for the engine, registry and dispatcher.
func setupAPI(t *testing.T, apiCfg config.APIConfig) *apiHarness {
	t.Helper()
	ctx := context.Background()

	db, err := database.OpenInMemory(ctx)
	if err != nil {
		t.Fatalf("OpenInMemory() error = %v", err)
	}
	t.Cleanup(func() { db.Close() })

	devices := device.NewRegistry(device.NewSQLiteRepository(db.DB))
	if err := devices.RefreshCache(ctx); err != nil {
		t.Fatalf("RefreshCache() error = %v", err)
	}
	if _, err := devices.ApplyDiscovery(ctx, "virtual",
		[]device.Device{{ID: "virtual:hall", Type: "virtual", Name: "Hall"}},
		[]device.Entity{
			{EntityID: "light.hall", ExternalID: "hall-light", DeviceID: "virtual:hall", Name: "Hall light"},
			{EntityID: "sensor.temp", ExternalID: "hall-temp", DeviceID: "virtual:hall", Name: "Hall temperature"},
		}); err != nil {
		t.Fatalf("ApplyDiscovery() error = %v", err)
	}

	states := state.New(state.Config{Index: devices})
	states.Set("light.hall", "on", map[string]any{"brightness": 80}, event.Context{})
	states.Set("sensor.temp", 21.5, nil, event.Context{})

	h := &apiHarness{
		states:       states,
		devices:      devices,
		configs:      integration.NewSQLiteConfigRepository(db.DB),
		integrations: newFakeIntegrations(),
		invoker:      &fakeInvoker{result: service.Result{Integration: "virtual", Status: service.StatusSuccess}},
		automations:  newFakeAutomations(),
		events:       event.NewLog(100),
		history:      history.NewSQLiteRepository(db.DB),
	}

	srv, err := New(Deps{
		Config:       apiCfg,
		Logger:       testLogger(),
		States:       h.states,
		Devices:      h.devices,
		Integrations: h.integrations,
		Configs:      h.configs,
		Services:     h.invoker,
		Automations:  h.automations,
		Events:       h.events,
		History:      h.history,
		Version:      "test",
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.srv = srv
	h.router = srv.buildRouter()
	return h
}

func (h *apiHarness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encoding body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
	return out
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, w)
	e, ok := body["error"].(map[string]any)
	if !ok {
		t.Fatalf("response has no error envelope: %s", w.Body.String())
	}
	code, _ := e["code"].(string) //nolint:errcheck // absent code fails the caller's comparison
	return code
}

// ─── Health & Middleware ────────────────────────────────────────────

func TestHealth(t *testing.T) {
	h := setupAPI(t, config.APIConfig{})

	w := h.do(t, http.MethodGet, "/api/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
	body := decodeBody(t, w)
	if body["status"] != "ok" || body["version"] != "test" {
		t.Errorf("body = %v", body)
	}
}

func TestRequestID(t *testing.T) {
	h := setupAPI(t, config.APIConfig{})

	w := h.do(t, http.MethodGet, "/api/health", nil)
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("X-Request-ID not generated")
	}

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("X-Request-ID", "client-id")
	rec := httptest.NewRecorder()
	h.router.ServeHTTP(rec, req)
	if got := rec.Header().Get("X-Request-ID"); got != "client-id" {
		t.Errorf("X-Request-ID = %q, want client-id", got)
	}
}

func TestNotFoundRoute(t *testing.T) {
	h := setupAPI(t, config.APIConfig{})

	w := h.do(t, http.MethodGet, "/api/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if got := errorCode(t, w); got != ErrCodeNotFound {
		t.Errorf("code = %q", got)
	}
}

func TestCORS_Preflight(t *testing.T) {
	h := setupAPI(t, config.APIConfig{CORS: config.CORSConfig{AllowedOrigins: []string{"http://ui.local"}}})

	req := httptest.NewRequest(http.MethodOptions, "/api/states", nil)
	req.Header.Set("Origin", "http://ui.local")
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)

	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://ui.local" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
}

// ─── Auth ───────────────────────────────────────────────────────────

func TestAuth(t *testing.T) {
	h := setupAPI(t, config.APIConfig{Auth: config.AuthConfig{JWTSecret: testSecret, Issuer: "homecore"}})

	valid, err := IssueToken(testSecret, "homecore", "ui", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	wrongIssuer, err := IssueToken(testSecret, "other", "ui", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	expired, err := IssueToken(testSecret, "homecore", "ui", time.Nanosecond)
	if err != nil {
		t.Fatalf("IssueToken() error = %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{"health exempt", "/api/health", "", http.StatusOK},
		{"missing token", "/api/states", "", http.StatusUnauthorized},
		{"valid header", "/api/states", "Bearer " + valid, http.StatusOK},
		{"valid query", "/api/states?token=" + valid, "", http.StatusOK},
		{"wrong issuer", "/api/states", "Bearer " + wrongIssuer, http.StatusUnauthorized},
		{"expired", "/api/states", "Bearer " + expired, http.StatusUnauthorized},
		{"garbage", "/api/states", "Bearer not-a-token", http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			h.router.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestParseToken_RejectsOtherAlgorithms(t *testing.T) {
	if _, err := ParseToken("eyJhbGciOiJub25lIn0.eyJzdWIiOiJ1aSJ9.", testSecret, ""); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("ParseToken(alg none) error = %v, want ErrTokenInvalid", err)
	}
}

// ─── States & Devices ───────────────────────────────────────────────

func TestStates(t *testing.T) {
	h := setupAPI(t, config.APIConfig{})

	w := h.do(t, http.MethodGet, "/api/states", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := len(decodeBody(t, w)["states"].([]any)); got != 2 {
		t.Errorf("len(states) = %d, want 2", got)
	}

	w = h.do(t, http.MethodGet, "/api/states?entity_id=light.hall", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	st := decodeBody(t, w)["state"].(map[string]any)
	if st["entity_id"] != "light.hall" || st["state"] != "on" {
		t.Errorf("state = %v", st)
	}

	w = h.do(t, http.MethodGet, "/api/states?entity_id=light.attic", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown entity status = %d, want 404", w.Code)
	}
}

func TestDevices(t *testing.T) {
	h := setupAPI(t, config.APIConfig{})

	w := h.do(t, http.MethodGet, "/api/devices", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	if got := decodeBody(t, w)["count"]; got != float64(1) {
		t.Errorf("count = %v, want 1", got)
	}

	w = h.do(t, http.MethodGet, "/api/devices/virtual:hall", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}
	if got := decodeBody(t, w)["name"]; got != "Hall" {
		t.Errorf("name = %v", got)
	}

	w = h.do(t, http.MethodGet, "/api/devices/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing device status = %d, want 404", w.Code)
	}

	w = h.do(t, http.MethodGet, "/api/devices/virtual:hall/states", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("device states status = %d", w.Code)
	}
	if got := len(decodeBody(t, w)["states"].([]any)); got != 2 {
		t.Errorf("len(device states) = %d, want 2", got)
	}
}

func TestPatchDevice_DisablesEntities(t *testing.T) {
	h := setupAPI(t, config.APIConfig{})

	w := h.do(t, http.MethodPatch, "/api/devices/virtual:hall", map[string]any{"enabled": false})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	if got := decodeBody(t, w)["enabled"]; got != false {
		t.Errorf("enabled = %v, want false", got)
	}

	ent, err := h.devices.GetEntity("light.hall")
	if err != nil {
		t.Fatalf("GetEntity() error = %v", err)
	}
	if ent.Enabled {
		t.Error("entity still enabled after device disable")
	}
}

func TestPatchEntity(t *testing.T) {
	h := setupAPI(t, config.APIConfig{})

	w := h.do(t, http.MethodPatch, "/api/entities/light.hall", map[string]any{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing enabled status = %d, want 400", w.Code)
	}

	w = h.do(t, http.MethodPatch, "/api/entities/light.hall", map[string]any{"enabled": false})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	w = h.do(t, http.MethodGet, "/api/entities/light.hall", nil)
	if got := decodeBody(t, w)["enabled"]; got != false {
		t.Errorf("enabled = %v, want false", got)
	}

	w = h.do(t, http.MethodGet, "/api/entities", nil)
	if got := decodeBody(t, w)["count"]; got != float64(2) {
		t.Errorf("count = %v, want 2", got)
	}
}

func TestInvalidJSONBody(t *testing.T) {
	h := setupAPI(t, config.APIConfig{})

	w := h.do(t, http.MethodPatch, "/api/devices/virtual:hall", "{not json")
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// ─── Services ───────────────────────────────────────────────────────

func TestListServices(t *testing.T) {
	h := setupAPI(t, config.APIConfig{})

	w := h.do(t, http.MethodGet, "/api/services", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	services := decodeBody(t, w)["services"].([]any)
	if len(services) != 1 {
		t.Fatalf("len(services) = %d, want 1", len(services))
	}
	svc := services[0].(map[string]any)
	if svc["name"] != "light.turn_on" || svc["integration"] != "virtual" {
		t.Errorf("service = %v", svc)
	}
	if _, ok := svc["required_params"].(map[string]any); !ok {
		t.Errorf("required_params = %v, want object", svc["required_params"])
	}
}

func TestCallService_Statuses(t *testing.T) {
	tests := []struct {
		name   string
		status service.Status
		err    error
		want   int
		code   string
	}{
		{"success", service.StatusSuccess, nil, http.StatusOK, ""},
		{"partial", service.StatusPartial, nil, http.StatusMultiStatus, ""},
		{"failed", service.StatusFailed, nil, http.StatusBadGateway, ""},
		{"accepted", service.StatusAccepted, nil, http.StatusAccepted, ""},
		{"not found", "", service.ErrServiceNotFound, http.StatusNotFound, ErrCodeNotFound},
		{"invalid target", "", service.ErrInvalidTarget, http.StatusBadRequest, ErrCodeValidation},
		{"unavailable", "", fmt.Errorf("%w: light.hall", service.ErrEntityUnavailable), http.StatusConflict, ErrCodeUnavailable},
		{"unexpected", "", errors.New("boom"), http.StatusInternalServerError, ErrCodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := setupAPI(t, config.APIConfig{})
			h.invoker.result = service.Result{Status: tt.status}
			h.invoker.err = tt.err

			w := h.do(t, http.MethodPost, "/api/services/light.turn_on", map[string]any{
				"targets": []string{"light.hall"},
				"params":  map[string]any{"brightness": 50},
			})
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
			if tt.code != "" {
				if got := errorCode(t, w); got != tt.code {
					t.Errorf("code = %q, want %q", got, tt.code)
				}
			}
		})
	}
}

func TestCallService_RequestShape(t *testing.T) {
	h := setupAPI(t, config.APIConfig{})

	h.do(t, http.MethodPost, "/api/services/light.turn_on", map[string]any{
		"targets": []string{"light.hall"},
		"params":  map[string]any{"brightness": 50},
	})
	h.do(t, http.MethodPost, "/api/services/light.turn_on", map[string]any{
		"targets":  []string{"light.hall"},
		"blocking": false,
	})

	reqs := h.invoker.getRequests()
	if len(reqs) != 2 {
		t.Fatalf("requests = %d, want 2", len(reqs))
	}
	if reqs[0].Service != "light.turn_on" || !reqs[0].Blocking || reqs[0].Params["brightness"] != float64(50) {
		t.Errorf("first request = %+v", reqs[0])
	}
	if reqs[1].Blocking {
		t.Error("blocking=false not honoured")
	}
}

func TestCallService_InvalidParamsDetails(t *testing.T) {
	h := setupAPI(t, config.APIConfig{})
	h.invoker.err = &service.InvalidParamsError{Service: "light.turn_on", Missing: []string{"brightness"}}

	w := h.do(t, http.MethodPost, "/api/services/light.turn_on", map[string]any{"targets": []string{"light.hall"}})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	details := decodeBody(t, w)["error"].(map[string]any)["details"].(map[string]any)
	missing := details["missing"].([]any)
	if len(missing) != 1 || missing[0] != "brightness" {
		t.Errorf("details.missing = %v", missing)
	}
}

// ─── Integrations ───────────────────────────────────────────────────

func TestIntegrations_LoadUnload(t *testing.T) {
	h := setupAPI(t, config.APIConfig{})

	w := h.do(t, http.MethodPost, "/api/integrations/virtual/load", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("load status = %d", w.Code)
	}
	w = h.do(t, http.MethodGet, "/api/integrations", nil)
	if got := decodeBody(t, w)["count"]; got != float64(1) {
		t.Errorf("count = %v, want 1", got)
	}

	w = h.do(t, http.MethodPost, "/api/integrations/virtual/unload", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("unload status = %d", w.Code)
	}
	w = h.do(t, http.MethodPost, "/api/integrations/virtual/unload", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second unload status = %d, want 404", w.Code)
	}

	h.integrations.loadErr = integration.ErrConfigNotFound
	w = h.do(t, http.MethodPost, "/api/integrations/hue/load", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("load without config status = %d, want 404", w.Code)
	}
}

func TestDescriptors(t *testing.T) {
	h := setupAPI(t, config.APIConfig{})

	w := h.do(t, http.MethodGet, "/api/integrations/descriptors", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := len(decodeBody(t, w)["descriptors"].([]any)); got != 1 {
		t.Errorf("len(descriptors) = %d, want 1", got)
	}
}

func TestPutConfig(t *testing.T) {
	h := setupAPI(t, config.APIConfig{})
	ctx := context.Background()

	w := h.do(t, http.MethodPut, "/api/integrations/configs/hue", map[string]any{"user_config": map[string]any{}})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown descriptor status = %d, want 404", w.Code)
	}

	w = h.do(t, http.MethodPut, "/api/integrations/configs/virtual", map[string]any{"user_config": map[string]any{}})
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing required field status = %d, want 400", w.Code)
	}

	w = h.do(t, http.MethodPut, "/api/integrations/configs/virtual", map[string]any{
		"user_config": map[string]any{"entities": "light.hall"},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	first, err := h.configs.Get(ctx, "virtual")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !first.Enabled || first.DisplayName != "Virtual" || first.UserConfig["entities"] != "light.hall" {
		t.Errorf("stored config = %+v", first)
	}

	w = h.do(t, http.MethodPut, "/api/integrations/configs/virtual", map[string]any{
		"user_config": map[string]any{"entities": "light.hall,switch.fan"},
		"enabled":     false,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("update status = %d", w.Code)
	}
	second, err := h.configs.Get(ctx, "virtual")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if second.ID != first.ID || second.Enabled {
		t.Errorf("updated config = %+v, want same ID and disabled", second)
	}

	w = h.do(t, http.MethodGet, "/api/integrations/configs", nil)
	if got := decodeBody(t, w)["count"]; got != float64(1) {
		t.Errorf("count = %v, want 1", got)
	}
}

func TestDeleteConfig(t *testing.T) {
	h := setupAPI(t, config.APIConfig{})

	h.do(t, http.MethodPut, "/api/integrations/configs/virtual", map[string]any{
		"user_config": map[string]any{"entities": "light.hall"},
	})

	w := h.do(t, http.MethodDelete, "/api/integrations/configs/virtual", nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d (%s)", w.Code, w.Body.String())
	}
	if got := h.integrations.getUnloads(); len(got) != 1 || got[0] != "virtual" {
		t.Errorf("unloads = %v", got)
	}

	w = h.do(t, http.MethodDelete, "/api/integrations/configs/virtual", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("second delete status = %d, want 404", w.Code)
	}
}

func TestDiscovery(t *testing.T) {
	h := setupAPI(t, config.APIConfig{})

	w := h.do(t, http.MethodPost, "/api/integrations/configs/virtual/discover", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("not loaded status = %d, want 404", w.Code)
	}

	h.do(t, http.MethodPost, "/api/integrations/virtual/load", nil)

	w = h.do(t, http.MethodPost, "/api/integrations/configs/virtual/discover", nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	if got := decodeBody(t, w)["status"]; got != "accepted" {
		t.Errorf("status field = %v", got)
	}

	w = h.do(t, http.MethodPost, "/api/integrations/configs/virtual/discover", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("second status = %d, want 409", w.Code)
	}
	if got := decodeBody(t, w)["status"]; got != "in_progress" {
		t.Errorf("status field = %v", got)
	}

	w = h.do(t, http.MethodGet, "/api/integrations/configs/virtual/discover", nil)
	if got := decodeBody(t, w)["status"]; got != integration.DiscoveryRunning {
		t.Errorf("discovery status = %v", got)
	}
}

// ─── Automations ────────────────────────────────────────────────────

const automationBody = `{
	"alias": "Hall light",
	"triggers": [{"type": "state", "data": {"entity_id": "sensor.door", "to": "open"}}],
	"conditions": [{"entity": "sensor.door", "field": "state", "equals": "open"}],
	"actions": [{"service": "light.turn_on", "targets": [{"entity_id": "light.hall"}]}],
	"enabled": true
}`

func TestAutomations_CRUD(t *testing.T) {
	h := setupAPI(t, config.APIConfig{})

	w := h.do(t, http.MethodPost, "/api/automations", automationBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d (%s)", w.Code, w.Body.String())
	}
	id, _ := decodeBody(t, w)["id"].(string) //nolint:errcheck // empty id fails below
	if id == "" {
		t.Fatal("created automation has no id")
	}

	w = h.do(t, http.MethodGet, "/api/automations/"+id, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = h.do(t, http.MethodGet, "/api/automations", nil)
	body := decodeBody(t, w)
	if body["count"] != float64(1) {
		t.Errorf("count = %v, want 1", body["count"])
	}
	if stats, ok := body["stats"].(map[string]any); !ok || stats["loaded"] != float64(1) {
		t.Errorf("stats = %v", body["stats"])
	}

	w = h.do(t, http.MethodPost, "/api/automations/"+id+"/trigger", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("trigger status = %d", w.Code)
	}
	if got := decodeBody(t, w)["attempted"]; got != float64(1) {
		t.Errorf("attempted = %v, want 1", got)
	}

	w = h.do(t, http.MethodDelete, "/api/automations/"+id, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("delete status = %d", w.Code)
	}
	w = h.do(t, http.MethodGet, "/api/automations/"+id, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("get after delete status = %d, want 404", w.Code)
	}
}

func TestAutomations_CreateInvalid(t *testing.T) {
	h := setupAPI(t, config.APIConfig{})

	w := h.do(t, http.MethodPost, "/api/automations", `{"alias": "x", "triggers": [], "actions": []}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if got := errorCode(t, w); got != ErrCodeValidation {
		t.Errorf("code = %q, want %q", got, ErrCodeValidation)
	}

	w = h.do(t, http.MethodPost, "/api/automations", `{"alias": "x", "triggers": [{"type": "sun"}]}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("unknown trigger status = %d, want 400", w.Code)
	}
}

func TestAutomations_UpdateAndReload(t *testing.T) {
	h := setupAPI(t, config.APIConfig{})

	w := h.do(t, http.MethodPut, "/api/automations/missing", automationBody)
	if w.Code != http.StatusNotFound {
		t.Errorf("update missing status = %d, want 404", w.Code)
	}

	w = h.do(t, http.MethodPost, "/api/automations/reload", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("reload status = %d", w.Code)
	}
	if got := h.automations.getReloads(); got != 1 {
		t.Errorf("reloads = %d, want 1", got)
	}

	w = h.do(t, http.MethodPost, "/api/automations/missing/trigger", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("trigger missing status = %d, want 404", w.Code)
	}
}

// ─── Events ─────────────────────────────────────────────────────────

func TestListEvents(t *testing.T) {
	h := setupAPI(t, config.APIConfig{})
	for i := range 5 {
		h.events.Append(event.New("doorbell", map[string]any{"n": i}, event.Context{}))
	}

	tests := []struct {
		query string
		want  int
		count int
	}{
		{"", http.StatusOK, 5},
		{"?limit=2", http.StatusOK, 2},
		{"?limit=5000", http.StatusOK, 5},
		{"?limit=0", http.StatusBadRequest, 0},
		{"?limit=abc", http.StatusBadRequest, 0},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := h.do(t, http.MethodGet, "/api/events"+tt.query, nil)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want != http.StatusOK {
				return
			}
			events := decodeBody(t, w)["events"].([]any)
			if len(events) != tt.count {
				t.Errorf("len(events) = %d, want %d", len(events), tt.count)
			}
		})
	}
}

func TestEventHistory(t *testing.T) {
	h := setupAPI(t, config.APIConfig{})
	ctx := context.Background()
	for _, typ := range []event.Type{"doorbell", event.TypeCallService, "doorbell"} {
		if err := h.history.Insert(ctx, event.New(typ, map[string]any{"type": string(typ)}, event.Context{})); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}

	tests := []struct {
		query string
		want  int
		count int
	}{
		{"", http.StatusOK, 3},
		{"?type=doorbell", http.StatusOK, 2},
		{"?type=doorbell&type=call_service&limit=2", http.StatusOK, 2},
		{"?type=unknown", http.StatusOK, 0},
		{"?limit=-1", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			w := h.do(t, http.MethodGet, "/api/events/history"+tt.query, nil)
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d", w.Code, tt.want)
			}
			if tt.want != http.StatusOK {
				return
			}
			body := decodeBody(t, w)
			if got := len(body["events"].([]any)); got != tt.count {
				t.Errorf("len(events) = %d, want %d", got, tt.count)
			}
		})
	}
}

// ─── Lifecycle ──────────────────────────────────────────────────────

func TestServer_StartAndClose(t *testing.T) {
	h := setupAPI(t, config.APIConfig{
		Host:     "127.0.0.1",
		Port:     0,
		Timeouts: config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
	})

	if err := h.srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}
	if err := h.srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := h.srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	resp, err := http.Get("http://" + h.srv.Addr() + "/api/health")
	if err != nil {
		t.Fatalf("GET /api/health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	if err := h.srv.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestNew_RequiresLogger(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without logger should fail")
	}
}
