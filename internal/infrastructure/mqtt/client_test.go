package mqtt

import (
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nerrad567/homecore/internal/infrastructure/config"
)

func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     19999,
			ClientID: "homecore-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

type recordingLogger struct {
	mu     sync.Mutex
	errors []string
	warns  []string
}

func (l *recordingLogger) Error(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errors = append(l.errors, msg)
}

func (l *recordingLogger) Warn(msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

// ─── Topics ─────────────────────────────────────────────────────────

func TestTopics_Build(t *testing.T) {
	topics := Topics{Prefix: "home/"}
	tests := []struct{ got, want string }{
		{topics.State("sensor.door"), "home/state/sensor.door"},
		{topics.Event("button_press"), "home/event/button_press"},
		{topics.Discovery("light.hall"), "home/discovery/light.hall"},
		{topics.Command("light.hall"), "home/command/light.hall"},
		{topics.Status(), "home/status"},
		{topics.AllOf(KindState), "home/state/+"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("topic = %q, want %q", tt.got, tt.want)
		}
	}

	if got := (Topics{}).State("x.y"); got != "homecore/state/x.y" {
		t.Errorf("default prefix topic = %q", got)
	}
}

func TestTopics_Parse(t *testing.T) {
	topics := Topics{Prefix: "homecore"}
	tests := []struct {
		topic    string
		wantKind string
		wantKey  string
		wantOK   bool
	}{
		{"homecore/state/sensor.door", KindState, "sensor.door", true},
		{"homecore/event/doorbell", KindEvent, "doorbell", true},
		{"homecore/status", "", "", false},
		{"other/state/sensor.door", "", "", false},
		{"homecore/state/", "", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.topic, func(t *testing.T) {
			kind, key, ok := topics.Parse(tt.topic)
			if ok != tt.wantOK || kind != tt.wantKind || key != tt.wantKey {
				t.Errorf("Parse(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.topic, kind, key, ok, tt.wantKind, tt.wantKey, tt.wantOK)
			}
		})
	}
}

// ─── Options ────────────────────────────────────────────────────────

func TestBrokerURL(t *testing.T) {
	cfg := testConfig()
	if got := brokerURL(cfg); got != "tcp://127.0.0.1:19999" {
		t.Errorf("brokerURL() = %q", got)
	}
	cfg.Broker.TLS = true
	if got := brokerURL(cfg); !strings.HasPrefix(got, "ssl://") {
		t.Errorf("brokerURL() with TLS = %q, want ssl scheme", got)
	}
}

func TestStatusPayloads(t *testing.T) {
	if p := buildOnlinePayload("core"); !strings.Contains(p, `"status":"online"`) {
		t.Errorf("online payload = %s", p)
	}
	if p := buildOfflinePayload("core"); !strings.Contains(p, "graceful_shutdown") {
		t.Errorf("offline payload = %s", p)
	}
}

// ─── Validation without a broker ────────────────────────────────────

func TestPublish_Validation(t *testing.T) {
	c := newClient(testConfig(), Topics{})

	tests := []struct {
		name    string
		topic   string
		payload []byte
		qos     byte
		want    error
	}{
		{"empty topic", "", []byte("x"), 1, ErrInvalidTopic},
		{"bad qos", "a/b", []byte("x"), 3, ErrInvalidQoS},
		{"too large", "a/b", make([]byte, maxPayloadSize+1), 1, ErrPublishFailed},
		{"not connected", "a/b", []byte("x"), 1, ErrNotConnected},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.Publish(tt.topic, tt.payload, tt.qos, false)
			if !errors.Is(err, tt.want) {
				t.Errorf("Publish() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestSubscribe_Validation(t *testing.T) {
	c := newClient(testConfig(), Topics{})
	noop := func(string, []byte) error { return nil }

	if err := c.Subscribe("", 1, noop); !errors.Is(err, ErrInvalidTopic) {
		t.Errorf("empty topic error = %v", err)
	}
	if err := c.Subscribe("a/b", 5, noop); !errors.Is(err, ErrInvalidQoS) {
		t.Errorf("bad qos error = %v", err)
	}
	if err := c.Subscribe("a/b", 1, nil); !errors.Is(err, ErrSubscribeFailed) {
		t.Errorf("nil handler error = %v", err)
	}
	if err := c.Subscribe("a/b", 1, noop); !errors.Is(err, ErrNotConnected) {
		t.Errorf("disconnected error = %v", err)
	}
	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", c.SubscriptionCount())
	}
}

func TestDeliver_RecoversPanics(t *testing.T) {
	c := newClient(testConfig(), Topics{})
	logger := &recordingLogger{}
	c.SetLogger(logger)

	c.deliver(func(string, []byte) error { panic("boom") }, "a/b", nil)
	c.deliver(func(string, []byte) error { return errors.New("bad payload") }, "a/b", nil)

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.errors) != 1 {
		t.Errorf("panic logs = %d, want 1", len(logger.errors))
	}
	if len(logger.warns) != 1 {
		t.Errorf("error logs = %d, want 1", len(logger.warns))
	}
}
