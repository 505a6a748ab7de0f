package influxdb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nerrad567/homecore/internal/infrastructure/config"
)

func TestConnect_Disabled(t *testing.T) {
	_, err := Connect(context.Background(), config.InfluxDBConfig{Enabled: false})
	if !errors.Is(err, ErrDisabled) {
		t.Fatalf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := Connect(ctx, config.InfluxDBConfig{
		Enabled: true,
		URL:     "http://127.0.0.1:1",
		Token:   "token",
		Org:     "home",
		Bucket:  "telemetry",
	})
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestClient_DisconnectedWritesAreNoops(t *testing.T) {
	c := &Client{}
	if c.IsConnected() {
		t.Fatal("zero client reports connected")
	}
	// Must not touch the nil write API.
	c.WriteEntityValues("sensor.x", "sensor", map[string]float64{"state": 1}, time.Now())
	c.WritePoint("m", nil, map[string]interface{}{"v": 1}, time.Now())
	c.Flush()

	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
