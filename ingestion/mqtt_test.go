package ingestion

import (
	"strings"
	"testing"
	"time"

	"ev-demand-analytics-engine/config"
)

type discardIngester struct{}

func (discardIngester) IngestJSON([]byte) error { return nil }

func TestMQTTSubscriber_ConnectTimeoutReleasesClient(t *testing.T) {
	cfg := config.DefaultConfig().Ingestion.MQTT
	cfg.Enabled = true
	cfg.Broker = "tcp://127.0.0.1:1"
	cfg.ConnectTimeout = config.Duration{Duration: 200 * time.Millisecond}

	sub := NewMQTTSubscriber(cfg, discardIngester{}, nil)

	start := time.Now()
	err := sub.Connect()
	if err == nil {
		t.Fatal("expected connect to an unreachable broker to fail")
	}
	if !strings.Contains(err.Error(), "127.0.0.1:1") {
		t.Errorf("error should name the broker, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("connect ignored the configured timeout, took %v", elapsed)
	}
	if sub.client != nil {
		t.Error("failed connect should not keep a retrying client")
	}

	// Close after a failed connect is a no-op
	sub.Close()
}

func TestMQTTSubscriber_CloseWithoutConnect(t *testing.T) {
	sub := NewMQTTSubscriber(config.DefaultConfig().Ingestion.MQTT, discardIngester{}, nil)
	sub.Close()
	if sub.client != nil {
		t.Error("client should stay nil")
	}
}
