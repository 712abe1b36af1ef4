//go:build integration

package mqtt

import (
	"errors"
	"sync"
	"testing"
	"time"
)

// Integration tests against a live broker.
// These tests require a running MQTT broker at 127.0.0.1:1883.
//
// Run with:
//   go test -tags=integration -v ./internal/infrastructure/mqtt/...

func connectTest(t *testing.T, clientID string) *Client {
	t.Helper()
	cfg := testConfig()
	cfg.Broker.ClientID = clientID

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect(%s) error = %v", clientID, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func TestIntegration_ConnectAndClose(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.ClientID = "graylogic-benq-int-close"

	client, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if !client.IsConnected() {
		t.Error("IsConnected() = false, want true")
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close(), want false")
	}
}

func TestIntegration_BrokerRefused(t *testing.T) {
	cfg := testConfig()
	cfg.Broker.Port = 19998

	_, err := Connect(cfg)
	if !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestIntegration_MessageRoundtrip(t *testing.T) {
	pub := connectTest(t, "graylogic-benq-int-pub")
	sub := connectTest(t, "graylogic-benq-int-sub")

	topic := Topics{}.BridgeState("benq", "int-projector")
	expected := `{"state":{"pow":"on"}}`
	received := make(chan string, 1)

	err := sub.Subscribe(topic, 1, func(_ string, payload []byte) error {
		select {
		case received <- string(payload):
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	if err := pub.Publish(topic, []byte(expected), 1, false); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case payload := <-received:
		if payload != expected {
			t.Errorf("Received payload = %q, want %q", payload, expected)
		}
	case <-time.After(5 * time.Second):
		t.Error("Timeout waiting for message")
	}
}

func TestIntegration_WildcardRequests(t *testing.T) {
	pub := connectTest(t, "graylogic-benq-int-wild-pub")
	sub := connectTest(t, "graylogic-benq-int-wild-sub")

	var mu sync.Mutex
	got := make(map[string]bool)

	err := sub.Subscribe(Topics{}.BridgeRequests("benq"), 1, func(topic string, _ []byte) error {
		mu.Lock()
		got[topic] = true
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	time.Sleep(100 * time.Millisecond)

	topics := []string{
		Topics{}.BridgeRequest("benq", "req-1"),
		Topics{}.BridgeRequest("benq", "req-2"),
	}
	for _, topic := range topics {
		if err := pub.Publish(topic, []byte(`{"action":"read_state"}`), 1, false); err != nil {
			t.Fatalf("Publish(%s) error = %v", topic, err)
		}
	}

	time.Sleep(500 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for _, topic := range topics {
		if !got[topic] {
			t.Errorf("Did not receive message for topic %s", topic)
		}
	}
}

func TestIntegration_PresenceRetained(t *testing.T) {
	connectTest(t, "graylogic-benq-int-presence")
	watcher := connectTest(t, "graylogic-benq-int-presence-watch")

	got := make(chan []byte, 1)
	err := watcher.Subscribe(Topics{}.SystemStatus("graylogic-benq-int-presence"), 1, func(_ string, payload []byte) error {
		select {
		case got <- payload:
		default:
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	select {
	case payload := <-got:
		if p := decodePresence(t, payload); p.Status != "online" {
			t.Errorf("presence status = %q, want online", p.Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no retained presence message")
	}
}
