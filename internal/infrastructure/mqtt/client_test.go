package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/locker-kiosk-core/internal/infrastructure/config"
)

// testConfig returns a valid MQTT configuration for testing.
// Broker tests need a Mosquitto broker at 127.0.0.1:1883 and skip otherwise.
func testConfig() config.MQTTConfig {
	return config.MQTTConfig{
		Enabled: true,
		Broker: config.MQTTBrokerConfig{
			Host:     "127.0.0.1",
			Port:     1883,
			ClientID: "lockerkiosk-test",
		},
		QoS: 1,
		Reconnect: config.MQTTReconnectConfig{
			InitialDelay: 1,
			MaxDelay:     5,
		},
	}
}

var (
	brokerOnce      sync.Once
	brokerAvailable bool
)

// connectOrSkip connects with clientID, skipping the test when no broker
// is running.
func connectOrSkip(t *testing.T, clientID string) *Client {
	t.Helper()

	brokerOnce.Do(func() {
		cfg := testConfig()
		cfg.Broker.ClientID = "lockerkiosk-test-probe"
		c, err := Connect(cfg)
		if err == nil {
			brokerAvailable = true
			c.Close() //nolint:errcheck // probe
		}
	})
	if !brokerAvailable {
		t.Skip("MQTT broker not available, skipping broker test")
	}

	cfg := testConfig()
	cfg.Broker.ClientID = clientID
	c, err := Connect(cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { c.Close() }) //nolint:errcheck // Test cleanup
	return c
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	if _, err := Connect(cfg); !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestBuildClientOptions(t *testing.T) {
	tests := []struct {
		name       string
		tls        bool
		username   string
		wantScheme string
	}{
		{"plain", false, "", "tcp"},
		{"tls with auth", true, "kiosk", "ssl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Broker.TLS = tt.tls
			cfg.Auth.Username = tt.username
			cfg.Auth.Password = "secret"

			opts := buildClientOptions(cfg)
			if len(opts.Servers) != 1 || opts.Servers[0].Scheme != tt.wantScheme {
				t.Fatalf("Servers = %v, want one %s broker", opts.Servers, tt.wantScheme)
			}
			if opts.Servers[0].Host != "127.0.0.1:1883" {
				t.Errorf("broker host = %s", opts.Servers[0].Host)
			}
			if opts.ClientID != "lockerkiosk-test" {
				t.Errorf("ClientID = %s", opts.ClientID)
			}
			if opts.Username != tt.username {
				t.Errorf("Username = %q, want %q", opts.Username, tt.username)
			}
			if tt.tls && (opts.TLSConfig == nil || opts.TLSConfig.MinVersion != tlsMinVersion) {
				t.Errorf("TLSConfig = %+v", opts.TLSConfig)
			}
			if !opts.AutoReconnect || !opts.CleanSession {
				t.Error("AutoReconnect and CleanSession must be set")
			}
		})
	}
}

func TestLWT(t *testing.T) {
	opts := buildClientOptions(testConfig())
	configureLWT(opts, "lockerkiosk-test")

	if !opts.WillEnabled || opts.WillTopic != "lockerkiosk/system/status" || !opts.WillRetained {
		t.Fatalf("will = %v %s retained=%v", opts.WillEnabled, opts.WillTopic, opts.WillRetained)
	}

	var p statusPayload
	if err := json.Unmarshal(opts.WillPayload, &p); err != nil {
		t.Fatalf("will payload: %v", err)
	}
	if p.Status != "offline" || p.Reason != "unexpected_disconnect" || p.ClientID != "lockerkiosk-test" {
		t.Errorf("will payload = %+v", p)
	}
}

func TestStatusPayloads(t *testing.T) {
	tests := []struct {
		name       string
		payload    []byte
		wantStatus string
		wantReason string
	}{
		{"online", buildOnlinePayload("kiosk"), "online", ""},
		{"offline", buildOfflinePayload("kiosk"), "offline", "graceful_shutdown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var p statusPayload
			if err := json.Unmarshal(tt.payload, &p); err != nil {
				t.Fatalf("Unmarshal() error = %v", err)
			}
			if p.Status != tt.wantStatus || p.Reason != tt.wantReason || p.ClientID != "kiosk" {
				t.Errorf("payload = %+v", p)
			}
			if _, err := time.Parse(time.RFC3339, p.Timestamp); err != nil {
				t.Errorf("timestamp %q: %v", p.Timestamp, err)
			}
		})
	}
}

func TestClient_NotConnected(t *testing.T) {
	c := &Client{subs: newSubscriptions()}
	handler := func(string, []byte) error { return nil }

	tests := []struct {
		name    string
		call    func() error
		wantErr error
	}{
		{"publish empty topic", func() error { return c.Publish("", nil, 1, false) }, ErrInvalidTopic},
		{"publish bad qos", func() error { return c.Publish("lockerkiosk/x", nil, 3, false) }, ErrInvalidQoS},
		{"publish oversize", func() error { return c.Publish("lockerkiosk/x", make([]byte, maxPayloadSize+1), 1, false) }, ErrPublishFailed},
		{"publish disconnected", func() error { return c.Publish("lockerkiosk/x", nil, 1, false) }, ErrNotConnected},
		{"publish json disconnected", func() error { return c.PublishJSON("lockerkiosk/x", map[string]int{"a": 1}, false) }, ErrNotConnected},
		{"publish json unmarshalable", func() error { return c.PublishJSON("lockerkiosk/x", func() {}, false) }, ErrPublishFailed},
		{"subscribe nil handler", func() error { return c.Subscribe("lockerkiosk/x", 1, nil) }, ErrSubscribeFailed},
		{"subscribe disconnected", func() error { return c.Subscribe("lockerkiosk/x", 1, handler) }, ErrNotConnected},
		{"unsubscribe empty topic", func() error { return c.Unsubscribe("") }, ErrInvalidTopic},
		{"health check", func() error { return c.HealthCheck(context.Background()) }, ErrNotConnected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.call(); !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if c.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d, want 0", c.SubscriptionCount())
	}
	if err := (&Client{}).Close(); err != nil {
		t.Errorf("Close() on unconnected client error = %v", err)
	}
}

// fakeMessage is a received message for handler tests.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 1 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}

func TestWrapHandler(t *testing.T) {
	c := &Client{subs: newSubscriptions()}
	msg := fakeMessage{topic: "lockerkiosk/system/health/request", payload: []byte("{}")}

	var got string
	c.wrapHandler(func(topic string, payload []byte) error {
		got = topic + " " + string(payload)
		return nil
	})(nil, msg)
	if got != "lockerkiosk/system/health/request {}" {
		t.Errorf("handler saw %q", got)
	}

	c.wrapHandler(func(string, []byte) error { return errors.New("boom") })(nil, msg)
	c.wrapHandler(func(string, []byte) error { panic("handler bug") })(nil, msg)

	st := c.Stats()
	if st.Received != 3 || st.HandlerErrors != 2 {
		t.Errorf("Stats() = %+v, want 3 received and 2 handler errors", st)
	}
}

func TestTopicBuilders(t *testing.T) {
	topics := Topics{}
	tests := []struct {
		got  string
		want string
	}{
		{topics.SystemStatus(), "lockerkiosk/system/status"},
		{topics.SystemHealth(), "lockerkiosk/system/health"},
		{topics.HealthRequest(), "lockerkiosk/system/health/request"},
		{topics.TransactionState("tx-1"), "lockerkiosk/transaction/tx-1/state"},
		{topics.LockerState("M01"), "lockerkiosk/locker/M01/state"},
		{topics.SensorEvent("M01"), "lockerkiosk/sensor/M01/event"},
		{topics.DeviceStatus("esp32_motor1"), "lockerkiosk/device/esp32_motor1/status"},
		{topics.DeviceEvent("esp32_barcode"), "lockerkiosk/device/esp32_barcode/event"},
		{topics.AllTransactionStates(), "lockerkiosk/transaction/+/state"},
		{topics.AllSensorEvents(), "lockerkiosk/sensor/+/event"},
		{topics.AllDeviceStatus(), "lockerkiosk/device/+/status"},
		{topics.AllTopics(), "lockerkiosk/#"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("topic = %q, want %q", tt.got, tt.want)
			}
			if !strings.HasPrefix(tt.got, TopicPrefix+"/") {
				t.Errorf("topic %q lacks prefix", tt.got)
			}
		})
	}
}

func TestPublishSubscribeRoundtrip(t *testing.T) {
	client := connectOrSkip(t, "lockerkiosk-test-roundtrip")

	received := make(chan []byte, 1)
	err := client.Subscribe(Topics{}.AllSensorEvents(), 1, func(_ string, payload []byte) error {
		received <- payload
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if !client.HasSubscription(Topics{}.AllSensorEvents()) {
		t.Error("HasSubscription() = false after Subscribe")
	}

	// Give the broker a moment to register the subscription.
	time.Sleep(100 * time.Millisecond)

	if err := client.PublishJSON(Topics{}.SensorEvent("M01"), map[string]string{"state": "LOW"}, false); err != nil {
		t.Fatalf("PublishJSON() error = %v", err)
	}

	select {
	case payload := <-received:
		if string(payload) != `{"state":"LOW"}` {
			t.Errorf("payload = %s", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not received")
	}

	if err := client.Unsubscribe(Topics{}.AllSensorEvents()); err != nil {
		t.Errorf("Unsubscribe() error = %v", err)
	}
	if client.SubscriptionCount() != 0 {
		t.Errorf("SubscriptionCount() = %d after Unsubscribe", client.SubscriptionCount())
	}
}

func TestHealthCheck_Connected(t *testing.T) {
	client := connectOrSkip(t, "lockerkiosk-test-health")

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := client.HealthCheck(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("HealthCheck(cancelled) error = %v, want context.Canceled", err)
	}
}
