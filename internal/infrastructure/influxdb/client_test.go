package influxdb

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/locker-kiosk-core/internal/infrastructure/config"
)

// testConfig returns a configuration for a local dev InfluxDB.
func testConfig() config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           "http://127.0.0.1:8086",
		Token:         "lockerkiosk-dev-token",
		Org:           "lockerkiosk",
		Bucket:        "telemetry",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

// connectOrSkip connects to the dev InfluxDB or skips the test.
func connectOrSkip(t *testing.T) *Client {
	t.Helper()
	client, err := Connect(testConfig())
	if err != nil {
		t.Skip("InfluxDB not available, skipping integration test")
	}
	t.Cleanup(func() { client.Close() }) //nolint:errcheck // Test cleanup
	return client
}

func lineOf(p *write.Point) string {
	return strings.TrimSpace(write.PointToLineProtocol(p, time.Second))
}

func TestConnect_Disabled(t *testing.T) {
	cfg := testConfig()
	cfg.Enabled = false

	if _, err := Connect(cfg); !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	cfg := testConfig()
	cfg.URL = "http://127.0.0.1:59999"

	if _, err := Connect(cfg); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestClientOptions(t *testing.T) {
	tests := []struct {
		name      string
		batch     int
		flush     int
		wantBatch uint
		wantFlush uint
	}{
		{"configured", 50, 2, 50, 2000},
		{"defaults", 0, 0, 100, 10000},
		{"negative", -1, -5, 100, 10000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.BatchSize = tt.batch
			cfg.FlushInterval = tt.flush

			opts := clientOptions(cfg)
			if opts.BatchSize() != tt.wantBatch {
				t.Errorf("BatchSize() = %d, want %d", opts.BatchSize(), tt.wantBatch)
			}
			if opts.FlushInterval() != tt.wantFlush {
				t.Errorf("FlushInterval() = %d, want %d", opts.FlushInterval(), tt.wantFlush)
			}
			if opts.Precision() != time.Millisecond {
				t.Errorf("Precision() = %v, want 1ms", opts.Precision())
			}
		})
	}
}

func TestPoints(t *testing.T) {
	at := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		point      *write.Point
		wantPrefix string
		wantFields []string
		absent     string
	}{
		{
			name: "transaction with locker",
			point: transactionPoint(TransactionOutcome{
				Kind: "rental", Status: "completed", LockerNumber: "M01",
				Duration: 12500 * time.Millisecond, SensorEvents: 2, EndedAt: at,
			}),
			wantPrefix: "transaction_outcome,kind=rental,locker=M01,status=completed ",
			wantFields: []string{"duration_seconds=12.5", "sensor_events=2i", "count=1i"},
		},
		{
			name:       "transaction without locker",
			point:      transactionPoint(TransactionOutcome{Kind: "return", Status: "timeout", EndedAt: at}),
			wantPrefix: "transaction_outcome,kind=return,status=timeout ",
			absent:     "locker=",
		},
		{
			name: "sensor event",
			point: sensorPoint(SensorSample{
				LockerNumber: "S01", ChipIndex: 1, Pin: 3, State: "LOW", Outcome: "completed", At: at,
			}),
			wantPrefix: "sensor_event,locker=S01,outcome=completed,state=LOW ",
			wantFields: []string{"chip=1i", "pin=3i"},
		},
		{
			name:       "unmapped sensor event",
			point:      sensorPoint(SensorSample{ChipIndex: 4, Pin: 15, State: "HIGH", Outcome: "unmapped", At: at}),
			wantPrefix: "sensor_event,outcome=unmapped,state=HIGH ",
			absent:     "locker=",
		},
		{
			name: "device sample",
			point: devicePoint(DeviceSample{
				DeviceID: "esp32_motor1", Role: "motor_controller", Online: true,
				MessagesSent: 4, MessagesReceived: 9, Errors: 1, At: at,
			}),
			wantPrefix: "device_counters,device_id=esp32_motor1,role=motor_controller ",
			wantFields: []string{"online=1i", "messages_sent=4u", "messages_received=9u", "errors=1u"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line := lineOf(tt.point)
			if !strings.HasPrefix(line, tt.wantPrefix) {
				t.Errorf("line = %q, want prefix %q", line, tt.wantPrefix)
			}
			for _, f := range tt.wantFields {
				if !strings.Contains(line, f) {
					t.Errorf("line = %q, missing %q", line, f)
				}
			}
			if tt.absent != "" && strings.Contains(line, tt.absent) {
				t.Errorf("line = %q, must not contain %q", line, tt.absent)
			}
			if !strings.HasSuffix(line, " 1791968400") {
				t.Errorf("line = %q, want timestamp of the sample", line)
			}
		})
	}
}

func TestPoints_DefaultTime(t *testing.T) {
	before := time.Now()
	p := sensorPoint(SensorSample{State: "LOW", Outcome: "unmatched"})
	if p.Time().Before(before) {
		t.Errorf("Time() = %v, want now", p.Time())
	}
}

func TestWrites_Disconnected(t *testing.T) {
	// A disconnected client drops points rather than touching the nil API.
	c := &Client{}
	c.WriteTransactionOutcome(TransactionOutcome{Kind: "rental", Status: "completed"})
	c.WriteSensorEvent(SensorSample{State: "LOW"})
	c.WriteDeviceSample(DeviceSample{DeviceID: "esp32_motor1"})
	c.WriteKioskGauge("site", map[string]interface{}{"active_transactions": 1})
	c.WritePoint("custom", nil, map[string]interface{}{"v": 1})
	c.Flush()

	if got := c.Stats(); got.Dropped != 5 || got.Queued != 0 {
		t.Errorf("Stats() = %+v, want 5 dropped and none queued", got)
	}
	if err := c.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() error = %v, want ErrNotConnected", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestIntegration_WriteAndHealth(t *testing.T) {
	client := connectOrSkip(t)

	client.WriteTransactionOutcome(TransactionOutcome{Kind: "rental", Status: "completed", LockerNumber: "M01", Duration: time.Second})
	client.WriteSensorEvent(SensorSample{LockerNumber: "M01", State: "LOW", Outcome: "completed"})
	client.WriteDeviceSample(DeviceSample{DeviceID: "esp32_motor1", Role: "motor_controller", Online: true})
	client.WriteKioskGauge("test-site", map[string]interface{}{"active_transactions": 0})
	client.Flush()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.HealthCheck(ctx); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
}
