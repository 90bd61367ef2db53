package hardware

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/locker-kiosk-core/internal/protocol"
)

var testDevices = []DeviceConfig{
	{ID: "esp32_barcode", Endpoint: "/dev/ttyUSB0", Role: RoleScanner},
	{ID: "esp32_motor1", Endpoint: "/dev/ttyUSB1", Role: RoleMotorController},
	{ID: "esp32_motor2", Endpoint: "/dev/ttyUSB2", Role: RoleMotorController, Format: FormatJSON},
}

func testOptions() Options {
	return Options{
		PollInterval:      time.Millisecond,
		ErrorCooldown:     2 * time.Millisecond,
		WriteTimeout:      50 * time.Millisecond,
		ReconnectInterval: 5 * time.Millisecond,
		SweepInterval:     5 * time.Millisecond,
		StopTimeout:       time.Second,
	}
}

// newTestManager returns a connected manager over fake ports.
func newTestManager(t *testing.T, opts Options) (*Manager, *fakeOpener) {
	t.Helper()
	opener := newFakeOpener()
	m := NewManager(opts, opener.Open)
	for _, d := range testDevices {
		if err := m.AddDevice(d); err != nil {
			t.Fatalf("AddDevice(%s) error = %v", d.ID, err)
		}
	}
	if !m.ConnectAll(context.Background()) {
		t.Fatal("ConnectAll() = false")
	}
	t.Cleanup(func() {
		m.Stop() //nolint:errcheck // test cleanup
	})
	return m, opener
}

func collect(m *Manager, types ...EventType) <-chan Event {
	ch := make(chan Event, 32)
	for _, typ := range types {
		m.Subscribe(typ, HandlerFunc(func(_ context.Context, ev Event) error {
			ch <- ev
			return nil
		}))
	}
	return ch
}

func waitEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestManager_AddDevice(t *testing.T) {
	tests := []struct {
		name    string
		cfg     DeviceConfig
		wantErr bool
	}{
		{"valid", DeviceConfig{ID: "d1", Endpoint: "/dev/ttyUSB9", Role: RoleScanner}, false},
		{"missing id", DeviceConfig{Endpoint: "/dev/ttyUSB9", Role: RoleScanner}, true},
		{"missing endpoint", DeviceConfig{ID: "d2", Role: RoleScanner}, true},
		{"bad role", DeviceConfig{ID: "d3", Endpoint: "/dev/x", Role: "printer"}, true},
		{"bad format", DeviceConfig{ID: "d4", Endpoint: "/dev/x", Role: RoleScanner, Format: "xml"}, true},
		{"duplicate", DeviceConfig{ID: "d1", Endpoint: "/dev/x", Role: RoleScanner}, true},
	}

	m := NewManager(Options{}, newFakeOpener().Open)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := m.AddDevice(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("AddDevice() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidDevice) {
				t.Errorf("error = %v, want ErrInvalidDevice", err)
			}
		})
	}

	st, ok := m.DeviceStatus("d1")
	if !ok {
		t.Fatal("DeviceStatus(d1) not found")
	}
	if st.Format != FormatText || st.Online {
		t.Errorf("status = %+v, want text format and offline", st)
	}
}

func TestManager_ConnectAll_PartialFailure(t *testing.T) {
	opener := newFakeOpener()
	opener.fail["/dev/ttyUSB1"] = errors.New("no such device")

	m := NewManager(testOptions(), opener.Open)
	for _, d := range testDevices {
		if err := m.AddDevice(d); err != nil {
			t.Fatalf("AddDevice() error = %v", err)
		}
	}

	if m.ConnectAll(context.Background()) {
		t.Fatal("ConnectAll() = true with a failing device")
	}

	online := map[string]bool{}
	for _, st := range m.AllDeviceStatus() {
		online[st.ID] = st.Online
	}
	if !online["esp32_barcode"] || online["esp32_motor1"] || !online["esp32_motor2"] {
		t.Errorf("online = %v", online)
	}

	st, _ := m.DeviceStatus("esp32_motor1")
	if st.Errors != 1 || !strings.Contains(st.LastError, "no such device") {
		t.Errorf("failed device status = %+v", st)
	}
	if p := opener.port("/dev/ttyUSB0"); p == nil || p.timeout != DefaultReadTimeout {
		t.Error("read timeout not applied to opened port")
	}

	if got := m.Stats(); got.Devices != 3 || got.Online != 2 {
		t.Errorf("Stats() = %+v", got)
	}
}

func TestManager_Inject_Dispatch(t *testing.T) {
	tests := []struct {
		name string
		line string
		want EventType
	}{
		{"barcode", "BARCODE:123456", EventBarcodeScanned},
		{"raw barcode", "20231234", EventBarcodeScanned},
		{"qr", "QR:hello", EventQRScanned},
		{"sensor", `{"event_type":"sensor_triggered","data":{"chip_idx":0,"addr":"0x20","pin":3,"state":"LOW"}}`, EventSensorTriggered},
		{"status", "STATUS:door=closed", EventDeviceStatus},
		{"heartbeat", "HEARTBEAT", EventDeviceStatus},
		{"plain response", "RESP:CMD_0042:OK", EventDeviceStatus},
		{"motor", `{"event_type":"motor_completed","data":{"action":"open","status":"completed"}}`, EventMotorCompleted},
		{"error", "ERROR:jam", EventDeviceError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, _ := newTestManager(t, testOptions())
			ch := collect(m, EventBarcodeScanned, EventQRScanned, EventSensorTriggered,
				EventDeviceStatus, EventMotorCompleted, EventDeviceError)

			if err := m.Inject(context.Background(), "esp32_motor1", tt.line); err != nil {
				t.Fatalf("Inject() error = %v", err)
			}
			ev := waitEvent(t, ch)
			if ev.Type != tt.want {
				t.Errorf("Type = %v, want %v", ev.Type, tt.want)
			}
			if ev.DeviceID != "esp32_motor1" || ev.Role != RoleMotorController {
				t.Errorf("event attributed to %s/%s", ev.DeviceID, ev.Role)
			}
			if len(ch) != 0 {
				t.Errorf("%d extra events dispatched", len(ch))
			}
		})
	}
}

func TestManager_Inject_NotDispatched(t *testing.T) {
	m, _ := newTestManager(t, testOptions())
	ch := collect(m, EventBarcodeScanned, EventQRScanned, EventSensorTriggered,
		EventDeviceStatus, EventMotorCompleted, EventDeviceError)

	for _, line := range []string{"garbage text", "CMD:CMD_0001:PING", "RESP:broken", ""} {
		if err := m.Inject(context.Background(), "esp32_barcode", line); err != nil {
			t.Fatalf("Inject(%q) error = %v", line, err)
		}
	}
	if len(ch) != 0 {
		t.Errorf("dispatched %d events, want 0", len(ch))
	}

	st, _ := m.DeviceStatus("esp32_barcode")
	if st.MessagesReceived != 2 {
		t.Errorf("MessagesReceived = %d, want 2 (unknown and echo)", st.MessagesReceived)
	}
	if ps := m.Handler().Stats(); ps.ParseErrors != 1 || ps.InvalidMessages != 2 {
		t.Errorf("protocol stats = %+v", ps)
	}

	if err := m.Inject(context.Background(), "nope", "HEARTBEAT"); !errors.Is(err, ErrDeviceNotFound) {
		t.Errorf("Inject(unknown device) error = %v", err)
	}
}

func TestManager_HandlerIsolation(t *testing.T) {
	m, _ := newTestManager(t, testOptions())

	var order []string
	m.Subscribe(EventBarcodeScanned, HandlerFunc(func(context.Context, Event) error {
		order = append(order, "panics")
		panic("boom")
	}))
	m.Subscribe(EventBarcodeScanned, HandlerFunc(func(context.Context, Event) error {
		order = append(order, "fails")
		return errors.New("handler failed")
	}))
	m.Subscribe(EventBarcodeScanned, HandlerFunc(func(context.Context, Event) error {
		order = append(order, "ok")
		return nil
	}))

	if err := m.Inject(context.Background(), "esp32_barcode", "BARCODE:999999"); err != nil {
		t.Fatalf("Inject() error = %v", err)
	}
	if strings.Join(order, ",") != "panics,fails,ok" {
		t.Errorf("handler order = %v", order)
	}
}

func TestManager_ReadLoop(t *testing.T) {
	m, opener := newTestManager(t, testOptions())
	scans := collect(m, EventBarcodeScanned)
	status := collect(m, EventDeviceStatus)

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() error = %v, want ErrAlreadyRunning", err)
	}

	port := opener.port("/dev/ttyUSB0")
	port.feed("BARC")
	time.Sleep(5 * time.Millisecond)
	port.feed("ODE:777777\nHEART")
	port.feed("BEAT\n")

	ev := waitEvent(t, scans)
	if scan := ev.Message.Payload.(protocol.BarcodeScan); scan.Barcode != "777777" {
		t.Errorf("Barcode = %q, want 777777", scan.Barcode)
	}
	if ev := waitEvent(t, status); ev.Message.Kind != protocol.KindHeartbeat {
		t.Errorf("status kind = %v, want heartbeat", ev.Message.Kind)
	}

	st, _ := m.DeviceStatus("esp32_barcode")
	if st.MessagesReceived != 2 || st.LastSeen.IsZero() {
		t.Errorf("status = %+v", st)
	}
}

func TestManager_ResponseCompletesPending(t *testing.T) {
	m, opener := newTestManager(t, testOptions())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	id, err := m.SendCommand(context.Background(), "esp32_motor1", protocol.Ping{})
	if err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	if !m.Handler().IsPending(id) {
		t.Fatal("command not pending after send")
	}

	opener.port("/dev/ttyUSB1").feed("RESP:" + id + ":OK\n")
	waitFor(t, "command completion", func() bool { return !m.Handler().IsPending(id) })
}

func TestManager_SweeperExpiresPending(t *testing.T) {
	opts := testOptions()
	opts.CommandTimeout = 10 * time.Millisecond
	m, _ := newTestManager(t, opts)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	id, err := m.SendCommand(context.Background(), "esp32_motor1", protocol.Ping{})
	if err != nil {
		t.Fatalf("SendCommand() error = %v", err)
	}
	waitFor(t, "pending sweep", func() bool { return !m.Handler().IsPending(id) })
}

func TestManager_SendCommand(t *testing.T) {
	tests := []struct {
		name     string
		device   string
		cmd      protocol.Command
		endpoint string
		want     string
		wantErr  error
	}{
		{
			name: "text open locker", device: "esp32_motor1", cmd: protocol.OpenLocker{LockerID: "M01"},
			endpoint: "/dev/ttyUSB1", want: "CMD:CMD_0001:LOCKER:OPEN:M01:5000\n",
		},
		{
			name: "json open locker", device: "esp32_motor2", cmd: protocol.OpenLocker{LockerID: "F03"},
			endpoint: "/dev/ttyUSB2", want: `{"cmd_id":"CMD_0001","command":"open_locker","duration_ms":3000,"locker_id":"F03"}` + "\n",
		},
		{
			name: "scanner status", device: "esp32_barcode", cmd: protocol.StatusRequest{},
			endpoint: "/dev/ttyUSB0", want: "CMD:CMD_0001:STATUS:REQUEST\n",
		},
		{name: "scanner rejects locker", device: "esp32_barcode", cmd: protocol.OpenLocker{LockerID: "M01"}, wantErr: ErrUnsupportedCommand},
		{name: "scanner rejects motor", device: "esp32_barcode", cmd: protocol.MotorMove{Revs: 1}, wantErr: ErrUnsupportedCommand},
		{name: "unknown device", device: "esp32_ghost", cmd: protocol.Ping{}, wantErr: ErrDeviceNotFound},
		{name: "invalid command", device: "esp32_motor1", cmd: protocol.OpenLocker{}, wantErr: protocol.ErrInvalidCommand},
		{name: "nil command", device: "esp32_motor1", cmd: nil, wantErr: ErrUnsupportedCommand},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, opener := newTestManager(t, testOptions())

			id, err := m.SendCommand(context.Background(), tt.device, tt.cmd)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("SendCommand() error = %v, want %v", err, tt.wantErr)
				}
				if m.Handler().Stats().PendingCommands != 0 {
					t.Error("failed send left a pending command")
				}
				return
			}
			if err != nil {
				t.Fatalf("SendCommand() error = %v", err)
			}
			if id != "CMD_0001" {
				t.Errorf("id = %q, want CMD_0001", id)
			}
			if got := opener.port(tt.endpoint).written(); got != tt.want {
				t.Errorf("written = %q, want %q", got, tt.want)
			}
			if st, _ := m.DeviceStatus(tt.device); st.MessagesSent != 1 {
				t.Errorf("MessagesSent = %d, want 1", st.MessagesSent)
			}
		})
	}
}

func TestManager_SendCommand_Offline(t *testing.T) {
	opener := newFakeOpener()
	opener.fail["/dev/ttyUSB1"] = errors.New("unplugged")
	m := NewManager(testOptions(), opener.Open)
	if err := m.AddDevice(testDevices[1]); err != nil {
		t.Fatalf("AddDevice() error = %v", err)
	}
	m.ConnectAll(context.Background())

	if _, err := m.SendCommand(context.Background(), "esp32_motor1", protocol.Ping{}); !errors.Is(err, ErrDeviceOffline) {
		t.Errorf("SendCommand() error = %v, want ErrDeviceOffline", err)
	}
}

func TestManager_SendCommand_WriteFailure(t *testing.T) {
	tests := []struct {
		name  string
		setup func(p *fakePort)
	}{
		{"write error", func(p *fakePort) { p.writeErr = errors.New("i/o error") }},
		{"write timeout", func(p *fakePort) { p.block = make(chan struct{}) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, opener := newTestManager(t, testOptions())
			port := opener.port("/dev/ttyUSB1")
			port.set(tt.setup)

			_, err := m.SendCommand(context.Background(), "esp32_motor1", protocol.OpenLocker{LockerID: "M01"})
			if !errors.Is(err, ErrWriteFailed) {
				t.Fatalf("SendCommand() error = %v, want ErrWriteFailed", err)
			}

			st, _ := m.DeviceStatus("esp32_motor1")
			if st.Online || st.Errors != 1 {
				t.Errorf("status after failed write = %+v", st)
			}
			if !port.isClosed() {
				t.Error("port not closed after failed write")
			}
			if n := m.Handler().Stats().PendingCommands; n != 0 {
				t.Errorf("PendingCommands = %d, want 0", n)
			}
		})
	}
}

func TestManager_SendCommand_AbandonedWrite(t *testing.T) {
	tests := []struct {
		name string
		ctx  func() (context.Context, context.CancelFunc)
	}{
		{"write timeout", func() (context.Context, context.CancelFunc) {
			return context.WithCancel(context.Background())
		}},
		{"context cancelled", func() (context.Context, context.CancelFunc) {
			return context.WithTimeout(context.Background(), 5*time.Millisecond)
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, opener := newTestManager(t, testOptions())
			port := opener.port("/dev/ttyUSB1")
			port.set(func(p *fakePort) { p.block = make(chan struct{}) })

			ctx, cancel := tt.ctx()
			defer cancel()
			if _, err := m.SendCommand(ctx, "esp32_motor1", protocol.OpenLocker{LockerID: "M01"}); !errors.Is(err, ErrWriteFailed) {
				t.Fatalf("SendCommand() error = %v, want ErrWriteFailed", err)
			}

			if !port.isClosed() {
				t.Fatal("port still open after abandoned write")
			}
			if st, _ := m.DeviceStatus("esp32_motor1"); st.Online {
				t.Error("device online after abandoned write")
			}
			waitFor(t, "abandoned write to return", func() bool { return port.writeCount() == 1 })
			if got := port.written(); got != "" {
				t.Errorf("abandoned write landed: %q", got)
			}
			if _, err := m.SendCommand(context.Background(), "esp32_motor1", protocol.Ping{}); !errors.Is(err, ErrDeviceOffline) {
				t.Errorf("next SendCommand() error = %v, want ErrDeviceOffline", err)
			}
		})
	}
}

func TestManager_ReconnectAfterWriteFailure(t *testing.T) {
	m, opener := newTestManager(t, testOptions())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	opener.port("/dev/ttyUSB1").set(func(p *fakePort) { p.writeErr = errors.New("gone") })
	if _, err := m.SendCommand(context.Background(), "esp32_motor1", protocol.Ping{}); err == nil {
		t.Fatal("SendCommand() succeeded on a failing port")
	}

	waitFor(t, "reconnect", func() bool {
		st, _ := m.DeviceStatus("esp32_motor1")
		return st.Online && opener.openCount("/dev/ttyUSB1") >= 2
	})

	if _, err := m.SendCommand(context.Background(), "esp32_motor1", protocol.Ping{}); err != nil {
		t.Errorf("SendCommand() after reconnect error = %v", err)
	}
}

func TestManager_ReadErrorsCloseAndReconnect(t *testing.T) {
	m, opener := newTestManager(t, testOptions())
	first := opener.port("/dev/ttyUSB2")
	first.set(func(p *fakePort) { p.readErr = errors.New("framing error") })

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, "port replaced", func() bool {
		return first.isClosed() && opener.openCount("/dev/ttyUSB2") >= 2
	})
	st, _ := m.DeviceStatus("esp32_motor2")
	if st.Errors < maxReadErrors {
		t.Errorf("Errors = %d, want at least %d", st.Errors, maxReadErrors)
	}
}

func TestManager_Stop(t *testing.T) {
	m, opener := newTestManager(t, testOptions())
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	for _, ep := range []string{"/dev/ttyUSB0", "/dev/ttyUSB1", "/dev/ttyUSB2"} {
		if !opener.port(ep).isClosed() {
			t.Errorf("port %s still open", ep)
		}
	}
	if m.Stats().Online != 0 {
		t.Error("devices online after Stop")
	}
	if err := m.Stop(); err != nil {
		t.Errorf("second Stop() error = %v", err)
	}

	// The manager can be started again after a stop.
	if err := m.Start(context.Background()); err != nil {
		t.Errorf("Start() after Stop error = %v", err)
	}
}

func TestRole_Accepts(t *testing.T) {
	tests := []struct {
		role Role
		cmd  protocol.Command
		want bool
	}{
		{RoleScanner, protocol.StatusRequest{}, true},
		{RoleScanner, protocol.Ping{}, true},
		{RoleScanner, protocol.ConfigSet{Key: "k", Value: "v"}, true},
		{RoleScanner, protocol.SetAutoMode{}, true},
		{RoleScanner, protocol.OpenLocker{LockerID: "M01"}, false},
		{RoleScanner, protocol.DoorOpen{}, false},
		{RoleMotorController, protocol.OpenLocker{LockerID: "M01"}, true},
		{RoleMotorController, protocol.MotorMove{Revs: 1}, true},
		{RoleMotorController, protocol.Ping{}, true},
		{Role("printer"), protocol.Ping{}, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+tt.cmd.Name(), func(t *testing.T) {
			if got := tt.role.Accepts(tt.cmd); got != tt.want {
				t.Errorf("Accepts() = %v, want %v", got, tt.want)
			}
		})
	}
}
