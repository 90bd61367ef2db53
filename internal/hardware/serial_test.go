package hardware

import (
	"errors"
	"testing"

	"go.bug.st/serial/enumerator"
)

func TestMatchPort(t *testing.T) {
	tests := []struct {
		name      string
		port      enumerator.PortDetails
		wantMatch string
		wantOK    bool
	}{
		{"cp2102 by id", enumerator.PortDetails{Name: "/dev/ttyUSB0", IsUSB: true, VID: "10C4", PID: "EA60"}, "CP210x", true},
		{"ch340 by id", enumerator.PortDetails{Name: "/dev/ttyUSB1", IsUSB: true, VID: "1a86", PID: "7523"}, "CH340", true},
		{"ch9102 by id", enumerator.PortDetails{Name: "/dev/ttyACM0", IsUSB: true, VID: "1a86", PID: "55d4"}, "CH9102", true},
		{"keyword", enumerator.PortDetails{Name: "/dev/ttyUSB3", IsUSB: true, VID: "dead", PID: "beef", Product: "ESP32-S3 DevKit"}, "esp32", true},
		{"silicon labs keyword", enumerator.PortDetails{Name: "COM4", Product: "Silicon Labs CP210x USB to UART Bridge"}, "cp210", true},
		{"unrelated usb", enumerator.PortDetails{Name: "/dev/ttyACM1", IsUSB: true, VID: "046d", PID: "c52b", Product: "Receiver"}, "", false},
		{"builtin uart", enumerator.PortDetails{Name: "/dev/ttyS0"}, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := tt.port
			match, ok := matchPort(&p)
			if ok != tt.wantOK || match != tt.wantMatch {
				t.Errorf("matchPort() = %q, %v, want %q, %v", match, ok, tt.wantMatch, tt.wantOK)
			}
		})
	}
}

func TestDetectPorts(t *testing.T) {
	orig := listPorts
	t.Cleanup(func() { listPorts = orig })

	listPorts = func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{
			{Name: "/dev/ttyUSB1", IsUSB: true, VID: "1A86", PID: "7523", SerialNumber: "B"},
			{Name: "/dev/ttyS0"},
			nil,
			{Name: "/dev/ttyUSB0", IsUSB: true, VID: "10c4", PID: "ea60", SerialNumber: "A"},
		}, nil
	}

	ports, err := DetectPorts()
	if err != nil {
		t.Fatalf("DetectPorts() error = %v", err)
	}
	if len(ports) != 2 {
		t.Fatalf("DetectPorts() returned %d ports, want 2", len(ports))
	}
	if ports[0].Name != "/dev/ttyUSB0" || ports[1].Name != "/dev/ttyUSB1" {
		t.Errorf("ports not sorted: %+v", ports)
	}
	if ports[1].VID != "1a86" || ports[1].Match != "CH340" {
		t.Errorf("ports[1] = %+v", ports[1])
	}

	listPorts = func() ([]*enumerator.PortDetails, error) {
		return nil, errors.New("permission denied")
	}
	if _, err := DetectPorts(); err == nil {
		t.Error("DetectPorts() expected error")
	}
}

func TestAssignDetected(t *testing.T) {
	devices := []DeviceConfig{
		{ID: "esp32_barcode", Endpoint: "/dev/ttyUSB0", Role: RoleScanner},
		{ID: "esp32_motor1", Endpoint: "/dev/ttyUSB1", Role: RoleMotorController},
		{ID: "esp32_motor2", Endpoint: "/dev/ttyUSB2", Role: RoleMotorController},
	}
	ports := []PortInfo{{Name: "/dev/ttyACM0"}, {Name: "/dev/ttyACM1"}}

	got := AssignDetected(devices, ports)

	want := []string{"/dev/ttyACM0", "/dev/ttyACM1", "/dev/ttyUSB2"}
	for i, d := range got {
		if d.Endpoint != want[i] {
			t.Errorf("device %s endpoint = %q, want %q", d.ID, d.Endpoint, want[i])
		}
	}
	if devices[0].Endpoint != "/dev/ttyUSB0" {
		t.Error("AssignDetected modified its input")
	}
}
