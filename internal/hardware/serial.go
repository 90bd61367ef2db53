package hardware

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Port is an open serial connection. go.bug.st/serial ports satisfy it.
type Port interface {
	io.ReadWriteCloser

	// SetReadTimeout bounds Read. A read that times out returns 0, nil.
	SetReadTimeout(t time.Duration) error
}

// Opener opens the serial port at endpoint.
type Opener func(endpoint string, baudRate int) (Port, error)

// SerialOpener opens a real serial port as 8N1.
func SerialOpener(endpoint string, baudRate int) (Port, error) {
	p, err := serial.Open(endpoint, &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// PortInfo describes a detected USB serial adapter.
type PortInfo struct {
	Name         string
	VID          string
	PID          string
	Product      string
	SerialNumber string
	Match        string // USB id label or keyword that selected the port
}

// USB vendor:product ids of adapters found on ESP32 boards.
var knownUSBIDs = map[string]string{
	"10c4:ea60": "CP210x",
	"1a86:7523": "CH340",
	"1a86:55d4": "CH9102",
	"0403:6001": "FT232",
	"2341:0043": "Arduino",
}

var portKeywords = []string{
	"esp32", "arduino", "cp210", "ch340", "ch910", "ft232",
	"usb serial", "silicon labs", "wch",
}

// listPorts is replaced in tests.
var listPorts = enumerator.GetDetailedPortsList

// DetectPorts lists serial ports that look like ESP32 controllers, sorted by
// port name.
func DetectPorts() ([]PortInfo, error) {
	ports, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("hardware: list serial ports: %w", err)
	}
	return filterPorts(ports), nil
}

func filterPorts(ports []*enumerator.PortDetails) []PortInfo {
	var found []PortInfo
	for _, p := range ports {
		if p == nil {
			continue
		}
		match, ok := matchPort(p)
		if !ok {
			continue
		}
		found = append(found, PortInfo{
			Name:         p.Name,
			VID:          strings.ToLower(p.VID),
			PID:          strings.ToLower(p.PID),
			Product:      p.Product,
			SerialNumber: p.SerialNumber,
			Match:        match,
		})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })
	return found
}

func matchPort(p *enumerator.PortDetails) (string, bool) {
	if p.IsUSB {
		id := strings.ToLower(p.VID + ":" + p.PID)
		if label, ok := knownUSBIDs[id]; ok {
			return label, true
		}
	}
	text := strings.ToLower(p.Product)
	for _, kw := range portKeywords {
		if strings.Contains(text, kw) {
			return kw, true
		}
	}
	return "", false
}

// AssignDetected returns a copy of devices with endpoints replaced by the
// detected ports, in order. Devices beyond the detected count keep their
// configured endpoint.
func AssignDetected(devices []DeviceConfig, ports []PortInfo) []DeviceConfig {
	out := make([]DeviceConfig, len(devices))
	copy(out, devices)
	for i := range out {
		if i >= len(ports) {
			break
		}
		out[i].Endpoint = ports[i].Name
	}
	return out
}
