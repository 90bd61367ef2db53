package protocol

import "time"

// Kind classifies a parsed frame.
type Kind string

// Message kinds.
const (
	KindBarcodeScan     Kind = "barcode_scan"
	KindQRScan          Kind = "qr_scan"
	KindStatusReport    Kind = "status_report"
	KindHeartbeat       Kind = "heartbeat"
	KindCommandResponse Kind = "command_response"
	KindError           Kind = "error"
	KindSensorTriggered Kind = "sensor_triggered"
	KindCommandEcho     Kind = "command_echo"
	KindUnknown         Kind = "unknown"
)

// Sensor pin states as reported by the IR sensor expanders.
const (
	StateLow  = "LOW"
	StateHigh = "HIGH"
)

// Message is one parsed frame.
//
// Payload always holds the struct matching Kind, so a type switch on
// Payload is exhaustive over the kinds above.
type Message struct {
	Kind       Kind
	Payload    Payload
	DeviceID   string // set when a JSON envelope names the sender
	ReceivedAt time.Time
	Raw        string
}

// Payload is implemented by the per-kind payload structs.
type Payload interface {
	Kind() Kind
}

// BarcodeScan is a member barcode read by a scanner.
type BarcodeScan struct {
	Barcode  string
	ScanType string // "barcode" unless the envelope says otherwise
	Format   string
	Quality  int
}

// QRScan is a QR code read by a scanner. Structured is true for the signed
// QRS form, in which case the member fields are populated.
type QRScan struct {
	Content       string
	Structured    bool
	MemberID      string
	AuthTimestamp string
	Nonce         string
	Signature     string
}

// StatusReport is a controller status frame.
//
// The text STATUS form fills the typed fields, GPIO and Extra; a JSON
// response envelope fills Data only.
type StatusReport struct {
	Door          string
	Scanner       string
	UptimeSeconds *int
	CPUTemp       *float64
	MemoryUsage   *float64
	GPIO          map[string]string
	Extra         map[string]string
	Data          map[string]any
}

// Heartbeat is a controller keep-alive.
type Heartbeat struct{}

// CommandResponse answers a previously sent command, or reports a motor
// completion when Motor is set.
type CommandResponse struct {
	CommandID string
	Status    string
	Reason    string
	Success   bool
	Motor     *MotorEvent
}

// MotorEvent is the body of a motor_completed event.
type MotorEvent struct {
	Action    string
	Status    string
	Enabled   bool
	Direction string
	Busy      bool
	Details   map[string]any
}

// ErrorReport is an error raised by a controller.
type ErrorReport struct {
	Message string
}

// SensorTriggered is a pin change on one of the IR sensor expanders.
type SensorTriggered struct {
	ChipIndex int
	Address   string
	Pin       int
	State     string // StateLow or StateHigh
	Active    bool
	Raw       *int
}

// CommandEcho is a command frame read back from a controller.
type CommandEcho struct {
	Frame CommandFrame
}

// Unknown is any frame that did not match a known form.
type Unknown struct {
	Content     string
	EventType   string
	MessageType string
}

// Kind implements Payload.
func (BarcodeScan) Kind() Kind { return KindBarcodeScan }

// Kind implements Payload.
func (QRScan) Kind() Kind { return KindQRScan }

// Kind implements Payload.
func (StatusReport) Kind() Kind { return KindStatusReport }

// Kind implements Payload.
func (Heartbeat) Kind() Kind { return KindHeartbeat }

// Kind implements Payload.
func (CommandResponse) Kind() Kind { return KindCommandResponse }

// Kind implements Payload.
func (ErrorReport) Kind() Kind { return KindError }

// Kind implements Payload.
func (SensorTriggered) Kind() Kind { return KindSensorTriggered }

// Kind implements Payload.
func (CommandEcho) Kind() Kind { return KindCommandEcho }

// Kind implements Payload.
func (Unknown) Kind() Kind { return KindUnknown }
