package hardware

import (
	"context"

	"github.com/nerrad567/locker-kiosk-core/internal/protocol"
)

// EventType names a dispatched device event.
type EventType string

// Event types.
const (
	EventBarcodeScanned  EventType = "barcode_scanned"
	EventQRScanned       EventType = "qr_scanned"
	EventSensorTriggered EventType = "sensor_triggered"
	EventDeviceStatus    EventType = "device_status"
	EventMotorCompleted  EventType = "motor_completed"
	EventDeviceError     EventType = "device_error"
)

// Event is a parsed frame attributed to the device it was read from.
type Event struct {
	Type     EventType
	DeviceID string
	Role     Role
	Message  protocol.Message
}

// EventHandler receives dispatched events.
type EventHandler interface {
	HandleEvent(ctx context.Context, ev Event) error
}

// HandlerFunc adapts a function to EventHandler.
type HandlerFunc func(ctx context.Context, ev Event) error

// HandleEvent calls f.
func (f HandlerFunc) HandleEvent(ctx context.Context, ev Event) error {
	return f(ctx, ev)
}

// eventFor maps a parsed message to the event it raises. Unknown frames and
// command echoes raise nothing.
func eventFor(msg protocol.Message) (EventType, bool) {
	switch p := msg.Payload.(type) {
	case protocol.BarcodeScan:
		return EventBarcodeScanned, true
	case protocol.QRScan:
		return EventQRScanned, true
	case protocol.SensorTriggered:
		return EventSensorTriggered, true
	case protocol.StatusReport, protocol.Heartbeat:
		return EventDeviceStatus, true
	case protocol.CommandResponse:
		if p.Motor != nil {
			return EventMotorCompleted, true
		}
		return EventDeviceStatus, true
	case protocol.ErrorReport:
		return EventDeviceError, true
	default:
		return "", false
	}
}
