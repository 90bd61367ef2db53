package telemetry

import "time"

// Locker occupancy states published on lockerkiosk/locker/{number}/state.
const (
	LockerInUse     = "in_use"
	LockerRented    = "rented"
	LockerAvailable = "available"
)

// TransactionMessage is published on every transaction change.
type TransactionMessage struct {
	ID           string    `json:"id"`
	MemberID     string    `json:"member_id"`
	Kind         string    `json:"kind"`
	Status       string    `json:"status"`
	Step         string    `json:"step"`
	PreviousStep string    `json:"previous_step,omitempty"`
	LockerNumber string    `json:"locker_number,omitempty"`
	Deadline     time.Time `json:"deadline"`
	SensorEvents int       `json:"sensor_events"`
	Error        string    `json:"error,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// LockerMessage reports a locker's occupancy.
type LockerMessage struct {
	Locker        string    `json:"locker"`
	State         string    `json:"state"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// SensorMessage is one routed sensor reading.
type SensorMessage struct {
	Locker        string    `json:"locker,omitempty"`
	Sensor        int       `json:"sensor,omitempty"`
	Chip          int       `json:"chip"`
	Pin           int       `json:"pin"`
	Address       string    `json:"addr,omitempty"`
	State         string    `json:"state"`
	Active        bool      `json:"active"`
	Outcome       string    `json:"outcome"`
	TransactionID string    `json:"transaction_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// DeviceMessage is a controller status report or event.
type DeviceMessage struct {
	DeviceID      string    `json:"device_id"`
	Role          string    `json:"role"`
	Event         string    `json:"event"`
	Online        bool      `json:"online"`
	Door          string    `json:"door,omitempty"`
	Scanner       string    `json:"scanner,omitempty"`
	UptimeSeconds *int      `json:"uptime_seconds,omitempty"`
	Status        string    `json:"status,omitempty"`
	Message       string    `json:"message,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// HealthStatus is the kiosk's overall operational status.
type HealthStatus string

const (
	// HealthHealthy indicates every controller is online.
	HealthHealthy HealthStatus = "healthy"

	// HealthDegraded indicates at least one controller is offline.
	HealthDegraded HealthStatus = "degraded"

	// HealthStarting is published once during start-up.
	HealthStarting HealthStatus = "starting"

	// HealthStopping is published once during shutdown.
	HealthStopping HealthStatus = "stopping"
)

// HealthMessage is the retained health summary.
type HealthMessage struct {
	Site               string         `json:"site"`
	Version            string         `json:"version"`
	Status             HealthStatus   `json:"status"`
	Reason             string         `json:"reason,omitempty"`
	Timestamp          time.Time      `json:"timestamp"`
	UptimeSeconds      int64          `json:"uptime_seconds"`
	ActiveTransactions int            `json:"active_transactions"`
	Capacity           int            `json:"capacity"`
	Devices            []DeviceHealth `json:"devices"`
	Protocol           ProtocolHealth `json:"protocol"`
	Sensors            *SensorHealth  `json:"sensors,omitempty"`
}

// DeviceHealth summarises one controller.
type DeviceHealth struct {
	ID               string     `json:"id"`
	Role             string     `json:"role"`
	Online           bool       `json:"online"`
	LastSeen         *time.Time `json:"last_seen,omitempty"`
	MessagesSent     uint64     `json:"messages_sent"`
	MessagesReceived uint64     `json:"messages_received"`
	Errors           uint64     `json:"errors"`
	LastError        string     `json:"last_error,omitempty"`
}

// ProtocolHealth carries the frame codec counters.
type ProtocolHealth struct {
	MessagesParsed  uint64 `json:"messages_parsed"`
	ParseErrors     uint64 `json:"parse_errors"`
	InvalidMessages uint64 `json:"invalid_messages"`
	CommandsSent    uint64 `json:"commands_sent"`
	PendingCommands int    `json:"pending_commands"`
}

// SensorHealth carries the sensor routing counters.
type SensorHealth struct {
	Unmapped  uint64 `json:"unmapped"`
	Unmatched uint64 `json:"unmatched"`
	Recorded  uint64 `json:"recorded"`
	Completed uint64 `json:"completed"`
	Errors    uint64 `json:"errors"`
}
