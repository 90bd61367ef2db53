package hardware

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nerrad567/locker-kiosk-core/internal/protocol"
)

// Role is what a controller is wired to.
type Role string

// Device roles.
const (
	RoleScanner         Role = "scanner"
	RoleMotorController Role = "motor_controller"
)

// Accepts reports whether a device with this role can execute cmd.
func (r Role) Accepts(cmd protocol.Command) bool {
	switch r {
	case RoleMotorController:
		return true
	case RoleScanner:
		switch cmd.(type) {
		case protocol.StatusRequest, protocol.Ping, protocol.ConfigSet, protocol.SetAutoMode:
			return true
		}
	}
	return false
}

// Format is the command wire format a controller firmware expects.
type Format string

// Command formats.
const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// DeviceConfig describes one controller.
type DeviceConfig struct {
	ID       string
	Endpoint string // serial port path, e.g. /dev/ttyUSB0
	Role     Role
	Format   Format // FormatText when empty
	BaudRate int    // Options.BaudRate when zero
}

func (c DeviceConfig) validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDevice)
	}
	if c.Endpoint == "" {
		return fmt.Errorf("%w: %s: endpoint is required", ErrInvalidDevice, c.ID)
	}
	switch c.Role {
	case RoleScanner, RoleMotorController:
	default:
		return fmt.Errorf("%w: %s: role %q", ErrInvalidDevice, c.ID, c.Role)
	}
	switch c.Format {
	case FormatText, FormatJSON:
	default:
		return fmt.Errorf("%w: %s: format %q", ErrInvalidDevice, c.ID, c.Format)
	}
	return nil
}

// DeviceStatus is a snapshot of one device.
type DeviceStatus struct {
	ID               string
	Endpoint         string
	Role             Role
	Format           Format
	Online           bool
	LastSeen         time.Time // zero until the first frame
	MessagesSent     uint64
	MessagesReceived uint64
	Errors           uint64
	LastError        string
}

// device is the runtime state of one controller.
type device struct {
	cfg DeviceConfig

	mu        sync.RWMutex
	port      Port
	lastSeen  time.Time
	lastError string

	// writeMu serialises frame writes on the port.
	writeMu sync.Mutex

	sent     atomic.Uint64
	received atomic.Uint64
	errors   atomic.Uint64
}

func (d *device) currentPort() Port {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.port
}

// setPort installs p as the open port, returning the one it replaces.
func (d *device) setPort(p Port) Port {
	d.mu.Lock()
	defer d.mu.Unlock()
	old := d.port
	d.port = p
	return old
}

// clearPort removes p if it is still the open port.
func (d *device) clearPort(p Port) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port != p {
		return false
	}
	d.port = nil
	return true
}

func (d *device) markSeen(t time.Time) {
	d.mu.Lock()
	d.lastSeen = t
	d.mu.Unlock()
	d.received.Add(1)
}

func (d *device) recordError(err error) {
	d.mu.Lock()
	d.lastError = err.Error()
	d.mu.Unlock()
	d.errors.Add(1)
}

func (d *device) status() DeviceStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return DeviceStatus{
		ID:               d.cfg.ID,
		Endpoint:         d.cfg.Endpoint,
		Role:             d.cfg.Role,
		Format:           d.cfg.Format,
		Online:           d.port != nil,
		LastSeen:         d.lastSeen,
		MessagesSent:     d.sent.Load(),
		MessagesReceived: d.received.Load(),
		Errors:           d.errors.Load(),
		LastError:        d.lastError,
	}
}
