package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Command defaults.
const (
	DefaultLockerOpenMS     = 5000
	DefaultJSONLockerOpenMS = 3000
	DefaultDoorOpenMS       = 3000
	DefaultMotorRPM         = 60.0
)

// Command is an outbound instruction for a controller. The set of commands
// is closed; see the types below.
type Command interface {
	// Name is the stable command name, also used as the JSON "command" field.
	Name() string

	validate() error
	text(id string) string
	jsonFields() map[string]any
}

// MotorMove turns the locker motor by Revs revolutions (negative reverses).
type MotorMove struct {
	Revs  float64
	RPM   float64 // DefaultMotorRPM when zero
	Accel bool
}

// OpenLocker releases a locker door.
type OpenLocker struct {
	LockerID   string
	DurationMS int // format default when zero
}

// CloseLocker re-engages a locker door.
type CloseLocker struct {
	LockerID string
}

// StatusRequest asks a controller for a status report.
type StatusRequest struct{}

// ConfigSet sets a controller configuration key. Value may contain ':'.
type ConfigSet struct {
	Key   string
	Value string
}

// Ping asks for a RESP without side effects.
type Ping struct{}

// DoorOpen releases the entrance door.
type DoorOpen struct {
	DurationMS int // DefaultDoorOpenMS when zero
}

// DoorClose re-engages the entrance door.
type DoorClose struct{}

// SetAutoMode toggles the controller's sensor-driven auto mode.
type SetAutoMode struct {
	Enabled bool
}

// Name implements Command.
func (MotorMove) Name() string { return "motor_move" }

// Name implements Command.
func (OpenLocker) Name() string { return "open_locker" }

// Name implements Command.
func (CloseLocker) Name() string { return "close_locker" }

// Name implements Command.
func (StatusRequest) Name() string { return "get_status" }

// Name implements Command.
func (ConfigSet) Name() string { return "set_config" }

// Name implements Command.
func (Ping) Name() string { return "ping" }

// Name implements Command.
func (DoorOpen) Name() string { return "open_door" }

// Name implements Command.
func (DoorClose) Name() string { return "close_door" }

// Name implements Command.
func (SetAutoMode) Name() string { return "set_auto_mode" }

func (c MotorMove) validate() error {
	if c.Revs == 0 {
		return fmt.Errorf("%w: motor_move needs non-zero revs", ErrInvalidCommand)
	}
	if c.RPM < 0 {
		return fmt.Errorf("%w: motor_move rpm %v", ErrInvalidCommand, c.RPM)
	}
	return nil
}

func (c OpenLocker) validate() error  { return validateField("locker_id", c.LockerID, true) }
func (c CloseLocker) validate() error { return validateField("locker_id", c.LockerID, true) }
func (StatusRequest) validate() error { return nil }
func (Ping) validate() error          { return nil }
func (DoorOpen) validate() error      { return nil }
func (DoorClose) validate() error     { return nil }
func (SetAutoMode) validate() error   { return nil }

func (c ConfigSet) validate() error {
	if err := validateField("key", c.Key, true); err != nil {
		return err
	}
	if strings.ContainsAny(c.Value, "\r\n") {
		return fmt.Errorf("%w: value contains a line break", ErrInvalidCommand)
	}
	return nil
}

// validateField rejects empty required fields and characters that would
// break text framing.
func validateField(name, v string, required bool) error {
	if required && strings.TrimSpace(v) == "" {
		return fmt.Errorf("%w: %s is required", ErrInvalidCommand, name)
	}
	if strings.ContainsAny(v, ":\r\n") {
		return fmt.Errorf("%w: %s %q contains a reserved character", ErrInvalidCommand, name, v)
	}
	return nil
}

func (c MotorMove) rpm() float64 {
	if c.RPM == 0 {
		return DefaultMotorRPM
	}
	return c.RPM
}

func fmtFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

func boolDigit(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func (c MotorMove) text(id string) string {
	return fmt.Sprintf("CMD:%s:MOTOR:MOVE:%s:%s:%s", id, fmtFloat(c.Revs), fmtFloat(c.rpm()), boolDigit(c.Accel))
}

func (c OpenLocker) text(id string) string {
	return fmt.Sprintf("CMD:%s:LOCKER:OPEN:%s:%d", id, c.LockerID, orDefault(c.DurationMS, DefaultLockerOpenMS))
}

func (c CloseLocker) text(id string) string { return fmt.Sprintf("CMD:%s:LOCKER:CLOSE:%s", id, c.LockerID) }
func (StatusRequest) text(id string) string { return fmt.Sprintf("CMD:%s:STATUS:REQUEST", id) }
func (c ConfigSet) text(id string) string   { return fmt.Sprintf("CMD:%s:CONFIG:SET:%s:%s", id, c.Key, c.Value) }
func (Ping) text(id string) string          { return fmt.Sprintf("CMD:%s:PING", id) }
func (DoorClose) text(id string) string     { return fmt.Sprintf("CMD:%s:DOOR:CLOSE", id) }

func (c DoorOpen) text(id string) string {
	return fmt.Sprintf("CMD:%s:DOOR:OPEN:%d", id, orDefault(c.DurationMS, DefaultDoorOpenMS))
}

func (c SetAutoMode) text(id string) string {
	return fmt.Sprintf("CMD:%s:CONFIG:SET:auto_mode:%t", id, c.Enabled)
}

func (c MotorMove) jsonFields() map[string]any {
	return map[string]any{"revs": c.Revs, "rpm": c.rpm(), "accel": c.Accel}
}

func (c OpenLocker) jsonFields() map[string]any {
	return map[string]any{"locker_id": c.LockerID, "duration_ms": orDefault(c.DurationMS, DefaultJSONLockerOpenMS)}
}

func (c CloseLocker) jsonFields() map[string]any { return map[string]any{"locker_id": c.LockerID} }
func (StatusRequest) jsonFields() map[string]any { return nil }
func (c ConfigSet) jsonFields() map[string]any   { return map[string]any{"key": c.Key, "value": c.Value} }
func (Ping) jsonFields() map[string]any          { return nil }
func (DoorClose) jsonFields() map[string]any     { return nil }
func (c SetAutoMode) jsonFields() map[string]any { return map[string]any{"enabled": c.Enabled} }

func (c DoorOpen) jsonFields() map[string]any {
	return map[string]any{"duration_ms": orDefault(c.DurationMS, DefaultDoorOpenMS)}
}

// encodeJSONCommand renders the controller JSON form of cmd.
func encodeJSONCommand(id string, cmd Command) (string, error) {
	fields := cmd.jsonFields()
	if fields == nil {
		fields = make(map[string]any, 2)
	}
	fields["command"] = cmd.Name()
	fields["cmd_id"] = id

	b, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidCommand, err)
	}
	return string(b), nil
}

// Frame is an encoded outbound command.
type Frame struct {
	ID   string
	Text string
}

// Bytes returns the frame terminated by '\n', ready to write.
func (f Frame) Bytes() []byte {
	return append([]byte(f.Text), '\n')
}

// CommandFrame is a decoded text command.
type CommandFrame struct {
	ID      string
	Command Command
}

// ParseCommand decodes a text command frame such as "CMD:CMD_0001:PING".
func ParseCommand(line string) (CommandFrame, error) {
	line = strings.TrimSpace(line)
	rest, ok := strings.CutPrefix(line, prefixCommand)
	if !ok {
		return CommandFrame{}, fmt.Errorf("%w: not a command frame", ErrParse)
	}

	// id, group, verb, then at most two arguments where the last (a config
	// value) may itself contain ':'.
	parts := strings.SplitN(rest, ":", 5)
	if len(parts) < 2 || parts[0] == "" {
		return CommandFrame{}, fmt.Errorf("%w: command frame %q", ErrParse, line)
	}
	frame := CommandFrame{ID: parts[0]}
	args := parts[1:]

	bad := func() (CommandFrame, error) {
		return CommandFrame{}, fmt.Errorf("%w: command frame %q", ErrParse, line)
	}
	atoi := func(s string) (int, bool) {
		n, err := strconv.Atoi(s)
		return n, err == nil
	}

	switch {
	case len(args) == 1 && args[0] == "PING":
		frame.Command = Ping{}
	case len(args) == 2 && args[0] == "STATUS" && args[1] == "REQUEST":
		frame.Command = StatusRequest{}
	case len(args) == 2 && args[0] == "DOOR" && args[1] == "CLOSE":
		frame.Command = DoorClose{}
	case len(args) == 3 && args[0] == "DOOR" && args[1] == "OPEN":
		ms, ok := atoi(args[2])
		if !ok {
			return bad()
		}
		frame.Command = DoorOpen{DurationMS: ms}
	case len(args) == 3 && args[0] == "LOCKER" && args[1] == "CLOSE":
		frame.Command = CloseLocker{LockerID: args[2]}
	case len(args) == 4 && args[0] == "LOCKER" && args[1] == "OPEN":
		ms, ok := atoi(args[3])
		if !ok {
			return bad()
		}
		frame.Command = OpenLocker{LockerID: args[2], DurationMS: ms}
	case len(args) == 4 && args[0] == "CONFIG" && args[1] == "SET":
		if args[2] == "auto_mode" {
			enabled, err := strconv.ParseBool(args[3])
			if err != nil {
				return bad()
			}
			frame.Command = SetAutoMode{Enabled: enabled}
		} else {
			frame.Command = ConfigSet{Key: args[2], Value: args[3]}
		}
	case len(args) == 4 && args[0] == "MOTOR" && args[1] == "MOVE":
		// MOTOR:MOVE:<revs>:<rpm>:<accel> spills past the split limit.
		motor := strings.Split(strings.Join(args[2:], ":"), ":")
		if len(motor) != 3 {
			return bad()
		}
		revs, err1 := strconv.ParseFloat(motor[0], 64)
		rpm, err2 := strconv.ParseFloat(motor[1], 64)
		if err1 != nil || err2 != nil || (motor[2] != "0" && motor[2] != "1") {
			return bad()
		}
		frame.Command = MotorMove{Revs: revs, RPM: rpm, Accel: motor[2] == "1"}
	default:
		return bad()
	}
	return frame, nil
}
