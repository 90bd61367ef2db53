package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Frame prefixes.
const (
	prefixQR       = "QR:"
	prefixBarcode  = "BARCODE:"
	prefixStatus   = "STATUS:"
	prefixResp     = "RESP:"
	prefixError    = "ERROR:"
	prefixCommand  = "CMD:"
	frameHeartbeat = "HEARTBEAT"

	// qrStructuredTag marks a signed member QR code: QRS:member:ts:nonce:sig.
	qrStructuredTag = "QRS"
)

// Raw barcode bounds for frames sent by a plain USB reader.
const (
	minRawBarcodeLen = 6
	maxRawBarcodeLen = 15
)

// envelope is the JSON frame emitted by controller firmware.
type envelope struct {
	DeviceID    string          `json:"device_id"`
	MessageType string          `json:"message_type"`
	EventType   string          `json:"event_type"`
	Type        string          `json:"type"` // legacy {"type":"BARCODE_SCAN","data":"..."}
	Data        json.RawMessage `json:"data"`
}

// parseFrame classifies a single trimmed frame. It never panics; anything
// unrecognised becomes KindUnknown.
func parseFrame(line string, now time.Time) (Message, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Message{}, ErrEmptyFrame
	}

	msg := Message{ReceivedAt: now, Raw: line}

	var (
		payload Payload
		err     error
	)
	switch {
	case strings.HasPrefix(line, prefixQR):
		payload = parseQR(line[len(prefixQR):])
	case strings.HasPrefix(line, "{"):
		payload, msg.DeviceID, err = parseEnvelope(line)
	case strings.HasPrefix(line, prefixBarcode):
		payload, err = parseBarcode(line[len(prefixBarcode):])
	case strings.HasPrefix(line, prefixStatus):
		payload = parseStatus(line[len(prefixStatus):])
	case line == frameHeartbeat:
		payload = Heartbeat{}
	case strings.HasPrefix(line, prefixResp):
		payload, err = parseResponse(line)
	case strings.HasPrefix(line, prefixError):
		payload = ErrorReport{Message: line[len(prefixError):]}
	case strings.HasPrefix(line, prefixCommand):
		var frame CommandFrame
		frame, err = ParseCommand(line)
		payload = CommandEcho{Frame: frame}
	case isRawBarcode(line):
		payload = BarcodeScan{Barcode: line, ScanType: "barcode"}
	default:
		payload = Unknown{Content: line}
	}
	if err != nil {
		return Message{}, err
	}

	msg.Kind = payload.Kind()
	msg.Payload = payload
	return msg, nil
}

func parseQR(content string) QRScan {
	scan := QRScan{Content: content}
	parts := strings.SplitN(content, ":", 5)
	if len(parts) == 5 && parts[0] == qrStructuredTag {
		scan.Structured = true
		scan.MemberID = parts[1]
		scan.AuthTimestamp = parts[2]
		scan.Nonce = parts[3]
		scan.Signature = parts[4]
	}
	return scan
}

func parseBarcode(body string) (Payload, error) {
	code := strings.TrimSpace(body)
	if code == "" {
		return nil, fmt.Errorf("%w: empty barcode", ErrParse)
	}
	return BarcodeScan{Barcode: code, ScanType: "barcode"}, nil
}

func parseStatus(body string) StatusReport {
	var report StatusReport
	for _, pair := range strings.Split(body, ",") {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		switch {
		case key == "door":
			report.Door = value
		case key == "scanner":
			report.Scanner = value
		case key == "uptime":
			if n, err := strconv.Atoi(value); err == nil {
				report.UptimeSeconds = &n
			}
		case key == "cpu_temp":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				report.CPUTemp = &f
			}
		case key == "memory":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				report.MemoryUsage = &f
			}
		case strings.HasPrefix(key, "gpio_"):
			if report.GPIO == nil {
				report.GPIO = make(map[string]string)
			}
			report.GPIO[strings.TrimPrefix(key, "gpio_")] = value
		default:
			if report.Extra == nil {
				report.Extra = make(map[string]string)
			}
			report.Extra[key] = value
		}
	}
	return report
}

func parseResponse(line string) (Payload, error) {
	parts := strings.SplitN(line, ":", 4)
	if len(parts) < 3 || parts[1] == "" {
		return nil, fmt.Errorf("%w: response needs RESP:<id>:<status>", ErrParse)
	}
	resp := CommandResponse{
		CommandID: parts[1],
		Status:    parts[2],
		Success:   strings.EqualFold(parts[2], "OK"),
	}
	if len(parts) == 4 {
		resp.Reason = parts[3]
	}
	return resp, nil
}

func parseEnvelope(line string) (Payload, string, error) {
	var env envelope
	if err := json.Unmarshal([]byte(line), &env); err != nil {
		return nil, "", fmt.Errorf("%w: %w", ErrParse, err)
	}

	if env.Type == "BARCODE_SCAN" {
		var code string
		if err := json.Unmarshal(env.Data, &code); err != nil {
			return nil, env.DeviceID, fmt.Errorf("%w: legacy barcode data: %w", ErrParse, err)
		}
		p, err := parseBarcode(code)
		return p, env.DeviceID, err
	}

	data := map[string]any{}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return nil, env.DeviceID, fmt.Errorf("%w: data is not an object: %w", ErrParse, err)
		}
	}

	var (
		payload Payload
		err     error
	)
	switch {
	case env.EventType == "barcode_scanned":
		payload, err = barcodeFromData(data)
	case env.EventType == "sensor_triggered":
		payload, err = sensorFromData(data)
	case env.EventType == "motor_completed":
		payload = motorFromData(data)
	case env.MessageType == "response":
		payload = StatusReport{Data: data}
	case env.MessageType == "error":
		msg := stringField(data, "message")
		if msg == "" {
			msg = stringField(data, "error")
		}
		payload = ErrorReport{Message: msg}
	default:
		payload = Unknown{Content: line, EventType: env.EventType, MessageType: env.MessageType}
	}
	return payload, env.DeviceID, err
}

func barcodeFromData(data map[string]any) (Payload, error) {
	code := strings.TrimSpace(stringField(data, "barcode"))
	if code == "" {
		return nil, fmt.Errorf("%w: barcode_scanned without barcode", ErrParse)
	}
	scan := BarcodeScan{
		Barcode:  code,
		ScanType: stringField(data, "scan_type"),
		Format:   stringField(data, "format"),
		Quality:  95,
	}
	if scan.ScanType == "" {
		scan.ScanType = "barcode"
	}
	if scan.Format == "" {
		scan.Format = "unknown"
	}
	if q, ok := intField(data, "quality"); ok {
		scan.Quality = q
	}
	return scan, nil
}

func sensorFromData(data map[string]any) (Payload, error) {
	chip, ok := intField(data, "chip_idx")
	if !ok {
		return nil, fmt.Errorf("%w: sensor_triggered without chip_idx", ErrParse)
	}
	pin, ok := intField(data, "pin")
	if !ok {
		return nil, fmt.Errorf("%w: sensor_triggered without pin", ErrParse)
	}

	ev := SensorTriggered{
		ChipIndex: chip,
		Pin:       pin,
		Address:   addressField(data, "addr"),
	}

	active, hasActive := data["active"].(bool)
	switch state := strings.ToUpper(stringField(data, "state")); state {
	case StateLow, StateHigh:
		ev.State = state
		ev.Active = state == StateLow
	case "":
		if !hasActive {
			return nil, fmt.Errorf("%w: sensor_triggered without state or active", ErrParse)
		}
		ev.Active = active
		ev.State = StateHigh
		if active {
			ev.State = StateLow
		}
	default:
		return nil, fmt.Errorf("%w: sensor state %q", ErrParse, state)
	}

	if raw, ok := intField(data, "raw"); ok {
		ev.Raw = &raw
	}
	return ev, nil
}

func motorFromData(data map[string]any) Payload {
	ev := &MotorEvent{
		Action:    stringField(data, "action"),
		Status:    stringField(data, "status"),
		Direction: stringField(data, "direction"),
	}
	ev.Enabled, _ = data["enabled"].(bool)
	ev.Busy, _ = data["busy"].(bool)
	if details, ok := data["details"].(map[string]any); ok {
		ev.Details = details
	}
	return CommandResponse{
		Status:  ev.Status,
		Success: ev.Status == "" || strings.EqualFold(ev.Status, "completed") || strings.EqualFold(ev.Status, "ok"),
		Motor:   ev,
	}
}

func stringField(data map[string]any, key string) string {
	switch v := data[key].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return ""
	}
}

func intField(data map[string]any, key string) (int, bool) {
	switch v := data[key].(type) {
	case float64:
		if v != math.Trunc(v) {
			return 0, false
		}
		return int(v), true
	case string:
		n, err := strconv.Atoi(v)
		return n, err == nil
	default:
		return 0, false
	}
}

// addressField accepts "0x20", "20" or 32 and renders the hex form.
func addressField(data map[string]any, key string) string {
	switch v := data[key].(type) {
	case float64:
		return fmt.Sprintf("0x%02x", int(v))
	case string:
		return NormalizeAddress(v)
	default:
		return ""
	}
}

// NormalizeAddress renders an I2C address as lower-case "0x%02x". A bare
// value is read as hex. Unparsable input is returned lower-cased.
func NormalizeAddress(addr string) string {
	s := strings.ToLower(strings.TrimSpace(addr))
	n, err := strconv.ParseUint(strings.TrimPrefix(s, "0x"), 16, 8)
	if err != nil {
		return s
	}
	return fmt.Sprintf("0x%02x", n)
}

func isRawBarcode(s string) bool {
	if len(s) < minRawBarcodeLen || len(s) > maxRawBarcodeLen || s[0] == '0' {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
