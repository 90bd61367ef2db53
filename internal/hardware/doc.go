// Package hardware manages the kiosk's serial microcontrollers.
//
// A Manager owns one connection per configured device (the barcode scanner
// and one or more locker motor controllers). Each online device gets its own
// read loop which feeds a protocol.FrameBuffer, parses complete frames with
// the shared protocol.Handler and dispatches the derived Event to subscribed
// handlers.
//
// # Events
//
//	barcode_scanned    BarcodeScan frame
//	qr_scanned         QRScan frame
//	sensor_triggered   IR sensor pin change
//	device_status      status report, heartbeat or plain command response
//	motor_completed    motor completion report
//	device_error       ERROR frame or JSON error envelope
//
// Unknown frames and command echoes are counted but not dispatched.
//
// Handlers run on the device's read loop goroutine in registration order and
// must not block. A handler that returns an error or panics is logged and
// skipped; the loop keeps running.
//
// # Commands
//
// SendCommand encodes a protocol.Command in the device's wire format (text or
// JSON) and writes it with a bounded write timeout. Scanners only accept
// status, ping and configuration commands. A failed write marks the device
// offline; its read loop then tries to reconnect.
//
// # Serial ports
//
// Ports are opened through go.bug.st/serial (8N1). DetectPorts lists USB
// serial adapters commonly found on ESP32 boards. Tests inject an Opener
// returning a fake Port.
package hardware
