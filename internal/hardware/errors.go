package hardware

import "errors"

// Domain errors for the hardware package.
var (
	// ErrDeviceNotFound is returned when a device id is not registered.
	ErrDeviceNotFound = errors.New("hardware: device not found")

	// ErrDeviceOffline is returned when a command targets a device whose
	// port is not open.
	ErrDeviceOffline = errors.New("hardware: device offline")

	// ErrUnsupportedCommand is returned when a device role cannot accept
	// a command, such as OpenLocker sent to a scanner.
	ErrUnsupportedCommand = errors.New("hardware: command not supported by device")

	// ErrWriteFailed is returned when writing a command frame fails or
	// exceeds the write timeout.
	ErrWriteFailed = errors.New("hardware: write failed")

	// ErrOpenFailed is returned when a serial port cannot be opened.
	ErrOpenFailed = errors.New("hardware: open failed")

	// ErrInvalidDevice is returned by AddDevice for an incomplete or
	// duplicate device definition.
	ErrInvalidDevice = errors.New("hardware: invalid device")

	// ErrAlreadyRunning is returned when Start is called twice.
	ErrAlreadyRunning = errors.New("hardware: already running")
)
