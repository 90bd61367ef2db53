// Package logging provides structured logging for the locker kiosk core.
//
// It wraps log/slog so every component logs the same way: JSON in
// production, text on a development bench, with service and version
// attached to each entry.
//
// # Configuration
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, version)
//	hw := logger.Component("hardware")
//	hw.Info("device connected", "device_id", "esp32_motor1")
//
// Member identifiers are logged as-is; barcode and QR signatures are not.
package logging
