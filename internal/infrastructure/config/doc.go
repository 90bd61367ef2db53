// Package config handles loading and validating locker kiosk configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (LOCKERKIOSK_*)
//   - Validation of required fields and controller references
//   - Default value handling for the stock three-controller kiosk
//
// Security Considerations:
//   - Sensitive values (MQTT password, InfluxDB token) should be set via
//     environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	deviceID, ok := cfg.DeviceForLocker("M12")
package config
