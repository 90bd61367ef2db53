package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the locker kiosk core.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site        SiteConfig        `yaml:"site"`
	Database    DatabaseConfig    `yaml:"database"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	InfluxDB    InfluxDBConfig    `yaml:"influxdb"`
	Logging     LoggingConfig     `yaml:"logging"`
	Hardware    HardwareConfig    `yaml:"hardware"`
	Transaction TransactionConfig `yaml:"transaction"`
	Sensors     SensorsConfig     `yaml:"sensors"`
	Lockers     []LockerZone      `yaml:"lockers"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// SiteConfig contains kiosk-specific information.
type SiteConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Timezone string `yaml:"timezone"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
	MaxAttempts  int `yaml:"max_attempts"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// HardwareConfig contains serial controller settings.
type HardwareConfig struct {
	// AutoDetect replaces the configured endpoints with detected USB serial
	// ports, in detection order, when set.
	AutoDetect bool `yaml:"auto_detect"`

	// BaudRate applies to every device that does not set its own.
	// Default: 115200
	BaudRate int `yaml:"baud_rate"`

	// PollIntervalMS is the sleep between empty reads. Default: 10
	PollIntervalMS int `yaml:"poll_interval_ms"`

	// ErrorCooldownMS is the pause after a failed read. Default: 1000
	ErrorCooldownMS int `yaml:"error_cooldown_ms"`

	// WriteTimeoutMS bounds a single command write. Default: 1000
	WriteTimeoutMS int `yaml:"write_timeout_ms"`

	// CommandTimeoutSeconds is how long a sent command stays pending
	// awaiting its RESP frame. Default: 30
	CommandTimeoutSeconds int `yaml:"command_timeout_seconds"`

	// StopTimeoutSeconds bounds the wait for read loops on shutdown. Default: 3
	StopTimeoutSeconds int `yaml:"stop_timeout_seconds"`

	Devices []DeviceConfig `yaml:"devices"`
}

// DeviceConfig describes one serial-connected controller.
type DeviceConfig struct {
	ID       string `yaml:"id"`
	Endpoint string `yaml:"endpoint"`
	Role     string `yaml:"role"`   // "scanner" or "motor_controller"
	Format   string `yaml:"format"` // "text" (default) or "json"
	BaudRate int    `yaml:"baud_rate,omitempty"`
}

// TransactionConfig contains rental/return transaction settings.
type TransactionConfig struct {
	TimeoutSeconds       int `yaml:"timeout_seconds"`
	Capacity             int `yaml:"capacity"`
	SweepIntervalSeconds int `yaml:"sweep_interval_seconds"`
	SensorPollIntervalMS int `yaml:"sensor_poll_interval_ms"`
}

// SensorsConfig describes the pin to locker mapping.
//
// Zones generate contiguous sensor ranges; Entries list explicit wiring and
// take precedence in a mapping file when both are given.
type SensorsConfig struct {
	MappingFile string              `yaml:"mapping_file"`
	Zones       []SensorZoneConfig  `yaml:"zones"`
	Entries     []SensorEntryConfig `yaml:"entries"`
}

// SensorZoneConfig generates Count sensors starting at FirstSensor, named
// Prefix followed by a two-digit index.
type SensorZoneConfig struct {
	Name        string `yaml:"name"`
	Prefix      string `yaml:"prefix"`
	Count       int    `yaml:"count"`
	FirstSensor int    `yaml:"first_sensor"`
}

// SensorEntryConfig is a single wired sensor.
type SensorEntryConfig struct {
	Address string `yaml:"addr"`
	Chip    int    `yaml:"chip"`
	Pin     int    `yaml:"pin"`
	Sensor  int    `yaml:"sensor"`
	Locker  string `yaml:"locker"`
	Zone    string `yaml:"zone"`
}

// LockerZone routes lockers whose number starts with Prefix to a motor controller.
type LockerZone struct {
	Prefix   string `yaml:"prefix"`
	DeviceID string `yaml:"device_id"`
}

// TelemetryConfig contains health reporting settings.
type TelemetryConfig struct {
	HealthIntervalSeconds int `yaml:"health_interval_seconds"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: LOCKERKIOSK_SECTION_KEY
// For example: LOCKERKIOSK_DATABASE_PATH, LOCKERKIOSK_MQTT_HOST
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with the stock three-controller kiosk layout.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:       "kiosk-001",
			Name:     "Locker Kiosk",
			Timezone: "UTC",
		},
		Database: DatabaseConfig{
			Path:        "./data/lockerkiosk.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "lockerkiosk-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Hardware: HardwareConfig{
			BaudRate:              115200,
			PollIntervalMS:        10,
			ErrorCooldownMS:       1000,
			WriteTimeoutMS:        1000,
			CommandTimeoutSeconds: 30,
			StopTimeoutSeconds:    3,
			Devices: []DeviceConfig{
				{ID: "esp32_barcode", Endpoint: "/dev/ttyUSB0", Role: "scanner", Format: "text"},
				{ID: "esp32_motor1", Endpoint: "/dev/ttyUSB1", Role: "motor_controller", Format: "text"},
				{ID: "esp32_motor2", Endpoint: "/dev/ttyUSB2", Role: "motor_controller", Format: "text"},
			},
		},
		Transaction: TransactionConfig{
			TimeoutSeconds:       30,
			Capacity:             1,
			SweepIntervalSeconds: 5,
			SensorPollIntervalMS: 500,
		},
		Sensors: SensorsConfig{
			Zones: []SensorZoneConfig{
				{Name: "male", Prefix: "M", Count: 70, FirstSensor: 1},
				{Name: "female", Prefix: "F", Count: 50, FirstSensor: 71},
				{Name: "staff", Prefix: "S", Count: 20, FirstSensor: 121},
			},
		},
		Lockers: []LockerZone{
			{Prefix: "M", DeviceID: "esp32_motor1"},
			{Prefix: "F", DeviceID: "esp32_motor2"},
			{Prefix: "S", DeviceID: "esp32_motor2"},
		},
		Telemetry: TelemetryConfig{
			HealthIntervalSeconds: 30,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: LOCKERKIOSK_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("LOCKERKIOSK_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	if v := os.Getenv("LOCKERKIOSK_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("LOCKERKIOSK_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("LOCKERKIOSK_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	if v := os.Getenv("LOCKERKIOSK_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	if v := os.Getenv("LOCKERKIOSK_TRANSACTION_TIMEOUT"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			cfg.Transaction.TimeoutSeconds = secs
		}
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.InfluxDB.Enabled && c.InfluxDB.URL == "" {
		errs = append(errs, "influxdb.url is required when influxdb is enabled")
	}

	if c.Transaction.TimeoutSeconds <= 0 {
		errs = append(errs, "transaction.timeout_seconds must be positive")
	}
	if c.Transaction.Capacity < 1 {
		errs = append(errs, "transaction.capacity must be at least 1")
	}

	seen := make(map[string]bool, len(c.Hardware.Devices))
	for i, d := range c.Hardware.Devices {
		if d.ID == "" {
			errs = append(errs, fmt.Sprintf("hardware.devices[%d].id is required", i))
			continue
		}
		if seen[d.ID] {
			errs = append(errs, fmt.Sprintf("hardware.devices[%d].id %q is duplicated", i, d.ID))
		}
		seen[d.ID] = true
		if d.Endpoint == "" && !c.Hardware.AutoDetect {
			errs = append(errs, fmt.Sprintf("hardware.devices[%d].endpoint is required", i))
		}
		switch d.Role {
		case "scanner", "motor_controller":
		default:
			errs = append(errs, fmt.Sprintf("hardware.devices[%d].role %q must be scanner or motor_controller", i, d.Role))
		}
		switch d.Format {
		case "", "text", "json":
		default:
			errs = append(errs, fmt.Sprintf("hardware.devices[%d].format %q must be text or json", i, d.Format))
		}
	}

	for i, z := range c.Lockers {
		if z.Prefix == "" {
			errs = append(errs, fmt.Sprintf("lockers[%d].prefix is required", i))
		}
		if !seen[z.DeviceID] {
			errs = append(errs, fmt.Sprintf("lockers[%d].device_id %q is not a configured device", i, z.DeviceID))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// TransactionTimeout returns the transaction deadline window as a Duration.
func (c *Config) TransactionTimeout() time.Duration {
	return time.Duration(c.Transaction.TimeoutSeconds) * time.Second
}

// SweepInterval returns how often expired transactions are swept.
func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Transaction.SweepIntervalSeconds) * time.Second
}

// SensorPollInterval returns the sensor verification polling period.
func (c *Config) SensorPollInterval() time.Duration {
	return time.Duration(c.Transaction.SensorPollIntervalMS) * time.Millisecond
}

// HealthInterval returns the telemetry health report period.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Telemetry.HealthIntervalSeconds) * time.Second
}

// DeviceForLocker returns the motor controller configured for a locker
// number, matching the longest prefix.
func (c *Config) DeviceForLocker(locker string) (string, bool) {
	best := -1
	device := ""
	for _, z := range c.Lockers {
		if strings.HasPrefix(locker, z.Prefix) && len(z.Prefix) > best {
			best = len(z.Prefix)
			device = z.DeviceID
		}
	}
	return device, best >= 0
}
