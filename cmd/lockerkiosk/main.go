// Locker Kiosk Core
//
// This is the main entry point for the locker kiosk core. It drives the
// serial-connected ESP32 controllers (barcode scanner and locker motor
// boards), matches IR sensor events from the key hooks to the rental or
// return in progress, and keeps locker and transaction state in SQLite.
//
// Telemetry goes to MQTT and InfluxDB when they are configured; the kiosk
// keeps renting lockers without either.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	_ "github.com/nerrad567/locker-kiosk-core/migrations"

	"github.com/nerrad567/locker-kiosk-core/internal/audit"
	"github.com/nerrad567/locker-kiosk-core/internal/hardware"
	"github.com/nerrad567/locker-kiosk-core/internal/infrastructure/config"
	"github.com/nerrad567/locker-kiosk-core/internal/infrastructure/database"
	"github.com/nerrad567/locker-kiosk-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/locker-kiosk-core/internal/infrastructure/logging"
	"github.com/nerrad567/locker-kiosk-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/locker-kiosk-core/internal/kiosk"
	"github.com/nerrad567/locker-kiosk-core/internal/member"
	"github.com/nerrad567/locker-kiosk-core/internal/sensor"
	"github.com/nerrad567/locker-kiosk-core/internal/telemetry"
	"github.com/nerrad567/locker-kiosk-core/internal/transaction"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// Scanner and motor controller events the telemetry publisher reports.
var telemetryEvents = []hardware.EventType{
	hardware.EventDeviceStatus,
	hardware.EventDeviceError,
	hardware.EventMotorCompleted,
	hardware.EventBarcodeScanned,
	hardware.EventQRScanned,
}

// options are the command-line flags.
type options struct {
	configPath    string
	showVersion   bool
	detectPorts   bool
	migrateDown   bool
	showAudit     bool
	auditSince    time.Duration
	importMembers string
	simulate      []string
}

func main() {
	// Cancel on Ctrl+C and SIGTERM for a graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// parseFlags reads the command line. The config path falls back to
// LOCKERKIOSK_CONFIG and then the default.
func parseFlags(args []string, stdout io.Writer) (options, error) {
	opts := options{configPath: getConfigPath()}

	flagSet := pflag.NewFlagSet("lockerkiosk", pflag.ContinueOnError)
	flagSet.SetOutput(stdout)
	flagSet.StringVarP(&opts.configPath, "config", "c", opts.configPath, "path to the YAML configuration file")
	flagSet.BoolVar(&opts.showVersion, "version", false, "print version information and exit")
	flagSet.BoolVar(&opts.detectPorts, "detect-ports", false, "list USB serial ports that look like controllers and exit")
	flagSet.BoolVar(&opts.migrateDown, "migrate-down", false, "roll back the latest database migration and exit")
	flagSet.BoolVar(&opts.showAudit, "audit", false, "print audit entries, newest first, and exit")
	flagSet.DurationVar(&opts.auditSince, "since", 24*time.Hour, "with --audit, only entries newer than this")
	flagSet.StringVar(&opts.importMembers, "import-members", "", "upsert members from a YAML file and exit")
	flagSet.StringArrayVar(&opts.simulate, "simulate", nil, "inject <device>=<frame> after start (repeatable)")

	if err := flagSet.Parse(args); err != nil {
		return options{}, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return options{}, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if opts.auditSince < 0 {
		return options{}, fmt.Errorf("--since must not be negative: %s", opts.auditSince)
	}
	return opts, nil
}

// run is the actual application logic, separated from main for testability.
// It returns nil on a clean shutdown.
func run(ctx context.Context, args []string, stdout io.Writer) error {
	opts, err := parseFlags(args, stdout)
	if errors.Is(err, pflag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	if opts.showVersion {
		fmt.Fprintf(stdout, "lockerkiosk %s (commit %s, built %s)\n", version, commit, date)
		return nil
	}
	if opts.detectPorts {
		return printDetectedPorts(stdout)
	}
	simulated, err := parseSimulate(opts.simulate)
	if err != nil {
		return err
	}

	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting locker kiosk core",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", opts.configPath)

	log = logging.New(cfg.Logging, version).With("site", cfg.Site.ID)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(ctx, database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if opts.migrateDown {
		if downErr := db.MigrateDown(ctx); downErr != nil {
			return fmt.Errorf("rolling back migration: %w", downErr)
		}
		fmt.Fprintln(stdout, "rolled back latest migration")
		return nil
	}
	if migrateErr := db.Migrate(ctx); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database migrations complete")

	if opts.importMembers != "" {
		return importMembers(ctx, member.NewSQLiteOracle(db.DB), opts.importMembers, stdout)
	}
	if opts.showAudit {
		return printAudit(ctx, audit.NewSQLiteRepository(db.DB), time.Now().Add(-opts.auditSince), stdout)
	}

	mapping, err := buildMapping(cfg.Sensors)
	if err != nil {
		return fmt.Errorf("building sensor mapping: %w", err)
	}
	log.Info("sensor mapping loaded", "sensors", mapping.Len())

	members := member.NewSQLiteOracle(db.DB)
	auditRepo := audit.NewSQLiteRepository(db.DB)

	txManager := transaction.NewManager(db.DB, transaction.Config{
		Timeout:      cfg.TransactionTimeout(),
		Capacity:     cfg.Transaction.Capacity,
		PollInterval: cfg.SensorPollInterval(),
	})
	txManager.SetLogger(log.Component("transaction"))

	if ensureErr := txManager.EnsureLockers(ctx, lockersFor(mapping, cfg)); ensureErr != nil {
		return fmt.Errorf("registering lockers: %w", ensureErr)
	}
	if recoverErr := txManager.Recover(ctx); recoverErr != nil {
		return fmt.Errorf("recovering transactions: %w", recoverErr)
	}

	// Telemetry sinks are optional; the kiosk runs without them.
	mqttClient := connectMQTT(cfg.MQTT, log)
	if mqttClient != nil {
		defer func() {
			log.Info("disconnecting from MQTT")
			if closeErr := mqttClient.Close(); closeErr != nil {
				log.Error("error closing MQTT", "error", closeErr)
			}
		}()
	}
	influxClient := connectInfluxDB(cfg.InfluxDB, log)
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	// Assign through the interfaces only when connected so a nil client
	// never becomes a non-nil sink.
	var (
		messages telemetry.MessagePublisher
		points   telemetry.PointWriter
	)
	if mqttClient != nil {
		messages = mqttClient
	}
	if influxClient != nil {
		points = influxClient
	}

	publisher := telemetry.NewPublisher(messages, points)
	publisher.SetLogger(log.Component("telemetry"))
	txManager.SetObserver(publisher)

	devices, err := deviceConfigs(cfg.Hardware, log)
	if err != nil {
		return err
	}
	hw := hardware.NewManager(hardwareOptions(cfg.Hardware), nil)
	hw.SetLogger(log.Component("hardware"))
	for _, d := range devices {
		if addErr := hw.AddDevice(d); addErr != nil {
			return fmt.Errorf("adding device: %w", addErr)
		}
	}

	router := sensor.NewRouter(mapping, txManager, auditRepo)
	router.SetLogger(log.Component("sensor"))
	router.SetObserver(publisher.SensorRouted)

	service := kiosk.NewService(kiosk.Deps{
		Transactions:  txManager,
		Members:       members,
		Devices:       hw,
		Audit:         auditRepo,
		ControllerFor: cfg.DeviceForLocker,
	}, kiosk.Options{})
	service.SetLogger(log.Component("kiosk"))

	hw.Subscribe(hardware.EventSensorTriggered, router)
	hw.Subscribe(hardware.EventBarcodeScanned, service)
	hw.Subscribe(hardware.EventQRScanned, service)
	for _, ev := range telemetryEvents {
		hw.Subscribe(ev, publisher)
	}

	if !hw.ConnectAll(ctx) {
		log.Warn("not all controllers connected; offline devices are skipped")
	}
	if startErr := hw.Start(ctx); startErr != nil {
		return fmt.Errorf("starting device manager: %w", startErr)
	}
	defer func() {
		if stopErr := hw.Stop(); stopErr != nil {
			log.Error("error stopping device manager", "error", stopErr)
		}
	}()

	health := telemetry.NewHealthReporter(telemetry.HealthReporterConfig{
		SiteID:       cfg.Site.ID,
		Version:      version,
		Interval:     cfg.HealthInterval(),
		Publisher:    messages,
		Points:       points,
		Devices:      hw,
		Transactions: txManager,
		Sensors:      router,
	})
	health.SetLogger(log.Component("health"))
	if pubErr := health.PublishStarting(); pubErr != nil {
		log.Warn("failed to publish starting health", "error", pubErr)
	}
	if mqttClient != nil {
		if subErr := mqttClient.Subscribe(mqtt.Topics{}.HealthRequest(), 1, health.HandleRequest); subErr != nil {
			log.Warn("health request subscription failed", "error", subErr)
		}
	}

	// Background workers stop with ctx and are waited for before the
	// deferred closes run.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		txManager.RunSweeper(gctx, cfg.SweepInterval())
		return nil
	})
	health.Start(gctx)
	defer health.Stop()

	if len(simulated) > 0 {
		n := injectFrames(ctx, hw, simulated, log)
		log.Info("simulated frames processed", "injected", n, "requested", len(simulated))
	}

	if err := healthCheck(ctx, db, mqttClient, influxClient); err != nil {
		log.Warn("startup health check failed", "error", err)
	} else {
		log.Info("all health checks passed")
	}

	log.Info("initialisation complete, waiting for shutdown signal",
		"site", cfg.Site.ID,
		"controllers", len(devices),
		"capacity", cfg.Transaction.Capacity,
	)

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")

	if err := g.Wait(); err != nil {
		log.Error("background worker failed", "error", err)
	}
	logTotals(log, publisher, mqttClient, influxClient)

	// Deferred calls run in reverse order: health reporter, device manager,
	// InfluxDB, MQTT, database.
	log.Info("locker kiosk core stopped")
	return nil
}

// getConfigPath returns the configuration file path.
// Uses LOCKERKIOSK_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("LOCKERKIOSK_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// connectMQTT returns a connected client, or nil when MQTT is disabled or
// the broker cannot be reached.
func connectMQTT(cfg config.MQTTConfig, log *logging.Logger) *mqtt.Client {
	client, err := mqtt.Connect(cfg)
	switch {
	case errors.Is(err, mqtt.ErrDisabled):
		log.Info("MQTT disabled")
		return nil
	case err != nil:
		log.Warn("MQTT unavailable, continuing without telemetry", "error", err)
		return nil
	}

	client.SetLogger(log.Component("mqtt"))
	client.SetOnConnect(func() {
		log.Info("MQTT reconnected")
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
		"client_id", cfg.Broker.ClientID,
	)
	return client
}

// connectInfluxDB returns a connected client, or nil when InfluxDB is
// disabled or unreachable.
func connectInfluxDB(cfg config.InfluxDBConfig, log *logging.Logger) *influxdb.Client {
	client, err := influxdb.Connect(cfg)
	switch {
	case errors.Is(err, influxdb.ErrDisabled):
		log.Info("InfluxDB disabled")
		return nil
	case err != nil:
		log.Warn("InfluxDB unavailable, continuing without metrics", "error", err)
		return nil
	}

	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.URL,
		"org", cfg.Org,
		"bucket", cfg.Bucket,
	)
	return client
}

// healthCheck verifies the infrastructure connections. The database is
// required; the telemetry clients are checked only when connected.
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}

// logTotals logs the telemetry counters accumulated over the run.
func logTotals(log *logging.Logger, publisher *telemetry.Publisher, mqttClient *mqtt.Client, influxClient *influxdb.Client) {
	ps := publisher.Stats()
	args := []any{
		"published", ps.Published,
		"publish_failed", ps.Failed,
		"points", ps.Points,
	}
	if mqttClient != nil {
		ms := mqttClient.Stats()
		args = append(args, "mqtt_reconnects", ms.Reconnects, "mqtt_handler_errors", ms.HandlerErrors)
	}
	if influxClient != nil {
		is := influxClient.Stats()
		args = append(args, "influx_dropped", is.Dropped, "influx_failed", is.Failed)
	}
	log.Info("telemetry totals", args...)
}

// buildMapping loads the sensor layout from the mapping file when one is
// configured, otherwise from the inline zones and entries.
func buildMapping(cfg config.SensorsConfig) (*sensor.Mapping, error) {
	if cfg.MappingFile != "" {
		layout, err := sensor.LoadLayout(cfg.MappingFile)
		if err != nil {
			return nil, err
		}
		return layout.Build()
	}

	var layout sensor.Layout
	for _, z := range cfg.Zones {
		layout.Zones = append(layout.Zones, sensor.Zone{
			Name:        z.Name,
			Prefix:      z.Prefix,
			Count:       z.Count,
			FirstSensor: z.FirstSensor,
		})
	}
	for _, e := range cfg.Entries {
		layout.Entries = append(layout.Entries, sensor.Entry{
			Address: e.Address,
			Chip:    e.Chip,
			Pin:     e.Pin,
			Sensor:  e.Sensor,
			Locker:  e.Locker,
			Zone:    e.Zone,
		})
	}
	return layout.Build()
}

// lockersFor lists one locker per mapped sensor, routed to its zone's
// motor controller.
func lockersFor(mapping *sensor.Mapping, cfg *config.Config) []transaction.Locker {
	entries := mapping.Entries()
	lockers := make([]transaction.Locker, 0, len(entries))
	for _, e := range entries {
		deviceID, _ := cfg.DeviceForLocker(e.Locker)
		lockers = append(lockers, transaction.Locker{
			Number:   e.Locker,
			Zone:     e.Zone,
			DeviceID: deviceID,
		})
	}
	return lockers
}

// deviceConfigs converts the configured controllers, replacing endpoints
// with detected ports when auto-detection is on.
func deviceConfigs(cfg config.HardwareConfig, log *logging.Logger) ([]hardware.DeviceConfig, error) {
	devices := make([]hardware.DeviceConfig, 0, len(cfg.Devices))
	for _, d := range cfg.Devices {
		devices = append(devices, hardware.DeviceConfig{
			ID:       d.ID,
			Endpoint: d.Endpoint,
			Role:     hardware.Role(d.Role),
			Format:   hardware.Format(d.Format),
			BaudRate: d.BaudRate,
		})
	}
	if !cfg.AutoDetect {
		return devices, nil
	}

	ports, err := hardware.DetectPorts()
	if err != nil {
		return nil, fmt.Errorf("detecting serial ports: %w", err)
	}
	if len(ports) < len(devices) {
		log.Warn("fewer serial ports detected than configured devices",
			"detected", len(ports),
			"configured", len(devices),
		)
	}
	devices = hardware.AssignDetected(devices, ports)
	for _, d := range devices {
		log.Info("controller endpoint", "device", d.ID, "endpoint", d.Endpoint)
	}
	return devices, nil
}

func hardwareOptions(cfg config.HardwareConfig) hardware.Options {
	ms := func(n int) time.Duration { return time.Duration(n) * time.Millisecond }
	return hardware.Options{
		BaudRate:       cfg.BaudRate,
		PollInterval:   ms(cfg.PollIntervalMS),
		ErrorCooldown:  ms(cfg.ErrorCooldownMS),
		WriteTimeout:   ms(cfg.WriteTimeoutMS),
		CommandTimeout: time.Duration(cfg.CommandTimeoutSeconds) * time.Second,
		StopTimeout:    time.Duration(cfg.StopTimeoutSeconds) * time.Second,
	}
}

func printDetectedPorts(w io.Writer) error {
	ports, err := hardware.DetectPorts()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Fprintln(w, "no controller serial ports detected")
		return nil
	}
	for _, p := range ports {
		fmt.Fprintf(w, "%s\t%s:%s\t%s\t%s\n", p.Name, p.VID, p.PID, p.Match, p.Product)
	}
	return nil
}
