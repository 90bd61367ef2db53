package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/locker-kiosk-core/internal/hardware"
	"github.com/nerrad567/locker-kiosk-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/locker-kiosk-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/locker-kiosk-core/internal/sensor"
	"github.com/nerrad567/locker-kiosk-core/internal/transaction"
)

// DefaultHealthInterval is used when HealthReporterConfig.Interval is zero.
const DefaultHealthInterval = 30 * time.Second

// DeviceSource provides controller state. *hardware.Manager satisfies it.
type DeviceSource interface {
	AllDeviceStatus() []hardware.DeviceStatus
	Stats() hardware.Stats
}

// TransactionSource provides admission state. *transaction.Manager
// satisfies it.
type TransactionSource interface {
	ActiveTransactions() []transaction.Transaction
	Capacity() int
}

// SensorSource provides routing counters. *sensor.Router satisfies it.
type SensorSource interface {
	Stats() sensor.RouterStats
}

// HealthReporterConfig holds configuration for the health reporter.
type HealthReporterConfig struct {
	// SiteID identifies the kiosk in health messages and points.
	SiteID string

	// Version is the kiosk software version.
	Version string

	// Interval is how often to publish health status.
	// Default: 30 seconds.
	Interval time.Duration

	// Publisher is the MQTT client. Nil disables health messages.
	Publisher MessagePublisher

	// Points is the InfluxDB writer. Nil disables device samples.
	Points PointWriter

	Devices      DeviceSource
	Transactions TransactionSource
	Sensors      SensorSource // optional
}

// HealthReporter manages periodic health status reporting.
//
// Each report publishes a retained HealthMessage on lockerkiosk/system/health
// and writes one device_counters point per controller plus a kiosk gauge.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type HealthReporter struct {
	cfg       HealthReporterConfig
	startTime time.Time
	now       func() time.Time

	// Shutdown coordination (stopOnce prevents double-close panics)
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	loggerMu sync.RWMutex
	logger   Logger
}

// NewHealthReporter creates a health reporter. Call Start to begin
// reporting.
func NewHealthReporter(cfg HealthReporterConfig) *HealthReporter {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultHealthInterval
	}
	return &HealthReporter{
		cfg:       cfg,
		startTime: time.Now(),
		now:       time.Now,
		done:      make(chan struct{}),
		logger:    noopLogger{},
	}
}

// SetLogger sets the logger for this reporter.
func (h *HealthReporter) SetLogger(l Logger) {
	if l == nil {
		l = noopLogger{}
	}
	h.loggerMu.Lock()
	h.logger = l
	h.loggerMu.Unlock()
}

func (h *HealthReporter) getLogger() Logger {
	h.loggerMu.RLock()
	defer h.loggerMu.RUnlock()
	return h.logger
}

// Start begins periodic health reporting until ctx is cancelled or Stop
// is called. A report is published immediately.
func (h *HealthReporter) Start(ctx context.Context) {
	h.wg.Add(1)
	go h.reportLoop(ctx)
}

// Stop ends reporting and publishes a final "stopping" status. Safe to
// call more than once.
func (h *HealthReporter) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.wg.Wait()

		if err := h.publish(HealthStopping, "kiosk stopping"); err != nil {
			h.getLogger().Warn("failed to publish stopping health", "error", err)
		}
	})
}

// PublishStarting publishes a "starting" status.
func (h *HealthReporter) PublishStarting() error {
	return h.publish(HealthStarting, "kiosk starting")
}

// PublishNow publishes the current health status immediately.
func (h *HealthReporter) PublishNow() error {
	h.writePoints()
	status, reason := h.determineStatus()
	return h.publish(status, reason)
}

// HandleRequest answers a message on lockerkiosk/system/health/request.
// It matches mqtt.MessageHandler.
func (h *HealthReporter) HandleRequest(_ string, _ []byte) error {
	return h.PublishNow()
}

// Snapshot builds the health message for status without publishing it.
func (h *HealthReporter) Snapshot(status HealthStatus, reason string) HealthMessage {
	now := h.now()
	msg := HealthMessage{
		Site:          h.cfg.SiteID,
		Version:       h.cfg.Version,
		Status:        status,
		Reason:        reason,
		Timestamp:     now.UTC(),
		UptimeSeconds: int64(now.Sub(h.startTime).Seconds()),
		Devices:       []DeviceHealth{},
	}

	if h.cfg.Transactions != nil {
		msg.ActiveTransactions = len(h.cfg.Transactions.ActiveTransactions())
		msg.Capacity = h.cfg.Transactions.Capacity()
	}

	if h.cfg.Devices != nil {
		for _, d := range h.cfg.Devices.AllDeviceStatus() {
			dh := DeviceHealth{
				ID:               d.ID,
				Role:             string(d.Role),
				Online:           d.Online,
				MessagesSent:     d.MessagesSent,
				MessagesReceived: d.MessagesReceived,
				Errors:           d.Errors,
				LastError:        d.LastError,
			}
			if !d.LastSeen.IsZero() {
				seen := d.LastSeen.UTC()
				dh.LastSeen = &seen
			}
			msg.Devices = append(msg.Devices, dh)
		}

		ps := h.cfg.Devices.Stats().Protocol
		msg.Protocol = ProtocolHealth{
			MessagesParsed:  ps.MessagesParsed,
			ParseErrors:     ps.ParseErrors,
			InvalidMessages: ps.InvalidMessages,
			CommandsSent:    ps.CommandsSent,
			PendingCommands: ps.PendingCommands,
		}
	}

	if h.cfg.Sensors != nil {
		st := h.cfg.Sensors.Stats()
		msg.Sensors = &SensorHealth{
			Unmapped:  st.Unmapped,
			Unmatched: st.Unmatched,
			Recorded:  st.Recorded,
			Completed: st.Completed,
			Errors:    st.Errors,
		}
	}
	return msg
}

func (h *HealthReporter) reportLoop(ctx context.Context) {
	defer h.wg.Done()

	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	if err := h.PublishNow(); err != nil {
		h.getLogger().Warn("failed to publish initial health", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			if err := h.PublishNow(); err != nil {
				h.getLogger().Warn("failed to publish health", "error", err)
			}
		}
	}
}

// determineStatus reports degraded while any controller is offline.
func (h *HealthReporter) determineStatus() (HealthStatus, string) {
	if h.cfg.Devices == nil {
		return HealthHealthy, ""
	}
	st := h.cfg.Devices.Stats()
	if st.Online < st.Devices {
		return HealthDegraded, fmt.Sprintf("%d of %d controllers offline", st.Devices-st.Online, st.Devices)
	}
	return HealthHealthy, ""
}

func (h *HealthReporter) publish(status HealthStatus, reason string) error {
	if h.cfg.Publisher == nil {
		return nil
	}
	msg := h.Snapshot(status, reason)
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if !h.cfg.Publisher.IsConnected() {
		return mqtt.ErrNotConnected
	}
	return h.cfg.Publisher.Publish(mqtt.Topics{}.SystemHealth(), payload, qosState, true)
}

func (h *HealthReporter) writePoints() {
	points := h.cfg.Points
	if points == nil {
		return
	}
	now := h.now()

	if h.cfg.Devices != nil {
		for _, d := range h.cfg.Devices.AllDeviceStatus() {
			points.WriteDeviceSample(influxdb.DeviceSample{
				DeviceID:         d.ID,
				Role:             string(d.Role),
				Online:           d.Online,
				MessagesSent:     d.MessagesSent,
				MessagesReceived: d.MessagesReceived,
				Errors:           d.Errors,
				At:               now,
			})
		}
	}

	if h.cfg.Transactions != nil {
		points.WriteKioskGauge(h.cfg.SiteID, map[string]interface{}{
			"active_transactions": len(h.cfg.Transactions.ActiveTransactions()),
			"capacity":            h.cfg.Transactions.Capacity(),
			"uptime_seconds":      int64(now.Sub(h.startTime).Seconds()),
		})
	}
}
