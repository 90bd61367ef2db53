package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementTransactions = "transaction_outcome"
	MeasurementSensorEvents = "sensor_event"
	MeasurementDevices      = "device_counters"
	MeasurementKiosk        = "kiosk"
)

// TransactionOutcome is one finished rental or return.
type TransactionOutcome struct {
	Kind         string // rental or return
	Status       string // completed, cancelled, failed, timeout
	LockerNumber string
	Duration     time.Duration
	SensorEvents int
	EndedAt      time.Time
}

// SensorSample is one routed IR sensor reading.
type SensorSample struct {
	LockerNumber string // empty when the coordinate is unmapped
	ChipIndex    int
	Pin          int
	State        string
	Outcome      string
	At           time.Time
}

// DeviceSample is a counter snapshot of one controller.
type DeviceSample struct {
	DeviceID         string
	Role             string
	Online           bool
	MessagesSent     uint64
	MessagesReceived uint64
	Errors           uint64
	At               time.Time
}

// WriteTransactionOutcome records a finished transaction.
//
// Kind, status and locker are tags so dashboards can group by them; the
// locker tag is omitted when no locker was chosen.
func (c *Client) WriteTransactionOutcome(o TransactionOutcome) {
	c.writePoint(transactionPoint(o))
}

// WriteSensorEvent records a routed sensor reading.
func (c *Client) WriteSensorEvent(s SensorSample) {
	c.writePoint(sensorPoint(s))
}

// WriteDeviceSample records a controller counter snapshot.
func (c *Client) WriteDeviceSample(s DeviceSample) {
	c.writePoint(devicePoint(s))
}

// WriteKioskGauge records kiosk-wide gauges such as active transactions.
//
// Example:
//
//	client.WriteKioskGauge("site-01", map[string]interface{}{"active_transactions": 1})
func (c *Client) WriteKioskGauge(siteID string, fields map[string]interface{}) {
	if len(fields) == 0 {
		return
	}
	c.writePoint(write.NewPoint(MeasurementKiosk, map[string]string{"site_id": siteID}, fields, time.Now()))
}

// WritePoint writes a custom point with full control over tags and fields.
//
// Use this for custom measurements that don't fit the helper methods.
//
// Parameters:
//   - measurement: The measurement name (table)
//   - tags: Key-value pairs for indexing (low cardinality)
//   - fields: Key-value pairs for the actual data
func (c *Client) WritePoint(measurement string, tags map[string]string, fields map[string]interface{}) {
	c.writePoint(write.NewPoint(measurement, tags, fields, time.Now()))
}

// WritePointWithTime writes a custom point with a specific timestamp.
func (c *Client) WritePointWithTime(measurement string, tags map[string]string, fields map[string]interface{}, timestamp time.Time) {
	c.writePoint(write.NewPoint(measurement, tags, fields, timestamp))
}

// writePoint queues p on the non-blocking write API. Points written while
// disconnected are dropped.
func (c *Client) writePoint(p *write.Point) {
	if !c.IsConnected() {
		c.dropped.Add(1)
		return
	}
	c.writeAPI.WritePoint(p)
	c.queued.Add(1)
}

func transactionPoint(o TransactionOutcome) *write.Point {
	tags := map[string]string{
		"kind":   o.Kind,
		"status": o.Status,
	}
	if o.LockerNumber != "" {
		tags["locker"] = o.LockerNumber
	}
	return write.NewPoint(
		MeasurementTransactions,
		tags,
		map[string]interface{}{
			"duration_seconds": o.Duration.Seconds(),
			"sensor_events":    o.SensorEvents,
			"count":            1,
		},
		orNow(o.EndedAt),
	)
}

func sensorPoint(s SensorSample) *write.Point {
	tags := map[string]string{
		"outcome": s.Outcome,
		"state":   s.State,
	}
	if s.LockerNumber != "" {
		tags["locker"] = s.LockerNumber
	}
	return write.NewPoint(
		MeasurementSensorEvents,
		tags,
		map[string]interface{}{
			"chip":  s.ChipIndex,
			"pin":   s.Pin,
			"count": 1,
		},
		orNow(s.At),
	)
}

func devicePoint(s DeviceSample) *write.Point {
	online := 0
	if s.Online {
		online = 1
	}
	return write.NewPoint(
		MeasurementDevices,
		map[string]string{
			"device_id": s.DeviceID,
			"role":      s.Role,
		},
		map[string]interface{}{
			"online":            online,
			"messages_sent":     s.MessagesSent,
			"messages_received": s.MessagesReceived,
			"errors":            s.Errors,
		},
		orNow(s.At),
	)
}

func orNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
