package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nerrad567/locker-kiosk-core/internal/hardware"
	"github.com/nerrad567/locker-kiosk-core/internal/infrastructure/influxdb"
	"github.com/nerrad567/locker-kiosk-core/internal/infrastructure/mqtt"
	"github.com/nerrad567/locker-kiosk-core/internal/protocol"
	"github.com/nerrad567/locker-kiosk-core/internal/sensor"
	"github.com/nerrad567/locker-kiosk-core/internal/transaction"
)

// QoS levels by message class.
const (
	qosState = 1
	qosEvent = 0
)

// MessagePublisher is the MQTT side of telemetry. *mqtt.Client satisfies it.
type MessagePublisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	IsConnected() bool
}

// PointWriter is the InfluxDB side of telemetry. *influxdb.Client
// satisfies it.
type PointWriter interface {
	WriteTransactionOutcome(o influxdb.TransactionOutcome)
	WriteSensorEvent(s influxdb.SensorSample)
	WriteDeviceSample(s influxdb.DeviceSample)
	WriteKioskGauge(siteID string, fields map[string]interface{})
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// PublisherStats holds publish counters.
type PublisherStats struct {
	Published uint64
	Failed    uint64
	Points    uint64
}

// Publisher turns kiosk activity into MQTT messages and InfluxDB points.
//
// It implements transaction.Observer and hardware.EventHandler, and
// SensorRouted matches sensor.Router.SetObserver.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
type Publisher struct {
	mq     MessagePublisher
	points PointWriter
	logger Logger
	now    func() time.Time

	published atomic.Uint64
	failed    atomic.Uint64
	written   atomic.Uint64
}

var (
	_ transaction.Observer  = (*Publisher)(nil)
	_ hardware.EventHandler = (*Publisher)(nil)
)

// NewPublisher creates a Publisher. Either sink may be nil.
func NewPublisher(mq MessagePublisher, points PointWriter) *Publisher {
	return &Publisher{
		mq:     mq,
		points: points,
		logger: noopLogger{},
		now:    time.Now,
	}
}

// SetLogger sets the logger. Call before wiring the publisher.
func (p *Publisher) SetLogger(l Logger) {
	if l == nil {
		l = noopLogger{}
	}
	p.logger = l
}

// TransactionStarted implements transaction.Observer.
func (p *Publisher) TransactionStarted(t transaction.Transaction) {
	p.publishTransaction(t, "")
}

// StepChanged implements transaction.Observer. Selecting a locker marks it
// in use.
func (p *Publisher) StepChanged(t transaction.Transaction, from transaction.Step) {
	p.publishTransaction(t, from)

	if t.Step == transaction.StepLockerSelected && t.LockerNumber != "" {
		p.publishLocker(t.LockerNumber, LockerInUse, t.ID)
	}
}

// TransactionEnded implements transaction.Observer. It publishes the final
// state, the locker's resulting occupancy and an outcome point.
func (p *Publisher) TransactionEnded(t transaction.Transaction) {
	p.publishTransaction(t, "")

	if t.LockerNumber != "" {
		p.publishLocker(t.LockerNumber, lockerStateAfter(t), "")
	}

	if p.points != nil {
		ended := t.EndedAt
		if ended.IsZero() {
			ended = p.now()
		}
		p.points.WriteTransactionOutcome(influxdb.TransactionOutcome{
			Kind:         string(t.Kind),
			Status:       string(t.Status),
			LockerNumber: t.LockerNumber,
			Duration:     ended.Sub(t.CreatedAt),
			SensorEvents: len(t.SensorEvents),
			EndedAt:      ended,
		})
		p.written.Add(1)
	}
}

// lockerStateAfter is the locker's occupancy once t has ended. A
// transaction that did not complete leaves the locker as it was.
func lockerStateAfter(t transaction.Transaction) string {
	completed := t.Status == transaction.StatusCompleted
	if (t.Kind == transaction.KindRental) == completed {
		return LockerRented
	}
	return LockerAvailable
}

// SensorRouted publishes a routed sensor reading. Unmapped readings are
// published under the "unmapped" locker segment.
func (p *Publisher) SensorRouted(res sensor.Result) {
	at := res.At
	if at.IsZero() {
		at = p.now()
	}
	locker := res.Entry.Locker

	msg := SensorMessage{
		Locker:        locker,
		Sensor:        res.Entry.Sensor,
		Chip:          res.Reading.ChipIndex,
		Pin:           res.Reading.Pin,
		Address:       res.Reading.Address,
		State:         res.Reading.State,
		Active:        res.Reading.Active,
		Outcome:       string(res.Outcome),
		TransactionID: res.TransactionID,
		Timestamp:     at.UTC(),
	}
	segment := locker
	if segment == "" {
		segment = string(sensor.OutcomeUnmapped)
	}
	p.publish(mqtt.Topics{}.SensorEvent(segment), msg, qosEvent, false)

	if p.points != nil {
		p.points.WriteSensorEvent(influxdb.SensorSample{
			LockerNumber: locker,
			ChipIndex:    res.Reading.ChipIndex,
			Pin:          res.Reading.Pin,
			State:        res.Reading.State,
			Outcome:      string(res.Outcome),
			At:           at,
		})
		p.written.Add(1)
	}
}

// HandleEvent implements hardware.EventHandler. Status frames update the
// retained device status; scans, motor completions and errors are
// published as device events. Scan contents are not published.
func (p *Publisher) HandleEvent(_ context.Context, ev hardware.Event) error {
	msg := DeviceMessage{
		DeviceID:  ev.DeviceID,
		Role:      string(ev.Role),
		Event:     string(ev.Type),
		Online:    true,
		Timestamp: p.now().UTC(),
	}
	if !ev.Message.ReceivedAt.IsZero() {
		msg.Timestamp = ev.Message.ReceivedAt.UTC()
	}

	topics := mqtt.Topics{}
	switch payload := ev.Message.Payload.(type) {
	case protocol.StatusReport:
		msg.Door = payload.Door
		msg.Scanner = payload.Scanner
		msg.UptimeSeconds = payload.UptimeSeconds
		p.publish(topics.DeviceStatus(ev.DeviceID), msg, qosState, true)
		return nil
	case protocol.Heartbeat:
		p.publish(topics.DeviceStatus(ev.DeviceID), msg, qosState, true)
		return nil
	case protocol.CommandResponse:
		msg.Status = payload.Status
	case protocol.ErrorReport:
		msg.Message = payload.Message
	}
	p.publish(topics.DeviceEvent(ev.DeviceID), msg, qosEvent, false)
	return nil
}

// Stats returns a snapshot of the publish counters.
func (p *Publisher) Stats() PublisherStats {
	return PublisherStats{
		Published: p.published.Load(),
		Failed:    p.failed.Load(),
		Points:    p.written.Load(),
	}
}

func (p *Publisher) publishTransaction(t transaction.Transaction, from transaction.Step) {
	msg := TransactionMessage{
		ID:           t.ID,
		MemberID:     t.MemberID,
		Kind:         string(t.Kind),
		Status:       string(t.Status),
		Step:         string(t.Step),
		PreviousStep: string(from),
		LockerNumber: t.LockerNumber,
		Deadline:     t.Deadline.UTC(),
		SensorEvents: len(t.SensorEvents),
		Error:        t.ErrorMessage,
		Timestamp:    p.now().UTC(),
	}
	p.publish(mqtt.Topics{}.TransactionState(t.ID), msg, qosState, false)
}

func (p *Publisher) publishLocker(number, state, txID string) {
	msg := LockerMessage{
		Locker:        number,
		State:         state,
		TransactionID: txID,
		Timestamp:     p.now().UTC(),
	}
	p.publish(mqtt.Topics{}.LockerState(number), msg, qosState, true)
}

// publish marshals v and sends it. Failures are logged and counted.
func (p *Publisher) publish(topic string, v any, qos byte, retained bool) {
	if p.mq == nil {
		return
	}
	if err := publishJSON(p.mq, topic, v, qos, retained); err != nil {
		p.failed.Add(1)
		p.logger.Warn("telemetry publish failed", "topic", topic, "error", err)
		return
	}
	p.published.Add(1)
}

func publishJSON(mq MessagePublisher, topic string, v any, qos byte, retained bool) error {
	if !mq.IsConnected() {
		return mqtt.ErrNotConnected
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling %s: %w", topic, err)
	}
	return mq.Publish(topic, payload, qos, retained)
}
