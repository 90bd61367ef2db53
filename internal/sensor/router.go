package sensor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nerrad567/locker-kiosk-core/internal/audit"
	"github.com/nerrad567/locker-kiosk-core/internal/hardware"
	"github.com/nerrad567/locker-kiosk-core/internal/protocol"
	"github.com/nerrad567/locker-kiosk-core/internal/transaction"
)

// Outcome is what routing a sensor event did.
type Outcome string

// Routing outcomes.
const (
	OutcomeUnmapped  Outcome = "unmapped"  // coordinate not in the mapping
	OutcomeUnmatched Outcome = "unmatched" // no active transaction for the locker
	OutcomeRecorded  Outcome = "recorded"  // logged against a transaction, no transition
	OutcomeCompleted Outcome = "completed" // transaction confirmed and completed
)

// TransactionStore is the part of the transaction manager the router uses.
type TransactionStore interface {
	ResolveForLocker(ctx context.Context, lockerID string) (transaction.Transaction, bool)
	RecordSensorEvent(ctx context.Context, id, lockerID string, r transaction.SensorReading) error
	ConfirmSensor(ctx context.Context, id, lockerID string, sensorTime time.Time) (bool, error)
}

// AuditRecorder writes audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, action, entityType, entityID string, details map[string]any) error
}

// Result describes one routed sensor event.
type Result struct {
	Outcome       Outcome
	Entry         Entry // zero when unmapped
	Reading       protocol.SensorTriggered
	TransactionID string // empty when unmapped or unmatched
	Kind          transaction.Kind
	At            time.Time
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

// RouterStats holds routing counters.
type RouterStats struct {
	Unmapped  uint64
	Unmatched uint64
	Recorded  uint64
	Completed uint64
	Errors    uint64
}

// Router ties sensor events to transactions.
//
// Thread Safety:
//   - HandleEvent and Route are safe for concurrent use; selection and
//     confirmation are each atomic inside the TransactionStore, and the
//     sensor_wait check belongs to confirmation.
//   - SetLogger and SetObserver must be called before events flow.
type Router struct {
	mapping  *Mapping
	store    TransactionStore
	audit    AuditRecorder
	logger   Logger
	observer func(Result)

	unmapped  atomic.Uint64
	unmatched atomic.Uint64
	recorded  atomic.Uint64
	completed atomic.Uint64
	errs      atomic.Uint64
}

// NewRouter creates a Router. auditor may be nil.
func NewRouter(mapping *Mapping, store TransactionStore, auditor AuditRecorder) *Router {
	return &Router{
		mapping: mapping,
		store:   store,
		audit:   auditor,
		logger:  noopLogger{},
	}
}

// SetLogger sets the logger.
func (r *Router) SetLogger(l Logger) {
	if l == nil {
		l = noopLogger{}
	}
	r.logger = l
}

// SetObserver registers fn to receive every Result.
func (r *Router) SetObserver(fn func(Result)) {
	r.observer = fn
}

// HandleEvent implements hardware.EventHandler. Events other than
// sensor_triggered are ignored.
func (r *Router) HandleEvent(ctx context.Context, ev hardware.Event) error {
	if ev.Type != hardware.EventSensorTriggered {
		return nil
	}
	reading, ok := ev.Message.Payload.(protocol.SensorTriggered)
	if !ok {
		return fmt.Errorf("sensor event from %s carries %T", ev.DeviceID, ev.Message.Payload)
	}
	_, err := r.Route(ctx, reading, ev.Message.ReceivedAt)
	return err
}

// Route applies one sensor reading taken at at.
func (r *Router) Route(ctx context.Context, reading protocol.SensorTriggered, at time.Time) (Result, error) {
	if at.IsZero() {
		at = time.Now()
	}
	res := Result{Reading: reading, At: at}

	entry, ok := r.mapping.ByCoordinate(reading.Address, reading.ChipIndex, reading.Pin)
	if !ok {
		r.logger.Warn("sensor event for unmapped pin",
			"addr", reading.Address, "chip", reading.ChipIndex, "pin", reading.Pin, "state", reading.State)
		res.Outcome = OutcomeUnmapped
		return r.finish(res), nil
	}
	res.Entry = entry

	tx, ok := r.store.ResolveForLocker(ctx, entry.Locker)
	if !ok {
		return r.noTransaction(ctx, res)
	}
	res.TransactionID = tx.ID
	res.Kind = tx.Kind

	err := r.store.RecordSensorEvent(ctx, tx.ID, entry.Locker, transaction.SensorReading{
		Sensor: entry.Sensor,
		State:  reading.State,
		Active: reading.Active,
		At:     at,
	})
	if errors.Is(err, transaction.ErrNotActive) {
		// Ended between selection and recording.
		res.TransactionID = ""
		return r.noTransaction(ctx, res)
	}
	if err != nil {
		r.errs.Add(1)
		return res, fmt.Errorf("recording sensor %d: %w", entry.Sensor, err)
	}

	res.Outcome = OutcomeRecorded
	if reading.State != tx.Kind.ExpectedState() {
		r.logger.Debug("sensor event recorded",
			"locker", entry.Locker, "transaction_id", tx.ID, "state", reading.State)
		return r.finish(res), nil
	}

	// tx.Step may already be stale; ConfirmSensor checks sensor_wait under
	// the manager lock.
	confirmed, err := r.store.ConfirmSensor(ctx, tx.ID, entry.Locker, at)
	if err != nil {
		r.errs.Add(1)
		return res, fmt.Errorf("confirming sensor %d: %w", entry.Sensor, err)
	}
	if confirmed {
		res.Outcome = OutcomeCompleted
		r.logger.Info("sensor verified transaction",
			"locker", entry.Locker, "sensor", entry.Sensor, "transaction_id", tx.ID, "kind", tx.Kind)
	}
	return r.finish(res), nil
}

func (r *Router) noTransaction(ctx context.Context, res Result) (Result, error) {
	res.Outcome = OutcomeUnmatched
	r.logger.Info("sensor event without transaction",
		"locker", res.Entry.Locker, "sensor", res.Entry.Sensor, "state", res.Reading.State)

	if r.audit != nil {
		err := r.audit.Record(ctx, audit.ActionSensorUnmatched, audit.EntityLocker, res.Entry.Locker, map[string]any{
			"sensor": res.Entry.Sensor,
			"addr":   res.Entry.Address,
			"chip":   res.Entry.Chip,
			"pin":    res.Entry.Pin,
			"state":  res.Reading.State,
			"active": res.Reading.Active,
			"at":     res.At.UTC().Format(time.RFC3339Nano),
		})
		if err != nil {
			r.errs.Add(1)
			r.logger.Error("writing sensor audit entry failed", "locker", res.Entry.Locker, "error", err)
		}
	}
	return r.finish(res), nil
}

func (r *Router) finish(res Result) Result {
	switch res.Outcome {
	case OutcomeUnmapped:
		r.unmapped.Add(1)
	case OutcomeUnmatched:
		r.unmatched.Add(1)
	case OutcomeRecorded:
		r.recorded.Add(1)
	case OutcomeCompleted:
		r.completed.Add(1)
	}
	if r.observer != nil {
		r.observer(res)
	}
	return res
}

// Stats returns a snapshot of the routing counters.
func (r *Router) Stats() RouterStats {
	return RouterStats{
		Unmapped:  r.unmapped.Load(),
		Unmatched: r.unmatched.Load(),
		Recorded:  r.recorded.Load(),
		Completed: r.completed.Load(),
		Errors:    r.errs.Load(),
	}
}
