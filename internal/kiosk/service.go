package kiosk

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nerrad567/locker-kiosk-core/internal/audit"
	"github.com/nerrad567/locker-kiosk-core/internal/hardware"
	"github.com/nerrad567/locker-kiosk-core/internal/member"
	"github.com/nerrad567/locker-kiosk-core/internal/protocol"
	"github.com/nerrad567/locker-kiosk-core/internal/transaction"
)

// Transactions is the part of the transaction manager the service drives.
type Transactions interface {
	StartTransaction(ctx context.Context, memberID string, kind transaction.Kind) (transaction.Admission, error)
	UpdateStep(ctx context.Context, id string, step transaction.Step, att *transaction.Attachment) error
	EndTransaction(ctx context.Context, id string, status transaction.Status, errMsg string) error
	WaitForSensorVerification(ctx context.Context, id string) (bool, error)
	Locker(ctx context.Context, number string) (transaction.Locker, error)
}

// Commander sends commands to controllers.
type Commander interface {
	SendCommand(ctx context.Context, deviceID string, cmd protocol.Command) (string, error)
}

// AuditRecorder writes audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, action, entityType, entityID string, details map[string]any) error
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

// Deps are the collaborators of a Service. Audit may be nil.
type Deps struct {
	Transactions Transactions
	Members      member.Oracle
	Devices      Commander
	Audit        AuditRecorder

	// ControllerFor returns the motor controller serving a locker.
	ControllerFor func(locker string) (string, bool)
}

// Options tune a Service.
type Options struct {
	OpenDurationMS int // 0 uses the controller default
}

// Session is a rental or return waiting for its sensor.
type Session struct {
	TransactionID string
	MemberID      string
	Kind          transaction.Kind
	LockerNumber  string
	DeviceID      string
	CommandID     string
	Deadline      time.Time
}

// Scan is the last member code read by a scanner.
type Scan struct {
	Code     string
	MemberID string // empty when the code matched no member
	Kind     hardware.EventType
	DeviceID string
	At       time.Time
}

// Service orchestrates kiosk sessions.
//
// Thread Safety:
//   - All methods are safe for concurrent use. Concurrent sessions are
//     limited by transaction admission, not by the service.
type Service struct {
	deps   Deps
	opts   Options
	logger Logger

	mu       sync.Mutex
	lastScan *Scan
}

// NewService creates a Service.
func NewService(deps Deps, opts Options) *Service {
	return &Service{deps: deps, opts: opts, logger: noopLogger{}}
}

// SetLogger sets the logger.
func (s *Service) SetLogger(l Logger) {
	if l == nil {
		l = noopLogger{}
	}
	s.logger = l
}

// Rent starts a rental of lockerNumber for memberID and opens the locker.
// The returned session completes when the sensor sees the key removed.
func (s *Service) Rent(ctx context.Context, memberID, lockerNumber string) (*Session, error) {
	if err := s.checkMember(ctx, memberID); err != nil {
		return nil, err
	}
	renting, err := s.deps.Members.CurrentlyRenting(ctx, memberID)
	if err != nil {
		return nil, fmt.Errorf("checking rentals of %s: %w", memberID, err)
	}
	if renting != "" {
		return nil, fmt.Errorf("%w: %s holds %s", ErrAlreadyRenting, memberID, renting)
	}

	return s.run(ctx, memberID, transaction.KindRental, lockerNumber, func(l transaction.Locker) error {
		if l.CurrentMember != "" {
			return fmt.Errorf("%w: %s", ErrLockerOccupied, l.Number)
		}
		return nil
	})
}

// Return starts a return of the locker memberID holds and opens it. The
// returned session completes when the sensor sees the key inserted.
func (s *Service) Return(ctx context.Context, memberID string) (*Session, error) {
	renting, err := s.deps.Members.CurrentlyRenting(ctx, memberID)
	if errors.Is(err, member.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrMemberInvalid, memberID)
	}
	if err != nil {
		return nil, fmt.Errorf("checking rentals of %s: %w", memberID, err)
	}
	if renting == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotRenting, memberID)
	}

	return s.run(ctx, memberID, transaction.KindReturn, renting, func(l transaction.Locker) error {
		if l.CurrentMember != "" && l.CurrentMember != memberID {
			return fmt.Errorf("%w: %s is held by another member", ErrLockerOccupied, l.Number)
		}
		return nil
	})
}

func (s *Service) checkMember(ctx context.Context, memberID string) error {
	ok, err := s.deps.Members.IsValid(ctx, memberID)
	if err != nil {
		return fmt.Errorf("validating member %s: %w", memberID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrMemberInvalid, memberID)
	}
	return nil
}

// run walks a new transaction up to sensor_wait. Any failure after
// admission ends the transaction so its locks are released.
func (s *Service) run(ctx context.Context, memberID string, kind transaction.Kind, lockerNumber string, check func(transaction.Locker) error) (*Session, error) {
	txs := s.deps.Transactions

	adm, err := txs.StartTransaction(ctx, memberID, kind)
	if err != nil {
		return nil, err
	}
	sess := &Session{
		TransactionID: adm.TransactionID,
		MemberID:      memberID,
		Kind:          kind,
		LockerNumber:  lockerNumber,
		Deadline:      adm.Deadline,
	}

	if err := txs.UpdateStep(ctx, sess.TransactionID, transaction.StepMemberVerified, nil); err != nil {
		return nil, s.abort(ctx, sess, transaction.StatusFailed, err)
	}

	l, err := txs.Locker(ctx, lockerNumber)
	if err != nil {
		return nil, s.abort(ctx, sess, transaction.StatusFailed, fmt.Errorf("locker %s: %w", lockerNumber, err))
	}
	if err := check(l); err != nil {
		return nil, s.abort(ctx, sess, transaction.StatusCancelled, err)
	}
	if err := txs.UpdateStep(ctx, sess.TransactionID, transaction.StepLockerSelected,
		&transaction.Attachment{LockerNumber: lockerNumber}); err != nil {
		if errors.Is(err, transaction.ErrLockerBusy) {
			return nil, s.abort(ctx, sess, transaction.StatusCancelled, fmt.Errorf("%w: %w", ErrLockerOccupied, err))
		}
		return nil, s.abort(ctx, sess, transaction.StatusFailed, err)
	}

	deviceID := l.DeviceID
	if s.deps.ControllerFor != nil {
		if id, ok := s.deps.ControllerFor(lockerNumber); ok {
			deviceID = id
		}
	}
	if deviceID == "" {
		return nil, s.abort(ctx, sess, transaction.StatusFailed, fmt.Errorf("%w: %s", ErrNoController, lockerNumber))
	}
	sess.DeviceID = deviceID

	cmdID, err := s.deps.Devices.SendCommand(ctx, deviceID, protocol.OpenLocker{
		LockerID:   lockerNumber,
		DurationMS: s.opts.OpenDurationMS,
	})
	if err != nil {
		s.record(ctx, audit.ActionHardwareFailed, audit.EntityDevice, deviceID, map[string]any{
			"transaction_id": sess.TransactionID,
			"locker":         lockerNumber,
			"error":          err.Error(),
		})
		return nil, s.abort(ctx, sess, transaction.StatusFailed, fmt.Errorf("opening %s: %w", lockerNumber, err))
	}
	sess.CommandID = cmdID

	if err := txs.UpdateStep(ctx, sess.TransactionID, transaction.StepHardwareSent,
		&transaction.Attachment{LockerNumber: lockerNumber, DeviceID: deviceID, CommandID: cmdID}); err != nil {
		return nil, s.abort(ctx, sess, transaction.StatusFailed, err)
	}
	if err := txs.UpdateStep(ctx, sess.TransactionID, transaction.StepSensorWait, nil); err != nil {
		return nil, s.abort(ctx, sess, transaction.StatusFailed, err)
	}

	action := audit.ActionRental
	if kind == transaction.KindReturn {
		action = audit.ActionReturn
	}
	s.record(ctx, action, audit.EntityTransaction, sess.TransactionID, map[string]any{
		"member":     memberID,
		"locker":     lockerNumber,
		"device":     deviceID,
		"command_id": cmdID,
	})
	s.logger.Info("locker opened", "transaction_id", sess.TransactionID, "kind", kind,
		"member", memberID, "locker", lockerNumber, "device", deviceID, "command_id", cmdID)
	return sess, nil
}

// abort ends the session's transaction with status and returns cause.
func (s *Service) abort(ctx context.Context, sess *Session, status transaction.Status, cause error) error {
	if err := s.deps.Transactions.EndTransaction(ctx, sess.TransactionID, status, cause.Error()); err != nil {
		s.logger.Error("ending aborted transaction failed", "transaction_id", sess.TransactionID, "error", err)
	}
	s.logger.Warn("session aborted", "transaction_id", sess.TransactionID, "kind", sess.Kind,
		"locker", sess.LockerNumber, "status", status, "error", cause)
	return cause
}

// Cancel ends transaction txID as cancelled.
func (s *Service) Cancel(ctx context.Context, txID string) error {
	if err := s.deps.Transactions.EndTransaction(ctx, txID, transaction.StatusCancelled, "cancelled at kiosk"); err != nil {
		return err
	}
	s.record(ctx, audit.ActionCancel, audit.EntityTransaction, txID, nil)
	return nil
}

// Await blocks until the session's transaction ends, reporting whether the
// sensor confirmed it.
func (s *Service) Await(ctx context.Context, txID string) (bool, error) {
	return s.deps.Transactions.WaitForSensorVerification(ctx, txID)
}

func (s *Service) record(ctx context.Context, action, entityType, entityID string, details map[string]any) {
	if s.deps.Audit == nil {
		return
	}
	if err := s.deps.Audit.Record(ctx, action, entityType, entityID, details); err != nil {
		s.logger.Error("writing audit entry failed", "action", action, "entity_id", entityID, "error", err)
	}
}

// HandleEvent implements hardware.EventHandler for barcode and QR scans.
// Codes that match no member are remembered too, with an empty MemberID.
func (s *Service) HandleEvent(ctx context.Context, ev hardware.Event) error {
	var code string
	switch p := ev.Message.Payload.(type) {
	case protocol.BarcodeScan:
		code = p.Barcode
	case protocol.QRScan:
		code = p.Content
		if p.Structured {
			code = p.MemberID
		}
	default:
		return nil
	}
	code = strings.TrimSpace(code)

	scan := Scan{Code: code, Kind: ev.Type, DeviceID: ev.DeviceID, At: ev.Message.ReceivedAt}
	id, err := s.deps.Members.LookupBarcode(ctx, code)
	switch {
	case err == nil:
		scan.MemberID = id
		s.logger.Info("member scanned", "member", id, "device", ev.DeviceID, "type", ev.Type)
	case errors.Is(err, member.ErrNotFound):
		s.logger.Info("unknown code scanned", "code", code, "device", ev.DeviceID, "type", ev.Type)
	default:
		return fmt.Errorf("looking up scanned code: %w", err)
	}

	s.mu.Lock()
	s.lastScan = &scan
	s.mu.Unlock()
	return nil
}

// LastScan returns the most recent scan, if any.
func (s *Service) LastScan() (Scan, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastScan == nil {
		return Scan{}, false
	}
	return *s.lastScan, true
}
