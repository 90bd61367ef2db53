package transaction

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/locker-kiosk-core/internal/infrastructure/database"
)

// Defaults.
const (
	DefaultTimeout      = 30 * time.Second
	DefaultCapacity     = 1
	DefaultPollInterval = 500 * time.Millisecond
)

// Config tunes a Manager. Zero fields take the defaults.
type Config struct {
	Timeout      time.Duration
	Capacity     int
	PollInterval time.Duration // WaitForSensorVerification poll period
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

type noopObserver struct{}

func (noopObserver) TransactionStarted(Transaction) {}
func (noopObserver) StepChanged(Transaction, Step)  {}
func (noopObserver) TransactionEnded(Transaction)   {}

// entry is a cached active transaction.
type entry struct {
	tx   Transaction
	done chan struct{} // closed when the transaction leaves active
}

// Manager is the single writer for transactions and locker locks.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - mu guards the cache and is held across each SQL transaction, so
//     admission check-and-create, step changes and endings are serialised.
//   - Observer callbacks run after the lock is released.
type Manager struct {
	cfg      Config
	db       *sql.DB
	repo     *SQLiteRepository
	logger   Logger
	observer Observer
	now      func() time.Time
	newID    func() string

	mu     sync.Mutex
	active map[string]*entry
}

// NewManager creates a Manager over db. Call Recover before use to load
// transactions left active by a previous run.
func NewManager(db *sql.DB, cfg Config) *Manager {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Manager{
		cfg:      cfg,
		db:       db,
		repo:     NewSQLiteRepository(db),
		logger:   noopLogger{},
		observer: noopObserver{},
		now:      time.Now,
		newID:    uuid.NewString,
		active:   make(map[string]*entry),
	}
}

// SetLogger sets the logger. Call before use.
func (m *Manager) SetLogger(l Logger) {
	if l == nil {
		l = noopLogger{}
	}
	m.logger = l
}

// SetObserver sets the change observer. Call before use.
func (m *Manager) SetObserver(o Observer) {
	if o == nil {
		o = noopObserver{}
	}
	m.observer = o
}

// Repository returns the underlying store.
func (m *Manager) Repository() *SQLiteRepository {
	return m.repo
}

// Capacity returns the admission limit.
func (m *Manager) Capacity() int {
	return m.cfg.Capacity
}

// notifications collects observer calls made under the lock.
type notifications []func(Observer)

func (n *notifications) started(t Transaction) {
	*n = append(*n, func(o Observer) { o.TransactionStarted(t) })
}

func (n *notifications) step(t Transaction, from Step) {
	*n = append(*n, func(o Observer) { o.StepChanged(t, from) })
}

func (n *notifications) ended(t Transaction) {
	*n = append(*n, func(o Observer) { o.TransactionEnded(t) })
}

func (m *Manager) flush(n notifications) {
	for _, fn := range n {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("transaction observer panicked", "panic", r)
				}
			}()
			fn(m.observer)
		}()
	}
}

// Recover loads transactions left active by a previous run into the cache,
// ends those already past their deadline and clears locks held by
// transactions that are no longer active.
func (m *Manager) Recover(ctx context.Context) error {
	rows, err := m.repo.ListActive(ctx)
	if err != nil {
		return err
	}

	var notes notifications
	m.mu.Lock()
	for _, t := range rows {
		if _, ok := m.active[t.ID]; !ok {
			m.active[t.ID] = &entry{tx: t, done: make(chan struct{})}
		}
	}
	now := m.now()
	cleared, err := clearStaleLocks(ctx, m.db, now)
	if err == nil {
		err = m.sweepLocked(ctx, now, &notes)
	}
	loaded := len(m.active)
	m.mu.Unlock()
	m.flush(notes)

	if err != nil {
		return err
	}
	m.logger.Info("transactions recovered", "active", loaded, "timed_out", len(notes), "stale_locks_cleared", cleared)
	return nil
}

// StartTransaction admits a new transaction for memberID.
//
// Expired transactions are swept first. Admission fails with an
// *AdmissionError when Capacity transactions are active (CAPACITY) or the
// member already has one (MEMBER_BUSY).
func (m *Manager) StartTransaction(ctx context.Context, memberID string, kind Kind) (Admission, error) {
	if memberID == "" {
		return Admission{}, fmt.Errorf("%w: member id is required", ErrInvalidArgument)
	}
	if !kind.valid() {
		return Admission{}, fmt.Errorf("%w: kind %q", ErrInvalidArgument, kind)
	}

	var notes notifications
	defer func() { m.flush(notes) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if err := m.sweepLocked(ctx, now, &notes); err != nil {
		return Admission{}, err
	}

	if n := len(m.active); n >= m.cfg.Capacity {
		m.logger.Info("transaction denied", "member", memberID, "kind", kind, "code", CodeCapacity, "active", n)
		return Admission{}, &AdmissionError{Code: CodeCapacity, MemberID: memberID, Active: n, Capacity: m.cfg.Capacity}
	}
	for _, e := range m.active {
		if e.tx.MemberID == memberID {
			m.logger.Info("transaction denied", "member", memberID, "kind", kind, "code", CodeMemberBusy)
			return Admission{}, &AdmissionError{Code: CodeMemberBusy, MemberID: memberID, Active: len(m.active), Capacity: m.cfg.Capacity}
		}
	}

	t := Transaction{
		ID:             m.newID(),
		MemberID:       memberID,
		Kind:           kind,
		Status:         StatusActive,
		Step:           StepStarted,
		Deadline:       now.Add(m.cfg.Timeout),
		CreatedAt:      now,
		LastActivityAt: now,
	}
	err := database.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		if err := insertTransaction(ctx, tx, t); err != nil {
			return err
		}
		return stampLocks(ctx, tx, t.ID, t.Deadline, now)
	})
	if err != nil {
		return Admission{}, fmt.Errorf("starting %s transaction: %w", kind, err)
	}

	m.active[t.ID] = &entry{tx: t, done: make(chan struct{})}
	notes.started(t.clone())
	m.logger.Info("transaction started", "transaction_id", t.ID, "member", memberID, "kind", kind, "deadline", t.Deadline)

	return Admission{TransactionID: t.ID, Deadline: t.Deadline}, nil
}

// lookupLocked returns the cached entry for id. For an id that is not
// cached it returns ErrNotActive if the transaction exists and ErrNotFound
// otherwise.
func (m *Manager) lookupLocked(ctx context.Context, id string) (*entry, error) {
	if e, ok := m.active[id]; ok {
		return e, nil
	}
	if _, err := m.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: %s", ErrNotActive, id)
}

// UpdateStep advances transaction id to step, storing att with it.
//
// Repeating the current step is a no-op. Moving backwards returns
// ErrStepRegression. A transaction past its deadline is timed out and
// ErrNotActive (wrapping ErrTimedOut) is returned. Selecting a locker that
// another active transaction is bound to returns ErrLockerBusy.
func (m *Manager) UpdateStep(ctx context.Context, id string, step Step, att *Attachment) error {
	next, ok := step.index()
	if !ok {
		return fmt.Errorf("%w: step %q", ErrInvalidArgument, step)
	}

	var notes notifications
	defer func() { m.flush(notes) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.lookupLocked(ctx, id)
	if err != nil {
		return err
	}

	now := m.now()
	if e.tx.expired(now) {
		if err := m.endLocked(ctx, e, StatusTimeout, "deadline exceeded", now, &notes); err != nil {
			return err
		}
		return fmt.Errorf("%w: %w: %s", ErrNotActive, ErrTimedOut, id)
	}

	from := e.tx.Step
	cur, _ := from.index()
	switch {
	case next == cur:
		return nil
	case next < cur:
		m.logger.Warn("step regression rejected", "transaction_id", id, "from", from, "to", step)
		return fmt.Errorf("%w: %s to %s", ErrStepRegression, from, step)
	}

	if att != nil && att.LockerNumber != "" && att.LockerNumber != e.tx.LockerNumber {
		if holder, busy := m.lockerHolderLocked(att.LockerNumber, id, now); busy {
			return fmt.Errorf("%w: %s held by %s", ErrLockerBusy, att.LockerNumber, holder)
		}
	}

	t := e.tx.clone()
	t.Step = step
	t.LastActivityAt = now
	if att != nil {
		t.Attachment = att.clone()
		if att.LockerNumber != "" {
			t.LockerNumber = att.LockerNumber
		}
	}

	if err := database.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		return updateStep(ctx, tx, t)
	}); err != nil {
		return fmt.Errorf("updating transaction %s: %w", id, err)
	}

	e.tx = t
	notes.step(t.clone(), from)
	m.logger.Debug("transaction step", "transaction_id", id, "from", from, "to", step, "locker", t.LockerNumber)
	return nil
}

// lockerHolderLocked returns the id of an unexpired active transaction
// other than exclude that is bound to lockerID. Caller holds m.mu.
func (m *Manager) lockerHolderLocked(lockerID, exclude string, now time.Time) (string, bool) {
	for id, other := range m.active {
		if id == exclude || other.tx.expired(now) {
			continue
		}
		if other.tx.LockerNumber == lockerID {
			return id, true
		}
	}
	return "", false
}

// RecordSensorEvent appends a reading to the transaction's sensor log. The
// step is never changed.
func (m *Manager) RecordSensorEvent(ctx context.Context, id, lockerID string, r SensorReading) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.lookupLocked(ctx, id)
	if err != nil {
		return err
	}

	now := m.now()
	r.Locker = lockerID
	if r.At.IsZero() {
		r.At = now
	}

	t := e.tx.clone()
	t.SensorEvents = append(t.SensorEvents, r)
	t.LastActivityAt = now

	if err := database.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		return updateSensorEvents(ctx, tx, t)
	}); err != nil {
		return fmt.Errorf("recording sensor event for %s: %w", id, err)
	}
	e.tx = t
	return nil
}

// ConfirmSensor completes transaction id when it is active, waiting for the
// sensor and bound to lockerID (or to no locker yet). It reports false
// without error when any of those does not hold.
//
// For a rental the rental row, locker occupant and member's locker are
// written; for a return the active rental of the locker is closed and the
// locker freed. The transaction is then completed and its locks released,
// all in one SQL transaction.
func (m *Manager) ConfirmSensor(ctx context.Context, id, lockerID string, sensorTime time.Time) (bool, error) {
	var notes notifications
	defer func() { m.flush(notes) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.active[id]
	if !ok || e.tx.Step != StepSensorWait {
		return false, nil
	}
	if e.tx.LockerNumber != "" && e.tx.LockerNumber != lockerID {
		return false, nil
	}

	now := m.now()
	if e.tx.expired(now) {
		if err := m.endLocked(ctx, e, StatusTimeout, "deadline exceeded", now, &notes); err != nil {
			return false, err
		}
		return false, nil
	}
	if sensorTime.IsZero() {
		sensorTime = now
	}

	t := e.tx.clone()
	from := t.Step
	t.LockerNumber = lockerID
	t.Step = StepCompleted
	t.Status = StatusCompleted
	t.EndedAt = now
	t.LastActivityAt = now

	err := database.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		var err error
		if t.Kind == KindRental {
			err = recordRental(ctx, tx, t, sensorTime, now)
		} else {
			err = recordReturn(ctx, tx, t, sensorTime, now)
		}
		if err != nil {
			return err
		}
		if err := finishTransaction(ctx, tx, t); err != nil {
			return err
		}
		return m.releaseLocked(ctx, tx, t.ID, now)
	})
	if err != nil {
		return false, fmt.Errorf("confirming transaction %s: %w", id, err)
	}

	m.removeLocked(e)
	notes.step(t.clone(), from)
	notes.ended(t.clone())
	m.logger.Info("transaction completed", "transaction_id", id, "kind", t.Kind, "member", t.MemberID, "locker", lockerID)
	return true, nil
}

// EndTransaction moves transaction id to a terminal status and releases
// its locks. Ending an already ended transaction is a no-op.
func (m *Manager) EndTransaction(ctx context.Context, id string, status Status, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: status %q is not terminal", ErrInvalidArgument, status)
	}

	var notes notifications
	defer func() { m.flush(notes) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, err := m.lookupLocked(ctx, id)
	if errors.Is(err, ErrNotActive) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.endLocked(ctx, e, status, errMsg, m.now(), &notes)
}

func (m *Manager) endLocked(ctx context.Context, e *entry, status Status, errMsg string, now time.Time, notes *notifications) error {
	t := e.tx.clone()
	t.Status = status
	t.ErrorMessage = errMsg
	t.EndedAt = now
	t.LastActivityAt = now

	err := database.WithTx(ctx, m.db, func(tx *sql.Tx) error {
		if err := finishTransaction(ctx, tx, t); err != nil {
			return err
		}
		return m.releaseLocked(ctx, tx, t.ID, now)
	})
	if err != nil {
		return fmt.Errorf("ending transaction %s: %w", t.ID, err)
	}

	m.removeLocked(e)
	notes.ended(t.clone())

	if status == StatusTimeout || status == StatusFailed {
		m.logger.Warn("transaction ended", "transaction_id", t.ID, "status", status, "step", t.Step, "error", errMsg)
	} else {
		m.logger.Info("transaction ended", "transaction_id", t.ID, "status", status, "step", t.Step)
	}
	return nil
}

// releaseLocked releases the locks of id and hands them to the oldest
// other active transaction, if any.
func (m *Manager) releaseLocked(ctx context.Context, q querier, id string, now time.Time) error {
	if err := releaseLocks(ctx, q, id, now); err != nil {
		return err
	}
	var next *entry
	for _, e := range m.active {
		if e.tx.ID == id {
			continue
		}
		if next == nil || e.tx.CreatedAt.Before(next.tx.CreatedAt) {
			next = e
		}
	}
	if next == nil {
		return nil
	}
	return stampLocks(ctx, q, next.tx.ID, next.tx.Deadline, now)
}

func (m *Manager) removeLocked(e *entry) {
	delete(m.active, e.tx.ID)
	close(e.done)
}

// SweepTimeouts ends every active transaction past its deadline with status
// timeout and returns how many were ended.
func (m *Manager) SweepTimeouts(ctx context.Context) (int, error) {
	var notes notifications
	defer func() { m.flush(notes) }()

	m.mu.Lock()
	defer m.mu.Unlock()

	err := m.sweepLocked(ctx, m.now(), &notes)
	return len(notes), err
}

func (m *Manager) sweepLocked(ctx context.Context, now time.Time, notes *notifications) error {
	for _, e := range m.sortedLocked() {
		if !e.tx.expired(now) {
			continue
		}
		if err := m.endLocked(ctx, e, StatusTimeout, "deadline exceeded", now, notes); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) sortedLocked() []*entry {
	out := make([]*entry, 0, len(m.active))
	for _, e := range m.active {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].tx.CreatedAt.Before(out[j].tx.CreatedAt) })
	return out
}

// RunSweeper calls SweepTimeouts every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.SweepTimeouts(ctx); err != nil && ctx.Err() == nil {
				m.logger.Error("timeout sweep failed", "error", err)
			}
		}
	}
}

// ActiveTransactions returns copies of the active transactions that are
// within their deadline, oldest first.
func (m *Manager) ActiveTransactions() []Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []Transaction
	for _, e := range m.sortedLocked() {
		if e.tx.expired(now) {
			continue
		}
		out = append(out, e.tx.clone())
	}
	return out
}

// Status returns a copy of transaction id. An active transaction past its
// deadline is reported with status timeout; ended transactions are read
// from the store.
func (m *Manager) Status(ctx context.Context, id string) (Transaction, error) {
	m.mu.Lock()
	e, ok := m.active[id]
	var t Transaction
	if ok {
		t = e.tx.clone()
		if t.expired(m.now()) {
			t.Status = StatusTimeout
		}
	}
	m.mu.Unlock()

	if ok {
		return t, nil
	}
	return m.repo.Get(ctx, id)
}

// ResolveForLocker selects the active transaction a sensor event on
// lockerID belongs to: first one bound to that locker, then a rental that
// has not selected a locker yet. Expired transactions are ignored.
func (m *Manager) ResolveForLocker(_ context.Context, lockerID string) (Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var pending *entry
	for _, e := range m.sortedLocked() {
		if e.tx.expired(now) {
			continue
		}
		if e.tx.LockerNumber == lockerID {
			return e.tx.clone(), true
		}
		if pending == nil && e.tx.Kind == KindRental && e.tx.LockerNumber == "" {
			pending = e
		}
	}
	if pending != nil {
		return pending.tx.clone(), true
	}
	return Transaction{}, false
}

// WaitForSensorVerification blocks until transaction id ends, its deadline
// passes or ctx is done, polling every PollInterval. It reports true only
// if the transaction completed.
func (m *Manager) WaitForSensorVerification(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	e, ok := m.active[id]
	var (
		done     <-chan struct{}
		deadline time.Time
	)
	if ok {
		done = e.done
		deadline = e.tx.Deadline
	}
	m.mu.Unlock()

	if !ok {
		t, err := m.repo.Get(ctx, id)
		if err != nil {
			return false, err
		}
		return t.Status == StatusCompleted, nil
	}

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()
	timer := time.NewTimer(deadline.Sub(m.now()))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-done:
			return m.completed(ctx, id)
		case <-timer.C:
			if _, err := m.SweepTimeouts(ctx); err != nil {
				return false, err
			}
			return m.completed(ctx, id)
		case <-ticker.C:
			t, err := m.Status(ctx, id)
			if err != nil {
				return false, err
			}
			if t.Status != StatusActive {
				return t.Status == StatusCompleted, nil
			}
		}
	}
}

func (m *Manager) completed(ctx context.Context, id string) (bool, error) {
	t, err := m.Status(ctx, id)
	if err != nil {
		return false, err
	}
	return t.Status == StatusCompleted, nil
}

// Lockers returns every locker row.
func (m *Manager) Lockers(ctx context.Context) ([]Locker, error) {
	return m.repo.Lockers(ctx)
}

// Locker returns one locker row.
func (m *Manager) Locker(ctx context.Context, number string) (Locker, error) {
	return m.repo.Locker(ctx, number)
}

// EnsureLockers creates or refreshes locker rows.
func (m *Manager) EnsureLockers(ctx context.Context, lockers []Locker) error {
	return m.repo.EnsureLockers(ctx, lockers)
}
