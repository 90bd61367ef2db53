package transaction

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteRepository reads and writes transactions, lockers and rentals.
//
// Write methods take the querier they run on so the manager can group them
// in one SQL transaction.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a repository over an open database with the
// kiosk migrations applied.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const transactionColumns = `transaction_id, member_id, kind, status, step, locker_number,
	deadline, created_at, last_activity_at, ended_at, error_message, attachment, sensor_events`

// Get loads one transaction by id.
func (r *SQLiteRepository) Get(ctx context.Context, id string) (Transaction, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+transactionColumns+` FROM active_transactions WHERE transaction_id = ?`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Transaction{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Transaction{}, fmt.Errorf("loading transaction %s: %w", id, err)
	}
	return t, nil
}

// ListActive loads every transaction whose status is active, oldest first.
func (r *SQLiteRepository) ListActive(ctx context.Context) ([]Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM active_transactions WHERE status = 'active' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("listing active transactions: %w", err)
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning transaction: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transactions: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (Transaction, error) {
	var (
		t                       Transaction
		kind, status, step      string
		locker, errMsg, attach  sql.NullString
		deadline, created, last int64
		ended                   sql.NullInt64
		events                  string
	)
	if err := row.Scan(&t.ID, &t.MemberID, &kind, &status, &step, &locker,
		&deadline, &created, &last, &ended, &errMsg, &attach, &events); err != nil {
		return Transaction{}, err
	}

	t.Kind = Kind(kind)
	t.Status = Status(status)
	t.Step = Step(step)
	t.LockerNumber = locker.String
	t.Deadline = fromMillis(deadline)
	t.CreatedAt = fromMillis(created)
	t.LastActivityAt = fromMillis(last)
	if ended.Valid {
		t.EndedAt = fromMillis(ended.Int64)
	}
	t.ErrorMessage = errMsg.String

	if attach.Valid && attach.String != "" {
		t.Attachment = &Attachment{}
		if err := json.Unmarshal([]byte(attach.String), t.Attachment); err != nil {
			return Transaction{}, fmt.Errorf("decoding attachment: %w", err)
		}
	}
	if events != "" {
		if err := json.Unmarshal([]byte(events), &t.SensorEvents); err != nil {
			return Transaction{}, fmt.Errorf("decoding sensor events: %w", err)
		}
	}
	return t, nil
}

func insertTransaction(ctx context.Context, q querier, t Transaction) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO active_transactions (transaction_id, member_id, kind, status, step,
			deadline, created_at, last_activity_at, sensor_events)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, '[]')`,
		t.ID, t.MemberID, string(t.Kind), string(t.Status), string(t.Step),
		toMillis(t.Deadline), toMillis(t.CreatedAt), toMillis(t.LastActivityAt),
	)
	if err != nil {
		return fmt.Errorf("inserting transaction: %w", err)
	}
	return nil
}

func updateStep(ctx context.Context, q querier, t Transaction) error {
	attach, err := encodeAttachment(t.Attachment)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, `
		UPDATE active_transactions
		SET step = ?, locker_number = ?, attachment = ?, last_activity_at = ?
		WHERE transaction_id = ? AND status = 'active'`,
		string(t.Step), nullableString(t.LockerNumber), attach, toMillis(t.LastActivityAt), t.ID,
	)
	if err != nil {
		return fmt.Errorf("updating step: %w", err)
	}
	return requireRow(res, t.ID)
}

func updateSensorEvents(ctx context.Context, q querier, t Transaction) error {
	events, err := json.Marshal(t.SensorEvents)
	if err != nil {
		return fmt.Errorf("encoding sensor events: %w", err)
	}
	res, err := q.ExecContext(ctx, `
		UPDATE active_transactions SET sensor_events = ?, last_activity_at = ?
		WHERE transaction_id = ? AND status = 'active'`,
		string(events), toMillis(t.LastActivityAt), t.ID,
	)
	if err != nil {
		return fmt.Errorf("recording sensor event: %w", err)
	}
	return requireRow(res, t.ID)
}

// finishTransaction writes the terminal status of t.
func finishTransaction(ctx context.Context, q querier, t Transaction) error {
	res, err := q.ExecContext(ctx, `
		UPDATE active_transactions
		SET status = ?, step = ?, locker_number = ?, error_message = ?, ended_at = ?, last_activity_at = ?
		WHERE transaction_id = ? AND status = 'active'`,
		string(t.Status), string(t.Step), nullableString(t.LockerNumber), nullableString(t.ErrorMessage),
		toMillis(t.EndedAt), toMillis(t.LastActivityAt), t.ID,
	)
	if err != nil {
		return fmt.Errorf("ending transaction: %w", err)
	}
	return requireRow(res, t.ID)
}

// stampLocks locks every locker not already held for id until the deadline.
func stampLocks(ctx context.Context, q querier, id string, until, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE locker_status SET current_transaction = ?, locked_until = ?, updated_at = ?
		WHERE current_transaction IS NULL`,
		id, toMillis(until), toMillis(now),
	)
	if err != nil {
		return fmt.Errorf("stamping locker locks: %w", err)
	}
	return nil
}

// releaseLocks clears the lock fields held by id.
func releaseLocks(ctx context.Context, q querier, id string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE locker_status SET current_transaction = NULL, locked_until = NULL, updated_at = ?
		WHERE current_transaction = ?`,
		toMillis(now), id,
	)
	if err != nil {
		return fmt.Errorf("releasing locker locks: %w", err)
	}
	return nil
}

// clearStaleLocks releases locks whose transaction is no longer active.
func clearStaleLocks(ctx context.Context, q querier, now time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE locker_status SET current_transaction = NULL, locked_until = NULL, updated_at = ?
		WHERE current_transaction IS NOT NULL
		  AND current_transaction NOT IN (
			SELECT transaction_id FROM active_transactions WHERE status = 'active')`,
		toMillis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("clearing stale locks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("clearing stale locks: %w", err)
	}
	return n, nil
}

// recordRental writes the verified rental of t and makes the member the
// locker's occupant.
func recordRental(ctx context.Context, q querier, t Transaction, sensorTime, now time.Time) error {
	if _, err := q.ExecContext(ctx, `
		INSERT INTO rentals (transaction_id, member_id, locker_number, rental_time,
			rental_sensor_time, rental_verified, status)
		VALUES (?, ?, ?, ?, ?, 1, 'active')`,
		t.ID, t.MemberID, t.LockerNumber, isoTime(t.CreatedAt), isoTime(sensorTime),
	); err != nil {
		return fmt.Errorf("inserting rental: %w", err)
	}
	if _, err := q.ExecContext(ctx, `
		UPDATE locker_status SET current_member = ?, sensor_status = 0, updated_at = ?
		WHERE locker_number = ?`,
		t.MemberID, toMillis(now), t.LockerNumber,
	); err != nil {
		return fmt.Errorf("assigning locker: %w", err)
	}
	if _, err := q.ExecContext(ctx, `UPDATE members SET currently_renting = ? WHERE member_id = ?`,
		t.LockerNumber, t.MemberID,
	); err != nil {
		return fmt.Errorf("updating member: %w", err)
	}
	return nil
}

// recordReturn closes the active rental of t's locker and frees the locker.
func recordReturn(ctx context.Context, q querier, t Transaction, sensorTime, now time.Time) error {
	if _, err := q.ExecContext(ctx, `
		UPDATE rentals
		SET return_transaction_id = ?, return_time = ?, return_sensor_time = ?,
			return_verified = 1, status = 'returned'
		WHERE locker_number = ? AND status = 'active'`,
		t.ID, isoTime(now), isoTime(sensorTime), t.LockerNumber,
	); err != nil {
		return fmt.Errorf("closing rental: %w", err)
	}
	if _, err := q.ExecContext(ctx, `
		UPDATE locker_status SET current_member = NULL, sensor_status = 1, updated_at = ?
		WHERE locker_number = ?`,
		toMillis(now), t.LockerNumber,
	); err != nil {
		return fmt.Errorf("freeing locker: %w", err)
	}
	if _, err := q.ExecContext(ctx, `UPDATE members SET currently_renting = NULL WHERE member_id = ?`,
		t.MemberID,
	); err != nil {
		return fmt.Errorf("updating member: %w", err)
	}
	return nil
}

// EnsureLockers inserts missing locker rows and refreshes the zone and
// device of existing ones. Occupancy and locks are left untouched.
func (r *SQLiteRepository) EnsureLockers(ctx context.Context, lockers []Locker) error {
	if len(lockers) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // Rollback is no-op after commit

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO locker_status (locker_number, zone, device_id, sensor_status, updated_at)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(locker_number) DO UPDATE SET zone = excluded.zone, device_id = excluded.device_id`)
	if err != nil {
		return fmt.Errorf("preparing locker upsert: %w", err)
	}
	defer stmt.Close()

	now := toMillis(time.Now())
	for _, l := range lockers {
		if _, err := stmt.ExecContext(ctx, l.Number, l.Zone, l.DeviceID, now); err != nil {
			return fmt.Errorf("upserting locker %s: %w", l.Number, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing lockers: %w", err)
	}
	return nil
}

const lockerColumns = `locker_number, zone, device_id, current_member, current_transaction,
	locked_until, sensor_status, updated_at`

// Locker loads one locker row.
func (r *SQLiteRepository) Locker(ctx context.Context, number string) (Locker, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+lockerColumns+` FROM locker_status WHERE locker_number = ?`, number)
	l, err := scanLocker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Locker{}, fmt.Errorf("%w: locker %s", ErrNotFound, number)
	}
	if err != nil {
		return Locker{}, fmt.Errorf("loading locker %s: %w", number, err)
	}
	return l, nil
}

// Lockers loads every locker row ordered by number.
func (r *SQLiteRepository) Lockers(ctx context.Context) ([]Locker, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+lockerColumns+` FROM locker_status ORDER BY locker_number`)
	if err != nil {
		return nil, fmt.Errorf("listing lockers: %w", err)
	}
	defer rows.Close()

	var out []Locker
	for rows.Next() {
		l, err := scanLocker(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning locker: %w", err)
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating lockers: %w", err)
	}
	return out, nil
}

func scanLocker(row rowScanner) (Locker, error) {
	var (
		l            Locker
		member, txID sql.NullString
		lockedUntil  sql.NullInt64
		updated      int64
	)
	if err := row.Scan(&l.Number, &l.Zone, &l.DeviceID, &member, &txID,
		&lockedUntil, &l.SensorStatus, &updated); err != nil {
		return Locker{}, err
	}
	l.CurrentMember = member.String
	l.LockingTransaction = txID.String
	if lockedUntil.Valid {
		l.LockedUntil = fromMillis(lockedUntil.Int64)
	}
	if updated > 0 {
		l.UpdatedAt = fromMillis(updated)
	}
	return l, nil
}

func encodeAttachment(a *Attachment) (sql.NullString, error) {
	if a == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(a)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encoding attachment: %w", err)
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update of %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotActive, id)
	}
	return nil
}

func nullableString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func isoTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
