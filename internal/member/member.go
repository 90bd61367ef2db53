// Package member answers membership questions for the kiosk from the
// members table: whether a member may rent, which locker they hold, and
// which member a scanned barcode belongs to.
package member

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when no member matches.
var ErrNotFound = errors.New("member: not found")

// Member statuses.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
)

// expiryLayout is the stored form of expiry_date.
const expiryLayout = "2006-01-02"

// Member is a members row.
type Member struct {
	ID               string
	Barcode          string
	Name             string
	Status           string
	Expiry           time.Time // zero when the membership does not expire
	CurrentlyRenting string    // empty when no locker is held
}

// Valid reports whether m may use the kiosk at now. A membership is valid
// through the whole of its expiry day.
func (m Member) Valid(now time.Time) bool {
	if m.Status != StatusActive {
		return false
	}
	if m.Expiry.IsZero() {
		return true
	}
	return now.Before(m.Expiry.AddDate(0, 0, 1))
}

// Oracle is the kiosk's view of the member store.
type Oracle interface {
	IsValid(ctx context.Context, memberID string) (bool, error)
	CurrentlyRenting(ctx context.Context, memberID string) (string, error)
	LookupBarcode(ctx context.Context, code string) (string, error)
}

// SQLiteOracle implements Oracle over the members table.
type SQLiteOracle struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteOracle creates an oracle over an open database with the kiosk
// migrations applied.
func NewSQLiteOracle(db *sql.DB) *SQLiteOracle {
	return &SQLiteOracle{db: db, now: time.Now}
}

const memberColumns = `member_id, barcode, name, status, expiry_date, currently_renting`

// Get loads a member by id.
func (o *SQLiteOracle) Get(ctx context.Context, memberID string) (Member, error) {
	row := o.db.QueryRowContext(ctx, `SELECT `+memberColumns+` FROM members WHERE member_id = ?`, memberID)
	m, err := scanMember(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Member{}, fmt.Errorf("%w: %s", ErrNotFound, memberID)
	}
	if err != nil {
		return Member{}, fmt.Errorf("loading member %s: %w", memberID, err)
	}
	return m, nil
}

// IsValid reports whether memberID exists, is active and has not expired.
// An unknown member is not valid and not an error.
func (o *SQLiteOracle) IsValid(ctx context.Context, memberID string) (bool, error) {
	m, err := o.Get(ctx, memberID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return m.Valid(o.now()), nil
}

// CurrentlyRenting returns the locker memberID holds, or "" if none.
func (o *SQLiteOracle) CurrentlyRenting(ctx context.Context, memberID string) (string, error) {
	m, err := o.Get(ctx, memberID)
	if err != nil {
		return "", err
	}
	return m.CurrentlyRenting, nil
}

// LookupBarcode returns the member id for a scanned code. A code that is
// itself a member id resolves to that member.
func (o *SQLiteOracle) LookupBarcode(ctx context.Context, code string) (string, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return "", fmt.Errorf("%w: empty code", ErrNotFound)
	}

	var id string
	err := o.db.QueryRowContext(ctx,
		`SELECT member_id FROM members WHERE barcode = ? OR member_id = ? ORDER BY barcode = ? DESC LIMIT 1`,
		code, code, code,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: code %s", ErrNotFound, code)
	}
	if err != nil {
		return "", fmt.Errorf("looking up code %s: %w", code, err)
	}
	return id, nil
}

// Upsert inserts or replaces the profile fields of m. CurrentlyRenting is
// owned by the transaction manager and left untouched on update.
func (o *SQLiteOracle) Upsert(ctx context.Context, m Member) error {
	if m.ID == "" {
		return errors.New("member: id is required")
	}
	if m.Status == "" {
		m.Status = StatusActive
	}

	var expiry sql.NullString
	if !m.Expiry.IsZero() {
		expiry = sql.NullString{String: m.Expiry.Format(expiryLayout), Valid: true}
	}
	barcode := sql.NullString{String: m.Barcode, Valid: m.Barcode != ""}

	_, err := o.db.ExecContext(ctx, `
		INSERT INTO members (member_id, barcode, name, status, expiry_date)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(member_id) DO UPDATE SET
			barcode = excluded.barcode,
			name = excluded.name,
			status = excluded.status,
			expiry_date = excluded.expiry_date`,
		m.ID, barcode, m.Name, m.Status, expiry,
	)
	if err != nil {
		return fmt.Errorf("saving member %s: %w", m.ID, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMember(row rowScanner) (Member, error) {
	var (
		m       Member
		barcode sql.NullString
		expiry  sql.NullString
		renting sql.NullString
	)
	if err := row.Scan(&m.ID, &barcode, &m.Name, &m.Status, &expiry, &renting); err != nil {
		return Member{}, err
	}
	m.Barcode = barcode.String
	m.CurrentlyRenting = renting.String
	if expiry.Valid && expiry.String != "" {
		// Imported rows may carry a time part; only the date matters.
		day := expiry.String
		if len(day) > len(expiryLayout) {
			day = day[:len(expiryLayout)]
		}
		t, err := time.ParseInLocation(expiryLayout, day, time.Local)
		if err != nil {
			return Member{}, fmt.Errorf("parsing expiry %q: %w", expiry.String, err)
		}
		m.Expiry = t
	}
	return m, nil
}
