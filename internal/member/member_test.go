package member

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nerrad567/locker-kiosk-core/internal/infrastructure/database"
	_ "github.com/nerrad567/locker-kiosk-core/migrations"
)

func newTestOracle(t *testing.T) (*SQLiteOracle, *database.DB) {
	t.Helper()

	ctx := context.Background()
	db, err := database.Open(ctx, database.Config{Path: filepath.Join(t.TempDir(), "members.db"), BusyTimeout: 5})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup

	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}

	o := NewSQLiteOracle(db.DB)
	o.now = func() time.Time { return time.Date(2026, 10, 14, 12, 0, 0, 0, time.Local) }

	members := []Member{
		{ID: "M001", Barcode: "20240861", Name: "Active"},
		{ID: "M002", Barcode: "20240862", Name: "Expires today", Expiry: time.Date(2026, 10, 14, 0, 0, 0, 0, time.Local)},
		{ID: "M003", Barcode: "20240863", Name: "Expired", Expiry: time.Date(2026, 10, 9, 0, 0, 0, 0, time.Local)},
		{ID: "M004", Name: "Suspended", Status: StatusSuspended},
	}
	for _, m := range members {
		if err := o.Upsert(ctx, m); err != nil {
			t.Fatalf("Upsert(%s) error = %v", m.ID, err)
		}
	}
	return o, db
}

func TestIsValid(t *testing.T) {
	o, _ := newTestOracle(t)

	tests := []struct {
		member string
		want   bool
	}{
		{"M001", true},
		{"M002", true},
		{"M003", false},
		{"M004", false},
		{"M999", false},
	}
	for _, tt := range tests {
		t.Run(tt.member, func(t *testing.T) {
			got, err := o.IsValid(context.Background(), tt.member)
			if err != nil {
				t.Fatalf("IsValid() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("IsValid(%s) = %v, want %v", tt.member, got, tt.want)
			}
		})
	}
}

func TestCurrentlyRenting(t *testing.T) {
	ctx := context.Background()
	o, db := newTestOracle(t)

	if got, err := o.CurrentlyRenting(ctx, "M001"); err != nil || got != "" {
		t.Errorf("CurrentlyRenting() = %q, %v; want empty", got, err)
	}

	if _, err := db.ExecContext(ctx, `UPDATE members SET currently_renting = 'S07' WHERE member_id = 'M001'`); err != nil {
		t.Fatalf("setting locker: %v", err)
	}
	if got, err := o.CurrentlyRenting(ctx, "M001"); err != nil || got != "S07" {
		t.Errorf("CurrentlyRenting() = %q, %v; want S07", got, err)
	}

	// Profile updates keep the held locker.
	if err := o.Upsert(ctx, Member{ID: "M001", Barcode: "20240861", Name: "Renamed"}); err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	if got, _ := o.CurrentlyRenting(ctx, "M001"); got != "S07" {
		t.Errorf("CurrentlyRenting() after update = %q, want S07", got)
	}

	if _, err := o.CurrentlyRenting(ctx, "M999"); !errors.Is(err, ErrNotFound) {
		t.Errorf("CurrentlyRenting(unknown) error = %v, want ErrNotFound", err)
	}
}

func TestLookupBarcode(t *testing.T) {
	o, _ := newTestOracle(t)

	tests := []struct {
		name    string
		code    string
		want    string
		wantErr error
	}{
		{"barcode", "20240862", "M002", nil},
		{"padded barcode", " 20240861 ", "M001", nil},
		{"member id", "M004", "M004", nil},
		{"unknown", "99999999", "", ErrNotFound},
		{"empty", "", "", ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := o.LookupBarcode(context.Background(), tt.code)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("LookupBarcode() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("LookupBarcode() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("LookupBarcode(%q) = %q, want %q", tt.code, got, tt.want)
			}
		})
	}
}

func TestMemberValid(t *testing.T) {
	now := time.Date(2026, 10, 14, 23, 59, 0, 0, time.UTC)

	tests := []struct {
		name string
		m    Member
		want bool
	}{
		{"no expiry", Member{Status: StatusActive}, true},
		{"expires tomorrow", Member{Status: StatusActive, Expiry: now.AddDate(0, 0, 1)}, true},
		{"expired yesterday", Member{Status: StatusActive, Expiry: time.Date(2026, 10, 13, 0, 0, 0, 0, time.UTC)}, false},
		{"suspended", Member{Status: StatusSuspended}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.m.Valid(now); got != tt.want {
				t.Errorf("Valid() = %v, want %v", got, tt.want)
			}
		})
	}
}
