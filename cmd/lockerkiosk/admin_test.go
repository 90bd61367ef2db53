package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nerrad567/locker-kiosk-core/internal/audit"
	"github.com/nerrad567/locker-kiosk-core/internal/hardware"
	"github.com/nerrad567/locker-kiosk-core/internal/infrastructure/database"
	"github.com/nerrad567/locker-kiosk-core/internal/infrastructure/logging"
	"github.com/nerrad567/locker-kiosk-core/internal/member"
)

const membersYAML = `
members:
  - id: M001
    barcode: "20240861"
    name: Ada
    expiry: "2027-03-31"
  - id: M002
    barcode: "20240862"
    status: suspended
`

func openRunDB(t *testing.T, path string) *database.DB {
	t.Helper()
	db, err := database.Open(context.Background(), database.Config{Path: path, BusyTimeout: 5})
	if err != nil {
		t.Fatalf("database.Open() error = %v", err)
	}
	t.Cleanup(func() { db.Close() }) //nolint:errcheck // Test cleanup
	return db
}

func TestRun_MaintenanceCommands(t *testing.T) {
	t.Setenv("LOCKERKIOSK_DATABASE_PATH", "")
	ctx := context.Background()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "kiosk.db")
	cfgPath := writeConfig(t, smokeConfig(dbPath))

	membersPath := filepath.Join(dir, "members.yaml")
	if err := os.WriteFile(membersPath, []byte(membersYAML), 0600); err != nil {
		t.Fatalf("writing members file: %v", err)
	}

	var out bytes.Buffer
	if err := run(ctx, []string{"--config", cfgPath, "--import-members", membersPath}, &out); err != nil {
		t.Fatalf("run(--import-members) error = %v", err)
	}
	if !strings.Contains(out.String(), "imported 2 members") {
		t.Errorf("import output = %q", out.String())
	}

	db := openRunDB(t, dbPath)
	oracle := member.NewSQLiteOracle(db.DB)
	got, err := oracle.Get(ctx, "M001")
	if err != nil {
		t.Fatalf("Get(M001) error = %v", err)
	}
	if got.Barcode != "20240861" || got.Status != member.StatusActive || got.Expiry.Format(time.DateOnly) != "2027-03-31" {
		t.Errorf("imported M001 = %+v", got)
	}
	if valid, err := oracle.IsValid(ctx, "M002"); err != nil || valid {
		t.Errorf("IsValid(M002) = %v, %v; want suspended member invalid", valid, err)
	}

	repo := audit.NewSQLiteRepository(db.DB)
	if err := repo.Record(ctx, audit.ActionSensorUnmatched, audit.EntitySensor, "7", map[string]any{"state": "LOW"}); err != nil {
		t.Fatalf("Record() error = %v", err)
	}

	out.Reset()
	if err := run(ctx, []string{"--config", cfgPath, "--audit", "--since", "1h"}, &out); err != nil {
		t.Fatalf("run(--audit) error = %v", err)
	}
	if !strings.Contains(out.String(), "sensor_unmatched\tsensor\t7\t") {
		t.Errorf("audit output = %q, want the unmatched sensor entry", out.String())
	}

	out.Reset()
	if err := run(ctx, []string{"--config", cfgPath, "--migrate-down"}, &out); err != nil {
		t.Fatalf("run(--migrate-down) error = %v", err)
	}
	applied, _, err := db.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus() error = %v", err)
	}
	if len(applied) != 1 {
		t.Errorf("applied migrations after rollback = %d, want 1", len(applied))
	}
}

func TestImportMembers_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing id", "members:\n  - barcode: \"1\"\n", "has no id"},
		{"bad status", "members:\n  - id: M9\n    status: banned\n", "unknown status"},
		{"bad expiry", "members:\n  - id: M9\n    expiry: next week\n", "expiry"},
		{"not yaml", "members: [", "parsing member file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "members.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0600); err != nil {
				t.Fatalf("writing members file: %v", err)
			}
			store := &recordingUpserter{}
			err := importMembers(context.Background(), store, path, &bytes.Buffer{})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("importMembers() error = %v, want %q", err, tt.wantErr)
			}
			if len(store.saved) != 0 {
				t.Errorf("saved %d members from an invalid file", len(store.saved))
			}
		})
	}
}

type recordingUpserter struct {
	saved []member.Member
}

func (r *recordingUpserter) Upsert(_ context.Context, m member.Member) error {
	r.saved = append(r.saved, m)
	return nil
}

// pagedLister serves total entries in pages of at most the filter limit.
type pagedLister struct {
	total   int
	filters []audit.Filter
}

func (p *pagedLister) List(_ context.Context, f audit.Filter) (*audit.ListResult, error) {
	p.filters = append(p.filters, f)
	n := min(f.Limit, p.total-f.Offset)
	logs := make([]audit.AuditLog, max(n, 0))
	for i := range logs {
		logs[i] = audit.AuditLog{Action: audit.ActionRental, EntityType: audit.EntityTransaction}
	}
	return &audit.ListResult{Logs: logs, Total: p.total, Limit: f.Limit, Offset: f.Offset}, nil
}

func TestPrintAudit_Pages(t *testing.T) {
	since := time.Date(2026, 10, 14, 8, 0, 0, 0, time.UTC)
	lister := &pagedLister{total: auditPageSize + 5}

	var out bytes.Buffer
	if err := printAudit(context.Background(), lister, since, &out); err != nil {
		t.Fatalf("printAudit() error = %v", err)
	}
	if lines := strings.Count(out.String(), "\n"); lines != auditPageSize+5 {
		t.Errorf("printed %d lines, want %d", lines, auditPageSize+5)
	}
	if len(lister.filters) != 2 || lister.filters[1].Offset != auditPageSize {
		t.Errorf("filters = %+v, want two pages", lister.filters)
	}
	if !lister.filters[0].Since.Equal(since) {
		t.Errorf("Since = %v, want %v", lister.filters[0].Since, since)
	}

	out.Reset()
	if err := printAudit(context.Background(), &pagedLister{}, since, &out); err != nil {
		t.Fatalf("printAudit() error = %v", err)
	}
	if out.String() != "no audit entries\n" {
		t.Errorf("empty output = %q", out.String())
	}
}

func TestParseSimulate(t *testing.T) {
	frames, err := parseSimulate([]string{"esp32_barcode=BARCODE:20240861", "esp32_motor1=RESP:CMD_0001:OK=1"})
	if err != nil {
		t.Fatalf("parseSimulate() error = %v", err)
	}
	want := []simulatedFrame{
		{device: "esp32_barcode", frame: "BARCODE:20240861"},
		{device: "esp32_motor1", frame: "RESP:CMD_0001:OK=1"},
	}
	if len(frames) != len(want) {
		t.Fatalf("len(frames) = %d, want %d", len(frames), len(want))
	}
	for i := range want {
		if frames[i] != want[i] {
			t.Errorf("frames[%d] = %+v, want %+v", i, frames[i], want[i])
		}
	}

	for _, bad := range []string{"HEARTBEAT", "=HEARTBEAT", "esp32_motor1=", "esp32_motor1=  "} {
		if _, err := parseSimulate([]string{bad}); err == nil {
			t.Errorf("parseSimulate(%q) should fail", bad)
		}
	}
}

type recordingInjector struct {
	lines map[string][]string
}

func (r *recordingInjector) Inject(_ context.Context, deviceID, line string) error {
	if deviceID != "esp32_barcode" {
		return hardware.ErrDeviceNotFound
	}
	if r.lines == nil {
		r.lines = make(map[string][]string)
	}
	r.lines[deviceID] = append(r.lines[deviceID], line)
	return nil
}

func TestInjectFrames(t *testing.T) {
	inj := &recordingInjector{}
	n := injectFrames(context.Background(), inj, []simulatedFrame{
		{device: "esp32_barcode", frame: "BARCODE:20240861"},
		{device: "missing", frame: "HEARTBEAT"},
	}, logging.Default())
	if n != 1 {
		t.Errorf("injectFrames() = %d, want 1", n)
	}
	if got := inj.lines["esp32_barcode"]; len(got) != 1 || got[0] != "BARCODE:20240861" {
		t.Errorf("injected lines = %v", got)
	}
}

// TestRun_Simulate feeds a scan through an offline scanner during a short
// run.
func TestRun_Simulate(t *testing.T) {
	t.Setenv("LOCKERKIOSK_DATABASE_PATH", "")
	dbPath := filepath.Join(t.TempDir(), "kiosk.db")
	path := writeConfig(t, smokeConfig(dbPath))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	args := []string{"--config", path, "--simulate", "esp32_barcode=BARCODE:20240861"}
	if err := run(ctx, args, &bytes.Buffer{}); err != nil {
		t.Fatalf("run() error = %v", err)
	}

	err := run(context.Background(), []string{"--config", path, "--simulate", "no-separator"}, &bytes.Buffer{})
	if err == nil || !strings.Contains(err.Error(), "--simulate") {
		t.Errorf("run() with malformed --simulate error = %v, want a usage error", err)
	}
}
