package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nerrad567/locker-kiosk-core/internal/audit"
	"github.com/nerrad567/locker-kiosk-core/internal/hardware"
	"github.com/nerrad567/locker-kiosk-core/internal/infrastructure/logging"
	"github.com/nerrad567/locker-kiosk-core/internal/member"
)

// auditPageSize is the largest page audit.SQLiteRepository.List returns.
const auditPageSize = 200

// memberFile is the YAML layout read by --import-members.
type memberFile struct {
	Members []memberRecord `yaml:"members"`
}

type memberRecord struct {
	ID      string `yaml:"id"`
	Barcode string `yaml:"barcode"`
	Name    string `yaml:"name"`
	Status  string `yaml:"status"`
	Expiry  string `yaml:"expiry"` // YYYY-MM-DD, empty for no expiry
}

// memberUpserter is the part of member.SQLiteOracle the import needs.
type memberUpserter interface {
	Upsert(ctx context.Context, m member.Member) error
}

// importMembers upserts every member listed in path and reports the count.
// The file is validated in full before anything is written.
func importMembers(ctx context.Context, store memberUpserter, path string, stdout io.Writer) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading member file: %w", err)
	}
	var file memberFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing member file %s: %w", path, err)
	}

	members := make([]member.Member, 0, len(file.Members))
	for i, r := range file.Members {
		if r.ID == "" {
			return fmt.Errorf("member file %s: entry %d has no id", path, i+1)
		}
		switch r.Status {
		case "", member.StatusActive, member.StatusSuspended:
		default:
			return fmt.Errorf("member file %s: member %s has unknown status %q", path, r.ID, r.Status)
		}
		m := member.Member{ID: r.ID, Barcode: r.Barcode, Name: r.Name, Status: r.Status}
		if r.Expiry != "" {
			m.Expiry, err = time.Parse(time.DateOnly, r.Expiry)
			if err != nil {
				return fmt.Errorf("member file %s: member %s expiry: %w", path, r.ID, err)
			}
		}
		members = append(members, m)
	}

	for _, m := range members {
		if err := store.Upsert(ctx, m); err != nil {
			return err
		}
	}
	fmt.Fprintf(stdout, "imported %d members\n", len(members))
	return nil
}

// auditLister is the part of audit.SQLiteRepository --audit needs.
type auditLister interface {
	List(ctx context.Context, filter audit.Filter) (*audit.ListResult, error)
}

// printAudit writes audit entries created at or after since, newest first,
// one tab-separated line each.
func printAudit(ctx context.Context, repo auditLister, since time.Time, stdout io.Writer) error {
	filter := audit.Filter{Since: since, Limit: auditPageSize}
	printed := 0
	for {
		page, err := repo.List(ctx, filter)
		if err != nil {
			return err
		}
		for _, l := range page.Logs {
			details := ""
			if len(l.Details) > 0 {
				b, err := json.Marshal(l.Details)
				if err != nil {
					return fmt.Errorf("encoding details of %s: %w", l.ID, err)
				}
				details = string(b)
			}
			fmt.Fprintf(stdout, "%s\t%s\t%s\t%s\t%s\n",
				l.CreatedAt.Format(time.RFC3339), l.Action, l.EntityType, l.EntityID, details)
		}
		printed += len(page.Logs)
		if len(page.Logs) == 0 || printed >= page.Total {
			break
		}
		filter.Offset += len(page.Logs)
	}
	if printed == 0 {
		fmt.Fprintln(stdout, "no audit entries")
	}
	return nil
}

// simulatedFrame is one --simulate value.
type simulatedFrame struct {
	device string
	frame  string
}

// parseSimulate splits --simulate values of the form device=frame.
func parseSimulate(values []string) ([]simulatedFrame, error) {
	frames := make([]simulatedFrame, 0, len(values))
	for _, v := range values {
		device, frame, ok := strings.Cut(v, "=")
		if !ok || device == "" || strings.TrimSpace(frame) == "" {
			return nil, fmt.Errorf("invalid --simulate %q: want <device>=<frame>", v)
		}
		frames = append(frames, simulatedFrame{device: device, frame: frame})
	}
	return frames, nil
}

// frameInjector is the part of hardware.Manager --simulate needs.
type frameInjector interface {
	Inject(ctx context.Context, deviceID, line string) error
}

// injectFrames feeds the simulated frames through their devices' parsers.
// A frame for an unknown device is logged and skipped.
func injectFrames(ctx context.Context, hw frameInjector, frames []simulatedFrame, log *logging.Logger) int {
	injected := 0
	for _, f := range frames {
		if err := hw.Inject(ctx, f.device, f.frame); err != nil {
			log.Warn("simulated frame rejected", "device", f.device, "error", err)
			continue
		}
		log.Info("simulated frame injected", "device", f.device)
		injected++
	}
	return injected
}

var _ frameInjector = (*hardware.Manager)(nil)
