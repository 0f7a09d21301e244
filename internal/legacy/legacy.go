// Package legacy imports servers from a legacy billing export.
//
// The export is a YAML document listing services and the machines behind
// them. Each record is inserted as a stable server with its service, keyed
// by the legacy service id, so running the loader again skips everything
// already imported. Imported rows never pass through the state machine.
package legacy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"nathanbeddoewebdev/vpsd/internal/server/domain"
	"nathanbeddoewebdev/vpsd/internal/store"
	"nathanbeddoewebdev/vpsd/internal/telemetry"
)

// DefaultChunkSize is the number of records processed between progress
// reports and cancellation checks.
const DefaultChunkSize = 500

// statusMap maps legacy service statuses (lower-cased) to stable statuses.
var statusMap = map[string]domain.Status{
	"active":     domain.StatusRunning,
	"suspended":  domain.StatusStopped,
	"terminated": domain.StatusStopped,
	"cancelled":  domain.StatusStopped,
}

// Record is one service in the export.
type Record struct {
	LegacyID     string `yaml:"legacy_id"`
	UserID       string `yaml:"user_id"`
	ProductID    string `yaml:"product_id"`
	HostName     string `yaml:"host_name"`
	Status       string `yaml:"status"`
	HypervisorID string `yaml:"hypervisor_id"`
	Node         string `yaml:"node"`
	Address      string `yaml:"address"`
}

// Export is the top-level document.
type Export struct {
	Services []Record `yaml:"services"`
}

// Options controls a load.
type Options struct {
	// DryRun validates and counts without writing. Inserted then counts
	// the records that would be offered to the store.
	DryRun    bool
	ChunkSize int
}

// Problem describes a record that was not imported.
type Problem struct {
	Index    int    `json:"index"`
	LegacyID string `json:"legacy_id,omitempty"`
	Reason   string `json:"reason"`
}

// Report summarizes a load.
type Report struct {
	Read            int       `json:"read"`
	Inserted        int       `json:"inserted"`
	SkippedExisting int       `json:"skipped_existing"`
	Invalid         int       `json:"invalid"`
	DryRun          bool      `json:"dry_run"`
	Problems        []Problem `json:"problems,omitempty"`
}

// Loader writes legacy records through the store gateway.
type Loader struct {
	store store.Gateway
	log   zerolog.Logger
	newID func() string
	now   func() time.Time
}

func NewLoader(gw store.Gateway, logger zerolog.Logger) *Loader {
	return &Loader{
		store: gw,
		log:   telemetry.Component(logger, "legacy"),
		newID: uuid.NewString,
		now:   time.Now,
	}
}

// Parse decodes an export document.
func Parse(r io.Reader) (*Export, error) {
	var export Export
	if err := yaml.NewDecoder(r).Decode(&export); err != nil {
		if errors.Is(err, io.EOF) {
			return &export, nil
		}
		return nil, fmt.Errorf("legacy: failed to parse export: %w", err)
	}
	return &export, nil
}

// LoadFile parses the export at path and loads it.
func (l *Loader) LoadFile(ctx context.Context, path string, opts Options) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("legacy: %w", err)
	}
	defer f.Close()

	export, err := Parse(f)
	if err != nil {
		return nil, err
	}
	return l.Load(ctx, export.Services, opts)
}

// Load imports records in chunks. A store error aborts the load and is
// returned together with the report so far; invalid records are counted
// and skipped.
func (l *Loader) Load(ctx context.Context, records []Record, opts Options) (*Report, error) {
	chunk := opts.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	report := &Report{DryRun: opts.DryRun}

	for start := 0; start < len(records); start += chunk {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		end := min(start+chunk, len(records))

		for i := start; i < end; i++ {
			report.Read++
			if err := l.loadOne(ctx, i, records[i], opts.DryRun, report); err != nil {
				return report, err
			}
		}

		l.log.Info().
			Int("processed", end).
			Int("total", len(records)).
			Int("inserted", report.Inserted).
			Int("skipped", report.SkippedExisting).
			Int("invalid", report.Invalid).
			Bool("dry_run", opts.DryRun).
			Msg("chunk loaded")
	}
	return report, nil
}

func (l *Loader) loadOne(ctx context.Context, index int, rec Record, dryRun bool, report *Report) error {
	srv, svc, err := l.convert(rec)
	if err != nil {
		report.Invalid++
		report.Problems = append(report.Problems, Problem{Index: index, LegacyID: rec.LegacyID, Reason: err.Error()})
		l.log.Warn().Int("index", index).Str("legacy_id", rec.LegacyID).Err(err).Msg("skipping invalid record")
		return nil
	}
	if dryRun {
		report.Inserted++
		return nil
	}

	inserted, err := l.store.InsertLegacy(ctx, srv, svc)
	if err != nil {
		return fmt.Errorf("legacy: record %s: %w", rec.LegacyID, err)
	}
	if inserted {
		report.Inserted++
	} else {
		report.SkippedExisting++
	}
	return nil
}

// convert validates rec and builds the rows to insert.
func (l *Loader) convert(rec Record) (*domain.Server, *domain.Service, error) {
	legacyID := strings.TrimSpace(rec.LegacyID)
	switch {
	case legacyID == "":
		return nil, nil, errors.New("missing legacy_id")
	case strings.TrimSpace(rec.UserID) == "":
		return nil, nil, errors.New("missing user_id")
	case strings.TrimSpace(rec.HostName) == "":
		return nil, nil, errors.New("missing host_name")
	}
	status, ok := MapStatus(rec.Status)
	if !ok {
		return nil, nil, fmt.Errorf("unknown status %q", rec.Status)
	}

	now := l.now().UTC()
	srv := &domain.Server{
		ID:           l.newID(),
		HypervisorID: strings.TrimSpace(rec.HypervisorID),
		Node:         strings.TrimSpace(rec.Node),
		HostName:     strings.TrimSpace(rec.HostName),
		Address:      strings.TrimSpace(rec.Address),
		Status:       status,
		LegacyID:     legacyID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	svc := &domain.Service{
		ID:        l.newID(),
		UserID:    strings.TrimSpace(rec.UserID),
		ProductID: strings.TrimSpace(rec.ProductID),
		ServerID:  srv.ID,
		LegacyID:  legacyID,
		CreatedAt: now,
	}
	return srv, svc, nil
}

// MapStatus converts a legacy service status to a stable status. Matching
// is case-insensitive.
func MapStatus(s string) (domain.Status, bool) {
	status, ok := statusMap[strings.ToLower(strings.TrimSpace(s))]
	return status, ok
}
