// Package maintenance implements offline inspection of the sync store:
// event log integrity scans, checkpoint lag reports, dead-letter reports,
// and a runtime health probe.
package maintenance

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	platformgrpc "github.com/meridiankb/meridian/internal/platform/grpc"
	"github.com/meridiankb/meridian/internal/platform/timeouts"
	syncapp "github.com/meridiankb/meridian/internal/services/sync/app"
	"github.com/meridiankb/meridian/internal/services/sync/domain/event"
	"github.com/meridiankb/meridian/internal/services/sync/storage"
	"github.com/meridiankb/meridian/internal/services/sync/storage/sqlite"
)

const scanPageSize = 200

// Config holds maintenance command configuration.
type Config struct {
	TenantID      string
	TenantIDs     string
	DBPath        string
	Timeout       time.Duration
	Integrity     bool
	Checkpoints   bool
	DeadLetters   bool
	ProjectionIDs string
	WarningsCap   int
	JSONOutput    bool
	HealthAddr    string
}

type envConfig struct {
	DBPath  string        `env:"MERIDIAN_SYNC_DB_PATH"`
	Timeout time.Duration `env:"MERIDIAN_SYNC_MAINTENANCE_TIMEOUT" envDefault:"10m"`
}

// ParseConfig parses flags into a Config. Flags default to the corresponding
// environment values when set.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var envCfg envConfig
	if err := env.Parse(&envCfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}

	cfg := Config{
		DBPath:        envCfg.DBPath,
		Timeout:       envCfg.Timeout,
		ProjectionIDs: defaultProjectionIDs(),
		WarningsCap:   25,
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join("data", "sync.db")
	}

	fs.StringVar(&cfg.TenantID, "tenant-id", "", "tenant ID to scan")
	fs.StringVar(&cfg.TenantIDs, "tenant-ids", "", "comma-separated tenant IDs to scan (default: all tenants)")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "path to sync sqlite database (default: MERIDIAN_SYNC_DB_PATH or data/sync.db)")
	fs.BoolVar(&cfg.Integrity, "integrity", false, "scan the event log for sequence gaps, offset gaps, timestamp regressions, and invalid payloads")
	fs.BoolVar(&cfg.Checkpoints, "checkpoints", false, "report projection checkpoint lag per partition")
	fs.BoolVar(&cfg.DeadLetters, "dead-letters", false, "report unacknowledged dead letters per projection")
	fs.StringVar(&cfg.ProjectionIDs, "projection-ids", cfg.ProjectionIDs, "comma-separated projection IDs for checkpoint and dead-letter reports")
	fs.IntVar(&cfg.WarningsCap, "warnings-cap", cfg.WarningsCap, "max warnings to print per tenant (0 = no limit)")
	fs.BoolVar(&cfg.JSONOutput, "json", false, "output JSON reports")
	fs.StringVar(&cfg.HealthAddr, "health-addr", "", "probe the sync runtime gRPC health endpoint at this address and exit")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "overall timeout")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultProjectionIDs() string {
	return strings.Join([]string{syncapp.ProjectionCacheCoordinator, syncapp.ProjectionGraphSync}, ",")
}

// Run executes the maintenance command.
func Run(ctx context.Context, cfg Config, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}

	if cfg.HealthAddr != "" {
		if cfg.Integrity || cfg.Checkpoints || cfg.DeadLetters {
			return errors.New("-health-addr cannot be combined with store scans")
		}
		return runHealthProbe(ctx, cfg.HealthAddr, out, errOut)
	}
	if !cfg.Integrity && !cfg.Checkpoints && !cfg.DeadLetters {
		return errors.New("nothing to do: pass -integrity, -checkpoints, -dead-letters, or -health-addr")
	}
	if cfg.WarningsCap < 0 {
		return errors.New("-warnings-cap must be >= 0")
	}
	if _, err := resolveTenantIDs(cfg.TenantID, cfg.TenantIDs); err != nil {
		return err
	}

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open sync store: %w", err)
	}
	return runWithDeps(ctx, cfg, store, out, errOut)
}

// runWithDeps contains the core maintenance logic with an injectable store.
// It owns the store lifecycle, closing it on return.
func runWithDeps(ctx context.Context, cfg Config, store closableStore, out io.Writer, errOut io.Writer) error {
	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = io.Discard
	}
	defer func() {
		if err := store.Close(); err != nil {
			fmt.Fprintf(errOut, "Error: close sync store: %v\n", err)
		}
	}()

	failed := false

	if cfg.Integrity {
		ids, err := resolveTenantIDs(cfg.TenantID, cfg.TenantIDs)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			ids, err = store.ListTenantIDs(ctx)
			if err != nil {
				return fmt.Errorf("list tenants: %w", err)
			}
		}
		for _, tenantID := range ids {
			report := scanTenant(ctx, store, tenantID, cfg.WarningsCap)
			if cfg.JSONOutput {
				outputJSON(out, errOut, report)
			} else {
				printIntegrityReport(out, report)
			}
			if report.Anomalies() > 0 || report.ScanError != "" {
				failed = true
			}
		}
	}

	projectionIDs := splitList(cfg.ProjectionIDs)
	if cfg.Checkpoints {
		for _, projectionID := range projectionIDs {
			report, err := checkpointLag(ctx, store, projectionID)
			if err != nil {
				return err
			}
			if cfg.JSONOutput {
				outputJSON(out, errOut, report)
			} else {
				printCheckpointReport(out, report)
			}
		}
	}

	if cfg.DeadLetters {
		for _, projectionID := range projectionIDs {
			report, err := deadLetterReport(ctx, store, projectionID)
			if err != nil {
				return err
			}
			if cfg.JSONOutput {
				outputJSON(out, errOut, report)
			} else {
				printDeadLetterReport(out, report)
			}
		}
	}

	if failed {
		return errors.New("maintenance failed")
	}
	return nil
}

// integrityReport summarizes one tenant's event log scan.
type integrityReport struct {
	TenantID             string   `json:"tenant_id"`
	TotalEvents          int      `json:"total_events"`
	LastOffset           uint64   `json:"last_offset"`
	OffsetGaps           int      `json:"offset_gaps"`
	SequenceGaps         int      `json:"sequence_gaps"`
	TimestampRegressions int      `json:"timestamp_regressions"`
	InvalidPayloads      int      `json:"invalid_payloads"`
	Warnings             []string `json:"warnings,omitempty"`
	WarningsTruncated    bool     `json:"warnings_truncated,omitempty"`
	ScanError            string   `json:"scan_error,omitempty"`
}

// Anomalies returns the total count of integrity findings.
func (r integrityReport) Anomalies() int {
	return r.OffsetGaps + r.SequenceGaps + r.TimestampRegressions + r.InvalidPayloads
}

// scanTenant walks the tenant stream in offset order and cross-checks the
// ordering guarantees the rest of the system depends on: gapless global
// offsets, gapless per-aggregate sequences, monotonic timestamps, and
// parseable lifecycle payloads.
func scanTenant(ctx context.Context, store storage.EventStore, tenantID string, warningsCap int) integrityReport {
	report := integrityReport{TenantID: tenantID}
	warn := func(format string, args ...any) {
		if warningsCap > 0 && len(report.Warnings) >= warningsCap {
			report.WarningsTruncated = true
			return
		}
		report.Warnings = append(report.Warnings, fmt.Sprintf(format, args...))
	}

	lastSeqs := make(map[string]uint64)
	var lastOffset uint64
	var lastOccurred time.Time

	for {
		events, err := store.ListTenantEvents(ctx, tenantID, lastOffset, scanPageSize)
		if err != nil {
			report.ScanError = err.Error()
			return report
		}
		for _, evt := range events {
			report.TotalEvents++
			if evt.GlobalOffset != lastOffset+1 {
				report.OffsetGaps++
				warn("offset gap: event %s has offset %d, expected %d", evt.ID, evt.GlobalOffset, lastOffset+1)
			}
			lastOffset = evt.GlobalOffset

			aggregateKey := string(evt.AggregateType) + ":" + evt.AggregateID
			if evt.Seq != lastSeqs[aggregateKey]+1 {
				report.SequenceGaps++
				warn("sequence gap: aggregate %s event %s has seq %d, expected %d", aggregateKey, evt.ID, evt.Seq, lastSeqs[aggregateKey]+1)
			}
			lastSeqs[aggregateKey] = evt.Seq

			if evt.OccurredAt.Before(lastOccurred) {
				report.TimestampRegressions++
				warn("timestamp regression: event %s occurred at %s before prior event at %s", evt.ID, evt.OccurredAt.Format(time.RFC3339Nano), lastOccurred.Format(time.RFC3339Nano))
			}
			lastOccurred = evt.OccurredAt

			if evt.Type.IsLifecycle() {
				if _, err := event.ParsePayload(evt.PayloadJSON); err != nil {
					report.InvalidPayloads++
					warn("invalid payload: event %s: %v", evt.ID, err)
				}
			}
		}
		if len(events) < scanPageSize {
			break
		}
	}
	report.LastOffset = lastOffset
	return report
}

// partitionLag is one partition's checkpoint position against the stream head.
type partitionLag struct {
	PartitionKey string    `json:"partition_key"`
	LastOffset   uint64    `json:"last_offset"`
	LatestOffset uint64    `json:"latest_offset"`
	Lag          uint64    `json:"lag"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type checkpointReport struct {
	ProjectionID string         `json:"projection_id"`
	Partitions   []partitionLag `json:"partitions"`
}

func checkpointLag(ctx context.Context, store closableStore, projectionID string) (checkpointReport, error) {
	report := checkpointReport{ProjectionID: projectionID}
	checkpoints, err := store.ListCheckpoints(ctx, projectionID)
	if err != nil {
		return report, fmt.Errorf("list checkpoints for %s: %w", projectionID, err)
	}
	for _, checkpoint := range checkpoints {
		latest, err := store.GetLatestTenantOffset(ctx, checkpoint.PartitionKey)
		if err != nil {
			return report, fmt.Errorf("latest offset for %s: %w", checkpoint.PartitionKey, err)
		}
		lag := uint64(0)
		if latest > checkpoint.LastOffset {
			lag = latest - checkpoint.LastOffset
		}
		report.Partitions = append(report.Partitions, partitionLag{
			PartitionKey: checkpoint.PartitionKey,
			LastOffset:   checkpoint.LastOffset,
			LatestOffset: latest,
			Lag:          lag,
			UpdatedAt:    checkpoint.UpdatedAt,
		})
	}
	return report, nil
}

type deadLetterRow struct {
	EventID      string    `json:"event_id"`
	PartitionKey string    `json:"partition_key"`
	GlobalOffset uint64    `json:"global_offset"`
	Reason       string    `json:"reason"`
	CreatedAt    time.Time `json:"created_at"`
}

type deadLettersReport struct {
	ProjectionID   string          `json:"projection_id"`
	Unacknowledged []deadLetterRow `json:"unacknowledged"`
	Acknowledged   int             `json:"acknowledged"`
}

func deadLetterReport(ctx context.Context, store closableStore, projectionID string) (deadLettersReport, error) {
	report := deadLettersReport{ProjectionID: projectionID}
	letters, err := store.ListDeadLetters(ctx, projectionID)
	if err != nil {
		return report, fmt.Errorf("list dead letters for %s: %w", projectionID, err)
	}
	for _, letter := range letters {
		if letter.Acknowledged {
			report.Acknowledged++
			continue
		}
		report.Unacknowledged = append(report.Unacknowledged, deadLetterRow{
			EventID:      letter.EventID,
			PartitionKey: letter.PartitionKey,
			GlobalOffset: letter.GlobalOffset,
			Reason:       letter.Reason,
			CreatedAt:    letter.CreatedAt,
		})
	}
	return report, nil
}

// runHealthProbe dials the runtime health endpoint and reports SERVING or
// the failure. Exit status doubles as the probe result.
func runHealthProbe(ctx context.Context, addr string, out io.Writer, errOut io.Writer) error {
	logf := func(format string, args ...any) {
		fmt.Fprintf(errOut, format+"\n", args...)
	}
	conn, err := platformgrpc.DialWithHealth(ctx, nil, addr, timeouts.GRPCDial, logf, platformgrpc.DefaultClientDialOptions()...)
	if err != nil {
		return fmt.Errorf("health probe %s: %w", addr, err)
	}
	defer func() {
		if closeErr := conn.Close(); closeErr != nil {
			fmt.Fprintf(errOut, "Error: close connection: %v\n", closeErr)
		}
	}()
	fmt.Fprintf(out, "health %s: SERVING\n", addr)
	return nil
}

func resolveTenantIDs(single, list string) ([]string, error) {
	single = strings.TrimSpace(single)
	ids := splitList(list)
	if single != "" && len(ids) > 0 {
		return nil, errors.New("-tenant-id cannot be combined with -tenant-ids")
	}
	if single != "" {
		return []string{single}, nil
	}
	return ids, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func outputJSON(out io.Writer, errOut io.Writer, v any) {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		fmt.Fprintf(errOut, "Error: encode report: %v\n", err)
	}
}

func printIntegrityReport(out io.Writer, report integrityReport) {
	fmt.Fprintf(out, "[%s] events=%d last_offset=%d offset_gaps=%d sequence_gaps=%d timestamp_regressions=%d invalid_payloads=%d\n",
		report.TenantID, report.TotalEvents, report.LastOffset,
		report.OffsetGaps, report.SequenceGaps, report.TimestampRegressions, report.InvalidPayloads)
	for _, warning := range report.Warnings {
		fmt.Fprintf(out, "  warning: %s\n", warning)
	}
	if report.WarningsTruncated {
		fmt.Fprintln(out, "  (warnings truncated)")
	}
	if report.ScanError != "" {
		fmt.Fprintf(out, "  scan error: %s\n", report.ScanError)
	}
}

func printCheckpointReport(out io.Writer, report checkpointReport) {
	fmt.Fprintf(out, "projection %s: %d partitions\n", report.ProjectionID, len(report.Partitions))
	for _, partition := range report.Partitions {
		fmt.Fprintf(out, "  %s: offset %d/%d lag=%d updated=%s\n",
			partition.PartitionKey, partition.LastOffset, partition.LatestOffset, partition.Lag,
			partition.UpdatedAt.Format(time.RFC3339))
	}
}

func printDeadLetterReport(out io.Writer, report deadLettersReport) {
	fmt.Fprintf(out, "projection %s: %d unacknowledged, %d acknowledged\n",
		report.ProjectionID, len(report.Unacknowledged), report.Acknowledged)
	for _, row := range report.Unacknowledged {
		fmt.Fprintf(out, "  %s offset=%d partition=%s reason=%s\n",
			row.EventID, row.GlobalOffset, row.PartitionKey, row.Reason)
	}
}
