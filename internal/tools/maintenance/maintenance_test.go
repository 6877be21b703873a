package maintenance

import (
	"bytes"
	"context"
	"flag"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/meridiankb/meridian/internal/services/sync/domain/event"
	"github.com/meridiankb/meridian/internal/services/sync/storage"
	"github.com/meridiankb/meridian/internal/services/sync/storage/sqlite"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

func openTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return store
}

func appendEvents(t *testing.T, store *sqlite.Store, tenantID, aggregateID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		typ := event.TypeUpdated
		if i == 0 {
			typ = event.TypeCreated
		}
		_, err := store.AppendEvent(context.Background(), event.Event{
			TenantID:      tenantID,
			AggregateType: event.AggregateKnowledgeUnit,
			AggregateID:   aggregateID,
			Type:          typ,
			PayloadJSON:   []byte(`{"fields":{"title":"Atoms"}}`),
		})
		if err != nil {
			t.Fatalf("append event: %v", err)
		}
	}
}

func TestParseConfig_Defaults(t *testing.T) {
	fs := flag.NewFlagSet("maintenance", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, nil)
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if cfg.DBPath != filepath.Join("data", "sync.db") {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, filepath.Join("data", "sync.db"))
	}
	if cfg.Timeout != 10*time.Minute {
		t.Errorf("Timeout = %v, want %v", cfg.Timeout, 10*time.Minute)
	}
	if cfg.WarningsCap != 25 {
		t.Errorf("WarningsCap = %d, want 25", cfg.WarningsCap)
	}
	if cfg.ProjectionIDs != "cache_coordinator,graph_sync" {
		t.Errorf("ProjectionIDs = %q, want %q", cfg.ProjectionIDs, "cache_coordinator,graph_sync")
	}
}

func TestParseConfig_Flags(t *testing.T) {
	fs := flag.NewFlagSet("maintenance", flag.ContinueOnError)
	cfg, err := ParseConfig(fs, []string{
		"-tenant-id", "tenant-a",
		"-db-path", "/tmp/other.db",
		"-integrity",
		"-json",
		"-warnings-cap", "5",
	})
	if err != nil {
		t.Fatalf("ParseConfig() error = %v", err)
	}
	if cfg.TenantID != "tenant-a" {
		t.Errorf("TenantID = %q, want %q", cfg.TenantID, "tenant-a")
	}
	if cfg.DBPath != "/tmp/other.db" {
		t.Errorf("DBPath = %q, want %q", cfg.DBPath, "/tmp/other.db")
	}
	if !cfg.Integrity || !cfg.JSONOutput {
		t.Errorf("Integrity = %v, JSONOutput = %v, want both true", cfg.Integrity, cfg.JSONOutput)
	}
	if cfg.WarningsCap != 5 {
		t.Errorf("WarningsCap = %d, want 5", cfg.WarningsCap)
	}
}

func TestRun_RequiresMode(t *testing.T) {
	err := Run(context.Background(), Config{DBPath: filepath.Join(t.TempDir(), "sync.db")}, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "nothing to do") {
		t.Fatalf("Run() error = %v, want nothing-to-do error", err)
	}
}

func TestRun_RejectsHealthWithScans(t *testing.T) {
	err := Run(context.Background(), Config{HealthAddr: "localhost:1", Integrity: true}, nil, nil)
	if err == nil || !strings.Contains(err.Error(), "cannot be combined") {
		t.Fatalf("Run() error = %v, want combination error", err)
	}
}

func TestResolveTenantIDs(t *testing.T) {
	ids, err := resolveTenantIDs("", " tenant-a, tenant-b ,")
	if err != nil {
		t.Fatalf("resolveTenantIDs() error = %v", err)
	}
	if len(ids) != 2 || ids[0] != "tenant-a" || ids[1] != "tenant-b" {
		t.Errorf("ids = %v, want [tenant-a tenant-b]", ids)
	}
	if _, err := resolveTenantIDs("tenant-a", "tenant-b"); err == nil {
		t.Error("resolveTenantIDs() with both forms should fail")
	}
}

func TestRunWithDeps_IntegrityClean(t *testing.T) {
	store := openTestStore(t)
	appendEvents(t, store, "tenant-a", "unit-1", 3)
	appendEvents(t, store, "tenant-a", "unit-2", 2)

	var out bytes.Buffer
	cfg := Config{Integrity: true, TenantID: "tenant-a"}
	if err := runWithDeps(context.Background(), cfg, store, &out, nil); err != nil {
		t.Fatalf("runWithDeps() error = %v\noutput:\n%s", err, out.String())
	}
	if !strings.Contains(out.String(), "[tenant-a] events=5") {
		t.Errorf("output missing event count:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "sequence_gaps=0") {
		t.Errorf("output should report zero sequence gaps:\n%s", out.String())
	}
}

func TestRunWithDeps_IntegrityScansAllTenants(t *testing.T) {
	store := openTestStore(t)
	appendEvents(t, store, "tenant-a", "unit-1", 1)
	appendEvents(t, store, "tenant-b", "unit-1", 1)

	var out bytes.Buffer
	if err := runWithDeps(context.Background(), Config{Integrity: true}, store, &out, nil); err != nil {
		t.Fatalf("runWithDeps() error = %v", err)
	}
	for _, tenantID := range []string{"tenant-a", "tenant-b"} {
		if !strings.Contains(out.String(), "["+tenantID+"]") {
			t.Errorf("output missing tenant %s:\n%s", tenantID, out.String())
		}
	}
}

func TestRunWithDeps_IntegrityDetectsGaps(t *testing.T) {
	store := openTestStore(t)
	base := time.Now().UTC().Truncate(time.Millisecond)
	mirror := func(id string, seq, offset uint64, at time.Time) {
		t.Helper()
		err := store.ImportEvent(context.Background(), event.Event{
			ID:            id,
			TenantID:      "tenant-a",
			AggregateType: event.AggregateKnowledgeUnit,
			AggregateID:   "unit-1",
			Type:          event.TypeUpdated,
			Seq:           seq,
			GlobalOffset:  offset,
			OccurredAt:    at,
			PayloadJSON:   []byte(`{"fields":{}}`),
		})
		if err != nil {
			t.Fatalf("import event: %v", err)
		}
	}
	mirror("evt-1", 1, 1, base)
	// Seq 2 / offset 2 deliberately missing, and the survivor's timestamp
	// runs backwards.
	mirror("evt-3", 3, 3, base.Add(-time.Second))

	var out bytes.Buffer
	err := runWithDeps(context.Background(), Config{Integrity: true, TenantID: "tenant-a"}, store, &out, nil)
	if err == nil || !strings.Contains(err.Error(), "maintenance failed") {
		t.Fatalf("runWithDeps() error = %v, want maintenance failed", err)
	}
	for _, want := range []string{"offset gap", "sequence gap", "timestamp regression"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q warning:\n%s", want, out.String())
		}
	}
}

func TestRunWithDeps_IntegrityDetectsInvalidPayload(t *testing.T) {
	store := openTestStore(t)
	base := time.Now().UTC().Truncate(time.Millisecond)
	events := []event.Event{
		{ID: "evt-1", Type: event.TypeCreated, Seq: 1, GlobalOffset: 1, OccurredAt: base, PayloadJSON: []byte(`{"fields":`)},
		{ID: "evt-2", Type: event.TypeDeleted, Seq: 2, GlobalOffset: 2, OccurredAt: base.Add(time.Millisecond), PayloadJSON: []byte(`not json`)},
	}
	for _, evt := range events {
		evt.TenantID = "tenant-a"
		evt.AggregateType = event.AggregateKnowledgeUnit
		evt.AggregateID = "unit-1"
		if err := store.ImportEvent(context.Background(), evt); err != nil {
			t.Fatalf("import event %s: %v", evt.ID, err)
		}
	}

	var out bytes.Buffer
	runErr := runWithDeps(context.Background(), Config{Integrity: true, TenantID: "tenant-a"}, store, &out, nil)
	if runErr == nil {
		t.Fatal("runWithDeps() should fail on invalid payloads")
	}
	if !strings.Contains(out.String(), "invalid_payloads=2") {
		t.Errorf("output should count both malformed payloads:\n%s", out.String())
	}
	// The deleted event's payload is scanned like any other lifecycle event.
	if !strings.Contains(out.String(), "invalid payload: event evt-2") {
		t.Errorf("output missing warning for the deleted event:\n%s", out.String())
	}
}

func TestRunWithDeps_CheckpointLag(t *testing.T) {
	store := openTestStore(t)
	appendEvents(t, store, "tenant-a", "unit-1", 5)
	err := store.SaveCheckpoint(context.Background(), storage.Checkpoint{
		ProjectionID: "cache_coordinator",
		PartitionKey: "tenant-a",
		LastOffset:   2,
		LastEventID:  "evt-2",
	})
	if err != nil {
		t.Fatalf("save checkpoint: %v", err)
	}

	var out bytes.Buffer
	cfg := Config{Checkpoints: true, ProjectionIDs: "cache_coordinator"}
	if err := runWithDeps(context.Background(), cfg, store, &out, nil); err != nil {
		t.Fatalf("runWithDeps() error = %v", err)
	}
	if !strings.Contains(out.String(), "tenant-a: offset 2/5 lag=3") {
		t.Errorf("output missing lag line:\n%s", out.String())
	}
}

func TestRunWithDeps_DeadLetters(t *testing.T) {
	store := openTestStore(t)
	now := time.Now().UTC()
	for _, eventID := range []string{"evt-1", "evt-2"} {
		err := store.AppendDeadLetter(context.Background(), storage.DeadLetter{
			ProjectionID: "graph_sync",
			PartitionKey: "tenant-a",
			EventID:      eventID,
			TenantID:     "tenant-a",
			GlobalOffset: 7,
			Reason:       "payload rejected",
			CreatedAt:    now,
		})
		if err != nil {
			t.Fatalf("append dead letter: %v", err)
		}
	}
	if _, err := store.AcknowledgeDeadLetter(context.Background(), "graph_sync", "evt-1", now); err != nil {
		t.Fatalf("acknowledge dead letter: %v", err)
	}

	var out bytes.Buffer
	cfg := Config{DeadLetters: true, ProjectionIDs: "graph_sync"}
	if err := runWithDeps(context.Background(), cfg, store, &out, nil); err != nil {
		t.Fatalf("runWithDeps() error = %v", err)
	}
	if !strings.Contains(out.String(), "1 unacknowledged, 1 acknowledged") {
		t.Errorf("output missing dead letter counts:\n%s", out.String())
	}
	if !strings.Contains(out.String(), "evt-2") || strings.Contains(out.String(), "evt-1 ") {
		t.Errorf("only evt-2 should be listed:\n%s", out.String())
	}
}

func TestRun_HealthProbe(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	server := grpc.NewServer()
	healthServer := health.NewServer()
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(server, healthServer)
	go func() { _ = server.Serve(listener) }()
	defer server.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var out bytes.Buffer
	if err := Run(ctx, Config{HealthAddr: listener.Addr().String()}, &out, nil); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(out.String(), "SERVING") {
		t.Errorf("output missing SERVING:\n%s", out.String())
	}
}
