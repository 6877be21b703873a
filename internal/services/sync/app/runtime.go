// Package app assembles and runs the sync service: the event store, the
// cache and graph projection runners, and the tier migrator, fronted by a
// gRPC health server.
package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/meridiankb/meridian/internal/services/sync/cache"
	"github.com/meridiankb/meridian/internal/services/sync/domain/tenant"
	"github.com/meridiankb/meridian/internal/services/sync/graph"
	"github.com/meridiankb/meridian/internal/services/sync/migrator"
	"github.com/meridiankb/meridian/internal/services/sync/projection"
	syncsqlite "github.com/meridiankb/meridian/internal/services/sync/storage/sqlite"
)

// Projection identifiers for the built-in runners.
const (
	ProjectionCacheCoordinator = "cache_coordinator"
	ProjectionGraphSync        = "graph_sync"
)

// RuntimeConfig controls sync startup, dependencies, and loop behavior.
type RuntimeConfig struct {
	Port          int
	DBPath        string
	TenantDataDir string

	PollInterval  time.Duration
	PageSize      int
	MaxAttempts   int
	RetryBackoff  time.Duration
	RetryMaxDelay time.Duration

	CacheTTL time.Duration

	LagThreshold       uint64
	ReplicationTimeout time.Duration
	ReclaimDelay       time.Duration
	MigrationInterval  time.Duration

	SchemaTierThreshold   int64
	DatabaseTierThreshold int64
}

const (
	defaultSyncPort      = 8093
	defaultSyncDB        = "data/sync.db"
	defaultTenantDataDir = "data/tenants"
)

// Run starts sync runtime dependencies and the background loops.
func Run(ctx context.Context, cfg RuntimeConfig) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Port <= 0 {
		cfg.Port = defaultSyncPort
	}
	if cfg.DBPath == "" {
		cfg.DBPath = defaultSyncDB
	}
	if cfg.TenantDataDir == "" {
		cfg.TenantDataDir = defaultTenantDataDir
	}

	for _, dir := range []string{filepath.Dir(cfg.DBPath), cfg.TenantDataDir} {
		if dir == "." {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create sync storage dir: %w", err)
		}
	}

	store, err := syncsqlite.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open sync sqlite store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			log.Printf("close sync sqlite store: %v", closeErr)
		}
	}()

	runnerConfig := projection.Config{
		PollInterval:         cfg.PollInterval,
		PageSize:             cfg.PageSize,
		MaxAttempts:          cfg.MaxAttempts,
		RetryInitialInterval: cfg.RetryBackoff,
		RetryMaxInterval:     cfg.RetryMaxDelay,
	}
	alert := logAlert

	broadcaster := cache.NewBroadcaster()
	coordinator := cache.NewCoordinator(cache.NewMemoryCache(), broadcaster, cfg.CacheTTL)
	cacheRunner, err := projection.New(ProjectionCacheCoordinator, coordinator, store, store, store, runnerConfig, alert, log.Printf)
	if err != nil {
		return fmt.Errorf("build cache runner: %w", err)
	}

	syncer := graph.NewSyncer(graph.NewMemoryGraph())
	graphRunner, err := projection.New(ProjectionGraphSync, syncer, store, store, store, runnerConfig, alert, log.Printf)
	if err != nil {
		return fmt.Errorf("build graph runner: %w", err)
	}

	provisioner := newTenantProvisioner(cfg.TenantDataDir, log.Printf)
	defer provisioner.closeAll()

	tierMigrator, err := migrator.New(store, store, store, store, provisioner, migrator.Config{
		PollInterval:       cfg.MigrationInterval,
		LagThreshold:       cfg.LagThreshold,
		ReplicationTimeout: cfg.ReplicationTimeout,
		ReclaimDelay:       cfg.ReclaimDelay,
		Thresholds: tenant.Thresholds{
			SchemaPerTenant:   cfg.SchemaTierThreshold,
			DatabasePerTenant: cfg.DatabaseTierThreshold,
		},
		Runner: runnerConfig,
	}, logMigrationAlert, log.Printf)
	if err != nil {
		return fmt.Errorf("build tier migrator: %w", err)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen on sync port %d: %w", cfg.Port, err)
	}
	defer listener.Close()

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("sync.runtime", grpc_health_v1.HealthCheckResponse_SERVING)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- grpcServer.Serve(listener)
	}()
	defer func() {
		healthServer.Shutdown()
		grpcServer.GracefulStop()
		<-serveErr
	}()

	log.Printf("sync server listening at %v", listener.Addr())

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cacheRunner.Run(ctx) })
	g.Go(func() error { return graphRunner.Run(ctx) })
	g.Go(func() error { return tierMigrator.Run(ctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func logAlert(alert projection.Alert) {
	log.Printf("ALERT projection %s partition %s parked at event %s (offset %d, dead-lettered %t): %s",
		alert.ProjectionID, alert.PartitionKey, alert.EventID, alert.GlobalOffset, alert.DeadLettered, alert.Reason)
}

func logMigrationAlert(alert migrator.Alert) {
	log.Printf("ALERT migration tenant %s -> %s in %s (%s): %s",
		alert.TenantID, alert.TargetTier, alert.Phase, alert.Code, alert.Reason)
}
