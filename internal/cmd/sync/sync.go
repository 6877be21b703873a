// Package sync parses sync command flags and launches the sync runtime.
package sync

import (
	"context"
	"flag"
	"time"

	entrypoint "github.com/meridiankb/meridian/internal/platform/cmd"
	syncserver "github.com/meridiankb/meridian/internal/services/sync/app"
)

// Config holds sync command configuration.
type Config struct {
	Port          int    `env:"MERIDIAN_SYNC_PORT" envDefault:"8093"`
	DBPath        string `env:"MERIDIAN_SYNC_DB_PATH" envDefault:"data/sync.db"`
	TenantDataDir string `env:"MERIDIAN_SYNC_TENANT_DATA_DIR" envDefault:"data/tenants"`

	PollInterval  time.Duration `env:"MERIDIAN_SYNC_POLL_INTERVAL" envDefault:"1s"`
	PageSize      int           `env:"MERIDIAN_SYNC_PAGE_SIZE" envDefault:"100"`
	MaxAttempts   int           `env:"MERIDIAN_SYNC_MAX_ATTEMPTS" envDefault:"5"`
	RetryBackoff  time.Duration `env:"MERIDIAN_SYNC_RETRY_BACKOFF" envDefault:"100ms"`
	RetryMaxDelay time.Duration `env:"MERIDIAN_SYNC_RETRY_MAX_DELAY" envDefault:"2s"`

	CacheTTL time.Duration `env:"MERIDIAN_SYNC_CACHE_TTL" envDefault:"5m"`

	LagThreshold       uint64        `env:"MERIDIAN_SYNC_LAG_THRESHOLD" envDefault:"10"`
	ReplicationTimeout time.Duration `env:"MERIDIAN_SYNC_REPLICATION_TIMEOUT" envDefault:"10m"`
	ReclaimDelay       time.Duration `env:"MERIDIAN_SYNC_RECLAIM_DELAY" envDefault:"1h"`
	MigrationInterval  time.Duration `env:"MERIDIAN_SYNC_MIGRATION_INTERVAL" envDefault:"5s"`

	SchemaTierThreshold   int64 `env:"MERIDIAN_SYNC_SCHEMA_TIER_THRESHOLD" envDefault:"0"`
	DatabaseTierThreshold int64 `env:"MERIDIAN_SYNC_DATABASE_TIER_THRESHOLD" envDefault:"0"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg); err != nil {
		return Config{}, err
	}
	fs.IntVar(&cfg.Port, "port", cfg.Port, "The sync health gRPC server port")
	fs.StringVar(&cfg.DBPath, "db-path", cfg.DBPath, "The sync SQLite database path")
	fs.StringVar(&cfg.TenantDataDir, "tenant-data-dir", cfg.TenantDataDir, "Directory for per-tenant migration replicas")
	fs.DurationVar(&cfg.PollInterval, "poll-interval", cfg.PollInterval, "Projection stream poll interval")
	fs.IntVar(&cfg.PageSize, "page-size", cfg.PageSize, "Projection stream read batch size")
	fs.IntVar(&cfg.MaxAttempts, "max-attempts", cfg.MaxAttempts, "Maximum apply attempts before a partition parks")
	fs.DurationVar(&cfg.RetryBackoff, "retry-backoff", cfg.RetryBackoff, "Base apply retry backoff delay")
	fs.DurationVar(&cfg.RetryMaxDelay, "retry-max-delay", cfg.RetryMaxDelay, "Maximum apply retry delay")
	fs.DurationVar(&cfg.CacheTTL, "cache-ttl", cfg.CacheTTL, "Cache entry time to live")
	fs.Uint64Var(&cfg.LagThreshold, "lag-threshold", cfg.LagThreshold, "Replication lag considered caught up for dual-write")
	fs.DurationVar(&cfg.ReplicationTimeout, "replication-timeout", cfg.ReplicationTimeout, "Replication catch-up window before alerting")
	fs.DurationVar(&cfg.ReclaimDelay, "reclaim-delay", cfg.ReclaimDelay, "Deferral before old tenant locations reclaim")
	fs.DurationVar(&cfg.MigrationInterval, "migration-interval", cfg.MigrationInterval, "Tier migration drive loop interval")
	fs.Int64Var(&cfg.SchemaTierThreshold, "schema-tier-threshold", cfg.SchemaTierThreshold, "Aggregate count promoting a tenant to schema_per_tenant (0 disables)")
	fs.Int64Var(&cfg.DatabaseTierThreshold, "database-tier-threshold", cfg.DatabaseTierThreshold, "Aggregate count promoting a tenant to database_per_tenant (0 disables)")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run starts the sync runtime.
func Run(ctx context.Context, cfg Config) error {
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceSync, func(context.Context) error {
		return syncserver.Run(ctx, syncserver.RuntimeConfig{
			Port:                  cfg.Port,
			DBPath:                cfg.DBPath,
			TenantDataDir:         cfg.TenantDataDir,
			PollInterval:          cfg.PollInterval,
			PageSize:              cfg.PageSize,
			MaxAttempts:           cfg.MaxAttempts,
			RetryBackoff:          cfg.RetryBackoff,
			RetryMaxDelay:         cfg.RetryMaxDelay,
			CacheTTL:              cfg.CacheTTL,
			LagThreshold:          cfg.LagThreshold,
			ReplicationTimeout:    cfg.ReplicationTimeout,
			ReclaimDelay:          cfg.ReclaimDelay,
			MigrationInterval:     cfg.MigrationInterval,
			SchemaTierThreshold:   cfg.SchemaTierThreshold,
			DatabaseTierThreshold: cfg.DatabaseTierThreshold,
		})
	})
}
