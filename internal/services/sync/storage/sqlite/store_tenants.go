package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/meridiankb/meridian/internal/platform/errors"
	"github.com/meridiankb/meridian/internal/services/sync/domain/tenant"
	"github.com/meridiankb/meridian/internal/services/sync/storage"
)

// GetTenantTier returns the tenant's tier record, defaulting to row_level
// when the tenant has never been recorded.
func (s *Store) GetTenantTier(ctx context.Context, tenantID string) (storage.TenantTierRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.TenantTierRecord{}, err
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return storage.TenantTierRecord{}, fmt.Errorf("tenant id is required")
	}

	var (
		tier      string
		updatedAt int64
	)
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT tier, updated_at FROM tenant_tiers WHERE tenant_id = ?`,
		tenantID,
	).Scan(&tier, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.TenantTierRecord{TenantID: tenantID, Tier: tenant.TierRowLevel}, nil
	}
	if err != nil {
		return storage.TenantTierRecord{}, fmt.Errorf("get tenant tier: %w", err)
	}
	return storage.TenantTierRecord{
		TenantID:  tenantID,
		Tier:      tenant.Tier(tier),
		UpdatedAt: fromMillis(updatedAt),
	}, nil
}

// SaveTenantTier upserts a tier assignment.
func (s *Store) SaveTenantTier(ctx context.Context, record storage.TenantTierRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	record.TenantID = strings.TrimSpace(record.TenantID)
	if record.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if !record.Tier.IsValid() {
		return apperrors.New(apperrors.CodeMigrationInvalidTier, fmt.Sprintf("unknown tier %q", record.Tier))
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO tenant_tiers (tenant_id, tier, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT (tenant_id) DO UPDATE SET
		     tier = excluded.tier,
		     updated_at = excluded.updated_at`,
		record.TenantID,
		string(record.Tier),
		toMillis(record.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save tenant tier: %w", err)
	}
	return nil
}

// GetMigration returns the tenant's in-flight migration record.
func (s *Store) GetMigration(ctx context.Context, tenantID string) (storage.MigrationRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.MigrationRecord{}, err
	}
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return storage.MigrationRecord{}, fmt.Errorf("tenant id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT tenant_id, target_tier, phase, started_at, cutover_offset, abort_reason, updated_at
		 FROM tier_migrations
		 WHERE tenant_id = ?`,
		tenantID,
	)
	record, err := scanMigration(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.MigrationRecord{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.MigrationRecord{}, fmt.Errorf("get migration: %w", err)
	}
	return record, nil
}

// BeginMigration inserts a migration record only when the tenant has none in
// flight. The primary key on tenant_id is the compare-and-set that enforces
// one migration per tenant.
func (s *Store) BeginMigration(ctx context.Context, record storage.MigrationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	record.TenantID = strings.TrimSpace(record.TenantID)
	if record.TenantID == "" {
		return fmt.Errorf("tenant id is required")
	}
	if !record.TargetTier.IsValid() {
		return apperrors.New(apperrors.CodeMigrationInvalidTier, fmt.Sprintf("unknown tier %q", record.TargetTier))
	}
	if !record.Phase.IsValid() {
		return fmt.Errorf("invalid migration phase %q", record.Phase)
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	if record.UpdatedAt.IsZero() {
		record.UpdatedAt = record.StartedAt
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO tier_migrations (
		     tenant_id, target_tier, phase, started_at, cutover_offset, abort_reason, updated_at
		 ) VALUES (?, ?, ?, ?, ?, '', ?)
		 ON CONFLICT (tenant_id) DO NOTHING`,
		record.TenantID,
		string(record.TargetTier),
		string(record.Phase),
		toMillis(record.StartedAt),
		int64(record.CutoverOffset),
		toMillis(record.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("begin migration rows affected: %w", err)
	}
	if affected == 0 {
		return apperrors.WithMetadata(
			apperrors.CodeMigrationInProgress,
			fmt.Sprintf("tenant %s already has a migration in flight", record.TenantID),
			map[string]string{"tenant_id": record.TenantID},
		)
	}
	return nil
}

// AdvanceMigrationPhase compare-and-sets the migration phase.
func (s *Store) AdvanceMigrationPhase(ctx context.Context, tenantID string, from, to tenant.MigrationPhase, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE tier_migrations
		 SET phase = ?, updated_at = ?
		 WHERE tenant_id = ? AND phase = ?`,
		string(to),
		toMillis(now),
		strings.TrimSpace(tenantID),
		string(from),
	)
	if err != nil {
		return false, fmt.Errorf("advance migration phase: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance migration phase rows affected: %w", err)
	}
	return affected == 1, nil
}

// SetMigrationCutoverOffset records the offset at which dual-write began.
func (s *Store) SetMigrationCutoverOffset(ctx context.Context, tenantID string, offset uint64, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE tier_migrations
		 SET cutover_offset = ?, updated_at = ?
		 WHERE tenant_id = ?`,
		int64(offset),
		toMillis(now),
		strings.TrimSpace(tenantID),
	)
	if err != nil {
		return fmt.Errorf("set migration cutover offset: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("set migration cutover offset rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// AbortMigration moves the migration to PhaseAborting, but only from an
// abortable phase. Returns false when the CAS misses.
func (s *Store) AbortMigration(ctx context.Context, tenantID, reason string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE tier_migrations
		 SET phase = ?, abort_reason = ?, updated_at = ?
		 WHERE tenant_id = ? AND phase IN (?, ?, ?)`,
		string(tenant.PhaseAborting),
		reason,
		toMillis(now),
		strings.TrimSpace(tenantID),
		string(tenant.PhasePreparing),
		string(tenant.PhaseReplicating),
		string(tenant.PhaseDualWrite),
	)
	if err != nil {
		return false, fmt.Errorf("abort migration: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("abort migration rows affected: %w", err)
	}
	return affected == 1, nil
}

// ClearMigration removes the migration record, ending the migration.
func (s *Store) ClearMigration(ctx context.Context, tenantID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM tier_migrations WHERE tenant_id = ?`,
		strings.TrimSpace(tenantID),
	)
	if err != nil {
		return fmt.Errorf("clear migration: %w", err)
	}
	return nil
}

// ListMigrations returns every in-flight migration ordered by tenant id.
func (s *Store) ListMigrations(ctx context.Context) ([]storage.MigrationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT tenant_id, target_tier, phase, started_at, cutover_offset, abort_reason, updated_at
		 FROM tier_migrations
		 ORDER BY tenant_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	defer rows.Close()

	var records []storage.MigrationRecord
	for rows.Next() {
		record, err := scanMigration(rows)
		if err != nil {
			return nil, fmt.Errorf("scan migration: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate migrations: %w", err)
	}
	return records, nil
}

func scanMigration(row interface {
	Scan(dest ...any) error
}) (storage.MigrationRecord, error) {
	var (
		record        storage.MigrationRecord
		targetTier    string
		phase         string
		startedAt     int64
		cutoverOffset int64
		updatedAt     int64
	)
	if err := row.Scan(
		&record.TenantID,
		&targetTier,
		&phase,
		&startedAt,
		&cutoverOffset,
		&record.AbortReason,
		&updatedAt,
	); err != nil {
		return storage.MigrationRecord{}, err
	}
	record.TargetTier = tenant.Tier(targetTier)
	record.Phase = tenant.MigrationPhase(phase)
	record.StartedAt = fromMillis(startedAt)
	record.CutoverOffset = uint64(cutoverOffset)
	record.UpdatedAt = fromMillis(updatedAt)
	return record, nil
}
