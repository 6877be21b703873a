// Package migrator moves tenants between isolation tiers without write
// downtime. A migration replays the tenant's event stream into a freshly
// provisioned target location, converges under dual-write, cuts reads over,
// and drains; the phase record in storage survives restarts, so an
// interrupted migration resumes where it left off.
package migrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	apperrors "github.com/meridiankb/meridian/internal/platform/errors"
	"github.com/meridiankb/meridian/internal/services/sync/domain/tenant"
	"github.com/meridiankb/meridian/internal/services/sync/projection"
	"github.com/meridiankb/meridian/internal/services/sync/storage"
)

// Provisioner prepares and releases tenant storage locations.
type Provisioner interface {
	// Provision readies the target location for a tenant at a tier and
	// returns the applier that replays the tenant stream into it. Must be
	// idempotent: a restart mid-migration provisions again.
	Provision(ctx context.Context, tenantID string, tier tenant.Tier) (projection.Applier, error)
	// Reclaim releases a tenant's location at the given tier.
	Reclaim(ctx context.Context, tenantID string, tier tenant.Tier) error
}

// Config controls the drive loop and the convergence policy.
type Config struct {
	// PollInterval bounds how often the loop evaluates triggers and steps
	// in-flight migrations.
	PollInterval time.Duration
	// LagThreshold is the replication lag (in events) considered caught up
	// enough to enter dual-write.
	LagThreshold uint64
	// ReplicationTimeout bounds how long replication may lag before the
	// loop alerts. The migration stays in phase; an operator decides.
	ReplicationTimeout time.Duration
	// ReclaimDelay defers old-location reclamation after a completed
	// migration.
	ReclaimDelay time.Duration
	// Thresholds trigger automatic promotions from aggregate counts.
	Thresholds tenant.Thresholds
	// Runner configures the replication runners.
	Runner projection.Config
}

const (
	defaultPollInterval       = 5 * time.Second
	defaultLagThreshold       = 10
	defaultReplicationTimeout = 10 * time.Minute
	defaultReclaimDelay       = time.Hour
)

func (c Config) normalized() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.LagThreshold == 0 {
		c.LagThreshold = defaultLagThreshold
	}
	if c.ReplicationTimeout <= 0 {
		c.ReplicationTimeout = defaultReplicationTimeout
	}
	if c.ReclaimDelay <= 0 {
		c.ReclaimDelay = defaultReclaimDelay
	}
	return c
}

// Alert reports a migration that needs an operator.
type Alert struct {
	TenantID   string
	TargetTier tenant.Tier
	Phase      tenant.MigrationPhase
	Code       apperrors.Code
	Reason     string
}

// AlertFunc receives migration alerts.
type AlertFunc func(alert Alert)

// MigrationStatus is the control-surface view of one migration.
type MigrationStatus struct {
	Record storage.MigrationRecord
	// Lag is how many events the replica trails the tenant stream by.
	Lag uint64
}

// migrationState is the in-memory half of an in-flight migration, rebuilt
// from storage after a restart.
type migrationState struct {
	runner     *projection.Runner
	lagAlerted bool
}

type pendingReclaim struct {
	tenantID string
	tier     tenant.Tier
	notAfter time.Time
}

// Migrator owns tier migrations: the operator control surface, the trigger
// policy, and the phase drive loop.
type Migrator struct {
	events      storage.EventStore
	checkpoints storage.CheckpointStore
	deadLetters storage.DeadLetterStore
	tiers       storage.TenantTierStore
	provisioner Provisioner
	cfg         Config
	alert       AlertFunc
	logf        func(string, ...any)

	mu       sync.Mutex
	inFlight map[string]*migrationState
	reclaims []pendingReclaim
}

// New builds a migrator. alert and logf may be nil.
func New(events storage.EventStore, checkpoints storage.CheckpointStore, deadLetters storage.DeadLetterStore, tiers storage.TenantTierStore, provisioner Provisioner, cfg Config, alert AlertFunc, logf func(string, ...any)) (*Migrator, error) {
	if events == nil || checkpoints == nil || deadLetters == nil || tiers == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if provisioner == nil {
		return nil, fmt.Errorf("provisioner is required")
	}
	if logf == nil {
		logf = log.Printf
	}
	return &Migrator{
		events:      events,
		checkpoints: checkpoints,
		deadLetters: deadLetters,
		tiers:       tiers,
		provisioner: provisioner,
		cfg:         cfg.normalized(),
		alert:       alert,
		logf:        logf,
		inFlight:    make(map[string]*migrationState),
	}, nil
}

// replicationProjectionID names the checkpointed replication stream of one
// tenant's migration.
func replicationProjectionID(tenantID string) string {
	return "tier_migration:" + tenantID
}

// RequestTierMigration starts a migration to the target tier. The target must
// be exactly one isolation level above the tenant's current tier, and only
// one migration per tenant may be in flight.
func (m *Migrator) RequestTierMigration(ctx context.Context, tenantID string, target tenant.Tier) error {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return apperrors.New(apperrors.CodeTenantIDRequired, "tenant id is required")
	}
	if !target.IsValid() {
		return apperrors.New(apperrors.CodeMigrationInvalidTier, fmt.Sprintf("unknown tier %q", target))
	}

	current, err := m.tiers.GetTenantTier(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("get tenant tier: %w", err)
	}
	if !current.Tier.IsPromotionTo(target) {
		return apperrors.WithMetadata(apperrors.CodeMigrationInvalidTier,
			fmt.Sprintf("cannot migrate tenant %s from %s to %s", tenantID, current.Tier, target),
			map[string]string{"current_tier": string(current.Tier), "target_tier": string(target)},
		)
	}

	now := time.Now().UTC()
	record := storage.MigrationRecord{
		TenantID:   tenantID,
		TargetTier: target,
		Phase:      tenant.PhasePreparing,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.tiers.BeginMigration(ctx, record); err != nil {
		return err
	}
	m.logf("migration started: tenant %s -> %s", tenantID, target)
	return nil
}

// GetMigrationStatus returns the migration record and current replication lag.
func (m *Migrator) GetMigrationStatus(ctx context.Context, tenantID string) (MigrationStatus, error) {
	record, err := m.tiers.GetMigration(ctx, tenantID)
	if errors.Is(err, storage.ErrNotFound) {
		return MigrationStatus{}, apperrors.New(apperrors.CodeMigrationNotFound,
			fmt.Sprintf("tenant %s has no migration in flight", tenantID))
	}
	if err != nil {
		return MigrationStatus{}, fmt.Errorf("get migration: %w", err)
	}

	lag, err := m.replicationLag(ctx, tenantID)
	if err != nil {
		return MigrationStatus{}, err
	}
	return MigrationStatus{Record: record, Lag: lag}, nil
}

// AbortMigration cancels a migration before the read cutover. Past cutover
// the migration is irrevocable and abort fails.
func (m *Migrator) AbortMigration(ctx context.Context, tenantID, reason string) error {
	record, err := m.tiers.GetMigration(ctx, tenantID)
	if errors.Is(err, storage.ErrNotFound) {
		return apperrors.New(apperrors.CodeMigrationNotFound,
			fmt.Sprintf("tenant %s has no migration in flight", tenantID))
	}
	if err != nil {
		return fmt.Errorf("get migration: %w", err)
	}

	ok, err := m.tiers.AbortMigration(ctx, tenantID, reason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("abort migration: %w", err)
	}
	if !ok {
		return apperrors.WithMetadata(apperrors.CodeMigrationIrrevocable,
			fmt.Sprintf("migration of tenant %s is past the read cutover", tenantID),
			map[string]string{"phase": string(record.Phase)},
		)
	}
	m.logf("migration aborting: tenant %s (%s)", tenantID, reason)
	return nil
}

// Run drives the trigger policy and in-flight migrations until the context
// ends.
func (m *Migrator) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if err := m.Tick(ctx); err != nil && ctx.Err() == nil {
			m.logf("migrator tick: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick evaluates promotion triggers, steps every in-flight migration once,
// and releases locations whose reclaim delay elapsed. Exposed for the
// runtime's supervisor and for tests.
func (m *Migrator) Tick(ctx context.Context) error {
	if err := m.evaluateTriggers(ctx); err != nil {
		return err
	}

	migrations, err := m.tiers.ListMigrations(ctx)
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	for _, record := range migrations {
		if err := m.step(ctx, record); err != nil {
			m.logf("migration step for tenant %s: %v", record.TenantID, err)
		}
	}

	m.processReclaims(ctx)
	return nil
}

// evaluateTriggers promotes tenants whose aggregate count crossed a
// threshold. One promotion per tenant at a time; the migration record's
// presence is the guard.
func (m *Migrator) evaluateTriggers(ctx context.Context) error {
	tenantIDs, err := m.events.ListTenantIDs(ctx)
	if err != nil {
		return fmt.Errorf("list tenant ids: %w", err)
	}

	for _, tenantID := range tenantIDs {
		if _, err := m.tiers.GetMigration(ctx, tenantID); err == nil {
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("get migration for %s: %w", tenantID, err)
		}

		current, err := m.tiers.GetTenantTier(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("get tenant tier for %s: %w", tenantID, err)
		}
		count, err := m.events.CountTenantAggregates(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("count aggregates for %s: %w", tenantID, err)
		}
		target, due := m.cfg.Thresholds.PromotionFor(current.Tier, count)
		if !due {
			continue
		}

		m.logf("promotion trigger: tenant %s at %d aggregates, %s -> %s", tenantID, count, current.Tier, target)
		if err := m.RequestTierMigration(ctx, tenantID, target); err != nil {
			if apperrors.CodeOf(err) == apperrors.CodeMigrationInProgress {
				continue
			}
			return err
		}
	}
	return nil
}

func (m *Migrator) step(ctx context.Context, record storage.MigrationRecord) error {
	switch record.Phase {
	case tenant.PhasePreparing:
		return m.stepPreparing(ctx, record)
	case tenant.PhaseReplicating:
		return m.stepReplicating(ctx, record)
	case tenant.PhaseDualWrite:
		return m.stepConverge(ctx, record, tenant.PhaseDualWrite, tenant.PhaseCutoverReads)
	case tenant.PhaseCutoverReads:
		return m.stepConverge(ctx, record, tenant.PhaseCutoverReads, tenant.PhaseDraining)
	case tenant.PhaseDraining:
		return m.stepDraining(ctx, record)
	case tenant.PhaseAborting:
		return m.stepAborting(ctx, record)
	default:
		return fmt.Errorf("migration for tenant %s in unknown phase %q", record.TenantID, record.Phase)
	}
}

// stepPreparing provisions the target location and starts replication.
func (m *Migrator) stepPreparing(ctx context.Context, record storage.MigrationRecord) error {
	if _, err := m.replicationRunner(ctx, record); err != nil {
		return err
	}
	_, err := m.tiers.AdvanceMigrationPhase(ctx, record.TenantID, tenant.PhasePreparing, tenant.PhaseReplicating, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("advance to replicating: %w", err)
	}
	m.logf("migration replicating: tenant %s", record.TenantID)
	return nil
}

// stepReplicating replays the stream into the target and enters dual-write
// once the replica is within the lag threshold. A timeout alerts and holds
// the phase; it never advances or aborts on its own.
func (m *Migrator) stepReplicating(ctx context.Context, record storage.MigrationRecord) error {
	state, err := m.replicationRunner(ctx, record)
	if err != nil {
		return err
	}
	if err := state.runner.ProcessPartition(ctx, record.TenantID); err != nil {
		return fmt.Errorf("replicate tenant %s: %w", record.TenantID, err)
	}

	lag, err := m.replicationLag(ctx, record.TenantID)
	if err != nil {
		return err
	}
	if lag <= m.cfg.LagThreshold {
		latest, err := m.events.GetLatestTenantOffset(ctx, record.TenantID)
		if err != nil {
			return fmt.Errorf("get latest offset: %w", err)
		}
		now := time.Now().UTC()
		ok, err := m.tiers.AdvanceMigrationPhase(ctx, record.TenantID, tenant.PhaseReplicating, tenant.PhaseDualWrite, now)
		if err != nil {
			return fmt.Errorf("advance to dual_write: %w", err)
		}
		if ok {
			if err := m.tiers.SetMigrationCutoverOffset(ctx, record.TenantID, latest, now); err != nil {
				return fmt.Errorf("set cutover offset: %w", err)
			}
			m.logf("migration dual_write: tenant %s at offset %d (lag %d)", record.TenantID, latest, lag)
		}
		return nil
	}

	if time.Since(record.StartedAt) > m.cfg.ReplicationTimeout && !state.lagAlerted {
		state.lagAlerted = true
		m.logf("migration replication lag: tenant %s trails by %d events past the %s window",
			record.TenantID, lag, m.cfg.ReplicationTimeout)
		if m.alert != nil {
			m.alert(Alert{
				TenantID:   record.TenantID,
				TargetTier: record.TargetTier,
				Phase:      record.Phase,
				Code:       apperrors.CodeReplicationLag,
				Reason:     fmt.Sprintf("replication lag %d after %s", lag, m.cfg.ReplicationTimeout),
			})
		}
	}
	return nil
}

// stepConverge keeps the replica applying under dual traffic and advances
// once the replica fully caught up.
func (m *Migrator) stepConverge(ctx context.Context, record storage.MigrationRecord, from, to tenant.MigrationPhase) error {
	state, err := m.replicationRunner(ctx, record)
	if err != nil {
		return err
	}
	if err := state.runner.ProcessPartition(ctx, record.TenantID); err != nil {
		return fmt.Errorf("replicate tenant %s: %w", record.TenantID, err)
	}

	lag, err := m.replicationLag(ctx, record.TenantID)
	if err != nil {
		return err
	}
	if lag != 0 {
		return nil
	}
	ok, err := m.tiers.AdvanceMigrationPhase(ctx, record.TenantID, from, to, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("advance to %s: %w", to, err)
	}
	if ok {
		m.logf("migration %s: tenant %s", to, record.TenantID)
	}
	return nil
}

// stepDraining finishes the hand-off: the replica becomes the tenant's
// location, the record clears, and the old location is queued for deferred
// reclamation.
func (m *Migrator) stepDraining(ctx context.Context, record storage.MigrationRecord) error {
	state, err := m.replicationRunner(ctx, record)
	if err != nil {
		return err
	}
	if err := state.runner.ProcessPartition(ctx, record.TenantID); err != nil {
		return fmt.Errorf("drain tenant %s: %w", record.TenantID, err)
	}
	lag, err := m.replicationLag(ctx, record.TenantID)
	if err != nil {
		return err
	}
	if lag != 0 {
		return nil
	}

	current, err := m.tiers.GetTenantTier(ctx, record.TenantID)
	if err != nil {
		return fmt.Errorf("get tenant tier: %w", err)
	}
	now := time.Now().UTC()
	if err := m.tiers.SaveTenantTier(ctx, storage.TenantTierRecord{
		TenantID:  record.TenantID,
		Tier:      record.TargetTier,
		UpdatedAt: now,
	}); err != nil {
		return fmt.Errorf("save tenant tier: %w", err)
	}
	if err := m.tiers.ClearMigration(ctx, record.TenantID); err != nil {
		return fmt.Errorf("clear migration: %w", err)
	}

	m.mu.Lock()
	delete(m.inFlight, record.TenantID)
	m.reclaims = append(m.reclaims, pendingReclaim{
		tenantID: record.TenantID,
		tier:     current.Tier,
		notAfter: now.Add(m.cfg.ReclaimDelay),
	})
	m.mu.Unlock()

	m.logf("migration complete: tenant %s now %s, old %s location reclaim scheduled",
		record.TenantID, record.TargetTier, current.Tier)
	return nil
}

// stepAborting releases the target location and clears the record; the
// tenant stays at its current tier.
func (m *Migrator) stepAborting(ctx context.Context, record storage.MigrationRecord) error {
	if err := m.provisioner.Reclaim(ctx, record.TenantID, record.TargetTier); err != nil {
		return fmt.Errorf("reclaim target location: %w", err)
	}
	if err := m.tiers.ClearMigration(ctx, record.TenantID); err != nil {
		return fmt.Errorf("clear migration: %w", err)
	}

	m.mu.Lock()
	delete(m.inFlight, record.TenantID)
	m.mu.Unlock()

	m.logf("migration aborted: tenant %s (%s)", record.TenantID, record.AbortReason)
	return nil
}

// replicationRunner returns the in-memory replication state for a migration,
// provisioning the target and building the runner when missing. After a
// restart this rebuilds the state from the durable record and checkpoint.
func (m *Migrator) replicationRunner(ctx context.Context, record storage.MigrationRecord) (*migrationState, error) {
	m.mu.Lock()
	state, ok := m.inFlight[record.TenantID]
	m.mu.Unlock()
	if ok {
		return state, nil
	}

	applier, err := m.provisioner.Provision(ctx, record.TenantID, record.TargetTier)
	if err != nil {
		return nil, fmt.Errorf("provision %s location for tenant %s: %w", record.TargetTier, record.TenantID, err)
	}
	runner, err := projection.New(
		replicationProjectionID(record.TenantID),
		applier,
		m.events,
		m.checkpoints,
		m.deadLetters,
		m.cfg.Runner,
		nil,
		m.logf,
	)
	if err != nil {
		return nil, fmt.Errorf("build replication runner: %w", err)
	}

	state = &migrationState{runner: runner}
	m.mu.Lock()
	m.inFlight[record.TenantID] = state
	m.mu.Unlock()
	return state, nil
}

// replicationLag measures how far the replica checkpoint trails the stream.
func (m *Migrator) replicationLag(ctx context.Context, tenantID string) (uint64, error) {
	latest, err := m.events.GetLatestTenantOffset(ctx, tenantID)
	if err != nil {
		return 0, fmt.Errorf("get latest offset: %w", err)
	}
	checkpoint, err := m.checkpoints.GetCheckpoint(ctx, replicationProjectionID(tenantID), tenantID)
	if err != nil {
		return 0, fmt.Errorf("get replication checkpoint: %w", err)
	}
	if checkpoint.LastOffset >= latest {
		return 0, nil
	}
	return latest - checkpoint.LastOffset, nil
}

// processReclaims releases old locations whose deferral elapsed. Failures
// stay queued for the next tick.
func (m *Migrator) processReclaims(ctx context.Context) {
	now := time.Now().UTC()

	m.mu.Lock()
	due := make([]pendingReclaim, 0, len(m.reclaims))
	remaining := m.reclaims[:0]
	for _, reclaim := range m.reclaims {
		if now.After(reclaim.notAfter) {
			due = append(due, reclaim)
		} else {
			remaining = append(remaining, reclaim)
		}
	}
	m.reclaims = remaining
	m.mu.Unlock()

	for _, reclaim := range due {
		if err := m.provisioner.Reclaim(ctx, reclaim.tenantID, reclaim.tier); err != nil {
			m.logf("reclaim %s location for tenant %s: %v", reclaim.tier, reclaim.tenantID, err)
			m.mu.Lock()
			m.reclaims = append(m.reclaims, reclaim)
			m.mu.Unlock()
			continue
		}
		m.logf("reclaimed %s location for tenant %s", reclaim.tier, reclaim.tenantID)
	}
}
