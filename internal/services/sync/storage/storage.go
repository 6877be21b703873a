// Package storage defines the persistence boundaries of the sync core. Any
// store that preserves per-aggregate total ordering and idempotent
// at-least-once apply semantics satisfies these contracts; the SQLite
// implementation under storage/sqlite is the default deployment choice.
package storage

import (
	"context"
	"time"

	apperrors "github.com/meridiankb/meridian/internal/platform/errors"
	"github.com/meridiankb/meridian/internal/services/sync/domain/event"
	"github.com/meridiankb/meridian/internal/services/sync/domain/tenant"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = apperrors.New(apperrors.CodeNotFound, "record not found")

// ErrConflict indicates an optimistic-concurrency precondition mismatch on
// append. Callers retry with fresh state.
var ErrConflict = apperrors.New(apperrors.CodeConflict, "sequence precondition mismatch")

// EventStore owns the append-only event log. This is the source of truth for
// every projection and for state reconstruction.
type EventStore interface {
	// AppendEvent atomically appends an event and returns it with ID, Seq,
	// GlobalOffset, and OccurredAt assigned. Appends are serialized per
	// aggregate and unordered across aggregates.
	AppendEvent(ctx context.Context, evt event.Event) (event.Event, error)
	// AppendEventExpecting appends like AppendEvent but fails with ErrConflict
	// when the aggregate's current max sequence differs from expectedSeq.
	AppendEventExpecting(ctx context.Context, evt event.Event, expectedSeq uint64) (event.Event, error)
	// GetEventByID retrieves an event by its unique id.
	GetEventByID(ctx context.Context, id string) (event.Event, error)
	// ListEvents returns an aggregate's events with Seq > afterSeq, ordered by
	// Seq ascending, up to limit.
	ListEvents(ctx context.Context, tenantID, aggregateID string, afterSeq uint64, limit int) ([]event.Event, error)
	// ListTenantEvents returns a tenant's events with GlobalOffset >
	// afterOffset, ordered by GlobalOffset ascending, up to limit. This is the
	// stream projection runners consume.
	ListTenantEvents(ctx context.Context, tenantID string, afterOffset uint64, limit int) ([]event.Event, error)
	// GetLatestSeq returns the latest sequence for an aggregate, 0 if none.
	GetLatestSeq(ctx context.Context, tenantID, aggregateID string) (uint64, error)
	// GetLatestTenantOffset returns the latest global offset for a tenant, 0
	// if none.
	GetLatestTenantOffset(ctx context.Context, tenantID string) (uint64, error)
	// CountTenantAggregates returns the number of distinct aggregates a tenant
	// has events for. Drives the tier promotion trigger policy.
	CountTenantAggregates(ctx context.Context, tenantID string) (int64, error)
	// ListTenantIDs returns every tenant present in the log.
	ListTenantIDs(ctx context.Context) ([]string, error)
}

// Checkpoint is the durable cursor marking how far a projection partition has
// consumed the tenant stream.
type Checkpoint struct {
	ProjectionID string
	PartitionKey string
	LastOffset   uint64
	LastEventID  string
	UpdatedAt    time.Time
}

// CheckpointStore persists projection cursors. A checkpoint is only advanced
// after its corresponding apply has durably completed; appliers are idempotent
// so re-delivery after a crash is a no-op.
type CheckpointStore interface {
	// GetCheckpoint returns the checkpoint for a partition, or the zero value
	// (offset 0) when none exists yet.
	GetCheckpoint(ctx context.Context, projectionID, partitionKey string) (Checkpoint, error)
	// SaveCheckpoint upserts a checkpoint.
	SaveCheckpoint(ctx context.Context, checkpoint Checkpoint) error
	// ListCheckpoints returns all checkpoints for a projection ordered by
	// partition key.
	ListCheckpoints(ctx context.Context, projectionID string) ([]Checkpoint, error)
}

// DeadLetter records an event a projection could not apply. The partition it
// belongs to stays parked until an operator acknowledges the record.
type DeadLetter struct {
	ProjectionID   string
	PartitionKey   string
	EventID        string
	TenantID       string
	GlobalOffset   uint64
	Reason         string
	Acknowledged   bool
	CreatedAt      time.Time
	AcknowledgedAt time.Time
}

// DeadLetterStore persists dead-letter records.
type DeadLetterStore interface {
	// AppendDeadLetter records a failed apply. Re-recording the same
	// (projection, event) pair is a no-op.
	AppendDeadLetter(ctx context.Context, letter DeadLetter) error
	// GetDeadLetter retrieves one record, ErrNotFound when absent.
	GetDeadLetter(ctx context.Context, projectionID, eventID string) (DeadLetter, error)
	// ListDeadLetters returns a projection's records, unacknowledged first,
	// oldest first.
	ListDeadLetters(ctx context.Context, projectionID string) ([]DeadLetter, error)
	// AcknowledgeDeadLetter marks a record acknowledged so the parked
	// partition may advance past it. Returns false when the record does not
	// exist or was already acknowledged.
	AcknowledgeDeadLetter(ctx context.Context, projectionID, eventID string, now time.Time) (bool, error)
}

// TenantTierRecord captures a tenant's current isolation tier.
type TenantTierRecord struct {
	TenantID  string
	Tier      tenant.Tier
	UpdatedAt time.Time
}

// MigrationRecord captures an in-flight tier migration. At most one exists per
// tenant; BeginMigration enforces the invariant with a compare-and-set.
type MigrationRecord struct {
	TenantID      string
	TargetTier    tenant.Tier
	Phase         tenant.MigrationPhase
	StartedAt     time.Time
	CutoverOffset uint64
	AbortReason   string
	UpdatedAt     time.Time
}

// TenantTierStore persists tier assignments and in-flight migrations.
type TenantTierStore interface {
	// GetTenantTier returns the tenant's tier record, defaulting to
	// TierRowLevel when the tenant has never been recorded.
	GetTenantTier(ctx context.Context, tenantID string) (TenantTierRecord, error)
	// SaveTenantTier upserts a tier assignment.
	SaveTenantTier(ctx context.Context, record TenantTierRecord) error
	// GetMigration returns the in-flight migration, ErrNotFound when none.
	GetMigration(ctx context.Context, tenantID string) (MigrationRecord, error)
	// BeginMigration inserts a migration record only when the tenant has none
	// in flight; otherwise fails with CodeMigrationInProgress.
	BeginMigration(ctx context.Context, record MigrationRecord) error
	// AdvanceMigrationPhase compare-and-sets the phase from → to. Returns
	// false without error when the current phase is not from.
	AdvanceMigrationPhase(ctx context.Context, tenantID string, from, to tenant.MigrationPhase, now time.Time) (bool, error)
	// SetMigrationCutoverOffset records the offset at which dual-write began.
	SetMigrationCutoverOffset(ctx context.Context, tenantID string, offset uint64, now time.Time) error
	// AbortMigration moves the migration to PhaseAborting with a reason,
	// but only from an abortable phase. Returns false when the CAS misses.
	AbortMigration(ctx context.Context, tenantID, reason string, now time.Time) (bool, error)
	// ClearMigration removes the migration record, ending the migration.
	ClearMigration(ctx context.Context, tenantID string) error
	// ListMigrations returns every in-flight migration ordered by tenant id.
	ListMigrations(ctx context.Context) ([]MigrationRecord, error)
}
