// Package errors provides structured error handling for the sync core.
package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Append errors
	CodeConflict            Code = "APPEND_SEQUENCE_CONFLICT"
	CodeEventInvalid        Code = "EVENT_INVALID"
	CodeTenantIDRequired    Code = "TENANT_ID_REQUIRED"
	CodeAggregateIDRequired Code = "AGGREGATE_ID_REQUIRED"

	// Projection errors
	CodeTransientTarget   Code = "PROJECTION_TRANSIENT_TARGET"
	CodeFoldFailed        Code = "PROJECTION_FOLD_FAILED"
	CodePartitionParked   Code = "PROJECTION_PARTITION_PARKED"
	CodeDeadLetterMissing Code = "PROJECTION_DEAD_LETTER_MISSING"

	// Reconstruction errors
	CodeStateNotFound Code = "RECONSTRUCT_STATE_NOT_FOUND"

	// Migration errors
	CodeMigrationInProgress  Code = "MIGRATION_ALREADY_IN_PROGRESS"
	CodeMigrationNotFound    Code = "MIGRATION_NOT_FOUND"
	CodeMigrationIrrevocable Code = "MIGRATION_PAST_POINT_OF_NO_RETURN"
	CodeMigrationInvalidTier Code = "MIGRATION_INVALID_TIER"
	CodeReplicationLag       Code = "MIGRATION_REPLICATION_LAG_TIMEOUT"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// InvalidArgument - validation failures, bad input
	case CodeEventInvalid,
		CodeTenantIDRequired,
		CodeAggregateIDRequired,
		CodeMigrationInvalidTier:
		return codes.InvalidArgument

	// Aborted - optimistic concurrency conflicts, callers retry with fresh state
	case CodeConflict:
		return codes.Aborted

	// FailedPrecondition - operations rejected by current state
	case CodeMigrationInProgress,
		CodeMigrationIrrevocable,
		CodePartitionParked,
		CodeDeadLetterMissing:
		return codes.FailedPrecondition

	// NotFound
	case CodeNotFound,
		CodeStateNotFound,
		CodeMigrationNotFound:
		return codes.NotFound

	// Unavailable - transient downstream failures
	case CodeTransientTarget:
		return codes.Unavailable

	// DeadlineExceeded - convergence windows that never closed
	case CodeReplicationLag:
		return codes.DeadlineExceeded

	// DataLoss - events a projection could not absorb
	case CodeFoldFailed:
		return codes.DataLoss

	default:
		return codes.Internal
	}
}
