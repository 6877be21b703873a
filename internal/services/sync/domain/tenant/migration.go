package tenant

// MigrationPhase is a step in the zero-downtime tier migration state machine.
type MigrationPhase string

const (
	// PhasePreparing provisions the target storage location.
	PhasePreparing MigrationPhase = "preparing"
	// PhaseReplicating replays the historical tenant stream into the target.
	PhaseReplicating MigrationPhase = "replicating"
	// PhaseDualWrite applies new events to both old and new locations.
	PhaseDualWrite MigrationPhase = "dual_write"
	// PhaseCutoverReads switches read traffic to the new location. This is the
	// irrevocable point: from here only forward progress is allowed.
	PhaseCutoverReads MigrationPhase = "cutover_reads"
	// PhaseDraining disables old-location writes and promotes the temporary
	// runner to permanent.
	PhaseDraining MigrationPhase = "draining"
	// PhaseAborting unwinds a migration that has not yet cut reads over.
	PhaseAborting MigrationPhase = "aborting"
)

// IsValid reports whether the phase is one of the known migration phases.
func (p MigrationPhase) IsValid() bool {
	switch p {
	case PhasePreparing, PhaseReplicating, PhaseDualWrite,
		PhaseCutoverReads, PhaseDraining, PhaseAborting:
		return true
	}
	return false
}

// CanAbort reports whether a migration in this phase may still be aborted.
// Rolling back reads after cutover risks exposing stale data, so abort is
// only reachable before PhaseCutoverReads.
func (p MigrationPhase) CanAbort() bool {
	switch p {
	case PhasePreparing, PhaseReplicating, PhaseDualWrite:
		return true
	}
	return false
}

// Next returns the phase that follows p on the forward path, or ok=false when
// p is terminal (draining completes by clearing the record, aborting by
// unwinding it).
func (p MigrationPhase) Next() (MigrationPhase, bool) {
	switch p {
	case PhasePreparing:
		return PhaseReplicating, true
	case PhaseReplicating:
		return PhaseDualWrite, true
	case PhaseDualWrite:
		return PhaseCutoverReads, true
	case PhaseCutoverReads:
		return PhaseDraining, true
	}
	return "", false
}
