package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/meridiankb/meridian/internal/services/sync/domain/event"
)

// ImportEvent copies an already-assigned event into this store, preserving
// its ID, Seq, GlobalOffset, and OccurredAt. Tier migration replicas use this
// to mirror a tenant's stream verbatim. Re-importing the same event is a
// no-op, so replay after a crash is safe.
func (s *Store) ImportEvent(ctx context.Context, evt event.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(evt.ID) == "" {
		return fmt.Errorf("event id is required")
	}
	if evt.Seq == 0 || evt.GlobalOffset == 0 {
		return fmt.Errorf("event %s is missing assigned ordering", evt.ID)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO events (
	id, tenant_id, aggregate_type, aggregate_id, event_type,
	seq, global_offset, causation_id, correlation_id, occurred_at, payload_json
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING
`,
		evt.ID,
		evt.TenantID,
		string(evt.AggregateType),
		evt.AggregateID,
		string(evt.Type),
		int64(evt.Seq),
		int64(evt.GlobalOffset),
		evt.CausationID,
		evt.CorrelationID,
		toMillis(evt.OccurredAt),
		evt.PayloadJSON,
	); err != nil {
		return fmt.Errorf("import event: %w", err)
	}

	// Keep the counters ahead of the imported stream so a promoted replica
	// continues the sequences without collisions.
	if _, err := tx.ExecContext(ctx, `
INSERT INTO aggregate_seqs (tenant_id, aggregate_id, next_seq)
VALUES (?, ?, ?)
ON CONFLICT (tenant_id, aggregate_id) DO UPDATE SET next_seq = MAX(next_seq, excluded.next_seq)
`, evt.TenantID, evt.AggregateID, int64(evt.Seq)+1); err != nil {
		return fmt.Errorf("advance aggregate seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO tenant_offsets (tenant_id, next_offset, last_occurred_at)
VALUES (?, ?, ?)
ON CONFLICT (tenant_id) DO UPDATE SET
	next_offset = MAX(next_offset, excluded.next_offset),
	last_occurred_at = MAX(last_occurred_at, excluded.last_occurred_at)
`, evt.TenantID, int64(evt.GlobalOffset)+1, toMillis(evt.OccurredAt)); err != nil {
		return fmt.Errorf("advance tenant offset: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}
