package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/meridiankb/meridian/internal/platform/errors"
	"github.com/meridiankb/meridian/internal/platform/id"
	"github.com/meridiankb/meridian/internal/services/sync/domain/event"
	"github.com/meridiankb/meridian/internal/services/sync/storage"
)

// AppendEvent atomically appends an event and returns it with ID, Seq,
// GlobalOffset, and OccurredAt assigned.
func (s *Store) AppendEvent(ctx context.Context, evt event.Event) (event.Event, error) {
	return s.appendEvent(ctx, evt, nil)
}

// AppendEventExpecting appends with an optimistic-concurrency precondition on
// the aggregate's current max sequence.
func (s *Store) AppendEventExpecting(ctx context.Context, evt event.Event, expectedSeq uint64) (event.Event, error) {
	return s.appendEvent(ctx, evt, &expectedSeq)
}

func (s *Store) appendEvent(ctx context.Context, evt event.Event, expectedSeq *uint64) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	if s == nil || s.sqlDB == nil {
		return event.Event{}, fmt.Errorf("storage is not configured")
	}

	evt.TenantID = strings.TrimSpace(evt.TenantID)
	evt.AggregateID = strings.TrimSpace(evt.AggregateID)
	if evt.TenantID == "" {
		return event.Event{}, apperrors.New(apperrors.CodeTenantIDRequired, "tenant id is required")
	}
	if evt.AggregateID == "" {
		return event.Event{}, apperrors.New(apperrors.CodeAggregateIDRequired, "aggregate id is required")
	}
	if !evt.AggregateType.IsValid() {
		return event.Event{}, apperrors.New(apperrors.CodeEventInvalid, fmt.Sprintf("unknown aggregate type %q", evt.AggregateType))
	}
	if !evt.Type.IsValid() {
		return event.Event{}, apperrors.New(apperrors.CodeEventInvalid, "event type is required")
	}

	eventID, err := id.NewID()
	if err != nil {
		return event.Event{}, fmt.Errorf("generate event id: %w", err)
	}
	evt.ID = eventID

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return event.Event{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	seq, err := allocateAggregateSeq(ctx, tx, evt.TenantID, evt.AggregateID)
	if err != nil {
		return event.Event{}, err
	}
	if expectedSeq != nil && seq != *expectedSeq+1 {
		return event.Event{}, apperrors.WithMetadata(
			apperrors.CodeConflict,
			fmt.Sprintf("expected seq %d for aggregate %s, found %d", *expectedSeq, evt.AggregateID, seq-1),
			map[string]string{
				"aggregate_id": evt.AggregateID,
				"expected_seq": strconv.FormatUint(*expectedSeq, 10),
				"actual_seq":   strconv.FormatUint(seq-1, 10),
			},
		)
	}
	evt.Seq = seq

	offset, occurredAt, err := allocateTenantOffset(ctx, tx, evt.TenantID, time.Now().UTC())
	if err != nil {
		return event.Event{}, err
	}
	evt.GlobalOffset = offset
	evt.OccurredAt = occurredAt

	if _, err := tx.ExecContext(ctx, `
INSERT INTO events (
	id, tenant_id, aggregate_type, aggregate_id, event_type,
	seq, global_offset, causation_id, correlation_id, occurred_at, payload_json
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
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
		return event.Event{}, fmt.Errorf("append event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return event.Event{}, fmt.Errorf("commit: %w", err)
	}
	return evt, nil
}

// allocateAggregateSeq reserves the next per-aggregate sequence inside tx.
// The counter row serializes concurrent appends on the same aggregate.
func allocateAggregateSeq(ctx context.Context, tx *sql.Tx, tenantID, aggregateID string) (uint64, error) {
	if _, err := tx.ExecContext(ctx, `
INSERT INTO aggregate_seqs (tenant_id, aggregate_id, next_seq)
VALUES (?, ?, 1)
ON CONFLICT (tenant_id, aggregate_id) DO NOTHING
`, tenantID, aggregateID); err != nil {
		return 0, fmt.Errorf("init aggregate seq: %w", err)
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT next_seq FROM aggregate_seqs WHERE tenant_id = ? AND aggregate_id = ?`,
		tenantID, aggregateID,
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("get aggregate seq: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE aggregate_seqs SET next_seq = next_seq + 1 WHERE tenant_id = ? AND aggregate_id = ?`,
		tenantID, aggregateID,
	); err != nil {
		return 0, fmt.Errorf("increment aggregate seq: %w", err)
	}
	return uint64(seq), nil
}

// allocateTenantOffset reserves the next tenant stream offset and a
// per-tenant monotonic timestamp inside tx.
func allocateTenantOffset(ctx context.Context, tx *sql.Tx, tenantID string, now time.Time) (uint64, time.Time, error) {
	if _, err := tx.ExecContext(ctx, `
INSERT INTO tenant_offsets (tenant_id, next_offset, last_occurred_at)
VALUES (?, 1, 0)
ON CONFLICT (tenant_id) DO NOTHING
`, tenantID); err != nil {
		return 0, time.Time{}, fmt.Errorf("init tenant offset: %w", err)
	}

	var (
		offset       int64
		lastOccurred int64
	)
	if err := tx.QueryRowContext(ctx,
		`SELECT next_offset, last_occurred_at FROM tenant_offsets WHERE tenant_id = ?`,
		tenantID,
	).Scan(&offset, &lastOccurred); err != nil {
		return 0, time.Time{}, fmt.Errorf("get tenant offset: %w", err)
	}

	occurredAt := now.Truncate(time.Millisecond)
	if lastOccurred > 0 && toMillis(occurredAt) <= lastOccurred {
		occurredAt = fromMillis(lastOccurred + 1)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tenant_offsets SET next_offset = next_offset + 1, last_occurred_at = ? WHERE tenant_id = ?`,
		toMillis(occurredAt), tenantID,
	); err != nil {
		return 0, time.Time{}, fmt.Errorf("increment tenant offset: %w", err)
	}
	return uint64(offset), occurredAt, nil
}

const eventColumns = `
	id, tenant_id, aggregate_type, aggregate_id, event_type,
	seq, global_offset, causation_id, correlation_id, occurred_at, payload_json`

func scanEvent(row interface {
	Scan(dest ...any) error
}) (event.Event, error) {
	var (
		evt          event.Event
		aggType      string
		eventType    string
		seq          int64
		globalOffset int64
		occurredAt   int64
	)
	if err := row.Scan(
		&evt.ID,
		&evt.TenantID,
		&aggType,
		&evt.AggregateID,
		&eventType,
		&seq,
		&globalOffset,
		&evt.CausationID,
		&evt.CorrelationID,
		&occurredAt,
		&evt.PayloadJSON,
	); err != nil {
		return event.Event{}, err
	}
	evt.AggregateType = event.AggregateType(aggType)
	evt.Type = event.Type(eventType)
	evt.Seq = uint64(seq)
	evt.GlobalOffset = uint64(globalOffset)
	evt.OccurredAt = fromMillis(occurredAt)
	return evt, nil
}

// GetEventByID retrieves an event by its unique id.
func (s *Store) GetEventByID(ctx context.Context, eventID string) (event.Event, error) {
	if err := ctx.Err(); err != nil {
		return event.Event{}, err
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return event.Event{}, fmt.Errorf("event id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM events WHERE id = ?`, eventID)
	evt, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return event.Event{}, storage.ErrNotFound
	}
	if err != nil {
		return event.Event{}, fmt.Errorf("get event by id: %w", err)
	}
	return evt, nil
}

// ListEvents returns an aggregate's events ordered by sequence ascending.
func (s *Store) ListEvents(ctx context.Context, tenantID, aggregateID string, afterSeq uint64, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+eventColumns+`
		 FROM events
		 WHERE tenant_id = ? AND aggregate_id = ? AND seq > ?
		 ORDER BY seq ASC
		 LIMIT ?`,
		tenantID, aggregateID, int64(afterSeq), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows, limit)
}

// ListTenantEvents returns a tenant's events ordered by global offset ascending.
func (s *Store) ListTenantEvents(ctx context.Context, tenantID string, afterOffset uint64, limit int) ([]event.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+eventColumns+`
		 FROM events
		 WHERE tenant_id = ? AND global_offset > ?
		 ORDER BY global_offset ASC
		 LIMIT ?`,
		tenantID, int64(afterOffset), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list tenant events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows, limit)
}

func collectEvents(rows *sql.Rows, capacity int) ([]event.Event, error) {
	events := make([]event.Event, 0, capacity)
	for rows.Next() {
		evt, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// GetLatestSeq returns the latest sequence for an aggregate, 0 if none.
func (s *Store) GetLatestSeq(ctx context.Context, tenantID, aggregateID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var seq sql.NullInt64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE tenant_id = ? AND aggregate_id = ?`,
		tenantID, aggregateID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("get latest seq: %w", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

// GetLatestTenantOffset returns the latest global offset for a tenant, 0 if none.
func (s *Store) GetLatestTenantOffset(ctx context.Context, tenantID string) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var offset sql.NullInt64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT MAX(global_offset) FROM events WHERE tenant_id = ?`,
		tenantID,
	).Scan(&offset)
	if err != nil {
		return 0, fmt.Errorf("get latest tenant offset: %w", err)
	}
	if !offset.Valid {
		return 0, nil
	}
	return uint64(offset.Int64), nil
}

// CountTenantAggregates returns the number of distinct aggregates with events.
func (s *Store) CountTenantAggregates(ctx context.Context, tenantID string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var count int64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT aggregate_id) FROM events WHERE tenant_id = ?`,
		tenantID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count tenant aggregates: %w", err)
	}
	return count, nil
}

// ListTenantIDs returns every tenant present in the log ordered by id.
func (s *Store) ListTenantIDs(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT tenant_id FROM tenant_offsets ORDER BY tenant_id`)
	if err != nil {
		return nil, fmt.Errorf("list tenant ids: %w", err)
	}
	defer rows.Close()

	var tenantIDs []string
	for rows.Next() {
		var tenantID string
		if err := rows.Scan(&tenantID); err != nil {
			return nil, fmt.Errorf("scan tenant id: %w", err)
		}
		tenantIDs = append(tenantIDs, tenantID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tenant ids: %w", err)
	}
	return tenantIDs, nil
}
