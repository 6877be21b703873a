package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/meridiankb/meridian/internal/services/sync/storage"
)

// AppendDeadLetter records a failed apply. Re-recording the same
// (projection, event) pair is a no-op so crash-retry loops stay idempotent.
func (s *Store) AppendDeadLetter(ctx context.Context, letter storage.DeadLetter) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	letter.ProjectionID = strings.TrimSpace(letter.ProjectionID)
	letter.EventID = strings.TrimSpace(letter.EventID)
	if letter.ProjectionID == "" {
		return fmt.Errorf("projection id is required")
	}
	if letter.EventID == "" {
		return fmt.Errorf("event id is required")
	}
	if letter.CreatedAt.IsZero() {
		letter.CreatedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO dead_letters (
		     projection_id, event_id, partition_key, tenant_id, global_offset,
		     reason, acknowledged, created_at, acknowledged_at
		 ) VALUES (?, ?, ?, ?, ?, ?, 0, ?, NULL)
		 ON CONFLICT (projection_id, event_id) DO NOTHING`,
		letter.ProjectionID,
		letter.EventID,
		letter.PartitionKey,
		letter.TenantID,
		int64(letter.GlobalOffset),
		letter.Reason,
		toMillis(letter.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("append dead letter: %w", err)
	}
	return nil
}

// GetDeadLetter retrieves one dead-letter record.
func (s *Store) GetDeadLetter(ctx context.Context, projectionID, eventID string) (storage.DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return storage.DeadLetter{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT projection_id, event_id, partition_key, tenant_id, global_offset,
		        reason, acknowledged, created_at, acknowledged_at
		 FROM dead_letters
		 WHERE projection_id = ? AND event_id = ?`,
		strings.TrimSpace(projectionID), strings.TrimSpace(eventID),
	)
	letter, err := scanDeadLetter(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.DeadLetter{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.DeadLetter{}, fmt.Errorf("get dead letter: %w", err)
	}
	return letter, nil
}

// ListDeadLetters returns a projection's records, unacknowledged first,
// oldest first within each group.
func (s *Store) ListDeadLetters(ctx context.Context, projectionID string) ([]storage.DeadLetter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	projectionID = strings.TrimSpace(projectionID)
	if projectionID == "" {
		return nil, fmt.Errorf("projection id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT projection_id, event_id, partition_key, tenant_id, global_offset,
		        reason, acknowledged, created_at, acknowledged_at
		 FROM dead_letters
		 WHERE projection_id = ?
		 ORDER BY acknowledged ASC, created_at ASC, event_id ASC`,
		projectionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var letters []storage.DeadLetter
	for rows.Next() {
		letter, err := scanDeadLetter(rows)
		if err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		letters = append(letters, letter)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return letters, nil
}

// AcknowledgeDeadLetter marks a record acknowledged so the parked partition
// may advance past the poisoned event. Returns false when the record does not
// exist or was already acknowledged.
func (s *Store) AcknowledgeDeadLetter(ctx context.Context, projectionID, eventID string, now time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE dead_letters
		 SET acknowledged = 1, acknowledged_at = ?
		 WHERE projection_id = ? AND event_id = ? AND acknowledged = 0`,
		toMillis(now),
		strings.TrimSpace(projectionID),
		strings.TrimSpace(eventID),
	)
	if err != nil {
		return false, fmt.Errorf("acknowledge dead letter: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("acknowledge dead letter rows affected: %w", err)
	}
	return affected == 1, nil
}

func scanDeadLetter(row interface {
	Scan(dest ...any) error
}) (storage.DeadLetter, error) {
	var (
		letter         storage.DeadLetter
		globalOffset   int64
		acknowledged   int64
		createdAt      int64
		acknowledgedAt sql.NullInt64
	)
	if err := row.Scan(
		&letter.ProjectionID,
		&letter.EventID,
		&letter.PartitionKey,
		&letter.TenantID,
		&globalOffset,
		&letter.Reason,
		&acknowledged,
		&createdAt,
		&acknowledgedAt,
	); err != nil {
		return storage.DeadLetter{}, err
	}
	letter.GlobalOffset = uint64(globalOffset)
	letter.Acknowledged = acknowledged != 0
	letter.CreatedAt = fromMillis(createdAt)
	if acknowledgedAt.Valid {
		letter.AcknowledgedAt = fromMillis(acknowledgedAt.Int64)
	}
	return letter, nil
}
