package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/meridiankb/meridian/internal/services/sync/storage"
)

// GetCheckpoint returns the checkpoint for a partition, or the zero value
// (offset 0) when the partition has never been checkpointed.
func (s *Store) GetCheckpoint(ctx context.Context, projectionID, partitionKey string) (storage.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return storage.Checkpoint{}, err
	}
	projectionID = strings.TrimSpace(projectionID)
	partitionKey = strings.TrimSpace(partitionKey)
	if projectionID == "" {
		return storage.Checkpoint{}, fmt.Errorf("projection id is required")
	}
	if partitionKey == "" {
		return storage.Checkpoint{}, fmt.Errorf("partition key is required")
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT projection_id, partition_key, last_offset, last_event_id, updated_at
		 FROM projection_checkpoints
		 WHERE projection_id = ? AND partition_key = ?`,
		projectionID, partitionKey,
	)
	checkpoint, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Checkpoint{ProjectionID: projectionID, PartitionKey: partitionKey}, nil
	}
	if err != nil {
		return storage.Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	return checkpoint, nil
}

// SaveCheckpoint upserts a checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint storage.Checkpoint) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	checkpoint.ProjectionID = strings.TrimSpace(checkpoint.ProjectionID)
	checkpoint.PartitionKey = strings.TrimSpace(checkpoint.PartitionKey)
	if checkpoint.ProjectionID == "" {
		return fmt.Errorf("projection id is required")
	}
	if checkpoint.PartitionKey == "" {
		return fmt.Errorf("partition key is required")
	}

	_, err := s.sqlDB.ExecContext(ctx,
		`INSERT INTO projection_checkpoints (projection_id, partition_key, last_offset, last_event_id, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (projection_id, partition_key) DO UPDATE SET
		     last_offset = excluded.last_offset,
		     last_event_id = excluded.last_event_id,
		     updated_at = excluded.updated_at`,
		checkpoint.ProjectionID,
		checkpoint.PartitionKey,
		int64(checkpoint.LastOffset),
		checkpoint.LastEventID,
		toMillis(checkpoint.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// ListCheckpoints returns all checkpoints for a projection ordered by partition key.
func (s *Store) ListCheckpoints(ctx context.Context, projectionID string) ([]storage.Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	projectionID = strings.TrimSpace(projectionID)
	if projectionID == "" {
		return nil, fmt.Errorf("projection id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT projection_id, partition_key, last_offset, last_event_id, updated_at
		 FROM projection_checkpoints
		 WHERE projection_id = ?
		 ORDER BY partition_key`,
		projectionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []storage.Checkpoint
	for rows.Next() {
		checkpoint, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		checkpoints = append(checkpoints, checkpoint)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints: %w", err)
	}
	return checkpoints, nil
}

func scanCheckpoint(row interface {
	Scan(dest ...any) error
}) (storage.Checkpoint, error) {
	var (
		checkpoint storage.Checkpoint
		lastOffset int64
		updatedAt  int64
	)
	if err := row.Scan(
		&checkpoint.ProjectionID,
		&checkpoint.PartitionKey,
		&lastOffset,
		&checkpoint.LastEventID,
		&updatedAt,
	); err != nil {
		return storage.Checkpoint{}, err
	}
	checkpoint.LastOffset = uint64(lastOffset)
	checkpoint.UpdatedAt = fromMillis(updatedAt)
	return checkpoint, nil
}
