package graph

import (
	"context"
	"fmt"

	apperrors "github.com/meridiankb/meridian/internal/platform/errors"
	"github.com/meridiankb/meridian/internal/services/sync/domain/event"
)

// Syncer is the graph projection applier. Created and updated events upsert
// the aggregate's node and the edges its payload references; deleted events
// remove the node. Re-applying an event converges to the same graph.
type Syncer struct {
	mutator Mutator
}

// NewSyncer builds the syncer.
func NewSyncer(mutator Mutator) *Syncer {
	return &Syncer{mutator: mutator}
}

// Apply implements projection.Applier.
func (s *Syncer) Apply(ctx context.Context, evt event.Event) error {
	switch evt.Type {
	case event.TypeDeleted:
		if err := s.mutator.DeleteNode(ctx, evt.TenantID, evt.AggregateType, evt.AggregateID); err != nil {
			return fmt.Errorf("delete node %s: %w", evt.AggregateID, err)
		}
		return nil
	case event.TypeCreated, event.TypeUpdated:
	default:
		return nil
	}

	payload, err := event.ParsePayload(evt.PayloadJSON)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeFoldFailed,
			fmt.Sprintf("decode payload of event %s", evt.ID), err)
	}

	node := Node{
		TenantID:      evt.TenantID,
		AggregateType: evt.AggregateType,
		AggregateID:   evt.AggregateID,
		Fields:        payload.Fields,
	}
	if err := s.mutator.UpsertNode(ctx, node); err != nil {
		return fmt.Errorf("upsert node %s: %w", evt.AggregateID, err)
	}

	for _, reference := range payload.References {
		if reference.AggregateID == "" {
			return apperrors.New(apperrors.CodeFoldFailed,
				fmt.Sprintf("event %s references an aggregate without an id", evt.ID))
		}
		edge := Edge{
			TenantID: evt.TenantID,
			Relation: reference.Relation,
			FromType: evt.AggregateType,
			FromID:   evt.AggregateID,
			ToType:   reference.AggregateType,
			ToID:     reference.AggregateID,
		}
		if err := s.mutator.UpsertEdge(ctx, edge); err != nil {
			return fmt.Errorf("upsert edge %s: %w", edge.Relation, err)
		}
	}
	return nil
}
