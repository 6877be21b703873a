package graph

import (
	"context"
	"testing"

	"github.com/meridiankb/meridian/internal/services/sync/domain/event"
)

func TestMemoryGraphUpsertNode(t *testing.T) {
	memory := NewMemoryGraph()
	ctx := context.Background()

	node := Node{
		TenantID:      "tenant-1",
		AggregateType: event.AggregateKnowledgeUnit,
		AggregateID:   "unit-1",
		Fields:        map[string]any{"title": "Atoms"},
	}
	if err := memory.UpsertNode(ctx, node); err != nil {
		t.Fatalf("upsert node: %v", err)
	}

	got, ok := memory.GetNode("tenant-1", event.AggregateKnowledgeUnit, "unit-1")
	if !ok {
		t.Fatal("expected node")
	}
	if got.Fields["title"] != "Atoms" {
		t.Fatalf("got.Fields = %v", got.Fields)
	}

	// Upsert replaces in place.
	node.Fields = map[string]any{"title": "Molecules"}
	if err := memory.UpsertNode(ctx, node); err != nil {
		t.Fatalf("upsert node again: %v", err)
	}
	got, _ = memory.GetNode("tenant-1", event.AggregateKnowledgeUnit, "unit-1")
	if got.Fields["title"] != "Molecules" {
		t.Fatalf("got.Fields = %v", got.Fields)
	}
	if nodes, _ := memory.Counts(); nodes != 1 {
		t.Fatalf("nodes = %d, want 1", nodes)
	}
}

func TestMemoryGraphPlaceholderNeverDowngrades(t *testing.T) {
	memory := NewMemoryGraph()
	ctx := context.Background()

	real := Node{
		TenantID:      "tenant-1",
		AggregateType: event.AggregateKnowledgeUnit,
		AggregateID:   "unit-1",
		Fields:        map[string]any{"title": "Atoms"},
	}
	if err := memory.UpsertNode(ctx, real); err != nil {
		t.Fatalf("upsert real node: %v", err)
	}

	placeholder := real
	placeholder.Fields = nil
	placeholder.Placeholder = true
	if err := memory.UpsertNode(ctx, placeholder); err != nil {
		t.Fatalf("upsert placeholder: %v", err)
	}

	got, _ := memory.GetNode("tenant-1", event.AggregateKnowledgeUnit, "unit-1")
	if got.Placeholder {
		t.Fatal("placeholder must not replace a real node")
	}
	if got.Fields["title"] != "Atoms" {
		t.Fatalf("got.Fields = %v", got.Fields)
	}
}

func TestMemoryGraphUpsertEdgeCreatesPlaceholders(t *testing.T) {
	memory := NewMemoryGraph()
	ctx := context.Background()

	edge := Edge{
		TenantID: "tenant-1",
		Relation: "links_to",
		FromType: event.AggregateKnowledgeUnit,
		FromID:   "unit-1",
		ToType:   event.AggregateKnowledgeUnit,
		ToID:     "unit-2",
	}
	if err := memory.UpsertEdge(ctx, edge); err != nil {
		t.Fatalf("upsert edge: %v", err)
	}

	for _, aggregateID := range []string{"unit-1", "unit-2"} {
		node, ok := memory.GetNode("tenant-1", event.AggregateKnowledgeUnit, aggregateID)
		if !ok {
			t.Fatalf("expected placeholder node for %s", aggregateID)
		}
		if !node.Placeholder {
			t.Fatalf("node %s should be a placeholder", aggregateID)
		}
	}

	// Re-upserting the same edge is idempotent.
	if err := memory.UpsertEdge(ctx, edge); err != nil {
		t.Fatalf("upsert edge again: %v", err)
	}
	if _, edges := memory.Counts(); edges != 1 {
		t.Fatalf("edges = %d, want 1", edges)
	}
}

func TestMemoryGraphDeleteNodeRemovesEdges(t *testing.T) {
	memory := NewMemoryGraph()
	ctx := context.Background()

	edge := Edge{
		TenantID: "tenant-1",
		Relation: "links_to",
		FromType: event.AggregateKnowledgeUnit,
		FromID:   "unit-1",
		ToType:   event.AggregateKnowledgeUnit,
		ToID:     "unit-2",
	}
	if err := memory.UpsertEdge(ctx, edge); err != nil {
		t.Fatalf("upsert edge: %v", err)
	}

	if err := memory.DeleteNode(ctx, "tenant-1", event.AggregateKnowledgeUnit, "unit-2"); err != nil {
		t.Fatalf("delete node: %v", err)
	}

	if _, ok := memory.GetNode("tenant-1", event.AggregateKnowledgeUnit, "unit-2"); ok {
		t.Fatal("expected node removed")
	}
	if _, edges := memory.Counts(); edges != 0 {
		t.Fatalf("edges = %d, want 0 after endpoint delete", edges)
	}

	// Deleting a missing node is a no-op.
	if err := memory.DeleteNode(ctx, "tenant-1", event.AggregateKnowledgeUnit, "unit-2"); err != nil {
		t.Fatalf("delete missing node: %v", err)
	}
}
