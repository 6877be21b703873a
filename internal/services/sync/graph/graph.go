// Package graph projects aggregate lifecycle events into a relationship
// graph. References may point at aggregates that have not synced yet; the
// graph tolerates that with placeholder nodes enriched once the referenced
// aggregate's own events arrive.
package graph

import (
	"context"
	"strings"
	"sync"

	"github.com/meridiankb/meridian/internal/services/sync/domain/event"
)

// Node is one aggregate in the graph.
type Node struct {
	TenantID      string
	AggregateType event.AggregateType
	AggregateID   string
	Fields        map[string]any
	// Placeholder marks a node created from an incoming reference before the
	// aggregate itself synced.
	Placeholder bool
}

// Edge is a directed, labeled relationship between two aggregates.
type Edge struct {
	TenantID    string
	Relation    string
	FromType    event.AggregateType
	FromID      string
	ToType      event.AggregateType
	ToID        string
}

// Mutator is the surface the syncer needs from a graph backend. All mutations
// are idempotent keyed by stable aggregate identity.
type Mutator interface {
	UpsertNode(ctx context.Context, node Node) error
	UpsertEdge(ctx context.Context, edge Edge) error
	DeleteNode(ctx context.Context, tenantID string, aggregateType event.AggregateType, aggregateID string) error
}

func nodeKey(tenantID string, aggregateType event.AggregateType, aggregateID string) string {
	return strings.TrimSpace(tenantID) + ":" + string(aggregateType) + ":" + strings.TrimSpace(aggregateID)
}

func edgeKey(edge Edge) string {
	return nodeKey(edge.TenantID, edge.FromType, edge.FromID) + ">" + edge.Relation + ">" + nodeKey(edge.TenantID, edge.ToType, edge.ToID)
}

// MemoryGraph is an in-process Mutator.
type MemoryGraph struct {
	mu    sync.RWMutex
	nodes map[string]Node
	edges map[string]Edge
}

// NewMemoryGraph builds an empty graph.
func NewMemoryGraph() *MemoryGraph {
	return &MemoryGraph{
		nodes: make(map[string]Node),
		edges: make(map[string]Edge),
	}
}

// UpsertNode inserts or replaces a node. A real node always wins over a
// placeholder; a placeholder never downgrades an existing real node.
func (g *MemoryGraph) UpsertNode(_ context.Context, node Node) error {
	key := nodeKey(node.TenantID, node.AggregateType, node.AggregateID)
	g.mu.Lock()
	defer g.mu.Unlock()
	if existing, ok := g.nodes[key]; ok && node.Placeholder && !existing.Placeholder {
		return nil
	}
	g.nodes[key] = node
	return nil
}

// UpsertEdge inserts or replaces an edge, creating placeholder endpoints for
// aggregates the graph has not seen yet.
func (g *MemoryGraph) UpsertEdge(_ context.Context, edge Edge) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, endpoint := range []struct {
		aggregateType event.AggregateType
		aggregateID   string
	}{
		{edge.FromType, edge.FromID},
		{edge.ToType, edge.ToID},
	} {
		key := nodeKey(edge.TenantID, endpoint.aggregateType, endpoint.aggregateID)
		if _, ok := g.nodes[key]; !ok {
			g.nodes[key] = Node{
				TenantID:      edge.TenantID,
				AggregateType: endpoint.aggregateType,
				AggregateID:   endpoint.aggregateID,
				Placeholder:   true,
			}
		}
	}
	g.edges[edgeKey(edge)] = edge
	return nil
}

// DeleteNode removes a node and every edge touching it. Deleting a missing
// node is a no-op.
func (g *MemoryGraph) DeleteNode(_ context.Context, tenantID string, aggregateType event.AggregateType, aggregateID string) error {
	key := nodeKey(tenantID, aggregateType, aggregateID)
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.nodes, key)
	for edgeID, edge := range g.edges {
		fromKey := nodeKey(edge.TenantID, edge.FromType, edge.FromID)
		toKey := nodeKey(edge.TenantID, edge.ToType, edge.ToID)
		if fromKey == key || toKey == key {
			delete(g.edges, edgeID)
		}
	}
	return nil
}

// GetNode returns a node by identity.
func (g *MemoryGraph) GetNode(tenantID string, aggregateType event.AggregateType, aggregateID string) (Node, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	node, ok := g.nodes[nodeKey(tenantID, aggregateType, aggregateID)]
	return node, ok
}

// EdgesFrom returns every outgoing edge of a node.
func (g *MemoryGraph) EdgesFrom(tenantID string, aggregateType event.AggregateType, aggregateID string) []Edge {
	key := nodeKey(tenantID, aggregateType, aggregateID)
	g.mu.RLock()
	defer g.mu.RUnlock()
	var edges []Edge
	for _, edge := range g.edges {
		if nodeKey(edge.TenantID, edge.FromType, edge.FromID) == key {
			edges = append(edges, edge)
		}
	}
	return edges
}

// Counts reports the node and edge totals.
func (g *MemoryGraph) Counts() (nodes, edges int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes), len(g.edges)
}
