package event

import (
	"strings"
	"time"
)

// Type identifies the type of a change event.
type Type string

// Core lifecycle events. Custom dotted types (e.g. "document.published") are
// accepted alongside these.
const (
	// TypeCreated records the creation of an aggregate.
	TypeCreated Type = "created"
	// TypeUpdated records an update to an aggregate.
	TypeUpdated Type = "updated"
	// TypeDeleted records the deletion of an aggregate. Deletion is itself an
	// event; nothing is ever removed from the log.
	TypeDeleted Type = "deleted"
)

// IsValid reports whether the event type is usable.
func (t Type) IsValid() bool {
	return strings.TrimSpace(string(t)) != ""
}

// IsLifecycle reports whether the type is one of the core lifecycle events.
func (t Type) IsLifecycle() bool {
	return t == TypeCreated || t == TypeUpdated || t == TypeDeleted
}

// AggregateType identifies the unit of per-entity ordering in the log.
type AggregateType string

const (
	// AggregateKnowledgeUnit is a single knowledge unit.
	AggregateKnowledgeUnit AggregateType = "knowledge_unit"
	// AggregateCompositeUnit is a composition of knowledge units.
	AggregateCompositeUnit AggregateType = "composite_unit"
	// AggregateDocument is a rendered document.
	AggregateDocument AggregateType = "document"
)

// IsValid reports whether the aggregate type is one of the known kinds.
func (a AggregateType) IsValid() bool {
	switch a {
	case AggregateKnowledgeUnit, AggregateCompositeUnit, AggregateDocument:
		return true
	}
	return false
}

// Event represents an immutable fact in the append-only change log.
type Event struct {
	// ID uniquely identifies the event. Assigned by storage on append.
	ID string
	// TenantID is the tenant this event belongs to.
	TenantID string
	// AggregateType is the kind of aggregate affected.
	AggregateType AggregateType
	// AggregateID is the aggregate affected.
	AggregateID string
	// Type identifies the kind of change.
	Type Type
	// Seq is the event sequence number within the aggregate (starts at 1,
	// gapless). Assigned by storage on append.
	Seq uint64
	// GlobalOffset is the event position within the tenant stream, totally
	// ordered across all of the tenant's aggregates. Assigned by storage on
	// append.
	GlobalOffset uint64
	// CausationID references the event that triggered this one (optional).
	CausationID string
	// CorrelationID groups events produced by one business operation.
	CorrelationID string
	// OccurredAt is the server-assigned timestamp, monotonic per tenant.
	OccurredAt time.Time
	// PayloadJSON holds event-specific data as JSON.
	PayloadJSON []byte
}
