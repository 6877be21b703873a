package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/meridiankb/meridian/internal/services/sync/domain/event"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "sync.sqlite"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}

func testEvent(tenantID, aggregateID string, typ event.Type) event.Event {
	return event.Event{
		TenantID:      tenantID,
		AggregateType: event.AggregateKnowledgeUnit,
		AggregateID:   aggregateID,
		Type:          typ,
		PayloadJSON:   []byte(`{"fields":{"title":"Atoms"}}`),
	}
}

func mustAppend(t *testing.T, store *Store, evt event.Event) event.Event {
	t.Helper()
	stored, err := store.AppendEvent(context.Background(), evt)
	if err != nil {
		t.Fatalf("append event: %v", err)
	}
	return stored
}
