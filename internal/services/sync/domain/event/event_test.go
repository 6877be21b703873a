package event

import "testing"

func TestTypeIsValid(t *testing.T) {
	if !TypeCreated.IsValid() {
		t.Fatal("expected created to be valid")
	}
	if !Type("document.published").IsValid() {
		t.Fatal("expected custom type to be valid")
	}
	if Type("  ").IsValid() {
		t.Fatal("expected blank type to be invalid")
	}
}

func TestTypeIsLifecycle(t *testing.T) {
	for _, typ := range []Type{TypeCreated, TypeUpdated, TypeDeleted} {
		if !typ.IsLifecycle() {
			t.Fatalf("expected %q to be a lifecycle type", typ)
		}
	}
	if Type("document.published").IsLifecycle() {
		t.Fatal("expected custom type to not be a lifecycle type")
	}
}

func TestAggregateTypeIsValid(t *testing.T) {
	for _, at := range []AggregateType{AggregateKnowledgeUnit, AggregateCompositeUnit, AggregateDocument} {
		if !at.IsValid() {
			t.Fatalf("expected %q to be valid", at)
		}
	}
	if AggregateType("widget").IsValid() {
		t.Fatal("expected unknown aggregate type to be invalid")
	}
}

func TestParsePayload(t *testing.T) {
	payload, err := ParsePayload([]byte(`{"fields":{"title":"Atoms"},"references":[{"relation":"implements","aggregate_type":"knowledge_unit","aggregate_id":"ku-1"}]}`))
	if err != nil {
		t.Fatalf("parse payload: %v", err)
	}
	if payload.Fields["title"] != "Atoms" {
		t.Fatalf("title = %v, want Atoms", payload.Fields["title"])
	}
	if len(payload.References) != 1 {
		t.Fatalf("references = %d, want 1", len(payload.References))
	}
	if payload.References[0].Relation != "implements" {
		t.Fatalf("relation = %q", payload.References[0].Relation)
	}
}

func TestParsePayload_Empty(t *testing.T) {
	payload, err := ParsePayload(nil)
	if err != nil {
		t.Fatalf("parse nil payload: %v", err)
	}
	if len(payload.Fields) != 0 || len(payload.References) != 0 {
		t.Fatal("expected zero payload")
	}
}

func TestMarshalPayload_EmptyReturnsNil(t *testing.T) {
	raw, err := MarshalPayload(Payload{})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if raw != nil {
		t.Fatalf("expected nil for empty payload, got %s", raw)
	}
}
