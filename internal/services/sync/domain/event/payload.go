package event

import "encoding/json"

// Reference points at another aggregate from an event payload. Graph sync
// derives relationship edges from these deterministically.
type Reference struct {
	Relation      string        `json:"relation"`
	AggregateType AggregateType `json:"aggregate_type"`
	AggregateID   string        `json:"aggregate_id"`
}

// Payload is the common shape of lifecycle event payloads. Fields carries the
// aggregate's attribute changes; References carries outbound relationships.
type Payload struct {
	Fields     map[string]any `json:"fields,omitempty"`
	References []Reference    `json:"references,omitempty"`
}

// ParsePayload decodes an event's payload. A nil or empty payload decodes to
// the zero Payload rather than an error.
func ParsePayload(raw []byte) (Payload, error) {
	if len(raw) == 0 {
		return Payload{}, nil
	}
	var payload Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return Payload{}, err
	}
	return payload, nil
}

// MarshalPayload encodes a payload for storage, returning nil for an empty one.
func MarshalPayload(payload Payload) ([]byte, error) {
	if len(payload.Fields) == 0 && len(payload.References) == 0 {
		return nil, nil
	}
	return json.Marshal(payload)
}
