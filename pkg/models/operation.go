package models

import (
	"time"

	"github.com/vowsync/collab-core/pkg/collaboration/crdt"
)

// OperationType tags a client-issued operation
type OperationType string

const (
	OpUpsert  OperationType = "upsert"
	OpDelete  OperationType = "delete"
	OpReorder OperationType = "reorder"
)

// OrderField is the derived order key inside an entity's value. Items in
// ordered collections keep stable ids; reordering only rewrites this
// field, so two concurrent moves are independent field updates rather
// than colliding list splices.
const OrderField = "order"

// Operation is a client-issued change to one entity. BaseVersion is the
// entity version the client had applied locally when it issued the
// operation; Clock is the client's causal history at that moment.
type Operation struct {
	ID              string                 `json:"id"`
	RoomID          string                 `json:"room_id"`
	EntityID        string                 `json:"entity_id"`
	EntityType      string                 `json:"entity_type"`
	ParticipantID   string                 `json:"participant_id"`
	ParticipantRole string                 `json:"participant_role,omitempty"`
	Type            OperationType          `json:"type"`
	Fields          map[string]interface{} `json:"fields,omitempty"`
	BaseVersion     uint64                 `json:"base_version"`
	Clock           crdt.VectorClock       `json:"clock,omitempty"`
	IdempotencyKey  string                 `json:"idempotency_key"`
	Timestamp       time.Time              `json:"timestamp"`
}

// FieldNames returns the set of field names the operation writes
func (o *Operation) FieldNames() []string {
	names := make([]string, 0, len(o.Fields))
	for name := range o.Fields {
		names = append(names, name)
	}
	return names
}
