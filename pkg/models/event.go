// Package models defines the shared domain types of the collaboration
// core: rooms, collaboration events, entity state, presence, operations,
// and conflicts. Types here are plain data; behavior lives in the
// internal services.
package models

import (
	"encoding/json"
	"time"

	"github.com/vowsync/collab-core/pkg/collaboration/crdt"
)

// EventType tags a CollaborationEvent
type EventType string

const (
	EventEntityUpsert       EventType = "entity_upsert"
	EventEntityDelete       EventType = "entity_delete"
	EventEntityReorder      EventType = "entity_reorder"
	EventPresenceChange     EventType = "presence_change"
	EventConflictResolution EventType = "conflict_resolution"
	EventSystem             EventType = "system"
)

// CollaborationEvent is one immutable entry in a room's event log.
// Sequence is the room-local authoritative order; Clock carries the causal
// history used for conflict detection.
type CollaborationEvent struct {
	ID            string           `json:"id"`
	RoomID        string           `json:"room_id"`
	ParticipantID string           `json:"participant_id"`
	Type          EventType        `json:"type"`
	Payload       json.RawMessage  `json:"payload,omitempty"`
	Clock         crdt.VectorClock `json:"clock"`
	Sequence      uint64           `json:"sequence"`
	Timestamp     time.Time        `json:"timestamp"`
}

// CausallyPrecedes reports whether e causally precedes other by vector clock
func (e *CollaborationEvent) CausallyPrecedes(other *CollaborationEvent) bool {
	return e.Clock.HappensBefore(other.Clock)
}
