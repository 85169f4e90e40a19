package models

import (
	"time"

	"github.com/vowsync/collab-core/pkg/collaboration/crdt"
)

// EntityState is the server-held canonical state of one collaborative
// entity. It is a cache over the event log: replaying the log from the
// beginning reconstructs it. Mutated only by the sync service after
// conflict resolution.
type EntityState struct {
	EntityID    string                 `json:"entity_id"`
	EntityType  string                 `json:"entity_type"`
	Value       map[string]interface{} `json:"value"`
	Version     uint64                 `json:"version"`
	LastWriter  string                 `json:"last_writer"`
	LastEventID string                 `json:"last_event_id"`
	Clock       crdt.VectorClock       `json:"clock"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Clone creates a deep copy safe for concurrent readers
func (s *EntityState) Clone() *EntityState {
	if s == nil {
		return nil
	}
	value := make(map[string]interface{}, len(s.Value))
	for k, v := range s.Value {
		value[k] = v
	}
	return &EntityState{
		EntityID:    s.EntityID,
		EntityType:  s.EntityType,
		Value:       value,
		Version:     s.Version,
		LastWriter:  s.LastWriter,
		LastEventID: s.LastEventID,
		Clock:       s.Clock.Clone(),
		UpdatedAt:   s.UpdatedAt,
	}
}

// DependencyEdge links two entities by stable id. Edges are stored as id
// pairs, never as object references, so dependency cycles cannot create
// ownership cycles.
type DependencyEdge struct {
	FromEntityID string `json:"from_entity_id"`
	ToEntityID   string `json:"to_entity_id"`
}

// RoomSnapshot is a point-in-time copy of a room's canonical state,
// served to cold-start clients and to reconnects beyond the replay window
type RoomSnapshot struct {
	RoomID       string                  `json:"room_id"`
	Entities     map[string]*EntityState `json:"entities"`
	Dependencies []DependencyEdge        `json:"dependencies,omitempty"`
	Sequence     uint64                  `json:"sequence"`
	TakenAt      time.Time               `json:"taken_at"`
}
