package models

import (
	"time"
)

// ResolutionStrategy selects how concurrent writes to the same entity are
// reconciled
type ResolutionStrategy string

const (
	StrategyLastWriterWins ResolutionStrategy = "last_writer_wins"
	StrategyFieldMerge     ResolutionStrategy = "field_merge"
	StrategyPriority       ResolutionStrategy = "priority"
	StrategyManual         ResolutionStrategy = "manual"
)

// DataConflict records two or more operations with concurrent vector
// clocks targeting the same entity version. It exists from detection
// until exactly one resolution event is appended to the room's log.
type DataConflict struct {
	ID         string             `json:"id"`
	RoomID     string             `json:"room_id"`
	EntityID   string             `json:"entity_id"`
	EntityType string             `json:"entity_type"`
	Competing  []Operation        `json:"competing"`
	DetectedAt time.Time          `json:"detected_at"`
	Strategy   ResolutionStrategy `json:"strategy"`
	ResolvedBy string             `json:"resolved_by,omitempty"`
}

// Resolution is the outcome of resolving a DataConflict. All clients
// converge on MergedValue at Version once the resolution event is
// delivered.
type Resolution struct {
	ConflictID   string                 `json:"conflict_id"`
	EntityID     string                 `json:"entity_id"`
	Strategy     ResolutionStrategy     `json:"strategy"`
	WinnerOpID   string                 `json:"winner_op_id,omitempty"`
	DiscardedIDs []string               `json:"discarded_op_ids,omitempty"`
	MergedValue  map[string]interface{} `json:"merged_value"`
	Pending      bool                   `json:"pending,omitempty"`
	ResolvedBy   string                 `json:"resolved_by"`
	ResolvedAt   time.Time              `json:"resolved_at"`
}
