package models

import "time"

// PresenceStatus is the liveness state of a participant in a room
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

// PresenceState is the latest-value presence of one participant in one
// room. Ephemeral: overwritten on each update and discarded with the room.
type PresenceState struct {
	ParticipantID string         `json:"participant_id"`
	RoomID        string         `json:"room_id"`
	Status        PresenceStatus `json:"status"`
	Focus         string         `json:"focus,omitempty"`
	LastActivity  time.Time      `json:"last_activity"`
}
