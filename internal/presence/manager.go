// Package presence tracks liveness, activity, and focus state per
// participant per room. Presence is latest-value state: updates overwrite
// (last-write-wins), deltas are debounced before fan-out, and nothing is
// persisted beyond the room lifetime.
package presence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vowsync/collab-core/pkg/collaboration/crdt"
	"github.com/vowsync/collab-core/pkg/models"
	"github.com/vowsync/collab-core/pkg/observability"
)

// Config holds presence tuning knobs
type Config struct {
	// Debounce is the minimum interval between fan-outs for a single
	// participant; bursts (cursor movement) collapse into one delta
	Debounce time.Duration `mapstructure:"debounce"`
	// AwayAfter is the inactivity window before online becomes away
	AwayAfter time.Duration `mapstructure:"away_after"`
	// SweepInterval is how often idle participants are scanned for
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// SubscriberBuffer is the delta channel buffer per subscriber
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
}

// DefaultConfig returns the default presence configuration
func DefaultConfig() Config {
	return Config{
		Debounce:         150 * time.Millisecond,
		AwayAfter:        5 * time.Minute,
		SweepInterval:    30 * time.Second,
		SubscriberBuffer: 64,
	}
}

// Manager tracks presence state per room and emits compact deltas
type Manager struct {
	mu      sync.RWMutex
	rooms   map[string]*roomPresence
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient
}

type roomPresence struct {
	mu           sync.Mutex
	participants map[string]*participantPresence
	subs         map[string]chan models.PresenceState
}

type participantPresence struct {
	register   *crdt.LWWRegister
	conns      map[string]struct{}
	lastFanout time.Time
	pending    bool
}

// NewManager creates a presence manager
func NewManager(config Config, logger observability.Logger, metrics observability.MetricsClient) *Manager {
	defaults := DefaultConfig()
	if config.Debounce <= 0 {
		config.Debounce = defaults.Debounce
	}
	if config.AwayAfter <= 0 {
		config.AwayAfter = defaults.AwayAfter
	}
	if config.SweepInterval <= 0 {
		config.SweepInterval = defaults.SweepInterval
	}
	if config.SubscriberBuffer <= 0 {
		config.SubscriberBuffer = defaults.SubscriberBuffer
	}
	return &Manager{
		rooms:   make(map[string]*roomPresence),
		config:  config,
		logger:  logger.WithPrefix("presence"),
		metrics: metrics,
	}
}

// Start runs the idle sweeper until the context is cancelled
func (m *Manager) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(m.config.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.sweepIdle()
			}
		}
	}()
}

func (m *Manager) room(roomID string) *roomPresence {
	m.mu.RLock()
	rp, ok := m.rooms[roomID]
	m.mu.RUnlock()
	if ok {
		return rp
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if rp, ok = m.rooms[roomID]; ok {
		return rp
	}
	rp = &roomPresence{
		participants: make(map[string]*participantPresence),
		subs:         make(map[string]chan models.PresenceState),
	}
	m.rooms[roomID] = rp
	return rp
}

// ConnectionOpened records a participant connection and marks the
// participant online. Presence is aggregated across a participant's
// connections, so a second device does not change visible status.
func (m *Manager) ConnectionOpened(roomID, participantID, connectionID string) {
	rp := m.room(roomID)
	rp.mu.Lock()
	defer rp.mu.Unlock()

	pp, ok := rp.participants[participantID]
	if !ok {
		pp = &participantPresence{
			register: crdt.NewLWWRegister(),
			conns:    make(map[string]struct{}),
		}
		rp.participants[participantID] = pp
	}
	pp.conns[connectionID] = struct{}{}

	m.setLocked(rp, pp, models.PresenceState{
		ParticipantID: participantID,
		RoomID:        roomID,
		Status:        models.PresenceOnline,
		LastActivity:  time.Now().UTC(),
	}, crdt.NodeID(connectionID))
}

// ConnectionClosed removes a connection. When the participant's last
// connection is gone their presence transitions to offline.
func (m *Manager) ConnectionClosed(roomID, participantID, connectionID string) {
	rp := m.room(roomID)
	rp.mu.Lock()
	defer rp.mu.Unlock()

	pp, ok := rp.participants[participantID]
	if !ok {
		return
	}
	delete(pp.conns, connectionID)
	if len(pp.conns) > 0 {
		return
	}

	current := m.stateLocked(pp, participantID, roomID)
	current.Status = models.PresenceOffline
	current.Focus = ""
	current.LastActivity = time.Now().UTC()
	m.setLocked(rp, pp, current, crdt.NodeID(connectionID))
}

// UpdatePresence applies a client presence update with last-write-wins
// semantics keyed by activity timestamp
func (m *Manager) UpdatePresence(roomID, participantID string, status models.PresenceStatus, focus string) {
	rp := m.room(roomID)
	rp.mu.Lock()
	defer rp.mu.Unlock()

	pp, ok := rp.participants[participantID]
	if !ok {
		return
	}

	m.setLocked(rp, pp, models.PresenceState{
		ParticipantID: participantID,
		RoomID:        roomID,
		Status:        status,
		Focus:         focus,
		LastActivity:  time.Now().UTC(),
	}, crdt.NodeID(participantID))
}

// Touch refreshes the participant's activity timestamp without changing
// status; used on heartbeats and operations so active participants are
// not swept to away
func (m *Manager) Touch(roomID, participantID string) {
	rp := m.room(roomID)
	rp.mu.Lock()
	defer rp.mu.Unlock()

	pp, ok := rp.participants[participantID]
	if !ok {
		return
	}
	current := m.stateLocked(pp, participantID, roomID)
	current.LastActivity = time.Now().UTC()
	if current.Status == models.PresenceAway {
		current.Status = models.PresenceOnline
		m.setLocked(rp, pp, current, crdt.NodeID(participantID))
		return
	}
	// No visible change; update the register without fan-out
	pp.register.Set(current, current.LastActivity, crdt.NodeID(participantID))
}

// GetRoomPresence returns the current presence of every participant in
// the room
func (m *Manager) GetRoomPresence(roomID string) []models.PresenceState {
	rp := m.room(roomID)
	rp.mu.Lock()
	defer rp.mu.Unlock()

	out := make([]models.PresenceState, 0, len(rp.participants))
	for participantID, pp := range rp.participants {
		out = append(out, m.stateLocked(pp, participantID, roomID))
	}
	return out
}

// Subscribe returns a stream of presence deltas for the room. Deltas are
// latest-value state; a dropped delta is superseded by the next one, so
// slow subscribers lose intermediate updates rather than stalling fan-out.
func (m *Manager) Subscribe(roomID string) (<-chan models.PresenceState, func()) {
	rp := m.room(roomID)
	rp.mu.Lock()
	defer rp.mu.Unlock()

	ch := make(chan models.PresenceState, m.config.SubscriberBuffer)
	id := uuid.New().String()
	rp.subs[id] = ch

	cancel := func() {
		rp.mu.Lock()
		defer rp.mu.Unlock()
		if sub, ok := rp.subs[id]; ok {
			delete(rp.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// DropRoom tears down a room's presence state and closes its subscribers
func (m *Manager) DropRoom(roomID string) {
	m.mu.Lock()
	rp, ok := m.rooms[roomID]
	if ok {
		delete(m.rooms, roomID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	rp.mu.Lock()
	defer rp.mu.Unlock()
	for id, ch := range rp.subs {
		delete(rp.subs, id)
		close(ch)
	}
}

// ParticipantCount returns how many participants have at least one open
// connection in the room
func (m *Manager) ParticipantCount(roomID string) int {
	rp := m.room(roomID)
	rp.mu.Lock()
	defer rp.mu.Unlock()

	count := 0
	for _, pp := range rp.participants {
		if len(pp.conns) > 0 {
			count++
		}
	}
	return count
}

func (m *Manager) stateLocked(pp *participantPresence, participantID, roomID string) models.PresenceState {
	if value := pp.register.Get(); value != nil {
		return value.(models.PresenceState)
	}
	return models.PresenceState{
		ParticipantID: participantID,
		RoomID:        roomID,
		Status:        models.PresenceOffline,
	}
}

// setLocked writes the state into the participant's register and fans the
// delta out, debounced to the configured minimum interval
func (m *Manager) setLocked(rp *roomPresence, pp *participantPresence, state models.PresenceState, writer crdt.NodeID) {
	if !pp.register.Set(state, state.LastActivity, writer) {
		return
	}
	m.metrics.IncrementCounterWithLabels("presence_updates", 1, map[string]string{
		"status": string(state.Status),
	})

	elapsed := time.Since(pp.lastFanout)
	if elapsed >= m.config.Debounce {
		pp.lastFanout = time.Now()
		m.fanoutLocked(rp, state)
		return
	}
	if pp.pending {
		return
	}
	pp.pending = true
	participantID := state.ParticipantID
	roomID := state.RoomID
	time.AfterFunc(m.config.Debounce-elapsed, func() {
		rp.mu.Lock()
		defer rp.mu.Unlock()
		pp.pending = false
		pp.lastFanout = time.Now()
		m.fanoutLocked(rp, m.stateLocked(pp, participantID, roomID))
	})
}

func (m *Manager) fanoutLocked(rp *roomPresence, state models.PresenceState) {
	for id, ch := range rp.subs {
		select {
		case ch <- state:
		default:
			m.metrics.IncrementCounter("presence_deltas_dropped", 1)
			_ = id
		}
	}
}

// sweepIdle transitions online participants with no recent activity to
// away and broadcasts the transition as a presence delta
func (m *Manager) sweepIdle() {
	m.mu.RLock()
	rooms := make(map[string]*roomPresence, len(m.rooms))
	for id, rp := range m.rooms {
		rooms[id] = rp
	}
	m.mu.RUnlock()

	cutoff := time.Now().Add(-m.config.AwayAfter)
	for roomID, rp := range rooms {
		rp.mu.Lock()
		for participantID, pp := range rp.participants {
			state := m.stateLocked(pp, participantID, roomID)
			if state.Status == models.PresenceOnline && state.LastActivity.Before(cutoff) {
				state.Status = models.PresenceAway
				state.LastActivity = state.LastActivity.Add(time.Nanosecond)
				m.setLocked(rp, pp, state, crdt.NodeID(participantID))
				m.logger.Debug("participant idled to away", map[string]interface{}{
					"room_id":        roomID,
					"participant_id": participantID,
				})
			}
		}
		rp.mu.Unlock()
	}
}
