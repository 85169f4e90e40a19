package eventlog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/vowsync/collab-core/pkg/collaboration/crdt"
	"github.com/vowsync/collab-core/pkg/models"
	"github.com/vowsync/collab-core/pkg/observability"
)

// Log errors
var (
	// ErrAppendFailed is returned when the durable store rejected the
	// event after bounded retries. The originating client must be told
	// explicitly; events are never silently dropped after acknowledgment.
	ErrAppendFailed = errors.New("event log append failed")
	// ErrSequenceTrimmed is returned when the requested backfill range has
	// been compacted out of the retained window
	ErrSequenceTrimmed = errors.New("requested sequence outside retained window")
	// ErrUnknownRoom is returned for rooms with no log
	ErrUnknownRoom = errors.New("unknown room")
)

// Config holds event log tuning knobs
type Config struct {
	// Window is the number of events retained in memory for replay
	Window int `mapstructure:"window"`
	// SubscriberBuffer is the channel buffer per subscriber
	SubscriberBuffer int `mapstructure:"subscriber_buffer"`
	// AppendRetries bounds retries against the durable store
	AppendRetries uint64 `mapstructure:"append_retries"`
	// AppendBackoff is the initial retry backoff
	AppendBackoff time.Duration `mapstructure:"append_backoff"`
	// DurableRetention bounds the durable store per room; 0 keeps the
	// full history so rooms can always be replayed from sequence 0
	DurableRetention int64 `mapstructure:"durable_retention"`
}

// DefaultConfig returns the default event log configuration
func DefaultConfig() Config {
	return Config{
		Window:           1024,
		SubscriberBuffer: 256,
		AppendRetries:    3,
		AppendBackoff:    50 * time.Millisecond,
	}
}

// Log is the per-room append-only event log with publish/subscribe fan-out
type Log struct {
	mu      sync.RWMutex
	rooms   map[string]*roomLog
	store   Store
	breaker *gobreaker.CircuitBreaker
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient
}

type roomLog struct {
	mu       sync.Mutex
	seq      uint64
	clock    crdt.VectorClock
	events   []*models.CollaborationEvent
	firstSeq uint64
	subs     map[string]chan *models.CollaborationEvent
}

// New creates an event log. The store may be nil, in which case events
// older than the in-memory window are gone once compacted.
func New(store Store, config Config, logger observability.Logger, metrics observability.MetricsClient) *Log {
	if config.Window <= 0 {
		config.Window = DefaultConfig().Window
	}
	if config.SubscriberBuffer <= 0 {
		config.SubscriberBuffer = DefaultConfig().SubscriberBuffer
	}
	if config.AppendBackoff <= 0 {
		config.AppendBackoff = DefaultConfig().AppendBackoff
	}

	return &Log{
		rooms:  make(map[string]*roomLog),
		store:  store,
		config: config,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "eventlog-store",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		}),
		logger:  logger.WithPrefix("eventlog"),
		metrics: metrics,
	}
}

func (l *Log) room(roomID string) *roomLog {
	l.mu.RLock()
	rl, ok := l.rooms[roomID]
	l.mu.RUnlock()
	if ok {
		return rl
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if rl, ok = l.rooms[roomID]; ok {
		return rl
	}
	rl = &roomLog{
		clock:    crdt.NewVectorClock(),
		firstSeq: 1,
		subs:     make(map[string]chan *models.CollaborationEvent),
	}
	l.rooms[roomID] = rl
	return rl
}

// Append assigns the next room sequence and the event's vector clock,
// durably stores the event, and publishes it to subscribers. The clock is
// the originator's clock merged into the maximum of all clocks previously
// observed in the room, then incremented for the originator.
func (l *Log) Append(ctx context.Context, event *models.CollaborationEvent) (uint64, error) {
	rl := l.room(event.RoomID)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	merged := rl.clock.Clone()
	merged.Update(event.Clock)
	merged.Increment(crdt.NodeID(event.ParticipantID))

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.Sequence = rl.seq + 1
	event.Clock = merged.Clone()

	if l.store != nil {
		if err := l.durableAppend(ctx, event); err != nil {
			l.logger.Error("durable append failed", map[string]interface{}{
				"room_id":  event.RoomID,
				"event_id": event.ID,
				"error":    err.Error(),
			})
			l.metrics.IncrementCounter("eventlog_append_failures", 1)
			return 0, ErrAppendFailed
		}
	}

	// Commit only after the durable write succeeded
	rl.seq = event.Sequence
	rl.clock = merged
	rl.events = append(rl.events, event)
	l.compactLocked(rl)
	l.publishLocked(rl, event)

	if l.store != nil && l.config.DurableRetention > 0 && event.Sequence%uint64(l.config.DurableRetention) == 0 {
		// Best effort; a failed trim only delays cleanup
		if err := l.store.Trim(ctx, event.RoomID, l.config.DurableRetention); err != nil {
			l.logger.Warn("durable trim failed", map[string]interface{}{
				"room_id": event.RoomID,
				"error":   err.Error(),
			})
		}
	}

	l.metrics.IncrementCounterWithLabels("eventlog_events_appended", 1, map[string]string{
		"type": string(event.Type),
	})
	return event.Sequence, nil
}

func (l *Log) durableAppend(ctx context.Context, event *models.CollaborationEvent) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = l.config.AppendBackoff
	policy.MaxInterval = 20 * l.config.AppendBackoff

	operation := func() error {
		_, err := l.breaker.Execute(func() (interface{}, error) {
			return nil, l.store.Append(ctx, event.RoomID, event)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		return err
	}

	return backoff.Retry(operation, backoff.WithContext(
		backoff.WithMaxRetries(policy, l.config.AppendRetries), ctx))
}

// compactLocked drops events that fell out of the in-memory window.
// Compacted history remains in the durable store and is represented for
// reconnecting clients by entity snapshots held by the sync service.
func (l *Log) compactLocked(rl *roomLog) {
	overflow := len(rl.events) - l.config.Window
	if overflow <= 0 {
		return
	}
	rl.events = rl.events[overflow:]
	rl.firstSeq = rl.events[0].Sequence
	l.metrics.IncrementCounter("eventlog_events_compacted", float64(overflow))
}

func (l *Log) publishLocked(rl *roomLog, event *models.CollaborationEvent) {
	for id, ch := range rl.subs {
		select {
		case ch <- event:
		default:
			// Subscriber cannot keep up; close it rather than stall the
			// append path. The consumer observes the close and recovers
			// through backfill.
			delete(rl.subs, id)
			close(ch)
			l.logger.Warn("dropping slow subscriber", map[string]interface{}{
				"subscriber_id": id,
			})
			l.metrics.IncrementCounter("eventlog_subscribers_dropped", 1)
		}
	}
}

// Subscribe returns a stream of the room's events starting at
// fromSequence. Events already inside the retained window are replayed
// into the channel before any live event, with no gap between them.
func (l *Log) Subscribe(roomID string, fromSequence uint64) (<-chan *models.CollaborationEvent, func(), error) {
	rl := l.room(roomID)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	if fromSequence > 0 && fromSequence < rl.firstSeq {
		return nil, nil, ErrSequenceTrimmed
	}

	replay := make([]*models.CollaborationEvent, 0)
	for _, event := range rl.events {
		if event.Sequence >= fromSequence {
			replay = append(replay, event)
		}
	}

	ch := make(chan *models.CollaborationEvent, len(replay)+l.config.SubscriberBuffer)
	for _, event := range replay {
		ch <- event
	}

	id := uuid.New().String()
	rl.subs[id] = ch

	cancel := func() {
		rl.mu.Lock()
		defer rl.mu.Unlock()
		if sub, ok := rl.subs[id]; ok {
			delete(rl.subs, id)
			close(sub)
		}
	}
	return ch, cancel, nil
}

// GetSince returns the ordered events with sequence > afterSequence. When
// the range precedes the retained window the durable store is consulted;
// without one, ErrSequenceTrimmed tells the caller to fall back to a full
// snapshot.
func (l *Log) GetSince(ctx context.Context, roomID string, afterSequence uint64) ([]*models.CollaborationEvent, error) {
	rl := l.room(roomID)

	rl.mu.Lock()
	trimmed := afterSequence+1 < rl.firstSeq
	var events []*models.CollaborationEvent
	if !trimmed {
		for _, event := range rl.events {
			if event.Sequence > afterSequence {
				events = append(events, event)
			}
		}
	}
	rl.mu.Unlock()

	if !trimmed {
		return events, nil
	}
	if l.store == nil {
		return nil, ErrSequenceTrimmed
	}
	stored, err := l.store.Range(ctx, roomID, afterSequence+1)
	if err != nil {
		return nil, ErrSequenceTrimmed
	}
	return stored, nil
}

// CurrentSequence returns the room's latest assigned sequence number
func (l *Log) CurrentSequence(roomID string) uint64 {
	rl := l.room(roomID)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.seq
}

// RoomClock returns a copy of the maximum clock observed in the room
func (l *Log) RoomClock(roomID string) crdt.VectorClock {
	rl := l.room(roomID)
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.clock.Clone()
}

// DropRoom tears down a room's log and closes its subscribers. Called
// when the last participant leaves and the grace window expires.
func (l *Log) DropRoom(roomID string) {
	l.mu.Lock()
	rl, ok := l.rooms[roomID]
	if ok {
		delete(l.rooms, roomID)
	}
	l.mu.Unlock()
	if !ok {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	for id, ch := range rl.subs {
		delete(rl.subs, id)
		close(ch)
	}
}
