package websocket

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	datasync "github.com/vowsync/collab-core/internal/sync"

	"github.com/vowsync/collab-core/internal/eventlog"
	"github.com/vowsync/collab-core/pkg/collaboration/crdt"
	"github.com/vowsync/collab-core/pkg/models"
	ws "github.com/vowsync/collab-core/pkg/models/websocket"
)

// joinPayload is the payload of join and resume messages
type joinPayload struct {
	ResumeToken  string `json:"resumeToken,omitempty"`
	LastSequence uint64 `json:"lastSequence,omitempty"`
}

// welcomePayload confirms a join and carries what the client needs to
// resume later
type welcomePayload struct {
	ConnectionID    string                 `json:"connectionId"`
	ResumeToken     string                 `json:"resumeToken"`
	ParticipantID   string                 `json:"participantId"`
	DisplayName     string                 `json:"displayName,omitempty"`
	CurrentSequence uint64                 `json:"currentSequence"`
	ResumeMode      string                 `json:"resumeMode"`
	Presence        []models.PresenceState `json:"presence"`
}

// operationPayload is the payload of operation messages
type operationPayload struct {
	OperationID string                 `json:"operationId,omitempty"`
	EntityID    string                 `json:"entityId"`
	EntityType  string                 `json:"entityType,omitempty"`
	Type        string                 `json:"type"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
	BaseVersion uint64                 `json:"baseVersion,omitempty"`
	Clock       map[string]uint64      `json:"clock,omitempty"`
}

// opAckPayload is the payload of op_ack messages
type opAckPayload struct {
	OperationID string              `json:"operationId"`
	Status      string              `json:"status"`
	Sequence    uint64              `json:"sequence,omitempty"`
	Entity      *models.EntityState `json:"entity,omitempty"`
	Resolution  *models.Resolution  `json:"resolution,omitempty"`
}

// presencePayload is the payload of presence_update messages
type presencePayload struct {
	Status string `json:"status"`
	Focus  string `json:"focus,omitempty"`
}

// ackPayload is the payload of ack messages
type ackPayload struct {
	LastSequence uint64 `json:"lastSequence"`
}

// eventMessage is the payload wrapper of event envelopes
type eventMessage struct {
	EventType     models.EventType `json:"eventType"`
	ParticipantID string           `json:"participantId"`
	Payload       json.RawMessage  `json:"payload,omitempty"`
}

func wireClock(clock crdt.VectorClock) map[string]uint64 {
	if clock == nil {
		return nil
	}
	out := make(map[string]uint64, len(clock))
	for node, counter := range clock {
		out[string(node)] = counter
	}
	return out
}

func domainClock(clock map[string]uint64) crdt.VectorClock {
	if clock == nil {
		return nil
	}
	out := crdt.NewVectorClock()
	for node, counter := range clock {
		out[crdt.NodeID(node)] = counter
	}
	return out
}

// handleMessage dispatches one client message
func (s *Server) handleMessage(c *Connection, envelope *ws.ClientEnvelope) {
	switch envelope.MessageType {
	case ws.MessageTypeJoin, ws.MessageTypeResume:
		s.handleJoin(c, envelope)
	case ws.MessageTypeOperation:
		s.handleOperation(c, envelope)
	case ws.MessageTypePresenceUpdate:
		s.handlePresenceUpdate(c, envelope)
	case ws.MessageTypeHeartbeat:
		s.handleHeartbeat(c)
	case ws.MessageTypeAck:
		s.handleAck(c, envelope)
	default:
		s.metricsCollector.RecordError("unknown_message_type")
		c.sendError(ws.ErrCodeInvalidMessage, "unknown message type", envelope.MessageType)
	}
}

// handleJoin attaches the connection to a room. A resume token from a
// recently dropped connection gets an event backfill when the requested
// range is still retained; everything else gets a full snapshot.
func (s *Server) handleJoin(c *Connection, envelope *ws.ClientEnvelope) {
	c.mu.Lock()
	alreadyJoined := c.joined
	c.mu.Unlock()
	if alreadyJoined {
		c.sendError(ws.ErrCodeInvalidMessage, "connection already joined a room", nil)
		return
	}
	if envelope.RoomID == "" {
		c.sendError(ws.ErrCodeInvalidParams, "roomId is required", nil)
		return
	}

	var payload joinPayload
	if len(envelope.Payload) > 0 {
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			c.sendError(ws.ErrCodeInvalidMessage, "malformed join payload", nil)
			return
		}
	}

	roomID := envelope.RoomID
	resumable := false
	if payload.ResumeToken != "" {
		if sess, ok := s.sessions.Take(payload.ResumeToken); ok {
			resumable = sess.ParticipantID == c.ParticipantID && sess.RoomID == roomID
		}
	}

	c.mu.Lock()
	c.joined = true
	c.mu.Unlock()
	c.RoomID = roomID
	s.registerInRoom(c, roomID)
	s.presence.ConnectionOpened(roomID, c.ParticipantID, c.ID)
	s.metricsCollector.RecordConnection(roomID)

	var (
		events     <-chan *models.CollaborationEvent
		cancelSub  func()
		err        error
		resumeMode = "backfill"
		snapshot   *models.RoomSnapshot
	)
	if resumable && payload.LastSequence > 0 {
		events, cancelSub, err = s.log.Subscribe(roomID, payload.LastSequence+1)
	} else {
		err = eventlog.ErrSequenceTrimmed
	}
	if err != nil {
		// Too far behind or a fresh join: catch up from a snapshot
		resumeMode = "snapshot"
		snapshot = s.sync.GetRoomSnapshot(roomID)
		events, cancelSub, err = s.log.Subscribe(roomID, snapshot.Sequence+1)
		if err != nil {
			c.sendError(ws.ErrCodeServerError, "failed to subscribe to room", nil)
			c.Close()
			return
		}
		c.setDelivered(snapshot.Sequence)
	} else {
		c.setDelivered(payload.LastSequence)
	}
	s.metricsCollector.RecordResume(resumeMode)

	welcome, err := json.Marshal(welcomePayload{
		ConnectionID:    c.ID,
		ResumeToken:     c.ID,
		ParticipantID:   c.ParticipantID,
		DisplayName:     c.claims.DisplayName,
		CurrentSequence: s.log.CurrentSequence(roomID),
		ResumeMode:      resumeMode,
		Presence:        s.presence.GetRoomPresence(roomID),
	})
	if err != nil {
		cancelSub()
		c.sendError(ws.ErrCodeServerError, "failed to build welcome", nil)
		c.Close()
		return
	}
	c.sendEnvelope(&ws.ServerEnvelope{
		Type:    ws.ServerTypeWelcome,
		RoomID:  roomID,
		Payload: welcome,
	})
	if snapshot != nil && !s.sendSnapshot(c, snapshot) {
		cancelSub()
		c.Close()
		return
	}

	go s.streamEvents(c, roomID, events, cancelSub)
	go s.streamPresence(c, roomID)

	s.logger.Info("participant joined room", map[string]interface{}{
		"connection_id":  c.ID,
		"participant_id": c.ParticipantID,
		"room_id":        roomID,
		"resume_mode":    resumeMode,
	})
}

func (s *Server) sendSnapshot(c *Connection, snapshot *models.RoomSnapshot) bool {
	data, err := json.Marshal(snapshot)
	if err != nil {
		s.logger.Error("marshal snapshot failed", map[string]interface{}{
			"error":   err.Error(),
			"room_id": snapshot.RoomID,
		})
		return false
	}
	return c.sendEnvelope(&ws.ServerEnvelope{
		Type:           ws.ServerTypeSnapshot,
		RoomID:         snapshot.RoomID,
		SequenceNumber: snapshot.Sequence,
		Payload:        data,
	})
}

// streamEvents relays the room's event feed to the connection. When the
// log drops the subscription for falling behind, the stream resubscribes
// from the last delivered sequence, falling back to a snapshot when that
// range has been compacted away.
func (s *Server) streamEvents(c *Connection, roomID string, events <-chan *models.CollaborationEvent, cancel func()) {
	defer func() { cancel() }()

	for {
		select {
		case <-c.closed:
			return
		case event, ok := <-events:
			if !ok {
				newEvents, newCancel, err := s.log.Subscribe(roomID, c.delivered()+1)
				if err != nil {
					if !errors.Is(err, eventlog.ErrSequenceTrimmed) {
						// Room is gone
						c.Close()
						return
					}
					snapshot := s.sync.GetRoomSnapshot(roomID)
					if !s.sendSnapshot(c, snapshot) {
						c.Close()
						return
					}
					c.setDelivered(snapshot.Sequence)
					newEvents, newCancel, err = s.log.Subscribe(roomID, snapshot.Sequence+1)
					if err != nil {
						c.Close()
						return
					}
				}
				cancel()
				events, cancel = newEvents, newCancel
				continue
			}
			if !s.sendEvent(c, event) {
				// A dropped event would leave a gap nothing redelivers;
				// close so the client resumes and backfills from its
				// last acknowledged sequence
				c.Close()
				return
			}
		}
	}
}

// sendEvent relays one log event and reports whether it was accepted into
// the send queue. The delivery cursor only advances on success.
func (s *Server) sendEvent(c *Connection, event *models.CollaborationEvent) bool {
	payload, err := json.Marshal(eventMessage{
		EventType:     event.Type,
		ParticipantID: event.ParticipantID,
		Payload:       event.Payload,
	})
	if err != nil {
		s.logger.Error("marshal event failed", map[string]interface{}{
			"error":    err.Error(),
			"event_id": event.ID,
		})
		return false
	}
	if !c.sendEnvelope(&ws.ServerEnvelope{
		Type:           ws.ServerTypeEvent,
		EventID:        event.ID,
		RoomID:         event.RoomID,
		SequenceNumber: event.Sequence,
		VectorClock:    wireClock(event.Clock),
		Payload:        payload,
		Timestamp:      event.Timestamp,
	}) {
		return false
	}
	c.setDelivered(event.Sequence)
	return true
}

// streamPresence relays the room's presence deltas to the connection
func (s *Server) streamPresence(c *Connection, roomID string) {
	deltas, cancel := s.presence.Subscribe(roomID)
	defer cancel()

	for {
		select {
		case <-c.closed:
			return
		case delta, ok := <-deltas:
			if !ok {
				return
			}
			data, err := json.Marshal(delta)
			if err != nil {
				continue
			}
			c.sendEnvelope(&ws.ServerEnvelope{
				Type:    ws.ServerTypePresence,
				RoomID:  roomID,
				Payload: data,
			})
		}
	}
}

// handleOperation relays a client operation into the sync service and
// acknowledges the outcome
func (s *Server) handleOperation(c *Connection, envelope *ws.ClientEnvelope) {
	if c.RoomID == "" {
		c.sendError(ws.ErrCodeUnknownRoom, "join a room before sending operations", nil)
		return
	}

	var payload operationPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		c.sendError(ws.ErrCodeInvalidMessage, "malformed operation payload", nil)
		return
	}
	if payload.EntityID == "" {
		c.sendError(ws.ErrCodeInvalidParams, "entityId is required", nil)
		return
	}

	var opType models.OperationType
	switch payload.Type {
	case string(models.OpUpsert):
		opType = models.OpUpsert
	case string(models.OpDelete):
		opType = models.OpDelete
	case string(models.OpReorder):
		opType = models.OpReorder
	default:
		c.sendError(ws.ErrCodeInvalidParams, "unknown operation type", payload.Type)
		return
	}

	operationID := payload.OperationID
	if operationID == "" {
		operationID = uuid.New().String()
	}
	op := &models.Operation{
		ID:              operationID,
		RoomID:          c.RoomID,
		EntityID:        payload.EntityID,
		EntityType:      payload.EntityType,
		ParticipantID:   c.ParticipantID,
		ParticipantRole: c.claims.Role,
		Type:            opType,
		Fields:          payload.Fields,
		BaseVersion:     payload.BaseVersion,
		Clock:           domainClock(payload.Clock),
		IdempotencyKey:  envelope.IdempotencyKey,
		Timestamp:       time.Now().UTC(),
	}

	result, err := s.sync.ApplyOperation(context.Background(), op)
	if err != nil {
		s.sendOperationError(c, operationID, err)
		return
	}
	s.presence.Touch(c.RoomID, c.ParticipantID)

	ack := opAckPayload{
		OperationID: operationID,
		Status:      string(result.Status),
		Entity:      result.Entity,
		Resolution:  result.Resolution,
	}
	if result.Event != nil {
		ack.Sequence = result.Event.Sequence
	}
	data, err := json.Marshal(ack)
	if err != nil {
		c.sendError(ws.ErrCodeServerError, "failed to build acknowledgment", nil)
		return
	}

	response := &ws.ServerEnvelope{
		Type:           ws.ServerTypeOpAck,
		RoomID:         c.RoomID,
		SequenceNumber: ack.Sequence,
		Payload:        data,
	}
	if result.Status == datasync.StatusStale {
		response.Error = ws.NewError(ws.ErrCodeStaleOperation, "operation is causally behind current state", nil)
		s.metricsCollector.RecordError("stale_operation")
	}
	c.sendEnvelope(response)
}

func (s *Server) sendOperationError(c *Connection, operationID string, err error) {
	switch {
	case errors.Is(err, datasync.ErrEntityLocked):
		s.metricsCollector.RecordError("entity_locked")
		c.sendError(ws.ErrCodeEntityLocked, "entity is locked pending manual resolution", operationID)
	case errors.Is(err, datasync.ErrValidationFailed):
		s.metricsCollector.RecordError("validation_failed")
		c.sendError(ws.ErrCodeInvalidParams, err.Error(), operationID)
	case errors.Is(err, eventlog.ErrAppendFailed):
		s.metricsCollector.RecordError("storage_failed")
		c.sendError(ws.ErrCodeStorageFailed, "event could not be durably stored", operationID)
	default:
		s.metricsCollector.RecordError("internal")
		s.logger.Error("operation failed", map[string]interface{}{
			"error":          err.Error(),
			"operation_id":   operationID,
			"participant_id": c.ParticipantID,
		})
		c.sendError(ws.ErrCodeServerError, "internal error applying operation", operationID)
	}
}

// handlePresenceUpdate applies a client presence change
func (s *Server) handlePresenceUpdate(c *Connection, envelope *ws.ClientEnvelope) {
	if c.RoomID == "" {
		c.sendError(ws.ErrCodeUnknownRoom, "join a room before updating presence", nil)
		return
	}

	var payload presencePayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		c.sendError(ws.ErrCodeInvalidMessage, "malformed presence payload", nil)
		return
	}

	status := models.PresenceStatus(payload.Status)
	switch status {
	case models.PresenceOnline, models.PresenceAway, models.PresenceBusy:
	default:
		c.sendError(ws.ErrCodeInvalidParams, "unknown presence status", payload.Status)
		return
	}

	s.presence.UpdatePresence(c.RoomID, c.ParticipantID, status, payload.Focus)
}

// handleHeartbeat acknowledges liveness and refreshes presence activity
func (s *Server) handleHeartbeat(c *Connection) {
	if c.RoomID != "" {
		s.presence.Touch(c.RoomID, c.ParticipantID)
	}
	c.sendEnvelope(&ws.ServerEnvelope{Type: ws.ServerTypeHeartbeat})
}

// handleAck records the highest event sequence the client has processed,
// which seeds the resume session on disconnect
func (s *Server) handleAck(c *Connection, envelope *ws.ClientEnvelope) {
	var payload ackPayload
	if len(envelope.Payload) > 0 {
		if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
			c.sendError(ws.ErrCodeInvalidMessage, "malformed ack payload", nil)
			return
		}
	}
	if payload.LastSequence > 0 {
		c.setAcked(payload.LastSequence)
	}
}
