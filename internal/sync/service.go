// Package sync owns the authoritative entity state per room. Every write
// flows through ApplyOperation: validate, classify against current state,
// append the resulting event to the room log, and only then mutate the
// cached state. Replaying the log from zero rebuilds identical state.
package sync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vowsync/collab-core/internal/conflict"
	"github.com/vowsync/collab-core/internal/eventlog"
	"github.com/vowsync/collab-core/pkg/collaboration/crdt"
	"github.com/vowsync/collab-core/pkg/models"
	"github.com/vowsync/collab-core/pkg/observability"
)

// Service errors
var (
	// ErrEntityLocked mirrors the conflict engine's manual-resolution lock
	ErrEntityLocked = conflict.ErrEntityLocked
	// ErrValidationFailed is returned when the operation fails domain
	// validation before touching any state
	ErrValidationFailed = errors.New("operation validation failed")
	// ErrEntityNotFound is returned for snapshot requests on unknown entities
	ErrEntityNotFound = errors.New("entity not found")
)

// ResultStatus classifies the outcome of an applied operation
type ResultStatus string

const (
	// StatusApplied means the operation was applied as submitted
	StatusApplied ResultStatus = "applied"
	// StatusMerged means a concurrent write was detected and automatically
	// resolved; the entity reflects the merged value
	StatusMerged ResultStatus = "merged"
	// StatusPendingManual means the conflict was deferred to a human and the
	// entity is locked
	StatusPendingManual ResultStatus = "pending_manual"
	// StatusStale means the operation causally precedes current state and
	// was rejected; the caller should rebase on Entity and resubmit
	StatusStale ResultStatus = "stale"
)

// Result is the outcome of ApplyOperation
type Result struct {
	Status     ResultStatus
	Event      *models.CollaborationEvent
	Entity     *models.EntityState
	Resolution *models.Resolution
}

// EntityValidator checks domain rules before an operation is accepted.
// Implementations must be side effect free.
type EntityValidator interface {
	Validate(op *models.Operation) error
}

// Config holds sync service tuning knobs
type Config struct {
	// DedupSize bounds the idempotency cache
	DedupSize int `mapstructure:"dedup_size"`
	// DedupTTL is how long a processed idempotency key is remembered
	DedupTTL time.Duration `mapstructure:"dedup_ttl"`
}

// DefaultConfig returns the default sync configuration
func DefaultConfig() Config {
	return Config{
		DedupSize: 4096,
		DedupTTL:  5 * time.Minute,
	}
}

// entityEventPayload is the wire payload of entity events. Version is
// assigned at append time so replay reproduces it exactly.
type entityEventPayload struct {
	EntityID    string                 `json:"entityId"`
	EntityType  string                 `json:"entityType,omitempty"`
	OperationID string                 `json:"operationId,omitempty"`
	Fields      map[string]interface{} `json:"fields,omitempty"`
	DependsOn   []string               `json:"dependsOn,omitempty"`
	Version     uint64                 `json:"version,omitempty"`
	Resolution  *models.Resolution     `json:"resolution,omitempty"`
}

// Service applies operations to room entity state
type Service struct {
	mu        sync.RWMutex
	rooms     map[string]*roomState
	log       *eventlog.Log
	conflicts *conflict.Engine
	validator EntityValidator
	dedup     *expirable.LRU[string, *Result]
	startSpan observability.StartSpanFunc
	logger    observability.Logger
	metrics   observability.MetricsClient
}

type roomState struct {
	mu       sync.Mutex
	entities map[string]*models.EntityState
	deps     map[string][]string // entityID -> entity IDs it depends on
}

// NewService creates a sync service. The validator may be nil.
func NewService(log *eventlog.Log, conflicts *conflict.Engine, validator EntityValidator, config Config, logger observability.Logger, metrics observability.MetricsClient) *Service {
	if config.DedupSize <= 0 {
		config.DedupSize = DefaultConfig().DedupSize
	}
	if config.DedupTTL <= 0 {
		config.DedupTTL = DefaultConfig().DedupTTL
	}
	return &Service{
		rooms:     make(map[string]*roomState),
		log:       log,
		conflicts: conflicts,
		validator: validator,
		dedup:     expirable.NewLRU[string, *Result](config.DedupSize, nil, config.DedupTTL),
		startSpan: observability.NoOpStartSpan,
		logger:    logger.WithPrefix("sync"),
		metrics:   metrics,
	}
}

// SetSpanStarter installs the tracing hook wrapped around operation
// application
func (s *Service) SetSpanStarter(start observability.StartSpanFunc) {
	if start != nil {
		s.startSpan = start
	}
}

func (s *Service) room(roomID string) *roomState {
	s.mu.RLock()
	rs, ok := s.rooms[roomID]
	s.mu.RUnlock()
	if ok {
		return rs
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rs, ok = s.rooms[roomID]; ok {
		return rs
	}
	rs = &roomState{
		entities: make(map[string]*models.EntityState),
		deps:     make(map[string][]string),
	}
	s.rooms[roomID] = rs
	return rs
}

func dedupKey(op *models.Operation) string {
	return op.RoomID + ":" + op.IdempotencyKey
}

// ApplyOperation validates and applies one operation. Writes to a room are
// serialized under the room lock, the event is durably appended before the
// cached state changes, and resubmissions with a known idempotency key
// return the original result without a second apply.
func (s *Service) ApplyOperation(ctx context.Context, op *models.Operation) (*Result, error) {
	ctx, span := s.startSpan(ctx, "sync.ApplyOperation",
		attribute.String("room_id", op.RoomID),
		attribute.String("entity_id", op.EntityID),
		attribute.String("operation_type", string(op.Type)))
	defer span.End()

	if s.validator != nil {
		if err := s.validator.Validate(op); err != nil {
			s.metrics.IncrementCounter("sync_validation_failures", 1)
			span.RecordError(err)
			return nil, errors.Wrap(ErrValidationFailed, err.Error())
		}
	}

	rs := s.room(op.RoomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	// Checked under the room lock so racing resubmissions of the same key
	// cannot both apply
	if op.IdempotencyKey != "" {
		if cached, ok := s.dedup.Get(dedupKey(op)); ok {
			s.metrics.IncrementCounter("sync_operations_deduplicated", 1)
			return cached, nil
		}
	}

	current := rs.entities[op.EntityID]
	verdict, err := s.conflicts.Evaluate(current, op)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var result *Result
	switch verdict {
	case conflict.VerdictStale:
		result = &Result{Status: StatusStale}
		if current != nil {
			result.Entity = current.Clone()
		}
		s.metrics.IncrementCounter("sync_stale_operations", 1)
		span.SetAttribute("status", string(StatusStale))
		return result, nil
	case conflict.VerdictConflict:
		result, err = s.resolveConflictLocked(ctx, rs, current, op)
	default:
		result, err = s.applyLocked(ctx, rs, current, op)
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if op.IdempotencyKey != "" {
		s.dedup.Add(dedupKey(op), result)
	}
	span.SetAttribute("status", string(result.Status))
	s.metrics.IncrementCounterWithLabels("sync_operations_applied", 1, map[string]string{
		"status": string(result.Status),
	})
	return result, nil
}

// applyLocked appends the event for a clean apply and mutates cached state
func (s *Service) applyLocked(ctx context.Context, rs *roomState, current *models.EntityState, op *models.Operation) (*Result, error) {
	var version uint64 = 1
	if current != nil {
		version = current.Version + 1
	}

	payload := entityEventPayload{
		EntityID:    op.EntityID,
		EntityType:  op.EntityType,
		OperationID: op.ID,
		Fields:      op.Fields,
		Version:     version,
	}
	if depends, ok := dependsOnField(op.Fields); ok {
		payload.DependsOn = depends
	}

	eventType := models.EventEntityUpsert
	switch op.Type {
	case models.OpDelete:
		eventType = models.EventEntityDelete
		payload.Fields = nil
		payload.Version = 0
	case models.OpReorder:
		eventType = models.EventEntityReorder
	}

	event, err := s.appendLocked(ctx, op.RoomID, op.ParticipantID, eventType, op.Clock, payload)
	if err != nil {
		return nil, err
	}

	entity := s.applyEventLocked(rs, event, &payload)
	result := &Result{Status: StatusApplied, Event: event}
	if entity != nil {
		result.Entity = entity.Clone()
	}
	return result, nil
}

// resolveConflictLocked runs the configured strategy for a concurrent
// write. A merged resolution is appended as a resolution event carrying
// the full merged value; a manual deferral locks the entity and appends
// nothing.
func (s *Service) resolveConflictLocked(ctx context.Context, rs *roomState, current *models.EntityState, op *models.Operation) (*Result, error) {
	record := s.conflicts.NewConflict(current, op)
	resolution, err := s.conflicts.Resolve(record, current)
	if err != nil {
		return nil, err
	}

	if resolution.Pending {
		s.logger.Info("conflict deferred to manual resolution", map[string]interface{}{
			"room_id":     op.RoomID,
			"entity_id":   op.EntityID,
			"conflict_id": record.ID,
		})
		return &Result{Status: StatusPendingManual, Resolution: resolution}, nil
	}

	var version uint64 = 1
	if current != nil {
		version = current.Version + 1
	}
	payload := entityEventPayload{
		EntityID:    op.EntityID,
		EntityType:  op.EntityType,
		OperationID: op.ID,
		Fields:      resolution.MergedValue,
		Version:     version,
		Resolution:  resolution,
	}

	event, err := s.appendLocked(ctx, op.RoomID, op.ParticipantID, models.EventConflictResolution, op.Clock, payload)
	if err != nil {
		return nil, err
	}

	entity := s.applyEventLocked(rs, event, &payload)
	result := &Result{Status: StatusMerged, Event: event, Resolution: resolution}
	if entity != nil {
		result.Entity = entity.Clone()
	}
	return result, nil
}

// ResolveManual completes a manually deferred conflict and applies the
// chosen value through the log like any other write
func (s *Service) ResolveManual(ctx context.Context, roomID, conflictID, winnerOpID, resolvedBy string) (*Result, error) {
	resolution, err := s.conflicts.ResolveManual(conflictID, winnerOpID, resolvedBy)
	if err != nil {
		return nil, err
	}

	rs := s.room(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	current := rs.entities[resolution.EntityID]
	var version uint64 = 1
	var entityType string
	merged := cloneValue(resolution.MergedValue)
	if current != nil {
		version = current.Version + 1
		entityType = current.EntityType
		// The winner's fields overlay current state; untouched fields survive
		full := cloneValue(current.Value)
		for name, value := range merged {
			full[name] = value
		}
		merged = full
	}

	payload := entityEventPayload{
		EntityID:   resolution.EntityID,
		EntityType: entityType,
		Fields:     merged,
		Version:    version,
		Resolution: resolution,
	}
	event, err := s.appendLocked(ctx, roomID, resolvedBy, models.EventConflictResolution, nil, payload)
	if err != nil {
		return nil, err
	}

	entity := s.applyEventLocked(rs, event, &payload)
	result := &Result{Status: StatusMerged, Event: event, Resolution: resolution}
	if entity != nil {
		result.Entity = entity.Clone()
	}
	return result, nil
}

func (s *Service) appendLocked(ctx context.Context, roomID, participantID string, eventType models.EventType, clock crdt.VectorClock, payload entityEventPayload) (*models.CollaborationEvent, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, errors.Wrap(err, "marshal event payload")
	}

	event := &models.CollaborationEvent{
		RoomID:        roomID,
		ParticipantID: participantID,
		Type:          eventType,
		Payload:       data,
		Clock:         clock,
	}
	if _, err := s.log.Append(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// applyEventLocked mutates cached entity state from an event. It is the
// single state transition used by both the live path and replay, which is
// what makes replay reproduce live state exactly.
func (s *Service) applyEventLocked(rs *roomState, event *models.CollaborationEvent, payload *entityEventPayload) *models.EntityState {
	switch event.Type {
	case models.EventEntityDelete:
		delete(rs.entities, payload.EntityID)
		delete(rs.deps, payload.EntityID)
		for from, targets := range rs.deps {
			rs.deps[from] = removeString(targets, payload.EntityID)
		}
		return nil

	case models.EventConflictResolution:
		entity := &models.EntityState{
			EntityID:   payload.EntityID,
			EntityType: payload.EntityType,
			Value:      cloneValue(payload.Fields),
			Version:    payload.Version,
		}
		s.finishEntity(entity, event)
		rs.entities[payload.EntityID] = entity
		return entity

	default: // upsert, reorder
		entity, ok := rs.entities[payload.EntityID]
		if !ok {
			entity = &models.EntityState{
				EntityID:   payload.EntityID,
				EntityType: payload.EntityType,
				Value:      make(map[string]interface{}),
			}
			rs.entities[payload.EntityID] = entity
		}
		for name, value := range payload.Fields {
			entity.Value[name] = value
		}
		entity.Version = payload.Version
		s.finishEntity(entity, event)
		if payload.DependsOn != nil {
			rs.deps[payload.EntityID] = append([]string(nil), payload.DependsOn...)
		}
		return entity
	}
}

func (s *Service) finishEntity(entity *models.EntityState, event *models.CollaborationEvent) {
	entity.LastWriter = event.ParticipantID
	entity.LastEventID = event.ID
	entity.Clock = event.Clock.Clone()
	entity.UpdatedAt = event.Timestamp
}

// GetEntitySnapshot returns a copy of the entity's current state
func (s *Service) GetEntitySnapshot(roomID, entityID string) (*models.EntityState, error) {
	rs := s.room(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	entity, ok := rs.entities[entityID]
	if !ok {
		return nil, ErrEntityNotFound
	}
	return entity.Clone(), nil
}

// GetRoomSnapshot returns a consistent copy of all entity state in the
// room together with the log sequence it reflects
func (s *Service) GetRoomSnapshot(roomID string) *models.RoomSnapshot {
	rs := s.room(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	entities := make(map[string]*models.EntityState, len(rs.entities))
	for id, entity := range rs.entities {
		entities[id] = entity.Clone()
	}

	var edges []models.DependencyEdge
	for from, targets := range rs.deps {
		for _, to := range targets {
			edges = append(edges, models.DependencyEdge{FromEntityID: from, ToEntityID: to})
		}
	}

	return &models.RoomSnapshot{
		RoomID:       roomID,
		Entities:     entities,
		Dependencies: edges,
		Sequence:     s.log.CurrentSequence(roomID),
		TakenAt:      time.Now().UTC(),
	}
}

// ReplayRoom discards cached state and rebuilds it from the room's full
// event history
func (s *Service) ReplayRoom(ctx context.Context, roomID string) error {
	events, err := s.log.GetSince(ctx, roomID, 0)
	if err != nil {
		return errors.Wrap(err, "replay room")
	}

	rs := s.room(roomID)
	rs.mu.Lock()
	defer rs.mu.Unlock()

	rs.entities = make(map[string]*models.EntityState)
	rs.deps = make(map[string][]string)
	for _, event := range events {
		var payload entityEventPayload
		if len(event.Payload) > 0 {
			if err := json.Unmarshal(event.Payload, &payload); err != nil {
				return errors.Wrapf(err, "replay event %s", event.ID)
			}
		}
		switch event.Type {
		case models.EventEntityUpsert, models.EventEntityDelete, models.EventEntityReorder, models.EventConflictResolution:
			s.applyEventLocked(rs, event, &payload)
		}
	}
	return nil
}

// PendingConflicts exposes the room's conflicts awaiting manual resolution
func (s *Service) PendingConflicts(roomID string) []*models.DataConflict {
	return s.conflicts.PendingConflicts(roomID)
}

// DropRoom tears down the room's cached state
func (s *Service) DropRoom(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
	s.conflicts.DropRoom(roomID)
}

func dependsOnField(fields map[string]interface{}) ([]string, bool) {
	raw, ok := fields["dependsOn"]
	if !ok {
		return nil, false
	}
	switch typed := raw.(type) {
	case []string:
		return typed, true
	case []interface{}:
		out := make([]string, 0, len(typed))
		for _, item := range typed {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	}
	return nil, false
}

func removeString(items []string, target string) []string {
	out := items[:0]
	for _, item := range items {
		if item != target {
			out = append(out, item)
		}
	}
	return out
}

func cloneValue(value map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(value))
	for name, v := range value {
		out[name] = v
	}
	return out
}
