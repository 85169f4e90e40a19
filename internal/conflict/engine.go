// Package conflict detects concurrent writes to the same entity and
// resolves them under a per-entity-type strategy. Detection is vector
// clock comparison; resolution produces a deterministic merged value so
// every node converges without coordination.
package conflict

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/vowsync/collab-core/pkg/models"
	"github.com/vowsync/collab-core/pkg/observability"
)

// Engine errors
var (
	// ErrEntityLocked is returned while an entity awaits manual resolution
	ErrEntityLocked = errors.New("entity locked pending manual resolution")
	// ErrUnknownConflict is returned for conflict IDs with no pending state
	ErrUnknownConflict = errors.New("unknown conflict")
	// ErrUnknownWinner is returned when a manual resolution names an
	// operation that is not among the competing ones
	ErrUnknownWinner = errors.New("winning operation not part of conflict")
)

// Verdict classifies an incoming operation against current entity state
type Verdict int

const (
	// VerdictApply means the operation can be applied directly
	VerdictApply Verdict = iota
	// VerdictStale means the operation causally precedes current state and
	// must be rejected
	VerdictStale
	// VerdictConflict means the operation is concurrent with current state
	// and needs resolution
	VerdictConflict
)

// Config holds conflict resolution policy
type Config struct {
	// DefaultStrategy applies to entity types with no explicit entry
	DefaultStrategy models.ResolutionStrategy `mapstructure:"default_strategy"`
	// Strategies maps entity type to resolution strategy
	Strategies map[string]models.ResolutionStrategy `mapstructure:"strategies"`
	// RolePriority ranks participant roles for the priority strategy;
	// higher wins, unlisted roles rank zero
	RolePriority map[string]int `mapstructure:"role_priority"`
}

// DefaultConfig returns the default conflict policy
func DefaultConfig() Config {
	return Config{
		DefaultStrategy: models.StrategyFieldMerge,
		RolePriority: map[string]int{
			"owner":  3,
			"editor": 2,
			"viewer": 1,
		},
	}
}

// Engine evaluates operations against entity state and resolves conflicts
type Engine struct {
	mu      sync.Mutex
	config  Config
	locks   map[string]string                 // roomID/entityID -> conflictID
	pending map[string]*models.DataConflict   // conflictID -> conflict
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewEngine creates a conflict engine
func NewEngine(config Config, logger observability.Logger, metrics observability.MetricsClient) *Engine {
	if config.DefaultStrategy == "" {
		config.DefaultStrategy = models.StrategyFieldMerge
	}
	if config.RolePriority == nil {
		config.RolePriority = DefaultConfig().RolePriority
	}
	return &Engine{
		config:  config,
		locks:   make(map[string]string),
		pending: make(map[string]*models.DataConflict),
		logger:  logger.WithPrefix("conflict"),
		metrics: metrics,
	}
}

// StrategyFor returns the resolution strategy configured for the entity type
func (e *Engine) StrategyFor(entityType string) models.ResolutionStrategy {
	if strategy, ok := e.config.Strategies[entityType]; ok {
		return strategy
	}
	return e.config.DefaultStrategy
}

func lockKey(roomID, entityID string) string {
	return roomID + "/" + entityID
}

// IsLocked reports whether the entity awaits manual resolution
func (e *Engine) IsLocked(roomID, entityID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, locked := e.locks[lockKey(roomID, entityID)]
	return locked
}

// Evaluate classifies an operation against the entity's current state.
// A matching base version applies cleanly. A clock that causally precedes
// current state is stale. Anything concurrent is a conflict.
func (e *Engine) Evaluate(current *models.EntityState, op *models.Operation) (Verdict, error) {
	if e.IsLocked(op.RoomID, op.EntityID) {
		return VerdictStale, ErrEntityLocked
	}
	if current == nil {
		return VerdictApply, nil
	}
	if op.BaseVersion == current.Version {
		return VerdictApply, nil
	}
	if op.Clock.HappensBefore(current.Clock) {
		return VerdictStale, nil
	}
	if current.Clock.HappensBefore(op.Clock) {
		// The writer observed current state before writing
		return VerdictApply, nil
	}
	return VerdictConflict, nil
}

// NewConflict builds a conflict record between current state and the
// concurrent incoming operation
func (e *Engine) NewConflict(current *models.EntityState, op *models.Operation) *models.DataConflict {
	competing := make([]models.Operation, 0, 2)
	if current != nil {
		competing = append(competing, models.Operation{
			ID:            current.LastEventID,
			RoomID:        op.RoomID,
			EntityID:      current.EntityID,
			EntityType:    current.EntityType,
			ParticipantID: current.LastWriter,
			Type:          models.OpUpsert,
			Fields:        current.Clone().Value,
			Clock:         current.Clock.Clone(),
			Timestamp:     current.UpdatedAt,
		})
	}
	competing = append(competing, *op)

	return &models.DataConflict{
		ID:         uuid.New().String(),
		RoomID:     op.RoomID,
		EntityID:   op.EntityID,
		EntityType: op.EntityType,
		Competing:  competing,
		DetectedAt: time.Now().UTC(),
		Strategy:   e.StrategyFor(op.EntityType),
	}
}

// Resolve applies the conflict's strategy and returns the resolution.
// A strategy that cannot produce a result falls back to manual, locking
// the entity rather than guessing.
func (e *Engine) Resolve(conflict *models.DataConflict, current *models.EntityState) (*models.Resolution, error) {
	var (
		resolution *models.Resolution
		err        error
	)
	switch conflict.Strategy {
	case models.StrategyLastWriterWins:
		resolution, err = e.resolveLastWriterWins(conflict, current)
	case models.StrategyPriority:
		resolution, err = e.resolvePriority(conflict, current)
	case models.StrategyManual:
		return e.deferToManual(conflict), nil
	case models.StrategyFieldMerge, "":
		resolution, err = e.resolveFieldMerge(conflict, current)
	default:
		err = errors.Errorf("unknown strategy %q", conflict.Strategy)
	}

	if err != nil {
		e.logger.Warn("automatic resolution failed, deferring to manual", map[string]interface{}{
			"conflict_id": conflict.ID,
			"entity_id":   conflict.EntityID,
			"strategy":    string(conflict.Strategy),
			"error":       err.Error(),
		})
		return e.deferToManual(conflict), nil
	}

	e.metrics.IncrementCounterWithLabels("conflicts_resolved", 1, map[string]string{
		"strategy": string(conflict.Strategy),
	})
	return resolution, nil
}

// deferToManual locks the entity and records the conflict for a later
// ResolveManual call
func (e *Engine) deferToManual(conflict *models.DataConflict) *models.Resolution {
	e.mu.Lock()
	e.locks[lockKey(conflict.RoomID, conflict.EntityID)] = conflict.ID
	e.pending[conflict.ID] = conflict
	e.mu.Unlock()

	e.metrics.IncrementCounter("conflicts_pending_manual", 1)
	return &models.Resolution{
		ConflictID: conflict.ID,
		EntityID:   conflict.EntityID,
		Strategy:   models.StrategyManual,
		Pending:    true,
	}
}

// ResolveManual completes a deferred conflict by naming the winning
// operation and unlocks the entity
func (e *Engine) ResolveManual(conflictID, winnerOpID, resolvedBy string) (*models.Resolution, error) {
	e.mu.Lock()
	conflict, ok := e.pending[conflictID]
	if !ok {
		e.mu.Unlock()
		return nil, ErrUnknownConflict
	}

	var winner *models.Operation
	discarded := make([]string, 0, len(conflict.Competing)-1)
	for i := range conflict.Competing {
		if conflict.Competing[i].ID == winnerOpID {
			winner = &conflict.Competing[i]
		} else {
			discarded = append(discarded, conflict.Competing[i].ID)
		}
	}
	if winner == nil {
		e.mu.Unlock()
		return nil, ErrUnknownWinner
	}

	delete(e.pending, conflictID)
	delete(e.locks, lockKey(conflict.RoomID, conflict.EntityID))
	e.mu.Unlock()

	e.metrics.IncrementCounterWithLabels("conflicts_resolved", 1, map[string]string{
		"strategy": string(models.StrategyManual),
	})
	return &models.Resolution{
		ConflictID:   conflictID,
		EntityID:     conflict.EntityID,
		Strategy:     models.StrategyManual,
		WinnerOpID:   winner.ID,
		DiscardedIDs: discarded,
		MergedValue:  winner.Fields,
		ResolvedBy:   resolvedBy,
		ResolvedAt:   time.Now().UTC(),
	}, nil
}

// PendingConflicts returns the room's conflicts awaiting manual resolution
func (e *Engine) PendingConflicts(roomID string) []*models.DataConflict {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []*models.DataConflict
	for _, conflict := range e.pending {
		if conflict.RoomID == roomID {
			out = append(out, conflict)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out
}

// DropRoom discards pending conflicts and locks for a torn-down room
func (e *Engine) DropRoom(roomID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, conflict := range e.pending {
		if conflict.RoomID == roomID {
			delete(e.pending, id)
			delete(e.locks, lockKey(roomID, conflict.EntityID))
		}
	}
}

// ordered returns the competing operations sorted oldest first, with the
// operation ID as a deterministic tie break
func ordered(conflict *models.DataConflict) ([]models.Operation, error) {
	if len(conflict.Competing) == 0 {
		return nil, errors.New("conflict has no competing operations")
	}
	ops := make([]models.Operation, len(conflict.Competing))
	copy(ops, conflict.Competing)
	sort.Slice(ops, func(i, j int) bool {
		if !ops[i].Timestamp.Equal(ops[j].Timestamp) {
			return ops[i].Timestamp.Before(ops[j].Timestamp)
		}
		return ops[i].ID < ops[j].ID
	})
	return ops, nil
}

func baseValue(current *models.EntityState) map[string]interface{} {
	if current == nil {
		return make(map[string]interface{})
	}
	return current.Clone().Value
}

// resolveLastWriterWins keeps the newest operation whole and discards the
// rest
func (e *Engine) resolveLastWriterWins(conflict *models.DataConflict, current *models.EntityState) (*models.Resolution, error) {
	ops, err := ordered(conflict)
	if err != nil {
		return nil, err
	}
	winner := ops[len(ops)-1]

	merged := baseValue(current)
	for name, value := range winner.Fields {
		merged[name] = value
	}

	discarded := make([]string, 0, len(ops)-1)
	for _, op := range ops[:len(ops)-1] {
		discarded = append(discarded, op.ID)
	}

	return &models.Resolution{
		ConflictID:   conflict.ID,
		EntityID:     conflict.EntityID,
		Strategy:     models.StrategyLastWriterWins,
		WinnerOpID:   winner.ID,
		DiscardedIDs: discarded,
		MergedValue:  merged,
		ResolvedAt:   time.Now().UTC(),
	}, nil
}

// resolveFieldMerge keeps every non-overlapping field write; overlapping
// fields fall back to the newest writer. Applying the operations oldest
// first gives exactly that.
func (e *Engine) resolveFieldMerge(conflict *models.DataConflict, current *models.EntityState) (*models.Resolution, error) {
	ops, err := ordered(conflict)
	if err != nil {
		return nil, err
	}

	merged := baseValue(current)
	for _, op := range ops {
		if op.Type == models.OpDelete {
			return nil, errors.New("field merge cannot reconcile a delete")
		}
		for name, value := range op.Fields {
			merged[name] = value
		}
	}

	winner := ops[len(ops)-1]
	return &models.Resolution{
		ConflictID:  conflict.ID,
		EntityID:    conflict.EntityID,
		Strategy:    models.StrategyFieldMerge,
		WinnerOpID:  winner.ID,
		MergedValue: merged,
		ResolvedAt:  time.Now().UTC(),
	}, nil
}

// resolvePriority keeps the operation from the highest-ranked role; ties
// fall back to last writer wins among the tied operations
func (e *Engine) resolvePriority(conflict *models.DataConflict, current *models.EntityState) (*models.Resolution, error) {
	ops, err := ordered(conflict)
	if err != nil {
		return nil, err
	}

	best := -1
	for _, op := range ops {
		if rank := e.config.RolePriority[op.ParticipantRole]; rank > best {
			best = rank
		}
	}

	var winner models.Operation
	discarded := make([]string, 0, len(ops)-1)
	for _, op := range ops {
		if e.config.RolePriority[op.ParticipantRole] == best {
			// ops are oldest first, so the last match is the newest
			if winner.ID != "" {
				discarded = append(discarded, winner.ID)
			}
			winner = op
		} else {
			discarded = append(discarded, op.ID)
		}
	}

	merged := baseValue(current)
	for name, value := range winner.Fields {
		merged[name] = value
	}

	return &models.Resolution{
		ConflictID:   conflict.ID,
		EntityID:     conflict.EntityID,
		Strategy:     models.StrategyPriority,
		WinnerOpID:   winner.ID,
		DiscardedIDs: discarded,
		MergedValue:  merged,
		ResolvedAt:   time.Now().UTC(),
	}, nil
}
