package sync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"

	"github.com/vowsync/collab-core/internal/conflict"
	"github.com/vowsync/collab-core/internal/eventlog"
	"github.com/vowsync/collab-core/pkg/collaboration/crdt"
	"github.com/vowsync/collab-core/pkg/models"
	"github.com/vowsync/collab-core/pkg/observability"
)

func newTestService(conflictConfig conflict.Config, validator EntityValidator) *Service {
	logger := observability.NewNoopLogger()
	metrics := observability.NewNoOpMetricsClient()
	log := eventlog.New(nil, eventlog.DefaultConfig(), logger, metrics)
	engine := conflict.NewEngine(conflictConfig, logger, metrics)
	return NewService(log, engine, validator, DefaultConfig(), logger, metrics)
}

func upsertOp(id, participant, entityID string, baseVersion uint64, clock crdt.VectorClock, fields map[string]interface{}) *models.Operation {
	return &models.Operation{
		ID:            id,
		RoomID:        "room-1",
		EntityID:      entityID,
		EntityType:    "task",
		ParticipantID: participant,
		Type:          models.OpUpsert,
		Fields:        fields,
		BaseVersion:   baseVersion,
		Clock:         clock,
	}
}

func TestApplyCreatesEntity(t *testing.T) {
	s := newTestService(conflict.DefaultConfig(), nil)

	result, err := s.ApplyOperation(context.Background(), upsertOp("op-1", "alice", "task-1", 0, nil,
		map[string]interface{}{"title": "write report", "status": "open"}))
	require.NoError(t, err)

	assert.Equal(t, StatusApplied, result.Status)
	require.NotNil(t, result.Entity)
	assert.Equal(t, uint64(1), result.Entity.Version)
	assert.Equal(t, "alice", result.Entity.LastWriter)
	assert.Equal(t, "open", result.Entity.Value["status"])

	require.NotNil(t, result.Event)
	assert.Equal(t, uint64(1), result.Event.Sequence)
	assert.Equal(t, models.EventEntityUpsert, result.Event.Type)
}

func TestSequentialUpdatesAdvanceVersion(t *testing.T) {
	s := newTestService(conflict.DefaultConfig(), nil)
	ctx := context.Background()

	r1, err := s.ApplyOperation(ctx, upsertOp("op-1", "alice", "task-1", 0, nil,
		map[string]interface{}{"status": "open"}))
	require.NoError(t, err)

	r2, err := s.ApplyOperation(ctx, upsertOp("op-2", "alice", "task-1", r1.Entity.Version, r1.Entity.Clock,
		map[string]interface{}{"status": "done"}))
	require.NoError(t, err)

	assert.Equal(t, StatusApplied, r2.Status)
	assert.Equal(t, uint64(2), r2.Entity.Version)
	assert.Equal(t, "done", r2.Entity.Value["status"])
}

func TestConcurrentWritesFieldMerge(t *testing.T) {
	s := newTestService(conflict.DefaultConfig(), nil)
	ctx := context.Background()

	base, err := s.ApplyOperation(ctx, upsertOp("op-1", "alice", "task-1", 0, nil,
		map[string]interface{}{"title": "write report", "status": "open"}))
	require.NoError(t, err)

	// Alice writes on top of the base version
	r2, err := s.ApplyOperation(ctx, upsertOp("op-2", "alice", "task-1", base.Entity.Version, base.Entity.Clock,
		map[string]interface{}{"status": "done"}))
	require.NoError(t, err)
	require.Equal(t, StatusApplied, r2.Status)

	// Bob writes concurrently from the same base, unaware of alice's update
	r3, err := s.ApplyOperation(ctx, upsertOp("op-3", "bob", "task-1", base.Entity.Version, crdt.VectorClock{"bob": 1},
		map[string]interface{}{"assignee": "bob"}))
	require.NoError(t, err)

	assert.Equal(t, StatusMerged, r3.Status)
	require.NotNil(t, r3.Resolution)
	assert.Equal(t, models.StrategyFieldMerge, r3.Resolution.Strategy)

	// Both field writes survive on the next version
	assert.Equal(t, uint64(3), r3.Entity.Version)
	assert.Equal(t, "done", r3.Entity.Value["status"])
	assert.Equal(t, "bob", r3.Entity.Value["assignee"])
	assert.Equal(t, "write report", r3.Entity.Value["title"])
	assert.Equal(t, models.EventConflictResolution, r3.Event.Type)
}

func TestStaleOperationRejected(t *testing.T) {
	s := newTestService(conflict.DefaultConfig(), nil)
	ctx := context.Background()

	r1, err := s.ApplyOperation(ctx, upsertOp("op-1", "alice", "task-1", 0, nil,
		map[string]interface{}{"status": "open"}))
	require.NoError(t, err)
	r2, err := s.ApplyOperation(ctx, upsertOp("op-2", "alice", "task-1", r1.Entity.Version, r1.Entity.Clock,
		map[string]interface{}{"status": "done"}))
	require.NoError(t, err)

	// An operation whose clock causally precedes current state is rejected
	stale, err := s.ApplyOperation(ctx, upsertOp("op-3", "alice", "task-1", 0, r1.Entity.Clock,
		map[string]interface{}{"status": "reopened"}))
	require.NoError(t, err)

	assert.Equal(t, StatusStale, stale.Status)
	require.NotNil(t, stale.Entity)
	// The caller gets current state to rebase on
	assert.Equal(t, r2.Entity.Version, stale.Entity.Version)
	assert.Equal(t, "done", stale.Entity.Value["status"])
}

func TestIdempotentResubmission(t *testing.T) {
	s := newTestService(conflict.DefaultConfig(), nil)
	ctx := context.Background()

	op := upsertOp("op-1", "alice", "task-1", 0, nil, map[string]interface{}{"status": "open"})
	op.IdempotencyKey = "key-1"

	first, err := s.ApplyOperation(ctx, op)
	require.NoError(t, err)

	second, err := s.ApplyOperation(ctx, op)
	require.NoError(t, err)

	// The duplicate returns the original outcome without a second apply
	assert.Same(t, first, second)
	assert.Equal(t, uint64(1), s.GetRoomSnapshot("room-1").Sequence)
	entity, err := s.GetEntitySnapshot("room-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), entity.Version)
}

func TestDeleteRemovesEntityAndDependencies(t *testing.T) {
	s := newTestService(conflict.DefaultConfig(), nil)
	ctx := context.Background()

	_, err := s.ApplyOperation(ctx, upsertOp("op-1", "alice", "task-1", 0, nil,
		map[string]interface{}{"status": "open"}))
	require.NoError(t, err)
	r2, err := s.ApplyOperation(ctx, upsertOp("op-2", "alice", "task-2", 0, nil,
		map[string]interface{}{"status": "open", "dependsOn": []string{"task-1"}}))
	require.NoError(t, err)

	snapshot := s.GetRoomSnapshot("room-1")
	require.Len(t, snapshot.Dependencies, 1)
	assert.Equal(t, "task-2", snapshot.Dependencies[0].FromEntityID)
	assert.Equal(t, "task-1", snapshot.Dependencies[0].ToEntityID)

	del := &models.Operation{
		ID: "op-3", RoomID: "room-1", EntityID: "task-1", EntityType: "task",
		ParticipantID: "alice", Type: models.OpDelete,
		BaseVersion: 1, Clock: r2.Entity.Clock,
	}
	result, err := s.ApplyOperation(ctx, del)
	require.NoError(t, err)
	assert.Equal(t, StatusApplied, result.Status)
	assert.Nil(t, result.Entity)
	assert.Equal(t, models.EventEntityDelete, result.Event.Type)

	_, err = s.GetEntitySnapshot("room-1", "task-1")
	assert.ErrorIs(t, err, ErrEntityNotFound)
	// The edge pointing at the deleted entity is gone too
	assert.Empty(t, s.GetRoomSnapshot("room-1").Dependencies)
}

func TestReorderUpdatesOrderField(t *testing.T) {
	s := newTestService(conflict.DefaultConfig(), nil)
	ctx := context.Background()

	r1, err := s.ApplyOperation(ctx, upsertOp("op-1", "alice", "task-1", 0, nil,
		map[string]interface{}{"status": "open", models.OrderField: 1.0}))
	require.NoError(t, err)

	reorder := &models.Operation{
		ID: "op-2", RoomID: "room-1", EntityID: "task-1", EntityType: "task",
		ParticipantID: "bob", Type: models.OpReorder,
		Fields:      map[string]interface{}{models.OrderField: 2.5},
		BaseVersion: r1.Entity.Version, Clock: r1.Entity.Clock,
	}
	result, err := s.ApplyOperation(ctx, reorder)
	require.NoError(t, err)

	assert.Equal(t, StatusApplied, result.Status)
	assert.Equal(t, models.EventEntityReorder, result.Event.Type)
	assert.Equal(t, 2.5, result.Entity.Value[models.OrderField])
	// Other fields are untouched
	assert.Equal(t, "open", result.Entity.Value["status"])
}

func TestConcurrentReordersConverge(t *testing.T) {
	s := newTestService(conflict.DefaultConfig(), nil)
	ctx := context.Background()

	base, err := s.ApplyOperation(ctx, upsertOp("op-1", "alice", "task-1", 0, nil,
		map[string]interface{}{"title": "write report", models.OrderField: 1.0}))
	require.NoError(t, err)

	reorder := func(id, participant string, order float64, clock crdt.VectorClock) *models.Operation {
		op := upsertOp(id, participant, "task-1", base.Entity.Version, clock,
			map[string]interface{}{models.OrderField: order})
		op.Type = models.OpReorder
		return op
	}

	first, err := s.ApplyOperation(ctx, reorder("op-2", "alice", 2.0, base.Entity.Clock))
	require.NoError(t, err)
	require.Equal(t, StatusApplied, first.Status)

	// Bob moved the same item against the same base before seeing alice's
	// move; the overlapping order field converges on the newest write
	second := reorder("op-3", "bob", 3.0, crdt.VectorClock{"bob": 1})
	second.Timestamp = time.Now().Add(time.Second)
	result, err := s.ApplyOperation(ctx, second)
	require.NoError(t, err)
	require.Equal(t, StatusMerged, result.Status)

	assert.Equal(t, 3.0, result.Entity.Value[models.OrderField])
	assert.Equal(t, "write report", result.Entity.Value["title"])
	assert.Equal(t, uint64(3), result.Entity.Version)

	// Exactly one resolution event in the log
	events, err := s.log.GetSince(ctx, "room-1", 0)
	require.NoError(t, err)
	var resolutions int
	for _, event := range events {
		if event.Type == models.EventConflictResolution {
			resolutions++
		}
	}
	assert.Equal(t, 1, resolutions)
}

func TestReplayRebuildsIdenticalState(t *testing.T) {
	s := newTestService(conflict.DefaultConfig(), nil)
	ctx := context.Background()

	base, err := s.ApplyOperation(ctx, upsertOp("op-1", "alice", "task-1", 0, nil,
		map[string]interface{}{"title": "write report", "status": "open"}))
	require.NoError(t, err)
	_, err = s.ApplyOperation(ctx, upsertOp("op-2", "alice", "task-1", base.Entity.Version, base.Entity.Clock,
		map[string]interface{}{"status": "done"}))
	require.NoError(t, err)
	// A concurrent write that gets field merged
	_, err = s.ApplyOperation(ctx, upsertOp("op-3", "bob", "task-1", base.Entity.Version, crdt.VectorClock{"bob": 1},
		map[string]interface{}{"assignee": "bob"}))
	require.NoError(t, err)
	_, err = s.ApplyOperation(ctx, upsertOp("op-4", "carol", "task-2", 0, nil,
		map[string]interface{}{"status": "open", "dependsOn": []string{"task-1"}}))
	require.NoError(t, err)

	before := s.GetRoomSnapshot("room-1")

	require.NoError(t, s.ReplayRoom(ctx, "room-1"))
	after := s.GetRoomSnapshot("room-1")

	// Replaying the log from zero reproduces live state exactly
	assert.Equal(t, before.Entities, after.Entities)
	assert.ElementsMatch(t, before.Dependencies, after.Dependencies)
	assert.Equal(t, before.Sequence, after.Sequence)
}

func TestManualConflictLocksEntity(t *testing.T) {
	config := conflict.DefaultConfig()
	config.Strategies = map[string]models.ResolutionStrategy{"task": models.StrategyManual}
	s := newTestService(config, nil)
	ctx := context.Background()

	base, err := s.ApplyOperation(ctx, upsertOp("op-1", "alice", "task-1", 0, nil,
		map[string]interface{}{"status": "open"}))
	require.NoError(t, err)
	_, err = s.ApplyOperation(ctx, upsertOp("op-2", "alice", "task-1", base.Entity.Version, base.Entity.Clock,
		map[string]interface{}{"status": "done"}))
	require.NoError(t, err)

	pending, err := s.ApplyOperation(ctx, upsertOp("op-3", "bob", "task-1", base.Entity.Version, crdt.VectorClock{"bob": 1},
		map[string]interface{}{"status": "blocked"}))
	require.NoError(t, err)
	assert.Equal(t, StatusPendingManual, pending.Status)
	require.NotNil(t, pending.Resolution)
	assert.True(t, pending.Resolution.Pending)

	// The locked entity rejects further writes until resolved
	_, err = s.ApplyOperation(ctx, upsertOp("op-4", "carol", "task-1", 2, nil,
		map[string]interface{}{"status": "review"}))
	assert.ErrorIs(t, err, ErrEntityLocked)

	conflicts := s.PendingConflicts("room-1")
	require.Len(t, conflicts, 1)

	resolved, err := s.ResolveManual(ctx, "room-1", pending.Resolution.ConflictID, "op-3", "carol")
	require.NoError(t, err)
	assert.Equal(t, StatusMerged, resolved.Status)
	assert.Equal(t, "blocked", resolved.Entity.Value["status"])
	assert.Equal(t, uint64(3), resolved.Entity.Version)

	// Unlocked again
	_, err = s.ApplyOperation(ctx, upsertOp("op-5", "carol", "task-1", resolved.Entity.Version, resolved.Entity.Clock,
		map[string]interface{}{"status": "review"}))
	assert.NoError(t, err)
}

type rejectingValidator struct{}

func (rejectingValidator) Validate(op *models.Operation) error {
	if _, ok := op.Fields["title"]; !ok {
		return errors.New("title is required")
	}
	return nil
}

func TestValidatorRejectsBeforeApply(t *testing.T) {
	s := newTestService(conflict.DefaultConfig(), rejectingValidator{})

	_, err := s.ApplyOperation(context.Background(), upsertOp("op-1", "alice", "task-1", 0, nil,
		map[string]interface{}{"status": "open"}))
	assert.ErrorIs(t, err, ErrValidationFailed)

	// Nothing was appended or cached
	assert.Equal(t, uint64(0), s.GetRoomSnapshot("room-1").Sequence)
	_, err = s.GetEntitySnapshot("room-1", "task-1")
	assert.ErrorIs(t, err, ErrEntityNotFound)
}

func TestConcurrentIdempotentSubmissionsApplyOnce(t *testing.T) {
	s := newTestService(conflict.DefaultConfig(), nil)
	ctx := context.Background()

	makeOp := func() *models.Operation {
		op := upsertOp("op-1", "alice", "task-1", 0, nil,
			map[string]interface{}{"status": "open"})
		op.IdempotencyKey = "key-1"
		return op
	}

	var wg sync.WaitGroup
	results := make([]*Result, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.ApplyOperation(ctx, makeOp())
		}(i)
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	// The racing resubmission observed the cached result, not a second apply
	events, err := s.log.GetSince(ctx, "room-1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, results[0].Event.Sequence, results[1].Event.Sequence)
	assert.Equal(t, uint64(1), s.GetRoomSnapshot("room-1").Sequence)
}

type spanRecorder struct {
	mu    sync.Mutex
	names []string
	ended int
	errs  []error
}

type recordedSpan struct{ rec *spanRecorder }

func (s recordedSpan) End() {
	s.rec.mu.Lock()
	s.rec.ended++
	s.rec.mu.Unlock()
}

func (s recordedSpan) SetAttribute(key string, value interface{}) {}

func (s recordedSpan) RecordError(err error) {
	s.rec.mu.Lock()
	s.rec.errs = append(s.rec.errs, err)
	s.rec.mu.Unlock()
}

func TestApplyOperationTraced(t *testing.T) {
	s := newTestService(conflict.DefaultConfig(), nil)
	rec := &spanRecorder{}
	s.SetSpanStarter(func(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, observability.Span) {
		rec.mu.Lock()
		rec.names = append(rec.names, name)
		rec.mu.Unlock()
		return ctx, recordedSpan{rec: rec}
	})

	_, err := s.ApplyOperation(context.Background(), upsertOp("op-1", "alice", "task-1", 0, nil,
		map[string]interface{}{"status": "open"}))
	require.NoError(t, err)

	assert.Equal(t, []string{"sync.ApplyOperation"}, rec.names)
	assert.Equal(t, 1, rec.ended)
	assert.Empty(t, rec.errs)
}

func TestDropRoomDiscardsState(t *testing.T) {
	s := newTestService(conflict.DefaultConfig(), nil)
	ctx := context.Background()

	_, err := s.ApplyOperation(ctx, upsertOp("op-1", "alice", "task-1", 0, nil,
		map[string]interface{}{"status": "open"}))
	require.NoError(t, err)

	s.DropRoom("room-1")
	_, err = s.GetEntitySnapshot("room-1", "task-1")
	assert.ErrorIs(t, err, ErrEntityNotFound)
}
