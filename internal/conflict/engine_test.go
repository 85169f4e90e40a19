package conflict

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vowsync/collab-core/pkg/collaboration/crdt"
	"github.com/vowsync/collab-core/pkg/models"
	"github.com/vowsync/collab-core/pkg/observability"
)

func newTestEngine(config Config) *Engine {
	return NewEngine(config, observability.NewNoopLogger(), observability.NewNoOpMetricsClient())
}

func taskState(version uint64, clock crdt.VectorClock) *models.EntityState {
	return &models.EntityState{
		EntityID:    "task-1",
		EntityType:  "task",
		Value:       map[string]interface{}{"title": "write report", "status": "open"},
		Version:     version,
		LastWriter:  "alice",
		LastEventID: "event-base",
		Clock:       clock,
		UpdatedAt:   time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC),
	}
}

func TestEvaluate(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	current := taskState(3, crdt.VectorClock{"alice": 3})

	t.Run("new entity applies", func(t *testing.T) {
		verdict, err := e.Evaluate(nil, &models.Operation{RoomID: "room-1", EntityID: "task-9"})
		require.NoError(t, err)
		assert.Equal(t, VerdictApply, verdict)
	})

	t.Run("matching base version applies", func(t *testing.T) {
		op := &models.Operation{RoomID: "room-1", EntityID: "task-1", BaseVersion: 3}
		verdict, err := e.Evaluate(current, op)
		require.NoError(t, err)
		assert.Equal(t, VerdictApply, verdict)
	})

	t.Run("causally later clock applies", func(t *testing.T) {
		op := &models.Operation{
			RoomID: "room-1", EntityID: "task-1", BaseVersion: 2,
			Clock: crdt.VectorClock{"alice": 3, "bob": 1},
		}
		verdict, err := e.Evaluate(current, op)
		require.NoError(t, err)
		assert.Equal(t, VerdictApply, verdict)
	})

	t.Run("causally earlier clock is stale", func(t *testing.T) {
		op := &models.Operation{
			RoomID: "room-1", EntityID: "task-1", BaseVersion: 1,
			Clock: crdt.VectorClock{"alice": 2},
		}
		verdict, err := e.Evaluate(current, op)
		require.NoError(t, err)
		assert.Equal(t, VerdictStale, verdict)
	})

	t.Run("concurrent clock conflicts", func(t *testing.T) {
		op := &models.Operation{
			RoomID: "room-1", EntityID: "task-1", BaseVersion: 2,
			Clock: crdt.VectorClock{"alice": 2, "bob": 1},
		}
		verdict, err := e.Evaluate(current, op)
		require.NoError(t, err)
		assert.Equal(t, VerdictConflict, verdict)
	})

	t.Run("locked entity is rejected", func(t *testing.T) {
		op := &models.Operation{RoomID: "room-1", EntityID: "task-1", EntityType: "task", BaseVersion: 3}
		conflict := e.NewConflict(current, op)
		conflict.Strategy = models.StrategyManual
		_, err := e.Resolve(conflict, current)
		require.NoError(t, err)

		_, err = e.Evaluate(current, op)
		assert.ErrorIs(t, err, ErrEntityLocked)
	})
}

func TestResolveFieldMerge(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	current := taskState(3, crdt.VectorClock{"alice": 3})

	conflict := &models.DataConflict{
		ID: "conflict-1", RoomID: "room-1", EntityID: "task-1", EntityType: "task",
		Strategy: models.StrategyFieldMerge,
		Competing: []models.Operation{
			{
				ID: "op-a", ParticipantID: "alice", Type: models.OpUpsert,
				Fields:    map[string]interface{}{"status": "done"},
				Timestamp: time.Date(2026, 8, 30, 10, 0, 1, 0, time.UTC),
			},
			{
				ID: "op-b", ParticipantID: "bob", Type: models.OpUpsert,
				Fields:    map[string]interface{}{"assignee": "bob"},
				Timestamp: time.Date(2026, 8, 30, 10, 0, 2, 0, time.UTC),
			},
		},
	}

	resolution, err := e.Resolve(conflict, current)
	require.NoError(t, err)
	assert.False(t, resolution.Pending)

	// Non-overlapping writes both survive; untouched fields carry over
	assert.Equal(t, "done", resolution.MergedValue["status"])
	assert.Equal(t, "bob", resolution.MergedValue["assignee"])
	assert.Equal(t, "write report", resolution.MergedValue["title"])
}

func TestResolveFieldMergeOverlapNewestWins(t *testing.T) {
	e := newTestEngine(DefaultConfig())

	conflict := &models.DataConflict{
		ID: "conflict-1", RoomID: "room-1", EntityID: "task-1", EntityType: "task",
		Strategy: models.StrategyFieldMerge,
		Competing: []models.Operation{
			{
				ID: "op-a", Type: models.OpUpsert,
				Fields:    map[string]interface{}{"status": "blocked"},
				Timestamp: time.Date(2026, 8, 30, 10, 0, 2, 0, time.UTC),
			},
			{
				ID: "op-b", Type: models.OpUpsert,
				Fields:    map[string]interface{}{"status": "done"},
				Timestamp: time.Date(2026, 8, 30, 10, 0, 1, 0, time.UTC),
			},
		},
	}

	resolution, err := e.Resolve(conflict, nil)
	require.NoError(t, err)
	assert.Equal(t, "blocked", resolution.MergedValue["status"])
	assert.Equal(t, "op-a", resolution.WinnerOpID)
}

func TestResolveLastWriterWins(t *testing.T) {
	config := DefaultConfig()
	config.Strategies = map[string]models.ResolutionStrategy{"task": models.StrategyLastWriterWins}
	e := newTestEngine(config)

	conflict := &models.DataConflict{
		ID: "conflict-1", RoomID: "room-1", EntityID: "task-1", EntityType: "task",
		Strategy: e.StrategyFor("task"),
		Competing: []models.Operation{
			{
				ID: "op-a", Type: models.OpUpsert,
				Fields:    map[string]interface{}{"status": "done", "assignee": "alice"},
				Timestamp: time.Date(2026, 8, 30, 10, 0, 1, 0, time.UTC),
			},
			{
				ID: "op-b", Type: models.OpUpsert,
				Fields:    map[string]interface{}{"status": "blocked"},
				Timestamp: time.Date(2026, 8, 30, 10, 0, 2, 0, time.UTC),
			},
		},
	}

	resolution, err := e.Resolve(conflict, nil)
	require.NoError(t, err)
	assert.Equal(t, "op-b", resolution.WinnerOpID)
	assert.Equal(t, []string{"op-a"}, resolution.DiscardedIDs)
	assert.Equal(t, "blocked", resolution.MergedValue["status"])
	// The loser's writes are discarded whole
	assert.NotContains(t, resolution.MergedValue, "assignee")
}

func TestResolvePriority(t *testing.T) {
	config := DefaultConfig()
	config.Strategies = map[string]models.ResolutionStrategy{"task": models.StrategyPriority}
	e := newTestEngine(config)

	conflict := &models.DataConflict{
		ID: "conflict-1", RoomID: "room-1", EntityID: "task-1", EntityType: "task",
		Strategy: models.StrategyPriority,
		Competing: []models.Operation{
			{
				ID: "op-editor", ParticipantRole: "editor", Type: models.OpUpsert,
				Fields:    map[string]interface{}{"status": "blocked"},
				Timestamp: time.Date(2026, 8, 30, 10, 0, 2, 0, time.UTC),
			},
			{
				ID: "op-owner", ParticipantRole: "owner", Type: models.OpUpsert,
				Fields:    map[string]interface{}{"status": "done"},
				Timestamp: time.Date(2026, 8, 30, 10, 0, 1, 0, time.UTC),
			},
		},
	}

	resolution, err := e.Resolve(conflict, nil)
	require.NoError(t, err)
	assert.Equal(t, "op-owner", resolution.WinnerOpID)
	assert.Equal(t, "done", resolution.MergedValue["status"])
	assert.Equal(t, []string{"op-editor"}, resolution.DiscardedIDs)
}

func TestResolvePriorityTieFallsToNewest(t *testing.T) {
	config := DefaultConfig()
	e := newTestEngine(config)

	conflict := &models.DataConflict{
		ID: "conflict-1", RoomID: "room-1", EntityID: "task-1", EntityType: "task",
		Strategy: models.StrategyPriority,
		Competing: []models.Operation{
			{
				ID: "op-a", ParticipantRole: "editor", Type: models.OpUpsert,
				Fields:    map[string]interface{}{"status": "done"},
				Timestamp: time.Date(2026, 8, 30, 10, 0, 1, 0, time.UTC),
			},
			{
				ID: "op-b", ParticipantRole: "editor", Type: models.OpUpsert,
				Fields:    map[string]interface{}{"status": "blocked"},
				Timestamp: time.Date(2026, 8, 30, 10, 0, 2, 0, time.UTC),
			},
		},
	}

	resolution, err := e.Resolve(conflict, nil)
	require.NoError(t, err)
	assert.Equal(t, "op-b", resolution.WinnerOpID)
	assert.Equal(t, []string{"op-a"}, resolution.DiscardedIDs)
}

func TestManualResolutionLifecycle(t *testing.T) {
	config := DefaultConfig()
	config.Strategies = map[string]models.ResolutionStrategy{"task": models.StrategyManual}
	e := newTestEngine(config)
	current := taskState(3, crdt.VectorClock{"alice": 3})

	op := &models.Operation{
		ID: "op-b", RoomID: "room-1", EntityID: "task-1", EntityType: "task",
		ParticipantID: "bob", Type: models.OpUpsert,
		Fields: map[string]interface{}{"status": "blocked"},
		Clock:  crdt.VectorClock{"alice": 2, "bob": 1},
	}
	conflict := e.NewConflict(current, op)
	assert.Equal(t, models.StrategyManual, conflict.Strategy)

	resolution, err := e.Resolve(conflict, current)
	require.NoError(t, err)
	assert.True(t, resolution.Pending)
	assert.True(t, e.IsLocked("room-1", "task-1"))
	require.Len(t, e.PendingConflicts("room-1"), 1)

	t.Run("unknown conflict id", func(t *testing.T) {
		_, err := e.ResolveManual("nope", "op-b", "carol")
		assert.ErrorIs(t, err, ErrUnknownConflict)
	})

	t.Run("unknown winner", func(t *testing.T) {
		_, err := e.ResolveManual(conflict.ID, "op-nope", "carol")
		assert.ErrorIs(t, err, ErrUnknownWinner)
	})

	resolved, err := e.ResolveManual(conflict.ID, "op-b", "carol")
	require.NoError(t, err)
	assert.False(t, resolved.Pending)
	assert.Equal(t, "op-b", resolved.WinnerOpID)
	assert.Equal(t, "carol", resolved.ResolvedBy)
	assert.Equal(t, "blocked", resolved.MergedValue["status"])
	assert.False(t, e.IsLocked("room-1", "task-1"))
	assert.Empty(t, e.PendingConflicts("room-1"))
}

func TestFieldMergeWithDeleteFallsBackToManual(t *testing.T) {
	e := newTestEngine(DefaultConfig())

	conflict := &models.DataConflict{
		ID: "conflict-1", RoomID: "room-1", EntityID: "task-1", EntityType: "task",
		Strategy: models.StrategyFieldMerge,
		Competing: []models.Operation{
			{ID: "op-a", Type: models.OpDelete, Timestamp: time.Date(2026, 8, 30, 10, 0, 1, 0, time.UTC)},
			{
				ID: "op-b", Type: models.OpUpsert,
				Fields:    map[string]interface{}{"status": "done"},
				Timestamp: time.Date(2026, 8, 30, 10, 0, 2, 0, time.UTC),
			},
		},
	}

	resolution, err := e.Resolve(conflict, nil)
	require.NoError(t, err)
	assert.True(t, resolution.Pending)
	assert.True(t, e.IsLocked("room-1", "task-1"))
}

func TestDropRoomClearsPending(t *testing.T) {
	config := DefaultConfig()
	config.DefaultStrategy = models.StrategyManual
	e := newTestEngine(config)

	op := &models.Operation{
		ID: "op-a", RoomID: "room-1", EntityID: "task-1", EntityType: "task",
		Type: models.OpUpsert, Fields: map[string]interface{}{"status": "done"},
	}
	conflict := e.NewConflict(nil, op)
	_, err := e.Resolve(conflict, nil)
	require.NoError(t, err)
	require.True(t, e.IsLocked("room-1", "task-1"))

	e.DropRoom("room-1")
	assert.False(t, e.IsLocked("room-1", "task-1"))
	assert.Empty(t, e.PendingConflicts("room-1"))
}
