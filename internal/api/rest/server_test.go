package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vowsync/collab-core/internal/api/websocket"
	"github.com/vowsync/collab-core/internal/conflict"
	"github.com/vowsync/collab-core/internal/eventlog"
	"github.com/vowsync/collab-core/internal/presence"
	datasync "github.com/vowsync/collab-core/internal/sync"
	"github.com/vowsync/collab-core/pkg/auth"
	"github.com/vowsync/collab-core/pkg/collaboration/crdt"
	"github.com/vowsync/collab-core/pkg/models"
	"github.com/vowsync/collab-core/pkg/observability"
)

type testAPI struct {
	server *Server
	sync   *datasync.Service
}

func newTestAPI(t *testing.T, conflictConfig conflict.Config) *testAPI {
	t.Helper()

	logger := observability.NewNoopLogger()
	metrics := observability.NewNoOpMetricsClient()

	authn := auth.NewStaticAuthenticator(nil)
	authn.AddToken("alice-token", &auth.Claims{ParticipantID: "alice", Role: "owner"})

	log := eventlog.New(nil, eventlog.DefaultConfig(), logger, metrics)
	engine := conflict.NewEngine(conflictConfig, logger, metrics)
	syncService := datasync.NewService(log, engine, nil, datasync.DefaultConfig(), logger, metrics)
	presenceManager := presence.NewManager(presence.Config{Debounce: time.Millisecond}, logger, metrics)
	wsServer := websocket.NewServer(authn, syncService, presenceManager, log, websocket.DefaultConfig(), logger, metrics)

	return &testAPI{
		server: NewServer(wsServer, syncService, presenceManager, authn, nil, logger),
		sync:   syncService,
	}
}

func (api *testAPI) request(t *testing.T, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	api.server.Handler().ServeHTTP(recorder, req)
	return recorder
}

func TestHealthEndpoint(t *testing.T) {
	api := newTestAPI(t, conflict.DefaultConfig())

	resp := api.request(t, http.MethodGet, "/healthz", "", "")
	require.Equal(t, http.StatusOK, resp.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestSnapshotRequiresAuth(t *testing.T) {
	api := newTestAPI(t, conflict.DefaultConfig())

	resp := api.request(t, http.MethodGet, "/v1/rooms/room-1/snapshot", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)

	resp = api.request(t, http.MethodGet, "/v1/rooms/room-1/snapshot", "bad-token", "")
	assert.Equal(t, http.StatusUnauthorized, resp.Code)
}

func TestSnapshotReturnsRoomState(t *testing.T) {
	api := newTestAPI(t, conflict.DefaultConfig())

	_, err := api.sync.ApplyOperation(context.Background(), &models.Operation{
		ID: "op-1", RoomID: "room-1", EntityID: "task-1", EntityType: "task",
		ParticipantID: "alice", Type: models.OpUpsert,
		Fields: map[string]interface{}{"status": "open"},
	})
	require.NoError(t, err)

	resp := api.request(t, http.MethodGet, "/v1/rooms/room-1/snapshot", "alice-token", "")
	require.Equal(t, http.StatusOK, resp.Code)

	var snapshot models.RoomSnapshot
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &snapshot))
	assert.Equal(t, uint64(1), snapshot.Sequence)
	require.Contains(t, snapshot.Entities, "task-1")
	assert.Equal(t, "open", snapshot.Entities["task-1"].Value["status"])
}

func TestManualConflictResolutionFlow(t *testing.T) {
	config := conflict.DefaultConfig()
	config.Strategies = map[string]models.ResolutionStrategy{"task": models.StrategyManual}
	api := newTestAPI(t, config)
	ctx := context.Background()

	base, err := api.sync.ApplyOperation(ctx, &models.Operation{
		ID: "op-1", RoomID: "room-1", EntityID: "task-1", EntityType: "task",
		ParticipantID: "alice", Type: models.OpUpsert,
		Fields: map[string]interface{}{"status": "open"},
	})
	require.NoError(t, err)
	_, err = api.sync.ApplyOperation(ctx, &models.Operation{
		ID: "op-2", RoomID: "room-1", EntityID: "task-1", EntityType: "task",
		ParticipantID: "alice", Type: models.OpUpsert,
		Fields:      map[string]interface{}{"status": "done"},
		BaseVersion: base.Entity.Version, Clock: base.Entity.Clock,
	})
	require.NoError(t, err)

	pending, err := api.sync.ApplyOperation(ctx, &models.Operation{
		ID: "op-3", RoomID: "room-1", EntityID: "task-1", EntityType: "task",
		ParticipantID: "bob", Type: models.OpUpsert,
		Fields:      map[string]interface{}{"status": "blocked"},
		BaseVersion: base.Entity.Version, Clock: crdt.VectorClock{"bob": 1},
	})
	require.NoError(t, err)
	require.Equal(t, datasync.StatusPendingManual, pending.Status)

	// The pending conflict shows up in the room listing
	resp := api.request(t, http.MethodGet, "/v1/rooms/room-1/conflicts", "alice-token", "")
	require.Equal(t, http.StatusOK, resp.Code)
	var listing struct {
		Conflicts []*models.DataConflict `json:"conflicts"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &listing))
	require.Len(t, listing.Conflicts, 1)
	conflictID := listing.Conflicts[0].ID

	t.Run("unknown conflict", func(t *testing.T) {
		resp := api.request(t, http.MethodPost, "/v1/rooms/room-1/conflicts/nope/resolve",
			"alice-token", `{"winnerOpId":"op-3"}`)
		assert.Equal(t, http.StatusNotFound, resp.Code)
	})

	t.Run("missing winner", func(t *testing.T) {
		resp := api.request(t, http.MethodPost, "/v1/rooms/room-1/conflicts/"+conflictID+"/resolve",
			"alice-token", `{}`)
		assert.Equal(t, http.StatusBadRequest, resp.Code)
	})

	resp = api.request(t, http.MethodPost, "/v1/rooms/room-1/conflicts/"+conflictID+"/resolve",
		"alice-token", `{"winnerOpId":"op-3"}`)
	require.Equal(t, http.StatusOK, resp.Code)

	entity, err := api.sync.GetEntitySnapshot("room-1", "task-1")
	require.NoError(t, err)
	assert.Equal(t, "blocked", entity.Value["status"])
	assert.Equal(t, "alice", entity.LastWriter)
}

func TestPresenceEndpoint(t *testing.T) {
	api := newTestAPI(t, conflict.DefaultConfig())

	resp := api.request(t, http.MethodGet, "/v1/rooms/room-1/presence", "alice-token", "")
	require.Equal(t, http.StatusOK, resp.Code)

	var body struct {
		RoomID   string                 `json:"room_id"`
		Presence []models.PresenceState `json:"presence"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "room-1", body.RoomID)
	assert.Empty(t, body.Presence)
}
