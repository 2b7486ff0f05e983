package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"voicemesh/internal/core/domain"
	"voicemesh/internal/core/services"
	"voicemesh/internal/infrastructure/middleware"
	"voicemesh/internal/infrastructure/repositories/memory"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type discardNotifier struct{}

func (discardNotifier) Notify(domain.ParticipantID, domain.Event) {}
func (discardNotifier) NotifyAll(domain.Event) {}

func setupRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	catalog, err := domain.NewCatalog([]domain.Room{
		{ID: "class-8", Name: "Class 8", Capacity: 30},
		{ID: "class-9", Name: "Class 9", Capacity: 30},
	})
	require.NoError(t, err)

	registry := services.NewRoomRegistry(catalog, memory.NewMemoryParticipantRepository(), discardNotifier{}, nil, zap.NewNop().Sugar())

	ctx := context.Background()
	require.NoError(t, registry.Connect(ctx, domain.Participant{ID: "p1", Name: "Ada", Role: domain.RoleStudent, Muted: true}))
	require.NoError(t, registry.Connect(ctx, domain.Participant{ID: "p2", Name: "Grace", Role: domain.RoleTeacher, Muted: true}))
	_, err = registry.Admit(ctx, "p1", "class-8")
	require.NoError(t, err)
	_, err = registry.Admit(ctx, "p2", "class-8")
	require.NoError(t, err)

	router := gin.New()
	router.Use(middleware.ErrorHandlerMiddleware(zap.NewNop().Sugar()))
	NewRoomHandler(catalog, registry).SetupRoutes(router)
	return router
}

func get(t *testing.T, router *gin.Engine, path string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func TestRoomHandler_ListRooms(t *testing.T) {
	router := setupRouter(t)

	w, body := get(t, router, "/api/v1/rooms")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.0, body["count"])

	rooms := body["rooms"].([]interface{})
	first := rooms[0].(map[string]interface{})
	assert.Equal(t, "class-8", first["id"])
	assert.Equal(t, "Class 8", first["name"])
	assert.Equal(t, 30.0, first["capacity"])
	assert.Equal(t, 2.0, first["members"])

	second := rooms[1].(map[string]interface{})
	assert.Equal(t, 0.0, second["members"])
}

func TestRoomHandler_GetRoom(t *testing.T) {
	router := setupRouter(t)

	w, body := get(t, router, "/api/v1/rooms/class-8")
	assert.Equal(t, http.StatusOK, w.Code)

	members := body["members"].([]interface{})
	require.Len(t, members, 2)
	assert.Equal(t, "p1", members[0].(map[string]interface{})["id"])
	assert.Equal(t, "Grace", members[1].(map[string]interface{})["name"])
	assert.Equal(t, true, members[0].(map[string]interface{})["muted"])
}

func TestRoomHandler_GetRoomErrors(t *testing.T) {
	router := setupRouter(t)

	w, body := get(t, router, "/api/v1/rooms/nowhere")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "ROOM_NOT_FOUND", body["error"])

	w, body = get(t, router, "/api/v1/rooms/bad%20id!")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_INPUT", body["error"])
}

func TestRoomHandler_GetOccupancy(t *testing.T) {
	router := setupRouter(t)

	w, body := get(t, router, "/api/v1/occupancy")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, map[string]interface{}{"class-8": 2.0, "class-9": 0.0}, body["counts"])
}
