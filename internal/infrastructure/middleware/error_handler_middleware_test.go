package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"voicemesh/internal/core/domain"
	apperrors "voicemesh/pkg/errors"
	"voicemesh/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func errorRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RecoveryMiddleware(zap.NewNop().Sugar()))
	router.Use(RequestIDMiddleware())
	router.Use(ErrorHandlerMiddleware(zap.NewNop().Sugar()))

	router.GET("/full", func(c *gin.Context) {
		c.Error(fmt.Errorf("admit: %w", domain.ErrRoomFull))
	})
	router.GET("/invalid", func(c *gin.Context) {
		c.Error(apperrors.NewInvalidInputError("bad room id").WithContext("field", "id"))
	})
	router.GET("/boom", func(c *gin.Context) {
		c.Error(errors.New("disk on fire"))
	})
	router.GET("/panic", func(c *gin.Context) {
		panic("unexpected")
	})
	router.GET("/request-id", func(c *gin.Context) {
		v, _ := c.Request.Context().Value(logger.RequestIDKey).(string)
		c.String(http.StatusOK, v)
	})
	return router
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestErrorHandler_MapsDomainErrors(t *testing.T) {
	w := httptest.NewRecorder()
	errorRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/full", nil))

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "ROOM_FULL", decode(t, w)["error"])
}

func TestErrorHandler_AppErrorWithDetails(t *testing.T) {
	w := httptest.NewRecorder()
	errorRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/invalid", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	body := decode(t, w)
	assert.Equal(t, "INVALID_INPUT", body["error"])
	assert.Equal(t, map[string]interface{}{"field": "id"}, body["details"])
}

func TestErrorHandler_UnknownErrorIsInternal(t *testing.T) {
	w := httptest.NewRecorder()
	errorRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	body := decode(t, w)
	assert.Equal(t, "INTERNAL_ERROR", body["error"])
	assert.NotContains(t, body["message"], "disk")
}

func TestRecoveryMiddleware(t *testing.T) {
	w := httptest.NewRecorder()
	errorRouter().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/panic", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", decode(t, w)["error"])
}

func TestRequestIDMiddleware(t *testing.T) {
	router := errorRouter()

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/request-id", nil)
	req.Header.Set("X-Request-ID", "req-42")
	router.ServeHTTP(w, req)
	assert.Equal(t, "req-42", w.Body.String())
	assert.Equal(t, "req-42", w.Header().Get("X-Request-ID"))

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/request-id", nil))
	assert.NotEmpty(t, w.Body.String())
	assert.Equal(t, w.Body.String(), w.Header().Get("X-Request-ID"))
}
