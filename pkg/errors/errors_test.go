package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"voicemesh/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppError_Error(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", http.StatusBadRequest)
	assert.Equal(t, "INVALID_INPUT: test error", err.Error())
}

func TestAppError_WithCause(t *testing.T) {
	originalErr := errors.New("original error")
	err := WrapError(originalErr, ErrCodeInternal, "wrapped error", http.StatusInternalServerError)

	assert.Equal(t, originalErr, err.Cause)
	assert.Contains(t, err.Error(), "original error")
	assert.ErrorIs(t, err, originalErr)
}

func TestAppError_WithContext(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "test error", http.StatusBadRequest)
	err.WithContext("field", "value").WithContext("count", 42)

	assert.Equal(t, "value", err.Context["field"])
	assert.Equal(t, 42, err.Context["count"])
}

func TestRoomErrorConstructors(t *testing.T) {
	notFound := NewRoomNotFoundError("class-13")
	assert.Equal(t, ErrCodeRoomNotFound, notFound.Code)
	assert.Equal(t, http.StatusNotFound, notFound.HTTPStatus)
	assert.Equal(t, "RoomNotFound", notFound.WireCode())

	full := NewRoomFullError("class-8")
	assert.Equal(t, ErrCodeRoomFull, full.Code)
	assert.Equal(t, "RoomFull", full.WireCode())
}

func TestFromDomain(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code ErrorCode
		wire string
	}{
		{"room not found", domain.ErrRoomNotFound, ErrCodeRoomNotFound, "RoomNotFound"},
		{"room full wrapped", fmt.Errorf("admit p1: %w", domain.ErrRoomFull), ErrCodeRoomFull, "RoomFull"},
		{"not in room", domain.ErrNotInRoom, ErrCodeNotInRoom, "NotInRoom"},
		{"not authorized", domain.ErrNotAuthorized, ErrCodeNotAuthorized, "NotAuthorized"},
		{"unknown", errors.New("boom"), ErrCodeInternal, "Internal"},
		{"rate limit passthrough", NewRateLimitError(), ErrCodeRateLimit, "RateLimited"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			appErr := FromDomain(tt.err)
			require.NotNil(t, appErr)
			assert.Equal(t, tt.code, appErr.Code)
			assert.Equal(t, tt.wire, appErr.WireCode())
		})
	}

	assert.Nil(t, FromDomain(nil))
}

func TestGetAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeInvalidInput, "test", http.StatusBadRequest)

	assert.Same(t, appErr, GetAppError(appErr))
	assert.Same(t, appErr, GetAppError(fmt.Errorf("context: %w", appErr)))
	assert.Nil(t, GetAppError(errors.New("regular error")))
	assert.True(t, IsAppError(appErr))
	assert.False(t, IsAppError(errors.New("regular error")))
}
