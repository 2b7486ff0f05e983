package errors

import (
	"errors"
	"fmt"
	"net/http"

	"voicemesh/internal/core/domain"
)

// ErrorCode represents application error codes
type ErrorCode string

const (
	ErrCodeInvalidInput       ErrorCode = "INVALID_INPUT"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeRoomNotFound       ErrorCode = "ROOM_NOT_FOUND"
	ErrCodeRoomFull           ErrorCode = "ROOM_FULL"
	ErrCodeNotAuthorized      ErrorCode = "NOT_AUTHORIZED"
	ErrCodeNotInRoom          ErrorCode = "NOT_IN_ROOM"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
)

// wireCodes are the error names carried in protocol acks.
var wireCodes = map[ErrorCode]string{
	ErrCodeInvalidInput:       "InvalidInput",
	ErrCodeNotFound:           "NotFound",
	ErrCodeRoomNotFound:       "RoomNotFound",
	ErrCodeRoomFull:           "RoomFull",
	ErrCodeNotAuthorized:      "NotAuthorized",
	ErrCodeNotInRoom:          "NotInRoom",
	ErrCodeConflict:           "Conflict",
	ErrCodeRateLimit:          "RateLimited",
	ErrCodeInternal:           "Internal",
	ErrCodeServiceUnavailable: "Unavailable",
}

// AppError represents an application error with code and context
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
	Context    map[string]interface{}
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Context:    make(map[string]interface{}),
	}
}

// WrapError wraps an existing error with application error
func WrapError(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: httpStatus,
		Cause:      err,
		Context:    make(map[string]interface{}),
	}
}

// Common error constructors
func NewInvalidInputError(message string) *AppError {
	return NewAppError(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewRoomNotFoundError(roomID string) *AppError {
	return NewAppError(ErrCodeRoomNotFound, fmt.Sprintf("room %s not found", roomID), http.StatusNotFound)
}

func NewRoomFullError(roomID string) *AppError {
	return NewAppError(ErrCodeRoomFull, fmt.Sprintf("room %s is full", roomID), http.StatusConflict)
}

func NewNotAuthorizedError(message string) *AppError {
	return NewAppError(ErrCodeNotAuthorized, message, http.StatusForbidden)
}

func NewRateLimitError() *AppError {
	return NewAppError(ErrCodeRateLimit, "rate limit exceeded", http.StatusTooManyRequests)
}

func NewInternalError(message string) *AppError {
	return NewAppError(ErrCodeInternal, message, http.StatusInternalServerError)
}

func NewServiceUnavailableError(message string) *AppError {
	return NewAppError(ErrCodeServiceUnavailable, message, http.StatusServiceUnavailable)
}

// WireCode returns the protocol name for the error's code.
func (e *AppError) WireCode() string {
	if name, ok := wireCodes[e.Code]; ok {
		return name
	}
	return wireCodes[ErrCodeInternal]
}

// FromDomain maps a registry error to an AppError. Errors that are already
// AppErrors pass through; unknown errors become internal errors.
func FromDomain(err error) *AppError {
	if err == nil {
		return nil
	}
	if appErr := GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case errors.Is(err, domain.ErrRoomNotFound):
		return WrapError(err, ErrCodeRoomNotFound, "room not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrRoomFull):
		return WrapError(err, ErrCodeRoomFull, "room is full", http.StatusConflict)
	case errors.Is(err, domain.ErrNotAuthorized):
		return WrapError(err, ErrCodeNotAuthorized, "not authorized", http.StatusForbidden)
	case errors.Is(err, domain.ErrNotInRoom):
		return WrapError(err, ErrCodeNotInRoom, "not in room", http.StatusConflict)
	case errors.Is(err, domain.ErrParticipantNotFound):
		return WrapError(err, ErrCodeNotFound, "participant not found", http.StatusNotFound)
	default:
		return WrapError(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
	}
}

// IsAppError checks if error is an AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts AppError from error chain
func GetAppError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	return nil
}

