package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextLogger_WithContext(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	ctx := WithValue(context.Background(), ParticipantIDKey, "p1")
	ctx = WithValue(ctx, RoomIDKey, "class-8")

	cl.LogInfo(ctx, "joined")

	entries := logs.All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "p1", fields["participant_id"])
	assert.Equal(t, "class-8", fields["room_id"])
	_, hasTrace := fields["trace_id"]
	assert.False(t, hasTrace)
}

func TestContextLogger_LogMessage(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	cl := NewContextLogger(zap.New(core))

	cl.LogMessage(WithValue(context.Background(), RequestIDKey, "r-1"), "join_room")

	entries := logs.FilterMessage("protocol_message").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "join_room", entries[0].ContextMap()["type"])
	assert.Equal(t, "r-1", entries[0].ContextMap()["request_id"])
}

func TestNew_FallsBackToInfo(t *testing.T) {
	l := New("not-a-level")
	require.NotNil(t, l)
	assert.False(t, l.Core().Enabled(zap.DebugLevel))
	assert.True(t, l.Core().Enabled(zap.InfoLevel))

	dbg := New("debug")
	assert.True(t, dbg.Core().Enabled(zap.DebugLevel))
}
