package webrtc

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedSource struct {
	frames [][]byte
}

func (s *scriptedSource) NextFrame() ([]byte, time.Duration, error) {
	if len(s.frames) == 0 {
		return nil, 0, io.EOF
	}
	f := s.frames[0]
	s.frames = s.frames[1:]
	return f, time.Millisecond, nil
}

func TestFrameLevel(t *testing.T) {
	assert.Equal(t, 0.0, frameLevel(nil))
	assert.Equal(t, 0.0, frameLevel(opusSilence))
	assert.InDelta(t, 0.5, frameLevel(make([]byte, 80)), 1e-9)
	assert.Equal(t, 1.0, frameLevel(make([]byte, 400)))
}

func TestSilenceSource(t *testing.T) {
	frame, d, err := SilenceSource{}.NextFrame()
	require.NoError(t, err)
	assert.Equal(t, opusSilence, frame)
	assert.Equal(t, frameDuration, d)
}

func TestLocalAudio_StartsMuted(t *testing.T) {
	a, err := NewLocalAudio()
	require.NoError(t, err)

	assert.True(t, a.Muted())
	assert.Contains(t, a.ID(), "audio-")
	assert.Equal(t, a.ID(), a.Track().ID())
}

func TestLocalAudio_LevelFollowsMute(t *testing.T) {
	a, err := NewLocalAudio()
	require.NoError(t, err)

	loud := make([]byte, 160)
	require.NoError(t, a.Run(context.Background(), &scriptedSource{frames: [][]byte{loud}}))
	assert.Equal(t, 0.0, a.Level(), "muted audio has no level")

	a.SetMuted(false)
	require.NoError(t, a.Run(context.Background(), &scriptedSource{frames: [][]byte{loud}}))
	assert.Equal(t, 1.0, a.Level())

	a.SetMuted(true)
	assert.Equal(t, 0.0, a.Level())
}

func TestLocalAudio_RunStopsOnCancel(t *testing.T) {
	a, err := NewLocalAudio()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, SilenceSource{}) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
