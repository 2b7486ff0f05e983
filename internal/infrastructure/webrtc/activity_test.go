package webrtc

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleInterval = time.Second / 60

func TestActivityDetector_Hysteresis(t *testing.T) {
	d := NewActivityDetector(0.1, 500*time.Millisecond)
	start := time.Unix(0, 0)

	speaking, changed := d.Sample(0.05, start)
	assert.False(t, speaking)
	assert.False(t, changed)

	// silent to speaking is immediate
	speaking, changed = d.Sample(0.5, start.Add(sampleInterval))
	assert.True(t, speaking)
	assert.True(t, changed)
	lastLoud := start.Add(sampleInterval)

	// at or below threshold holds for 500ms
	var off time.Time
	for now := lastLoud.Add(sampleInterval); now.Before(lastLoud.Add(2 * time.Second)); now = now.Add(sampleInterval) {
		speaking, changed = d.Sample(0.1, now)
		if changed {
			assert.False(t, speaking)
			off = now
			break
		}
		assert.True(t, speaking)
	}

	require.False(t, off.IsZero(), "never went silent")
	assert.GreaterOrEqual(t, off.Sub(lastLoud), 500*time.Millisecond)
	assert.LessOrEqual(t, off.Sub(lastLoud), 500*time.Millisecond+sampleInterval)
}

func TestActivityDetector_LoudSampleResetsDeadline(t *testing.T) {
	d := NewActivityDetector(0.1, 500*time.Millisecond)
	t0 := time.Unix(0, 0)

	d.Sample(0.9, t0)
	d.Sample(0.0, t0.Add(400*time.Millisecond))
	d.Sample(0.9, t0.Add(450*time.Millisecond))

	speaking, changed := d.Sample(0.0, t0.Add(600*time.Millisecond))
	assert.True(t, speaking, "deadline restarted at the loud sample")
	assert.False(t, changed)

	speaking, changed = d.Sample(0.0, t0.Add(950*time.Millisecond))
	assert.False(t, speaking)
	assert.True(t, changed)
}

func TestActivityDetector_Reset(t *testing.T) {
	d := NewActivityDetector(0.1, time.Second)
	d.Sample(1, time.Now())
	assert.True(t, d.Reset())
	assert.False(t, d.Speaking())
	assert.False(t, d.Reset())
}

type transitions struct {
	mu  sync.Mutex
	got []bool
}

func (tr *transitions) record(b bool) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.got = append(tr.got, b)
}

func (tr *transitions) snapshot() []bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return append([]bool(nil), tr.got...)
}

func TestActivityMonitor_ReportsTransitions(t *testing.T) {
	var level atomic.Value
	level.Store(0.0)
	tr := &transitions{}

	m := NewActivityMonitor(func() float64 { return level.Load().(float64) }, 0.1, 50*time.Millisecond, 5*time.Millisecond, tr.record)
	m.Start(context.Background())
	defer m.Stop()

	level.Store(0.8)
	assert.Eventually(t, func() bool { return len(tr.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	level.Store(0.0)
	assert.Eventually(t, func() bool { return len(tr.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false}, tr.snapshot())
}

func TestActivityMonitor_MuteSuppresses(t *testing.T) {
	var level atomic.Value
	level.Store(0.8)
	tr := &transitions{}

	m := NewActivityMonitor(func() float64 { return level.Load().(float64) }, 0.1, time.Hour, 5*time.Millisecond, tr.record)
	m.Start(context.Background())
	defer m.Stop()

	assert.Eventually(t, func() bool { return len(tr.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	// muting while speaking reports silence at once, then nothing
	m.SetMuted(true)
	assert.Equal(t, []bool{true, false}, tr.snapshot())
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, tr.snapshot(), 2)

	m.SetMuted(false)
	assert.Eventually(t, func() bool { return len(tr.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
}

func TestActivityMonitor_MuteWaitsForPendingTransition(t *testing.T) {
	tr := &transitions{}
	entered := make(chan struct{})
	release := make(chan struct{})
	first := true

	m := NewActivityMonitor(func() float64 { return 0.8 }, 0.1, time.Hour, time.Hour, func(speaking bool) {
		if first {
			first = false
			close(entered)
			<-release
		}
		tr.record(speaking)
	})

	go m.tick()
	<-entered

	muted := make(chan struct{})
	go func() {
		m.SetMuted(true)
		close(muted)
	}()

	assert.Never(t, func() bool {
		select {
		case <-muted:
			return true
		default:
			return false
		}
	}, 50*time.Millisecond, 5*time.Millisecond, "mute must not overtake the speaking report")

	close(release)
	<-muted
	assert.Equal(t, []bool{true, false}, tr.snapshot())
}

func TestActivityMonitor_StopWithoutStart(t *testing.T) {
	m := NewActivityMonitor(func() float64 { return 0 }, 0.1, time.Second, 0, nil)
	m.Stop()
}

func TestDBovToLevel(t *testing.T) {
	assert.Equal(t, 1.0, dBovToLevel(0))
	assert.Equal(t, 0.0, dBovToLevel(127))
	assert.InDelta(t, 0.1, dBovToLevel(20), 1e-9)
	assert.Greater(t, dBovToLevel(10), dBovToLevel(30))
}

func TestLevelToDBov(t *testing.T) {
	assert.Equal(t, uint8(0), levelToDBov(1))
	assert.Equal(t, uint8(0), levelToDBov(2))
	assert.Equal(t, uint8(20), levelToDBov(0.1))
	assert.Equal(t, uint8(127), levelToDBov(0))
	assert.Equal(t, uint8(127), levelToDBov(1e-9))
	assert.InDelta(t, 0.1, dBovToLevel(levelToDBov(0.1)), 1e-9)
}
