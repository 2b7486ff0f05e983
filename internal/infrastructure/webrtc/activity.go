package webrtc

import (
	"context"
	"math"
	"sync"
	"time"
)

// ActivityDetector classifies sampled audio levels into speaking and silent
// with hysteresis: it turns on at the first sample above the threshold and
// turns off only after hold has passed since the last loud sample.
type ActivityDetector struct {
	threshold float64
	hold      time.Duration

	speaking bool
	lastLoud time.Time
}

func NewActivityDetector(threshold float64, hold time.Duration) *ActivityDetector {
	return &ActivityDetector{threshold: threshold, hold: hold}
}

// Sample feeds one level reading. It reports the resulting state and whether
// it changed.
func (d *ActivityDetector) Sample(level float64, now time.Time) (speaking, changed bool) {
	if level > d.threshold {
		d.lastLoud = now
		if !d.speaking {
			d.speaking = true
			return true, true
		}
		return true, false
	}

	if d.speaking && now.Sub(d.lastLoud) >= d.hold {
		d.speaking = false
		return false, true
	}
	return d.speaking, false
}

// Reset forces the detector silent. It reports whether it was speaking.
func (d *ActivityDetector) Reset() bool {
	was := d.speaking
	d.speaking = false
	d.lastLoud = time.Time{}
	return was
}

func (d *ActivityDetector) Speaking() bool {
	return d.speaking
}

// LevelSource returns the current normalized audio level in [0, 1].
type LevelSource func() float64

// ActivityMonitor samples a level source at a fixed interval and reports
// speaking transitions.
type ActivityMonitor struct {
	detector *ActivityDetector
	source   LevelSource
	interval time.Duration
	onChange func(speaking bool)
	now      func() time.Time

	mu    sync.Mutex
	muted bool

	cancel context.CancelFunc
	done   chan struct{}
}

func NewActivityMonitor(source LevelSource, threshold float64, hold, interval time.Duration, onChange func(bool)) *ActivityMonitor {
	if interval <= 0 {
		interval = time.Second / 60
	}
	return &ActivityMonitor{
		detector: NewActivityDetector(threshold, hold),
		source:   source,
		interval: interval,
		onChange: onChange,
		now:      time.Now,
	}
}

// SetMuted suppresses detection. Muting while speaking reports silence at once.
func (m *ActivityMonitor) SetMuted(muted bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.muted = muted
	if muted && m.detector.Reset() {
		m.notify(false)
	}
}

func (m *ActivityMonitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.tick()
			}
		}
	}()
}

func (m *ActivityMonitor) tick() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.muted {
		return
	}
	if speaking, changed := m.detector.Sample(m.source(), m.now()); changed {
		m.notify(speaking)
	}
}

// notify runs under mu so transitions reach onChange in the order they were
// decided. onChange must not call back into the monitor.
func (m *ActivityMonitor) notify(speaking bool) {
	if m.onChange != nil {
		m.onChange(speaking)
	}
}

// Stop halts sampling and waits for the sampling goroutine to exit.
func (m *ActivityMonitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
}

// dBovToLevel converts an RFC 6464 level (0 loudest, 127 silent) to a linear
// amplitude in [0, 1].
func dBovToLevel(dBov uint8) float64 {
	if dBov >= 127 {
		return 0
	}
	return math.Pow(10, -float64(dBov)/20)
}

// levelToDBov is the inverse of dBovToLevel, clamped to the RFC 6464 range.
func levelToDBov(level float64) uint8 {
	if level <= 0 {
		return 127
	}
	dBov := -20 * math.Log10(level)
	switch {
	case dBov <= 0:
		return 0
	case dBov >= 127:
		return 127
	}
	return uint8(math.Round(dBov))
}
