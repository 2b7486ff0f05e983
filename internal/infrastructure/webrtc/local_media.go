package webrtc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
)

const frameDuration = 20 * time.Millisecond

// opusSilence is a single Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// FrameSource yields encoded Opus frames and their playout duration.
// io.EOF ends the stream.
type FrameSource interface {
	NextFrame() ([]byte, time.Duration, error)
}

// SilenceSource produces silence forever.
type SilenceSource struct{}

func (SilenceSource) NextFrame() ([]byte, time.Duration, error) {
	return opusSilence, frameDuration, nil
}

// OggSource reads Opus pages from an Ogg file.
type OggSource struct {
	file        *os.File
	reader      *oggreader.OggReader
	lastGranule uint64
	loop        bool
}

func OpenOggSource(path string, loop bool) (*OggSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open audio file: %w", err)
	}
	s := &OggSource{file: f, loop: loop}
	if err := s.rewind(); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

func (s *OggSource) rewind() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader, _, err := oggreader.NewWith(s.file)
	if err != nil {
		return fmt.Errorf("parse ogg header: %w", err)
	}
	s.reader = reader
	s.lastGranule = 0
	return nil
}

func (s *OggSource) NextFrame() ([]byte, time.Duration, error) {
	for {
		page, header, err := s.reader.ParseNextPage()
		if errors.Is(err, io.EOF) && s.loop {
			if err := s.rewind(); err != nil {
				return nil, 0, err
			}
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		if bytes.HasPrefix(page, []byte("OpusTags")) {
			continue
		}

		samples := header.GranulePosition - s.lastGranule
		s.lastGranule = header.GranulePosition
		d := time.Duration(float64(samples)/48000*1000) * time.Millisecond
		if d <= 0 {
			d = frameDuration
		}
		return page, d, nil
	}
}

func (s *OggSource) Close() error {
	return s.file.Close()
}

// frameLevel estimates loudness from the encoded frame size. Opus spends
// almost nothing on silence and more bits on louder, busier speech.
func frameLevel(frame []byte) float64 {
	if len(frame) <= len(opusSilence) {
		return 0
	}
	return math.Min(1, float64(len(frame))/160)
}

// LocalAudio is the single outbound audio track shared by every session in
// the mesh. While muted it sends silence.
type LocalAudio struct {
	track *webrtc.TrackLocalStaticSample
	muted atomic.Bool
	level atomic.Uint64
}

func NewLocalAudio() (*LocalAudio, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio-"+uuid.NewString(),
		"voicemesh",
	)
	if err != nil {
		return nil, err
	}
	a := &LocalAudio{track: track}
	a.muted.Store(true)
	return a, nil
}

func (a *LocalAudio) Track() webrtc.TrackLocal {
	return a.track
}

// ID is the track id used by the self-echo guard.
func (a *LocalAudio) ID() string {
	return a.track.ID()
}

func (a *LocalAudio) SetMuted(muted bool) {
	a.muted.Store(muted)
	if muted {
		a.level.Store(0)
	}
}

func (a *LocalAudio) Muted() bool {
	return a.muted.Load()
}

// Level is the current outbound level in [0, 1]; zero while muted.
func (a *LocalAudio) Level() float64 {
	if a.muted.Load() {
		return 0
	}
	return math.Float64frombits(a.level.Load())
}

// Run paces frames from src onto the track until ctx is done or src ends.
func (a *LocalAudio) Run(ctx context.Context, src FrameSource) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		frame, d, err := src.NextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}

		if a.muted.Load() {
			frame = opusSilence
			a.level.Store(0)
		} else {
			a.level.Store(math.Float64bits(frameLevel(frame)))
		}

		if err := a.track.WriteSample(media.Sample{Data: frame, Duration: d}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			return fmt.Errorf("write sample: %w", err)
		}
		timer.Reset(d)
	}
}
