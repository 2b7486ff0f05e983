package webrtc

import (
	"errors"
	"io"
	"math"
	"sync/atomic"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

// AudioLevelURI is the RFC 6464 client-to-mixer audio level header extension.
const AudioLevelURI = "urn:ietf:params:rtp-hdrext:ssrc-audio-level"

// RTPReader is the part of *webrtc.TrackRemote the level meter needs.
type RTPReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// LevelMeter tracks the audio level announced in inbound RTP packets.
type LevelMeter struct {
	extID   uint8
	level   atomic.Uint64
	packets atomic.Uint64
}

// NewLevelMeter builds a meter for the negotiated extension id. With an id of
// zero the remote never announces levels and the meter reports silence.
func NewLevelMeter(extID uint8) *LevelMeter {
	return &LevelMeter{extID: extID}
}

// audioLevelExtensionID finds the negotiated id of the audio level extension.
func audioLevelExtensionID(params webrtc.RTPParameters) uint8 {
	for _, ext := range params.HeaderExtensions {
		if ext.URI == AudioLevelURI {
			return uint8(ext.ID)
		}
	}
	return 0
}

// Observe updates the level from one packet.
func (m *LevelMeter) Observe(pkt *rtp.Packet) {
	m.packets.Add(1)
	if m.extID == 0 {
		return
	}

	raw := pkt.GetExtension(m.extID)
	if raw == nil {
		return
	}
	var ext rtp.AudioLevelExtension
	if err := ext.Unmarshal(raw); err != nil {
		return
	}

	level := dBovToLevel(ext.Level)
	if !ext.Voice && level > 0 {
		// the sender says this is not speech
		level /= 4
	}
	m.level.Store(math.Float64bits(level))
}

// Level returns the latest observed level.
func (m *LevelMeter) Level() float64 {
	return math.Float64frombits(m.level.Load())
}

func (m *LevelMeter) Packets() uint64 {
	return m.packets.Load()
}

// Run reads packets until the track ends.
func (m *LevelMeter) Run(track RTPReader) error {
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		m.Observe(pkt)
	}
}

// AudioLevelInterceptorFactory stamps the audio level header extension on
// every outbound RTP packet so remote meters can see who is speaking.
type AudioLevelInterceptorFactory struct {
	level     LevelSource
	threshold float64
}

// NewAudioLevelInterceptor reads the outbound level from level at send time.
// Packets louder than threshold carry the voice flag.
func NewAudioLevelInterceptor(level LevelSource, threshold float64) *AudioLevelInterceptorFactory {
	return &AudioLevelInterceptorFactory{level: level, threshold: threshold}
}

func (f *AudioLevelInterceptorFactory) NewInterceptor(string) (interceptor.Interceptor, error) {
	return &audioLevelInterceptor{level: f.level, threshold: f.threshold}, nil
}

type audioLevelInterceptor struct {
	interceptor.NoOp
	level     LevelSource
	threshold float64
}

func (i *audioLevelInterceptor) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	var extID uint8
	for _, ext := range info.RTPHeaderExtensions {
		if ext.URI == AudioLevelURI {
			extID = uint8(ext.ID)
			break
		}
	}
	if extID == 0 {
		return writer
	}

	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, attributes interceptor.Attributes) (int, error) {
		level := i.level()
		raw, err := (&rtp.AudioLevelExtension{
			Level: levelToDBov(level),
			Voice: level > i.threshold,
		}).Marshal()
		if err != nil {
			return writer.Write(header, payload, attributes)
		}

		// the header is shared by every binding of the track
		stamped := *header
		stamped.Extensions = append([]rtp.Extension(nil), header.Extensions...)
		if err := stamped.SetExtension(extID, raw); err != nil {
			return writer.Write(header, payload, attributes)
		}
		return writer.Write(&stamped, payload, attributes)
	})
}
