package webrtc

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func levelPacket(t *testing.T, extID uint8, dBov uint8, voice bool) *rtp.Packet {
	t.Helper()
	raw, err := (&rtp.AudioLevelExtension{Level: dBov, Voice: voice}).Marshal()
	require.NoError(t, err)

	pkt := &rtp.Packet{Header: rtp.Header{Version: 2, PayloadType: 111}, Payload: []byte{0x01}}
	require.NoError(t, pkt.SetExtension(extID, raw))
	return pkt
}

func TestLevelMeter_Observe(t *testing.T) {
	m := NewLevelMeter(1)
	assert.Equal(t, 0.0, m.Level())

	m.Observe(levelPacket(t, 1, 0, true))
	assert.Equal(t, 1.0, m.Level())

	m.Observe(levelPacket(t, 1, 20, true))
	assert.InDelta(t, 0.1, m.Level(), 1e-9)

	m.Observe(levelPacket(t, 1, 20, false))
	assert.InDelta(t, 0.025, m.Level(), 1e-9)

	m.Observe(levelPacket(t, 1, 127, true))
	assert.Equal(t, 0.0, m.Level())

	assert.Equal(t, uint64(4), m.Packets())
}

func TestLevelMeter_IgnoresOtherExtensions(t *testing.T) {
	m := NewLevelMeter(3)
	m.Observe(levelPacket(t, 1, 0, true))
	assert.Equal(t, 0.0, m.Level())
	assert.Equal(t, uint64(1), m.Packets())

	silent := NewLevelMeter(0)
	silent.Observe(levelPacket(t, 1, 0, true))
	assert.Equal(t, 0.0, silent.Level())
}

type packetReader struct {
	packets []*rtp.Packet
	err     error
}

func (r *packetReader) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	if len(r.packets) == 0 {
		return nil, nil, r.err
	}
	p := r.packets[0]
	r.packets = r.packets[1:]
	return p, nil, nil
}

func TestLevelMeter_Run(t *testing.T) {
	m := NewLevelMeter(1)
	reader := &packetReader{
		packets: []*rtp.Packet{levelPacket(t, 1, 40, true), levelPacket(t, 1, 6, true)},
		err:     io.EOF,
	}
	require.NoError(t, m.Run(reader))
	assert.Equal(t, uint64(2), m.Packets())
	assert.InDelta(t, dBovToLevel(6), m.Level(), 1e-9)

	boom := errors.New("boom")
	assert.ErrorIs(t, m.Run(&packetReader{err: boom}), boom)
}

func TestAudioLevelExtensionID(t *testing.T) {
	params := webrtc.RTPParameters{
		HeaderExtensions: []webrtc.RTPHeaderExtensionParameter{
			{URI: "urn:ietf:params:rtp-hdrext:sdes:mid", ID: 4},
			{URI: AudioLevelURI, ID: 2},
		},
	}
	assert.Equal(t, uint8(2), audioLevelExtensionID(params))
	assert.Equal(t, uint8(0), audioLevelExtensionID(webrtc.RTPParameters{}))
}

func stampedLevel(t *testing.T, header *rtp.Header, extID uint8) rtp.AudioLevelExtension {
	t.Helper()
	raw := header.GetExtension(extID)
	require.NotNil(t, raw, "audio level extension missing")
	var ext rtp.AudioLevelExtension
	require.NoError(t, ext.Unmarshal(raw))
	return ext
}

func TestAudioLevelInterceptor_StampsOutbound(t *testing.T) {
	var level atomic.Uint64
	setLevel := func(v float64) { level.Store(uint64(v * 1000)) }
	source := func() float64 { return float64(level.Load()) / 1000 }

	ic, err := NewAudioLevelInterceptor(source, 0.08).NewInterceptor("")
	require.NoError(t, err)

	var written []rtp.Header
	sink := interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, _ interceptor.Attributes) (int, error) {
		written = append(written, *header)
		return len(payload), nil
	})
	writer := ic.BindLocalStream(&interceptor.StreamInfo{
		RTPHeaderExtensions: []interceptor.RTPHeaderExtension{{URI: AudioLevelURI, ID: 3}},
	}, sink)

	header := &rtp.Header{Version: 2, PayloadType: 111}
	setLevel(1)
	_, err = writer.Write(header, []byte{0x01}, nil)
	require.NoError(t, err)
	setLevel(0.01)
	_, err = writer.Write(header, []byte{0x01}, nil)
	require.NoError(t, err)
	setLevel(0)
	_, err = writer.Write(header, []byte{0x01}, nil)
	require.NoError(t, err)

	require.Len(t, written, 3)
	loud := stampedLevel(t, &written[0], 3)
	assert.Equal(t, uint8(0), loud.Level)
	assert.True(t, loud.Voice)

	quiet := stampedLevel(t, &written[1], 3)
	assert.Equal(t, uint8(40), quiet.Level)
	assert.False(t, quiet.Voice)

	assert.Equal(t, uint8(127), stampedLevel(t, &written[2], 3).Level)
	assert.False(t, header.Extension, "caller's header is left alone")
}

func TestAudioLevelInterceptor_PassThroughWithoutExtension(t *testing.T) {
	ic, err := NewAudioLevelInterceptor(func() float64 { return 1 }, 0.08).NewInterceptor("")
	require.NoError(t, err)

	var got *rtp.Header
	writer := ic.BindLocalStream(&interceptor.StreamInfo{}, interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, _ interceptor.Attributes) (int, error) {
		got = header
		return len(payload), nil
	}))

	header := &rtp.Header{Version: 2}
	_, err = writer.Write(header, []byte{0x01}, nil)
	require.NoError(t, err)
	assert.Same(t, header, got)
	assert.False(t, got.Extension)
}

type loudSource struct{}

func (loudSource) NextFrame() ([]byte, time.Duration, error) {
	return bytes.Repeat([]byte{0x78}, 200), frameDuration, nil
}

func negotiateLoopback(t *testing.T, offerer, answerer *webrtc.PeerConnection) {
	t.Helper()

	offer, err := offerer.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(offerer)
	require.NoError(t, offerer.SetLocalDescription(offer))
	<-gathered

	require.NoError(t, answerer.SetRemoteDescription(*offerer.LocalDescription()))
	answer, err := answerer.CreateAnswer(nil)
	require.NoError(t, err)
	gathered = webrtc.GatheringCompletePromise(answerer)
	require.NoError(t, answerer.SetLocalDescription(answer))
	<-gathered

	require.NoError(t, offerer.SetRemoteDescription(*answerer.LocalDescription()))
}

func TestAudioLevelInterceptor_RemoteSpeakingOverLoopback(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}

	local, err := NewLocalAudio()
	require.NoError(t, err)
	local.SetMuted(false)

	var cfg WebRTCConfig
	cfg.Interceptors = []interceptor.Factory{NewAudioLevelInterceptor(local.Level, 0.08)}
	factory, err := NewPionFactory(cfg)
	require.NoError(t, err)

	newPC := func() *webrtc.PeerConnection {
		pc, err := factory()
		require.NoError(t, err)
		t.Cleanup(func() { _ = pc.Close() })
		return pc.(*webrtc.PeerConnection)
	}
	sender, receiver := newPC(), newPC()

	_, err = sender.AddTrack(local.Track())
	require.NoError(t, err)

	meters := make(chan *LevelMeter, 1)
	receiver.OnTrack(func(track *webrtc.TrackRemote, r *webrtc.RTPReceiver) {
		m := NewLevelMeter(audioLevelExtensionID(r.GetParameters()))
		meters <- m
		_ = m.Run(track)
	})

	negotiateLoopback(t, sender, receiver)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = local.Run(ctx, loudSource{}) }()

	var meter *LevelMeter
	select {
	case meter = <-meters:
	case <-time.After(10 * time.Second):
		t.Fatal("remote track never arrived")
	}

	speaking := make(chan bool, 4)
	monitor := NewActivityMonitor(meter.Level, 0.08, 500*time.Millisecond, 10*time.Millisecond, func(s bool) {
		speaking <- s
	})
	monitor.Start(ctx)
	defer monitor.Stop()

	select {
	case s := <-speaking:
		assert.True(t, s)
	case <-time.After(5 * time.Second):
		t.Fatal("remote speaking never detected")
	}

	local.SetMuted(true)
	select {
	case s := <-speaking:
		assert.False(t, s)
	case <-time.After(5 * time.Second):
		t.Fatal("remote silence never detected")
	}
}
