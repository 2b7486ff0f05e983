package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"voicemesh/internal/core/domain"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// PeerConnection is the subset of *webrtc.PeerConnection a session drives.
type PeerConnection interface {
	CreateOffer(options *webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(options *webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(desc webrtc.SessionDescription) error
	SetRemoteDescription(desc webrtc.SessionDescription) error
	AddICECandidate(candidate webrtc.ICECandidateInit) error
	AddTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	OnICECandidate(f func(*webrtc.ICECandidate))
	OnConnectionStateChange(f func(webrtc.PeerConnectionState))
	OnTrack(f func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	Close() error
}

// PeerConnectionFactory creates a fresh connection for every session.
type PeerConnectionFactory func() (PeerConnection, error)

// Signaler relays negotiation payloads to a remote participant.
type Signaler interface {
	Relay(ctx context.Context, kind domain.EventKind, to domain.ParticipantID, payload json.RawMessage) error
}

// TrackSource is the local outbound audio.
type TrackSource interface {
	Track() webrtc.TrackLocal
	ID() string
	SetMuted(muted bool)
}

// SessionConfig holds the timing and detection settings of a session.
type SessionConfig struct {
	ConnectionTimeout time.Duration
	ActivityThreshold float64
	SilenceHold       time.Duration
	SampleInterval    time.Duration
	RelayTimeout      time.Duration
}

type sessionHooks struct {
	onPhase          func(s *PeerSession, phase domain.SessionPhase)
	onRebuild        func(s *PeerSession)
	onRemoteSpeaking func(remote domain.ParticipantID, speaking bool)
}

// PeerSession is one negotiated media link to a remote participant.
type PeerSession struct {
	key      domain.SessionKey
	cfg      SessionConfig
	pc       PeerConnection
	signaler Signaler
	hooks    sessionHooks
	logger   *zap.SugaredLogger

	// ids of our own outbound tracks; inbound tracks with these ids are echoes
	localTrackIDs map[string]struct{}

	mu                sync.Mutex
	state             SessionState
	remoteDescSet     bool
	pendingCandidates []webrtc.ICECandidateInit
	timer             *time.Timer
	timerGen          uint64
	stats             domain.SessionStats
	monitors          []*ActivityMonitor
	meters            []*LevelMeter

	ctx    context.Context
	cancel context.CancelFunc
}

func newPeerSession(
	key domain.SessionKey,
	role domain.SessionRole,
	pc PeerConnection,
	local TrackSource,
	signaler Signaler,
	cfg SessionConfig,
	hooks sessionHooks,
	logger *zap.SugaredLogger,
) (*PeerSession, error) {
	if cfg.RelayTimeout <= 0 {
		cfg.RelayTimeout = 5 * time.Second
	}
	s := &PeerSession{
		key:           key,
		cfg:           cfg,
		pc:            pc,
		signaler:      signaler,
		hooks:         hooks,
		logger:        logger.With("peer_id", key.Remote, "room_id", key.Room),
		localTrackIDs: make(map[string]struct{}),
		state:         NewSessionState(role, key.Local, key.Remote),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	if local != nil {
		sender, err := pc.AddTrack(local.Track())
		if err != nil {
			return nil, fmt.Errorf("add local track: %w", err)
		}
		s.localTrackIDs[local.ID()] = struct{}{}
		if sender != nil {
			go s.readSenderRTCP(sender)
		}
	}

	pc.OnICECandidate(s.handleLocalCandidate)
	pc.OnConnectionStateChange(s.handleConnectionState)
	pc.OnTrack(s.handleTrack)
	return s, nil
}

func (s *PeerSession) Remote() domain.ParticipantID {
	return s.key.Remote
}

func (s *PeerSession) Phase() domain.SessionPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Phase
}

func (s *PeerSession) Role() domain.SessionRole {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Role
}

func (s *PeerSession) Stats() domain.SessionStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := s.stats
	for _, m := range s.meters {
		stats.PacketsReceived += m.Packets()
	}
	return stats
}

// Start begins negotiation on the initiator side.
func (s *PeerSession) Start() {
	s.fire(TriggerStart, nil)
}

func (s *PeerSession) HandleOffer(desc webrtc.SessionDescription) {
	s.fire(TriggerOfferReceived, &desc)
}

func (s *PeerSession) HandleAnswer(desc webrtc.SessionDescription) {
	s.fire(TriggerAnswerReceived, &desc)
}

// AddCandidate applies a remote candidate, or queues it until the remote
// description is known.
func (s *PeerSession) AddCandidate(candidate webrtc.ICECandidateInit) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state.Phase {
	case domain.PhaseClosed, domain.PhaseFailed:
		return
	}
	if !s.remoteDescSet {
		s.pendingCandidates = append(s.pendingCandidates, candidate)
		return
	}
	if err := s.pc.AddICECandidate(candidate); err != nil {
		s.logger.Debugw("failed to add ICE candidate", "error", err)
	}
}

func (s *PeerSession) Close() {
	s.fire(TriggerClose, nil)
}

// fire runs one transition and its actions. Hooks run after the lock is
// released.
func (s *PeerSession) fire(t Trigger, desc *webrtc.SessionDescription) {
	s.mu.Lock()
	prev := s.state.Phase
	rebuild, closePC := s.transitionLocked(t, desc)
	phase := s.state.Phase
	s.mu.Unlock()

	if closePC {
		s.teardown()
	}
	if phase != prev {
		s.logger.Infow("peer session state changed", "from", prev, "state", phase, "trigger", t)
		if s.hooks.onPhase != nil {
			s.hooks.onPhase(s, phase)
		}
	}
	if rebuild && s.hooks.onRebuild != nil {
		s.hooks.onRebuild(s)
	}
}

func (s *PeerSession) transitionLocked(t Trigger, desc *webrtc.SessionDescription) (rebuild, closePC bool) {
	next, actions := Transition(s.state, t)
	s.state = next

	for _, a := range actions {
		switch a {
		case ActionScheduleRebuild:
			rebuild = true
		case ActionTeardown:
			closePC = true
		}
		if err := s.performLocked(a, desc); err != nil {
			s.logger.Warnw("negotiation step failed", "action", a, "error", err)
			// a broken negotiation is handled like a failed link
			r, c := s.transitionLocked(TriggerLinkFailed, nil)
			return rebuild || r, closePC || c
		}
	}
	return rebuild, closePC
}

func (s *PeerSession) performLocked(a Action, desc *webrtc.SessionDescription) error {
	switch a {
	case ActionCreateOffer:
		return s.offerLocked(nil)

	case ActionRestartICE:
		return s.offerLocked(&webrtc.OfferOptions{ICERestart: true})

	case ActionRollback:
		if err := s.pc.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeRollback}); err != nil {
			return fmt.Errorf("rollback: %w", err)
		}

	case ActionAcceptOffer:
		if desc == nil {
			return fmt.Errorf("%w: offer without description", domain.ErrNegotiationFailed)
		}
		if err := s.setRemoteLocked(*desc); err != nil {
			return err
		}
		answer, err := s.pc.CreateAnswer(nil)
		if err != nil {
			return fmt.Errorf("%w: create answer: %v", domain.ErrNegotiationFailed, err)
		}
		if err := s.pc.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("%w: set local answer: %v", domain.ErrNegotiationFailed, err)
		}
		return s.sendLocked(domain.EventAnswer, answer)

	case ActionApplyAnswer:
		if desc == nil {
			return fmt.Errorf("%w: answer without description", domain.ErrNegotiationFailed)
		}
		return s.setRemoteLocked(*desc)

	case ActionStartTimer:
		s.stopTimerLocked()
		if s.cfg.ConnectionTimeout > 0 {
			gen := s.timerGen
			s.timer = time.AfterFunc(s.cfg.ConnectionTimeout, func() { s.onTimeout(gen) })
		}

	case ActionStopTimer:
		s.stopTimerLocked()

	case ActionTeardown:
		s.cancel()
		for _, m := range s.monitors {
			go m.Stop()
		}
		s.monitors = nil
		s.pendingCandidates = nil
	}
	return nil
}

func (s *PeerSession) offerLocked(opts *webrtc.OfferOptions) error {
	offer, err := s.pc.CreateOffer(opts)
	if err != nil {
		return fmt.Errorf("%w: create offer: %v", domain.ErrNegotiationFailed, err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("%w: set local offer: %v", domain.ErrNegotiationFailed, err)
	}
	return s.sendLocked(domain.EventOffer, offer)
}

func (s *PeerSession) setRemoteLocked(desc webrtc.SessionDescription) error {
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: set remote %s: %v", domain.ErrNegotiationFailed, desc.Type, err)
	}
	s.remoteDescSet = true

	for _, c := range s.pendingCandidates {
		if err := s.pc.AddICECandidate(c); err != nil {
			s.logger.Debugw("failed to add buffered ICE candidate", "error", err)
		}
	}
	s.pendingCandidates = nil
	return nil
}

func (s *PeerSession) sendLocked(kind domain.EventKind, desc webrtc.SessionDescription) error {
	payload, err := json.Marshal(desc)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RelayTimeout)
	defer cancel()
	if err := s.signaler.Relay(ctx, kind, s.key.Remote, payload); err != nil {
		return fmt.Errorf("relay %s: %w", kind, err)
	}
	return nil
}

func (s *PeerSession) stopTimerLocked() {
	s.timerGen++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *PeerSession) onTimeout(gen uint64) {
	s.mu.Lock()
	stale := gen != s.timerGen
	s.mu.Unlock()
	if stale {
		return
	}
	s.logger.Warnw("peer session timed out", "timeout", s.cfg.ConnectionTimeout)
	s.fire(TriggerTimeout, nil)
}

func (s *PeerSession) teardown() {
	if err := s.pc.Close(); err != nil {
		s.logger.Debugw("error closing peer connection", "error", err)
	}
}

func (s *PeerSession) handleLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	payload, err := json.Marshal(c.ToJSON())
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.RelayTimeout)
	defer cancel()
	if err := s.signaler.Relay(ctx, domain.EventCandidate, s.key.Remote, payload); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Debugw("failed to relay ICE candidate", "error", err)
	}
}

func (s *PeerSession) handleConnectionState(state webrtc.PeerConnectionState) {
	s.logger.Debugw("peer connection state changed", "connection_state", state)

	switch state {
	case webrtc.PeerConnectionStateConnected:
		s.fire(TriggerLinkConnected, nil)
	case webrtc.PeerConnectionStateDisconnected:
		s.fire(TriggerLinkDisconnected, nil)
	case webrtc.PeerConnectionStateFailed:
		s.fire(TriggerLinkFailed, nil)
	}
}

// acceptRemoteTrack reports whether an inbound track is a real remote track
// and not one of our own coming back.
func (s *PeerSession) acceptRemoteTrack(id string) bool {
	_, echo := s.localTrackIDs[id]
	return !echo
}

func (s *PeerSession) handleTrack(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	if !s.acceptRemoteTrack(track.ID()) {
		s.logger.Infow("ignoring local track to prevent echo", "track_id", track.ID())
		return
	}
	s.logger.Infow("remote track started",
		"track_id", track.ID(),
		"codec", track.Codec().MimeType,
	)

	meter := NewLevelMeter(audioLevelExtensionID(receiver.GetParameters()))
	s.mu.Lock()
	s.meters = append(s.meters, meter)
	s.mu.Unlock()

	go func() {
		if err := meter.Run(track); err != nil {
			s.logger.Debugw("remote track ended", "track_id", track.ID(), "error", err)
		}
	}()

	s.watchRemoteActivity(meter.Level)
}

// watchRemoteActivity starts a detector over a remote level source. Remote
// transitions only feed local rendering.
func (s *PeerSession) watchRemoteActivity(level LevelSource) {
	remote := s.key.Remote
	monitor := NewActivityMonitor(level, s.cfg.ActivityThreshold, s.cfg.SilenceHold, s.cfg.SampleInterval, func(speaking bool) {
		if s.hooks.onRemoteSpeaking != nil {
			s.hooks.onRemoteSpeaking(remote, speaking)
		}
	})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Phase == domain.PhaseClosed || s.state.Phase == domain.PhaseFailed {
		return
	}
	monitor.Start(s.ctx)
	s.monitors = append(s.monitors, monitor)
}

// readSenderRTCP drains RTCP for our outbound track. Receiver reports from the
// remote describe how our audio arrives.
func (s *PeerSession) readSenderRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
				s.logger.Debugw("error reading RTCP packets", "error", err)
			}
			return
		}
		s.processRTCPPackets(packets)
	}
}

func (s *PeerSession) processRTCPPackets(packets []rtcp.Packet) {
	var (
		totalLoss   float64
		totalJitter uint32
		reports     int
		nacks       int
	)

	for _, packet := range packets {
		switch p := packet.(type) {
		case *rtcp.ReceiverReport:
			for _, report := range p.Reports {
				totalLoss += float64(report.FractionLost) / 256
				totalJitter += report.Jitter
				reports++
			}
		case *rtcp.TransportLayerNack:
			nacks += len(p.Nacks)
		}
	}

	if reports == 0 && nacks == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Timestamp = time.Now()
	if reports > 0 {
		s.stats.PacketLoss = totalLoss / float64(reports)
		// jitter is in RTP timestamp units of the 48 kHz Opus clock
		s.stats.Jitter = time.Duration(totalJitter/uint32(reports)) * time.Second / 48000
		s.stats.Reports += reports
	}

	if s.stats.PacketLoss > 0.1 {
		s.logger.Debugw("high packet loss reported",
			"packet_loss", s.stats.PacketLoss,
			"jitter", s.stats.Jitter,
			"nacks", nacks,
		)
	}
}
