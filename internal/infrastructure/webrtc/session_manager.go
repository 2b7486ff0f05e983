package webrtc

import (
	"encoding/json"
	"sync"
	"time"

	"voicemesh/internal/core/domain"
	"voicemesh/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Listener receives session-level notifications for rendering.
type Listener interface {
	RemoteSpeaking(remote domain.ParticipantID, speaking bool)
	SessionPhase(remote domain.ParticipantID, phase domain.SessionPhase)
	// SessionFailing is called on every failure once the consecutive failure
	// count reaches the notice threshold. Rebuilds continue regardless.
	SessionFailing(remote domain.ParticipantID, failures int)
}

type ManagerConfig struct {
	ConnectionTimeout      time.Duration
	RebuildBackoff         time.Duration
	FailureNoticeThreshold int
	ActivityThreshold      float64
	SilenceHold            time.Duration
	SampleInterval         time.Duration
}

func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		ConnectionTimeout:      30 * time.Second,
		RebuildBackoff:         time.Second,
		FailureNoticeThreshold: 3,
		ActivityThreshold:      0.08,
		SilenceHold:            500 * time.Millisecond,
		SampleInterval:         time.Second / 60,
	}
}

// SessionManager keeps one negotiated session per other member of the
// current room.
type SessionManager struct {
	localID  domain.ParticipantID
	cfg      ManagerConfig
	factory  PeerConnectionFactory
	signaler Signaler
	local    TrackSource
	listener Listener

	mu         sync.Mutex
	room       domain.RoomID
	generation uint64
	sessions   map[domain.ParticipantID]*PeerSession
	failures   map[domain.ParticipantID]int

	logger *zap.SugaredLogger
}

var _ ports.PeerSessions = (*SessionManager)(nil)

func NewSessionManager(
	localID domain.ParticipantID,
	cfg ManagerConfig,
	factory PeerConnectionFactory,
	signaler Signaler,
	local TrackSource,
	listener Listener,
	logger *zap.Logger,
) *SessionManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if listener == nil {
		listener = nopListener{}
	}
	return &SessionManager{
		localID:  localID,
		cfg:      cfg,
		factory:  factory,
		signaler: signaler,
		local:    local,
		listener: listener,
		sessions: make(map[domain.ParticipantID]*PeerSession),
		failures: make(map[domain.ParticipantID]int),
		logger:   logger.Sugar().With("participant_id", localID),
	}
}

// Enter prepares responder sessions toward the members already in roomID.
// The newcomer never offers; existing members initiate toward it.
func (m *SessionManager) Enter(roomID domain.RoomID, existing []domain.ParticipantID) {
	m.mu.Lock()
	var stale []*PeerSession
	if m.room != roomID {
		stale = m.detachAllLocked()
	}
	m.room = roomID

	for _, remote := range existing {
		if remote == m.localID {
			continue
		}
		if _, ok := m.sessions[remote]; ok {
			continue
		}
		if _, err := m.createLocked(remote, domain.RoleResponder); err != nil {
			m.logger.Errorw("failed to prepare peer session", "peer_id", remote, "error", err)
		}
	}
	m.mu.Unlock()

	for _, s := range stale {
		s.Close()
	}
	m.logger.Infow("entered room", "room_id", roomID, "peers", len(existing))
}

// Initiate opens a session toward remote as the offering side. A live
// session toward remote is left alone.
func (m *SessionManager) Initiate(remote domain.ParticipantID) {
	m.mu.Lock()
	if m.room == "" || remote == m.localID {
		m.mu.Unlock()
		return
	}

	old, exists := m.sessions[remote]
	if exists && isLive(old.Phase()) {
		m.mu.Unlock()
		return
	}

	s, err := m.createLocked(remote, domain.RoleInitiator)
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	if err != nil {
		m.logger.Errorw("failed to create peer session", "peer_id", remote, "error", err)
		return
	}
	s.Start()
}

// HandleSignal routes a relayed negotiation message or peer notice.
func (m *SessionManager) HandleSignal(ev domain.Event) {
	m.mu.Lock()
	room := m.room
	m.mu.Unlock()
	if room == "" || (ev.RoomID != "" && ev.RoomID != room) {
		return
	}

	switch ev.Kind {
	case domain.EventPeerReady:
		m.Initiate(ev.ActorID)

	case domain.EventPeerLeft:
		m.Drop(ev.ActorID)

	case domain.EventOffer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(ev.Payload, &desc); err != nil {
			m.logger.Warnw("invalid offer payload", "peer_id", ev.ActorID, "error", err)
			return
		}
		if s := m.responderFor(ev.ActorID); s != nil {
			s.HandleOffer(desc)
		}

	case domain.EventAnswer:
		var desc webrtc.SessionDescription
		if err := json.Unmarshal(ev.Payload, &desc); err != nil {
			m.logger.Warnw("invalid answer payload", "peer_id", ev.ActorID, "error", err)
			return
		}
		if s := m.session(ev.ActorID); s != nil {
			s.HandleAnswer(desc)
		}

	case domain.EventCandidate:
		var candidate webrtc.ICECandidateInit
		if err := json.Unmarshal(ev.Payload, &candidate); err != nil {
			m.logger.Debugw("invalid candidate payload", "peer_id", ev.ActorID, "error", err)
			return
		}
		if s := m.session(ev.ActorID); s != nil {
			s.AddCandidate(candidate)
		}
	}
}

// responderFor returns the session that should take an offer from remote,
// replacing one that is failed or closed.
func (m *SessionManager) responderFor(remote domain.ParticipantID) *PeerSession {
	if remote == m.localID {
		return nil
	}

	m.mu.Lock()
	old, exists := m.sessions[remote]
	if exists && isLive(old.Phase()) {
		m.mu.Unlock()
		return old
	}
	s, err := m.createLocked(remote, domain.RoleResponder)
	m.mu.Unlock()

	if old != nil && err == nil {
		m.retire(old)
	}
	if err != nil {
		m.logger.Errorw("failed to create peer session", "peer_id", remote, "error", err)
		return nil
	}
	return s
}

func (m *SessionManager) session(remote domain.ParticipantID) *PeerSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[remote]
}

func (m *SessionManager) Drop(remote domain.ParticipantID) {
	m.mu.Lock()
	s, ok := m.sessions[remote]
	delete(m.sessions, remote)
	delete(m.failures, remote)
	m.mu.Unlock()

	if ok {
		s.Close()
		m.listener.SessionPhase(remote, domain.PhaseClosed)
		m.logger.Infow("peer session dropped", "peer_id", remote)
	}
}

// CloseAll stops every session and forgets the room. Pending rebuilds are
// abandoned.
func (m *SessionManager) CloseAll() {
	m.mu.Lock()
	sessions := m.detachAllLocked()
	m.room = ""
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}

func (m *SessionManager) detachAllLocked() []*PeerSession {
	m.generation++
	out := make([]*PeerSession, 0, len(m.sessions))
	for remote, s := range m.sessions {
		out = append(out, s)
		delete(m.sessions, remote)
	}
	m.failures = make(map[domain.ParticipantID]int)
	return out
}

func (m *SessionManager) SetMuted(muted bool) {
	if m.local != nil {
		m.local.SetMuted(muted)
	}
}

func (m *SessionManager) Phase(remote domain.ParticipantID) (domain.SessionPhase, bool) {
	s := m.session(remote)
	if s == nil {
		return "", false
	}
	return s.Phase(), true
}

// Peers lists remotes with a session, live or not.
func (m *SessionManager) Peers() []domain.ParticipantID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ParticipantID, 0, len(m.sessions))
	for remote := range m.sessions {
		out = append(out, remote)
	}
	return out
}

func (m *SessionManager) Stats(remote domain.ParticipantID) (domain.SessionStats, bool) {
	s := m.session(remote)
	if s == nil {
		return domain.SessionStats{}, false
	}
	return s.Stats(), true
}

func (m *SessionManager) createLocked(remote domain.ParticipantID, role domain.SessionRole) (*PeerSession, error) {
	pc, err := m.factory()
	if err != nil {
		return nil, err
	}

	s, err := newPeerSession(
		domain.SessionKey{Local: m.localID, Remote: remote, Room: m.room},
		role,
		pc,
		m.local,
		m.signaler,
		SessionConfig{
			ConnectionTimeout: m.cfg.ConnectionTimeout,
			ActivityThreshold: m.cfg.ActivityThreshold,
			SilenceHold:       m.cfg.SilenceHold,
			SampleInterval:    m.cfg.SampleInterval,
		},
		sessionHooks{
			onPhase:          m.onPhase,
			onRebuild:        m.onRebuild,
			onRemoteSpeaking: m.listener.RemoteSpeaking,
		},
		m.logger,
	)
	if err != nil {
		pc.Close()
		return nil, err
	}

	m.sessions[remote] = s
	return s, nil
}

func (m *SessionManager) onPhase(s *PeerSession, phase domain.SessionPhase) {
	remote := s.Remote()

	m.mu.Lock()
	current := m.sessions[remote] == s
	if current && phase == domain.PhaseConnected {
		delete(m.failures, remote)
	}
	m.mu.Unlock()

	if current {
		m.listener.SessionPhase(remote, phase)
	}
}

// onRebuild schedules a fresh initiator session after the backoff.
func (m *SessionManager) onRebuild(s *PeerSession) {
	remote := s.Remote()

	m.mu.Lock()
	if m.sessions[remote] != s {
		m.mu.Unlock()
		return
	}
	m.failures[remote]++
	failures := m.failures[remote]
	gen := m.generation
	m.mu.Unlock()

	if m.cfg.FailureNoticeThreshold > 0 && failures >= m.cfg.FailureNoticeThreshold {
		m.listener.SessionFailing(remote, failures)
	}
	m.logger.Warnw("peer session failed, rebuilding",
		"peer_id", remote,
		"failures", failures,
		"backoff", m.cfg.RebuildBackoff,
	)

	time.AfterFunc(m.cfg.RebuildBackoff, func() { m.rebuild(remote, s, gen) })
}

func (m *SessionManager) rebuild(remote domain.ParticipantID, failed *PeerSession, gen uint64) {
	m.mu.Lock()
	if gen != m.generation || m.sessions[remote] != failed {
		m.mu.Unlock()
		return
	}
	s, err := m.createLocked(remote, domain.RoleInitiator)
	m.mu.Unlock()

	if err != nil {
		m.logger.Errorw("failed to rebuild peer session", "peer_id", remote, "error", err)
		return
	}
	m.retire(failed)
	s.Start()
}

// retire closes a session that was just replaced. onPhase ignores sessions
// that are no longer current, so the listener is told here.
func (m *SessionManager) retire(old *PeerSession) {
	if old.Phase() == domain.PhaseClosed {
		return
	}
	old.Close()
	m.listener.SessionPhase(old.Remote(), domain.PhaseClosed)
}

func isLive(phase domain.SessionPhase) bool {
	return phase != domain.PhaseFailed && phase != domain.PhaseClosed
}

type nopListener struct{}

func (nopListener) RemoteSpeaking(domain.ParticipantID, bool) {}
func (nopListener) SessionPhase(domain.ParticipantID, domain.SessionPhase) {}
func (nopListener) SessionFailing(domain.ParticipantID, int) {}
