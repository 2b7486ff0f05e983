package webrtc

import "voicemesh/internal/core/domain"

// Trigger is an input to the negotiation state machine.
type Trigger string

const (
	TriggerStart            Trigger = "start"
	TriggerOfferReceived    Trigger = "offer_received"
	TriggerAnswerReceived   Trigger = "answer_received"
	TriggerLinkConnected    Trigger = "link_connected"
	TriggerLinkDisconnected Trigger = "link_disconnected"
	TriggerLinkFailed       Trigger = "link_failed"
	TriggerTimeout          Trigger = "timeout"
	TriggerClose            Trigger = "close"
)

// Action is a side effect the session must carry out after a transition.
type Action string

const (
	ActionCreateOffer     Action = "create_offer"
	ActionAcceptOffer     Action = "accept_offer"
	ActionApplyAnswer     Action = "apply_answer"
	ActionRollback        Action = "rollback"
	ActionRestartICE      Action = "restart_ice"
	ActionStartTimer      Action = "start_timer"
	ActionStopTimer       Action = "stop_timer"
	ActionTeardown        Action = "teardown"
	ActionScheduleRebuild Action = "schedule_rebuild"
)

// SessionState is the negotiation state of one peer session. It is a plain
// value; Transition never mutates its input.
type SessionState struct {
	Phase domain.SessionPhase
	Role  domain.SessionRole

	// Polite sides give way when both ends send offers at once.
	Polite bool

	// Restarted is set once the in-place ICE restart has been spent.
	Restarted bool
}

// NewSessionState returns the initial state for a session between local and
// remote. The lexically smaller id is the polite side.
func NewSessionState(role domain.SessionRole, local, remote domain.ParticipantID) SessionState {
	return SessionState{
		Phase:  domain.PhaseNew,
		Role:   role,
		Polite: local < remote,
	}
}

// Transition applies t to s and returns the next state and the actions to
// perform, in order. Unknown or irrelevant triggers leave the state unchanged
// and return no actions.
func Transition(s SessionState, t Trigger) (SessionState, []Action) {
	if s.Phase == domain.PhaseClosed {
		return s, nil
	}

	if t == TriggerClose {
		s.Phase = domain.PhaseClosed
		return s, []Action{ActionStopTimer, ActionTeardown}
	}

	if s.Phase == domain.PhaseFailed {
		// a failed session waits for its rebuild
		return s, nil
	}

	switch t {
	case TriggerStart:
		if s.Phase == domain.PhaseNew && s.Role == domain.RoleInitiator {
			s.Phase = domain.PhaseNegotiating
			return s, []Action{ActionStartTimer, ActionCreateOffer}
		}

	case TriggerOfferReceived:
		return onOffer(s)

	case TriggerAnswerReceived:
		if s.Role == domain.RoleInitiator && s.Phase != domain.PhaseNew {
			return s, []Action{ActionApplyAnswer}
		}

	case TriggerLinkConnected:
		if s.Phase == domain.PhaseNegotiating || s.Phase == domain.PhaseDisconnected {
			s.Phase = domain.PhaseConnected
			s.Restarted = false
			return s, []Action{ActionStopTimer}
		}

	case TriggerLinkDisconnected:
		if s.Phase == domain.PhaseConnected {
			return degrade(s)
		}

	case TriggerTimeout:
		switch s.Phase {
		case domain.PhaseNegotiating:
			return degrade(s)
		case domain.PhaseDisconnected:
			return fail(s)
		}

	case TriggerLinkFailed:
		if s.Phase != domain.PhaseNew {
			return fail(s)
		}
	}

	return s, nil
}

func onOffer(s SessionState) (SessionState, []Action) {
	switch s.Phase {
	case domain.PhaseNew:
		if s.Role == domain.RoleResponder {
			s.Phase = domain.PhaseNegotiating
			return s, []Action{ActionStartTimer, ActionAcceptOffer}
		}
		// an initiator that has not offered yet simply answers
		s.Role = domain.RoleResponder
		s.Phase = domain.PhaseNegotiating
		return s, []Action{ActionStartTimer, ActionAcceptOffer}

	case domain.PhaseNegotiating:
		if s.Role == domain.RoleResponder {
			return s, []Action{ActionAcceptOffer}
		}
		// glare: both ends have an outstanding offer
		if !s.Polite {
			return s, nil
		}
		s.Role = domain.RoleResponder
		return s, []Action{ActionRollback, ActionAcceptOffer}

	case domain.PhaseConnected, domain.PhaseDisconnected:
		// renegotiation or ICE restart from the initiator
		if s.Role == domain.RoleResponder {
			return s, []Action{ActionAcceptOffer}
		}
	}
	return s, nil
}

// degrade handles a lost or stalled link. The initiator restarts ICE in place
// once; anything after that is a failure.
func degrade(s SessionState) (SessionState, []Action) {
	if s.Role == domain.RoleInitiator && s.Restarted {
		return fail(s)
	}
	s.Phase = domain.PhaseDisconnected
	if s.Role == domain.RoleInitiator {
		s.Restarted = true
		return s, []Action{ActionStartTimer, ActionRestartICE}
	}
	return s, []Action{ActionStartTimer}
}

func fail(s SessionState) (SessionState, []Action) {
	s.Phase = domain.PhaseFailed
	return s, []Action{ActionStopTimer, ActionTeardown, ActionScheduleRebuild}
}
