package webrtc

import (
	"testing"

	"voicemesh/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

func TestTransition_InitiatorHappyPath(t *testing.T) {
	s := NewSessionState(domain.RoleInitiator, "a", "b")

	s, actions := Transition(s, TriggerStart)
	assert.Equal(t, domain.PhaseNegotiating, s.Phase)
	assert.Equal(t, []Action{ActionStartTimer, ActionCreateOffer}, actions)

	s, actions = Transition(s, TriggerAnswerReceived)
	assert.Equal(t, domain.PhaseNegotiating, s.Phase)
	assert.Equal(t, []Action{ActionApplyAnswer}, actions)

	s, actions = Transition(s, TriggerLinkConnected)
	assert.Equal(t, domain.PhaseConnected, s.Phase)
	assert.Equal(t, []Action{ActionStopTimer}, actions)

	s, actions = Transition(s, TriggerClose)
	assert.Equal(t, domain.PhaseClosed, s.Phase)
	assert.Equal(t, []Action{ActionStopTimer, ActionTeardown}, actions)

	// closed is terminal
	for _, tr := range []Trigger{TriggerStart, TriggerOfferReceived, TriggerLinkConnected, TriggerClose} {
		next, actions := Transition(s, tr)
		assert.Equal(t, domain.PhaseClosed, next.Phase)
		assert.Empty(t, actions)
	}
}

func TestTransition_ResponderWaitsForOffer(t *testing.T) {
	s := NewSessionState(domain.RoleResponder, "b", "a")

	next, actions := Transition(s, TriggerStart)
	assert.Equal(t, domain.PhaseNew, next.Phase, "responders never offer")
	assert.Empty(t, actions)

	next, actions = Transition(s, TriggerAnswerReceived)
	assert.Equal(t, domain.PhaseNew, next.Phase)
	assert.Empty(t, actions)

	s, actions = Transition(s, TriggerOfferReceived)
	assert.Equal(t, domain.PhaseNegotiating, s.Phase)
	assert.Equal(t, []Action{ActionStartTimer, ActionAcceptOffer}, actions)

	s, _ = Transition(s, TriggerLinkConnected)
	assert.Equal(t, domain.PhaseConnected, s.Phase)

	// restart offers from the initiator are answered in place
	next, actions = Transition(s, TriggerOfferReceived)
	assert.Equal(t, domain.PhaseConnected, next.Phase)
	assert.Equal(t, []Action{ActionAcceptOffer}, actions)
}

func TestTransition_DisconnectRestartsICEOnce(t *testing.T) {
	s := NewSessionState(domain.RoleInitiator, "a", "b")
	s, _ = Transition(s, TriggerStart)
	s, _ = Transition(s, TriggerLinkConnected)

	s, actions := Transition(s, TriggerLinkDisconnected)
	assert.Equal(t, domain.PhaseDisconnected, s.Phase)
	assert.Equal(t, []Action{ActionStartTimer, ActionRestartICE}, actions)
	assert.True(t, s.Restarted)

	// no second restart while still down
	next, actions := Transition(s, TriggerLinkDisconnected)
	assert.Equal(t, domain.PhaseDisconnected, next.Phase)
	assert.Empty(t, actions)

	recovered, actions := Transition(s, TriggerLinkConnected)
	assert.Equal(t, domain.PhaseConnected, recovered.Phase)
	assert.False(t, recovered.Restarted)
	assert.Equal(t, []Action{ActionStopTimer}, actions)

	failed, actions := Transition(s, TriggerTimeout)
	assert.Equal(t, domain.PhaseFailed, failed.Phase)
	assert.Equal(t, []Action{ActionStopTimer, ActionTeardown, ActionScheduleRebuild}, actions)
}

func TestTransition_ResponderDoesNotRestart(t *testing.T) {
	s := NewSessionState(domain.RoleResponder, "b", "a")
	s, _ = Transition(s, TriggerOfferReceived)
	s, _ = Transition(s, TriggerLinkConnected)

	s, actions := Transition(s, TriggerLinkDisconnected)
	assert.Equal(t, domain.PhaseDisconnected, s.Phase)
	assert.Equal(t, []Action{ActionStartTimer}, actions)

	s, actions = Transition(s, TriggerTimeout)
	assert.Equal(t, domain.PhaseFailed, s.Phase)
	assert.Contains(t, actions, ActionScheduleRebuild)
}

func TestTransition_NegotiationTimeout(t *testing.T) {
	s := NewSessionState(domain.RoleInitiator, "a", "b")
	s, _ = Transition(s, TriggerStart)

	s, actions := Transition(s, TriggerTimeout)
	assert.Equal(t, domain.PhaseDisconnected, s.Phase)
	assert.Equal(t, []Action{ActionStartTimer, ActionRestartICE}, actions)

	s, actions = Transition(s, TriggerTimeout)
	assert.Equal(t, domain.PhaseFailed, s.Phase)
	assert.Contains(t, actions, ActionTeardown)
}

func TestTransition_LinkFailedRebuilds(t *testing.T) {
	s := NewSessionState(domain.RoleResponder, "b", "a")

	next, actions := Transition(s, TriggerLinkFailed)
	assert.Equal(t, domain.PhaseNew, next.Phase, "nothing to fail before negotiation")
	assert.Empty(t, actions)

	s, _ = Transition(s, TriggerOfferReceived)
	s, actions = Transition(s, TriggerLinkFailed)
	assert.Equal(t, domain.PhaseFailed, s.Phase)
	assert.Equal(t, []Action{ActionStopTimer, ActionTeardown, ActionScheduleRebuild}, actions)

	// a failed session ignores everything but close
	next, actions = Transition(s, TriggerOfferReceived)
	assert.Equal(t, domain.PhaseFailed, next.Phase)
	assert.Empty(t, actions)

	next, _ = Transition(s, TriggerClose)
	assert.Equal(t, domain.PhaseClosed, next.Phase)
}

func TestTransition_Glare(t *testing.T) {
	polite := NewSessionState(domain.RoleInitiator, "alice", "bob")
	impolite := NewSessionState(domain.RoleInitiator, "bob", "alice")
	assert.True(t, polite.Polite)
	assert.False(t, impolite.Polite)

	polite, _ = Transition(polite, TriggerStart)
	impolite, _ = Transition(impolite, TriggerStart)

	polite, actions := Transition(polite, TriggerOfferReceived)
	assert.Equal(t, domain.RoleResponder, polite.Role)
	assert.Equal(t, []Action{ActionRollback, ActionAcceptOffer}, actions)

	impolite, actions = Transition(impolite, TriggerOfferReceived)
	assert.Equal(t, domain.RoleInitiator, impolite.Role)
	assert.Empty(t, actions, "the larger id ignores the competing offer")

	_, actions = Transition(impolite, TriggerAnswerReceived)
	assert.Equal(t, []Action{ActionApplyAnswer}, actions)
}

func TestTransition_DoesNotMutateInput(t *testing.T) {
	s := NewSessionState(domain.RoleInitiator, "a", "b")
	before := s
	_, _ = Transition(s, TriggerStart)
	assert.Equal(t, before, s)
}
