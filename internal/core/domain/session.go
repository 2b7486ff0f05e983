package domain

// SessionPhase is the negotiation state of one client-side peer session.
type SessionPhase string

const (
	PhaseNew          SessionPhase = "new"
	PhaseNegotiating  SessionPhase = "negotiating"
	PhaseConnected    SessionPhase = "connected"
	PhaseDisconnected SessionPhase = "disconnected"
	PhaseFailed       SessionPhase = "failed"
	PhaseClosed       SessionPhase = "closed"
)

func (p SessionPhase) Terminal() bool {
	return p == PhaseClosed
}

type SessionRole string

const (
	RoleInitiator SessionRole = "initiator"
	RoleResponder SessionRole = "responder"
)

// SessionKey identifies a peer session from the local side.
type SessionKey struct {
	Local  ParticipantID
	Remote ParticipantID
	Room   RoomID
}
