package domain

import "encoding/json"

type EventKind string

const (
	EventRosterUpdated EventKind = "roster_updated"
	EventOccupancy     EventKind = "occupancy"
	EventMuted         EventKind = "muted"
	EventUnmuted       EventKind = "unmuted"
	EventSpeaking      EventKind = "speaking_status"
	EventReaction      EventKind = "reaction"
	EventPeerReady     EventKind = "peer_ready"
	EventPeerLeft      EventKind = "peer_left"
	EventOffer         EventKind = "offer"
	EventAnswer        EventKind = "answer"
	EventCandidate     EventKind = "candidate"
	EventFatal         EventKind = "fatal"
)

// RosterReason tells roster recipients why the roster changed.
type RosterReason string

const (
	ReasonJoined RosterReason = "joined"
	ReasonLeft   RosterReason = "left"
	ReasonMuted  RosterReason = "mute_changed"
)

// Event is a server-to-client notification produced by the registry. Only the
// fields relevant to Kind are set.
type Event struct {
	Kind      EventKind
	RoomID    RoomID
	ActorID   ParticipantID
	ActorName string
	Reason    RosterReason
	Members   Roster
	Counts    map[RoomID]int
	TargetID  ParticipantID
	Speaking  bool
	Symbol    string
	Payload   json.RawMessage
	Message   string
}

// IsRelay reports whether the event carries an opaque negotiation payload.
func (e Event) IsRelay() bool {
	switch e.Kind {
	case EventOffer, EventAnswer, EventCandidate:
		return true
	}
	return false
}
