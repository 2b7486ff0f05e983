package signal

import (
	"encoding/json"
	"fmt"

	"voicemesh/internal/core/domain"
)

// Client to server message types.
const (
	TypeJoinRoom     = "join_room"
	TypeLeaveRoom    = "leave_room"
	TypeGetOccupancy = "get_occupancy"
	TypeSetMuted     = "set_muted"
	TypeMuteUser     = "mute_user"
	TypeUnmuteUser   = "unmute_user"
	TypeSpeaking     = "speaking"
	TypeReaction     = "reaction"
	TypeReady        = "ready"
	TypeOffer        = "offer"
	TypeAnswer       = "answer"
	TypeCandidate    = "candidate"
)

// Server to client message types. Event kinds map onto their own names.
const (
	TypeAck     = "ack"
	TypeWelcome = "welcome"
	TypeError   = "error"
)

// Message is the envelope for every frame in both directions.
type Message struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type RoomPayload struct {
	RoomID domain.RoomID `json:"room_id"`
}

type MutePayload struct {
	RoomID domain.RoomID `json:"room_id"`
	Muted  bool          `json:"muted"`
}

type ModeratePayload struct {
	TargetID domain.ParticipantID `json:"target_id"`
}

type SpeakingPayload struct {
	RoomID   domain.RoomID `json:"room_id"`
	Speaking bool          `json:"speaking"`
}

type ReactionPayload struct {
	RoomID domain.RoomID `json:"room_id"`
	Symbol string        `json:"symbol"`
}

// RelayPayload carries an opaque negotiation blob. Clients set To; the server
// replaces it with From on delivery.
type RelayPayload struct {
	To      domain.ParticipantID `json:"to,omitempty"`
	From    domain.ParticipantID `json:"from,omitempty"`
	RoomID  domain.RoomID        `json:"room_id,omitempty"`
	Payload json.RawMessage      `json:"payload"`
}

// AckPayload answers a request carrying a request_id.
type AckPayload struct {
	OK      bool                   `json:"ok"`
	Error   string                 `json:"error,omitempty"`
	Members domain.Roster          `json:"members,omitempty"`
	Counts  map[domain.RoomID]int  `json:"counts,omitempty"`
	Peers   []domain.ParticipantID `json:"peers,omitempty"`
}

type WelcomePayload struct {
	ParticipantID domain.ParticipantID `json:"participant_id"`
	Name          string               `json:"name"`
	Role          domain.Role          `json:"role"`
	Avatar        string               `json:"avatar"`
	Muted         bool                 `json:"muted"`
}

type RosterPayload struct {
	RoomID    domain.RoomID        `json:"room_id"`
	ActorID   domain.ParticipantID `json:"actor_id,omitempty"`
	ActorName string               `json:"actor_name,omitempty"`
	Reason    domain.RosterReason  `json:"reason,omitempty"`
	Members   domain.Roster        `json:"members"`
}

type OccupancyPayload struct {
	Counts map[domain.RoomID]int `json:"counts"`
}

type MuteNoticePayload struct {
	RoomID    domain.RoomID        `json:"room_id"`
	TargetID  domain.ParticipantID `json:"target_id"`
	ActorID   domain.ParticipantID `json:"actor_id,omitempty"`
	ActorName string               `json:"actor_name,omitempty"`
}

type SpeakingStatusPayload struct {
	RoomID        domain.RoomID        `json:"room_id"`
	ParticipantID domain.ParticipantID `json:"participant_id"`
	Speaking      bool                 `json:"speaking"`
}

type ReactionBroadcastPayload struct {
	RoomID        domain.RoomID        `json:"room_id"`
	ParticipantID domain.ParticipantID `json:"participant_id"`
	Name          string               `json:"name"`
	Symbol        string               `json:"symbol"`
}

type PeerPayload struct {
	RoomID        domain.RoomID        `json:"room_id"`
	ParticipantID domain.ParticipantID `json:"participant_id"`
	Name          string               `json:"name,omitempty"`
}

type FatalPayload struct {
	Message string `json:"message"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewMessage marshals payload into an envelope.
func NewMessage(msgType, requestID string, payload interface{}) (Message, error) {
	msg := Message{Type: msgType, RequestID: requestID}
	if payload == nil {
		return msg, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	msg.Payload = raw
	return msg, nil
}

// DecodePayload unmarshals the envelope payload into v.
func (m Message) DecodePayload(v interface{}) error {
	if len(m.Payload) == 0 {
		return fmt.Errorf("%s: payload is required", m.Type)
	}
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return fmt.Errorf("invalid %s payload: %w", m.Type, err)
	}
	return nil
}

// EncodeEvent turns a registry event into the wire message for one recipient.
func EncodeEvent(ev domain.Event) (Message, error) {
	var payload interface{}

	switch ev.Kind {
	case domain.EventRosterUpdated:
		payload = RosterPayload{
			RoomID:    ev.RoomID,
			ActorID:   ev.ActorID,
			ActorName: ev.ActorName,
			Reason:    ev.Reason,
			Members:   ev.Members,
		}
	case domain.EventOccupancy:
		payload = OccupancyPayload{Counts: ev.Counts}
	case domain.EventMuted, domain.EventUnmuted:
		payload = MuteNoticePayload{
			RoomID:    ev.RoomID,
			TargetID:  ev.TargetID,
			ActorID:   ev.ActorID,
			ActorName: ev.ActorName,
		}
	case domain.EventSpeaking:
		payload = SpeakingStatusPayload{RoomID: ev.RoomID, ParticipantID: ev.ActorID, Speaking: ev.Speaking}
	case domain.EventReaction:
		payload = ReactionBroadcastPayload{
			RoomID:        ev.RoomID,
			ParticipantID: ev.ActorID,
			Name:          ev.ActorName,
			Symbol:        ev.Symbol,
		}
	case domain.EventPeerReady, domain.EventPeerLeft:
		payload = PeerPayload{RoomID: ev.RoomID, ParticipantID: ev.ActorID, Name: ev.ActorName}
	case domain.EventOffer, domain.EventAnswer, domain.EventCandidate:
		payload = RelayPayload{From: ev.ActorID, RoomID: ev.RoomID, Payload: ev.Payload}
	case domain.EventFatal:
		payload = FatalPayload{Message: ev.Message}
	default:
		return Message{}, fmt.Errorf("unknown event kind %q", ev.Kind)
	}

	return NewMessage(string(ev.Kind), "", payload)
}

// DecodeEvent is the client-side inverse of EncodeEvent.
func DecodeEvent(msg Message) (domain.Event, error) {
	kind := domain.EventKind(msg.Type)
	ev := domain.Event{Kind: kind}

	switch kind {
	case domain.EventRosterUpdated:
		var p RosterPayload
		if err := msg.DecodePayload(&p); err != nil {
			return ev, err
		}
		ev.RoomID, ev.ActorID, ev.ActorName, ev.Reason, ev.Members = p.RoomID, p.ActorID, p.ActorName, p.Reason, p.Members
		if ev.Members == nil {
			ev.Members = domain.Roster{}
		}
	case domain.EventOccupancy:
		var p OccupancyPayload
		if err := msg.DecodePayload(&p); err != nil {
			return ev, err
		}
		ev.Counts = p.Counts
	case domain.EventMuted, domain.EventUnmuted:
		var p MuteNoticePayload
		if err := msg.DecodePayload(&p); err != nil {
			return ev, err
		}
		ev.RoomID, ev.TargetID, ev.ActorID, ev.ActorName = p.RoomID, p.TargetID, p.ActorID, p.ActorName
	case domain.EventSpeaking:
		var p SpeakingStatusPayload
		if err := msg.DecodePayload(&p); err != nil {
			return ev, err
		}
		ev.RoomID, ev.ActorID, ev.Speaking = p.RoomID, p.ParticipantID, p.Speaking
	case domain.EventReaction:
		var p ReactionBroadcastPayload
		if err := msg.DecodePayload(&p); err != nil {
			return ev, err
		}
		ev.RoomID, ev.ActorID, ev.ActorName, ev.Symbol = p.RoomID, p.ParticipantID, p.Name, p.Symbol
	case domain.EventPeerReady, domain.EventPeerLeft:
		var p PeerPayload
		if err := msg.DecodePayload(&p); err != nil {
			return ev, err
		}
		ev.RoomID, ev.ActorID, ev.ActorName = p.RoomID, p.ParticipantID, p.Name
	case domain.EventOffer, domain.EventAnswer, domain.EventCandidate:
		var p RelayPayload
		if err := msg.DecodePayload(&p); err != nil {
			return ev, err
		}
		ev.RoomID, ev.ActorID, ev.Payload = p.RoomID, p.From, p.Payload
	case domain.EventFatal:
		var p FatalPayload
		if err := msg.DecodePayload(&p); err != nil {
			return ev, err
		}
		ev.Message = p.Message
	default:
		return ev, fmt.Errorf("unknown message type %q", msg.Type)
	}

	return ev, nil
}
