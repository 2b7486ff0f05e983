package ports

import (
	"context"
	"encoding/json"
	"time"

	"voicemesh/internal/core/domain"
)

// RoomRegistry is the authoritative server-side room and participant store.
type RoomRegistry interface {
	Connect(ctx context.Context, p domain.Participant) error
	Disconnect(ctx context.Context, id domain.ParticipantID) error
	Participant(ctx context.Context, id domain.ParticipantID) (domain.Participant, error)

	Admit(ctx context.Context, id domain.ParticipantID, roomID domain.RoomID) (domain.Roster, error)
	Remove(ctx context.Context, id domain.ParticipantID, roomID domain.RoomID) error
	SetMuted(ctx context.Context, id domain.ParticipantID, roomID domain.RoomID, muted bool) error
	ModeratorSetMuted(ctx context.Context, requester, target domain.ParticipantID, muted bool) error
	SetSpeaking(ctx context.Context, id domain.ParticipantID, roomID domain.RoomID, speaking bool) error
	React(ctx context.Context, id domain.ParticipantID, roomID domain.RoomID, symbol string) error
	ReadyForSession(ctx context.Context, id domain.ParticipantID, roomID domain.RoomID) ([]domain.ParticipantID, error)
	Relay(ctx context.Context, kind domain.EventKind, from, to domain.ParticipantID, payload json.RawMessage) error

	OccupancyCounts() map[domain.RoomID]int
	RoomStats() []domain.RoomMetrics
	Roster(roomID domain.RoomID) (domain.Roster, error)
	EvictInactive(ctx context.Context, now time.Time, timeout time.Duration) []domain.ParticipantID
}

// Notifier delivers registry events to connected clients. Implementations
// must not block; per-recipient order must be preserved.
type Notifier interface {
	Notify(to domain.ParticipantID, ev domain.Event)
	NotifyAll(ev domain.Event)
}

// MetricsRecorder receives registry counters.
type MetricsRecorder interface {
	RecordAdmit(roomID domain.RoomID)
	RecordRejection(roomID domain.RoomID, reason string)
	RecordLeave(roomID domain.RoomID)
	SetOccupancy(roomID domain.RoomID, members int)
	RecordEviction()
	RecordModeration(authorized bool)
	RecordRelay(kind domain.EventKind)
}

// PresenceMirror publishes membership changes outside the process.
type PresenceMirror interface {
	PublishMembership(ctx context.Context, kind domain.RosterReason, roomID domain.RoomID, id domain.ParticipantID) error
	PublishOccupancy(ctx context.Context, counts map[domain.RoomID]int) error
}

// SignalingClient is the client end of the presence and relay protocol.
// Events is closed when the transport is lost.
type SignalingClient interface {
	ID() domain.ParticipantID
	Join(ctx context.Context, roomID domain.RoomID) (domain.Roster, error)
	Leave(ctx context.Context, roomID domain.RoomID) error
	Occupancy(ctx context.Context) (map[domain.RoomID]int, error)
	SetMuted(ctx context.Context, roomID domain.RoomID, muted bool) error
	ModeratorSetMuted(ctx context.Context, target domain.ParticipantID, muted bool) error
	SetSpeaking(ctx context.Context, roomID domain.RoomID, speaking bool) error
	React(ctx context.Context, roomID domain.RoomID, symbol string) error
	Ready(ctx context.Context, roomID domain.RoomID) ([]domain.ParticipantID, error)
	Relay(ctx context.Context, kind domain.EventKind, to domain.ParticipantID, payload json.RawMessage) error
	Events() <-chan domain.Event
	Close() error
}

// PeerSessions is the client-side mesh of negotiated media sessions.
type PeerSessions interface {
	Enter(roomID domain.RoomID, existing []domain.ParticipantID)
	Initiate(remote domain.ParticipantID)
	HandleSignal(ev domain.Event)
	Drop(remote domain.ParticipantID)
	CloseAll()
	SetMuted(muted bool)
	Phase(remote domain.ParticipantID) (domain.SessionPhase, bool)
}
