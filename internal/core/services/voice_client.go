package services

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"voicemesh/internal/core/domain"
	"voicemesh/internal/core/ports"

	"go.uber.org/zap"
)

// Muter is anything that follows the local mute state, such as the outbound
// audio gate or the local speaking detector.
type Muter interface {
	SetMuted(muted bool)
}

// ErrForcedLeave is returned by Run when the server ended the session.
var ErrForcedLeave = errors.New("forced to leave by server")

// VoiceClient drives one participant: it joins rooms over the signaling
// client, keeps the peer session mesh in step with the room, and reports
// local speaking activity.
type VoiceClient struct {
	signaling ports.SignalingClient
	sessions  ports.PeerSessions
	muters    []Muter
	logger    *zap.SugaredLogger

	mu       sync.Mutex
	room     domain.RoomID
	muted    bool
	speaking bool

	events chan domain.Event
}

func NewVoiceClient(signaling ports.SignalingClient, sessions ports.PeerSessions, logger *zap.Logger, muters ...Muter) *VoiceClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &VoiceClient{
		signaling: signaling,
		sessions:  sessions,
		muters:    muters,
		logger:    logger.Sugar().With("participant_id", signaling.ID()),
		muted:     true,
		events:    make(chan domain.Event, 64),
	}
	c.applyMute(true)
	return c
}

// Events carries presence events for rendering. Negotiation traffic is not
// forwarded. Events that cannot be delivered right away are dropped.
func (c *VoiceClient) Events() <-chan domain.Event {
	return c.events
}

func (c *VoiceClient) Room() domain.RoomID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.room
}

func (c *VoiceClient) Muted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.muted
}

// Join enters roomID, prepares responder sessions toward the members already
// there and announces readiness so they start negotiating.
func (c *VoiceClient) Join(ctx context.Context, roomID domain.RoomID) (domain.Roster, error) {
	members, err := c.signaling.Join(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("join %s: %w", roomID, err)
	}

	self := c.signaling.ID()
	existing := make([]domain.ParticipantID, 0, len(members))
	for _, id := range members.IDs() {
		if id != self {
			existing = append(existing, id)
		}
	}

	c.mu.Lock()
	c.room = roomID
	c.speaking = false
	muted := c.muted
	c.mu.Unlock()

	c.applyMute(muted)

	// The server admits members unmuted; the local preference wins.
	if m, ok := members[self]; ok && m.Muted != muted {
		if err := c.signaling.SetMuted(ctx, roomID, muted); err != nil {
			c.logger.Warnw("failed to sync mute state", "room_id", roomID, "error", err)
		} else {
			m.Muted = muted
			members[self] = m
		}
	}
	c.sessions.Enter(roomID, existing)

	peers, err := c.signaling.Ready(ctx, roomID)
	if err != nil {
		return members, fmt.Errorf("announce ready in %s: %w", roomID, err)
	}

	c.logger.Infow("joined room",
		"room_id", roomID,
		"members", len(members),
		"peers", len(peers),
		"muted", muted,
	)
	return members, nil
}

// Leave stops every session before telling the server. Leaving while not in
// a room is a no-op.
func (c *VoiceClient) Leave(ctx context.Context) error {
	c.mu.Lock()
	room := c.room
	c.room = ""
	c.speaking = false
	c.mu.Unlock()

	if room == "" {
		return nil
	}
	c.sessions.CloseAll()

	if err := c.signaling.Leave(ctx, room); err != nil {
		return fmt.Errorf("leave %s: %w", room, err)
	}
	c.logger.Infow("left room", "room_id", room)
	return nil
}

// SetMuted changes the local mute state and reports it to the room.
func (c *VoiceClient) SetMuted(ctx context.Context, muted bool) error {
	c.mu.Lock()
	c.muted = muted
	room := c.room
	c.mu.Unlock()

	c.applyMute(muted)

	if room == "" {
		return nil
	}
	return c.signaling.SetMuted(ctx, room, muted)
}

// Moderate mutes or unmutes another member. The server ignores the request
// without reply when the caller may not moderate.
func (c *VoiceClient) Moderate(ctx context.Context, target domain.ParticipantID, muted bool) error {
	return c.signaling.ModeratorSetMuted(ctx, target, muted)
}

func (c *VoiceClient) React(ctx context.Context, symbol string) error {
	room := c.Room()
	if room == "" {
		return domain.ErrNotInRoom
	}
	return c.signaling.React(ctx, room, symbol)
}

func (c *VoiceClient) Occupancy(ctx context.Context) (map[domain.RoomID]int, error) {
	return c.signaling.Occupancy(ctx)
}

// ReportSpeaking forwards a local speaking transition. Transitions while
// outside a room, repeats, and speech while muted are not sent.
func (c *VoiceClient) ReportSpeaking(ctx context.Context, speaking bool) error {
	c.mu.Lock()
	room := c.room
	if room == "" || speaking == c.speaking || (speaking && c.muted) {
		c.mu.Unlock()
		return nil
	}
	c.speaking = speaking
	c.mu.Unlock()

	c.logger.Debugw("local speaking changed", "room_id", room, "speaking", speaking)
	return c.signaling.SetSpeaking(ctx, room, speaking)
}

// Run dispatches server events until ctx is done, the transport is lost or
// the server forces the client out. Both of the latter tear down every
// session.
func (c *VoiceClient) Run(ctx context.Context) error {
	events := c.signaling.Events()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-events:
			if !ok {
				c.forceLeave("transport lost")
				return domain.ErrTransportLost
			}
			if err := c.dispatch(ev); err != nil {
				return err
			}
		}
	}
}

func (c *VoiceClient) dispatch(ev domain.Event) error {
	switch ev.Kind {
	case domain.EventOffer, domain.EventAnswer, domain.EventCandidate:
		c.sessions.HandleSignal(ev)
		return nil

	case domain.EventPeerReady, domain.EventPeerLeft:
		c.sessions.HandleSignal(ev)

	case domain.EventMuted, domain.EventUnmuted:
		if ev.TargetID == c.signaling.ID() {
			muted := ev.Kind == domain.EventMuted
			c.mu.Lock()
			c.muted = muted
			c.mu.Unlock()
			c.applyMute(muted)
			c.logger.Infow("mute changed by moderator", "muted", muted, "by", ev.ActorID)
		}

	case domain.EventRosterUpdated:
		c.dropDeparted(ev)

	case domain.EventFatal:
		c.forceLeave(ev.Message)
		c.publish(ev)
		return fmt.Errorf("%w: %s", ErrForcedLeave, ev.Message)
	}

	c.publish(ev)
	return nil
}

// dropDeparted closes sessions toward members missing from a roster of the
// current room.
func (c *VoiceClient) dropDeparted(ev domain.Event) {
	if ev.Reason != domain.ReasonLeft || ev.RoomID != c.Room() || ev.ActorID == "" {
		return
	}
	if !ev.Members.Has(ev.ActorID) {
		c.sessions.Drop(ev.ActorID)
	}
}

func (c *VoiceClient) forceLeave(reason string) {
	c.mu.Lock()
	room := c.room
	c.room = ""
	c.speaking = false
	c.mu.Unlock()

	c.sessions.CloseAll()
	c.logger.Warnw("session ended", "room_id", room, "reason", reason)
}

func (c *VoiceClient) applyMute(muted bool) {
	c.sessions.SetMuted(muted)
	for _, m := range c.muters {
		m.SetMuted(muted)
	}
}

func (c *VoiceClient) publish(ev domain.Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Debugw("dropping presence event", "kind", ev.Kind)
	}
}
