package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"voicemesh/internal/core/domain"
	"voicemesh/internal/core/ports"

	"go.uber.org/zap"
)

type roomState struct {
	mu      sync.Mutex
	room    domain.Room
	members domain.Roster
	size    atomic.Int64
}

type RegistryOption func(*roomRegistry)

// WithClock replaces time.Now for activity stamps.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *roomRegistry) { r.now = now }
}

// WithPresenceMirror publishes membership changes to mirror after each
// committed mutation.
func WithPresenceMirror(mirror ports.PresenceMirror) RegistryOption {
	return func(r *roomRegistry) { r.mirror = mirror }
}

type roomRegistry struct {
	catalog      *domain.Catalog
	rooms        map[domain.RoomID]*roomState
	participants ports.ParticipantRepository
	notifier     ports.Notifier
	metrics      ports.MetricsRecorder
	mirror       ports.PresenceMirror
	logger       *zap.SugaredLogger
	now          func() time.Time

	plocks *keyedLocker[domain.ParticipantID]
	occMu  sync.Mutex
}

// NewRoomRegistry builds the registry over a fixed catalog. The rooms map is
// never modified after construction.
func NewRoomRegistry(
	catalog *domain.Catalog,
	participants ports.ParticipantRepository,
	notifier ports.Notifier,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
	opts ...RegistryOption,
) ports.RoomRegistry {
	r := &roomRegistry{
		catalog:      catalog,
		rooms:        make(map[domain.RoomID]*roomState, catalog.Len()),
		participants: participants,
		notifier:     notifier,
		metrics:      metrics,
		logger:       logger,
		now:          time.Now,
		plocks:       newKeyedLocker[domain.ParticipantID](),
	}
	if r.metrics == nil {
		r.metrics = noopMetrics{}
	}
	if r.logger == nil {
		r.logger = zap.NewNop().Sugar()
	}
	for _, opt := range opts {
		opt(r)
	}

	for _, room := range catalog.Rooms() {
		r.rooms[room.ID] = &roomState{room: room, members: make(domain.Roster)}
		r.metrics.SetOccupancy(room.ID, 0)
	}
	return r
}

func (r *roomRegistry) Connect(ctx context.Context, p domain.Participant) error {
	now := r.now()
	p.CurrentRoom = ""
	p.Speaking = false
	p.ConnectedAt = now
	p.LastActivity = now

	unlock := r.plocks.Lock(p.ID)
	err := r.participants.Add(ctx, &p)
	unlock()
	if err != nil {
		return fmt.Errorf("connect %s: %w", p.ID, err)
	}

	r.logger.Infow("Participant connected", "participant_id", p.ID, "name", p.Name, "role", p.Role)
	r.notifier.Notify(p.ID, domain.Event{Kind: domain.EventOccupancy, Counts: r.OccupancyCounts()})
	return nil
}

func (r *roomRegistry) Disconnect(ctx context.Context, id domain.ParticipantID) error {
	unlock := r.plocks.Lock(id)

	p, err := r.participants.GetByID(ctx, id)
	if err != nil {
		unlock()
		return fmt.Errorf("disconnect %s: %w", id, err)
	}

	left := p.CurrentRoom
	if p.InRoom() {
		r.leaveLocked(p)
	}
	err = r.participants.Remove(ctx, id)
	unlock()

	if err != nil {
		return fmt.Errorf("disconnect %s: %w", id, err)
	}

	r.logger.Infow("Participant disconnected", "participant_id", id, "room_id", left)
	if left != "" {
		r.publishMembership(ctx, domain.ReasonLeft, left, id)
	}
	return nil
}

func (r *roomRegistry) Participant(ctx context.Context, id domain.ParticipantID) (domain.Participant, error) {
	p, err := r.participants.GetByID(ctx, id)
	if err != nil {
		return domain.Participant{}, err
	}
	return *p, nil
}

func (r *roomRegistry) Admit(ctx context.Context, id domain.ParticipantID, roomID domain.RoomID) (domain.Roster, error) {
	target, ok := r.rooms[roomID]
	if !ok {
		r.metrics.RecordRejection(roomID, "room_not_found")
		return nil, fmt.Errorf("admit %s to %s: %w", id, roomID, domain.ErrRoomNotFound)
	}

	unlock := r.plocks.Lock(id)
	defer unlock()

	p, err := r.participants.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("admit %s: %w", id, err)
	}
	p.LastActivity = r.now()

	if p.CurrentRoom == roomID {
		target.mu.Lock()
		members := target.members.Clone()
		target.mu.Unlock()
		if err := r.participants.Update(ctx, p); err != nil {
			return nil, err
		}
		return members, nil
	}

	var previous *roomState
	if p.InRoom() {
		previous = r.rooms[p.CurrentRoom]
	}
	unlockRooms := r.lockRooms(target, previous)

	if len(target.members) >= target.room.Capacity {
		unlockRooms()
		r.metrics.RecordRejection(roomID, "room_full")
		r.logger.Infow("Room full", "participant_id", id, "room_id", roomID, "capacity", target.room.Capacity)
		return nil, fmt.Errorf("admit %s to %s: %w", id, roomID, domain.ErrRoomFull)
	}

	var leftRoom domain.RoomID
	if previous != nil {
		leftRoom = previous.room.ID
		r.removeMemberLocked(previous, p)
	}

	p.CurrentRoom = roomID
	p.Speaking = false
	target.members[p.ID] = p.Member()
	target.size.Store(int64(len(target.members)))
	members := target.members.Clone()

	if err := r.participants.Update(ctx, p); err != nil {
		// roll back so membership and currentRoom stay consistent
		delete(target.members, p.ID)
		target.size.Store(int64(len(target.members)))
		unlockRooms()
		return nil, fmt.Errorf("admit %s: %w", id, err)
	}

	r.broadcastRoster(target, domain.ReasonJoined, p, p.ID)
	r.metrics.RecordAdmit(roomID)
	r.metrics.SetOccupancy(roomID, len(target.members))
	r.broadcastOccupancy()
	unlockRooms()

	r.logger.Infow("Participant joined room", "participant_id", id, "room_id", roomID, "members", len(members))
	if leftRoom != "" {
		r.publishMembership(ctx, domain.ReasonLeft, leftRoom, id)
	}
	r.publishMembership(ctx, domain.ReasonJoined, roomID, id)
	return members, nil
}

func (r *roomRegistry) Remove(ctx context.Context, id domain.ParticipantID, roomID domain.RoomID) error {
	unlock := r.plocks.Lock(id)

	p, err := r.participants.GetByID(ctx, id)
	if err != nil {
		unlock()
		return err
	}
	p.LastActivity = r.now()

	if p.CurrentRoom != roomID || roomID == "" {
		err = r.participants.Update(ctx, p)
		unlock()
		return err
	}

	r.leaveLocked(p)
	err = r.participants.Update(ctx, p)
	unlock()
	if err != nil {
		return err
	}

	r.logger.Infow("Participant left room", "participant_id", id, "room_id", roomID)
	r.publishMembership(ctx, domain.ReasonLeft, roomID, id)
	return nil
}

func (r *roomRegistry) SetMuted(ctx context.Context, id domain.ParticipantID, roomID domain.RoomID, muted bool) error {
	unlock := r.plocks.Lock(id)
	defer unlock()

	p, err := r.participants.GetByID(ctx, id)
	if err != nil {
		return err
	}
	p.LastActivity = r.now()

	if !p.InRoom() || p.CurrentRoom != roomID || p.Muted == muted {
		return r.participants.Update(ctx, p)
	}

	rs := r.rooms[roomID]
	rs.mu.Lock()
	defer rs.mu.Unlock()

	p.Muted = muted
	if err := r.participants.Update(ctx, p); err != nil {
		return err
	}
	rs.members[p.ID] = p.Member()
	r.broadcastRoster(rs, domain.ReasonMuted, p, "")

	r.logger.Debugw("Mute changed", "participant_id", id, "room_id", roomID, "muted", muted)
	return nil
}

func (r *roomRegistry) ModeratorSetMuted(ctx context.Context, requester, target domain.ParticipantID, muted bool) error {
	unlock := r.plocks.Lock(requester, target)
	defer unlock()

	req, err := r.participants.GetByID(ctx, requester)
	if err != nil {
		return err
	}
	req.LastActivity = r.now()
	if err := r.participants.Update(ctx, req); err != nil {
		return err
	}

	tgt, err := r.participants.GetByID(ctx, target)
	if err != nil {
		if errors.Is(err, domain.ErrParticipantNotFound) {
			r.metrics.RecordModeration(false)
			return fmt.Errorf("moderate %s: %w", target, domain.ErrNotAuthorized)
		}
		return err
	}

	if !req.Role.Privileged() || !req.InRoom() || req.CurrentRoom != tgt.CurrentRoom {
		r.metrics.RecordModeration(false)
		r.logger.Warnw("Moderation rejected",
			"requester_id", requester,
			"target_id", target,
			"requester_role", req.Role,
			"requester_room", req.CurrentRoom,
			"target_room", tgt.CurrentRoom,
		)
		return fmt.Errorf("moderate %s: %w", target, domain.ErrNotAuthorized)
	}
	r.metrics.RecordModeration(true)

	if tgt.Muted == muted {
		return nil
	}

	rs := r.rooms[tgt.CurrentRoom]
	rs.mu.Lock()
	defer rs.mu.Unlock()

	tgt.Muted = muted
	if err := r.participants.Update(ctx, tgt); err != nil {
		return err
	}
	rs.members[tgt.ID] = tgt.Member()

	kind := domain.EventUnmuted
	if muted {
		kind = domain.EventMuted
	}
	r.notifier.Notify(tgt.ID, domain.Event{
		Kind:      kind,
		RoomID:    rs.room.ID,
		ActorID:   req.ID,
		ActorName: req.Name,
		TargetID:  tgt.ID,
	})
	r.broadcastRoster(rs, domain.ReasonMuted, tgt, "")

	r.logger.Infow("Moderator changed mute",
		"requester_id", requester,
		"target_id", target,
		"room_id", rs.room.ID,
		"muted", muted,
	)
	return nil
}

func (r *roomRegistry) SetSpeaking(ctx context.Context, id domain.ParticipantID, roomID domain.RoomID, speaking bool) error {
	unlock := r.plocks.Lock(id)
	defer unlock()

	p, err := r.participants.GetByID(ctx, id)
	if err != nil {
		return err
	}
	p.LastActivity = r.now()

	if !p.InRoom() || p.CurrentRoom != roomID || p.Speaking == speaking {
		return r.participants.Update(ctx, p)
	}

	rs := r.rooms[roomID]
	rs.mu.Lock()
	defer rs.mu.Unlock()

	p.Speaking = speaking
	if err := r.participants.Update(ctx, p); err != nil {
		return err
	}
	rs.members[p.ID] = p.Member()

	ev := domain.Event{
		Kind:     domain.EventSpeaking,
		RoomID:   roomID,
		ActorID:  p.ID,
		Speaking: speaking,
	}
	for memberID := range rs.members {
		if memberID != p.ID {
			r.notifier.Notify(memberID, ev)
		}
	}
	return nil
}

func (r *roomRegistry) React(ctx context.Context, id domain.ParticipantID, roomID domain.RoomID, symbol string) error {
	unlock := r.plocks.Lock(id)
	defer unlock()

	p, err := r.participants.GetByID(ctx, id)
	if err != nil {
		return err
	}
	p.LastActivity = r.now()
	if err := r.participants.Update(ctx, p); err != nil {
		return err
	}

	if p.CurrentRoom != roomID || roomID == "" {
		return fmt.Errorf("react in %s: %w", roomID, domain.ErrNotInRoom)
	}

	rs := r.rooms[roomID]
	rs.mu.Lock()
	defer rs.mu.Unlock()

	ev := domain.Event{
		Kind:      domain.EventReaction,
		RoomID:    roomID,
		ActorID:   p.ID,
		ActorName: p.Name,
		Symbol:    symbol,
	}
	for memberID := range rs.members {
		r.notifier.Notify(memberID, ev)
	}
	return nil
}

func (r *roomRegistry) ReadyForSession(ctx context.Context, id domain.ParticipantID, roomID domain.RoomID) ([]domain.ParticipantID, error) {
	unlock := r.plocks.Lock(id)
	defer unlock()

	p, err := r.participants.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	p.LastActivity = r.now()
	if err := r.participants.Update(ctx, p); err != nil {
		return nil, err
	}

	if p.CurrentRoom != roomID || roomID == "" {
		return nil, fmt.Errorf("ready in %s: %w", roomID, domain.ErrNotInRoom)
	}

	rs := r.rooms[roomID]
	rs.mu.Lock()
	defer rs.mu.Unlock()

	peers := make([]domain.ParticipantID, 0, len(rs.members))
	ev := domain.Event{
		Kind:      domain.EventPeerReady,
		RoomID:    roomID,
		ActorID:   p.ID,
		ActorName: p.Name,
	}
	for _, memberID := range rs.members.IDs() {
		if memberID == p.ID {
			continue
		}
		peers = append(peers, memberID)
		r.notifier.Notify(memberID, ev)
	}
	return peers, nil
}

// Relay forwards an opaque negotiation payload between two members of the
// same room. Nothing is stored.
func (r *roomRegistry) Relay(ctx context.Context, kind domain.EventKind, from, to domain.ParticipantID, payload json.RawMessage) error {
	ev := domain.Event{Kind: kind, ActorID: from, TargetID: to, Payload: payload}
	if !ev.IsRelay() {
		return fmt.Errorf("relay %s: unsupported kind", kind)
	}

	unlock := r.plocks.Lock(from, to)
	defer unlock()

	sender, err := r.participants.GetByID(ctx, from)
	if err != nil {
		return err
	}
	sender.LastActivity = r.now()
	if err := r.participants.Update(ctx, sender); err != nil {
		return err
	}

	recipient, err := r.participants.GetByID(ctx, to)
	if err != nil {
		return fmt.Errorf("relay to %s: %w", to, domain.ErrNotInRoom)
	}
	if !sender.InRoom() || sender.CurrentRoom != recipient.CurrentRoom || from == to {
		return fmt.Errorf("relay to %s: %w", to, domain.ErrNotInRoom)
	}

	rs := r.rooms[sender.CurrentRoom]
	rs.mu.Lock()
	defer rs.mu.Unlock()

	ev.RoomID = rs.room.ID
	r.notifier.Notify(to, ev)
	r.metrics.RecordRelay(kind)
	return nil
}

func (r *roomRegistry) OccupancyCounts() map[domain.RoomID]int {
	counts := make(map[domain.RoomID]int, len(r.rooms))
	for id, rs := range r.rooms {
		counts[id] = int(rs.size.Load())
	}
	return counts
}

func (r *roomRegistry) RoomStats() []domain.RoomMetrics {
	now := r.now()
	stats := make([]domain.RoomMetrics, 0, len(r.rooms))
	for _, room := range r.catalog.Rooms() {
		rs := r.rooms[room.ID]
		rs.mu.Lock()
		speaking := 0
		for _, m := range rs.members {
			if m.Speaking {
				speaking++
			}
		}
		stats = append(stats, domain.RoomMetrics{
			RoomID:    room.ID,
			Members:   len(rs.members),
			Capacity:  room.Capacity,
			Speaking:  speaking,
			Timestamp: now,
		})
		rs.mu.Unlock()
	}
	return stats
}

func (r *roomRegistry) Roster(roomID domain.RoomID) (domain.Roster, error) {
	rs, ok := r.rooms[roomID]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.members.Clone(), nil
}

// EvictInactive removes every participant idle for at least timeout. Each
// candidate is re-checked under its own lock so a concurrent admit that
// refreshed the activity stamp wins.
func (r *roomRegistry) EvictInactive(ctx context.Context, now time.Time, timeout time.Duration) []domain.ParticipantID {
	all, err := r.participants.List(ctx)
	if err != nil {
		r.logger.Errorw("Failed to list participants for eviction", "error", err)
		return nil
	}

	var evicted []domain.ParticipantID
	for _, candidate := range all {
		if candidate.InactiveFor(now) < timeout {
			continue
		}

		unlock := r.plocks.Lock(candidate.ID)
		p, err := r.participants.GetByID(ctx, candidate.ID)
		if err != nil || p.InactiveFor(now) < timeout {
			unlock()
			continue
		}

		left := p.CurrentRoom
		if p.InRoom() {
			r.leaveLocked(p)
		}
		if err := r.participants.Remove(ctx, p.ID); err != nil {
			unlock()
			r.logger.Warnw("Failed to evict participant", "participant_id", p.ID, "error", err)
			continue
		}
		r.notifier.Notify(p.ID, domain.Event{
			Kind:    domain.EventFatal,
			Message: "Disconnected due to inactivity",
		})
		unlock()

		r.metrics.RecordEviction()
		r.logger.Infow("Evicted inactive participant",
			"participant_id", p.ID,
			"room_id", left,
			"idle", p.InactiveFor(now).String(),
		)
		if left != "" {
			r.publishMembership(ctx, domain.ReasonLeft, left, p.ID)
		}
		evicted = append(evicted, p.ID)
	}
	return evicted
}

// leaveLocked removes p from its current room. Caller holds p's lock.
func (r *roomRegistry) leaveLocked(p *domain.Participant) {
	rs, ok := r.rooms[p.CurrentRoom]
	if ok {
		rs.mu.Lock()
		r.removeMemberLocked(rs, p)
		r.broadcastOccupancy()
		rs.mu.Unlock()
	}
	p.CurrentRoom = ""
	p.Speaking = false
}

// removeMemberLocked deletes p's record from rs and tells the remaining
// members twice: once with the new roster, once with the teardown notice.
// Caller holds rs.mu.
func (r *roomRegistry) removeMemberLocked(rs *roomState, p *domain.Participant) {
	if !rs.members.Has(p.ID) {
		return
	}
	delete(rs.members, p.ID)
	rs.size.Store(int64(len(rs.members)))

	r.broadcastRoster(rs, domain.ReasonLeft, p, p.ID)

	teardown := domain.Event{
		Kind:      domain.EventPeerLeft,
		RoomID:    rs.room.ID,
		ActorID:   p.ID,
		ActorName: p.Name,
	}
	for memberID := range rs.members {
		r.notifier.Notify(memberID, teardown)
	}

	r.metrics.RecordLeave(rs.room.ID)
	r.metrics.SetOccupancy(rs.room.ID, len(rs.members))
}

// broadcastRoster sends the full roster of rs to every member except skip.
// Caller holds rs.mu.
func (r *roomRegistry) broadcastRoster(rs *roomState, reason domain.RosterReason, actor *domain.Participant, skip domain.ParticipantID) {
	ev := domain.Event{
		Kind:      domain.EventRosterUpdated,
		RoomID:    rs.room.ID,
		ActorID:   actor.ID,
		ActorName: actor.Name,
		Reason:    reason,
		Members:   rs.members.Clone(),
	}
	for memberID := range rs.members {
		if memberID != skip {
			r.notifier.Notify(memberID, ev)
		}
	}
}

// broadcastOccupancy reads the counts and fans them out under occMu so the
// last broadcast a client sees is never older than an earlier one.
func (r *roomRegistry) broadcastOccupancy() {
	r.occMu.Lock()
	defer r.occMu.Unlock()
	r.notifier.NotifyAll(domain.Event{Kind: domain.EventOccupancy, Counts: r.OccupancyCounts()})
}

// lockRooms locks the given rooms in id order. Nil entries are skipped.
func (r *roomRegistry) lockRooms(rooms ...*roomState) func() {
	ordered := make([]*roomState, 0, len(rooms))
	for _, rs := range rooms {
		if rs != nil {
			ordered = append(ordered, rs)
		}
	}
	if len(ordered) == 2 && ordered[1].room.ID < ordered[0].room.ID {
		ordered[0], ordered[1] = ordered[1], ordered[0]
	}
	for _, rs := range ordered {
		rs.mu.Lock()
	}
	return func() {
		for i := len(ordered) - 1; i >= 0; i-- {
			ordered[i].mu.Unlock()
		}
	}
}

func (r *roomRegistry) publishMembership(ctx context.Context, reason domain.RosterReason, roomID domain.RoomID, id domain.ParticipantID) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.PublishMembership(ctx, reason, roomID, id); err != nil {
		r.logger.Warnw("Presence mirror publish failed", "room_id", roomID, "participant_id", id, "error", err)
		return
	}
	if err := r.mirror.PublishOccupancy(ctx, r.OccupancyCounts()); err != nil {
		r.logger.Warnw("Presence mirror occupancy publish failed", "error", err)
	}
}

type noopMetrics struct{}

func (noopMetrics) RecordAdmit(domain.RoomID) {}
func (noopMetrics) RecordRejection(domain.RoomID, string) {}
func (noopMetrics) RecordLeave(domain.RoomID) {}
func (noopMetrics) SetOccupancy(domain.RoomID, int) {}
func (noopMetrics) RecordEviction() {}
func (noopMetrics) RecordModeration(bool) {}
func (noopMetrics) RecordRelay(domain.EventKind) {}
