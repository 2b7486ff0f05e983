package distributed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"voicemesh/internal/core/domain"
	"voicemesh/internal/core/ports"
	"voicemesh/pkg/circuitbreaker"
	"voicemesh/pkg/retry"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	EventMemberJoined  EventType = "member.joined"
	EventMemberLeft    EventType = "member.left"
	EventMemberUpdated EventType = "member.updated"
	EventOccupancy     EventType = "room.occupancy"
)

const (
	defaultChannel = "voicemesh:presence"
	occupancyTTL   = 5 * time.Minute
)

// Event represents a presence event mirrored to Redis
type Event struct {
	Type          EventType             `json:"type"`
	InstanceID    string                `json:"instance_id"`
	Timestamp     time.Time             `json:"timestamp"`
	RoomID        domain.RoomID         `json:"room_id,omitempty"`
	ParticipantID domain.ParticipantID  `json:"participant_id,omitempty"`
	Counts        map[domain.RoomID]int `json:"counts,omitempty"`
}

// redisCommander is the part of redis.UniversalClient the bus uses.
type redisCommander interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// EventBus mirrors presence changes to a Redis channel so other processes
// can observe the rooms. The in-process registry stays authoritative.
type EventBus struct {
	client     redisCommander
	instanceID string
	channel    string
	breaker    *circuitbreaker.CircuitBreaker
	retry      retry.Config
	logger     *zap.SugaredLogger
}

var _ ports.PresenceMirror = (*EventBus)(nil)

// NewEventBus creates a new event bus. An empty channel selects the default.
func NewEventBus(client redis.UniversalClient, instanceID, channel string, logger *zap.SugaredLogger) *EventBus {
	return newEventBus(client, instanceID, channel, logger)
}

func newEventBus(client redisCommander, instanceID, channel string, logger *zap.SugaredLogger) *EventBus {
	if channel == "" {
		channel = defaultChannel
	}

	retryCfg := retry.DefaultConfig()
	retryCfg.MaxAttempts = 2
	retryCfg.InitialDelay = 50 * time.Millisecond
	retryCfg.NonRetryableErrors = []error{context.Canceled, context.DeadlineExceeded}

	eb := &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		breaker:    circuitbreaker.New(circuitbreaker.DefaultConfig()),
		retry:      retryCfg,
		logger:     logger,
	}
	eb.breaker.OnStateChange(func(from, to circuitbreaker.State) {
		logger.Warnw("presence mirror circuit changed", "from", from, "to", to)
	})
	return eb
}

func (eb *EventBus) occupancyKey() string {
	return eb.channel + ":occupancy:" + eb.instanceID
}

// Publish publishes an event to the event bus
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = eb.breaker.Execute(ctx, func() error {
		return retry.Retry(ctx, eb.retry, func() error {
			return eb.client.Publish(ctx, eb.channel, data).Err()
		})
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"room_id", event.RoomID,
		"participant_id", event.ParticipantID,
	)
	return nil
}

// PublishMembership mirrors one roster change.
func (eb *EventBus) PublishMembership(ctx context.Context, reason domain.RosterReason, roomID domain.RoomID, id domain.ParticipantID) error {
	return eb.Publish(ctx, &Event{
		Type:          membershipEventType(reason),
		RoomID:        roomID,
		ParticipantID: id,
	})
}

// PublishOccupancy mirrors the occupancy counts and stores them in a hash
// keyed by instance so late readers need not wait for the next change.
func (eb *EventBus) PublishOccupancy(ctx context.Context, counts map[domain.RoomID]int) error {
	if len(counts) > 0 {
		values := make([]interface{}, 0, 2*len(counts))
		for room, n := range counts {
			values = append(values, string(room), n)
		}
		key := eb.occupancyKey()
		err := eb.breaker.Execute(ctx, func() error {
			if err := eb.client.HSet(ctx, key, values...).Err(); err != nil {
				return err
			}
			return eb.client.Expire(ctx, key, occupancyTTL).Err()
		})
		if err != nil {
			return fmt.Errorf("failed to store occupancy: %w", err)
		}
	}

	return eb.Publish(ctx, &Event{Type: EventOccupancy, Counts: counts})
}

// Subscribe calls handler for every event published by other instances until
// ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(*Event) error) error {
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return errors.New("presence subscription closed")
			}
			event, err := decodeEvent(msg.Payload)
			if err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			// Skip events from this instance
			if event.InstanceID == eb.instanceID {
				continue
			}

			if err := handler(event); err != nil {
				eb.logger.Warnw("error handling event",
					"type", event.Type,
					"error", err,
				)
			}
		}
	}
}

func decodeEvent(payload string) (*Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil, err
	}
	return &event, nil
}

func membershipEventType(reason domain.RosterReason) EventType {
	switch reason {
	case domain.ReasonJoined:
		return EventMemberJoined
	case domain.ReasonLeft:
		return EventMemberLeft
	default:
		return EventMemberUpdated
	}
}
