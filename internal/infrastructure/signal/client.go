package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"voicemesh/internal/core/domain"
	"voicemesh/internal/core/ports"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	eventBuffer    = 256
)

// ClientConfig describes how to reach the signaling server.
type ClientConfig struct {
	URL  string
	Name string
	Role domain.Role
}

// Client manages the WebSocket connection to the signaling server.
type Client struct {
	conn     *websocket.Conn
	welcome  WelcomePayload
	outgoing chan Message
	events   chan domain.Event

	pending map[string]chan AckPayload
	mu      sync.Mutex

	done      chan struct{}
	lost      chan struct{}
	closeOnce sync.Once

	logger *zap.SugaredLogger
}

var _ ports.SignalingClient = (*Client)(nil)

// Dial connects to the server and waits for the welcome message that carries
// the session id.
func Dial(ctx context.Context, cfg ClientConfig, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	q := u.Query()
	if cfg.Name != "" {
		q.Set("name", cfg.Name)
	}
	if cfg.Role != "" {
		q.Set("role", string(cfg.Role))
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}

	conn.SetReadLimit(maxMessageSize)
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
	} else {
		conn.SetReadDeadline(time.Now().Add(pongWait))
	}

	var first Message
	if err := conn.ReadJSON(&first); err != nil {
		conn.Close()
		return nil, fmt.Errorf("read welcome: %w", err)
	}
	if first.Type != TypeWelcome {
		conn.Close()
		return nil, fmt.Errorf("expected %s, got %s", TypeWelcome, first.Type)
	}

	c := &Client{
		conn:     conn,
		outgoing: make(chan Message, 64),
		events:   make(chan domain.Event, eventBuffer),
		pending:  make(map[string]chan AckPayload),
		done:     make(chan struct{}),
		lost:     make(chan struct{}),
	}
	if err := first.DecodePayload(&c.welcome); err != nil {
		conn.Close()
		return nil, err
	}
	c.logger = logger.Sugar().With("participant_id", c.welcome.ParticipantID)

	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readPump()
	go c.writePump()

	c.logger.Infow("connected to signaling server", "url", cfg.URL)
	return c, nil
}

// readPump reads messages from the WebSocket connection. Its exit is the
// transport-lost signal: pending requests fail and Events is closed.
func (c *Client) readPump() {
	defer func() {
		c.conn.Close()
		close(c.lost)

		c.mu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()

		close(c.events)
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			select {
			case <-c.done:
			default:
				c.logger.Warnw("signaling transport lost", "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case TypeAck:
			c.resolve(msg)
		case TypeError:
			var p ErrorPayload
			_ = msg.DecodePayload(&p)
			c.logger.Warnw("server rejected message", "code", p.Code, "message", p.Message)
		case TypeWelcome:
		default:
			ev, err := DecodeEvent(msg)
			if err != nil {
				c.logger.Warnw("dropping undecodable message", "type", msg.Type, "error", err)
				continue
			}
			select {
			case c.events <- ev:
			case <-c.done:
				return
			}
		}
	}
}

// writePump writes messages to the WebSocket connection and sends periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)

	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.outgoing:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case <-c.lost:
			return
		}
	}
}

func (c *Client) resolve(msg Message) {
	var ack AckPayload
	if err := msg.DecodePayload(&ack); err != nil {
		c.logger.Warnw("malformed ack", "request_id", msg.RequestID, "error", err)
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[msg.RequestID]
	delete(c.pending, msg.RequestID)
	c.mu.Unlock()

	if ok {
		ch <- ack
	}
}

func (c *Client) send(ctx context.Context, msg Message) error {
	select {
	case c.outgoing <- msg:
		return nil
	case <-c.lost:
		return domain.ErrTransportLost
	case <-c.done:
		return domain.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// notify sends a message that has no reply.
func (c *Client) notify(ctx context.Context, msgType string, payload interface{}) error {
	msg, err := NewMessage(msgType, "", payload)
	if err != nil {
		return err
	}
	return c.send(ctx, msg)
}

// request sends a message with a fresh request id and waits for its ack.
func (c *Client) request(ctx context.Context, msgType string, payload interface{}) (AckPayload, error) {
	requestID := uuid.NewString()
	msg, err := NewMessage(msgType, requestID, payload)
	if err != nil {
		return AckPayload{}, err
	}

	ch := make(chan AckPayload, 1)
	c.mu.Lock()
	select {
	case <-c.lost:
		c.mu.Unlock()
		return AckPayload{}, domain.ErrTransportLost
	default:
	}
	c.pending[requestID] = ch
	c.mu.Unlock()

	cleanup := func() {
		c.mu.Lock()
		delete(c.pending, requestID)
		c.mu.Unlock()
	}

	if err := c.send(ctx, msg); err != nil {
		cleanup()
		return AckPayload{}, err
	}

	select {
	case ack, ok := <-ch:
		if !ok {
			return AckPayload{}, domain.ErrTransportLost
		}
		if !ack.OK {
			return ack, errorFromWire(ack.Error)
		}
		return ack, nil
	case <-ctx.Done():
		cleanup()
		return AckPayload{}, ctx.Err()
	}
}

// errorFromWire maps an ack error name back to its domain error.
func errorFromWire(code string) error {
	switch code {
	case "RoomNotFound":
		return domain.ErrRoomNotFound
	case "RoomFull":
		return domain.ErrRoomFull
	case "NotAuthorized":
		return domain.ErrNotAuthorized
	case "NotInRoom":
		return domain.ErrNotInRoom
	case "NotFound":
		return domain.ErrParticipantNotFound
	default:
		return fmt.Errorf("server error: %s", code)
	}
}

func (c *Client) ID() domain.ParticipantID {
	return c.welcome.ParticipantID
}

// Welcome returns the identity the server assigned on connect.
func (c *Client) Welcome() WelcomePayload {
	return c.welcome
}

func (c *Client) Join(ctx context.Context, roomID domain.RoomID) (domain.Roster, error) {
	ack, err := c.request(ctx, TypeJoinRoom, RoomPayload{RoomID: roomID})
	if err != nil {
		return nil, err
	}
	if ack.Members == nil {
		return domain.Roster{}, nil
	}
	return ack.Members, nil
}

func (c *Client) Leave(ctx context.Context, roomID domain.RoomID) error {
	return c.notify(ctx, TypeLeaveRoom, RoomPayload{RoomID: roomID})
}

func (c *Client) Occupancy(ctx context.Context) (map[domain.RoomID]int, error) {
	ack, err := c.request(ctx, TypeGetOccupancy, struct{}{})
	if err != nil {
		return nil, err
	}
	return ack.Counts, nil
}

func (c *Client) SetMuted(ctx context.Context, roomID domain.RoomID, muted bool) error {
	return c.notify(ctx, TypeSetMuted, MutePayload{RoomID: roomID, Muted: muted})
}

func (c *Client) ModeratorSetMuted(ctx context.Context, target domain.ParticipantID, muted bool) error {
	msgType := TypeUnmuteUser
	if muted {
		msgType = TypeMuteUser
	}
	return c.notify(ctx, msgType, ModeratePayload{TargetID: target})
}

func (c *Client) SetSpeaking(ctx context.Context, roomID domain.RoomID, speaking bool) error {
	return c.notify(ctx, TypeSpeaking, SpeakingPayload{RoomID: roomID, Speaking: speaking})
}

func (c *Client) React(ctx context.Context, roomID domain.RoomID, symbol string) error {
	return c.notify(ctx, TypeReaction, ReactionPayload{RoomID: roomID, Symbol: symbol})
}

func (c *Client) Ready(ctx context.Context, roomID domain.RoomID) ([]domain.ParticipantID, error) {
	ack, err := c.request(ctx, TypeReady, RoomPayload{RoomID: roomID})
	if err != nil {
		return nil, err
	}
	return ack.Peers, nil
}

func (c *Client) Relay(ctx context.Context, kind domain.EventKind, to domain.ParticipantID, payload json.RawMessage) error {
	switch kind {
	case domain.EventOffer, domain.EventAnswer, domain.EventCandidate:
	default:
		return fmt.Errorf("relay: unsupported kind %s", kind)
	}
	return c.notify(ctx, string(kind), RelayPayload{To: to, Payload: payload})
}

// Events returns the server event stream. It is closed when the transport
// is lost or the client is closed.
func (c *Client) Events() <-chan domain.Event {
	return c.events
}

// Lost is closed once the connection is gone.
func (c *Client) Lost() <-chan struct{} {
	return c.lost
}

// Close closes the WebSocket connection and cleans up resources.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
	})
	return nil
}
