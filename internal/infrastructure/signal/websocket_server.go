package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"voicemesh/internal/core/domain"
	"voicemesh/internal/core/ports"
	apperrors "voicemesh/pkg/errors"
	rlog "voicemesh/pkg/logger"
	"voicemesh/pkg/tracing"
	"voicemesh/pkg/validation"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const avatarURLFormat = "https://avatars.dicebear.com/api/adventurer/%d.svg"

// ServerConfig holds the transport settings of the signaling endpoint.
type ServerConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int
	MaxMessageSize int64
	AllowedOrigins []string

	// MessagesPerSecond <= 0 disables per-connection rate limiting.
	MessagesPerSecond float64
	Burst             int
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		PingInterval:   25 * time.Second,
		PongTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendBuffer:     256,
		MaxMessageSize: 64 * 1024,
	}
}

// ConnectionMetrics receives transport-level counters.
type ConnectionMetrics interface {
	SetConnections(n int)
	RecordMessage(msgType string)
	RecordSlowConsumer()
}

type noopConnectionMetrics struct{}

func (noopConnectionMetrics) SetConnections(int) {}
func (noopConnectionMetrics) RecordMessage(string) {}
func (noopConnectionMetrics) RecordSlowConsumer() {}

// connection is one live client. Every write goes through send so the
// socket has a single writer.
type connection struct {
	id      domain.ParticipantID
	conn    *websocket.Conn
	send    chan Message
	done    chan struct{}
	once    sync.Once
	limiter *rate.Limiter
}

func (c *connection) close() {
	c.once.Do(func() { close(c.done) })
}

// enqueue never blocks. It reports false when the queue is full.
func (c *connection) enqueue(msg Message) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// WebSocketServer is the server end of the presence and relay protocol. It
// implements ports.Notifier for the registry.
type WebSocketServer struct {
	registry ports.RoomRegistry
	metrics  ConnectionMetrics
	cfg      ServerConfig
	upgrader websocket.Upgrader

	connections map[domain.ParticipantID]*connection
	mu          sync.RWMutex

	logger *zap.SugaredLogger
	clog   *rlog.ContextLogger
}

var _ ports.WebSocketHandler = (*WebSocketServer)(nil)

func NewWebSocketServer(cfg ServerConfig, logger *zap.Logger) *WebSocketServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	defaults := DefaultServerConfig()
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaults.PingInterval
	}
	if cfg.PongTimeout <= 0 {
		cfg.PongTimeout = defaults.PongTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaults.WriteTimeout
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaults.SendBuffer
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaults.MaxMessageSize
	}

	s := &WebSocketServer{
		metrics:     noopConnectionMetrics{},
		cfg:         cfg,
		connections: make(map[domain.ParticipantID]*connection),
		logger:      logger.Sugar(),
		clog:        rlog.NewContextLogger(logger),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// SetRegistry attaches the registry. It must be called before serving; the
// registry in turn holds the server as its Notifier.
func (s *WebSocketServer) SetRegistry(registry ports.RoomRegistry) {
	s.registry = registry
}

func (s *WebSocketServer) SetMetrics(metrics ConnectionMetrics) {
	if metrics == nil {
		metrics = noopConnectionMetrics{}
	}
	s.metrics = metrics
}

func (s *WebSocketServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *WebSocketServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		http.Error(w, "signaling not ready", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	query := r.URL.Query()
	participant := domain.Participant{
		ID:     domain.ParticipantID(uuid.NewString()),
		Name:   validation.SanitizeDisplayName(query.Get("name")),
		Role:   domain.ParseRole(query.Get("role")),
		Avatar: fmt.Sprintf(avatarURLFormat, rand.Intn(1000)),
	}

	c := &connection{
		id:   participant.ID,
		conn: conn,
		send: make(chan Message, s.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	if s.cfg.MessagesPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.Burst)
	}

	ctx := rlog.WithValue(r.Context(), rlog.ParticipantIDKey, string(participant.ID))
	ctx = context.WithoutCancel(ctx)

	s.register(c)
	go s.writePump(c)

	welcome, _ := NewMessage(TypeWelcome, "", WelcomePayload{
		ParticipantID: participant.ID,
		Name:          participant.Name,
		Role:          participant.Role,
		Avatar:        participant.Avatar,
		Muted:         participant.Muted,
	})
	c.enqueue(welcome)

	if err := s.registry.Connect(ctx, participant); err != nil {
		s.clog.LogError(ctx, err, "failed to register participant")
		c.close()
		s.unregister(c)
		return
	}

	s.logger.Infow("participant connected via WebSocket",
		"participant_id", participant.ID,
		"name", participant.Name,
		"role", participant.Role,
		"remote_addr", r.RemoteAddr,
	)

	s.readPump(ctx, c)

	c.close()
	s.unregister(c)

	if err := s.registry.Disconnect(ctx, participant.ID); err != nil && !errors.Is(err, domain.ErrParticipantNotFound) {
		s.clog.LogError(ctx, err, "failed to disconnect participant")
	}
	s.logger.Infow("participant disconnected", "participant_id", participant.ID)
}

func (s *WebSocketServer) readPump(ctx context.Context, c *connection) {
	c.conn.SetReadLimit(s.cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.logger.Infow("error reading message from participant", "participant_id", c.id, "error", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.reply(c, "", nil, apperrors.NewInvalidInputError("malformed message"))
			continue
		}
		s.handleMessage(ctx, c, msg)
	}
}

// writePump owns every write on the socket. A fatal notice is flushed and
// then the connection is closed.
func (s *WebSocketServer) writePump(c *connection) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				s.logger.Infow("error writing to participant", "participant_id", c.id, "error", err)
				c.close()
				return
			}
			if msg.Type == string(domain.EventFatal) {
				s.writeClose(c, websocket.ClosePolicyViolation, "fatal")
				c.close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.logger.Infow("error sending ping", "participant_id", c.id, "error", err)
				c.close()
				return
			}

		case <-c.done:
			s.writeClose(c, websocket.CloseNormalClosure, "")
			return
		}
	}
}

func (s *WebSocketServer) writeClose(c *connection, code int, text string) {
	deadline := time.Now().Add(s.cfg.WriteTimeout)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
}

func (s *WebSocketServer) handleMessage(ctx context.Context, c *connection, msg Message) {
	if msg.RequestID != "" {
		ctx = rlog.WithValue(ctx, rlog.RequestIDKey, msg.RequestID)
	}
	ctx, span := tracing.TraceWebSocketMessage(ctx, msg.Type, string(c.id))
	defer span.End()

	s.metrics.RecordMessage(msg.Type)
	s.clog.LogMessage(ctx, msg.Type)

	if c.limiter != nil && !c.limiter.Allow() {
		s.reply(c, msg.RequestID, nil, apperrors.NewRateLimitError())
		return
	}

	var (
		ack *AckPayload
		err error
	)

	switch msg.Type {
	case TypeJoinRoom:
		ack, err = s.handleJoinRoom(ctx, c, msg)
	case TypeLeaveRoom:
		err = s.handleLeaveRoom(ctx, c, msg)
	case TypeGetOccupancy:
		ack = &AckPayload{Counts: s.registry.OccupancyCounts()}
	case TypeSetMuted:
		err = s.handleSetMuted(ctx, c, msg)
	case TypeMuteUser, TypeUnmuteUser:
		err = s.handleModerate(ctx, c, msg)
		if errors.Is(err, domain.ErrNotAuthorized) {
			// unauthorized moderation gets no reply at all
			tracing.RecordError(ctx, err)
			return
		}
	case TypeSpeaking:
		err = s.handleSpeaking(ctx, c, msg)
	case TypeReaction:
		err = s.handleReaction(ctx, c, msg)
	case TypeReady:
		ack, err = s.handleReady(ctx, c, msg)
	case TypeOffer, TypeAnswer, TypeCandidate:
		err = s.handleRelay(ctx, c, msg)
	default:
		err = apperrors.NewInvalidInputError(fmt.Sprintf("unknown message type: %s", msg.Type))
	}

	if err != nil {
		tracing.RecordError(ctx, err)
		s.clog.LogDebug(ctx, "request rejected", zap.String("type", msg.Type), zap.Error(err))
	}
	s.reply(c, msg.RequestID, ack, err)
}

func (s *WebSocketServer) handleJoinRoom(ctx context.Context, c *connection, msg Message) (*AckPayload, error) {
	var payload RoomPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateRoomID(string(payload.RoomID)); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}

	ctx = rlog.WithValue(ctx, rlog.RoomIDKey, string(payload.RoomID))
	ctx, span := tracing.TraceRoomOperation(ctx, "admit", string(payload.RoomID), string(c.id))
	defer span.End()

	members, err := s.registry.Admit(ctx, c.id, payload.RoomID)
	if err != nil {
		return nil, err
	}
	s.clog.LogInfo(ctx, "joined room", zap.Int("members", len(members)))
	return &AckPayload{Members: members}, nil
}

func (s *WebSocketServer) handleLeaveRoom(ctx context.Context, c *connection, msg Message) error {
	var payload RoomPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}

	ctx, span := tracing.TraceRoomOperation(ctx, "remove", string(payload.RoomID), string(c.id))
	defer span.End()
	return s.registry.Remove(ctx, c.id, payload.RoomID)
}

func (s *WebSocketServer) handleSetMuted(ctx context.Context, c *connection, msg Message) error {
	var payload MutePayload
	if err := msg.DecodePayload(&payload); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	return s.registry.SetMuted(ctx, c.id, payload.RoomID, payload.Muted)
}

func (s *WebSocketServer) handleModerate(ctx context.Context, c *connection, msg Message) error {
	var payload ModeratePayload
	if err := msg.DecodePayload(&payload); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateParticipantID(string(payload.TargetID)); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}

	muted := msg.Type == TypeMuteUser
	ctx, span := tracing.TraceRoomOperation(ctx, msg.Type, "", string(c.id))
	defer span.End()
	return s.registry.ModeratorSetMuted(ctx, c.id, payload.TargetID, muted)
}

func (s *WebSocketServer) handleSpeaking(ctx context.Context, c *connection, msg Message) error {
	var payload SpeakingPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	return s.registry.SetSpeaking(ctx, c.id, payload.RoomID, payload.Speaking)
}

func (s *WebSocketServer) handleReaction(ctx context.Context, c *connection, msg Message) error {
	var payload ReactionPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if err := validation.ValidateSymbol(payload.Symbol); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	return s.registry.React(ctx, c.id, payload.RoomID, payload.Symbol)
}

func (s *WebSocketServer) handleReady(ctx context.Context, c *connection, msg Message) (*AckPayload, error) {
	var payload RoomPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return nil, apperrors.NewInvalidInputError(err.Error())
	}
	peers, err := s.registry.ReadyForSession(ctx, c.id, payload.RoomID)
	if err != nil {
		return nil, err
	}
	return &AckPayload{Peers: peers}, nil
}

func (s *WebSocketServer) handleRelay(ctx context.Context, c *connection, msg Message) error {
	var payload RelayPayload
	if err := msg.DecodePayload(&payload); err != nil {
		return apperrors.NewInvalidInputError(err.Error())
	}
	if payload.To == "" {
		return apperrors.NewInvalidInputError("to is required")
	}
	if len(payload.Payload) == 0 {
		return apperrors.NewInvalidInputError("payload is required")
	}

	if msg.Type == TypeOffer || msg.Type == TypeAnswer {
		var desc struct {
			SDP string `json:"sdp"`
		}
		if err := json.Unmarshal(payload.Payload, &desc); err != nil {
			return apperrors.NewInvalidInputError(fmt.Sprintf("invalid %s description: %v", msg.Type, err))
		}
		if err := validateSDP(desc.SDP); err != nil {
			return apperrors.NewInvalidInputError(fmt.Sprintf("invalid SDP in %s: %v", msg.Type, err))
		}
	}

	ctx, span := tracing.TraceWebRTC(ctx, "relay_"+msg.Type, string(c.id), string(payload.To))
	defer span.End()

	if err := s.registry.Relay(ctx, domain.EventKind(msg.Type), c.id, payload.To, payload.Payload); err != nil {
		return err
	}
	s.logger.Debugw("relayed negotiation message",
		"type", msg.Type,
		"from", c.id,
		"to", payload.To,
		"size", len(payload.Payload),
	)
	return nil
}

// reply sends an ack for requests that carry a request id. Errors on
// fire-and-forget messages come back as an error message instead.
func (s *WebSocketServer) reply(c *connection, requestID string, ack *AckPayload, err error) {
	var msg Message
	switch {
	case requestID != "":
		if ack == nil {
			ack = &AckPayload{}
		}
		ack.OK = err == nil
		if err != nil {
			ack.Error = apperrors.FromDomain(err).WireCode()
			ack.Members, ack.Counts, ack.Peers = nil, nil, nil
		}
		msg, _ = NewMessage(TypeAck, requestID, ack)
	case err != nil:
		appErr := apperrors.FromDomain(err)
		msg, _ = NewMessage(TypeError, "", ErrorPayload{Code: appErr.WireCode(), Message: appErr.Message})
	default:
		return
	}
	s.deliver(c, msg)
}

// validateSDP validates SDP format
func validateSDP(sdp string) error {
	if sdp == "" {
		return fmt.Errorf("SDP cannot be empty")
	}

	// SDP should start with "v=" (version)
	if len(sdp) < 2 || sdp[:2] != "v=" {
		return fmt.Errorf("invalid SDP format: must start with 'v='")
	}

	requiredFields := []string{"v=", "o=", "s=", "t="}
	for _, field := range requiredFields {
		if !strings.Contains(sdp, field) {
			return fmt.Errorf("invalid SDP format: missing required field '%s'", field)
		}
	}

	return nil
}

// Notify implements ports.Notifier.
func (s *WebSocketServer) Notify(to domain.ParticipantID, ev domain.Event) {
	s.mu.RLock()
	c, ok := s.connections[to]
	s.mu.RUnlock()
	if !ok {
		s.logger.Debugw("dropping event for unknown participant", "participant_id", to, "kind", ev.Kind)
		return
	}

	msg, err := EncodeEvent(ev)
	if err != nil {
		s.logger.Errorw("failed to encode event", "kind", ev.Kind, "error", err)
		return
	}
	s.deliver(c, msg)
}

// NotifyAll implements ports.Notifier.
func (s *WebSocketServer) NotifyAll(ev domain.Event) {
	msg, err := EncodeEvent(ev)
	if err != nil {
		s.logger.Errorw("failed to encode event", "kind", ev.Kind, "error", err)
		return
	}

	s.mu.RLock()
	targets := make([]*connection, 0, len(s.connections))
	for _, c := range s.connections {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	for _, c := range targets {
		s.deliver(c, msg)
	}
}

// deliver queues msg for c and drops c when its queue is full.
func (s *WebSocketServer) deliver(c *connection, msg Message) {
	if c.enqueue(msg) {
		return
	}
	s.metrics.RecordSlowConsumer()
	s.logger.Warnw("send queue full, dropping slow consumer",
		"participant_id", c.id,
		"queue", cap(c.send),
	)
	c.close()
}

func (s *WebSocketServer) register(c *connection) {
	s.mu.Lock()
	s.connections[c.id] = c
	n := len(s.connections)
	s.mu.Unlock()
	s.metrics.SetConnections(n)
}

func (s *WebSocketServer) unregister(c *connection) {
	s.mu.Lock()
	if cur, ok := s.connections[c.id]; ok && cur == c {
		delete(s.connections, c.id)
	}
	n := len(s.connections)
	s.mu.Unlock()
	s.metrics.SetConnections(n)
}

func (s *WebSocketServer) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":      "healthy",
		"timestamp":   time.Now().Unix(),
		"connections": s.ConnectionCount(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *WebSocketServer) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.connections)
}

func (s *WebSocketServer) IsParticipantConnected(id domain.ParticipantID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, exists := s.connections[id]
	return exists
}

// Shutdown closes every connection. Handlers then disconnect their
// participants from the registry.
func (s *WebSocketServer) Shutdown() {
	s.mu.RLock()
	targets := make([]*connection, 0, len(s.connections))
	for _, c := range s.connections {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	for _, c := range targets {
		c.close()
	}
}
