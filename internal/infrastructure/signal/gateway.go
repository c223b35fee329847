package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"hangnet/internal/core/domain"
	"hangnet/internal/core/ports"
	"hangnet/internal/core/services"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config tunes the signaling gateway.
type Config struct {
	PingInterval    time.Duration
	PongTimeout     time.Duration
	WriteTimeout    time.Duration
	DisconnectGrace time.Duration
	MaxMessageSize  int64
	AllowedOrigins  []string

	// MessagesPerSecond bounds inbound signaling per connection.
	MessagesPerSecond float64
	MessageBurst      int
}

func DefaultConfig() Config {
	return Config{
		PingInterval:      30 * time.Second,
		PongTimeout:       60 * time.Second,
		WriteTimeout:      10 * time.Second,
		DisconnectGrace:   15 * time.Second,
		MaxMessageSize:    64 * 1024,
		MessagesPerSecond: 20,
		MessageBurst:      40,
	}
}

// Gateway is the WebSocket signaling surface. One connection serves one
// participant in one hangout; room-state events stream server to client with
// a per-hangout sequence number, and a client that observes a gap asks for a
// fresh snapshot.
type Gateway struct {
	service ports.HangoutService
	auth    services.AuthService
	config  Config

	graceMu     sync.Mutex
	graceTimers map[string]*time.Timer

	logger *zap.SugaredLogger
}

// Message is the signaling envelope in both directions.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type joinPayload struct {
	HangoutID domain.HangoutID `json:"hangout_id"`
}

type connectTransportPayload struct {
	TransportID domain.TransportID     `json:"transport_id"`
	Client      ports.ClientParameters `json:"client_parameters"`
}

type producePayload struct {
	Kind   domain.MediaKind    `json:"kind"`
	Source domain.VideoSource  `json:"source,omitempty"`
	RTP    ports.RTPParameters `json:"rtp_parameters"`
}

type iceCandidatePayload struct {
	TransportID domain.TransportID `json:"transport_id"`
	Candidate   ports.ICECandidate `json:"candidate"`
}

type mediaStatePayload struct {
	Muted         bool `json:"muted"`
	CameraOff     bool `json:"camera_off"`
	ScreenSharing bool `json:"screen_sharing"`
}

type transportConnectedPayload struct {
	TransportID domain.TransportID   `json:"transport_id"`
	Replacement *ports.TransportInfo `json:"replacement,omitempty"`
}

type producedPayload struct {
	ProducerID domain.ProducerID `json:"producer_id"`
	Kind       domain.MediaKind  `json:"kind"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewGateway(service ports.HangoutService, auth services.AuthService, config Config, logger *zap.SugaredLogger) *Gateway {
	def := DefaultConfig()
	if config.PingInterval <= 0 {
		config.PingInterval = def.PingInterval
	}
	if config.PongTimeout <= 0 {
		config.PongTimeout = def.PongTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.DisconnectGrace <= 0 {
		config.DisconnectGrace = def.DisconnectGrace
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = def.MaxMessageSize
	}
	if config.MessagesPerSecond <= 0 {
		config.MessagesPerSecond = def.MessagesPerSecond
	}
	if config.MessageBurst <= 0 {
		config.MessageBurst = def.MessageBurst
	}
	return &Gateway{
		service:     service,
		auth:        auth,
		config:      config,
		graceTimers: make(map[string]*time.Timer),
		logger:      logger,
	}
}

func (g *Gateway) upgrader() websocket.Upgrader {
	allowed := g.config.AllowedOrigins
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowed) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, a := range allowed {
				if a == "*" || a == origin {
					return true
				}
			}
			return false
		},
	}
}

// clientConn is the per-connection state. All writes go through the out
// channel so a single writer goroutine owns the socket.
type clientConn struct {
	id        string
	conn      *websocket.Conn
	out       chan Message
	hangoutID domain.HangoutID
	userID    domain.UserID
	joined    bool
	unsub     func()

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *clientConn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		if c.unsub != nil {
			c.unsub()
		}
	})
}

// enqueue is non-blocking: a slow client drops events and recovers through a
// snapshot request once it notices the sequence gap.
func (c *clientConn) enqueue(msg Message) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.out <- msg:
		return true
	default:
		return false
	}
}

func (g *Gateway) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	userID, err := g.authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	upgrader := g.upgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Errorw("websocket upgrade failed", "error", err)
		return
	}

	client := &clientConn{
		id:     uuid.NewString(),
		conn:   conn,
		out:    make(chan Message, 64),
		userID: userID,
		closed: make(chan struct{}),
	}
	defer func() {
		client.shutdown()
		conn.Close()
		g.handleDisconnect(client)
	}()

	conn.SetReadLimit(g.config.MaxMessageSize)
	conn.SetReadDeadline(time.Now().Add(g.config.PongTimeout)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(g.config.PongTimeout))
	})

	go g.writeLoop(client)

	g.logger.Infow("signaling connection opened", "user_id", userID, "conn_id", client.id)

	limiter := rate.NewLimiter(rate.Limit(g.config.MessagesPerSecond), g.config.MessageBurst)

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Infow("signaling connection read failed", "user_id", userID, "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(g.config.PongTimeout)) //nolint:errcheck

		if !limiter.Allow() {
			g.sendError(client, "rate_limited", "too many signaling messages")
			continue
		}

		if err := g.handleMessage(r.Context(), client, msg); err != nil {
			g.logger.Infow("signaling message failed",
				"user_id", userID,
				"type", msg.Type,
				"error", err,
			)
			g.sendError(client, errorCode(err), err.Error())
		}
	}
}

func (g *Gateway) authenticate(r *http.Request) (domain.UserID, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Sec-WebSocket-Protocol")
	}
	if token == "" {
		return "", fmt.Errorf("missing token")
	}
	claims, err := g.auth.ValidateToken(token)
	if err != nil {
		return "", err
	}
	return claims.UserID, nil
}

func (g *Gateway) writeLoop(client *clientConn) {
	ticker := time.NewTicker(g.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-client.closed:
			return
		case msg := <-client.out:
			client.conn.SetWriteDeadline(time.Now().Add(g.config.WriteTimeout)) //nolint:errcheck
			if err := client.conn.WriteJSON(msg); err != nil {
				g.logger.Debugw("failed to write signaling message",
					"user_id", client.userID,
					"error", err,
				)
				client.conn.Close()
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(g.config.WriteTimeout)) //nolint:errcheck
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				client.conn.Close()
				return
			}
		}
	}
}

func (g *Gateway) handleMessage(ctx context.Context, client *clientConn, msg Message) error {
	if msg.Type == "" {
		return fmt.Errorf("message type is required")
	}

	if msg.Type == "join" {
		return g.handleJoin(ctx, client, msg)
	}
	if !client.joined {
		return fmt.Errorf("join a hangout first")
	}

	switch msg.Type {
	case "connect_transport":
		return g.handleConnectTransport(ctx, client, msg)
	case "produce":
		return g.handleProduce(ctx, client, msg)
	case "ice_candidate":
		return g.handleICECandidate(ctx, client, msg)
	case "media_state":
		return g.handleMediaState(ctx, client, msg)
	case "room_state":
		return g.handleRoomState(ctx, client)
	case "leave":
		return g.handleLeave(ctx, client)
	default:
		return fmt.Errorf("unknown message type: %s", msg.Type)
	}
}

func (g *Gateway) handleJoin(ctx context.Context, client *clientConn, msg Message) error {
	if client.joined {
		return fmt.Errorf("already joined")
	}

	var payload joinPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid join payload: %w", err)
	}
	if payload.HangoutID == "" {
		return fmt.Errorf("hangout_id is required")
	}

	// A reconnect within the grace window must beat the pending removal.
	g.cancelGrace(payload.HangoutID, client.userID)

	grant, err := g.service.Admit(ctx, payload.HangoutID, client.userID)
	if err != nil {
		return err
	}

	unsub, err := g.service.Subscribe(payload.HangoutID, client.id, func(ev domain.RoomEvent) {
		raw, err := json.Marshal(ev)
		if err != nil {
			return
		}
		client.enqueue(Message{Type: "room_state", Payload: raw})
	})
	if err != nil {
		removeErr := g.service.Remove(ctx, payload.HangoutID, client.userID, domain.ReasonLeft)
		if removeErr != nil {
			g.logger.Warnw("failed to roll back admission after subscribe failure",
				"hangout_id", payload.HangoutID,
				"user_id", client.userID,
				"error", removeErr,
			)
		}
		return err
	}

	client.hangoutID = payload.HangoutID
	client.joined = true
	client.unsub = unsub

	raw, err := json.Marshal(grant)
	if err != nil {
		return err
	}
	client.enqueue(Message{Type: "joined", Payload: raw})
	return nil
}

func (g *Gateway) handleConnectTransport(ctx context.Context, client *clientConn, msg Message) error {
	var payload connectTransportPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid connect_transport payload: %w", err)
	}

	replacement, err := g.service.ConnectTransport(ctx, client.hangoutID, client.userID, payload.TransportID, payload.Client)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(transportConnectedPayload{
		TransportID: payload.TransportID,
		Replacement: replacement,
	})
	if err != nil {
		return err
	}
	client.enqueue(Message{Type: "transport_connected", Payload: raw})
	return nil
}

func (g *Gateway) handleProduce(ctx context.Context, client *clientConn, msg Message) error {
	var payload producePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid produce payload: %w", err)
	}
	if payload.Kind != domain.MediaAudio && payload.Kind != domain.MediaVideo {
		return fmt.Errorf("invalid media kind %q", payload.Kind)
	}
	if payload.Kind == domain.MediaVideo && payload.Source == "" {
		payload.Source = domain.SourceCamera
	}

	producerID, err := g.service.Produce(ctx, client.hangoutID, client.userID, payload.Kind, payload.Source, payload.RTP)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(producedPayload{ProducerID: producerID, Kind: payload.Kind})
	if err != nil {
		return err
	}
	client.enqueue(Message{Type: "produced", Payload: raw})
	return nil
}

func (g *Gateway) handleICECandidate(ctx context.Context, client *clientConn, msg Message) error {
	var payload iceCandidatePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid ice_candidate payload: %w", err)
	}
	return g.service.AddICECandidate(ctx, client.hangoutID, client.userID, payload.TransportID, payload.Candidate)
}

func (g *Gateway) handleMediaState(ctx context.Context, client *clientConn, msg Message) error {
	var payload mediaStatePayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("invalid media_state payload: %w", err)
	}
	return g.service.SetMediaState(ctx, client.hangoutID, client.userID, domain.MediaState{
		Muted:         payload.Muted,
		CameraOff:     payload.CameraOff,
		ScreenSharing: payload.ScreenSharing,
	})
}

func (g *Gateway) handleRoomState(ctx context.Context, client *clientConn) error {
	snapshot, err := g.service.Snapshot(ctx, client.hangoutID)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	client.enqueue(Message{Type: "room_snapshot", Payload: raw})
	return nil
}

func (g *Gateway) handleLeave(ctx context.Context, client *clientConn) error {
	client.joined = false
	if client.unsub != nil {
		client.unsub()
		client.unsub = nil
	}
	return g.service.Remove(ctx, client.hangoutID, client.userID, domain.ReasonLeft)
}

// handleDisconnect arms the grace timer: a drop is not a leave until the
// window expires without a reconnect.
func (g *Gateway) handleDisconnect(client *clientConn) {
	if !client.joined {
		return
	}
	hangoutID, userID := client.hangoutID, client.userID

	g.logger.Infow("signaling connection dropped, starting grace window",
		"hangout_id", hangoutID,
		"user_id", userID,
		"grace", g.config.DisconnectGrace,
	)

	key := graceKey(hangoutID, userID)
	g.graceMu.Lock()
	if prev, ok := g.graceTimers[key]; ok {
		prev.Stop()
	}
	g.graceTimers[key] = time.AfterFunc(g.config.DisconnectGrace, func() {
		g.graceMu.Lock()
		delete(g.graceTimers, key)
		g.graceMu.Unlock()

		if err := g.service.Remove(context.Background(), hangoutID, userID, domain.ReasonDisconnected); err != nil {
			g.logger.Warnw("failed to remove disconnected participant",
				"hangout_id", hangoutID,
				"user_id", userID,
				"error", err,
			)
		}
	})
	g.graceMu.Unlock()
}

func (g *Gateway) cancelGrace(hangoutID domain.HangoutID, userID domain.UserID) {
	key := graceKey(hangoutID, userID)
	g.graceMu.Lock()
	if timer, ok := g.graceTimers[key]; ok {
		timer.Stop()
		delete(g.graceTimers, key)
	}
	g.graceMu.Unlock()
}

func graceKey(hangoutID domain.HangoutID, userID domain.UserID) string {
	return string(hangoutID) + "/" + string(userID)
}

func (g *Gateway) sendError(client *clientConn, code, message string) {
	raw, err := json.Marshal(errorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	client.enqueue(Message{Type: "error", Payload: raw})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, domain.ErrForbidden):
		return "forbidden"
	case errors.Is(err, domain.ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, domain.ErrHandshakeFailed):
		return "handshake_failed"
	case errors.Is(err, domain.ErrNegotiationTimeout):
		return "negotiation_timeout"
	case errors.Is(err, domain.ErrEngineUnavailable):
		return "engine_unavailable"
	case errors.Is(err, domain.ErrRelayUnreachable):
		return "relay_unreachable"
	case errors.Is(err, domain.ErrHangoutNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrParticipantNotFound):
		return "not_found"
	default:
		return "internal"
	}
}
