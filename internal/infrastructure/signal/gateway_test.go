package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"hangnet/internal/core/domain"
	"hangnet/internal/core/ports"
	"hangnet/internal/core/services"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubService records calls and lets tests drive the event stream by hand.
type stubService struct {
	mu sync.Mutex

	admitErr     error
	subscribeErr error

	eventFn  func(domain.RoomEvent)
	removals []removal
}

type removal struct {
	hangoutID domain.HangoutID
	userID    domain.UserID
	reason    domain.RemovalReason
}

func (s *stubService) Create(context.Context, string, domain.UserID, domain.Visibility, int, string) (*domain.Hangout, error) {
	return nil, domain.ErrHangoutNotFound
}

func (s *stubService) Get(context.Context, domain.HangoutID) (*domain.Hangout, error) {
	return nil, domain.ErrHangoutNotFound
}

func (s *stubService) Admit(_ context.Context, id domain.HangoutID, user domain.UserID) (*ports.JoinGrant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.admitErr != nil {
		return nil, s.admitErr
	}
	return &ports.JoinGrant{
		Participant: domain.Participant{HangoutID: id, UserID: user},
		Send:        ports.TransportInfo{ID: "send-1"},
		Recv:        ports.TransportInfo{ID: "recv-1"},
		Snapshot:    domain.RoomSnapshot{Hangout: domain.Hangout{ID: id}},
	}, nil
}

func (s *stubService) ConnectTransport(context.Context, domain.HangoutID, domain.UserID, domain.TransportID, ports.ClientParameters) (*ports.TransportInfo, error) {
	return nil, nil
}

func (s *stubService) AddICECandidate(context.Context, domain.HangoutID, domain.UserID, domain.TransportID, ports.ICECandidate) error {
	return nil
}

func (s *stubService) Produce(context.Context, domain.HangoutID, domain.UserID, domain.MediaKind, domain.VideoSource, ports.RTPParameters) (domain.ProducerID, error) {
	return "producer-1", nil
}

func (s *stubService) Remove(_ context.Context, id domain.HangoutID, user domain.UserID, reason domain.RemovalReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removals = append(s.removals, removal{hangoutID: id, userID: user, reason: reason})
	return nil
}

func (s *stubService) End(context.Context, domain.HangoutID, domain.UserID) error { return nil }

func (s *stubService) SetMediaState(context.Context, domain.HangoutID, domain.UserID, domain.MediaState) error {
	return nil
}

func (s *stubService) StartBroadcast(context.Context, domain.HangoutID, domain.UserID) error {
	return nil
}

func (s *stubService) StopBroadcast(context.Context, domain.HangoutID, domain.UserID) error {
	return nil
}

func (s *stubService) Snapshot(_ context.Context, id domain.HangoutID) (*domain.RoomSnapshot, error) {
	return &domain.RoomSnapshot{Seq: 7, Hangout: domain.Hangout{ID: id}}, nil
}

func (s *stubService) Subscribe(_ domain.HangoutID, _ string, fn func(domain.RoomEvent)) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribeErr != nil {
		return nil, s.subscribeErr
	}
	s.eventFn = fn
	return func() {}, nil
}

func (s *stubService) Shutdown(context.Context) {}

func (s *stubService) emit(ev domain.RoomEvent) {
	s.mu.Lock()
	fn := s.eventFn
	s.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

func (s *stubService) removalLog() []removal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]removal, len(s.removals))
	copy(out, s.removals)
	return out
}

func newTestGateway(t *testing.T, svc ports.HangoutService, config Config) (*Gateway, *httptest.Server, services.AuthService) {
	t.Helper()
	auth := services.NewAuthService("gateway-test-secret")
	gw := NewGateway(svc, auth, config, zap.NewNop().Sugar())
	srv := httptest.NewServer(http.HandlerFunc(gw.HandleWebSocket))
	t.Cleanup(srv.Close)
	return gw, srv, auth
}

func dialGateway(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg Message
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func sendMessage(t *testing.T, conn *websocket.Conn, msgType string, payload any) {
	t.Helper()
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		require.NoError(t, err)
		raw = data
	}
	require.NoError(t, conn.WriteJSON(Message{Type: msgType, Payload: raw}))
}

func TestHandleWebSocketRejectsMissingToken(t *testing.T) {
	_, srv, _ := newTestGateway(t, &stubService{}, Config{})

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleWebSocketRejectsBadToken(t *testing.T) {
	_, srv, _ := newTestGateway(t, &stubService{}, Config{})

	resp, err := http.Get(srv.URL + "/?token=not-a-jwt")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestJoinDeliversGrantAndRoomEvents(t *testing.T) {
	svc := &stubService{}
	_, srv, auth := newTestGateway(t, svc, Config{})

	token, err := auth.GenerateToken("alice", time.Minute)
	require.NoError(t, err)
	conn := dialGateway(t, srv, token)

	sendMessage(t, conn, "join", joinPayload{HangoutID: "h1"})

	joined := readMessage(t, conn)
	require.Equal(t, "joined", joined.Type)
	var grant ports.JoinGrant
	require.NoError(t, json.Unmarshal(joined.Payload, &grant))
	assert.Equal(t, domain.UserID("alice"), grant.Participant.UserID)
	assert.Equal(t, domain.TransportID("send-1"), grant.Send.ID)
	assert.Equal(t, domain.TransportID("recv-1"), grant.Recv.ID)

	svc.emit(domain.RoomEvent{Seq: 1, Kind: domain.EventParticipantJoined, HangoutID: "h1", UserID: "bob"})

	ev := readMessage(t, conn)
	require.Equal(t, "room_state", ev.Type)
	var event domain.RoomEvent
	require.NoError(t, json.Unmarshal(ev.Payload, &event))
	assert.Equal(t, uint64(1), event.Seq)
	assert.Equal(t, domain.EventParticipantJoined, event.Kind)
	assert.Equal(t, domain.UserID("bob"), event.UserID)
}

func TestMessagesBeforeJoinAreRejected(t *testing.T) {
	svc := &stubService{}
	_, srv, auth := newTestGateway(t, svc, Config{})

	token, err := auth.GenerateToken("alice", time.Minute)
	require.NoError(t, err)
	conn := dialGateway(t, srv, token)

	sendMessage(t, conn, "room_state", nil)

	msg := readMessage(t, conn)
	require.Equal(t, "error", msg.Type)
	var payload errorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "internal", payload.Code)
	assert.Contains(t, payload.Message, "join a hangout first")
}

func TestJoinErrorsCarryDomainCodes(t *testing.T) {
	svc := &stubService{admitErr: domain.ErrCapacityExceeded}
	_, srv, auth := newTestGateway(t, svc, Config{})

	token, err := auth.GenerateToken("alice", time.Minute)
	require.NoError(t, err)
	conn := dialGateway(t, srv, token)

	sendMessage(t, conn, "join", joinPayload{HangoutID: "h1"})

	msg := readMessage(t, conn)
	require.Equal(t, "error", msg.Type)
	var payload errorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "capacity_exceeded", payload.Code)
}

func TestSubscribeFailureRollsBackAdmission(t *testing.T) {
	svc := &stubService{subscribeErr: domain.ErrHangoutNotFound}
	_, srv, auth := newTestGateway(t, svc, Config{})

	token, err := auth.GenerateToken("alice", time.Minute)
	require.NoError(t, err)
	conn := dialGateway(t, srv, token)

	sendMessage(t, conn, "join", joinPayload{HangoutID: "h1"})

	msg := readMessage(t, conn)
	require.Equal(t, "error", msg.Type)
	var payload errorPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	assert.Equal(t, "not_found", payload.Code)

	removals := svc.removalLog()
	require.Len(t, removals, 1)
	assert.Equal(t, domain.ReasonLeft, removals[0].reason)
	assert.Equal(t, domain.UserID("alice"), removals[0].userID)
}

func TestLeaveRemovesImmediately(t *testing.T) {
	svc := &stubService{}
	_, srv, auth := newTestGateway(t, svc, Config{})

	token, err := auth.GenerateToken("alice", time.Minute)
	require.NoError(t, err)
	conn := dialGateway(t, srv, token)

	sendMessage(t, conn, "join", joinPayload{HangoutID: "h1"})
	require.Equal(t, "joined", readMessage(t, conn).Type)

	sendMessage(t, conn, "leave", nil)

	require.Eventually(t, func() bool {
		return len(svc.removalLog()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.ReasonLeft, svc.removalLog()[0].reason)

	// An explicit leave tears the session down right away, so closing the
	// socket afterwards must not arm the disconnect grace timer.
	conn.Close()
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, svc.removalLog(), 1)
}

func TestDisconnectRemovesAfterGraceWindow(t *testing.T) {
	svc := &stubService{}
	_, srv, auth := newTestGateway(t, svc, Config{DisconnectGrace: 30 * time.Millisecond})

	token, err := auth.GenerateToken("alice", time.Minute)
	require.NoError(t, err)
	conn := dialGateway(t, srv, token)

	sendMessage(t, conn, "join", joinPayload{HangoutID: "h1"})
	require.Equal(t, "joined", readMessage(t, conn).Type)

	conn.Close()

	require.Eventually(t, func() bool {
		return len(svc.removalLog()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, domain.ReasonDisconnected, svc.removalLog()[0].reason)
}

func TestReconnectWithinGraceCancelsRemoval(t *testing.T) {
	svc := &stubService{}
	_, srv, auth := newTestGateway(t, svc, Config{DisconnectGrace: 200 * time.Millisecond})

	token, err := auth.GenerateToken("alice", time.Minute)
	require.NoError(t, err)
	conn := dialGateway(t, srv, token)

	sendMessage(t, conn, "join", joinPayload{HangoutID: "h1"})
	require.Equal(t, "joined", readMessage(t, conn).Type)
	conn.Close()

	// Let the server notice the drop and arm the grace timer before the
	// reconnect races it.
	time.Sleep(50 * time.Millisecond)

	reconn := dialGateway(t, srv, token)
	sendMessage(t, reconn, "join", joinPayload{HangoutID: "h1"})
	require.Equal(t, "joined", readMessage(t, reconn).Type)

	time.Sleep(300 * time.Millisecond)
	for _, r := range svc.removalLog() {
		assert.NotEqual(t, domain.ReasonDisconnected, r.reason)
	}
}

func TestRoomStateReturnsSnapshot(t *testing.T) {
	svc := &stubService{}
	_, srv, auth := newTestGateway(t, svc, Config{})

	token, err := auth.GenerateToken("alice", time.Minute)
	require.NoError(t, err)
	conn := dialGateway(t, srv, token)

	sendMessage(t, conn, "join", joinPayload{HangoutID: "h1"})
	require.Equal(t, "joined", readMessage(t, conn).Type)

	sendMessage(t, conn, "room_state", nil)

	msg := readMessage(t, conn)
	require.Equal(t, "room_snapshot", msg.Type)
	var snapshot domain.RoomSnapshot
	require.NoError(t, json.Unmarshal(msg.Payload, &snapshot))
	assert.Equal(t, domain.HangoutID("h1"), snapshot.Hangout.ID)
	assert.Equal(t, uint64(7), snapshot.Seq)
}

func TestOriginCheck(t *testing.T) {
	gw := NewGateway(&stubService{}, services.NewAuthService("s"), Config{
		AllowedOrigins: []string{"https://app.example.com"},
	}, zap.NewNop().Sugar())
	check := gw.upgrader().CheckOrigin

	allowed := httptest.NewRequest(http.MethodGet, "/", nil)
	allowed.Header.Set("Origin", "https://app.example.com")
	assert.True(t, check(allowed))

	denied := httptest.NewRequest(http.MethodGet, "/", nil)
	denied.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(denied))

	open := NewGateway(&stubService{}, services.NewAuthService("s"), Config{}, zap.NewNop().Sugar())
	assert.True(t, open.upgrader().CheckOrigin(denied))
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{domain.ErrCapacityExceeded, "capacity_exceeded"},
		{domain.ErrForbidden, "forbidden"},
		{domain.ErrSessionClosed, "session_closed"},
		{domain.ErrHandshakeFailed, "handshake_failed"},
		{domain.ErrNegotiationTimeout, "negotiation_timeout"},
		{domain.ErrEngineUnavailable, "engine_unavailable"},
		{domain.ErrRelayUnreachable, "relay_unreachable"},
		{domain.ErrHangoutNotFound, "not_found"},
		{domain.ErrParticipantNotFound, "not_found"},
		{fmt.Errorf("wiring failed: %w", domain.ErrEngineUnavailable), "engine_unavailable"},
		{fmt.Errorf("something else"), "internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, errorCode(tt.err), "error %v", tt.err)
	}
}
