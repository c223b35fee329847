package relay

import (
	"context"
	"encoding/binary"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"hangnet/internal/core/domain"
	"hangnet/internal/core/ports"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEncodeFrame(t *testing.T) {
	pkt := ports.RelayPacket{
		Kind:      domain.MediaVideo,
		Payload:   []byte{0xde, 0xad, 0xbe, 0xef},
		Timestamp: 90000,
		Sequence:  7,
	}
	frame := encodeFrame(pkt)

	require.Len(t, frame, 11+4)
	assert.Equal(t, byte(1), frame[0], "video frames are tagged 1")
	assert.Equal(t, uint32(90000), binary.BigEndian.Uint32(frame[1:5]))
	assert.Equal(t, uint16(7), binary.BigEndian.Uint16(frame[5:7]))
	assert.Equal(t, uint32(4), binary.BigEndian.Uint32(frame[7:11]))
	assert.Equal(t, pkt.Payload, frame[11:])

	audio := encodeFrame(ports.RelayPacket{Kind: domain.MediaAudio})
	assert.Equal(t, byte(0), audio[0], "audio frames are tagged 0")
}

func TestDialRejectsUnsupportedScheme(t *testing.T) {
	dialer := NewDialer(time.Second, zap.NewNop().Sugar())

	_, err := dialer.Dial(context.Background(), "rtmp://relay.example/live")
	assert.ErrorIs(t, err, domain.ErrRelayUnreachable)
}

func TestDialWebSocketPushesFrames(t *testing.T) {
	received := make(chan []byte, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		received <- data
	}))
	defer srv.Close()

	endpoint := "ws" + strings.TrimPrefix(srv.URL, "http")
	dialer := NewDialer(time.Second, zap.NewNop().Sugar())

	sink, err := dialer.Dial(context.Background(), endpoint)
	require.NoError(t, err)
	defer sink.Close()

	pkt := ports.RelayPacket{Kind: domain.MediaVideo, Payload: []byte{0x01, 0x02}, Timestamp: 42, Sequence: 1}
	require.NoError(t, sink.Push(context.Background(), pkt))

	select {
	case data := <-received:
		assert.Equal(t, encodeFrame(pkt), data)
	case <-time.After(2 * time.Second):
		t.Fatal("relay endpoint never received the frame")
	}
}

func TestDialWebSocketUnreachable(t *testing.T) {
	dialer := NewDialer(200*time.Millisecond, zap.NewNop().Sugar())

	_, err := dialer.Dial(context.Background(), "ws://127.0.0.1:1/live")
	assert.ErrorIs(t, err, domain.ErrRelayUnreachable)
}

func TestDialHTTPStreamsBody(t *testing.T) {
	bodySeen := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		bodySeen <- buf[:n]
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	dialer := NewDialer(time.Second, zap.NewNop().Sugar())
	sink, err := dialer.Dial(context.Background(), srv.URL)
	require.NoError(t, err)

	pkt := ports.RelayPacket{Kind: domain.MediaAudio, Payload: []byte{0xaa}, Timestamp: 1, Sequence: 2}
	require.NoError(t, sink.Push(context.Background(), pkt))

	select {
	case data := <-bodySeen:
		assert.Equal(t, encodeFrame(pkt), data)
	case <-time.After(2 * time.Second):
		t.Fatal("relay endpoint never received the body")
	}

	assert.NoError(t, sink.Close())
}
