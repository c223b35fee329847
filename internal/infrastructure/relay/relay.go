package relay

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"hangnet/internal/core/domain"
	"hangnet/internal/core/ports"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Dialer opens relay sinks for broadcast endpoints. WebSocket endpoints get
// a binary-frame connection; HTTP endpoints get one long-lived chunked POST.
type Dialer struct {
	handshakeTimeout time.Duration
	logger           *zap.SugaredLogger
}

var _ ports.RelayDialer = (*Dialer)(nil)

func NewDialer(handshakeTimeout time.Duration, logger *zap.SugaredLogger) *Dialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &Dialer{handshakeTimeout: handshakeTimeout, logger: logger}
}

func (d *Dialer) Dial(ctx context.Context, endpoint string) (ports.RelaySink, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid endpoint: %v", domain.ErrRelayUnreachable, err)
	}

	switch u.Scheme {
	case "ws", "wss":
		return d.dialWebSocket(ctx, endpoint)
	case "http", "https":
		return d.dialHTTP(ctx, endpoint)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", domain.ErrRelayUnreachable, u.Scheme)
	}
}

func (d *Dialer) dialWebSocket(ctx context.Context, endpoint string) (ports.RelaySink, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRelayUnreachable, err)
	}
	return &wsSink{conn: conn}, nil
}

func (d *Dialer) dialHTTP(ctx context.Context, endpoint string) (ports.RelaySink, error) {
	pr, pw := io.Pipe()

	req, err := http.NewRequest(http.MethodPost, endpoint, pr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRelayUnreachable, err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	sink := &httpSink{pw: pw, done: make(chan struct{})}
	go func() {
		defer close(sink.done)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			sink.setErr(fmt.Errorf("%w: %v", domain.ErrRelayUnreachable, err))
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 400 {
			sink.setErr(fmt.Errorf("%w: relay responded %d", domain.ErrRelayUnreachable, resp.StatusCode))
		}
	}()

	// Give an immediately-refused connection a chance to surface before the
	// first push.
	select {
	case <-sink.done:
		if err := sink.err(); err != nil {
			return nil, err
		}
	case <-time.After(100 * time.Millisecond):
	case <-ctx.Done():
		sink.Close() //nolint:errcheck
		return nil, ctx.Err()
	}

	return sink, nil
}

// frame layout: 1 byte kind, 4 byte timestamp, 2 byte sequence,
// 4 byte payload length, payload.
func encodeFrame(pkt ports.RelayPacket) []byte {
	buf := make([]byte, 11+len(pkt.Payload))
	if pkt.Kind == domain.MediaVideo {
		buf[0] = 1
	}
	binary.BigEndian.PutUint32(buf[1:5], pkt.Timestamp)
	binary.BigEndian.PutUint16(buf[5:7], pkt.Sequence)
	binary.BigEndian.PutUint32(buf[7:11], uint32(len(pkt.Payload)))
	copy(buf[11:], pkt.Payload)
	return buf
}

type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) Push(ctx context.Context, pkt ports.RelayPacket) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetWriteDeadline(deadline) //nolint:errcheck
	}
	if err := s.conn.WriteMessage(websocket.BinaryMessage, encodeFrame(pkt)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRelayUnreachable, err)
	}
	return nil
}

func (s *wsSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")) //nolint:errcheck
	return s.conn.Close()
}

type httpSink struct {
	pw   *io.PipeWriter
	done chan struct{}

	mu      sync.Mutex
	pushErr error
}

func (s *httpSink) setErr(err error) {
	s.mu.Lock()
	if s.pushErr == nil {
		s.pushErr = err
	}
	s.mu.Unlock()
}

func (s *httpSink) err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pushErr
}

func (s *httpSink) Push(_ context.Context, pkt ports.RelayPacket) error {
	if err := s.err(); err != nil {
		return err
	}
	if _, err := s.pw.Write(encodeFrame(pkt)); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrRelayUnreachable, err)
	}
	return nil
}

func (s *httpSink) Close() error {
	err := s.pw.Close()
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
	}
	return err
}
