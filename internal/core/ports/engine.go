package ports

import (
	"context"

	"hangnet/internal/core/domain"
)

// TransportState mirrors the connection state of an engine transport.
type TransportState string

const (
	TransportNew          TransportState = "new"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
	TransportDisconnected TransportState = "disconnected"
	TransportClosed       TransportState = "closed"
)

// TransportOptions selects candidate modes for a new transport.
type TransportOptions struct {
	EnableUDP bool
	EnableTCP bool
	PreferUDP bool
}

// ICEParameters are the local ICE credentials handed to the client.
type ICEParameters struct {
	UsernameFragment string `json:"username_fragment"`
	Password         string `json:"password"`
	Lite             bool   `json:"lite,omitempty"`
}

// ICECandidate is one local candidate offered to the client.
type ICECandidate struct {
	Foundation string `json:"foundation"`
	IP         string `json:"ip"`
	Port       int    `json:"port"`
	Protocol   string `json:"protocol"`
	Type       string `json:"type"`
	Priority   uint32 `json:"priority"`
}

// DTLSFingerprint is one certificate fingerprint used during the handshake.
type DTLSFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

// DTLSParameters carry one side's DTLS handshake material.
type DTLSParameters struct {
	Role         string            `json:"role"`
	Fingerprints []DTLSFingerprint `json:"fingerprints"`
}

// ClientParameters is the client's side of the transport negotiation: its
// ICE credentials and DTLS handshake material.
type ClientParameters struct {
	ICE  ICEParameters  `json:"ice_parameters"`
	DTLS DTLSParameters `json:"dtls_parameters"`
}

// RTPParameters describe the codec of a track a client wants to produce.
type RTPParameters struct {
	MimeType  string `json:"mime_type"`
	ClockRate uint32 `json:"clock_rate"`
	Channels  uint16 `json:"channels,omitempty"`
	SSRC      uint32 `json:"ssrc,omitempty"`
}

// RelayPacket is one media unit observed from a producer, consumed by the
// broadcast egress.
type RelayPacket struct {
	HangoutID domain.HangoutID
	Kind      domain.MediaKind
	Payload   []byte
	Timestamp uint32
	Sequence  uint16
}

// MediaEngine is the Router capability consumed by the orchestrator. One
// concrete adapter exists per underlying engine; the orchestrator depends
// only on this interface.
type MediaEngine interface {
	CreateTransport(ctx context.Context, opts TransportOptions) (Transport, error)
}

// Transport is one WebRTC transport owned by a participant session.
type Transport interface {
	ID() domain.TransportID
	ICEParameters() ICEParameters
	ICECandidates() []ICECandidate
	DTLSParameters() DTLSParameters

	// Connect completes the DTLS handshake with the client's parameters.
	Connect(ctx context.Context, remote ClientParameters) error
	// AddRemoteCandidate feeds one trickled ICE candidate from the client.
	AddRemoteCandidate(candidate ICECandidate) error
	State() TransportState
	OnStateChange(fn func(TransportState))

	CreateProducer(ctx context.Context, kind domain.MediaKind, source domain.VideoSource, rtp RTPParameters) (Producer, error)
	CreateConsumer(ctx context.Context, producer Producer) (Consumer, error)
	Close() error
}

// Producer is a media track sent from a client into the engine.
type Producer interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	Source() domain.VideoSource

	// Pause stops packet flow without closing; consumers stay attached and
	// receive silence/no frames. Resume restores flow.
	Pause() error
	Resume() error
	Paused() bool

	// Observe taps the producer's forwarded packets. Used by the broadcast
	// relay egress; at most one observer per key.
	Observe(key string, fn func(RelayPacket))
	Unobserve(key string)

	Close() error
}

// Consumer is a forwarded copy of a producer's track delivered over a
// participant's receive transport.
type Consumer interface {
	ID() domain.ConsumerID
	ProducerID() domain.ProducerID
	Kind() domain.MediaKind
	Close() error
}
