package ports

import (
	"context"

	"hangnet/internal/core/domain"
)

// TransportInfo is the connection material a client needs to negotiate one
// transport.
type TransportInfo struct {
	ID             domain.TransportID `json:"id"`
	ICEParameters  ICEParameters      `json:"ice_parameters"`
	ICECandidates  []ICECandidate     `json:"ice_candidates"`
	DTLSParameters DTLSParameters     `json:"dtls_parameters"`
}

// JoinGrant is the result of a successful admission: the participant record,
// both transports and the room snapshot at admission time.
type JoinGrant struct {
	Participant domain.Participant  `json:"participant"`
	Send        TransportInfo       `json:"send_transport"`
	Recv        TransportInfo       `json:"recv_transport"`
	Snapshot    domain.RoomSnapshot `json:"snapshot"`
}

// HangoutService owns the hangout lifecycle, the roster and the media link
// graph. All mutating operations for one hangout are serialized.
type HangoutService interface {
	Create(ctx context.Context, name string, creator domain.UserID, visibility domain.Visibility, maxParticipants int, broadcastURL string) (*domain.Hangout, error)
	Get(ctx context.Context, id domain.HangoutID) (*domain.Hangout, error)

	Admit(ctx context.Context, id domain.HangoutID, user domain.UserID) (*JoinGrant, error)
	// ConnectTransport completes the handshake for one of the user's
	// transports. On a handshake failure a fresh transport is provisioned and
	// the handshake is retried once: if the retry succeeds the fresh
	// transport's parameters are returned so the client can re-point, and a
	// nil TransportInfo means the original transport connected.
	ConnectTransport(ctx context.Context, id domain.HangoutID, user domain.UserID, transportID domain.TransportID, remote ClientParameters) (*TransportInfo, error)
	AddICECandidate(ctx context.Context, id domain.HangoutID, user domain.UserID, transportID domain.TransportID, candidate ICECandidate) error
	Produce(ctx context.Context, id domain.HangoutID, user domain.UserID, kind domain.MediaKind, source domain.VideoSource, rtp RTPParameters) (domain.ProducerID, error)
	Remove(ctx context.Context, id domain.HangoutID, user domain.UserID, reason domain.RemovalReason) error
	End(ctx context.Context, id domain.HangoutID, actor domain.UserID) error

	SetMediaState(ctx context.Context, id domain.HangoutID, user domain.UserID, state domain.MediaState) error

	StartBroadcast(ctx context.Context, id domain.HangoutID, actor domain.UserID) error
	StopBroadcast(ctx context.Context, id domain.HangoutID, actor domain.UserID) error

	Snapshot(ctx context.Context, id domain.HangoutID) (*domain.RoomSnapshot, error)
	// Subscribe tails the hangout's event log. Events are delivered in log
	// order; the returned function detaches the subscriber.
	Subscribe(id domain.HangoutID, subscriberID string, fn func(domain.RoomEvent)) (func(), error)

	// Shutdown ends every live hangout. Used on graceful process exit.
	Shutdown(ctx context.Context)
}

// MembershipChecker is the external pre-authorization policy for private
// hangouts. The creator is always allowed; everyone is allowed into public
// hangouts.
type MembershipChecker interface {
	IsAllowed(ctx context.Context, hangout *domain.Hangout, user domain.UserID) (bool, error)
}

// RelaySink is an open connection to a broadcast egress endpoint.
type RelaySink interface {
	Push(ctx context.Context, pkt RelayPacket) error
	Close() error
}

// RelayDialer opens a sink for a hangout's broadcast endpoint URL.
type RelayDialer interface {
	Dial(ctx context.Context, endpoint string) (RelaySink, error)
}
