package domain

import "errors"

var (
	ErrHangoutNotFound     = errors.New("hangout not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrCapacityExceeded    = errors.New("hangout capacity exceeded")
	ErrForbidden           = errors.New("not authorized for this hangout")
	ErrSessionClosed       = errors.New("hangout session is closed")
	ErrHandshakeFailed     = errors.New("transport handshake failed")
	ErrNegotiationTimeout  = errors.New("transport negotiation timed out")
	ErrEngineUnavailable   = errors.New("media engine unavailable")
	ErrRelayUnreachable    = errors.New("broadcast relay unreachable")
)
