package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"hangnet/internal/core/domain"
	"hangnet/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// pionTransport wraps one ICE gatherer, ICE transport and DTLS transport.
type pionTransport struct {
	id  domain.TransportID
	api *webrtc.API

	gatherer *webrtc.ICEGatherer
	ice      *webrtc.ICETransport
	dtls     *webrtc.DTLSTransport

	iceParams  webrtc.ICEParameters
	candidates []webrtc.ICECandidate
	dtlsParams webrtc.DTLSParameters

	mu       sync.Mutex
	state    ports.TransportState
	onState  func(ports.TransportState)
	closed   bool

	logger *zap.SugaredLogger
}

var _ ports.Transport = (*pionTransport)(nil)

func newTransport(ctx context.Context, api *webrtc.API, gatherOpts webrtc.ICEGatherOptions, logger *zap.SugaredLogger) (*pionTransport, error) {
	gatherer, err := api.NewICEGatherer(gatherOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to create ICE gatherer: %w", err)
	}

	gatherDone := make(chan struct{})
	gatherer.OnLocalCandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			close(gatherDone)
		}
	})
	if err := gatherer.Gather(); err != nil {
		return nil, fmt.Errorf("failed to gather candidates: %w", err)
	}
	select {
	case <-gatherDone:
	case <-ctx.Done():
		if closeErr := gatherer.Close(); closeErr != nil {
			logger.Warnw("failed to close gatherer after cancelled gathering", "error", closeErr)
		}
		return nil, ctx.Err()
	}

	iceParams, err := gatherer.GetLocalParameters()
	if err != nil {
		return nil, fmt.Errorf("failed to read ICE parameters: %w", err)
	}
	candidates, err := gatherer.GetLocalCandidates()
	if err != nil {
		return nil, fmt.Errorf("failed to read ICE candidates: %w", err)
	}

	ice := api.NewICETransport(gatherer)
	dtls, err := api.NewDTLSTransport(ice, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create DTLS transport: %w", err)
	}
	dtlsParams, err := dtls.GetLocalParameters()
	if err != nil {
		return nil, fmt.Errorf("failed to read DTLS parameters: %w", err)
	}

	t := &pionTransport{
		id:         domain.TransportID(uuid.NewString()),
		api:        api,
		gatherer:   gatherer,
		ice:        ice,
		dtls:       dtls,
		iceParams:  iceParams,
		candidates: candidates,
		dtlsParams: dtlsParams,
		state:      ports.TransportNew,
		logger:     logger,
	}

	ice.OnConnectionStateChange(func(state webrtc.ICETransportState) {
		t.setState(mapICEState(state))
	})

	return t, nil
}

func (t *pionTransport) ID() domain.TransportID { return t.id }

func (t *pionTransport) ICEParameters() ports.ICEParameters {
	return ports.ICEParameters{
		UsernameFragment: t.iceParams.UsernameFragment,
		Password:         t.iceParams.Password,
		Lite:             t.iceParams.ICELite,
	}
}

func (t *pionTransport) ICECandidates() []ports.ICECandidate {
	out := make([]ports.ICECandidate, 0, len(t.candidates))
	for _, c := range t.candidates {
		out = append(out, ports.ICECandidate{
			Foundation: c.Foundation,
			IP:         c.Address,
			Port:       int(c.Port),
			Protocol:   c.Protocol.String(),
			Type:       c.Typ.String(),
			Priority:   c.Priority,
		})
	}
	return out
}

func (t *pionTransport) DTLSParameters() ports.DTLSParameters {
	fingerprints := make([]ports.DTLSFingerprint, 0, len(t.dtlsParams.Fingerprints))
	for _, f := range t.dtlsParams.Fingerprints {
		fingerprints = append(fingerprints, ports.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}
	return ports.DTLSParameters{
		Role:         strings.ToLower(t.dtlsParams.Role.String()),
		Fingerprints: fingerprints,
	}
}

// Connect starts ICE with the client's credentials and then the DTLS
// handshake. The server side is always the controlled ICE agent.
func (t *pionTransport) Connect(ctx context.Context, remote ports.ClientParameters) error {
	iceRole := webrtc.ICERoleControlled
	remoteICE := webrtc.ICEParameters{
		UsernameFragment: remote.ICE.UsernameFragment,
		Password:         remote.ICE.Password,
		ICELite:          remote.ICE.Lite,
	}
	remoteDTLS := webrtc.DTLSParameters{
		Role:         mapDTLSRole(remote.DTLS.Role),
		Fingerprints: make([]webrtc.DTLSFingerprint, 0, len(remote.DTLS.Fingerprints)),
	}
	for _, f := range remote.DTLS.Fingerprints {
		remoteDTLS.Fingerprints = append(remoteDTLS.Fingerprints, webrtc.DTLSFingerprint{Algorithm: f.Algorithm, Value: f.Value})
	}

	done := make(chan error, 1)
	go func() {
		if err := t.ice.Start(t.gatherer, remoteICE, &iceRole); err != nil {
			done <- fmt.Errorf("%w: ice start: %v", domain.ErrHandshakeFailed, err)
			return
		}
		if err := t.dtls.Start(remoteDTLS); err != nil {
			done <- fmt.Errorf("%w: dtls start: %v", domain.ErrHandshakeFailed, err)
			return
		}
		done <- nil
	}()

	select {
	case err := <-done:
		if err == nil {
			t.setState(ports.TransportConnected)
		}
		return err
	case <-ctx.Done():
		return domain.ErrNegotiationTimeout
	}
}

func (t *pionTransport) AddRemoteCandidate(candidate ports.ICECandidate) error {
	return t.ice.AddRemoteCandidate(&webrtc.ICECandidate{
		Foundation: candidate.Foundation,
		Address:    candidate.IP,
		Port:       uint16(candidate.Port),
		Protocol:   mapICEProtocol(candidate.Protocol),
		Typ:        mapCandidateType(candidate.Type),
		Priority:   candidate.Priority,
	})
}

func (t *pionTransport) State() ports.TransportState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *pionTransport) OnStateChange(fn func(ports.TransportState)) {
	t.mu.Lock()
	t.onState = fn
	t.mu.Unlock()
}

func (t *pionTransport) setState(state ports.TransportState) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.state = state
	fn := t.onState
	t.mu.Unlock()
	if fn != nil {
		fn(state)
	}
}

func (t *pionTransport) CreateProducer(ctx context.Context, kind domain.MediaKind, source domain.VideoSource, rtp ports.RTPParameters) (ports.Producer, error) {
	return newProducer(ctx, t, kind, source, rtp)
}

func (t *pionTransport) CreateConsumer(ctx context.Context, producer ports.Producer) (ports.Consumer, error) {
	p, ok := producer.(*pionProducer)
	if !ok {
		return nil, fmt.Errorf("producer %s was not created by this engine", producer.ID())
	}
	return newConsumer(ctx, t, p)
}

func (t *pionTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.state = ports.TransportClosed
	t.mu.Unlock()

	var firstErr error
	if err := t.dtls.Stop(); err != nil {
		firstErr = err
	}
	if err := t.ice.Stop(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := t.gatherer.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func mapICEState(state webrtc.ICETransportState) ports.TransportState {
	switch state {
	case webrtc.ICETransportStateNew:
		return ports.TransportNew
	case webrtc.ICETransportStateChecking:
		return ports.TransportConnecting
	case webrtc.ICETransportStateConnected, webrtc.ICETransportStateCompleted:
		return ports.TransportConnected
	case webrtc.ICETransportStateDisconnected, webrtc.ICETransportStateFailed:
		return ports.TransportDisconnected
	case webrtc.ICETransportStateClosed:
		return ports.TransportClosed
	default:
		return ports.TransportNew
	}
}

func mapDTLSRole(role string) webrtc.DTLSRole {
	switch strings.ToLower(role) {
	case "client":
		return webrtc.DTLSRoleClient
	case "server":
		return webrtc.DTLSRoleServer
	default:
		return webrtc.DTLSRoleAuto
	}
}

func mapICEProtocol(protocol string) webrtc.ICEProtocol {
	if strings.EqualFold(protocol, "tcp") {
		return webrtc.ICEProtocolTCP
	}
	return webrtc.ICEProtocolUDP
}

func mapCandidateType(typ string) webrtc.ICECandidateType {
	switch strings.ToLower(typ) {
	case "srflx":
		return webrtc.ICECandidateTypeSrflx
	case "prflx":
		return webrtc.ICECandidateTypePrflx
	case "relay":
		return webrtc.ICECandidateTypeRelay
	default:
		return webrtc.ICECandidateTypeHost
	}
}
