package engine

import (
	"context"
	"fmt"

	"hangnet/internal/core/ports"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// Config configures the pion-backed media engine.
type Config struct {
	ICEServers []string
	PortRange  struct {
		Min uint16
		Max uint16
	}
}

// PionEngine implements ports.MediaEngine on top of pion's ORTC API. Each
// transport gets its own ICE gatherer, ICE transport and DTLS transport;
// producers and consumers map to RTP receivers and senders on the DTLS
// transport.
type PionEngine struct {
	config Config
	logger *zap.SugaredLogger
}

var _ ports.MediaEngine = (*PionEngine)(nil)

func NewPionEngine(config Config, logger *zap.SugaredLogger) *PionEngine {
	return &PionEngine{config: config, logger: logger}
}

func (e *PionEngine) CreateTransport(ctx context.Context, opts ports.TransportOptions) (ports.Transport, error) {
	api, err := e.buildAPI(opts)
	if err != nil {
		return nil, err
	}
	return newTransport(ctx, api, e.iceGatherOptions(), e.logger)
}

func (e *PionEngine) iceGatherOptions() webrtc.ICEGatherOptions {
	servers := make([]webrtc.ICEServer, 0, len(e.config.ICEServers))
	for _, url := range e.config.ICEServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{url}})
	}
	return webrtc.ICEGatherOptions{ICEServers: servers}
}

func (e *PionEngine) buildAPI(opts ports.TransportOptions) (*webrtc.API, error) {
	settingEngine := webrtc.SettingEngine{}

	if e.config.PortRange.Min > 0 && e.config.PortRange.Max > 0 {
		if err := settingEngine.SetEphemeralUDPPortRange(e.config.PortRange.Min, e.config.PortRange.Max); err != nil {
			return nil, fmt.Errorf("invalid port range: %w", err)
		}
	}

	var networkTypes []webrtc.NetworkType
	if opts.EnableUDP || opts.PreferUDP {
		networkTypes = append(networkTypes, webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6)
	}
	if opts.EnableTCP {
		networkTypes = append(networkTypes, webrtc.NetworkTypeTCP4, webrtc.NetworkTypeTCP6)
	}
	if len(networkTypes) == 0 {
		networkTypes = []webrtc.NetworkType{webrtc.NetworkTypeUDP4, webrtc.NetworkTypeUDP6}
	}
	settingEngine.SetNetworkTypes(networkTypes)

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}

	return webrtc.NewAPI(
		webrtc.WithSettingEngine(settingEngine),
		webrtc.WithMediaEngine(mediaEngine),
	), nil
}
