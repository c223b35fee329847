package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"hangnet/internal/core/domain"
	"hangnet/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

const (
	rtpMTU      = 1500
	pliInterval = 3 * time.Second
)

// pionProducer receives a client's track over the send transport and
// re-publishes it on a local static track that consumers' RTP senders bind
// to. A single pump goroutine reads the remote track, writes the local one
// and fans packets out to observers.
type pionProducer struct {
	id     domain.ProducerID
	kind   domain.MediaKind
	source domain.VideoSource

	transport *pionTransport
	receiver  *webrtc.RTPReceiver
	out       *webrtc.TrackLocalStaticRTP
	ssrc      webrtc.SSRC

	mu        sync.RWMutex
	paused    bool
	observers map[string]func(ports.RelayPacket)

	stop      chan struct{}
	closeOnce sync.Once
}

var _ ports.Producer = (*pionProducer)(nil)

func newProducer(ctx context.Context, t *pionTransport, kind domain.MediaKind, source domain.VideoSource, params ports.RTPParameters) (*pionProducer, error) {
	codecType := webrtc.RTPCodecTypeAudio
	if kind == domain.MediaVideo {
		codecType = webrtc.RTPCodecTypeVideo
	}

	receiver, err := t.api.NewRTPReceiver(codecType, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("failed to create RTP receiver: %w", err)
	}

	ssrc := webrtc.SSRC(params.SSRC)
	err = receiver.Receive(webrtc.RTPReceiveParameters{
		Encodings: []webrtc.RTPDecodingParameters{
			{RTPCodingParameters: webrtc.RTPCodingParameters{SSRC: ssrc}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to start receiving: %w", err)
	}

	id := uuid.NewString()
	out, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{
			MimeType:  params.MimeType,
			ClockRate: params.ClockRate,
			Channels:  params.Channels,
		},
		id,
		fmt.Sprintf("hangnet-%s", kind),
	)
	if err != nil {
		receiver.Stop() //nolint:errcheck
		return nil, fmt.Errorf("failed to create forwarding track: %w", err)
	}

	p := &pionProducer{
		id:        domain.ProducerID(id),
		kind:      kind,
		source:    source,
		transport: t,
		receiver:  receiver,
		out:       out,
		ssrc:      ssrc,
		observers: make(map[string]func(ports.RelayPacket)),
		stop:      make(chan struct{}),
	}

	go p.forward()
	if kind == domain.MediaVideo {
		go p.keyframeLoop()
	}

	return p, nil
}

func (p *pionProducer) ID() domain.ProducerID     { return p.id }
func (p *pionProducer) Kind() domain.MediaKind    { return p.kind }
func (p *pionProducer) Source() domain.VideoSource { return p.source }

func (p *pionProducer) Pause() error {
	p.mu.Lock()
	p.paused = true
	p.mu.Unlock()
	return nil
}

func (p *pionProducer) Resume() error {
	p.mu.Lock()
	p.paused = false
	p.mu.Unlock()
	return nil
}

func (p *pionProducer) Paused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

func (p *pionProducer) Observe(key string, fn func(ports.RelayPacket)) {
	p.mu.Lock()
	p.observers[key] = fn
	p.mu.Unlock()
}

func (p *pionProducer) Unobserve(key string) {
	p.mu.Lock()
	delete(p.observers, key)
	p.mu.Unlock()
}

// forward is the pump: remote track in, local track and observers out. Pause
// drops packets instead of stopping the read so the receiver's jitter buffer
// keeps draining.
func (p *pionProducer) forward() {
	track := p.receiver.Track()
	if track == nil {
		return
	}

	buf := make([]byte, rtpMTU)
	packet := &rtp.Packet{}

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		n, _, err := track.Read(buf)
		if err != nil {
			p.transport.logger.Debugw("producer track read ended",
				"producer_id", p.id,
				"error", err,
			)
			return
		}
		if err := packet.Unmarshal(buf[:n]); err != nil {
			p.transport.logger.Warnw("failed to unmarshal RTP packet",
				"producer_id", p.id,
				"error", err,
			)
			continue
		}

		p.mu.RLock()
		paused := p.paused
		var observers []func(ports.RelayPacket)
		for _, fn := range p.observers {
			observers = append(observers, fn)
		}
		p.mu.RUnlock()

		if paused {
			continue
		}

		if err := p.out.WriteRTP(packet); err != nil && !strings.Contains(err.Error(), "bind") {
			p.transport.logger.Warnw("failed to forward RTP packet",
				"producer_id", p.id,
				"error", err,
			)
		}

		if len(observers) > 0 {
			payload := make([]byte, len(packet.Payload))
			copy(payload, packet.Payload)
			pkt := ports.RelayPacket{
				Kind:      p.kind,
				Payload:   payload,
				Timestamp: packet.Timestamp,
				Sequence:  packet.SequenceNumber,
			}
			for _, fn := range observers {
				fn(pkt)
			}
		}
	}
}

// keyframeLoop requests a keyframe periodically so late subscribers and the
// relay can start decoding without waiting for the producer's own cadence.
func (p *pionProducer) keyframeLoop() {
	ticker := time.NewTicker(pliInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			if p.Paused() {
				continue
			}
			_, err := p.transport.dtls.WriteRTCP([]rtcp.Packet{
				&rtcp.PictureLossIndication{MediaSSRC: uint32(p.ssrc)},
			})
			if err != nil {
				p.transport.logger.Debugw("failed to send PLI",
					"producer_id", p.id,
					"error", err,
				)
			}
		}
	}
}

func (p *pionProducer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.stop)
		err = p.receiver.Stop()
	})
	return err
}
