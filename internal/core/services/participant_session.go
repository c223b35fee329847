package services

import (
	"sync"
	"time"

	"hangnet/internal/core/domain"
	"hangnet/internal/core/ports"

	"go.uber.org/zap"
)

// participantSession holds one user's transports, producers and the consumers
// this user owns of other participants' producers. It is mutated only by the
// owning hangout's coordinator; no internal locking is needed for the media
// maps. Close is the exception: it may race with coordinator teardown and is
// guarded by a sync.Once.
type participantSession struct {
	record *domain.Participant

	send ports.Transport // client -> server, carries producers
	recv ports.Transport // server -> client, carries consumers

	producers map[domain.ProducerID]ports.Producer
	// consumers owned by this session, keyed by the source producer so that a
	// producer close finds its dependent consumer in O(1).
	consumers map[domain.ProducerID]ports.Consumer

	negotiationTimer *time.Timer
	joinedAt         time.Time

	closeOnce sync.Once
	metrics   Metrics
	logger    *zap.SugaredLogger
}

func newParticipantSession(record *domain.Participant, send, recv ports.Transport, metrics Metrics, logger *zap.SugaredLogger) *participantSession {
	return &participantSession{
		record:    record,
		send:      send,
		recv:      recv,
		producers: make(map[domain.ProducerID]ports.Producer),
		consumers: make(map[domain.ProducerID]ports.Consumer),
		joinedAt:  time.Now(),
		metrics:   metrics,
		logger:    logger,
	}
}

func (ps *participantSession) userID() domain.UserID {
	return ps.record.UserID
}

// liveVideoProducer returns the session's current video producer, if any.
// The orchestrator never allows two simultaneous video producers per
// participant, so the first match is the only match.
func (ps *participantSession) liveVideoProducer() ports.Producer {
	for _, p := range ps.producers {
		if p.Kind() == domain.MediaVideo {
			return p
		}
	}
	return nil
}

func (ps *participantSession) audioProducers() []ports.Producer {
	var out []ports.Producer
	for _, p := range ps.producers {
		if p.Kind() == domain.MediaAudio {
			out = append(out, p)
		}
	}
	return out
}

func (ps *participantSession) transportByID(id domain.TransportID) ports.Transport {
	if ps.send != nil && ps.send.ID() == id {
		return ps.send
	}
	if ps.recv != nil && ps.recv.ID() == id {
		return ps.recv
	}
	return nil
}

func (ps *participantSession) connected() bool {
	return ps.send != nil && ps.send.State() == ports.TransportConnected &&
		ps.recv != nil && ps.recv.State() == ports.TransportConnected
}

func (ps *participantSession) stopNegotiationTimer() {
	if ps.negotiationTimer != nil {
		ps.negotiationTimer.Stop()
		ps.negotiationTimer = nil
	}
}

// close releases every transport, producer and consumer owned by this session
// exactly once. Teardown failures are logged and never block the remaining
// releases.
func (ps *participantSession) close() {
	ps.closeOnce.Do(func() {
		ps.stopNegotiationTimer()

		for id, consumer := range ps.consumers {
			if err := consumer.Close(); err != nil {
				ps.logger.Warnw("failed to close consumer during teardown",
					"user_id", ps.record.UserID,
					"producer_id", id,
					"error", err,
				)
			}
			delete(ps.consumers, id)
			ps.metrics.MediaLinkClosed(consumer.Kind())
		}

		for id, producer := range ps.producers {
			if err := producer.Close(); err != nil {
				ps.logger.Warnw("failed to close producer during teardown",
					"user_id", ps.record.UserID,
					"producer_id", id,
					"error", err,
				)
			}
			delete(ps.producers, id)
		}

		for _, transport := range []ports.Transport{ps.send, ps.recv} {
			if transport == nil {
				continue
			}
			if err := transport.Close(); err != nil {
				ps.logger.Warnw("failed to close transport during teardown",
					"user_id", ps.record.UserID,
					"transport_id", transport.ID(),
					"error", err,
				)
			}
		}
	})
}
