package services

import (
	"context"
	"fmt"
	"sync"

	"hangnet/internal/core/domain"
	"hangnet/internal/core/ports"

	"go.uber.org/zap"
)

// mediaLinkManager maintains the producer/consumer graph of a hangout: every
// live participant consumes every other live participant's active producers
// exactly once. Wiring is event-driven: a produced track appearing or a
// participant joining triggers O(roster) work, never a full-graph rebuild.
//
// All methods are called with the owning hangout's coordinator lock held, so
// the graph never observes interleaved partial updates.
type mediaLinkManager struct {
	metrics Metrics
	logger  *zap.SugaredLogger
}

func newMediaLinkManager(metrics Metrics, logger *zap.SugaredLogger) *mediaLinkManager {
	return &mediaLinkManager{metrics: metrics, logger: logger}
}

type wireResult struct {
	owner    *participantSession
	producer domain.ProducerID
	kind     domain.MediaKind
	consumer ports.Consumer
	err      error
}

// wireProducer attaches a consumer for producer on every other live
// participant's receive transport. Engine calls for different participants
// are issued concurrently and joined. On any failure every consumer created
// by this call is closed and the first error is returned, leaving the graph
// as it was.
func (m *mediaLinkManager) wireProducer(ctx context.Context, hs *hangoutSession, owner *participantSession, producer ports.Producer) error {
	var wg sync.WaitGroup
	results := make(chan wireResult, len(hs.participants))

	for _, other := range hs.participants {
		if other.userID() == owner.userID() {
			continue
		}
		if _, exists := other.consumers[producer.ID()]; exists {
			// Pair already wired; the invariant is at most one consumer per
			// (producer, participant).
			continue
		}

		wg.Add(1)
		go func(other *participantSession) {
			defer wg.Done()
			consumer, err := other.recv.CreateConsumer(ctx, producer)
			results <- wireResult{owner: other, producer: producer.ID(), kind: producer.Kind(), consumer: consumer, err: err}
		}(other)
	}

	wg.Wait()
	close(results)

	var created []wireResult
	var firstErr error
	for res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		created = append(created, res)
	}

	if firstErr != nil {
		for _, res := range created {
			if err := res.consumer.Close(); err != nil {
				m.logger.Warnw("failed to close consumer while rolling back wiring",
					"hangout_id", hs.id,
					"producer_id", res.producer,
					"error", err,
				)
			}
		}
		return fmt.Errorf("failed to wire producer %s: %w", producer.ID(), firstErr)
	}

	for _, res := range created {
		res.owner.consumers[res.producer] = res.consumer
		m.metrics.MediaLinkCreated(res.kind)
	}

	return nil
}

// wireNewcomer attaches consumers on the newcomer's receive transport for
// every producer of every existing live participant. Engine calls run
// concurrently per producer and are joined; any failure rolls back all
// consumers created for the newcomer.
func (m *mediaLinkManager) wireNewcomer(ctx context.Context, hs *hangoutSession, newcomer *participantSession) error {
	var producers []ports.Producer
	for _, existing := range hs.participants {
		if existing.userID() == newcomer.userID() {
			continue
		}
		for _, producer := range existing.producers {
			producers = append(producers, producer)
		}
	}
	if len(producers) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	results := make(chan wireResult, len(producers))

	for _, producer := range producers {
		wg.Add(1)
		go func(producer ports.Producer) {
			defer wg.Done()
			consumer, err := newcomer.recv.CreateConsumer(ctx, producer)
			results <- wireResult{producer: producer.ID(), kind: producer.Kind(), consumer: consumer, err: err}
		}(producer)
	}

	wg.Wait()
	close(results)

	var created []wireResult
	var firstErr error
	for res := range results {
		if res.err != nil {
			if firstErr == nil {
				firstErr = res.err
			}
			continue
		}
		created = append(created, res)
	}

	if firstErr != nil {
		for _, res := range created {
			if err := res.consumer.Close(); err != nil {
				m.logger.Warnw("failed to close consumer while rolling back newcomer wiring",
					"hangout_id", hs.id,
					"user_id", newcomer.userID(),
					"error", err,
				)
			}
		}
		return fmt.Errorf("failed to wire newcomer %s: %w", newcomer.userID(), firstErr)
	}

	for _, res := range created {
		newcomer.consumers[res.producer] = res.consumer
		m.metrics.MediaLinkCreated(res.kind)
	}

	return nil
}

// unwireProducer closes every consumer in the hangout that depended on the
// given producer. Best-effort: close failures are logged, never propagated.
func (m *mediaLinkManager) unwireProducer(hs *hangoutSession, producerID domain.ProducerID, kind domain.MediaKind) {
	for _, participant := range hs.participants {
		consumer, ok := participant.consumers[producerID]
		if !ok {
			continue
		}
		if err := consumer.Close(); err != nil {
			m.logger.Warnw("failed to close dependent consumer",
				"hangout_id", hs.id,
				"user_id", participant.userID(),
				"producer_id", producerID,
				"error", err,
			)
		}
		delete(participant.consumers, producerID)
		m.metrics.MediaLinkClosed(kind)
	}
}

// unwireParticipant removes every consumer elsewhere that depended on the
// leaver's producers. The leaver's own consumers die with its session.
func (m *mediaLinkManager) unwireParticipant(hs *hangoutSession, leaver *participantSession) {
	for id, producer := range leaver.producers {
		m.unwireProducer(hs, id, producer.Kind())
	}
}
