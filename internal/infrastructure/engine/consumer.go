package engine

import (
	"context"
	"fmt"
	"sync"

	"hangnet/internal/core/domain"
	"hangnet/internal/core/ports"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

// pionConsumer binds one producer's forwarding track to a participant's
// receive transport through an RTP sender.
type pionConsumer struct {
	id         domain.ConsumerID
	producerID domain.ProducerID
	kind       domain.MediaKind
	sender     *webrtc.RTPSender

	closeOnce sync.Once
}

var _ ports.Consumer = (*pionConsumer)(nil)

func newConsumer(_ context.Context, t *pionTransport, producer *pionProducer) (*pionConsumer, error) {
	sender, err := t.api.NewRTPSender(producer.out, t.dtls)
	if err != nil {
		return nil, fmt.Errorf("failed to create RTP sender: %w", err)
	}
	if err := sender.Send(sender.GetParameters()); err != nil {
		sender.Stop() //nolint:errcheck
		return nil, fmt.Errorf("failed to start sending: %w", err)
	}

	return &pionConsumer{
		id:         domain.ConsumerID(uuid.NewString()),
		producerID: producer.ID(),
		kind:       producer.Kind(),
		sender:     sender,
	}, nil
}

func (c *pionConsumer) ID() domain.ConsumerID         { return c.id }
func (c *pionConsumer) ProducerID() domain.ProducerID { return c.producerID }
func (c *pionConsumer) Kind() domain.MediaKind        { return c.kind }

func (c *pionConsumer) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.sender.Stop()
	})
	return err
}
