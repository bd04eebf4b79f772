package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/rs/zerolog"
)

type EventConsumer struct {
	client   pulsar.Client
	consumer pulsar.Consumer
	log      *zerolog.Logger
}

// NewEventConsumer initializes the Pulsar client and consumer.
func NewEventConsumer(pulsarURL, topic, subscription string, log *zerolog.Logger) (*EventConsumer, error) {
	client, err := pulsar.NewClient(pulsar.ClientOptions{URL: pulsarURL})
	if err != nil {
		return nil, fmt.Errorf("could not create Pulsar client: %w", err)
	}

	consumer, err := client.Subscribe(pulsar.ConsumerOptions{
		Topic:            topic,
		SubscriptionName: subscription,
		Type:             pulsar.KeyShared,
		DLQ: &pulsar.DLQPolicy{
			MaxDeliveries:   3,
			DeadLetterTopic: topic + "-dlq",
		},
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("could not create Pulsar consumer: %w", err)
	}

	return newEventConsumer(client, consumer, log), nil
}

func newEventConsumer(client pulsar.Client, consumer pulsar.Consumer, log *zerolog.Logger) *EventConsumer {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}
	return &EventConsumer{client: client, consumer: consumer, log: log}
}

// Run receives status events until ctx is done and passes each to handle.
// Messages are acked once handled; undecodable payloads and handler
// failures are nacked so they end up on the dead letter topic.
func (c *EventConsumer) Run(ctx context.Context, handle func(context.Context, StatusEvent) error) error {
	for {
		msg, err := c.consumer.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("failed to receive message: %w", err)
		}

		ev, err := DecodeStatusEvent(msg.Payload())
		if err != nil {
			c.log.Warn().Err(err).Str("message_id", msg.ID().String()).Msg("discarding malformed status event")
			c.consumer.Nack(msg)
			continue
		}

		if err := handle(ctx, ev); err != nil {
			c.log.Error().Err(err).Str("group_id", ev.GroupID).Msg("failed to handle status event")
			c.consumer.Nack(msg)
			continue
		}

		if err := c.consumer.Ack(msg); err != nil {
			c.log.Warn().Err(err).Msg("failed to ack status event")
		}
	}
}

// Close cleans up the Pulsar consumer and client.
func (c *EventConsumer) Close() {
	c.consumer.Close()
	if c.client != nil {
		c.client.Close()
	}
}
