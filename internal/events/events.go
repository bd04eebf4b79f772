package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	"github.com/rs/zerolog"
)

// StatusEvent records one presence change of a member.
type StatusEvent struct {
	GroupID     string    `json:"groupId"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Status      string    `json:"status"`
	Message     string    `json:"message"`
	Forced      bool      `json:"forced"`
	Timestamp   time.Time `json:"timestamp"`
}

var ErrInvalidEvent = errors.New("invalid status event")

// DecodeStatusEvent parses and validates a message payload.
func DecodeStatusEvent(payload []byte) (StatusEvent, error) {
	var ev StatusEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return StatusEvent{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if ev.GroupID == "" || ev.UserID == "" || ev.Status == "" {
		return StatusEvent{}, fmt.Errorf("%w: groupId, userId and status are required", ErrInvalidEvent)
	}
	return ev, nil
}

// Notifier publishes status events.
type Notifier interface {
	Notify(ctx context.Context, event StatusEvent) error
	Close()
}

type EventPublisher struct {
	client   pulsar.Client
	producer pulsar.Producer
	log      *zerolog.Logger
}

// NewEventPublisher initializes the Pulsar client and producer.
func NewEventPublisher(pulsarURL, topic string, log *zerolog.Logger) (*EventPublisher, error) {
	if log == nil {
		nop := zerolog.Nop()
		log = &nop
	}

	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL: pulsarURL,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create Pulsar client: %w", err)
	}

	producer, err := client.CreateProducer(pulsar.ProducerOptions{
		Topic: topic,
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("could not create Pulsar producer: %w", err)
	}

	log.Info().Str("topic", topic).Msg("Pulsar client and producer initialized successfully")
	return &EventPublisher{client: client, producer: producer, log: log}, nil
}

// Notify publishes an event to Pulsar, keyed by group so one group's
// events stay ordered.
func (p *EventPublisher) Notify(ctx context.Context, event StatusEvent) error {
	message, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("could not serialize event payload: %w", err)
	}

	_, err = p.producer.Send(ctx, &pulsar.ProducerMessage{
		Key:       event.GroupID,
		Payload:   message,
		EventTime: event.Timestamp,
	})
	if err != nil {
		return fmt.Errorf("could not send event to Pulsar: %w", err)
	}

	p.log.Debug().Str("group_id", event.GroupID).Str("user_id", event.UserID).Str("status", event.Status).Msg("Event sent to Pulsar")
	return nil
}

// Close closes the Pulsar client and producer
func (p *EventPublisher) Close() {
	p.producer.Close()
	p.client.Close()
	p.log.Info().Msg("Pulsar client and producer closed successfully")
}

// NopNotifier drops every event. Used when no Pulsar URL is configured.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, StatusEvent) error { return nil }

func (NopNotifier) Close() {}
