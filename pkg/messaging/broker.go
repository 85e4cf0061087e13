package messaging

import (
	"context"
)

// Broker moves JSON-encoded values over named channels. Subscribe hands
// back raw payloads; the channel closes when ctx ends.
type Broker interface {
	Publish(ctx context.Context, channel string, message interface{}) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	Close() error
}

// Publisher sends one typed message. The worker uses it for reconciliation
// alerts.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload interface{}) error
}

// Message is the envelope written by TopicPublisher and the outbox
// processor.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// MessageBroker is the callback form of Broker. The event consumer reads
// the booking stream through it.
type MessageBroker interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Subscribe(ctx context.Context, topic string, handler func([]byte) error) error
	Close() error
}
