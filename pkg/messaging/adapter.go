package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jwalitptl/lab-booking/pkg/logger"
)

// BrokerAdapter drives a handler from a Broker subscription so a consumer
// does not manage the message channel itself.
type BrokerAdapter struct {
	broker Broker
	logger *logger.Logger
}

func NewBrokerAdapter(broker Broker, log *logger.Logger) MessageBroker {
	if log == nil {
		log = logger.Nop()
	}
	return &BrokerAdapter{broker: broker, logger: log}
}

// Publish forwards an already encoded payload unchanged.
func (a *BrokerAdapter) Publish(ctx context.Context, topic string, payload []byte) error {
	if !json.Valid(payload) {
		return fmt.Errorf("payload for %s is not valid JSON", topic)
	}
	return a.broker.Publish(ctx, topic, json.RawMessage(payload))
}

func (a *BrokerAdapter) Close() error {
	return a.broker.Close()
}

// Subscribe feeds every message on topic to handler until ctx ends. Handler
// errors are logged and do not stop the subscription.
func (a *BrokerAdapter) Subscribe(ctx context.Context, topic string, handler func([]byte) error) error {
	msgChan, err := a.broker.Subscribe(ctx, topic)
	if err != nil {
		return err
	}

	go func() {
		for msg := range msgChan {
			if err := handler(msg); err != nil {
				a.logger.Error(err, "message handler failed", "topic", topic)
				continue
			}
		}
	}()

	return nil
}

// TopicPublisher publishes typed messages to one fixed topic.
type TopicPublisher struct {
	broker Broker
	topic  string
}

func NewTopicPublisher(broker Broker, topic string) *TopicPublisher {
	return &TopicPublisher{broker: broker, topic: topic}
}

func (p *TopicPublisher) Publish(ctx context.Context, eventType string, payload interface{}) error {
	return p.broker.Publish(ctx, p.topic, Message{Type: eventType, Payload: payload})
}
