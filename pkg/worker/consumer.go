package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jwalitptl/lab-booking/pkg/event"
	"github.com/jwalitptl/lab-booking/pkg/logger"
	"github.com/jwalitptl/lab-booking/pkg/messaging"
	"github.com/jwalitptl/lab-booking/pkg/metrics"
)

type envelope struct {
	Type    string      `json:"type"`
	Payload event.Event `json:"payload"`
}

// EventConsumer reads the booking event stream, counts and logs every
// event and hands it to an optional callback.
type EventConsumer struct {
	broker  messaging.MessageBroker
	channel string
	logger  *logger.Logger
	metrics *metrics.Metrics
	onEvent func(event.Event)
}

func NewEventConsumer(broker messaging.MessageBroker, channel string, log *logger.Logger, m *metrics.Metrics) *EventConsumer {
	if log == nil {
		log = logger.Nop()
	}
	return &EventConsumer{broker: broker, channel: channel, logger: log, metrics: m}
}

// OnEvent registers fn to run for each decoded event.
func (c *EventConsumer) OnEvent(fn func(event.Event)) {
	c.onEvent = fn
}

// Run subscribes and blocks until ctx ends. Malformed messages are logged
// by the broker and skipped.
func (c *EventConsumer) Run(ctx context.Context) error {
	if err := c.broker.Subscribe(ctx, c.channel, c.handle); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	c.logger.Info("Consuming booking events", "channel", c.channel)

	<-ctx.Done()
	return ctx.Err()
}

func (c *EventConsumer) handle(raw []byte) error {
	var msg envelope
	if err := json.Unmarshal(raw, &msg); err != nil {
		return fmt.Errorf("discarding malformed event: %w", err)
	}
	c.metrics.EventConsumed(msg.Type)

	fields := []interface{}{
		"event_id", msg.Payload.ID.String(),
		"event_type", msg.Type,
		"severity", string(msg.Payload.Severity),
	}
	if msg.Payload.SessionID != "" {
		fields = append(fields, "session_id", msg.Payload.SessionID)
	}
	for k, v := range msg.Payload.Data {
		fields = append(fields, k, v)
	}
	c.logger.Info(msg.Payload.Message, fields...)

	if c.onEvent != nil {
		c.onEvent(msg.Payload)
	}
	return nil
}
