package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jwalitptl/lab-booking/pkg/event"
	"github.com/jwalitptl/lab-booking/pkg/logger"
	"github.com/jwalitptl/lab-booking/pkg/messaging"
	"github.com/jwalitptl/lab-booking/pkg/metrics"
	"github.com/jwalitptl/lab-booking/pkg/repository"
)

// Add configuration options
type OutboxProcessorConfig struct {
	Channel       string
	BatchSize     int
	PollInterval  time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

type OutboxProcessor struct {
	repo    repository.OutboxRepository
	broker  messaging.Broker
	config  OutboxProcessorConfig
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewOutboxProcessor(
	repo repository.OutboxRepository,
	broker messaging.Broker,
	config OutboxProcessorConfig,
	logger *logger.Logger,
	metrics *metrics.Metrics,
) *OutboxProcessor {
	// Config validation instead of defaults
	if config.Channel == "" {
		panic("Channel must not be empty")
	}
	if config.BatchSize <= 0 {
		panic("BatchSize must be greater than 0")
	}
	if config.PollInterval <= 0 {
		panic("PollInterval must be greater than 0")
	}
	if config.RetryAttempts <= 0 {
		panic("RetryAttempts must be greater than 0")
	}
	if config.RetryDelay <= 0 {
		panic("RetryDelay must be greater than 0")
	}

	return &OutboxProcessor{
		repo:    repo,
		broker:  broker,
		config:  config,
		logger:  logger,
		metrics: metrics,
	}
}

// Start polls until ctx ends, then makes one last pass so queued events are
// not lost on shutdown.
func (p *OutboxProcessor) Start(ctx context.Context) {
	ticker := time.NewTicker(p.config.PollInterval)
	defer ticker.Stop()

	p.logger.Info("Starting outbox processor", "channel", p.config.Channel)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("Shutting down outbox processor")
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := p.ProcessOnce(flushCtx); err != nil {
				p.logger.Error(err, "Failed to flush events")
			}
			cancel()
			return
		case <-ticker.C:
			if err := p.ProcessOnce(ctx); err != nil {
				p.logger.Error(err, "Failed to process events")
			}
		}
	}
}

// ProcessOnce publishes one batch of pending events.
func (p *OutboxProcessor) ProcessOnce(ctx context.Context) error {
	events, err := p.repo.GetPendingEvents(ctx, p.config.BatchSize)
	if err != nil {
		return fmt.Errorf("failed to get pending events: %w", err)
	}

	for _, ev := range events {
		if err := p.processEvent(ctx, ev); err != nil {
			p.logger.Error(err, "Failed to process event",
				"event_id", ev.ID.String(),
				"event_type", ev.EventType)
			continue
		}
	}

	if s, ok := p.repo.(interface{ Len() int }); ok {
		p.metrics.QueueSize(s.Len())
	}
	return nil
}

func (p *OutboxProcessor) processEvent(ctx context.Context, ev *event.OutboxEvent) error {
	msg := messaging.Message{Type: ev.EventType, Payload: json.RawMessage(ev.Payload)}
	err := retry(ctx, p.config.RetryAttempts, p.config.RetryDelay, func() error {
		return p.broker.Publish(ctx, p.config.Channel, msg)
	})

	if err != nil {
		p.metrics.EventFailed(ev.EventType)
		errStr := err.Error()
		if updateErr := p.repo.UpdateStatus(ctx, ev.ID, string(event.OutboxStatusFailed), &errStr); updateErr != nil {
			p.logger.Error(updateErr, "Failed to update event status")
		}
		return err
	}

	p.metrics.EventPublished(ev.EventType)
	if err := p.repo.UpdateStatus(ctx, ev.ID, string(event.OutboxStatusProcessed), nil); err != nil {
		p.logger.Error(err, "Failed to update event status", "event_id", ev.ID.String())
		return err
	}

	return nil
}

// Helper retry function
func retry(ctx context.Context, attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return err
			case <-time.After(delay):
			}
		}
	}
	return err
}
