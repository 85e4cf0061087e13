package event

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/lab-booking/pkg/logger"
)

// Store is the write side of an outbox.
type Store interface {
	Create(ctx context.Context, event *OutboxEvent) error
}

// Service logs every event and queues it for publication. A nil store
// makes it log-only.
type Service struct {
	store  Store
	logger *logger.Logger
}

func NewService(store Store, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{store: store, logger: log}
}

func (s *Service) Emit(ctx context.Context, e Event) {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	fields := []interface{}{"event_id", e.ID.String(), "event_type", string(e.Type)}
	if e.SessionID != "" {
		fields = append(fields, "session_id", e.SessionID)
	}
	if e.Step != "" {
		fields = append(fields, "step", e.Step)
	}
	switch e.Severity {
	case SeverityError, SeverityWarning:
		s.logger.Warn(e.Message, fields...)
	default:
		s.logger.Debug(e.Message, fields...)
	}

	if s.store == nil {
		return
	}
	if err := s.CreateEvent(ctx, e); err != nil {
		s.logger.Error(err, "failed to queue event", fields...)
	}
}

func (s *Service) CreateEvent(ctx context.Context, e Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.store.Create(ctx, &OutboxEvent{
		ID:        e.ID,
		EventType: string(e.Type),
		Payload:   payload,
		Status:    string(OutboxStatusPending),
		CreatedAt: e.OccurredAt,
	})
}
