package repository

import (
	"context"

	"github.com/google/uuid"

	"github.com/jwalitptl/lab-booking/pkg/event"
)

// OutboxRepository is the read side of the outbox used by pkg/worker.
type OutboxRepository interface {
	GetPendingEvents(ctx context.Context, limit int) ([]*event.OutboxEvent, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, err *string) error
}

var _ OutboxRepository = (*event.MemoryOutbox)(nil)
