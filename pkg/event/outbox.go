package event

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrOutboxFull = errors.New("event outbox is full")

// MemoryOutbox is a bounded in-process outbox. Events leave it once
// processed or after maxAttempts failed deliveries.
type MemoryOutbox struct {
	mu          sync.Mutex
	events      []*OutboxEvent
	capacity    int
	maxAttempts int
}

func NewMemoryOutbox(capacity, maxAttempts int) *MemoryOutbox {
	if capacity <= 0 {
		capacity = 1000
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &MemoryOutbox{capacity: capacity, maxAttempts: maxAttempts}
}

func (o *MemoryOutbox) Create(_ context.Context, ev *OutboxEvent) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.events) >= o.capacity {
		return ErrOutboxFull
	}
	now := time.Now().UTC()
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	if ev.Status == "" {
		ev.Status = string(OutboxStatusPending)
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = now
	}
	ev.UpdatedAt = now
	o.events = append(o.events, ev)
	return nil
}

// GetPendingEvents returns up to limit deliverable events, oldest first.
// The returned values are copies.
func (o *MemoryOutbox) GetPendingEvents(_ context.Context, limit int) ([]*OutboxEvent, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	var out []*OutboxEvent
	for _, ev := range o.events {
		if limit > 0 && len(out) >= limit {
			break
		}
		cp := *ev
		out = append(out, &cp)
	}
	return out, nil
}

func (o *MemoryOutbox) UpdateStatus(_ context.Context, id uuid.UUID, status string, errMsg *string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	for i, ev := range o.events {
		if ev.ID != id {
			continue
		}
		now := time.Now().UTC()
		ev.Status = status
		ev.ErrorMessage = errMsg
		ev.UpdatedAt = now
		switch OutboxStatus(status) {
		case OutboxStatusProcessed:
			ev.ProcessedAt = &now
			o.remove(i)
		case OutboxStatusFailed:
			ev.Attempts++
			if ev.Attempts >= o.maxAttempts {
				o.remove(i)
			}
		}
		return nil
	}
	return errors.New("outbox event not found: " + id.String())
}

func (o *MemoryOutbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.events)
}

func (o *MemoryOutbox) remove(i int) {
	o.events = append(o.events[:i], o.events[i+1:]...)
}
