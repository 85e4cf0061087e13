package event

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	StepChanged         EventType = "step_changed"
	GuardRejected       EventType = "guard_rejected"
	LabsLoaded          EventType = "labs_loaded"
	LabsDegraded        EventType = "labs_degraded"
	MatchFailed         EventType = "match_failed"
	LabChosen           EventType = "lab_chosen"
	TimeCleared         EventType = "time_cleared"
	PrescriptionRead    EventType = "prescription_read"
	BookingCreated      EventType = "booking_created"
	BookingFailed       EventType = "booking_failed"
	BookingConfirmed    EventType = "booking_confirmed"
	PaymentOrderCreated EventType = "payment_order_created"
	PaymentOrderFailed  EventType = "payment_order_failed"
	GatewayOpened       EventType = "gateway_opened"
	PaymentSettled      EventType = "payment_settled"
	SettlementFailed    EventType = "settlement_failed"
	PaymentAbandoned    EventType = "payment_abandoned"
	WorkflowAbandoned   EventType = "workflow_abandoned"
)

type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Event is one observable fact about a booking attempt. The same value is
// shown to the presentation layer and published on the event stream.
type Event struct {
	ID         uuid.UUID              `json:"id"`
	Type       EventType              `json:"type"`
	Severity   Severity               `json:"severity"`
	SessionID  string                 `json:"session_id,omitempty"`
	Step       string                 `json:"step,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Data       map[string]interface{} `json:"data,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
}

func New(t EventType, sev Severity, msg string) Event {
	return Event{
		ID:         uuid.New(),
		Type:       t,
		Severity:   sev,
		Message:    msg,
		OccurredAt: time.Now().UTC(),
	}
}

// With returns a copy of e carrying key=value in Data.
func (e Event) With(key string, value interface{}) Event {
	data := make(map[string]interface{}, len(e.Data)+1)
	for k, v := range e.Data {
		data[k] = v
	}
	data[key] = value
	e.Data = data
	return e
}

type OutboxStatus string

const (
	OutboxStatusPending   OutboxStatus = "pending"
	OutboxStatusProcessed OutboxStatus = "processed"
	OutboxStatusFailed    OutboxStatus = "failed"
)

type OutboxEvent struct {
	ID           uuid.UUID  `json:"id"`
	EventType    string     `json:"event_type"`
	Payload      []byte     `json:"payload"`
	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	ProcessedAt  *time.Time `json:"processed_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Emitter accepts events. Implementations must not block on the network.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

type EmitterFunc func(ctx context.Context, e Event)

func (f EmitterFunc) Emit(ctx context.Context, e Event) { f(ctx, e) }

// Nop drops every event.
var Nop Emitter = EmitterFunc(func(context.Context, Event) {})
