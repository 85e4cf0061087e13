package payment

import (
	"context"
	"fmt"
	"sync"

	"github.com/jwalitptl/lab-booking/internal/model"
	"github.com/jwalitptl/lab-booking/pkg/errors"
)

// Intent is what the checkout widget is opened with.
type Intent struct {
	BookingID string `json:"booking_id"`
	OrderID   string `json:"order_id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	KeyID     string `json:"key_id,omitempty"`
}

// Callbacks may fire on any goroutine, at most one of them counts.
type Callbacks struct {
	OnSuccess func(model.GatewayConfirmation)
	OnDismiss func()
}

// Gateway opens an external checkout. Open must not wait for the patient;
// the outcome arrives through the callbacks.
type Gateway interface {
	Open(ctx context.Context, intent Intent, cb Callbacks) error
}

// HandoffGateway parks the intent until the client reports the checkout
// result over HTTP.
type HandoffGateway struct {
	mu      sync.Mutex
	intent  *Intent
	pending *Callbacks
}

func NewHandoffGateway() *HandoffGateway {
	return &HandoffGateway{}
}

func (g *HandoffGateway) Open(_ context.Context, intent Intent, cb Callbacks) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intent = &intent
	g.pending = &cb
	return nil
}

// Pending returns the intent awaiting a result, or nil.
func (g *HandoffGateway) Pending() *Intent {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.intent == nil {
		return nil
	}
	cp := *g.intent
	return &cp
}

// Success delivers the signed confirmation. The order id must match the
// open intent. An incomplete confirmation leaves the hand-off open.
func (g *HandoffGateway) Success(conf model.GatewayConfirmation) error {
	if conf.OrderID == "" || conf.PaymentID == "" || conf.Signature == "" {
		return errors.BadRequest("order_id, payment_id and signature are required", nil)
	}
	cb, err := g.take(conf.OrderID)
	if err != nil {
		return err
	}
	if cb.OnSuccess != nil {
		cb.OnSuccess(conf)
	}
	return nil
}

// Dismiss reports that the patient closed the checkout.
func (g *HandoffGateway) Dismiss() error {
	cb, err := g.take("")
	if err != nil {
		return err
	}
	if cb.OnDismiss != nil {
		cb.OnDismiss()
	}
	return nil
}

// Clear drops any parked intent without firing callbacks.
func (g *HandoffGateway) Clear() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.intent = nil
	g.pending = nil
}

// take claims the parked callbacks. An empty orderID matches any intent.
func (g *HandoffGateway) take(orderID string) (*Callbacks, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pending == nil {
		return nil, errors.NewRecoverableInput("no payment is awaiting a result")
	}
	if orderID != "" && orderID != g.intent.OrderID {
		return nil, errors.BadRequest(fmt.Sprintf("order %s is not the open payment", orderID), nil)
	}
	cb := g.pending
	g.intent = nil
	g.pending = nil
	return cb, nil
}
