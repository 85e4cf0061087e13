package payment

import (
	"context"
	"sync"
	"time"

	"github.com/jwalitptl/lab-booking/internal/model"
	"github.com/jwalitptl/lab-booking/pkg/errors"
	"github.com/jwalitptl/lab-booking/pkg/event"
	"github.com/jwalitptl/lab-booking/pkg/httputil"
	"github.com/jwalitptl/lab-booking/pkg/logger"
	"github.com/jwalitptl/lab-booking/pkg/metrics"
)

// BookingService is the part of the booking backend the coordinator drives.
type BookingService interface {
	CreateBooking(ctx context.Context, req model.BookingRequest) (*model.Booking, error)
	CreatePaymentOrder(ctx context.Context, bookingID string) (*model.PaymentOrder, error)
	SettlePayment(ctx context.Context, bookingID string, conf model.GatewayConfirmation) (*model.Booking, error)
}

type Config struct {
	SessionID     string
	// PatientID is attached to every backend call, including settlement
	// triggered by a gateway callback.
	PatientID     string
	Currency      string
	KeyID         string
	SettleTimeout time.Duration
}

// Outcome is reported once per submission when a terminal state is reached.
type Outcome struct {
	State   State
	Method  model.PaymentMethod
	Booking *model.Booking
	Err     error
}

// Status is a read-only copy of the coordinator's state.
type Status struct {
	State              State               `json:"state"`
	Method             model.PaymentMethod `json:"method,omitempty"`
	Booking            *model.Booking      `json:"booking,omitempty"`
	Order              *model.PaymentOrder `json:"order,omitempty"`
	Intent             *Intent             `json:"intent,omitempty"`
	CanRetryPayment    bool                `json:"can_retry_payment"`
	CanRetrySettlement bool                `json:"can_retry_settlement"`
	LastError          *errors.AppError    `json:"last_error,omitempty"`
}

// Coordinator creates the booking first and, for pay_now, runs the gateway
// round trip. It never holds its lock across a backend or gateway call.
type Coordinator struct {
	svc     BookingService
	gateway Gateway
	cfg     Config
	emitter event.Emitter
	logger  *logger.Logger
	metrics *metrics.Metrics

	mu           sync.Mutex
	state        State
	busy         bool
	method       model.PaymentMethod
	booking      *model.Booking
	order        *model.PaymentOrder
	intent       *Intent
	confirmation *model.GatewayConfirmation
	lastErr      *errors.AppError
	// attempt identifies the open gateway hand-off; callbacks from an older
	// attempt are ignored.
	attempt  uint64
	awaiting bool
	onDone   func(Outcome)
}

func NewCoordinator(
	svc BookingService,
	gateway Gateway,
	cfg Config,
	emitter event.Emitter,
	log *logger.Logger,
	m *metrics.Metrics,
) *Coordinator {
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	if cfg.SettleTimeout <= 0 {
		cfg.SettleTimeout = 30 * time.Second
	}
	if emitter == nil {
		emitter = event.Nop
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Coordinator{
		svc:     svc,
		gateway: gateway,
		cfg:     cfg,
		emitter: emitter,
		logger:  log,
		metrics: m,
	}
}

// OnOutcome registers fn for terminal outcomes. fn runs without the
// coordinator lock held and may call Reset.
func (c *Coordinator) OnOutcome(fn func(Outcome)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDone = fn
}

// Submit creates the booking and continues with the chosen payment method.
// After a payment order failure it retries the order instead of booking
// again.
func (c *Coordinator) Submit(ctx context.Context, req model.BookingRequest) (*Status, error) {
	c.mu.Lock()
	switch {
	case c.busy:
		c.mu.Unlock()
		return nil, errors.NewRecoverableInput("a submission is already in progress")
	case c.state == BookingCreated || c.state == OrderCreated:
		c.mu.Unlock()
		return c.RetryPayment(ctx)
	case c.state != Idle:
		st := c.state
		c.mu.Unlock()
		return nil, errors.NewRecoverableInput("booking already submitted (" + st.String() + ")")
	}
	c.busy = true
	c.method = req.PaymentMethod
	c.mu.Unlock()

	if req.PatientID == "" {
		req.PatientID = c.cfg.PatientID
	}
	booking, err := c.svc.CreateBooking(c.scoped(ctx), req)

	c.mu.Lock()
	if err != nil {
		c.busy = false
		appErr := errors.NewBackendRejected(errors.SubKindPreBooking, err)
		c.lastErr = appErr
		c.mu.Unlock()
		c.logger.Error(err, "booking creation failed", "session_id", c.cfg.SessionID, "lab_id", req.LabID)
		c.metrics.PaymentOutcome(string(req.PaymentMethod), "booking_failed")
		c.emit(event.New(event.BookingFailed, event.SeverityError, appErr.Message).With("lab_id", req.LabID))
		return nil, appErr
	}
	c.booking = booking
	c.state = BookingCreated
	c.lastErr = nil
	c.mu.Unlock()

	c.logger.Info("booking created", "session_id", c.cfg.SessionID, "booking_id", booking.ID, "payment_method", string(req.PaymentMethod))
	c.emit(event.New(event.BookingCreated, event.SeverityInfo, "booking created").
		With("booking_id", booking.ID).
		With("total_amount", booking.TotalAmount))

	if req.PaymentMethod != model.PayNow {
		return c.finish(Confirmed, nil), nil
	}
	return c.openPayment(ctx)
}

// RetryPayment creates a fresh order for the booking already made, or
// reopens the gateway when the order exists but the hand-off failed.
func (c *Coordinator) RetryPayment(ctx context.Context) (*Status, error) {
	c.mu.Lock()
	if c.busy || c.method != model.PayNow || (c.state != BookingCreated && c.state != OrderCreated) {
		c.mu.Unlock()
		return nil, errors.NewRecoverableInput("no payment to retry")
	}
	c.busy = true
	c.mu.Unlock()
	return c.openPayment(ctx)
}

// openPayment expects busy to be set and clears it.
func (c *Coordinator) openPayment(ctx context.Context) (*Status, error) {
	c.mu.Lock()
	c.busy = true
	booking := c.booking
	order := c.order
	needOrder := c.state == BookingCreated || order == nil
	c.mu.Unlock()

	if needOrder {
		var err error
		order, err = c.svc.CreatePaymentOrder(c.scoped(ctx), booking.ID)
		if err != nil {
			appErr := errors.NewBackendRejected(errors.SubKindPostBooking, err).WithDetail("booking_id", booking.ID)
			c.mu.Lock()
			c.busy = false
			c.lastErr = appErr
			c.mu.Unlock()
			c.logger.Error(err, "payment order creation failed", "session_id", c.cfg.SessionID, "booking_id", booking.ID)
			c.metrics.PaymentOutcome(string(model.PayNow), "order_failed")
			c.emit(event.New(event.PaymentOrderFailed, event.SeverityError, appErr.Message).With("booking_id", booking.ID))
			return nil, appErr
		}
		c.emit(event.New(event.PaymentOrderCreated, event.SeverityInfo, "payment order created").
			With("booking_id", booking.ID).
			With("order_id", order.OrderID))
	}

	intent := Intent{
		BookingID: booking.ID,
		OrderID:   order.OrderID,
		Amount:    order.Amount,
		Currency:  order.Currency,
		KeyID:     order.KeyID,
	}
	if intent.Amount == 0 {
		intent.Amount = booking.TotalAmount
	}
	if intent.Currency == "" {
		intent.Currency = c.cfg.Currency
	}
	if intent.KeyID == "" {
		intent.KeyID = c.cfg.KeyID
	}

	c.mu.Lock()
	c.order = order
	c.intent = &intent
	c.state = AuthorizationPending
	c.attempt++
	c.awaiting = true
	attempt := c.attempt
	c.lastErr = nil
	c.mu.Unlock()

	c.emit(event.New(event.GatewayOpened, event.SeverityInfo, "awaiting payment").
		With("booking_id", booking.ID).
		With("order_id", intent.OrderID).
		With("amount", intent.Amount))
	err := c.gateway.Open(ctx, intent, Callbacks{
		OnSuccess: func(conf model.GatewayConfirmation) { c.handleSuccess(attempt, conf) },
		OnDismiss: func() { c.handleDismiss(attempt) },
	})

	c.mu.Lock()
	if err != nil {
		appErr := errors.NewExternalUnavailable("payment gateway", err).WithDetail("booking_id", booking.ID)
		if c.attempt == attempt && c.awaiting {
			c.awaiting = false
			c.state = OrderCreated
			c.intent = nil
			c.lastErr = appErr
		}
		c.busy = false
		c.mu.Unlock()
		c.logger.Error(err, "payment gateway could not be opened", "session_id", c.cfg.SessionID, "booking_id", booking.ID)
		return nil, appErr
	}
	c.busy = false
	c.mu.Unlock()
	st := c.Snapshot()
	return &st, nil
}

func (c *Coordinator) handleSuccess(attempt uint64, conf model.GatewayConfirmation) {
	c.mu.Lock()
	if attempt != c.attempt || !c.awaiting {
		c.mu.Unlock()
		c.logger.Warn("ignoring stale payment success", "session_id", c.cfg.SessionID, "order_id", conf.OrderID)
		return
	}
	c.awaiting = false
	c.confirmation = &conf
	c.mu.Unlock()

	c.settle()
}

func (c *Coordinator) handleDismiss(attempt uint64) {
	c.mu.Lock()
	if attempt != c.attempt || !c.awaiting {
		c.mu.Unlock()
		c.logger.Warn("ignoring stale payment dismiss", "session_id", c.cfg.SessionID)
		return
	}
	c.awaiting = false
	bookingID := c.booking.ID
	c.mu.Unlock()

	appErr := errors.NewPaymentAbandoned(bookingID)
	c.logger.Info("payment dismissed, booking left pending", "session_id", c.cfg.SessionID, "booking_id", bookingID)
	c.emit(event.New(event.PaymentAbandoned, event.SeverityWarning, appErr.Message).With("booking_id", bookingID))
	c.finish(CancelledByUser, appErr)
}

// RetrySettlement re-submits the stored confirmation after a settlement
// failure.
func (c *Coordinator) RetrySettlement(ctx context.Context) (*Status, error) {
	c.mu.Lock()
	if c.busy || c.state != SettlementFailed || c.confirmation == nil {
		c.mu.Unlock()
		return nil, errors.NewRecoverableInput("no settlement to retry")
	}
	c.busy = true
	c.mu.Unlock()

	if err := c.settleWith(ctx); err != nil {
		return nil, err
	}
	st := c.Snapshot()
	return &st, nil
}

func (c *Coordinator) settle() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.SettleTimeout)
	defer cancel()
	_ = c.settleWith(ctx)
}

// settleWith sets busy if the caller has not and clears it.
func (c *Coordinator) settleWith(ctx context.Context) error {
	c.mu.Lock()
	c.busy = true
	bookingID := c.booking.ID
	conf := *c.confirmation
	c.mu.Unlock()

	settled, err := c.svc.SettlePayment(c.scoped(ctx), bookingID, conf)
	if err != nil {
		appErr := errors.NewBackendRejected(errors.SubKindSettlement, err).WithDetail("booking_id", bookingID)
		c.mu.Lock()
		c.busy = false
		c.state = SettlementFailed
		c.lastErr = appErr
		c.mu.Unlock()
		c.logger.Error(err, "payment settlement failed", "session_id", c.cfg.SessionID, "booking_id", bookingID)
		c.metrics.PaymentOutcome(string(model.PayNow), "settlement_failed")
		c.emit(event.New(event.SettlementFailed, event.SeverityError, appErr.Message).
			With("booking_id", bookingID).
			With("payment_id", conf.PaymentID))
		return appErr
	}

	c.mu.Lock()
	c.busy = false
	if settled != nil {
		c.booking = settled
	}
	c.mu.Unlock()

	c.emit(event.New(event.PaymentSettled, event.SeverityInfo, "payment settled").
		With("booking_id", bookingID).
		With("payment_id", conf.PaymentID))
	c.finish(Settled, nil)
	return nil
}

// finish enters a terminal state and reports it. The returned status is
// taken before the outcome handler runs.
func (c *Coordinator) finish(state State, err *errors.AppError) *Status {
	c.mu.Lock()
	c.state = state
	c.busy = false
	c.intent = nil
	c.lastErr = err
	method := c.method
	booking := c.booking
	onDone := c.onDone
	st := c.snapshotLocked()
	c.mu.Unlock()

	switch state {
	case Confirmed:
		c.metrics.PaymentOutcome(string(method), "confirmed")
		c.emit(event.New(event.BookingConfirmed, event.SeverityInfo, "booking confirmed, pay at the lab").With("booking_id", booking.ID))
	case Settled:
		c.metrics.PaymentOutcome(string(method), "settled")
	case CancelledByUser:
		c.metrics.PaymentOutcome(string(method), "abandoned")
	}

	if onDone != nil {
		out := Outcome{State: state, Method: method, Booking: booking}
		if err != nil {
			out.Err = err
		}
		onDone(out)
	}
	return &st
}

// Reset returns to Idle. Callbacks from an open hand-off become stale.
func (c *Coordinator) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = Idle
	c.busy = false
	c.method = ""
	c.booking = nil
	c.order = nil
	c.intent = nil
	c.confirmation = nil
	c.lastErr = nil
	c.attempt++
	c.awaiting = false
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) Snapshot() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Coordinator) snapshotLocked() Status {
	st := Status{
		State:              c.state,
		Method:             c.method,
		CanRetryPayment:    !c.busy && c.method == model.PayNow && (c.state == BookingCreated || c.state == OrderCreated),
		CanRetrySettlement: !c.busy && c.state == SettlementFailed && c.confirmation != nil,
		LastError:          c.lastErr,
	}
	if c.booking != nil {
		b := *c.booking
		st.Booking = &b
	}
	if c.order != nil {
		o := *c.order
		st.Order = &o
	}
	if c.awaiting && c.intent != nil {
		i := *c.intent
		st.Intent = &i
	}
	return st
}

// scoped carries the session's patient to the booking service.
func (c *Coordinator) scoped(ctx context.Context) context.Context {
	return httputil.WithPatientID(ctx, c.cfg.PatientID)
}

func (c *Coordinator) emit(e event.Event) {
	e.SessionID = c.cfg.SessionID
	c.emitter.Emit(context.Background(), e)
}
