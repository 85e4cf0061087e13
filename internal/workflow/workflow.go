package workflow

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/jwalitptl/lab-booking/internal/catalog"
	"github.com/jwalitptl/lab-booking/internal/geo"
	"github.com/jwalitptl/lab-booking/internal/model"
	"github.com/jwalitptl/lab-booking/internal/payment"
	"github.com/jwalitptl/lab-booking/internal/selection"
	"github.com/jwalitptl/lab-booking/internal/slot"
	"github.com/jwalitptl/lab-booking/pkg/errors"
	"github.com/jwalitptl/lab-booking/pkg/event"
	"github.com/jwalitptl/lab-booking/pkg/logger"
	"github.com/jwalitptl/lab-booking/pkg/metrics"
	"github.com/jwalitptl/lab-booking/pkg/validator"
)

// LabCatalog serves resolved labs. *catalog.Loader implements it.
type LabCatalog interface {
	Labs(ctx context.Context) ([]model.Lab, error)
	Lab(ctx context.Context, id string) (model.Lab, error)
}

// TextExtractor turns an uploaded prescription into test name tokens.
type TextExtractor interface {
	ExtractTokens(ctx context.Context, filename string, r io.Reader) ([]string, error)
}

// Payments is the coordinator as seen by the workflow.
type Payments interface {
	Submit(ctx context.Context, req model.BookingRequest) (*payment.Status, error)
	RetryPayment(ctx context.Context) (*payment.Status, error)
	RetrySettlement(ctx context.Context) (*payment.Status, error)
	Reset()
	Snapshot() payment.Status
	OnOutcome(fn func(payment.Outcome))
}

type Deps struct {
	Catalog   LabCatalog
	Ranker    *geo.Ranker
	Locator   geo.Locator
	Grid      slot.Grid
	Payments  Payments
	Extractor TextExtractor
	Validator validator.Validator
	Emitter   event.Emitter
	Logger    *logger.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

type Config struct {
	SessionID    string
	NearestCount int
	MaxEvents    int
}

// Result describes how the last submission ended.
type Result struct {
	State    payment.State    `json:"state"`
	Booking  *model.Booking   `json:"booking,omitempty"`
	Message  string           `json:"message"`
	Err      *errors.AppError `json:"error,omitempty"`
	Finished time.Time        `json:"finished_at"`
}

// Workflow is one booking attempt. All methods are safe for concurrent use;
// the lock is never held across calls to the catalog, locator, extractor or
// payment coordinator.
type Workflow struct {
	cfg       Config
	catalog   LabCatalog
	ranker    *geo.Ranker
	locator   geo.Locator
	grid      slot.Grid
	payments  Payments
	extractor TextExtractor
	validate  validator.Validator
	emitter   event.Emitter
	logger    *logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu              sync.Mutex
	step            Step
	labs            []model.Lab
	location        *geo.Point
	tokens          []string
	prescriptionRef string
	match           *catalog.Result
	lab             *model.Lab
	ledger          *selection.Ledger
	date            slot.Date
	time            *slot.Slot
	method          model.PaymentMethod
	notes           string
	lastErr         *errors.AppError
	events          []event.Event
	submitting      bool
	// gen changes on every reset so a caller that released the lock can
	// tell its view of the attempt is gone.
	gen    uint64
	result *Result
}

func New(cfg Config, deps Deps) *Workflow {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 20
	}
	if deps.Ranker == nil {
		deps.Ranker = geo.NewRanker(geo.RankerConfig{}, deps.Logger)
	}
	if deps.Validator == nil {
		deps.Validator = validator.New()
	}
	if deps.Emitter == nil {
		deps.Emitter = event.Nop
	}
	if deps.Logger == nil {
		deps.Logger = logger.Nop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if len(deps.Grid.Slots()) == 0 {
		deps.Grid = slot.DefaultGrid()
	}

	w := &Workflow{
		cfg:       cfg,
		catalog:   deps.Catalog,
		ranker:    deps.Ranker,
		locator:   deps.Locator,
		grid:      deps.Grid,
		payments:  deps.Payments,
		extractor: deps.Extractor,
		validate:  deps.Validator,
		emitter:   deps.Emitter,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		now:       deps.Now,
		ledger:    selection.NewLedger(),
	}
	if w.payments != nil {
		w.payments.OnOutcome(w.handleOutcome)
	}
	return w
}

// SetLocation pins the patient's coordinates. A nil point falls back to
// the locator.
func (w *Workflow) SetLocation(p *geo.Point) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if p == nil {
		w.location = nil
		return
	}
	cp := *p
	w.location = &cp
}

// LoadLabs fetches, filters and ranks the labs offered at LabSelect. When
// the catalog or the position is unavailable it still returns what it has,
// together with a retryable error.
func (w *Workflow) LoadLabs(ctx context.Context) ([]model.Lab, error) {
	labs, loadErr := w.catalog.Labs(ctx)

	w.mu.Lock()
	location := w.location
	tokens := append([]string(nil), w.tokens...)
	w.mu.Unlock()

	if len(tokens) > 0 {
		labs = catalog.Eligible(tokens, labs)
	}

	var ranked []model.Lab
	var rankErr error
	switch {
	case location != nil:
		ranked = w.ranker.Rank(location, labs)
	case w.locator != nil:
		ranked, rankErr = w.ranker.RankNearby(ctx, w.locator, labs)
	default:
		ranked = w.ranker.Rank(nil, labs)
	}
	ranked = geo.Nearest(ranked, w.cfg.NearestCount)

	w.mu.Lock()
	defer w.mu.Unlock()
	w.labs = ranked

	out := make([]model.Lab, len(ranked))
	copy(out, ranked)

	if err := firstErr(loadErr, rankErr); err != nil {
		appErr := toAppError(err)
		w.lastErr = appErr
		w.record(event.LabsDegraded, event.SeverityWarning, appErr.Message, "labs", len(ranked))
		return out, appErr
	}
	if len(tokens) > 0 && len(ranked) == 0 {
		appErr := errors.NewMatchFailure("any listed lab", tokens)
		w.lastErr = appErr
		w.record(event.MatchFailed, event.SeverityWarning, appErr.Message, "tokens", strings.Join(tokens, ", "))
		return out, appErr
	}
	w.record(event.LabsLoaded, event.SeverityInfo, fmt.Sprintf("%d labs available", len(ranked)), "labs", len(ranked))
	return out, nil
}

// SetTokens switches LabSelect to the prescription flow. An empty list
// returns to manual selection.
func (w *Workflow) SetTokens(tokens []string) ([]string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.requireStep(LabSelect, "set_prescription"); err != nil {
		return nil, err
	}
	w.setTokensLocked(tokens)
	return append([]string(nil), w.tokens...), nil
}

func (w *Workflow) setTokensLocked(tokens []string) {
	w.tokens = catalog.NormalizeTokens(tokens)
	w.match = nil
	if len(w.tokens) == 0 {
		w.prescriptionRef = ""
	}
}

// ExtractPrescription reads tokens from an uploaded prescription.
func (w *Workflow) ExtractPrescription(ctx context.Context, filename string, r io.Reader) ([]string, error) {
	w.mu.Lock()
	if err := w.requireStep(LabSelect, "upload_prescription"); err != nil {
		w.mu.Unlock()
		return nil, err
	}
	w.mu.Unlock()

	if w.extractor == nil {
		return nil, errors.NewExternalUnavailable("text extraction", stderrors.New("no extractor configured"))
	}
	tokens, err := w.extractor.ExtractTokens(ctx, filename, r)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		appErr := toAppError(err)
		if appErr.Kind == errors.KindInternal {
			appErr = errors.NewExternalUnavailable("text extraction", err)
		}
		w.lastErr = appErr
		w.record(event.GuardRejected, event.SeverityWarning, appErr.Message, "trigger", "upload_prescription")
		return nil, appErr
	}
	if err := w.requireStep(LabSelect, "upload_prescription"); err != nil {
		return nil, err
	}
	w.setTokensLocked(tokens)
	w.prescriptionRef = filename
	w.record(event.PrescriptionRead, event.SeverityInfo, fmt.Sprintf("%d test names read", len(w.tokens)), "file", filename)
	return append([]string(nil), w.tokens...), nil
}

// ChooseLab leaves LabSelect. Under the prescription flow the selection is
// narrowed to the matched tests, and a lab with no match is refused.
func (w *Workflow) ChooseLab(ctx context.Context, labID string) error {
	w.mu.Lock()
	if _, ok := transitions[w.step][TriggerChooseLab]; !ok {
		defer w.mu.Unlock()
		return w.fire(TriggerChooseLab)
	}
	lab, found := findLab(w.labs, labID)
	tokens := append([]string(nil), w.tokens...)
	w.mu.Unlock()

	if !found {
		var err error
		lab, err = w.catalog.Lab(ctx, labID)
		if err != nil {
			w.mu.Lock()
			defer w.mu.Unlock()
			return w.reject(string(TriggerChooseLab), err)
		}
	}

	var match *catalog.Result
	if len(tokens) > 0 {
		res := catalog.MatchLab(tokens, lab)
		if !res.Eligible() {
			w.mu.Lock()
			defer w.mu.Unlock()
			return w.reject(string(TriggerChooseLab), res.Err())
		}
		match = &res
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.step != LabSelect {
		return w.fire(TriggerChooseLab)
	}
	w.lab = &lab
	w.ledger.Reset(w.lab)
	w.match = match
	if match != nil {
		if err := w.ledger.SelectOnly(match.TestIDs()); err != nil {
			return w.reject(string(TriggerChooseLab), err)
		}
	}
	w.record(event.LabChosen, event.SeverityInfo, "lab chosen: "+lab.Name, "lab_id", lab.ID)
	return w.fire(TriggerChooseLab)
}

func (w *Workflow) ToggleTest(id string) (bool, error) {
	return w.toggle("toggle_test", id, w.ledger.ToggleTest)
}

func (w *Workflow) TogglePackage(id string) (bool, error) {
	return w.toggle("toggle_package", id, w.ledger.TogglePackage)
}

func (w *Workflow) toggle(action, id string, fn func(string) (bool, error)) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.requireStep(ItemSelect, action); err != nil {
		return false, err
	}
	selected, err := fn(id)
	if err != nil {
		return false, w.reject(action, err)
	}
	return selected, nil
}

func (w *Workflow) ConfirmItems() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fire(TriggerConfirmItems)
}

// SelectDate sets the date and returns its available slots. A chosen time
// that is not available on the new date is cleared.
func (w *Workflow) SelectDate(date slot.Date) ([]slot.Slot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.requireStep(Schedule, "select_date"); err != nil {
		return nil, err
	}
	if err := w.checkDateLocked(date); err != nil {
		return nil, w.reject("select_date", err)
	}
	w.date = date
	available := w.grid.Available(date, w.now())
	w.revalidateTimeLocked(available)
	return available, nil
}

func (w *Workflow) SelectTime(s slot.Slot) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.requireStep(Schedule, "select_time"); err != nil {
		return err
	}
	if w.date.IsZero() {
		return w.reject("select_time", errors.NewRecoverableInput("choose a date first"))
	}
	if !w.grid.IsAvailable(w.date, s, w.now()) {
		return w.reject("select_time", errors.NewRecoverableInput(fmt.Sprintf("time %s is not available on %s", s, w.date)))
	}
	w.time = &s
	return nil
}

// AvailableSlots answers for any date without changing the schedule. A
// zero date means the selected date, or today.
func (w *Workflow) AvailableSlots(date slot.Date) (slot.Date, []slot.Slot, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	if date.IsZero() {
		date = w.date
	}
	if date.IsZero() {
		date = slot.DateOf(now)
	}
	if err := w.checkDateLocked(date); err != nil {
		return date, nil, err
	}
	return date, w.grid.Available(date, now), nil
}

func (w *Workflow) ConfirmSchedule() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fire(TriggerConfirmSchedule)
}

func (w *Workflow) SetPaymentMethod(method model.PaymentMethod, notes string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.requireStep(PaymentMethod, "set_payment_method"); err != nil {
		return err
	}
	if !method.Valid() {
		return w.reject("set_payment_method", errors.NewRecoverableInput("payment method must be pay_now or pay_later"))
	}
	if len(notes) > 500 {
		return w.reject("set_payment_method", errors.NewRecoverableInput("notes must be at most 500 characters"))
	}
	w.method = method
	w.notes = notes
	return nil
}

func (w *Workflow) ConfirmPaymentMethod() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fire(TriggerConfirmMethod)
}

// Back moves to an earlier step and keeps entered data, except that
// LabSelect empties the selection and Schedule or earlier drops a time
// that is no longer available.
func (w *Workflow) Back(to Step) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.submitting || (w.payments != nil && w.payments.Snapshot().State != payment.Idle) {
		return w.reject("back", errors.NewRecoverableInput("the booking is already created, retry the payment or abandon"))
	}
	if to < LabSelect || to >= w.step {
		return w.reject("back", errors.NewRecoverableInput(fmt.Sprintf("cannot go back from %s to %s", w.step, to)))
	}

	if to == LabSelect {
		w.ledger.Reset(w.lab)
		w.match = nil
	}
	if to <= Schedule && !w.date.IsZero() {
		w.revalidateTimeLocked(w.grid.Available(w.date, w.now()))
	}
	w.lastErr = nil
	w.moveLocked(to)
	return nil
}

// Submit hands the booking to the payment coordinator. On a terminal
// outcome the workflow resets through handleOutcome; on failure it stays
// at Confirm with everything kept.
func (w *Workflow) Submit(ctx context.Context) (*payment.Status, error) {
	w.mu.Lock()
	if w.submitting {
		defer w.mu.Unlock()
		return nil, w.reject(string(TriggerSubmit), errors.NewRecoverableInput("submission already in progress"))
	}
	if err := w.fire(TriggerSubmit); err != nil {
		w.mu.Unlock()
		return nil, err
	}
	req := w.bookingRequestLocked()
	if err := w.validate.Validate(req); err != nil {
		defer w.mu.Unlock()
		msg := err.Error()
		if appErr, ok := errors.As(err); ok {
			msg = appErr.Message
		}
		return nil, w.reject(string(TriggerSubmit), errors.NewRecoverableInput(msg))
	}
	w.submitting = true
	w.lastErr = nil
	gen := w.gen
	w.mu.Unlock()

	st, err := w.payments.Submit(ctx, req)

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.gen != gen {
		return st, err
	}
	w.submitting = false
	if err != nil {
		w.lastErr = toAppError(err)
		return nil, w.lastErr
	}
	return st, nil
}

// RetryPayment asks for a new order after a post-booking failure.
func (w *Workflow) RetryPayment(ctx context.Context) (*payment.Status, error) {
	return w.retry(ctx, "retry_payment", w.payments.RetryPayment)
}

// RetrySettlement re-submits a stored gateway confirmation.
func (w *Workflow) RetrySettlement(ctx context.Context) (*payment.Status, error) {
	return w.retry(ctx, "retry_settlement", w.payments.RetrySettlement)
}

func (w *Workflow) retry(ctx context.Context, action string, fn func(context.Context) (*payment.Status, error)) (*payment.Status, error) {
	w.mu.Lock()
	if err := w.requireStep(Confirm, action); err != nil {
		w.mu.Unlock()
		return nil, err
	}
	gen := w.gen
	w.mu.Unlock()

	st, err := fn(ctx)

	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil && w.gen == gen {
		w.lastErr = toAppError(err)
		return nil, w.lastErr
	}
	return st, err
}

// Abandon discards the attempt. Before submission nothing reaches the
// backend; a booking already created is left pending. The id of such a
// booking is returned.
func (w *Workflow) Abandon() string {
	w.mu.Lock()
	var pending string
	if w.payments != nil {
		if b := w.payments.Snapshot().Booking; b != nil {
			pending = b.ID
		}
	}
	from := w.step
	w.resetLocked()
	w.gen++
	if pending != "" {
		w.record(event.WorkflowAbandoned, event.SeverityWarning, "booking abandoned, left pending", "from", from.String(), "booking_id", pending)
	} else {
		w.record(event.WorkflowAbandoned, event.SeverityInfo, "booking abandoned", "from", from.String())
	}
	w.mu.Unlock()

	if w.payments != nil {
		w.payments.Reset()
	}
	return pending
}

func (w *Workflow) handleOutcome(o payment.Outcome) {
	w.mu.Lock()
	res := &Result{State: o.State, Booking: o.Booking, Finished: w.now()}
	switch o.State {
	case payment.Confirmed:
		res.Message = "booking confirmed, pay at the lab"
	case payment.Settled:
		res.Message = "payment received, booking confirmed"
	case payment.CancelledByUser:
		res.Message = "payment not completed, booking left pending"
	}
	if o.Err != nil {
		res.Err = toAppError(o.Err)
		res.Message = res.Err.Message
	}
	w.resetLocked()
	w.gen++
	w.result = res
	w.mu.Unlock()

	w.payments.Reset()
}

// resetLocked clears every user-entered field. Loaded labs and the pinned
// location survive.
func (w *Workflow) resetLocked() {
	if w.step != LabSelect {
		w.moveLocked(LabSelect)
	}
	w.tokens = nil
	w.prescriptionRef = ""
	w.match = nil
	w.lab = nil
	w.ledger.Reset(nil)
	w.date = slot.Date{}
	w.time = nil
	w.method = ""
	w.notes = ""
	w.lastErr = nil
	w.submitting = false
}

func (w *Workflow) bookingRequestLocked() model.BookingRequest {
	snap := w.ledger.Snapshot()
	req := model.BookingRequest{
		LabID:           w.lab.ID,
		Tests:           snap.Tests,
		Packages:        snap.Packages,
		Date:            w.date.String(),
		PaymentMethod:   w.method,
		Notes:           w.notes,
		PrescriptionRef: w.prescriptionRef,
		DisplayTotal:    snap.Total,
	}
	if w.time != nil {
		req.Time = w.time.String()
	}
	if w.location != nil {
		loc := *w.location
		req.Location = &loc
	}
	return req
}

func (w *Workflow) checkDateLocked(date slot.Date) error {
	if err := slot.ValidateDate(date, w.now()); err != nil {
		return err
	}
	if w.lab != nil && w.lab.ClosedOn(date.Weekday()) {
		return errors.NewRecoverableInput(fmt.Sprintf("%s is closed on %s", w.lab.Name, date.Weekday()))
	}
	return nil
}

func (w *Workflow) revalidateTimeLocked(available []slot.Slot) {
	if w.time == nil {
		return
	}
	for _, s := range available {
		if s == *w.time {
			return
		}
	}
	cleared := *w.time
	w.time = nil
	w.record(event.TimeCleared, event.SeverityWarning,
		fmt.Sprintf("time %s is not available on %s, choose another", cleared, w.date), "time", cleared.String())
}

// fire runs a forward transition from the table.
func (w *Workflow) fire(t Trigger) error {
	tr, ok := transitions[w.step][t]
	if !ok {
		return w.reject(string(t), errors.NewRecoverableInput(
			fmt.Sprintf("cannot %s at step %s", strings.ReplaceAll(string(t), "_", " "), w.step)))
	}
	if tr.guard != nil {
		if err := tr.guard(w); err != nil {
			return w.reject(string(t), err)
		}
	}
	w.lastErr = nil
	w.moveLocked(tr.to)
	return nil
}

func (w *Workflow) moveLocked(to Step) {
	if to == w.step {
		return
	}
	from := w.step
	w.step = to
	w.metrics.Transition(from.String(), to.String())
	w.record(event.StepChanged, event.SeverityInfo, fmt.Sprintf("%s -> %s", from, to), "from", from.String(), "to", to.String())
}

func (w *Workflow) requireStep(step Step, action string) error {
	if w.step == step {
		return nil
	}
	return w.reject(action, errors.NewRecoverableInput(
		fmt.Sprintf("%s is only allowed at step %s", strings.ReplaceAll(action, "_", " "), step)))
}

// reject records a refused action and returns it as an AppError.
func (w *Workflow) reject(action string, err error) *errors.AppError {
	appErr := toAppError(err)
	w.lastErr = appErr
	w.metrics.GuardRejected(w.step.String(), action)

	evType := event.GuardRejected
	if appErr.Kind == errors.KindMatchFailure {
		evType = event.MatchFailed
	}
	fields := []interface{}{"trigger", action, "kind", string(appErr.Kind)}
	for k, v := range appErr.Details {
		fields = append(fields, k, v)
	}
	w.record(evType, event.SeverityWarning, appErr.Message, fields...)
	return appErr
}

// record keeps the event for the view and forwards it to the emitter.
func (w *Workflow) record(t event.EventType, sev event.Severity, msg string, kv ...interface{}) {
	e := event.New(t, sev, msg)
	e.SessionID = w.cfg.SessionID
	e.Step = w.step.String()
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			e = e.With(key, kv[i+1])
		}
	}
	if w.lab != nil {
		e = e.With("lab_id", w.lab.ID)
	}

	w.events = append(w.events, e)
	if over := len(w.events) - w.cfg.MaxEvents; over > 0 {
		w.events = append([]event.Event(nil), w.events[over:]...)
	}
	w.emitter.Emit(context.Background(), e)
}

func findLab(labs []model.Lab, id string) (model.Lab, bool) {
	for _, l := range labs {
		if l.ID == id {
			return l, true
		}
	}
	return model.Lab{}, false
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func toAppError(err error) *errors.AppError {
	if appErr, ok := errors.As(err); ok {
		return appErr
	}
	return errors.Internal(err)
}
