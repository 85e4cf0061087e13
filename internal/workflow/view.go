package workflow

import (
	"github.com/jwalitptl/lab-booking/internal/catalog"
	"github.com/jwalitptl/lab-booking/internal/model"
	"github.com/jwalitptl/lab-booking/internal/payment"
	"github.com/jwalitptl/lab-booking/internal/selection"
	"github.com/jwalitptl/lab-booking/internal/slot"
	"github.com/jwalitptl/lab-booking/pkg/errors"
	"github.com/jwalitptl/lab-booking/pkg/event"
)

// LabSummary is a lab as listed to the patient. DistanceKm is nil when the
// distance is unknown.
type LabSummary struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Address    string                 `json:"address"`
	Phone      string                 `json:"phone,omitempty"`
	Email      string                 `json:"email,omitempty"`
	Hours      []model.OperatingHours `json:"operating_hours,omitempty"`
	DistanceKm *float64               `json:"distance_km"`
	TestCount  int                    `json:"test_count"`
	Tests      []model.Test           `json:"tests,omitempty"`
	Packages   []PackageSummary       `json:"packages,omitempty"`
}

// PackageSummary shows a package with the names of the tests it bundles.
// The discount is shown as given and never applied.
type PackageSummary struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Price           int64    `json:"price"`
	DiscountPercent float64  `json:"discount_percent"`
	TestNames       []string `json:"test_names,omitempty"`
}

// View is a consistent snapshot of the workflow for the presentation layer.
type View struct {
	SessionID      string              `json:"session_id"`
	Step           Step                `json:"step"`
	Labs           []LabSummary        `json:"labs"`
	Lab            *LabSummary         `json:"lab,omitempty"`
	Tokens         []string            `json:"tokens,omitempty"`
	Prescription   string              `json:"prescription_ref,omitempty"`
	Match          *catalog.Result     `json:"match,omitempty"`
	Selection      selection.Snapshot  `json:"selection"`
	Date           *slot.Date          `json:"date,omitempty"`
	Time           *slot.Slot          `json:"time,omitempty"`
	AvailableSlots []slot.Slot         `json:"available_slots,omitempty"`
	PaymentMethod  model.PaymentMethod `json:"payment_method,omitempty"`
	Notes          string              `json:"notes,omitempty"`
	Payment        payment.Status      `json:"payment"`
	LastError      *errors.AppError    `json:"last_error,omitempty"`
	Events         []event.Event       `json:"events"`
	Result         *Result             `json:"result,omitempty"`
}

func (w *Workflow) View() View {
	w.mu.Lock()
	defer w.mu.Unlock()

	v := View{
		SessionID:     w.cfg.SessionID,
		Step:          w.step,
		Labs:          make([]LabSummary, 0, len(w.labs)),
		Tokens:        append([]string(nil), w.tokens...),
		Prescription:  w.prescriptionRef,
		Selection:     w.ledger.Snapshot(),
		PaymentMethod: w.method,
		Notes:         w.notes,
		LastError:     w.lastErr,
		Events:        append([]event.Event(nil), w.events...),
		Result:        w.result,
	}
	for _, l := range w.labs {
		v.Labs = append(v.Labs, summarize(l, false))
	}
	if w.lab != nil {
		s := summarize(*w.lab, true)
		v.Lab = &s
	}
	if w.match != nil {
		m := *w.match
		v.Match = &m
	}
	if !w.date.IsZero() {
		d := w.date
		v.Date = &d
		if w.step == Schedule {
			v.AvailableSlots = w.grid.Available(d, w.now())
		}
	}
	if w.time != nil {
		t := *w.time
		v.Time = &t
	}
	if w.payments != nil {
		v.Payment = w.payments.Snapshot()
	}
	return v
}

// Step returns the current step.
func (w *Workflow) Step() Step {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.step
}

func summarize(l model.Lab, detailed bool) LabSummary {
	s := LabSummary{
		ID:        l.ID,
		Name:      l.Name,
		Address:   l.Address.String(),
		Phone:     l.Contact.Phone,
		Email:     l.Contact.Email,
		Hours:     l.Hours,
		TestCount: len(l.ResolvedTests()),
	}
	if l.DistanceKnown() {
		d := l.DistanceKm
		s.DistanceKm = &d
	}
	if !detailed {
		return s
	}
	s.Tests = l.ResolvedTests()
	for _, p := range l.ResolvedPackages() {
		ps := PackageSummary{ID: p.ID, Name: p.Name, Price: p.Price, DiscountPercent: p.DiscountPercent}
		for _, ref := range p.Tests {
			if t, ok := ref.Value(); ok {
				ps.TestNames = append(ps.TestNames, t.Name)
			} else if t, ok := l.TestByID(ref.ID()); ok {
				ps.TestNames = append(ps.TestNames, t.Name)
			}
		}
		s.Packages = append(s.Packages, ps)
	}
	return s
}
