package workflow

import (
	"fmt"
	"strings"

	"github.com/jwalitptl/lab-booking/pkg/errors"
)

type Step int

const (
	LabSelect Step = iota
	ItemSelect
	Schedule
	PaymentMethod
	Confirm
)

var stepNames = [...]string{"lab_select", "item_select", "schedule", "payment_method", "confirm"}

func (s Step) String() string {
	if s < LabSelect || s > Confirm {
		return "unknown"
	}
	return stepNames[s]
}

func (s Step) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Step) UnmarshalText(text []byte) error {
	parsed, err := ParseStep(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func ParseStep(name string) (Step, error) {
	for i, n := range stepNames {
		if strings.EqualFold(n, name) {
			return Step(i), nil
		}
	}
	return 0, errors.BadRequest(fmt.Sprintf("unknown step %q", name), nil)
}

// Trigger is a forward event of the step machine.
type Trigger string

const (
	TriggerChooseLab       Trigger = "choose_lab"
	TriggerConfirmItems    Trigger = "confirm_items"
	TriggerConfirmSchedule Trigger = "confirm_schedule"
	TriggerConfirmMethod   Trigger = "confirm_payment_method"
	TriggerSubmit          Trigger = "submit"
)

// guard runs with the workflow lock held.
type guard func(w *Workflow) error

type transition struct {
	to    Step
	guard guard
}

// transitions lists every accepted forward move. Anything missing is
// rejected. Backward moves are handled by Back.
var transitions = map[Step]map[Trigger]transition{
	LabSelect: {
		TriggerChooseLab: {to: ItemSelect, guard: guardLabChosen},
	},
	ItemSelect: {
		TriggerConfirmItems: {to: Schedule, guard: guardItems},
	},
	Schedule: {
		TriggerConfirmSchedule: {to: PaymentMethod, guard: guardSchedule},
	},
	PaymentMethod: {
		TriggerConfirmMethod: {to: Confirm, guard: guardMethod},
	},
	Confirm: {
		TriggerSubmit: {to: Confirm, guard: guardSubmit},
	},
}

func guardLabChosen(w *Workflow) error {
	if w.lab == nil {
		return errors.NewRecoverableInput("choose a lab")
	}
	return nil
}

func guardItems(w *Workflow) error {
	if err := guardLabChosen(w); err != nil {
		return err
	}
	if w.ledger.ItemCount() == 0 {
		return errors.NewRecoverableInput("select at least one test or package")
	}
	return nil
}

func guardSchedule(w *Workflow) error {
	if err := guardItems(w); err != nil {
		return err
	}
	if w.date.IsZero() {
		return errors.NewRecoverableInput("choose a date")
	}
	if w.time == nil {
		return errors.NewRecoverableInput("choose a time")
	}
	if err := w.checkDateLocked(w.date); err != nil {
		return err
	}
	if !w.grid.IsAvailable(w.date, *w.time, w.now()) {
		return errors.NewRecoverableInput(fmt.Sprintf("time %s is no longer available on %s", w.time, w.date))
	}
	return nil
}

func guardMethod(w *Workflow) error {
	if err := guardItems(w); err != nil {
		return err
	}
	if !w.method.Valid() {
		return errors.NewRecoverableInput("choose a payment method")
	}
	return nil
}

func guardSubmit(w *Workflow) error {
	if err := guardSchedule(w); err != nil {
		return err
	}
	return guardMethod(w)
}
