package slot

import (
	"fmt"
	"time"

	"github.com/jwalitptl/lab-booking/pkg/errors"
)

// GridConfig describes the daily slot grid. The gap is half-open:
// [GapStart, GapEnd).
type GridConfig struct {
	Start    string
	End      string
	Step     time.Duration
	GapStart string
	GapEnd   string
	// Lead is how far ahead of now a same-day slot must start.
	Lead time.Duration
}

// DefaultGridConfig is every 30 minutes from 09:00 to 17:30 with the
// 12:30 to 14:00 break removed and a 30 minute same-day lead.
func DefaultGridConfig() GridConfig {
	return GridConfig{
		Start:    "09:00",
		End:      "17:30",
		Step:     30 * time.Minute,
		GapStart: "12:30",
		GapEnd:   "14:00",
		Lead:     30 * time.Minute,
	}
}

// Grid is the ordered catalog of bookable times of day.
type Grid struct {
	slots       []Slot
	leadMinutes int
}

// NewGrid builds the grid, inclusive of End.
func NewGrid(cfg GridConfig) (Grid, error) {
	start, err := Parse(cfg.Start)
	if err != nil {
		return Grid{}, err
	}
	end, err := Parse(cfg.End)
	if err != nil {
		return Grid{}, err
	}
	if end < start {
		return Grid{}, errors.NewBadRequest(fmt.Sprintf("slot grid ends (%s) before it starts (%s)", end, start), nil)
	}
	step := int(cfg.Step / time.Minute)
	if step <= 0 {
		return Grid{}, errors.NewBadRequest("slot step must be at least one minute", nil)
	}

	gapStart, gapEnd := Slot(-1), Slot(-1)
	if cfg.GapStart != "" && cfg.GapEnd != "" {
		if gapStart, err = Parse(cfg.GapStart); err != nil {
			return Grid{}, err
		}
		if gapEnd, err = Parse(cfg.GapEnd); err != nil {
			return Grid{}, err
		}
	}

	var slots []Slot
	for s := start; s <= end; s += Slot(step) {
		if s >= gapStart && s < gapEnd {
			continue
		}
		slots = append(slots, s)
	}
	return Grid{slots: slots, leadMinutes: int(cfg.Lead / time.Minute)}, nil
}

// DefaultGrid is NewGrid(DefaultGridConfig()).
func DefaultGrid() Grid {
	g, err := NewGrid(DefaultGridConfig())
	if err != nil {
		panic(err)
	}
	return g
}

// Slots returns the full grid.
func (g Grid) Slots() []Slot {
	out := make([]Slot, len(g.slots))
	copy(out, g.slots)
	return out
}

// Contains reports whether s is on the grid at all.
func (g Grid) Contains(s Slot) bool {
	for _, v := range g.slots {
		if v == s {
			return true
		}
	}
	return false
}

// Available returns the slots still bookable on date as seen at now. The
// day of now is taken in now's location. Past dates have no slots; today
// keeps slots starting at least the lead time after now; later dates get
// the full grid.
func (g Grid) Available(date Date, now time.Time) []Slot {
	today := DateOf(now)
	switch date.Compare(today) {
	case -1:
		return nil
	case 1:
		return g.Slots()
	}

	earliest := now.Hour()*60 + now.Minute() + g.leadMinutes
	out := make([]Slot, 0, len(g.slots))
	for _, s := range g.slots {
		if s.Minutes() >= earliest {
			out = append(out, s)
		}
	}
	return out
}

// IsAvailable reports whether s is in Available(date, now).
func (g Grid) IsAvailable(date Date, s Slot, now time.Time) bool {
	for _, v := range g.Available(date, now) {
		if v == s {
			return true
		}
	}
	return false
}

// ValidateDate rejects dates before today.
func ValidateDate(date Date, now time.Time) error {
	if date.IsZero() {
		return errors.NewRecoverableInput("choose a date")
	}
	if date.Before(DateOf(now)) {
		return errors.NewRecoverableInput(fmt.Sprintf("date %s is in the past", date))
	}
	return nil
}
