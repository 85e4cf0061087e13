package slot

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jwalitptl/lab-booking/pkg/errors"
)

const (
	DateLayout = "2006-01-02"
	TimeLayout = "15:04"
)

// Slot is a time of day on the booking grid, stored as minutes after
// midnight.
type Slot int

// Parse reads an HH:MM time of day.
func Parse(s string) (Slot, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return 0, errors.NewBadRequest(fmt.Sprintf("invalid time %q, expected HH:MM", s), err)
	}
	return Slot(t.Hour()*60 + t.Minute()), nil
}

// MustParse is Parse for package-level grid definitions.
func MustParse(s string) Slot {
	sl, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return sl
}

func (s Slot) Minutes() int { return int(s) }

func (s Slot) String() string {
	return fmt.Sprintf("%02d:%02d", int(s)/60, int(s)%60)
}

func (s Slot) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Slot) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := Parse(str)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Date is a calendar day with no time or zone attached.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the calendar day of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate reads a YYYY-MM-DD date.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return Date{}, errors.NewBadRequest(fmt.Sprintf("invalid date %q, expected YYYY-MM-DD", s), err)
	}
	return DateOf(t), nil
}

func (d Date) IsZero() bool { return d == Date{} }

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Compare returns -1, 0 or 1.
func (d Date) Compare(o Date) int {
	switch {
	case d.Year != o.Year:
		return sign(d.Year - o.Year)
	case d.Month != o.Month:
		return sign(int(d.Month) - int(o.Month))
	default:
		return sign(d.Day - o.Day)
	}
}

func (d Date) Before(o Date) bool { return d.Compare(o) < 0 }

func (d Date) Weekday() time.Weekday {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC).Weekday()
}

// AddDays returns the date n days later.
func (d Date) AddDays(n int) Date {
	return DateOf(time.Date(d.Year, d.Month, d.Day+n, 0, 0, 0, 0, time.UTC))
}

func (d Date) MarshalJSON() ([]byte, error) {
	if d.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(d.String())
}

func (d *Date) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*d = Date{}
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	parsed, err := ParseDate(str)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

func sign(n int) int {
	switch {
	case n < 0:
		return -1
	case n > 0:
		return 1
	default:
		return 0
	}
}
