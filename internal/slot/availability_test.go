package slot

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/lab-booking/pkg/errors"
)

func at(hh, mm int) time.Time {
	return time.Date(2026, time.March, 10, hh, mm, 0, 0, time.Local)
}

func strs(slots []Slot) []string {
	out := make([]string, len(slots))
	for i, s := range slots {
		out[i] = s.String()
	}
	return out
}

func TestDefaultGridSkipsMiddayGap(t *testing.T) {
	got := strs(DefaultGrid().Slots())

	assert.Equal(t, []string{
		"09:00", "09:30", "10:00", "10:30", "11:00", "11:30", "12:00",
		"14:00", "14:30", "15:00", "15:30", "16:00", "16:30", "17:00", "17:30",
	}, got)
}

func TestAvailableTodayRespectsLead(t *testing.T) {
	g := DefaultGrid()
	now := at(10, 7)

	avail := g.Available(DateOf(now), now)

	require.NotEmpty(t, avail)
	for _, s := range avail {
		assert.GreaterOrEqual(t, s.Minutes(), 10*60+7+30, s.String())
	}
	assert.Equal(t, "11:00", avail[0].String())
}

func TestAvailableBoundaryIsInclusive(t *testing.T) {
	g := DefaultGrid()
	today := DateOf(at(0, 0))

	// 10:30 is exactly now+30 at 10:00.
	assert.True(t, g.IsAvailable(today, MustParse("10:30"), at(10, 0)))
	// One minute later it is no longer bookable.
	assert.False(t, g.IsAvailable(today, MustParse("10:30"), at(10, 1)))
}

func TestAvailableFutureDatesReturnFullGrid(t *testing.T) {
	g := DefaultGrid()
	now := at(17, 45)

	for days := 1; days <= 60; days++ {
		assert.Equal(t, g.Slots(), g.Available(DateOf(now).AddDays(days), now))
	}
}

func TestAvailablePastDateIsEmpty(t *testing.T) {
	now := at(8, 0)
	assert.Empty(t, DefaultGrid().Available(DateOf(now).AddDays(-1), now))
	assert.Error(t, ValidateDate(DateOf(now).AddDays(-1), now))
	assert.NoError(t, ValidateDate(DateOf(now), now))
	assert.True(t, errors.Is(ValidateDate(Date{}, now), errors.KindRecoverableInput))
}

func TestAvailableLateInDayIsEmpty(t *testing.T) {
	now := at(17, 1)
	assert.Empty(t, DefaultGrid().Available(DateOf(now), now))
}

func TestNewGridRejectsBadConfig(t *testing.T) {
	_, err := NewGrid(GridConfig{Start: "18:00", End: "09:00", Step: 30 * time.Minute})
	assert.Error(t, err)
	_, err = NewGrid(GridConfig{Start: "09:00", End: "10:00"})
	assert.Error(t, err)
	_, err = NewGrid(GridConfig{Start: "9", End: "10:00", Step: time.Minute})
	assert.Error(t, err)
}

func TestSlotAndDateJSON(t *testing.T) {
	var payload struct {
		Date Date `json:"date"`
		Time Slot `json:"time"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"date":"2026-03-11","time":"14:30"}`), &payload))
	assert.Equal(t, Date{Year: 2026, Month: time.March, Day: 11}, payload.Date)
	assert.Equal(t, 14*60+30, payload.Time.Minutes())

	out, err := json.Marshal(payload)
	require.NoError(t, err)
	assert.JSONEq(t, `{"date":"2026-03-11","time":"14:30"}`, string(out))
}

func TestDateCompareAcrossMonths(t *testing.T) {
	d := Date{Year: 2026, Month: time.January, Day: 31}
	assert.Equal(t, Date{Year: 2026, Month: time.February, Day: 1}, d.AddDays(1))
	assert.True(t, d.Before(d.AddDays(1)))
	assert.Equal(t, 0, d.Compare(d))
	assert.Equal(t, time.Saturday, d.Weekday())
}
