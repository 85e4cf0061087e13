package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errUpstream = errors.New("upstream failed")

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker(Settings{Name: "backend", MaxFailures: 2, Timeout: time.Minute})

	assert.ErrorIs(t, cb.Execute(func() error { return errUpstream }), errUpstream)
	assert.Equal(t, "closed", cb.State())
	assert.ErrorIs(t, cb.Execute(func() error { return errUpstream }), errUpstream)
	assert.Equal(t, "open", cb.State())

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestIgnoredErrorsDoNotTrip(t *testing.T) {
	errRejected := errors.New("rejected")
	cb := NewCircuitBreaker(Settings{
		Name:        "backend",
		MaxFailures: 1,
		Timeout:     time.Minute,
		IsFailure:   func(err error) bool { return !errors.Is(err, errRejected) },
	})

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(func() error { return errRejected }), errRejected)
	}
	assert.Equal(t, "closed", cb.State())
}

func TestHalfOpenRecovers(t *testing.T) {
	var transitions []string
	cb := NewCircuitBreaker(Settings{
		Name:        "backend",
		MaxFailures: 1,
		Timeout:     10 * time.Millisecond,
		OnStateChange: func(_ string, from, to string) {
			transitions = append(transitions, from+"->"+to)
		},
	})

	_ = cb.Execute(func() error { return errUpstream })
	time.Sleep(20 * time.Millisecond)
	assert.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, "closed", cb.State())
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}
