package validator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/lab-booking/pkg/errors"
)

type slotRequest struct {
	Date   string `json:"date" validate:"required,civildate"`
	Time   string `json:"time" validate:"omitempty,clocktime"`
	Method string `json:"payment_method" validate:"required,oneof=pay_now pay_later"`
}

func TestValidateAcceptsWellFormed(t *testing.T) {
	v := New()
	assert.NoError(t, v.Validate(slotRequest{Date: "2026-03-01", Time: "09:30", Method: "pay_later"}))
	assert.NoError(t, v.Validate(&slotRequest{Date: "2026-03-01", Method: "pay_now"}))
}

func TestValidateReportsJSONFieldNames(t *testing.T) {
	err := New().Validate(slotRequest{Date: "01/03/2026", Time: "9am", Method: "card"})
	require.Error(t, err)

	appErr, ok := errors.As(err)
	require.True(t, ok)
	assert.Equal(t, errors.KindBadRequest, appErr.Kind)
	assert.Contains(t, appErr.Message, "date must be a date formatted YYYY-MM-DD")
	assert.Contains(t, appErr.Message, "time must be a time formatted HH:MM")
	assert.Contains(t, appErr.Message, "payment_method must be one of pay_now pay_later")
}

func TestValidateField(t *testing.T) {
	v := New()
	assert.NoError(t, v.ValidateField("page_size", 20, "min=1", "max=100"))

	err := v.ValidateField("page_size", 500, "min=1", "max=100")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "page_size must not exceed 100")
}
