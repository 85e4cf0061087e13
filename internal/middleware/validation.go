package middleware

import (
	"github.com/gin-gonic/gin/binding"
	playground "github.com/go-playground/validator/v10"

	"github.com/jwalitptl/lab-booking/pkg/validator"
)

// RegisterValidation installs the booking tags and JSON field names on the
// gin binding engine. Call it once before serving.
func RegisterValidation() error {
	v, ok := binding.Validator.Engine().(*playground.Validate)
	if !ok {
		return nil
	}
	return validator.RegisterCustom(v)
}

// BindError turns a ShouldBind failure into a BadRequest naming the fields.
func BindError(err error) error {
	return validator.Translate(err)
}
