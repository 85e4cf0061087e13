package validator

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	playground "github.com/go-playground/validator/v10"

	"github.com/jwalitptl/lab-booking/pkg/errors"
)

// Validator provides validation functionality
type Validator interface {
	Validate(interface{}) error
	ValidateField(field string, value interface{}, rules ...string) error
}

type validator struct {
	v *playground.Validate
}

func New() Validator {
	v := playground.New()
	v.SetTagName("validate")
	if err := RegisterCustom(v); err != nil {
		panic(err)
	}
	return &validator{v: v}
}

// RegisterCustom installs the booking-specific tags on v. The gin binding
// engine gets the same tags through the validation middleware.
func RegisterCustom(v *playground.Validate) error {
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	custom := map[string]playground.Func{
		"civildate": func(fl playground.FieldLevel) bool {
			_, err := time.Parse("2006-01-02", fl.Field().String())
			return err == nil
		},
		"clocktime": func(fl playground.FieldLevel) bool {
			_, err := time.Parse("15:04", fl.Field().String())
			return err == nil
		},
	}
	for tag, fn := range custom {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return err
		}
	}
	return nil
}

func (v *validator) Validate(obj interface{}) error {
	if err := v.v.Struct(obj); err != nil {
		return translate(err)
	}
	return nil
}

func (v *validator) ValidateField(field string, value interface{}, rules ...string) error {
	if err := v.v.Var(value, strings.Join(rules, ",")); err != nil {
		var verrs playground.ValidationErrors
		if ok := asValidationErrors(err, &verrs); ok && len(verrs) > 0 {
			return errors.NewBadRequest(fmt.Sprintf("%s %s", field, describe(verrs[0])), err)
		}
		return errors.NewBadRequest(field+" is invalid", err)
	}
	return nil
}

func translate(err error) error {
	var verrs playground.ValidationErrors
	if !asValidationErrors(err, &verrs) {
		return errors.NewBadRequest("invalid request", err)
	}
	msgs := make([]string, 0, len(verrs))
	appErr := errors.NewBadRequest("", err)
	for _, fe := range verrs {
		msg := fmt.Sprintf("%s %s", fe.Field(), describe(fe))
		msgs = append(msgs, msg)
		appErr.WithDetail(fe.Namespace(), describe(fe))
	}
	appErr.Message = strings.Join(msgs, "; ")
	return appErr
}

func asValidationErrors(err error, target *playground.ValidationErrors) bool {
	verrs, ok := err.(playground.ValidationErrors)
	if ok {
		*target = verrs
	}
	return ok
}

func describe(fe playground.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_without":
		return "is required when " + fe.Param() + " is empty"
	case "oneof":
		return "must be one of " + fe.Param()
	case "min":
		return "must be at least " + fe.Param()
	case "max":
		return "must not exceed " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "gte":
		return "must be at least " + fe.Param()
	case "civildate":
		return "must be a date formatted YYYY-MM-DD"
	case "clocktime":
		return "must be a time formatted HH:MM"
	case "email":
		return "must be a valid email"
	default:
		return "failed " + fe.Tag() + " validation"
	}
}

// Translate converts a validation or decoding error from request binding
// into a BadRequest.
func Translate(err error) error {
	if err == nil {
		return nil
	}
	var verrs playground.ValidationErrors
	if asValidationErrors(err, &verrs) {
		return translate(err)
	}
	return errors.NewBadRequest("invalid request body: "+err.Error(), err)
}
