package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode represents a unique error code
type ErrorCode int

// Kind classifies an error by the recovery it calls for.
type Kind string

const (
	KindRecoverableInput    Kind = "recoverable_input"
	KindExternalUnavailable Kind = "external_unavailable"
	KindMatchFailure        Kind = "match_failure"
	KindBackendRejected     Kind = "backend_rejected"
	KindPaymentAbandoned    Kind = "payment_abandoned"
	KindNotFound            Kind = "not_found"
	KindBadRequest          Kind = "bad_request"
	KindUnauthorized        Kind = "unauthorized"
	KindInternal            Kind = "internal"
)

// SubKind narrows KindBackendRejected to the phase that failed.
type SubKind string

const (
	SubKindNone        SubKind = ""
	SubKindPreBooking  SubKind = "pre_booking"
	SubKindPostBooking SubKind = "post_booking"
	SubKindSettlement  SubKind = "settlement"
)

// AppError represents an application error
type AppError struct {
	Code      ErrorCode         `json:"code"`
	Kind      Kind              `json:"kind"`
	SubKind   SubKind           `json:"sub_kind,omitempty"`
	Message   string            `json:"message"`
	Retryable bool              `json:"retryable"`
	Details   map[string]string `json:"details,omitempty"`
	Err       error             `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail attaches a key/value pair shown to the caller.
func (e *AppError) WithDetail(key, value string) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// Common error codes
const (
	ErrNotFound ErrorCode = iota + 1000
	ErrBadRequest
	ErrUnauthorized
	ErrForbidden
	ErrInternal
	ErrRecoverableInput
	ErrExternalUnavailable
	ErrMatchFailure
	ErrBackendRejected
	ErrPaymentAbandoned
)

// Error constructors
func NewNotFound(resource string, err error) *AppError {
	return &AppError{
		Code:    ErrNotFound,
		Kind:    KindNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Err:     err,
	}
}

func NewBadRequest(message string, err error) *AppError {
	return &AppError{
		Code:    ErrBadRequest,
		Kind:    KindBadRequest,
		Message: message,
		Err:     err,
	}
}

func NewInternal(err error) *AppError {
	return &AppError{
		Code:    ErrInternal,
		Kind:    KindInternal,
		Message: "internal server error",
		Err:     err,
	}
}

// NewRecoverableInput reports a failed step precondition. The message names
// the precondition so the caller can show it as-is.
func NewRecoverableInput(precondition string) *AppError {
	return &AppError{
		Code:    ErrRecoverableInput,
		Kind:    KindRecoverableInput,
		Message: precondition,
	}
}

// NewExternalUnavailable wraps a failure of a collaborator the engine can
// degrade around. Always retryable.
func NewExternalUnavailable(service string, err error) *AppError {
	return &AppError{
		Code:      ErrExternalUnavailable,
		Kind:      KindExternalUnavailable,
		Message:   fmt.Sprintf("%s unavailable", service),
		Retryable: true,
		Err:       err,
	}
}

// NewMatchFailure reports that none of the tokens matched the lab catalog.
func NewMatchFailure(labName string, unmatched []string) *AppError {
	e := &AppError{
		Code:    ErrMatchFailure,
		Kind:    KindMatchFailure,
		Message: fmt.Sprintf("no tests available at %s", labName),
	}
	if len(unmatched) > 0 {
		e.WithDetail("unmatched", strings.Join(unmatched, ", "))
	}
	return e
}

// NewBackendRejected wraps a booking service failure with the phase it
// happened in.
func NewBackendRejected(sub SubKind, err error) *AppError {
	var msg string
	switch sub {
	case SubKindPreBooking:
		msg = "booking could not be created"
	case SubKindPostBooking:
		msg = "booking created but payment order failed"
	case SubKindSettlement:
		msg = "payment could not be confirmed"
	default:
		msg = "request rejected by booking service"
	}
	return &AppError{
		Code:      ErrBackendRejected,
		Kind:      KindBackendRejected,
		SubKind:   sub,
		Message:   msg,
		Retryable: true,
		Err:       err,
	}
}

func NewPaymentAbandoned(bookingID string) *AppError {
	return (&AppError{
		Code:    ErrPaymentAbandoned,
		Kind:    KindPaymentAbandoned,
		Message: "payment was not completed, booking left pending",
	}).WithDetail("booking_id", bookingID)
}

// Common errors
func NotFound(resource string, err error) *AppError {
	return NewNotFound(resource, err)
}

func BadRequest(message string, err error) *AppError {
	return NewBadRequest(message, err)
}

func Internal(err error) *AppError {
	return NewInternal(err)
}

func Unauthorized(err error) *AppError {
	return &AppError{
		Code:    ErrUnauthorized,
		Kind:    KindUnauthorized,
		Message: "unauthorized",
		Err:     err,
	}
}

// As finds the first AppError in err's chain.
func As(err error) (*AppError, bool) {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// KindOf returns the kind of err, or KindInternal when err is not an AppError.
func KindOf(err error) Kind {
	if appErr, ok := As(err); ok {
		return appErr.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps an error onto the status the BFF responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindRecoverableInput:
		return http.StatusUnprocessableEntity
	case KindMatchFailure:
		return http.StatusConflict
	case KindExternalUnavailable:
		return http.StatusServiceUnavailable
	case KindBackendRejected:
		return http.StatusBadGateway
	case KindPaymentAbandoned:
		return http.StatusOK
	case KindNotFound:
		return http.StatusNotFound
	case KindBadRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
