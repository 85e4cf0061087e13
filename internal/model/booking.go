package model

import "time"

type PaymentMethod string

const (
	PayNow   PaymentMethod = "pay_now"
	PayLater PaymentMethod = "pay_later"
)

func (m PaymentMethod) Valid() bool {
	return m == PayNow || m == PayLater
}

type BookingStatus string

const (
	BookingStatusPending   BookingStatus = "pending"
	BookingStatusConfirmed BookingStatus = "confirmed"
	BookingStatusCancelled BookingStatus = "cancelled"
)

type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "pending"
	PaymentStatusPaid    PaymentStatus = "paid"
	PaymentStatusFailed  PaymentStatus = "failed"
)

// LineItem is a name and price snapshot of a selected test or package.
type LineItem struct {
	ID    string `json:"id" validate:"required"`
	Name  string `json:"name" validate:"required"`
	Price int64  `json:"price" validate:"gte=0"`
}

// BookingRequest is what the engine sends to create a booking. DisplayTotal
// is what the patient was shown; the backend computes the charged total.
type BookingRequest struct {
	PatientID       string        `json:"patient_id,omitempty"`
	LabID           string        `json:"lab_id" validate:"required"`
	Tests           []LineItem    `json:"tests,omitempty" validate:"required_without=Packages,dive"`
	Packages        []LineItem    `json:"packages,omitempty" validate:"required_without=Tests,dive"`
	Date            string        `json:"date" validate:"required,civildate"`
	Time            string        `json:"time" validate:"required,clocktime"`
	PaymentMethod   PaymentMethod `json:"payment_method" validate:"required,oneof=pay_now pay_later"`
	Notes           string        `json:"notes,omitempty" validate:"max=500"`
	Location        *Coordinates  `json:"location,omitempty"`
	PrescriptionRef string        `json:"prescription_ref,omitempty"`
	DisplayTotal    int64         `json:"display_total"`
}

// Booking is the server-confirmed reservation. Prices are snapshots taken at
// creation.
type Booking struct {
	ID            string        `json:"id"`
	PatientID     string        `json:"patient_id,omitempty"`
	LabID         string        `json:"lab_id"`
	LabName       string        `json:"lab_name,omitempty"`
	Tests         []LineItem    `json:"tests,omitempty"`
	Packages      []LineItem    `json:"packages,omitempty"`
	Date          string        `json:"date"`
	Time          string        `json:"time"`
	PaymentMethod PaymentMethod `json:"payment_method"`
	Notes         string        `json:"notes,omitempty"`
	TotalAmount   int64         `json:"total_amount"`
	Status        BookingStatus `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	OrderID       string        `json:"order_id,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
}

// PaymentOrder is the gateway order created against a booking.
type PaymentOrder struct {
	OrderID   string `json:"order_id"`
	BookingID string `json:"booking_id,omitempty"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	KeyID     string `json:"key_id,omitempty"`
}

// GatewayConfirmation carries the signed fields the gateway hands back on
// success.
type GatewayConfirmation struct {
	OrderID   string `json:"order_id" binding:"required" validate:"required"`
	PaymentID string `json:"payment_id" binding:"required" validate:"required"`
	Signature string `json:"signature" binding:"required" validate:"required"`
}

// BookingFilter narrows a booking listing. PatientID is set from the
// authenticated caller, never from the query.
type BookingFilter struct {
	PatientID string        `json:"patient_id,omitempty" form:"-"`
	Status    BookingStatus `json:"status,omitempty" form:"status" binding:"omitempty,oneof=pending confirmed cancelled" validate:"omitempty,oneof=pending confirmed cancelled"`
	Pagination
}

type BookingPage struct {
	Items      []Booking `json:"items"`
	Pagination PageInfo  `json:"pagination"`
}
