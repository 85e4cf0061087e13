package payment

type State int

const (
	Idle State = iota
	BookingCreated
	Confirmed
	OrderCreated
	AuthorizationPending
	Settled
	SettlementFailed
	CancelledByUser
)

var stateNames = map[State]string{
	Idle:                 "idle",
	BookingCreated:       "booking_created",
	Confirmed:            "confirmed",
	OrderCreated:         "order_created",
	AuthorizationPending: "authorization_pending",
	Settled:              "settled",
	SettlementFailed:     "settlement_failed",
	CancelledByUser:      "cancelled_by_user",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal states end a submission; the owner resets afterwards.
func (s State) Terminal() bool {
	return s == Confirmed || s == Settled || s == CancelledByUser
}
