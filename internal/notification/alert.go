package notification

import "time"

// Class tells the user which part of a purchase went wrong, since the
// follow-up differs: retry a code, pay again, or contact support.
type Class string

const (
	ClassLock         Class = "lock"
	ClassPayment      Class = "payment"
	ClassVerification Class = "verification"
	ClassDispense     Class = "dispense"
	ClassOffline      Class = "offline"
	ClassInfo         Class = "info"
)

// Alert is a user-facing message.
type Alert struct {
	Class         Class     `json:"class"`
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	MachineID     string    `json:"machine_id,omitempty"`
	TransactionID string    `json:"transaction_id,omitempty"`
	At            time.Time `json:"at"`
}
