// Package txn runs a purchase against a held lease: order, payment capture,
// verification, dispense trigger and the dispense progress that follows.
package txn

import (
	"errors"
	"fmt"
	"time"

	"smartvend-client/internal/model"
)

// State is a step of a transaction. States only move forward.
type State string

const (
	Created           State = "created"
	OrderPlaced       State = "order_placed"
	PaymentCaptured   State = "payment_captured"
	Verified          State = "verified"
	DispenseTriggered State = "dispense_triggered"
	Dispensing        State = "dispensing"
	Completed         State = "completed"
	Failed            State = "failed"
)

var sequence = []State{Created, OrderPlaced, PaymentCaptured, Verified, DispenseTriggered, Dispensing, Completed}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Completed || s == Failed
}

func (s State) index() int {
	for i, st := range sequence {
		if st == s {
			return i
		}
	}
	return -1
}

// ErrInvalidTransition is returned by Advance for a skipped, repeated or
// backward step.
var ErrInvalidTransition = errors.New("invalid transaction transition")

// Advance validates a transition: either to the next step, or to Failed from
// any non-terminal step.
func Advance(from, to State) error {
	if from.Terminal() {
		return fmt.Errorf("%w: %s is terminal", ErrInvalidTransition, from)
	}
	if to == Failed {
		return nil
	}
	i := from.index()
	if i < 0 || to.index() != i+1 {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

// FailureClass says which step failed. Dispense failures come after a
// verified payment and need a refund or support follow-up.
type FailureClass string

const (
	FailureLock         FailureClass = "lock"
	FailurePayment      FailureClass = "payment"
	FailureVerification FailureClass = "verification"
	FailureDispense     FailureClass = "dispense"
)

// Transaction is one purchase attempt. Its ID is the idempotency key for
// every backend call of the attempt.
type Transaction struct {
	ID               string       `json:"transaction_id"`
	MachineID        string       `json:"machine_id"`
	ClientID         string       `json:"client_id"`
	Quantity         int          `json:"quantity"`
	State            State        `json:"state"`
	OrderID          string       `json:"order_id,omitempty"`
	PaymentReference string       `json:"payment_reference,omitempty"`
	DispenseAck      string       `json:"dispense_ack,omitempty"`
	Dispensed        int          `json:"dispensed"`
	FailureClass     FailureClass `json:"failure_class,omitempty"`
	FailureReason    string       `json:"failure_reason,omitempty"`
	History          []State      `json:"history"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

func (t *Transaction) advance(to State, now time.Time) error {
	if err := Advance(t.State, to); err != nil {
		return err
	}
	t.State = to
	t.History = append(t.History, to)
	t.UpdatedAt = now
	return nil
}

func (t *Transaction) fail(class FailureClass, reason string, now time.Time) {
	if t.State.Terminal() {
		return
	}
	t.FailureClass = class
	t.FailureReason = reason
	_ = t.advance(Failed, now)
}

// InFlight reports whether the transaction has started and not finished.
func (t *Transaction) InFlight() bool {
	return t != nil && !t.State.Terminal()
}

func (t *Transaction) clone() Transaction {
	c := *t
	c.History = append([]State(nil), t.History...)
	return c
}

// Record converts the transaction into its journal row.
func (t *Transaction) Record() *model.TransactionRecord {
	return &model.TransactionRecord{
		TransactionID: t.ID,
		MachineID:     t.MachineID,
		ClientID:      t.ClientID,
		Quantity:      t.Quantity,
		State:         string(t.State),
		OrderID:       t.OrderID,
		PaymentID:     t.PaymentReference,
		DispenseAck:   t.DispenseAck,
		Dispensed:     t.Dispensed,
		FailureClass:  string(t.FailureClass),
		FailureReason: t.FailureReason,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

// PreconditionError rejects a purchase before anything is sent.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return e.Reason
}
