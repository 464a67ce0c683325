package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"smartvend-client/config"
	"smartvend-client/internal/clock"
	"smartvend-client/internal/lease"
	"smartvend-client/internal/model"
	"smartvend-client/internal/notification"
	"smartvend-client/internal/payment"
	"smartvend-client/internal/vendapi"
)

// ErrLeaseLost cancels a payment capture whose lease ended first.
var ErrLeaseLost = errors.New("lease expired")

// Backend is the part of the vending backend a purchase needs.
type Backend interface {
	CreateOrder(ctx context.Context, quantity int, meta vendapi.OrderMetadata) (*vendapi.Order, error)
	VerifyPayment(ctx context.Context, proof vendapi.PaymentProof) error
	TriggerDispense(ctx context.Context, machineID string, req vendapi.DispenseRequest) (string, error)
	LowStockAlert(ctx context.Context, machineID string, remaining int) error
}

// Lease is the lease a purchase runs under.
type Lease interface {
	State() lease.State
	ClientID() string
	AccessCode() string
	Lost() <-chan struct{}
}

// Journal persists every transition.
type Journal interface {
	SaveTransaction(ctx context.Context, rec *model.TransactionRecord) error
}

// Alerter surfaces user-facing alerts.
type Alerter interface {
	Dispatch(alert notification.Alert)
}

// Request is one purchase.
type Request struct {
	MachineID string
	Quantity  int
	// Stock is the current stock as last seen.
	Stock int
	Lease Lease
	// Observer is called with a snapshot after every transition and every
	// dispense tick. It must not block.
	Observer func(Transaction)
	// Confirmed is closed by the caller when a status poll shows the machine
	// finished dispensing. Only used in status completion mode.
	Confirmed <-chan struct{}
}

// Orchestrator runs purchases.
type Orchestrator struct {
	api      Backend
	capturer payment.Capturer
	journal  Journal
	alerts   Alerter
	clock    clockwork.Clock
	txCfg    config.TransactionConfig
	payCfg   config.PaymentConfig
	newID    func() string

	alertTimeout time.Duration
}

// New creates an orchestrator. journal and alerts may be nil.
func New(cfg *config.Config, api Backend, capturer payment.Capturer, journal Journal, alerts Alerter, clk clockwork.Clock) *Orchestrator {
	return &Orchestrator{
		api:      api,
		capturer: capturer,
		journal:  journal,
		alerts:   alerts,
		clock:    clk,
		txCfg:    cfg.Transaction,
		payCfg:   cfg.Payment,
		newID:    uuid.NewString,

		alertTimeout: cfg.API.Timeout,
	}
}

// MaxQuantity is the largest quantity purchasable from stock.
func (o *Orchestrator) MaxQuantity(stock int) int {
	return max(0, min(o.txCfg.MaxQuantity, stock))
}

// Check validates a request without side effects.
func (o *Orchestrator) Check(req Request) error {
	if req.Lease == nil || !req.Lease.State().HeldBySelf() {
		return &PreconditionError{Reason: "Please lock the machine by entering the code first"}
	}
	if req.Lease.AccessCode() == "" {
		return &PreconditionError{Reason: "Enter the code shown on the machine to confirm the lock"}
	}
	if req.Quantity < 1 {
		return &PreconditionError{Reason: "Quantity must be at least 1"}
	}
	if req.Quantity > o.txCfg.MaxQuantity {
		return &PreconditionError{Reason: fmt.Sprintf("At most %d units per purchase", o.txCfg.MaxQuantity)}
	}
	if req.Quantity > req.Stock {
		return &PreconditionError{Reason: fmt.Sprintf("Only %d units left in this machine", max(req.Stock, 0))}
	}
	return nil
}

// run holds the per-purchase bookkeeping.
type run struct {
	o   *Orchestrator
	req Request
	mu  sync.Mutex
	tx  *Transaction
}

// Purchase runs the whole pipeline and returns the final transaction. A
// precondition failure returns a nil transaction. Any step failure yields a
// Failed transaction and a non-nil error; nothing is retried.
func (o *Orchestrator) Purchase(ctx context.Context, req Request) (*Transaction, error) {
	if err := o.Check(req); err != nil {
		return nil, err
	}

	now := o.clock.Now()
	tx := &Transaction{
		ID:        o.newID(),
		MachineID: req.MachineID,
		ClientID:  req.Lease.ClientID(),
		Quantity:  req.Quantity,
		State:     Created,
		History:   []State{Created},
		CreatedAt: now,
		UpdatedAt: now,
	}
	r := &run{o: o, req: req, tx: tx}
	r.publish(ctx)

	err := r.execute(ctx)
	final := r.snapshot()
	if err != nil {
		return &final, err
	}
	return &final, nil
}

func (r *run) execute(ctx context.Context) error {
	o, req := r.o, r.req
	logger := log.With().Str("transaction_id", r.tx.ID).Str("machine_id", req.MachineID).Logger()

	// order
	order, err := o.api.CreateOrder(ctx, req.Quantity, vendapi.OrderMetadata{
		TransactionID: r.tx.ID,
		ClientID:      r.tx.ClientID,
		MachineID:     req.MachineID,
	})
	if err != nil {
		return r.failed(ctx, FailurePayment, "Payment failed. Please try again.", err)
	}
	r.step(ctx, OrderPlaced, func(t *Transaction) { t.OrderID = order.ID })
	logger.Info().Str("order_id", order.ID).Int64("amount", order.Amount).Msg("order placed")

	// capture, bounded by the lease
	proof, err := r.capture(ctx, order)
	if err != nil {
		reason := "Payment was not completed"
		if errors.Is(err, ErrLeaseLost) {
			reason = "Payment not completed before the lock expired"
		}
		return r.failed(ctx, FailurePayment, reason, err)
	}
	r.step(ctx, PaymentCaptured, func(t *Transaction) { t.PaymentReference = proof.PaymentID })

	// verification
	if err := o.api.VerifyPayment(ctx, proof); err != nil {
		return r.failed(ctx, FailureVerification, "Payment could not be verified. Contact support if you were charged.", err)
	}
	r.step(ctx, Verified, nil)

	// dispense trigger
	ack, err := o.api.TriggerDispense(ctx, req.MachineID, vendapi.DispenseRequest{
		ClientID:      r.tx.ClientID,
		AccessCode:    req.Lease.AccessCode(),
		Quantity:      req.Quantity,
		TransactionID: r.tx.ID,
	})
	if err != nil {
		return r.failed(ctx, FailureDispense, "Payment succeeded, dispense failed. Contact support for a refund.", err)
	}
	r.step(ctx, DispenseTriggered, func(t *Transaction) { t.DispenseAck = ack })
	r.step(ctx, Dispensing, nil)
	logger.Info().Str("ack", ack).Msg("dispense triggered")

	if err := r.dispense(ctx); err != nil {
		return err
	}

	r.step(ctx, Completed, func(t *Transaction) { t.Dispensed = t.Quantity })
	logger.Info().Int("quantity", req.Quantity).Msg("purchase completed")
	o.alert(notification.Alert{
		Class:         notification.ClassInfo,
		Title:         "Purchase complete",
		Message:       fmt.Sprintf("Dispensed %d of %d", req.Quantity, req.Quantity),
		MachineID:     req.MachineID,
		TransactionID: r.tx.ID,
	})
	r.lowStock(ctx)
	return nil
}

func (r *run) capture(ctx context.Context, order *vendapi.Order) (vendapi.PaymentProof, error) {
	captureCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	if lost := r.req.Lease.Lost(); lost != nil {
		go func() {
			select {
			case <-lost:
				cancel(ErrLeaseLost)
			case <-captureCtx.Done():
			}
		}()
	} else {
		cancel(ErrLeaseLost)
	}

	checkout := payment.NewCheckout(&r.o.payCfg, order, r.req.MachineID, r.tx.ID)
	proof, err := r.o.capturer.Capture(captureCtx, checkout)
	if err != nil {
		if cause := context.Cause(captureCtx); errors.Is(cause, ErrLeaseLost) {
			return proof, fmt.Errorf("%w: %w", ErrLeaseLost, err)
		}
		return proof, err
	}
	if proof.OrderID == "" {
		proof.OrderID = order.ID
	}
	return proof, nil
}

// dispense plays the per-unit progress and waits for completion according to
// the configured mode.
func (r *run) dispense(ctx context.Context) error {
	o := r.o
	animCtx, stopAnim := context.WithCancel(ctx)
	finished := make(chan struct{})
	anim := clock.Every(animCtx, o.clock, o.txCfg.DispenseTick, func() bool {
		r.mu.Lock()
		r.tx.Dispensed++
		n := r.tx.Dispensed
		r.mu.Unlock()
		r.notify()
		if n >= r.req.Quantity {
			close(finished)
			return false
		}
		return true
	})
	defer func() {
		stopAnim()
		anim.Cancel()
	}()

	if o.txCfg.Completion != config.CompletionStatus {
		select {
		case <-finished:
			return nil
		case <-ctx.Done():
			return r.interrupted(ctx)
		}
	}

	timeout := o.clock.NewTimer(o.txCfg.ConfirmTimeout)
	defer timeout.Stop()
	select {
	case <-r.req.Confirmed:
		return nil
	case <-timeout.Chan():
		return r.failed(ctx, FailureDispense, "Payment succeeded but the machine did not confirm dispensing. Contact support.",
			fmt.Errorf("no dispense confirmation within %s", o.txCfg.ConfirmTimeout))
	case <-ctx.Done():
		return r.interrupted(ctx)
	}
}

// interrupted leaves a dispensing transaction as it is; the command already
// reached the machine.
func (r *run) interrupted(ctx context.Context) error {
	log.Warn().Str("transaction_id", r.tx.ID).Msg("purchase interrupted while dispensing")
	return fmt.Errorf("purchase interrupted while dispensing: %w", ctx.Err())
}

// lowStock posts the alert detached from the purchase, bounded by the API
// timeout.
func (r *run) lowStock(ctx context.Context) {
	remaining := r.req.Stock - r.req.Quantity
	if remaining > r.o.txCfg.LowStockThreshold {
		return
	}
	machineID := r.req.MachineID
	go func() {
		alertCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.o.alertTimeout)
		defer cancel()
		if err := r.o.api.LowStockAlert(alertCtx, machineID, remaining); err != nil {
			log.Warn().Err(err).Str("machine_id", machineID).Msg("low stock alert failed")
		}
	}()
}

func (r *run) step(ctx context.Context, to State, mutate func(*Transaction)) {
	r.mu.Lock()
	if mutate != nil {
		mutate(r.tx)
	}
	if err := r.tx.advance(to, r.o.clock.Now()); err != nil {
		log.Error().Err(err).Str("transaction_id", r.tx.ID).Msg("transaction transition rejected")
	}
	r.mu.Unlock()
	r.publish(ctx)
}

func (r *run) failed(ctx context.Context, class FailureClass, reason string, cause error) error {
	r.mu.Lock()
	from := r.tx.State
	r.tx.fail(class, reason, r.o.clock.Now())
	r.mu.Unlock()
	r.publish(ctx)

	log.Error().Err(cause).
		Str("transaction_id", r.tx.ID).
		Str("from", string(from)).
		Str("class", string(class)).
		Msg("purchase failed")

	r.o.alert(notification.Alert{
		Class:         alertClass(class),
		Title:         failureTitle(class),
		Message:       reason,
		MachineID:     r.req.MachineID,
		TransactionID: r.tx.ID,
	})
	return &Error{Class: class, Reason: reason, Err: cause}
}

// publish journals and notifies.
func (r *run) publish(ctx context.Context) {
	if r.o.journal != nil {
		snap := r.snapshot()
		// the journal outlives a cancelled purchase
		if err := r.o.journal.SaveTransaction(context.WithoutCancel(ctx), snap.Record()); err != nil {
			log.Warn().Err(err).Str("transaction_id", snap.ID).Msg("failed to journal transaction")
		}
	}
	r.notify()
}

func (r *run) notify() {
	if r.req.Observer != nil {
		r.req.Observer(r.snapshot())
	}
}

func (r *run) snapshot() Transaction {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tx.clone()
}

func (o *Orchestrator) alert(a notification.Alert) {
	if o.alerts != nil {
		a.At = o.clock.Now()
		o.alerts.Dispatch(a)
	}
}

// Error is a failed step.
type Error struct {
	Class  FailureClass
	Reason string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s failure: %s", e.Class, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func alertClass(c FailureClass) notification.Class {
	switch c {
	case FailureLock:
		return notification.ClassLock
	case FailurePayment:
		return notification.ClassPayment
	case FailureVerification:
		return notification.ClassVerification
	default:
		return notification.ClassDispense
	}
}

func failureTitle(c FailureClass) string {
	switch c {
	case FailureLock:
		return "Lock problem"
	case FailurePayment:
		return "Payment failed"
	case FailureVerification:
		return "Payment verification failed"
	default:
		return "Dispense failed"
	}
}
