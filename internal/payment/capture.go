// Package payment hands a created order to an external capture step and
// waits for the gateway's proof of payment.
package payment

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"smartvend-client/config"
	"smartvend-client/internal/vendapi"
)

// ErrUnknownOrder is returned when a callback names an order nobody waits for.
var ErrUnknownOrder = errors.New("no capture is waiting for this order")

// Checkout is what the capture UI needs to collect a payment.
type Checkout struct {
	Key           string `json:"key"`
	OrderID       string `json:"order_id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Name          string `json:"name"`
	Description   string `json:"description"`
	MachineID     string `json:"machine_id"`
	TransactionID string `json:"transaction_id"`
}

// NewCheckout builds the checkout for an order.
func NewCheckout(cfg *config.PaymentConfig, order *vendapi.Order, machineID, transactionID string) Checkout {
	return Checkout{
		Key:           cfg.KeyID,
		OrderID:       order.ID,
		Amount:        order.Amount,
		Currency:      order.Currency,
		Name:          cfg.Name,
		Description:   cfg.Description,
		MachineID:     machineID,
		TransactionID: transactionID,
	}
}

// Capturer collects a payment. It returns when the gateway reports the
// payment or ctx is done; an abandoned capture never returns on its own.
type Capturer interface {
	Capture(ctx context.Context, checkout Checkout) (vendapi.PaymentProof, error)
}

// CaptureFunc adapts a function to Capturer.
type CaptureFunc func(ctx context.Context, checkout Checkout) (vendapi.PaymentProof, error)

func (f CaptureFunc) Capture(ctx context.Context, checkout Checkout) (vendapi.PaymentProof, error) {
	return f(ctx, checkout)
}

type pending struct {
	checkout Checkout
	proof    chan vendapi.PaymentProof
}

// CallbackCapturer parks each capture until the gateway callback is delivered
// for its order id, typically through the local API.
type CallbackCapturer struct {
	mu      sync.Mutex
	waiting map[string]*pending
}

// NewCallbackCapturer creates an empty registry.
func NewCallbackCapturer() *CallbackCapturer {
	return &CallbackCapturer{waiting: make(map[string]*pending)}
}

// Capture registers the checkout and blocks until Deliver or ctx is done.
func (c *CallbackCapturer) Capture(ctx context.Context, checkout Checkout) (vendapi.PaymentProof, error) {
	p := &pending{checkout: checkout, proof: make(chan vendapi.PaymentProof, 1)}

	c.mu.Lock()
	c.waiting[checkout.OrderID] = p
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.waiting[checkout.OrderID] == p {
			delete(c.waiting, checkout.OrderID)
		}
		c.mu.Unlock()
	}()

	log.Info().
		Str("order_id", checkout.OrderID).
		Int64("amount", checkout.Amount).
		Str("currency", checkout.Currency).
		Msg("waiting for payment capture")

	select {
	case proof := <-p.proof:
		return proof, nil
	case <-ctx.Done():
		return vendapi.PaymentProof{}, fmt.Errorf("payment capture for order %s: %w", checkout.OrderID, ctx.Err())
	}
}

// Deliver hands the gateway's callback to the waiting capture.
func (c *CallbackCapturer) Deliver(proof vendapi.PaymentProof) error {
	c.mu.Lock()
	p, ok := c.waiting[proof.OrderID]
	if ok {
		delete(c.waiting, proof.OrderID)
	}
	c.mu.Unlock()

	if !ok {
		return ErrUnknownOrder
	}
	p.proof <- proof
	return nil
}

// Pending lists the checkouts currently waiting, ordered by order id.
func (c *CallbackCapturer) Pending() []Checkout {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Checkout, 0, len(c.waiting))
	for _, p := range c.waiting {
		out = append(out, p.checkout)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out
}

// PromptCapturer prints the checkout and reads the payment id and signature
// from a line-oriented reader, e.g. a terminal.
type PromptCapturer struct {
	In  io.Reader
	Out io.Writer
}

// Capture blocks on the reader; cancellation is observed once a line
// arrives or the reader is closed.
func (p *PromptCapturer) Capture(ctx context.Context, checkout Checkout) (vendapi.PaymentProof, error) {
	fmt.Fprintf(p.Out, "Pay %d %s for order %s (key %s).\n", checkout.Amount, checkout.Currency, checkout.OrderID, checkout.Key)
	fmt.Fprint(p.Out, "Enter payment id and signature separated by a space: ")

	lines := make(chan string, 1)
	errs := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(p.In)
		if sc.Scan() {
			lines <- sc.Text()
			return
		}
		if err := sc.Err(); err != nil {
			errs <- err
			return
		}
		errs <- io.EOF
	}()

	select {
	case <-ctx.Done():
		return vendapi.PaymentProof{}, fmt.Errorf("payment capture for order %s: %w", checkout.OrderID, ctx.Err())
	case err := <-errs:
		return vendapi.PaymentProof{}, fmt.Errorf("payment capture: %w", err)
	case line := <-lines:
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return vendapi.PaymentProof{}, fmt.Errorf("payment capture: expected payment id and signature, got %q", line)
		}
		return vendapi.PaymentProof{PaymentID: fields[0], OrderID: checkout.OrderID, Signature: fields[1]}, nil
	}
}
