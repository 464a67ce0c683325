// Package api is the local control API of a running client: a UI or a
// kiosk drives the machine view and delivers payment callbacks through it.
package api

import (
	"context"
	"sync"

	"smartvend-client/config"
	"smartvend-client/internal/lease"
	"smartvend-client/internal/notification"
	"smartvend-client/internal/payment"
	"smartvend-client/internal/session"
	"smartvend-client/internal/store"
	"smartvend-client/internal/vendapi"
)

// MachineLister lists the machines of the backend.
type MachineLister interface {
	ListMachines(ctx context.Context) ([]vendapi.Machine, error)
}

// MachineView is the part of a session the API drives.
type MachineView interface {
	Open(ctx context.Context) error
	Close() <-chan struct{}
	MachineID() string
	View() session.View
	Lock(ctx context.Context, code string) (lease.State, error)
	Unlock(ctx context.Context) error
	SetQuantity(n int) error
	StartPurchase() error
}

// ViewFactory builds an unopened view for machine.
type ViewFactory func(machine vendapi.Machine) MachineView

// PaymentSink receives gateway callbacks for waiting captures.
type PaymentSink interface {
	Deliver(proof vendapi.PaymentProof) error
	Pending() []payment.Checkout
}

// AlertFeed exposes the latest alerts.
type AlertFeed interface {
	Recent() []notification.Alert
}

// Deps are the collaborators of the API handlers.
type Deps struct {
	Store    store.Store
	Push     *config.PushConfig
	Machines MachineLister
	NewView  ViewFactory
	Payments PaymentSink
	Alerts   AlertFeed
}

// Handler holds shared dependencies for API handlers and the one machine
// view that is currently open.
type Handler struct {
	Deps

	// base outlives requests; open views run under it.
	base context.Context

	// openMu is held for the whole replacement of the view.
	openMu sync.Mutex

	mu   sync.Mutex
	view MachineView
}

// NewHandler creates a new API handler. Views opened through the API stop
// when ctx is done.
func NewHandler(ctx context.Context, deps Deps) *Handler {
	return &Handler{Deps: deps, base: ctx}
}

func (h *Handler) current() MachineView {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.view
}

// Shutdown closes the open view, if any, and waits for its release.
func (h *Handler) Shutdown() {
	h.openMu.Lock()
	defer h.openMu.Unlock()
	h.closeView()
}

func (h *Handler) closeView() {
	h.mu.Lock()
	v := h.view
	h.view = nil
	h.mu.Unlock()
	if v != nil {
		<-v.Close()
	}
}
