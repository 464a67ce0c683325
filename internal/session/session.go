// Package session is the machine view: one machine, one client, with its
// lease countdown, status polling and purchase progress.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"smartvend-client/config"
	"smartvend-client/internal/clock"
	"smartvend-client/internal/lease"
	"smartvend-client/internal/metrics"
	"smartvend-client/internal/notification"
	"smartvend-client/internal/parse"
	"smartvend-client/internal/payment"
	"smartvend-client/internal/poller"
	"smartvend-client/internal/txn"
	"smartvend-client/internal/vendapi"
)

// LowInventoryBelow is the stock under which the view flags low inventory.
const LowInventoryBelow = 3

var (
	// ErrOffline rejects interaction with an offline machine.
	ErrOffline = errors.New("machine is currently offline or unavailable")
	// ErrInFlight rejects a second purchase or an unlock during a purchase.
	ErrInFlight = errors.New("a purchase is in progress")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("session is closed")
)

// Backend is everything a session needs from the vending backend.
type Backend interface {
	lease.Backend
	poller.StatusSource
	txn.Backend
}

// Options carries the optional collaborators of a session.
type Options struct {
	Clock    clockwork.Clock
	Offset   clock.OffsetSource
	Capturer payment.Capturer
	Journal  txn.Journal
	Alerts   txn.Alerter
	Metrics  *metrics.Recorder
}

// View is a snapshot of the machine view.
type View struct {
	MachineID        string              `json:"machine_id"`
	Location         string              `json:"location"`
	CurrentStock     int                 `json:"current_stock"`
	Status           parse.MachineStatus `json:"status"`
	LockState        lease.LockState     `json:"lock_state"`
	RemainingSeconds int                 `json:"remaining_seconds"`
	Countdown        string              `json:"countdown"`
	Quantity         int                 `json:"quantity"`
	CanIncrement     bool                `json:"can_increment"`
	LowInventory     bool                `json:"low_inventory"`
	Offline          bool                `json:"offline"`
	Transaction      *txn.Transaction    `json:"transaction,omitempty"`
}

// Session owns the countdown, poll and animation activities of one machine
// view. Close tears them down in that reverse order: animation, poll,
// countdown, then a best-effort release.
type Session struct {
	clock   clockwork.Clock
	alerts  txn.Alerter
	metrics *metrics.Recorder
	lease   *lease.Manager
	poller  *poller.Poller
	orch    *txn.Orchestrator

	mu        sync.Mutex
	machineID string
	location  string
	stock     int
	status    parse.MachineStatus
	quantity  int
	offline   bool
	tx        *txn.Transaction
	confirmed chan struct{}
	awaiting  bool
	opened    bool
	closed    bool

	ctx            context.Context
	cancel         context.CancelFunc
	countdown      *clock.Subscription
	poll           *clock.Subscription
	purchaseCancel context.CancelFunc
	purchaseDone   chan struct{}

	offlineCh   chan struct{}
	offlineOnce sync.Once
}

// New creates a session for machine on behalf of clientID.
func New(cfg *config.Config, api Backend, machine vendapi.Machine, clientID string, opts Options) *Session {
	clk := opts.Clock
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	capturer := opts.Capturer
	if capturer == nil {
		capturer = payment.NewCallbackCapturer()
	}

	alerts := opts.Alerts
	if alerts != nil && opts.Metrics != nil {
		alerts = countedAlerts{next: alerts, metrics: opts.Metrics}
	}

	s := &Session{
		clock:     clk,
		alerts:    alerts,
		metrics:   opts.Metrics,
		machineID: machine.MachineID,
		location:  machine.Location,
		stock:     machine.CurrentStock,
		status:    parse.Status(machine.Status),
		quantity:  1,
		offlineCh: make(chan struct{}),
	}
	s.lease = lease.NewManager(api, &cfg.Lease, machine.MachineID, clientID, clk, opts.Offset)
	s.poller = poller.New(api, &cfg.Poller, machine.MachineID, clientID, clk, s.onPoll)
	s.orch = txn.New(cfg, api, capturer, opts.Journal, alerts, clk)
	return s
}

// Open checks the machine once, restores a lease this client still holds,
// and starts the countdown and poll activities. An offline machine is
// reported through ErrOffline and the Offline channel.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.opened {
		s.mu.Unlock()
		return nil
	}
	s.opened = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	res := s.poller.CheckOnce(s.ctx)
	if res.Offline {
		return fmt.Errorf("open %s: %w", s.machineID, ErrOffline)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.countdown = clock.Every(s.ctx, s.clock, time.Second, s.onTick)
	s.poll = clock.Start(s.ctx, s.poller.Run)

	log.Info().Str("machine_id", s.machineID).Str("lock", string(s.lease.State().Lock)).Msg("machine view opened")
	return nil
}

// Offline is closed once the machine is detected offline; the caller is
// expected to navigate away.
func (s *Session) Offline() <-chan struct{} {
	return s.offlineCh
}

// MachineID returns the machine this session views.
func (s *Session) MachineID() string {
	return s.machineID
}

// View returns a snapshot of the machine view.
func (s *Session) View() View {
	st := s.lease.State()

	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		MachineID:        s.machineID,
		Location:         s.location,
		CurrentStock:     s.stock,
		Status:           s.status,
		LockState:        st.Lock,
		RemainingSeconds: st.Remaining,
		Countdown:        clock.FormatSeconds(st.Remaining),
		Quantity:         s.quantity,
		CanIncrement:     s.quantity < s.orch.MaxQuantity(s.stock),
		LowInventory:     s.stock < LowInventoryBelow,
		Offline:          s.offline,
	}
	if s.tx != nil {
		tx := *s.tx
		v.Transaction = &tx
	}
	return v
}

// Lock acquires the machine with the code from its display. For a lease
// restored after a restart the code is only recorded.
func (s *Session) Lock(ctx context.Context, code string) (lease.State, error) {
	if err := s.interactive(); err != nil {
		return s.lease.State(), err
	}

	if st := s.lease.State(); st.HeldBySelf() && s.lease.AccessCode() == "" {
		if err := s.lease.AdoptCode(code); err != nil {
			return st, err
		}
		return s.lease.State(), nil
	}

	st, err := s.lease.AcquireByCode(ctx, code)
	if err != nil {
		var acqErr *lease.AcquisitionError
		if errors.As(err, &acqErr) {
			if acqErr.Busy {
				s.metrics.LockAttempt("busy")
			} else {
				s.metrics.LockAttempt("failed")
			}
			s.alert(notification.Alert{Class: notification.ClassLock, Title: "Lock failed", Message: acqErr.Message})
		}
		return st, err
	}
	s.metrics.LockAttempt("locked")
	s.alert(notification.Alert{
		Class:   notification.ClassInfo,
		Title:   "Machine locked",
		Message: "Machine locked for you until " + st.ExpiresAt.Local().Format(time.Kitchen),
	})
	return st, nil
}

// Unlock releases the lease before it expires.
func (s *Session) Unlock(ctx context.Context) error {
	s.mu.Lock()
	inFlight := s.tx.InFlight()
	s.mu.Unlock()
	if inFlight {
		return ErrInFlight
	}
	if err := s.lease.Release(ctx); err != nil {
		if !errors.Is(err, lease.ErrNotHeld) {
			s.alert(notification.Alert{Class: notification.ClassLock, Title: "Unlock failed", Message: err.Error()})
		}
		return err
	}
	return nil
}

// SetQuantity selects a quantity between 1 and min(5, stock).
func (s *Session) SetQuantity(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := s.orch.MaxQuantity(s.stock)
	if n < 1 || n > limit {
		return fmt.Errorf("quantity must be between 1 and %d", max(limit, 1))
	}
	s.quantity = n
	return nil
}

// CanIncrement reports whether one more unit may be selected.
func (s *Session) CanIncrement() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quantity < s.orch.MaxQuantity(s.stock)
}

// Increment adds one unit if allowed and returns the quantity.
func (s *Session) Increment() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quantity < s.orch.MaxQuantity(s.stock) {
		s.quantity++
	}
	return s.quantity
}

// Decrement removes one unit, never below one, and returns the quantity.
func (s *Session) Decrement() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quantity > 1 {
		s.quantity--
	}
	return s.quantity
}

// Purchase runs a purchase of the selected quantity and blocks until it
// finishes. Close interrupts it.
func (s *Session) Purchase(ctx context.Context) (*txn.Transaction, error) {
	req, pctx, err := s.beginPurchase(ctx)
	if err != nil {
		return nil, err
	}
	return s.runPurchase(pctx, req)
}

// StartPurchase validates and starts a purchase in the background. The
// progress is visible through View.
func (s *Session) StartPurchase() error {
	req, pctx, err := s.beginPurchase(context.Background())
	if err != nil {
		return err
	}
	go func() {
		_, _ = s.runPurchase(pctx, req)
	}()
	return nil
}

func (s *Session) beginPurchase(ctx context.Context) (txn.Request, context.Context, error) {
	if err := s.interactive(); err != nil {
		return txn.Request{}, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tx.InFlight() || s.purchaseDone != nil {
		return txn.Request{}, nil, ErrInFlight
	}

	s.confirmed = make(chan struct{})
	req := txn.Request{
		MachineID: s.machineID,
		Quantity:  s.quantity,
		Stock:     s.stock,
		Lease:     s.lease,
		Observer:  s.observe,
		Confirmed: s.confirmed,
	}
	if err := s.orch.Check(req); err != nil {
		return txn.Request{}, nil, err
	}

	base := s.ctx
	if base == nil {
		base = context.Background()
	}
	pctx, cancel := context.WithCancel(base)
	stop := context.AfterFunc(ctx, cancel)
	s.purchaseCancel = func() {
		stop()
		cancel()
	}
	s.purchaseDone = make(chan struct{})
	return req, pctx, nil
}

func (s *Session) runPurchase(ctx context.Context, req txn.Request) (*txn.Transaction, error) {
	tx, err := s.orch.Purchase(ctx, req)
	if tx != nil && tx.State.Terminal() {
		s.metrics.PurchaseFinished(string(tx.State), string(tx.FailureClass), tx.Dispensed)
	}

	s.mu.Lock()
	s.purchaseCancel()
	close(s.purchaseDone)
	s.purchaseCancel = nil
	s.purchaseDone = nil
	s.awaiting = false
	s.mu.Unlock()
	return tx, err
}

func (s *Session) observe(tx txn.Transaction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.tx
	s.tx = &tx
	switch tx.State {
	case txn.Dispensing:
		if prev == nil || prev.State != txn.Dispensing {
			// optimistic; the next poll overwrites it
			s.stock = max(s.stock-tx.Quantity, 0)
			s.awaiting = true
		}
	case txn.Completed:
		s.quantity = 1
		s.awaiting = false
	case txn.Failed:
		s.awaiting = false
	}
	s.clampQuantity()
}

func (s *Session) onTick() bool {
	before := s.lease.State()
	after := s.lease.Tick()
	if before.HeldBySelf() {
		s.metrics.LeaseRemaining(s.machineID, after.Remaining)
	}
	if before.HeldBySelf() && !after.HeldBySelf() {
		s.alert(notification.Alert{
			Class:   notification.ClassLock,
			Title:   "Lock expired",
			Message: "Your lock on this machine has expired. Enter a new code to continue.",
		})
	}
	return true
}

func (s *Session) onPoll(res poller.Result) {
	s.metrics.Poll(s.machineID, res.Err != nil, res.Offline)
	if res.Status != nil {
		s.lease.Reconcile(res.Status)
	}

	s.mu.Lock()
	if res.Status != nil {
		if res.Status.HasStock {
			s.stock = res.Status.CurrentStock
			s.clampQuantity()
		}
		s.status = parse.Status(res.Status.Status)
		if s.awaiting && s.status != parse.StatusDispensing && s.confirmed != nil {
			close(s.confirmed)
			s.confirmed = nil
			s.awaiting = false
		}
	}
	s.offline = res.Offline
	if res.Offline {
		s.status = parse.StatusOffline
	}
	s.mu.Unlock()

	if res.Offline {
		s.offlineOnce.Do(func() {
			log.Warn().Str("machine_id", s.machineID).Msg("machine offline")
			s.alert(notification.Alert{
				Class:   notification.ClassOffline,
				Title:   "Machine offline",
				Message: "Machine is currently offline or unavailable. Please try again later.",
			})
			close(s.offlineCh)
		})
	}
}

// clampQuantity must be called with mu held.
func (s *Session) clampQuantity() {
	s.quantity = max(1, min(s.quantity, s.orch.MaxQuantity(s.stock)))
}

func (s *Session) interactive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.offline {
		return ErrOffline
	}
	return nil
}

func (s *Session) alert(a notification.Alert) {
	if s.alerts == nil {
		return
	}
	a.MachineID = s.machineID
	a.At = s.clock.Now()
	s.alerts.Dispatch(a)
}

// countedAlerts counts every alert raised by the view or its purchases.
type countedAlerts struct {
	next    txn.Alerter
	metrics *metrics.Recorder
}

func (c countedAlerts) Dispatch(a notification.Alert) {
	c.metrics.Alert(string(a.Class))
	c.next.Dispatch(a)
}

// Close tears the view down: the purchase and its animation first, then the
// poller, then the countdown. A lease held by this client with no purchase in
// flight is released best-effort; the returned channel is closed once that
// call has finished. Close is idempotent.
func (s *Session) Close() <-chan struct{} {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		done := make(chan struct{})
		close(done)
		return done
	}
	s.closed = true
	inFlight := s.tx.InFlight()
	cancelPurchase, purchaseDone := s.purchaseCancel, s.purchaseDone
	poll, countdown := s.poll, s.countdown
	s.mu.Unlock()

	if cancelPurchase != nil {
		cancelPurchase()
		<-purchaseDone
	}
	poll.Cancel()
	countdown.Cancel()
	if s.cancel != nil {
		s.cancel()
	}

	log.Info().Str("machine_id", s.machineID).Bool("in_flight", inFlight).Msg("machine view closed")
	return s.lease.ReleaseOnTeardown(inFlight)
}
