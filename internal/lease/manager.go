package lease

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
	"smartvend-client/internal/parse"
	"smartvend-client/internal/vendapi"
)

// ErrNotHeld is returned when an operation needs a self-held lease.
var ErrNotHeld = errors.New("machine is not locked by you")

// ErrEmptyCode re-exports the access code validation error.
var ErrEmptyCode = parse.ErrEmptyCode

// AcquisitionError is a lock-by-code rejected by the backend, or a request
// that never reached it. The lease state is unchanged.
type AcquisitionError struct {
	Message     string
	Busy        bool
	LockedUntil time.Time
	Err         error
}

func (e *AcquisitionError) Error() string {
	return e.Message
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}

// Backend is the part of the vending backend the lease needs.
type Backend interface {
	LockByCode(ctx context.Context, clientID, code string) (*vendapi.Lock, error)
	Unlock(ctx context.Context, machineID, clientID string) (*vendapi.UnlockResult, error)
}

// Manager owns the lease of one machine for one client. Events are applied
// through Reduce under a mutex; network calls run outside of it and are
// serialised by a separate operation lock.
type Manager struct {
	api            Backend
	clientID       string
	clock          clockwork.Clock
	grace          time.Duration
	releaseTimeout time.Duration

	opMu sync.Mutex

	mu         sync.Mutex
	state      State
	rec        *clock.Reconciler
	accessCode string
	lost       chan struct{}
}

// NewManager creates a lease manager for machineID. offset may be nil.
func NewManager(api Backend, cfg *config.LeaseConfig, machineID, clientID string, clk clockwork.Clock, offset clock.OffsetSource) *Manager {
	return &Manager{
		api:            api,
		clientID:       clientID,
		clock:          clk,
		grace:          cfg.Grace,
		releaseTimeout: cfg.ReleaseTimeout,
		state:          State{MachineID: machineID, Lock: Unlocked},
		rec:            clock.NewReconciler(clk, offset),
	}
}

// State returns a snapshot of the lease.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// ClientID returns the identity the lease is attributed to.
func (m *Manager) ClientID() string {
	return m.clientID
}

// AccessCode returns the code used for the current self lease.
func (m *Manager) AccessCode() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accessCode
}

// Lost returns a channel closed when the current self lease ends for any
// reason. It is nil when no lease is held.
func (m *Manager) Lost() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lost
}

// Deadline returns the local instant at which the projected countdown ends.
func (m *Manager) Deadline() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.HeldBySelf() {
		return time.Time{}
	}
	return m.rec.Deadline()
}

// AcquireByCode locks the machine showing code. On any failure the state is
// left as it was.
func (m *Manager) AcquireByCode(ctx context.Context, raw string) (State, error) {
	code, err := parse.AccessCode(raw)
	if err != nil {
		return m.State(), err
	}

	m.opMu.Lock()
	defer m.opMu.Unlock()

	lock, err := m.api.LockByCode(ctx, m.clientID, code)
	if err != nil {
		return m.State(), acquisitionError(err)
	}

	machineID := m.State().MachineID
	if machineID != "" && lock.MachineID != "" && lock.MachineID != machineID {
		m.releaseDetached(lock.MachineID)
		return m.State(), &AcquisitionError{
			Message: fmt.Sprintf("code belongs to machine %s, not %s", lock.MachineID, machineID),
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	remaining := m.rec.Sync(lock.ServerTime, lock.ExpiresAt)
	m.state = Reduce(m.state, Acquired{
		MachineID:  lock.MachineID,
		ExpiresAt:  lock.ExpiresAt,
		Remaining:  remaining,
		GraceUntil: m.clock.Now().Add(m.grace),
	})
	m.accessCode = code
	m.closeLost()
	m.lost = make(chan struct{})

	log.Info().
		Str("machine_id", m.state.MachineID).
		Time("expires_at", lock.ExpiresAt).
		Int("remaining", remaining).
		Msg("machine locked")
	return m.state, nil
}

func acquisitionError(err error) *AcquisitionError {
	acqErr := &AcquisitionError{Message: "Lock failed", Err: err}
	var apiErr *vendapi.APIError
	if errors.As(err, &apiErr) {
		acqErr.Message = apiErr.Message
		acqErr.Busy = apiErr.Busy()
		acqErr.LockedUntil = apiErr.LockedUntil
	}
	return acqErr
}

// AdoptCode records the access code for a self lease restored from a poll,
// which carries no code. It makes no network call.
func (m *Manager) AdoptCode(raw string) error {
	code, err := parse.AccessCode(raw)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.state.HeldBySelf() {
		return ErrNotHeld
	}
	m.accessCode = code
	return nil
}

// Release explicitly unlocks the machine. On failure the state is unchanged.
func (m *Manager) Release(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	st := m.State()
	if !st.HeldBySelf() {
		return ErrNotHeld
	}

	if _, err := m.api.Unlock(ctx, st.MachineID, m.clientID); err != nil {
		return fmt.Errorf("release lease: %w", err)
	}

	m.mu.Lock()
	m.apply(Released{})
	m.mu.Unlock()

	log.Info().Str("machine_id", st.MachineID).Msg("machine unlocked")
	return nil
}

// Reconcile overwrites the projected lease with a polled status. Results
// that contradict a fresh self lock inside the grace window are ignored.
func (m *Manager) Reconcile(st *vendapi.MachineStatus) State {
	outcome := Unlocked
	switch {
	case st.Locked && st.LockedBy != "" && st.LockedBy == m.clientID:
		outcome = LockedBySelf
	case st.Locked:
		outcome = LockedByOther
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	if Suppressed(m.state, now, outcome) {
		log.Debug().
			Str("machine_id", m.state.MachineID).
			Str("outcome", string(outcome)).
			Msg("poll ignored inside lease grace window")
		return m.state
	}

	remaining := 0
	if outcome != Unlocked {
		remaining = m.rec.Sync(st.ServerTime, st.ExpiresAt)
	}
	m.apply(Polled{At: now, Outcome: outcome, ExpiresAt: st.ExpiresAt, Remaining: remaining})
	return m.state
}

// Tick advances the local countdown by one second. A self lease whose
// projection reaches zero expires.
func (m *Manager) Tick() State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state.Lock == Unlocked {
		return m.state
	}
	m.apply(CountdownTick{Remaining: m.rec.Tick()})
	if m.state.HeldBySelf() && m.state.Remaining == 0 && !m.state.ExpiresAt.IsZero() {
		log.Info().Str("machine_id", m.state.MachineID).Msg("lease expired")
		m.apply(Expired{})
	}
	return m.state
}

// ReleaseOnTeardown sends a fire-and-forget unlock when the lease is held by
// self and no transaction is in flight. The local lease is dropped either
// way. The returned channel is closed once the call has finished.
func (m *Manager) ReleaseOnTeardown(inFlight bool) <-chan struct{} {
	m.mu.Lock()
	st := m.state
	if st.HeldBySelf() && !inFlight {
		m.apply(Released{})
	}
	m.mu.Unlock()

	if !st.HeldBySelf() || inFlight {
		done := make(chan struct{})
		close(done)
		return done
	}
	return m.releaseDetached(st.MachineID)
}

func (m *Manager) releaseDetached(machineID string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ctx, cancel := context.WithTimeout(context.Background(), m.releaseTimeout)
		defer cancel()
		if _, err := m.api.Unlock(ctx, machineID, m.clientID); err != nil {
			log.Warn().Err(err).Str("machine_id", machineID).Msg("best-effort unlock failed")
		}
	}()
	return done
}

// apply must be called with mu held.
func (m *Manager) apply(e Event) {
	prev := m.state
	m.state = Reduce(m.state, e)
	if m.state.Lock == Unlocked {
		m.rec.Reset()
	}
	switch {
	case prev.HeldBySelf() && !m.state.HeldBySelf():
		m.accessCode = ""
		m.closeLost()
	case !prev.HeldBySelf() && m.state.HeldBySelf():
		// restored from a poll, e.g. after a restart
		m.lost = make(chan struct{})
	}
}

func (m *Manager) closeLost() {
	if m.lost != nil {
		close(m.lost)
		m.lost = nil
	}
}
