// Package lease tracks the time-bounded lock a client holds on a machine.
//
// The server is authoritative. The client projects a countdown between polls
// and overwrites it with every fresh status.
package lease

import "time"

// LockState is the lock as seen by this client.
type LockState string

const (
	Unlocked      LockState = "unlocked"
	LockedBySelf  LockState = "locked_by_self"
	LockedByOther LockState = "locked_by_other"
)

// State is the lease view of one machine.
type State struct {
	MachineID  string    `json:"machine_id"`
	Lock       LockState `json:"lock_state"`
	ExpiresAt  time.Time `json:"expires_at,omitempty"`
	Remaining  int       `json:"remaining_seconds"`
	GraceUntil time.Time `json:"-"`
}

// HeldBySelf reports whether this client holds the lock.
func (s State) HeldBySelf() bool {
	return s.Lock == LockedBySelf
}

// Event is an input to Reduce.
type Event interface {
	event()
}

// Acquired is a successful lock-by-code.
type Acquired struct {
	MachineID  string
	ExpiresAt  time.Time
	Remaining  int
	GraceUntil time.Time
}

// Released is a successful explicit unlock, or local teardown.
type Released struct{}

// Polled is the lock outcome of a status poll.
type Polled struct {
	At        time.Time
	Outcome   LockState
	ExpiresAt time.Time
	Remaining int
}

// CountdownTick carries the locally projected remaining seconds.
type CountdownTick struct {
	Remaining int
}

// Expired is the projected countdown reaching zero.
type Expired struct{}

func (Acquired) event()      {}
func (Released) event()      {}
func (Polled) event()        {}
func (CountdownTick) event() {}
func (Expired) event()       {}

// Suppressed reports whether a poll outcome at the given instant falls inside
// the grace window of a just-confirmed self lock and contradicts it.
func Suppressed(s State, at time.Time, outcome LockState) bool {
	return s.Lock == LockedBySelf && outcome != LockedBySelf && at.Before(s.GraceUntil)
}

// Reduce returns the state that results from applying e to s.
func Reduce(s State, e Event) State {
	switch e := e.(type) {
	case Acquired:
		next := State{
			MachineID:  s.MachineID,
			Lock:       LockedBySelf,
			ExpiresAt:  e.ExpiresAt,
			Remaining:  e.Remaining,
			GraceUntil: e.GraceUntil,
		}
		if e.MachineID != "" {
			next.MachineID = e.MachineID
		}
		return next

	case Released:
		return State{MachineID: s.MachineID, Lock: Unlocked}

	case Polled:
		if Suppressed(s, e.At, e.Outcome) {
			return s
		}
		switch e.Outcome {
		case LockedBySelf:
			if expiredSelf(e.ExpiresAt, e.Remaining) {
				return State{MachineID: s.MachineID, Lock: Unlocked}
			}
			s.Lock = LockedBySelf
			s.ExpiresAt = e.ExpiresAt
			s.Remaining = e.Remaining
			return s
		case LockedByOther:
			return State{
				MachineID: s.MachineID,
				Lock:      LockedByOther,
				ExpiresAt: e.ExpiresAt,
				Remaining: e.Remaining,
			}
		default:
			return State{MachineID: s.MachineID, Lock: Unlocked}
		}

	case CountdownTick:
		if s.Lock == Unlocked {
			return s
		}
		s.Remaining = max(e.Remaining, 0)
		return s

	case Expired:
		if s.Lock != LockedBySelf {
			return s
		}
		return State{MachineID: s.MachineID, Lock: Unlocked}
	}
	return s
}

// A self lock with a known expiry and nothing left on it is gone. An
// unknown expiry never expires locally.
func expiredSelf(expiresAt time.Time, remaining int) bool {
	return !expiresAt.IsZero() && remaining <= 0
}
