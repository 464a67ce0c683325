// Package clock turns server-reported lease instants into a locally projected
// countdown that is immune to client clock skew.
package clock

import (
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
)

// RemainingSeconds returns max(0, floor((expiresAt-serverTime)/1s)).
func RemainingSeconds(serverTime, expiresAt time.Time) int {
	if expiresAt.IsZero() || serverTime.IsZero() {
		return 0
	}
	d := expiresAt.Sub(serverTime)
	if d <= 0 {
		return 0
	}
	return int(d / time.Second)
}

// OffsetSource reports how far the local wall clock is behind true time.
type OffsetSource interface {
	Offset() time.Duration
}

// Reconciler holds the remaining-seconds estimate for one lease. Every server
// sync replaces the estimate; Tick only projects it between syncs.
// It is not safe for concurrent use; the owner serialises access.
type Reconciler struct {
	clock  clockwork.Clock
	offset OffsetSource

	remaining  int
	expiresAt  time.Time
	syncedAt   time.Time
	serverTime time.Time
}

// NewReconciler creates a Reconciler. offset may be nil.
func NewReconciler(clock clockwork.Clock, offset OffsetSource) *Reconciler {
	return &Reconciler{clock: clock, offset: offset}
}

// Sync replaces the estimate from a fresh (serverTime, expiresAt) pair. When
// the server did not report its time, the local wall clock (corrected by the
// offset source, if any) stands in for it.
func (r *Reconciler) Sync(serverTime, expiresAt time.Time) int {
	now := r.clock.Now()
	if serverTime.IsZero() {
		serverTime = r.localNow(now)
	}
	r.serverTime = serverTime
	r.expiresAt = expiresAt
	r.syncedAt = now
	r.remaining = RemainingSeconds(serverTime, expiresAt)
	return r.remaining
}

// Tick decrements the projection by one second, never below zero.
func (r *Reconciler) Tick() int {
	if r.remaining > 0 {
		r.remaining--
	}
	return r.remaining
}

// Remaining returns the current projection.
func (r *Reconciler) Remaining() int {
	return r.remaining
}

// Deadline returns the local instant at which the projection reaches zero.
func (r *Reconciler) Deadline() time.Time {
	if r.syncedAt.IsZero() {
		return time.Time{}
	}
	return r.syncedAt.Add(time.Duration(RemainingSeconds(r.serverTime, r.expiresAt)) * time.Second)
}

// Reset clears the projection.
func (r *Reconciler) Reset() {
	r.remaining = 0
	r.expiresAt = time.Time{}
	r.syncedAt = time.Time{}
	r.serverTime = time.Time{}
}

func (r *Reconciler) localNow(now time.Time) time.Time {
	if r.offset == nil {
		return now
	}
	return now.Add(r.offset.Offset())
}

// FormatSeconds renders seconds as mm:ss.
func FormatSeconds(s int) string {
	if s < 0 {
		s = 0
	}
	return fmt.Sprintf("%02d:%02d", s/60, s%60)
}
