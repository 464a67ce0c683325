package clock

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestRemainingSeconds(t *testing.T) {
	testCases := []struct {
		name     string
		server   time.Time
		expires  time.Time
		expected int
	}{
		{name: "whole minutes", server: base, expires: base.Add(2 * time.Minute), expected: 120},
		{name: "fraction floors", server: base, expires: base.Add(119*time.Second + 900*time.Millisecond), expected: 119},
		{name: "already expired", server: base, expires: base.Add(-time.Second), expected: 0},
		{name: "equal instants", server: base, expires: base, expected: 0},
		{name: "missing expiry", server: base, expected: 0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.expected, RemainingSeconds(tc.server, tc.expires))
		})
	}
}

type fixedOffset time.Duration

func (f fixedOffset) Offset() time.Duration { return time.Duration(f) }

func TestReconciler_SyncReplacesEstimate(t *testing.T) {
	clk := clockwork.NewFakeClockAt(base)
	r := NewReconciler(clk, nil)

	assert.Equal(t, 120, r.Sync(base, base.Add(120*time.Second)))
	for i := 0; i < 5; i++ {
		r.Tick()
	}
	assert.Equal(t, 115, r.Remaining())

	// a later server pair wins over the local projection
	assert.Equal(t, 100, r.Sync(base.Add(20*time.Second), base.Add(120*time.Second)))
	assert.Equal(t, 100, r.Remaining())
}

func TestReconciler_TickStopsAtZero(t *testing.T) {
	r := NewReconciler(clockwork.NewFakeClockAt(base), nil)
	r.Sync(base, base.Add(2*time.Second))
	assert.Equal(t, 1, r.Tick())
	assert.Equal(t, 0, r.Tick())
	assert.Equal(t, 0, r.Tick())
}

func TestReconciler_LocalFallbackUsesOffset(t *testing.T) {
	// local clock runs 30s slow; true time is base+30s
	clk := clockwork.NewFakeClockAt(base)
	r := NewReconciler(clk, fixedOffset(30*time.Second))

	assert.Equal(t, 90, r.Sync(time.Time{}, base.Add(120*time.Second)))

	r.Reset()
	assert.Equal(t, 0, r.Remaining())
	assert.True(t, r.Deadline().IsZero())
}

func TestFormatSeconds(t *testing.T) {
	assert.Equal(t, "02:00", FormatSeconds(120))
	assert.Equal(t, "00:09", FormatSeconds(9))
	assert.Equal(t, "00:00", FormatSeconds(-4))
}

func TestOffsetChecker_KeepsLastGoodOffset(t *testing.T) {
	clk := clockwork.NewFakeClockAt(base)
	c := NewOffsetChecker("ntp.invalid", time.Minute, clk)

	c.Query = func(string) (time.Duration, error) { return 250 * time.Millisecond, nil }
	require.NoError(t, c.Check())
	assert.Equal(t, 250*time.Millisecond, c.Offset())

	c.Query = func(string) (time.Duration, error) { return 0, errors.New("timeout") }
	assert.Error(t, c.Check())
	assert.Equal(t, 250*time.Millisecond, c.Offset(), "a failed query keeps the last good offset")
}

func TestOffsetChecker_RunChecksOnInterval(t *testing.T) {
	clk := clockwork.NewFakeClockAt(base)
	c := NewOffsetChecker("ntp.invalid", time.Minute, clk)
	var calls atomic.Int32
	c.Query = func(string) (time.Duration, error) {
		calls.Add(1)
		return time.Second, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	require.NoError(t, clk.BlockUntilContext(ctx, 1))
	clk.Advance(time.Minute)
	assert.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}

func TestEvery_CancelIsIdempotent(t *testing.T) {
	clk := clockwork.NewFakeClockAt(base)
	var ticks atomic.Int32
	sub := Every(context.Background(), clk, time.Second, func() bool {
		ticks.Add(1)
		return true
	})

	require.NoError(t, clk.BlockUntilContext(context.Background(), 1))
	clk.Advance(time.Second)
	assert.Eventually(t, func() bool { return ticks.Load() == 1 }, time.Second, 5*time.Millisecond)

	sub.Cancel()
	sub.Cancel()

	select {
	case <-sub.Done():
	default:
		t.Fatal("subscription should be done after cancel")
	}
}

func TestEvery_StopsWhenCallbackReturnsFalse(t *testing.T) {
	clk := clockwork.NewFakeClockAt(base)
	sub := Every(context.Background(), clk, time.Second, func() bool { return false })

	require.NoError(t, clk.BlockUntilContext(context.Background(), 1))
	clk.Advance(time.Second)

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("subscription did not stop")
	}
}

func TestStart_CancelWaitsForReturn(t *testing.T) {
	var stopped atomic.Bool
	sub := Start(context.Background(), func(ctx context.Context) {
		<-ctx.Done()
		stopped.Store(true)
	})
	sub.Cancel()
	assert.True(t, stopped.Load())
}
