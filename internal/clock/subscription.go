package clock

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Subscription is a cancellable periodic activity. Cancel is idempotent and
// Done is closed once the activity goroutine has returned.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Every calls fn on each tick of interval until ctx is done, the
// subscription is cancelled, or fn returns false.
func Every(ctx context.Context, clk clockwork.Clock, interval time.Duration, fn func() bool) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{cancel: cancel, done: make(chan struct{})}
	ticker := clk.NewTicker(interval)

	go func() {
		defer close(s.done)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if ctx.Err() != nil {
					return
				}
				if !fn() {
					return
				}
			}
		}
	}()
	return s
}

// Cancel stops the activity and waits for it to return. It must not be called
// from inside fn.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(s.cancel)
	<-s.done
}

// Done is closed when the activity has stopped.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

// Start runs fn in a goroutine as a subscription; fn must return once its
// context is done.
func Start(ctx context.Context, fn func(ctx context.Context)) *Subscription {
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		fn(ctx)
	}()
	return s
}
