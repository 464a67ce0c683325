// Package notification delivers user-facing alerts through a small worker
// pool to the log and, when configured, to browser push subscriptions.
package notification

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const recentAlerts = 20

// Sender delivers one alert.
type Sender interface {
	Deliver(ctx context.Context, alert Alert) error
}

// Dispatcher fans alerts out to its senders on a pool of workers.
type Dispatcher struct {
	size    int
	jobs    chan Alert
	senders []Sender
	now     func() time.Time

	mu     sync.Mutex
	recent []Alert
}

// NewDispatcher creates a dispatcher with size workers.
func NewDispatcher(size int, senders ...Sender) *Dispatcher {
	if size < 1 {
		size = 1
	}
	return &Dispatcher{
		size:    size,
		jobs:    make(chan Alert, 16*size),
		senders: senders,
		now:     time.Now,
	}
}

// Start launches the worker goroutines.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.size; i++ {
		go d.worker(ctx, i)
	}
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	log.Debug().Int("worker", id).Msg("alert worker started")
	for {
		select {
		case alert := <-d.jobs:
			d.deliver(ctx, alert)
		case <-ctx.Done():
			log.Debug().Int("worker", id).Msg("alert worker shutting down")
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, alert Alert) {
	for _, s := range d.senders {
		if err := s.Deliver(ctx, alert); err != nil {
			log.Warn().Err(err).Str("class", string(alert.Class)).Msg("alert delivery failed")
		}
	}
}

// Dispatch records the alert and queues it for delivery. It never blocks: when
// the queue is full the alert is only recorded.
func (d *Dispatcher) Dispatch(alert Alert) {
	if alert.At.IsZero() {
		alert.At = d.now()
	}

	d.mu.Lock()
	d.recent = append(d.recent, alert)
	if len(d.recent) > recentAlerts {
		d.recent = d.recent[len(d.recent)-recentAlerts:]
	}
	d.mu.Unlock()

	select {
	case d.jobs <- alert:
	default:
		log.Warn().Str("class", string(alert.Class)).Msg("alert queue full; dropping delivery")
	}
}

// Recent returns the latest alerts, oldest first.
func (d *Dispatcher) Recent() []Alert {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Alert, len(d.recent))
	copy(out, d.recent)
	return out
}

// Jobs returns the jobs channel for testing.
func (d *Dispatcher) Jobs() chan Alert {
	return d.jobs
}
