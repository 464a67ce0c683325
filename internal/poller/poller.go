// Package poller periodically fetches the public status of one machine and
// decides when the machine is offline.
package poller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"smartvend-client/config"
	"smartvend-client/internal/parse"
	"smartvend-client/internal/vendapi"
)

// StatusSource fetches machine status scoped to a client.
type StatusSource interface {
	Status(ctx context.Context, machineID, clientID string) (*vendapi.MachineStatus, error)
}

// Result is the outcome of one poll.
type Result struct {
	// Status is nil when the request failed.
	Status   *vendapi.MachineStatus
	Err      error
	Offline  bool
	Failures int
	At       time.Time
}

// Listener receives every poll result.
type Listener func(Result)

// Poller polls one machine on a fixed interval.
type Poller struct {
	api       StatusSource
	machineID string
	clientID  string
	interval  time.Duration
	threshold int
	clock     clockwork.Clock
	listener  Listener

	mu       sync.Mutex
	failures int
	offline  bool
}

// New creates a poller. listener may be nil.
func New(api StatusSource, cfg *config.PollerConfig, machineID, clientID string, clk clockwork.Clock, listener Listener) *Poller {
	threshold := cfg.OfflineAfterFailures
	if threshold < 1 {
		threshold = 1
	}
	return &Poller{
		api:       api,
		machineID: machineID,
		clientID:  clientID,
		interval:  cfg.Interval,
		threshold: threshold,
		clock:     clk,
		listener:  listener,
	}
}

// Run polls every interval until ctx is done. The first poll happens one
// interval after start; use CheckOnce for an immediate check.
func (p *Poller) Run(ctx context.Context) {
	log.Debug().Str("machine_id", p.machineID).Dur("interval", p.interval).Msg("status poller started")

	timer := p.clock.NewTimer(p.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("machine_id", p.machineID).Msg("status poller stopped")
			return
		case <-timer.Chan():
			p.PollOnce(ctx)
			timer.Reset(p.interval)
		}
	}
}

// PollOnce performs one debounced poll: request failures only trip offline
// after the configured number of consecutive failures, an offline status
// trips it at once, and a healthy poll clears it.
func (p *Poller) PollOnce(ctx context.Context) Result {
	return p.poll(ctx, p.threshold)
}

// CheckOnce is the single-shot check: any failure trips offline.
func (p *Poller) CheckOnce(ctx context.Context) Result {
	return p.poll(ctx, 1)
}

// Offline reports the current offline flag.
func (p *Poller) Offline() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.offline
}

func (p *Poller) poll(ctx context.Context, threshold int) Result {
	st, err := p.api.Status(ctx, p.machineID, p.clientID)
	if ctx.Err() != nil {
		// cancelled mid-request; the session is going away
		return Result{Err: ctx.Err(), At: p.clock.Now()}
	}

	p.mu.Lock()
	res := Result{Status: st, Err: err, At: p.clock.Now()}
	switch {
	case err != nil:
		p.failures++
		if p.failures >= threshold {
			p.offline = true
		}
		log.Warn().Err(err).
			Str("machine_id", p.machineID).
			Int("failures", p.failures).
			Msg("status poll failed")
	case parse.Status(st.Status) == parse.StatusOffline:
		p.failures = 0
		p.offline = true
		res.Err = fmt.Errorf("machine %s reports status %q", p.machineID, st.Status)
	default:
		p.failures = 0
		p.offline = false
	}
	res.Offline = p.offline
	res.Failures = p.failures
	p.mu.Unlock()

	if p.listener != nil {
		p.listener(res)
	}
	return res
}
