package clock

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/ntp"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// QueryFunc returns the local clock offset reported by an NTP server.
type QueryFunc func(server string) (time.Duration, error)

// OffsetChecker periodically measures the local clock offset against an NTP
// server. Query failures keep the last good offset, which starts at zero.
type OffsetChecker struct {
	mu     sync.RWMutex
	offset time.Duration

	server   string
	interval time.Duration
	clock    clockwork.Clock

	Query QueryFunc
}

// NewOffsetChecker creates a checker for the given server.
func NewOffsetChecker(server string, interval time.Duration, clock clockwork.Clock) *OffsetChecker {
	return &OffsetChecker{
		server:   server,
		interval: interval,
		clock:    clock,
		Query:    queryNTP,
	}
}

func queryNTP(server string) (time.Duration, error) {
	resp, err := ntp.Query(server)
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

// Run checks once and then every interval until ctx is done.
func (c *OffsetChecker) Run(ctx context.Context) {
	c.Check()

	ticker := c.clock.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.Check()
		}
	}
}

// Check performs a single measurement.
func (c *OffsetChecker) Check() error {
	offset, err := c.Query(c.server)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		log.Debug().Err(err).Str("server", c.server).Msg("ntp query failed")
		return err
	}
	c.offset = offset
	log.Debug().Dur("offset", offset).Str("server", c.server).Msg("clock offset measured")
	return nil
}

// Offset returns the last good offset.
func (c *OffsetChecker) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}
