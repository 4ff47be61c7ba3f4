package engine

import (
	"sync"
	"time"
)

// circuit pauses claiming for one job kind after consecutive retryable
// failures, so an outage of a downstream dependency does not burn the retry
// budget of every due job.
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip,
//     opens the circuit for an exponentially increasing cooldown.
type circuit struct {
	mu          sync.Mutex
	cfg         circuitCfg
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitCfg struct {
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
}

// newCircuit returns nil (disabled) when trip < 0. trip == 0 means the default of 5.
func newCircuit(trip int) *circuit {
	if trip < 0 {
		return nil
	}
	if trip == 0 {
		trip = 5
	}
	return &circuit{cfg: circuitCfg{
		trip:       trip,
		baseDelay:  5 * time.Second,
		maxDelay:   2 * time.Minute,
		resetAfter: 5 * time.Minute,
	}}
}

func (c *circuit) resetIfStale(now time.Time) {
	if !c.lastFailure.IsZero() && now.Sub(c.lastFailure) > c.cfg.resetAfter {
		c.fails = 0
		c.openUntil = time.Time{}
	}
}

// openUntil reports the end of the current cooldown, or zero when closed.
func (c *circuit) until(now time.Time) time.Time {
	if c == nil {
		return time.Time{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetIfStale(now)
	if now.Before(c.openUntil) {
		return c.openUntil
	}
	return time.Time{}
}

func (c *circuit) record(now time.Time, failed bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetIfStale(now)

	if !failed {
		c.fails = 0
		c.openUntil = time.Time{}
		c.lastFailure = time.Time{}
		return
	}

	c.fails++
	c.lastFailure = now
	if c.fails < c.cfg.trip {
		return
	}
	d := c.cfg.baseDelay
	for i := 0; i < c.fails-c.cfg.trip; i++ {
		d *= 2
		if d >= c.cfg.maxDelay {
			d = c.cfg.maxDelay
			break
		}
	}
	c.openUntil = now.Add(d)
}
