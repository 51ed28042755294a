package statussink

import (
	"math/rand"
	"sync"
	"time"
)

// circuit is a consecutive-failure breaker in front of the downstream sink.
//   - On success: resets failures and closes the circuit.
//   - On failure: increments failures and, once failures >= trip, opens the
//     circuit for an exponentially increasing cooldown.
//
// While open, reports are shed instead of piling up behind a dead collaborator.
type circuit struct {
	mu          sync.Mutex
	trip        int // <= 0 disables
	baseDelay   time.Duration
	maxDelay    time.Duration
	resetAfter  time.Duration
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

func (c *circuit) isOpen(now time.Time) (bool, time.Time) {
	if c.trip <= 0 {
		return false, time.Time{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeResetLocked(now)
	if !c.openUntil.IsZero() && now.Before(c.openUntil) {
		return true, c.openUntil
	}
	return false, time.Time{}
}

func (c *circuit) record(now time.Time, err error) {
	if c.trip <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maybeResetLocked(now)

	if err == nil {
		c.fails = 0
		c.openUntil = time.Time{}
		c.lastFailure = time.Time{}
		return
	}

	c.fails++
	c.lastFailure = now
	if c.fails < c.trip {
		return
	}
	d := c.baseDelay
	for i := 0; i < c.fails-c.trip; i++ {
		d *= 2
		if d >= c.maxDelay {
			break
		}
	}
	if d > c.maxDelay {
		d = c.maxDelay
	}
	c.openUntil = now.Add(d)
}

func (c *circuit) maybeResetLocked(now time.Time) {
	if !c.lastFailure.IsZero() && c.resetAfter > 0 && now.Sub(c.lastFailure) > c.resetAfter {
		c.fails = 0
		c.openUntil = time.Time{}
	}
}

// backoffDelay is the delay before retry number retry (1-based): base doubled
// per retry, capped at maxD, with +/- jitter.
func backoffDelay(base, maxD time.Duration, jitter float64, retry int, rng *rand.Rand) time.Duration {
	if base <= 0 {
		base = 200 * time.Millisecond
	}
	if maxD <= 0 {
		maxD = 10 * time.Second
	}
	d := base
	for i := 1; i < retry; i++ {
		d *= 2
		if d > maxD {
			d = maxD
			break
		}
	}
	if jitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * jitter
		d = time.Duration(float64(d) * (1 + r))
		if d < 0 {
			d = 0
		}
	}
	if d > maxD {
		d = maxD
	}
	return d
}
