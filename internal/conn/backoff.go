package conn

import (
	"math"
	"math/rand"
	"time"
)

// reconnector computes reconnection delays: exponential growth from a base
// delay, capped at a maximum, with ±20% random jitter so a fleet of clients
// does not reconnect in lockstep. The loop it feeds runs until an explicit
// disconnect.
type reconnector struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func newReconnector(base, max time.Duration) *reconnector {
	return &reconnector{base: base, max: max}
}

// nominal returns the un-jittered delay for a given attempt number.
func (r *reconnector) nominal(attempt int) time.Duration {
	d := float64(r.base) * math.Pow(2, float64(attempt))
	return time.Duration(math.Min(d, float64(r.max)))
}

// next returns the delay before the upcoming attempt and advances the counter.
func (r *reconnector) next() time.Duration {
	n := r.nominal(r.attempt)
	r.attempt++
	jitter := (rand.Float64()*0.4 - 0.2) * float64(n)
	return n + time.Duration(jitter)
}

// reset restarts the sequence at the base delay. Used after a successful
// handshake and after heartbeat-detected outages, which count as fresh.
func (r *reconnector) reset() {
	r.attempt = 0
}
