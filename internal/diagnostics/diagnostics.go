// Package diagnostics backs the /healthz and /readyz endpoints (S2): a
// liveness probe and a readiness collector reporting store reachability,
// provider reachability, and background-sweep liveness.
package diagnostics

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rjsadow/ssap/internal/provider"
	"github.com/rjsadow/ssap/internal/store"
)

// Collector reports the readiness of the session broker's dependencies.
type Collector struct {
	store           store.Store
	provider        provider.Client
	lastSweepAt     *atomic.Int64 // unix nanos, written by the sweep loop
	sweepStaleAfter time.Duration
}

// NewCollector builds a Collector. lastSweepAt is the same counter the
// background sweep loop updates after every pass, so readiness reflects
// sweep liveness without re-deriving it from the store.
func NewCollector(s store.Store, p provider.Client, lastSweepAt *atomic.Int64, sweepStaleAfter time.Duration) *Collector {
	return &Collector{store: s, provider: p, lastSweepAt: lastSweepAt, sweepStaleAfter: sweepStaleAfter}
}

// Check is one named component's readiness result.
type Check struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// Readiness is the full /readyz report.
type Readiness struct {
	Ready  bool    `json:"ready"`
	Checks []Check `json:"checks"`
}

// Collect runs every readiness check. Each check is a cheap reachability
// probe, not a round trip through the session manager.
func (c *Collector) Collect(ctx context.Context) Readiness {
	checks := []Check{
		c.checkStore(ctx),
		c.checkProvider(ctx),
		c.checkSweep(),
	}

	ready := true
	for _, chk := range checks {
		if !chk.Healthy {
			ready = false
		}
	}
	return Readiness{Ready: ready, Checks: checks}
}

func (c *Collector) checkStore(ctx context.Context) Check {
	if c.store == nil {
		return Check{Name: "store", Healthy: false, Message: "not configured"}
	}
	if !c.store.Healthy(ctx) {
		return Check{Name: "store", Healthy: false, Message: "unreachable"}
	}
	return Check{Name: "store", Healthy: true}
}

func (c *Collector) checkProvider(ctx context.Context) Check {
	if c.provider == nil {
		return Check{Name: "provider", Healthy: false, Message: "not configured"}
	}
	if !c.provider.Healthy(ctx) {
		return Check{Name: "provider", Healthy: false, Message: "unreachable"}
	}
	return Check{Name: "provider", Healthy: true}
}

// checkSweep reports the background sweep goroutine unhealthy once it has
// gone noticeably longer than its own interval without completing a pass —
// a stuck or panicked sweep loop otherwise fails silently, since a stale
// store only degrades lazily on read.
func (c *Collector) checkSweep() Check {
	if c.lastSweepAt == nil {
		return Check{Name: "sweep", Healthy: true, Message: "not scheduled"}
	}
	last := c.lastSweepAt.Load()
	if last == 0 {
		return Check{Name: "sweep", Healthy: true, Message: "not yet run"}
	}
	age := time.Since(time.Unix(0, last))
	if age > c.sweepStaleAfter {
		return Check{Name: "sweep", Healthy: false, Message: "stale: last pass " + age.Round(time.Second).String() + " ago"}
	}
	return Check{Name: "sweep", Healthy: true}
}
