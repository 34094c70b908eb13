package provider

import (
	"log/slog"
	"sync/atomic"

	"github.com/gravitational/trace"
)

// DegradeGuard contains the blast radius of a panic inside a provider.
// Go has no poisoned mutexes, so instead of aborting the whole process
// when a provider's internal invariants are violated by a recovered
// panic, only that one provider is marked degraded; providers that never
// faulted keep serving. Every provider embeds a DegradeGuard and calls
// Recover in a deferred call around any section that holds a backend
// mutex.
type DegradeGuard struct {
	degraded  atomic.Bool
	log       *slog.Logger
	onDegrade func()
}

// SetLogger attaches a logger used to report the triggering panic.
func (g *DegradeGuard) SetLogger(log *slog.Logger) { g.log = log }

// SetOnDegrade registers a callback invoked once, when the guard first
// trips. The daemon uses it to flip the provider's health gauge. Must be
// set before the provider starts serving requests.
func (g *DegradeGuard) SetOnDegrade(fn func()) { g.onDegrade = fn }

// Recover must be deferred at the top of any method that holds a backend
// mutex. It converts a panic into the degraded state instead of crashing
// the daemon, and into a PsaErrorGenericError for the in-flight call.
func (g *DegradeGuard) Recover(status *Status) {
	if r := recover(); r != nil {
		if g.degraded.CompareAndSwap(false, true) {
			if g.log != nil {
				g.log.Error("provider entered degraded state after internal panic", "panic", r)
			}
			if g.onDegrade != nil {
				g.onDegrade()
			}
		}
		*status = PsaErrorGenericError
	}
}

// CheckDegraded returns a generic error if the provider is degraded,
// short-circuiting before any backend call is attempted.
func (g *DegradeGuard) CheckDegraded() error {
	if g.degraded.Load() {
		return trace.Errorf("provider is degraded after a prior internal failure")
	}
	return nil
}

// Degraded reports whether the guard has tripped, for health probes.
func (g *DegradeGuard) Degraded() bool { return g.degraded.Load() }
