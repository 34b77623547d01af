// Package analyzers holds the Analyzer Adapter capability interfaces
// (§4.5) and their concrete backends. Every capability that has more
// than one candidate implementation (chord backends, lyrics providers)
// is wrapped in a fallback chain with a circuit breaker per backend, so
// a repeatedly-unavailable backend is skipped without a live network or
// process round trip on every call.
package analyzers

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Probe is a cheap readiness check a backend exposes before a fallback
// chain commits to a full call. A backend with no meaningful probe (a
// local exec-based one, say) can always return true.
type Probe func(ctx context.Context) bool

// guardedBackend pairs one backend's call with its own circuit breaker,
// so one backend tripping doesn't affect its siblings in the chain.
type guardedBackend struct {
	name    string
	probe   Probe
	breaker *gobreaker.CircuitBreaker
}

func newGuardedBackend(name string, probe Probe) *guardedBackend {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	}
	return &guardedBackend{name: name, probe: probe, breaker: gobreaker.NewCircuitBreaker(settings)}
}

// call runs fn through the breaker, skipping it entirely (without
// touching the backend) if the breaker is open.
func (g *guardedBackend) call(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	return g.breaker.Execute(func() (interface{}, error) {
		if g.probe != nil && !g.probe(ctx) {
			return nil, fmt.Errorf("analyzers: %s: probe failed", g.name)
		}
		return fn(ctx)
	})
}

// FallbackChain tries each guarded backend in order, returning the first
// success. Grounded on the spec's chord backend chain (primary ->
// secondary -> hybrid) and lyrics chain (external_api -> asr), both of
// which are "try next on failure" with no other coordination between
// steps.
type FallbackChain struct {
	backends []*guardedBackend
	logger   *zap.Logger
}

func newFallbackChain(logger *zap.Logger, names []string, probes []Probe) *FallbackChain {
	backends := make([]*guardedBackend, len(names))
	for i, name := range names {
		var p Probe
		if i < len(probes) {
			p = probes[i]
		}
		backends[i] = newGuardedBackend(name, p)
	}
	return &FallbackChain{backends: backends, logger: logger}
}

// run tries fns[i] against backends[i] in order. fns and the chain's
// backends must be the same length and in the same order.
func (c *FallbackChain) run(ctx context.Context, fns []func(ctx context.Context) (interface{}, error)) (interface{}, string, error) {
	var lastErr error
	for i, backend := range c.backends {
		if i >= len(fns) {
			break
		}
		result, err := backend.call(ctx, fns[i])
		if err == nil {
			return result, backend.name, nil
		}
		c.logger.Debug("analyzers: backend failed, trying next",
			zap.String("backend", backend.name), zap.Error(err))
		lastErr = err
	}
	return nil, "", fmt.Errorf("analyzers: every backend in chain failed: %w", lastErr)
}
