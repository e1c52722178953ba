package proxy

import (
	"sync"
	"time"

	"github.com/nulpointcorp/image-gateway/internal/providers"
)

// cbState is the state of one provider's breaker.
//
//	cbClosed   normal operation; every step is dispatched.
//	cbOpen     the provider keeps failing; its plan steps are skipped.
//	cbHalfOpen one probe step is let through to test recovery.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// CBConfig holds breaker tuning. Zero values fall back to the constants in
// package providers.
type CBConfig struct {
	ErrorThreshold  int
	TimeWindow      time.Duration
	HalfOpenTimeout time.Duration

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

func (c *CBConfig) errorThreshold() int {
	if c.ErrorThreshold > 0 {
		return c.ErrorThreshold
	}
	return providers.CBErrorThreshold
}

func (c *CBConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return providers.CBTimeWindow
}

func (c *CBConfig) halfOpenTimeout() time.Duration {
	if c.HalfOpenTimeout > 0 {
		return c.HalfOpenTimeout
	}
	return providers.CBHalfOpenTimeout
}

type providerCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time
	openedAt      time.Time
	probeInflight bool
}

// CircuitBreaker keeps an independent breaker per provider, created on
// first use. It is safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.Mutex
	breakers map[string]*providerCB
	cfg      CBConfig
	now      func() time.Time
}

// NewCircuitBreaker creates a breaker set with cfg.
func NewCircuitBreaker(cfg CBConfig) *CircuitBreaker {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		breakers: make(map[string]*providerCB),
		cfg:      cfg,
		now:      now,
	}
}

// Allow reports whether provider should receive the next plan step.
//
//   - Closed: always.
//   - Open: only once the half-open timeout has elapsed; the breaker then
//     moves to half-open and the caller carries the probe.
//   - HalfOpen: only when no probe is in flight.
func (cb *CircuitBreaker) Allow(provider string) bool {
	pcb := cb.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbOpen:
		if cb.now().Sub(pcb.openedAt) >= cb.cfg.halfOpenTimeout() {
			pcb.state = cbHalfOpen
			pcb.probeInflight = true
			return true
		}
		return false
	case cbHalfOpen:
		if pcb.probeInflight {
			return false
		}
		pcb.probeInflight = true
		return true
	}
	return true
}

// RecordSuccess closes provider's breaker.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	pcb := cb.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	pcb.state = cbClosed
	pcb.errorCount = 0
	pcb.probeInflight = false
	pcb.windowStart = cb.now()
}

// RecordFailure counts a failed step. Reaching the threshold within the
// window, or failing the half-open probe, opens the breaker.
func (cb *CircuitBreaker) RecordFailure(provider string) {
	pcb := cb.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	now := cb.now()
	if now.Sub(pcb.windowStart) > cb.cfg.timeWindow() {
		pcb.errorCount = 0
		pcb.windowStart = now
	}

	pcb.errorCount++
	pcb.probeInflight = false

	if pcb.state == cbHalfOpen || pcb.errorCount >= cb.cfg.errorThreshold() {
		pcb.state = cbOpen
		pcb.openedAt = now
	}
}

// Release gives back a half-open probe slot that was granted by Allow but
// not used for an upstream call (for instance a validation failure).
func (cb *CircuitBreaker) Release(provider string) {
	pcb := cb.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	if pcb.state == cbHalfOpen {
		pcb.probeInflight = false
	}
}

func (cb *CircuitBreaker) State(provider string) cbState {
	pcb := cb.get(provider)
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.state
}

// StateLabel returns "closed", "open" or "half_open".
func (cb *CircuitBreaker) StateLabel(provider string) string {
	switch cb.State(provider) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) get(provider string) *providerCB {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	pcb, ok := cb.breakers[provider]
	if !ok {
		pcb = &providerCB{state: cbClosed, windowStart: cb.now()}
		cb.breakers[provider] = pcb
	}
	return pcb
}
