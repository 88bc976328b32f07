package proxy

import (
	"sync"
	"time"

	"github.com/nulpointcorp/bedrock-gateway/internal/providers"
)

// cbState represents the operational state of a per-model circuit breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — the model is failing; requests are rejected immediately.
//	cbHalfOpen — recovery probe; one request is allowed through.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back to
// the package-level defaults defined in providers/provider.go.
type CBConfig struct {
	// ErrorThreshold is the number of failures within TimeWindow that trips
	// the breaker. Default: providers.CBErrorThreshold (5).
	ErrorThreshold int

	// TimeWindow is the rolling window for counting errors.
	// Default: providers.CBTimeWindow (60s).
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: providers.CBHalfOpenTimeout (30s).
	HalfOpenTimeout time.Duration
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

// modelCB holds the breaker state of one backend model.
type modelCB struct {
	mu sync.Mutex

	state         cbState
	errorCount    int
	windowStart   time.Time // start of the current error-counting window
	openedAt      time.Time // when the breaker was tripped (for half-open timer)
	probeInflight bool      // true while a half-open probe is in flight
}

// CircuitBreaker manages independent circuit breakers keyed by backend model
// id. Breakers are created on first use since the set of resolvable models
// is only known at runtime. It is safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.RWMutex
	breakers map[string]*modelCB
	cfg      CBConfig
	now      func() time.Time
}

// NewCircuitBreaker creates a CircuitBreaker with default settings.
func NewCircuitBreaker() *CircuitBreaker {
	return NewCircuitBreakerWithConfig(CBConfig{})
}

// NewCircuitBreakerWithConfig creates a CircuitBreaker with custom thresholds.
func NewCircuitBreakerWithConfig(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*modelCB),
		cfg:      cfg,
		now:      time.Now,
	}
}

// Allow reports whether the named model should receive the next request.
//
//   - Closed  → always true.
//   - Open    → false, unless the half-open timeout has elapsed, in which case
//     the breaker transitions to HalfOpen and allows one probe.
//   - HalfOpen → true only if no probe is currently in flight.
func (cb *CircuitBreaker) Allow(model string) bool {
	mcb := cb.get(model)
	if mcb == nil {
		return true // never failed, nothing tracked yet
	}

	mcb.mu.Lock()
	defer mcb.mu.Unlock()

	switch mcb.state {
	case cbClosed:
		return true

	case cbOpen:
		if cb.now().Sub(mcb.openedAt) >= cb.cfg.halfOpenTimeout() {
			mcb.state = cbHalfOpen
			mcb.probeInflight = true
			return true
		}
		return false

	case cbHalfOpen:
		if mcb.probeInflight {
			return false
		}
		mcb.probeInflight = true
		return true
	}

	return true
}

// RecordSuccess resets the breaker of model to Closed regardless of its
// previous state.
func (cb *CircuitBreaker) RecordSuccess(model string) {
	mcb := cb.get(model)
	if mcb == nil {
		return
	}

	mcb.mu.Lock()
	defer mcb.mu.Unlock()

	mcb.state = cbClosed
	mcb.errorCount = 0
	mcb.probeInflight = false
	mcb.windowStart = cb.now()
}

// RecordFailure increments the error counter for model. When the counter
// reaches ErrorThreshold within TimeWindow the breaker opens. A failed
// half-open probe reopens the breaker immediately.
func (cb *CircuitBreaker) RecordFailure(model string) {
	mcb := cb.getOrCreate(model)

	mcb.mu.Lock()
	defer mcb.mu.Unlock()

	now := cb.now()

	if mcb.state == cbHalfOpen {
		mcb.state = cbOpen
		mcb.openedAt = now
		mcb.probeInflight = false
		return
	}

	// Reset counter when the rolling window has expired.
	if now.Sub(mcb.windowStart) > cb.cfg.timeWindow() {
		mcb.errorCount = 0
		mcb.windowStart = now
	}

	mcb.errorCount++
	mcb.probeInflight = false

	if mcb.errorCount >= cb.cfg.errorThreshold() {
		mcb.state = cbOpen
		mcb.openedAt = now
	}
}

// RecordNeutral ends a call whose failure says nothing about the model's
// health, such as a rejected request body. The error window is untouched;
// a half-open breaker stays half-open and lets the next request probe.
func (cb *CircuitBreaker) RecordNeutral(model string) {
	mcb := cb.get(model)
	if mcb == nil {
		return
	}
	mcb.mu.Lock()
	defer mcb.mu.Unlock()
	mcb.probeInflight = false
}

// State returns the current cbState for model (useful for metrics export).
func (cb *CircuitBreaker) State(model string) cbState {
	mcb := cb.get(model)
	if mcb == nil {
		return cbClosed
	}
	mcb.mu.Lock()
	defer mcb.mu.Unlock()
	return mcb.state
}

// StateLabel returns a human-readable state name: "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel(model string) string {
	switch cb.State(model) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) get(model string) *modelCB {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.breakers[model]
}

func (cb *CircuitBreaker) getOrCreate(model string) *modelCB {
	if mcb := cb.get(model); mcb != nil {
		return mcb
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if mcb, ok := cb.breakers[model]; ok {
		return mcb
	}
	mcb := &modelCB{state: cbClosed, windowStart: cb.now()}
	cb.breakers[model] = mcb
	return mcb
}
