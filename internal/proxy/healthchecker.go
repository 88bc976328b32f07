package proxy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/bedrock-gateway/internal/metrics"
)

const (
	healthProbeInterval = 30 * time.Second
	healthProbeTimeout  = 5 * time.Second
)

// Component states reported by /health.
const (
	stateOK       = "ok"
	stateDegraded = "degraded"
	stateDown     = "down"
)

// Probe checks one dependency; nil means healthy.
type Probe func(ctx context.Context) error

// Check is a named dependency probe. A failing Critical check makes the
// gateway not ready; a failing non-critical check only degrades it.
type Check struct {
	Name     string
	Probe    Probe
	Critical bool
}

// probeRound is the immutable result of probing every check once.
type probeRound struct {
	at     time.Time
	states map[string]string
	errors map[string]string
}

// HealthChecker probes dependencies in the background and serves the most
// recent round to /health and /readiness.
type HealthChecker struct {
	checks  []Check
	baseCtx context.Context
	metrics *metrics.Registry

	last      atomic.Pointer[probeRound]
	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker probes every check once before returning, then keeps
// probing every healthProbeInterval until Close or ctx ends.
func NewHealthChecker(ctx context.Context, met *metrics.Registry, checks ...Check) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		checks:    checks,
		baseCtx:   ctx,
		metrics:   met,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
	hc.probe()

	hc.wg.Add(1)
	go hc.run()
	return hc
}

// HealthSnapshot is the /health response body.
type HealthSnapshot struct {
	Status        string            `json:"status"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	CheckedAt     time.Time         `json:"checked_at"`
	Components    map[string]string `json:"components"`
	// Errors holds the last probe error of every failing component.
	Errors map[string]string `json:"errors,omitempty"`
}

// Snapshot reports the latest probe round. Overall status is "unavailable"
// when a critical check is down, "degraded" when any other check fails.
func (hc *HealthChecker) Snapshot() HealthSnapshot {
	round := hc.last.Load()
	overall := "ok"
	for _, st := range round.states {
		switch {
		case st == stateDown:
			overall = "unavailable"
		case st != stateOK && overall == "ok":
			overall = "degraded"
		}
	}
	return HealthSnapshot{
		Status:        overall,
		UptimeSeconds: int64(time.Since(hc.startTime).Seconds()),
		CheckedAt:     round.at,
		Components:    round.states,
		Errors:        round.errors,
	}
}

// ReadinessOK reports whether every critical check passed its last probe.
func (hc *HealthChecker) ReadinessOK() bool {
	round := hc.last.Load()
	for _, c := range hc.checks {
		if c.Critical && round.states[c.Name] != stateOK {
			return false
		}
	}
	return true
}

// Close stops background probing. Safe to call more than once.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.done:
			return
		case <-hc.baseCtx.Done():
			return
		}
	}
}

// probe runs all checks concurrently under one timeout and publishes the
// whole round at once.
func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	errs := make([]error, len(hc.checks))
	var g errgroup.Group
	for i, c := range hc.checks {
		if c.Probe == nil {
			continue
		}
		g.Go(func() error {
			errs[i] = c.Probe(ctx)
			return nil
		})
	}
	_ = g.Wait()

	round := &probeRound{
		at:     time.Now().UTC(),
		states: make(map[string]string, len(hc.checks)),
	}
	for i, c := range hc.checks {
		state := stateOK
		if err := errs[i]; err != nil {
			state = stateDegraded
			if c.Critical {
				state = stateDown
			}
			if round.errors == nil {
				round.errors = make(map[string]string)
			}
			round.errors[c.Name] = err.Error()
		}
		round.states[c.Name] = state
		if hc.metrics != nil {
			hc.metrics.SetDependencyHealth(c.Name, errs[i] == nil)
		}
	}
	hc.last.Store(round)
}
