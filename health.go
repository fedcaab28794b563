package tokenmeter

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// HealthTracker tracks per-upstream health using a circuit breaker pattern.
type HealthTracker struct {
	mu        sync.Mutex
	upstreams map[string]*upstreamHealth
	now       func() time.Time
}

type upstreamHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		upstreams: make(map[string]*upstreamHealth),
		now:       time.Now,
	}
}

// GetHealth returns the current health state for an upstream.
func (h *HealthTracker) GetHealth(upstreamID string) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	uh, ok := h.upstreams[upstreamID]
	if !ok {
		return HealthHealthy
	}

	// Unhealthy period elapsed → let one request probe the upstream.
	if uh.state == HealthUnhealthy && h.now().Sub(uh.unhealthyAt) >= healthUnhealthyPeriod {
		uh.state = HealthHalfOpen
	}

	return uh.state
}

// RecordSuccess records a successful stream for an upstream.
func (h *HealthTracker) RecordSuccess(upstreamID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	uh := h.getOrCreate(upstreamID)
	uh.state = HealthHealthy
	uh.failures = uh.failures[:0]
}

// RecordFailure records a failed stream for an upstream.
func (h *HealthTracker) RecordFailure(upstreamID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	uh := h.getOrCreate(upstreamID)
	if uh.state == HealthUnhealthy {
		return
	}

	now := h.now()
	if uh.state == HealthHalfOpen {
		uh.state = HealthUnhealthy
		uh.unhealthyAt = now
		return
	}

	cutoff := now.Add(-healthFailureWindow)
	valid := uh.failures[:0]
	for _, t := range uh.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	uh.failures = append(valid, now)

	if len(uh.failures) >= healthFailureThreshold {
		uh.state = HealthUnhealthy
		uh.unhealthyAt = now
	}
}

func (h *HealthTracker) getOrCreate(upstreamID string) *upstreamHealth {
	uh, ok := h.upstreams[upstreamID]
	if !ok {
		uh = &upstreamHealth{state: HealthHealthy}
		h.upstreams[upstreamID] = uh
	}
	return uh
}
