package model

import (
	"sync"
	"time"
)

const (
	// failureThreshold is the number of consecutive failures before an
	// endpoint is marked unavailable.
	failureThreshold = 3

	// recoveryTimeout is how long an endpoint stays marked unavailable
	// before it is probed again.
	recoveryTimeout = 30 * time.Second
)

// endpointHealth tracks the failure state of a single endpoint.
type endpointHealth struct {
	consecutiveFailures int
	unavailableUntil    time.Time
}

// healthTracker keeps per-endpoint circuit state.
type healthTracker struct {
	mu        sync.Mutex
	endpoints map[string]*endpointHealth
	now       func() time.Time
}

func newHealthTracker() *healthTracker {
	return &healthTracker{
		endpoints: make(map[string]*endpointHealth),
		now:       time.Now,
	}
}

// MarkEndpointSuccess resets the failure count for an endpoint.
func (r *Registry) MarkEndpointSuccess(name string) {
	h := r.health
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints, name)
}

// MarkEndpointFailure records a failure. After failureThreshold consecutive
// failures the endpoint is skipped until recoveryTimeout elapses.
func (r *Registry) MarkEndpointFailure(name string) {
	h := r.health
	h.mu.Lock()
	defer h.mu.Unlock()

	state, ok := h.endpoints[name]
	if !ok {
		state = &endpointHealth{}
		h.endpoints[name] = state
	}
	state.consecutiveFailures++
	if state.consecutiveFailures >= failureThreshold {
		state.unavailableUntil = h.now().Add(recoveryTimeout)
	}
}

// IsEndpointAvailable reports whether an endpoint's circuit is closed. An
// endpoint past its recovery deadline is available again; one probe failure
// re-opens the circuit immediately.
func (r *Registry) IsEndpointAvailable(name string) bool {
	h := r.health
	h.mu.Lock()
	defer h.mu.Unlock()

	state, ok := h.endpoints[name]
	if !ok {
		return true
	}
	if state.unavailableUntil.IsZero() {
		return true
	}
	if h.now().After(state.unavailableUntil) {
		// Half-open: allow a probe but keep the failure count at the
		// threshold so one more failure re-opens the circuit.
		state.unavailableUntil = time.Time{}
		state.consecutiveFailures = failureThreshold - 1
		return true
	}
	return false
}
