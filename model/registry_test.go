package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCapability(t *testing.T) {
	assert.Equal(t, CapabilityPlanning, ParseCapability("planning"))
	assert.Equal(t, CapabilitySummary, ParseCapability("summary"))
	assert.Equal(t, Capability(""), ParseCapability("nonsense"))
}

func TestResolve(t *testing.T) {
	r := NewDefaultRegistry()

	assert.Equal(t, "claude-sonnet", r.Resolve(CapabilityPlanning))
	assert.Equal(t, "claude-haiku", r.Resolve(CapabilityFast))

	// Unknown capability falls through to the default model.
	assert.Equal(t, "qwen", r.Resolve(Capability("unknown")))
}

func TestGetFallbackChain(t *testing.T) {
	r := NewDefaultRegistry()

	chain := r.GetFallbackChain(CapabilityPlanning)
	require.Equal(t, []string{"claude-sonnet", "qwen"}, chain)
}

func TestGetEndpoint(t *testing.T) {
	r := NewDefaultRegistry()

	ep := r.GetEndpoint("claude-sonnet")
	require.NotNil(t, ep)
	assert.Equal(t, "anthropic", ep.Provider)

	assert.Nil(t, r.GetEndpoint("missing"))
}

func TestLargestContext(t *testing.T) {
	r := NewDefaultRegistry()
	assert.Equal(t, 200000, r.LargestContext(CapabilityPlanning))
}

func TestHealthCircuit(t *testing.T) {
	r := NewDefaultRegistry()

	assert.True(t, r.IsEndpointAvailable("qwen"))

	r.MarkEndpointFailure("qwen")
	r.MarkEndpointFailure("qwen")
	assert.True(t, r.IsEndpointAvailable("qwen"), "below threshold stays available")

	r.MarkEndpointFailure("qwen")
	assert.False(t, r.IsEndpointAvailable("qwen"), "threshold opens the circuit")

	// Success closes the circuit immediately.
	r.MarkEndpointSuccess("qwen")
	assert.True(t, r.IsEndpointAvailable("qwen"))
}

func TestHealthRecovery(t *testing.T) {
	r := NewDefaultRegistry()

	current := time.Now()
	r.health.now = func() time.Time { return current }

	for i := 0; i < failureThreshold; i++ {
		r.MarkEndpointFailure("qwen")
	}
	assert.False(t, r.IsEndpointAvailable("qwen"))

	// Past the recovery window the endpoint is probed again.
	current = current.Add(recoveryTimeout + time.Second)
	assert.True(t, r.IsEndpointAvailable("qwen"))

	// One probe failure re-opens the circuit.
	r.MarkEndpointFailure("qwen")
	assert.False(t, r.IsEndpointAvailable("qwen"))
}

func TestAvailableFallbackChain(t *testing.T) {
	r := NewDefaultRegistry()

	for i := 0; i < failureThreshold; i++ {
		r.MarkEndpointFailure("claude-sonnet")
	}
	chain := r.GetAvailableFallbackChain(CapabilityPlanning)
	assert.Equal(t, []string{"qwen"}, chain)

	// When everything is down the full chain comes back.
	for i := 0; i < failureThreshold; i++ {
		r.MarkEndpointFailure("qwen")
	}
	chain = r.GetAvailableFallbackChain(CapabilityPlanning)
	assert.Equal(t, []string{"claude-sonnet", "qwen"}, chain)
}
