// Package model provides capability-based model selection for the LLM
// gateway. Callers name a capability (planning, summary, finalize, fast) and
// the registry resolves it to an ordered candidate chain, filtered by
// per-endpoint health.
package model

import (
	"sync"
)

// Capability represents a semantic capability for model selection.
type Capability string

const (
	// CapabilityPlanning is for plan generation and multi-step reasoning.
	CapabilityPlanning Capability = "planning"

	// CapabilitySummary is for method, class and document summaries.
	CapabilitySummary Capability = "summary"

	// CapabilityFinalize is for rendering user-facing answers.
	CapabilityFinalize Capability = "finalize"

	// CapabilityFast is for quick responses, simple tasks.
	CapabilityFast Capability = "fast"
)

// IsValid checks if a capability is a known value.
func (c Capability) IsValid() bool {
	switch c {
	case CapabilityPlanning, CapabilitySummary, CapabilityFinalize, CapabilityFast:
		return true
	}
	return false
}

// String returns the string representation of the capability.
func (c Capability) String() string { return string(c) }

// ParseCapability converts a string to a Capability, returning empty for
// invalid values.
func ParseCapability(s string) Capability {
	c := Capability(s)
	if c.IsValid() {
		return c
	}
	return ""
}

// CapabilityConfig defines model preferences for a capability.
type CapabilityConfig struct {
	// Description explains what this capability is for.
	Description string `json:"description" yaml:"description"`

	// Preferred lists models in order of preference.
	Preferred []string `json:"preferred" yaml:"preferred"`

	// Fallback lists backup models if all preferred fail.
	Fallback []string `json:"fallback" yaml:"fallback"`
}

// EndpointConfig defines an available model endpoint.
type EndpointConfig struct {
	// Provider is the model provider (anthropic, openai, ollama).
	Provider string `json:"provider" yaml:"provider"`

	// URL is the API base URL for HTTP providers.
	URL string `json:"url,omitempty" yaml:"url,omitempty"`

	// Model is the actual model identifier to send to the provider.
	Model string `json:"model" yaml:"model"`

	// MaxTokens is the context window size.
	MaxTokens int `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
}

// DefaultsConfig holds default model settings.
type DefaultsConfig struct {
	// Model is the default model when no capability matches.
	Model string `json:"model" yaml:"model"`
}

// Registry manages model selection based on capabilities.
type Registry struct {
	mu           sync.RWMutex
	capabilities map[Capability]*CapabilityConfig
	endpoints    map[string]*EndpointConfig
	defaults     *DefaultsConfig
	health       *healthTracker
}

// NewRegistry creates a model registry from explicit configuration.
func NewRegistry(caps map[Capability]*CapabilityConfig, endpoints map[string]*EndpointConfig, defaults *DefaultsConfig) *Registry {
	if defaults == nil {
		defaults = &DefaultsConfig{}
	}
	return &Registry{
		capabilities: caps,
		endpoints:    endpoints,
		defaults:     defaults,
		health:       newHealthTracker(),
	}
}

// NewDefaultRegistry creates a registry with built-in defaults, used when no
// model configuration is supplied.
func NewDefaultRegistry() *Registry {
	return NewRegistry(
		map[Capability]*CapabilityConfig{
			CapabilityPlanning: {
				Description: "Plan generation, multi-step reasoning",
				Preferred:   []string{"claude-sonnet"},
				Fallback:    []string{"qwen"},
			},
			CapabilitySummary: {
				Description: "Method, class and document summaries",
				Preferred:   []string{"claude-haiku"},
				Fallback:    []string{"qwen"},
			},
			CapabilityFinalize: {
				Description: "User-facing answer rendering",
				Preferred:   []string{"claude-sonnet"},
				Fallback:    []string{"qwen"},
			},
			CapabilityFast: {
				Description: "Quick responses, simple tasks",
				Preferred:   []string{"claude-haiku"},
				Fallback:    []string{"qwen"},
			},
		},
		map[string]*EndpointConfig{
			"claude-sonnet": {
				Provider:  "anthropic",
				Model:     "claude-sonnet-4-20250514",
				MaxTokens: 200000,
			},
			"claude-haiku": {
				Provider:  "anthropic",
				Model:     "claude-3-5-haiku-20241022",
				MaxTokens: 200000,
			},
			"qwen": {
				Provider:  "ollama",
				URL:       "http://localhost:11434",
				Model:     "qwen2.5-coder:14b",
				MaxTokens: 32768,
			},
		},
		&DefaultsConfig{Model: "qwen"},
	)
}

// Resolve returns the preferred model for a capability.
func (r *Registry) Resolve(cap Capability) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.capabilities[cap]; ok && len(cfg.Preferred) > 0 {
		return cfg.Preferred[0]
	}
	return r.defaults.Model
}

// GetFallbackChain returns all models for a capability in order of
// preference: preferred models first, then fallbacks.
func (r *Registry) GetFallbackChain(cap Capability) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if cfg, ok := r.capabilities[cap]; ok {
		chain := make([]string, 0, len(cfg.Preferred)+len(cfg.Fallback))
		chain = append(chain, cfg.Preferred...)
		chain = append(chain, cfg.Fallback...)
		return chain
	}
	if r.defaults.Model == "" {
		return nil
	}
	return []string{r.defaults.Model}
}

// GetAvailableFallbackChain returns the fallback chain filtered to endpoints
// whose circuit is closed. If every endpoint is unhealthy the full chain is
// returned: probing dead endpoints beats refusing the call outright.
func (r *Registry) GetAvailableFallbackChain(cap Capability) []string {
	chain := r.GetFallbackChain(cap)
	available := make([]string, 0, len(chain))
	for _, name := range chain {
		if r.IsEndpointAvailable(name) {
			available = append(available, name)
		}
	}
	if len(available) == 0 {
		return chain
	}
	return available
}

// GetEndpoint returns the endpoint configuration for a model name, or nil if
// the model is not registered.
func (r *Registry) GetEndpoint(modelName string) *EndpointConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.endpoints[modelName]
}

// LargestContext returns the biggest context window among a capability's
// candidates. The selective processor uses this for its chunking decision.
func (r *Registry) LargestContext(cap Capability) int {
	largest := 0
	for _, name := range r.GetFallbackChain(cap) {
		if ep := r.GetEndpoint(name); ep != nil && ep.MaxTokens > largest {
			largest = ep.MaxTokens
		}
	}
	return largest
}

// SetCapability updates or adds a capability configuration.
func (r *Registry) SetCapability(cap Capability, cfg *CapabilityConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.capabilities == nil {
		r.capabilities = make(map[Capability]*CapabilityConfig)
	}
	r.capabilities[cap] = cfg
}

// SetEndpoint updates or adds an endpoint configuration.
func (r *Registry) SetEndpoint(name string, cfg *EndpointConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.endpoints == nil {
		r.endpoints = make(map[string]*EndpointConfig)
	}
	r.endpoints[name] = cfg
}

// Capabilities lists the configured capabilities.
func (r *Registry) Capabilities() []Capability {
	r.mu.RLock()
	defer r.mu.RUnlock()
	caps := make([]Capability, 0, len(r.capabilities))
	for c := range r.capabilities {
		caps = append(caps, c)
	}
	return caps
}
