// Package config provides configuration loading for the Jervis service.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jervisproject/jervis/model"
)

// Config is the complete service configuration.
type Config struct {
	Server        ServerConfig    `yaml:"server"`
	NATS          NATSConfig      `yaml:"nats"`
	Embedding     EmbeddingConfig `yaml:"embedding"`
	Vector        VectorConfig    `yaml:"vector"`
	KnowledgeBase KBConfig        `yaml:"knowledge_base"`
	Models        ModelsConfig    `yaml:"models"`
	Poller        PollerConfig    `yaml:"poller"`
	Pipeline      PipelineConfig  `yaml:"pipeline"`
	Dialog        DialogConfig    `yaml:"dialog"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	// Addr is the listen address (default: ":8080").
	Addr string `yaml:"addr"`
}

// NATSConfig configures the NATS connection backing all stores.
type NATSConfig struct {
	// URL is the NATS server URL (default: nats://localhost:4222).
	URL string `yaml:"url"`
}

// EmbeddingConfig configures the embedding service client.
type EmbeddingConfig struct {
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	CodeModel string `yaml:"code_model"`
	TextModel string `yaml:"text_model"`
}

// VectorConfig configures the vector store gateway.
type VectorConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// KBConfig configures the knowledge base client.
type KBConfig struct {
	URL    string `yaml:"url"`
	APIKey string `yaml:"api_key"`
}

// ModelsConfig configures LLM capabilities and endpoints. Empty means the
// built-in registry defaults.
type ModelsConfig struct {
	Capabilities map[string]CapabilityConfig `yaml:"capabilities"`
	Endpoints    map[string]EndpointConfig   `yaml:"endpoints"`
	DefaultModel string                      `yaml:"default_model"`
}

// CapabilityConfig maps one capability to its candidate chain.
type CapabilityConfig struct {
	Preferred []string `yaml:"preferred"`
	Fallback  []string `yaml:"fallback"`
}

// EndpointConfig describes one model endpoint.
type EndpointConfig struct {
	Provider  string `yaml:"provider"`
	URL       string `yaml:"url"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"max_tokens"`
}

// PollerConfig bounds the polling cadence.
type PollerConfig struct {
	Interval     time.Duration `yaml:"interval"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	CycleDelay   time.Duration `yaml:"cycle_delay"`
	// WorkDir is where git working copies are kept.
	WorkDir string `yaml:"work_dir"`
}

// PipelineConfig tunes the indexing pipeline.
type PipelineConfig struct {
	ChannelCapacity int      `yaml:"channel_capacity"`
	StoreWorkers    int      `yaml:"store_workers"`
	AnalyzeWorkers  int      `yaml:"analyze_workers"`
	Excludes        []string `yaml:"excludes"`
	// WatchDebounce is the quiet period before filesystem changes in a
	// working copy trigger a reindex.
	WatchDebounce time.Duration `yaml:"watch_debounce"`
}

// DialogConfig tunes user clarification dialogs.
type DialogConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// DefaultConfig returns the configuration used when nothing is specified.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		NATS:   NATSConfig{URL: "nats://localhost:4222"},
		Embedding: EmbeddingConfig{
			URL:       "http://localhost:8081/v1",
			CodeModel: "jina-embeddings-v2-base-code",
			TextModel: "nomic-embed-text",
		},
		Vector:        VectorConfig{URL: "http://localhost:6333"},
		KnowledgeBase: KBConfig{URL: "http://localhost:8090"},
		Poller: PollerConfig{
			Interval:     5 * time.Minute,
			InitialDelay: 10 * time.Second,
			CycleDelay:   30 * time.Second,
			WorkDir:      defaultWorkDir(),
		},
		Pipeline: PipelineConfig{
			ChannelCapacity: 100,
			StoreWorkers:    4,
			AnalyzeWorkers:  2,
			WatchDebounce:   2 * time.Second,
		},
		Dialog: DialogConfig{Timeout: 15 * time.Minute},
	}
}

func defaultWorkDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "/var/lib/jervis/repos"
	}
	return filepath.Join(home, ".local", "share", "jervis", "repos")
}

// Validate checks the configuration for correctness.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if c.Embedding.URL == "" {
		return fmt.Errorf("embedding.url is required")
	}
	if c.Embedding.CodeModel == "" || c.Embedding.TextModel == "" {
		return fmt.Errorf("embedding.code_model and embedding.text_model are required")
	}
	if c.Vector.URL == "" {
		return fmt.Errorf("vector.url is required")
	}
	if c.Poller.Interval <= 0 {
		return fmt.Errorf("poller.interval must be positive")
	}
	if c.Pipeline.ChannelCapacity <= 0 || c.Pipeline.StoreWorkers <= 0 || c.Pipeline.AnalyzeWorkers <= 0 {
		return fmt.Errorf("pipeline capacities and worker counts must be positive")
	}
	if c.Dialog.Timeout <= 0 {
		return fmt.Errorf("dialog.timeout must be positive")
	}
	for name, capCfg := range c.Models.Capabilities {
		if model.ParseCapability(name) == "" {
			return fmt.Errorf("models.capabilities: unknown capability %q", name)
		}
		for _, ep := range append(append([]string{}, capCfg.Preferred...), capCfg.Fallback...) {
			if _, ok := c.Models.Endpoints[ep]; !ok {
				return fmt.Errorf("capability %s references unknown endpoint %q", name, ep)
			}
		}
	}
	return nil
}

// Merge overlays non-zero fields from other onto c.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}
	if other.Server.Addr != "" {
		c.Server.Addr = other.Server.Addr
	}
	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
	}
	if other.Embedding.URL != "" {
		c.Embedding.URL = other.Embedding.URL
	}
	if other.Embedding.APIKey != "" {
		c.Embedding.APIKey = other.Embedding.APIKey
	}
	if other.Embedding.CodeModel != "" {
		c.Embedding.CodeModel = other.Embedding.CodeModel
	}
	if other.Embedding.TextModel != "" {
		c.Embedding.TextModel = other.Embedding.TextModel
	}
	if other.Vector.URL != "" {
		c.Vector.URL = other.Vector.URL
	}
	if other.Vector.APIKey != "" {
		c.Vector.APIKey = other.Vector.APIKey
	}
	if other.KnowledgeBase.URL != "" {
		c.KnowledgeBase.URL = other.KnowledgeBase.URL
	}
	if other.KnowledgeBase.APIKey != "" {
		c.KnowledgeBase.APIKey = other.KnowledgeBase.APIKey
	}
	if len(other.Models.Capabilities) > 0 {
		c.Models.Capabilities = other.Models.Capabilities
	}
	if len(other.Models.Endpoints) > 0 {
		c.Models.Endpoints = other.Models.Endpoints
	}
	if other.Models.DefaultModel != "" {
		c.Models.DefaultModel = other.Models.DefaultModel
	}
	if other.Poller.Interval > 0 {
		c.Poller.Interval = other.Poller.Interval
	}
	if other.Poller.InitialDelay > 0 {
		c.Poller.InitialDelay = other.Poller.InitialDelay
	}
	if other.Poller.CycleDelay > 0 {
		c.Poller.CycleDelay = other.Poller.CycleDelay
	}
	if other.Poller.WorkDir != "" {
		c.Poller.WorkDir = other.Poller.WorkDir
	}
	if other.Pipeline.ChannelCapacity > 0 {
		c.Pipeline.ChannelCapacity = other.Pipeline.ChannelCapacity
	}
	if other.Pipeline.StoreWorkers > 0 {
		c.Pipeline.StoreWorkers = other.Pipeline.StoreWorkers
	}
	if other.Pipeline.AnalyzeWorkers > 0 {
		c.Pipeline.AnalyzeWorkers = other.Pipeline.AnalyzeWorkers
	}
	if len(other.Pipeline.Excludes) > 0 {
		c.Pipeline.Excludes = other.Pipeline.Excludes
	}
	if other.Pipeline.WatchDebounce > 0 {
		c.Pipeline.WatchDebounce = other.Pipeline.WatchDebounce
	}
	if other.Dialog.Timeout > 0 {
		c.Dialog.Timeout = other.Dialog.Timeout
	}
}

// ModelRegistry builds the model registry from the configuration. An empty
// models section yields the built-in defaults.
func (c *Config) ModelRegistry() (*model.Registry, error) {
	if len(c.Models.Capabilities) == 0 && len(c.Models.Endpoints) == 0 {
		return model.NewDefaultRegistry(), nil
	}

	caps := make(map[model.Capability]*model.CapabilityConfig, len(c.Models.Capabilities))
	for name, cc := range c.Models.Capabilities {
		capability := model.ParseCapability(name)
		if capability == "" {
			return nil, fmt.Errorf("unknown capability %q", name)
		}
		caps[capability] = &model.CapabilityConfig{
			Preferred: cc.Preferred,
			Fallback:  cc.Fallback,
		}
	}

	endpoints := make(map[string]*model.EndpointConfig, len(c.Models.Endpoints))
	for name, ec := range c.Models.Endpoints {
		endpoints[name] = &model.EndpointConfig{
			Provider:  ec.Provider,
			URL:       ec.URL,
			Model:     ec.Model,
			MaxTokens: ec.MaxTokens,
		}
	}

	return model.NewRegistry(caps, endpoints, &model.DefaultsConfig{Model: c.Models.DefaultModel}), nil
}

// LoadFromFile reads a config file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &config, nil
}

// SaveToFile writes the config as YAML, creating parent directories.
func (c *Config) SaveToFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
