package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty nats url", func(c *Config) { c.NATS.URL = "" }},
		{"empty server addr", func(c *Config) { c.Server.Addr = "" }},
		{"missing embedding model", func(c *Config) { c.Embedding.CodeModel = "" }},
		{"zero poll interval", func(c *Config) { c.Poller.Interval = 0 }},
		{"zero store workers", func(c *Config) { c.Pipeline.StoreWorkers = 0 }},
		{"zero dialog timeout", func(c *Config) { c.Dialog.Timeout = 0 }},
		{"unknown capability", func(c *Config) {
			c.Models.Capabilities = map[string]CapabilityConfig{"telepathy": {}}
		}},
		{"dangling endpoint reference", func(c *Config) {
			c.Models.Capabilities = map[string]CapabilityConfig{"planning": {Preferred: []string{"ghost"}}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestMergeOverlaysNonZero(t *testing.T) {
	base := DefaultConfig()
	base.Merge(&Config{
		NATS:   NATSConfig{URL: "nats://prod:4222"},
		Poller: PollerConfig{Interval: time.Minute},
	})

	assert.Equal(t, "nats://prod:4222", base.NATS.URL)
	assert.Equal(t, time.Minute, base.Poller.Interval)
	// Untouched fields keep defaults.
	assert.Equal(t, ":8080", base.Server.Addr)
	assert.Equal(t, 4, base.Pipeline.StoreWorkers)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
nats:
  url: nats://somewhere:4222
pipeline:
  store_workers: 8
dialog:
  timeout: 5m
`), 0o644))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://somewhere:4222", loaded.NATS.URL)
	assert.Equal(t, 8, loaded.Pipeline.StoreWorkers)
	assert.Equal(t, 5*time.Minute, loaded.Dialog.Timeout)
}

func TestLoaderEnvOverrides(t *testing.T) {
	t.Setenv(EnvNATSURL, "nats://env:4222")
	t.Setenv(EnvPollInterval, "90s")
	t.Setenv(EnvConfigPath, "")
	t.Setenv("HOME", t.TempDir())

	config, err := NewLoader(nil).Load()
	require.NoError(t, err)
	assert.Equal(t, "nats://env:4222", config.NATS.URL)
	assert.Equal(t, 90*time.Second, config.Poller.Interval)
}

func TestLoaderExplicitConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jervis.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":9999\"\n"), 0o644))
	t.Setenv(EnvConfigPath, path)
	t.Setenv("HOME", t.TempDir())

	config, err := NewLoader(nil).Load()
	require.NoError(t, err)
	assert.Equal(t, ":9999", config.Server.Addr)
}

func TestModelRegistryFromConfig(t *testing.T) {
	c := DefaultConfig()
	c.Models = ModelsConfig{
		Capabilities: map[string]CapabilityConfig{
			"planning": {Preferred: []string{"big"}},
		},
		Endpoints: map[string]EndpointConfig{
			"big": {Provider: "ollama", URL: "http://localhost:11434/v1", Model: "qwen3:32b", MaxTokens: 32768},
		},
		DefaultModel: "big",
	}
	require.NoError(t, c.Validate())

	registry, err := c.ModelRegistry()
	require.NoError(t, err)
	ep := registry.GetEndpoint("big")
	require.NotNil(t, ep)
	assert.Equal(t, "qwen3:32b", ep.Model)
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	original := DefaultConfig()
	original.NATS.URL = "nats://roundtrip:4222"
	require.NoError(t, original.SaveToFile(path))

	loaded, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://roundtrip:4222", loaded.NATS.URL)
}
