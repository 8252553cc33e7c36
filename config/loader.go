package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

const (
	// EnvConfigPath points at an explicit config file.
	EnvConfigPath = "JERVIS_CONFIG"
	// EnvNATSURL overrides the NATS server URL.
	EnvNATSURL = "JERVIS_NATS_URL"
	// EnvServerAddr overrides the HTTP listen address.
	EnvServerAddr = "JERVIS_SERVER_ADDR"
	// EnvEmbeddingURL overrides the embedding service URL.
	EnvEmbeddingURL = "JERVIS_EMBEDDING_URL"
	// EnvVectorURL overrides the vector store URL.
	EnvVectorURL = "JERVIS_VECTOR_URL"
	// EnvKBURL overrides the knowledge base URL.
	EnvKBURL = "JERVIS_KB_URL"
	// EnvPollInterval overrides the polling interval.
	EnvPollInterval = "JERVIS_POLL_INTERVAL"

	// UserConfigDir is the directory for user-level config.
	UserConfigDir = ".config/jervis"
	// UserConfigFile is the name of the user-level config file.
	UserConfigFile = "config.yaml"
)

// Loader handles configuration loading with layered precedence.
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a configuration loader.
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. User config (~/.config/jervis/config.yaml)
// 3. Explicit config file (JERVIS_CONFIG)
// 4. Environment variable overrides
func (l *Loader) Load() (*Config, error) {
	config := DefaultConfig()

	userConfigPath := l.userConfigPath()
	if userConfig, err := LoadFromFile(userConfigPath); err == nil {
		l.logger.Debug("Loaded user config", "path", userConfigPath)
		config.Merge(userConfig)
	} else if !os.IsNotExist(err) {
		l.logger.Warn("Failed to load user config", "path", userConfigPath, "error", err)
	}

	if path := os.Getenv(EnvConfigPath); path != "" {
		explicit, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config", "path", path)
		config.Merge(explicit)
	}

	l.applyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnv overlays environment variable overrides.
func (l *Loader) applyEnv(config *Config) {
	if v := os.Getenv(EnvNATSURL); v != "" {
		config.NATS.URL = v
	}
	if v := os.Getenv(EnvServerAddr); v != "" {
		config.Server.Addr = v
	}
	if v := os.Getenv(EnvEmbeddingURL); v != "" {
		config.Embedding.URL = v
	}
	if v := os.Getenv(EnvVectorURL); v != "" {
		config.Vector.URL = v
	}
	if v := os.Getenv(EnvKBURL); v != "" {
		config.KnowledgeBase.URL = v
	}
	if v := os.Getenv(EnvPollInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Poller.Interval = d
		} else {
			l.logger.Warn("Invalid poll interval override", "value", v, "error", err)
		}
	}
}

// EnsureUserConfig creates the user config file with defaults if missing.
func (l *Loader) EnsureUserConfig() error {
	userConfigPath := l.userConfigPath()
	if _, err := os.Stat(userConfigPath); err == nil {
		return nil
	}
	config := DefaultConfig()
	if err := config.SaveToFile(userConfigPath); err != nil {
		return err
	}
	l.logger.Info("Created default user config", "path", userConfigPath)
	return nil
}

func (l *Loader) userConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, UserConfigDir, UserConfigFile)
}
