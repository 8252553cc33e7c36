package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// EmbeddingSettings is the embedding configuration last applied for one
// lane. The vector gateway compares it against the current configuration at
// startup to decide whether a collection rebuild is due.
type EmbeddingSettings struct {
	Model     string    `json:"model"`
	Dimension int       `json:"dimension"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SettingsStore persists small service-level settings that must survive
// restarts.
type SettingsStore struct {
	kv jetstream.KeyValue
}

// NewSettingsStore creates the settings store.
func NewSettingsStore(ctx context.Context, js jetstream.JetStream) (*SettingsStore, error) {
	kv, err := getOrCreateBucket(ctx, js, BucketSettings)
	if err != nil {
		return nil, fmt.Errorf("create settings bucket: %w", err)
	}
	return &SettingsStore{kv: kv}, nil
}

// GetEmbedding returns the persisted embedding settings for a lane, or
// ErrNotFound before the first run.
func (s *SettingsStore) GetEmbedding(ctx context.Context, lane string) (*EmbeddingSettings, error) {
	entry, err := s.kv.Get(ctx, embeddingKey(lane))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get embedding settings: %w", err)
	}
	var settings EmbeddingSettings
	if err := json.Unmarshal(entry.Value(), &settings); err != nil {
		return nil, fmt.Errorf("unmarshal embedding settings: %w", err)
	}
	return &settings, nil
}

// PutEmbedding records the embedding settings now in effect for a lane.
func (s *SettingsStore) PutEmbedding(ctx context.Context, lane string, settings EmbeddingSettings) error {
	settings.UpdatedAt = time.Now()
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("marshal embedding settings: %w", err)
	}
	if _, err := s.kv.Put(ctx, embeddingKey(lane), data); err != nil {
		return fmt.Errorf("store embedding settings: %w", err)
	}
	return nil
}

func embeddingKey(lane string) string {
	return sanitizeKey("embedding." + lane)
}
