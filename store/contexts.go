package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/jervisproject/jervis/domain"
)

// ContextStore persists task contexts and the plans they contain. The plan
// executor saves the whole context after every step so progress survives a
// restart.
type ContextStore struct {
	kv jetstream.KeyValue
}

// NewContextStore creates the context store.
func NewContextStore(ctx context.Context, js jetstream.JetStream) (*ContextStore, error) {
	kv, err := getOrCreateBucket(ctx, js, BucketContexts)
	if err != nil {
		return nil, fmt.Errorf("create contexts bucket: %w", err)
	}
	return &ContextStore{kv: kv}, nil
}

// Create stores a new task context and returns its id.
func (s *ContextStore) Create(ctx context.Context, tc *domain.TaskContext) (string, error) {
	if tc.ID == "" {
		tc.ID = uuid.New().String()
	}
	tc.CreatedAt = time.Now()
	tc.UpdatedAt = tc.CreatedAt

	data, err := json.Marshal(tc)
	if err != nil {
		return "", fmt.Errorf("marshal context: %w", err)
	}
	if _, err := s.kv.Create(ctx, tc.ID, data); err != nil {
		return "", fmt.Errorf("store context: %w", err)
	}
	return tc.ID, nil
}

// Get retrieves a task context by id.
func (s *ContextStore) Get(ctx context.Context, id string) (*domain.TaskContext, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get context: %w", err)
	}
	var tc domain.TaskContext
	if err := json.Unmarshal(entry.Value(), &tc); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	return &tc, nil
}

// Save persists the current state of a task context.
func (s *ContextStore) Save(ctx context.Context, tc *domain.TaskContext) error {
	tc.UpdatedAt = time.Now()

	data, err := json.Marshal(tc)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	if _, err := s.kv.Put(ctx, tc.ID, data); err != nil {
		return fmt.Errorf("store context: %w", err)
	}
	return nil
}
