package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/jervisproject/jervis/domain"
)

// PollingStateStore persists incremental cursors keyed by (connection, tool).
type PollingStateStore struct {
	kv jetstream.KeyValue
}

// NewPollingStateStore creates the polling-state store.
func NewPollingStateStore(ctx context.Context, js jetstream.JetStream) (*PollingStateStore, error) {
	kv, err := getOrCreateBucket(ctx, js, BucketPollingStates)
	if err != nil {
		return nil, fmt.Errorf("create polling states bucket: %w", err)
	}
	return &PollingStateStore{kv: kv}, nil
}

// Get returns the cursor for a (connection, tool) pair, or ErrNotFound if
// the pair has never been polled.
func (s *PollingStateStore) Get(ctx context.Context, connectionID, tool string) (*domain.PollingState, error) {
	key := sanitizeKey(connectionID + "." + tool)
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get polling state: %w", err)
	}
	var state domain.PollingState
	if err := json.Unmarshal(entry.Value(), &state); err != nil {
		return nil, fmt.Errorf("unmarshal polling state: %w", err)
	}
	return &state, nil
}

// RecordPoll records a successful poll. lastSeen advances the incremental
// cursor only forward; a zero lastSeen leaves the prior cursor untouched.
func (s *PollingStateStore) RecordPoll(ctx context.Context, connectionID, tool string, polledAt, lastSeen time.Time) error {
	state, err := s.Get(ctx, connectionID, tool)
	if err != nil {
		if err != ErrNotFound {
			return err
		}
		state = &domain.PollingState{ConnectionID: connectionID, Tool: tool}
	}

	state.LastPolledAt = polledAt
	if lastSeen.After(state.LastSeenUpdatedAt) {
		state.LastSeenUpdatedAt = lastSeen
	}

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal polling state: %w", err)
	}
	if _, err := s.kv.Put(ctx, sanitizeKey(state.Key()), data); err != nil {
		return fmt.Errorf("store polling state: %w", err)
	}
	return nil
}
