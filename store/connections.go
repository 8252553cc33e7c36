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

// ConnectionStore persists source connections and their credential state.
// It is the sole authority for state transitions: pollers report auth
// failures here and never mutate a connection directly.
type ConnectionStore struct {
	kv jetstream.KeyValue
}

// NewConnectionStore creates the connection store, creating its bucket if
// needed.
func NewConnectionStore(ctx context.Context, js jetstream.JetStream) (*ConnectionStore, error) {
	kv, err := getOrCreateBucket(ctx, js, BucketConnections)
	if err != nil {
		return nil, fmt.Errorf("create connections bucket: %w", err)
	}
	return &ConnectionStore{kv: kv}, nil
}

// Create stores a new connection in the valid state and returns its id.
func (s *ConnectionStore) Create(ctx context.Context, conn *domain.Connection) (string, error) {
	if conn.ID == "" {
		conn.ID = uuid.New().String()
	}
	conn.State = domain.ConnectionValid
	conn.UpdatedAt = time.Now()

	data, err := json.Marshal(conn)
	if err != nil {
		return "", fmt.Errorf("marshal connection: %w", err)
	}
	if _, err := s.kv.Create(ctx, conn.ID, data); err != nil {
		if isWrongRevision(err) {
			return "", fmt.Errorf("%w: %s", ErrDuplicate, conn.ID)
		}
		return "", fmt.Errorf("store connection: %w", err)
	}
	return conn.ID, nil
}

// Get retrieves a connection by id.
func (s *ConnectionStore) Get(ctx context.Context, id string) (*domain.Connection, error) {
	entry, err := s.kv.Get(ctx, id)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get connection: %w", err)
	}
	var conn domain.Connection
	if err := json.Unmarshal(entry.Value(), &conn); err != nil {
		return nil, fmt.Errorf("unmarshal connection: %w", err)
	}
	return &conn, nil
}

// List returns all connections, optionally filtered by kind.
func (s *ConnectionStore) List(ctx context.Context, kind domain.ConnectionKind) ([]*domain.Connection, error) {
	keys, err := s.kv.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list connection keys: %w", err)
	}

	conns := make([]*domain.Connection, 0, len(keys))
	for _, key := range keys {
		entry, err := s.kv.Get(ctx, key)
		if err != nil {
			continue // Skip entries that fail to load
		}
		var conn domain.Connection
		if err := json.Unmarshal(entry.Value(), &conn); err != nil {
			continue
		}
		if kind != "" && conn.Kind != kind {
			continue
		}
		conns = append(conns, &conn)
	}
	return conns, nil
}

// ListValid returns connections of the given kind that are usable for
// polling. Invalid connections are skipped until restored out of band.
func (s *ConnectionStore) ListValid(ctx context.Context, kind domain.ConnectionKind) ([]*domain.Connection, error) {
	all, err := s.List(ctx, kind)
	if err != nil {
		return nil, err
	}
	valid := all[:0]
	for _, conn := range all {
		if conn.State == domain.ConnectionValid {
			valid = append(valid, conn)
		}
	}
	return valid, nil
}

// MarkInvalid transitions a connection to the invalid state after an
// authentication failure.
func (s *ConnectionStore) MarkInvalid(ctx context.Context, id string) error {
	return s.setState(ctx, id, domain.ConnectionInvalid)
}

// MarkValid restores a connection to the valid state after remediation.
func (s *ConnectionStore) MarkValid(ctx context.Context, id string) error {
	return s.setState(ctx, id, domain.ConnectionValid)
}

func (s *ConnectionStore) setState(ctx context.Context, id string, state domain.ConnectionState) error {
	conn, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if conn.State == state {
		return nil
	}
	conn.State = state
	conn.UpdatedAt = time.Now()

	data, err := json.Marshal(conn)
	if err != nil {
		return fmt.Errorf("marshal connection: %w", err)
	}
	if _, err := s.kv.Put(ctx, id, data); err != nil {
		return fmt.Errorf("update connection: %w", err)
	}
	return nil
}
