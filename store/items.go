package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// SourceItem is a normalized external item awaiting ingestion. Items are
// keyed by tool and native id; the REST pollers (issues, wiki pages, mail
// messages) write them and the queue worker reads them back during ingestion.
type SourceItem struct {
	Tool        string    `json:"tool"`
	NativeID    string    `json:"native_id"`
	ClientID    string    `json:"client_id"`
	ProjectID   string    `json:"project_id,omitempty"`
	Title       string    `json:"title,omitempty"`
	Body        string    `json:"body,omitempty"`
	URL         string    `json:"url,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
	State       string    `json:"state"`
	IndexedAt   time.Time `json:"indexed_at,omitempty"`
	Attachments []string  `json:"attachments,omitempty"`
}

// Key returns the store key for this item.
func (i SourceItem) Key() string {
	return sanitizeKey(i.Tool + "." + i.NativeID)
}

// UpsertResult describes what an upsert did.
type UpsertResult int

const (
	UpsertSkipped UpsertResult = iota
	UpsertCreated
	UpsertUpdated
)

// SourceItemStore persists fetched items with updated-at aware upserts.
type SourceItemStore struct {
	kv jetstream.KeyValue
}

// NewSourceItemStore creates the source item store.
func NewSourceItemStore(ctx context.Context, js jetstream.JetStream) (*SourceItemStore, error) {
	kv, err := getOrCreateBucket(ctx, js, BucketSourceItems)
	if err != nil {
		return nil, fmt.Errorf("create source items bucket: %w", err)
	}
	return &SourceItemStore{kv: kv}, nil
}

// Upsert stores a fetched item unless the stored copy is at least as fresh:
// when the existing record's UpdatedAt >= the fetched one, the write is
// skipped. New and refreshed records are reset to the "new" state for the
// ingestion queue.
func (s *SourceItemStore) Upsert(ctx context.Context, item *SourceItem) (UpsertResult, error) {
	existing, err := s.Get(ctx, item.Tool, item.NativeID)
	if err != nil && err != ErrNotFound {
		return UpsertSkipped, err
	}
	if existing != nil && !existing.UpdatedAt.Before(item.UpdatedAt) {
		return UpsertSkipped, nil
	}

	item.State = "new"
	data, err := json.Marshal(item)
	if err != nil {
		return UpsertSkipped, fmt.Errorf("marshal source item: %w", err)
	}
	if _, err := s.kv.Put(ctx, item.Key(), data); err != nil {
		return UpsertSkipped, fmt.Errorf("store source item: %w", err)
	}
	if existing == nil {
		return UpsertCreated, nil
	}
	return UpsertUpdated, nil
}

// Get retrieves one item.
func (s *SourceItemStore) Get(ctx context.Context, tool, nativeID string) (*SourceItem, error) {
	entry, err := s.kv.Get(ctx, sanitizeKey(tool+"."+nativeID))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get source item: %w", err)
	}
	var item SourceItem
	if err := json.Unmarshal(entry.Value(), &item); err != nil {
		return nil, fmt.Errorf("unmarshal source item: %w", err)
	}
	return &item, nil
}
