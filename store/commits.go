package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/jervisproject/jervis/domain"
)

// CommitStore persists git commits discovered by the git poller. Records are
// keyed by (project, branch, hash) so branches never mix.
type CommitStore struct {
	kv jetstream.KeyValue
}

// NewCommitStore creates the commit store.
func NewCommitStore(ctx context.Context, js jetstream.JetStream) (*CommitStore, error) {
	kv, err := getOrCreateBucket(ctx, js, BucketGitCommits)
	if err != nil {
		return nil, fmt.Errorf("create git commits bucket: %w", err)
	}
	return &CommitStore{kv: kv}, nil
}

// Record stores a newly discovered commit in the NEW state. Recording a
// commit that already exists is a no-op; it returns false in that case.
func (s *CommitStore) Record(ctx context.Context, rec *domain.GitCommitRecord) (bool, error) {
	rec.State = domain.CommitNew

	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("marshal commit record: %w", err)
	}
	if _, err := s.kv.Create(ctx, sanitizeKey(rec.Key()), data); err != nil {
		if isWrongRevision(err) {
			return false, nil
		}
		return false, fmt.Errorf("store commit record: %w", err)
	}
	return true, nil
}

// Get retrieves a commit record.
func (s *CommitStore) Get(ctx context.Context, projectID, branch, hash string) (*domain.GitCommitRecord, error) {
	key := sanitizeKey(fmt.Sprintf("%s.%s.%s", projectID, branch, hash))
	entry, err := s.kv.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get commit record: %w", err)
	}
	var rec domain.GitCommitRecord
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal commit record: %w", err)
	}
	return &rec, nil
}

// SetState updates the indexing state of a commit record.
func (s *CommitStore) SetState(ctx context.Context, projectID, branch, hash string, state domain.CommitState) error {
	rec, err := s.Get(ctx, projectID, branch, hash)
	if err != nil {
		return err
	}
	rec.State = state
	if state == domain.CommitFailed {
		rec.Attempts++
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal commit record: %w", err)
	}
	if _, err := s.kv.Put(ctx, sanitizeKey(rec.Key()), data); err != nil {
		return fmt.Errorf("update commit record: %w", err)
	}
	return nil
}
