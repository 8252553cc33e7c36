package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/jervisproject/jervis/domain"
)

// HashContent returns the SHA-256 hex digest used for skip/replace decisions.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// Ledger is the indexing-status ledger: one record per logical file path,
// recording the commit and the vectors currently held for it. It is the
// source of truth for what the vector store contains for a file.
type Ledger struct {
	kv jetstream.KeyValue
}

// NewLedger creates the indexing-status ledger.
func NewLedger(ctx context.Context, js jetstream.JetStream) (*Ledger, error) {
	kv, err := getOrCreateBucket(ctx, js, BucketIndexStatus)
	if err != nil {
		return nil, fmt.Errorf("create index status bucket: %w", err)
	}
	return &Ledger{kv: kv}, nil
}

func ledgerKey(projectID, path string) string {
	return sanitizeKey(projectID + "." + path)
}

// Get returns the ledger record for a file, or ErrNotFound.
func (l *Ledger) Get(ctx context.Context, projectID, path string) (*domain.IndexingStatus, error) {
	entry, err := l.kv.Get(ctx, ledgerKey(projectID, path))
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get indexing status: %w", err)
	}
	var status domain.IndexingStatus
	if err := json.Unmarshal(entry.Value(), &status); err != nil {
		return nil, fmt.Errorf("unmarshal indexing status: %w", err)
	}
	return &status, nil
}

// ShouldIndex reports whether a file needs (re)indexing: true when no record
// exists, the last run did not complete, the commit differs, or the file
// content differs. The content check catches uncommitted edits in a working
// copy, where HEAD is unchanged but the bytes are not.
func (l *Ledger) ShouldIndex(ctx context.Context, projectID, path, commitHash, content string) (bool, error) {
	status, err := l.Get(ctx, projectID, path)
	if err != nil {
		if err == ErrNotFound {
			return true, nil
		}
		return false, err
	}
	if status.State != domain.IndexComplete {
		return true, nil
	}
	if commitHash != "" && status.GitCommitHash != commitHash {
		return true, nil
	}
	return status.ContentHash != HashContent(content), nil
}

// StartIndexing marks a file as being indexed. Prior contents stay recorded
// until CompleteIndexing replaces them.
func (l *Ledger) StartIndexing(ctx context.Context, projectID, path string) error {
	status, err := l.Get(ctx, projectID, path)
	if err != nil {
		if err != ErrNotFound {
			return err
		}
		status = &domain.IndexingStatus{ProjectID: projectID, FilePath: path}
	}
	status.State = domain.IndexRunning
	status.Error = ""
	status.UpdatedAt = time.Now()
	return l.put(ctx, status)
}

// CompleteIndexing atomically replaces the recorded contents for a file and
// marks it indexed at the given commit and file hash.
func (l *Ledger) CompleteIndexing(ctx context.Context, projectID, path, commitHash, fileHash string, contents []domain.VectorContent) error {
	status := &domain.IndexingStatus{
		ProjectID:     projectID,
		FilePath:      path,
		GitCommitHash: commitHash,
		ContentHash:   fileHash,
		Contents:      contents,
		State:         domain.IndexComplete,
		UpdatedAt:     time.Now(),
	}
	return l.put(ctx, status)
}

// FailIndexing marks a file as failed with the given cause.
func (l *Ledger) FailIndexing(ctx context.Context, projectID, path string, cause error) error {
	status, err := l.Get(ctx, projectID, path)
	if err != nil {
		if err != ErrNotFound {
			return err
		}
		status = &domain.IndexingStatus{ProjectID: projectID, FilePath: path}
	}
	status.State = domain.IndexFailed
	if cause != nil {
		status.Error = cause.Error()
	}
	status.UpdatedAt = time.Now()
	return l.put(ctx, status)
}

// ListProject returns all ledger records for a project.
func (l *Ledger) ListProject(ctx context.Context, projectID string) ([]*domain.IndexingStatus, error) {
	keys, err := l.kv.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list indexing status keys: %w", err)
	}

	prefix := sanitizeKey(projectID) + "."
	statuses := make([]*domain.IndexingStatus, 0)
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		entry, err := l.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var status domain.IndexingStatus
		if err := json.Unmarshal(entry.Value(), &status); err != nil {
			continue
		}
		statuses = append(statuses, &status)
	}
	return statuses, nil
}

func (l *Ledger) put(ctx context.Context, status *domain.IndexingStatus) error {
	data, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal indexing status: %w", err)
	}
	if _, err := l.kv.Put(ctx, ledgerKey(status.ProjectID, status.FilePath), data); err != nil {
		return fmt.Errorf("store indexing status: %w", err)
	}
	return nil
}
