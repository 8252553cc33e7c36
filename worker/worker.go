// Package worker drains the durable work queue. Each leased item is
// dispatched by kind: source documents go to the knowledge base, git
// commits trigger an indexing run over the project's working tree.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jervisproject/jervis/domain"
	"github.com/jervisproject/jervis/kb"
	"github.com/jervisproject/jervis/store"
)

// idleDelay is the pause between lease attempts when the queue is empty.
const idleDelay = 2 * time.Second

// Queue is the work queue slice the worker drives.
type Queue interface {
	LeaseNext(ctx context.Context, workerID string) (*domain.WorkItem, error)
	Complete(ctx context.Context, taskID string) error
	Fail(ctx context.Context, taskID string, cause error, retryable bool) error
}

// Items reads the normalized source items the REST pollers stored.
type Items interface {
	Get(ctx context.Context, tool, nativeID string) (*store.SourceItem, error)
}

// Commits reads and resolves recorded git commits.
type Commits interface {
	Get(ctx context.Context, projectID, branch, hash string) (*domain.GitCommitRecord, error)
	SetState(ctx context.Context, projectID, branch, hash string, state domain.CommitState) error
}

// Knowledge pushes documents and commit metadata to the knowledge base.
type Knowledge interface {
	Ingest(ctx context.Context, docs []kb.Document) error
	IngestGitCommits(ctx context.Context, commits []kb.GitCommit) error
}

// Indexer runs the vector indexing pipeline for a project's working tree.
type Indexer interface {
	IndexProject(ctx context.Context, clientID, projectID string) error
}

// Worker leases queue items and processes them until the context ends.
type Worker struct {
	id       string
	queue    Queue
	items    Items
	commits  Commits
	kb       Knowledge
	indexer  Indexer
	logger   *slog.Logger
	idleWait time.Duration
}

// Option configures a Worker.
type Option func(*Worker)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithIdleDelay overrides the empty-queue pause.
func WithIdleDelay(d time.Duration) Option {
	return func(w *Worker) { w.idleWait = d }
}

// New creates a queue worker.
func New(queue Queue, items Items, commits Commits, knowledge Knowledge, indexer Indexer, opts ...Option) *Worker {
	w := &Worker{
		id:       "worker-" + uuid.New().String()[:8],
		queue:    queue,
		items:    items,
		commits:  commits,
		kb:       knowledge,
		indexer:  indexer,
		logger:   slog.Default(),
		idleWait: idleDelay,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run drains the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started", "worker", w.id)
	for {
		item, err := w.queue.LeaseNext(ctx, w.id)
		if err != nil {
			w.logger.Warn("Lease failed", "worker", w.id, "error", err)
			item = nil
		}
		if item == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.idleWait):
			}
			continue
		}
		w.handle(ctx, item)

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// handle processes one leased item and records the outcome on the queue.
func (w *Worker) handle(ctx context.Context, item *domain.WorkItem) {
	w.logger.Info("Processing work item",
		"worker", w.id, "task", item.TaskID, "kind", item.Kind, "urn", item.SourceURN)

	var err error
	switch item.Kind {
	case "jira_issue":
		err = w.ingestSourceItem(ctx, item, "jira", "ticket")
	case "wiki_page":
		err = w.ingestSourceItem(ctx, item, "confluence", "wiki_page")
	case "mail_message":
		err = w.ingestSourceItem(ctx, item, "mail", "mail")
	case "git_commit":
		err = w.ingestCommit(ctx, item)
	case "reindex":
		err = w.reindexProject(ctx, item)
	default:
		err = fmt.Errorf("unknown work item kind %q", item.Kind)
	}

	if err != nil {
		w.logger.Warn("Work item failed",
			"worker", w.id, "task", item.TaskID, "kind", item.Kind, "error", err)
		if failErr := w.queue.Fail(ctx, item.TaskID, err, retryable(err)); failErr != nil {
			w.logger.Warn("Failed to record failure", "task", item.TaskID, "error", failErr)
		}
		return
	}
	if err := w.queue.Complete(ctx, item.TaskID); err != nil {
		w.logger.Warn("Failed to complete work item", "task", item.TaskID, "error", err)
	}
}

// ingestSourceItem looks up the stored item behind the URN and pushes it to
// the knowledge base.
func (w *Worker) ingestSourceItem(ctx context.Context, item *domain.WorkItem, tool, kind string) error {
	nativeID, err := urnNativeID(item.SourceURN)
	if err != nil {
		return err
	}
	src, err := w.items.Get(ctx, tool, nativeID)
	if err != nil {
		return fmt.Errorf("load source item %s: %w", item.SourceURN, err)
	}
	return w.kb.Ingest(ctx, []kb.Document{{
		ClientID:  src.ClientID,
		ProjectID: src.ProjectID,
		Kind:      kind,
		Title:     src.Title,
		Body:      src.Body,
		SourceURN: item.SourceURN,
		URL:       src.URL,
	}})
}

// ingestCommit pushes commit metadata to the knowledge base and triggers an
// indexing run over the project's working tree.
func (w *Worker) ingestCommit(ctx context.Context, item *domain.WorkItem) error {
	projectID, branch, hash, err := splitCommitURN(item.SourceURN)
	if err != nil {
		return err
	}

	rec, err := w.commits.Get(ctx, projectID, branch, hash)
	if err != nil {
		return fmt.Errorf("load commit record %s: %w", item.SourceURN, err)
	}

	if err := w.kb.IngestGitCommits(ctx, []kb.GitCommit{{
		ProjectID:  rec.ProjectID,
		Branch:     rec.Branch,
		Hash:       rec.Hash,
		Author:     rec.Author,
		Message:    rec.Message,
		CommitDate: rec.CommitDate,
	}}); err != nil {
		return fmt.Errorf("push commit metadata: %w", err)
	}

	if err := w.indexer.IndexProject(ctx, item.ClientID, projectID); err != nil {
		if stateErr := w.commits.SetState(ctx, projectID, branch, hash, domain.CommitFailed); stateErr != nil {
			w.logger.Warn("Failed to mark commit failed", "hash", hash, "error", stateErr)
		}
		return fmt.Errorf("index project %s: %w", projectID, err)
	}

	return w.commits.SetState(ctx, projectID, branch, hash, domain.CommitIndexed)
}

// reindexProject reruns the indexing pipeline over a project's working tree.
// The watcher enqueues these when files change; the queue key collapses a
// burst of changes into one run.
func (w *Worker) reindexProject(ctx context.Context, item *domain.WorkItem) error {
	projectID := strings.TrimPrefix(item.SourceURN, "reindex:")
	if projectID == "" || projectID == item.SourceURN {
		return fmt.Errorf("malformed reindex URN %q", item.SourceURN)
	}
	return w.indexer.IndexProject(ctx, item.ClientID, projectID)
}

// urnNativeID returns the trailing segment of a tool:connection:nativeId URN.
func urnNativeID(urn string) (string, error) {
	parts := strings.SplitN(urn, ":", 3)
	if len(parts) != 3 || parts[2] == "" {
		return "", fmt.Errorf("malformed source URN %q", urn)
	}
	return parts[2], nil
}

// splitCommitURN unpacks git:projectId:branch:hash.
func splitCommitURN(urn string) (projectID, branch, hash string, err error) {
	parts := strings.SplitN(urn, ":", 4)
	if len(parts) != 4 || parts[0] != "git" {
		return "", "", "", fmt.Errorf("malformed commit URN %q", urn)
	}
	return parts[1], parts[2], parts[3], nil
}

// retryable decides whether a failure should return the item to the queue.
// Missing records never heal on retry; everything else might.
func retryable(err error) bool {
	if strings.Contains(err.Error(), "unknown work item kind") {
		return false
	}
	if strings.Contains(err.Error(), "malformed") {
		return false
	}
	if errors.Is(err, store.ErrNotFound) {
		return false
	}
	return true
}
