package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/jervisproject/jervis/domain"
)

// WorkQueueConfig bounds retry and lease behavior.
type WorkQueueConfig struct {
	// MaxAttempts is the attempt count after which a failed item is terminal.
	MaxAttempts int

	// LeaseTimeout re-eligibility window: an in-progress item whose last
	// attempt is older than this may be leased again (crash recovery).
	LeaseTimeout time.Duration

	// OnEnqueue is invoked with the item kind when an item is accepted.
	// Requeues of terminal rows count; deduplicated no-ops do not. Optional.
	OnEnqueue func(kind string)
}

// DefaultWorkQueueConfig returns production defaults.
func DefaultWorkQueueConfig() WorkQueueConfig {
	return WorkQueueConfig{
		MaxAttempts:  3,
		LeaseTimeout: 15 * time.Minute,
	}
}

// WorkQueue is the durable ingestion queue, keyed by source URN. State
// transitions are NEW -> IN_PROGRESS -> (INDEXED | FAILED); a retryable
// failure below the attempt limit returns the item to NEW. The queue is the
// single authority for these transitions.
type WorkQueue struct {
	kv     jetstream.KeyValue
	config WorkQueueConfig
	now    func() time.Time
}

// NewWorkQueue creates the work queue store.
func NewWorkQueue(ctx context.Context, js jetstream.JetStream, cfg WorkQueueConfig) (*WorkQueue, error) {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultWorkQueueConfig()
	}
	kv, err := getOrCreateBucket(ctx, js, BucketWorkItems)
	if err != nil {
		return nil, fmt.Errorf("create work items bucket: %w", err)
	}
	return &WorkQueue{kv: kv, config: cfg, now: time.Now}, nil
}

// Enqueue adds an item keyed by its source URN. Enqueueing an URN that is
// already queued (NEW or IN_PROGRESS) is a no-op and returns the existing
// item. An URN whose previous round reached a terminal state is requeued:
// the row returns to NEW with a fresh task id and attempt count, so updated
// sources get re-ingested without ever growing a second row.
func (q *WorkQueue) Enqueue(ctx context.Context, item *domain.WorkItem) (*domain.WorkItem, error) {
	if item.SourceURN == "" {
		return nil, fmt.Errorf("source URN is required")
	}
	if item.TaskID == "" {
		item.TaskID = uuid.New().String()
	}
	item.State = domain.WorkItemNew
	item.CreatedAt = q.now()

	data, err := json.Marshal(item)
	if err != nil {
		return nil, fmt.Errorf("marshal work item: %w", err)
	}

	key := sanitizeKey(item.SourceURN)
	if _, err := q.kv.Create(ctx, key, data); err != nil {
		if isWrongRevision(err) {
			return q.requeue(ctx, key, data)
		}
		return nil, fmt.Errorf("enqueue work item: %w", err)
	}
	q.accepted(item.Kind)
	return item, nil
}

func (q *WorkQueue) accepted(kind string) {
	if q.config.OnEnqueue != nil {
		q.config.OnEnqueue(kind)
	}
}

// requeue handles an enqueue that hit an existing row: pending rows win,
// terminal rows are reset to NEW via CAS. A lost race means someone else
// just enqueued or leased the row, so theirs wins.
func (q *WorkQueue) requeue(ctx context.Context, key string, data []byte) (*domain.WorkItem, error) {
	existing, rev, err := q.getByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	switch existing.State {
	case domain.WorkItemNew, domain.WorkItemInProgress:
		return existing, nil
	}

	if _, err := q.kv.Update(ctx, key, data, rev); err != nil {
		if isWrongRevision(err) {
			current, _, getErr := q.getByKey(ctx, key)
			if getErr != nil {
				return nil, getErr
			}
			return current, nil
		}
		return nil, fmt.Errorf("requeue work item: %w", err)
	}
	var requeued domain.WorkItem
	if err := json.Unmarshal(data, &requeued); err != nil {
		return nil, fmt.Errorf("unmarshal work item: %w", err)
	}
	q.accepted(requeued.Kind)
	return &requeued, nil
}

// LeaseNext atomically claims the next eligible item for the given worker,
// transitioning it to IN_PROGRESS. Eligible items are NEW items and
// IN_PROGRESS items whose lease has expired. Returns nil when the queue has
// no eligible work.
func (q *WorkQueue) LeaseNext(ctx context.Context, workerID string) (*domain.WorkItem, error) {
	keys, err := q.kv.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list work item keys: %w", err)
	}

	type candidate struct {
		item *domain.WorkItem
		rev  uint64
	}
	var candidates []candidate

	now := q.now()
	for _, key := range keys {
		item, rev, err := q.getByKey(ctx, key)
		if err != nil {
			continue
		}
		switch item.State {
		case domain.WorkItemNew:
			candidates = append(candidates, candidate{item, rev})
		case domain.WorkItemInProgress:
			if now.Sub(item.LastAttemptAt) > q.config.LeaseTimeout {
				candidates = append(candidates, candidate{item, rev})
			}
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// Highest priority first, then oldest.
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].item, candidates[j].item
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	for _, c := range candidates {
		c.item.State = domain.WorkItemInProgress
		c.item.Attempts++
		c.item.WorkerID = workerID
		c.item.LastAttemptAt = now

		data, err := json.Marshal(c.item)
		if err != nil {
			return nil, fmt.Errorf("marshal work item: %w", err)
		}
		// CAS on the revision we read; a lost race moves to the next candidate.
		if _, err := q.kv.Update(ctx, sanitizeKey(c.item.SourceURN), data, c.rev); err != nil {
			continue
		}
		return c.item, nil
	}
	return nil, nil
}

// Complete marks a leased item as indexed.
func (q *WorkQueue) Complete(ctx context.Context, taskID string) error {
	return q.transition(ctx, taskID, func(item *domain.WorkItem) {
		item.State = domain.WorkItemIndexed
		item.Error = ""
	})
}

// Fail records a failure. Retryable failures below the attempt limit return
// the item to NEW for a later lease; everything else is terminal FAILED.
func (q *WorkQueue) Fail(ctx context.Context, taskID string, cause error, retryable bool) error {
	return q.transition(ctx, taskID, func(item *domain.WorkItem) {
		if cause != nil {
			item.Error = cause.Error()
		}
		if retryable && item.Attempts < q.config.MaxAttempts {
			item.State = domain.WorkItemNew
			return
		}
		item.State = domain.WorkItemFailed
	})
}

// Snapshot returns up to limit items for observability, newest first.
func (q *WorkQueue) Snapshot(ctx context.Context, limit int) ([]*domain.WorkItem, error) {
	keys, err := q.kv.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, nil
		}
		return nil, fmt.Errorf("list work item keys: %w", err)
	}

	items := make([]*domain.WorkItem, 0, len(keys))
	for _, key := range keys {
		item, _, err := q.getByKey(ctx, key)
		if err != nil {
			continue
		}
		items = append(items, item)
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (q *WorkQueue) transition(ctx context.Context, taskID string, mutate func(*domain.WorkItem)) error {
	item, rev, err := q.findByTaskID(ctx, taskID)
	if err != nil {
		return err
	}
	mutate(item)

	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal work item: %w", err)
	}
	if _, err := q.kv.Update(ctx, sanitizeKey(item.SourceURN), data, rev); err != nil {
		if isWrongRevision(err) {
			return ErrConflict
		}
		return fmt.Errorf("update work item: %w", err)
	}
	return nil
}

func (q *WorkQueue) findByTaskID(ctx context.Context, taskID string) (*domain.WorkItem, uint64, error) {
	keys, err := q.kv.Keys(ctx)
	if err != nil {
		if err == jetstream.ErrNoKeysFound {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("list work item keys: %w", err)
	}
	for _, key := range keys {
		item, rev, err := q.getByKey(ctx, key)
		if err != nil {
			continue
		}
		if item.TaskID == taskID {
			return item, rev, nil
		}
	}
	return nil, 0, ErrNotFound
}

func (q *WorkQueue) getByKey(ctx context.Context, key string) (*domain.WorkItem, uint64, error) {
	entry, err := q.kv.Get(ctx, key)
	if err != nil {
		if isNotFound(err) {
			return nil, 0, ErrNotFound
		}
		return nil, 0, fmt.Errorf("get work item: %w", err)
	}
	var item domain.WorkItem
	if err := json.Unmarshal(entry.Value(), &item); err != nil {
		return nil, 0, fmt.Errorf("unmarshal work item: %w", err)
	}
	return &item, entry.Revision(), nil
}
