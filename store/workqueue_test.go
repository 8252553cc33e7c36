package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jervisproject/jervis/domain"
)

// fakeKV implements the subset of jetstream.KeyValue the work queue uses,
// with real revision-based CAS semantics.
type fakeKV struct {
	jetstream.KeyValue

	mu         sync.Mutex
	rows       map[string]*kvRow
	rev        uint64
	updateErrs map[string]error
}

type kvRow struct {
	value []byte
	rev   uint64
}

func newFakeKV() *fakeKV {
	return &fakeKV{rows: map[string]*kvRow{}}
}

// failNextUpdate makes the next Update on key fail, simulating a CAS loss
// to a concurrent writer.
func (f *fakeKV) failNextUpdate(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErrs == nil {
		f.updateErrs = map[string]error{}
	}
	f.updateErrs[key] = jetstream.ErrKeyExists
}

func (f *fakeKV) Create(_ context.Context, key string, value []byte, _ ...jetstream.KVCreateOpt) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rows[key]; ok {
		return 0, jetstream.ErrKeyExists
	}
	f.rev++
	f.rows[key] = &kvRow{value: append([]byte(nil), value...), rev: f.rev}
	return f.rev, nil
}

func (f *fakeKV) Update(_ context.Context, key string, value []byte, revision uint64) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.updateErrs[key]; ok {
		delete(f.updateErrs, key)
		return 0, err
	}
	row, ok := f.rows[key]
	if !ok || row.rev != revision {
		return 0, jetstream.ErrKeyExists
	}
	f.rev++
	row.value = append([]byte(nil), value...)
	row.rev = f.rev
	return f.rev, nil
}

func (f *fakeKV) Get(_ context.Context, key string) (jetstream.KeyValueEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.rows[key]
	if !ok {
		return nil, jetstream.ErrKeyNotFound
	}
	return fakeEntry{value: row.value, rev: row.rev}, nil
}

func (f *fakeKV) Keys(_ context.Context, _ ...jetstream.WatchOpt) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.rows) == 0 {
		return nil, jetstream.ErrNoKeysFound
	}
	keys := make([]string, 0, len(f.rows))
	for k := range f.rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

type fakeEntry struct {
	jetstream.KeyValueEntry

	value []byte
	rev   uint64
}

func (e fakeEntry) Value() []byte    { return e.value }
func (e fakeEntry) Revision() uint64 { return e.rev }

func newTestQueue(cfg WorkQueueConfig) (*WorkQueue, *fakeKV, func(time.Duration)) {
	kv := newFakeKV()
	now := time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)
	q := &WorkQueue{kv: kv, config: cfg, now: func() time.Time { return now }}
	return q, kv, func(d time.Duration) { now = now.Add(d) }
}

func TestEnqueueRequiresSourceURN(t *testing.T) {
	q, _, _ := newTestQueue(DefaultWorkQueueConfig())
	_, err := q.Enqueue(context.Background(), &domain.WorkItem{Kind: "jira_issue"})
	assert.Error(t, err)
}

func TestEnqueueDeduplicatesPending(t *testing.T) {
	var accepted []string
	cfg := DefaultWorkQueueConfig()
	cfg.OnEnqueue = func(kind string) { accepted = append(accepted, kind) }
	q, _, _ := newTestQueue(cfg)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, &domain.WorkItem{SourceURN: "jira:conn-1:PROJ-1", Kind: "jira_issue"})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, &domain.WorkItem{SourceURN: "jira:conn-1:PROJ-1", Kind: "jira_issue"})
	require.NoError(t, err)

	assert.Equal(t, first.TaskID, second.TaskID)
	assert.Equal(t, []string{"jira_issue"}, accepted, "a deduplicated no-op must not count as accepted")

	items, err := q.Snapshot(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestEnqueueRequeuesTerminal(t *testing.T) {
	q, _, _ := newTestQueue(DefaultWorkQueueConfig())
	ctx := context.Background()

	first, err := q.Enqueue(ctx, &domain.WorkItem{SourceURN: "wiki:conn-1:42", Kind: "wiki_page"})
	require.NoError(t, err)

	leased, err := q.LeaseNext(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.NoError(t, q.Complete(ctx, leased.TaskID))

	requeued, err := q.Enqueue(ctx, &domain.WorkItem{SourceURN: "wiki:conn-1:42", Kind: "wiki_page"})
	require.NoError(t, err)

	assert.NotEqual(t, first.TaskID, requeued.TaskID)
	assert.Equal(t, domain.WorkItemNew, requeued.State)
	assert.Zero(t, requeued.Attempts)

	items, err := q.Snapshot(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, items, 1, "requeueing must reuse the row, not grow a second one")
}

func TestLeaseNextEmptyQueue(t *testing.T) {
	q, _, _ := newTestQueue(DefaultWorkQueueConfig())
	item, err := q.LeaseNext(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.Nil(t, item)
}

func TestLeaseNextPrefersPriorityThenAge(t *testing.T) {
	q, _, advance := newTestQueue(DefaultWorkQueueConfig())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &domain.WorkItem{SourceURN: "mail:conn-1:old", Kind: "mail_message"})
	require.NoError(t, err)
	advance(time.Minute)
	_, err = q.Enqueue(ctx, &domain.WorkItem{SourceURN: "mail:conn-1:new", Kind: "mail_message"})
	require.NoError(t, err)
	advance(time.Minute)
	_, err = q.Enqueue(ctx, &domain.WorkItem{SourceURN: "reindex:proj-1", Kind: "reindex", Priority: 10})
	require.NoError(t, err)

	var urns []string
	for i := 0; i < 3; i++ {
		item, err := q.LeaseNext(ctx, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, item)
		urns = append(urns, item.SourceURN)
	}
	assert.Equal(t, []string{"reindex:proj-1", "mail:conn-1:old", "mail:conn-1:new"}, urns)

	item, err := q.LeaseNext(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, item, "everything is leased, nothing should be eligible")
}

func TestLeaseExpiryAllowsReclaim(t *testing.T) {
	cfg := DefaultWorkQueueConfig()
	q, _, advance := newTestQueue(cfg)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &domain.WorkItem{SourceURN: "jira:conn-1:PROJ-9", Kind: "jira_issue"})
	require.NoError(t, err)

	first, err := q.LeaseNext(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, first)

	item, err := q.LeaseNext(ctx, "worker-2")
	require.NoError(t, err)
	assert.Nil(t, item, "an active lease must not be claimable")

	advance(cfg.LeaseTimeout + time.Second)

	second, err := q.LeaseNext(ctx, "worker-2")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, first.TaskID, second.TaskID)
	assert.Equal(t, "worker-2", second.WorkerID)
	assert.Equal(t, 2, second.Attempts)
}

func TestLeaseNextLostRaceMovesOn(t *testing.T) {
	q, kv, advance := newTestQueue(DefaultWorkQueueConfig())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &domain.WorkItem{SourceURN: "jira:conn-1:A-1", Kind: "jira_issue"})
	require.NoError(t, err)
	advance(time.Minute)
	_, err = q.Enqueue(ctx, &domain.WorkItem{SourceURN: "jira:conn-1:A-2", Kind: "jira_issue"})
	require.NoError(t, err)

	kv.failNextUpdate("jira:conn-1:A-1")

	leased, err := q.LeaseNext(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, "jira:conn-1:A-2", leased.SourceURN)
}

func TestFailRetryableReturnsToNew(t *testing.T) {
	q, _, _ := newTestQueue(DefaultWorkQueueConfig())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &domain.WorkItem{SourceURN: "mail:conn-1:m1", Kind: "mail_message"})
	require.NoError(t, err)

	leased, err := q.LeaseNext(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.NoError(t, q.Fail(ctx, leased.TaskID, fmt.Errorf("connection refused"), true))

	items, err := q.Snapshot(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, domain.WorkItemNew, items[0].State)
	assert.Equal(t, "connection refused", items[0].Error)
	assert.Equal(t, 1, items[0].Attempts)
}

func TestFailExhaustsAttempts(t *testing.T) {
	cfg := DefaultWorkQueueConfig()
	q, _, _ := newTestQueue(cfg)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &domain.WorkItem{SourceURN: "jira:conn-1:FLAKY-1", Kind: "jira_issue"})
	require.NoError(t, err)

	for i := 0; i < cfg.MaxAttempts; i++ {
		leased, err := q.LeaseNext(ctx, "worker-1")
		require.NoError(t, err)
		require.NotNil(t, leased, "attempt %d should lease", i+1)
		require.NoError(t, q.Fail(ctx, leased.TaskID, fmt.Errorf("boom"), true))
	}

	item, err := q.LeaseNext(ctx, "worker-1")
	require.NoError(t, err)
	assert.Nil(t, item, "exhausted items must not be leased again")

	items, err := q.Snapshot(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, domain.WorkItemFailed, items[0].State)
	assert.Equal(t, cfg.MaxAttempts, items[0].Attempts)
}

func TestFailNonRetryableIsTerminal(t *testing.T) {
	q, _, _ := newTestQueue(DefaultWorkQueueConfig())
	ctx := context.Background()

	_, err := q.Enqueue(ctx, &domain.WorkItem{SourceURN: "jira:conn-1:BAD-1", Kind: "jira_issue"})
	require.NoError(t, err)

	leased, err := q.LeaseNext(ctx, "worker-1")
	require.NoError(t, err)
	require.NotNil(t, leased)
	require.NoError(t, q.Fail(ctx, leased.TaskID, fmt.Errorf("no such item"), false))

	items, err := q.Snapshot(ctx, 0)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, domain.WorkItemFailed, items[0].State)
}

func TestSnapshotNewestFirstWithLimit(t *testing.T) {
	q, _, advance := newTestQueue(DefaultWorkQueueConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, &domain.WorkItem{SourceURN: fmt.Sprintf("mail:conn-1:m%d", i), Kind: "mail_message"})
		require.NoError(t, err)
		advance(time.Second)
	}

	items, err := q.Snapshot(ctx, 2)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "mail:conn-1:m2", items[0].SourceURN)
	assert.Equal(t, "mail:conn-1:m1", items[1].SourceURN)
}
