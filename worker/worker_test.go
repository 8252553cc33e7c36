package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jervisproject/jervis/domain"
	"github.com/jervisproject/jervis/kb"
	"github.com/jervisproject/jervis/store"
)

type fakeQueue struct {
	items     []*domain.WorkItem
	completed []string
	failed    []struct {
		taskID    string
		retryable bool
	}
}

func (q *fakeQueue) LeaseNext(context.Context, string) (*domain.WorkItem, error) {
	if len(q.items) == 0 {
		return nil, nil
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, nil
}

func (q *fakeQueue) Complete(_ context.Context, taskID string) error {
	q.completed = append(q.completed, taskID)
	return nil
}

func (q *fakeQueue) Fail(_ context.Context, taskID string, _ error, retryable bool) error {
	q.failed = append(q.failed, struct {
		taskID    string
		retryable bool
	}{taskID, retryable})
	return nil
}

type fakeItems struct {
	items map[string]*store.SourceItem
}

func (f *fakeItems) Get(_ context.Context, tool, nativeID string) (*store.SourceItem, error) {
	item, ok := f.items[tool+"."+nativeID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return item, nil
}

type fakeCommits struct {
	records map[string]*domain.GitCommitRecord
	states  map[string]domain.CommitState
}

func commitKey(projectID, branch, hash string) string {
	return projectID + "." + branch + "." + hash
}

func (f *fakeCommits) Get(_ context.Context, projectID, branch, hash string) (*domain.GitCommitRecord, error) {
	rec, ok := f.records[commitKey(projectID, branch, hash)]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

func (f *fakeCommits) SetState(_ context.Context, projectID, branch, hash string, state domain.CommitState) error {
	if f.states == nil {
		f.states = map[string]domain.CommitState{}
	}
	f.states[commitKey(projectID, branch, hash)] = state
	return nil
}

type fakeKnowledge struct {
	docs    []kb.Document
	commits []kb.GitCommit
	err     error
}

func (f *fakeKnowledge) Ingest(_ context.Context, docs []kb.Document) error {
	if f.err != nil {
		return f.err
	}
	f.docs = append(f.docs, docs...)
	return nil
}

func (f *fakeKnowledge) IngestGitCommits(_ context.Context, commits []kb.GitCommit) error {
	if f.err != nil {
		return f.err
	}
	f.commits = append(f.commits, commits...)
	return nil
}

type fakeIndexer struct {
	indexed []string
	err     error
}

func (f *fakeIndexer) IndexProject(_ context.Context, _, projectID string) error {
	if f.err != nil {
		return f.err
	}
	f.indexed = append(f.indexed, projectID)
	return nil
}

func TestHandleJiraIssue(t *testing.T) {
	queue := &fakeQueue{}
	items := &fakeItems{items: map[string]*store.SourceItem{
		"jira.PROJ-17": {
			Tool: "jira", NativeID: "PROJ-17", ClientID: "client-1",
			Title: "Login broken", Body: "Users cannot log in.", URL: "https://jira/PROJ-17",
		},
	}}
	knowledge := &fakeKnowledge{}
	w := New(queue, items, &fakeCommits{}, knowledge, &fakeIndexer{})

	w.handle(context.Background(), &domain.WorkItem{
		TaskID: "t1", SourceURN: "jira:conn-1:PROJ-17", Kind: "jira_issue",
	})

	require.Len(t, knowledge.docs, 1)
	assert.Equal(t, "ticket", knowledge.docs[0].Kind)
	assert.Equal(t, "Login broken", knowledge.docs[0].Title)
	assert.Equal(t, []string{"t1"}, queue.completed)
	assert.Empty(t, queue.failed)
}

func TestHandleMissingItemIsTerminal(t *testing.T) {
	queue := &fakeQueue{}
	w := New(queue, &fakeItems{}, &fakeCommits{}, &fakeKnowledge{}, &fakeIndexer{})

	w.handle(context.Background(), &domain.WorkItem{
		TaskID: "t1", SourceURN: "jira:conn-1:GONE-1", Kind: "jira_issue",
	})

	require.Len(t, queue.failed, 1)
	assert.False(t, queue.failed[0].retryable)
}

func TestHandleKnowledgeOutageIsRetryable(t *testing.T) {
	queue := &fakeQueue{}
	items := &fakeItems{items: map[string]*store.SourceItem{
		"mail.msg-1": {Tool: "mail", NativeID: "msg-1", ClientID: "client-1", Body: "hello"},
	}}
	w := New(queue, items, &fakeCommits{}, &fakeKnowledge{err: fmt.Errorf("connection refused")}, &fakeIndexer{})

	w.handle(context.Background(), &domain.WorkItem{
		TaskID: "t1", SourceURN: "mail:conn-1:msg-1", Kind: "mail_message",
	})

	require.Len(t, queue.failed, 1)
	assert.True(t, queue.failed[0].retryable)
}

func TestHandleGitCommit(t *testing.T) {
	queue := &fakeQueue{}
	commits := &fakeCommits{records: map[string]*domain.GitCommitRecord{
		commitKey("proj-1", "main", "abc123"): {
			ProjectID: "proj-1", Branch: "main", Hash: "abc123",
			Author: "dev", Message: "fix login", CommitDate: time.Now(),
		},
	}}
	knowledge := &fakeKnowledge{}
	indexer := &fakeIndexer{}
	w := New(queue, &fakeItems{}, commits, knowledge, indexer)

	w.handle(context.Background(), &domain.WorkItem{
		TaskID: "t1", ClientID: "client-1", ProjectID: "proj-1",
		SourceURN: "git:proj-1:main:abc123", Kind: "git_commit",
	})

	require.Len(t, knowledge.commits, 1)
	assert.Equal(t, "abc123", knowledge.commits[0].Hash)
	assert.Equal(t, []string{"proj-1"}, indexer.indexed)
	assert.Equal(t, domain.CommitIndexed, commits.states[commitKey("proj-1", "main", "abc123")])
	assert.Equal(t, []string{"t1"}, queue.completed)
}

func TestHandleGitCommitIndexFailure(t *testing.T) {
	queue := &fakeQueue{}
	commits := &fakeCommits{records: map[string]*domain.GitCommitRecord{
		commitKey("proj-1", "main", "abc123"): {ProjectID: "proj-1", Branch: "main", Hash: "abc123"},
	}}
	w := New(queue, &fakeItems{}, commits, &fakeKnowledge{}, &fakeIndexer{err: fmt.Errorf("embedding service down")})

	w.handle(context.Background(), &domain.WorkItem{
		TaskID: "t1", SourceURN: "git:proj-1:main:abc123", Kind: "git_commit",
	})

	require.Len(t, queue.failed, 1)
	assert.True(t, queue.failed[0].retryable)
	assert.Equal(t, domain.CommitFailed, commits.states[commitKey("proj-1", "main", "abc123")])
}

func TestHandleReindex(t *testing.T) {
	queue := &fakeQueue{}
	indexer := &fakeIndexer{}
	w := New(queue, &fakeItems{}, &fakeCommits{}, &fakeKnowledge{}, indexer)

	w.handle(context.Background(), &domain.WorkItem{
		TaskID: "t1", ClientID: "client-1", ProjectID: "proj-1",
		SourceURN: "reindex:proj-1", Kind: "reindex",
	})

	assert.Equal(t, []string{"proj-1"}, indexer.indexed)
	assert.Equal(t, []string{"t1"}, queue.completed)
}

func TestHandleReindexMalformedURNIsTerminal(t *testing.T) {
	queue := &fakeQueue{}
	w := New(queue, &fakeItems{}, &fakeCommits{}, &fakeKnowledge{}, &fakeIndexer{})

	w.handle(context.Background(), &domain.WorkItem{TaskID: "t1", SourceURN: "reindex:", Kind: "reindex"})

	require.Len(t, queue.failed, 1)
	assert.False(t, queue.failed[0].retryable)
}

func TestHandleUnknownKindIsTerminal(t *testing.T) {
	queue := &fakeQueue{}
	w := New(queue, &fakeItems{}, &fakeCommits{}, &fakeKnowledge{}, &fakeIndexer{})

	w.handle(context.Background(), &domain.WorkItem{TaskID: "t1", SourceURN: "x:y:z", Kind: "carrier_pigeon"})

	require.Len(t, queue.failed, 1)
	assert.False(t, queue.failed[0].retryable)
}

func TestRunStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	queue := &fakeQueue{}
	w := New(queue, &fakeItems{}, &fakeCommits{}, &fakeKnowledge{}, &fakeIndexer{}, WithIdleDelay(time.Millisecond))

	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("worker did not stop")
	}
}
