package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jervisproject/jervis/domain"
	"github.com/jervisproject/jervis/store"
	"github.com/jervisproject/jervis/symbols"
)

// fakeLedger is an in-memory StatusLedger.
type fakeLedger struct {
	mu      sync.Mutex
	records map[string]*domain.IndexingStatus
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{records: make(map[string]*domain.IndexingStatus)}
}

func (l *fakeLedger) key(projectID, path string) string { return projectID + "|" + path }

func (l *fakeLedger) Get(ctx context.Context, projectID, path string) (*domain.IndexingStatus, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.records[l.key(projectID, path)]; ok {
		copied := *s
		return &copied, nil
	}
	return nil, store.ErrNotFound
}

func (l *fakeLedger) ShouldIndex(ctx context.Context, projectID, path, commitHash, content string) (bool, error) {
	status, err := l.Get(ctx, projectID, path)
	if err != nil {
		return true, nil
	}
	if status.State != domain.IndexComplete {
		return true, nil
	}
	if commitHash != "" && status.GitCommitHash != commitHash {
		return true, nil
	}
	return status.ContentHash != store.HashContent(content), nil
}

func (l *fakeLedger) StartIndexing(ctx context.Context, projectID, path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[l.key(projectID, path)] = &domain.IndexingStatus{
		ProjectID: projectID, FilePath: path, State: domain.IndexRunning,
	}
	return nil
}

func (l *fakeLedger) CompleteIndexing(ctx context.Context, projectID, path, commitHash, fileHash string, contents []domain.VectorContent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[l.key(projectID, path)] = &domain.IndexingStatus{
		ProjectID: projectID, FilePath: path, GitCommitHash: commitHash,
		ContentHash: fileHash, Contents: contents, State: domain.IndexComplete,
	}
	return nil
}

func (l *fakeLedger) FailIndexing(ctx context.Context, projectID, path string, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	status := &domain.IndexingStatus{ProjectID: projectID, FilePath: path, State: domain.IndexFailed}
	if cause != nil {
		status.Error = cause.Error()
	}
	l.records[l.key(projectID, path)] = status
	return nil
}

// fakeVectors records upserts and deletes.
type fakeVectors struct {
	mu      sync.Mutex
	points  map[string][]Point
	deletes []map[string]any
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{points: make(map[string][]Point)}
}

func (v *fakeVectors) EnsureCollection(ctx context.Context, model string, dim int) (string, error) {
	return "test_" + model, nil
}

func (v *fakeVectors) Upsert(ctx context.Context, collection string, points []Point) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.points[collection] = append(v.points[collection], points...)
	return nil
}

func (v *fakeVectors) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.deletes = append(v.deletes, filter)
	return 0, nil
}

// fakeEmbedder returns unit vectors.
type fakeEmbedder struct{}

func (fakeEmbedder) EmbedCode(ctx context.Context, inputs []string) ([][]float32, error) {
	return fakeVectorsFor(inputs), nil
}
func (fakeEmbedder) EmbedText(ctx context.Context, inputs []string) ([][]float32, error) {
	return fakeVectorsFor(inputs), nil
}
func (fakeEmbedder) CodeModel() string { return "code" }
func (fakeEmbedder) TextModel() string { return "text" }
func (fakeEmbedder) Dimension(ctx context.Context, model string) (int, error) {
	return 3, nil
}

func fakeVectorsFor(inputs []string) [][]float32 {
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = []float32{1, 0, 0}
	}
	return out
}

// fakeSummarizer returns a canned description.
type fakeSummarizer struct{}

func (fakeSummarizer) Summarize(ctx context.Context, instruction, content string) (string, error) {
	return "a canned description", nil
}

func writeTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	src := `package demo

// Greeter greets.
type Greeter struct {
	Name string
}

// Greet says hello.
func (g *Greeter) Greet(who string) string {
	return "hello " + who
}
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "demo.go"), []byte(src), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".git", "config"), []byte("x"), 0o644))
	return dir
}

func TestPipelineRun(t *testing.T) {
	ledger := newFakeLedger()
	vectors := newFakeVectors()
	p := New(ledger, vectors, fakeEmbedder{}, fakeSummarizer{})

	repo := writeTestRepo(t)
	summary, err := p.Run(context.Background(), Request{
		ClientID:   "client-1",
		ProjectID:  "proj-1",
		RepoRoot:   repo,
		Branch:     "main",
		CommitHash: "abc123",
	})

	require.NoError(t, err)
	assert.Equal(t, 1, summary.FilesScanned)
	assert.Equal(t, 1, summary.FilesIndexed)
	assert.Zero(t, summary.FilesFailed)
	assert.Greater(t, summary.VectorsStored, 0)

	// Prior vectors were deleted before new ones landed.
	assert.NotEmpty(t, vectors.deletes)

	// Ledger records completion at the run commit.
	status, err := ledger.Get(context.Background(), "proj-1", "demo.go")
	require.NoError(t, err)
	assert.Equal(t, domain.IndexComplete, status.State)
	assert.Equal(t, "abc123", status.GitCommitHash)
	assert.Len(t, status.Contents, summary.VectorsStored)
}

func TestPipelineRunSkipsUnchanged(t *testing.T) {
	ledger := newFakeLedger()
	vectors := newFakeVectors()
	p := New(ledger, vectors, fakeEmbedder{}, fakeSummarizer{})

	repo := writeTestRepo(t)
	req := Request{ClientID: "c", ProjectID: "p", RepoRoot: repo, CommitHash: "abc123"}

	_, err := p.Run(context.Background(), req)
	require.NoError(t, err)

	second, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, second.FilesSkipped)
	assert.Zero(t, second.FilesIndexed)
}

func TestPipelineRunReindexesEditedFile(t *testing.T) {
	ledger := newFakeLedger()
	vectors := newFakeVectors()
	p := New(ledger, vectors, fakeEmbedder{}, fakeSummarizer{})

	repo := writeTestRepo(t)
	req := Request{ClientID: "c", ProjectID: "p", RepoRoot: repo, CommitHash: "abc123"}

	_, err := p.Run(context.Background(), req)
	require.NoError(t, err)

	// An uncommitted edit leaves HEAD alone but must still reindex the file.
	src := "package demo\n\nfunc Changed() int { return 42 }\n"
	require.NoError(t, os.WriteFile(filepath.Join(repo, "demo.go"), []byte(src), 0o644))

	second, err := p.Run(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, second.FilesIndexed)
	assert.Zero(t, second.FilesSkipped)
}

func TestRouteTable(t *testing.T) {
	p := New(newFakeLedger(), newFakeVectors(), fakeEmbedder{}, fakeSummarizer{})
	req := Request{ClientID: "c", ProjectID: "p", CommitHash: "h"}
	file := &fileState{relPath: "a.go", commit: "h"}

	method := p.route(req, symbolItem{file: file, sym: symbols.Symbol{
		Type: symbols.TypeMethod, Name: "Do", FullName: "pkg.T.Do",
		Code: "func (t T) Do() {}", ParentClass: "T", Language: "go",
	}})
	assert.Len(t, method.embeds, 1, "method code goes to the code lane")
	assert.True(t, method.embeds[0].code)
	assert.Len(t, method.analysis, 1, "method summary goes through analysis")

	class := p.route(req, symbolItem{file: file, sym: symbols.Symbol{
		Type: symbols.TypeClass, Name: "T", FullName: "pkg.T",
		Code: "type T struct{}", Language: "go",
	}})
	assert.Empty(t, class.embeds)
	assert.Len(t, class.analysis, 1)

	field := p.route(req, symbolItem{file: file, sym: symbols.Symbol{
		Type: symbols.TypeField, Name: "N", FullName: "pkg.T.N",
		Code: "N int", ParentClass: "T", Language: "go",
	}})
	assert.Len(t, field.embeds, 1)
	assert.True(t, field.embeds[0].code)
	assert.Empty(t, field.analysis)

	param := p.route(req, symbolItem{file: file, sym: symbols.Symbol{
		Type: symbols.TypeParameter, Name: "who", FullName: "pkg.T.Do.who",
		Code: "who string", ParentClass: "T", Language: "go",
	}})
	assert.Len(t, param.embeds, 1)
	assert.True(t, param.embeds[0].code)

	pkg := p.route(req, symbolItem{file: file, sym: symbols.Symbol{
		Type: symbols.TypePackage, Name: "pkg", FullName: "pkg",
	}})
	assert.Empty(t, pkg.embeds)
	assert.Empty(t, pkg.analysis)
}

func TestSummaryChunkFanout(t *testing.T) {
	p := New(newFakeLedger(), newFakeVectors(), fakeEmbedder{}, fakeSummarizer{})
	file := &fileState{relPath: "a.go"}
	doc := domain.RagDocument{Path: "a.go", SourceType: domain.SourceFileDescription}

	short := "Does one thing."
	items := p.summaryEmbeds(file, doc, short, "hash-1")
	require.Len(t, items, 1)
	assert.Equal(t, short, items[0].doc.Summary)
	assert.Equal(t, short, items[0].desc)
	assert.Zero(t, items[0].doc.ChunkOf)

	long := strings.Repeat("A sentence describing what the method does in detail. ", 400)
	items = p.summaryEmbeds(file, doc, long, "hash-2")
	require.Greater(t, len(items), 1, "oversized summary must split")
	for i, item := range items {
		assert.Equal(t, i, item.doc.ChunkID)
		assert.Equal(t, len(items), item.doc.ChunkOf)
		assert.Equal(t, "hash-2", item.hash)
	}
	assert.Equal(t, long, items[0].desc, "first chunk keeps the reusable description")
	assert.Empty(t, items[1].desc)
}

func TestRouteReusesPriorDescription(t *testing.T) {
	p := New(newFakeLedger(), newFakeVectors(), fakeEmbedder{}, fakeSummarizer{})
	req := Request{ClientID: "c", ProjectID: "p", CommitHash: "h"}

	code := "type T struct{}"
	file := &fileState{
		relPath: "a.go",
		prior: &domain.IndexingStatus{
			Contents: []domain.VectorContent{{
				ContentHash: store.HashContent(code),
				Description: "previously computed",
			}},
		},
	}

	class := p.route(req, symbolItem{file: file, sym: symbols.Symbol{
		Type: symbols.TypeClass, Name: "T", FullName: "pkg.T", Code: code,
	}})
	require.Len(t, class.embeds, 1)
	assert.Empty(t, class.analysis, "unchanged content skips the LLM")
	assert.Equal(t, "previously computed", class.embeds[0].doc.Summary)
	assert.Equal(t, store.HashContent(code), class.embeds[0].hash,
		"ledger hash stays keyed on the source code, not the description")
}
