// Package pipeline implements the streaming indexing pipeline: discovery
// walks a working copy and streams symbols, the splitter routes each symbol
// to an analysis or embedding lane, and storage workers write vectors and
// ledger records. Stages are connected by bounded channels and supervised
// together; one failing stage cancels the run.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/jervisproject/jervis/chunk"
	"github.com/jervisproject/jervis/domain"
	"github.com/jervisproject/jervis/symbols"
)

// Step names one phase of the pipeline for progress reporting. The set is
// closed; consumers switch on it.
type Step string

const (
	StepDiscover Step = "discover"
	StepAnalyze  Step = "analyze"
	StepEmbed    Step = "embed"
	StepStore    Step = "store"
	StepComplete Step = "complete"
)

// ProgressFunc receives progress events during a run.
type ProgressFunc func(step Step, message string)

// Embedder produces vectors for code and text inputs.
type Embedder interface {
	EmbedCode(ctx context.Context, inputs []string) ([][]float32, error)
	EmbedText(ctx context.Context, inputs []string) ([][]float32, error)
	CodeModel() string
	TextModel() string
	Dimension(ctx context.Context, model string) (int, error)
}

// VectorStore is the slice of the vector gateway the pipeline needs.
type VectorStore interface {
	EnsureCollection(ctx context.Context, model string, dim int) (string, error)
	Upsert(ctx context.Context, collection string, points []Point) error
	DeleteByFilter(ctx context.Context, collection string, filter map[string]any) (int, error)
}

// Point mirrors the vector gateway point shape.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// StatusLedger records per-file indexing state.
type StatusLedger interface {
	Get(ctx context.Context, projectID, path string) (*domain.IndexingStatus, error)
	ShouldIndex(ctx context.Context, projectID, path, commitHash, content string) (bool, error)
	StartIndexing(ctx context.Context, projectID, path string) error
	CompleteIndexing(ctx context.Context, projectID, path, commitHash, fileHash string, contents []domain.VectorContent) error
	FailIndexing(ctx context.Context, projectID, path string, cause error) error
}

// Summarizer produces natural language descriptions of code.
type Summarizer interface {
	Summarize(ctx context.Context, instruction, content string) (string, error)
}

// Config holds pipeline tuning knobs.
type Config struct {
	// ChannelCapacity bounds the stage channels.
	ChannelCapacity int

	// StoreWorkers is the number of concurrent storage workers.
	StoreWorkers int

	// AnalyzeWorkers is the number of concurrent LLM analysis workers.
	AnalyzeWorkers int

	// Excludes are doublestar patterns skipped during discovery.
	Excludes []string
}

// DefaultConfig returns the standard pipeline configuration.
func DefaultConfig() Config {
	return Config{
		ChannelCapacity: 100,
		StoreWorkers:    4,
		AnalyzeWorkers:  2,
		Excludes: []string{
			"**/.git/**",
			"**/node_modules/**",
			"**/vendor/**",
			"**/target/**",
			"**/build/**",
			"**/dist/**",
			"**/*.min.js",
		},
	}
}

// Pipeline indexes working copies into the vector store.
type Pipeline struct {
	config     Config
	registry   *symbols.Registry
	ledger     StatusLedger
	vectors    VectorStore
	embedder   Embedder
	summarizer Summarizer
	chunker    *chunk.Chunker
	logger     *slog.Logger
	progress   ProgressFunc
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = logger }
}

// WithConfig overrides the default configuration.
func WithConfig(cfg Config) Option {
	return func(p *Pipeline) { p.config = cfg }
}

// WithProgress sets the progress callback.
func WithProgress(fn ProgressFunc) Option {
	return func(p *Pipeline) { p.progress = fn }
}

// WithSymbolRegistry overrides the extractor registry.
func WithSymbolRegistry(r *symbols.Registry) Option {
	return func(p *Pipeline) { p.registry = r }
}

// New creates an indexing pipeline.
func New(ledger StatusLedger, vectors VectorStore, embedder Embedder, summarizer Summarizer, opts ...Option) *Pipeline {
	p := &Pipeline{
		config:     DefaultConfig(),
		registry:   symbols.DefaultRegistry,
		ledger:     ledger,
		vectors:    vectors,
		embedder:   embedder,
		summarizer: summarizer,
		chunker:    chunk.NewDefault(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Request describes one indexing run.
type Request struct {
	ClientID  string
	ProjectID string

	// RepoRoot is the working copy to index.
	RepoRoot string

	// Branch and CommitHash pin the run to the HEAD resolved at start. A
	// commit arriving mid-run is picked up by the next run, never mixed in.
	Branch     string
	CommitHash string

	// Languages restricts extraction; empty means all registered languages.
	Languages []string
}

// Summary reports the outcome of a run.
type Summary struct {
	FilesScanned  int
	FilesIndexed  int
	FilesSkipped  int
	FilesFailed   int
	VectorsStored int
}

// collections holds the resolved collection names for a run.
type collections struct {
	code string
	text string
}

// fileState tracks one file's progress through the pipeline. The storage
// stage finalizes the file when discovery has emitted all its symbols and
// every emitted item has been stored or skipped.
type fileState struct {
	relPath  string
	commit   string
	fileHash string
	prior    *domain.IndexingStatus

	mu       sync.Mutex
	pending  int
	closed   bool
	failed   error
	contents []domain.VectorContent
}

// add registers one in-flight item.
func (f *fileState) add() {
	f.mu.Lock()
	f.pending++
	f.mu.Unlock()
}

// done marks one item stored and reports whether the file is complete.
func (f *fileState) done(content *domain.VectorContent, err error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending--
	if content != nil {
		f.contents = append(f.contents, *content)
	}
	if err != nil && f.failed == nil {
		f.failed = err
	}
	return f.closed && f.pending == 0
}

// close marks discovery finished for the file and reports whether it is
// already complete (e.g. no symbols emitted).
func (f *fileState) close() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.pending == 0
}

// symbolItem is one symbol flowing from discovery to the splitter.
type symbolItem struct {
	file *fileState
	sym  symbols.Symbol
}

// analysisItem is a symbol awaiting an LLM description.
type analysisItem struct {
	file        *fileState
	sym         symbols.Symbol
	doc         domain.RagDocument
	instruction string
}

// embedItem is content awaiting embedding. hash is the content hash of the
// source symbol, recorded in the ledger so later runs can match against it
// even when the embedded input is a derived description. desc is the ledger
// description; for a chunked summary only the first chunk carries it.
type embedItem struct {
	file  *fileState
	doc   domain.RagDocument
	input string
	hash  string
	desc  string
	code  bool // code lane vs text lane
}

// Run indexes the working copy described by req.
func (p *Pipeline) Run(ctx context.Context, req Request) (*Summary, error) {
	if req.ProjectID == "" || req.RepoRoot == "" {
		return nil, fmt.Errorf("project id and repo root are required")
	}

	colls, err := p.ensureCollections(ctx)
	if err != nil {
		return nil, err
	}

	p.report(StepDiscover, "scanning "+req.RepoRoot)

	summary := &Summary{}
	var summaryMu sync.Mutex

	symbolCh := make(chan symbolItem, p.config.ChannelCapacity)
	analyzeCh := make(chan analysisItem, p.config.ChannelCapacity)
	embedCh := make(chan embedItem, p.config.ChannelCapacity)

	g, ctx := errgroup.WithContext(ctx)

	// Discovery: walk the tree, stream symbols.
	g.Go(func() error {
		defer close(symbolCh)
		return p.discover(ctx, req, colls, summary, &summaryMu, symbolCh)
	})

	// Splitter: route symbols to lanes.
	g.Go(func() error {
		defer close(analyzeCh)
		return p.split(ctx, req, summary, &summaryMu, symbolCh, analyzeCh, embedCh)
	})

	// Analysis: LLM descriptions feed the text embed lane.
	var analyzeWG sync.WaitGroup
	for i := 0; i < p.config.AnalyzeWorkers; i++ {
		analyzeWG.Add(1)
		g.Go(func() error {
			defer analyzeWG.Done()
			return p.analyze(ctx, req, summary, &summaryMu, analyzeCh, embedCh)
		})
	}
	go func() {
		analyzeWG.Wait()
		close(embedCh)
	}()

	// Embedding and storage workers.
	for i := 0; i < p.config.StoreWorkers; i++ {
		g.Go(func() error {
			return p.embedAndStore(ctx, req, colls, summary, &summaryMu, embedCh)
		})
	}

	if err := g.Wait(); err != nil {
		return summary, err
	}

	p.report(StepComplete, fmt.Sprintf("indexed %d files, stored %d vectors",
		summary.FilesIndexed, summary.VectorsStored))
	return summary, nil
}

// ensureCollections resolves both run collections up front so a vector store
// outage fails the run before any work happens.
func (p *Pipeline) ensureCollections(ctx context.Context) (collections, error) {
	var colls collections

	codeDim, err := p.embedder.Dimension(ctx, p.embedder.CodeModel())
	if err != nil {
		return colls, fmt.Errorf("resolve code embedding dimension: %w", err)
	}
	colls.code, err = p.vectors.EnsureCollection(ctx, p.embedder.CodeModel(), codeDim)
	if err != nil {
		return colls, err
	}

	textDim, err := p.embedder.Dimension(ctx, p.embedder.TextModel())
	if err != nil {
		return colls, fmt.Errorf("resolve text embedding dimension: %w", err)
	}
	colls.text, err = p.vectors.EnsureCollection(ctx, p.embedder.TextModel(), textDim)
	if err != nil {
		return colls, err
	}

	return colls, nil
}

func (p *Pipeline) report(step Step, message string) {
	if p.progress != nil {
		p.progress(step, message)
	}
}

// release marks one in-flight item finished and finalizes the file when it
// was the last one.
func (p *Pipeline) release(ctx context.Context, req Request, summary *Summary, mu *sync.Mutex,
	f *fileState, content *domain.VectorContent, err error) {
	if f.done(content, err) {
		p.finalize(ctx, req, f, summary, mu)
	}
}

// finalize writes the terminal ledger record for a completed file.
func (p *Pipeline) finalize(ctx context.Context, req Request, f *fileState, summary *Summary, mu *sync.Mutex) {
	f.mu.Lock()
	failed := f.failed
	contents := f.contents
	f.mu.Unlock()

	if failed != nil {
		if err := p.ledger.FailIndexing(ctx, req.ProjectID, f.relPath, failed); err != nil {
			p.logger.Warn("Failed to record indexing failure",
				"path", f.relPath, "error", err)
		}
		mu.Lock()
		summary.FilesFailed++
		mu.Unlock()
		return
	}

	if err := p.ledger.CompleteIndexing(ctx, req.ProjectID, f.relPath, f.commit, f.fileHash, contents); err != nil {
		p.logger.Warn("Failed to record indexing completion",
			"path", f.relPath, "error", err)
		mu.Lock()
		summary.FilesFailed++
		mu.Unlock()
		return
	}

	mu.Lock()
	summary.FilesIndexed++
	summary.VectorsStored += len(contents)
	mu.Unlock()
}
