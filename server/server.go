// Package server exposes the HTTP API: OpenAI-style completion endpoints
// that drive the planner, admin endpoints for clients and projects, reindex
// triggers, queue and indexing observability, dialog callbacks, and metrics.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jervisproject/jervis/domain"
)

// Planner produces plans from user questions.
type Planner interface {
	Plan(ctx context.Context, contextID, question string, toolDescriptions map[string]string) (*domain.Plan, error)
}

// Executor runs plans to a terminal state and finalizes their answers.
type Executor interface {
	Execute(ctx context.Context, taskCtx *domain.TaskContext, planID string) error
	FinalizePending(ctx context.Context, taskCtx *domain.TaskContext)
}

// ContextStore persists task contexts.
type ContextStore interface {
	Create(ctx context.Context, tc *domain.TaskContext) (string, error)
	Get(ctx context.Context, id string) (*domain.TaskContext, error)
	Save(ctx context.Context, tc *domain.TaskContext) error
}

// ProjectStore persists projects.
type ProjectStore interface {
	Create(ctx context.Context, p *domain.Project) (string, error)
	Get(ctx context.Context, id string) (*domain.Project, error)
	List(ctx context.Context, clientID string) ([]*domain.Project, error)
}

// Queue exposes the work queue for observability.
type Queue interface {
	Snapshot(ctx context.Context, limit int) ([]*domain.WorkItem, error)
}

// IndexLedger exposes per-file indexing status.
type IndexLedger interface {
	ListProject(ctx context.Context, projectID string) ([]*domain.IndexingStatus, error)
}

// Dialogs routes user answers back to waiting plans.
type Dialogs interface {
	HandleResponse(dialogID, correlationID, answer string) error
	HandleClose(dialogID, correlationID string) error
}

// Reindexer starts a full reindex of a project.
type Reindexer interface {
	Reindex(ctx context.Context, project *domain.Project) error
}

// KnowledgePurger removes a knowledge item's vectors across all collections.
type KnowledgePurger interface {
	PurgeKnowledge(ctx context.Context, knowledgeID, clientID string) (int, error)
}

// Server is the HTTP API front end.
type Server struct {
	planner     Planner
	executor    Executor
	contexts    ContextStore
	projects    ProjectStore
	queue       Queue
	ledger      IndexLedger
	dialogs     Dialogs
	reindexer   Reindexer
	purger      KnowledgePurger
	toolCatalog map[string]string

	embeddingsProxy http.Handler
	metricsHandler  http.Handler
	progress        *progressLog
	logger          *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithQueue enables the queue snapshot endpoint.
func WithQueue(q Queue) Option {
	return func(s *Server) { s.queue = q }
}

// WithLedger enables the indexing status endpoint.
func WithLedger(l IndexLedger) Option {
	return func(s *Server) { s.ledger = l }
}

// WithDialogs enables the dialog callback endpoints.
func WithDialogs(d Dialogs) Option {
	return func(s *Server) { s.dialogs = d }
}

// WithReindexer enables the reindex endpoint.
func WithReindexer(r Reindexer) Option {
	return func(s *Server) { s.reindexer = r }
}

// WithKnowledgePurger enables the knowledge deletion endpoint.
func WithKnowledgePurger(p KnowledgePurger) Option {
	return func(s *Server) { s.purger = p }
}

// WithEmbeddingsProxy forwards /embeddings to the embedding service.
func WithEmbeddingsProxy(h http.Handler) Option {
	return func(s *Server) { s.embeddingsProxy = h }
}

// WithMetricsHandler mounts the Prometheus handler at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

// New creates the API server. toolCatalog maps tool names to the one-line
// descriptions shown to the planner.
func New(planner Planner, executor Executor, contexts ContextStore, projects ProjectStore, toolCatalog map[string]string, opts ...Option) *Server {
	s := &Server{
		planner:     planner,
		executor:    executor,
		contexts:    contexts,
		projects:    projects,
		toolCatalog: toolCatalog,
		progress:    newProgressLog(64),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.metricsHandler != nil {
		r.Handle("/metrics", s.metricsHandler)
	}

	r.Post("/completions", s.handleCompletion)
	r.Post("/chat/completions", s.handleCompletion)
	r.Post("/v1/chat/completions", s.handleCompletion)
	if s.embeddingsProxy != nil {
		r.Handle("/embeddings", s.embeddingsProxy)
		r.Handle("/v1/embeddings", s.embeddingsProxy)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/clients/{clientID}/projects", func(r chi.Router) {
			r.Get("/", s.handleListProjects)
			r.Post("/", s.handleCreateProject)
			r.Get("/{projectID}", s.handleGetProject)
		})
		r.Delete("/clients/{clientID}/knowledge/{knowledgeID}", s.handleDeleteKnowledge)
		r.Post("/projects/{projectID}/index/reindex", s.handleReindex)
		r.Get("/projects/{projectID}/index/status", s.handleIndexStatus)
		r.Get("/queue", s.handleQueue)
		r.Post("/internal/kb-progress", s.handleKBProgress)
		r.Get("/internal/kb-progress", s.handleKBProgressList)

		r.Post("/dialogs/{dialogID}/response", s.handleDialogResponse)
		r.Post("/dialogs/{dialogID}/close", s.handleDialogClose)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{"message": message},
	})
}

// progressLog keeps the most recent knowledge base progress events for the
// observability endpoint.
type progressLog struct {
	mu     sync.Mutex
	events []progressEvent
	max    int
}

type progressEvent struct {
	ReceivedAt time.Time      `json:"received_at"`
	Type       string         `json:"type"`
	Step       string         `json:"step,omitempty"`
	Message    string         `json:"message,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

func newProgressLog(max int) *progressLog {
	return &progressLog{max: max}
}

func (p *progressLog) add(e progressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	if len(p.events) > p.max {
		p.events = p.events[len(p.events)-p.max:]
	}
}

func (p *progressLog) list() []progressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]progressEvent, len(p.events))
	copy(out, p.events)
	return out
}
