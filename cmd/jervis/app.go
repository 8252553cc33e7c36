package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/jervisproject/jervis/config"
	"github.com/jervisproject/jervis/dialog"
	"github.com/jervisproject/jervis/domain"
	"github.com/jervisproject/jervis/embedding"
	"github.com/jervisproject/jervis/gitcli"
	"github.com/jervisproject/jervis/kb"
	"github.com/jervisproject/jervis/linkqueue"
	"github.com/jervisproject/jervis/llm"
	"github.com/jervisproject/jervis/metrics"
	"github.com/jervisproject/jervis/model"
	"github.com/jervisproject/jervis/notify"
	"github.com/jervisproject/jervis/pipeline"
	"github.com/jervisproject/jervis/plan"
	"github.com/jervisproject/jervis/plan/tools"
	"github.com/jervisproject/jervis/poller"
	"github.com/jervisproject/jervis/poller/confluence"
	"github.com/jervisproject/jervis/poller/gitsync"
	"github.com/jervisproject/jervis/poller/jira"
	"github.com/jervisproject/jervis/poller/mail"
	"github.com/jervisproject/jervis/server"
	"github.com/jervisproject/jervis/store"
	"github.com/jervisproject/jervis/vector"
	"github.com/jervisproject/jervis/worker"
)

// app holds every constructed component. All wiring is explicit: each
// dependency is built once here and handed to its consumers.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	nc      *nats.Conn
	queue   *store.WorkQueue
	metrics *metrics.Metrics

	httpServer *http.Server
	worker     *worker.Worker
	watches    *watchSupervisor
	pollerCfg  poller.Config

	jiraHandler       poller.Handler[*domain.Connection]
	confluenceHandler poller.Handler[*domain.Connection]
	mailHandler       poller.Handler[*domain.Connection]
	gitHandler        poller.Handler[gitsync.Target]
}

// newApp constructs the full service from configuration.
func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	nc, err := nats.Connect(cfg.NATS.URL,
		nats.Name(appName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("create JetStream context: %w", err)
	}

	m := metrics.New()

	// Stores.
	connections, err := store.NewConnectionStore(ctx, js)
	if err != nil {
		return nil, err
	}
	polling, err := store.NewPollingStateStore(ctx, js)
	if err != nil {
		return nil, err
	}
	items, err := store.NewSourceItemStore(ctx, js)
	if err != nil {
		return nil, err
	}
	queueCfg := store.DefaultWorkQueueConfig()
	queueCfg.OnEnqueue = func(kind string) { m.ItemsQueued.WithLabelValues(kind).Inc() }
	queue, err := store.NewWorkQueue(ctx, js, queueCfg)
	if err != nil {
		return nil, err
	}
	commits, err := store.NewCommitStore(ctx, js)
	if err != nil {
		return nil, err
	}
	projects, err := store.NewProjectStore(ctx, js)
	if err != nil {
		return nil, err
	}
	ledger, err := store.NewLedger(ctx, js)
	if err != nil {
		return nil, err
	}
	contexts, err := store.NewContextStore(ctx, js)
	if err != nil {
		return nil, err
	}
	settings, err := store.NewSettingsStore(ctx, js)
	if err != nil {
		return nil, err
	}

	// Gateways.
	embedder := embedding.NewClient(cfg.Embedding.URL, cfg.Embedding.CodeModel, cfg.Embedding.TextModel,
		embedding.WithLogger(logger), embedding.WithAPIKey(cfg.Embedding.APIKey))
	vectors := vector.NewGateway(cfg.Vector.URL,
		vector.WithLogger(logger), vector.WithAPIKey(cfg.Vector.APIKey))
	knowledge := kb.NewClient(cfg.KnowledgeBase.URL,
		kb.WithLogger(logger), kb.WithAPIKey(cfg.KnowledgeBase.APIKey))

	reconcileEmbeddingSettings(ctx, cfg, embedder, vectors, settings, logger)

	registry, err := cfg.ModelRegistry()
	if err != nil {
		return nil, fmt.Errorf("build model registry: %w", err)
	}
	llmClient := llm.NewClient(registry,
		llm.WithLogger(logger),
		llm.WithUsageFunc(func(capability, usedModel string, usage llm.TokenUsage, err error) {
			if err != nil {
				m.LLMFailures.WithLabelValues(capability, usedModel).Inc()
				return
			}
			m.LLMCalls.WithLabelValues(capability, usedModel).Inc()
			m.LLMTokens.WithLabelValues(capability, "prompt").Add(float64(usage.PromptTokens))
			m.LLMTokens.WithLabelValues(capability, "completion").Add(float64(usage.CompletionTokens))
		}))
	selective := llm.NewSelectiveProcessor(llmClient)

	// Indexing pipeline.
	pipelineCfg := pipeline.DefaultConfig()
	pipelineCfg.ChannelCapacity = cfg.Pipeline.ChannelCapacity
	pipelineCfg.StoreWorkers = cfg.Pipeline.StoreWorkers
	pipelineCfg.AnalyzeWorkers = cfg.Pipeline.AnalyzeWorkers
	if len(cfg.Pipeline.Excludes) > 0 {
		pipelineCfg.Excludes = append(pipelineCfg.Excludes, cfg.Pipeline.Excludes...)
	}
	indexing := pipeline.New(ledger, &vectorStoreAdapter{vectors}, embedder,
		&codeSummarizer{selective},
		pipeline.WithLogger(logger),
		pipeline.WithConfig(pipelineCfg),
		pipeline.WithProgress(func(step pipeline.Step, message string) {
			logger.Debug("Pipeline progress", "step", step, "message", message)
		}),
	)

	indexer := &projectIndexer{
		projects: projects,
		pipeline: indexing,
		reposDir: cfg.Poller.WorkDir,
		metrics:  m,
		logger:   logger,
	}

	// Plan execution.
	publisher := notify.NewPublisher(nc, logger)
	dialogs := dialog.NewCoordinator(publisher.DialogAsk,
		dialog.WithLogger(logger),
		dialog.WithTimeout(cfg.Dialog.Timeout),
		dialog.WithOnClose(publisher.DialogClosed))

	ragTool := tools.NewRagSearch(embedder, vectors, logger)
	kbTool := tools.NewKBRetrieve(knowledge, logger)
	askTool := tools.NewAskUser(dialogs, logger)

	planner := plan.NewPlanner(llmClient, logger)
	executor := plan.NewExecutor(contexts, []plan.Tool{ragTool, kbTool, askTool},
		plan.WithLogger(logger),
		plan.WithNotifier(&planMetricsNotifier{Notifier: publisher, metrics: m}),
		plan.WithFinalizer(plan.NewLLMFinalizer(llmClient)),
	)

	// HTTP API.
	api := server.New(planner, executor, contexts, projects,
		tools.Describe(ragTool, kbTool, askTool),
		server.WithLogger(logger),
		server.WithQueue(queue),
		server.WithLedger(ledger),
		server.WithDialogs(dialogs),
		server.WithReindexer(indexer),
		server.WithKnowledgePurger(vectors),
		server.WithMetricsHandler(m.Handler()),
		server.WithEmbeddingsProxy(embeddingsProxy(cfg.Embedding.URL, logger)),
	)

	watches := &watchSupervisor{
		projects: projects,
		queue:    queue,
		reposDir: cfg.Poller.WorkDir,
		debounce: cfg.Pipeline.WatchDebounce,
		rescan:   30 * time.Second,
		logger:   logger,
	}

	// Pollers.
	links := linkqueue.New(linkqueue.WithLogger(logger))
	jiraHandler := jira.NewHandler(connections, polling, items, queue,
		jira.WithLogger(logger), jira.WithLinkQueue(links))
	confluenceHandler := confluence.NewHandler(connections, polling, items, queue,
		confluence.WithLogger(logger), confluence.WithLinkQueue(links))
	mailHandler := mail.NewHandler(connections, polling, items, queue,
		mail.WithLogger(logger))
	gitHandler := gitsync.NewHandler(connections, polling, commits, queue, projects,
		cfg.Poller.WorkDir, gitsync.WithLogger(logger))

	return &app{
		cfg:     cfg,
		logger:  logger,
		nc:      nc,
		queue:   queue,
		metrics: m,
		httpServer: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           api.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		worker: worker.New(queue, items, commits, knowledge, indexer,
			worker.WithLogger(logger)),
		watches: watches,
		pollerCfg: poller.Config{
			PollingInterval: cfg.Poller.Interval,
			InitialDelay:    cfg.Poller.InitialDelay,
			CycleDelay:      cfg.Poller.CycleDelay,
		},
		jiraHandler:       instrumentPoller(jiraHandler.PollerHandler(), m, "jira"),
		confluenceHandler: instrumentPoller(confluenceHandler.PollerHandler(), m, "confluence"),
		mailHandler:       instrumentPoller(mailHandler.PollerHandler(), m, "mail"),
		gitHandler:        instrumentPoller(gitHandler.PollerHandler(), m, "git"),
	}, nil
}

// Run starts everything and blocks until a signal or a fatal error.
func (a *app) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("HTTP API listening", "addr", a.httpServer.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.httpServer.Shutdown(shutdownCtx)
	})

	g.Go(func() error { return ignoreCancel(a.worker.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(a.watches.Run(ctx)) })
	g.Go(func() error { return ignoreCancel(a.sampleQueueDepth(ctx)) })

	g.Go(func() error { return ignoreCancel(poller.Run(ctx, a.pollerCfg, a.jiraHandler, a.logger)) })
	g.Go(func() error { return ignoreCancel(poller.Run(ctx, a.pollerCfg, a.confluenceHandler, a.logger)) })
	g.Go(func() error { return ignoreCancel(poller.Run(ctx, a.pollerCfg, a.mailHandler, a.logger)) })
	g.Go(func() error { return ignoreCancel(poller.Run(ctx, a.pollerCfg, a.gitHandler, a.logger)) })

	err := g.Wait()
	a.logger.Info("Shutdown complete")
	return err
}

// Close releases connections held by the app.
func (a *app) Close() {
	if a.nc != nil {
		a.nc.Close()
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// sampleQueueDepth refreshes the per-state queue depth gauges.
func (a *app) sampleQueueDepth(ctx context.Context) error {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	states := []domain.WorkItemState{
		domain.WorkItemNew, domain.WorkItemInProgress,
		domain.WorkItemIndexed, domain.WorkItemFailed,
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		items, err := a.queue.Snapshot(ctx, 0)
		if err != nil {
			a.logger.Warn("Failed to sample queue depth", "error", err)
			continue
		}
		depth := make(map[domain.WorkItemState]int, len(states))
		for _, item := range items {
			depth[item.State]++
		}
		for _, state := range states {
			a.metrics.QueueDepth.WithLabelValues(string(state)).Set(float64(depth[state]))
		}
	}
}

// instrumentPoller wraps a handler's ExecutePoll with cycle and failure
// counters under the given source label.
func instrumentPoller[A any](h poller.Handler[A], m *metrics.Metrics, source string) poller.Handler[A] {
	execute := h.ExecutePoll
	h.ExecutePoll = func(ctx context.Context, account A) error {
		if err := execute(ctx, account); err != nil {
			m.PollFailures.WithLabelValues(source).Inc()
			return err
		}
		m.PollCycles.WithLabelValues(source).Inc()
		return nil
	}
	return h
}

// planMetricsNotifier counts plans on their first terminal transition before
// delegating to the wrapped notifier. Finalized is not counted: it always
// follows completed or failed, which already counted the plan.
type planMetricsNotifier struct {
	plan.Notifier
	metrics *metrics.Metrics
}

func (n *planMetricsNotifier) PlanStatusChanged(taskCtx *domain.TaskContext, p *domain.Plan) {
	if p.Status == domain.PlanCompleted || p.Status == domain.PlanFailed {
		n.metrics.PlansFinished.WithLabelValues(string(p.Status)).Inc()
	}
	n.Notifier.PlanStatusChanged(taskCtx, p)
}

// vectorStoreAdapter narrows the vector gateway to the pipeline interface.
type vectorStoreAdapter struct {
	gw *vector.Gateway
}

func (a *vectorStoreAdapter) EnsureCollection(ctx context.Context, model string, dim int) (string, error) {
	return a.gw.EnsureCollection(ctx, model, dim)
}

func (a *vectorStoreAdapter) Upsert(ctx context.Context, collection string, points []pipeline.Point) error {
	converted := make([]vector.Point, len(points))
	for i, p := range points {
		converted[i] = vector.Point{ID: p.ID, Vector: p.Vector, Payload: p.Payload}
	}
	return a.gw.Upsert(ctx, collection, converted)
}

func (a *vectorStoreAdapter) DeleteByFilter(ctx context.Context, collection string, filter map[string]any) (int, error) {
	return a.gw.DeleteByFilter(ctx, collection, vector.Filter(filter))
}

// codeSummarizer adapts the selective processor to the pipeline's
// Summarizer interface under the summary capability.
type codeSummarizer struct {
	selective *llm.SelectiveProcessor
}

func (s *codeSummarizer) Summarize(ctx context.Context, instruction, content string) (string, error) {
	return s.selective.Process(ctx, model.CapabilitySummary, instruction, content)
}

// projectIndexer runs the pipeline over a project's working copy. It serves
// both the queue worker (per-commit indexing) and the reindex endpoint.
type projectIndexer struct {
	projects *store.ProjectStore
	pipeline *pipeline.Pipeline
	reposDir string
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func (x *projectIndexer) IndexProject(ctx context.Context, clientID, projectID string) error {
	project, err := x.projects.Get(ctx, projectID)
	if err != nil {
		return fmt.Errorf("load project %s: %w", projectID, err)
	}
	return x.Reindex(ctx, project)
}

// Reindex resolves HEAD of the working copy and runs the pipeline against
// it. The commit is pinned once; changes arriving mid-run wait for the next.
func (x *projectIndexer) Reindex(ctx context.Context, project *domain.Project) error {
	workDir := filepath.Join(x.reposDir, project.Slug)
	runner := gitcli.NewRunner(workDir)

	head, err := runner.HeadCommit(ctx)
	if err != nil {
		return fmt.Errorf("resolve HEAD of %s: %w", workDir, err)
	}
	branch := project.Branch
	if branch == "" {
		if branch, err = runner.DefaultBranch(ctx); err != nil {
			return fmt.Errorf("resolve default branch: %w", err)
		}
	}

	start := time.Now()
	summary, err := x.pipeline.Run(ctx, pipeline.Request{
		ClientID:   project.ClientID,
		ProjectID:  project.ID,
		RepoRoot:   workDir,
		Branch:     branch,
		CommitHash: head,
		Languages:  project.Languages,
	})
	if err != nil {
		return fmt.Errorf("index %s at %s: %w", project.Slug, head, err)
	}

	x.metrics.FilesIndexed.Add(float64(summary.FilesIndexed))
	x.metrics.FilesFailed.Add(float64(summary.FilesFailed))
	x.metrics.FilesSkipped.Add(float64(summary.FilesSkipped))
	x.metrics.VectorsStored.Add(float64(summary.VectorsStored))
	x.metrics.RunDuration.Observe(time.Since(start).Seconds())

	x.logger.Info("Indexing run complete",
		"project", project.Slug, "commit", head,
		"scanned", summary.FilesScanned, "indexed", summary.FilesIndexed,
		"skipped", summary.FilesSkipped, "failed", summary.FilesFailed,
		"vectors", summary.VectorsStored, "took", time.Since(start))
	return nil
}

// watchSupervisor runs a filesystem watcher per cloned working copy so local
// edits trigger a reindex without waiting for the next git poll. The project
// list is rescanned periodically to pick up repositories cloned after start.
type watchSupervisor struct {
	projects *store.ProjectStore
	queue    *store.WorkQueue
	reposDir string
	debounce time.Duration
	rescan   time.Duration
	logger   *slog.Logger
}

func (s *watchSupervisor) Run(ctx context.Context) error {
	watched := make(map[string]bool)
	ticker := time.NewTicker(s.rescan)
	defer ticker.Stop()

	for {
		s.sweep(ctx, watched)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *watchSupervisor) sweep(ctx context.Context, watched map[string]bool) {
	projects, err := s.projects.List(ctx, "")
	if err != nil {
		s.logger.Warn("Failed to list projects for watching", "error", err)
		return
	}
	for _, project := range projects {
		if watched[project.ID] {
			continue
		}
		workDir := filepath.Join(s.reposDir, project.Slug)
		if info, err := os.Stat(workDir); err != nil || !info.IsDir() {
			continue
		}
		watched[project.ID] = true

		p := project
		watcher := pipeline.NewWatcher(workDir, s.debounce, func(paths []string) {
			s.logger.Debug("Working tree changed", "project", p.Slug, "files", len(paths))
			if _, err := s.queue.Enqueue(ctx, &domain.WorkItem{
				SourceURN: "reindex:" + p.ID,
				ClientID:  p.ClientID,
				ProjectID: p.ID,
				Kind:      "reindex",
			}); err != nil {
				s.logger.Warn("Failed to enqueue reindex", "project", p.Slug, "error", err)
			}
		}, s.logger)
		go func() {
			if err := watcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("Watcher stopped", "project", p.Slug, "error", err)
			}
		}()
	}
}

// reconcileEmbeddingSettings compares the configured embedding models
// against the settings persisted by the previous run and rebuilds the
// affected vector collections when model or dimension changed. A probe
// failure only skips the lane; the pipeline ensures collections lazily.
func reconcileEmbeddingSettings(ctx context.Context, cfg *config.Config, embedder *embedding.Client, vectors *vector.Gateway, settings *store.SettingsStore, logger *slog.Logger) {
	lanes := map[string]string{
		"code": cfg.Embedding.CodeModel,
		"text": cfg.Embedding.TextModel,
	}
	for lane, model := range lanes {
		dim, err := embedder.Dimension(ctx, model)
		if err != nil {
			logger.Warn("Skipping embedding settings check, probe failed",
				"lane", lane, "model", model, "error", err)
			continue
		}

		if prev, err := settings.GetEmbedding(ctx, lane); err == nil {
			vectors.SeedSettings(lane, vector.Settings{Model: prev.Model, Dimension: prev.Dimension})
		} else if !errors.Is(err, store.ErrNotFound) {
			logger.Warn("Failed to load embedding settings", "lane", lane, "error", err)
		}

		current := vector.Settings{Model: model, Dimension: dim}
		if err := vectors.SettingsChanged(ctx, lane, current); err != nil {
			logger.Warn("Failed to reconcile vector collections",
				"lane", lane, "model", model, "error", err)
			continue
		}
		if err := settings.PutEmbedding(ctx, lane, store.EmbeddingSettings{Model: model, Dimension: dim}); err != nil {
			logger.Warn("Failed to persist embedding settings", "lane", lane, "error", err)
		}
	}
}

// embeddingsProxy forwards embedding requests to the embedding service so
// chat clients can use one base URL for everything.
func embeddingsProxy(baseURL string, logger *slog.Logger) http.Handler {
	target, err := url.Parse(baseURL)
	if err != nil {
		logger.Warn("Invalid embedding URL, proxy disabled", "url", baseURL, "error", err)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "embedding proxy unavailable", http.StatusBadGateway)
		})
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("Embedding proxy error", "error", err)
		http.Error(w, "embedding service unavailable", http.StatusBadGateway)
	}
	return proxy
}
