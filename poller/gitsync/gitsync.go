// Package gitsync is the git specialization of the polling framework. Each
// poll ensures a local working copy, detects the default branch, lists
// recent commits, and records the new ones for the indexing pipeline.
package gitsync

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jervisproject/jervis/domain"
	"github.com/jervisproject/jervis/gitcli"
	"github.com/jervisproject/jervis/poller"
	"github.com/jervisproject/jervis/store"
)

// Tool is the polling-state tool name for git.
const Tool = "git"

// commitLogFormat lists hash, author, ISO date and subject, pipe separated.
const commitLogFormat = "%H|%an|%aI|%s"

// commitLimit is how many commits of the branch tip each poll examines.
const commitLimit = 50

// Target binds a connection to one repository working copy. Mono-repo
// targets share a connection across projects; standalone targets carry one
// project each.
type Target struct {
	Connection *domain.Connection
	Project    *domain.Project
}

// Handler polls git targets and records newly discovered commits.
type Handler struct {
	connections *store.ConnectionStore
	polling     *store.PollingStateStore
	commits     *store.CommitStore
	queue       *store.WorkQueue
	projects    *store.ProjectStore
	reposDir    string
	cloneDepth  int
	logger      *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithCloneDepth overrides the default shallow clone depth.
func WithCloneDepth(depth int) Option {
	return func(h *Handler) { h.cloneDepth = depth }
}

// NewHandler creates the git polling handler.
func NewHandler(connections *store.ConnectionStore, polling *store.PollingStateStore,
	commits *store.CommitStore, queue *store.WorkQueue, projects *store.ProjectStore,
	reposDir string, opts ...Option) *Handler {

	h := &Handler{
		connections: connections,
		polling:     polling,
		commits:     commits,
		queue:       queue,
		projects:    projects,
		reposDir:    reposDir,
		cloneDepth:  50,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// PollerHandler adapts the handler to the generic polling framework.
func (h *Handler) PollerHandler() poller.Handler[Target] {
	return poller.Handler[Target]{
		Name:     Tool,
		Accounts: h.accounts,
		LastPoll: func(ctx context.Context, t Target) (time.Time, error) {
			state, err := h.polling.Get(ctx, t.Connection.ID, stateTool(t))
			if err != nil {
				if err == store.ErrNotFound {
					return time.Time{}, nil
				}
				return time.Time{}, err
			}
			return state.LastPolledAt, nil
		},
		ExecutePoll: h.poll,
		RecordPoll: func(ctx context.Context, t Target, polledAt time.Time) error {
			return h.polling.RecordPoll(ctx, t.Connection.ID, stateTool(t), polledAt, time.Time{})
		},
		OnAuthFailure: func(ctx context.Context, t Target, err error) {
			if markErr := h.connections.MarkInvalid(ctx, t.Connection.ID); markErr != nil {
				h.logger.Warn("Failed to invalidate connection",
					"connection", t.Connection.ID, "error", markErr)
			}
		},
		Label: func(t Target) string {
			return fmt.Sprintf("%s/%s", t.Connection.ID, t.Project.Slug)
		},
	}
}

// stateTool keys the cursor per project so mono-repo targets sharing a
// connection do not clobber each other.
func stateTool(t Target) string {
	return Tool + "." + t.Project.ID
}

// accounts pairs every valid git connection with the projects it serves.
func (h *Handler) accounts(ctx context.Context) ([]Target, error) {
	conns, err := h.connections.ListValid(ctx, domain.KindGit)
	if err != nil {
		return nil, fmt.Errorf("list git connections: %w", err)
	}

	var targets []Target
	for _, conn := range conns {
		projects, err := h.projects.List(ctx, conn.ClientID)
		if err != nil {
			h.logger.Warn("Failed to list projects", "client", conn.ClientID, "error", err)
			continue
		}
		for _, p := range projects {
			if p.RepoURL == "" {
				continue
			}
			targets = append(targets, Target{Connection: conn, Project: p})
		}
	}
	return targets, nil
}

// poll syncs one target's working copy and records new commits.
func (h *Handler) poll(ctx context.Context, t Target) error {
	runner, err := h.ensureWorkingCopy(ctx, t)
	if err != nil {
		return err
	}

	branch, err := runner.DefaultBranch(ctx)
	if err != nil {
		return fmt.Errorf("detect default branch: %w", err)
	}

	commits, err := h.listCommits(ctx, runner, branch)
	if err != nil {
		return err
	}

	var recorded int
	for _, rec := range commits {
		rec.ClientID = t.Connection.ClientID
		rec.ProjectID = t.Project.ID
		rec.Branch = branch

		created, err := h.commits.Record(ctx, &rec)
		if err != nil {
			h.logger.Warn("Failed to record commit",
				"project", t.Project.Slug, "hash", rec.Hash, "error", err)
			continue
		}
		if !created {
			continue
		}
		recorded++

		urn := fmt.Sprintf("git:%s:%s:%s", t.Project.ID, branch, rec.Hash)
		if _, err := h.queue.Enqueue(ctx, &domain.WorkItem{
			SourceURN: urn,
			ClientID:  t.Connection.ClientID,
			ProjectID: t.Project.ID,
			Kind:      "git_commit",
		}); err != nil {
			h.logger.Warn("Failed to enqueue commit",
				"project", t.Project.Slug, "hash", rec.Hash, "error", err)
		}
	}

	if recorded > 0 {
		h.logger.Info("Git poll complete",
			"project", t.Project.Slug, "branch", branch, "new_commits", recorded)
	}
	return nil
}

// ensureWorkingCopy clones the repository on first contact or fetches
// updates on subsequent polls, then normalizes auth configuration.
func (h *Handler) ensureWorkingCopy(ctx context.Context, t Target) (*gitcli.Runner, error) {
	workDir := filepath.Join(h.reposDir, t.Project.Slug)
	runner := gitcli.NewRunner(workDir)

	if _, err := os.Stat(filepath.Join(workDir, ".git")); err != nil {
		if out, err := gitcli.Clone(ctx, h.cloneURL(t), workDir, h.cloneDepth); err != nil {
			return nil, classify(out, err)
		}
	} else {
		if out, err := runner.Fetch(ctx); err != nil {
			return nil, classify(out, err)
		}
	}

	// The stored remote must never carry credentials; subsequent operations
	// authenticate via the helper script.
	if err := runner.SetRemote(ctx, t.Connection.BaseURL); err != nil {
		return nil, err
	}
	if t.Connection.Secret != "" {
		username := t.Connection.Username
		if username == "" {
			// Bearer tokens authenticate with a fixed placeholder user.
			username = "oauth2"
		}
		if err := runner.InstallCredentialHelper(ctx, username, t.Connection.Secret); err != nil {
			return nil, err
		}
	}
	return runner, nil
}

// cloneURL embeds credentials for the initial clone only; the remote is
// rewritten immediately afterwards.
func (h *Handler) cloneURL(t Target) string {
	raw := t.Connection.BaseURL
	if t.Connection.Secret == "" {
		return raw
	}
	username := t.Connection.Username
	if username == "" {
		username = "oauth2"
	}
	if rest, ok := strings.CutPrefix(raw, "https://"); ok {
		return "https://" + username + ":" + t.Connection.Secret + "@" + rest
	}
	return raw
}

// listCommits returns the branch tip's recent commits, oldest last.
func (h *Handler) listCommits(ctx context.Context, runner *gitcli.Runner, branch string) ([]domain.GitCommitRecord, error) {
	out, err := runner.Run(ctx, gitcli.ShortTimeout,
		"log", "origin/"+branch,
		fmt.Sprintf("-%d", commitLimit),
		"--format="+commitLogFormat)
	if err != nil {
		return nil, classify(out, err)
	}
	return ParseCommitLog(out), nil
}

// ParseCommitLog parses `git log --format=%H|%an|%aI|%s` output. Malformed
// lines are skipped.
func ParseCommitLog(output string) []domain.GitCommitRecord {
	var records []domain.GitCommitRecord
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "|", 4)
		if len(parts) != 4 {
			continue
		}
		date, err := time.Parse(time.RFC3339, parts[2])
		if err != nil {
			continue
		}
		records = append(records, domain.GitCommitRecord{
			Hash:       parts[0],
			Author:     parts[1],
			CommitDate: date,
			Message:    parts[3],
		})
	}
	return records
}

// classify turns git subprocess failures into the poller's error taxonomy
// by matching the combined output against the auth-marker list.
func classify(output string, err error) error {
	if err == nil {
		return nil
	}
	if poller.LooksLikeAuthFailure(output) || poller.LooksLikeAuthFailure(err.Error()) {
		return poller.NewAuthError(err)
	}
	return err
}
