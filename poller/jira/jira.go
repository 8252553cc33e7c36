// Package jira is the issue-tracker specialization of the polling framework.
// It builds a time-filtered JQL query from the incremental cursor, fetches
// whole issue records with comments and attachments, and upserts them for
// the ingestion queue.
package jira

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jervisproject/jervis/domain"
	"github.com/jervisproject/jervis/linkqueue"
	"github.com/jervisproject/jervis/poller"
	"github.com/jervisproject/jervis/store"
)

// Tool is the polling-state tool name for the issue tracker.
const Tool = "jira"

// firstRunWindow bounds the initial query when no cursor exists yet.
const firstRunWindow = 7 * 24 * time.Hour

// maxResponseSize limits issue search responses.
const maxResponseSize = 20 * 1024 * 1024 // 20MB

// jiraTimeLayout is the timestamp format Jira uses on the wire.
const jiraTimeLayout = "2006-01-02T15:04:05.000-0700"

// Issue is one fetched issue with its comments and attachment names.
type Issue struct {
	Key         string
	Summary     string
	Description string
	Comments    []string
	Attachments []string
	UpdatedAt   time.Time
	Self        string
}

// Handler polls issue-tracker connections.
type Handler struct {
	connections *store.ConnectionStore
	polling     *store.PollingStateStore
	items       *store.SourceItemStore
	queue       *store.WorkQueue
	links       *linkqueue.Queue
	httpClient  *http.Client
	logger      *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(h *Handler) { h.httpClient = c }
}

// WithLinkQueue enables cross-indexer hand-off of URLs found in issues.
func WithLinkQueue(q *linkqueue.Queue) Option {
	return func(h *Handler) { h.links = q }
}

// NewHandler creates the issue-tracker polling handler.
func NewHandler(connections *store.ConnectionStore, polling *store.PollingStateStore,
	items *store.SourceItemStore, queue *store.WorkQueue, opts ...Option) *Handler {

	h := &Handler{
		connections: connections,
		polling:     polling,
		items:       items,
		queue:       queue,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute,
			Transport: &http.Transport{
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
			},
		},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// PollerHandler adapts the handler to the generic polling framework.
func (h *Handler) PollerHandler() poller.Handler[*domain.Connection] {
	return poller.Handler[*domain.Connection]{
		Name: Tool,
		Accounts: func(ctx context.Context) ([]*domain.Connection, error) {
			return h.connections.ListValid(ctx, domain.KindJira)
		},
		LastPoll: func(ctx context.Context, conn *domain.Connection) (time.Time, error) {
			state, err := h.polling.Get(ctx, conn.ID, Tool)
			if err != nil {
				if err == store.ErrNotFound {
					return time.Time{}, nil
				}
				return time.Time{}, err
			}
			return state.LastPolledAt, nil
		},
		ExecutePoll: h.poll,
		RecordPoll: func(ctx context.Context, conn *domain.Connection, polledAt time.Time) error {
			// The cursor itself is advanced inside poll once the fetched
			// items are durably stored.
			return h.polling.RecordPoll(ctx, conn.ID, Tool, polledAt, time.Time{})
		},
		OnAuthFailure: func(ctx context.Context, conn *domain.Connection, err error) {
			if markErr := h.connections.MarkInvalid(ctx, conn.ID); markErr != nil {
				h.logger.Warn("Failed to invalidate connection",
					"connection", conn.ID, "error", markErr)
			}
		},
		Label: func(conn *domain.Connection) string { return conn.BaseURL },
	}
}

// poll fetches issues updated since the cursor and upserts them.
func (h *Handler) poll(ctx context.Context, conn *domain.Connection) error {
	since := time.Now().Add(-firstRunWindow)
	if state, err := h.polling.Get(ctx, conn.ID, Tool); err == nil && !state.LastSeenUpdatedAt.IsZero() {
		since = state.LastSeenUpdatedAt
	}

	issues, err := h.searchIssues(ctx, conn, since)
	if err != nil {
		return err
	}

	var stored int
	maxSeen := since
	for _, issue := range issues {
		if issue.UpdatedAt.After(maxSeen) {
			maxSeen = issue.UpdatedAt
		}

		result, err := h.items.Upsert(ctx, &store.SourceItem{
			Tool:        Tool,
			NativeID:    issue.Key,
			ClientID:    conn.ClientID,
			Title:       issue.Summary,
			Body:        renderIssue(issue),
			URL:         issue.Self,
			UpdatedAt:   issue.UpdatedAt,
			Attachments: issue.Attachments,
		})
		if err != nil {
			h.logger.Warn("Failed to upsert issue", "issue", issue.Key, "error", err)
			continue
		}
		if result == store.UpsertSkipped {
			continue
		}
		stored++

		urn := fmt.Sprintf("jira:%s:%s", conn.ID, issue.Key)
		if _, err := h.queue.Enqueue(ctx, &domain.WorkItem{
			SourceURN: urn,
			ClientID:  conn.ClientID,
			Kind:      "jira_issue",
		}); err != nil {
			h.logger.Warn("Failed to enqueue issue", "issue", issue.Key, "error", err)
		}

		h.handOffLinks(issue, conn)
	}

	// Advance the cursor only after every fetched item is durably stored.
	if err := h.polling.RecordPoll(ctx, conn.ID, Tool, time.Now(), maxSeen); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}

	if stored > 0 {
		h.logger.Info("Issue poll complete",
			"connection", conn.ID, "fetched", len(issues), "stored", stored,
			"cursor", maxSeen.Format(time.RFC3339))
	}
	return nil
}

// handOffLinks submits URLs found in issue text to the cross-indexer queue.
func (h *Handler) handOffLinks(issue Issue, conn *domain.Connection) {
	if h.links == nil {
		return
	}
	for _, u := range linkqueue.ExtractURLs(issue.Description) {
		_ = h.links.Submit(linkqueue.Link{
			URL:           u,
			ClientID:      conn.ClientID,
			SourceIndexer: Tool,
			SourceRef:     issue.Key,
		})
	}
}

// searchIssues runs one JQL search for issues updated after since.
func (h *Handler) searchIssues(ctx context.Context, conn *domain.Connection, since time.Time) ([]Issue, error) {
	jql := fmt.Sprintf(`updated >= "%s" ORDER BY updated ASC`, since.Format("2006-01-02 15:04"))

	endpoint := strings.TrimSuffix(conn.BaseURL, "/") + "/rest/api/2/search?" + url.Values{
		"jql":        []string{jql},
		"fields":     []string{"summary,description,comment,attachment,updated"},
		"maxResults": []string{"100"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	setAuth(req, conn)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("issue search failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, poller.NewAuthError(fmt.Errorf("issue search returned error: %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("issue search returned error: %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	return parseSearchResponse(body)
}

// setAuth applies the connection's auth material to a request.
func setAuth(req *http.Request, conn *domain.Connection) {
	switch conn.AuthType {
	case domain.AuthBasic:
		req.SetBasicAuth(conn.Username, conn.Secret)
	case domain.AuthBearer, domain.AuthOAuth2:
		req.Header.Set("Authorization", "Bearer "+conn.Secret)
	}
}

// Wire types for the Jira search response.
type searchResponse struct {
	Issues []struct {
		Key    string `json:"key"`
		Self   string `json:"self"`
		Fields struct {
			Summary     string `json:"summary"`
			Description string `json:"description"`
			Updated     string `json:"updated"`
			Comment     struct {
				Comments []struct {
					Body string `json:"body"`
				} `json:"comments"`
			} `json:"comment"`
			Attachment []struct {
				Filename string `json:"filename"`
			} `json:"attachment"`
		} `json:"fields"`
	} `json:"issues"`
}

func parseSearchResponse(body []byte) ([]Issue, error) {
	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, poller.NewDataError(fmt.Errorf("parse issue search response: %w", err))
	}

	issues := make([]Issue, 0, len(parsed.Issues))
	for _, raw := range parsed.Issues {
		updated, err := time.Parse(jiraTimeLayout, raw.Fields.Updated)
		if err != nil {
			// A single bad item never aborts the poll.
			continue
		}
		issue := Issue{
			Key:         raw.Key,
			Summary:     raw.Fields.Summary,
			Description: raw.Fields.Description,
			UpdatedAt:   updated,
			Self:        raw.Self,
		}
		for _, c := range raw.Fields.Comment.Comments {
			issue.Comments = append(issue.Comments, c.Body)
		}
		for _, a := range raw.Fields.Attachment {
			issue.Attachments = append(issue.Attachments, a.Filename)
		}
		issues = append(issues, issue)
	}
	return issues, nil
}

// renderIssue flattens an issue and its comments into one text body.
func renderIssue(issue Issue) string {
	var b strings.Builder
	b.WriteString(issue.Description)
	for _, c := range issue.Comments {
		b.WriteString("\n\n")
		b.WriteString(c)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
