// Package confluence is the wiki specialization of the polling framework.
// Pages modified since the incremental cursor are fetched with their storage
// body, normalized to markdown, and upserted for the ingestion queue.
package confluence

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

// Tool is the polling-state tool name for the wiki.
const Tool = "confluence"

const firstRunWindow = 7 * 24 * time.Hour

const maxResponseSize = 20 * 1024 * 1024 // 20MB

// Handler polls wiki connections.
type Handler struct {
	connections *store.ConnectionStore
	polling     *store.PollingStateStore
	items       *store.SourceItemStore
	queue       *store.WorkQueue
	links       *linkqueue.Queue
	converter   *Converter
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

// WithLinkQueue enables cross-indexer hand-off of URLs found in pages.
func WithLinkQueue(q *linkqueue.Queue) Option {
	return func(h *Handler) { h.links = q }
}

// NewHandler creates the wiki polling handler.
func NewHandler(connections *store.ConnectionStore, polling *store.PollingStateStore,
	items *store.SourceItemStore, queue *store.WorkQueue, opts ...Option) *Handler {

	h := &Handler{
		connections: connections,
		polling:     polling,
		items:       items,
		queue:       queue,
		converter:   NewConverter(),
		httpClient:  &http.Client{Timeout: 5 * time.Minute},
		logger:      slog.Default(),
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
			return h.connections.ListValid(ctx, domain.KindConfluence)
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

// page is one fetched wiki page.
type page struct {
	ID        string
	Title     string
	Body      string
	WebUI     string
	UpdatedAt time.Time
}

func (h *Handler) poll(ctx context.Context, conn *domain.Connection) error {
	since := time.Now().Add(-firstRunWindow)
	if state, err := h.polling.Get(ctx, conn.ID, Tool); err == nil && !state.LastSeenUpdatedAt.IsZero() {
		since = state.LastSeenUpdatedAt
	}

	pages, err := h.searchPages(ctx, conn, since)
	if err != nil {
		return err
	}

	var stored int
	maxSeen := since
	for _, pg := range pages {
		if pg.UpdatedAt.After(maxSeen) {
			maxSeen = pg.UpdatedAt
		}

		markdown, err := h.converter.Convert(pg.Body, conn.BaseURL+pg.WebUI)
		if err != nil {
			h.logger.Warn("Failed to convert page", "page", pg.ID, "error", err)
			continue
		}

		result, err := h.items.Upsert(ctx, &store.SourceItem{
			Tool:      Tool,
			NativeID:  pg.ID,
			ClientID:  conn.ClientID,
			Title:     pg.Title,
			Body:      markdown,
			URL:       conn.BaseURL + pg.WebUI,
			UpdatedAt: pg.UpdatedAt,
		})
		if err != nil {
			h.logger.Warn("Failed to upsert page", "page", pg.ID, "error", err)
			continue
		}
		if result == store.UpsertSkipped {
			continue
		}
		stored++

		urn := fmt.Sprintf("confluence:%s:%s", conn.ID, pg.ID)
		if _, err := h.queue.Enqueue(ctx, &domain.WorkItem{
			SourceURN: urn,
			ClientID:  conn.ClientID,
			Kind:      "wiki_page",
		}); err != nil {
			h.logger.Warn("Failed to enqueue page", "page", pg.ID, "error", err)
		}

		if h.links != nil {
			for _, u := range linkqueue.ExtractURLs(markdown) {
				_ = h.links.Submit(linkqueue.Link{
					URL:           u,
					ClientID:      conn.ClientID,
					SourceIndexer: Tool,
					SourceRef:     pg.ID,
				})
			}
		}
	}

	if err := h.polling.RecordPoll(ctx, conn.ID, Tool, time.Now(), maxSeen); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}

	if stored > 0 {
		h.logger.Info("Wiki poll complete",
			"connection", conn.ID, "fetched", len(pages), "stored", stored)
	}
	return nil
}

// searchPages queries content modified after since, expanding the storage
// body and version info.
func (h *Handler) searchPages(ctx context.Context, conn *domain.Connection, since time.Time) ([]page, error) {
	cql := fmt.Sprintf(`type=page and lastmodified >= "%s" order by lastmodified asc`,
		since.Format("2006-01-02 15:04"))

	endpoint := strings.TrimSuffix(conn.BaseURL, "/") + "/rest/api/content/search?" + url.Values{
		"cql":    []string{cql},
		"expand": []string{"body.storage,version,history.lastUpdated"},
		"limit":  []string{"100"},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	switch conn.AuthType {
	case domain.AuthBasic:
		req.SetBasicAuth(conn.Username, conn.Secret)
	default:
		req.Header.Set("Authorization", "Bearer "+conn.Secret)
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("page search failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, poller.NewAuthError(fmt.Errorf("page search returned error: %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("page search returned error: %d", resp.StatusCode)
	}

	return parseSearchResponse(body)
}

type searchResponse struct {
	Results []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
		Body  struct {
			Storage struct {
				Value string `json:"value"`
			} `json:"storage"`
		} `json:"body"`
		History struct {
			LastUpdated struct {
				When string `json:"when"`
			} `json:"lastUpdated"`
		} `json:"history"`
		Links struct {
			WebUI string `json:"webui"`
		} `json:"_links"`
	} `json:"results"`
}

func parseSearchResponse(body []byte) ([]page, error) {
	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, poller.NewDataError(fmt.Errorf("parse page search response: %w", err))
	}

	pages := make([]page, 0, len(parsed.Results))
	for _, raw := range parsed.Results {
		updated, err := time.Parse(time.RFC3339, raw.History.LastUpdated.When)
		if err != nil {
			continue
		}
		pages = append(pages, page{
			ID:        raw.ID,
			Title:     raw.Title,
			Body:      raw.Body.Storage.Value,
			WebUI:     raw.Links.WebUI,
			UpdatedAt: updated,
		})
	}
	return pages, nil
}
