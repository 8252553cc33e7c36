// Package mail is the mailbox specialization of the polling framework. It
// reads messages from a JSON mail gateway since the incremental cursor and
// upserts them for the ingestion queue. Same shape as the wiki handler; the
// cursor is the provider's message timestamp.
package mail

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
	"github.com/jervisproject/jervis/poller"
	"github.com/jervisproject/jervis/store"
)

// Tool is the polling-state tool name for mail.
const Tool = "mail"

const firstRunWindow = 7 * 24 * time.Hour

const maxResponseSize = 20 * 1024 * 1024 // 20MB

// Handler polls mail connections.
type Handler struct {
	connections *store.ConnectionStore
	polling     *store.PollingStateStore
	items       *store.SourceItemStore
	queue       *store.WorkQueue
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

// NewHandler creates the mail polling handler.
func NewHandler(connections *store.ConnectionStore, polling *store.PollingStateStore,
	items *store.SourceItemStore, queue *store.WorkQueue, opts ...Option) *Handler {

	h := &Handler{
		connections: connections,
		polling:     polling,
		items:       items,
		queue:       queue,
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
			return h.connections.ListValid(ctx, domain.KindMail)
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

type message struct {
	ID         string `json:"id"`
	Subject    string `json:"subject"`
	From       string `json:"from"`
	BodyText   string `json:"body_text"`
	BodyHTML   string `json:"body_html"`
	ReceivedAt string `json:"received_at"`
}

// body prefers the plain-text part and falls back to stripping the HTML one.
func (m message) body() string {
	if strings.TrimSpace(m.BodyText) != "" {
		return m.BodyText
	}
	return htmlToText(m.BodyHTML)
}

func (h *Handler) poll(ctx context.Context, conn *domain.Connection) error {
	since := time.Now().Add(-firstRunWindow)
	if state, err := h.polling.Get(ctx, conn.ID, Tool); err == nil && !state.LastSeenUpdatedAt.IsZero() {
		since = state.LastSeenUpdatedAt
	}

	messages, err := h.listMessages(ctx, conn, since)
	if err != nil {
		return err
	}

	var stored int
	maxSeen := since
	for _, msg := range messages {
		received, err := time.Parse(time.RFC3339, msg.ReceivedAt)
		if err != nil {
			continue
		}
		if received.After(maxSeen) {
			maxSeen = received
		}

		result, err := h.items.Upsert(ctx, &store.SourceItem{
			Tool:      Tool,
			NativeID:  msg.ID,
			ClientID:  conn.ClientID,
			Title:     msg.Subject,
			Body:      fmt.Sprintf("From: %s\n\n%s", msg.From, msg.body()),
			UpdatedAt: received,
		})
		if err != nil {
			h.logger.Warn("Failed to upsert message", "message", msg.ID, "error", err)
			continue
		}
		if result == store.UpsertSkipped {
			continue
		}
		stored++

		urn := fmt.Sprintf("mail:%s:%s", conn.ID, msg.ID)
		if _, err := h.queue.Enqueue(ctx, &domain.WorkItem{
			SourceURN: urn,
			ClientID:  conn.ClientID,
			Kind:      "mail_message",
		}); err != nil {
			h.logger.Warn("Failed to enqueue message", "message", msg.ID, "error", err)
		}
	}

	if err := h.polling.RecordPoll(ctx, conn.ID, Tool, time.Now(), maxSeen); err != nil {
		return fmt.Errorf("advance cursor: %w", err)
	}

	if stored > 0 {
		h.logger.Info("Mail poll complete",
			"connection", conn.ID, "fetched", len(messages), "stored", stored)
	}
	return nil
}

func (h *Handler) listMessages(ctx context.Context, conn *domain.Connection, since time.Time) ([]message, error) {
	endpoint := strings.TrimSuffix(conn.BaseURL, "/") + "/api/messages?" + url.Values{
		"since": []string{since.Format(time.RFC3339)},
		"limit": []string{"100"},
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
		return nil, fmt.Errorf("list messages failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, poller.NewAuthError(fmt.Errorf("mail gateway returned error: %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("mail gateway returned error: %d", resp.StatusCode)
	}

	var parsed struct {
		Messages []message `json:"messages"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, poller.NewDataError(fmt.Errorf("parse mail response: %w", err))
	}
	return parsed.Messages, nil
}
