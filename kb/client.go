// Package kb is the client for the knowledge base service, the graph side of
// retrieval. The indexing pipeline pushes structure (git metadata, code
// property graphs) here, and plan tools traverse it at answer time.
package kb

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const maxResponseSize = 100 * 1024 * 1024 // 100MB

// Client talks to the knowledge base REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAPIKey sets the bearer token sent with requests.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// NewClient creates a knowledge base client.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		// Full ingests stream progress for a long time.
		httpClient: &http.Client{Timeout: 30 * time.Minute},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Document is one knowledge item sent for ingestion.
type Document struct {
	ClientID  string `json:"client_id"`
	ProjectID string `json:"project_id"`
	Kind      string `json:"kind"`
	Title     string `json:"title,omitempty"`
	Body      string `json:"body"`
	SourceURN string `json:"source_urn,omitempty"`
	URL       string `json:"url,omitempty"`
}

// Ingest submits documents for asynchronous ingestion.
func (c *Client) Ingest(ctx context.Context, docs []Document) error {
	return c.post(ctx, "/api/v1/ingest", map[string]any{"documents": docs}, nil)
}

// GitCommit mirrors the commit metadata pushed after a poll.
type GitCommit struct {
	ProjectID  string    `json:"project_id"`
	Branch     string    `json:"branch"`
	Hash       string    `json:"hash"`
	Author     string    `json:"author"`
	Message    string    `json:"message"`
	CommitDate time.Time `json:"commit_date"`
}

// IngestGitCommits pushes commit metadata into the graph.
func (c *Client) IngestGitCommits(ctx context.Context, commits []GitCommit) error {
	return c.post(ctx, "/api/v1/ingest/git-commits", map[string]any{"commits": commits}, nil)
}

// GitStructure describes a repository layout snapshot.
type GitStructure struct {
	ProjectID string   `json:"project_id"`
	Branch    string   `json:"branch"`
	Commit    string   `json:"commit"`
	Paths     []string `json:"paths"`
}

// IngestGitStructure pushes a repository tree snapshot into the graph.
func (c *Client) IngestGitStructure(ctx context.Context, structure GitStructure) error {
	return c.post(ctx, "/api/v1/ingest/git-structure", structure, nil)
}

// IngestCPG uploads a code property graph export for a project.
func (c *Client) IngestCPG(ctx context.Context, projectID, cpgPath string) error {
	return c.uploadFile(ctx, "/api/v1/ingest/cpg", projectID, cpgPath, nil)
}

// Progress is one NDJSON progress event from a streaming ingest.
type Progress struct {
	Type     string         `json:"type"`
	Step     string         `json:"step,omitempty"`
	Message  string         `json:"message,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// IngestFull uploads an archive for a full project ingest and streams
// progress events to onProgress until the server finishes.
func (c *Client) IngestFull(ctx context.Context, projectID, archivePath string, onProgress func(Progress)) error {
	return c.uploadFile(ctx, "/api/v1/ingest/full", projectID, archivePath, onProgress)
}

// RetrieveRequest is a graph retrieval query.
type RetrieveRequest struct {
	ClientID  string `json:"client_id"`
	ProjectID string `json:"project_id,omitempty"`
	Query     string `json:"query"`
	Limit     int    `json:"limit,omitempty"`
}

// Fragment is one retrieved knowledge fragment.
type Fragment struct {
	ID       string         `json:"id"`
	Kind     string         `json:"kind"`
	Title    string         `json:"title,omitempty"`
	Body     string         `json:"body"`
	Score    float64        `json:"score,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Retrieve queries the knowledge base.
func (c *Client) Retrieve(ctx context.Context, req RetrieveRequest) ([]Fragment, error) {
	var result struct {
		Fragments []Fragment `json:"fragments"`
	}
	if err := c.post(ctx, "/api/v1/retrieve", req, &result); err != nil {
		return nil, err
	}
	return result.Fragments, nil
}

// TraverseRequest walks the graph outward from a starting node.
type TraverseRequest struct {
	ClientID  string `json:"client_id"`
	ProjectID string `json:"project_id,omitempty"`
	StartNode string `json:"start_node"`
	Relation  string `json:"relation,omitempty"`
	Depth     int    `json:"depth,omitempty"`
}

// Traverse returns the fragments reachable from a node.
func (c *Client) Traverse(ctx context.Context, req TraverseRequest) ([]Fragment, error) {
	var result struct {
		Fragments []Fragment `json:"fragments"`
	}
	if err := c.post(ctx, "/api/v1/traverse", req, &result); err != nil {
		return nil, err
	}
	return result.Fragments, nil
}

// Purge removes all knowledge for a project.
func (c *Client) Purge(ctx context.Context, clientID, projectID string) error {
	return c.post(ctx, "/api/v1/purge", map[string]string{
		"client_id":  clientID,
		"project_id": projectID,
	}, nil)
}

// QueueStatus reports the knowledge base's own ingestion backlog.
type QueueStatus struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Failed     int `json:"failed"`
}

// Queue fetches the ingestion queue status.
func (c *Client) Queue(ctx context.Context) (*QueueStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/queue", nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("queue status request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp.StatusCode, body)
	}

	var status QueueStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return nil, fmt.Errorf("parse queue status: %w", err)
	}
	return &status, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(resp.StatusCode, respBody)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

// uploadFile sends a multipart upload; when onProgress is set the response is
// consumed as an NDJSON progress stream.
func (c *Client) uploadFile(ctx context.Context, path, projectID, filePath string, onProgress func(Progress)) error {
	file, err := os.Open(filePath)
	if err != nil {
		return fmt.Errorf("open upload: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	if err := writer.WriteField("project_id", projectID); err != nil {
		return fmt.Errorf("write form field: %w", err)
	}
	part, err := writer.CreateFormFile("file", filepath.Base(filePath))
	if err != nil {
		return fmt.Errorf("create form file: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return fmt.Errorf("copy upload: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		return c.statusError(resp.StatusCode, body)
	}

	if onProgress == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var event Progress
		if err := json.Unmarshal(line, &event); err != nil {
			c.logger.Warn("Malformed progress event", "error", err)
			continue
		}
		onProgress(event)
		if event.Type == "error" {
			return fmt.Errorf("ingest failed: %s", event.Message)
		}
	}
	return scanner.Err()
}

func (c *Client) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
}

func (c *Client) statusError(status int, body []byte) error {
	detail := string(body)
	if len(detail) > 200 {
		detail = detail[:200] + "..."
	}
	return fmt.Errorf("knowledge base returned %d: %s", status, detail)
}
