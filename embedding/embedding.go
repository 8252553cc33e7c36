// Package embedding provides a client for the OpenAI-compatible embeddings
// endpoint. Two models are configured: one for source code, one for natural
// language. The vector gateway derives its collection names from the model
// and the dimension reported here.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const maxResponseSize = 50 * 1024 * 1024 // 50MB

// Client talks to an embeddings endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	codeModel  string
	textModel  string
	httpClient *http.Client
	logger     *slog.Logger

	// dims caches the probed dimension per model. Guarded by dimsMu: the
	// store workers embed concurrently.
	dimsMu sync.Mutex
	dims   map[string]int
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

// NewClient creates an embeddings client.
func NewClient(baseURL, codeModel, textModel string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		codeModel:  codeModel,
		textModel:  textModel,
		httpClient: &http.Client{Timeout: 2 * time.Minute},
		logger:     slog.Default(),
		dims:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CodeModel returns the model used for source code embeddings.
func (c *Client) CodeModel() string { return c.codeModel }

// TextModel returns the model used for natural language embeddings.
func (c *Client) TextModel() string { return c.textModel }

// EmbedCode embeds source code snippets with the code model.
func (c *Client) EmbedCode(ctx context.Context, inputs []string) ([][]float32, error) {
	return c.Embed(ctx, c.codeModel, inputs)
}

// EmbedText embeds natural language with the text model.
func (c *Client) EmbedText(ctx context.Context, inputs []string) ([][]float32, error) {
	return c.Embed(ctx, c.textModel, inputs)
}

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
}

// Embed sends inputs to the embeddings endpoint and returns vectors in input
// order.
func (c *Client) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embedRequest{Model: model, Input: inputs})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		detail := string(respBody)
		if len(detail) > 200 {
			detail = detail[:200] + "..."
		}
		return nil, fmt.Errorf("embeddings endpoint returned %d: %s", resp.StatusCode, detail)
	}

	var parsed embedResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("parse embed response: %w", err)
	}
	if len(parsed.Data) != len(inputs) {
		return nil, fmt.Errorf("embeddings endpoint returned %d vectors for %d inputs", len(parsed.Data), len(inputs))
	}

	vectors := make([][]float32, len(inputs))
	for _, d := range parsed.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		vectors[d.Index] = d.Embedding
	}

	if len(vectors) > 0 && len(vectors[0]) > 0 {
		c.dimsMu.Lock()
		c.dims[model] = len(vectors[0])
		c.dimsMu.Unlock()
	}
	return vectors, nil
}

// Dimension returns the vector dimension for a model, probing the endpoint
// with a short input on first use. Collection names depend on this value, so
// a change here triggers a vector store rebuild.
func (c *Client) Dimension(ctx context.Context, model string) (int, error) {
	c.dimsMu.Lock()
	dim, ok := c.dims[model]
	c.dimsMu.Unlock()
	if ok {
		return dim, nil
	}
	vectors, err := c.Embed(ctx, model, []string{"dimension probe"})
	if err != nil {
		return 0, fmt.Errorf("probe dimension: %w", err)
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return 0, fmt.Errorf("probe dimension: empty vector for model %s", model)
	}
	return len(vectors[0]), nil
}
