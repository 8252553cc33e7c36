// Package vector is the gateway to the Qdrant vector store. Collections are
// named per embedding model and dimension, so an embedding model change lands
// in a fresh collection and forces a rebuild instead of silently mixing
// incompatible vectors. All calls run through a circuit breaker; when the
// store is down callers fail fast with ErrUnavailable instead of piling up
// timeouts.
package vector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrUnavailable is returned when the vector store circuit is open.
var ErrUnavailable = errors.New("vector store unavailable")

const maxResponseSize = 50 * 1024 * 1024 // 50MB

var collectionSanitizer = regexp.MustCompile(`[^a-z0-9_]+`)

// CollectionName derives the collection for an embedding model and dimension.
func CollectionName(model string, dim int) string {
	sanitized := collectionSanitizer.ReplaceAllString(strings.ToLower(model), "_")
	return fmt.Sprintf("jervis_%s_dim%d", sanitized, dim)
}

// Point is one vector with its payload.
type Point struct {
	ID      string         `json:"id"`
	Vector  []float32      `json:"vector"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Hit is one search result.
type Hit struct {
	ID      string         `json:"id"`
	Score   float32        `json:"score"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Filter restricts operations to points whose payload matches every listed
// field value.
type Filter map[string]any

// Settings is one embedding configuration as the gateway last saw it.
type Settings struct {
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
}

// Gateway talks to the vector store REST API.
type Gateway struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	logger     *slog.Logger

	// mu guards ensured and lastKnown, and serializes collection creation.
	mu sync.Mutex
	// ensured caches collections known to exist.
	ensured map[string]bool
	// lastKnown is the previous embedding configuration per lane, used to
	// drop superseded collections when settings change.
	lastKnown map[string]Settings
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(g *Gateway) { g.httpClient = hc }
}

// WithAPIKey sets the api-key header sent with requests.
func WithAPIKey(key string) Option {
	return func(g *Gateway) { g.apiKey = key }
}

// NewGateway creates a vector store gateway.
func NewGateway(baseURL string, opts ...Option) *Gateway {
	g := &Gateway{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     slog.Default(),
		ensured:    make(map[string]bool),
		lastKnown:  make(map[string]Settings),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "vector-store",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.logger.Warn("Vector store circuit state changed",
				"from", from.String(), "to", to.String())
		},
	})
	return g
}

// EnsureCollection creates the collection for a model/dimension pair if it
// does not exist. Cosine distance throughout. Creation is serialized so
// concurrent pipeline lanes cannot race the same collection into existence.
func (g *Gateway) EnsureCollection(ctx context.Context, model string, dim int) (string, error) {
	name := CollectionName(model, dim)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ensured[name] {
		return name, nil
	}

	exists, err := g.collectionExists(ctx, name)
	if err != nil {
		return "", err
	}
	if !exists {
		body := map[string]any{
			"vectors": map[string]any{
				"size":     dim,
				"distance": "Cosine",
			},
		}
		if err := g.do(ctx, http.MethodPut, "/collections/"+name, body, nil); err != nil {
			return "", fmt.Errorf("create collection %s: %w", name, err)
		}
		g.logger.Info("Created vector collection", "collection", name, "dimension", dim)
	}
	g.ensured[name] = true
	return name, nil
}

// SeedSettings primes the last known embedding configuration for a lane,
// typically from persisted state at startup.
func (g *Gateway) SeedSettings(lane string, s Settings) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lastKnown[lane] = s
}

// SettingsChanged applies a new embedding configuration for a lane. The
// collection for the new model and dimension is created, and the previous
// lane collection is deleted if and only if the model or dimension actually
// changed. Unchanged settings are a no-op.
func (g *Gateway) SettingsChanged(ctx context.Context, lane string, s Settings) error {
	g.mu.Lock()
	prev, had := g.lastKnown[lane]
	g.mu.Unlock()

	if had && prev == s {
		return nil
	}

	if _, err := g.EnsureCollection(ctx, s.Model, s.Dimension); err != nil {
		return err
	}
	if had {
		old := CollectionName(prev.Model, prev.Dimension)
		if err := g.DeleteCollection(ctx, old); err != nil {
			return fmt.Errorf("drop superseded collection %s: %w", old, err)
		}
		g.logger.Info("Embedding settings changed, rebuilt collection",
			"lane", lane, "from", old, "to", CollectionName(s.Model, s.Dimension))
	}

	g.mu.Lock()
	g.lastKnown[lane] = s
	g.mu.Unlock()
	return nil
}

// DeleteCollection drops a collection. A collection that is already gone is
// not an error.
func (g *Gateway) DeleteCollection(ctx context.Context, name string) error {
	g.mu.Lock()
	delete(g.ensured, name)
	g.mu.Unlock()

	err := g.do(ctx, http.MethodDelete, "/collections/"+name, nil, nil)
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete collection %s: %w", name, err)
	}
	return nil
}

func (g *Gateway) collectionExists(ctx context.Context, name string) (bool, error) {
	var result struct {
		Status string `json:"status"`
	}
	err := g.do(ctx, http.MethodGet, "/collections/"+name, nil, &result)
	if err == nil {
		return true, nil
	}
	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

// Upsert writes points to a collection.
func (g *Gateway) Upsert(ctx context.Context, collection string, points []Point) error {
	if len(points) == 0 {
		return nil
	}
	body := map[string]any{"points": points}
	if err := g.do(ctx, http.MethodPut, "/collections/"+collection+"/points?wait=true", body, nil); err != nil {
		return fmt.Errorf("upsert %d points: %w", len(points), err)
	}
	return nil
}

// Search returns the closest points to vector, optionally restricted by
// filter. Hits scoring below minScore are cut off by the store.
func (g *Gateway) Search(ctx context.Context, collection string, vector []float32, limit int, minScore float32, filter Filter) ([]Hit, error) {
	body := map[string]any{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	if minScore > 0 {
		body["score_threshold"] = minScore
	}
	if len(filter) > 0 {
		body["filter"] = buildFilter(filter)
	}

	var result struct {
		Result []struct {
			ID      any            `json:"id"`
			Score   float32        `json:"score"`
			Payload map[string]any `json:"payload"`
		} `json:"result"`
	}
	if err := g.do(ctx, http.MethodPost, "/collections/"+collection+"/points/search", body, &result); err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	hits := make([]Hit, 0, len(result.Result))
	for _, r := range result.Result {
		hits = append(hits, Hit{
			ID:      fmt.Sprintf("%v", r.ID),
			Score:   r.Score,
			Payload: r.Payload,
		})
	}
	return hits, nil
}

// DeleteByFilter removes all points whose payload matches the filter and
// returns how many were removed.
func (g *Gateway) DeleteByFilter(ctx context.Context, collection string, filter Filter) (int, error) {
	if len(filter) == 0 {
		return 0, fmt.Errorf("refusing to delete with empty filter")
	}

	count, err := g.countByFilter(ctx, collection, filter)
	if err != nil {
		return 0, err
	}
	if count == 0 {
		return 0, nil
	}

	body := map[string]any{"filter": buildFilter(filter)}
	if err := g.do(ctx, http.MethodPost, "/collections/"+collection+"/points/delete?wait=true", body, nil); err != nil {
		return 0, fmt.Errorf("delete by filter: %w", err)
	}
	return count, nil
}

// DeleteByKnowledgeID removes all points belonging to one knowledge item,
// scoped to the owning client.
func (g *Gateway) DeleteByKnowledgeID(ctx context.Context, collection, knowledgeID, clientID string) (int, error) {
	filter := Filter{"knowledge_id": knowledgeID}
	if clientID != "" {
		filter["client_id"] = clientID
	}
	return g.DeleteByFilter(ctx, collection, filter)
}

// PurgeKnowledge removes one knowledge item's points from every lane
// collection the gateway currently knows and returns the total removed.
// Lanes sharing a collection are deleted from once.
func (g *Gateway) PurgeKnowledge(ctx context.Context, knowledgeID, clientID string) (int, error) {
	g.mu.Lock()
	seen := make(map[string]bool, len(g.lastKnown))
	collections := make([]string, 0, len(g.lastKnown))
	for _, s := range g.lastKnown {
		name := CollectionName(s.Model, s.Dimension)
		if !seen[name] {
			seen[name] = true
			collections = append(collections, name)
		}
	}
	g.mu.Unlock()

	total := 0
	for _, coll := range collections {
		removed, err := g.DeleteByKnowledgeID(ctx, coll, knowledgeID, clientID)
		if err != nil {
			return total, err
		}
		total += removed
	}
	return total, nil
}

// countByFilter returns the exact number of points matching the filter.
func (g *Gateway) countByFilter(ctx context.Context, collection string, filter Filter) (int, error) {
	body := map[string]any{
		"filter": buildFilter(filter),
		"exact":  true,
	}
	var result struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	if err := g.do(ctx, http.MethodPost, "/collections/"+collection+"/points/count", body, &result); err != nil {
		return 0, fmt.Errorf("count by filter: %w", err)
	}
	return result.Result.Count, nil
}

// buildFilter translates the flat filter into the store's must-match form.
func buildFilter(filter Filter) map[string]any {
	must := make([]map[string]any, 0, len(filter))
	for key, value := range filter {
		must = append(must, map[string]any{
			"key":   key,
			"match": map[string]any{"value": value},
		})
	}
	return map[string]any{"must": must}
}

// apiError carries the HTTP status of a failed call.
type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("vector store returned %d: %s", e.Status, e.Body)
}

// do executes one request through the circuit breaker.
func (g *Gateway) do(ctx context.Context, method, path string, body, out any) error {
	_, err := g.breaker.Execute(func() (any, error) {
		return nil, g.doRequest(ctx, method, path, body, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (g *Gateway) doRequest(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		req.Header.Set("api-key", g.apiKey)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail := string(respBody)
		if len(detail) > 200 {
			detail = detail[:200] + "..."
		}
		return &apiError{Status: resp.StatusCode, Body: detail}
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}
