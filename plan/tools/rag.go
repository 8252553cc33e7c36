// Package tools holds the plan step tools the executor can run: semantic
// search over indexed vectors, knowledge graph traversal, and asking the
// user a clarification question.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jervisproject/jervis/plan"
	"github.com/jervisproject/jervis/vector"
)

// searchLimit bounds how many hits a single search step returns.
const searchLimit = 10

// searchMinScore cuts off hits too dissimilar to be useful context.
const searchMinScore = 0.3

// Embedder turns queries into vectors. Both embedding models are searched
// so a question finds code symbols as well as prose descriptions.
type Embedder interface {
	EmbedCode(ctx context.Context, inputs []string) ([][]float32, error)
	EmbedText(ctx context.Context, inputs []string) ([][]float32, error)
	CodeModel() string
	TextModel() string
	Dimension(ctx context.Context, model string) (int, error)
}

// Searcher runs vector similarity queries.
type Searcher interface {
	Search(ctx context.Context, collection string, vec []float32, limit int, minScore float32, filter vector.Filter) ([]vector.Hit, error)
}

// RagSearch answers a step by similarity search over the project's vectors.
type RagSearch struct {
	embedder Embedder
	vectors  Searcher
	logger   *slog.Logger
}

// NewRagSearch creates the search tool.
func NewRagSearch(embedder Embedder, vectors Searcher, logger *slog.Logger) *RagSearch {
	if logger == nil {
		logger = slog.Default()
	}
	return &RagSearch{embedder: embedder, vectors: vectors, logger: logger}
}

// Name implements plan.Tool.
func (t *RagSearch) Name() string { return "rag_search" }

// Description is shown to the planner.
func (t *RagSearch) Description() string {
	return "Semantic search over the project's indexed code and documents. Input: a natural language query."
}

// Execute implements plan.Tool.
func (t *RagSearch) Execute(ctx context.Context, sc plan.StepContext) plan.Result {
	query := sc.Instruction
	if query == "" {
		query = sc.Question
	}

	filter := vector.Filter{"project_id": sc.ProjectID}
	if sc.ClientID != "" {
		filter["client_id"] = sc.ClientID
	}

	var hits []vector.Hit
	for _, lane := range []struct {
		model string
		embed func(context.Context, []string) ([][]float32, error)
	}{
		{t.embedder.TextModel(), t.embedder.EmbedText},
		{t.embedder.CodeModel(), t.embedder.EmbedCode},
	} {
		laneHits, err := t.searchLane(ctx, lane.model, lane.embed, query, filter)
		if err != nil {
			return plan.ErrorResult(fmt.Sprintf("search failed: %v", err))
		}
		hits = append(hits, laneHits...)
	}

	if len(hits) == 0 {
		return plan.ErrorResult("no relevant knowledge found for: " + query)
	}
	return plan.OkResult(formatHits(hits))
}

func (t *RagSearch) searchLane(ctx context.Context, model string, embed func(context.Context, []string) ([][]float32, error), query string, filter vector.Filter) ([]vector.Hit, error) {
	dim, err := t.embedder.Dimension(ctx, model)
	if err != nil {
		return nil, fmt.Errorf("probe dimension for %s: %w", model, err)
	}
	vectors, err := embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query with %s: %w", model, err)
	}
	collection := vector.CollectionName(model, dim)
	hits, err := t.vectors.Search(ctx, collection, vectors[0], searchLimit, searchMinScore, filter)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", collection, err)
	}
	return hits, nil
}

// formatHits renders search results as a readable block for later steps and
// the finalizer.
func formatHits(hits []vector.Hit) string {
	var b strings.Builder
	for i, h := range hits {
		path, _ := h.Payload["path"].(string)
		symbolType, _ := h.Payload["symbol_type"].(string)
		summary, _ := h.Payload["summary"].(string)

		fmt.Fprintf(&b, "[%d] %s", i+1, path)
		if symbolType != "" {
			fmt.Fprintf(&b, " (%s)", strings.ToLower(symbolType))
		}
		if start, ok := h.Payload["line_start"].(float64); ok {
			fmt.Fprintf(&b, " line %d", int(start))
		}
		fmt.Fprintf(&b, " score=%.3f\n", h.Score)
		if summary != "" {
			fmt.Fprintln(&b, summary)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
