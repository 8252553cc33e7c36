package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/jervisproject/jervis/chunk"
	"github.com/jervisproject/jervis/model"
)

// contextHeadroom reserves part of the context window for the instruction
// and the response.
const contextHeadroom = 0.5

// SelectiveProcessor runs an instruction over content that may exceed a
// model's context window. Content that fits is processed in a single call;
// oversized content is chunked, each chunk processed separately, and the
// partial results combined in a final call. A failed chunk fails the whole
// operation, never a partial answer.
type SelectiveProcessor struct {
	client  *Client
	chunker *chunk.Chunker
}

// NewSelectiveProcessor creates a processor using the client's registry for
// context-size decisions.
func NewSelectiveProcessor(client *Client) *SelectiveProcessor {
	return &SelectiveProcessor{
		client:  client,
		chunker: chunk.NewDefault(),
	}
}

// Process applies instruction to content under the given capability.
func (p *SelectiveProcessor) Process(ctx context.Context, capability model.Capability, instruction, content string) (string, error) {
	budget := p.client.Registry().LargestContext(capability)
	if budget <= 0 {
		budget = 32768
	}
	limit := int(float64(budget) * contextHeadroom)

	if chunk.EstimateTokens(content) <= limit {
		return p.single(ctx, capability, instruction, content)
	}

	chunks := p.chunker.Chunk("selective", content)
	partials := make([]string, 0, len(chunks))
	for _, ch := range chunks {
		partial, err := p.single(ctx, capability, instruction, ch.Content)
		if err != nil {
			return "", fmt.Errorf("process chunk %d of %d: %w", ch.Index+1, len(chunks), err)
		}
		partials = append(partials, partial)
	}

	if len(partials) == 1 {
		return partials[0], nil
	}
	return p.combine(ctx, capability, instruction, partials)
}

func (p *SelectiveProcessor) single(ctx context.Context, capability model.Capability, instruction, content string) (string, error) {
	resp, err := p.client.Complete(ctx, Request{
		Capability: capability.String(),
		Messages: []Message{
			{Role: "system", Content: instruction},
			{Role: "user", Content: content},
		},
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// combine merges per-chunk results into one coherent answer.
func (p *SelectiveProcessor) combine(ctx context.Context, capability model.Capability, instruction string, partials []string) (string, error) {
	var b strings.Builder
	for i, partial := range partials {
		fmt.Fprintf(&b, "Part %d:\n%s\n\n", i+1, partial)
	}

	resp, err := p.client.Complete(ctx, Request{
		Capability: capability.String(),
		Messages: []Message{
			{Role: "system", Content: "The following parts are partial results of applying an instruction to " +
				"consecutive pieces of one document. Merge them into a single coherent result. " +
				"Original instruction: " + instruction},
			{Role: "user", Content: b.String()},
		},
	})
	if err != nil {
		return "", fmt.Errorf("combine partial results: %w", err)
	}
	return resp.Content, nil
}
