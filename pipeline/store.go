package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/jervisproject/jervis/domain"
)

// embedAndStore drains the embed channel: each item is embedded in its lane
// and upserted with its payload. The resulting vector id and content hash are
// recorded on the file so finalization can write the ledger record.
func (p *Pipeline) embedAndStore(ctx context.Context, req Request, colls collections,
	summary *Summary, summaryMu *sync.Mutex, in <-chan embedItem) error {

	for item := range in {
		select {
		case <-ctx.Done():
			p.release(ctx, req, summary, summaryMu, item.file, nil, ctx.Err())
			return ctx.Err()
		default:
		}

		content, err := p.storeOne(ctx, colls, item)
		p.release(ctx, req, summary, summaryMu, item.file, content, err)
	}
	return nil
}

func (p *Pipeline) storeOne(ctx context.Context, colls collections, item embedItem) (*domain.VectorContent, error) {
	p.report(StepEmbed, item.file.relPath)

	var vectors [][]float32
	var err error
	collection := colls.text
	if item.code {
		collection = colls.code
		vectors, err = p.embedder.EmbedCode(ctx, []string{item.input})
	} else {
		vectors, err = p.embedder.EmbedText(ctx, []string{item.input})
	}
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("expected one vector, got %d", len(vectors))
	}

	p.report(StepStore, item.file.relPath)

	vectorID := uuid.New().String()
	payload, err := docPayload(item.doc)
	if err != nil {
		return nil, err
	}

	if err := p.vectors.Upsert(ctx, collection, []Point{{
		ID:      vectorID,
		Vector:  vectors[0],
		Payload: payload,
	}}); err != nil {
		return nil, fmt.Errorf("store vector: %w", err)
	}

	content := &domain.VectorContent{
		VectorID:    vectorID,
		ContentHash: item.hash,
		Length:      len(item.input),
		Description: item.desc,
	}
	return content, nil
}

// docPayload converts a RagDocument into the vector store payload map.
func docPayload(doc domain.RagDocument) (map[string]any, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return payload, nil
}
