package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/jervisproject/jervis/domain"
	"github.com/jervisproject/jervis/store"
	"github.com/jervisproject/jervis/symbols"
)

// Instruction prompts for the analysis lane.
const (
	methodInstruction = "Summarize in two or three sentences what the following function or method does, " +
		"for a developer searching the codebase. Mention its inputs and effects. Respond with the summary only."
	classInstruction = "Summarize in two or three sentences the responsibility of the following type or class, " +
		"for a developer searching the codebase. Respond with the summary only."
)

// split routes each symbol to its lanes. The routing is a fixed table:
//
//	METHOD, FUNCTION            -> code embedding; LLM summary -> text embedding
//	CLASS                       -> LLM summary -> text embedding
//	FIELD, VARIABLE, PARAMETER  -> code embedding
//	everything else             -> dropped
//
// A symbol whose content hash matches a prior vector of the same file reuses
// the recorded description instead of a fresh LLM call.
func (p *Pipeline) split(ctx context.Context, req Request, summary *Summary, summaryMu *sync.Mutex,
	in <-chan symbolItem, analyzeOut chan<- analysisItem, embedOut chan<- embedItem) error {

	for item := range in {
		select {
		case <-ctx.Done():
			p.release(ctx, req, summary, summaryMu, item.file, nil, ctx.Err())
			return ctx.Err()
		default:
		}

		routes := p.route(req, item)

		// The incoming item is replaced by its routed descendants; register
		// them before releasing the original.
		for range routes.analysis {
			item.file.add()
		}
		for range routes.embeds {
			item.file.add()
		}
		p.release(ctx, req, summary, summaryMu, item.file, nil, nil)

		for _, a := range routes.analysis {
			select {
			case analyzeOut <- a:
			case <-ctx.Done():
				p.release(ctx, req, summary, summaryMu, a.file, nil, ctx.Err())
				return ctx.Err()
			}
		}
		for _, e := range routes.embeds {
			select {
			case embedOut <- e:
			case <-ctx.Done():
				p.release(ctx, req, summary, summaryMu, e.file, nil, ctx.Err())
				return ctx.Err()
			}
		}
	}
	return nil
}

// routed holds the lanes produced for one symbol.
type routed struct {
	analysis []analysisItem
	embeds   []embedItem
}

func (p *Pipeline) route(req Request, item symbolItem) routed {
	var out routed
	sym := item.sym

	doc := domain.RagDocument{
		ClientID:      req.ClientID,
		ProjectID:     req.ProjectID,
		SourceType:    domain.SourceJoern,
		Path:          item.file.relPath,
		Language:      sym.Language,
		SymbolType:    string(sym.Type),
		LineStart:     sym.LineStart,
		LineEnd:       sym.LineEnd,
		GitCommitHash: req.CommitHash,
	}

	if sym.Code == "" {
		return out
	}
	codeHash := store.HashContent(sym.Code)

	switch sym.Type {
	case symbols.TypeMethod, symbols.TypeFunction:
		doc.MethodName = sym.Name
		doc.ClassName = sym.ParentClass
		doc.Summary = sym.Signature
		out.embeds = append(out.embeds, embedItem{
			file:  item.file,
			doc:   doc,
			input: sym.Code,
			hash:  codeHash,
			code:  true,
		})

		textDoc := doc
		textDoc.SourceType = domain.SourceFileDescription
		if reused, ok := p.reuseDescription(item, codeHash); ok {
			out.embeds = append(out.embeds, p.summaryEmbeds(item.file, textDoc, reused, codeHash)...)
		} else {
			out.analysis = append(out.analysis, analysisItem{
				file:        item.file,
				sym:         sym,
				doc:         textDoc,
				instruction: methodInstruction,
			})
		}

	case symbols.TypeClass:
		doc.ClassName = sym.Name
		doc.SourceType = domain.SourceFileDescription
		if reused, ok := p.reuseDescription(item, codeHash); ok {
			out.embeds = append(out.embeds, p.summaryEmbeds(item.file, doc, reused, codeHash)...)
		} else {
			out.analysis = append(out.analysis, analysisItem{
				file:        item.file,
				sym:         sym,
				doc:         doc,
				instruction: classInstruction,
			})
		}

	case symbols.TypeField, symbols.TypeVariable, symbols.TypeParameter:
		doc.ClassName = sym.ParentClass
		doc.Summary = sym.FullName
		out.embeds = append(out.embeds, embedItem{
			file:  item.file,
			doc:   doc,
			input: sym.Code,
			hash:  codeHash,
			code:  true,
		})
	}

	return out
}

// summaryEmbeds fans a description into text-lane embed items, one per
// chunk. Short summaries stay whole; an oversized one splits with chunk
// metadata in each payload. The full description rides on the first item
// only, so the ledger keeps exactly one reusable copy per symbol.
func (p *Pipeline) summaryEmbeds(file *fileState, doc domain.RagDocument, description, codeHash string) []embedItem {
	chunks := p.chunker.Chunk(doc.Path, description)
	if len(chunks) <= 1 {
		doc.Summary = description
		return []embedItem{{file: file, doc: doc, input: description, hash: codeHash, desc: description}}
	}

	items := make([]embedItem, 0, len(chunks))
	for _, ch := range chunks {
		d := doc
		d.Summary = ch.Content
		d.ChunkID = ch.Index
		d.ChunkOf = len(chunks)
		item := embedItem{file: file, doc: d, input: ch.Content, hash: codeHash}
		if ch.Index == 0 {
			item.desc = description
		}
		items = append(items, item)
	}
	return items
}

// reuseDescription checks the file's prior ledger record for a description
// stored under the same content hash.
func (p *Pipeline) reuseDescription(item symbolItem, hash string) (string, bool) {
	if item.file.prior == nil {
		return "", false
	}
	for _, c := range item.file.prior.Contents {
		if c.ContentHash == hash && c.Description != "" {
			return c.Description, true
		}
	}
	return "", false
}

// analyze resolves analysis items into text embed items via the LLM.
func (p *Pipeline) analyze(ctx context.Context, req Request, summary *Summary, summaryMu *sync.Mutex,
	in <-chan analysisItem, out chan<- embedItem) error {

	for item := range in {
		select {
		case <-ctx.Done():
			p.release(ctx, req, summary, summaryMu, item.file, nil, ctx.Err())
			return ctx.Err()
		default:
		}

		p.report(StepAnalyze, item.sym.FullName)

		description, err := p.summarizer.Summarize(ctx, item.instruction, item.sym.Code)
		if err != nil {
			p.release(ctx, req, summary, summaryMu, item.file, nil,
				fmt.Errorf("summarize %s: %w", item.sym.FullName, err))
			continue
		}

		embeds := p.summaryEmbeds(item.file, item.doc, description, store.HashContent(item.sym.Code))
		for range embeds {
			item.file.add()
		}
		p.release(ctx, req, summary, summaryMu, item.file, nil, nil)

		for _, e := range embeds {
			select {
			case out <- e:
			case <-ctx.Done():
				p.release(ctx, req, summary, summaryMu, e.file, nil, ctx.Err())
				return ctx.Err()
			}
		}
	}
	return nil
}
