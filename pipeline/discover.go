package pipeline

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/jervisproject/jervis/store"
	"github.com/jervisproject/jervis/symbols"
)

// discover walks the working copy, decides per file whether indexing is
// needed, and streams symbols into the splitter channel. Prior vectors for a
// file are deleted before its first symbol is emitted so a failed run never
// leaves a mix of old and new vectors.
func (p *Pipeline) discover(ctx context.Context, req Request, colls collections,
	summary *Summary, summaryMu *sync.Mutex, out chan<- symbolItem) error {

	extToLang := p.extensionMap(req.Languages)
	extractors := make(map[string]symbols.Extractor)

	err := filepath.WalkDir(req.RepoRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		relPath, relErr := filepath.Rel(req.RepoRoot, path)
		if relErr != nil {
			relPath = path
		}
		relPath = filepath.ToSlash(relPath)

		if p.excluded(relPath, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}

		lang, ok := extToLang[strings.ToLower(filepath.Ext(path))]
		if !ok {
			return nil
		}

		summaryMu.Lock()
		summary.FilesScanned++
		summaryMu.Unlock()

		skipped, ferr := p.discoverFile(ctx, req, colls, summary, summaryMu, lang, path, relPath, extractors, out)
		if ferr != nil {
			p.logger.Warn("Failed to index file", "path", relPath, "error", ferr)
			if lerr := p.ledger.FailIndexing(ctx, req.ProjectID, relPath, ferr); lerr != nil {
				p.logger.Warn("Failed to record indexing failure", "path", relPath, "error", lerr)
			}
			summaryMu.Lock()
			summary.FilesFailed++
			summaryMu.Unlock()
			return nil
		}
		if skipped {
			summaryMu.Lock()
			summary.FilesSkipped++
			summaryMu.Unlock()
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", req.RepoRoot, err)
	}
	return nil
}

// discoverFile processes one source file. Returns skipped=true when the
// ledger shows the file unchanged.
func (p *Pipeline) discoverFile(ctx context.Context, req Request, colls collections,
	summary *Summary, summaryMu *sync.Mutex,
	lang, path, relPath string, extractors map[string]symbols.Extractor, out chan<- symbolItem) (bool, error) {

	raw, err := os.ReadFile(path)
	if err != nil {
		return false, fmt.Errorf("read file: %w", err)
	}
	content := string(raw)

	needed, err := p.ledger.ShouldIndex(ctx, req.ProjectID, relPath, req.CommitHash, content)
	if err != nil {
		return false, fmt.Errorf("check ledger: %w", err)
	}
	if !needed {
		return true, nil
	}

	prior, err := p.ledger.Get(ctx, req.ProjectID, relPath)
	if err != nil && err != store.ErrNotFound {
		return false, fmt.Errorf("load prior status: %w", err)
	}

	if err := p.ledger.StartIndexing(ctx, req.ProjectID, relPath); err != nil {
		return false, fmt.Errorf("mark indexing started: %w", err)
	}

	// Delete-before-replace: drop everything recorded for this path in both
	// lanes before new vectors land.
	filter := map[string]any{"project_id": req.ProjectID, "path": relPath}
	for _, coll := range []string{colls.code, colls.text} {
		removed, err := p.vectors.DeleteByFilter(ctx, coll, filter)
		if err != nil {
			return false, fmt.Errorf("delete prior vectors: %w", err)
		}
		if removed > 0 {
			p.logger.Debug("Dropped stale vectors", "path", relPath, "collection", coll, "count", removed)
		}
	}

	state := &fileState{
		relPath:  relPath,
		commit:   req.CommitHash,
		fileHash: store.HashContent(content),
		prior:    prior,
	}

	extractor, ok := extractors[lang]
	if !ok {
		extractor, err = p.registry.CreateExtractor(lang, req.RepoRoot)
		if err != nil {
			return false, err
		}
		extractors[lang] = extractor
	}

	err = extractor.ExtractFile(ctx, path, func(sym symbols.Symbol) error {
		state.add()
		select {
		case out <- symbolItem{file: state, sym: sym}:
			return nil
		case <-ctx.Done():
			state.done(nil, ctx.Err())
			return ctx.Err()
		}
	})
	if err != nil {
		state.close()
		return false, fmt.Errorf("extract symbols: %w", err)
	}

	if state.close() {
		// Everything already stored, or no symbols emitted at all.
		p.finalize(ctx, req, state, summary, summaryMu)
	}
	return false, nil
}

// excluded checks a relative path against the exclusion patterns.
func (p *Pipeline) excluded(relPath string, isDir bool) bool {
	candidate := relPath
	if isDir {
		// Directory patterns like **/.git/** match against contents.
		candidate = relPath + "/"
	}
	for _, pattern := range p.config.Excludes {
		if ok, _ := doublestar.Match(pattern, candidate); ok {
			return true
		}
		if isDir {
			if ok, _ := doublestar.Match(pattern, relPath+"/x"); ok {
				return true
			}
		}
	}
	return false
}

// extensionMap maps file extensions to languages, restricted to the
// requested set when non-empty.
func (p *Pipeline) extensionMap(languages []string) map[string]string {
	wanted := make(map[string]bool, len(languages))
	for _, l := range languages {
		wanted[l] = true
	}

	m := make(map[string]string)
	for _, lang := range p.registry.Languages() {
		if len(wanted) > 0 && !wanted[lang] {
			continue
		}
		for _, ext := range p.registry.ExtensionsFor(lang) {
			m[strings.ToLower(ext)] = lang
		}
	}
	return m
}
