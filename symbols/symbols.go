// Package symbols extracts named, locatable entities from source files. A
// symbol is the unit of indexing; extractors stream symbols as they parse
// instead of materializing whole trees.
package symbols

import (
	"context"
	"fmt"
	"sync"
)

// Type classifies a symbol.
type Type string

const (
	TypeNamespace Type = "NAMESPACE"
	TypeClass     Type = "CLASS"
	TypeMethod    Type = "METHOD"
	TypeFunction  Type = "FUNCTION"
	TypeField     Type = "FIELD"
	TypeVariable  Type = "VARIABLE"
	TypeParameter Type = "PARAMETER"
	TypeCall      Type = "CALL"
	TypeImport    Type = "IMPORT"
	TypeFile      Type = "FILE"
	TypeModule    Type = "MODULE"
	TypePackage   Type = "PACKAGE"
)

// Symbol is one extracted entity.
type Symbol struct {
	Type        Type
	Name        string
	FullName    string
	Signature   string
	LineStart   int
	LineEnd     int
	NodeID      string
	Language    string
	Code        string
	ParentClass string
}

// Key identifies a symbol within its file for skip/replace decisions.
func (s Symbol) Key() string {
	return fmt.Sprintf("%s:%s:%d:%d", s.Type, s.FullName, s.LineStart, s.LineEnd)
}

// EmitFunc receives symbols as they are parsed. Returning an error aborts
// the extraction.
type EmitFunc func(Symbol) error

// Extractor parses one file and streams its symbols.
type Extractor interface {
	ExtractFile(ctx context.Context, filePath string, emit EmitFunc) error
}

// Factory creates an extractor rooted at a working tree.
type Factory func(repoRoot string) Extractor

// Registry maps languages to extractor factories and file extensions.
type Registry struct {
	mu         sync.RWMutex
	factories  map[string]Factory
	extensions map[string][]string // language -> extensions
}

// DefaultRegistry is the process-wide extractor registry. Language packages
// register themselves in init().
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories:  make(map[string]Factory),
		extensions: make(map[string][]string),
	}
}

// Register adds a language extractor with its file extensions.
func (r *Registry) Register(language string, extensions []string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[language] = factory
	r.extensions[language] = extensions
}

// CreateExtractor instantiates the extractor for a language.
func (r *Registry) CreateExtractor(language, repoRoot string) (Extractor, error) {
	r.mu.RLock()
	factory, ok := r.factories[language]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no extractor registered for language %q", language)
	}
	return factory(repoRoot), nil
}

// ExtensionsFor returns the file extensions handled by a language.
func (r *Registry) ExtensionsFor(language string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.extensions[language]
}

// Languages lists the registered languages.
func (r *Registry) Languages() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	languages := make([]string, 0, len(r.factories))
	for lang := range r.factories {
		languages = append(languages, lang)
	}
	return languages
}
