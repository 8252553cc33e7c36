package llm

import (
	"fmt"
	"strings"
	"sync"
	"text/template"
	"time"
)

// assistantName is injected into every prompt so models answer in the
// assistant's identity rather than their provider default.
const assistantName = "Jervis"

// PromptRegistry holds named prompt templates. Templates are parsed once at
// registration; rendering merges caller values with ambient fields (current
// date, weekday, assistant identity) so prompts are temporally grounded.
type PromptRegistry struct {
	mu        sync.RWMutex
	templates map[string]*template.Template
	now       func() time.Time
}

// NewPromptRegistry creates an empty prompt registry.
func NewPromptRegistry() *PromptRegistry {
	return &PromptRegistry{
		templates: make(map[string]*template.Template),
		now:       time.Now,
	}
}

// Register parses and stores a template under a name. Registration of an
// invalid template fails fast.
func (r *PromptRegistry) Register(name, text string) error {
	tmpl, err := template.New(name).Option("missingkey=error").Parse(text)
	if err != nil {
		return fmt.Errorf("parse prompt %q: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.templates[name] = tmpl
	return nil
}

// MustRegister registers a template, panicking on parse errors. Use for
// compiled-in prompts.
func (r *PromptRegistry) MustRegister(name, text string) {
	if err := r.Register(name, text); err != nil {
		panic(err)
	}
}

// Render executes a named template with the given values merged over the
// ambient mapping values.
func (r *PromptRegistry) Render(name string, values map[string]any) (string, error) {
	r.mu.RLock()
	tmpl, ok := r.templates[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown prompt %q", name)
	}

	merged := r.ambientValues()
	for k, v := range values {
		merged[k] = v
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, merged); err != nil {
		return "", fmt.Errorf("render prompt %q: %w", name, err)
	}
	return b.String(), nil
}

// ambientValues returns the mapping values available to every template.
func (r *PromptRegistry) ambientValues() map[string]any {
	now := r.now()
	return map[string]any{
		"AssistantName": assistantName,
		"CurrentDate":   now.Format("2006-01-02"),
		"CurrentTime":   now.Format("15:04"),
		"Weekday":       now.Weekday().String(),
	}
}
