package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jervisproject/jervis/kb"
	"github.com/jervisproject/jervis/plan"
)

// retrieveLimit bounds how many fragments a knowledge base step returns.
const retrieveLimit = 10

// KnowledgeBase is the slice of the kb client the traverse tool needs.
type KnowledgeBase interface {
	Retrieve(ctx context.Context, req kb.RetrieveRequest) ([]kb.Fragment, error)
}

// KBRetrieve answers a step by querying the knowledge graph.
type KBRetrieve struct {
	kb     KnowledgeBase
	logger *slog.Logger
}

// NewKBRetrieve creates the knowledge base tool.
func NewKBRetrieve(knowledge KnowledgeBase, logger *slog.Logger) *KBRetrieve {
	if logger == nil {
		logger = slog.Default()
	}
	return &KBRetrieve{kb: knowledge, logger: logger}
}

// Name implements plan.Tool.
func (t *KBRetrieve) Name() string { return "kb_retrieve" }

// Description is shown to the planner.
func (t *KBRetrieve) Description() string {
	return "Look up organizational knowledge: tickets, wiki pages, mails, commit history. Input: a natural language query."
}

// Execute implements plan.Tool.
func (t *KBRetrieve) Execute(ctx context.Context, sc plan.StepContext) plan.Result {
	query := sc.Instruction
	if query == "" {
		query = sc.Question
	}

	fragments, err := t.kb.Retrieve(ctx, kb.RetrieveRequest{
		ClientID:  sc.ClientID,
		ProjectID: sc.ProjectID,
		Query:     query,
		Limit:     retrieveLimit,
	})
	if err != nil {
		return plan.ErrorResult(fmt.Sprintf("knowledge base query failed: %v", err))
	}
	if len(fragments) == 0 {
		return plan.ErrorResult("no relevant knowledge found for: " + query)
	}

	var b strings.Builder
	for i, f := range fragments {
		fmt.Fprintf(&b, "[%d]", i+1)
		if f.Title != "" {
			fmt.Fprintf(&b, " %s", f.Title)
		}
		if f.Kind != "" {
			fmt.Fprintf(&b, " (%s)", f.Kind)
		}
		b.WriteString("\n")
		fmt.Fprintln(&b, f.Body)
		b.WriteString("\n")
	}
	return plan.OkResult(strings.TrimRight(b.String(), "\n"))
}
