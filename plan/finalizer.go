package plan

import (
	"context"
	"fmt"

	"github.com/jervisproject/jervis/domain"
	"github.com/jervisproject/jervis/llm"
)

const finalizeSystemPrompt = `You are %s, an engineering assistant.
Write the final answer to the user's question from the collected step results below.
Answer in %s. Be direct and concrete; cite file paths and names from the results where relevant.
Do not mention the steps or tools.`

const finalizeFailureNote = `

The attempt to answer did not complete: %s
Explain to the user what went wrong and, where the partial results allow, what is known so far.`

// LLMFinalizer renders the user-facing answer from a completed plan's step
// results, in the language the question was asked in.
type LLMFinalizer struct {
	client *llm.Client
}

// NewLLMFinalizer creates the default finalizer.
func NewLLMFinalizer(client *llm.Client) *LLMFinalizer {
	return &LLMFinalizer{client: client}
}

// Finalize implements Finalizer.
func (f *LLMFinalizer) Finalize(ctx context.Context, plan *domain.Plan) (string, error) {
	language := plan.OriginalLanguage
	if language == "" {
		language = "English"
	}

	var prior []CompletedStep
	for _, s := range plan.Steps {
		if s.Status == domain.StepDone {
			prior = append(prior, CompletedStep{
				ToolName:    s.ToolName,
				Instruction: s.Instruction,
				Output:      s.ToolResult,
			})
		}
	}

	user := "Question: " + plan.OriginalQuestion + "\n\n" + FormatPriorSteps(prior)
	if plan.Status == domain.PlanFailed {
		user += fmt.Sprintf(finalizeFailureNote, plan.FinalAnswer)
	}

	resp, err := f.client.Complete(ctx, llm.Request{
		Capability: "finalize",
		Messages: []llm.Message{
			{Role: "system", Content: fmt.Sprintf(finalizeSystemPrompt, "Jervis", language)},
			{Role: "user", Content: user},
		},
	})
	if err != nil {
		return "", fmt.Errorf("finalize answer: %w", err)
	}
	return resp.Content, nil
}
