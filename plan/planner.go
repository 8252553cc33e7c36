package plan

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jervisproject/jervis/domain"
	"github.com/jervisproject/jervis/llm"
)

// planSchema constrains the planner's response. Steps reference tools by
// name; the executor rejects unknown tools at run time.
const planSchema = `{
	"type": "object",
	"required": ["english_question", "original_language", "steps"],
	"properties": {
		"english_question": {"type": "string"},
		"original_language": {"type": "string"},
		"steps": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["tool", "instruction"],
				"properties": {
					"tool": {"type": "string"},
					"instruction": {"type": "string"}
				}
			}
		}
	}
}`

const plannerSystemPrompt = `You are the planning component of an engineering assistant.
Break the user's question into an ordered list of tool invocations.
Available tools:
%s
Also detect the language of the question and translate it to English.
Respond with a JSON object only: {"english_question": ..., "original_language": ..., "steps": [{"tool": ..., "instruction": ...}]}.
Use the fewest steps that can answer the question.`

// planResponse is the planner's structured output.
type planResponse struct {
	EnglishQuestion  string `json:"english_question"`
	OriginalLanguage string `json:"original_language"`
	Steps            []struct {
		Tool        string `json:"tool"`
		Instruction string `json:"instruction"`
	} `json:"steps"`
}

// Planner turns user questions into plans via the LLM.
type Planner struct {
	client *llm.Client
	logger *slog.Logger
}

// NewPlanner creates a planner.
func NewPlanner(client *llm.Client, logger *slog.Logger) *Planner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Planner{client: client, logger: logger}
}

// Plan produces a new pending plan for the question. toolDescriptions maps
// tool names to one-line descriptions shown to the planner.
func (p *Planner) Plan(ctx context.Context, contextID, question string, toolDescriptions map[string]string) (*domain.Plan, error) {
	var toolList strings.Builder
	for name, desc := range toolDescriptions {
		fmt.Fprintf(&toolList, "- %s: %s\n", name, desc)
	}

	var parsed planResponse
	_, err := p.client.CompleteStructured(ctx, llm.Request{
		Capability: "planning",
		Messages: []llm.Message{
			{Role: "system", Content: fmt.Sprintf(plannerSystemPrompt, toolList.String())},
			{Role: "user", Content: question},
		},
	}, planSchema, &parsed)
	if err != nil {
		return nil, fmt.Errorf("generate plan: %w", err)
	}

	for _, s := range parsed.Steps {
		if _, ok := toolDescriptions[s.Tool]; !ok {
			return nil, fmt.Errorf("planner referenced unknown tool %q", s.Tool)
		}
	}

	now := time.Now()
	plan := &domain.Plan{
		ID:               uuid.New().String(),
		ContextID:        contextID,
		Status:           domain.PlanPending,
		OriginalQuestion: question,
		EnglishQuestion:  parsed.EnglishQuestion,
		OriginalLanguage: parsed.OriginalLanguage,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	for i, s := range parsed.Steps {
		plan.Steps = append(plan.Steps, domain.PlanStep{
			ID:          uuid.New().String(),
			Order:       i + 1,
			ToolName:    s.Tool,
			Instruction: s.Instruction,
			Status:      domain.StepPending,
		})
	}

	p.logger.Info("Plan generated",
		"plan", plan.ID, "steps", len(plan.Steps), "language", plan.OriginalLanguage)
	return plan, nil
}
