package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jervisproject/jervis/dialog"
	"github.com/jervisproject/jervis/plan"
)

// Asker is the slice of the dialog coordinator the ask tool needs.
type Asker interface {
	Ask(ctx context.Context, req dialog.Request) (dialog.Result, error)
}

// AskUser pauses a plan on a clarification question. An answered dialog
// resumes the plan with the answer as the step result; a dismissed or
// timed-out dialog stops the plan.
type AskUser struct {
	dialogs Asker
	logger  *slog.Logger
}

// NewAskUser creates the clarification tool.
func NewAskUser(dialogs Asker, logger *slog.Logger) *AskUser {
	if logger == nil {
		logger = slog.Default()
	}
	return &AskUser{dialogs: dialogs, logger: logger}
}

// Name implements plan.Tool.
func (t *AskUser) Name() string { return "ask_user" }

// Description is shown to the planner.
func (t *AskUser) Description() string {
	return "Ask the user a clarification question and wait for the answer. Input: the question to ask."
}

// Execute implements plan.Tool.
func (t *AskUser) Execute(ctx context.Context, sc plan.StepContext) plan.Result {
	question := sc.Instruction
	if question == "" {
		return plan.ErrorResult("ask_user step has no question")
	}

	result, err := t.dialogs.Ask(ctx, dialog.Request{
		CorrelationID: sc.StepID,
		ClientID:      sc.ClientID,
		ProjectID:     sc.ProjectID,
		Question:      question,
	})
	if err != nil {
		return plan.ErrorResult(fmt.Sprintf("dialog failed: %v", err))
	}
	if result.ClosedByUser {
		return plan.StopResult("The user closed the clarification dialog without answering.")
	}
	if !result.Accepted {
		return plan.ErrorResult("dialog ended without an answer")
	}

	t.logger.Info("Clarification answered", "plan", sc.PlanID)
	return plan.OkResult("The user answered the question \"" + question + "\" with: " + result.Answer)
}
