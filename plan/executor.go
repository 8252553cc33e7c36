// Package plan executes tool plans. A plan is an ordered list of tool
// invocations produced by the planner; the executor runs them strictly in
// order, persists the task context after every step, and reports progress.
// Tool results use the four-valued Result type: Ok and Ask continue, Error
// and Stop fail the plan.
package plan

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jervisproject/jervis/domain"
)

// ResultKind classifies a tool outcome.
type ResultKind string

const (
	// Ok carries a usable tool result.
	Ok ResultKind = "ok"
	// Ask carries a message that is surfaced to the user; the step counts
	// as done and execution continues.
	Ask ResultKind = "ask"
	// Error reports a tool failure; the plan fails.
	Error ResultKind = "error"
	// Stop aborts the plan deliberately with a reason.
	Stop ResultKind = "stop"
)

// Result is the outcome of one tool invocation.
type Result struct {
	Kind ResultKind

	// Output is the tool result for Ok, the question for Ask, the error
	// message for Error, and the reason for Stop.
	Output string
}

// OkResult builds a successful result.
func OkResult(output string) Result { return Result{Kind: Ok, Output: output} }

// AskResult builds a user-facing message result.
func AskResult(message string) Result { return Result{Kind: Ask, Output: message} }

// ErrorResult builds a failure result.
func ErrorResult(message string) Result { return Result{Kind: Error, Output: message} }

// StopResult builds a deliberate abort result.
func StopResult(reason string) Result { return Result{Kind: Stop, Output: reason} }

// StepContext is what a tool sees when invoked: the instruction, the plan's
// question, and the outputs of all previously completed steps.
type StepContext struct {
	ClientID    string
	ProjectID   string
	ContextID   string
	PlanID      string
	StepID      string
	Question    string
	Instruction string
	PriorSteps  []CompletedStep
}

// CompletedStep is one earlier step's result, available to later steps.
type CompletedStep struct {
	ToolName    string
	Instruction string
	Output      string
}

// Tool executes one kind of plan step.
type Tool interface {
	// Name is the tool identifier referenced by plan steps.
	Name() string

	// Execute runs the tool. A panic inside Execute fails the plan.
	Execute(ctx context.Context, sc StepContext) Result
}

// ContextStore persists task contexts between steps.
type ContextStore interface {
	Save(ctx context.Context, tc *domain.TaskContext) error
}

// Notifier publishes plan lifecycle events. Implementations must not block.
type Notifier interface {
	StepCompleted(taskCtx *domain.TaskContext, plan *domain.Plan, step *domain.PlanStep)
	PlanStatusChanged(taskCtx *domain.TaskContext, plan *domain.Plan)

	// StepMessage surfaces a step's user-facing output mid-plan.
	StepMessage(taskCtx *domain.TaskContext, plan *domain.Plan, step *domain.PlanStep, message string)
}

// Finalizer renders the user-facing answer for a terminal plan.
type Finalizer interface {
	Finalize(ctx context.Context, plan *domain.Plan) (string, error)
}

// Executor runs plans against a tool registry.
type Executor struct {
	tools     map[string]Tool
	contexts  ContextStore
	notifier  Notifier
	finalizer Finalizer
	logger    *slog.Logger
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// WithNotifier sets the lifecycle event notifier.
func WithNotifier(n Notifier) Option {
	return func(e *Executor) { e.notifier = n }
}

// WithFinalizer sets the answer finalizer.
func WithFinalizer(f Finalizer) Option {
	return func(e *Executor) { e.finalizer = f }
}

// NewExecutor creates a plan executor.
func NewExecutor(contexts ContextStore, tools []Tool, opts ...Option) *Executor {
	e := &Executor{
		tools:    make(map[string]Tool, len(tools)),
		contexts: contexts,
		logger:   slog.Default(),
	}
	for _, t := range tools {
		e.tools[t.Name()] = t
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Tools lists the registered tool names.
func (e *Executor) Tools() []string {
	names := make([]string, 0, len(e.tools))
	for name := range e.tools {
		names = append(names, name)
	}
	return names
}

// Execute runs the plan with the given id inside the task context. The
// context is persisted after every step, so a crash resumes at the first
// pending step rather than re-running completed ones.
func (e *Executor) Execute(ctx context.Context, taskCtx *domain.TaskContext, planID string) error {
	plan := findPlan(taskCtx, planID)
	if plan == nil {
		return fmt.Errorf("plan %s not found in context %s", planID, taskCtx.ID)
	}
	if plan.Status.Terminal() {
		return fmt.Errorf("plan %s is already %s", planID, plan.Status)
	}

	e.setPlanStatus(ctx, taskCtx, plan, domain.PlanRunning)

	for i := range plan.Steps {
		step := &plan.Steps[i]
		if step.Status == domain.StepDone {
			continue
		}

		result := e.executeStep(ctx, taskCtx, plan, step)

		switch result.Kind {
		case Ok:
			step.Status = domain.StepDone
			step.ToolResult = result.Output
			e.persist(ctx, taskCtx)
			e.notifyStep(taskCtx, plan, step)

		case Ask:
			step.Status = domain.StepDone
			step.ToolResult = result.Output
			e.persist(ctx, taskCtx)
			if e.notifier != nil {
				e.notifier.StepMessage(taskCtx, plan, step, result.Output)
			}
			e.notifyStep(taskCtx, plan, step)

		case Error:
			step.Status = domain.StepFailed
			step.ToolResult = result.Output
			plan.FinalAnswer = "Step failed: " + result.Output
			e.setPlanStatus(ctx, taskCtx, plan, domain.PlanFailed)
			return nil

		case Stop:
			step.Status = domain.StepFailed
			step.ToolResult = result.Output
			plan.FinalAnswer = result.Output
			e.setPlanStatus(ctx, taskCtx, plan, domain.PlanFailed)
			return nil

		default:
			step.Status = domain.StepFailed
			plan.FinalAnswer = fmt.Sprintf("Step failed: tool returned unknown result kind %q", result.Kind)
			e.setPlanStatus(ctx, taskCtx, plan, domain.PlanFailed)
			return nil
		}
	}

	status := domain.PlanCompleted
	for i := range plan.Steps {
		if plan.Steps[i].Status != domain.StepDone {
			status = domain.PlanFailed
			break
		}
	}
	e.setPlanStatus(ctx, taskCtx, plan, status)
	return nil
}

// FinalizePending renders user-facing answers for terminal plans that have
// not been finalized yet. Completed and failed plans both get an answer in
// the user's original language.
func (e *Executor) FinalizePending(ctx context.Context, taskCtx *domain.TaskContext) {
	if e.finalizer == nil {
		return
	}
	for i := range taskCtx.Plans {
		plan := &taskCtx.Plans[i]
		if plan.Status != domain.PlanCompleted && plan.Status != domain.PlanFailed {
			continue
		}
		answer, err := e.finalizer.Finalize(ctx, plan)
		if err != nil {
			e.logger.Warn("Failed to finalize plan answer", "plan", plan.ID, "error", err)
			continue
		}
		plan.FinalAnswer = answer
		e.setPlanStatus(ctx, taskCtx, plan, domain.PlanFinalized)
	}
}

// executeStep invokes the step's tool, converting panics into Error results.
func (e *Executor) executeStep(ctx context.Context, taskCtx *domain.TaskContext, plan *domain.Plan, step *domain.PlanStep) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Tool panicked",
				"tool", step.ToolName, "plan", plan.ID, "panic", r)
			result = ErrorResult(fmt.Sprintf("tool %s panicked: %v", step.ToolName, r))
		}
	}()

	tool, ok := e.tools[step.ToolName]
	if !ok {
		return ErrorResult(fmt.Sprintf("unknown tool %q", step.ToolName))
	}

	question := plan.EnglishQuestion
	if question == "" {
		question = plan.OriginalQuestion
	}

	sc := StepContext{
		ClientID:    taskCtx.ClientID,
		ProjectID:   taskCtx.ProjectID,
		ContextID:   taskCtx.ID,
		PlanID:      plan.ID,
		StepID:      step.ID,
		Question:    question,
		Instruction: step.Instruction,
		PriorSteps:  completedSteps(plan, step.Order),
	}

	e.logger.Info("Executing plan step",
		"plan", plan.ID, "step", step.ID, "tool", step.ToolName)

	return tool.Execute(ctx, sc)
}

func (e *Executor) setPlanStatus(ctx context.Context, taskCtx *domain.TaskContext, plan *domain.Plan, status domain.PlanStatus) {
	plan.Status = status
	plan.UpdatedAt = time.Now()
	e.persist(ctx, taskCtx)
	if e.notifier != nil {
		e.notifier.PlanStatusChanged(taskCtx, plan)
	}
}

func (e *Executor) notifyStep(taskCtx *domain.TaskContext, plan *domain.Plan, step *domain.PlanStep) {
	if e.notifier != nil {
		e.notifier.StepCompleted(taskCtx, plan, step)
	}
}

func (e *Executor) persist(ctx context.Context, taskCtx *domain.TaskContext) {
	taskCtx.UpdatedAt = time.Now()
	if err := e.contexts.Save(ctx, taskCtx); err != nil {
		e.logger.Warn("Failed to persist task context", "context", taskCtx.ID, "error", err)
	}
}

func findPlan(taskCtx *domain.TaskContext, planID string) *domain.Plan {
	for i := range taskCtx.Plans {
		if taskCtx.Plans[i].ID == planID {
			return &taskCtx.Plans[i]
		}
	}
	return nil
}

// completedSteps gathers the outputs of steps that finished before order.
func completedSteps(plan *domain.Plan, order int) []CompletedStep {
	var prior []CompletedStep
	for _, s := range plan.Steps {
		if s.Order < order && s.Status == domain.StepDone {
			prior = append(prior, CompletedStep{
				ToolName:    s.ToolName,
				Instruction: s.Instruction,
				Output:      s.ToolResult,
			})
		}
	}
	return prior
}

// FormatPriorSteps renders prior step outputs for inclusion in a prompt.
func FormatPriorSteps(steps []CompletedStep) string {
	if len(steps) == 0 {
		return ""
	}
	var b strings.Builder
	for i, s := range steps {
		fmt.Fprintf(&b, "Step %d (%s): %s\nResult:\n%s\n\n", i+1, s.ToolName, s.Instruction, s.Output)
	}
	return b.String()
}
