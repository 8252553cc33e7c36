package domain

import "time"

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanPending   PlanStatus = "pending"
	PlanRunning   PlanStatus = "running"
	PlanCompleted PlanStatus = "completed"
	PlanFailed    PlanStatus = "failed"
	PlanFinalized PlanStatus = "finalized"
)

// Terminal reports whether the status is one of the terminal plan states.
func (s PlanStatus) Terminal() bool {
	return s == PlanCompleted || s == PlanFailed || s == PlanFinalized
}

// StepStatus is the lifecycle state of a single plan step.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "failed"
)

// PlanStep is one tool invocation within a plan. Steps execute strictly in
// Order.
type PlanStep struct {
	ID          string     `json:"id"`
	Order       int        `json:"order"`
	ToolName    string     `json:"tool_name"`
	Instruction string     `json:"instruction"`
	Status      StepStatus `json:"status"`
	ToolResult  string     `json:"tool_result,omitempty"`
}

// Plan is an ordered sequence of tool invocations that together answer a
// user question. FinalAnswer is only set once the plan is terminal.
type Plan struct {
	ID               string     `json:"id"`
	ContextID        string     `json:"context_id"`
	Status           PlanStatus `json:"status"`
	OriginalQuestion string     `json:"original_question"`
	EnglishQuestion  string     `json:"english_question,omitempty"`
	OriginalLanguage string     `json:"original_language,omitempty"`
	Steps            []PlanStep `json:"steps"`
	ContextSummary   string     `json:"context_summary,omitempty"`
	FinalAnswer      string     `json:"final_answer,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// TaskContext groups the plans produced for one user interaction.
type TaskContext struct {
	ID        string    `json:"id"`
	ClientID  string    `json:"client_id"`
	ProjectID string    `json:"project_id,omitempty"`
	Plans     []Plan    `json:"plans"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
