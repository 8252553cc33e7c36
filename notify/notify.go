// Package notify publishes plan and dialog lifecycle events on NATS
// subjects so UI transports can subscribe without linking the executor.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/jervisproject/jervis/dialog"
	"github.com/jervisproject/jervis/domain"
)

// Subjects, keyed by client so transports can subscribe per tenant.
const (
	subjectStepCompleted = "jervis.client.%s.plan.stepCompleted"
	subjectStepMessage   = "jervis.client.%s.plan.message"
	subjectPlanStatus    = "jervis.client.%s.plan.statusChanged"
	subjectDialogAsk     = "jervis.client.%s.dialog.ask"
	subjectDialogClose   = "jervis.client.%s.dialog.close"
)

// Publisher emits events over NATS. Publishing is fire-and-forget; a
// failed publish is logged and dropped rather than blocking the executor.
type Publisher struct {
	nc     *nats.Conn
	logger *slog.Logger
}

// NewPublisher creates the event publisher.
func NewPublisher(nc *nats.Conn, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{nc: nc, logger: logger}
}

// StepEvent is the payload for step completion notifications.
type StepEvent struct {
	ContextID   string    `json:"context_id"`
	PlanID      string    `json:"plan_id"`
	StepID      string    `json:"step_id"`
	Order       int       `json:"order"`
	ToolName    string    `json:"tool_name"`
	Status      string    `json:"status"`
	CompletedAt time.Time `json:"completed_at"`
}

// PlanEvent is the payload for plan status notifications.
type PlanEvent struct {
	ContextID   string    `json:"context_id"`
	PlanID      string    `json:"plan_id"`
	Status      string    `json:"status"`
	FinalAnswer string    `json:"final_answer,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MessageEvent is the payload for user-facing step messages.
type MessageEvent struct {
	ContextID string    `json:"context_id"`
	PlanID    string    `json:"plan_id"`
	StepID    string    `json:"step_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}

// StepCompleted implements plan.Notifier.
func (p *Publisher) StepCompleted(taskCtx *domain.TaskContext, plan *domain.Plan, step *domain.PlanStep) {
	p.publish(fmt.Sprintf(subjectStepCompleted, taskCtx.ClientID), StepEvent{
		ContextID:   taskCtx.ID,
		PlanID:      plan.ID,
		StepID:      step.ID,
		Order:       step.Order,
		ToolName:    step.ToolName,
		Status:      string(step.Status),
		CompletedAt: time.Now(),
	})
}

// StepMessage implements plan.Notifier: a step produced output meant for
// the user directly, not only for later steps.
func (p *Publisher) StepMessage(taskCtx *domain.TaskContext, plan *domain.Plan, step *domain.PlanStep, message string) {
	p.publish(fmt.Sprintf(subjectStepMessage, taskCtx.ClientID), MessageEvent{
		ContextID: taskCtx.ID,
		PlanID:    plan.ID,
		StepID:    step.ID,
		Message:   message,
		CreatedAt: time.Now(),
	})
}

// PlanStatusChanged implements plan.Notifier.
func (p *Publisher) PlanStatusChanged(taskCtx *domain.TaskContext, plan *domain.Plan) {
	p.publish(fmt.Sprintf(subjectPlanStatus, taskCtx.ClientID), PlanEvent{
		ContextID:   taskCtx.ID,
		PlanID:      plan.ID,
		Status:      string(plan.Status),
		FinalAnswer: plan.FinalAnswer,
		UpdatedAt:   time.Now(),
	})
}

// DialogAsk broadcasts an outbound clarification question.
func (p *Publisher) DialogAsk(req dialog.Request) {
	p.publish(fmt.Sprintf(subjectDialogAsk, req.ClientID), req)
}

// DialogClosed broadcasts that a dialog was resolved so every connected
// transport can dismiss it.
func (p *Publisher) DialogClosed(clientID, dialogID string) {
	p.publish(fmt.Sprintf(subjectDialogClose, clientID), map[string]string{"id": dialogID})
}

func (p *Publisher) publish(subject string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("Failed to marshal event", "subject", subject, "error", err)
		return
	}
	if err := p.nc.Publish(subject, data); err != nil {
		p.logger.Warn("Failed to publish event", "subject", subject, "error", err)
	}
}
