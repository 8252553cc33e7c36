package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jervisproject/jervis/domain"
)

// chatRequest is the OpenAI-style completion request. The model field
// selects the project by slug; the last user message is the question.
type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type chatResponse struct {
	ID      string       `json:"id"`
	Object  string       `json:"object"`
	Created int64        `json:"created"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	Message      chatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// handleCompletion plans and executes an answer for the question in the
// request, blocking until the plan reaches a terminal state.
func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	question := lastUserMessage(req)
	if question == "" {
		writeError(w, http.StatusBadRequest, "no user message in request")
		return
	}

	project, err := s.resolveProject(r, req.Model)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	ctx := r.Context()
	taskCtx := &domain.TaskContext{
		ID:        uuid.New().String(),
		ClientID:  project.ClientID,
		ProjectID: project.ID,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	plan, err := s.planner.Plan(ctx, taskCtx.ID, question, s.toolCatalog)
	if err != nil {
		s.logger.Error("Planning failed", "context", taskCtx.ID, "error", err)
		writeError(w, http.StatusBadGateway, "planning failed: "+err.Error())
		return
	}
	taskCtx.Plans = append(taskCtx.Plans, *plan)

	if _, err := s.contexts.Create(ctx, taskCtx); err != nil {
		writeError(w, http.StatusInternalServerError, "persist context: "+err.Error())
		return
	}

	if err := s.executor.Execute(ctx, taskCtx, plan.ID); err != nil {
		s.logger.Error("Plan execution failed", "plan", plan.ID, "error", err)
		writeError(w, http.StatusBadGateway, "execution failed: "+err.Error())
		return
	}
	s.executor.FinalizePending(ctx, taskCtx)

	executed := &taskCtx.Plans[len(taskCtx.Plans)-1]
	answer := executed.FinalAnswer
	if answer == "" {
		answer = "The plan finished without producing an answer."
	}

	writeJSON(w, http.StatusOK, chatResponse{
		ID:      "chatcmpl-" + taskCtx.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []chatChoice{{
			Message:      chatMessage{Role: "assistant", Content: answer},
			FinishReason: "stop",
		}},
	})
}

// resolveProject maps the request's model field to a project by slug or id.
func (s *Server) resolveProject(r *http.Request, model string) (*domain.Project, error) {
	if model == "" {
		return nil, fmt.Errorf("model field is required and names the project")
	}
	if p, err := s.projects.Get(r.Context(), model); err == nil {
		return p, nil
	}
	clientID := r.Header.Get("X-Client-ID")
	projects, err := s.projects.List(r.Context(), clientID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	for _, p := range projects {
		if p.Slug == model {
			return p, nil
		}
	}
	return nil, fmt.Errorf("no project with slug %q", model)
}

func lastUserMessage(req chatRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			return req.Messages[i].Content
		}
	}
	return ""
}
