package plan

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jervisproject/jervis/domain"
	"github.com/jervisproject/jervis/llm"
	_ "github.com/jervisproject/jervis/llm/providers"
	"github.com/jervisproject/jervis/model"
)

func planningRegistry(url string) *model.Registry {
	return model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityPlanning: {Preferred: []string{"test-model"}},
		},
		map[string]*model.EndpointConfig{
			"test-model": {Provider: "ollama", URL: url, Model: "test", MaxTokens: 8192},
		},
		&model.DefaultsConfig{Model: "test-model"},
	)
}

func chatResponse(content string) string {
	body, _ := json.Marshal(map[string]any{
		"model": "test",
		"choices": []map[string]any{
			{
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
	})
	return string(body)
}

func TestPlanFromQuestion(t *testing.T) {
	planJSON := `{
		"english_question": "Where is the login code?",
		"original_language": "German",
		"steps": [
			{"tool": "rag_search", "instruction": "search for login handling"},
			{"tool": "kb_retrieve", "instruction": "find tickets about login"}
		]
	}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(chatResponse(planJSON)))
	}))
	defer server.Close()

	p := NewPlanner(llm.NewClient(planningRegistry(server.URL)), nil)
	plan, err := p.Plan(context.Background(), "ctx-1", "Wo ist der Login-Code?", map[string]string{
		"rag_search":  "semantic search",
		"kb_retrieve": "knowledge base lookup",
	})
	require.NoError(t, err)

	assert.Equal(t, domain.PlanPending, plan.Status)
	assert.Equal(t, "Wo ist der Login-Code?", plan.OriginalQuestion)
	assert.Equal(t, "Where is the login code?", plan.EnglishQuestion)
	assert.Equal(t, "German", plan.OriginalLanguage)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, 1, plan.Steps[0].Order)
	assert.Equal(t, "rag_search", plan.Steps[0].ToolName)
	assert.Equal(t, domain.StepPending, plan.Steps[0].Status)
	assert.Equal(t, 2, plan.Steps[1].Order)
}

func TestPlanRejectsUnknownTool(t *testing.T) {
	planJSON := `{
		"english_question": "q",
		"original_language": "English",
		"steps": [{"tool": "rm_rf", "instruction": "do it"}]
	}`
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(chatResponse(planJSON)))
	}))
	defer server.Close()

	p := NewPlanner(llm.NewClient(planningRegistry(server.URL)), nil)
	_, err := p.Plan(context.Background(), "ctx-1", "q", map[string]string{"rag_search": "search"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tool")
}
