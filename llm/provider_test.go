package llm

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// testProvider is an OpenAI-compatible provider registered under the name
// the test registry uses. The real implementations live in llm/providers,
// which this package cannot import.
type testProvider struct{}

func init() {
	RegisterProvider(testProvider{})
}

func (testProvider) Name() string { return "ollama" }

func (testProvider) BuildURL(baseURL string) string {
	return strings.TrimSuffix(baseURL, "/") + "/chat/completions"
}

func (testProvider) SetHeaders(*http.Request) {}

func (testProvider) BuildRequestBody(model string, messages []Message, temperature *float64, maxTokens int) ([]byte, error) {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	out := struct {
		Model       string   `json:"model"`
		Messages    []msg    `json:"messages"`
		Temperature *float64 `json:"temperature,omitempty"`
		MaxTokens   int      `json:"max_tokens,omitempty"`
	}{Model: model, Temperature: temperature, MaxTokens: maxTokens}
	for _, m := range messages {
		out.Messages = append(out.Messages, msg{Role: m.Role, Content: m.Content})
	}
	return json.Marshal(out)
}

func (testProvider) ParseResponse(body []byte, _ string) (*Response, error) {
	var resp struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}
	return &Response{
		Content: resp.Choices[0].Message.Content,
		Model:   resp.Model,
		Usage: TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		FinishReason: resp.Choices[0].FinishReason,
	}, nil
}
