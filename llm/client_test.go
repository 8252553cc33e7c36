package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jervisproject/jervis/model"
)

// testRegistry builds a registry with a single ollama endpoint pointed at a
// test server.
func testRegistry(url string) *model.Registry {
	return model.NewRegistry(
		map[model.Capability]*model.CapabilityConfig{
			model.CapabilityFast: {
				Preferred: []string{"test-model"},
			},
		},
		map[string]*model.EndpointConfig{
			"test-model": {
				Provider:  "ollama",
				URL:       url,
				Model:     "test",
				MaxTokens: 8192,
			},
		},
		&model.DefaultsConfig{Model: "test-model"},
	)
}

func openAIResponseBody(content string) string {
	body, _ := json.Marshal(map[string]any{
		"model": "test",
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       map[string]string{"role": "assistant", "content": content},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
	})
	return string(body)
}

func TestCompleteSuccess(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(openAIResponseBody("hello")))
	}))
	defer server.Close()

	client := NewClient(testRegistry(server.URL))
	resp, err := client.Complete(context.Background(), Request{
		Capability: "fast",
		Messages:   []Message{{Role: "user", Content: "hi"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "hello", resp.Content)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, 15, resp.Usage.TotalTokens)
}

func TestCompleteStripsThink(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(openAIResponseBody("<think>hmm</think>\nanswer")))
	}))
	defer server.Close()

	client := NewClient(testRegistry(server.URL))
	resp, err := client.Complete(context.Background(), Request{
		Capability: "fast",
		Messages:   []Message{{Role: "user", Content: "hi"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "answer", resp.Content)
	assert.Equal(t, "hmm", resp.Think)
}

func TestCompleteValidation(t *testing.T) {
	client := NewClient(testRegistry("http://localhost:1"))

	_, err := client.Complete(context.Background(), Request{
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	assert.ErrorContains(t, err, "capability is required")

	_, err = client.Complete(context.Background(), Request{Capability: "fast"})
	assert.ErrorContains(t, err, "at least one message")
}

func TestCompleteRetriesTransient(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(openAIResponseBody("recovered")))
	}))
	defer server.Close()

	client := NewClient(testRegistry(server.URL), WithRetryConfig(RetryConfig{
		MaxAttempts:       3,
		BackoffBase:       time.Millisecond,
		BackoffMultiplier: 1.0,
		MaxBackoff:        time.Millisecond,
	}))

	resp, err := client.Complete(context.Background(), Request{
		Capability: "fast",
		Messages:   []Message{{Role: "user", Content: "hi"}},
	})

	require.NoError(t, err)
	assert.Equal(t, "recovered", resp.Content)
	assert.Equal(t, 3, calls)
}

func TestCompleteFatalNotRetried(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	client := NewClient(testRegistry(server.URL))
	_, err := client.Complete(context.Background(), Request{
		Capability: "fast",
		Messages:   []Message{{Role: "user", Content: "hi"}},
	})

	require.Error(t, err)
	assert.True(t, IsFatal(err))
	assert.Equal(t, 1, calls)
}

func TestCompleteReportsUsage(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(openAIResponseBody("hello")))
	}))
	defer server.Close()

	type report struct {
		capability string
		usage      TokenUsage
		err        error
	}
	var got []report
	client := NewClient(testRegistry(server.URL),
		WithRetryConfig(RetryConfig{
			MaxAttempts:       2,
			BackoffBase:       time.Millisecond,
			BackoffMultiplier: 1.0,
			MaxBackoff:        time.Millisecond,
		}),
		WithUsageFunc(func(capability, model string, usage TokenUsage, err error) {
			got = append(got, report{capability, usage, err})
		}))

	_, err := client.Complete(context.Background(), Request{
		Capability: "fast",
		Messages:   []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "fast", got[0].capability)
	assert.Equal(t, 10, got[0].usage.PromptTokens)
	assert.Equal(t, 5, got[0].usage.CompletionTokens)
	assert.NoError(t, got[0].err)

	server.Close()
	_, err = client.Complete(context.Background(), Request{
		Capability: "fast",
		Messages:   []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	require.Len(t, got, 2)
	assert.Error(t, got[1].err)
}

func TestClassifyHTTPError(t *testing.T) {
	assert.True(t, IsTransient(classifyHTTPError(429, nil)))
	assert.True(t, IsTransient(classifyHTTPError(503, nil)))
	assert.True(t, IsTransient(classifyHTTPError(500, nil)))
	assert.True(t, IsFatal(classifyHTTPError(401, nil)))
	assert.True(t, IsFatal(classifyHTTPError(400, nil)))
}
