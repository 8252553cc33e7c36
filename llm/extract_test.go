package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		expected string
	}{
		{
			name:     "plain object",
			content:  `{"a": 1}`,
			expected: `{"a": 1}`,
		},
		{
			name:     "markdown code block",
			content:  "Here you go:\n```json\n{\"a\": 1}\n```",
			expected: `{"a": 1}`,
		},
		{
			name:     "code block without language",
			content:  "```\n{\"a\": 1}\n```",
			expected: `{"a": 1}`,
		},
		{
			name:     "surrounding prose",
			content:  `The answer is {"a": 1} as requested.`,
			expected: `{"a": 1}`,
		},
		{
			name:     "trailing comma removed",
			content:  `{"a": 1,}`,
			expected: `{"a": 1}`,
		},
		{
			name:     "no JSON at all",
			content:  "I cannot answer that.",
			expected: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExtractJSON(tt.content))
		})
	}
}

func TestExtractJSONStripsComments(t *testing.T) {
	content := "{\n\"path\": \"http://example.com\", // keep the url\n\"n\": 2\n}"
	result := ExtractJSON(content)
	assert.Contains(t, result, `"path": "http://example.com",`)
	assert.NotContains(t, result, "keep the url")
}

func TestExtractJSONArray(t *testing.T) {
	assert.Equal(t, `[1, 2]`, ExtractJSONArray("```json\n[1, 2]\n```"))
	assert.Equal(t, `[1, 2]`, ExtractJSONArray(`result: [1, 2]`))
	assert.Equal(t, "", ExtractJSONArray("nothing here"))
}

func TestSplitThink(t *testing.T) {
	think, rest := splitThink("<think>pondering deeply</think>\nThe answer is 42.")
	assert.Equal(t, "pondering deeply", think)
	assert.Equal(t, "The answer is 42.", rest)

	think, rest = splitThink("No reasoning here.")
	assert.Equal(t, "", think)
	assert.Equal(t, "No reasoning here.", rest)
}
