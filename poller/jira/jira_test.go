package jira

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jervisproject/jervis/poller"
)

func TestParseSearchResponse(t *testing.T) {
	body := []byte(`{
		"issues": [
			{
				"key": "PROJ-1",
				"self": "https://jira.example.com/rest/api/2/issue/10001",
				"fields": {
					"summary": "Login broken",
					"description": "Users cannot log in since the last release.",
					"updated": "2026-08-20T10:15:30.000+0200",
					"comment": {"comments": [{"body": "Reproduced on staging."}]},
					"attachment": [{"filename": "stacktrace.txt"}]
				}
			},
			{
				"key": "PROJ-2",
				"fields": {"summary": "Bad timestamp", "updated": "not-a-date"}
			}
		]
	}`)

	issues, err := parseSearchResponse(body)
	require.NoError(t, err)

	// The malformed second issue is skipped, not fatal.
	require.Len(t, issues, 1)
	issue := issues[0]
	assert.Equal(t, "PROJ-1", issue.Key)
	assert.Equal(t, "Login broken", issue.Summary)
	assert.Equal(t, []string{"Reproduced on staging."}, issue.Comments)
	assert.Equal(t, []string{"stacktrace.txt"}, issue.Attachments)
	assert.Equal(t, 2026, issue.UpdatedAt.Year())
}

func TestParseSearchResponseBadJSON(t *testing.T) {
	_, err := parseSearchResponse([]byte("<html>maintenance</html>"))
	require.Error(t, err)
	assert.True(t, poller.IsDataError(err))
}

func TestRenderIssue(t *testing.T) {
	issue := Issue{
		Description: "The description.",
		Comments:    []string{"First comment.", "Second comment."},
		UpdatedAt:   time.Now(),
	}
	assert.Equal(t,
		"The description.\n\nFirst comment.\n\nSecond comment.",
		renderIssue(issue))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "long te...", truncate("long text that overflows", 7))
}
