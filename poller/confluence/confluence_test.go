package confluence

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jervisproject/jervis/poller"
)

func TestParseSearchResponse(t *testing.T) {
	body := []byte(`{
		"results": [
			{
				"id": "4711",
				"title": "Deployment Guide",
				"body": {"storage": {"value": "<p>Run the pipeline.</p>"}},
				"history": {"lastUpdated": {"when": "2026-08-20T10:15:30Z"}},
				"_links": {"webui": "/wiki/spaces/DEV/pages/4711"}
			},
			{
				"id": "4712",
				"title": "No timestamp",
				"history": {"lastUpdated": {"when": ""}}
			}
		]
	}`)

	pages, err := parseSearchResponse(body)
	require.NoError(t, err)

	require.Len(t, pages, 1)
	assert.Equal(t, "4711", pages[0].ID)
	assert.Equal(t, "Deployment Guide", pages[0].Title)
	assert.Equal(t, "<p>Run the pipeline.</p>", pages[0].Body)
	assert.Equal(t, "/wiki/spaces/DEV/pages/4711", pages[0].WebUI)
}

func TestParseSearchResponseBadJSON(t *testing.T) {
	_, err := parseSearchResponse([]byte("not json"))
	require.Error(t, err)
	assert.True(t, poller.IsDataError(err))
}

func TestConvertStorageFragment(t *testing.T) {
	c := NewConverter()

	markdown, err := c.Convert(
		`<h1>Deployment</h1><p>Run the <strong>pipeline</strong>.</p><script>evil()</script>`,
		"https://wiki.example.com/wiki/spaces/DEV/pages/4711")
	require.NoError(t, err)

	assert.Contains(t, markdown, "# Deployment")
	assert.Contains(t, markdown, "**pipeline**")
	assert.NotContains(t, markdown, "evil")
}

func TestConvertStripsStyles(t *testing.T) {
	c := NewConverter()

	markdown, err := c.Convert(
		`<style>body { display: none; }</style><p>visible text</p>`, "")
	require.NoError(t, err)

	assert.Contains(t, markdown, "visible text")
	assert.NotContains(t, markdown, "display: none")
}
