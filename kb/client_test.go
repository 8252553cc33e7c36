package kb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIngest(t *testing.T) {
	var got struct {
		Documents []Document `json:"documents"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/ingest", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client := NewClient(server.URL, WithAPIKey("secret"))
	err := client.Ingest(context.Background(), []Document{
		{ClientID: "client-1", Kind: "ticket", Title: "Login broken", Body: "details"},
	})
	require.NoError(t, err)
	require.Len(t, got.Documents, 1)
	assert.Equal(t, "ticket", got.Documents[0].Kind)
}

func TestIngestServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "queue full", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	err := NewClient(server.URL).Ingest(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
	assert.Contains(t, err.Error(), "queue full")
}

func TestRetrieve(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/retrieve", r.URL.Path)
		var req RetrieveRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "login flow", req.Query)

		json.NewEncoder(w).Encode(map[string]any{
			"fragments": []Fragment{
				{ID: "f1", Kind: "wiki_page", Title: "Auth", Body: "The login flow.", Score: 0.9},
			},
		})
	}))
	defer server.Close()

	fragments, err := NewClient(server.URL).Retrieve(context.Background(), RetrieveRequest{
		ClientID: "client-1", Query: "login flow", Limit: 5,
	})
	require.NoError(t, err)
	require.Len(t, fragments, 1)
	assert.Equal(t, "Auth", fragments[0].Title)
}

func TestQueueStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/queue", r.URL.Path)
		json.NewEncoder(w).Encode(QueueStatus{Pending: 3, InProgress: 1})
	}))
	defer server.Close()

	status, err := NewClient(server.URL).Queue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, status.Pending)
	assert.Equal(t, 1, status.InProgress)
}

func TestIngestFullStreamsProgress(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "project.tar.gz")
	require.NoError(t, os.WriteFile(archive, []byte("archive-bytes"), 0o644))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "proj-1", r.FormValue("project_id"))
		_, header, err := r.FormFile("file")
		require.NoError(t, err)
		assert.Equal(t, "project.tar.gz", header.Filename)

		fmt.Fprintln(w, `{"type":"progress","step":"analyze","message":"parsing sources"}`)
		fmt.Fprintln(w, `{"type":"progress","step":"store","message":"writing graph"}`)
		fmt.Fprintln(w, `{"type":"done"}`)
	}))
	defer server.Close()

	var steps []string
	err := NewClient(server.URL).IngestFull(context.Background(), "proj-1", archive, func(p Progress) {
		if p.Step != "" {
			steps = append(steps, p.Step)
		}
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"analyze", "store"}, steps)
}

func TestIngestFullErrorEvent(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "project.tar.gz")
	require.NoError(t, os.WriteFile(archive, []byte("archive-bytes"), 0o644))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"type":"progress","step":"analyze"}`)
		fmt.Fprintln(w, `{"type":"error","message":"unsupported language"}`)
	}))
	defer server.Close()

	err := NewClient(server.URL).IngestFull(context.Background(), "proj-1", archive, func(Progress) {})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported language")
}

func TestStatusErrorTruncatesBody(t *testing.T) {
	c := NewClient("http://kb")
	long := make([]byte, 500)
	for i := range long {
		long[i] = 'x'
	}
	err := c.statusError(500, long)
	assert.Less(t, len(err.Error()), 300)
	assert.Contains(t, err.Error(), "...")
}
