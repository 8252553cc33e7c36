package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func embedServer(t *testing.T, dim int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req embedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			vec := make([]float32, dim)
			vec[0] = float32(i + 1)
			data[i] = map[string]any{"index": i, "embedding": vec}
		}
		json.NewEncoder(w).Encode(map[string]any{"data": data, "model": req.Model})
	}))
}

func TestEmbedReturnsVectorsInOrder(t *testing.T) {
	server := embedServer(t, 4)
	defer server.Close()

	c := NewClient(server.URL, "code-model", "text-model")
	vectors, err := c.EmbedText(context.Background(), []string{"a", "b", "c"})

	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Equal(t, float32(1), vectors[0][0])
	assert.Equal(t, float32(3), vectors[2][0])
}

func TestEmbedEmptyInput(t *testing.T) {
	c := NewClient("http://localhost:1", "code", "text")
	vectors, err := c.Embed(context.Background(), "code", nil)
	require.NoError(t, err)
	assert.Nil(t, vectors)
}

func TestEmbedServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	c := NewClient(server.URL, "code", "text")
	_, err := c.EmbedCode(context.Background(), []string{"x"})
	assert.ErrorContains(t, err, "returned 500")
}

func TestDimensionProbeAndCache(t *testing.T) {
	server := embedServer(t, 8)
	defer server.Close()

	c := NewClient(server.URL, "code", "text")
	dim, err := c.Dimension(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, 8, dim)

	// Cached after an Embed call too.
	server.Close()
	dim, err = c.Dimension(context.Background(), "text")
	require.NoError(t, err)
	assert.Equal(t, 8, dim)
}
