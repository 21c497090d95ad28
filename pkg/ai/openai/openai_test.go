package openai

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladm3105/tradegent/pkg/ai"
	"github.com/vladm3105/tradegent/pkg/common"
)

func newTestServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(NewClientParams{
		EmbeddingModel:  "text-embedding-3-small",
		ExtractionModel: "gpt-4o-mini",
		EmbeddingURL:    srv.URL + "/v1/",
		EmbeddingKey:    "test",
		ChatURL:         srv.URL + "/v1/",
		ChatKey:         "test",
		Dimensions:      3,
	})
}

func TestEmbedOrdersByIndex(t *testing.T) {
	var seen map[string]any
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/embeddings", r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &seen))
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"object":"list","model":"text-embedding-3-small",
			"data":[{"object":"embedding","index":1,"embedding":[0,1,0]},{"object":"embedding","index":0,"embedding":[1,0,0]}],
			"usage":{"prompt_tokens":4,"total_tokens":4}}`)
	})

	vecs, err := client.Embed(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0, 0}, {0, 1, 0}}, vecs)
	assert.EqualValues(t, 3, seen["dimensions"])
	assert.Equal(t, 4, client.GetMetrics().TotalTokens)
}

func TestEmbedClassifiesErrors(t *testing.T) {
	status := http.StatusTooManyRequests
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit"}}`)
	})

	_, err := client.Embed(context.Background(), []string{"x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrTransient), "429 should be transient: %v", err)

	status = http.StatusUnauthorized
	_, err = client.Embed(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, common.ErrMissingCredentials)
}

func TestEmbedWithoutKey(t *testing.T) {
	client := NewClient(NewClientParams{EmbeddingModel: "m"})
	_, err := client.Embed(context.Background(), []string{"x"})
	assert.ErrorIs(t, err, common.ErrMissingCredentials)
}

func TestGenerateCompletionWithFormat(t *testing.T) {
	client := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		var req map[string]any
		body, _ := io.ReadAll(r.Body)
		require.NoError(t, json.Unmarshal(body, &req))
		format := req["response_format"].(map[string]any)
		assert.Equal(t, "json_schema", format["type"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"id":"c1","object":"chat.completion","created":0,"model":"gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"stop","message":{"role":"assistant","content":"{\"name\":\"NVDA\"}"}}],
			"usage":{"prompt_tokens":10,"completion_tokens":3,"total_tokens":13}}`)
	})

	var out struct {
		Name string `json:"name"`
	}
	err := client.GenerateCompletionWithFormat(context.Background(), "extract", "test", "prompt", &out,
		ai.WithSystemPrompts(ai.ExtractSystemPrompt))
	require.NoError(t, err)
	assert.Equal(t, "NVDA", out.Name)
	assert.Equal(t, 13, client.GetMetrics().TotalTokens)
}
