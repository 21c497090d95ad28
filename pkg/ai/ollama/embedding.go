package ollama

import (
	"context"
	"fmt"

	"github.com/ollama/ollama/api"

	"github.com/vladm3105/tradegent/pkg/ai"
	"github.com/vladm3105/tradegent/pkg/common"
)

func (c *Client) Name() string  { return ProviderName }
func (c *Client) Model() string { return c.embeddingModel }
func (c *Client) MaxBatch() int { return c.maxBatch }

// Embed creates embeddings for inputs with one /api/embed call.
func (c *Client) Embed(ctx context.Context, inputs []string) ([][]float32, error) {
	if len(inputs) == 0 {
		return nil, nil
	}

	rCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req := &api.EmbedRequest{
		Model: c.embeddingModel,
		Input: inputs,
	}

	if err := c.reqLock.Acquire(rCtx, 1); err != nil {
		return nil, ai.Classify(ProviderName, err)
	}
	defer c.reqLock.Release(1)

	res, err := c.Client.Embed(rCtx, req)
	if err != nil {
		return nil, ai.Classify(ProviderName, err)
	}

	c.Record(ai.ModelMetrics{
		InputTokens: res.PromptEvalCount,
		TotalTokens: res.PromptEvalCount,
		DurationMs:  res.TotalDuration.Milliseconds(),
	})

	if len(res.Embeddings) != len(inputs) {
		return nil, fmt.Errorf("%w: embedding response size mismatch: got %d want %d", common.ErrTransient, len(res.Embeddings), len(inputs))
	}
	out := make([][]float32, len(res.Embeddings))
	for i, v := range res.Embeddings {
		vec := make([]float32, len(v))
		for j, val := range v {
			vec[j] = float32(val)
		}
		out[i] = vec
	}
	return out, nil
}
