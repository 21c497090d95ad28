// Package embed turns text into fixed-length vectors across an ordered
// chain of embedding providers.
package embed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladm3105/tradegent/internal/util"
	"github.com/vladm3105/tradegent/pkg/ai"
	"github.com/vladm3105/tradegent/pkg/common"
	"github.com/vladm3105/tradegent/pkg/logger"
)

const DefaultTimeout = 30 * time.Second

// Outcomes reported to an Observer.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
)

// Observer receives per-provider outcomes. internal/metrics implements it.
type Observer interface {
	EmbedRequest(provider, outcome string)
	EmbedFallback(from, to string)
}

// Batch is the result of one EmbedBatch call.
type Batch struct {
	Vectors      [][]float32
	Model        string
	Provider     string
	FallbackUsed bool
	Cached       int
}

type Client struct {
	providers        []ai.Embedder
	dimensions       int
	backoff          util.Backoff
	timeout          time.Duration
	requireSameModel bool
	cache            Cache
	observer         Observer
}

type NewClientParams struct {
	Providers []ai.Embedder
	// Dimensions is the corpus vector length. Zero keeps native lengths.
	Dimensions       int
	Backoff          util.Backoff
	Timeout          time.Duration
	RequireSameModel bool
	Cache            Cache
	Observer         Observer
}

func NewClient(params NewClientParams) (*Client, error) {
	if len(params.Providers) == 0 {
		return nil, fmt.Errorf("%w: no embedding providers configured", common.ErrConfig)
	}
	if params.Dimensions < 0 {
		return nil, fmt.Errorf("%w: negative embedding dimensions", common.ErrConfig)
	}
	b := params.Backoff
	if b.Attempts == 0 {
		b = util.DefaultBackoff()
	}
	timeout := params.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		providers:        params.Providers,
		dimensions:       params.Dimensions,
		backoff:          b,
		timeout:          timeout,
		requireSameModel: params.RequireSameModel,
		cache:            params.Cache,
		observer:         params.Observer,
	}, nil
}

// Model is the primary provider's model, the one the corpus is built with.
func (c *Client) Model() string {
	return c.providers[0].Model()
}

func (c *Client) Dimensions() int {
	return c.dimensions
}

// Embed returns the vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	batch, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return batch.Vectors[0], nil
}

// EmbedBatch embeds texts in order. The whole batch is served by one
// provider so a batch never mixes models.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) (Batch, error) {
	if len(texts) == 0 {
		return Batch{}, nil
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return Batch{}, fmt.Errorf("%w: text %d is empty", common.ErrMalformed, i)
		}
	}

	primary := c.providers[0]
	var errs []error
	for i, p := range c.providers {
		if i > 0 {
			prev := c.providers[i-1]
			logger.Warn("[Embed] Provider fallback", "from", prev.Name(), "to", p.Name(), "err", errs[len(errs)-1])
			if c.observer != nil {
				c.observer.EmbedFallback(prev.Name(), p.Name())
			}
		}
		if c.requireSameModel && p.Model() != primary.Model() {
			err := fmt.Errorf("%w: %s serves %q, corpus uses %q", common.ErrModelMismatch, p.Name(), p.Model(), primary.Model())
			c.observe(p.Name(), OutcomeSkipped)
			errs = append(errs, err)
			continue
		}

		batch, err := c.embedWith(ctx, p, texts)
		if err == nil {
			c.observe(p.Name(), OutcomeSuccess)
			batch.FallbackUsed = i > 0
			return batch, nil
		}
		c.observe(p.Name(), OutcomeError)
		if ctx.Err() != nil {
			return Batch{}, errors.Join(append(errs, err)...)
		}
		errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
	}
	return Batch{}, fmt.Errorf("all embedding providers failed: %w", errors.Join(errs...))
}

func (c *Client) observe(provider, outcome string) {
	if c.observer != nil {
		c.observer.EmbedRequest(provider, outcome)
	}
}

func (c *Client) embedWith(ctx context.Context, p ai.Embedder, texts []string) (Batch, error) {
	out := Batch{
		Vectors:  make([][]float32, len(texts)),
		Model:    p.Model(),
		Provider: p.Name(),
	}

	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = CacheKey(p.Model(), c.dimensions, t)
	}
	var missing []int
	if c.cache != nil {
		hits, err := c.cache.Get(ctx, keys)
		if err != nil {
			logger.Warn("[Embed] Cache read failed", "err", err)
		}
		for i, k := range keys {
			if v, ok := hits[k]; ok && (c.dimensions == 0 || len(v) == c.dimensions) {
				out.Vectors[i] = v
				out.Cached++
				continue
			}
			missing = append(missing, i)
		}
	} else {
		missing = make([]int, len(texts))
		for i := range missing {
			missing[i] = i
		}
	}

	step := p.MaxBatch()
	if step <= 0 {
		step = len(missing)
	}
	fresh := make(map[string][]float32, len(missing))
	for start := 0; start < len(missing); start += step {
		end := min(start+step, len(missing))
		idx := missing[start:end]
		inputs := make([]string, len(idx))
		for j, i := range idx {
			inputs[j] = texts[i]
		}
		vectors, err := c.call(ctx, p, inputs)
		if err != nil {
			return Batch{}, err
		}
		for j, i := range idx {
			v, err := FitDimensions(vectors[j], c.dimensions)
			if err != nil {
				return Batch{}, err
			}
			out.Vectors[i] = v
			fresh[keys[i]] = v
		}
	}

	if c.cache != nil && len(fresh) > 0 {
		if err := c.cache.Set(ctx, fresh); err != nil {
			logger.Warn("[Embed] Cache write failed", "err", err)
		}
	}
	return out, nil
}

// call runs one provider request with a per-attempt timeout and bounded
// backoff on transient errors.
func (c *Client) call(ctx context.Context, p ai.Embedder, inputs []string) ([][]float32, error) {
	opts := util.RetryOptions{
		Retryable: ai.IsTransient,
		OnRetry: func(retry int, err error, delay time.Duration) {
			logger.Warn("[Embed] Retrying", "provider", p.Name(), "attempt", retry+1, "delay", delay, "err", err)
		},
	}
	return util.RetryWithBackoff(ctx, c.backoff, opts, func(ctx context.Context) ([][]float32, error) {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		vectors, err := p.Embed(callCtx, inputs)
		if err != nil {
			return nil, err
		}
		if len(vectors) != len(inputs) {
			return nil, fmt.Errorf("%w: %s returned %d vectors for %d inputs", common.ErrMalformed, p.Name(), len(vectors), len(inputs))
		}
		return vectors, nil
	})
}
