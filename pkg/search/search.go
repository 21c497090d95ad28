// Package search runs vector and keyword retrieval side by side and fuses
// the two rankings.
package search

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vladm3105/tradegent/pkg/common"
	"github.com/vladm3105/tradegent/pkg/logger"
	"github.com/vladm3105/tradegent/pkg/store"
)

const (
	LegVector  = "vector"
	LegKeyword = "keyword"
)

// QueryEmbedder turns the query text into a corpus vector.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Config struct {
	Weights       Weights
	K             float64
	Overfetch     int
	MinSimilarity float64
	DefaultTopK   int
}

// DefaultConfig is 0.7/0.3 weights, k=60, 3x overfetch and a 0.3
// similarity floor.
func DefaultConfig() Config {
	return Config{
		Weights:       DefaultWeights(),
		K:             DefaultRRFK,
		Overfetch:     3,
		MinSimilarity: 0.3,
		DefaultTopK:   10,
	}
}

// Request is one hybrid query. Zero fields take the searcher's defaults; a
// nil MinSimilarity takes the configured floor, a set one may be zero.
type Request struct {
	Query         string               `json:"query" validate:"required"`
	Filters       common.SearchFilters `json:"filters"`
	TopK          int                  `json:"top_k,omitempty" validate:"omitempty,min=1,max=100"`
	Weights       Weights              `json:"weights,omitempty"`
	MinSimilarity *float64             `json:"min_similarity,omitempty" validate:"omitempty,min=0,max=1"`
}

type Response struct {
	Results []common.SearchResult `json:"results"`
	// Partial is set when one leg failed and the results come from the other.
	Partial      bool              `json:"partial"`
	Errors       map[string]string `json:"errors,omitempty"`
	VectorCount  int               `json:"vector_count"`
	KeywordCount int               `json:"keyword_count"`
	DurationMS   int64             `json:"duration_ms"`
}

type Searcher struct {
	chunks   store.ChunkStore
	embedder QueryEmbedder
	cfg      Config
}

func NewSearcher(chunks store.ChunkStore, embedder QueryEmbedder, cfg Config) *Searcher {
	def := DefaultConfig()
	if cfg.Weights.IsZero() {
		cfg.Weights = def.Weights
	}
	if cfg.K <= 0 {
		cfg.K = def.K
	}
	if cfg.Overfetch <= 0 {
		cfg.Overfetch = def.Overfetch
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = def.DefaultTopK
	}
	return &Searcher{chunks: chunks, embedder: embedder, cfg: cfg}
}

// HybridSearch runs both legs concurrently, each over-fetching, and fuses
// them. One failed leg degrades the response; both failing is an error.
func (s *Searcher) HybridSearch(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty query", common.ErrMalformed)
	}
	topK := req.TopK
	if topK <= 0 {
		topK = s.cfg.DefaultTopK
	}
	weights := req.Weights
	if weights.IsZero() {
		weights = s.cfg.Weights
	}
	floor := s.cfg.MinSimilarity
	if req.MinSimilarity != nil {
		floor = *req.MinSimilarity
	}
	fetch := topK * s.cfg.Overfetch

	var (
		wg               sync.WaitGroup
		vector, keyword  []common.SearchResult
		vectorErr, kwErr error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		vec, err := s.embedder.Embed(ctx, query)
		if err != nil {
			vectorErr = fmt.Errorf("embed query: %w", err)
			return
		}
		vector, vectorErr = s.chunks.VectorSearch(ctx, vec, req.Filters, fetch, floor)
	}()
	go func() {
		defer wg.Done()
		keyword, kwErr = s.chunks.KeywordSearch(ctx, query, req.Filters, fetch)
	}()
	wg.Wait()

	if vectorErr != nil && kwErr != nil {
		return nil, errors.Join(vectorErr, kwErr)
	}

	resp := &Response{VectorCount: len(vector), KeywordCount: len(keyword)}
	if vectorErr != nil || kwErr != nil {
		resp.Partial = true
		resp.Errors = map[string]string{}
		if vectorErr != nil {
			resp.Errors[LegVector] = vectorErr.Error()
			logger.Warn("[Search] Vector leg failed", "query", query, "err", vectorErr)
		}
		if kwErr != nil {
			resp.Errors[LegKeyword] = kwErr.Error()
			logger.Warn("[Search] Keyword leg failed", "query", query, "err", kwErr)
		}
	}

	fused := Fuse(vector, keyword, weights, s.cfg.K)
	if len(fused) > topK {
		fused = fused[:topK]
	}
	resp.Results = fused
	resp.DurationMS = time.Since(start).Milliseconds()
	logger.Debug("[Search] Hybrid search", "query", query, "vector", len(vector), "keyword", len(keyword), "results", len(fused))
	return resp, nil
}
