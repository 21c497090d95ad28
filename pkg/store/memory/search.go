package memory

import (
	"context"
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/vladm3105/tradegent/pkg/common"
	"github.com/vladm3105/tradegent/pkg/embed"
	"github.com/vladm3105/tradegent/pkg/store"
)

const (
	bm25K1 = 1.2
	bm25B  = 0.75
)

func (s *Store) VectorSearch(
	ctx context.Context,
	vec []float32,
	filters common.SearchFilters,
	topK int,
	minSimilarity float64,
) ([]common.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.vectorErr != nil {
		return nil, s.vectorErr
	}
	if s.corpusDim == 0 {
		return nil, nil
	}
	if len(vec) != s.corpusDim {
		return nil, fmt.Errorf("%w: query has %d dimensions, corpus uses %d", common.ErrDimensionMismatch, len(vec), s.corpusDim)
	}
	topK = store.ClampTopK(topK, 10, 500)

	var keep []candidate
	for _, c := range s.filtered(filters) {
		sim := float64(embed.CosineSimilarity(vec, c.chunk.Embedding))
		if sim < minSimilarity {
			continue
		}
		c.score = sim
		keep = append(keep, c)
	}
	return rank(keep, topK, true), nil
}

func (s *Store) KeywordSearch(
	ctx context.Context,
	query string,
	filters common.SearchFilters,
	topK int,
) ([]common.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.keywordErr != nil {
		return nil, s.keywordErr
	}
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}
	topK = store.ClampTopK(topK, 10, 500)

	cands := s.filtered(filters)
	docs := make([][]string, len(cands))
	df := map[string]int{}
	total := 0
	for i, c := range cands {
		docs[i] = tokenize(c.chunk.SectionLabel + " " + c.chunk.Text)
		total += len(docs[i])
		seen := map[string]bool{}
		for _, t := range docs[i] {
			if !seen[t] {
				seen[t] = true
				df[t]++
			}
		}
	}
	if len(cands) == 0 {
		return nil, nil
	}
	avgLen := float64(total) / float64(len(cands))
	n := float64(len(cands))

	var keep []candidate
	for i, c := range cands {
		tf := map[string]int{}
		for _, t := range docs[i] {
			tf[t]++
		}
		score := 0.0
		for _, q := range terms {
			f := float64(tf[q])
			if f == 0 {
				continue
			}
			idf := math.Log(1 + (n-float64(df[q])+0.5)/(float64(df[q])+0.5))
			norm := f + bm25K1*(1-bm25B+bm25B*float64(len(docs[i]))/avgLen)
			score += idf * f * (bm25K1 + 1) / norm
		}
		if score <= 0 {
			continue
		}
		c.score = score
		keep = append(keep, c)
	}
	return rank(keep, topK, false), nil
}

// tokenize lower-cases words and strips a plural "s" so "controls" matches
// "control".
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) > 3 && strings.HasSuffix(f, "s") && !strings.HasSuffix(f, "ss") {
			f = f[:len(f)-1]
		}
		out = append(out, f)
	}
	return out
}
