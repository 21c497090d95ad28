package search

import (
	"sort"

	"github.com/vladm3105/tradegent/pkg/common"
)

// DefaultRRFK discounts exact rank position against mere presence.
const DefaultRRFK = 60.0

// Weights scales the two legs of reciprocal rank fusion. Only the ratio
// matters for ordering; the defaults are 0.7 vector to 0.3 keyword.
type Weights struct {
	Vector  float64 `json:"vector"`
	Keyword float64 `json:"keyword"`
}

func DefaultWeights() Weights {
	return Weights{Vector: 0.7, Keyword: 0.3}
}

// IsZero reports whether neither weight is set.
func (w Weights) IsZero() bool {
	return w.Vector == 0 && w.Keyword == 0
}

func rrfComponent(rank int, weight, k float64) float64 {
	if rank <= 0 {
		return 0
	}
	return weight / (k + float64(rank))
}

type fusedCandidate struct {
	result      common.SearchResult
	vectorRank  int
	keywordRank int
	score       float64
}

func (c fusedCandidate) bestRank() int {
	switch {
	case c.vectorRank == 0:
		return c.keywordRank
	case c.keywordRank == 0:
		return c.vectorRank
	default:
		return min(c.vectorRank, c.keywordRank)
	}
}

// Fuse combines two ranked lists with weighted reciprocal rank fusion.
// Ranks are 1-based list positions; a chunk missing from a list gets no
// contribution from it. Ties break on best single rank, then chunk ID.
func Fuse(vector, keyword []common.SearchResult, w Weights, k float64) []common.SearchResult {
	if k <= 0 {
		k = DefaultRRFK
	}

	byID := make(map[string]*fusedCandidate, len(vector)+len(keyword))
	order := make([]string, 0, len(vector)+len(keyword))
	add := func(list []common.SearchResult, fromVector bool) {
		rank := 0
		for _, r := range list {
			c, ok := byID[r.ChunkID]
			if !ok {
				c = &fusedCandidate{result: r}
				byID[r.ChunkID] = c
				order = append(order, r.ChunkID)
			}
			if fromVector {
				if c.vectorRank != 0 {
					continue
				}
				rank++
				c.vectorRank = rank
			} else {
				if c.keywordRank != 0 {
					continue
				}
				rank++
				c.keywordRank = rank
			}
		}
	}
	add(vector, true)
	add(keyword, false)

	scored := make([]fusedCandidate, 0, len(order))
	for _, id := range order {
		c := byID[id]
		c.score = rrfComponent(c.vectorRank, w.Vector, k) + rrfComponent(c.keywordRank, w.Keyword, k)
		scored = append(scored, *c)
	}

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score == scored[j].score {
			bi, bj := scored[i].bestRank(), scored[j].bestRank()
			if bi == bj {
				return scored[i].result.ChunkID < scored[j].result.ChunkID
			}
			return bi < bj
		}
		return scored[i].score > scored[j].score
	})

	out := make([]common.SearchResult, len(scored))
	for i, c := range scored {
		r := c.result
		r.Score = c.score
		r.VectorRank = c.vectorRank
		r.KeywordRank = c.keywordRank
		out[i] = r
	}
	return out
}
