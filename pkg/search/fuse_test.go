package search

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/vladm3105/tradegent/pkg/common"
)

func results(ids ...string) []common.SearchResult {
	out := make([]common.SearchResult, len(ids))
	for i, id := range ids {
		out[i] = common.SearchResult{ChunkID: id, DocID: id}
	}
	return out
}

func ids(rs []common.SearchResult) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		out[i] = r.ChunkID
	}
	return out
}

func TestFuseFormula(t *testing.T) {
	fused := Fuse(results("a", "b"), results("b"), DefaultWeights(), 60)
	require.Len(t, fused, 2)

	assert.Equal(t, "b", fused[0].ChunkID)
	assert.InDelta(t, 0.7/62+0.3/61, fused[0].Score, 1e-12)
	assert.Equal(t, 2, fused[0].VectorRank)
	assert.Equal(t, 1, fused[0].KeywordRank)

	assert.Equal(t, "a", fused[1].ChunkID)
	assert.InDelta(t, 0.7/61, fused[1].Score, 1e-12)
	assert.Equal(t, 0, fused[1].KeywordRank)
}

// A is #1 vector and #3 keyword, B is #4 vector and #1 keyword; both must
// outrank documents that appear in one list at a worse rank.
func TestFuseTwoListScenario(t *testing.T) {
	vector := results("A", "v2", "v3", "B", "v5", "v6")
	keyword := results("B", "k2", "A", "k4", "k5", "k6")

	fused := Fuse(vector, keyword, DefaultWeights(), DefaultRRFK)
	top := ids(fused[:2])
	assert.ElementsMatch(t, []string{"A", "B"}, top)

	for _, r := range fused[2:] {
		if r.VectorRank > 4 || r.KeywordRank > 3 {
			assert.Less(t, r.Score, fused[1].Score, "%s should rank below A and B", r.ChunkID)
		}
	}
}

func TestFuseTieBreaks(t *testing.T) {
	// Equal weights and mirrored positions give equal scores.
	fused := Fuse(results("x", "y"), results("y", "x"), Weights{Vector: 1, Keyword: 1}, 60)
	assert.Equal(t, []string{"x", "y"}, ids(fused), "chunk id breaks an exact tie")

	fused = Fuse(results("m"), results("a", "b"), Weights{Vector: 1, Keyword: 1}, 60)
	assert.Equal(t, []string{"a", "m", "b"}, ids(fused))
}

func TestFuseIgnoresDuplicatesWithinList(t *testing.T) {
	fused := Fuse(results("a", "a", "b"), nil, DefaultWeights(), 60)
	require.Len(t, fused, 2)
	assert.Equal(t, 2, fused[1].VectorRank)
}

func TestFuseDefaultsK(t *testing.T) {
	a := Fuse(results("a"), nil, DefaultWeights(), 0)
	b := Fuse(results("a"), nil, DefaultWeights(), DefaultRRFK)
	assert.Equal(t, b[0].Score, a[0].Score)
}

// A chunk at rank r in both lists scores at least as high as a chunk
// present in only one list at rank r.
func TestFuseMonotonicity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 30).Draw(t, "n")
		r := rapid.IntRange(1, n).Draw(t, "rank")
		w := Weights{
			Vector:  rapid.Float64Range(0, 1).Draw(t, "wv"),
			Keyword: rapid.Float64Range(0, 1).Draw(t, "wk"),
		}
		fill := func(prefix, target string) []common.SearchResult {
			out := make([]common.SearchResult, n)
			for i := range out {
				out[i] = common.SearchResult{ChunkID: fmt.Sprintf("%s%d", prefix, i)}
			}
			out[r-1].ChunkID = target
			return out
		}
		scoreOf := func(rs []common.SearchResult, id string) float64 {
			for _, x := range rs {
				if x.ChunkID == id {
					return x.Score
				}
			}
			t.Fatalf("%s missing from fused list", id)
			return 0
		}

		both := scoreOf(Fuse(fill("v", "x"), fill("k", "x"), w, DefaultRRFK), "x")
		vectorOnly := scoreOf(Fuse(fill("v", "y"), fill("k", "z"), w, DefaultRRFK), "y")
		keywordOnly := scoreOf(Fuse(fill("v", "z"), fill("k", "y"), w, DefaultRRFK), "y")

		if both < vectorOnly || both < keywordOnly {
			t.Fatalf("both=%v vectorOnly=%v keywordOnly=%v at rank %d", both, vectorOnly, keywordOnly, r)
		}
	})
}
