package pgx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladm3105/tradegent/pkg/common"
)

func TestPatternFactsPairsNeighborWithEdge(t *testing.T) {
	nvda := common.TickerNode("NVDA")
	risk := common.NodeKey{Type: common.EntityRisk, Key: "export controls"}
	seen := time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	res := common.PatternResult{
		Nodes: []common.GraphNode{{Type: risk.Type, Key: risk.Key, Name: "Export controls", NeedsReview: true}},
		Edges: []common.GraphEdge{{Source: nvda, Relation: common.RelHasRisk, Target: risk, MentionCount: 3, UpdatedAt: seen}},
	}

	facts := patternFacts(res)
	require.Len(t, facts, 1)
	assert.Equal(t, common.GraphFact{
		Type:        common.EntityRisk,
		Key:         "export controls",
		Name:        "Export controls",
		Relation:    common.RelHasRisk,
		Hops:        1,
		Mentions:    3,
		NeedsReview: true,
		LastSeen:    seen,
	}, facts[0])
}

func TestPatternFactsIncomingEdge(t *testing.T) {
	nvda := common.TickerNode("NVDA")
	amd := common.TickerNode("AMD")
	res := common.PatternResult{
		Nodes: []common.GraphNode{{Type: amd.Type, Key: amd.Key, Name: "AMD"}},
		Edges: []common.GraphEdge{{Source: amd, Relation: common.RelCompetesWith, Target: nvda, MentionCount: 1}},
	}
	facts := patternFacts(res)
	require.Len(t, facts, 1)
	assert.Equal(t, "amd", facts[0].Key)
}

func TestDedupeFacts(t *testing.T) {
	facts := []common.GraphFact{
		{Type: common.EntityTicker, Key: "amd", Hops: 2},
		{Type: common.EntityTicker, Key: "amd", Hops: 1},
		{Type: common.EntityTicker, Key: "intc"},
		{Type: common.EntityTicker, Key: "avgo"},
	}
	got := dedupeFacts(facts, 2)
	require.Len(t, got, 2)
	assert.Equal(t, "amd", got[0].Key)
	assert.Equal(t, 2, got[0].Hops, "first occurrence wins")
	assert.Equal(t, "intc", got[1].Key)
}

func TestJSONProps(t *testing.T) {
	b, err := jsonProps(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(b))

	b, err = jsonProps(map[string]any{"evidence": "guidance raised"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"evidence":"guidance raised"}`, string(b))

	_, err = jsonProps(map[string]any{"bad": make(chan int)})
	assert.ErrorIs(t, err, common.ErrMalformed)
}
