package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/vladm3105/tradegent/pkg/common"
	"github.com/vladm3105/tradegent/pkg/store/memory"
)

var (
	nvdaKey  = common.NodeKey{Type: common.EntityTicker, Key: "nvda"}
	amdKey   = common.NodeKey{Type: common.EntityTicker, Key: "amd"}
	riskKey  = common.NodeKey{Type: common.EntityRisk, Key: "export controls"}
	riskEdge = common.EdgeKey{Source: nvdaKey, Relation: common.RelHasRisk, Target: riskKey}
)

func entity(t common.EntityType, name string, conf float64) common.ExtractedEntity {
	return common.ExtractedEntity{Type: t, Name: name, Confidence: conf, SourceField: "thesis"}
}

func relation(src common.ExtractedEntity, rel common.RelationType, dst common.ExtractedEntity, conf float64) common.ExtractedRelation {
	return common.ExtractedRelation{Source: src.Ref(), Type: rel, Target: dst.Ref(), Confidence: conf, SourceField: "thesis"}
}

// nvdaExtraction has one element per band plus a relation to a discarded
// entity.
func nvdaExtraction(docID string) *Extraction {
	nvda := entity(common.EntityTicker, "$NVDA", 0.95)
	risk := entity(common.EntityRisk, "Export controls", 0.65)
	amd := entity(common.EntityTicker, "AMD", 0.3)
	return &Extraction{
		DocID:    docID,
		Entities: []common.ExtractedEntity{nvda, risk, amd},
		Relations: []common.ExtractedRelation{
			relation(nvda, common.RelHasRisk, risk, 0.65),
			relation(nvda, common.RelCompetesWith, amd, 0.9),
		},
	}
}

type bandCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (b *bandCounter) GateDecision(kind string, band Band) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.counts == nil {
		b.counts = map[string]int{}
	}
	b.counts[kind+"/"+string(band)]++
}

func newTestGate(t *testing.T, s *memory.Store, params NewGateParams) *Gate {
	t.Helper()
	params.Graph, params.Pending = s, s
	g, err := NewGate(params)
	require.NoError(t, err)
	return g
}

func TestBands_Classify(t *testing.T) {
	b := DefaultBands()
	tests := []struct {
		conf float64
		want Band
	}{
		{1, BandCommit},
		{0.7, BandCommit},
		{0.69, BandFlag},
		{0.5, BandFlag},
		{0.49, BandDiscard},
		{0, BandDiscard},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Classify(tt.conf), "confidence %.2f", tt.conf)
	}
	assert.Equal(t, Action{Write: true, Flag: true, Audit: true}, ActionFor(BandFlag))
	assert.Equal(t, Action{}, ActionFor(BandDiscard))
}

func TestCommit_Bands(t *testing.T) {
	s := memory.New()
	obs := &bandCounter{}
	g := newTestGate(t, s, NewGateParams{Observer: obs})

	report, err := g.Commit(context.Background(), nvdaExtraction("nvda-q4"))
	require.NoError(t, err)

	assert.Equal(t, common.StatusSucceeded, report.Status)
	assert.Equal(t, 1, report.Committed)
	assert.Equal(t, 2, report.Flagged)
	assert.Equal(t, 2, report.Discarded)
	assert.Zero(t, report.Queued)
	assert.Len(t, report.PendingIDs, 2)

	nvda, ok := s.Node(nvdaKey)
	require.True(t, ok)
	assert.Equal(t, "NVDA", nvda.Name)
	assert.False(t, nvda.NeedsReview)

	risk, ok := s.Node(riskKey)
	require.True(t, ok, "flagged entities are written")
	assert.True(t, risk.NeedsReview)

	edge, ok := s.Edge(riskEdge)
	require.True(t, ok)
	assert.True(t, edge.NeedsReview)

	_, ok = s.Node(amdKey)
	assert.False(t, ok, "low confidence entities are not written")
	_, ok = s.Edge(common.EdgeKey{Source: nvdaKey, Relation: common.RelCompetesWith, Target: amdKey})
	assert.False(t, ok)

	var dangling []Decision
	for _, d := range report.Decisions {
		if d.Reason == ReasonDanglingEndpoint {
			dangling = append(dangling, d)
		}
	}
	require.Len(t, dangling, 1)
	assert.Equal(t, KindRelation, dangling[0].Kind)

	flagged, err := s.ListPending(context.Background(), common.PendingFlagged, 0)
	require.NoError(t, err)
	require.Len(t, flagged, 2)
	for _, rec := range flagged {
		assert.Equal(t, "nvda-q4", rec.DocID)
		assert.Equal(t, ReasonConfidenceBand, rec.Reason)
		assert.InDelta(t, 0.65, rec.Confidence, 1e-9)
		assert.Equal(t, 1, len(rec.Payload.Nodes)+len(rec.Payload.Edges))
	}

	assert.Equal(t, map[string]int{
		"entity/commit":    1,
		"entity/flag":      1,
		"entity/discard":   1,
		"relation/flag":    1,
		"relation/discard": 1,
	}, obs.counts)
}

func TestCommit_BandingProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		confs := rapid.SliceOfN(rapid.Float64Range(0, 1), 1, 20).Draw(t, "confidences")

		ex := &Extraction{DocID: "doc"}
		var commit, flag, discard int
		for i, c := range confs {
			ex.Entities = append(ex.Entities, entity(common.EntityRisk, fmt.Sprintf("risk %d", i), c))
			switch {
			case c >= 0.7:
				commit++
			case c >= 0.5:
				flag++
			default:
				discard++
			}
		}

		s := memory.New()
		g, err := NewGate(NewGateParams{Graph: s, Pending: s})
		if err != nil {
			t.Fatal(err)
		}
		report, err := g.Commit(context.Background(), ex)
		if err != nil {
			t.Fatal(err)
		}
		if report.Committed != commit || report.Flagged != flag || report.Discarded != discard {
			t.Fatalf("report %d/%d/%d, want %d/%d/%d", report.Committed, report.Flagged, report.Discarded, commit, flag, discard)
		}

		for i, c := range confs {
			n, ok := s.Node(common.NodeKey{Type: common.EntityRisk, Key: fmt.Sprintf("risk %d", i)})
			switch {
			case c >= 0.7:
				if !ok || n.NeedsReview {
					t.Fatalf("confidence %.3f: want committed without review", c)
				}
			case c >= 0.5:
				if !ok || !n.NeedsReview {
					t.Fatalf("confidence %.3f: want committed and flagged", c)
				}
			default:
				if ok {
					t.Fatalf("confidence %.3f: node must not exist", c)
				}
			}
		}

		pending, err := s.ListPending(context.Background(), common.PendingFlagged, 0)
		if err != nil {
			t.Fatal(err)
		}
		if len(pending) != flag {
			t.Fatalf("pending %d, want %d", len(pending), flag)
		}
	})
}

func TestCommit_Idempotent(t *testing.T) {
	s := memory.New()
	g := newTestGate(t, s, NewGateParams{})
	ctx := context.Background()

	_, err := g.Commit(ctx, nvdaExtraction("nvda-q4"))
	require.NoError(t, err)
	nodes, edges := s.GraphSize()

	_, err = g.Commit(ctx, nvdaExtraction("nvda-q4"))
	require.NoError(t, err)
	n2, e2 := s.GraphSize()
	assert.Equal(t, nodes, n2)
	assert.Equal(t, edges, e2)

	edge, _ := s.Edge(riskEdge)
	assert.Equal(t, 1, edge.MentionCount)
}

func TestCommit_ReextractKeepsOneReviewRecord(t *testing.T) {
	s := memory.New()
	g := newTestGate(t, s, NewGateParams{})
	ctx := context.Background()

	first, err := g.Commit(ctx, nvdaExtraction("nvda-q4"))
	require.NoError(t, err)
	second, err := g.Commit(ctx, nvdaExtraction("nvda-q4"))
	require.NoError(t, err)
	assert.ElementsMatch(t, first.PendingIDs, second.PendingIDs)

	flagged, err := s.ListPending(ctx, common.PendingFlagged, 0)
	require.NoError(t, err)
	assert.Len(t, flagged, 2)

	// a resolved record does not absorb a later flag
	_, err = g.Review(ctx, first.PendingIDs[0], false)
	require.NoError(t, err)
	third, err := g.Commit(ctx, nvdaExtraction("nvda-q4"))
	require.NoError(t, err)
	assert.NotContains(t, third.PendingIDs, first.PendingIDs[0])
	flagged, err = s.ListPending(ctx, common.PendingFlagged, 0)
	require.NoError(t, err)
	assert.Len(t, flagged, 2)
}

func TestCommit_AuditFailureWritesNothing(t *testing.T) {
	s := memory.New()
	g := newTestGate(t, s, NewGateParams{})
	ctx := context.Background()
	ex := &Extraction{
		DocID:    "doc-1",
		Entities: []common.ExtractedEntity{entity(common.EntityTicker, "NVDA", 0.65)},
	}

	s.SetPendingError(errors.New("pending table unavailable"))
	report, err := g.Commit(ctx, ex)
	require.Error(t, err)
	assert.Equal(t, common.StatusFailed, report.Status)
	assert.Contains(t, err.Error(), "pending table unavailable")
	_, ok := s.Node(nvdaKey)
	assert.False(t, ok, "flagged node without a review record")
	flagged, err := s.ListPending(ctx, common.PendingFlagged, 0)
	require.NoError(t, err)
	assert.Empty(t, flagged)

	s.SetPendingError(nil)
	report, err = g.Commit(ctx, ex)
	require.NoError(t, err)
	require.Len(t, report.PendingIDs, 1)
	node, ok := s.Node(nvdaKey)
	require.True(t, ok)
	assert.True(t, node.NeedsReview)
	rec, err := s.GetPending(ctx, report.PendingIDs[0])
	require.NoError(t, err)
	assert.Equal(t, common.PendingFlagged, rec.Status)
}

func TestCommit_SelfLoopDiscarded(t *testing.T) {
	s := memory.New()
	g := newTestGate(t, s, NewGateParams{})
	nvda := entity(common.EntityTicker, "NVDA", 0.9)

	report, err := g.Commit(context.Background(), &Extraction{
		DocID:     "d",
		Entities:  []common.ExtractedEntity{nvda},
		Relations: []common.ExtractedRelation{relation(nvda, common.RelCompetesWith, entity(common.EntityTicker, "$NVDA", 0.9), 0.9)},
	})
	require.NoError(t, err)
	require.Len(t, report.Decisions, 2)
	assert.Equal(t, ReasonSelfLoop, report.Decisions[1].Reason)
	assert.Equal(t, BandDiscard, report.Decisions[1].Band)
	_, edges := s.GraphSize()
	assert.Zero(t, edges)
}

func TestCommit_HighConfidenceClearsFlag(t *testing.T) {
	s := memory.New()
	g := newTestGate(t, s, NewGateParams{})
	ctx := context.Background()

	_, err := g.Commit(ctx, nvdaExtraction("nvda-q4"))
	require.NoError(t, err)

	nvda := entity(common.EntityTicker, "NVDA", 0.9)
	risk := entity(common.EntityRisk, "export  controls", 0.92)
	_, err = g.Commit(ctx, &Extraction{
		DocID:     "nvda-q1",
		Entities:  []common.ExtractedEntity{nvda, risk},
		Relations: []common.ExtractedRelation{relation(nvda, common.RelHasRisk, risk, 0.8)},
	})
	require.NoError(t, err)

	node, _ := s.Node(riskKey)
	assert.False(t, node.NeedsReview)
	edge, _ := s.Edge(riskEdge)
	assert.False(t, edge.NeedsReview)
	assert.Equal(t, 2, edge.MentionCount)
}

func TestCommit_DuplicatesKeepMaxConfidence(t *testing.T) {
	s := memory.New()
	g := newTestGate(t, s, NewGateParams{})

	report, err := g.Commit(context.Background(), &Extraction{
		DocID: "d",
		Entities: []common.ExtractedEntity{
			entity(common.EntityTicker, "$NVDA", 0.6),
			entity(common.EntityTicker, "NASDAQ:NVDA", 0.9),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Committed)
	assert.Zero(t, report.Flagged)
	node, ok := s.Node(nvdaKey)
	require.True(t, ok)
	assert.False(t, node.NeedsReview)
}

func TestCommit_GraphDownQueuesThenReplays(t *testing.T) {
	s := memory.New()
	g := newTestGate(t, s, NewGateParams{})
	ctx := context.Background()

	s.SetGraphError(errors.New("dial tcp: connection refused"))
	report, err := g.Commit(ctx, nvdaExtraction("nvda-q4"))
	require.NoError(t, err)
	assert.Equal(t, common.StatusDegraded, report.Status)
	assert.Equal(t, 3, report.Queued, "both written nodes and the flagged edge")
	assert.Len(t, report.PendingIDs, 3)

	queued, err := s.ListPending(ctx, common.PendingQueued, 0)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, ReasonGraphUnavailable, queued[0].Reason)
	assert.InDelta(t, 0.65, queued[0].Confidence, 1e-9)

	flagged, err := s.ListPending(ctx, common.PendingFlagged, 0)
	require.NoError(t, err)
	require.Len(t, flagged, 2)
	_, err = g.Review(ctx, flagged[0].ID, true)
	assert.ErrorIs(t, err, ErrReviewBlocked)

	s.SetGraphError(nil)
	retry, err := g.RetryPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, RetryReport{Attempted: 1, Committed: 1}, retry)

	rec, err := s.GetPending(ctx, queued[0].ID)
	require.NoError(t, err)
	assert.Equal(t, common.PendingCommitted, rec.Status)
	node, ok := s.Node(riskKey)
	require.True(t, ok)
	assert.True(t, node.NeedsReview)

	for _, f := range flagged {
		rec, err := g.Review(ctx, f.ID, true)
		require.NoError(t, err)
		assert.Equal(t, common.PendingCommitted, rec.Status)
		assert.Equal(t, ReasonApproved, rec.Reason)
	}
	node, _ = s.Node(riskKey)
	assert.False(t, node.NeedsReview)
	edge, _ := s.Edge(riskEdge)
	assert.False(t, edge.NeedsReview)
}

func TestRetryPending_GivesUp(t *testing.T) {
	s := memory.New()
	g := newTestGate(t, s, NewGateParams{MaxRetries: 2})
	ctx := context.Background()

	s.SetGraphError(errors.New("connection reset"))
	_, err := g.Commit(ctx, nvdaExtraction("nvda-q4"))
	require.NoError(t, err)

	first, err := g.RetryPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, RetryReport{Attempted: 1, Failed: 1}, first)

	second, err := g.RetryPending(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, RetryReport{Attempted: 1, Discarded: 1}, second)

	discarded, err := s.ListPending(ctx, common.PendingDiscarded, 0)
	require.NoError(t, err)
	require.Len(t, discarded, 1)
	assert.Equal(t, ReasonMaxRetries, discarded[0].Reason)
	assert.Equal(t, 2, discarded[0].RetryCount)
	assert.Equal(t, "connection reset", discarded[0].LastError)
}

func TestReview_Reject(t *testing.T) {
	s := memory.New()
	g := newTestGate(t, s, NewGateParams{})
	ctx := context.Background()

	report, err := g.Commit(ctx, nvdaExtraction("nvda-q4"))
	require.NoError(t, err)
	require.NotEmpty(t, report.PendingIDs)

	rec, err := g.Review(ctx, report.PendingIDs[0], false)
	require.NoError(t, err)
	assert.Equal(t, common.PendingDiscarded, rec.Status)
	assert.Equal(t, ReasonRejected, rec.Reason)

	node, _ := s.Node(riskKey)
	assert.True(t, node.NeedsReview)

	_, err = g.Review(ctx, report.PendingIDs[0], true)
	assert.ErrorIs(t, err, ErrNotReviewable)

	_, err = g.Review(ctx, "pc-9999", true)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestCommit_MissingDocument(t *testing.T) {
	g := newTestGate(t, memory.New(), NewGateParams{})
	report, err := g.Commit(context.Background(), &Extraction{})
	assert.ErrorIs(t, err, common.ErrMalformed)
	assert.Equal(t, common.StatusFailed, report.Status)
}

func TestNewGate_Validation(t *testing.T) {
	_, err := NewGate(NewGateParams{})
	assert.ErrorIs(t, err, common.ErrConfig)

	s := memory.New()
	_, err = NewGate(NewGateParams{Graph: s, Pending: s, Bands: Bands{Commit: 0.4, Flag: 0.6}})
	assert.ErrorIs(t, err, common.ErrConfig)
}
