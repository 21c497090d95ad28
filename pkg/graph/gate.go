package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/vladm3105/tradegent/pkg/common"
	"github.com/vladm3105/tradegent/pkg/logger"
	"github.com/vladm3105/tradegent/pkg/store"
)

// Band is the confidence class of one extracted element.
type Band string

const (
	BandCommit  Band = "commit"
	BandFlag    Band = "flag"
	BandDiscard Band = "discard"
)

// Bands holds the lower bounds of the commit and flag bands. Anything below
// Flag is discarded.
type Bands struct {
	Commit float64 `json:"commit"`
	Flag   float64 `json:"flag"`
}

func DefaultBands() Bands {
	return Bands{Commit: 0.7, Flag: 0.5}
}

func (b Bands) Classify(confidence float64) Band {
	switch {
	case confidence >= b.Commit:
		return BandCommit
	case confidence >= b.Flag:
		return BandFlag
	default:
		return BandDiscard
	}
}

// Action is what the gate does with an element of a band.
type Action struct {
	Write bool
	Flag  bool
	Audit bool
}

var decisionTable = map[Band]Action{
	BandCommit:  {Write: true},
	BandFlag:    {Write: true, Flag: true, Audit: true},
	BandDiscard: {},
}

// ActionFor returns the gate action of a band.
func ActionFor(b Band) Action {
	return decisionTable[b]
}

const (
	KindEntity   = "entity"
	KindRelation = "relation"

	ReasonConfidenceBand   = "confidence_band"
	ReasonLowConfidence    = "low_confidence"
	ReasonDanglingEndpoint = "dangling_endpoint"
	ReasonSelfLoop         = "self_loop"
	ReasonGraphUnavailable = "graph_unavailable"
	ReasonReplayed         = "replayed"
	ReasonMaxRetries       = "max_retries"
	ReasonApproved         = "approved"
	ReasonRejected         = "rejected"

	DefaultMaxRetries = 5
)

var (
	ErrNotReviewable = errors.New("pending commit is not awaiting review")
	// ErrReviewBlocked is returned when the document still has a queued
	// batch; approving now would clear a flag that replay sets again.
	ErrReviewBlocked = errors.New("document has a queued graph batch")
)

// Decision records the band of one element. Ref is the canonical node or
// edge key.
type Decision struct {
	Kind       string  `json:"kind"`
	Ref        string  `json:"ref"`
	Confidence float64 `json:"confidence"`
	Band       Band    `json:"band"`
	Reason     string  `json:"reason,omitempty"`
}

// CommitReport holds the per-band counts of one document. Committed counts
// auto-committed elements only; flagged elements are written too.
type CommitReport struct {
	DocID      string        `json:"doc_id"`
	Committed  int           `json:"committed"`
	Flagged    int           `json:"flagged"`
	Discarded  int           `json:"discarded"`
	Queued     int           `json:"queued"`
	Decisions  []Decision    `json:"decisions,omitempty"`
	PendingIDs []string      `json:"pending_ids,omitempty"`
	Status     common.Status `json:"status"`
}

type RetryReport struct {
	Attempted int `json:"attempted"`
	Committed int `json:"committed"`
	Failed    int `json:"failed"`
	Discarded int `json:"discarded"`
}

// GateObserver receives one call per banded element.
type GateObserver interface {
	GateDecision(kind string, band Band)
}

type Gate struct {
	graph      store.GraphStore
	pending    store.PendingStore
	canon      *Canonicalizer
	bands      Bands
	maxRetries int
	observer   GateObserver
}

type NewGateParams struct {
	Graph         store.GraphStore
	Pending       store.PendingStore
	Canonicalizer *Canonicalizer
	Bands         Bands
	MaxRetries    int
	Observer      GateObserver
}

func NewGate(params NewGateParams) (*Gate, error) {
	if params.Graph == nil || params.Pending == nil {
		return nil, fmt.Errorf("%w: gate needs a graph store and a pending store", common.ErrConfig)
	}
	g := &Gate{
		graph:      params.Graph,
		pending:    params.Pending,
		canon:      params.Canonicalizer,
		bands:      params.Bands,
		maxRetries: params.MaxRetries,
		observer:   params.Observer,
	}
	if g.canon == nil {
		g.canon = NewCanonicalizer(nil)
	}
	if g.bands == (Bands{}) {
		g.bands = DefaultBands()
	}
	if g.bands.Flag > g.bands.Commit {
		return nil, fmt.Errorf("%w: flag band %.2f above commit band %.2f", common.ErrConfig, g.bands.Flag, g.bands.Commit)
	}
	if g.maxRetries <= 0 {
		g.maxRetries = DefaultMaxRetries
	}
	return g, nil
}

type bandedNode struct {
	merge      common.NodeMerge
	confidence float64
	band       Band
}

type bandedEdge struct {
	merge      common.EdgeMerge
	confidence float64
	band       Band
}

// Commit bands every element of ex and writes the accepted ones as one
// graph batch together with the review records of flagged elements. When the
// graph store is unavailable the batch is queued as a PendingCommit, saved
// with the review records, and the report is degraded.
func (g *Gate) Commit(ctx context.Context, ex *Extraction) (CommitReport, error) {
	if ex == nil || ex.DocID == "" {
		return CommitReport{Status: common.StatusFailed}, fmt.Errorf("%w: extraction without document", common.ErrMalformed)
	}
	report := CommitReport{DocID: ex.DocID, Status: common.StatusSucceeded}
	prov := func(field string) common.Provenance {
		return common.Provenance{DocID: ex.DocID, Field: field}
	}

	nodes, nodeOrder := map[common.NodeKey]*bandedNode{}, []common.NodeKey{}
	for _, e := range ex.Entities {
		name, key := g.canon.Canonicalize(e.Type, e.Name)
		if key.Key == "" {
			continue
		}
		if cur, ok := nodes[key]; ok {
			if e.Confidence > cur.confidence {
				cur.confidence = e.Confidence
				cur.merge.Provenance = prov(e.SourceField)
			}
			cur.merge.Properties = mergeProps(cur.merge.Properties, e.Properties)
			continue
		}
		nodes[key] = &bandedNode{
			merge: common.NodeMerge{
				Key:        key,
				Name:       name,
				Properties: mergeProps(nil, e.Properties),
				Provenance: prov(e.SourceField),
			},
			confidence: e.Confidence,
		}
		nodeOrder = append(nodeOrder, key)
	}

	batch := common.GraphBatch{DocID: ex.DocID}
	var flagged []common.PendingCommit
	for _, key := range nodeOrder {
		n := nodes[key]
		n.band = g.bands.Classify(n.confidence)
		act := ActionFor(n.band)
		d := Decision{Kind: KindEntity, Ref: key.String(), Confidence: n.confidence, Band: n.band}
		if !act.Write {
			d.Reason = ReasonLowConfidence
		}
		g.record(&report, d)
		if !act.Write {
			continue
		}
		n.merge.NeedsReview = act.Flag
		batch.Nodes = append(batch.Nodes, n.merge)
		if act.Audit {
			flagged = append(flagged, common.PendingCommit{
				DocID:      ex.DocID,
				Payload:    common.GraphBatch{DocID: ex.DocID, Nodes: []common.NodeMerge{n.merge}},
				Confidence: n.confidence,
				Status:     common.PendingFlagged,
				Reason:     ReasonConfidenceBand,
			})
		}
	}

	edges, edgeOrder := map[common.EdgeKey]*bandedEdge{}, []common.EdgeKey{}
	for _, r := range ex.Relations {
		_, src := g.canon.Canonicalize(r.Source.Type, r.Source.Name)
		_, dst := g.canon.Canonicalize(r.Target.Type, r.Target.Name)
		key := common.EdgeKey{Source: src, Relation: r.Type, Target: dst}
		if src == dst || !written(nodes, src) || !written(nodes, dst) {
			reason := ReasonDanglingEndpoint
			if src == dst {
				reason = ReasonSelfLoop
			}
			g.record(&report, Decision{
				Kind:       KindRelation,
				Ref:        key.String(),
				Confidence: r.Confidence,
				Band:       BandDiscard,
				Reason:     reason,
			})
			continue
		}
		if cur, ok := edges[key]; ok {
			if r.Confidence > cur.confidence {
				cur.confidence = r.Confidence
				cur.merge.Provenance = prov(r.SourceField)
			}
			continue
		}
		edges[key] = &bandedEdge{
			merge: common.EdgeMerge{
				Key:        key,
				Properties: mergeProps(nil, r.Properties),
				Provenance: prov(r.SourceField),
			},
			confidence: r.Confidence,
		}
		edgeOrder = append(edgeOrder, key)
	}
	for _, key := range edgeOrder {
		e := edges[key]
		e.band = g.bands.Classify(e.confidence)
		act := ActionFor(e.band)
		d := Decision{Kind: KindRelation, Ref: key.String(), Confidence: e.confidence, Band: e.band}
		if !act.Write {
			d.Reason = ReasonLowConfidence
		}
		g.record(&report, d)
		if !act.Write {
			continue
		}
		e.merge.NeedsReview = act.Flag
		batch.Edges = append(batch.Edges, e.merge)
		if act.Audit {
			flagged = append(flagged, common.PendingCommit{
				DocID:      ex.DocID,
				Payload:    common.GraphBatch{DocID: ex.DocID, Edges: []common.EdgeMerge{e.merge}},
				Confidence: e.confidence,
				Status:     common.PendingFlagged,
				Reason:     ReasonConfidenceBand,
			})
		}
	}

	if !batch.Empty() {
		saved, err := g.graph.WriteBatchWithAudit(ctx, batch, flagged)
		if err != nil {
			if ctx.Err() != nil || common.IsConfigError(err) {
				report.Status = common.StatusFailed
				return report, fmt.Errorf("write graph batch for %s: %w", ex.DocID, err)
			}
			logger.Warn("[Gate] Graph write failed, queueing batch", "doc_id", ex.DocID, "err", err)
			queued := common.PendingCommit{
				DocID:      ex.DocID,
				Payload:    batch,
				Confidence: minConfidence(batch, nodes, edges),
				LastError:  err.Error(),
				Status:     common.PendingQueued,
				Reason:     ReasonGraphUnavailable,
			}
			var qErr error
			saved, qErr = g.pending.SavePendingAll(ctx, append([]common.PendingCommit{queued}, flagged...))
			if qErr != nil {
				report.Status = common.StatusFailed
				return report, fmt.Errorf("queue graph batch for %s: %w", ex.DocID, errors.Join(err, qErr))
			}
			report.Queued = len(batch.Nodes) + len(batch.Edges)
			report.Status = common.StatusDegraded
		}
		for _, rec := range saved {
			report.PendingIDs = append(report.PendingIDs, rec.ID)
		}
	}

	logger.Info("[Gate] Commit",
		"doc_id", ex.DocID,
		"committed", report.Committed,
		"flagged", report.Flagged,
		"discarded", report.Discarded,
		"queued", report.Queued,
		"status", report.Status,
	)
	return report, nil
}

func (g *Gate) record(report *CommitReport, d Decision) {
	switch d.Band {
	case BandCommit:
		report.Committed++
	case BandFlag:
		report.Flagged++
	default:
		report.Discarded++
		logger.Debug("[Gate] Discarded", "doc_id", report.DocID, "kind", d.Kind, "ref", d.Ref,
			"confidence", d.Confidence, "reason", d.Reason)
	}
	report.Decisions = append(report.Decisions, d)
	if g.observer != nil {
		g.observer.GateDecision(d.Kind, d.Band)
	}
}

func written(nodes map[common.NodeKey]*bandedNode, key common.NodeKey) bool {
	n, ok := nodes[key]
	return ok && ActionFor(n.band).Write
}

func minConfidence(batch common.GraphBatch, nodes map[common.NodeKey]*bandedNode, edges map[common.EdgeKey]*bandedEdge) float64 {
	lowest := 1.0
	for _, n := range batch.Nodes {
		lowest = min(lowest, nodes[n.Key].confidence)
	}
	for _, e := range batch.Edges {
		lowest = min(lowest, edges[e.Key].confidence)
	}
	return lowest
}

func mergeProps(dst, src map[string]any) map[string]any {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for k, v := range src {
		if _, ok := dst[k]; !ok {
			dst[k] = v
		}
	}
	return dst
}

// RetryPending replays up to limit queued batches, oldest first.
func (g *Gate) RetryPending(ctx context.Context, limit int) (RetryReport, error) {
	var report RetryReport
	recs, err := g.pending.ListPending(ctx, common.PendingQueued, limit)
	if err != nil {
		return report, fmt.Errorf("list queued batches: %w", err)
	}
	for _, rec := range recs {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Attempted++
		werr := g.graph.WriteBatch(ctx, rec.Payload)
		if werr == nil {
			rec.Status, rec.Reason, rec.LastError = common.PendingCommitted, ReasonReplayed, ""
			report.Committed++
		} else {
			rec.RetryCount++
			rec.LastError = werr.Error()
			if rec.RetryCount >= g.maxRetries {
				rec.Status, rec.Reason = common.PendingDiscarded, ReasonMaxRetries
				report.Discarded++
				logger.Error("[Gate] Giving up on queued batch", "id", rec.ID, "doc_id", rec.DocID,
					"retries", rec.RetryCount, "err", werr)
			} else {
				report.Failed++
				logger.Warn("[Gate] Replay failed", "id", rec.ID, "doc_id", rec.DocID,
					"retries", rec.RetryCount, "err", werr)
			}
		}
		if err := g.pending.UpdatePending(ctx, rec); err != nil {
			return report, fmt.Errorf("update pending commit %s: %w", rec.ID, err)
		}
	}
	return report, nil
}

// Review resolves a flagged record. Approving clears the review flag on the
// node or edge; rejecting leaves the graph untouched.
func (g *Gate) Review(ctx context.Context, id string, approve bool) (common.PendingCommit, error) {
	rec, err := g.pending.GetPending(ctx, id)
	if err != nil {
		return common.PendingCommit{}, err
	}
	if rec.Status != common.PendingFlagged {
		return rec, fmt.Errorf("%w: %s is %s", ErrNotReviewable, id, rec.Status)
	}
	if approve {
		queued, err := g.pending.ListPending(ctx, common.PendingQueued, 0)
		if err != nil {
			return rec, fmt.Errorf("list queued batches: %w", err)
		}
		for _, q := range queued {
			if q.DocID == rec.DocID {
				return rec, fmt.Errorf("%w: %s waits on %s", ErrReviewBlocked, id, q.ID)
			}
		}
		if err := g.graph.ClearReviewFlag(ctx, rec.Payload); err != nil {
			return rec, fmt.Errorf("clear review flag for %s: %w", id, err)
		}
		rec.Status, rec.Reason = common.PendingCommitted, ReasonApproved
	} else {
		rec.Status, rec.Reason = common.PendingDiscarded, ReasonRejected
	}
	if err := g.pending.UpdatePending(ctx, rec); err != nil {
		return rec, fmt.Errorf("update pending commit %s: %w", id, err)
	}
	logger.Info("[Gate] Reviewed", "id", id, "doc_id", rec.DocID, "approved", approve)
	return rec, nil
}
