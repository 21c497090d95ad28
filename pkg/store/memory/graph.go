package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"

	"github.com/vladm3105/tradegent/internal/util"
	"github.com/vladm3105/tradegent/pkg/common"
)

func (s *Store) graphWait(ctx context.Context) error {
	s.mu.RLock()
	err, delay := s.graphErr, s.graphDelay
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	return util.SleepContext(ctx, delay)
}

func (s *Store) MergeNode(ctx context.Context, n common.NodeMerge) (common.GraphNode, error) {
	if err := s.graphWait(ctx); err != nil {
		return common.GraphNode{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mergeNode(n)
}

func (s *Store) MergeEdge(ctx context.Context, e common.EdgeMerge) (common.GraphEdge, error) {
	if err := s.graphWait(ctx); err != nil {
		return common.GraphEdge{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mergeEdge(e)
}

// WriteBatch validates every edge endpoint before writing so a failed batch
// leaves no partial state.
func (s *Store) WriteBatch(ctx context.Context, batch common.GraphBatch) error {
	if err := s.graphWait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeBatch(batch)
}

// WriteBatchWithAudit checks the batch and the audit table before writing
// anything, so a failure leaves neither graph nor audit changes.
func (s *Store) WriteBatchWithAudit(ctx context.Context, batch common.GraphBatch, audit []common.PendingCommit) ([]common.PendingCommit, error) {
	if err := s.graphWait(ctx); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingErr != nil {
		return nil, s.pendingErr
	}
	if err := s.writeBatch(batch); err != nil {
		return nil, err
	}
	saved := make([]common.PendingCommit, len(audit))
	for i, rec := range audit {
		saved[i] = s.savePending(rec)
	}
	return saved, nil
}

func (s *Store) writeBatch(batch common.GraphBatch) error {
	inBatch := map[common.NodeKey]bool{}
	for _, n := range batch.Nodes {
		if n.Key.Type == "" || n.Key.Key == "" {
			return fmt.Errorf("%w: node key is empty", common.ErrMalformed)
		}
		inBatch[n.Key] = true
	}
	for _, e := range batch.Edges {
		for _, k := range []common.NodeKey{e.Key.Source, e.Key.Target} {
			if _, ok := s.nodes[k]; !ok && !inBatch[k] {
				return fmt.Errorf("%w: endpoint of %s", common.ErrNotFound, e.Key)
			}
		}
	}
	for _, n := range batch.Nodes {
		if _, err := s.mergeNode(n); err != nil {
			return err
		}
	}
	for _, e := range batch.Edges {
		if _, err := s.mergeEdge(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) mergeNode(n common.NodeMerge) (common.GraphNode, error) {
	if n.Key.Type == "" || n.Key.Key == "" {
		return common.GraphNode{}, fmt.Errorf("%w: node key is empty", common.ErrMalformed)
	}
	now := s.now()
	cur, ok := s.nodes[n.Key]
	if !ok {
		s.nextID++
		name := n.Name
		if name == "" {
			name = n.Key.Key
		}
		cur = &common.GraphNode{
			ID:          s.nextID,
			Type:        n.Key.Type,
			Key:         n.Key.Key,
			Name:        name,
			Properties:  map[string]any{},
			NeedsReview: n.NeedsReview,
			CreatedAt:   now,
		}
		s.nodes[n.Key] = cur
	} else {
		cur.NeedsReview = cur.NeedsReview && n.NeedsReview
	}
	maps.Copy(cur.Properties, n.Properties)
	cur.UpdatedAt = now
	return cloneNode(*cur), nil
}

func (s *Store) mergeEdge(e common.EdgeMerge) (common.GraphEdge, error) {
	if _, ok := s.nodes[e.Key.Source]; !ok {
		return common.GraphEdge{}, fmt.Errorf("%w: endpoint of %s", common.ErrNotFound, e.Key)
	}
	if _, ok := s.nodes[e.Key.Target]; !ok {
		return common.GraphEdge{}, fmt.Errorf("%w: endpoint of %s", common.ErrNotFound, e.Key)
	}
	cur, ok := s.edges[e.Key]
	if !ok {
		s.nextID++
		cur = &common.GraphEdge{
			ID:          s.nextID,
			Source:      e.Key.Source,
			Relation:    e.Key.Relation,
			Target:      e.Key.Target,
			Properties:  map[string]any{},
			NeedsReview: e.NeedsReview,
		}
		s.edges[e.Key] = cur
		s.edgeSources[e.Key] = map[string]struct{}{}
	} else {
		cur.NeedsReview = cur.NeedsReview && e.NeedsReview
	}
	maps.Copy(cur.Properties, e.Properties)
	if e.Provenance.DocID != "" {
		s.edgeSources[e.Key][e.Provenance.DocID] = struct{}{}
	}
	cur.MentionCount = max(1, len(s.edgeSources[e.Key]))
	cur.UpdatedAt = s.now()
	return cloneEdge(*cur), nil
}

func cloneNode(n common.GraphNode) common.GraphNode {
	n.Properties = maps.Clone(n.Properties)
	return n
}

func cloneEdge(e common.GraphEdge) common.GraphEdge {
	e.Properties = maps.Clone(e.Properties)
	return e
}

// Node returns a committed node.
func (s *Store) Node(key common.NodeKey) (common.GraphNode, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[key]
	if !ok {
		return common.GraphNode{}, false
	}
	return cloneNode(*n), true
}

// Edge returns a committed edge.
func (s *Store) Edge(key common.EdgeKey) (common.GraphEdge, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.edges[key]
	if !ok {
		return common.GraphEdge{}, false
	}
	return cloneEdge(*e), true
}

// GraphSize returns the node and edge counts.
func (s *Store) GraphSize() (nodes, edges int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes), len(s.edges)
}

func (s *Store) Query(ctx context.Context, p common.Pattern) (common.PatternResult, error) {
	if err := s.graphWait(ctx); err != nil {
		return common.PatternResult{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.query(p), nil
}

func (s *Store) query(p common.Pattern) common.PatternResult {
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}
	var edges []common.GraphEdge
	for _, e := range s.edges {
		if p.Relation != "" && e.Relation != p.Relation {
			continue
		}
		var other common.NodeKey
		switch {
		case e.Source == p.Anchor && p.Direction != common.DirectionIn:
			other = e.Target
		case e.Target == p.Anchor && p.Direction != common.DirectionOut:
			other = e.Source
		default:
			continue
		}
		if p.NeighborType != "" && other.Type != p.NeighborType {
			continue
		}
		edges = append(edges, cloneEdge(*e))
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].MentionCount != edges[j].MentionCount {
			return edges[i].MentionCount > edges[j].MentionCount
		}
		if !edges[i].UpdatedAt.Equal(edges[j].UpdatedAt) {
			return edges[i].UpdatedAt.After(edges[j].UpdatedAt)
		}
		return edges[i].EdgeKey().String() < edges[j].EdgeKey().String()
	})
	if len(edges) > limit {
		edges = edges[:limit]
	}

	res := common.PatternResult{Edges: edges}
	seen := map[common.NodeKey]bool{}
	for _, e := range edges {
		other := e.Target
		if other == p.Anchor {
			other = e.Source
		}
		if !seen[other] {
			seen[other] = true
			res.Nodes = append(res.Nodes, cloneNode(*s.nodes[other]))
		}
	}
	return res
}

func (s *Store) facts(p common.Pattern) []common.GraphFact {
	res := s.query(p)
	out := make([]common.GraphFact, 0, len(res.Edges))
	for _, e := range res.Edges {
		other := e.Target
		if other == p.Anchor {
			other = e.Source
		}
		n := s.nodes[other]
		out = append(out, common.GraphFact{
			Type:        n.Type,
			Key:         n.Key,
			Name:        n.Name,
			Relation:    e.Relation,
			Hops:        1,
			Mentions:    e.MentionCount,
			NeedsReview: n.NeedsReview || e.NeedsReview,
			LastSeen:    e.UpdatedAt,
		})
	}
	return out
}

func (s *Store) SectorPeers(ctx context.Context, ticker string, limit int) ([]common.GraphFact, error) {
	if err := s.graphWait(ctx); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	anchor := common.TickerNode(ticker)
	var out []common.GraphFact
	seen := map[common.NodeKey]bool{anchor: true}
	for _, rel := range []common.RelationType{common.RelBelongsTo, common.RelInIndustry} {
		for _, group := range s.query(common.Pattern{Anchor: anchor, Relation: rel, Direction: common.DirectionOut}).Nodes {
			for _, peer := range s.facts(common.Pattern{
				Anchor:       group.NodeKey(),
				Relation:     rel,
				Direction:    common.DirectionIn,
				NeighborType: common.EntityTicker,
			}) {
				k := common.NodeKey{Type: peer.Type, Key: peer.Key}
				if seen[k] {
					continue
				}
				seen[k] = true
				peer.Via = group.Name
				peer.Hops = 2
				out = append(out, peer)
			}
		}
	}
	for _, peer := range s.facts(common.Pattern{
		Anchor:       anchor,
		Relation:     common.RelCompetesWith,
		NeighborType: common.EntityTicker,
	}) {
		k := common.NodeKey{Type: peer.Type, Key: peer.Key}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, peer)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) KnownRisks(ctx context.Context, ticker string, limit int) ([]common.GraphFact, error) {
	if err := s.graphWait(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.facts(common.Pattern{
		Anchor:       common.TickerNode(ticker),
		Relation:     common.RelHasRisk,
		Direction:    common.DirectionOut,
		NeighborType: common.EntityRisk,
		Limit:        limit,
	}), nil
}

func (s *Store) BiasHistory(ctx context.Context, ticker string, limit int) ([]common.GraphFact, error) {
	if err := s.graphWait(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.facts(common.Pattern{
		Anchor:       common.TickerNode(ticker),
		Relation:     common.RelExhibitsBias,
		Direction:    common.DirectionOut,
		NeighborType: common.EntityBias,
		Limit:        limit,
	}), nil
}

// Related is a breadth-first walk over edges in both directions.
func (s *Store) Related(ctx context.Context, anchor common.NodeKey, hops, limit int) ([]common.GraphFact, error) {
	if err := s.graphWait(ctx); err != nil {
		return nil, err
	}
	if hops <= 0 {
		hops = 1
	}
	if limit <= 0 {
		limit = 25
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.nodes[anchor]; !ok {
		return nil, nil
	}

	visited := map[common.NodeKey]bool{anchor: true}
	frontier := []common.NodeKey{anchor}
	var out []common.GraphFact
	for depth := 1; depth <= hops && len(frontier) > 0; depth++ {
		var next []common.GraphFact
		for _, from := range frontier {
			via := ""
			if depth > 1 {
				via = s.nodes[from].Name
			}
			for _, f := range s.facts(common.Pattern{Anchor: from, Limit: len(s.edges) + 1}) {
				k := common.NodeKey{Type: f.Type, Key: f.Key}
				if visited[k] {
					continue
				}
				visited[k] = true
				f.Hops = depth
				f.Via = via
				f.Mentions = 0
				next = append(next, f)
			}
		}
		sort.SliceStable(next, func(i, j int) bool {
			if next[i].Type != next[j].Type {
				return next[i].Type < next[j].Type
			}
			return next[i].Key < next[j].Key
		})
		frontier = frontier[:0]
		for _, f := range next {
			frontier = append(frontier, common.NodeKey{Type: f.Type, Key: f.Key})
		}
		out = append(out, next...)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ClearReviewFlag(ctx context.Context, batch common.GraphBatch) error {
	if err := s.graphWait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, n := range batch.Nodes {
		if cur, ok := s.nodes[n.Key]; ok {
			cur.NeedsReview = false
		}
	}
	for _, e := range batch.Edges {
		if cur, ok := s.edges[e.Key]; ok {
			cur.NeedsReview = false
		}
	}
	return nil
}
