package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	pgxv5 "github.com/jackc/pgx/v5"

	"github.com/vladm3105/tradegent/internal/util"
	"github.com/vladm3105/tradegent/pkg/common"
)

func (s *Store) MergeNode(ctx context.Context, n common.NodeMerge) (common.GraphNode, error) {
	return mergeNode(ctx, s.conn, n)
}

func (s *Store) MergeEdge(ctx context.Context, e common.EdgeMerge) (common.GraphEdge, error) {
	return mergeEdge(ctx, s.conn, e)
}

// WriteBatch merges the nodes and then the edges of batch in one
// transaction. Any failure leaves the graph untouched.
func (s *Store) WriteBatch(ctx context.Context, batch common.GraphBatch) error {
	if batch.Empty() {
		return nil
	}
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := writeBatch(ctx, tx, batch); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) WriteBatchWithAudit(ctx context.Context, batch common.GraphBatch, audit []common.PendingCommit) ([]common.PendingCommit, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if err := writeBatch(ctx, tx, batch); err != nil {
		return nil, err
	}
	saved, err := savePendingAll(ctx, tx, audit)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return saved, nil
}

func writeBatch(ctx context.Context, q querier, batch common.GraphBatch) error {
	for _, n := range batch.Nodes {
		if _, err := mergeNode(ctx, q, n); err != nil {
			return err
		}
	}
	for _, e := range batch.Edges {
		if _, err := mergeEdge(ctx, q, e); err != nil {
			return err
		}
	}
	return nil
}

func mergeNode(ctx context.Context, q querier, n common.NodeMerge) (common.GraphNode, error) {
	if n.Key.Type == "" || n.Key.Key == "" {
		return common.GraphNode{}, fmt.Errorf("%w: node key is empty", common.ErrMalformed)
	}
	props, err := jsonProps(n.Properties)
	if err != nil {
		return common.GraphNode{}, err
	}
	name := n.Name
	if name == "" {
		name = n.Key.Key
	}

	var node common.GraphNode
	var nodeType string
	err = q.QueryRow(ctx, mergeNodeSQL,
		string(n.Key.Type),
		n.Key.Key,
		util.SanitizePostgresText(name),
		props,
		n.NeedsReview,
	).Scan(
		&node.ID,
		&nodeType,
		&node.Key,
		&node.Name,
		&node.Properties,
		&node.NeedsReview,
		&node.CreatedAt,
		&node.UpdatedAt,
	)
	if err != nil {
		return common.GraphNode{}, fmt.Errorf("merge node %s: %w", n.Key, err)
	}
	node.Type = common.EntityType(nodeType)

	if n.Provenance.DocID != "" {
		if _, err := q.Exec(ctx, nodeSourceSQL, node.ID, n.Provenance.DocID, n.Provenance.Field); err != nil {
			return common.GraphNode{}, fmt.Errorf("node provenance %s: %w", n.Key, err)
		}
	}
	return node, nil
}

func mergeEdge(ctx context.Context, q querier, e common.EdgeMerge) (common.GraphEdge, error) {
	props, err := jsonProps(e.Properties)
	if err != nil {
		return common.GraphEdge{}, err
	}

	edge := common.GraphEdge{
		Source:   e.Key.Source,
		Relation: e.Key.Relation,
		Target:   e.Key.Target,
	}
	err = q.QueryRow(ctx, mergeEdgeSQL,
		string(e.Key.Source.Type),
		e.Key.Source.Key,
		string(e.Key.Target.Type),
		e.Key.Target.Key,
		string(e.Key.Relation),
		props,
		e.NeedsReview,
	).Scan(&edge.ID, &edge.Properties, &edge.NeedsReview, &edge.UpdatedAt)
	if errors.Is(err, pgxv5.ErrNoRows) {
		return common.GraphEdge{}, fmt.Errorf("%w: endpoint of %s", common.ErrNotFound, e.Key)
	}
	if err != nil {
		return common.GraphEdge{}, fmt.Errorf("merge edge %s: %w", e.Key, err)
	}

	if e.Provenance.DocID != "" {
		if _, err := q.Exec(ctx, edgeSourceSQL, edge.ID, e.Provenance.DocID, e.Provenance.Field); err != nil {
			return common.GraphEdge{}, fmt.Errorf("edge provenance %s: %w", e.Key, err)
		}
	}
	// Mentions count distinct documents so re-committing one document is
	// idempotent.
	if err := q.QueryRow(ctx, edgeMentionsSQL, edge.ID).Scan(&edge.MentionCount); err != nil {
		return common.GraphEdge{}, fmt.Errorf("edge mentions %s: %w", e.Key, err)
	}
	return edge, nil
}

func jsonProps(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return []byte("{}"), nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("%w: properties: %v", common.ErrMalformed, err)
	}
	return b, nil
}

// Query runs a one-hop pattern from its anchor node.
func (s *Store) Query(ctx context.Context, p common.Pattern) (common.PatternResult, error) {
	out, in := true, true
	switch p.Direction {
	case common.DirectionOut:
		in = false
	case common.DirectionIn:
		out = false
	}
	limit := p.Limit
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.conn.Query(ctx, patternSQL,
		string(p.Anchor.Type),
		p.Anchor.Key,
		string(p.Relation),
		string(p.NeighborType),
		out,
		in,
		limit,
	)
	if err != nil {
		return common.PatternResult{}, fmt.Errorf("graph query: %w", err)
	}
	defer rows.Close()

	var res common.PatternResult
	seen := map[int64]bool{}
	for rows.Next() {
		var e common.GraphEdge
		var n common.GraphNode
		var rel, srcType, tgtType, nType string
		if err := rows.Scan(
			&e.ID, &rel, &e.Properties, &e.NeedsReview, &e.MentionCount, &e.UpdatedAt,
			&srcType, &e.Source.Key, &tgtType, &e.Target.Key,
			&n.ID, &nType, &n.Key, &n.Name, &n.Properties, &n.NeedsReview, &n.CreatedAt, &n.UpdatedAt,
		); err != nil {
			return common.PatternResult{}, err
		}
		e.Relation = common.RelationType(rel)
		e.Source.Type = common.EntityType(srcType)
		e.Target.Type = common.EntityType(tgtType)
		n.Type = common.EntityType(nType)

		res.Edges = append(res.Edges, e)
		if !seen[n.ID] {
			seen[n.ID] = true
			res.Nodes = append(res.Nodes, n)
		}
	}
	return res, rows.Err()
}

// SectorPeers returns tickers sharing a sector or industry with ticker,
// then direct competitors.
func (s *Store) SectorPeers(ctx context.Context, ticker string, limit int) ([]common.GraphFact, error) {
	if limit <= 0 {
		limit = 10
	}
	anchor := common.TickerNode(ticker)
	rows, err := s.conn.Query(ctx, sectorPeersSQL, anchor.Key, limit)
	if err != nil {
		return nil, fmt.Errorf("sector peers: %w", err)
	}
	facts, err := collectFacts(rows)
	if err != nil {
		return nil, err
	}

	competitors, err := s.Query(ctx, common.Pattern{
		Anchor:       anchor,
		Relation:     common.RelCompetesWith,
		Direction:    common.DirectionBoth,
		NeighborType: common.EntityTicker,
		Limit:        limit,
	})
	if err != nil {
		return nil, err
	}
	facts = append(facts, patternFacts(competitors)...)
	return dedupeFacts(facts, limit), nil
}

func (s *Store) KnownRisks(ctx context.Context, ticker string, limit int) ([]common.GraphFact, error) {
	res, err := s.Query(ctx, common.Pattern{
		Anchor:       common.TickerNode(ticker),
		Relation:     common.RelHasRisk,
		Direction:    common.DirectionOut,
		NeighborType: common.EntityRisk,
		Limit:        limit,
	})
	if err != nil {
		return nil, err
	}
	return patternFacts(res), nil
}

func (s *Store) BiasHistory(ctx context.Context, ticker string, limit int) ([]common.GraphFact, error) {
	res, err := s.Query(ctx, common.Pattern{
		Anchor:       common.TickerNode(ticker),
		Relation:     common.RelExhibitsBias,
		Direction:    common.DirectionOut,
		NeighborType: common.EntityBias,
		Limit:        limit,
	})
	if err != nil {
		return nil, err
	}
	return patternFacts(res), nil
}

// Related walks up to hops edges in either direction from anchor.
func (s *Store) Related(ctx context.Context, anchor common.NodeKey, hops, limit int) ([]common.GraphFact, error) {
	if hops <= 0 {
		hops = 1
	}
	if limit <= 0 {
		limit = 25
	}
	rows, err := s.conn.Query(ctx, relatedSQL, string(anchor.Type), anchor.Key, hops)
	if err != nil {
		return nil, fmt.Errorf("related: %w", err)
	}
	facts, err := collectFacts(rows)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(facts, func(i, j int) bool {
		if facts[i].Hops != facts[j].Hops {
			return facts[i].Hops < facts[j].Hops
		}
		if facts[i].Type != facts[j].Type {
			return facts[i].Type < facts[j].Type
		}
		return facts[i].Key < facts[j].Key
	})
	if len(facts) > limit {
		facts = facts[:limit]
	}
	return facts, nil
}

// ClearReviewFlag resets needs_review on the nodes and edges of batch.
func (s *Store) ClearReviewFlag(ctx context.Context, batch common.GraphBatch) error {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, n := range batch.Nodes {
		if _, err := tx.Exec(ctx, clearNodeFlagSQL, string(n.Key.Type), n.Key.Key); err != nil {
			return fmt.Errorf("clear node flag %s: %w", n.Key, err)
		}
	}
	for _, e := range batch.Edges {
		_, err := tx.Exec(ctx, clearEdgeFlagSQL,
			string(e.Key.Source.Type), e.Key.Source.Key,
			string(e.Key.Relation),
			string(e.Key.Target.Type), e.Key.Target.Key,
		)
		if err != nil {
			return fmt.Errorf("clear edge flag %s: %w", e.Key, err)
		}
	}
	return tx.Commit(ctx)
}

func collectFacts(rows pgxv5.Rows) ([]common.GraphFact, error) {
	defer rows.Close()
	var out []common.GraphFact
	for rows.Next() {
		var f common.GraphFact
		var typ, rel string
		if err := rows.Scan(&typ, &f.Key, &f.Name, &rel, &f.Via, &f.Hops, &f.Mentions, &f.NeedsReview, &f.LastSeen); err != nil {
			return nil, err
		}
		f.Type = common.EntityType(typ)
		f.Relation = common.RelationType(rel)
		out = append(out, f)
	}
	return out, rows.Err()
}

// patternFacts flattens a one-hop result, pairing each neighbor with the
// edge that reached it.
func patternFacts(res common.PatternResult) []common.GraphFact {
	byKey := make(map[common.NodeKey]common.GraphNode, len(res.Nodes))
	for _, n := range res.Nodes {
		byKey[n.NodeKey()] = n
	}
	out := make([]common.GraphFact, 0, len(res.Edges))
	for _, e := range res.Edges {
		n, ok := byKey[e.Target]
		if !ok {
			n, ok = byKey[e.Source]
		}
		if !ok {
			continue
		}
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

func dedupeFacts(facts []common.GraphFact, limit int) []common.GraphFact {
	seen := map[string]bool{}
	out := make([]common.GraphFact, 0, len(facts))
	for _, f := range facts {
		k := string(f.Type) + ":" + f.Key
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, f)
		if len(out) == limit {
			break
		}
	}
	return out
}

const mergeNodeSQL = `
INSERT INTO graph_nodes (node_type, node_key, name, properties, needs_review)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (node_type, node_key) DO UPDATE
SET properties   = graph_nodes.properties || EXCLUDED.properties,
    needs_review = graph_nodes.needs_review AND EXCLUDED.needs_review,
    updated_at   = now()
RETURNING id, node_type, node_key, name, properties, needs_review, created_at, updated_at;
`

const nodeSourceSQL = `
INSERT INTO graph_node_sources (node_id, doc_id, field)
VALUES ($1, $2, $3)
ON CONFLICT DO NOTHING;
`

const mergeEdgeSQL = `
WITH s AS (SELECT id FROM graph_nodes WHERE node_type = $1 AND node_key = $2),
     t AS (SELECT id FROM graph_nodes WHERE node_type = $3 AND node_key = $4)
INSERT INTO graph_edges (source_id, relation, target_id, properties, needs_review)
SELECT s.id, $5, t.id, $6, $7 FROM s, t
ON CONFLICT (source_id, relation, target_id) DO UPDATE
SET properties   = graph_edges.properties || EXCLUDED.properties,
    needs_review = graph_edges.needs_review AND EXCLUDED.needs_review,
    updated_at   = now()
RETURNING id, properties, needs_review, updated_at;
`

const edgeSourceSQL = `
INSERT INTO graph_edge_sources (edge_id, doc_id, field)
VALUES ($1, $2, $3)
ON CONFLICT DO NOTHING;
`

const edgeMentionsSQL = `
UPDATE graph_edges
SET mention_count = GREATEST(1, (SELECT count(DISTINCT doc_id) FROM graph_edge_sources WHERE edge_id = $1))
WHERE id = $1
RETURNING mention_count;
`

const patternSQL = `
SELECT e.id, e.relation, e.properties, e.needs_review, e.mention_count, e.updated_at,
       s.node_type, s.node_key, t.node_type, t.node_key,
       n.id, n.node_type, n.node_key, n.name, n.properties, n.needs_review, n.created_at, n.updated_at
FROM graph_nodes a
JOIN graph_edges e ON (e.source_id = a.id AND $5::boolean) OR (e.target_id = a.id AND $6::boolean)
JOIN graph_nodes s ON s.id = e.source_id
JOIN graph_nodes t ON t.id = e.target_id
JOIN graph_nodes n ON n.id = CASE WHEN e.source_id = a.id THEN e.target_id ELSE e.source_id END
WHERE a.node_type = $1 AND a.node_key = $2
  AND ($3::text = '' OR e.relation = $3::text)
  AND ($4::text = '' OR n.node_type = $4::text)
ORDER BY e.mention_count DESC, e.updated_at DESC, n.node_key
LIMIT $7;
`

const sectorPeersSQL = `
SELECT p.node_type, p.node_key, p.name, e2.relation, g.name, 2,
       e2.mention_count, p.needs_review OR e2.needs_review, e2.updated_at
FROM graph_nodes a
JOIN graph_edges e1 ON e1.source_id = a.id AND e1.relation IN ('BELONGS_TO', 'IN_INDUSTRY')
JOIN graph_nodes g ON g.id = e1.target_id
JOIN graph_edges e2 ON e2.target_id = g.id AND e2.relation = e1.relation AND e2.source_id <> a.id
JOIN graph_nodes p ON p.id = e2.source_id AND p.node_type = 'Ticker'
WHERE a.node_type = 'Ticker' AND a.node_key = $1
ORDER BY e2.mention_count DESC, p.node_key
LIMIT $2;
`

const relatedSQL = `
WITH RECURSIVE walk (node_id, hops, relation, via, path) AS (
    SELECT a.id, 0, ''::text, ''::text, ARRAY[a.id]
    FROM graph_nodes a
    WHERE a.node_type = $1 AND a.node_key = $2
  UNION ALL
    SELECT CASE WHEN e.source_id = w.node_id THEN e.target_id ELSE e.source_id END,
           w.hops + 1,
           e.relation,
           CASE WHEN w.hops = 0 THEN ''::text ELSE wn.name END,
           w.path || CASE WHEN e.source_id = w.node_id THEN e.target_id ELSE e.source_id END
    FROM walk w
    JOIN graph_nodes wn ON wn.id = w.node_id
    JOIN graph_edges e ON e.source_id = w.node_id OR e.target_id = w.node_id
    WHERE w.hops < $3
      AND NOT (CASE WHEN e.source_id = w.node_id THEN e.target_id ELSE e.source_id END = ANY (w.path))
)
SELECT DISTINCT ON (n.id) n.node_type, n.node_key, n.name, w.relation, w.via, w.hops,
       0, n.needs_review, n.updated_at
FROM walk w
JOIN graph_nodes n ON n.id = w.node_id
WHERE w.hops > 0
ORDER BY n.id, w.hops;
`

const clearNodeFlagSQL = `
UPDATE graph_nodes SET needs_review = FALSE, updated_at = now()
WHERE node_type = $1 AND node_key = $2;
`

const clearEdgeFlagSQL = `
UPDATE graph_edges e SET needs_review = FALSE, updated_at = now()
FROM graph_nodes s, graph_nodes t
WHERE e.source_id = s.id AND e.target_id = t.id
  AND s.node_type = $1 AND s.node_key = $2
  AND e.relation = $3
  AND t.node_type = $4 AND t.node_key = $5;
`
