package common

import (
	"strings"
	"time"
)

// EntityType is the closed set of graph node types.
type EntityType string

const (
	EntityTicker    EntityType = "Ticker"
	EntityCompany   EntityType = "Company"
	EntitySector    EntityType = "Sector"
	EntityIndustry  EntityType = "Industry"
	EntityRisk      EntityType = "Risk"
	EntityStrategy  EntityType = "Strategy"
	EntityBias      EntityType = "Bias"
	EntityPattern   EntityType = "Pattern"
	EntityCatalyst  EntityType = "Catalyst"
	EntityIndicator EntityType = "Indicator"
	EntityProduct   EntityType = "Product"
	EntityPerson    EntityType = "Person"
)

var entityTypes = map[string]EntityType{}

// RelationType is the closed set of typed, directed graph edges.
type RelationType string

const (
	RelBelongsTo    RelationType = "BELONGS_TO"
	RelInIndustry   RelationType = "IN_INDUSTRY"
	RelRepresents   RelationType = "REPRESENTS"
	RelCompetesWith RelationType = "COMPETES_WITH"
	RelSuppliesTo   RelationType = "SUPPLIES_TO"
	RelHasRisk      RelationType = "HAS_RISK"
	RelHasCatalyst  RelationType = "HAS_CATALYST"
	RelExhibitsBias RelationType = "EXHIBITS_BIAS"
	RelUsesStrategy RelationType = "USES_STRATEGY"
	RelShowsPattern RelationType = "SHOWS_PATTERN"
	RelAffects      RelationType = "AFFECTS"
	RelRelatedTo    RelationType = "RELATED_TO"
)

var relationTypes = map[string]RelationType{}

func init() {
	for _, t := range EntityTypes() {
		entityTypes[strings.ToLower(string(t))] = t
	}
	for _, r := range RelationTypes() {
		relationTypes[strings.ToLower(string(r))] = r
	}
}

// EntityTypes returns every node type in a stable order.
func EntityTypes() []EntityType {
	return []EntityType{
		EntityTicker, EntityCompany, EntitySector, EntityIndustry,
		EntityRisk, EntityStrategy, EntityBias, EntityPattern,
		EntityCatalyst, EntityIndicator, EntityProduct, EntityPerson,
	}
}

// RelationTypes returns every edge type in a stable order.
func RelationTypes() []RelationType {
	return []RelationType{
		RelBelongsTo, RelInIndustry, RelRepresents, RelCompetesWith,
		RelSuppliesTo, RelHasRisk, RelHasCatalyst, RelExhibitsBias,
		RelUsesStrategy, RelShowsPattern, RelAffects, RelRelatedTo,
	}
}

// ParseEntityType matches a node type case-insensitively.
func ParseEntityType(s string) (EntityType, bool) {
	t, ok := entityTypes[strings.ToLower(strings.TrimSpace(s))]
	return t, ok
}

// ParseRelationType matches an edge type case-insensitively; spaces and
// dashes are read as underscores ("has risk" -> HAS_RISK).
func ParseRelationType(s string) (RelationType, bool) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer(" ", "_", "-", "_").Replace(norm)
	r, ok := relationTypes[norm]
	return r, ok
}

// EntityRef names an entity by its surface form, as proposed by extraction.
type EntityRef struct {
	Type EntityType `json:"type"`
	Name string     `json:"name"`
}

// ExtractedEntity is a proposed node. It lives only between extraction and
// the commit gate's decision.
type ExtractedEntity struct {
	Type        EntityType     `json:"type"`
	Name        string         `json:"name"`
	Confidence  float64        `json:"confidence"`
	Properties  map[string]any `json:"properties,omitempty"`
	SourceDocID string         `json:"source_doc_id"`
	SourceField string         `json:"source_field"`
}

// Ref returns the entity's surface reference.
func (e ExtractedEntity) Ref() EntityRef {
	return EntityRef{Type: e.Type, Name: e.Name}
}

// ExtractedRelation is a proposed typed edge between two extracted entities.
type ExtractedRelation struct {
	Source      EntityRef      `json:"source"`
	Type        RelationType   `json:"type"`
	Target      EntityRef      `json:"target"`
	Confidence  float64        `json:"confidence"`
	Properties  map[string]any `json:"properties,omitempty"`
	SourceDocID string         `json:"source_doc_id"`
	SourceField string         `json:"source_field"`
}

// NodeKey is the merge key of a graph node: its type and canonical key.
type NodeKey struct {
	Type EntityType `json:"type"`
	Key  string     `json:"key"`
}

// FoldKey is the case-folded, whitespace-collapsed merge key of a name.
func FoldKey(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(name), " "))
}

// TickerNode returns the node key of a ticker symbol.
func TickerNode(symbol string) NodeKey {
	return NodeKey{Type: EntityTicker, Key: FoldKey(strings.TrimPrefix(symbol, "$"))}
}

func (k NodeKey) String() string {
	return string(k.Type) + ":" + k.Key
}

// EdgeKey is the merge key of a graph edge.
type EdgeKey struct {
	Source   NodeKey      `json:"source"`
	Relation RelationType `json:"relation"`
	Target   NodeKey      `json:"target"`
}

func (k EdgeKey) String() string {
	return k.Source.String() + "-[" + string(k.Relation) + "]->" + k.Target.String()
}

// Provenance points a graph write back to the document field it came from.
type Provenance struct {
	DocID string `json:"doc_id"`
	Field string `json:"field,omitempty"`
}

// NodeMerge is an idempotent node upsert.
type NodeMerge struct {
	Key         NodeKey        `json:"key"`
	Name        string         `json:"name"`
	Properties  map[string]any `json:"properties,omitempty"`
	NeedsReview bool           `json:"needs_review,omitempty"`
	Provenance  Provenance     `json:"provenance"`
}

// EdgeMerge is an idempotent edge upsert.
type EdgeMerge struct {
	Key         EdgeKey        `json:"key"`
	Properties  map[string]any `json:"properties,omitempty"`
	NeedsReview bool           `json:"needs_review,omitempty"`
	Provenance  Provenance     `json:"provenance"`
}

// GraphBatch is one document's graph commit, written as one unit of work.
type GraphBatch struct {
	DocID string      `json:"doc_id"`
	Nodes []NodeMerge `json:"nodes,omitempty"`
	Edges []EdgeMerge `json:"edges,omitempty"`
}

// Empty reports whether the batch writes nothing.
func (b GraphBatch) Empty() bool {
	return len(b.Nodes) == 0 && len(b.Edges) == 0
}

// GraphNode is a committed node.
type GraphNode struct {
	ID          int64          `json:"id"`
	Type        EntityType     `json:"type"`
	Key         string         `json:"key"`
	Name        string         `json:"name"`
	Properties  map[string]any `json:"properties,omitempty"`
	NeedsReview bool           `json:"needs_review"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// NodeKey returns the node's merge key.
func (n GraphNode) NodeKey() NodeKey {
	return NodeKey{Type: n.Type, Key: n.Key}
}

// GraphEdge is a committed edge. Committed edges carry no confidence.
type GraphEdge struct {
	ID           int64          `json:"id"`
	Source       NodeKey        `json:"source"`
	Relation     RelationType   `json:"relation"`
	Target       NodeKey        `json:"target"`
	Properties   map[string]any `json:"properties,omitempty"`
	NeedsReview  bool           `json:"needs_review"`
	MentionCount int            `json:"mention_count"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// EdgeKey returns the edge's merge key.
func (e GraphEdge) EdgeKey() EdgeKey {
	return EdgeKey{Source: e.Source, Relation: e.Relation, Target: e.Target}
}

// Direction selects which way a pattern follows edges from its anchor node.
type Direction string

const (
	DirectionOut  Direction = "out"
	DirectionIn   Direction = "in"
	DirectionBoth Direction = "both"
)

// Pattern is a one-hop graph query anchored on a node. Empty Relation or
// NeighborType match anything.
type Pattern struct {
	Anchor       NodeKey      `json:"anchor"`
	Relation     RelationType `json:"relation,omitempty"`
	Direction    Direction    `json:"direction,omitempty"`
	NeighborType EntityType   `json:"neighbor_type,omitempty"`
	Limit        int          `json:"limit,omitempty"`
}

// PatternResult holds the matched neighbors and the edges connecting them.
type PatternResult struct {
	Nodes []GraphNode `json:"nodes"`
	Edges []GraphEdge `json:"edges"`
}

// GraphFact is a flattened traversal row used by the context builder.
// Via names the intermediate node for two-hop facts (the shared sector of a
// peer); Hops is the distance from the anchor.
type GraphFact struct {
	Type        EntityType   `json:"type"`
	Key         string       `json:"key"`
	Name        string       `json:"name"`
	Relation    RelationType `json:"relation,omitempty"`
	Via         string       `json:"via,omitempty"`
	Hops        int          `json:"hops,omitempty"`
	Mentions    int          `json:"mentions,omitempty"`
	NeedsReview bool         `json:"needs_review,omitempty"`
	LastSeen    time.Time    `json:"last_seen,omitempty"`
}

// PendingStatus is the lifecycle state of a PendingCommit.
type PendingStatus string

const (
	PendingQueued    PendingStatus = "pending"
	PendingFlagged   PendingStatus = "flagged-for-review"
	PendingCommitted PendingStatus = "committed"
	PendingDiscarded PendingStatus = "discarded"
)

// PendingCommit is the audit record of a graph write that did not clear
// auto-commit: a flagged element awaiting review, or a whole batch queued
// because the graph store was unavailable.
type PendingCommit struct {
	ID         string        `json:"id"`
	DocID      string        `json:"doc_id"`
	Payload    GraphBatch    `json:"payload"`
	Confidence float64       `json:"confidence"`
	RetryCount int           `json:"retry_count"`
	LastError  string        `json:"last_error,omitempty"`
	Status     PendingStatus `json:"status"`
	Reason     string        `json:"reason,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// ElementRef is the key of the single node or edge a record covers. Records
// holding a whole batch have no ref.
func (p PendingCommit) ElementRef() string {
	switch {
	case len(p.Payload.Nodes) == 1 && len(p.Payload.Edges) == 0:
		return p.Payload.Nodes[0].Key.String()
	case len(p.Payload.Edges) == 1 && len(p.Payload.Nodes) == 0:
		return p.Payload.Edges[0].Key.String()
	}
	return ""
}
