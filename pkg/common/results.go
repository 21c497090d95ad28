package common

// Status tells callers whether an operation fully succeeded, completed on
// degraded inputs, or failed.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusDegraded  Status = "degraded"
	StatusFailed    Status = "failed"
)

// EmbedResult is the per-document outcome of the embed pipeline.
type EmbedResult struct {
	DocID         string `json:"doc_id"`
	ChunkCount    int    `json:"chunk_count"`
	EmbedModel    string `json:"embed_model"`
	DurationMS    int64  `json:"duration_ms"`
	Provider      string `json:"provider,omitempty"`
	FallbackUsed  bool   `json:"fallback_used,omitempty"`
	DroppedChunks int    `json:"dropped_chunks,omitempty"`
	Status        Status `json:"status"`
	Error         string `json:"error,omitempty"`
	// Err is the cause behind Error; it does not cross the wire.
	Err error `json:"-"`
}

// ExtractResult is the per-document outcome of the extract pipeline.
type ExtractResult struct {
	DocID          string   `json:"doc_id"`
	EntityCount    int      `json:"entity_count"`
	RelationCount  int      `json:"relation_count"`
	CommittedCount int      `json:"committed_count"`
	FlaggedCount   int      `json:"flagged_count"`
	DiscardedCount int      `json:"discarded_count"`
	QueuedCount    int      `json:"queued_count,omitempty"`
	FailedFields   []string `json:"failed_fields,omitempty"`
	DurationMS     int64    `json:"duration_ms"`
	Status         Status   `json:"status"`
	Error          string   `json:"error,omitempty"`
	Err            error    `json:"-"`
}

// HybridContext is the merged retrieval payload for one subject and query.
// Partial is set when any leg failed or missed the deadline; Errors maps
// the leg name to its failure.
type HybridContext struct {
	SubjectKey    string            `json:"subject_key"`
	Query         string            `json:"query"`
	VectorResults []SearchResult    `json:"vector_results"`
	GraphPeers    []GraphFact       `json:"graph_peers"`
	GraphRisks    []GraphFact       `json:"graph_risks"`
	GraphBiases   []GraphFact       `json:"graph_biases"`
	FormattedText string            `json:"formatted_text"`
	Partial       bool              `json:"partial"`
	Errors        map[string]string `json:"errors,omitempty"`
}
