// Package store defines the persistence interfaces of the engine. The pgx
// subpackage implements them on PostgreSQL with pgvector; the memory
// subpackage provides in-process doubles for tests.
package store

import (
	"context"

	"github.com/vladm3105/tradegent/pkg/common"
)

// ChunkStore persists documents with their chunks and answers similarity
// and keyword queries over the same rows.
type ChunkStore interface {
	// Upsert replaces the chunk set of doc atomically and stamps the
	// document with its chunk count and embedding model. doc.EmbedModel and
	// doc.EmbedDim describe the chunk vectors.
	Upsert(ctx context.Context, doc common.Document, chunks []common.Chunk) error
	GetDocument(ctx context.Context, id string) (common.Document, error)

	// VectorSearch returns chunks ordered by descending cosine similarity,
	// excluding those below minSimilarity.
	VectorSearch(
		ctx context.Context,
		vec []float32,
		filters common.SearchFilters,
		topK int,
		minSimilarity float64,
	) ([]common.SearchResult, error)

	// KeywordSearch returns chunks ordered by descending text rank.
	KeywordSearch(
		ctx context.Context,
		query string,
		filters common.SearchFilters,
		topK int,
	) ([]common.SearchResult, error)
}

// GraphStore is the typed property graph. Every write is an idempotent
// merge on the node or edge key.
type GraphStore interface {
	MergeNode(ctx context.Context, n common.NodeMerge) (common.GraphNode, error)
	MergeEdge(ctx context.Context, e common.EdgeMerge) (common.GraphEdge, error)
	// WriteBatch merges all nodes and then all edges in one unit of work.
	WriteBatch(ctx context.Context, batch common.GraphBatch) error
	// WriteBatchWithAudit writes batch and saves its review records in the
	// same unit of work; on error neither persists. It returns the saved
	// records in input order.
	WriteBatchWithAudit(ctx context.Context, batch common.GraphBatch, audit []common.PendingCommit) ([]common.PendingCommit, error)

	Query(ctx context.Context, p common.Pattern) (common.PatternResult, error)
	SectorPeers(ctx context.Context, ticker string, limit int) ([]common.GraphFact, error)
	KnownRisks(ctx context.Context, ticker string, limit int) ([]common.GraphFact, error)
	BiasHistory(ctx context.Context, ticker string, limit int) ([]common.GraphFact, error)
	Related(ctx context.Context, anchor common.NodeKey, hops, limit int) ([]common.GraphFact, error)

	// ClearReviewFlag resets needs_review on every node and edge of batch
	// that exists.
	ClearReviewFlag(ctx context.Context, batch common.GraphBatch) error
}

// PendingStore holds the PendingCommit audit trail.
type PendingStore interface {
	// SavePending inserts rec, assigning an ID when rec.ID is empty. A
	// flagged record for an element that already has an open flagged record
	// of the same document refreshes that record instead.
	SavePending(ctx context.Context, rec common.PendingCommit) (common.PendingCommit, error)
	// SavePendingAll saves recs in one unit of work.
	SavePendingAll(ctx context.Context, recs []common.PendingCommit) ([]common.PendingCommit, error)
	GetPending(ctx context.Context, id string) (common.PendingCommit, error)
	// ListPending returns records with the given status, oldest first.
	ListPending(ctx context.Context, status common.PendingStatus, limit int) ([]common.PendingCommit, error)
	UpdatePending(ctx context.Context, rec common.PendingCommit) error
}
