package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/vladm3105/tradegent/pkg/chunk"
	"github.com/vladm3105/tradegent/pkg/common"
	"github.com/vladm3105/tradegent/pkg/embed"
	"github.com/vladm3105/tradegent/pkg/leaselock"
	"github.com/vladm3105/tradegent/pkg/logger"
	"github.com/vladm3105/tradegent/pkg/store"
)

// BatchEmbedder is satisfied by *embed.Client.
type BatchEmbedder interface {
	EmbedBatch(ctx context.Context, texts []string) (embed.Batch, error)
}

type Embedder struct {
	chunker  *chunk.Chunker
	client   BatchEmbedder
	chunks   store.ChunkStore
	locker   leaselock.Locker
	lease    leaselock.Options
	workers  int
	observer Observer
}

type NewEmbedderParams struct {
	Chunker *chunk.Chunker
	Client  BatchEmbedder
	Chunks  store.ChunkStore
	// Locker serializes work on one document across workers. Nil runs
	// without locking.
	Locker   leaselock.Locker
	Lease    leaselock.Options
	Workers  int
	Observer Observer
}

func NewEmbedder(params NewEmbedderParams) (*Embedder, error) {
	if params.Chunker == nil || params.Client == nil || params.Chunks == nil {
		return nil, fmt.Errorf("%w: embed pipeline needs a chunker, an embedding client and a chunk store", common.ErrConfig)
	}
	e := &Embedder{
		chunker:  params.Chunker,
		client:   params.Client,
		chunks:   params.Chunks,
		locker:   params.Locker,
		lease:    params.Lease,
		workers:  params.Workers,
		observer: params.Observer,
	}
	if e.lease == (leaselock.Options{}) {
		e.lease = leaselock.DocumentOptions()
	}
	if e.observer == nil {
		e.observer = noopObserver{}
	}
	return e, nil
}

// EmbedDocument replaces the stored chunks of doc. Re-embedding unchanged
// text yields the same chunk IDs and rows.
func (e *Embedder) EmbedDocument(ctx context.Context, doc common.Document) common.EmbedResult {
	start := time.Now()
	res := common.EmbedResult{DocID: doc.ID, Status: common.StatusSucceeded}

	err := withLease(ctx, e.locker, e.lease, StageEmbed, doc.ID, func(ctx context.Context) error {
		split, err := e.chunker.Split(doc)
		if err != nil {
			return err
		}
		res.DroppedChunks = len(split.Dropped)
		chunks := split.Chunks

		doc.EmbedModel, doc.EmbedDim = "", 0
		if len(chunks) > 0 {
			texts := make([]string, len(chunks))
			for i, c := range chunks {
				texts[i] = c.Text
			}
			batch, err := e.client.EmbedBatch(ctx, texts)
			if err != nil {
				return fmt.Errorf("embed %d chunks: %w", len(chunks), err)
			}
			for i := range chunks {
				chunks[i].Embedding = batch.Vectors[i]
			}
			doc.EmbedModel, doc.EmbedDim = batch.Model, len(batch.Vectors[0])
			res.EmbedModel, res.Provider, res.FallbackUsed = batch.Model, batch.Provider, batch.FallbackUsed
		}
		if err := e.chunks.Upsert(ctx, doc, chunks); err != nil {
			return fmt.Errorf("upsert chunks: %w", err)
		}
		res.ChunkCount = len(chunks)
		return nil
	})

	switch {
	case err != nil:
		res.Status, res.Error, res.Err = common.StatusFailed, errorString(err), err
		logger.Error("[Embed] Document failed", "doc_id", doc.ID, "err", err)
	case res.FallbackUsed:
		res.Status = common.StatusDegraded
	}
	elapsed := time.Since(start)
	res.DurationMS = elapsed.Milliseconds()
	e.observer.PipelineDone(StageEmbed, res.Status, elapsed)
	logger.Info("[Embed] Document",
		"doc_id", doc.ID,
		"chunks", res.ChunkCount,
		"dropped", res.DroppedChunks,
		"model", res.EmbedModel,
		"provider", res.Provider,
		"status", res.Status,
		"duration", elapsed,
	)
	return res
}

// EmbedDocuments embeds independent documents on a bounded worker pool.
func (e *Embedder) EmbedDocuments(ctx context.Context, docs []common.Document) []common.EmbedResult {
	return runAll(ctx, e.workers, docs, e.EmbedDocument)
}
