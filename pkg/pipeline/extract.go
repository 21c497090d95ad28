package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/vladm3105/tradegent/pkg/common"
	"github.com/vladm3105/tradegent/pkg/graph"
	"github.com/vladm3105/tradegent/pkg/leaselock"
	"github.com/vladm3105/tradegent/pkg/logger"
)

// DocumentExtractor is satisfied by *graph.Extractor.
type DocumentExtractor interface {
	Extract(ctx context.Context, doc common.Document) (*graph.Extraction, error)
}

// Committer is satisfied by *graph.Gate.
type Committer interface {
	Commit(ctx context.Context, ex *graph.Extraction) (graph.CommitReport, error)
}

type ExtractPipeline struct {
	extractor DocumentExtractor
	gate      Committer
	locker    leaselock.Locker
	lease     leaselock.Options
	workers   int
	observer  Observer
}

type NewExtractPipelineParams struct {
	Extractor DocumentExtractor
	Gate      Committer
	Locker    leaselock.Locker
	Lease     leaselock.Options
	// Workers bounds concurrent documents; keep it low, the extractor's
	// limiter is shared.
	Workers  int
	Observer Observer
}

func NewExtractPipeline(params NewExtractPipelineParams) (*ExtractPipeline, error) {
	if params.Extractor == nil || params.Gate == nil {
		return nil, fmt.Errorf("%w: extract pipeline needs an extractor and a commit gate", common.ErrConfig)
	}
	p := &ExtractPipeline{
		extractor: params.Extractor,
		gate:      params.Gate,
		locker:    params.Locker,
		lease:     params.Lease,
		workers:   params.Workers,
		observer:  params.Observer,
	}
	if p.lease == (leaselock.Options{}) {
		p.lease = leaselock.DocumentOptions()
	}
	if p.workers <= 0 {
		p.workers = 2
	}
	if p.observer == nil {
		p.observer = noopObserver{}
	}
	return p, nil
}

// ExtractDocument extracts doc and gates the result into the graph. Failed
// fields or a queued graph batch make the result degraded.
func (p *ExtractPipeline) ExtractDocument(ctx context.Context, doc common.Document) common.ExtractResult {
	start := time.Now()
	res := common.ExtractResult{DocID: doc.ID, Status: common.StatusSucceeded}

	err := withLease(ctx, p.locker, p.lease, StageExtract, doc.ID, func(ctx context.Context) error {
		ex, err := p.extractor.Extract(ctx, doc)
		if err != nil {
			return err
		}
		res.EntityCount, res.RelationCount = len(ex.Entities), len(ex.Relations)
		res.FailedFields = ex.FailedFields
		if len(ex.FailedFields) > 0 {
			p.observer.ExtractFieldsFailed(len(ex.FailedFields))
		}

		report, err := p.gate.Commit(ctx, ex)
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		res.CommittedCount = report.Committed
		res.FlaggedCount = report.Flagged
		res.DiscardedCount = report.Discarded
		res.QueuedCount = report.Queued
		if report.Status == common.StatusDegraded || len(ex.FailedFields) > 0 {
			res.Status = common.StatusDegraded
		}
		return nil
	})
	if err != nil {
		res.Status, res.Error, res.Err = common.StatusFailed, errorString(err), err
		logger.Error("[Extract] Document failed", "doc_id", doc.ID, "err", err)
	}

	elapsed := time.Since(start)
	res.DurationMS = elapsed.Milliseconds()
	p.observer.PipelineDone(StageExtract, res.Status, elapsed)
	logger.Info("[Extract] Document",
		"doc_id", doc.ID,
		"entities", res.EntityCount,
		"relations", res.RelationCount,
		"committed", res.CommittedCount,
		"flagged", res.FlaggedCount,
		"discarded", res.DiscardedCount,
		"queued", res.QueuedCount,
		"status", res.Status,
		"duration", elapsed,
	)
	return res
}

func (p *ExtractPipeline) ExtractDocuments(ctx context.Context, docs []common.Document) []common.ExtractResult {
	return runAll(ctx, p.workers, docs, p.ExtractDocument)
}
