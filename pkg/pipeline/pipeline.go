// Package pipeline runs documents through the embed path (chunk, embed,
// upsert) and the extract path (extract, gate, graph). Every document gets
// its own result; one failing document never fails a batch.
package pipeline

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vladm3105/tradegent/pkg/common"
	"github.com/vladm3105/tradegent/pkg/leaselock"
)

const (
	StageEmbed   = "embed"
	StageExtract = "extract"

	DefaultWorkers = 4
)

// Observer receives per-document pipeline outcomes.
type Observer interface {
	PipelineDone(stage string, status common.Status, elapsed time.Duration)
	ExtractFieldsFailed(count int)
}

type noopObserver struct{}

func (noopObserver) PipelineDone(string, common.Status, time.Duration) {}
func (noopObserver) ExtractFieldsFailed(int)                          {}

// withLease runs fn under the document lease of stage when a locker is set.
func withLease(ctx context.Context, l leaselock.Locker, opts leaselock.Options, stage, docID string, fn func(context.Context) error) error {
	if l == nil {
		return fn(ctx)
	}
	return l.WithLease(ctx, leaselock.DocumentKey(stage, docID), opts, fn)
}

// runAll applies fn to every document with at most workers in flight and
// returns the results in input order.
func runAll[R any](ctx context.Context, workers int, docs []common.Document, fn func(context.Context, common.Document) R) []R {
	out := make([]R, len(docs))
	if workers <= 0 {
		workers = DefaultWorkers
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for i, doc := range docs {
		g.Go(func() error {
			out[i] = fn(ctx, doc)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
