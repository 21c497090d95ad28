package queue

import (
	"context"
	"errors"
	"time"

	"github.com/vladm3105/tradegent/pkg/graph"
	"github.com/vladm3105/tradegent/pkg/leaselock"
	"github.com/vladm3105/tradegent/pkg/logger"
)

// SweepLockKey guards the pending replay so one worker runs it at a time.
const SweepLockKey = "sweep:pending"

type PendingRetrier interface {
	RetryPending(ctx context.Context, limit int) (graph.RetryReport, error)
}

// Sweeper periodically replays graph batches queued while the graph store
// was unavailable.
type Sweeper struct {
	gate     PendingRetrier
	locker   leaselock.Locker
	interval time.Duration
	batch    int
}

type NewSweeperParams struct {
	Gate     PendingRetrier
	Locker   leaselock.Locker
	Interval time.Duration
	Batch    int
}

func NewSweeper(params NewSweeperParams) *Sweeper {
	if params.Interval <= 0 {
		params.Interval = 5 * time.Minute
	}
	if params.Batch <= 0 {
		params.Batch = 50
	}
	return &Sweeper{
		gate:     params.Gate,
		locker:   params.Locker,
		interval: params.Interval,
		batch:    params.Batch,
	}
}

// Run sweeps once immediately and then every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			logger.Warn("[Queue] Pending sweep failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep runs one replay under the sweep lease. A lease held elsewhere is not
// an error; the sweep is skipped.
func (s *Sweeper) Sweep(ctx context.Context) (graph.RetryReport, error) {
	var report graph.RetryReport
	run := func(ctx context.Context) error {
		var err error
		report, err = s.gate.RetryPending(ctx, s.batch)
		return err
	}

	var err error
	if s.locker == nil {
		err = run(ctx)
	} else {
		err = s.locker.WithLease(ctx, SweepLockKey, leaselock.Options{TTL: 2 * s.interval}, run)
	}
	if errors.Is(err, leaselock.ErrBusy) {
		logger.Debug("[Queue] Pending sweep running elsewhere")
		return report, nil
	}
	if report.Attempted > 0 {
		logger.Info("[Queue] Pending sweep",
			"attempted", report.Attempted,
			"committed", report.Committed,
			"failed", report.Failed,
			"discarded", report.Discarded,
		)
	}
	return report, err
}
