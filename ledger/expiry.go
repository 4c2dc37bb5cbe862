package ledger

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// =============================================================================
// EXPIRY SWEEP - Release pending tasks older than the horizon
// =============================================================================

const sweepPageSize = 500

// SweepReport summarizes one ExpirePendingBatch run.
type SweepReport struct {
	Horizon  int       `json:"horizonDays"`
	Cutoff   time.Time `json:"cutoff"`
	Scanned  int       `json:"scanned"`
	Promoted int       `json:"promoted"`
	Skipped  int       `json:"skipped"`
	Failed   int       `json:"failed"`
}

// ExpirePendingBatch promotes every pending task that entered Pending at
// least maxDays ago (policy horizon when maxDays is zero).
//
// Each task is promoted in its own transaction. Tasks that changed state
// meanwhile, or whose account lacks the pending balance, are skipped.
// Other failures are counted and logged; they never abort the batch.
func (e *Engine) ExpirePendingBatch(ctx context.Context, maxDays int) (SweepReport, error) {
	if maxDays <= 0 {
		policy, err := e.policies.LoadPendingPolicy(ctx)
		if err != nil {
			return SweepReport{}, StorageError("load pending policy", err)
		}
		maxDays = policy.SweepHorizon()
	}

	cutoff := PendingCutoff(e.clock(), maxDays)
	ids, err := e.expiredPending(ctx, cutoff)
	if err != nil {
		return SweepReport{}, err
	}

	var promoted, skipped, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.sweepWorkers)
	for _, id := range ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			_, err := e.PromotePendingToCompleted(gctx, id, SourceSweeper)
			switch {
			case err == nil:
				promoted.Add(1)
			case errors.Is(err, ErrInvalidState), errors.Is(err, ErrNotFound):
				skipped.Add(1)
				e.log.Info("sweep skipped task", zap.String("task_id", string(id)), zap.Error(err))
			default:
				failed.Add(1)
				e.log.Warn("sweep failed to promote task", zap.String("task_id", string(id)), zap.Error(err))
			}
			return nil
		})
	}
	waitErr := g.Wait()

	report := SweepReport{
		Horizon:  maxDays,
		Cutoff:   cutoff,
		Scanned:  len(ids),
		Promoted: int(promoted.Load()),
		Skipped:  int(skipped.Load()),
		Failed:   int(failed.Load()),
	}
	e.log.Info("expiry sweep finished",
		zap.Int("horizon_days", report.Horizon),
		zap.Int("scanned", report.Scanned),
		zap.Int("promoted", report.Promoted),
		zap.Int("skipped", report.Skipped),
		zap.Int("failed", report.Failed))
	return report, waitErr
}

// expiredPending collects ids up front; promoted rows leave the pending set,
// so paging while promoting would skip rows.
func (e *Engine) expiredPending(ctx context.Context, cutoff time.Time) ([]TaskID, error) {
	var ids []TaskID
	for offset := 0; ; offset += sweepPageSize {
		page, _, err := e.store.ListTasks(ctx, TaskFilter{
			State:         StatePending,
			ChangedBefore: cutoff,
			Offset:        offset,
			Limit:         sweepPageSize,
		})
		if err != nil {
			return nil, err
		}
		for _, t := range page {
			ids = append(ids, t.ID)
		}
		if len(page) < sweepPageSize {
			return ids, nil
		}
	}
}
