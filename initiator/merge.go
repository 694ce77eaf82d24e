package initiator

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/xiaoxuxiansheng/go2pc/cluster"
	"github.com/xiaoxuxiansheng/go2pc/log"
)

const maxMergeAttempts = 100

// MergeCounters reconciles the cluster counters with the last finished id a restarted node
// recovered from its journals.
//
// With nothing in flight (next id == last finished) both counters are moved to the
// recovered id together. With transactions in flight only the next id is raised, so no id
// is handed out twice; then the merge waits, at most TxTimeout per pending transaction,
// for them to finish before raising last finished. Merging the same value again changes
// nothing.
func (i *Initiator) MergeCounters(ctx context.Context, recovered uint64) error {
	for attempt := 0; attempt < maxMergeAttempts; attempt++ {
		next, err := i.nextID.Get(ctx)
		if err != nil {
			return err
		}
		last, err := i.lastFinished.Get(ctx)
		if err != nil {
			return err
		}

		if next <= last {
			// 1. idle cluster, move both in lock step
			target := max(next, last, recovered)
			if next == target && last == target {
				return nil
			}
			ok, err := i.nextID.CompareAndSet(ctx, next, target)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if _, err = cluster.Advance(ctx, i.lastFinished, target); err != nil {
				return err
			}
			log.InfoContextf(ctx, "counters merged to %d", target)
			return nil
		}

		// 2. transactions in flight
		if _, err = cluster.Advance(ctx, i.nextID, recovered); err != nil {
			return err
		}
		i.drain(ctx, next, time.Duration(next-last)*i.opts.TxTimeout)
		if err = ctx.Err(); err != nil {
			return err
		}
		target := max(next, recovered)
		if _, err = cluster.Advance(ctx, i.lastFinished, target); err != nil {
			return err
		}
		log.InfoContextf(ctx, "counters merged, next id %d, last finished raised to %d", max(next, recovered), target)
		return nil
	}
	return fmt.Errorf("initiator: merge counters: contention after %d attempts", maxMergeAttempts)
}

// drain waits up to bound for last finished to reach want.
func (i *Initiator) drain(ctx context.Context, want uint64, bound time.Duration) {
	_, err := backoff.Retry(ctx, func() (uint64, error) {
		last, err := i.lastFinished.Get(ctx)
		if err != nil {
			return 0, err
		}
		if last < want {
			return last, errBarrierPending
		}
		return last, nil
	}, backoff.WithBackOff(backoff.NewConstantBackOff(i.opts.PollInterval)),
		backoff.WithMaxElapsedTime(bound))
	if err != nil && ctx.Err() == nil {
		log.WarnContextf(ctx, "transactions up to %d still in flight after %s", want, bound)
	}
}
