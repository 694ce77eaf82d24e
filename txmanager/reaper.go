package txmanager

import (
	"context"
	"time"

	"github.com/xiaoxuxiansheng/go2pc/log"
	"github.com/xiaoxuxiansheng/go2pc/txn"
)

// backOffTick doubles the tick, capped at 8 times MonitorTick.
func (t *TransactionManager) backOffTick(tick time.Duration) time.Duration {
	tick <<= 1
	if threshold := t.opts.MonitorTick << 3; tick > threshold {
		return threshold
	}
	return tick
}

// run rolls back branches whose coordinator went silent. A branch may stay open for
// ReapFactor times its transaction timeout; after that it is rolled back with
// txn.CodeTimeout. After a failed round the tick backs off.
func (t *TransactionManager) run(ctx context.Context) {
	var tick time.Duration
	var err error
	for {
		if err == nil {
			tick = t.opts.MonitorTick
		} else {
			tick = t.backOffTick(tick)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(tick):
			_, err = t.reap(ctx, time.Now())
		}
	}
}

func (t *TransactionManager) reap(ctx context.Context, now time.Time) (int, error) {
	t.mu.Lock()
	var stale []*rmContext
	for _, rc := range t.contexts {
		if rc.status == txn.StatusPending || rc.finishing {
			continue
		}
		timeout := rc.tx.Timeout
		if timeout <= 0 {
			timeout = t.opts.MonitorTick
		}
		if now.Sub(rc.startedAt) > time.Duration(t.opts.ReapFactor)*timeout {
			stale = append(stale, rc)
		}
	}
	t.mu.Unlock()

	var firstErr error
	reaped := 0
	for _, rc := range stale {
		err := t.Rollback(ctx, rc.tx.ID, txn.CodeTimeout, rc.participants)
		switch txn.CodeOf(err) {
		case txn.CodeNone:
			reaped++
			log.WarnContextf(ctx, "tx %d timed out in status %s and was rolled back", rc.tx.ID, rc.status)
		case txn.CodeUnknownTx, txn.CodeProtocol:
			// resolved meanwhile
		default:
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return reaped, firstErr
}
