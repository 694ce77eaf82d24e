package txmanager

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xiaoxuxiansheng/go2pc/journal"
	"github.com/xiaoxuxiansheng/go2pc/log"
	"github.com/xiaoxuxiansheng/go2pc/txn"
)

// ErrReplayIncomplete is returned when some transactions of a batch could not be replayed.
// The watermark stops before the first one, so the batch can be extracted and replayed
// again.
var ErrReplayIncomplete = errors.New("txmanager: replay incomplete")

// Replay re-applies journal entries extracted from a peer to a local resource manager.
// Entries at or below the resource manager's last completed id are skipped.
//
// A START that cannot be applied marks its slot (txID mod batch size) failed. A failed
// slot's ROLLBACK is recorded without calling the resource manager, there being nothing
// to undo. A failed slot's COMMIT stops the replay.
func (t *TransactionManager) Replay(ctx context.Context, resourceID uuid.UUID, entries []*journal.Entry) error {
	t.replayMu.Lock()
	defer t.replayMu.Unlock()

	reg, ok := t.registry.get(resourceID)
	if !ok {
		return fmt.Errorf("txmanager: resource manager %s not registered", resourceID)
	}
	if len(entries) == 0 {
		return nil
	}

	ctx = withReplay(ctx)
	batch := uint64(len(entries))
	failed := make([]bool, batch)
	incomplete := false
	applied := 0

	for _, e := range entries {
		if e.TxID <= reg.LastCompleted() {
			continue
		}
		slot := e.TxID % batch
		ectx := log.WithFields(ctx, zap.Uint64("txID", e.TxID), zap.Stringer("kind", e.Kind))

		switch e.Kind {
		case journal.KindStart:
			failed[slot] = false
			if err := t.replayStart(ectx, e); err != nil {
				log.WarnContextf(ectx, "replay start: %v", err)
				failed[slot] = true
				incomplete = true
			}
		case journal.KindCommit:
			if failed[slot] {
				log.WarnContextf(ectx, "replay stops: commit of a transaction that could not be started")
				return fmt.Errorf("%w: tx %d", ErrReplayIncomplete, e.TxID)
			}
			if err := t.Commit(ectx, e.TxID, e.Participants); err != nil {
				log.WarnContextf(ectx, "replay commit: %v", err)
				return fmt.Errorf("%w: tx %d: %v", ErrReplayIncomplete, e.TxID, err)
			}
			applied++
		case journal.KindRollback:
			if failed[slot] {
				t.finish(ectx, reg, journal.RollbackEntry(e.TxID, e.Code, e.Participants), txn.StatusRolledBack)
				failed[slot] = false
				applied++
				continue
			}
			if err := t.Rollback(ectx, e.TxID, e.Code, e.Participants); err != nil {
				if txn.CodeOf(err) != txn.CodeUnknownTx {
					log.WarnContextf(ectx, "replay rollback: %v", err)
					return fmt.Errorf("%w: tx %d: %v", ErrReplayIncomplete, e.TxID, err)
				}
				// never started here, record the outcome only
				t.finish(ectx, reg, journal.RollbackEntry(e.TxID, e.Code, e.Participants), txn.StatusRolledBack)
			}
			applied++
		}
	}

	log.InfoContextf(ctx, "replayed %d transactions into %s, last completed %d", applied, resourceID, reg.LastCompleted())
	if incomplete {
		for _, f := range failed {
			if f {
				return ErrReplayIncomplete
			}
		}
	}
	return nil
}

func (t *TransactionManager) replayStart(ctx context.Context, e *journal.Entry) error {
	t.mu.Lock()
	rc, open := t.contexts[e.TxID]
	status := txn.StatusPending
	if open {
		status = rc.status
	}
	t.mu.Unlock()

	if !open {
		if err := t.Start(ctx, e.Tx, e.Participants); err != nil {
			return err
		}
		status = txn.StatusStarted
	}
	if status >= txn.StatusPrepared {
		return nil
	}
	return t.Prepare(ctx, e.TxID)
}
