package txmanager

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxuxiansheng/go2pc/component/componenttest"
	"github.com/xiaoxuxiansheng/go2pc/journal"
	"github.com/xiaoxuxiansheng/go2pc/taskcache"
	"github.com/xiaoxuxiansheng/go2pc/txn"
)

type fixture struct {
	nodeID uuid.UUID
	dir    string
	tm     *TransactionManager
	rm     *componenttest.ResourceManager
	cache  *taskcache.Cache
}

// newFixture opens a manager with one registered resource manager. The reaper tick is
// long enough to stay out of the way.
func newFixture(t *testing.T, nodeID, rmID uuid.UUID, dir string, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		nodeID: nodeID,
		dir:    dir,
		rm:     componenttest.New(rmID),
		cache:  taskcache.New(),
	}
	opts = append([]Option{WithJournalDir(dir), WithMonitorTick(time.Hour)}, opts...)
	f.tm = New(nodeID, f.cache, opts...)
	require.NoError(t, f.tm.Register(context.Background(), f.rm))
	require.NoError(t, f.tm.Open(context.Background()))
	t.Cleanup(func() { _ = f.tm.Close() })
	return f
}

// upToDate brings the resource manager up to date as a single node would.
func (f *fixture) upToDate(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	_, err := f.tm.EvaluateSyncState(ctx, f.rm.ID(), Discovery{Quorum: true})
	require.NoError(t, err)
	require.NoError(t, f.tm.ProcessPostSync(ctx, f.rm.ID()))
	require.Equal(t, UpToDate, f.tm.SyncState(f.rm.ID()))
	return f
}

func (f *fixture) tx(id uint64) *txn.Transaction {
	return &txn.Transaction{
		ID:          id,
		TaskID:      uuid.New(),
		ResourceID:  f.rm.ID(),
		InitiatorID: f.nodeID,
		Payload:     []byte("set x"),
		Timeout:     time.Second,
	}
}

func (f *fixture) commit(t *testing.T, tx *txn.Transaction) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.tm.Start(ctx, tx, nil))
	require.NoError(t, f.tm.Prepare(ctx, tx.ID))
	require.NoError(t, f.tm.Commit(ctx, tx.ID, nil))
}

func (f *fixture) status(t *testing.T, txID uint64) txn.Status {
	t.Helper()
	task, ok := f.cache.GetByTx(txID)
	require.True(t, ok, "tx %d has no task", txID)
	return task.Status
}

// flakyJournal fails appends on demand.
type flakyJournal struct {
	Journal
	failStart    atomic.Bool
	failTerminal atomic.Bool
}

func (j *flakyJournal) Append(e *journal.Entry) error {
	if e.Kind.Terminal() && j.failTerminal.Load() || !e.Kind.Terminal() && j.failStart.Load() {
		return errors.New("no space left on device")
	}
	return j.Journal.Append(e)
}

func flakyJournals(dir string, out **flakyJournal) Option {
	return WithJournalFactory(func(nodeID, resourceID uuid.UUID) Journal {
		j := &flakyJournal{Journal: journal.New(dir, nodeID, resourceID)}
		*out = j
		return j
	})
}
