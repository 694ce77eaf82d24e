package txmanager

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxuxiansheng/go2pc/cluster"
	"github.com/xiaoxuxiansheng/go2pc/txn"
)

// joinFixture joins a fresh manager for rmID to the hub.
func joinFixture(t *testing.T, hub *cluster.Hub, rmID uuid.UUID) (*fixture, *cluster.Endpoint) {
	t.Helper()
	nodeID := uuid.New()
	ep := hub.Join(cluster.Node{ID: nodeID, Address: nodeID.String()})
	f := newFixture(t, nodeID, rmID, t.TempDir(), WithCallTimeout(time.Second))
	require.NoError(t, hub.Attach(nodeID, f.tm))
	return f, ep
}

// TestLateReplicaCatchesUp syncs an empty replica against a peer with history.
func TestLateReplicaCatchesUp(t *testing.T) {
	hub := cluster.NewHub()
	rmID := uuid.New()
	ctx := context.Background()

	a, _ := joinFixture(t, hub, rmID)
	a.upToDate(t)
	a.commit(t, a.tx(1))
	a.commit(t, a.tx(2))
	require.NoError(t, a.tm.Start(ctx, a.tx(3), nil))
	require.NoError(t, a.tm.Rollback(ctx, 3, txn.CodeRollback, nil))

	b, epB := joinFixture(t, hub, rmID)
	var changes changeLog
	defer b.tm.OnStateChange(changes.record)()

	s := NewSynchronizer(b.tm, epB)
	d := s.Discover(ctx, rmID)
	assert.True(t, d.Quorum)
	assert.Equal(t, uint64(3), d.LastCompleted)

	require.NoError(t, s.Sync(ctx, rmID))
	assert.Equal(t, UpToDate, b.tm.SyncState(rmID))
	assert.Equal(t, []SyncState{Late, Synchronizing, Undetermined, PostSyncProcessing, UpToDate}, changes.states())
	assert.Equal(t, a.rm.Committed(), b.rm.Committed())
	assert.Equal(t, []uint64{3}, b.rm.RolledBack())
	assert.Equal(t, uint64(3), b.tm.LastFinished())
	assert.Equal(t, 1, b.rm.PostSyncs())
}

func TestSyncWithoutQuorum(t *testing.T) {
	hub := cluster.NewHub()
	rmID := uuid.New()
	b, epB := joinFixture(t, hub, rmID)
	for i := 0; i < 2; i++ {
		id := uuid.New()
		hub.Join(cluster.Node{ID: id})
		require.NoError(t, hub.SetOnline(id, false))
	}

	s := NewSynchronizer(b.tm, epB)
	assert.ErrorIs(t, s.Sync(context.Background(), rmID), ErrNoQuorum)
	assert.Equal(t, Undetermined, b.tm.SyncState(rmID))
}

// TestRunSettlesNewRegistrations checks the background loop brings a replica up to date
// without an explicit trigger.
func TestRunSettlesNewRegistrations(t *testing.T) {
	hub := cluster.NewHub()
	rmID := uuid.New()
	a, _ := joinFixture(t, hub, rmID)
	a.upToDate(t)
	a.commit(t, a.tx(1))
	b, epB := joinFixture(t, hub, rmID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewSynchronizer(b.tm, epB).Run(ctx)

	require.Eventually(t, func() bool {
		return b.tm.SyncState(rmID) == UpToDate
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint64{1}, b.rm.Committed())
}
