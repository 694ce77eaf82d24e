package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxuxiansheng/go2pc/cluster"
	"github.com/xiaoxuxiansheng/go2pc/component/componenttest"
	"github.com/xiaoxuxiansheng/go2pc/initiator"
	"github.com/xiaoxuxiansheng/go2pc/journal"
	"github.com/xiaoxuxiansheng/go2pc/txmanager"
	"github.com/xiaoxuxiansheng/go2pc/txn"
)

const waitFor = 10 * time.Second

type testNode struct {
	*Node
	rm  *componenttest.ResourceManager
	dir string
}

// join adds a node with one registered resource manager to the hub. The node is not
// started.
func join(t *testing.T, hub *cluster.Hub, rmID uuid.UUID) *testNode {
	t.Helper()
	id := uuid.New()
	ep := hub.Join(cluster.Node{ID: id, Address: id.String()})
	dir := t.TempDir()
	n, err := New(Config{
		JournalDir:    dir,
		TxTimeout:     500 * time.Millisecond,
		PollInterval:  time.Millisecond,
		MonitorTick:   10 * time.Millisecond,
		ReapFactor:    2,
		DiscoveryTick: 20 * time.Millisecond,
	}, ep, ep)
	require.NoError(t, err)
	require.NoError(t, hub.Attach(id, n.Participant()))

	tn := &testNode{Node: n, rm: componenttest.New(rmID), dir: dir}
	require.NoError(t, n.Register(context.Background(), tn.rm))
	t.Cleanup(func() { _ = n.Close() })
	return tn
}

func (n *testNode) start(t *testing.T) {
	t.Helper()
	require.NoError(t, n.Start(context.Background()))
}

func (n *testNode) waitUpToDate(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return n.SyncState(n.rm.ID()) == txmanager.UpToDate
	}, waitFor, time.Millisecond, "node %s never got up to date", n.ID())
}

func (n *testNode) waitStatus(t *testing.T, taskID uuid.UUID, want txn.Status) *txn.Task {
	t.Helper()
	var task *txn.Task
	require.Eventually(t, func() bool {
		var err error
		task, err = n.Task(context.Background(), taskID)
		return err == nil && task.Status == want
	}, waitFor, time.Millisecond, "task %s on node %s never reached %s", taskID, n.ID(), want)
	return task
}

// journaled lists the entry kinds the node's journal holds for txID.
func (n *testNode) journaled(t *testing.T, txID uint64) []journal.Kind {
	t.Helper()
	var kinds []journal.Kind
	require.NoError(t, journal.New(n.dir, n.ID(), n.rm.ID()).Replay(func(e *journal.Entry) error {
		if e.TxID == txID {
			kinds = append(kinds, e.Kind)
		}
		return nil
	}))
	return kinds
}

// newTestCluster starts n nodes sharing one resource manager and waits until it is up
// to date everywhere.
func newTestCluster(t *testing.T, n int) (*cluster.Hub, uuid.UUID, []*testNode) {
	t.Helper()
	hub := cluster.NewHub()
	rmID := uuid.New()
	nodes := make([]*testNode, 0, n)
	for k := 0; k < n; k++ {
		nodes = append(nodes, join(t, hub, rmID))
	}
	for _, tn := range nodes {
		tn.start(t)
	}
	for _, tn := range nodes {
		tn.waitUpToDate(t)
	}
	return hub, rmID, nodes
}

func TestHappyPath(t *testing.T) {
	_, rmID, nodes := newTestCluster(t, 3)

	taskID, err := nodes[0].Submit(context.Background(), rmID, []byte("x=1"))
	require.NoError(t, err)

	for _, n := range nodes {
		task := n.waitStatus(t, taskID, txn.StatusCommitted)
		assert.Equal(t, uint64(1), task.TxID)
		assert.Equal(t, "x=1", task.Description)
		assert.Equal(t, []journal.Kind{journal.KindStart, journal.KindCommit}, n.journaled(t, 1))
		assert.Equal(t, []uint64{1}, n.rm.Committed())
	}
}

// TestMinorityPrepareFailure vetoes on one node out of three.
func TestMinorityPrepareFailure(t *testing.T) {
	_, rmID, nodes := newTestCluster(t, 3)
	nodes[2].rm.SetHooks(componenttest.Hooks{
		Prepare: func(context.Context, *txn.Transaction) (bool, error) { return false, nil },
	})

	taskID, err := nodes[0].Submit(context.Background(), rmID, []byte("x=2"))
	require.NoError(t, err)

	for _, n := range nodes {
		n.waitStatus(t, taskID, txn.StatusRolledBack)
		assert.Equal(t, []uint64{1}, n.rm.RolledBack())
		assert.Empty(t, n.rm.Committed())
		assert.Equal(t, []journal.Kind{journal.KindStart, journal.KindRollback}, n.journaled(t, 1))
	}
}

type stateLog struct {
	mu     sync.Mutex
	states []txmanager.SyncState
}

func (l *stateLog) record(c txmanager.StateChange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, c.To)
}

func (l *stateLog) get() []txmanager.SyncState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]txmanager.SyncState(nil), l.states...)
}

// TestLateNode joins a third node after two transactions committed on the other two.
func TestLateNode(t *testing.T) {
	hub, rmID, nodes := newTestCluster(t, 2)
	for k := 0; k < 2; k++ {
		taskID, err := nodes[0].Submit(context.Background(), rmID, []byte("x=3"))
		require.NoError(t, err)
		nodes[1].waitStatus(t, taskID, txn.StatusCommitted)
	}

	id := uuid.New()
	ep := hub.Join(cluster.Node{ID: id})
	dir := t.TempDir()
	late, err := New(Config{JournalDir: dir, TxTimeout: 500 * time.Millisecond, DiscoveryTick: 20 * time.Millisecond}, ep, ep)
	require.NoError(t, err)
	require.NoError(t, hub.Attach(id, late.Participant()))
	t.Cleanup(func() { _ = late.Close() })

	var changes stateLog
	defer late.OnStateChange(changes.record)()
	rm := componenttest.New(rmID)
	require.NoError(t, late.Register(context.Background(), rm))
	require.NoError(t, late.Start(context.Background()))

	require.Eventually(t, func() bool {
		return late.SyncState(rmID) == txmanager.UpToDate
	}, waitFor, time.Millisecond)
	assert.Equal(t, []txmanager.SyncState{
		txmanager.Undetermined,
		txmanager.Late,
		txmanager.Synchronizing,
		txmanager.Undetermined,
		txmanager.PostSyncProcessing,
		txmanager.UpToDate,
	}, changes.get())
	assert.Equal(t, []uint64{1, 2}, rm.Committed())

	infos := late.ResourceManagers()
	require.Len(t, infos, 1)
	assert.Equal(t, uint64(2), infos[0].LastCompleted)
	last, err := journal.New(dir, id, rmID).LastCompleted()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)
}

// TestCoordinatorCrash stops the coordinator after every branch started. The peers time
// the branch out, the coordinator resyncs on restart and the next transaction commits.
func TestCoordinatorCrash(t *testing.T) {
	hub, rmID, nodes := newTestCluster(t, 3)
	ctx := context.Background()
	coordinator := nodes[0]

	// 1. what the coordinator got done before it crashed
	txID, err := cluster.Increment(ctx, hub.Counter(cluster.NextTxID))
	require.NoError(t, err)
	tx := &txn.Transaction{
		ID:          txID,
		TaskID:      uuid.New(),
		ResourceID:  rmID,
		InitiatorID: coordinator.ID(),
		Payload:     []byte("x=4"),
		Timeout:     50 * time.Millisecond,
	}
	participants := []uuid.UUID{nodes[0].ID(), nodes[1].ID(), nodes[2].ID()}
	for _, n := range nodes {
		require.NoError(t, n.Participant().Start(ctx, tx, participants))
	}
	require.NoError(t, coordinator.Close())
	require.NoError(t, hub.SetOnline(coordinator.ID(), false))

	// 2. the peers abort on timeout
	for _, n := range nodes[1:] {
		n.waitStatus(t, tx.TaskID, txn.StatusRolledBack)
	}

	// 3. the coordinator comes back and catches up
	require.NoError(t, hub.SetOnline(coordinator.ID(), true))
	coordinator.start(t)
	coordinator.waitUpToDate(t)
	coordinator.waitStatus(t, tx.TaskID, txn.StatusRolledBack)

	// 4. business as usual
	taskID, err := coordinator.Submit(ctx, rmID, []byte("x=5"))
	require.NoError(t, err)
	for _, n := range nodes {
		task := n.waitStatus(t, taskID, txn.StatusCommitted)
		assert.Equal(t, txID+1, task.TxID)
	}
}

func TestClientSurface(t *testing.T) {
	_, rmID, nodes := newTestCluster(t, 1)
	n := nodes[0]
	ctx := context.Background()

	_, err := n.Task(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrUnknownTask)
	assert.ErrorIs(t, n.Cancel(ctx, uuid.New()), initiator.ErrCancelUnsupported)

	taskID, err := n.Submit(ctx, rmID, []byte("x=6"))
	require.NoError(t, err)
	n.waitStatus(t, taskID, txn.StatusCommitted)

	other := uuid.New()
	assert.Len(t, n.Tasks(&rmID), 1)
	assert.Empty(t, n.Tasks(&other))
	assert.Len(t, n.Tasks(nil), 1)
	assert.Zero(t, n.QueueLength())
	assert.Len(t, n.Members(), 1)

	infos := n.ResourceManagers()
	require.Len(t, infos, 1)
	assert.Equal(t, txmanager.UpToDate, infos[0].State)
	assert.NotEmpty(t, infos[0].JournalPath)
}

// TestRestartKeepsHistory restarts a single node; its tasks come back from the journal and
// the resource manager has to sync again.
func TestRestartKeepsHistory(t *testing.T) {
	_, rmID, nodes := newTestCluster(t, 1)
	n := nodes[0]
	ctx := context.Background()

	taskID, err := n.Submit(ctx, rmID, []byte("x=7"))
	require.NoError(t, err)
	n.waitStatus(t, taskID, txn.StatusCommitted)

	require.NoError(t, n.Restart(ctx))
	n.waitUpToDate(t)
	task, err := n.Task(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, txn.StatusCommitted, task.Status)

	next, err := n.Submit(ctx, rmID, []byte("x=8"))
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n.waitStatus(t, next, txn.StatusCommitted).TxID)
}

func TestCounterDSNIsUsed(t *testing.T) {
	hub := cluster.NewHub()
	ep := hub.Join(cluster.Node{ID: uuid.New()})

	_, err := New(Config{JournalDir: t.TempDir(), CounterDSN: "not a dsn"}, ep, ep)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "counter database")
}
