package initiator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoxuxiansheng/go2pc/cluster"
	"github.com/xiaoxuxiansheng/go2pc/journal"
	"github.com/xiaoxuxiansheng/go2pc/taskcache"
	"github.com/xiaoxuxiansheng/go2pc/txn"
)

// peer is a scripted participant. A non nil phase error is returned for every call.
type peer struct {
	mu         sync.Mutex
	startErr   error
	prepareErr error
	block      bool
	calls      []string
	rollbacks  []txn.Code
}

func (p *peer) record(call string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, call)
}

// set changes the script under the peer's lock.
func (p *peer) set(fn func(p *peer)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fn(p)
}

func (p *peer) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

func (p *peer) Start(ctx context.Context, _ *txn.Transaction, _ []uuid.UUID) error {
	p.record("start")
	p.mu.Lock()
	block, err := p.block, p.startErr
	p.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

func (p *peer) Prepare(context.Context, uint64) error {
	p.record("prepare")
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.prepareErr
}

func (p *peer) Commit(context.Context, uint64, []uuid.UUID) error {
	p.record("commit")
	return nil
}

func (p *peer) Rollback(_ context.Context, _ uint64, code txn.Code, _ []uuid.UUID) error {
	p.record("rollback")
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollbacks = append(p.rollbacks, code)
	return nil
}

func (p *peer) LastCompleted(context.Context, uuid.UUID) (uint64, error) { return 0, nil }

func (p *peer) Extract(context.Context, uuid.UUID, uint64, uint64) ([]*journal.Entry, error) {
	return nil, nil
}

type testCluster struct {
	hub   *cluster.Hub
	nodes []cluster.Node
	peers []*peer
	self  *cluster.Endpoint
	cache *taskcache.Cache
	init  *Initiator
}

// newTestCluster joins n scripted peers; the initiator runs on the first one.
func newTestCluster(t *testing.T, n int, opts ...Option) *testCluster {
	t.Helper()
	c := &testCluster{hub: cluster.NewHub(), cache: taskcache.New()}
	for k := 0; k < n; k++ {
		node := cluster.Node{ID: uuid.New()}
		ep := c.hub.Join(node)
		p := &peer{}
		require.NoError(t, c.hub.Attach(node.ID, p))
		c.nodes = append(c.nodes, node)
		c.peers = append(c.peers, p)
		if k == 0 {
			c.self = ep
		}
	}
	opts = append([]Option{WithTxTimeout(time.Second), WithPollInterval(time.Millisecond)}, opts...)
	c.init = New(c.self, c.self, c.cache, opts...)
	c.init.Start(context.Background())
	t.Cleanup(c.init.Stop)
	return c
}

// run submits one request and waits for its terminal status.
func (c *testCluster) run(t *testing.T) *txn.Task {
	t.Helper()
	taskID, err := c.init.Submit(context.Background(), uuid.New(), []byte("x=1"))
	require.NoError(t, err)
	var task *txn.Task
	require.Eventually(t, func() bool {
		task, _, err = c.cache.Get(context.Background(), taskID)
		return err == nil && task != nil && task.Status.Terminal()
	}, 10*time.Second, time.Millisecond)
	return task
}

func (c *testCluster) counter(t *testing.T, name string) uint64 {
	t.Helper()
	v, err := c.hub.Counter(name).Get(context.Background())
	require.NoError(t, err)
	return v
}

// lastFinished waits for the counter, which is bumped after the task is resolved.
func (c *testCluster) lastFinished(t *testing.T, want uint64) {
	t.Helper()
	require.Eventually(t, func() bool {
		return c.counter(t, cluster.LastFinishedTxID) == want
	}, 5*time.Second, time.Millisecond)
}

// TestQuorumBoundary fails START on a growing number of peers.
func TestQuorumBoundary(t *testing.T) {
	for _, tc := range []struct {
		n, failing int
		want       txn.Status
	}{
		{n: 3, failing: 0, want: txn.StatusCommitted},
		{n: 3, failing: 1, want: txn.StatusCommitted},
		{n: 3, failing: 2, want: txn.StatusRolledBack},
		{n: 5, failing: 2, want: txn.StatusCommitted},
		{n: 5, failing: 3, want: txn.StatusRolledBack},
	} {
		c := newTestCluster(t, tc.n)
		for k := 0; k < tc.failing; k++ {
			c.peers[tc.n-1-k].set(func(p *peer) { p.startErr = txn.Errorf(txn.CodeUnavailable, 0, "not up to date") })
		}
		task := c.run(t)
		assert.Equal(t, tc.want, task.Status, "n=%d failing=%d", tc.n, tc.failing)
		assert.Equal(t, uint64(1), task.TxID)
		c.lastFinished(t, 1)

		if tc.want == txn.StatusCommitted {
			for k := 0; k < tc.n-tc.failing; k++ {
				assert.Equal(t, []string{"start", "prepare", "commit"}, c.peers[k].Calls())
			}
		}
	}
}

func TestNoQuorumOnlineMakesNoCalls(t *testing.T) {
	c := newTestCluster(t, 3)
	require.NoError(t, c.hub.SetOnline(c.nodes[1].ID, false))
	require.NoError(t, c.hub.SetOnline(c.nodes[2].ID, false))

	task := c.run(t)
	assert.Equal(t, txn.StatusRolledBack, task.Status)
	assert.Zero(t, task.TxID)
	for _, p := range c.peers {
		assert.Empty(t, p.Calls())
	}
	assert.Zero(t, c.counter(t, cluster.NextTxID))
}

// TestPrepareVetoRollsBackTheOthers checks the vetoing peer is left out of the rollback.
func TestPrepareVetoRollsBackTheOthers(t *testing.T) {
	c := newTestCluster(t, 3)
	c.peers[2].set(func(p *peer) { p.prepareErr = txn.Errorf(txn.CodeIntegrity, 1, "constraint violated") })

	task := c.run(t)
	assert.Equal(t, txn.StatusRolledBack, task.Status)
	for k := 0; k < 2; k++ {
		assert.Equal(t, []string{"start", "prepare", "rollback"}, c.peers[k].Calls())
		c.peers[k].set(func(p *peer) { assert.Equal(t, []txn.Code{txn.CodeIntegrity}, p.rollbacks) })
	}
	assert.Equal(t, []string{"start", "prepare"}, c.peers[2].Calls())
}

// TestStartFailureRollsBackStarted checks a failed START is rolled back where it may have
// left a branch and not where the branch is already resolved.
func TestStartFailureRollsBackStarted(t *testing.T) {
	c := newTestCluster(t, 3)
	c.peers[1].set(func(p *peer) { p.startErr = txn.Errorf(txn.CodeUnknownTx, 1, "already finished") })
	c.peers[2].set(func(p *peer) { p.startErr = txn.Errorf(txn.CodeInternal, 1, "disk error") })

	task := c.run(t)
	assert.Equal(t, txn.StatusRolledBack, task.Status)
	assert.Equal(t, []string{"start", "rollback"}, c.peers[0].Calls())
	assert.Equal(t, []string{"start"}, c.peers[1].Calls())
	assert.Equal(t, []string{"start", "rollback"}, c.peers[2].Calls())
}

func TestRollbackSet(t *testing.T) {
	ok, comm, proto, nota, rb, dead, unavail := uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New(), uuid.New()
	set := rollbackSet(map[uuid.UUID]error{
		ok:      nil,
		comm:    txn.Errorf(txn.CodeCommFailure, 1, "no answer"),
		proto:   txn.Errorf(txn.CodeProtocol, 1, "out of order"),
		nota:    txn.Errorf(txn.CodeUnknownTx, 1, "unknown"),
		rb:      txn.Errorf(txn.CodeRollback, 1, "vote"),
		dead:    txn.Errorf(txn.CodeDeadlock, 1, "deadlock"),
		unavail: txn.Errorf(txn.CodeUnavailable, 1, "late"),
	})
	assert.ElementsMatch(t, []uuid.UUID{ok, comm, proto, unavail}, set)
}

// TestLastFinishedCountsEveryAllocatedID mixes outcomes and expects the counters to agree.
func TestLastFinishedCountsEveryAllocatedID(t *testing.T) {
	c := newTestCluster(t, 3)
	c.run(t)
	c.peers[1].set(func(p *peer) { p.prepareErr = txn.Errorf(txn.CodeRollback, 0, "vote") })
	c.run(t)
	late := txn.Errorf(txn.CodeUnavailable, 0, "late")
	c.peers[1].set(func(p *peer) { p.prepareErr, p.startErr = nil, late })
	c.peers[2].set(func(p *peer) { p.startErr = late })
	c.run(t)

	assert.Equal(t, uint64(3), c.counter(t, cluster.NextTxID))
	c.lastFinished(t, 3)
}

// TestBarrierAdvancesAfterTimeout leaves an earlier transaction unfinished, as a crashed
// coordinator would.
func TestBarrierAdvancesAfterTimeout(t *testing.T) {
	c := newTestCluster(t, 3, WithTxTimeout(100*time.Millisecond))
	_, err := cluster.Increment(context.Background(), c.hub.Counter(cluster.NextTxID))
	require.NoError(t, err)

	begin := time.Now()
	task := c.run(t)
	assert.Equal(t, txn.StatusCommitted, task.Status)
	assert.Equal(t, uint64(2), task.TxID)
	assert.GreaterOrEqual(t, time.Since(begin), 90*time.Millisecond)
	c.lastFinished(t, 2)
}

// TestFinishOutOfOrder finishes tx 6, which failed early, before tx 5 of another initiator.
func TestFinishOutOfOrder(t *testing.T) {
	c := newTestCluster(t, 1)
	ctx := context.Background()
	_, err := cluster.Advance(ctx, c.hub.Counter(cluster.LastFinishedTxID), 4)
	require.NoError(t, err)

	c.init.finished(ctx, 6)
	c.init.finished(ctx, 5)
	assert.Equal(t, uint64(6), c.counter(t, cluster.LastFinishedTxID))
}

// TestOfflineTargetIsNotWaitedFor checks a target that goes offline mid call is dropped
// before the phase timeout.
func TestOfflineTargetIsNotWaitedFor(t *testing.T) {
	c := newTestCluster(t, 3, WithTxTimeout(5*time.Second))
	c.peers[2].set(func(p *peer) { p.block = true })
	go func() {
		for len(c.peers[2].Calls()) == 0 {
			time.Sleep(time.Millisecond)
		}
		_ = c.hub.SetOnline(c.nodes[2].ID, false)
	}()

	begin := time.Now()
	task := c.run(t)
	assert.Equal(t, txn.StatusCommitted, task.Status)
	assert.Less(t, time.Since(begin), 5*time.Second)
	assert.Equal(t, []string{"start"}, c.peers[2].Calls())
}

func TestSubmitBoundaries(t *testing.T) {
	c := newTestCluster(t, 1, WithQueueSize(1))
	ctx := context.Background()
	assert.ErrorIs(t, c.init.Cancel(ctx, uuid.New()), ErrCancelUnsupported)

	c.peers[0].set(func(p *peer) { p.block = true })
	first, err := c.init.Submit(ctx, uuid.New(), nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return c.init.QueueLength() == 0 && c.init.Pending(first)
	}, time.Second, time.Millisecond)

	second, err := c.init.Submit(ctx, uuid.New(), nil)
	require.NoError(t, err)
	assert.True(t, c.init.Pending(second))
	_, err = c.init.Submit(ctx, uuid.New(), nil)
	assert.ErrorIs(t, err, ErrQueueFull)

	task, ok, err := c.cache.Get(ctx, second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, txn.StatusPending, task.Status)

	c.init.Stop()
	_, err = c.init.Submit(ctx, uuid.New(), nil)
	assert.ErrorIs(t, err, ErrStopped)
}
