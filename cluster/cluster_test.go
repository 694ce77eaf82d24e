package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xiaoxuxiansheng/redis_lock"
	"github.com/xiaoxuxiansheng/go2pc/journal"
	"github.com/xiaoxuxiansheng/go2pc/txn"
)

type nopParticipant struct{}

func (nopParticipant) Start(context.Context, *txn.Transaction, []uuid.UUID) error { return nil }
func (nopParticipant) Prepare(context.Context, uint64) error                     { return nil }
func (nopParticipant) Commit(context.Context, uint64, []uuid.UUID) error         { return nil }
func (nopParticipant) Rollback(context.Context, uint64, txn.Code, []uuid.UUID) error {
	return nil
}
func (nopParticipant) LastCompleted(context.Context, uuid.UUID) (uint64, error) { return 0, nil }
func (nopParticipant) Extract(context.Context, uuid.UUID, uint64, uint64) ([]*journal.Entry, error) {
	return nil, nil
}

func TestQuorum(t *testing.T) {
	for n, want := range map[int]int{1: 1, 2: 2, 3: 2, 4: 3, 5: 3} {
		assert.Equal(t, want, Quorum(n), "n=%d", n)
	}
}

// TestHubMembership checks members, peer lookup and events as nodes come and go.
func TestHubMembership(t *testing.T) {
	hub := NewHub()
	a := hub.Join(Node{ID: uuid.New(), Address: "a"})

	var mu sync.Mutex
	var events []Event
	cancel := a.Subscribe(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	b := hub.Join(Node{ID: uuid.New(), Address: "b"})
	require.Len(t, a.Members(), 2)

	_, err := a.Peer(b.Self().ID)
	require.ErrorIs(t, err, ErrUnreachable, "no participant attached yet")
	require.NoError(t, hub.Attach(b.Self().ID, nopParticipant{}))
	p, err := a.Peer(b.Self().ID)
	require.NoError(t, err)
	require.NotNil(t, p)

	require.NoError(t, hub.SetOnline(b.Self().ID, false))
	require.NoError(t, hub.SetOnline(b.Self().ID, false))
	_, err = a.Peer(b.Self().ID)
	require.ErrorIs(t, err, ErrUnreachable)
	assert.Len(t, Online(a.Members()), 1)

	_, err = a.Peer(uuid.New())
	require.ErrorIs(t, err, ErrUnknownNode)
	require.ErrorIs(t, hub.SetOnline(uuid.New(), true), ErrUnknownNode)

	cancel()
	require.NoError(t, hub.SetOnline(b.Self().ID, true))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2, "join and one offline transition")
	assert.True(t, events[0].Online)
	assert.Equal(t, "b", events[0].Node.Address)
	assert.False(t, events[1].Online)
}

// TestIncrementIsLinear checks concurrent increments hand out distinct values.
func TestIncrementIsLinear(t *testing.T) {
	c := NewMemoryCounters().Counter(NextTxID)
	ctx := context.Background()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint64]bool)
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				v, err := Increment(ctx, c)
				assert.NoError(t, err)
				mu.Lock()
				assert.False(t, seen[v], "duplicate %d", v)
				seen[v] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	v, err := c.Get(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 400, v)
}

func TestAdvanceNeverLowers(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCounters().Counter(LastFinishedTxID)

	v, err := Advance(ctx, c, 10)
	require.NoError(t, err)
	assert.EqualValues(t, 10, v)

	v, err = Advance(ctx, c, 4)
	require.NoError(t, err)
	assert.EqualValues(t, 10, v)

	ok, err := c.CompareAndSet(ctx, 9, 11)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEndpointsShareCounters(t *testing.T) {
	hub := NewHub()
	a := hub.Join(Node{ID: uuid.New()})
	b := hub.Join(Node{ID: uuid.New()})
	ctx := context.Background()

	_, err := Increment(ctx, a.Counter(NextTxID))
	require.NoError(t, err)
	v, err := b.Counter(NextTxID).Get(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)
}

// contended fails the first misses compare-and-sets as if another writer held the lock.
type contended struct {
	Counter
	mu     sync.Mutex
	misses int
}

func (c *contended) CompareAndSet(ctx context.Context, expect, update uint64) (bool, error) {
	c.mu.Lock()
	if c.misses > 0 {
		c.misses--
		c.mu.Unlock()
		return lockMiss("contended", fmt.Errorf("reply: 0, err: %w", redis_lock.ErrLockAcquiredByOthers))
	}
	c.mu.Unlock()
	return c.Counter.CompareAndSet(ctx, expect, update)
}

// TestLockContentionIsRetried checks a lock held by another writer is a miss, not a failure.
func TestLockContentionIsRetried(t *testing.T) {
	ctx := context.Background()
	c := &contended{Counter: NewMemoryCounters().Counter(NextTxID), misses: 5}

	v, err := Increment(ctx, c)
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)

	c.misses = 3
	v, err = Advance(ctx, c, 7)
	require.NoError(t, err)
	assert.EqualValues(t, 7, v)

	ok, err := lockMiss("k", errors.New("dial tcp: connection refused"))
	assert.False(t, ok)
	assert.Error(t, err)
}
