package cluster

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Names of the cluster wide counters.
const (
	// NextTxID holds the last allocated transaction id.
	NextTxID = "go2pc.next-tx-id"
	// LastFinishedTxID counts transactions that reached an outcome.
	LastFinishedTxID = "go2pc.last-finished-tx-id"
)

// Counter is a cluster wide register with compare-and-set. Missing counters read as 0.
type Counter interface {
	Get(ctx context.Context) (uint64, error)
	CompareAndSet(ctx context.Context, expect, update uint64) (bool, error)
}

type Counters interface {
	Counter(name string) Counter
}

const maxCASAttempts = 1000

var errContention = errors.New("cluster: counter contention")

// Increment adds one and returns the new value.
func Increment(ctx context.Context, c Counter) (uint64, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := c.Get(ctx)
		if err != nil {
			return 0, err
		}
		ok, err := c.CompareAndSet(ctx, cur, cur+1)
		if err != nil {
			return 0, err
		}
		if ok {
			return cur + 1, nil
		}
		if err = ctx.Err(); err != nil {
			return 0, err
		}
	}
	return 0, errContention
}

// Advance raises the counter to target if it is lower and returns the resulting value.
func Advance(ctx context.Context, c Counter, target uint64) (uint64, error) {
	for attempt := 0; attempt < maxCASAttempts; attempt++ {
		cur, err := c.Get(ctx)
		if err != nil {
			return 0, err
		}
		if cur >= target {
			return cur, nil
		}
		ok, err := c.CompareAndSet(ctx, cur, target)
		if err != nil {
			return 0, err
		}
		if ok {
			return target, nil
		}
		if err = ctx.Err(); err != nil {
			return 0, err
		}
	}
	return 0, fmt.Errorf("advance to %d: %w", target, errContention)
}

// MemoryCounters keeps counters in process. It is shared by every endpoint of a Hub.
type MemoryCounters struct {
	mu     sync.Mutex
	values map[string]*memoryCounter
}

func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{values: make(map[string]*memoryCounter)}
}

func (m *MemoryCounters) Counter(name string) Counter {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.values[name]
	if !ok {
		c = &memoryCounter{}
		m.values[name] = c
	}
	return c
}

type memoryCounter struct {
	mu    sync.Mutex
	value uint64
}

func (c *memoryCounter) Get(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value, nil
}

func (c *memoryCounter) CompareAndSet(_ context.Context, expect, update uint64) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.value != expect {
		return false, nil
	}
	c.value = update
	return true, nil
}
