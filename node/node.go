// Package node assembles the parts of one cluster node: the task cache, the transaction
// manager with its synchronizer and the initiator. It is the surface clients and
// administrators talk to.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/xiaoxuxiansheng/go2pc/cluster"
	"github.com/xiaoxuxiansheng/go2pc/component"
	"github.com/xiaoxuxiansheng/go2pc/initiator"
	"github.com/xiaoxuxiansheng/go2pc/log"
	"github.com/xiaoxuxiansheng/go2pc/taskcache"
	"github.com/xiaoxuxiansheng/go2pc/txmanager"
	"github.com/xiaoxuxiansheng/go2pc/txn"
)

// ErrUnknownTask is returned when no journal on this node knows the task.
var ErrUnknownTask = errors.New("node: unknown task")

type Node struct {
	transport cluster.Transport

	cache        *taskcache.Cache
	manager      *txmanager.TransactionManager
	synchronizer *txmanager.Synchronizer
	initiator    *initiator.Initiator

	mu      sync.Mutex
	running bool
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

// New assembles a node on top of the cluster substrate. The node identity is the one of
// transport.Self(). counters is ignored when cfg.CounterDSN is set. Resource managers may
// be registered before Start.
func New(cfg Config, transport cluster.Transport, counters cluster.Counters, opts ...Option) (*Node, error) {
	cfg.repair()
	if cfg.Log != nil {
		if err := log.Init(*cfg.Log); err != nil {
			return nil, fmt.Errorf("node: init logger: %w", err)
		}
	}

	counters, err := cfg.counters(counters)
	if err != nil {
		return nil, err
	}

	var o Options
	for _, opt := range opts {
		opt(&o)
	}

	cache := taskcache.New(o.Cache...)
	manager := txmanager.New(transport.Self().ID, cache, append(cfg.managerOptions(), o.Manager...)...)
	return &Node{
		transport:    transport,
		cache:        cache,
		manager:      manager,
		synchronizer: txmanager.NewSynchronizer(manager, transport),
		initiator:    initiator.New(transport, counters, cache, append(cfg.initiatorOptions(), o.Initiator...)...),
	}, nil
}

func (n *Node) ID() uuid.UUID {
	return n.manager.NodeID()
}

// Participant is what peers call on this node. The transport serves it.
func (n *Node) Participant() cluster.Participant {
	return n.manager
}

// Start brings the node up:
//  1. the manager recovers the journals
//  2. the shared counters are merged with what the journals recovered
//  3. the synchronizer starts settling the resource managers
//  4. the initiator starts taking queued requests
//  5. the task cache starts purging
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return nil
	}

	// 1
	if err := n.manager.Open(ctx); err != nil {
		return fmt.Errorf("node: open transaction manager: %w", err)
	}

	// 2
	if err := n.initiator.MergeCounters(ctx, n.manager.LastFinished()); err != nil {
		return multierr.Append(fmt.Errorf("node: merge counters: %w", err), n.manager.Close())
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	n.stop = cancel
	n.running = true

	// 3
	n.wg.Add(2)
	go func() {
		defer n.wg.Done()
		n.synchronizer.Run(runCtx)
	}()

	// 4
	n.initiator.Start(runCtx)

	// 5
	go func() {
		defer n.wg.Done()
		n.cache.Run(runCtx)
	}()

	log.InfoContextf(ctx, "node %s started", n.ID())
	return nil
}

// Close stops the node in reverse order. Requests still queued stay queued for the next
// Start.
func (n *Node) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return nil
	}
	n.running = false

	n.initiator.Stop()
	n.stop()
	n.wg.Wait()
	return n.manager.Close()
}

// Restart closes and starts the node again. Every resource manager has to sync before it
// takes part in transactions again.
func (n *Node) Restart(ctx context.Context) error {
	if err := n.Close(); err != nil {
		log.WarnContextf(ctx, "closing node %s for restart: %v", n.ID(), err)
	}
	return n.Start(ctx)
}

// Register adds a resource manager and schedules its sync.
func (n *Node) Register(ctx context.Context, rm component.ResourceManager) error {
	if err := n.manager.Register(ctx, rm); err != nil {
		return err
	}
	n.synchronizer.Trigger(rm.ID())
	return nil
}

func (n *Node) Unregister(ctx context.Context, resourceID uuid.UUID) error {
	return n.manager.Unregister(ctx, resourceID)
}

// Submit queues a transaction on a resource manager and returns the id of its task.
func (n *Node) Submit(ctx context.Context, resourceID uuid.UUID, payload []byte) (uuid.UUID, error) {
	return n.initiator.Submit(ctx, resourceID, payload)
}

// Task returns the task as this node knows it.
func (n *Node) Task(ctx context.Context, taskID uuid.UUID) (*txn.Task, error) {
	task, ok, err := n.cache.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, taskID)
	}
	return task, nil
}

// Tasks lists the cached tasks, of one resource manager if resourceID is set.
func (n *Node) Tasks(resourceID *uuid.UUID) []*txn.Task {
	return n.cache.List(resourceID)
}

// Cancel always fails with initiator.ErrCancelUnsupported.
func (n *Node) Cancel(ctx context.Context, taskID uuid.UUID) error {
	return n.initiator.Cancel(ctx, taskID)
}

func (n *Node) ResourceManagers() []txmanager.ResourceManagerInfo {
	return n.manager.ResourceManagers()
}

func (n *Node) SyncState(resourceID uuid.UUID) txmanager.SyncState {
	return n.manager.SyncState(resourceID)
}

// OnStateChange subscribes fn to sync state changes of the local resource managers.
func (n *Node) OnStateChange(fn func(txmanager.StateChange)) (cancel func()) {
	return n.manager.OnStateChange(fn)
}

// Members is the cluster membership as this node sees it.
func (n *Node) Members() []cluster.Member {
	return n.transport.Members()
}

// QueueLength is the number of requests waiting for the initiator.
func (n *Node) QueueLength() int {
	return n.initiator.QueueLength()
}
