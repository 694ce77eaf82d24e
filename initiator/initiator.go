package initiator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/xiaoxuxiansheng/go2pc/cluster"
	"github.com/xiaoxuxiansheng/go2pc/log"
	"github.com/xiaoxuxiansheng/go2pc/taskcache"
	"github.com/xiaoxuxiansheng/go2pc/txn"
)

// Initiator, the coordinator side of the protocol
// 1. Submit queues a request and records a PENDING task.
// 2. A single worker takes one request at a time and drives it:
//  2.1 too few members online -> ROLLED_BACK without any call
//  2.2 allocate the transaction id from the cluster wide counter
//  2.3 START on every online member, a quorum must succeed
//  2.4 wait until every earlier transaction finished (prepare barrier)
//  2.5 PREPARE on the members that started, a quorum must succeed and nobody may veto
//  2.6 COMMIT
//  2.7 whatever happened, count the id as finished exactly once
// 3. A failed phase is rolled back on every member that may still hold the branch.

var (
	// ErrStopped is returned by Submit while the initiator is not running.
	ErrStopped = errors.New("initiator: stopped")
	// ErrQueueFull is returned by Submit when QueueSize requests are waiting.
	ErrQueueFull = errors.New("initiator: request queue full")
	// ErrCancelUnsupported is returned by Cancel.
	ErrCancelUnsupported = errors.New("initiator: cancel is not supported")
)

// Request is one submitted payload waiting for the worker.
type Request struct {
	TaskID     uuid.UUID
	ResourceID uuid.UUID
	Payload    []byte
	Submitted  time.Time
}

type Initiator struct {
	opts         *Options
	transport    cluster.Transport
	nextID       cluster.Counter
	lastFinished cluster.Counter
	cache        *taskcache.Cache
	metrics      *initiatorMetrics

	// sem guards queue and current: enqueue, dequeue and status reads never interleave.
	sem     *semaphore.Weighted
	queue   []*Request
	current *Request
	wake    chan struct{}

	mu      sync.Mutex
	running bool
	stop    context.CancelFunc
	done    chan struct{}
}

func New(transport cluster.Transport, counters cluster.Counters, cache *taskcache.Cache, opts ...Option) *Initiator {
	i := Initiator{
		opts:         &Options{},
		transport:    transport,
		nextID:       counters.Counter(cluster.NextTxID),
		lastFinished: counters.Counter(cluster.LastFinishedTxID),
		cache:        cache,
		metrics:      newInitiatorMetrics(),
		sem:          semaphore.NewWeighted(1),
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(i.opts)
	}
	repair(i.opts)
	return &i
}

// Start launches the worker. Requests queued while stopped are picked up.
func (i *Initiator) Start(ctx context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.running {
		return
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	i.running = true
	i.stop = cancel
	i.done = make(chan struct{})
	go i.run(runCtx, i.done)
	i.signal()
}

// Stop ends the worker and waits for the request in progress.
func (i *Initiator) Stop() {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return
	}
	i.running = false
	i.stop()
	done := i.done
	i.mu.Unlock()
	<-done
}

func (i *Initiator) signal() {
	select {
	case i.wake <- struct{}{}:
	default:
	}
}

// Submit queues payload for the resource manager and returns the id of its task.
func (i *Initiator) Submit(ctx context.Context, resourceID uuid.UUID, payload []byte) (uuid.UUID, error) {
	i.mu.Lock()
	running := i.running
	i.mu.Unlock()
	if !running {
		return uuid.Nil, ErrStopped
	}

	if err := i.sem.Acquire(ctx, 1); err != nil {
		return uuid.Nil, err
	}
	if len(i.queue) >= i.opts.QueueSize {
		i.sem.Release(1)
		return uuid.Nil, ErrQueueFull
	}
	req := &Request{
		TaskID:     uuid.New(),
		ResourceID: resourceID,
		Payload:    payload,
		Submitted:  time.Now(),
	}
	i.queue = append(i.queue, req)
	i.cache.Put(&txn.Task{
		TaskID:     req.TaskID,
		ResourceID: resourceID,
		Status:     txn.StatusPending,
	})
	i.sem.Release(1)

	i.signal()
	return req.TaskID, nil
}

// QueueLength counts requests not yet taken by the worker.
func (i *Initiator) QueueLength() int {
	if err := i.sem.Acquire(context.Background(), 1); err != nil {
		return 0
	}
	defer i.sem.Release(1)
	return len(i.queue)
}

// Pending reports whether the task is queued or being driven by this initiator.
func (i *Initiator) Pending(taskID uuid.UUID) bool {
	if err := i.sem.Acquire(context.Background(), 1); err != nil {
		return false
	}
	defer i.sem.Release(1)
	if i.current != nil && i.current.TaskID == taskID {
		return true
	}
	for _, req := range i.queue {
		if req.TaskID == taskID {
			return true
		}
	}
	return false
}

func (i *Initiator) Cancel(context.Context, uuid.UUID) error {
	return ErrCancelUnsupported
}

func (i *Initiator) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		req, ok := i.dequeue(ctx)
		if !ok {
			return
		}
		i.process(ctx, req)
		if err := i.sem.Acquire(context.Background(), 1); err == nil {
			i.current = nil
			i.sem.Release(1)
		}
	}
}

// dequeue blocks until a request is queued or ctx is done.
func (i *Initiator) dequeue(ctx context.Context) (*Request, bool) {
	for {
		if err := i.sem.Acquire(ctx, 1); err != nil {
			return nil, false
		}
		if len(i.queue) > 0 {
			req := i.queue[0]
			i.queue[0] = nil
			i.queue = i.queue[1:]
			i.current = req
			i.sem.Release(1)
			return req, true
		}
		i.sem.Release(1)

		select {
		case <-ctx.Done():
			return nil, false
		case <-i.wake:
		}
	}
}

func (i *Initiator) process(ctx context.Context, req *Request) {
	ctx = log.WithFields(ctx, zap.Stringer("taskID", req.TaskID), zap.Stringer("resourceID", req.ResourceID))

	// 1. a quorum of the membership has to be online
	members := i.transport.Members()
	quorum := cluster.Quorum(len(members))
	online := cluster.Online(members)
	if len(online) < quorum {
		log.WarnContextf(ctx, "%d of %d members online, quorum is %d", len(online), len(members), quorum)
		i.resolve(ctx, req, 0, txn.StatusRolledBack, "quorum")
		return
	}

	// 2. allocate the id
	txID, err := cluster.Increment(ctx, i.nextID)
	if err != nil {
		log.ErrorContextf(ctx, "allocate transaction id: %v", err)
		i.resolve(ctx, req, 0, txn.StatusRolledBack, "allocate")
		return
	}
	ctx = log.WithFields(ctx, zap.Uint64("txID", txID))
	defer i.finished(ctx, txID)

	tx := &txn.Transaction{
		ID:          txID,
		TaskID:      req.TaskID,
		ResourceID:  req.ResourceID,
		InitiatorID: i.transport.Self().ID,
		Payload:     req.Payload,
		Timeout:     i.opts.TxTimeout,
	}
	i.cache.Update(req.TaskID, txID, txn.StatusPending)
	targets := cluster.IDs(online)

	// 3. watch the targets for the lifetime of the transaction
	mon := newMonitor(i.transport, targets, i.opts.TxTimeout)
	mctx, stopMonitor := context.WithCancel(ctx)
	defer stopMonitor()
	go mon.run(mctx)

	// 4. START
	all := targets
	results := i.fanOut(ctx, mon, "start", txID, targets, func(cctx context.Context, p cluster.Participant) error {
		return p.Start(cctx, tx, all)
	})
	started := succeeded(targets, results)
	if len(started) < quorum {
		log.WarnContextf(ctx, "%d of %d started, quorum is %d", len(started), len(targets), quorum)
		i.rollback(ctx, mon, txID, results)
		i.resolve(ctx, req, txID, txn.StatusRolledBack, "start")
		return
	}
	i.cache.Update(req.TaskID, txID, txn.StatusStarted)
	targets = started

	// 5. earlier transactions finish first
	i.barrier(ctx, txID)

	// 6. PREPARE
	results = i.fanOut(ctx, mon, "prepare", txID, targets, func(cctx context.Context, p cluster.Participant) error {
		return p.Prepare(cctx, txID)
	})
	prepared := succeeded(targets, results)
	if code, ok := vetoed(results); ok || len(prepared) < quorum {
		log.WarnContextf(ctx, "prepare failed: %d of %d prepared, veto %s", len(prepared), len(targets), code)
		i.rollback(ctx, mon, txID, results)
		i.resolve(ctx, req, txID, txn.StatusRolledBack, "prepare")
		return
	}
	i.cache.Update(req.TaskID, txID, txn.StatusPrepared)

	// 7. COMMIT
	committed := targets
	results = i.fanOut(ctx, mon, "commit", txID, targets, func(cctx context.Context, p cluster.Participant) error {
		return p.Commit(cctx, txID, committed)
	})
	i.retryCommit(ctx, mon, txID, committed, results)
	i.resolve(ctx, req, txID, txn.StatusCommitted, "")
}

// finished counts txID as finished. Transactions finish in any order, so every one of
// them adds exactly one.
func (i *Initiator) finished(ctx context.Context, txID uint64) {
	if _, err := cluster.Increment(context.WithoutCancel(ctx), i.lastFinished); err != nil {
		log.ErrorContextf(ctx, "count tx %d as finished: %v", txID, err)
	}
}

func (i *Initiator) resolve(ctx context.Context, req *Request, txID uint64, status txn.Status, reason string) {
	i.cache.Update(req.TaskID, txID, status)
	i.metrics.recordOutcome(ctx, status, reason)
	log.InfoContextf(ctx, "task %s %s after %s", req.TaskID, status, time.Since(req.Submitted))
}

type callResult struct {
	node uuid.UUID
	err  error
}

// fanOut calls every target concurrently and waits up to TxTimeout. A target without an
// answer in time is recorded as txn.CodeCommFailure.
func (i *Initiator) fanOut(ctx context.Context, mon *monitor, phase string, txID uint64, targets []uuid.UUID,
	call func(ctx context.Context, p cluster.Participant) error) map[uuid.UUID]error {
	begin := time.Now()
	results := make(map[uuid.UUID]error, len(targets))
	for _, id := range targets {
		results[id] = txn.Errorf(txn.CodeCommFailure, txID, "%s: no answer from %s", phase, id)
	}

	resCh := make(chan callResult, len(targets))
	go func() {
		var wg sync.WaitGroup
		for _, id := range targets {
			// shadow
			id := id
			wg.Add(1)
			go func() {
				defer wg.Done()
				cctx, release := mon.callContext(ctx, id)
				defer release()
				resCh <- callResult{node: id, err: i.call(cctx, phase, txID, id, call)}
			}()
		}
		wg.Wait()
		close(resCh)
	}()

	deadline := time.NewTimer(i.opts.TxTimeout)
	defer deadline.Stop()
	answered := 0
loop:
	for {
		select {
		case r, ok := <-resCh:
			if !ok {
				break loop
			}
			results[r.node] = r.err
			if r.err == nil {
				answered++
			}
		case <-deadline.C:
			log.WarnContextf(ctx, "%s timed out after %s", phase, i.opts.TxTimeout)
			break loop
		}
	}
	i.metrics.recordPhase(ctx, phase, answered, len(targets), time.Since(begin))
	return results
}

func (i *Initiator) call(ctx context.Context, phase string, txID uint64, nodeID uuid.UUID,
	call func(ctx context.Context, p cluster.Participant) error) error {
	p, err := i.transport.Peer(nodeID)
	if err != nil {
		return txn.Wrap(txn.CodeCommFailure, txID, err)
	}
	if err = call(ctx, p); err != nil {
		if cause := context.Cause(ctx); cause != nil && txn.CodeOf(err) == txn.CodeInternal {
			err = txn.Wrap(txn.CodeCommFailure, txID, fmt.Errorf("%w: %v", cause, err))
		}
		log.DebugContextf(ctx, "%s on %s: %v", phase, nodeID, err)
		return err
	}
	return nil
}

// succeeded returns the targets that answered without error, in target order.
func succeeded(targets []uuid.UUID, results map[uuid.UUID]error) []uuid.UUID {
	ok := make([]uuid.UUID, 0, len(targets))
	for _, id := range targets {
		if results[id] == nil {
			ok = append(ok, id)
		}
	}
	return ok
}

// vetoed reports the first rollback class answer.
func vetoed(results map[uuid.UUID]error) (txn.Code, bool) {
	for _, err := range results {
		if code := txn.CodeOf(err); code.RollbackClass() {
			return code, true
		}
	}
	return txn.CodeNone, false
}

// rollbackSet lists the members that may still hold the branch. A member is left out only
// when its answer says the branch is already resolved there: it does not know the
// transaction, or it answered with a rollback class code and rolled back itself.
func rollbackSet(results map[uuid.UUID]error) []uuid.UUID {
	set := make([]uuid.UUID, 0, len(results))
	for id, err := range results {
		code := txn.CodeOf(err)
		if code == txn.CodeUnknownTx || code.RollbackClass() {
			continue
		}
		set = append(set, id)
	}
	sortIDs(set)
	return set
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(a, b int) bool { return bytes.Compare(ids[a][:], ids[b][:]) < 0 })
}

func (i *Initiator) rollback(ctx context.Context, mon *monitor, txID uint64, results map[uuid.UUID]error) {
	code, ok := vetoed(results)
	if !ok {
		code = txn.CodeRollback
	}
	set := rollbackSet(results)
	if len(set) == 0 {
		return
	}
	outcome := i.fanOut(ctx, mon, "rollback", txID, set, func(cctx context.Context, p cluster.Participant) error {
		return p.Rollback(cctx, txID, code, set)
	})
	for id, err := range outcome {
		if err != nil && txn.CodeOf(err) != txn.CodeUnknownTx {
			log.WarnContextf(ctx, "rollback on %s: %v, left to its reaper", id, err)
		}
	}
}

// retryCommit repeats COMMIT on members that failed it for up to TxTimeout. A member that
// still has not committed is logged; it resolves the branch when it next synchronizes.
func (i *Initiator) retryCommit(ctx context.Context, mon *monitor, txID uint64, participants []uuid.UUID, results map[uuid.UUID]error) {
	for _, id := range participants {
		err := results[id]
		if err == nil {
			continue
		}
		id := id
		_, err = backoff.Retry(ctx, func() (struct{}, error) {
			cctx, release := mon.callContext(ctx, id)
			defer release()
			err := i.call(cctx, "commit", txID, id, func(cctx context.Context, p cluster.Participant) error {
				return p.Commit(cctx, txID, participants)
			})
			switch txn.CodeOf(err) {
			case txn.CodeNone:
				return struct{}{}, nil
			case txn.CodeUnknownTx, txn.CodeProtocol:
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}, backoff.WithBackOff(backoff.NewConstantBackOff(i.opts.PollInterval)),
			backoff.WithMaxElapsedTime(i.opts.TxTimeout))
		if err != nil {
			log.ErrorContextf(ctx, "commit on %s failed: %v", id, err)
		}
	}
}

var errBarrierPending = errors.New("initiator: earlier transactions pending")

// barrier waits until the last finished counter reaches txID-1. The wait is bounded by
// TxTimeout for every transaction still pending ahead of txID; when the bound expires the
// counter is advanced to txID-1.
func (i *Initiator) barrier(ctx context.Context, txID uint64) {
	if txID <= 1 {
		return
	}
	want := txID - 1
	last, err := i.lastFinished.Get(ctx)
	if err == nil && last >= want {
		return
	}
	pending := uint64(1)
	if err == nil && want-last > pending {
		pending = want - last
	}
	bound := time.Duration(pending) * i.opts.TxTimeout

	_, err = backoff.Retry(ctx, func() (uint64, error) {
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
	if err == nil || ctx.Err() != nil {
		return
	}

	log.WarnContextf(ctx, "prepare barrier timed out after %s, advancing last finished to %d", bound, want)
	i.metrics.recordBarrierForced(ctx)
	if _, err = cluster.Advance(ctx, i.lastFinished, want); err != nil {
		log.ErrorContextf(ctx, "advance last finished to %d: %v", want, err)
	}
}
