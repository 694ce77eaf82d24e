package txmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xiaoxuxiansheng/go2pc/component"
	"github.com/xiaoxuxiansheng/go2pc/journal"
	"github.com/xiaoxuxiansheng/go2pc/log"
	"github.com/xiaoxuxiansheng/go2pc/taskcache"
	"github.com/xiaoxuxiansheng/go2pc/txn"
)

// Transaction manager, the participant side of the protocol
// 1. Parts:
//  1.1 TransactionManager: drives the registered resource managers through start, prepare,
//      commit and rollback and journals every step
//  1.2 Journal: one durable log per resource manager
//  1.3 registry: the registered resource managers and their sync state
//  1.4 Synchronizer: brings a late replica up to date by replaying a peer's journal
// 2. Ordering:
//  2.1 lastFinished is the highest transaction id this node resolved; older ids are refused
//  2.2 lastPrepared is the highest id prepared; a second transaction cannot prepare while
//      an earlier prepared one is still open
//  2.3 journal replay bypasses both checks

// ErrClosed is returned by every operation while the manager is shut down.
var ErrClosed = errors.New("txmanager: manager is shut down")

type TransactionManager struct {
	nodeID    uuid.UUID
	opts      *Options
	guard     guard
	registry  *registry
	cache     *taskcache.Cache
	listeners listeners
	metrics   *managerMetrics

	mu           sync.Mutex
	running      bool
	stop         context.CancelFunc
	contexts     map[uint64]*rmContext
	lastFinished uint64
	lastPrepared uint64

	// replayMu gives journal replay exclusive use of the watermarks.
	replayMu sync.Mutex
}

// New builds a manager for the node. Resource managers may be registered before Open.
func New(nodeID uuid.UUID, cache *taskcache.Cache, opts ...Option) *TransactionManager {
	t := TransactionManager{
		nodeID:   nodeID,
		opts:     &Options{},
		registry: newRegistry(),
		cache:    cache,
		contexts: make(map[uint64]*rmContext),
		metrics:  newManagerMetrics(),
	}
	for _, opt := range opts {
		opt(t.opts)
	}
	repair(t.opts)
	cache.SetLoader(t.findTask)
	return &t
}

func (t *TransactionManager) NodeID() uuid.UUID {
	return t.nodeID
}

// Open opens the journals of all registered resource managers, rebuilds the task cache
// and the watermarks from them and starts the stale transaction reaper.
func (t *TransactionManager) Open(ctx context.Context) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()

	for _, reg := range t.registry.list() {
		if err := t.open(ctx, reg); err != nil {
			return err
		}
		// a restarted replica has to prove it is current again
		switch reg.State() {
		case UpToDate, PostSyncProcessing, Synchronizing:
			if err := t.transition(ctx, reg, Undetermined); err != nil {
				return err
			}
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.running = true
	t.stop = cancel
	t.mu.Unlock()

	go t.run(runCtx)
	log.InfoContextf(ctx, "transaction manager %s started, last finished %d", t.nodeID, t.LastFinished())
	return nil
}

// Close stops the manager and closes every journal. Open branches are forgotten, as after
// a crash.
func (t *TransactionManager) Close() error {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return nil
	}
	t.running = false
	t.stop()
	t.contexts = make(map[uint64]*rmContext)
	t.mu.Unlock()

	var err error
	for _, reg := range t.registry.list() {
		err = multierr.Append(err, t.closeJournal(reg))
	}
	return err
}

func (t *TransactionManager) isRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Restart is Close followed by Open.
func (t *TransactionManager) Restart(ctx context.Context) error {
	if err := t.Close(); err != nil {
		log.WarnContextf(ctx, "closing transaction manager for restart: %v", err)
	}
	return t.Open(ctx)
}

func (t *TransactionManager) open(ctx context.Context, reg *registration) error {
	reg.mu.Lock()
	opened := reg.opened
	reg.mu.Unlock()
	if opened {
		return nil
	}

	if err := reg.journal.Start(); err != nil {
		return fmt.Errorf("txmanager: start journal of %s: %w", reg.id(), err)
	}
	last, err := reg.journal.LastCompleted()
	if err != nil {
		return fmt.Errorf("txmanager: read journal tail of %s: %w", reg.id(), err)
	}
	records, err := reg.journal.Records()
	if err != nil {
		return fmt.Errorf("txmanager: read journal of %s: %w", reg.id(), err)
	}
	for _, rec := range records {
		t.cache.Load(t.taskFromRecord(ctx, reg, rec))
	}

	reg.mu.Lock()
	reg.opened = true
	if last > reg.lastCompleted {
		reg.lastCompleted = last
	}
	reg.mu.Unlock()
	t.raiseFinished(last)
	log.InfoContextf(ctx, "journal %s recovered: %d transactions, last completed %d", reg.journal.Path(), len(records), last)
	return nil
}

func (t *TransactionManager) closeJournal(reg *registration) error {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if !reg.opened {
		return nil
	}
	reg.opened = false
	return reg.journal.Close()
}

func (t *TransactionManager) taskFromRecord(ctx context.Context, reg *registration, rec *journal.Record) *txn.Task {
	task := &txn.Task{
		TaskID:     rec.Tx.TaskID,
		ResourceID: rec.Tx.ResourceID,
		TxID:       rec.Tx.ID,
		Status:     rec.Status,
		Timestamp:  rec.Time,
	}
	info, err := reg.rm.CreateTaskInfo(rec.Tx.Payload)
	if err != nil {
		log.WarnContextf(ctx, "describe task %s: %v", rec.Tx.TaskID, err)
	}
	task.Describe(info)
	return task
}

// findTask is the task cache loader: it looks the task up in every journal.
func (t *TransactionManager) findTask(ctx context.Context, taskID uuid.UUID) (*txn.Task, error) {
	for _, reg := range t.registry.list() {
		reg.mu.Lock()
		opened := reg.opened
		reg.mu.Unlock()
		if !opened {
			continue
		}
		rec, err := reg.journal.Find(taskID)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return t.taskFromRecord(ctx, reg, rec), nil
		}
	}
	return nil, nil
}

// Register adds a resource manager with a fresh journal and sync state Undetermined.
// It may be called from inside a resource manager callback with the callback's context.
func (t *TransactionManager) Register(ctx context.Context, rm component.ResourceManager) error {
	release := t.guard.exclusive(ctx)
	defer release()

	reg := &registration{
		rm:      rm,
		journal: t.opts.Journals(t.nodeID, rm.ID()),
		state:   Unregistered,
	}
	if err := t.registry.register(reg); err != nil {
		return err
	}

	if t.isRunning() {
		if err := t.open(ctx, reg); err != nil {
			t.registry.unregister(rm.ID())
			return err
		}
	}
	return t.transition(ctx, reg, Undetermined)
}

// Unregister removes a resource manager. Its open branches are rolled back in the resource
// manager only; peers resolve them through their own coordinator.
func (t *TransactionManager) Unregister(ctx context.Context, resourceID uuid.UUID) error {
	release := t.guard.exclusive(ctx)
	defer release()

	reg, ok := t.registry.unregister(resourceID)
	if !ok {
		return fmt.Errorf("txmanager: resource manager %s not registered", resourceID)
	}

	t.mu.Lock()
	var orphans []*rmContext
	for id, rc := range t.contexts {
		if rc.reg == reg {
			orphans = append(orphans, rc)
			delete(t.contexts, id)
		}
	}
	t.mu.Unlock()
	for _, rc := range orphans {
		if rc.status >= txn.StatusStarted {
			if err := reg.rm.Rollback(ctx, rc.value); err != nil {
				log.WarnContextf(ctx, "rollback of tx %d on unregister: %v", rc.tx.ID, err)
			}
		}
	}

	err := t.transition(ctx, reg, Unregistered)
	return multierr.Append(err, t.closeJournal(reg))
}

// Start runs the first phase of a transaction branch.
func (t *TransactionManager) Start(ctx context.Context, tx *txn.Transaction, participants []uuid.UUID) (err error) {
	ctx, release := t.guard.shared(ctx)
	defer release()
	ctx = log.WithFields(ctx, zap.Uint64("txID", tx.ID))
	defer func() { t.metrics.recordOp(ctx, "start", err) }()

	if !t.isRunning() {
		return ErrClosed
	}
	replay := replaying(ctx)
	reg, ok := t.registry.get(tx.ResourceID)
	if !ok {
		return txn.Errorf(txn.CodeUnavailable, tx.ID, "resource manager %s not registered", tx.ResourceID)
	}
	if state := reg.State(); !replay && !state.acceptsTransactions() {
		return txn.Errorf(txn.CodeUnavailable, tx.ID, "resource manager %s is %s", tx.ResourceID, state)
	}

	// 1. claim the transaction id
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return ErrClosed
	}
	if _, ok = t.contexts[tx.ID]; ok {
		t.mu.Unlock()
		return txn.Errorf(txn.CodeProtocol, tx.ID, "already started")
	}
	if !replay && tx.ID <= t.lastFinished {
		t.mu.Unlock()
		return txn.Errorf(txn.CodeUnknownTx, tx.ID, "already finished, last finished %d", t.lastFinished)
	}
	rc := &rmContext{
		tx:           tx,
		reg:          reg,
		participants: participants,
		status:       txn.StatusPending,
		startedAt:    time.Now(),
	}
	t.contexts[tx.ID] = rc
	t.mu.Unlock()

	// 2. hand it to the resource manager
	value, err := reg.rm.Start(ctx, tx)
	if err != nil {
		t.dropContext(tx.ID)
		return branchError(tx.ID, err)
	}

	// 3. journal it, a branch that is not journaled cannot be replayed
	if err = reg.journal.Append(journal.StartEntry(tx, participants)); err != nil {
		if rbErr := reg.rm.Rollback(ctx, value); rbErr != nil {
			log.ErrorContextf(ctx, "undo start after journal failure: %v", rbErr)
		}
		t.dropContext(tx.ID)
		return txn.Wrap(txn.CodeInternal, tx.ID, err)
	}

	// 4. record the task
	task := &txn.Task{
		TaskID:     tx.TaskID,
		ResourceID: tx.ResourceID,
		TxID:       tx.ID,
		Status:     txn.StatusStarted,
	}
	info, infoErr := reg.rm.CreateTaskInfo(tx.Payload)
	if infoErr != nil {
		log.WarnContextf(ctx, "describe task %s: %v", tx.TaskID, infoErr)
	}
	task.Describe(info)
	if replay {
		t.cache.Load(task)
	} else {
		t.cache.Put(task)
	}

	t.mu.Lock()
	rc.value = value
	rc.status = txn.StatusStarted
	t.mu.Unlock()
	return nil
}

func (t *TransactionManager) dropContext(txID uint64) {
	t.mu.Lock()
	delete(t.contexts, txID)
	t.mu.Unlock()
}

// Prepare asks the resource manager for its vote. A rollback vote resolves the branch here
// and is returned as a rollback class error.
func (t *TransactionManager) Prepare(ctx context.Context, txID uint64) (err error) {
	ctx, release := t.guard.shared(ctx)
	defer release()
	ctx = log.WithFields(ctx, zap.Uint64("txID", txID))
	defer func() { t.metrics.recordOp(ctx, "prepare", err) }()

	replay := replaying(ctx)
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return ErrClosed
	}
	rc, ok := t.contexts[txID]
	switch {
	case !ok:
		t.mu.Unlock()
		return txn.Errorf(txn.CodeUnknownTx, txID, "no open transaction")
	case rc.status == txn.StatusPrepared:
		t.mu.Unlock()
		return nil
	case rc.status != txn.StatusStarted || rc.finishing:
		t.mu.Unlock()
		return txn.Errorf(txn.CodeProtocol, txID, "cannot prepare in status %s", rc.status)
	}
	if !replay {
		if txID < t.lastPrepared {
			t.mu.Unlock()
			return txn.Errorf(txn.CodeProtocol, txID, "superseded by prepared tx %d", t.lastPrepared)
		}
		if t.lastPrepared > t.lastFinished && t.lastPrepared != txID {
			t.mu.Unlock()
			return txn.Errorf(txn.CodeProtocol, txID, "tx %d is prepared and not finished", t.lastPrepared)
		}
	}
	if txID > t.lastPrepared {
		t.lastPrepared = txID
	}
	t.mu.Unlock()

	vote, err := rc.reg.rm.Prepare(ctx, rc.value)
	if err == nil && !vote {
		err = txn.Errorf(txn.CodeRollback, txID, "resource manager voted rollback")
	}
	if err != nil {
		err = branchError(txID, err)
		if code := txn.CodeOf(err); code.RollbackClass() {
			if rbErr := t.Rollback(ctx, txID, code, rc.participants); rbErr != nil {
				log.ErrorContextf(ctx, "local rollback after prepare vote: %v", rbErr)
			}
		}
		return err
	}

	t.mu.Lock()
	rc.status = txn.StatusPrepared
	t.mu.Unlock()
	t.cache.UpdateByTx(txID, txn.StatusPrepared)
	return nil
}

// claim hands the branch to commit or rollback.
func (t *TransactionManager) claim(txID uint64, need txn.Status) (*rmContext, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return nil, ErrClosed
	}
	rc, ok := t.contexts[txID]
	switch {
	case !ok:
		return nil, txn.Errorf(txn.CodeUnknownTx, txID, "no open transaction")
	case rc.finishing:
		return nil, txn.Errorf(txn.CodeProtocol, txID, "already being resolved")
	case rc.status < need:
		return nil, txn.Errorf(txn.CodeProtocol, txID, "cannot resolve in status %s", rc.status)
	}
	rc.finishing = true
	return rc, nil
}

// Commit resolves a prepared branch. If the resource manager fails the branch stays open.
func (t *TransactionManager) Commit(ctx context.Context, txID uint64, participants []uuid.UUID) (err error) {
	ctx, release := t.guard.shared(ctx)
	defer release()
	ctx = log.WithFields(ctx, zap.Uint64("txID", txID))
	defer func() { t.metrics.recordOp(ctx, "commit", err) }()

	rc, err := t.claim(txID, txn.StatusPrepared)
	if err != nil {
		return err
	}
	if err = rc.reg.rm.Commit(ctx, rc.value); err != nil {
		t.mu.Lock()
		rc.finishing = false
		t.mu.Unlock()
		return branchError(txID, err)
	}
	t.finish(ctx, rc.reg, journal.CommitEntry(txID, participants), txn.StatusCommitted)
	return nil
}

// Rollback resolves a branch as rolled back. Resource manager errors are logged, the
// branch is resolved regardless.
func (t *TransactionManager) Rollback(ctx context.Context, txID uint64, code txn.Code, participants []uuid.UUID) (err error) {
	ctx, release := t.guard.shared(ctx)
	defer release()
	ctx = log.WithFields(ctx, zap.Uint64("txID", txID))
	defer func() { t.metrics.recordOp(ctx, "rollback", err) }()

	rc, err := t.claim(txID, txn.StatusStarted)
	if err != nil {
		return err
	}
	if err = rc.reg.rm.Rollback(ctx, rc.value); err != nil {
		log.ErrorContextf(ctx, "resource manager rollback: %v", err)
	}
	if code == txn.CodeNone {
		code = txn.CodeRollback
	}
	t.finish(ctx, rc.reg, journal.RollbackEntry(txID, code, participants), txn.StatusRolledBack)
	return nil
}

// finish journals the outcome, advances the watermarks and updates the task. A journal
// failure is logged and does not stop the in memory update.
func (t *TransactionManager) finish(ctx context.Context, reg *registration, entry *journal.Entry, status txn.Status) {
	if err := reg.journal.Append(entry); err != nil {
		log.ErrorContextf(ctx, "journal %s: %v", entry.Kind, err)
	}
	t.mu.Lock()
	delete(t.contexts, entry.TxID)
	if entry.TxID > t.lastFinished {
		t.lastFinished = entry.TxID
	}
	t.mu.Unlock()
	reg.advance(entry.TxID)
	t.cache.UpdateByTx(entry.TxID, status)
}

func (t *TransactionManager) raiseFinished(txID uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if txID > t.lastFinished {
		t.lastFinished = txID
	}
}

// branchError makes sure err carries a code.
func branchError(txID uint64, err error) error {
	var te *txn.Error
	if errors.As(err, &te) {
		return err
	}
	return txn.Wrap(txn.CodeOf(err), txID, err)
}

// LastCompleted reports the highest id the resource manager's journal resolved.
func (t *TransactionManager) LastCompleted(_ context.Context, resourceID uuid.UUID) (uint64, error) {
	reg, err := t.openRegistration(resourceID)
	if err != nil {
		return 0, err
	}
	return reg.LastCompleted(), nil
}

// Extract returns journal entries of the resource manager with from < id <= to.
func (t *TransactionManager) Extract(_ context.Context, resourceID uuid.UUID, from, to uint64) ([]*journal.Entry, error) {
	reg, err := t.openRegistration(resourceID)
	if err != nil {
		return nil, err
	}
	return reg.journal.Extract(from, to)
}

func (t *TransactionManager) openRegistration(resourceID uuid.UUID) (*registration, error) {
	if !t.isRunning() {
		return nil, ErrClosed
	}
	reg, ok := t.registry.get(resourceID)
	if !ok {
		return nil, txn.Errorf(txn.CodeUnavailable, 0, "resource manager %s not registered", resourceID)
	}
	return reg, nil
}

// ResourceManagerInfo is the admin view of one registration.
type ResourceManagerInfo struct {
	ID            uuid.UUID
	State         SyncState
	JournalPath   string
	LastCompleted uint64
}

func (t *TransactionManager) ResourceManagers() []ResourceManagerInfo {
	regs := t.registry.list()
	infos := make([]ResourceManagerInfo, 0, len(regs))
	for _, reg := range regs {
		reg.mu.Lock()
		infos = append(infos, ResourceManagerInfo{
			ID:            reg.id(),
			State:         reg.state,
			JournalPath:   reg.journal.Path(),
			LastCompleted: reg.lastCompleted,
		})
		reg.mu.Unlock()
	}
	return infos
}

// JournalPath returns the current journal file of a resource manager.
func (t *TransactionManager) JournalPath(resourceID uuid.UUID) (string, bool) {
	reg, ok := t.registry.get(resourceID)
	if !ok {
		return "", false
	}
	return reg.journal.Path(), true
}

func (t *TransactionManager) LastFinished() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastFinished
}

func (t *TransactionManager) LastPrepared() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastPrepared
}

func (t *TransactionManager) OpenTransactions() []OpenTransaction {
	t.mu.Lock()
	defer t.mu.Unlock()
	open := make([]OpenTransaction, 0, len(t.contexts))
	for _, rc := range t.contexts {
		open = append(open, OpenTransaction{
			TxID:       rc.tx.ID,
			TaskID:     rc.tx.TaskID,
			ResourceID: rc.tx.ResourceID,
			Status:     rc.status,
			StartedAt:  rc.startedAt,
		})
	}
	return open
}
