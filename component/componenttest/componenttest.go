// Package componenttest provides an in memory resource manager for tests.
package componenttest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/xiaoxuxiansheng/go2pc/component"
	"github.com/xiaoxuxiansheng/go2pc/txn"
)

// Hooks let a test steer the resource manager. Nil hooks succeed.
type Hooks struct {
	Start    func(ctx context.Context, tx *txn.Transaction) error
	Prepare  func(ctx context.Context, tx *txn.Transaction) (bool, error)
	Commit   func(ctx context.Context, tx *txn.Transaction) error
	PostSync func(ctx context.Context) error
}

// ResourceManager records what the transaction manager asked of it.
type ResourceManager struct {
	id uuid.UUID

	mu         sync.Mutex
	hooks      Hooks
	started    []uint64
	committed  []uint64
	rolledBack []uint64
	postSyncs  int
}

func New(id uuid.UUID) *ResourceManager {
	return &ResourceManager{id: id}
}

func (r *ResourceManager) SetHooks(h Hooks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = h
}

func (r *ResourceManager) getHooks() Hooks {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hooks
}

func (r *ResourceManager) ID() uuid.UUID {
	return r.id
}

func (r *ResourceManager) Start(ctx context.Context, tx *txn.Transaction) (component.Context, error) {
	if h := r.getHooks().Start; h != nil {
		if err := h(ctx, tx); err != nil {
			return nil, err
		}
	}
	r.mu.Lock()
	r.started = append(r.started, tx.ID)
	r.mu.Unlock()
	return tx, nil
}

func (r *ResourceManager) Prepare(ctx context.Context, rc component.Context) (bool, error) {
	if h := r.getHooks().Prepare; h != nil {
		return h(ctx, rc.(*txn.Transaction))
	}
	return true, nil
}

func (r *ResourceManager) Commit(ctx context.Context, rc component.Context) error {
	tx := rc.(*txn.Transaction)
	if h := r.getHooks().Commit; h != nil {
		if err := h(ctx, tx); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.committed = append(r.committed, tx.ID)
	r.mu.Unlock()
	return nil
}

func (r *ResourceManager) Rollback(_ context.Context, rc component.Context) error {
	tx := rc.(*txn.Transaction)
	r.mu.Lock()
	r.rolledBack = append(r.rolledBack, tx.ID)
	r.mu.Unlock()
	return nil
}

func (r *ResourceManager) CreateTaskInfo(payload []byte) (txn.TaskInfo, error) {
	return txn.TaskInfo{
		Name:        "test",
		Description: string(payload),
		Info:        fmt.Sprintf("%d bytes", len(payload)),
	}, nil
}

func (r *ResourceManager) ProcessPostSync(ctx context.Context) error {
	if h := r.getHooks().PostSync; h != nil {
		if err := h(ctx); err != nil {
			return err
		}
	}
	r.mu.Lock()
	r.postSyncs++
	r.mu.Unlock()
	return nil
}

func (r *ResourceManager) Started() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.started...)
}

func (r *ResourceManager) Committed() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.committed...)
}

func (r *ResourceManager) RolledBack() []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.rolledBack...)
}

func (r *ResourceManager) PostSyncs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.postSyncs
}
