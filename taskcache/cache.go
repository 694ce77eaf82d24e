package taskcache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/tidwall/btree"
	"github.com/xiaoxuxiansheng/go2pc/log"
	"github.com/xiaoxuxiansheng/go2pc/txn"
)

// Task cache
// 1. Keeps every task this node knows about, indexed by task id and by transaction id.
// 2. Terminal tasks are purged by age and count, see Options. Non terminal tasks are
//    never purged.
// 3. A miss falls back to the Loader (journal scan); its answers, positive or negative,
//    are remembered in a small expiring LRU.

// Loader finds a task that is no longer cached. It returns nil when the task is unknown.
type Loader func(ctx context.Context, taskID uuid.UUID) (*txn.Task, error)

type Cache struct {
	mu       sync.Mutex
	opts     *Options
	tasks    map[uuid.UUID]*txn.Task
	byTx     btree.Map[uint64, uuid.UUID]
	terminal *btree.BTreeG[*txn.Task]
	unknown  *expirable.LRU[uuid.UUID, *txn.Task]
	loader   Loader
}

func New(opts ...Option) *Cache {
	c := Cache{
		opts:     &Options{},
		tasks:    make(map[uuid.UUID]*txn.Task),
		terminal: btree.NewBTreeG[*txn.Task](older),
	}
	for _, opt := range opts {
		opt(c.opts)
	}
	repair(c.opts)
	c.unknown = expirable.NewLRU[uuid.UUID, *txn.Task](c.opts.UnknownSize, nil, c.opts.UnknownTTL)
	return &c
}

// older orders terminal tasks oldest first.
func older(a, b *txn.Task) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.Before(b.Timestamp)
	}
	if a.TxID != b.TxID {
		return a.TxID < b.TxID
	}
	return string(a.TaskID[:]) < string(b.TaskID[:])
}

func (c *Cache) SetLoader(loader Loader) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loader = loader
}

// Put inserts a task or merges it into the cached one. Status never moves backwards.
func (c *Cache) Put(task *txn.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unknown.Remove(task.TaskID)

	cur, ok := c.tasks[task.TaskID]
	if !ok {
		t := task.Clone()
		if t.Timestamp.IsZero() {
			t.Timestamp = c.opts.Now()
		}
		c.insert(t)
		return
	}

	c.remove(cur)
	if cur.TxID == 0 {
		cur.TxID = task.TxID
	}
	if task.Name != "" || task.Description != "" || task.Info != "" {
		cur.Name, cur.Description, cur.Info = task.Name, task.Description, task.Info
	}
	if advances(cur.Status, task.Status) {
		cur.Status = task.Status
		cur.Timestamp = task.Timestamp
		if cur.Timestamp.IsZero() {
			cur.Timestamp = c.opts.Now()
		}
	}
	c.insert(cur)
}

// Update moves a cached task forward. txID is recorded when non zero. It reports false if
// the task is not cached.
func (c *Cache) Update(taskID uuid.UUID, txID uint64, status txn.Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	cur, ok := c.tasks[taskID]
	if !ok {
		return false
	}
	c.update(cur, txID, status)
	return true
}

// UpdateByTx is Update addressed by transaction id.
func (c *Cache) UpdateByTx(txID uint64, status txn.Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	taskID, ok := c.byTx.Get(txID)
	if !ok {
		return false
	}
	c.update(c.tasks[taskID], 0, status)
	return true
}

func (c *Cache) update(cur *txn.Task, txID uint64, status txn.Status) {
	if !advances(cur.Status, status) && (txID == 0 || cur.TxID != 0) {
		return
	}
	c.remove(cur)
	if cur.TxID == 0 {
		cur.TxID = txID
	}
	if advances(cur.Status, status) {
		cur.Status = status
		cur.Timestamp = c.opts.Now()
	}
	c.insert(cur)
}

func advances(from, to txn.Status) bool {
	return !from.Terminal() && to > from
}

// Load inserts a task read back from a journal. A terminal task is refused when the cache
// already holds AbsoluteSize terminal tasks that are all newer; otherwise the oldest one
// makes room.
func (c *Cache) Load(task *txn.Task) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unknown.Remove(task.TaskID)

	t := task.Clone()
	if t.Timestamp.IsZero() {
		t.Timestamp = c.opts.Now()
	}
	cur, exists := c.tasks[t.TaskID]
	// replacing a terminal entry does not grow the terminal set
	replacesTerminal := exists && cur.Status.Terminal()
	if t.Status.Terminal() && !replacesTerminal && c.terminal.Len() >= c.opts.AbsoluteSize {
		oldest, _ := c.terminal.Min()
		if older(t, oldest) {
			return false
		}
		c.remove(oldest)
	}
	if exists {
		c.remove(cur)
	}
	c.insert(t)
	return true
}

func (c *Cache) insert(t *txn.Task) {
	c.tasks[t.TaskID] = t
	if t.TxID != 0 {
		c.byTx.Set(t.TxID, t.TaskID)
	}
	if t.Status.Terminal() {
		c.terminal.Set(t)
	}
}

func (c *Cache) remove(t *txn.Task) {
	delete(c.tasks, t.TaskID)
	if t.TxID != 0 {
		if id, ok := c.byTx.Get(t.TxID); ok && id == t.TaskID {
			c.byTx.Delete(t.TxID)
		}
	}
	if t.Status.Terminal() {
		c.terminal.Delete(t)
	}
}

// Get returns a copy of the task. Misses consult the loader.
func (c *Cache) Get(ctx context.Context, taskID uuid.UUID) (*txn.Task, bool, error) {
	c.mu.Lock()
	if t, ok := c.tasks[taskID]; ok {
		cp := t.Clone()
		c.mu.Unlock()
		return cp, true, nil
	}
	if t, ok := c.unknown.Get(taskID); ok {
		cp := t.Clone()
		c.mu.Unlock()
		return cp, t != nil, nil
	}
	loader := c.loader
	c.mu.Unlock()

	if loader == nil {
		return nil, false, nil
	}
	t, err := loader(ctx, taskID)
	if err != nil {
		return nil, false, err
	}
	c.unknown.Add(taskID, t)
	return t.Clone(), t != nil, nil
}

// GetByTx returns the cached task of a transaction.
func (c *Cache) GetByTx(txID uint64) (*txn.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	taskID, ok := c.byTx.Get(txID)
	if !ok {
		return nil, false
	}
	return c.tasks[taskID].Clone(), true
}

// List returns cached tasks ordered by transaction id, tasks without one last. A nil
// resourceID lists all.
func (c *Cache) List(resourceID *uuid.UUID) []*txn.Task {
	c.mu.Lock()
	defer c.mu.Unlock()

	match := func(t *txn.Task) bool {
		return resourceID == nil || t.ResourceID == *resourceID
	}
	out := make([]*txn.Task, 0, len(c.tasks))
	c.byTx.Scan(func(_ uint64, taskID uuid.UUID) bool {
		if t := c.tasks[taskID]; match(t) {
			out = append(out, t.Clone())
		}
		return true
	})
	var pending []*txn.Task
	for _, t := range c.tasks {
		if t.TxID == 0 && match(t) {
			pending = append(pending, t.Clone())
		}
	}
	sort.Slice(pending, func(a, b int) bool { return pending[a].Timestamp.Before(pending[b].Timestamp) })
	return append(out, pending...)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tasks)
}

// Purge evicts terminal tasks as described on Options and returns how many went.
func (c *Cache) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Now()
	absoluteCutoff := now.Add(-c.opts.AbsoluteDuration)
	maxCutoff := now.Add(-c.opts.MaxDuration)
	evicted := 0
	evict := func(t *txn.Task) {
		c.remove(t)
		evicted++
	}

	// 1. past the absolute age
	for {
		t, ok := c.terminal.Min()
		if !ok || !t.Timestamp.Before(absoluteCutoff) {
			break
		}
		evict(t)
	}
	// 2. past the max age, while over the max size
	for c.terminal.Len() > c.opts.MaxSize {
		t, _ := c.terminal.Min()
		if !t.Timestamp.Before(maxCutoff) {
			break
		}
		evict(t)
	}
	// 3. over the absolute size regardless of age
	for c.terminal.Len() > c.opts.AbsoluteSize {
		t, _ := c.terminal.Min()
		evict(t)
	}
	return evicted
}

// Run purges periodically until ctx is done.
func (c *Cache) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Purge(); n > 0 {
				log.DebugContextf(ctx, "task cache purged %d terminal tasks", n)
			}
		}
	}
}
