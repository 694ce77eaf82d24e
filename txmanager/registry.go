package txmanager

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/xiaoxuxiansheng/go2pc/component"
)

// Resource manager registry
// 1. Maps resource manager id to its registration: plugin, journal, sync state and the
//    highest transaction id the journal has resolved.
// 2. The map is guarded by its own RWMutex; each registration guards its own state.

var ErrDuplicateResourceManager = errors.New("txmanager: resource manager already registered")

type registration struct {
	rm      component.ResourceManager
	journal Journal

	mu            sync.Mutex
	state         SyncState
	lastCompleted uint64
	opened        bool
}

func (r *registration) id() uuid.UUID {
	return r.rm.ID()
}

func (r *registration) State() SyncState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *registration) LastCompleted() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastCompleted
}

func (r *registration) advance(txID uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if txID > r.lastCompleted {
		r.lastCompleted = txID
	}
}

type registry struct {
	mux sync.RWMutex
	rms map[uuid.UUID]*registration
}

func newRegistry() *registry {
	return &registry{
		rms: make(map[uuid.UUID]*registration),
	}
}

func (r *registry) register(reg *registration) error {
	r.mux.Lock()
	defer r.mux.Unlock()
	if _, ok := r.rms[reg.id()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateResourceManager, reg.id())
	}
	r.rms[reg.id()] = reg
	return nil
}

func (r *registry) unregister(id uuid.UUID) (*registration, bool) {
	r.mux.Lock()
	defer r.mux.Unlock()
	reg, ok := r.rms[id]
	delete(r.rms, id)
	return reg, ok
}

func (r *registry) get(id uuid.UUID) (*registration, bool) {
	r.mux.RLock()
	defer r.mux.RUnlock()
	reg, ok := r.rms[id]
	return reg, ok
}

// list returns registrations ordered by id.
func (r *registry) list() []*registration {
	r.mux.RLock()
	defer r.mux.RUnlock()
	regs := make([]*registration, 0, len(r.rms))
	for _, reg := range r.rms {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(a, b int) bool {
		ida, idb := regs[a].id(), regs[b].id()
		return bytes.Compare(ida[:], idb[:]) < 0
	})
	return regs
}
