package txmanager

import (
	"context"
	"sync"
)

// guard separates transaction work (shared) from registry changes (exclusive).
//
// Holds are carried in the context: a resource manager callback running under a shared
// hold may register or unregister through the same context. The exclusive path then drops
// the hold of that context, takes the write lock and restores the hold when done. Nested
// shared calls on one context take the read lock once.
type guard struct {
	mu sync.RWMutex
}

type holdKey struct{}

type hold struct {
	mu    sync.Mutex
	depth int
}

func holdOf(ctx context.Context) *hold {
	h, _ := ctx.Value(holdKey{}).(*hold)
	return h
}

func (g *guard) shared(ctx context.Context) (context.Context, func()) {
	h := holdOf(ctx)
	if h == nil {
		h = &hold{}
		ctx = context.WithValue(ctx, holdKey{}, h)
	}
	h.mu.Lock()
	if h.depth == 0 {
		g.mu.RLock()
	}
	h.depth++
	h.mu.Unlock()

	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			h.mu.Lock()
			h.depth--
			if h.depth == 0 {
				g.mu.RUnlock()
			}
			h.mu.Unlock()
		})
	}
}

func (g *guard) exclusive(ctx context.Context) func() {
	h := holdOf(ctx)
	held := 0
	if h != nil {
		h.mu.Lock()
		held = h.depth
		if held > 0 {
			g.mu.RUnlock()
		}
	}
	g.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Unlock()
			if h != nil {
				if held > 0 {
					g.mu.RLock()
				}
				h.mu.Unlock()
			}
		})
	}
}
