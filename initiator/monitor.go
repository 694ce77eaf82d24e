package initiator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaoxuxiansheng/go2pc/cluster"
	"github.com/xiaoxuxiansheng/go2pc/log"
)

// monitor watches the targets of one transaction. When a target goes offline its in flight
// calls are canceled with cluster.ErrUnreachable, so the fan-out does not wait out the
// phase timeout for it.
type monitor struct {
	members  cluster.Membership
	timeout  time.Duration
	interval time.Duration

	mu      sync.Mutex
	down    map[uuid.UUID]bool
	next    int
	pending map[uuid.UUID]map[int]context.CancelCauseFunc
}

func newMonitor(members cluster.Membership, targets []uuid.UUID, timeout time.Duration) *monitor {
	m := monitor{
		members:  members,
		timeout:  timeout,
		interval: timeout / 4,
		down:     make(map[uuid.UUID]bool, len(targets)),
		pending:  make(map[uuid.UUID]map[int]context.CancelCauseFunc, len(targets)),
	}
	for _, id := range targets {
		m.down[id] = false
		m.pending[id] = make(map[int]context.CancelCauseFunc)
	}
	if m.interval <= 0 {
		m.interval = time.Millisecond
	}
	return &m
}

// run follows membership events until ctx is done. A periodic membership read covers
// events dropped while the buffer was full.
func (m *monitor) run(ctx context.Context) {
	events := make(chan cluster.Event, 16)
	cancel := m.members.Subscribe(func(ev cluster.Event) {
		select {
		case events <- ev:
		default:
		}
	})
	defer cancel()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			m.set(ctx, ev.Node.ID, ev.Online)
		case <-ticker.C:
			for _, member := range m.members.Members() {
				m.set(ctx, member.ID, member.Online)
			}
		}
	}
}

func (m *monitor) set(ctx context.Context, id uuid.UUID, online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wasDown, watched := m.down[id]
	if !watched || wasDown == !online {
		return
	}
	m.down[id] = !online
	if online {
		return
	}
	log.WarnContextf(ctx, "target %s went offline, canceling %d calls", id, len(m.pending[id]))
	for _, cancel := range m.pending[id] {
		cancel(cluster.ErrUnreachable)
	}
}

// callContext derives the context of one call to a target. It is canceled after the phase
// timeout or when the target goes offline.
func (m *monitor) callContext(ctx context.Context, id uuid.UUID) (context.Context, func()) {
	cctx, cancelCause := context.WithCancelCause(ctx)
	tctx, cancelTimeout := context.WithTimeout(cctx, m.timeout)

	m.mu.Lock()
	if m.down[id] {
		cancelCause(cluster.ErrUnreachable)
	}
	calls, ok := m.pending[id]
	if !ok {
		calls = make(map[int]context.CancelCauseFunc)
		m.pending[id] = calls
	}
	key := m.next
	m.next++
	calls[key] = cancelCause
	m.mu.Unlock()

	return tctx, func() {
		m.mu.Lock()
		delete(calls, key)
		m.mu.Unlock()
		cancelTimeout()
		cancelCause(context.Canceled)
	}
}
