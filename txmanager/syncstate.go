package txmanager

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/xiaoxuxiansheng/go2pc/log"
)

// SyncState tells whether a resource manager replica may take part in new transactions.
type SyncState int

const (
	Unregistered SyncState = iota
	Undetermined
	Late
	Synchronizing
	PostSyncProcessing
	UpToDate
)

func (s SyncState) String() string {
	switch s {
	case Unregistered:
		return "UNREGISTERED"
	case Undetermined:
		return "UNDETERMINED"
	case Late:
		return "LATE"
	case Synchronizing:
		return "SYNCHRONIZING"
	case PostSyncProcessing:
		return "POST_SYNC_PROCESSING"
	case UpToDate:
		return "UP_TO_DATE"
	default:
		return fmt.Sprintf("SyncState(%d)", int(s))
	}
}

var transitions = map[SyncState][]SyncState{
	Unregistered:       {Undetermined},
	Undetermined:       {PostSyncProcessing, Late, Unregistered},
	PostSyncProcessing: {UpToDate, Undetermined, Unregistered},
	Late:               {Synchronizing, Unregistered},
	UpToDate:           {Late, Undetermined, Unregistered},
	Synchronizing:      {Undetermined, Unregistered},
}

// CanTransition reports whether to is a legal successor of s.
func (s SyncState) CanTransition(to SyncState) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// acceptsTransactions reports whether new transactions may start.
func (s SyncState) acceptsTransactions() bool {
	return s == UpToDate || s == PostSyncProcessing
}

var ErrIllegalTransition = errors.New("txmanager: illegal sync state transition")

// StateChange is delivered to listeners on every transition.
type StateChange struct {
	ResourceID uuid.UUID
	From       SyncState
	To         SyncState
}

type listeners struct {
	mu   sync.RWMutex
	next int
	fns  map[int]func(StateChange)
}

func (l *listeners) add(fn func(StateChange)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(StateChange))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.fns, id)
	}
}

func (l *listeners) notify(change StateChange) {
	l.mu.RLock()
	fns := make([]func(StateChange), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(change)
	}
}

// OnStateChange registers fn for every sync state transition until cancel is called.
// fn runs on the goroutine that caused the transition and must not block.
func (t *TransactionManager) OnStateChange(fn func(StateChange)) (cancel func()) {
	return t.listeners.add(fn)
}

// SyncState returns the state of a resource manager, Unregistered when unknown.
func (t *TransactionManager) SyncState(resourceID uuid.UUID) SyncState {
	reg, ok := t.registry.get(resourceID)
	if !ok {
		return Unregistered
	}
	return reg.State()
}

// transitionLocked moves reg to state to. Staying in the current state is a no-op.
// reg.mu must be held.
func (reg *registration) transitionLocked(to SyncState) (StateChange, bool, error) {
	from := reg.state
	if from == to {
		return StateChange{}, false, nil
	}
	if !from.CanTransition(to) {
		return StateChange{}, false, fmt.Errorf("%w: %s -> %s for %s", ErrIllegalTransition, from, to, reg.id())
	}
	reg.state = to
	return StateChange{ResourceID: reg.id(), From: from, To: to}, true, nil
}

func (t *TransactionManager) transition(ctx context.Context, reg *registration, to SyncState) error {
	reg.mu.Lock()
	change, changed, err := reg.transitionLocked(to)
	reg.mu.Unlock()
	if err != nil {
		return err
	}
	if changed {
		t.emit(ctx, change)
	}
	return nil
}

func (t *TransactionManager) emit(ctx context.Context, change StateChange) {
	log.InfoContextf(ctx, "resource manager %s sync state %s -> %s", change.ResourceID, change.From, change.To)
	t.metrics.recordTransition(ctx, change)
	t.listeners.notify(change)
}

// Discovery is what a discovery round learned about the cluster.
type Discovery struct {
	// LastCompleted is the highest last completed id reported by a peer.
	LastCompleted uint64
	// Quorum is set when enough peers answered to speak for the cluster.
	Quorum bool
}

// EvaluateSyncState folds a discovery result into the state of a resource manager and
// returns the resulting state. Evaluating the same result twice changes nothing the
// second time.
func (t *TransactionManager) EvaluateSyncState(ctx context.Context, resourceID uuid.UUID, d Discovery) (SyncState, error) {
	reg, ok := t.registry.get(resourceID)
	if !ok {
		return Unregistered, fmt.Errorf("txmanager: resource manager %s not registered", resourceID)
	}

	reg.mu.Lock()
	var to SyncState
	switch state, local := reg.state, reg.lastCompleted; {
	case local < d.LastCompleted:
		switch state {
		case Undetermined, UpToDate:
			to = Late
		case PostSyncProcessing:
			// the post sync attempt is dropped and retried after re-discovery
			to = Undetermined
		default:
			to = state
		}
	case d.Quorum && state == Undetermined:
		to = PostSyncProcessing
	default:
		to = state
	}
	change, changed, err := reg.transitionLocked(to)
	state := reg.state
	reg.mu.Unlock()

	if err != nil {
		return state, err
	}
	if changed {
		t.emit(ctx, change)
	}
	return state, nil
}

// ErrPostSyncPending is returned when the post sync step failed and will be retried.
var ErrPostSyncPending = errors.New("txmanager: post sync processing pending")

// ProcessPostSync runs the resource manager's post sync step and, on success, marks the
// replica up to date.
func (t *TransactionManager) ProcessPostSync(ctx context.Context, resourceID uuid.UUID) error {
	reg, ok := t.registry.get(resourceID)
	if !ok {
		return fmt.Errorf("txmanager: resource manager %s not registered", resourceID)
	}
	if reg.State() != PostSyncProcessing {
		return nil
	}
	if err := reg.rm.ProcessPostSync(ctx); err != nil {
		log.WarnContextf(ctx, "post sync of %s failed: %v", resourceID, err)
		return fmt.Errorf("%w: %v", ErrPostSyncPending, err)
	}
	return t.transition(ctx, reg, UpToDate)
}
