package txmanager

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/xiaoxuxiansheng/go2pc/cluster"
	"github.com/xiaoxuxiansheng/go2pc/log"
)

// Synchronizer
// 1. Discover: ask every online peer for the last completed id of a resource manager.
// 2. Evaluate: fold the answer into the sync state.
// 3. Late -> catch up: extract the missing journal range from peers and replay it.
//    PostSyncProcessing -> run the resource manager's post sync step.
// 4. Repeat until the replica is UpToDate.
// Sync runs are triggered by sync state changes, membership events and a periodic tick.

// ErrNoQuorum is returned when too few peers answered to decide.
var ErrNoQuorum = errors.New("txmanager: no quorum for sync decision")

type Synchronizer struct {
	tm        *TransactionManager
	transport cluster.Transport

	mu      sync.Mutex
	pending map[uuid.UUID]struct{}
	wake    chan struct{}
	running map[uuid.UUID]*sync.Mutex
}

func NewSynchronizer(tm *TransactionManager, transport cluster.Transport) *Synchronizer {
	return &Synchronizer{
		tm:        tm,
		transport: transport,
		pending:   make(map[uuid.UUID]struct{}),
		wake:      make(chan struct{}, 1),
		running:   make(map[uuid.UUID]*sync.Mutex),
	}
}

// peerReport is one peer's answer to a discovery query.
type peerReport struct {
	node          cluster.Node
	participant   cluster.Participant
	lastCompleted uint64
}

// query asks every online peer for its last completed id. Peers that fail to answer are
// left out.
func (s *Synchronizer) query(ctx context.Context, resourceID uuid.UUID) ([]peerReport, int) {
	self := s.transport.Self()
	members := s.transport.Members()

	var (
		mu      sync.Mutex
		reports []peerReport
		g       errgroup.Group
	)
	for _, node := range cluster.Online(members) {
		if node.ID == self.ID {
			continue
		}
		node := node
		g.Go(func() error {
			p, err := s.transport.Peer(node.ID)
			if err != nil {
				return nil
			}
			cctx, cancel := context.WithTimeout(ctx, s.tm.opts.CallTimeout)
			defer cancel()
			last, err := p.LastCompleted(cctx, resourceID)
			if err != nil {
				log.DebugContextf(ctx, "peer %s last completed of %s: %v", node.ID, resourceID, err)
				return nil
			}
			mu.Lock()
			reports = append(reports, peerReport{node: node, participant: p, lastCompleted: last})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(reports, func(a, b int) bool {
		return bytes.Compare(reports[a].node.ID[:], reports[b].node.ID[:]) < 0
	})
	return reports, len(members)
}

// Discover returns what the online peers know about the resource manager. The local node
// counts towards the quorum.
func (s *Synchronizer) Discover(ctx context.Context, resourceID uuid.UUID) Discovery {
	reports, members := s.query(ctx, resourceID)
	d := Discovery{Quorum: len(reports)+1 >= cluster.Quorum(members)}
	for _, r := range reports {
		if r.lastCompleted > d.LastCompleted {
			d.LastCompleted = r.lastCompleted
		}
	}
	return d
}

func (s *Synchronizer) lockFor(resourceID uuid.UUID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.running[resourceID]
	if !ok {
		l = &sync.Mutex{}
		s.running[resourceID] = l
	}
	return l
}

// Sync drives the resource manager towards UpToDate. It returns nil once it is there.
func (s *Synchronizer) Sync(ctx context.Context, resourceID uuid.UUID) error {
	l := s.lockFor(resourceID)
	l.Lock()
	defer l.Unlock()

	for round := 0; round < s.tm.opts.SyncRounds; round++ {
		d := s.Discover(ctx, resourceID)
		state, err := s.tm.EvaluateSyncState(ctx, resourceID, d)
		if err != nil {
			return err
		}

		switch state {
		case UpToDate:
			return nil
		case Late:
			if err = s.catchUp(ctx, resourceID); err != nil {
				log.WarnContextf(ctx, "catch up of %s: %v", resourceID, err)
			}
		case PostSyncProcessing:
			if err = s.tm.ProcessPostSync(ctx, resourceID); err != nil {
				return err
			}
		case Undetermined:
			if !d.Quorum {
				return ErrNoQuorum
			}
		default:
			return fmt.Errorf("txmanager: cannot sync %s in state %s", resourceID, state)
		}
		if err = ctx.Err(); err != nil {
			return err
		}
	}
	return fmt.Errorf("txmanager: sync of %s did not settle after %d rounds", resourceID, s.tm.opts.SyncRounds)
}

// catchUp replays what peers have beyond the local last completed id. It always leaves the
// resource manager Undetermined so that the next discovery decides again.
func (s *Synchronizer) catchUp(ctx context.Context, resourceID uuid.UUID) error {
	reg, ok := s.tm.registry.get(resourceID)
	if !ok {
		return fmt.Errorf("txmanager: resource manager %s not registered", resourceID)
	}
	reports, _ := s.query(ctx, resourceID)

	if err := s.tm.transition(ctx, reg, Synchronizing); err != nil {
		return err
	}
	defer func() {
		if err := s.tm.transition(ctx, reg, Undetermined); err != nil {
			log.ErrorContextf(ctx, "leave synchronizing: %v", err)
		}
	}()

	var target uint64
	for _, r := range reports {
		if r.lastCompleted > target {
			target = r.lastCompleted
		}
	}

	var lastErr error
	for _, r := range reports {
		local := reg.LastCompleted()
		if local >= target {
			break
		}
		if r.lastCompleted <= local {
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, s.tm.opts.CallTimeout)
		entries, err := r.participant.Extract(cctx, resourceID, local, r.lastCompleted)
		cancel()
		if err != nil {
			lastErr = fmt.Errorf("extract (%d, %d] from %s: %w", local, r.lastCompleted, r.node.ID, err)
			log.WarnContextf(ctx, "%v", lastErr)
			continue
		}
		if err = s.tm.Replay(ctx, resourceID, entries); err != nil {
			lastErr = fmt.Errorf("replay from %s: %w", r.node.ID, err)
			log.WarnContextf(ctx, "%v", lastErr)
		}
	}
	if reg.LastCompleted() >= target {
		return nil
	}
	return lastErr
}

// Trigger schedules a sync of the resource manager.
func (s *Synchronizer) Trigger(resourceID uuid.UUID) {
	s.mu.Lock()
	s.pending[resourceID] = struct{}{}
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// triggerAll schedules every registered resource manager, or only the unsettled ones.
func (s *Synchronizer) triggerAll(unsettledOnly bool) {
	for _, info := range s.tm.ResourceManagers() {
		if unsettledOnly && info.State == UpToDate {
			continue
		}
		s.Trigger(info.ID)
	}
}

func (s *Synchronizer) drain() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	s.pending = make(map[uuid.UUID]struct{})
	return ids
}

// Run reacts to triggers until ctx is done. Unsettled resource managers are retried every
// DiscoveryTick.
func (s *Synchronizer) Run(ctx context.Context) {
	cancelStates := s.tm.OnStateChange(func(c StateChange) {
		if c.To == Undetermined {
			s.Trigger(c.ResourceID)
		}
	})
	defer cancelStates()
	cancelMembers := s.transport.Subscribe(func(cluster.Event) {
		s.triggerAll(false)
	})
	defer cancelMembers()

	s.triggerAll(true)
	ticker := time.NewTicker(s.tm.opts.DiscoveryTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.triggerAll(true)
		case <-s.wake:
		}
		for _, id := range s.drain() {
			if s.tm.SyncState(id) == Unregistered {
				continue
			}
			if err := s.Sync(ctx, id); err != nil && !errors.Is(err, context.Canceled) {
				log.DebugContextf(ctx, "sync of %s: %v", id, err)
			}
		}
	}
}
