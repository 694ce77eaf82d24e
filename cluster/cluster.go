// Package cluster is the boundary to the membership, transport and shared counter
// substrate. The transaction engine only depends on the interfaces declared here.
package cluster

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/xiaoxuxiansheng/go2pc/journal"
	"github.com/xiaoxuxiansheng/go2pc/txn"
)

var (
	// ErrUnreachable is returned when a peer is not online.
	ErrUnreachable = errors.New("cluster: peer unreachable")
	ErrUnknownNode = errors.New("cluster: unknown node")
)

type Node struct {
	ID      uuid.UUID
	Address string
}

type Member struct {
	Node
	Online bool
}

// Event reports a member going online or offline.
type Event struct {
	Node   Node
	Online bool
}

type Membership interface {
	Self() Node
	// Members lists every known member, self included.
	Members() []Member
	// Subscribe registers fn for membership events until cancel is called.
	Subscribe(fn func(Event)) (cancel func())
}

// Participant is the surface a node's transaction manager exposes to its peers.
type Participant interface {
	Start(ctx context.Context, tx *txn.Transaction, participants []uuid.UUID) error
	Prepare(ctx context.Context, txID uint64) error
	Commit(ctx context.Context, txID uint64, participants []uuid.UUID) error
	Rollback(ctx context.Context, txID uint64, code txn.Code, participants []uuid.UUID) error
	LastCompleted(ctx context.Context, resourceID uuid.UUID) (uint64, error)
	Extract(ctx context.Context, resourceID uuid.UUID, from, to uint64) ([]*journal.Entry, error)
}

type Transport interface {
	Membership
	// Peer returns the participant of a node. The local node is served without a hop.
	Peer(nodeID uuid.UUID) (Participant, error)
}

// Quorum is the minimum number of nodes out of n that makes a majority.
func Quorum(n int) int {
	return n/2 + 1
}

// Online filters the online members.
func Online(members []Member) []Node {
	nodes := make([]Node, 0, len(members))
	for _, m := range members {
		if m.Online {
			nodes = append(nodes, m.Node)
		}
	}
	return nodes
}

// IDs returns the ids of nodes.
func IDs(nodes []Node) []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	return ids
}
