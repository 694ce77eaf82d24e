package cluster

import (
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Hub is an in process substrate: every node joined to the same hub sees the others as
// peers and shares the hub's counters. Nodes can be taken offline and back online.
type Hub struct {
	mu       sync.RWMutex
	nodes    map[uuid.UUID]*hubNode
	subs     map[int]func(Event)
	nextSub  int
	counters *MemoryCounters
}

type hubNode struct {
	node        Node
	online      bool
	participant Participant
}

func NewHub() *Hub {
	return &Hub{
		nodes:    make(map[uuid.UUID]*hubNode),
		subs:     make(map[int]func(Event)),
		counters: NewMemoryCounters(),
	}
}

// Join adds an online node and returns its view of the cluster.
func (h *Hub) Join(node Node) *Endpoint {
	h.mu.Lock()
	h.nodes[node.ID] = &hubNode{node: node, online: true}
	h.mu.Unlock()
	h.publish(Event{Node: node, Online: true})
	return &Endpoint{hub: h, self: node}
}

// Attach sets the participant that serves calls addressed to the node.
func (h *Hub) Attach(nodeID uuid.UUID, p Participant) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.nodes[nodeID]
	if !ok {
		return ErrUnknownNode
	}
	n.participant = p
	return nil
}

func (h *Hub) SetOnline(nodeID uuid.UUID, online bool) error {
	h.mu.Lock()
	n, ok := h.nodes[nodeID]
	if !ok {
		h.mu.Unlock()
		return ErrUnknownNode
	}
	changed := n.online != online
	n.online = online
	node := n.node
	h.mu.Unlock()

	if changed {
		h.publish(Event{Node: node, Online: online})
	}
	return nil
}

func (h *Hub) Counter(name string) Counter {
	return h.counters.Counter(name)
}

func (h *Hub) publish(ev Event) {
	h.mu.RLock()
	subs := make([]func(Event), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

func (h *Hub) members() []Member {
	h.mu.RLock()
	defer h.mu.RUnlock()
	members := make([]Member, 0, len(h.nodes))
	for _, n := range h.nodes {
		members = append(members, Member{Node: n.node, Online: n.online})
	}
	sort.Slice(members, func(a, b int) bool {
		return members[a].ID.String() < members[b].ID.String()
	})
	return members
}

// Endpoint is one node's view of a Hub. It implements Transport and Counters.
type Endpoint struct {
	hub  *Hub
	self Node
}

func (e *Endpoint) Self() Node {
	return e.self
}

func (e *Endpoint) Members() []Member {
	return e.hub.members()
}

func (e *Endpoint) Subscribe(fn func(Event)) func() {
	h := e.hub
	h.mu.Lock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn
	h.mu.Unlock()
	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
	}
}

func (e *Endpoint) Peer(nodeID uuid.UUID) (Participant, error) {
	h := e.hub
	h.mu.RLock()
	defer h.mu.RUnlock()
	n, ok := h.nodes[nodeID]
	if !ok {
		return nil, ErrUnknownNode
	}
	if !n.online || n.participant == nil {
		return nil, ErrUnreachable
	}
	return n.participant, nil
}

func (e *Endpoint) Counter(name string) Counter {
	return e.hub.Counter(name)
}
