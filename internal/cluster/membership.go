// Package cluster contains primitives for node identity, membership tracking and
// consistent hashing used to route commands to key owners.
package cluster

import (
	"sync"
	"time"
)

// Membership tracks current cluster nodes. Every change rebuilds the ring, which
// bumps the topology id.
type Membership struct {
	mu    sync.RWMutex
	nodes map[NodeID]*Node
	ring  *Ring
}

// NewMembership creates a new membership container bound to a ring.
func NewMembership(ring *Ring) *Membership { return &Membership{nodes: map[NodeID]*Node{}, ring: ring} }

// Upsert adds or updates a node and rebuilds ring.
func (m *Membership) Upsert(n *Node) {
	m.mu.Lock()

	n.LastSeen = time.Now()
	m.nodes[n.ID] = n
	nodes := m.liveLocked()
	m.mu.Unlock()

	m.ring.Build(nodes)
}

// liveLocked returns nodes eligible for ownership. Callers hold mu.
func (m *Membership) liveLocked() []*Node {
	nodes := make([]*Node, 0, len(m.nodes))
	for _, v := range m.nodes {
		if v.State != NodeDead {
			nodes = append(nodes, v)
		}
	}

	return nodes
}

// Get returns a copy of the node with id.
func (m *Membership) Get(id NodeID) (*Node, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n, ok := m.nodes[id]
	if !ok {
		return nil, false
	}

	cp := *n

	return &cp, true
}

// List returns current nodes snapshot.
func (m *Membership) List() []*Node {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Node, 0, len(m.nodes))
	for _, v := range m.nodes {
		cp := *v
		out = append(out, &cp)
	}

	return out
}

// Ring returns the underlying ring reference.
func (m *Membership) Ring() *Ring { return m.ring }

// Remove deletes a node from membership and rebuilds the ring. Returns true if removed.
func (m *Membership) Remove(id NodeID) bool {
	m.mu.Lock()

	if _, ok := m.nodes[id]; !ok {
		m.mu.Unlock()

		return false
	}

	delete(m.nodes, id)
	nodes := m.liveLocked()
	m.mu.Unlock()

	m.ring.Build(nodes)

	return true
}

// Mark updates node state + incarnation and rebuilds the ring. Returns true if node exists.
func (m *Membership) Mark(id NodeID, state NodeState) bool {
	m.mu.Lock()

	n, ok := m.nodes[id]
	if !ok {
		m.mu.Unlock()

		return false
	}

	n.State = state
	n.Incarnation++
	n.LastSeen = time.Now()
	nodes := m.liveLocked()
	m.mu.Unlock()

	m.ring.Build(nodes)

	return true
}

// Version returns the current topology id.
func (m *Membership) Version() uint64 { return m.ring.Topology().ID }
