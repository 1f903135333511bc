package cluster

import (
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
)

// Ring implements a consistent hashing ring with virtual nodes. Every Build
// publishes a new immutable Topology with the next topology id; lookups read the
// current snapshot without locking.
type Ring struct {
	mu          sync.Mutex // serializes Build
	current     atomic.Pointer[Topology]
	vnPerNode   int
	replication int
}

// Topology is an immutable ownership mapping.
type Topology struct {
	ID          uint64
	members     []NodeID
	vnodes      []vnode
	replication int
}

type vnode struct {
	hash uint64
	nid  NodeID
}

// RingOption configures ring.
type RingOption func(*Ring)

// WithVirtualNodes sets the number of virtual nodes per physical node.
func WithVirtualNodes(n int) RingOption {
	return func(r *Ring) {
		if n > 0 {
			r.vnPerNode = n
		}
	}
}

// WithReplication sets the replication factor (number of owners per key).
func WithReplication(n int) RingOption {
	return func(r *Ring) {
		if n > 0 {
			r.replication = n
		}
	}
}

const defaultVirtualNodes = 64

// NewRing constructs an empty ring (topology id 0) applying provided options.
func NewRing(opts ...RingOption) *Ring {
	r := &Ring{vnPerNode: defaultVirtualNodes, replication: 1}
	for _, o := range opts {
		o(r)
	}

	r.current.Store(&Topology{replication: r.replication})

	return r
}

// Build publishes a topology for the supplied nodes and returns it.
func (r *Ring) Build(nodes []*Node) *Topology {
	vn := make([]vnode, 0, len(nodes)*r.vnPerNode)
	members := make([]NodeID, 0, len(nodes))

	for _, node := range nodes {
		members = append(members, node.ID)

		base := []byte(node.ID)
		for i := range r.vnPerNode {
			buf := make([]byte, len(base)+1)
			copy(buf, base)

			buf[len(base)] = byte(i)

			vn = append(vn, vnode{hash: xxhash.Sum64(buf), nid: node.ID})
		}
	}

	sort.Slice(vn, func(i, j int) bool { return vn[i].hash < vn[j].hash })
	slices.Sort(members)

	r.mu.Lock()
	defer r.mu.Unlock()

	next := &Topology{
		ID:          r.current.Load().ID + 1,
		members:     members,
		vnodes:      vn,
		replication: r.replication,
	}
	r.current.Store(next)

	return next
}

// Topology returns the current snapshot.
func (r *Ring) Topology() *Topology { return r.current.Load() }

// Lookup returns the primary owner and (replication-1) backups for key in the
// current topology.
func (r *Ring) Lookup(key string) []NodeID { return r.current.Load().Lookup(key) }

// Replication returns replication factor.
func (r *Ring) Replication() int { return r.replication }

// VirtualNodesPerNode returns configured virtual nodes per physical node.
func (r *Ring) VirtualNodesPerNode() int { return r.vnPerNode }

// Lookup returns the owners of key, primary first.
func (t *Topology) Lookup(key string) []NodeID {
	if len(t.vnodes) == 0 {
		return nil
	}

	target := xxhash.Sum64String(key)

	idx := sort.Search(len(t.vnodes), func(i int) bool { return t.vnodes[i].hash >= target })
	if idx == len(t.vnodes) {
		idx = 0
	}

	res := make([]NodeID, 0, t.replication)
	seen := make(map[NodeID]struct{}, t.replication)

	for i := 0; len(res) < t.replication && i < len(t.vnodes); i++ {
		vn := t.vnodes[(idx+i)%len(t.vnodes)]
		if _, ok := seen[vn.nid]; ok {
			continue
		}

		seen[vn.nid] = struct{}{}
		res = append(res, vn.nid)
	}

	return res
}

// Members returns the sorted member ids.
func (t *Topology) Members() []NodeID { return slices.Clone(t.members) }

// VNodeHashes returns vnode hash values as hex strings (debug only).
func (t *Topology) VNodeHashes() []string {
	out := make([]string, 0, len(t.vnodes))
	for _, v := range t.vnodes {
		out = append(out, fmt.Sprintf("%016x:%s", v.hash, v.nid))
	}

	return out
}
