// Package distribution answers ownership questions for a node: which members own a
// key, whether the local member is the primary owner, and which topology id the
// answer belongs to. It also keeps the L1 requestor bookkeeping used to invalidate
// near-cache copies on other members.
package distribution

import (
	"slices"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/hyp3rd/hypergrid/internal/cluster"
)

// Manager resolves ownership against the live topology of a membership.
type Manager struct {
	local      cluster.NodeID
	membership *cluster.Membership
	fence      *L1Fence
}

// NewManager binds an ownership view to local.
func NewManager(local cluster.NodeID, membership *cluster.Membership) *Manager {
	return &Manager{local: local, membership: membership, fence: NewL1Fence()}
}

// L1Fence returns the fence ordering L1 stores against invalidations on this member.
func (m *Manager) L1Fence() *L1Fence { return m.fence }

// LocalNode returns the id of this member.
func (m *Manager) LocalNode() cluster.NodeID { return m.local }

// Membership returns the underlying membership.
func (m *Manager) Membership() *cluster.Membership { return m.membership }

// Topology returns the current topology snapshot.
func (m *Manager) Topology() *cluster.Topology { return m.membership.Ring().Topology() }

// TopologyID returns the current topology id.
func (m *Manager) TopologyID() uint64 { return m.Topology().ID }

// Locate returns the owners of key, primary first.
func (m *Manager) Locate(key string) []cluster.NodeID { return m.Topology().Lookup(key) }

// PrimaryOwner returns the primary owner of key or "" when the topology is empty.
func (m *Manager) PrimaryOwner(key string) cluster.NodeID {
	owners := m.Locate(key)
	if len(owners) == 0 {
		return ""
	}

	return owners[0]
}

// IsOwner reports whether the local member owns key, as primary or backup.
// An empty topology makes every member an owner.
func (m *Manager) IsOwner(key string) bool {
	owners := m.Locate(key)

	return len(owners) == 0 || slices.Contains(owners, m.local)
}

// IsPrimary reports whether the local member is the primary owner of key.
// An empty topology makes every member primary.
func (m *Manager) IsPrimary(key string) bool {
	primary := m.PrimaryOwner(key)

	return primary == "" || primary == m.local
}

// Members returns all members of the current topology except the local one.
func (m *Manager) Members() []cluster.NodeID {
	return slices.DeleteFunc(m.Topology().Members(), func(id cluster.NodeID) bool { return id == m.local })
}

// GroupByPrimary buckets keys by their primary owner. Keys keep their input order
// inside each bucket.
func (m *Manager) GroupByPrimary(keys []string) map[cluster.NodeID][]string {
	out := make(map[cluster.NodeID][]string)

	for _, k := range keys {
		p := m.PrimaryOwner(k)
		if p == "" {
			p = m.local
		}

		out[p] = append(out[p], k)
	}

	return out
}

// Requestors records which members fetched a key into their L1 so that the
// primary owner can invalidate those copies after a write.
type Requestors struct {
	byKey *xsync.MapOf[string, map[cluster.NodeID]struct{}]
}

// NewRequestors builds an empty tracker.
func NewRequestors() *Requestors {
	return &Requestors{byKey: xsync.NewMapOf[string, map[cluster.NodeID]struct{}]()}
}

// Add records that node holds key in its L1.
func (r *Requestors) Add(key string, node cluster.NodeID) {
	r.byKey.Compute(key, func(old map[cluster.NodeID]struct{}, _ bool) (map[cluster.NodeID]struct{}, bool) {
		next := make(map[cluster.NodeID]struct{}, len(old)+1)
		for id := range old {
			next[id] = struct{}{}
		}

		next[node] = struct{}{}

		return next, false
	})
}

// Drain removes and returns the requestors of key, sorted.
func (r *Requestors) Drain(key string) []cluster.NodeID {
	set, ok := r.byKey.LoadAndDelete(key)
	if !ok {
		return nil
	}

	out := make([]cluster.NodeID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}

	slices.Sort(out)

	return out
}

// Forget drops every record for node, used when it leaves the cluster.
func (r *Requestors) Forget(node cluster.NodeID) {
	r.byKey.Range(func(key string, set map[cluster.NodeID]struct{}) bool {
		if _, ok := set[node]; ok {
			r.byKey.Compute(key, func(old map[cluster.NodeID]struct{}, loaded bool) (map[cluster.NodeID]struct{}, bool) {
				if !loaded {
					return nil, true
				}

				next := make(map[cluster.NodeID]struct{}, len(old))
				for id := range old {
					if id != node {
						next[id] = struct{}{}
					}
				}

				return next, len(next) == 0
			})
		}

		return true
	})
}

// Len returns the number of keys with at least one requestor.
func (r *Requestors) Len() int { return r.byKey.Size() }

// L1Fence orders the storing of fetched L1 copies against their invalidation.
// Every invalidation of a key moves its epoch; a copy fetched under an older epoch
// is never stored.
type L1Fence struct {
	epochs *xsync.MapOf[string, uint64]
}

// NewL1Fence builds an empty fence.
func NewL1Fence() *L1Fence {
	return &L1Fence{epochs: xsync.NewMapOf[string, uint64]()}
}

// Epoch returns the current epoch of key. Capture it before fetching.
func (f *L1Fence) Epoch(key string) uint64 {
	v, _ := f.epochs.Load(key)

	return v
}

// Invalidate moves the epoch of key.
func (f *L1Fence) Invalidate(key string) {
	f.epochs.Compute(key, func(old uint64, _ bool) (uint64, bool) { return old + 1, false })
}

// Publish runs store when key was not invalidated since epoch, and reports whether
// it ran. store runs while the key is held, so it cannot interleave with Invalidate.
func (f *L1Fence) Publish(key string, epoch uint64, store func()) bool {
	ran := false

	f.epochs.Compute(key, func(old uint64, loaded bool) (uint64, bool) {
		if old == epoch {
			store()

			ran = true
		}

		return old, !loaded
	})

	return ran
}
