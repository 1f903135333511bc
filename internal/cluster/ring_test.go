package cluster

import (
	"fmt"
	"testing"

	"github.com/longbridgeapp/assert"
)

func nodes(n int) []*Node {
	out := make([]*Node, 0, n)
	for i := range n {
		out = append(out, NewNode(fmt.Sprintf("n%d", i), fmt.Sprintf("127.0.0.1:%d", 7000+i)))
	}

	return out
}

func TestRing_BuildBumpsTopologyID(t *testing.T) {
	r := NewRing(WithReplication(2))
	assert.Equal(t, uint64(0), r.Topology().ID)
	assert.Equal(t, 0, len(r.Lookup("k")))

	r.Build(nodes(3))
	assert.Equal(t, uint64(1), r.Topology().ID)

	r.Build(nodes(2))
	assert.Equal(t, uint64(2), r.Topology().ID)
}

func TestRing_LookupIsDeterministicAndDistinct(t *testing.T) {
	r := NewRing(WithReplication(3), WithVirtualNodes(16))
	r.Build(nodes(4))

	for i := range 100 {
		key := fmt.Sprintf("key-%d", i)
		owners := r.Lookup(key)

		assert.Equal(t, 3, len(owners))
		assert.Equal(t, owners, r.Lookup(key))

		seen := map[NodeID]bool{}
		for _, o := range owners {
			assert.False(t, seen[o])
			seen[o] = true
		}
	}
}

func TestRing_ReplicationCappedByMembers(t *testing.T) {
	r := NewRing(WithReplication(3))
	r.Build(nodes(2))

	assert.Equal(t, 2, len(r.Lookup("x")))
}

func TestMembership_ChangesRebuildRing(t *testing.T) {
	m := NewMembership(NewRing(WithReplication(1)))

	for _, n := range nodes(3) {
		m.Upsert(n)
	}

	assert.Equal(t, uint64(3), m.Version())
	assert.Equal(t, 3, len(m.Ring().Topology().Members()))

	assert.True(t, m.Mark("n1", NodeDead))
	assert.Equal(t, 2, len(m.Ring().Topology().Members()))

	assert.True(t, m.Remove("n2"))
	assert.False(t, m.Remove("n2"))
	assert.Equal(t, []NodeID{"n0"}, m.Ring().Topology().Members())

	n, ok := m.Get("n0")
	assert.True(t, ok)
	assert.Equal(t, "http://127.0.0.1:7000", n.BaseURL())
}
