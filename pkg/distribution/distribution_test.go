package distribution

import (
	"fmt"
	"testing"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/internal/cluster"
)

func newMembership(t *testing.T, replication int, ids ...string) *cluster.Membership {
	t.Helper()

	m := cluster.NewMembership(cluster.NewRing(cluster.WithReplication(replication)))
	for i, id := range ids {
		m.Upsert(cluster.NewNode(id, fmt.Sprintf("127.0.0.1:%d", 9000+i)))
	}

	return m
}

func TestManager_OwnershipViews(t *testing.T) {
	m := newMembership(t, 2, "a", "b", "c")

	managers := map[cluster.NodeID]*Manager{}
	for _, id := range []cluster.NodeID{"a", "b", "c"} {
		managers[id] = NewManager(id, m)
	}

	for i := range 50 {
		key := fmt.Sprintf("k%d", i)
		owners := managers["a"].Locate(key)
		assert.Equal(t, 2, len(owners))

		primaries, holders := 0, 0

		for _, mgr := range managers {
			if mgr.IsPrimary(key) {
				primaries++
			}

			if mgr.IsOwner(key) {
				holders++
			}
		}

		assert.Equal(t, 1, primaries)
		assert.Equal(t, 2, holders)
		assert.Equal(t, owners[0], managers["b"].PrimaryOwner(key))
	}

	assert.Equal(t, []cluster.NodeID{"b", "c"}, managers["a"].Members())
	assert.Equal(t, m.Version(), managers["c"].TopologyID())
}

func TestManager_EmptyTopologyOwnsEverything(t *testing.T) {
	mgr := NewManager("solo", cluster.NewMembership(cluster.NewRing()))

	assert.True(t, mgr.IsPrimary("x"))
	assert.True(t, mgr.IsOwner("x"))
	assert.Equal(t, map[cluster.NodeID][]string{"solo": {"x", "y"}}, mgr.GroupByPrimary([]string{"x", "y"}))
}

func TestRequestors_AddDrainForget(t *testing.T) {
	r := NewRequestors()

	r.Add("k", "b")
	r.Add("k", "a")
	r.Add("k", "b")
	r.Add("j", "a")

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []cluster.NodeID{"a", "b"}, r.Drain("k"))
	assert.Equal(t, 0, len(r.Drain("k")))

	r.Forget("a")
	assert.Equal(t, 0, r.Len())
}

func TestL1Fence_SkipsCopiesFetchedBeforeInvalidation(t *testing.T) {
	f := NewL1Fence()

	epoch := f.Epoch("k")
	assert.True(t, f.Publish("k", epoch, func() {}))

	stale := f.Epoch("k")
	f.Invalidate("k")

	stored := false
	assert.False(t, f.Publish("k", stale, func() { stored = true }))
	assert.False(t, stored)

	assert.True(t, f.Publish("k", f.Epoch("k"), func() { stored = true }))
	assert.True(t, stored)
}
