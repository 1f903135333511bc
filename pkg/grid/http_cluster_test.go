package grid

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/internal/cluster"
)

func freeAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	assert.NoError(t, err)

	addr := l.Addr().String()
	assert.NoError(t, l.Close())

	return addr
}

// newHTTPCluster starts members talking to each other over the HTTP transport.
func newHTTPCluster(t *testing.T, ids []string, replication int, opts ...Option) *testCluster {
	t.Helper()

	addrs := make(map[string]string, len(ids))
	membership := cluster.NewMembership(cluster.NewRing(cluster.WithReplication(replication)))

	for _, id := range ids {
		addrs[id] = freeAddr(t)
		membership.Upsert(cluster.NewNode(id, addrs[id]))
	}

	c := &testCluster{nodes: make(map[string]*Node, len(ids)), ids: ids}

	t.Cleanup(func() {
		for _, n := range c.nodes {
			_ = n.Shutdown(context.Background())
		}
	})

	for _, id := range ids {
		n, err := New(context.Background(), append([]Option{
			WithNodeID(id),
			WithAddress(addrs[id]),
			WithMembership(membership),
			WithHTTPTransport(2 * time.Second),
			WithLockTimeout(2 * time.Second),
		}, opts...)...)
		assert.NoError(t, err)

		c.nodes[id] = n
	}

	return c
}

func TestHTTPCluster_TypedValuesAcrossMembers(t *testing.T) {
	ctx := context.Background()
	c := newHTTPCluster(t, []string{"a", "b", "c"}, 2, WithL1(time.Minute))

	k := c.keyWhere(t, func(owners []string) bool { return owners[0] == "a" && owners[1] == "b" })

	_, err := c.nodes["c"].Put(ctx, k, 41)
	assert.NoError(t, err)

	for _, id := range c.ids {
		v, err := c.nodes[id].Get(ctx, k)
		assert.NoError(t, err)
		assert.Equal(t, 41, v)
	}

	// conditional writes from a non-owner compare against the typed value
	ok, err := c.nodes["c"].ReplaceIfEquals(ctx, k, 41, 42)
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.nodes["c"].ReplaceIfEquals(ctx, k, 41, 43)
	assert.NoError(t, err)
	assert.False(t, ok)

	// c held an L1 copy of 41; the replace dropped it
	v, err := c.nodes["c"].Get(ctx, k)
	assert.NoError(t, err)
	assert.Equal(t, 42, v)

	ok, err = c.nodes["c"].RemoveIfEquals(ctx, k, 42)
	assert.NoError(t, err)
	assert.True(t, ok)

	for _, id := range c.ids {
		v, err := c.nodes[id].Get(ctx, k)
		assert.NoError(t, err)
		assert.Nil(t, v)
	}

	c.assertNoLocks(t)
}

func TestHTTPCluster_PutAllAndTransactions(t *testing.T) {
	ctx := context.Background()
	c := newHTTPCluster(t, []string{"a", "b", "c"}, 2)

	entries := map[string]any{"x": int64(1), "y": "two", "z": []byte("three")}
	assert.NoError(t, c.nodes["a"].PutAll(ctx, entries))

	got, err := c.nodes["b"].GetAll(ctx, []string{"x", "y", "z"})
	assert.NoError(t, err)
	assert.Equal(t, entries, got)

	k := c.keyWhere(t, func(owners []string) bool { return owners[0] != "c" && owners[1] != "c" })

	tx := c.nodes["c"].Begin()

	_, err = tx.Put(ctx, k, 10)
	assert.NoError(t, err)

	_, err = tx.Put(ctx, "x", int64(5))
	assert.NoError(t, err)

	assert.NoError(t, tx.Commit(ctx))

	for _, id := range c.ids {
		v, err := c.nodes[id].Get(ctx, k)
		assert.NoError(t, err)
		assert.Equal(t, 10, v)

		v, err = c.nodes[id].Get(ctx, "x")
		assert.NoError(t, err)
		assert.Equal(t, int64(5), v)
	}

	tx = c.nodes["c"].Begin()

	_, err = tx.Put(ctx, k, 11)
	assert.NoError(t, err)
	assert.NoError(t, tx.Rollback(ctx))

	v, err := c.nodes["a"].Get(ctx, k)
	assert.NoError(t, err)
	assert.Equal(t, 10, v)

	c.assertNoLocks(t)
}
