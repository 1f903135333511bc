package grid

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/commands"
	"github.com/hyp3rd/hypergrid/pkg/persistence"
	"github.com/hyp3rd/hypergrid/pkg/stage"
	"github.com/hyp3rd/hypergrid/pkg/transport"
)

// gatedTransport holds the answer of the next remote Get once armed, until released.
type gatedTransport struct {
	transport.Transport

	armed   atomic.Bool
	held    chan struct{}
	release chan struct{}
}

func newGatedTransport(inner transport.Transport) *gatedTransport {
	return &gatedTransport{Transport: inner, held: make(chan struct{}), release: make(chan struct{})}
}

func (g *gatedTransport) Invoke(ctx context.Context, targets []cluster.NodeID, cmd commands.Command, mode transport.Mode) *stage.Stage {
	st := g.Transport.Invoke(ctx, targets, cmd, mode)

	if _, ok := cmd.(*commands.GetCommand); !ok || !g.armed.CompareAndSwap(true, false) {
		return st
	}

	out := stage.New()

	go func() {
		v, err := st.Get(context.Background())

		close(g.held)
		<-g.release

		out.Complete(v, err)
	}()

	return out
}

func TestCluster_L1IgnoresFetchOvertakenByInvalidation(t *testing.T) {
	ctx := context.Background()

	var gate *gatedTransport

	c := startCluster(t, []string{"a", "b"}, 1, func(id string, registry *transport.Registry) []Option {
		if id != "a" {
			return nil
		}

		gate = newGatedTransport(transport.NewInProcess("a", registry, nil))

		return []Option{WithTransport(gate)}
	}, WithL1(time.Minute))

	k := c.keyWhere(t, func(owners []string) bool { return owners[0] == "b" })

	_, err := c.nodes["b"].Put(ctx, k, 1)
	assert.NoError(t, err)

	gate.armed.Store(true)

	first := make(chan any, 1)

	go func() {
		v, _ := c.nodes["a"].Get(ctx, k)
		first <- v
	}()

	// b answered with 1 and recorded a as a requestor; the answer is still in flight
	<-gate.held

	_, err = c.nodes["b"].Put(ctx, k, 2)
	assert.NoError(t, err)

	close(gate.release)
	assert.Equal(t, 1, <-first)

	_, cached := c.nodes["a"].Peek(k)
	assert.False(t, cached)

	v, err := c.nodes["a"].Get(ctx, k)
	assert.NoError(t, err)
	assert.Equal(t, 2, v)

	c.assertNoLocks(t)
}

func TestCluster_L1SkipsValuesReadDuringAWrite(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, []string{"a", "b"}, 1, WithL1(time.Minute))

	k := c.keyWhere(t, func(owners []string) bool { return owners[0] == "b" })

	_, err := c.nodes["b"].Put(ctx, k, "v1")
	assert.NoError(t, err)

	// a writer holds the key on its owner
	assert.True(t, c.nodes["b"].locks.TryLock(k, "writer"))

	v, err := c.nodes["a"].Get(ctx, k)
	assert.NoError(t, err)
	assert.Equal(t, "v1", v)

	_, cached := c.nodes["a"].Peek(k)
	assert.False(t, cached)

	c.nodes["b"].locks.Unlock(k, "writer")

	v, err = c.nodes["a"].Get(ctx, k)
	assert.NoError(t, err)
	assert.Equal(t, "v1", v)

	l1, cached := c.nodes["a"].Peek(k)
	assert.True(t, cached)
	assert.True(t, l1.Metadata.L1)
}

func TestCluster_TxCommitInvalidatesL1(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, []string{"a", "b", "c"}, 1, WithL1(time.Minute))

	k := c.keyWhere(t, func(owners []string) bool { return owners[0] == "a" })

	_, err := c.nodes["a"].Put(ctx, k, "v1")
	assert.NoError(t, err)

	v, err := c.nodes["b"].Get(ctx, k)
	assert.NoError(t, err)
	assert.Equal(t, "v1", v)

	_, cached := c.nodes["b"].Peek(k)
	assert.True(t, cached)

	tx := c.nodes["c"].Begin()
	_, err = tx.Put(ctx, k, "v2")
	assert.NoError(t, err)
	assert.NoError(t, tx.Commit(ctx))

	_, cached = c.nodes["b"].Peek(k)
	assert.False(t, cached)

	v, err = c.nodes["b"].Get(ctx, k)
	assert.NoError(t, err)
	assert.Equal(t, "v2", v)

	c.assertNoLocks(t)
}

func TestCluster_PassivationOnBackupOwner(t *testing.T) {
	ctx := context.Background()
	stores := map[string]*persistence.MemoryStore{}

	c := startCluster(t, []string{"a", "b"}, 2, func(id string, _ *transport.Registry) []Option {
		stores[id] = persistence.NewMemoryStore("private-"+id, false)

		return []Option{WithStore(stores[id]), WithPassivation()}
	})

	k := c.keyWhere(t, func(owners []string) bool { return owners[0] == "a" && owners[1] == "b" })

	_, err := c.nodes["a"].Put(ctx, k, 7)
	assert.NoError(t, err)

	assert.NoError(t, c.nodes["b"].Evict(ctx, k))

	_, inMemory := c.nodes["b"].Peek(k)
	assert.False(t, inMemory)

	_, inStore, err := stores["b"].Load(ctx, k)
	assert.NoError(t, err)
	assert.True(t, inStore)

	v, err := c.nodes["b"].Get(ctx, k)
	assert.NoError(t, err)
	assert.Equal(t, 7, v)

	// activated: back in memory and gone from the store
	_, inMemory = c.nodes["b"].Peek(k)
	assert.True(t, inMemory)

	_, inStore, err = stores["b"].Load(ctx, k)
	assert.NoError(t, err)
	assert.False(t, inStore)

	_, inStore, err = stores["a"].Load(ctx, k)
	assert.NoError(t, err)
	assert.False(t, inStore)

	c.assertNoLocks(t)
}

func TestNew_RejectsClusteredPassivationWithSharedStore(t *testing.T) {
	shared := persistence.NewMemoryStore("shared", true)
	membership := cluster.NewMembership(cluster.NewRing(cluster.WithReplication(2)))
	membership.Upsert(cluster.NewNode("a", "127.0.0.1:7190"))
	membership.Upsert(cluster.NewNode("b", "127.0.0.1:7191"))

	_, err := New(context.Background(),
		WithNodeID("a"),
		WithMembership(membership),
		WithInProcessRegistry(transport.NewRegistry()),
		WithStore(shared),
		WithPassivation(),
	)
	assert.True(t, errors.Is(err, sentinel.ErrInvalidConfiguration))

	// a standalone node is the only owner of every key
	n, err := New(context.Background(), WithStore(shared), WithPassivation())
	assert.NoError(t, err)
	assert.NoError(t, n.Shutdown(context.Background()))

	// without passivation the shared store is written by primaries only
	c := newCluster(t, []string{"a", "b"}, 2, WithStore(shared))

	_, err = c.nodes["b"].Put(context.Background(), "k", "v")
	assert.NoError(t, err)

	e, ok, err := shared.Load(context.Background(), "k")
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", e.Value)
}
