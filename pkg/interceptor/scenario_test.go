package interceptor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hyp3rd/ewrap"
	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/internal/cluster"
	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/commands"
	"github.com/hyp3rd/hypergrid/pkg/container"
	"github.com/hyp3rd/hypergrid/pkg/distribution"
	"github.com/hyp3rd/hypergrid/pkg/entry"
	"github.com/hyp3rd/hypergrid/pkg/invocation"
	"github.com/hyp3rd/hypergrid/pkg/lock"
	"github.com/hyp3rd/hypergrid/pkg/stage"
	"github.com/hyp3rd/hypergrid/pkg/transport"
)

type singleNode struct {
	container *container.Memory
	locks     *lock.Manager
	chain     *Chain
}

// newSingleNode builds the chain [Locking, EntryWrapping, Distribution] on a
// one-member cluster.
func newSingleNode(t *testing.T, extra ...Visitor) *singleNode {
	t.Helper()

	c, err := container.New()
	assert.NoError(t, err)

	membership := cluster.NewMembership(cluster.NewRing())
	membership.Upsert(cluster.NewNode("a", "127.0.0.1:7001"))

	dm := distribution.NewManager("a", membership)
	tr := transport.NewInProcess("a", transport.NewRegistry(), nil)
	locks := lock.NewManager()

	interceptors := []Visitor{
		NewLocking(locks, dm, 50*time.Millisecond, nil),
		NewEntryWrapping(c, dm, nil),
		NewDistribution(dm, tr),
	}
	interceptors = append(interceptors, extra...)

	chain, err := NewChain(NewCall(c, nil), interceptors...)
	assert.NoError(t, err)

	return &singleNode{container: c, locks: locks, chain: chain}
}

func (n *singleNode) invoke(cmd commands.Command) (any, error) {
	return n.chain.Invoke(invocation.NewLocal(context.Background()), cmd)
}

func (n *singleNode) value(key string) any {
	e, ok := n.container.Peek(key)
	if !ok {
		return nil
	}

	return e.Value
}

func TestScenario_PutWithoutForceReturnValue(t *testing.T) {
	n := newSingleNode(t)

	v, err := n.invoke(commands.NewPut("a", 1, entry.Metadata{}))
	assert.NoError(t, err)
	assert.Nil(t, v)
	assert.Equal(t, 1, n.value("a"))
	assert.Equal(t, 0, n.locks.LockCount())
}

func TestScenario_PutWithForceReturnValue(t *testing.T) {
	n := newSingleNode(t)

	_, err := n.invoke(commands.NewPut("a", 0, entry.Metadata{}))
	assert.NoError(t, err)

	v, err := n.invoke(commands.NewPut("a", 1, entry.Metadata{}, commands.ForceReturnValue))
	assert.NoError(t, err)
	assert.Equal(t, 0, v)
	assert.Equal(t, 1, n.value("a"))
	assert.Equal(t, 0, n.locks.LockCount())
}

func TestCall_ConditionalWrites(t *testing.T) {
	n := newSingleNode(t)

	put := commands.NewPutIfAbsent("k", "v1", entry.Metadata{})
	v, err := n.invoke(put)
	assert.NoError(t, err)
	assert.Nil(t, v)
	assert.True(t, put.IsSuccessful())

	put = commands.NewPutIfAbsent("k", "v2", entry.Metadata{})
	v, err = n.invoke(put)
	assert.NoError(t, err)
	assert.Equal(t, "v1", v)
	assert.False(t, put.IsSuccessful())
	assert.Equal(t, "v1", n.value("k"))

	v, err = n.invoke(commands.NewReplaceIfEquals("k", "nope", "v3", entry.Metadata{}))
	assert.NoError(t, err)
	assert.Equal(t, false, v)

	v, err = n.invoke(commands.NewReplaceIfEquals("k", "v1", "v3", entry.Metadata{}))
	assert.NoError(t, err)
	assert.Equal(t, true, v)
	assert.Equal(t, "v3", n.value("k"))

	v, err = n.invoke(commands.NewReplace("missing", "x", entry.Metadata{}))
	assert.NoError(t, err)
	assert.Nil(t, v)
	assert.Nil(t, n.value("missing"))

	v, err = n.invoke(commands.NewRemoveIfEquals("k", "v1"))
	assert.NoError(t, err)
	assert.Equal(t, false, v)

	v, err = n.invoke(commands.NewRemove("k"))
	assert.NoError(t, err)
	assert.Equal(t, "v3", v)
	assert.Nil(t, n.value("k"))

	v, err = n.invoke(commands.NewGet("k"))
	assert.NoError(t, err)
	assert.Nil(t, v)
}

func TestCall_PutAllAndGetAll(t *testing.T) {
	n := newSingleNode(t)

	_, err := n.invoke(commands.NewPutAll(map[string]any{"x": 1, "y": 2}, entry.Metadata{}))
	assert.NoError(t, err)

	v, err := n.invoke(commands.NewGetAll([]string{"x", "y", "z"}))
	assert.NoError(t, err)
	assert.Equal(t, map[string]any{"x": 1, "y": 2}, v)
	assert.Equal(t, 0, n.locks.LockCount())
}

func TestLocking_ZeroLockTimeoutFailsImmediately(t *testing.T) {
	n := newSingleNode(t)

	held := n.locks.Lock("k", "someone-else", time.Second)
	_, err := held.Get(context.Background())
	assert.NoError(t, err)

	start := time.Now()
	_, err = n.invoke(commands.NewPut("k", 1, entry.Metadata{}, commands.ZeroLockTimeout))
	assert.True(t, errors.Is(err, sentinel.ErrLockTimeout))
	assert.True(t, time.Since(start) < 40*time.Millisecond)
	assert.Nil(t, n.value("k"))

	_, err = n.invoke(commands.NewPut("k", 1, entry.Metadata{}))
	assert.True(t, errors.Is(err, sentinel.ErrLockTimeout))

	n.locks.Unlock("k", "someone-else")
	assert.Equal(t, 0, n.locks.LockCount())
}

func TestLocking_WaitsForRelease(t *testing.T) {
	n := newSingleNode(t)

	held := n.locks.Lock("k", "someone-else", time.Second)
	_, err := held.Get(context.Background())
	assert.NoError(t, err)

	pending := n.chain.InvokeAsync(invocation.NewLocal(context.Background()), commands.NewPut("k", 7, entry.Metadata{}))
	assert.False(t, pending.IsDone())

	n.locks.Unlock("k", "someone-else")

	_, err = pending.Get(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 7, n.value("k"))
	assert.Equal(t, 0, n.locks.LockCount())
}

// failOdd fails writes whose first key ends in an odd digit, after the shadows were
// modified.
type failOdd struct{ Base }

func (failOdd) VisitPut(ctx *invocation.Context, cmd *commands.PutCommand, next Next) *stage.Stage {
	return next.Invoke(ctx, cmd).ThenApply(func(v any) (any, error) {
		last := cmd.Key()[len(cmd.Key())-1]
		if (last-'0')%2 == 1 {
			return nil, ewrap.New("odd key")
		}

		return v, nil
	})
}

func TestLocking_NoLeakedLocks(t *testing.T) {
	n := newSingleNode(t, failOdd{})

	var wg sync.WaitGroup

	for w := range 8 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for i := range 50 {
				key := fmt.Sprintf("k%d", (w+i)%10)
				_, _ = n.invoke(commands.NewPut(key, i, entry.Metadata{}))
				_, _ = n.invoke(commands.NewPutAll(map[string]any{key: i, "k0": i}, entry.Metadata{}))
				_, _ = n.invoke(commands.NewRemove(key))
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, 0, n.locks.LockCount())

	for i := 1; i < 10; i += 2 {
		_, err := n.invoke(commands.NewPut(fmt.Sprintf("k%d", i), "x", entry.Metadata{}))
		assert.True(t, err != nil)
		assert.Nil(t, n.value(fmt.Sprintf("k%d", i)))
	}

	assert.Equal(t, 0, n.locks.LockCount())
}
