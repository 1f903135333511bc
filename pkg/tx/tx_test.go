package tx

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/longbridgeapp/assert"

	"github.com/hyp3rd/hypergrid/internal/sentinel"
	"github.com/hyp3rd/hypergrid/pkg/commands"
	"github.com/hyp3rd/hypergrid/pkg/container"
	"github.com/hyp3rd/hypergrid/pkg/entry"
	"github.com/hyp3rd/hypergrid/pkg/interceptor"
	"github.com/hyp3rd/hypergrid/pkg/invocation"
	"github.com/hyp3rd/hypergrid/pkg/lock"
)

type node struct {
	container *container.Memory
	locks     *lock.Manager
	chain     *interceptor.Chain
	table     *Table
	coord     *Coordinator
}

func newNode(t *testing.T) *node {
	t.Helper()

	c, err := container.New()
	assert.NoError(t, err)

	locks := lock.NewManager()
	table := NewTable("local")

	chain, err := interceptor.NewChain(interceptor.NewCall(c, nil),
		interceptor.NewTransactions(table, nil),
		interceptor.NewLocking(locks, nil, 50*time.Millisecond, nil),
		interceptor.NewEntryWrapping(c, nil, nil),
		interceptor.NewDistribution(nil, nil),
		interceptor.NewVersioning(c, nil, nil),
	)
	assert.NoError(t, err)

	return &node{container: c, locks: locks, chain: chain, table: table, coord: NewCoordinator(chain, table, nil)}
}

func (n *node) invoke(cmd commands.Command) (any, error) {
	return n.chain.Invoke(invocation.NewLocal(context.Background()), cmd)
}

func (n *node) inTx(tx *invocation.Transaction, cmd commands.Command) (any, error) {
	return n.chain.Invoke(invocation.NewTx(context.Background(), tx), cmd)
}

func TestTable_BeginAssignsIncreasingIDs(t *testing.T) {
	table := NewTable("a")

	first := table.Begin()
	second := table.Begin()

	assert.Equal(t, uint64(1), first.GlobalTx().ID)
	assert.Equal(t, uint64(2), second.GlobalTx().ID)
	assert.Equal(t, "a", second.GlobalTx().Origin)
	assert.Equal(t, 2, table.LocalCount())

	got, ok := table.Local(first.GlobalTx())
	assert.True(t, ok)
	assert.True(t, got == first)

	table.Forget(first.GlobalTx())
	assert.Equal(t, 1, table.LocalCount())
}

func TestTable_RemoteIsCreatedOnce(t *testing.T) {
	table := NewTable("a")
	gtx := commands.GlobalTransaction{ID: 7, Origin: "b"}

	first := table.Remote(gtx)
	second := table.Remote(gtx)

	assert.True(t, first == second)
	assert.True(t, first.IsRemote())
	assert.Equal(t, 1, table.RemoteCount())

	table.Remove(gtx)
	assert.Equal(t, 0, table.RemoteCount())
}

func TestCoordinator_OnePhaseWriteSkewAbortsLoser(t *testing.T) {
	n := newNode(t)

	_, err := n.invoke(commands.NewPut("k", "initial", entry.Metadata{}))
	assert.NoError(t, err)

	tx1 := n.table.Begin()
	tx2 := n.table.Begin()

	_, err = n.inTx(tx1, commands.NewGet("k"))
	assert.NoError(t, err)
	_, err = n.inTx(tx2, commands.NewGet("k"))
	assert.NoError(t, err)

	_, err = n.inTx(tx1, commands.NewPut("k", "first", entry.Metadata{}))
	assert.NoError(t, err)
	_, err = n.inTx(tx2, commands.NewPut("k", "second", entry.Metadata{}))
	assert.NoError(t, err)

	assert.NoError(t, n.coord.Commit(context.Background(), tx2))
	assert.Equal(t, invocation.TxCommitted, tx2.State())

	err = n.coord.Commit(context.Background(), tx1)
	assert.True(t, errors.Is(err, sentinel.ErrWriteSkew))
	assert.False(t, sentinel.IsRetriable(err))
	assert.Equal(t, invocation.TxRolledBack, tx1.State())

	v, err := n.invoke(commands.NewGet("k"))
	assert.NoError(t, err)
	assert.Equal(t, "second", v)
	assert.Equal(t, 0, n.locks.LockCount())
	assert.Equal(t, 0, n.table.LocalCount())
}

func TestCoordinator_TwoPhaseWithSeveralParticipants(t *testing.T) {
	n := newNode(t)

	tx := n.table.Begin()
	tx.AddParticipants("a", "b")

	_, err := n.inTx(tx, commands.NewPut("x", 1, entry.Metadata{}))
	assert.NoError(t, err)
	_, err = n.inTx(tx, commands.NewPut("y", 2, entry.Metadata{}))
	assert.NoError(t, err)

	_, ok := n.container.Peek("x")
	assert.False(t, ok)

	assert.NoError(t, n.coord.Commit(context.Background(), tx))
	assert.Equal(t, invocation.TxCommitted, tx.State())

	e, ok := n.container.Peek("x")
	assert.True(t, ok)
	assert.Equal(t, 1, e.Value)
	assert.Equal(t, uint64(1), e.Metadata.Version.Counter)
	assert.Equal(t, 0, n.locks.LockCount())
}

func TestCoordinator_ReadOnlyCommitSkipsPrepare(t *testing.T) {
	n := newNode(t)

	tx := n.table.Begin()
	_, err := n.inTx(tx, commands.NewGet("missing"))
	assert.NoError(t, err)

	assert.NoError(t, n.coord.Commit(context.Background(), tx))
	assert.Equal(t, invocation.TxCommitted, tx.State())

	err = n.coord.Commit(context.Background(), tx)
	assert.True(t, errors.Is(err, sentinel.ErrInvalidTransactionState))
}

func TestCoordinator_RollbackOnlyRefusesCommit(t *testing.T) {
	n := newNode(t)

	tx := n.table.Begin()
	_, err := n.inTx(tx, commands.NewPut("k", "v", entry.Metadata{}))
	assert.NoError(t, err)

	tx.MarkRollbackOnly()

	err = n.coord.Commit(context.Background(), tx)
	assert.True(t, errors.Is(err, sentinel.ErrRollbackOnly))
	assert.Equal(t, invocation.TxRolledBack, tx.State())

	_, ok := n.container.Peek("k")
	assert.False(t, ok)
}

func TestCoordinator_RollbackIsIdempotent(t *testing.T) {
	n := newNode(t)

	tx := n.table.Begin()
	_, err := n.inTx(tx, commands.NewPut("k", "v", entry.Metadata{}))
	assert.NoError(t, err)

	assert.NoError(t, n.coord.Rollback(context.Background(), tx))
	assert.NoError(t, n.coord.Rollback(context.Background(), tx))
	assert.Equal(t, invocation.TxRolledBack, tx.State())

	err = n.coord.Commit(context.Background(), tx)
	assert.True(t, errors.Is(err, sentinel.ErrInvalidTransactionState))
}
